package parsers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/eleanor-dfir/eleanor/pkg/models"
)

// defaultVolatilityPlugins are the plugins run against a memory image
// when the caller does not choose their own set.
var defaultVolatilityPlugins = []string{
	"windows.pslist",
	"windows.netscan",
	"windows.cmdline",
	"windows.malfind",
}

// VolatilityParser extracts events from memory images by invoking an
// external Volatility 3 binary with the JSON renderer, one plugin at a
// time, and yielding one event per result row. Pre-rendered Volatility
// JSON output is also accepted directly.
type VolatilityParser struct {
	BaseParser

	// Binary is the Volatility 3 executable. Defaults to "vol".
	Binary string
	// Plugins to run against a memory image.
	Plugins []string

	// runCommand is swappable for tests.
	runCommand func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// NewVolatilityParser constructs the memory parser.
func NewVolatilityParser() *VolatilityParser {
	return &VolatilityParser{
		BaseParser: NewBaseParser("volatility", CategoryMemory,
			[]string{".mem", ".vmem", ".raw", ".dmp", ".lime"},
			[]string{"application/octet-stream"}),
		Binary:  "vol",
		Plugins: defaultVolatilityPlugins,
		runCommand: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, name, args...).Output()
		},
	}
}

// CanParse accepts memory-image extensions or pre-rendered Volatility
// JSON (rows keyed by PID/ImageFileName).
func (p *VolatilityParser) CanParse(filename string, prefix []byte) bool {
	lower := strings.ToLower(filename)
	for _, ext := range p.Extensions() {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	trimmed := bytes.TrimLeft(prefix, " \t\r\n")
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return false
	}
	return bytes.Contains(prefix, []byte(`"PID"`)) &&
		bytes.Contains(prefix, []byte(`"ImageFileName"`))
}

// Parse reads pre-rendered plugin output when r carries JSON; otherwise
// sourceName is treated as the memory-image path and each configured
// plugin is run against it. The external process makes this parser
// inherently asynchronous; rows still stream through emit one at a time.
func (p *VolatilityParser) Parse(ctx context.Context, r io.Reader, sourceName string, emit EmitFunc) error {
	br := bufio.NewReaderSize(r, 4096)
	prefix, _ := br.Peek(64)
	trimmed := bytes.TrimLeft(prefix, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '[' {
		plugin := strings.TrimSuffix(baseName(sourceName), ".json")
		return p.parseRows(ctx, br, plugin, sourceName, emit)
	}

	for _, plugin := range p.Plugins {
		out, err := p.runCommand(ctx, p.Binary, "-r", "json", "-f", sourceName, plugin)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// A plugin failing before producing rows means the image
			// itself is unusable; later plugin failures only skip that
			// plugin's rows.
			if plugin == p.Plugins[0] {
				return fmt.Errorf("%w: %s on %s: %v", ErrMalformedSource, plugin, sourceName, err)
			}
			p.skip(sourceName, 0, fmt.Errorf("plugin %s: %w", plugin, err))
			continue
		}
		if err := p.parseRows(ctx, bytes.NewReader(out), plugin, sourceName, emit); err != nil {
			if err == ErrStop {
				return nil
			}
			return err
		}
	}
	return nil
}

// parseRows streams one JSON array of plugin rows.
func (p *VolatilityParser) parseRows(ctx context.Context, r io.Reader, plugin, sourceName string, emit EmitFunc) error {
	dec := json.NewDecoder(r)
	if _, err := dec.Token(); err != nil { // consume '['
		return fmt.Errorf("%w: %s output: %v", ErrMalformedSource, plugin, err)
	}
	rowNo := 0
	for dec.More() {
		if err := ctx.Err(); err != nil {
			return err
		}
		rowNo++
		var row map[string]any
		if err := dec.Decode(&row); err != nil {
			p.skip(sourceName, rowNo, err)
			continue
		}
		ev := p.rowEvent(plugin, row)
		raw, _ := json.Marshal(row)
		ev.Raw = string(raw)
		if err := emit(p.finish(ev, sourceName, rowNo)); err != nil {
			return err
		}

		// The TreeGrid renderer nests child rows under __children.
		if children, ok := row["__children"].([]any); ok {
			for _, c := range children {
				child, ok := c.(map[string]any)
				if !ok {
					continue
				}
				rowNo++
				cev := p.rowEvent(plugin, child)
				craw, _ := json.Marshal(child)
				cev.Raw = string(craw)
				if err := emit(p.finish(cev, sourceName, rowNo)); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (p *VolatilityParser) rowEvent(plugin string, row map[string]any) *models.NormalizedEvent {
	ev := &models.NormalizedEvent{
		SourceType:  "volatility:" + plugin,
		EventKind:   models.KindEvent,
		EventAction: plugin,
	}
	ev.SetLabel("volatility_plugin", plugin)

	ev.ProcessPID = jsonInt(row, "PID")
	ev.ProcessPPID = jsonInt(row, "PPID")
	ev.ProcessName = jsonStr(row, "ImageFileName")
	if ev.ProcessName == "" {
		ev.ProcessName = jsonStr(row, "Process")
	}
	if args := jsonStr(row, "Args"); args != "" {
		ev.ProcessCommandLine = args
	}
	if ct := jsonStr(row, "CreateTime"); ct != "" {
		if t, ok := volatilityTime(ct); ok {
			ev.Timestamp = t
		}
	}

	switch {
	case strings.Contains(plugin, "pslist"), strings.Contains(plugin, "psscan"),
		strings.Contains(plugin, "pstree"), strings.Contains(plugin, "cmdline"):
		ev.EventCategory = []string{"process"}
	case strings.Contains(plugin, "netscan"), strings.Contains(plugin, "netstat"):
		ev.EventCategory = []string{"network"}
		ev.SourceIP = jsonStr(row, "LocalAddr")
		ev.SourcePort = jsonInt(row, "LocalPort")
		ev.DestinationIP = jsonStr(row, "ForeignAddr")
		ev.DestinationPort = jsonInt(row, "ForeignPort")
		if proto := jsonStr(row, "Proto"); proto != "" {
			ev.NetworkProtocol = strings.ToLower(proto)
		}
		if owner := jsonStr(row, "Owner"); owner != "" && ev.ProcessName == "" {
			ev.ProcessName = owner
		}
		if st := jsonStr(row, "State"); st != "" {
			ev.SetLabel("connection_state", st)
		}
		if created := jsonStr(row, "Created"); created != "" {
			if t, ok := volatilityTime(created); ok {
				ev.Timestamp = t
			}
		}
	case strings.Contains(plugin, "malfind"):
		ev.EventKind = models.KindSignal
		ev.EventCategory = []string{"malware"}
		ev.EventSeverity = 70
		if prot := jsonStr(row, "Protection"); prot != "" {
			ev.SetLabel("protection", prot)
		}
		if addr, ok := row["Start VPN"]; ok {
			ev.SetLabel("start_vpn", fmt.Sprintf("%v", addr))
		}
	case strings.Contains(plugin, "dlllist"), strings.Contains(plugin, "modules"),
		strings.Contains(plugin, "driver"):
		ev.EventCategory = []string{"driver"}
		if path := jsonStr(row, "Path"); path != "" {
			ev.FilePath = path
			ev.FileName = baseName(path)
		}
	default:
		ev.EventCategory = []string{"host"}
	}
	return ev
}

// volatilityTime parses the renderer's timestamp forms.
func volatilityTime(s string) (time.Time, bool) {
	for _, layout := range []string{
		time.RFC3339,
		"2006-01-02 15:04:05.000000",
		"2006-01-02 15:04:05",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil && n > 0 {
		return epochToTime(n), true
	}
	return time.Time{}, false
}
