package parsers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/eleanor-dfir/eleanor/pkg/models"
)

// OsqueryParser parses osquery result logs. Records come in three
// shapes: differential (diffResults.added/removed), snapshot
// (snapshot[]), and single-row (columns{}).
type OsqueryParser struct {
	BaseParser
}

// NewOsqueryParser constructs the osquery parser.
func NewOsqueryParser() *OsqueryParser {
	return &OsqueryParser{
		BaseParser: NewBaseParser("osquery", CategoryEDR,
			[]string{".json", ".jsonl", ".log"},
			[]string{"application/json", "application/x-ndjson"}),
	}
}

// CanParse sniffs for osquery's envelope keys.
func (p *OsqueryParser) CanParse(_ string, prefix []byte) bool {
	trimmed := bytes.TrimLeft(prefix, " \t\r\n")
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return false
	}
	return bytes.Contains(prefix, []byte(`"diffResults"`)) ||
		bytes.Contains(prefix, []byte(`"snapshot"`)) ||
		(bytes.Contains(prefix, []byte(`"columns"`)) && bytes.Contains(prefix, []byte(`"name"`)))
}

// Parse streams JSONL records, fanning each envelope out to one event
// per result row.
func (p *OsqueryParser) Parse(ctx context.Context, r io.Reader, sourceName string, emit EmitFunc) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	lineNo := 0
	parsedAny := false
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec map[string]any
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			if !parsedAny && lineNo > 5 {
				return fmt.Errorf("%w: not osquery JSON", ErrMalformedSource)
			}
			p.skip(sourceName, lineNo, err)
			continue
		}
		parsedAny = true

		if err := p.emitEnvelope(rec, line, sourceName, lineNo, emit); err != nil {
			if err == ErrStop {
				return nil
			}
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading %s: %w", sourceName, err)
	}
	return nil
}

func (p *OsqueryParser) emitEnvelope(rec map[string]any, raw, sourceName string, line int, emit EmitFunc) error {
	queryName := jsonStr(rec, "name")
	hostname := jsonStr(rec, "hostIdentifier")
	ts := osqueryTime(rec)

	emitRow := func(row map[string]any, action string) error {
		ev := p.rowEvent(queryName, hostname, action, ts, row)
		ev.Raw = raw
		return emit(p.finish(ev, sourceName, line))
	}

	// Differential shape.
	if diff, ok := rec["diffResults"].(map[string]any); ok {
		for _, key := range []string{"added", "removed"} {
			rows, _ := diff[key].([]any)
			for _, r := range rows {
				row, ok := r.(map[string]any)
				if !ok {
					continue
				}
				if err := emitRow(row, key); err != nil {
					return err
				}
			}
		}
		return nil
	}

	// Snapshot shape.
	if rows, ok := rec["snapshot"].([]any); ok {
		for _, r := range rows {
			row, ok := r.(map[string]any)
			if !ok {
				continue
			}
			if err := emitRow(row, "snapshot"); err != nil {
				return err
			}
		}
		return nil
	}

	// Single-row shape.
	if row, ok := rec["columns"].(map[string]any); ok {
		action := jsonStr(rec, "action")
		if action == "" {
			action = "added"
		}
		return emitRow(row, action)
	}

	p.skip(sourceName, line, fmt.Errorf("unrecognized osquery record shape"))
	return nil
}

func (p *OsqueryParser) rowEvent(queryName, hostname, action string, ts time.Time, row map[string]any) *models.NormalizedEvent {
	ev := &models.NormalizedEvent{
		Timestamp:     ts,
		EventKind:     models.KindEvent,
		EventCategory: []string{osqueryCategory(queryName)},
		EventAction:   action,
		HostName:      hostname,
	}
	ev.SetLabel("osquery_query", queryName)

	// Common column names across the packs.
	ev.ProcessName = jsonStr(row, "name")
	ev.ProcessPID = jsonInt(row, "pid")
	ev.ProcessPPID = jsonInt(row, "parent")
	ev.ProcessCommandLine = jsonStr(row, "cmdline")
	ev.ProcessExecutable = jsonStr(row, "path")
	if ev.ProcessExecutable == "" {
		ev.ProcessExecutable = jsonStr(row, "exe")
	}
	if u := jsonStr(row, "username"); u != "" {
		ev.UserName = u
	} else if u := jsonStr(row, "user"); u != "" {
		ev.UserName = u
	}
	ev.UserID = jsonStr(row, "uid")
	if la := jsonStr(row, "local_address"); la != "" {
		ev.SourceIP = la
		ev.SourcePort = jsonInt(row, "local_port")
	}
	if ra := jsonStr(row, "remote_address"); ra != "" {
		ev.DestinationIP = ra
		ev.DestinationPort = jsonInt(row, "remote_port")
	}
	if md5 := jsonStr(row, "md5"); md5 != "" {
		ev.FileHashMD5 = md5
	}
	if sha := jsonStr(row, "sha256"); sha != "" {
		ev.FileHashSHA256 = sha
	}

	// Remaining columns become labels.
	for k, v := range row {
		switch k {
		case "name", "pid", "parent", "cmdline", "path", "exe",
			"username", "user", "uid", "remote_address", "remote_port",
			"local_address", "local_port", "md5", "sha256":
			continue
		}
		if s, ok := v.(string); ok && s != "" {
			ev.SetLabel(k, s)
		}
	}
	return ev
}

func osqueryTime(rec map[string]any) time.Time {
	if v, ok := rec["unixTime"]; ok {
		if f, ok := v.(float64); ok {
			return time.Unix(int64(f), 0).UTC()
		}
	}
	if s := jsonStr(rec, "calendarTime"); s != "" {
		if t, err := time.Parse("Mon Jan 2 15:04:05 2006 MST", s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// osqueryCategory maps a scheduled query name to its ECS category.
func osqueryCategory(queryName string) string {
	q := strings.ToLower(queryName)
	switch {
	case strings.Contains(q, "process"):
		return "process"
	case strings.Contains(q, "socket"), strings.Contains(q, "network"),
		strings.Contains(q, "listening"), strings.Contains(q, "dns"):
		return "network"
	case strings.Contains(q, "file"), strings.Contains(q, "hash"):
		return "file"
	case strings.Contains(q, "user"), strings.Contains(q, "logged_in"),
		strings.Contains(q, "last"):
		return "authentication"
	case strings.Contains(q, "startup"), strings.Contains(q, "crontab"),
		strings.Contains(q, "launchd"), strings.Contains(q, "autoexec"),
		strings.Contains(q, "scheduled_task"):
		return "persistence"
	case strings.Contains(q, "kernel"), strings.Contains(q, "module"),
		strings.Contains(q, "driver"):
		return "driver"
	default:
		return "host"
	}
}
