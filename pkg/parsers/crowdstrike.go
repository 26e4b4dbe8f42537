package parsers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/eleanor-dfir/eleanor/pkg/models"
)

// CrowdStrikeFDRParser parses CrowdStrike Falcon Data Replicator
// JSON/JSONL exports. Every record carries event_simpleName (or name)
// identifying the sensor event type.
type CrowdStrikeFDRParser struct {
	BaseParser
}

// NewCrowdStrikeFDRParser constructs the FDR parser.
func NewCrowdStrikeFDRParser() *CrowdStrikeFDRParser {
	return &CrowdStrikeFDRParser{
		BaseParser: NewBaseParser("crowdstrike_fdr", CategoryEDR,
			[]string{".json", ".jsonl"},
			[]string{"application/json", "application/x-ndjson"}),
	}
}

// CanParse sniffs for JSON records carrying event_simpleName.
func (p *CrowdStrikeFDRParser) CanParse(_ string, prefix []byte) bool {
	trimmed := bytes.TrimLeft(prefix, " \t\r\n")
	if len(trimmed) == 0 || (trimmed[0] != '{' && trimmed[0] != '[') {
		return false
	}
	return bytes.Contains(prefix, []byte("event_simpleName")) ||
		bytes.Contains(prefix, []byte(`"aid"`))
}

// Parse handles both JSONL (one record per line) and a single JSON
// array of records.
func (p *CrowdStrikeFDRParser) Parse(ctx context.Context, r io.Reader, sourceName string, emit EmitFunc) error {
	br := bufio.NewReaderSize(r, 64*1024)
	first, err := br.Peek(1)
	if err != nil {
		return fmt.Errorf("%w: empty input", ErrMalformedSource)
	}

	if first[0] == '[' {
		return p.parseArray(ctx, br, sourceName, emit)
	}
	return p.parseLines(ctx, br, sourceName, emit)
}

func (p *CrowdStrikeFDRParser) parseArray(ctx context.Context, r io.Reader, sourceName string, emit EmitFunc) error {
	dec := json.NewDecoder(r)
	if _, err := dec.Token(); err != nil { // consume '['
		return fmt.Errorf("%w: %v", ErrMalformedSource, err)
	}
	recNo := 0
	for dec.More() {
		if err := ctx.Err(); err != nil {
			return err
		}
		recNo++
		var rec map[string]any
		if err := dec.Decode(&rec); err != nil {
			p.skip(sourceName, recNo, err)
			continue
		}
		if err := p.emitRecord(rec, sourceName, recNo, emit); err != nil {
			if err == ErrStop {
				return nil
			}
			return err
		}
	}
	return nil
}

func (p *CrowdStrikeFDRParser) parseLines(ctx context.Context, r io.Reader, sourceName string, emit EmitFunc) error {
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
				return fmt.Errorf("%w: not JSONL", ErrMalformedSource)
			}
			p.skip(sourceName, lineNo, err)
			continue
		}
		parsedAny = true
		if err := p.emitRecord(rec, sourceName, lineNo, emit); err != nil {
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

func (p *CrowdStrikeFDRParser) emitRecord(rec map[string]any, sourceName string, line int, emit EmitFunc) error {
	simpleName := jsonStr(rec, "event_simpleName")
	if simpleName == "" {
		simpleName = jsonStr(rec, "name")
	}
	if simpleName == "" {
		p.skip(sourceName, line, fmt.Errorf("record without event_simpleName"))
		return nil
	}

	ev := &models.NormalizedEvent{
		EventKind:   models.KindEvent,
		EventAction: simpleName,
	}
	if ts, ok := fdrTimestamp(rec); ok {
		ev.Timestamp = ts
	}

	applyFDRFields(ev, rec, simpleName)
	ev.EventSeverity = fdrSeverity(rec, simpleName)

	raw, _ := json.Marshal(rec)
	ev.Raw = string(raw)
	return emit(p.finish(ev, sourceName, line))
}

// fdrTimestamp resolves the first present timestamp field, accepting
// epoch seconds, epoch milliseconds, or ISO-8601.
func fdrTimestamp(rec map[string]any) (time.Time, bool) {
	for _, key := range []string{"timestamp", "ContextTimeStamp", "ProcessStartTime", "UtcTime"} {
		v, ok := rec[key]
		if !ok {
			continue
		}
		switch t := v.(type) {
		case float64:
			return epochToTime(t), true
		case string:
			if n, err := strconv.ParseFloat(t, 64); err == nil {
				return epochToTime(n), true
			}
			for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05.999", "2006-01-02 15:04:05"} {
				if ts, err := time.Parse(layout, t); err == nil {
					return ts.UTC(), true
				}
			}
		}
	}
	return time.Time{}, false
}

// epochToTime distinguishes seconds from milliseconds by magnitude.
func epochToTime(v float64) time.Time {
	if v > 1e12 {
		return time.UnixMilli(int64(v)).UTC()
	}
	sec := int64(v)
	nsec := int64((v - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}

// applyFDRFields fills semantic slots per the sensor field table.
func applyFDRFields(ev *models.NormalizedEvent, rec map[string]any, simpleName string) {
	ev.HostName = jsonStr(rec, "ComputerName")
	ev.HostID = jsonStr(rec, "aid")
	ev.UserName = jsonStr(rec, "UserName")
	ev.UserID = jsonStr(rec, "UserSid")

	// Process.
	ev.ProcessCommandLine = jsonStr(rec, "CommandLine")
	ev.ProcessExecutable = jsonStr(rec, "ImageFileName")
	if ev.ProcessExecutable != "" {
		ev.ProcessName = baseName(ev.ProcessExecutable)
	}
	ev.ProcessPID = jsonInt(rec, "RawProcessId")
	if ev.ProcessPID == 0 {
		ev.ProcessPID = jsonInt(rec, "ProcessId")
	}
	ev.ProcessPPID = jsonInt(rec, "ParentProcessId")

	// Network.
	ev.SourceIP = jsonStr(rec, "LocalAddressIP4")
	ev.DestinationIP = jsonStr(rec, "RemoteAddressIP4")
	ev.SourcePort = jsonInt(rec, "LocalPort")
	ev.DestinationPort = jsonInt(rec, "RemotePort")
	if proto := jsonStr(rec, "Protocol"); proto != "" {
		ev.NetworkProtocol = strings.ToLower(proto)
	}

	// File.
	if tf := jsonStr(rec, "TargetFileName"); tf != "" {
		ev.FilePath = tf
		ev.FileName = baseName(tf)
	}
	ev.FileHashMD5 = jsonStr(rec, "MD5HashData")
	ev.FileHashSHA1 = jsonStr(rec, "SHA1HashData")
	ev.FileHashSHA256 = jsonStr(rec, "SHA256HashData")

	// Domain lookups.
	if dn := jsonStr(rec, "DomainName"); dn != "" {
		ev.URLDomain = dn
	}

	lower := strings.ToLower(simpleName)
	switch {
	case strings.Contains(lower, "processrollup"), strings.Contains(lower, "processstart"):
		ev.EventCategory = []string{"process"}
		ev.EventType = []string{"start"}
	case strings.Contains(lower, "network"), strings.Contains(lower, "connectip"):
		ev.EventCategory = []string{"network"}
		ev.EventType = []string{"connection"}
	case strings.Contains(lower, "dnsrequest"):
		ev.EventCategory = []string{"network"}
		ev.EventType = []string{"protocol"}
		ev.NetworkProtocol = "dns"
	case strings.Contains(lower, "file"), strings.Contains(lower, "written"):
		ev.EventCategory = []string{"file"}
	case strings.Contains(lower, "reg"):
		ev.EventCategory = []string{"registry"}
		if rk := jsonStr(rec, "RegObjectName"); rk != "" {
			ev.SetLabel("registry_key", rk)
		}
		if rv := jsonStr(rec, "RegValueName"); rv != "" {
			ev.SetLabel("registry_value", rv)
		}
	case strings.Contains(lower, "detect"), strings.Contains(lower, "suspicious"):
		ev.EventCategory = []string{"malware"}
		ev.EventKind = models.KindAlert
		if name := jsonStr(rec, "DetectName"); name != "" {
			ev.Message = name
		}
		if desc := jsonStr(rec, "DetectDescription"); desc != "" && ev.Message == "" {
			ev.Message = desc
		}
	case strings.Contains(lower, "userlogon"), strings.Contains(lower, "userlogoff"):
		ev.EventCategory = []string{"authentication"}
	default:
		ev.EventCategory = []string{"host"}
	}
}

// fdrSeverity maps the sensor Severity field (1–5) or falls back to
// event-type heuristics.
func fdrSeverity(rec map[string]any, simpleName string) int {
	switch jsonInt(rec, "Severity") {
	case 1:
		return 20
	case 2:
		return 40
	case 3:
		return 60
	case 4, 5:
		return 80
	}
	lower := strings.ToLower(simpleName)
	switch {
	case strings.Contains(lower, "detect"), strings.Contains(lower, "suspicious"):
		return 70
	case strings.Contains(lower, "processrollup"):
		return 10
	default:
		return 20
	}
}

func jsonStr(rec map[string]any, key string) string {
	if v, ok := rec[key].(string); ok {
		return v
	}
	return ""
}

func jsonInt(rec map[string]any, key string) int {
	switch v := rec[key].(type) {
	case float64:
		return int(v)
	case string:
		n, _ := strconv.Atoi(v)
		return n
	}
	return 0
}

func baseName(path string) string {
	idx := strings.LastIndexAny(path, `/\`)
	if idx >= 0 {
		return path[idx+1:]
	}
	return path
}
