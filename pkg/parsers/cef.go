package parsers

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/eleanor-dfir/eleanor/pkg/models"
)

// CEFParser parses ArcSight Common Event Format records, one per line.
// Header: CEF:Version|Vendor|Product|Version|SigID|Name|Severity|Extension.
type CEFParser struct {
	BaseParser
}

// NewCEFParser constructs the CEF parser.
func NewCEFParser() *CEFParser {
	return &CEFParser{
		BaseParser: NewBaseParser("cef", CategoryLogs,
			[]string{".cef", ".log"},
			[]string{"text/plain"}),
	}
}

// CanParse accepts inputs whose prefix contains a CEF header.
func (p *CEFParser) CanParse(_ string, prefix []byte) bool {
	return bytes.Contains(prefix, []byte("CEF:"))
}

// Parse reads CEF lines, skipping malformed records. It fails early if
// the first non-empty lines carry no CEF header at all.
func (p *CEFParser) Parse(ctx context.Context, r io.Reader, sourceName string, emit EmitFunc) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	lineNo := 0
	sawCEF := false
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		idx := strings.Index(line, "CEF:")
		if idx < 0 {
			if !sawCEF && lineNo > 10 {
				return fmt.Errorf("%w: no CEF header in first %d lines", ErrMalformedSource, lineNo)
			}
			p.skip(sourceName, lineNo, fmt.Errorf("no CEF header"))
			continue
		}
		sawCEF = true

		ev, err := p.parseLine(line[idx:])
		if err != nil {
			p.skip(sourceName, lineNo, err)
			continue
		}
		ev.Raw = line
		if err := emit(p.finish(ev, sourceName, lineNo)); err != nil {
			if err == ErrStop {
				return nil
			}
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading %s: %w", sourceName, err)
	}
	if !sawCEF && lineNo > 0 {
		return fmt.Errorf("%w: no CEF records found", ErrMalformedSource)
	}
	return nil
}

func (p *CEFParser) parseLine(line string) (*models.NormalizedEvent, error) {
	header, extension, err := splitCEFHeader(strings.TrimPrefix(line, "CEF:"))
	if err != nil {
		return nil, err
	}

	ev := &models.NormalizedEvent{
		EventKind:     models.KindEvent,
		EventCategory: []string{cefCategory(header[2])},
		EventAction:   header[5],
		EventSeverity: cefSeverity(header[6]),
	}
	ev.SetLabel("cef_version", header[0])
	ev.SetLabel("device_vendor", header[1])
	ev.SetLabel("device_product", header[2])
	ev.SetLabel("device_version", header[3])
	ev.SetLabel("signature_id", header[4])
	ev.Message = header[5]

	for key, value := range parseCEFExtension(extension) {
		applyCEFField(ev, key, value)
	}
	return ev, nil
}

// splitCEFHeader splits the 7 header fields honoring \| escapes; the
// remainder is the extension.
func splitCEFHeader(s string) ([7]string, string, error) {
	var fields [7]string
	var buf strings.Builder
	field := 0
	i := 0
	for ; i < len(s) && field < 7; i++ {
		c := s[i]
		switch {
		case c == '\\' && i+1 < len(s):
			buf.WriteByte(s[i+1])
			i++
		case c == '|':
			fields[field] = buf.String()
			buf.Reset()
			field++
		default:
			buf.WriteByte(c)
		}
	}
	if field < 7 {
		return fields, "", fmt.Errorf("short CEF header: %d fields", field)
	}
	return fields, s[i:], nil
}

var cefKeyRe = regexp.MustCompile(`(?:^|\s)([A-Za-z0-9_.]+)=`)

// parseCEFExtension parses space-separated key=value pairs where values
// may contain spaces up to the next recognized key=. Escapes \=, \\,
// \n, \r are unescaped in values.
func parseCEFExtension(ext string) map[string]string {
	out := make(map[string]string)
	ext = strings.TrimSpace(ext)
	if ext == "" {
		return out
	}

	locs := cefKeyRe.FindAllStringSubmatchIndex(ext, -1)
	for n, loc := range locs {
		key := ext[loc[2]:loc[3]]
		valStart := loc[1]
		valEnd := len(ext)
		if n+1 < len(locs) {
			valEnd = locs[n+1][0]
		}
		out[key] = unescapeCEFValue(strings.TrimSpace(ext[valStart:valEnd]))
	}
	return out
}

func unescapeCEFValue(v string) string {
	var buf strings.Builder
	for i := 0; i < len(v); i++ {
		if v[i] == '\\' && i+1 < len(v) {
			switch v[i+1] {
			case 'n':
				buf.WriteByte('\n')
			case 'r':
				buf.WriteByte('\r')
			default:
				buf.WriteByte(v[i+1])
			}
			i++
			continue
		}
		buf.WriteByte(v[i])
	}
	return buf.String()
}

// applyCEFField maps a CEF extension key onto the event's semantic
// slots; unrecognized keys land in labels.
func applyCEFField(ev *models.NormalizedEvent, key, value string) {
	switch key {
	case "src":
		ev.SourceIP = value
	case "dst":
		ev.DestinationIP = value
	case "spt":
		ev.SourcePort = atoiSafe(value)
	case "dpt":
		ev.DestinationPort = atoiSafe(value)
	case "suser":
		ev.UserName = value
	case "duser":
		if ev.UserName == "" {
			ev.UserName = value
		} else {
			ev.SetLabel("destination_user", value)
		}
	case "shost":
		ev.HostName = value
	case "dhost", "dvchost":
		ev.SetLabel(key, value)
	case "proto":
		ev.NetworkProtocol = strings.ToLower(value)
	case "act":
		ev.EventAction = value
	case "outcome":
		ev.EventOutcome = strings.ToLower(value)
	case "msg":
		ev.Message = value
	case "fname":
		ev.FileName = value
	case "filePath":
		ev.FilePath = value
	case "fileHash":
		ev.FileHashSHA256 = value
	case "request":
		ev.URLFull = value
	case "requestMethod":
		ev.SetLabel("http_method", value)
	case "deviceDirection":
		switch value {
		case "0":
			ev.NetworkDirection = "inbound"
		case "1":
			ev.NetworkDirection = "outbound"
		}
	case "rt", "end":
		if t, ok := parseCEFTime(value); ok {
			ev.Timestamp = t
		}
	case "dproc", "sproc":
		ev.ProcessName = value
	case "dpid", "spid":
		ev.ProcessPID = atoiSafe(value)
	default:
		ev.SetLabel(key, value)
	}
}

// parseCEFTime accepts epoch milliseconds or the MMM dd yyyy HH:mm:ss
// form CEF devices commonly emit.
func parseCEFTime(v string) (time.Time, bool) {
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil && ms > 1e11 {
		return time.UnixMilli(ms).UTC(), true
	}
	for _, layout := range []string{"Jan 02 2006 15:04:05", "Jan 2 2006 15:04:05", time.RFC3339} {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// cefSeverity maps CEF severity (0–10 or a keyword) to 0–100.
func cefSeverity(s string) int {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "0", "unknown":
		return 0
	case "low":
		return 10
	case "medium":
		return 50
	case "high":
		return 70
	case "very-high", "very high":
		return 90
	case "critical":
		return 100
	}
	if n, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
		if n < 0 {
			return 0
		}
		if n > 10 {
			return 100
		}
		return n * 10
	}
	return 0
}

// cefCategory buckets the event by device product keywords.
func cefCategory(product string) string {
	p := strings.ToLower(product)
	switch {
	case strings.Contains(p, "firewall"), strings.Contains(p, "asa"):
		return "network"
	case strings.Contains(p, "ids"), strings.Contains(p, "ips"), strings.Contains(p, "intrusion"):
		return "intrusion_detection"
	case strings.Contains(p, "auth"), strings.Contains(p, "identity"), strings.Contains(p, "sso"):
		return "authentication"
	case strings.Contains(p, "antivirus"), strings.Contains(p, "endpoint"), strings.Contains(p, "edr"):
		return "malware"
	case strings.Contains(p, "proxy"), strings.Contains(p, "web"):
		return "web"
	default:
		return "host"
	}
}

func atoiSafe(s string) int {
	n, _ := strconv.Atoi(strings.TrimSpace(s))
	return n
}
