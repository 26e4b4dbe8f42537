package parsers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/eleanor-dfir/eleanor/pkg/models"
)

// SuricataParser parses Suricata EVE JSON and fast.log alert lines.
// EVE records are dispatched by their event_type; fast.log lines are
// regex-parsed into alert events.
type SuricataParser struct {
	BaseParser
}

// NewSuricataParser constructs the Suricata parser.
func NewSuricataParser() *SuricataParser {
	return &SuricataParser{
		BaseParser: NewBaseParser("suricata", CategoryNetwork,
			[]string{".json", ".log"},
			[]string{"application/json", "text/plain"}),
	}
}

// suricataEveTime is Suricata's timestamp layout (+0000 style offset).
const suricataEveTime = "2006-01-02T15:04:05.999999-0700"

// fastLogRe matches the documented fast.log format:
// 01/02/2006-15:04:05.000000  [**] [gid:sid:rev] msg [**] [Classification: c] [Priority: p] {PROTO} src:spt -> dst:dpt
var fastLogRe = regexp.MustCompile(
	`^(\d{2}/\d{2}/\d{4}-\d{2}:\d{2}:\d{2}\.\d+)\s+\[\*\*\]\s+\[(\d+):(\d+):(\d+)\]\s+(.*?)\s+\[\*\*\]\s+(?:\[Classification:\s+(.*?)\]\s+)?\[Priority:\s+(\d+)\]\s+\{(\w+)\}\s+([\d.:a-fA-F]+):(\d+)\s+->\s+([\d.:a-fA-F]+):(\d+)`)

// CanParse accepts EVE JSON (event_type present) or fast.log lines.
func (p *SuricataParser) CanParse(_ string, prefix []byte) bool {
	trimmed := bytes.TrimLeft(prefix, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '{' {
		return bytes.Contains(prefix, []byte(`"event_type"`))
	}
	line, _, _ := bytes.Cut(prefix, []byte("\n"))
	return fastLogRe.Match(line)
}

// Parse dispatches on the input shape: JSON lines go through the EVE
// path, anything else through the fast.log path.
func (p *SuricataParser) Parse(ctx context.Context, r io.Reader, sourceName string, emit EmitFunc) error {
	br := bufio.NewReaderSize(r, 64*1024)
	first, err := br.Peek(1)
	if err != nil {
		return fmt.Errorf("%w: empty input", ErrMalformedSource)
	}
	if first[0] == '{' {
		return p.parseEVE(ctx, br, sourceName, emit)
	}
	return p.parseFastLog(ctx, br, sourceName, emit)
}

func (p *SuricataParser) parseEVE(ctx context.Context, r io.Reader, sourceName string, emit EmitFunc) error {
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
				return fmt.Errorf("%w: not EVE JSON", ErrMalformedSource)
			}
			p.skip(sourceName, lineNo, err)
			continue
		}
		eventType := jsonStr(rec, "event_type")
		if eventType == "" {
			p.skip(sourceName, lineNo, fmt.Errorf("record without event_type"))
			continue
		}
		parsedAny = true

		ev := p.eveEvent(rec, eventType)
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
	return nil
}

func (p *SuricataParser) eveEvent(rec map[string]any, eventType string) *models.NormalizedEvent {
	ev := &models.NormalizedEvent{
		SourceType:      "suricata:" + eventType,
		EventKind:       models.KindEvent,
		EventCategory:   []string{"network"},
		EventType:       []string{eventType},
		SourceIP:        jsonStr(rec, "src_ip"),
		DestinationIP:   jsonStr(rec, "dest_ip"),
		SourcePort:      jsonInt(rec, "src_port"),
		DestinationPort: jsonInt(rec, "dest_port"),
	}
	if proto := jsonStr(rec, "proto"); proto != "" {
		ev.NetworkProtocol = strings.ToLower(proto)
	}
	if ts := jsonStr(rec, "timestamp"); ts != "" {
		for _, layout := range []string{suricataEveTime, time.RFC3339Nano} {
			if t, err := time.Parse(layout, ts); err == nil {
				ev.Timestamp = t.UTC()
				break
			}
		}
	}

	switch eventType {
	case "alert":
		ev.EventKind = models.KindAlert
		ev.EventCategory = []string{"intrusion_detection"}
		if alert, ok := rec["alert"].(map[string]any); ok {
			ev.Message = jsonStr(alert, "signature")
			ev.SetLabel("signature_id", strconv.Itoa(jsonInt(alert, "signature_id")))
			ev.SetLabel("gid", strconv.Itoa(jsonInt(alert, "gid")))
			ev.SetLabel("rev", strconv.Itoa(jsonInt(alert, "rev")))
			ev.SetLabel("category", jsonStr(alert, "category"))
			ev.EventSeverity = suricataSeverity(jsonInt(alert, "severity"))
			if tags, ok := alert["tags"].([]any); ok {
				for _, t := range tags {
					if s, ok := t.(string); ok {
						ev.AddTag(s)
					}
				}
			}
		}
	case "dns":
		ev.NetworkProtocol = "dns"
		if dns, ok := rec["dns"].(map[string]any); ok {
			ev.URLDomain = jsonStr(dns, "rrname")
			ev.SetLabel("dns_type", jsonStr(dns, "type"))
			ev.SetLabel("dns_rrtype", jsonStr(dns, "rrtype"))
		}
	case "http":
		if h, ok := rec["http"].(map[string]any); ok {
			ev.URLDomain = jsonStr(h, "hostname")
			ev.URLPath = jsonStr(h, "url")
			ev.SetLabel("http_method", jsonStr(h, "http_method"))
			ev.SetLabel("http_status", strconv.Itoa(jsonInt(h, "status")))
			ev.SetLabel("http_user_agent", jsonStr(h, "http_user_agent"))
		}
	case "tls":
		if tls, ok := rec["tls"].(map[string]any); ok {
			ev.URLDomain = jsonStr(tls, "sni")
			ev.SetLabel("tls_subject", jsonStr(tls, "subject"))
			ev.SetLabel("tls_issuer", jsonStr(tls, "issuerdn"))
			ev.SetLabel("tls_version", jsonStr(tls, "version"))
		}
	case "fileinfo":
		ev.EventCategory = []string{"file"}
		if fi, ok := rec["fileinfo"].(map[string]any); ok {
			ev.FileName = baseName(jsonStr(fi, "filename"))
			ev.FilePath = jsonStr(fi, "filename")
			ev.FileHashSHA256 = jsonStr(fi, "sha256")
			ev.FileHashMD5 = jsonStr(fi, "md5")
		}
	case "flow":
		if flow, ok := rec["flow"].(map[string]any); ok {
			ev.SetLabel("bytes_toserver", strconv.Itoa(jsonInt(flow, "bytes_toserver")))
			ev.SetLabel("bytes_toclient", strconv.Itoa(jsonInt(flow, "bytes_toclient")))
			ev.SetLabel("flow_state", jsonStr(flow, "state"))
		}
	case "ssh":
		ev.NetworkProtocol = "ssh"
	case "smtp":
		ev.NetworkProtocol = "smtp"
	case "anomaly":
		ev.EventKind = models.KindSignal
		if an, ok := rec["anomaly"].(map[string]any); ok {
			ev.Message = jsonStr(an, "event")
		}
	}
	return ev
}

func (p *SuricataParser) parseFastLog(ctx context.Context, r io.Reader, sourceName string, emit EmitFunc) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	lineNo := 0
	matchedAny := false
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		m := fastLogRe.FindStringSubmatch(line)
		if m == nil {
			if !matchedAny && lineNo > 10 {
				return fmt.Errorf("%w: not fast.log format", ErrMalformedSource)
			}
			p.skip(sourceName, lineNo, fmt.Errorf("unmatched fast.log line"))
			continue
		}
		matchedAny = true

		ev := &models.NormalizedEvent{
			SourceType:      "suricata:fast",
			EventKind:       models.KindAlert,
			EventCategory:   []string{"intrusion_detection"},
			EventType:       []string{"alert"},
			Message:         m[5],
			NetworkProtocol: strings.ToLower(m[8]),
			SourceIP:        m[9],
			SourcePort:      atoiSafe(m[10]),
			DestinationIP:   m[11],
			DestinationPort: atoiSafe(m[12]),
			Raw:             line,
		}
		if t, err := time.Parse("01/02/2006-15:04:05.000000", m[1]); err == nil {
			ev.Timestamp = t.UTC()
		}
		ev.SetLabel("gid", m[2])
		ev.SetLabel("signature_id", m[3])
		ev.SetLabel("rev", m[4])
		if m[6] != "" {
			ev.SetLabel("category", m[6])
		}
		ev.EventSeverity = suricataSeverity(atoiSafe(m[7]))

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
	if !matchedAny && lineNo > 0 {
		return fmt.Errorf("%w: no fast.log records found", ErrMalformedSource)
	}
	return nil
}

// suricataSeverity maps Suricata priority (1 = most severe) to 0–100.
func suricataSeverity(priority int) int {
	switch priority {
	case 1:
		return 80
	case 2:
		return 60
	case 3:
		return 40
	case 4:
		return 20
	default:
		return 30
	}
}
