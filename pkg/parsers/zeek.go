package parsers

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/eleanor-dfir/eleanor/pkg/models"
)

// ZeekParser parses Zeek TSV logs. The header block declares the
// separator, field names, types, and log path; `-` and `(empty)` mark
// absent values.
type ZeekParser struct {
	BaseParser
}

// NewZeekParser constructs the Zeek parser.
func NewZeekParser() *ZeekParser {
	return &ZeekParser{
		BaseParser: NewBaseParser("zeek", CategoryNetwork,
			[]string{".log"},
			[]string{"text/plain", "text/tab-separated-values"}),
	}
}

// CanParse requires the Zeek #separator header.
func (p *ZeekParser) CanParse(_ string, prefix []byte) bool {
	return bytes.HasPrefix(prefix, []byte("#separator"))
}

// zeekHeader is the parsed header block of one Zeek log.
type zeekHeader struct {
	separator string
	path      string
	fields    []string
	types     []string
	unsetVal  string
	emptyVal  string
}

// Parse reads the header block then streams record lines.
func (p *ZeekParser) Parse(ctx context.Context, r io.Reader, sourceName string, emit EmitFunc) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	hdr := &zeekHeader{separator: "\t", unsetVal: "-", emptyVal: "(empty)"}
	lineNo := 0
	sawHeader := false

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		lineNo++
		line := scanner.Text()
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "#") {
			p.parseHeaderLine(hdr, line)
			if strings.HasPrefix(line, "#fields") {
				sawHeader = true
			}
			continue
		}

		if !sawHeader {
			return fmt.Errorf("%w: data before #fields header", ErrMalformedSource)
		}

		values := strings.Split(line, hdr.separator)
		if len(values) != len(hdr.fields) {
			p.skip(sourceName, lineNo, fmt.Errorf("field count %d != %d", len(values), len(hdr.fields)))
			continue
		}

		record := make(map[string]string, len(values))
		for i, f := range hdr.fields {
			v := values[i]
			if v == hdr.unsetVal || v == hdr.emptyVal {
				continue
			}
			record[f] = v
		}

		ev := p.zeekEvent(hdr, record)
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
	if !sawHeader {
		return fmt.Errorf("%w: missing Zeek header", ErrMalformedSource)
	}
	return nil
}

func (p *ZeekParser) parseHeaderLine(hdr *zeekHeader, line string) {
	key, rest, _ := strings.Cut(line, hdr.separator)
	if key == line {
		// Separator not yet known; the #separator line itself is
		// space-delimited.
		key, rest, _ = strings.Cut(line, " ")
	}
	switch key {
	case "#separator":
		hdr.separator = decodeZeekSeparator(rest)
	case "#path":
		hdr.path = rest
	case "#fields":
		hdr.fields = strings.Split(rest, hdr.separator)
	case "#types":
		hdr.types = strings.Split(rest, hdr.separator)
	case "#unset_field":
		hdr.unsetVal = rest
	case "#empty_field":
		hdr.emptyVal = rest
	}
}

// decodeZeekSeparator handles the \xNN escape Zeek writes.
func decodeZeekSeparator(s string) string {
	if strings.HasPrefix(s, `\x`) && len(s) >= 4 {
		if n, err := strconv.ParseUint(s[2:4], 16, 8); err == nil {
			return string(rune(n))
		}
	}
	return s
}

func (p *ZeekParser) zeekEvent(hdr *zeekHeader, rec map[string]string) *models.NormalizedEvent {
	ev := &models.NormalizedEvent{
		SourceType:    "zeek:" + hdr.path,
		EventKind:     models.KindEvent,
		EventCategory: []string{zeekCategory(hdr.path)},
		EventType:     []string{hdr.path},
	}

	if ts, ok := rec["ts"]; ok {
		if f, err := strconv.ParseFloat(ts, 64); err == nil {
			ev.Timestamp = epochToTime(f)
		}
	}

	// Connection 4-tuple.
	ev.SourceIP = rec["id.orig_h"]
	ev.DestinationIP = rec["id.resp_h"]
	if v, ok := rec["id.orig_p"]; ok {
		ev.SourcePort = atoiSafe(v)
	}
	if v, ok := rec["id.resp_p"]; ok {
		ev.DestinationPort = atoiSafe(v)
	}
	if proto, ok := rec["proto"]; ok {
		ev.NetworkProtocol = strings.ToLower(proto)
	}

	if uid, ok := rec["uid"]; ok {
		ev.SetLabel("zeek_uid", uid)
	}

	// Direction from locality flags.
	lo, hasLO := rec["local_orig"]
	lr, hasLR := rec["local_resp"]
	if hasLO || hasLR {
		switch {
		case lo == "T" && lr == "F":
			ev.NetworkDirection = "outbound"
		case lo == "F" && lr == "T":
			ev.NetworkDirection = "inbound"
		case lo == "T" && lr == "T":
			ev.NetworkDirection = "internal"
		case lo == "F" && lr == "F":
			ev.NetworkDirection = "external"
		}
	}

	switch hdr.path {
	case "conn":
		if cs, ok := rec["conn_state"]; ok {
			ev.SetLabel("conn_state", cs)
			ev.EventOutcome = zeekConnOutcome(cs)
		}
		if svc, ok := rec["service"]; ok {
			ev.SetLabel("service", svc)
		}
	case "dns":
		ev.NetworkProtocol = "dns"
		ev.URLDomain = rec["query"]
		if rcode, ok := rec["rcode_name"]; ok {
			ev.SetLabel("dns_rcode", rcode)
			if rcode == "NOERROR" {
				ev.EventOutcome = "success"
			} else {
				ev.EventOutcome = "failure"
			}
		}
	case "http":
		ev.URLDomain = rec["host"]
		ev.URLPath = rec["uri"]
		if m, ok := rec["method"]; ok {
			ev.SetLabel("http_method", m)
		}
		if sc, ok := rec["status_code"]; ok {
			ev.SetLabel("http_status", sc)
			if n := atoiSafe(sc); n >= 400 {
				ev.EventOutcome = "failure"
			} else if n > 0 {
				ev.EventOutcome = "success"
			}
		}
		if ua, ok := rec["user_agent"]; ok {
			ev.SetLabel("http_user_agent", ua)
		}
	case "ssl":
		ev.URLDomain = rec["server_name"]
		if ver, ok := rec["version"]; ok {
			ev.SetLabel("tls_version", ver)
		}
	case "files":
		ev.EventCategory = []string{"file"}
		ev.FileName = rec["filename"]
		ev.FileHashMD5 = rec["md5"]
		ev.FileHashSHA1 = rec["sha1"]
		ev.FileHashSHA256 = rec["sha256"]
		if mt, ok := rec["mime_type"]; ok {
			ev.SetLabel("mime_type", mt)
		}
	case "notice":
		ev.EventKind = models.KindAlert
		ev.Message = rec["msg"]
		if note, ok := rec["note"]; ok {
			ev.SetLabel("notice_type", note)
		}
		ev.EventSeverity = 60
	case "ssh":
		ev.NetworkProtocol = "ssh"
		if as, ok := rec["auth_success"]; ok {
			if as == "T" {
				ev.EventOutcome = "success"
			} else {
				ev.EventOutcome = "failure"
			}
			ev.EventCategory = []string{"authentication"}
		}
	case "weird":
		ev.EventKind = models.KindSignal
		ev.Message = rec["name"]
	}
	return ev
}

// zeekCategory maps a log path to its ECS category.
func zeekCategory(path string) string {
	switch path {
	case "conn", "dns", "http", "ssl", "ssh", "smtp", "ftp", "dhcp", "ntp", "weird":
		return "network"
	case "files", "pe", "x509":
		return "file"
	case "notice", "intel", "signatures":
		return "intrusion_detection"
	default:
		return "network"
	}
}

// zeekConnOutcome interprets the conn_state summary.
func zeekConnOutcome(state string) string {
	switch state {
	case "SF":
		return "success"
	case "S0", "REJ", "RSTO", "RSTR", "RSTOS0", "RSTRH", "SH", "SHR":
		return "failure"
	default:
		return "unknown"
	}
}
