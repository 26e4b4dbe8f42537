package parsers

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/eleanor-dfir/eleanor/pkg/models"
)

// AccessLogParser parses web server access logs: Apache/Nginx combined
// format and IIS W3C extended format (driven by its #Fields: header).
type AccessLogParser struct {
	BaseParser
}

// NewAccessLogParser constructs the access log parser.
func NewAccessLogParser() *AccessLogParser {
	return &AccessLogParser{
		BaseParser: NewBaseParser("access_log", CategoryWebserver,
			[]string{".log", ".txt"},
			[]string{"text/plain"}),
	}
}

// combinedRe matches the combined log format:
// host ident user [time] "request" status size "referer" "user-agent"
var combinedRe = regexp.MustCompile(
	`^(\S+) (\S+) (\S+) \[([^\]]+)\] "([^"]*)" (\d{3}) (\S+)(?: "([^"]*)" "([^"]*)")?`)

// CanParse accepts a combined-format first line or an IIS W3C header.
func (p *AccessLogParser) CanParse(_ string, prefix []byte) bool {
	if bytes.HasPrefix(prefix, []byte("#Software: Microsoft")) ||
		bytes.Contains(prefix, []byte("#Fields:")) {
		return true
	}
	line, _, _ := bytes.Cut(prefix, []byte("\n"))
	return combinedRe.Match(line)
}

// Parse dispatches on the header: IIS logs start with W3C directives.
func (p *AccessLogParser) Parse(ctx context.Context, r io.Reader, sourceName string, emit EmitFunc) error {
	br := bufio.NewReaderSize(r, 64*1024)
	first, err := br.Peek(1)
	if err != nil {
		return fmt.Errorf("%w: empty input", ErrMalformedSource)
	}
	if first[0] == '#' {
		return p.parseIIS(ctx, br, sourceName, emit)
	}
	return p.parseCombined(ctx, br, sourceName, emit)
}

func (p *AccessLogParser) parseCombined(ctx context.Context, r io.Reader, sourceName string, emit EmitFunc) error {
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
		m := combinedRe.FindStringSubmatch(line)
		if m == nil {
			if !matchedAny && lineNo > 10 {
				return fmt.Errorf("%w: not combined log format", ErrMalformedSource)
			}
			p.skip(sourceName, lineNo, fmt.Errorf("unmatched access log line"))
			continue
		}
		matchedAny = true

		ev := &models.NormalizedEvent{
			SourceType:    "access_log:combined",
			EventKind:     models.KindEvent,
			EventCategory: []string{"web"},
			SourceIP:      m[1],
			Raw:           line,
		}
		if m[3] != "-" && m[3] != "" {
			ev.UserName = m[3]
		}
		if t, err := time.Parse("02/Jan/2006:15:04:05 -0700", m[4]); err == nil {
			ev.Timestamp = t.UTC()
		}
		applyHTTPRequest(ev, m[5])
		status := atoiSafe(m[6])
		ev.SetLabel("http_status", m[6])
		if status >= 400 {
			ev.EventOutcome = "failure"
		} else {
			ev.EventOutcome = "success"
		}
		if m[7] != "-" && m[7] != "" {
			ev.SetLabel("bytes_sent", m[7])
		}
		if m[8] != "" && m[8] != "-" {
			ev.SetLabel("http_referer", m[8])
		}
		if m[9] != "" && m[9] != "-" {
			ev.SetLabel("http_user_agent", m[9])
		}

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
		return fmt.Errorf("%w: no access log records found", ErrMalformedSource)
	}
	return nil
}

func (p *AccessLogParser) parseIIS(ctx context.Context, r io.Reader, sourceName string, emit EmitFunc) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var fields []string
	lineNo := 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "#") {
			if rest, ok := strings.CutPrefix(line, "#Fields:"); ok {
				fields = strings.Fields(rest)
			}
			continue
		}
		if fields == nil {
			return fmt.Errorf("%w: IIS data before #Fields header", ErrMalformedSource)
		}

		values := strings.Fields(line)
		if len(values) != len(fields) {
			p.skip(sourceName, lineNo, fmt.Errorf("field count %d != %d", len(values), len(fields)))
			continue
		}
		rec := make(map[string]string, len(fields))
		for i, f := range fields {
			if values[i] != "-" {
				rec[f] = values[i]
			}
		}

		ev := p.iisEvent(rec)
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
	if fields == nil {
		return fmt.Errorf("%w: missing IIS #Fields header", ErrMalformedSource)
	}
	return nil
}

func (p *AccessLogParser) iisEvent(rec map[string]string) *models.NormalizedEvent {
	ev := &models.NormalizedEvent{
		SourceType:    "access_log:iis",
		EventKind:     models.KindEvent,
		EventCategory: []string{"web"},
		SourceIP:      rec["c-ip"],
		DestinationIP: rec["s-ip"],
		UserName:      rec["cs-username"],
		HostName:      rec["s-computername"],
		URLPath:       rec["cs-uri-stem"],
	}
	if d, t := rec["date"], rec["time"]; d != "" && t != "" {
		if ts, err := time.Parse("2006-01-02 15:04:05", d+" "+t); err == nil {
			ev.Timestamp = ts.UTC()
		}
	}
	if port, ok := rec["s-port"]; ok {
		ev.DestinationPort = atoiSafe(port)
	}
	if m, ok := rec["cs-method"]; ok {
		ev.SetLabel("http_method", m)
	}
	if q, ok := rec["cs-uri-query"]; ok {
		ev.SetLabel("http_query", q)
	}
	if ua, ok := rec["cs(User-Agent)"]; ok {
		ev.SetLabel("http_user_agent", strings.ReplaceAll(ua, "+", " "))
	}
	if status, ok := rec["sc-status"]; ok {
		ev.SetLabel("http_status", status)
		if atoiSafe(status) >= 400 {
			ev.EventOutcome = "failure"
		} else {
			ev.EventOutcome = "success"
		}
	}
	return ev
}

// applyHTTPRequest splits the quoted request line "METHOD path HTTP/x".
func applyHTTPRequest(ev *models.NormalizedEvent, request string) {
	parts := strings.Fields(request)
	if len(parts) >= 1 {
		ev.SetLabel("http_method", parts[0])
	}
	if len(parts) >= 2 {
		ev.URLPath = parts[1]
	}
	if len(parts) >= 3 {
		ev.SetLabel("http_version", parts[2])
	}
}
