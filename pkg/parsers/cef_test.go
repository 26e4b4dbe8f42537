package parsers

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eleanor-dfir/eleanor/pkg/models"
)

func TestCEFParseBasicRecord(t *testing.T) {
	input := "CEF:0|Vendor|Product|1.0|100|User logon|3|src=10.1.1.1 spt=443 suser=alice msg=Login successful\n"

	events := collectAll(t, NewCEFParser(), input, "fw.cef")
	require.Len(t, events, 1)

	ev := events[0]
	assert.Equal(t, "10.1.1.1", ev.SourceIP)
	assert.Equal(t, 443, ev.SourcePort)
	assert.Equal(t, "alice", ev.UserName)
	assert.Equal(t, 30, ev.EventSeverity)
	assert.Equal(t, "Vendor", ev.Labels["device_vendor"])
	assert.Equal(t, "Login successful", ev.Message)
}

func TestCEFHeaderEscapes(t *testing.T) {
	input := `CEF:0|Acme\|Corp|Fire\\wall|2.1|42|Blocked|7|dst=203.0.113.9` + "\n"

	events := collectAll(t, NewCEFParser(), input, "fw.cef")
	require.Len(t, events, 1)

	ev := events[0]
	assert.Equal(t, "Acme|Corp", ev.Labels["device_vendor"])
	assert.Equal(t, `Fire\wall`, ev.Labels["device_product"])
	assert.Equal(t, "203.0.113.9", ev.DestinationIP)
	assert.Equal(t, 70, ev.EventSeverity)
}

func TestCEFExtensionValuesWithSpaces(t *testing.T) {
	input := "CEF:0|V|P|1|1|n|5|msg=multi word message here act=block suser=bob\n"

	events := collectAll(t, NewCEFParser(), input, "fw.cef")
	require.Len(t, events, 1)

	ev := events[0]
	assert.Equal(t, "multi word message here", ev.Message)
	assert.Equal(t, "block", ev.EventAction)
	assert.Equal(t, "bob", ev.UserName)
}

func TestCEFExtensionEscapes(t *testing.T) {
	input := `CEF:0|V|P|1|1|n|5|msg=a\=b\nline2 fname=evil.exe` + "\n"

	events := collectAll(t, NewCEFParser(), input, "fw.cef")
	require.Len(t, events, 1)
	assert.Equal(t, "a=b\nline2", events[0].Message)
	assert.Equal(t, "evil.exe", events[0].FileName)
}

func TestCEFSeverityMapping(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"0", 0},
		{"3", 30},
		{"10", 100},
		{"15", 100},
		{"Unknown", 0},
		{"Low", 10},
		{"Medium", 50},
		{"High", 70},
		{"Very-High", 90},
		{"garbage", 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, cefSeverity(tt.in), "severity %q", tt.in)
	}
}

func TestCEFSyslogPrefixTolerated(t *testing.T) {
	input := "Oct 10 13:55:36 host1 CEF:0|V|P|1|1|n|5|src=198.51.100.7\n"

	events := collectAll(t, NewCEFParser(), input, "syslog.log")
	require.Len(t, events, 1)
	assert.Equal(t, "198.51.100.7", events[0].SourceIP)
}

func TestCEFSkipsMalformedRecords(t *testing.T) {
	input := strings.Join([]string{
		"CEF:0|V|P|1|1|first|5|src=10.0.0.1",
		"CEF:0|broken header",
		"CEF:0|V|P|1|2|third|5|src=10.0.0.3",
	}, "\n") + "\n"

	p := NewCEFParser()
	events := collectAll(t, p, input, "fw.cef")
	require.Len(t, events, 2)
	assert.Equal(t, "10.0.0.1", events[0].SourceIP)
	assert.Equal(t, "10.0.0.3", events[1].SourceIP)
	assert.Equal(t, int64(1), p.Stats().RecordsSkipped.Load())

	skipped := p.SkippedRecords()
	require.Len(t, skipped, 1)
	assert.Equal(t, 2, skipped[0].Line)
}

func TestCEFMalformedSource(t *testing.T) {
	var sb strings.Builder
	for i := 0; i < 20; i++ {
		sb.WriteString("this is not cef at all\n")
	}

	err := NewCEFParser().Parse(context.Background(), strings.NewReader(sb.String()), "notcef.log",
		func(*models.NormalizedEvent) error { return nil })
	assert.ErrorIs(t, err, ErrMalformedSource)
}

func TestCEFCategoryFromProduct(t *testing.T) {
	input := "CEF:0|Cisco|ASA Firewall|9.1|106023|Deny|6|src=10.0.0.1\n"
	events := collectAll(t, NewCEFParser(), input, "asa.cef")
	require.Len(t, events, 1)
	assert.Equal(t, []string{"network"}, events[0].EventCategory)
}
