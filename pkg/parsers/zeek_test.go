package parsers

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eleanor-dfir/eleanor/pkg/models"
)

const zeekConnLog = "#separator \\x09\n" +
	"#set_separator\t,\n" +
	"#empty_field\t(empty)\n" +
	"#unset_field\t-\n" +
	"#path\tconn\n" +
	"#fields\tts\tuid\tid.orig_h\tid.orig_p\tid.resp_h\tid.resp_p\tproto\tservice\tconn_state\tlocal_orig\tlocal_resp\n" +
	"#types\ttime\tstring\taddr\tport\taddr\tport\tenum\tstring\tstring\tbool\tbool\n" +
	"1709287200.123456\tCab3Fk2y\t10.0.0.5\t49152\t203.0.113.10\t443\ttcp\tssl\tSF\tT\tF\n" +
	"1709287201.000000\tDxy91Loq\t10.0.0.6\t51000\t10.0.0.9\t22\ttcp\t-\tREJ\tT\tT\n"

func TestZeekConnLog(t *testing.T) {
	events := collectAll(t, NewZeekParser(), zeekConnLog, "conn.log")
	require.Len(t, events, 2)

	first := events[0]
	assert.Equal(t, "zeek:conn", first.SourceType)
	assert.Equal(t, []string{"network"}, first.EventCategory)
	assert.Equal(t, "10.0.0.5", first.SourceIP)
	assert.Equal(t, 49152, first.SourcePort)
	assert.Equal(t, "203.0.113.10", first.DestinationIP)
	assert.Equal(t, 443, first.DestinationPort)
	assert.Equal(t, "tcp", first.NetworkProtocol)
	assert.Equal(t, "outbound", first.NetworkDirection)
	assert.Equal(t, "success", first.EventOutcome)
	assert.Equal(t, "ssl", first.Labels["service"])
	assert.Equal(t, "Cab3Fk2y", first.Labels["zeek_uid"])
	assert.Equal(t, int64(1709287200), first.Timestamp.Unix())

	second := events[1]
	assert.Equal(t, "internal", second.NetworkDirection)
	assert.Equal(t, "failure", second.EventOutcome)
	// Unset service column must not surface as a label.
	_, ok := second.Labels["service"]
	assert.False(t, ok)
}

func TestZeekDNSLog(t *testing.T) {
	input := "#separator \\x09\n" +
		"#unset_field\t-\n" +
		"#path\tdns\n" +
		"#fields\tts\tid.orig_h\tid.resp_h\tquery\trcode_name\n" +
		"#types\ttime\taddr\taddr\tstring\tstring\n" +
		"1709287200.5\t10.0.0.5\t10.0.0.53\tevil.example.com\tNXDOMAIN\n"

	events := collectAll(t, NewZeekParser(), input, "dns.log")
	require.Len(t, events, 1)

	ev := events[0]
	assert.Equal(t, "dns", ev.NetworkProtocol)
	assert.Equal(t, "evil.example.com", ev.URLDomain)
	assert.Equal(t, "failure", ev.EventOutcome)
	assert.Equal(t, "NXDOMAIN", ev.Labels["dns_rcode"])
}

func TestZeekNoticeBecomesAlert(t *testing.T) {
	input := "#separator \\x09\n" +
		"#path\tnotice\n" +
		"#fields\tts\tnote\tmsg\n" +
		"#types\ttime\tstring\tstring\n" +
		"1709287200.0\tScan::Port_Scan\t10.0.0.9 scanned 50 ports\n"

	events := collectAll(t, NewZeekParser(), input, "notice.log")
	require.Len(t, events, 1)

	ev := events[0]
	assert.Equal(t, models.KindAlert, ev.EventKind)
	assert.Equal(t, []string{"intrusion_detection"}, ev.EventCategory)
	assert.Equal(t, "10.0.0.9 scanned 50 ports", ev.Message)
	assert.Equal(t, "Scan::Port_Scan", ev.Labels["notice_type"])
	assert.Equal(t, 60, ev.EventSeverity)
}

func TestZeekFieldCountMismatchSkipped(t *testing.T) {
	input := "#separator \\x09\n" +
		"#path\tconn\n" +
		"#fields\tts\tid.orig_h\n" +
		"1709287200.0\t10.0.0.5\textra\n" +
		"1709287201.0\t10.0.0.6\n"

	p := NewZeekParser()
	events := collectAll(t, p, input, "conn.log")
	require.Len(t, events, 1)
	assert.Equal(t, "10.0.0.6", events[0].SourceIP)
	assert.Equal(t, int64(1), p.Stats().RecordsSkipped.Load())
}

func TestZeekDataBeforeHeaderFails(t *testing.T) {
	input := "1709287200.0\t10.0.0.5\n"
	err := NewZeekParser().Parse(context.Background(), strings.NewReader(input), "conn.log",
		func(*models.NormalizedEvent) error { return nil })
	assert.ErrorIs(t, err, ErrMalformedSource)
}
