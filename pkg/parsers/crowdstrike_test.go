package parsers

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eleanor-dfir/eleanor/pkg/models"
)

func TestFDRProcessRollup(t *testing.T) {
	input := `{"event_simpleName":"ProcessRollup2","timestamp":"1709287200123","aid":"abc123","ComputerName":"WS01","UserName":"alice","UserSid":"S-1-5-21-1","CommandLine":"powershell.exe -enc SQBFAFgA","ImageFileName":"\\Device\\HarddiskVolume2\\Windows\\System32\\WindowsPowerShell\\v1.0\\powershell.exe","RawProcessId":"5312","ParentProcessId":"4892","SHA256HashData":"aaaa"}` + "\n"

	events := collectAll(t, NewCrowdStrikeFDRParser(), input, "fdr.jsonl")
	require.Len(t, events, 1)

	ev := events[0]
	assert.Equal(t, "ProcessRollup2", ev.EventAction)
	assert.Equal(t, []string{"process"}, ev.EventCategory)
	assert.Equal(t, "WS01", ev.HostName)
	assert.Equal(t, "abc123", ev.HostID)
	assert.Equal(t, "alice", ev.UserName)
	assert.Equal(t, "powershell.exe", ev.ProcessName)
	assert.Equal(t, 5312, ev.ProcessPID)
	assert.Equal(t, 4892, ev.ProcessPPID)
	assert.Equal(t, "aaaa", ev.FileHashSHA256)
	// Millisecond epoch string.
	assert.Equal(t, time.UnixMilli(1709287200123).UTC(), ev.Timestamp)
}

func TestFDRNetworkConnect(t *testing.T) {
	input := `{"event_simpleName":"NetworkConnectIP4","timestamp":1709287200,"aid":"abc123","LocalAddressIP4":"10.0.0.5","LocalPort":49152,"RemoteAddressIP4":"203.0.113.10","RemotePort":443,"Protocol":"TCP"}` + "\n"

	events := collectAll(t, NewCrowdStrikeFDRParser(), input, "fdr.jsonl")
	require.Len(t, events, 1)

	ev := events[0]
	assert.Equal(t, []string{"network"}, ev.EventCategory)
	assert.Equal(t, "10.0.0.5", ev.SourceIP)
	assert.Equal(t, 49152, ev.SourcePort)
	assert.Equal(t, "203.0.113.10", ev.DestinationIP)
	assert.Equal(t, 443, ev.DestinationPort)
	assert.Equal(t, "tcp", ev.NetworkProtocol)
	assert.Equal(t, int64(1709287200), ev.Timestamp.Unix())
}

func TestFDRDetectBecomesAlert(t *testing.T) {
	input := `{"event_simpleName":"DetectionSummaryEvent","timestamp":1709287200,"Severity":4,"DetectName":"Credential Theft","ComputerName":"WS02"}` + "\n"

	events := collectAll(t, NewCrowdStrikeFDRParser(), input, "fdr.jsonl")
	require.Len(t, events, 1)

	ev := events[0]
	assert.Equal(t, models.KindAlert, ev.EventKind)
	assert.Equal(t, []string{"malware"}, ev.EventCategory)
	assert.Equal(t, "Credential Theft", ev.Message)
	assert.Equal(t, 80, ev.EventSeverity)
}

func TestFDRJSONArrayInput(t *testing.T) {
	input := `[{"event_simpleName":"DnsRequest","timestamp":1709287200,"DomainName":"evil.example.com","aid":"abc"},{"event_simpleName":"ProcessRollup2","timestamp":1709287201,"aid":"abc","ImageFileName":"/usr/bin/curl"}]`

	events := collectAll(t, NewCrowdStrikeFDRParser(), input, "fdr.json")
	require.Len(t, events, 2)
	assert.Equal(t, "evil.example.com", events[0].URLDomain)
	assert.Equal(t, "dns", events[0].NetworkProtocol)
	assert.Equal(t, "curl", events[1].ProcessName)
}

func TestFDRSkipsRecordsWithoutSimpleName(t *testing.T) {
	input := strings.Join([]string{
		`{"aid":"abc","timestamp":1709287200}`,
		`{"event_simpleName":"UserLogon","timestamp":1709287201,"UserName":"bob","aid":"abc"}`,
	}, "\n") + "\n"

	p := NewCrowdStrikeFDRParser()
	events := collectAll(t, p, input, "fdr.jsonl")
	require.Len(t, events, 1)
	assert.Equal(t, []string{"authentication"}, events[0].EventCategory)
	assert.Equal(t, int64(1), p.Stats().RecordsSkipped.Load())
}
