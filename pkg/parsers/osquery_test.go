package parsers

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOsqueryDifferentialShape(t *testing.T) {
	input := `{"name":"pack_incident-response_process_events","hostIdentifier":"ws01","unixTime":1709287200,"diffResults":{"added":[{"name":"nc","pid":"4242","cmdline":"nc -lvp 4444","path":"/usr/bin/nc","username":"www-data"}],"removed":[{"name":"sshd","pid":"800","path":"/usr/sbin/sshd"}]}}` + "\n"

	events := collectAll(t, NewOsqueryParser(), input, "osquery.results.log")
	require.Len(t, events, 2)

	added := events[0]
	assert.Equal(t, "added", added.EventAction)
	assert.Equal(t, []string{"process"}, added.EventCategory)
	assert.Equal(t, "ws01", added.HostName)
	assert.Equal(t, "nc", added.ProcessName)
	assert.Equal(t, 4242, added.ProcessPID)
	assert.Equal(t, "nc -lvp 4444", added.ProcessCommandLine)
	assert.Equal(t, "/usr/bin/nc", added.ProcessExecutable)
	assert.Equal(t, "www-data", added.UserName)
	assert.Equal(t, int64(1709287200), added.Timestamp.Unix())

	removed := events[1]
	assert.Equal(t, "removed", removed.EventAction)
	assert.Equal(t, "sshd", removed.ProcessName)
}

func TestOsquerySnapshotShape(t *testing.T) {
	input := `{"name":"listening_ports_snapshot","hostIdentifier":"srv02","unixTime":1709287300,"snapshot":[{"local_address":"0.0.0.0","local_port":"8080","remote_address":"","pid":"1200"},{"local_address":"0.0.0.0","local_port":"22","remote_address":"","pid":"900"}]}` + "\n"

	events := collectAll(t, NewOsqueryParser(), input, "osquery.snapshots.log")
	require.Len(t, events, 2)
	assert.Equal(t, "snapshot", events[0].EventAction)
	assert.Equal(t, []string{"network"}, events[0].EventCategory)
	assert.Equal(t, 1200, events[0].ProcessPID)
}

func TestOsquerySingleRowShape(t *testing.T) {
	input := `{"name":"crontab_entries","hostIdentifier":"srv03","unixTime":1709287400,"action":"added","columns":{"command":"/tmp/.x/cron.sh","path":"/var/spool/cron/root"}}` + "\n"

	events := collectAll(t, NewOsqueryParser(), input, "osquery.results.log")
	require.Len(t, events, 1)

	ev := events[0]
	assert.Equal(t, "added", ev.EventAction)
	assert.Equal(t, []string{"persistence"}, ev.EventCategory)
	assert.Equal(t, "crontab_entries", ev.Labels["osquery_query"])
	assert.Equal(t, "/tmp/.x/cron.sh", ev.Labels["command"])
}

func TestOsqueryCategoryTable(t *testing.T) {
	tests := []struct {
		query string
		want  string
	}{
		{"pack_processes", "process"},
		{"open_sockets", "network"},
		{"file_events", "file"},
		{"logged_in_users", "authentication"},
		{"startup_items", "persistence"},
		{"kernel_modules", "driver"},
		{"system_info", "host"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, osqueryCategory(tt.query), "query %q", tt.query)
	}
}

func TestOsqueryUnknownShapeSkipped(t *testing.T) {
	input := strings.Join([]string{
		`{"name":"q1","hostIdentifier":"h","unixTime":1709287200,"something_else":true}`,
		`{"name":"q2","hostIdentifier":"h","unixTime":1709287201,"columns":{"path":"/etc/passwd"}}`,
	}, "\n") + "\n"

	p := NewOsqueryParser()
	events := collectAll(t, p, input, "osquery.results.log")
	require.Len(t, events, 1)
	assert.Equal(t, int64(1), p.Stats().RecordsSkipped.Load())
}
