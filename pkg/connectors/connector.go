// Package connectors brings raw event data into the pipeline from push
// and poll sources and forwards it to the parser dispatcher.
package connectors

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/glob"

	"github.com/eleanor-dfir/eleanor/pkg/models"
)

// State is the connector lifecycle state.
type State string

// Connector states.
const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateError    State = "error"
	StatePaused   State = "paused"
)

// ErrNotRunning is returned when events are pushed into a connector
// that is not accepting them.
var ErrNotRunning = errors.New("connector not running")

// Sink receives raw events a connector produced.
type Sink func(ctx context.Context, raw *models.RawEvent) error

// Connector is the capability interface both variants satisfy.
type Connector interface {
	Name() string
	State() State

	// Connect establishes the upstream session; Disconnect tears it down.
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error

	// Start begins delivering raw events to sink until Stop.
	Start(ctx context.Context, sink Sink) error
	Stop()

	Health(ctx context.Context) error
	Metrics() MetricsSnapshot
}

// MetricsSnapshot is a point-in-time copy of a connector's counters.
type MetricsSnapshot struct {
	EventsReceived  int64     `json:"events_received"`
	EventsProcessed int64     `json:"events_processed"`
	EventsFailed    int64     `json:"events_failed"`
	BytesReceived   int64     `json:"bytes_received"`
	LastEventAt     time.Time `json:"last_event_at"`
	LastErrorAt     time.Time `json:"last_error_at"`
	LastError       string    `json:"last_error"`
	UptimeSeconds   float64   `json:"uptime_seconds"`
}

// connectorMetrics holds the live counters. Counters are monotonic for
// the life of the process.
type connectorMetrics struct {
	eventsReceived  atomic.Int64
	eventsProcessed atomic.Int64
	eventsFailed    atomic.Int64
	bytesReceived   atomic.Int64

	mu          sync.Mutex
	lastEventAt time.Time
	lastErrorAt time.Time
	lastError   string
	startedAt   time.Time
}

// BaseConnector carries the state machine, metrics, and source filters
// shared by both connector variants.
type BaseConnector struct {
	name string

	stateMu sync.RWMutex
	state   State

	metrics connectorMetrics

	includes []glob.Glob
	excludes []glob.Glob
}

// FilterConfig is the include/exclude glob set over source identifiers.
type FilterConfig struct {
	IncludePatterns []string `yaml:"include_patterns"`
	ExcludePatterns []string `yaml:"exclude_patterns"`
}

// NewBaseConnector builds the shared base, compiling the filter globs.
func NewBaseConnector(name string, filter FilterConfig) (*BaseConnector, error) {
	b := &BaseConnector{name: name, state: StateStopped}
	for _, p := range filter.IncludePatterns {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("connector %s: include pattern %q: %w", name, p, err)
		}
		b.includes = append(b.includes, g)
	}
	for _, p := range filter.ExcludePatterns {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("connector %s: exclude pattern %q: %w", name, p, err)
		}
		b.excludes = append(b.excludes, g)
	}
	return b, nil
}

// Name returns the connector's unique name.
func (b *BaseConnector) Name() string { return b.name }

// State returns the current lifecycle state.
func (b *BaseConnector) State() State {
	b.stateMu.RLock()
	defer b.stateMu.RUnlock()
	return b.state
}

func (b *BaseConnector) setState(s State) {
	b.stateMu.Lock()
	b.state = s
	b.stateMu.Unlock()
}

// Pause suspends event delivery without disconnecting.
func (b *BaseConnector) Pause() {
	b.stateMu.Lock()
	if b.state == StateRunning {
		b.state = StatePaused
	}
	b.stateMu.Unlock()
}

// Resume lifts a pause.
func (b *BaseConnector) Resume() {
	b.stateMu.Lock()
	if b.state == StatePaused {
		b.state = StateRunning
	}
	b.stateMu.Unlock()
}

// Accepts applies the include/exclude filters to a source identifier.
// Excludes win over includes; an empty include set accepts everything.
func (b *BaseConnector) Accepts(source string) bool {
	for _, g := range b.excludes {
		if g.Match(source) {
			return false
		}
	}
	if len(b.includes) == 0 {
		return true
	}
	for _, g := range b.includes {
		if g.Match(source) {
			return true
		}
	}
	return false
}

// Metrics returns a snapshot of the counters.
func (b *BaseConnector) Metrics() MetricsSnapshot {
	m := &b.metrics
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := MetricsSnapshot{
		EventsReceived:  m.eventsReceived.Load(),
		EventsProcessed: m.eventsProcessed.Load(),
		EventsFailed:    m.eventsFailed.Load(),
		BytesReceived:   m.bytesReceived.Load(),
		LastEventAt:     m.lastEventAt,
		LastErrorAt:     m.lastErrorAt,
		LastError:       m.lastError,
	}
	if !m.startedAt.IsZero() {
		snap.UptimeSeconds = time.Since(m.startedAt).Seconds()
	}
	return snap
}

func (b *BaseConnector) markStarted() {
	b.metrics.mu.Lock()
	b.metrics.startedAt = time.Now()
	b.metrics.mu.Unlock()
}

func (b *BaseConnector) recordReceived(bytes int) {
	b.metrics.eventsReceived.Add(1)
	b.metrics.bytesReceived.Add(int64(bytes))
	b.metrics.mu.Lock()
	b.metrics.lastEventAt = time.Now()
	b.metrics.mu.Unlock()
}

func (b *BaseConnector) recordProcessed() {
	b.metrics.eventsProcessed.Add(1)
}

func (b *BaseConnector) recordError(err error) {
	b.metrics.eventsFailed.Add(1)
	b.metrics.mu.Lock()
	b.metrics.lastErrorAt = time.Now()
	b.metrics.lastError = err.Error()
	b.metrics.mu.Unlock()
}

// deliver runs one raw event through the filters, metrics, and the sink.
func (b *BaseConnector) deliver(ctx context.Context, sink Sink, raw *models.RawEvent) error {
	b.recordReceived(len(raw.Data))
	if !b.Accepts(raw.Source) {
		return nil
	}
	if err := sink(ctx, raw); err != nil {
		b.recordError(err)
		return err
	}
	b.recordProcessed()
	return nil
}
