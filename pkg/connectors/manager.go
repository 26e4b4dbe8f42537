package connectors

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/eleanor-dfir/eleanor/pkg/models"
)

// RawDispatcher is the downstream side the manager forwards into; the
// parser dispatcher satisfies it.
type RawDispatcher interface {
	DispatchRaw(ctx context.Context, raw *models.RawEvent) (int, error)
}

// Manager owns the registered connectors: orderly start/stop, forwarding
// raw events to the parser dispatcher, and health/metrics aggregation.
type Manager struct {
	dispatcher RawDispatcher
	logger     *slog.Logger

	mu         sync.RWMutex
	connectors []Connector
	byName     map[string]Connector
	started    bool
}

// NewManager wires the manager to the parser dispatcher.
func NewManager(dispatcher RawDispatcher, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		dispatcher: dispatcher,
		logger:     logger.With("component", "connector_manager"),
		byName:     make(map[string]Connector),
	}
}

// Register adds a connector. Names must be unique; registering after
// start is rejected.
func (m *Manager) Register(c Connector) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return fmt.Errorf("connector %s: manager already started", c.Name())
	}
	if _, ok := m.byName[c.Name()]; ok {
		return fmt.Errorf("duplicate connector: %s", c.Name())
	}
	m.connectors = append(m.connectors, c)
	m.byName[c.Name()] = c
	return nil
}

// Get returns a connector by name.
func (m *Manager) Get(name string) (Connector, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.byName[name]
	return c, ok
}

// Start starts every registered connector. A connector failing to start
// stops the ones already started and returns the error.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		m.logger.Warn("Connector manager already started, ignoring duplicate Start call")
		return nil
	}

	for i, c := range m.connectors {
		if err := c.Start(ctx, m.forward); err != nil {
			m.logger.Error("Connector failed to start",
				"connector", c.Name(), "error", err)
			for j := i - 1; j >= 0; j-- {
				m.connectors[j].Stop()
			}
			return fmt.Errorf("starting connector %s: %w", c.Name(), err)
		}
	}
	m.started = true
	m.logger.Info("Connector manager started", "connectors", len(m.connectors))
	return nil
}

// Stop stops connectors in reverse registration order and disconnects
// their upstream sessions.
func (m *Manager) Stop(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return
	}
	for i := len(m.connectors) - 1; i >= 0; i-- {
		c := m.connectors[i]
		c.Stop()
		if err := c.Disconnect(ctx); err != nil {
			m.logger.Warn("Connector disconnect failed",
				"connector", c.Name(), "error", err)
		}
	}
	m.started = false
	m.logger.Info("Connector manager stopped")
}

// forward hands one raw event to the parser dispatcher.
func (m *Manager) forward(ctx context.Context, raw *models.RawEvent) error {
	n, err := m.dispatcher.DispatchRaw(ctx, raw)
	if err != nil {
		return fmt.Errorf("dispatching from %s: %w", raw.Source, err)
	}
	m.logger.Debug("Raw event dispatched", "source", raw.Source, "events", n)
	return nil
}

// Health returns per-connector health; the map value is nil when
// healthy.
func (m *Manager) Health(ctx context.Context) map[string]error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]error, len(m.connectors))
	for _, c := range m.connectors {
		out[c.Name()] = c.Health(ctx)
	}
	return out
}

// MetricsByConnector returns every connector's counter snapshot.
func (m *Manager) MetricsByConnector() map[string]MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]MetricsSnapshot, len(m.connectors))
	for _, c := range m.connectors {
		out[c.Name()] = c.Metrics()
	}
	return out
}
