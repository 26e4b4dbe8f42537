package connectors

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/eleanor-dfir/eleanor/pkg/models"
)

// StreamingConfig configures a streaming connector.
type StreamingConfig struct {
	Name string `yaml:"name"`
	// QueueSize bounds the in-flight push buffer; Push blocks when full.
	QueueSize int          `yaml:"queue_size"`
	Filter    FilterConfig `yaml:"filter"`
}

// StreamingConnector accepts events pushed in by an external source
// (webhook listener, socket) via Push and pumps them to the sink.
type StreamingConnector struct {
	*BaseConnector

	cfg StreamingConfig

	connectFn    func(ctx context.Context) error
	disconnectFn func(ctx context.Context) error

	in       chan *models.RawEvent
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// StreamingOption customizes a streaming connector.
type StreamingOption func(*StreamingConnector)

// WithStreamConnect sets the upstream session setup/teardown hooks.
func WithStreamConnect(connect, disconnect func(ctx context.Context) error) StreamingOption {
	return func(c *StreamingConnector) {
		c.connectFn = connect
		c.disconnectFn = disconnect
	}
}

// NewStreamingConnector builds a streaming connector.
func NewStreamingConnector(cfg StreamingConfig, opts ...StreamingOption) (*StreamingConnector, error) {
	base, err := NewBaseConnector(cfg.Name, cfg.Filter)
	if err != nil {
		return nil, err
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	c := &StreamingConnector{
		BaseConnector: base,
		cfg:           cfg,
		in:            make(chan *models.RawEvent, cfg.QueueSize),
		stopCh:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Connect runs the configured session setup hook.
func (c *StreamingConnector) Connect(ctx context.Context) error {
	if c.connectFn == nil {
		return nil
	}
	return c.connectFn(ctx)
}

// Disconnect runs the configured teardown hook.
func (c *StreamingConnector) Disconnect(ctx context.Context) error {
	if c.disconnectFn == nil {
		return nil
	}
	return c.disconnectFn(ctx)
}

// Health reports readiness.
func (c *StreamingConnector) Health(_ context.Context) error {
	switch c.State() {
	case StateRunning, StatePaused:
		return nil
	}
	return ErrNotRunning
}

// Push hands one raw event to the connector. It blocks while the
// internal queue is full (back-pressure to the producer) and fails when
// the connector is not accepting events.
func (c *StreamingConnector) Push(ctx context.Context, raw *models.RawEvent) error {
	switch c.State() {
	case StateRunning, StatePaused:
	default:
		return ErrNotRunning
	}
	select {
	case c.in <- raw:
		return nil
	case <-c.stopCh:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start connects upstream and spawns the pump.
func (c *StreamingConnector) Start(ctx context.Context, sink Sink) error {
	c.setState(StateStarting)
	if err := c.Connect(ctx); err != nil {
		c.setState(StateError)
		c.recordError(err)
		return err
	}
	c.setState(StateRunning)
	c.markStarted()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.pump(ctx, sink)
	}()

	slog.Info("Connector started", "connector", c.Name(), "queue_size", c.cfg.QueueSize)
	return nil
}

// Stop signals the pump to end, drains what is already queued, and
// waits for it.
func (c *StreamingConnector) Stop() {
	c.setState(StateStopping)
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
	c.setState(StateStopped)
	slog.Info("Connector stopped", "connector", c.Name())
}

func (c *StreamingConnector) pump(ctx context.Context, sink Sink) {
	for {
		select {
		case raw := <-c.in:
			c.pumpOne(ctx, sink, raw)
		case <-c.stopCh:
			// Drain events accepted before the stop signal.
			for {
				select {
				case raw := <-c.in:
					c.pumpOne(ctx, sink, raw)
				default:
					return
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *StreamingConnector) pumpOne(ctx context.Context, sink Sink, raw *models.RawEvent) {
	// A paused connector holds the head event; the queue backing up is
	// the back-pressure signal to producers.
	for c.State() == StatePaused {
		select {
		case <-c.stopCh:
		case <-ctx.Done():
			return
		case <-time.After(100 * time.Millisecond):
			continue
		}
		break
	}
	if err := c.deliver(ctx, sink, raw); err != nil {
		slog.Warn("Raw event delivery failed",
			"connector", c.Name(), "source", raw.Source, "error", err)
	}
}
