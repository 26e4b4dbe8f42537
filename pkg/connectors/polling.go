package connectors

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/eleanor-dfir/eleanor/pkg/models"
)

// PollFunc fetches events that appeared since the previous poll.
type PollFunc func(ctx context.Context) ([]*models.RawEvent, error)

// PollingConfig configures a polling connector.
type PollingConfig struct {
	Name         string        `yaml:"name"`
	PollInterval time.Duration `yaml:"poll_interval"`
	MaxBackoff   time.Duration `yaml:"max_backoff"`
	Filter       FilterConfig  `yaml:"filter"`
}

// PollingConnector runs a PollFunc on an interval loop. Poll errors
// back off exponentially up to a cap; a successful poll resets the
// backoff and the interval.
type PollingConnector struct {
	*BaseConnector

	cfg  PollingConfig
	poll PollFunc

	connectFn    func(ctx context.Context) error
	disconnectFn func(ctx context.Context) error

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// PollingOption customizes a polling connector.
type PollingOption func(*PollingConnector)

// WithConnect sets the upstream session setup/teardown hooks.
func WithConnect(connect, disconnect func(ctx context.Context) error) PollingOption {
	return func(c *PollingConnector) {
		c.connectFn = connect
		c.disconnectFn = disconnect
	}
}

// NewPollingConnector builds a polling connector around poll.
func NewPollingConnector(cfg PollingConfig, poll PollFunc, opts ...PollingOption) (*PollingConnector, error) {
	base, err := NewBaseConnector(cfg.Name, cfg.Filter)
	if err != nil {
		return nil, err
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Minute
	}
	c := &PollingConnector{
		BaseConnector: base,
		cfg:           cfg,
		poll:          poll,
		stopCh:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Connect runs the configured session setup hook.
func (c *PollingConnector) Connect(ctx context.Context) error {
	if c.connectFn == nil {
		return nil
	}
	return c.connectFn(ctx)
}

// Disconnect runs the configured teardown hook.
func (c *PollingConnector) Disconnect(ctx context.Context) error {
	if c.disconnectFn == nil {
		return nil
	}
	return c.disconnectFn(ctx)
}

// Health reports readiness: anything but running/paused is unhealthy.
func (c *PollingConnector) Health(_ context.Context) error {
	switch c.State() {
	case StateRunning, StatePaused:
		return nil
	}
	return ErrNotRunning
}

// Start connects upstream and spawns the poll loop.
func (c *PollingConnector) Start(ctx context.Context, sink Sink) error {
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
		c.run(ctx, sink)
	}()

	slog.Info("Connector started",
		"connector", c.Name(), "poll_interval", c.cfg.PollInterval)
	return nil
}

// Stop signals the loop to end and waits for it. The poll interval is
// the upper bound on stop latency.
func (c *PollingConnector) Stop() {
	c.setState(StateStopping)
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
	c.setState(StateStopped)
	slog.Info("Connector stopped", "connector", c.Name())
}

func (c *PollingConnector) run(ctx context.Context, sink Sink) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = c.cfg.MaxBackoff
	bo.MaxElapsedTime = 0 // never give up; the cap bounds each wait
	bo.Reset()

	wait := c.cfg.PollInterval
	for {
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		if c.State() == StatePaused {
			wait = c.cfg.PollInterval
			continue
		}

		if err := c.pollOnce(ctx, sink); err != nil {
			wait = bo.NextBackOff()
			c.setState(StateError)
			slog.Warn("Poll failed, backing off",
				"connector", c.Name(), "error", err, "retry_in", wait)
			continue
		}
		if c.State() == StateError {
			c.setState(StateRunning)
		}
		bo.Reset()
		wait = c.cfg.PollInterval
	}
}

func (c *PollingConnector) pollOnce(ctx context.Context, sink Sink) error {
	events, err := c.poll(ctx)
	if err != nil {
		c.recordError(err)
		return err
	}
	for _, raw := range events {
		if err := c.deliver(ctx, sink, raw); err != nil {
			// Sink failures are counted per event but do not abort the
			// poll cycle; the remaining events still get their chance.
			slog.Warn("Raw event delivery failed",
				"connector", c.Name(), "source", raw.Source, "error", err)
		}
	}
	return nil
}
