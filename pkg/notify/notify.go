// Package notify delivers generated alerts to external channels. A
// Dispatcher consumes the alerts stream through its own consumer group
// and fans each alert out to the registered notifiers.
//
// Delivery is fail-open: a notifier error is logged and the message is
// still acknowledged. The persisted alert row is the durable record;
// the stream is advisory fan-out. Only undecodable payloads go to the
// dead-letter stream, since redelivery cannot fix them.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/eleanor-dfir/eleanor/pkg/buffer"
	"github.com/eleanor-dfir/eleanor/pkg/models"
)

const (
	consumeBlock  = time.Second
	claimInterval = time.Minute
	claimMinIdle  = 2 * time.Minute
)

// Notifier delivers one alert to an external channel.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, alert *models.Alert) error
}

// DispatcherConfig tunes the alert consumer.
type DispatcherConfig struct {
	PodID     string
	Group     string
	BatchSize int64
}

func (c *DispatcherConfig) applyDefaults() {
	if c.PodID == "" {
		c.PodID = "eleanor"
	}
	if c.Group == "" {
		c.Group = "notifiers"
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
}

// Dispatcher is the alerts-stream consumer.
type Dispatcher struct {
	cfg       DispatcherConfig
	buf       buffer.Buffer
	notifiers []Notifier
	logger    *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	started  bool
}

// NewDispatcher creates a dispatcher over the given notifiers. Nil
// entries are ignored.
func NewDispatcher(cfg DispatcherConfig, buf buffer.Buffer, logger *slog.Logger, notifiers ...Notifier) *Dispatcher {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	active := make([]Notifier, 0, len(notifiers))
	for _, n := range notifiers {
		if n != nil {
			active = append(active, n)
		}
	}
	return &Dispatcher{
		cfg:       cfg,
		buf:       buf,
		notifiers: active,
		logger:    logger.With("component", "alert_dispatcher"),
		stopCh:    make(chan struct{}),
	}
}

// Start creates the consumer group and launches the consume loop. With
// no active notifiers it does nothing.
func (d *Dispatcher) Start(ctx context.Context) error {
	if d.started {
		return nil
	}
	if len(d.notifiers) == 0 {
		d.logger.Info("No notifiers configured, alert dispatch disabled")
		return nil
	}

	if err := d.buf.EnsureGroup(ctx, buffer.StreamAlerts, d.cfg.Group); err != nil {
		return fmt.Errorf("failed to create notifier group: %w", err)
	}
	d.started = true

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.run(ctx)
	}()

	names := make([]string, len(d.notifiers))
	for i, n := range d.notifiers {
		names[i] = n.Name()
	}
	d.logger.Info("Alert dispatcher started", "group", d.cfg.Group, "notifiers", names)
	return nil
}

// Stop signals the consume loop and waits for it to drain.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
	d.wg.Wait()
	if d.started {
		d.logger.Info("Alert dispatcher stopped")
	}
}

func (d *Dispatcher) run(ctx context.Context) {
	consumer := d.cfg.PodID + "-notifier"
	lastClaim := time.Now()

	for {
		select {
		case <-d.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		// Pick up alerts stranded by a dead dispatcher replica.
		if time.Since(lastClaim) >= claimInterval {
			lastClaim = time.Now()
			claimed, err := d.buf.ClaimPending(ctx, buffer.StreamAlerts, d.cfg.Group, consumer, claimMinIdle, d.cfg.BatchSize)
			if err != nil {
				d.logger.Error("Failed to claim pending alerts", "error", err)
			} else if len(claimed) > 0 {
				d.logger.Info("Recovered orphaned alerts", "count", len(claimed))
				d.dispatchBatch(ctx, claimed)
			}
		}

		msgs, err := d.buf.Consume(ctx, buffer.StreamAlerts, d.cfg.Group, consumer, d.cfg.BatchSize, consumeBlock)
		if errors.Is(err, buffer.ErrNoMessages) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.logger.Error("Failed to consume from alerts stream", "error", err)
			select {
			case <-d.stopCh:
				return
			case <-time.After(time.Second):
			}
			continue
		}

		d.dispatchBatch(ctx, msgs)
	}
}

func (d *Dispatcher) dispatchBatch(ctx context.Context, msgs []buffer.Message) {
	acks := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		var alert models.Alert
		if err := json.Unmarshal(msg.Envelope.EventData, &alert); err != nil {
			d.deadLetter(ctx, msg, err)
			continue
		}

		for _, n := range d.notifiers {
			if err := n.Notify(ctx, &alert); err != nil {
				d.logger.Warn("Alert notification failed",
					"notifier", n.Name(), "alert_id", alert.ID, "error", err)
			}
		}
		acks = append(acks, msg.ID)
	}
	if len(acks) == 0 {
		return
	}
	if err := d.buf.Ack(ctx, buffer.StreamAlerts, d.cfg.Group, acks...); err != nil {
		d.logger.Error("Failed to ack dispatched alerts", "count", len(acks), "error", err)
	}
}

// deadLetter removes an undecodable payload from circulation.
func (d *Dispatcher) deadLetter(ctx context.Context, msg buffer.Message, decodeErr error) {
	counts, err := d.buf.DeliveryCount(ctx, buffer.StreamAlerts, d.cfg.Group, msg.ID)
	if err != nil {
		d.logger.Error("Failed to read delivery count", "message_id", msg.ID, "error", err)
	}
	if err := d.buf.MoveToDLQ(ctx, buffer.StreamAlerts, d.cfg.Group, msg, counts[msg.ID],
		fmt.Errorf("undecodable alert payload: %w", decodeErr)); err != nil {
		d.logger.Error("Failed to dead-letter alert", "message_id", msg.ID, "error", err)
	}
}
