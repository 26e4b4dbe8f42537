// Package processor is the real-time detection pipeline: a worker pool
// consuming normalized events from the event buffer, evaluating simple
// and correlation rules against each one, and emitting alerts. Failed
// messages are retried via the pending list and dead-lettered when the
// retry budget runs out.
package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/eleanor-dfir/eleanor/pkg/buffer"
	"github.com/eleanor-dfir/eleanor/pkg/correlation"
	"github.com/eleanor-dfir/eleanor/pkg/index"
	"github.com/eleanor-dfir/eleanor/pkg/models"
)

// consumeBlock caps the blocking wait of one consume call so workers
// notice the stop signal promptly.
const consumeBlock = time.Second

// Config tunes the processor.
type Config struct {
	PodID       string
	WorkerCount int
	Group       string

	// BatchSize is the maximum messages one consume call returns.
	BatchSize int64

	// RetryMax is the delivery count after which a failing message is
	// moved to the DLQ.
	RetryMax int64

	RecoveryInterval time.Duration
	RecoveryMinIdle  time.Duration
	CleanupInterval  time.Duration

	// BatchInterval drives periodic batch correlation. Zero disables
	// the batch loop; it also stays off when no search index is wired.
	BatchInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.PodID == "" {
		c.PodID = "eleanor"
	}
	if c.WorkerCount <= 0 {
		c.WorkerCount = 4
	}
	if c.Group == "" {
		c.Group = "processors"
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 3
	}
	if c.RecoveryInterval <= 0 {
		c.RecoveryInterval = 30 * time.Second
	}
	if c.RecoveryMinIdle <= 0 {
		c.RecoveryMinIdle = 60 * time.Second
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 60 * time.Second
	}
}

// Processor runs the worker pool and its background tasks.
type Processor struct {
	cfg     Config
	buf     buffer.Buffer
	rules   RuleSource
	alerts  AlertStore
	corr    *correlation.Engine
	idx     index.SearchIndex
	globs   *globCache
	metrics *Metrics
	logger  *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	started  bool
}

// New creates a processor. The search index is optional; without it
// batch correlation is disabled and only real-time rules run.
func New(cfg Config, buf buffer.Buffer, rules RuleSource, alerts AlertStore, corr *correlation.Engine, idx index.SearchIndex, reg prometheus.Registerer, logger *slog.Logger) *Processor {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		cfg:     cfg,
		buf:     buf,
		rules:   rules,
		alerts:  alerts,
		corr:    corr,
		idx:     idx,
		globs:   newGlobCache(),
		metrics: NewMetrics(reg, time.Now()),
		logger:  logger.With("component", "processor", "pod_id", cfg.PodID),
		stopCh:  make(chan struct{}),
	}
}

// Start spawns the workers and background tasks. It is safe to call
// multiple times; subsequent calls are no-ops.
func (p *Processor) Start(ctx context.Context) error {
	if p.started {
		p.logger.Warn("Processor already started, ignoring duplicate Start call")
		return nil
	}

	if err := p.buf.EnsureGroup(ctx, buffer.StreamEvents, p.cfg.Group); err != nil {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	p.started = true

	p.logger.Info("Starting processor", "worker_count", p.cfg.WorkerCount, "group", p.cfg.Group)

	for i := 0; i < p.cfg.WorkerCount; i++ {
		consumer := fmt.Sprintf("%s-worker-%d", p.cfg.PodID, i)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.runWorker(ctx, consumer)
		}()
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runRecovery(ctx)
	}()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runCleanup(ctx)
	}()

	if p.idx != nil && p.cfg.BatchInterval > 0 {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.runBatchCorrelation(ctx)
		}()
	}

	p.logger.Info("Processor started")
	return nil
}

// Stop signals all workers and tasks to finish and waits for them.
// In-flight messages complete before workers exit.
func (p *Processor) Stop() {
	p.logger.Info("Stopping processor")
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
	p.logger.Info("Processor stopped")
}

func (p *Processor) runWorker(ctx context.Context, consumer string) {
	p.metrics.ActiveWorkers.Inc()
	defer p.metrics.ActiveWorkers.Dec()

	logger := p.logger.With("consumer", consumer)
	logger.Debug("Worker started")

	for {
		select {
		case <-p.stopCh:
			logger.Debug("Worker stopped")
			return
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := p.buf.Consume(ctx, buffer.StreamEvents, p.cfg.Group, consumer, p.cfg.BatchSize, consumeBlock)
		if errors.Is(err, buffer.ErrNoMessages) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.metrics.Errors.Inc()
			logger.Error("Failed to consume from event stream", "error", err)
			select {
			case <-p.stopCh:
				return
			case <-time.After(time.Second):
			}
			continue
		}

		p.processBatch(ctx, logger, msgs)
	}
}

// processBatch runs each message through rule evaluation, acks the
// successes as one call, and routes failures through the retry budget.
func (p *Processor) processBatch(ctx context.Context, logger *slog.Logger, msgs []buffer.Message) {
	acks := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		if err := p.processMessage(ctx, msg); err != nil {
			p.handleFailure(ctx, logger, msg, err)
			continue
		}
		p.metrics.EventsProcessed.Inc()
		acks = append(acks, msg.ID)
	}
	if len(acks) == 0 {
		return
	}
	if err := p.buf.Ack(ctx, buffer.StreamEvents, p.cfg.Group, acks...); err != nil {
		p.metrics.Errors.Inc()
		logger.Error("Failed to ack processed messages", "count", len(acks), "error", err)
	}
}

func (p *Processor) processMessage(ctx context.Context, msg buffer.Message) error {
	var ev models.NormalizedEvent
	if err := json.Unmarshal(msg.Envelope.EventData, &ev); err != nil {
		return fmt.Errorf("failed to decode event payload: %w", err)
	}

	if p.idx != nil {
		if err := p.idx.Index(ctx, &ev); err != nil {
			return fmt.Errorf("failed to index event: %w", err)
		}
	}

	if err := p.evaluateSimpleRules(ctx, &ev); err != nil {
		return err
	}
	return p.evaluateCorrelationRules(ctx, &ev)
}

func (p *Processor) evaluateSimpleRules(ctx context.Context, ev *models.NormalizedEvent) error {
	rules, err := p.rules.SimpleRules(ctx)
	if err != nil {
		return fmt.Errorf("failed to load realtime rules: %w", err)
	}

	for _, rule := range rules {
		if !rule.Enabled || !p.globs.routes(rule.Indices, rule.DataSources, ev) {
			continue
		}
		q, err := index.ParseLiteQuery(rule.Query)
		if err != nil {
			// Broken rule, not a broken message. Leave the event alone.
			p.logger.Warn("Skipping realtime rule with unsupported query",
				"rule_id", rule.ID, "error", err)
			continue
		}
		if !q.Matches(ev) {
			continue
		}

		alert := &models.Alert{
			ID:              uuid.NewString(),
			RuleID:          rule.ID,
			Severity:        severityLabel(rule.Level),
			Status:          models.AlertStatusNew,
			Title:           rule.Title,
			Description:     rule.Description,
			RawEvent:        ev,
			MitreTactics:    rule.MitreTactics,
			MitreTechniques: rule.MitreTechniques,
			Tags:            rule.Tags,
			CreatedAt:       time.Now().UTC(),
		}
		if err := p.emitAlert(ctx, alert); err != nil {
			return err
		}
	}
	return nil
}

func (p *Processor) evaluateCorrelationRules(ctx context.Context, ev *models.NormalizedEvent) error {
	rules, err := p.rules.CorrelationRules(ctx)
	if err != nil {
		return fmt.Errorf("failed to load correlation rules: %w", err)
	}

	now := time.Now().UTC()
	for _, rule := range rules {
		if !rule.Enabled || !correlation.RealtimeEligible(rule) {
			continue
		}
		if !p.globs.routes(rule.Indices, rule.DataSources, ev) {
			continue
		}

		match, err := p.corr.ProcessEvent(ctx, rule, ev, now)
		if err != nil {
			if errors.Is(err, index.ErrComplexQuery) {
				p.logger.Warn("Correlation rule deferred to batch", "rule_id", rule.ID, "error", err)
				continue
			}
			// State persistence failures must go through retry/DLQ,
			// never be dropped.
			return fmt.Errorf("correlation rule %s: %w", rule.ID, err)
		}
		if match == nil {
			continue
		}
		p.metrics.CorrelationsMatched.Inc()
		if err := p.emitAlert(ctx, p.matchAlert(rule, match, ev)); err != nil {
			return err
		}
	}
	return nil
}

func (p *Processor) matchAlert(rule *correlation.Rule, match *correlation.Match, ev *models.NormalizedEvent) *models.Alert {
	return &models.Alert{
		ID:       uuid.NewString(),
		RuleID:   rule.ID,
		Severity: severityLabel(rule.Level),
		Status:   models.AlertStatusNew,
		Title:    rule.Title,
		Description: fmt.Sprintf("%s (entity %s, window %s to %s)",
			rule.Description, match.EntityKey,
			match.WindowStart.Format(time.RFC3339), match.WindowEnd.Format(time.RFC3339)),
		RawEvent:        ev,
		MitreTactics:    rule.MitreTactics,
		MitreTechniques: rule.MitreTechniques,
		Tags:            rule.Tags,
		CreatedAt:       time.Now().UTC(),
	}
}

// emitAlert persists the alert, bumps the rule hit count, and publishes
// to the alerts stream for notifiers.
func (p *Processor) emitAlert(ctx context.Context, alert *models.Alert) error {
	if err := p.alerts.Create(ctx, alert); err != nil {
		return fmt.Errorf("failed to persist alert: %w", err)
	}
	if err := p.rules.IncrementHitCount(ctx, alert.RuleID); err != nil {
		p.logger.Warn("Failed to increment rule hit count", "rule_id", alert.RuleID, "error", err)
	}

	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to encode alert: %w", err)
	}
	if _, err := p.buf.Publish(ctx, buffer.StreamAlerts, payload); err != nil {
		return fmt.Errorf("failed to publish alert: %w", err)
	}

	p.metrics.AlertsGenerated.Inc()
	p.logger.Info("Alert generated", "alert_id", alert.ID, "rule_id", alert.RuleID, "severity", alert.Severity)
	return nil
}

// handleFailure applies the retry budget: a message below the budget
// stays pending for the recovery loop to redeliver; at the budget it is
// dead-lettered and acked on the primary stream.
func (p *Processor) handleFailure(ctx context.Context, logger *slog.Logger, msg buffer.Message, procErr error) {
	p.metrics.Errors.Inc()

	counts, err := p.buf.DeliveryCount(ctx, buffer.StreamEvents, p.cfg.Group, msg.ID)
	if err != nil {
		logger.Error("Failed to read delivery count, leaving message pending",
			"message_id", msg.ID, "error", err)
		return
	}
	deliveries := counts[msg.ID]

	if deliveries < p.cfg.RetryMax {
		logger.Warn("Message processing failed, will retry",
			"message_id", msg.ID, "deliveries", deliveries, "retry_max", p.cfg.RetryMax, "error", procErr)
		return
	}

	if err := p.buf.MoveToDLQ(ctx, buffer.StreamEvents, p.cfg.Group, msg, deliveries, procErr); err != nil {
		logger.Error("Failed to move message to DLQ", "message_id", msg.ID, "error", err)
		return
	}
	logger.Error("Message moved to DLQ after exhausting retries",
		"message_id", msg.ID, "deliveries", deliveries, "error", procErr)
}

// runRecovery periodically claims messages that sat pending past the
// idle threshold (their worker died) and reprocesses them.
func (p *Processor) runRecovery(ctx context.Context) {
	consumer := p.cfg.PodID + "-recovery"
	logger := p.logger.With("consumer", consumer)

	ticker := time.NewTicker(p.cfg.RecoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		msgs, err := p.buf.ClaimPending(ctx, buffer.StreamEvents, p.cfg.Group, consumer, p.cfg.RecoveryMinIdle, p.cfg.BatchSize)
		if err != nil {
			p.metrics.Errors.Inc()
			logger.Error("Failed to claim pending messages", "error", err)
			continue
		}
		if len(msgs) == 0 {
			continue
		}
		logger.Info("Recovered orphaned messages", "count", len(msgs))
		p.processBatch(ctx, logger, msgs)
	}
}

// runCleanup sweeps expired correlation state on a fixed timer.
func (p *Processor) runCleanup(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if _, err := p.corr.Cleanup(ctx, time.Now().UTC()); err != nil {
			p.metrics.Errors.Inc()
			p.logger.Error("Correlation state cleanup failed", "error", err)
		}
	}
}

// runBatchCorrelation periodically evaluates the correlation rules the
// real-time path cannot handle against the search index.
func (p *Processor) runBatchCorrelation(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.BatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if err := p.runBatchPass(ctx, time.Now().UTC()); err != nil {
			p.metrics.Errors.Inc()
			p.logger.Error("Batch correlation pass failed", "error", err)
		}
	}
}

func (p *Processor) runBatchPass(ctx context.Context, now time.Time) error {
	rules, err := p.rules.CorrelationRules(ctx)
	if err != nil {
		return fmt.Errorf("failed to load correlation rules: %w", err)
	}

	for _, rule := range rules {
		if !rule.Enabled || correlation.RealtimeEligible(rule) {
			continue
		}
		span := rule.WindowDuration() + rule.LookbackDuration() + rule.BaselineDuration()
		matches, err := p.corr.EvaluateBatch(ctx, rule, now.Add(-span), now)
		if err != nil {
			p.logger.Warn("Batch correlation rule failed", "rule_id", rule.ID, "error", err)
			continue
		}
		for _, match := range matches {
			p.metrics.CorrelationsMatched.Inc()
			var triggering *models.NormalizedEvent
			if len(match.Events) > 0 {
				triggering = match.Events[len(match.Events)-1]
			}
			if err := p.emitAlert(ctx, p.matchAlert(rule, match, triggering)); err != nil {
				return err
			}
		}
	}
	return nil
}
