package buffer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Stream entry field names.
const (
	fieldEventData  = "event_data"
	fieldEnqueuedAt = "enqueued_at"
	fieldSequence   = "sequence"
)

// RedisBuffer implements Buffer on Redis Streams. Each named stream is
// one Redis stream; consumer groups map directly onto XGROUP semantics
// and the pending-entries list is the single source of truth for
// in-flight work.
type RedisBuffer struct {
	rdb       *redis.Client
	keyPrefix string
}

// RedisOptions configures the buffer connection.
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// NewRedisBuffer connects to Redis and verifies connectivity.
func NewRedisBuffer(ctx context.Context, opts RedisOptions) (*RedisBuffer, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", opts.Addr, err)
	}

	slog.Info("Event buffer connected", "addr", opts.Addr, "db", opts.DB)
	return &RedisBuffer{rdb: rdb, keyPrefix: opts.KeyPrefix}, nil
}

// NewRedisBufferFromClient wraps an existing client (used by tests).
func NewRedisBufferFromClient(rdb *redis.Client) *RedisBuffer {
	return &RedisBuffer{rdb: rdb}
}

// Close shuts down the underlying client.
func (b *RedisBuffer) Close() error {
	return b.rdb.Close()
}

func (b *RedisBuffer) key(stream string) string {
	if b.keyPrefix == "" {
		return stream
	}
	return b.keyPrefix + ":" + stream
}

func (b *RedisBuffer) seqKey(stream string) string {
	return b.key(stream) + ":seq"
}

// Publish appends the payload with its transport metadata.
func (b *RedisBuffer) Publish(ctx context.Context, stream string, eventData []byte) (string, error) {
	seq, err := b.rdb.Incr(ctx, b.seqKey(stream)).Result()
	if err != nil {
		return "", fmt.Errorf("sequence increment for %s: %w", stream, err)
	}

	id, err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: b.key(stream),
		Values: map[string]any{
			fieldEventData:  string(eventData),
			fieldEnqueuedAt: time.Now().UTC().Format(time.RFC3339Nano),
			fieldSequence:   seq,
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("publish to %s: %w", stream, err)
	}
	return id, nil
}

// EnsureGroup creates the group at the latest entry ($), creating the
// stream if needed. An already-existing group is not an error.
func (b *RedisBuffer) EnsureGroup(ctx context.Context, stream, group string) error {
	err := b.rdb.XGroupCreateMkStream(ctx, b.key(stream), group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", group, stream, err)
	}
	return nil
}

// Consume reads new entries for the consumer, blocking up to block.
func (b *RedisBuffer) Consume(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Message, error) {
	res, err := b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{b.key(stream), ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, ErrNoMessages
	}
	if err != nil {
		return nil, fmt.Errorf("consume %s/%s: %w", stream, group, err)
	}

	var msgs []Message
	for _, sr := range res {
		for _, entry := range sr.Messages {
			msgs = append(msgs, b.toMessage(stream, entry))
		}
	}
	if len(msgs) == 0 {
		return nil, ErrNoMessages
	}
	return msgs, nil
}

// Ack removes the messages from the group's pending list.
func (b *RedisBuffer) Ack(ctx context.Context, stream, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := b.rdb.XAck(ctx, b.key(stream), group, ids...).Err(); err != nil {
		return fmt.Errorf("ack on %s/%s: %w", stream, group, err)
	}
	return nil
}

// ClaimPending transfers ownership of stale pending messages.
func (b *RedisBuffer) ClaimPending(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int64) ([]Message, error) {
	entries, _, err := b.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   b.key(stream),
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    count,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("claim pending on %s/%s: %w", stream, group, err)
	}

	msgs := make([]Message, 0, len(entries))
	for _, entry := range entries {
		msgs = append(msgs, b.toMessage(stream, entry))
	}
	return msgs, nil
}

// DeliveryCount reports per-message delivery counts from the PEL.
func (b *RedisBuffer) DeliveryCount(ctx context.Context, stream, group string, ids ...string) (map[string]int64, error) {
	if len(ids) == 0 {
		return map[string]int64{}, nil
	}
	ext, err := b.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: b.key(stream),
		Group:  group,
		Start:  "-",
		End:    "+",
		Count:  int64(len(ids)) * 8,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("pending lookup on %s/%s: %w", stream, group, err)
	}

	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	counts := make(map[string]int64, len(ids))
	for _, p := range ext {
		if _, ok := want[p.ID]; ok {
			counts[p.ID] = p.RetryCount
		}
	}
	return counts, nil
}

// MoveToDLQ publishes the terminal failure to the dead-letter sibling
// and acks the original so it is never redelivered. The DLQ publish
// happens first: losing a message is worse than seeing it twice.
func (b *RedisBuffer) MoveToDLQ(ctx context.Context, stream, group string, msg Message, deliveries int64, procErr error) error {
	eventData := msg.Envelope.EventData
	if !json.Valid(eventData) {
		// Malformed payloads are a primary reason to land here; quote
		// them so the entry itself stays marshalable.
		eventData, _ = json.Marshal(string(msg.Envelope.EventData))
	}
	entry := DLQEntry{
		OriginStream: stream,
		OriginID:     msg.ID,
		EventData:    eventData,
		Deliveries:   deliveries,
		FailedAt:     time.Now().UTC(),
	}
	if procErr != nil {
		entry.Error = procErr.Error()
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal DLQ entry: %w", err)
	}

	if _, err := b.Publish(ctx, stream+DLQSuffix, payload); err != nil {
		return fmt.Errorf("publish to DLQ %s%s: %w", stream, DLQSuffix, err)
	}
	if err := b.Ack(ctx, stream, group, msg.ID); err != nil {
		return err
	}

	slog.Warn("Message moved to DLQ",
		"stream", stream,
		"message_id", msg.ID,
		"deliveries", deliveries,
		"error", entry.Error)
	return nil
}

// Len returns the stream length.
func (b *RedisBuffer) Len(ctx context.Context, stream string) (int64, error) {
	n, err := b.rdb.XLen(ctx, b.key(stream)).Result()
	if err != nil {
		return 0, fmt.Errorf("len of %s: %w", stream, err)
	}
	return n, nil
}

// PendingCount returns the group's total pending entries.
func (b *RedisBuffer) PendingCount(ctx context.Context, stream, group string) (int64, error) {
	p, err := b.rdb.XPending(ctx, b.key(stream), group).Result()
	if err != nil {
		if strings.Contains(err.Error(), "NOGROUP") {
			return 0, nil
		}
		return 0, fmt.Errorf("pending count on %s/%s: %w", stream, group, err)
	}
	return p.Count, nil
}

func (b *RedisBuffer) toMessage(stream string, entry redis.XMessage) Message {
	env := Envelope{Stream: stream}
	if raw, ok := entry.Values[fieldEventData].(string); ok {
		env.EventData = json.RawMessage(raw)
	}
	if raw, ok := entry.Values[fieldEnqueuedAt].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			env.EnqueuedAt = t
		}
	}
	switch v := entry.Values[fieldSequence].(type) {
	case string:
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			env.Sequence = n
		}
	case int64:
		env.Sequence = v
	}
	return Message{ID: entry.ID, Stream: stream, Envelope: env}
}
