// Package buffer implements the durable event buffer that decouples
// ingestion from downstream processing. It is an ordered stream with
// consumer groups, pending-message tracking, and a dead-letter stream
// per primary stream.
//
// Delivery is at-least-once: a message stays pending for its consumer
// until acknowledged, and any consumer may claim messages whose owner
// went quiet. Consumers must be idempotent on message ID.
package buffer

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Fixed stream names used by the core.
const (
	StreamEvents      = "events"
	StreamAlerts      = "alerts"
	StreamCorrelation = "correlation"

	// DLQSuffix is appended to a stream name to form its dead-letter
	// sibling.
	DLQSuffix = "-dlq"
)

// ErrNoMessages is returned by Consume when the blocking wait elapsed
// without any message arriving.
var ErrNoMessages = errors.New("no messages available")

// Envelope is the wire shape of a buffered message: the serialized
// event plus transport metadata.
type Envelope struct {
	EventData  json.RawMessage `json:"event_data"`
	Stream     string          `json:"stream"`
	Sequence   int64           `json:"sequence"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// Message is one delivered stream entry. ID is broker-assigned and is
// the idempotency key for consumers.
type Message struct {
	ID       string
	Stream   string
	Envelope Envelope
}

// DLQEntry is the payload published to a dead-letter stream after the
// retry budget for a message is exhausted.
type DLQEntry struct {
	OriginStream string          `json:"origin_stream"`
	OriginID     string          `json:"origin_id"`
	EventData    json.RawMessage `json:"event_data"`
	Error        string          `json:"error"`
	Deliveries   int64           `json:"deliveries"`
	FailedAt     time.Time       `json:"failed_at"`
}

// Buffer is the durable stream abstraction consumed by the real-time
// processor and the notifier path.
type Buffer interface {
	// Publish appends an event payload to the named stream and returns
	// the broker-assigned message ID.
	Publish(ctx context.Context, stream string, eventData []byte) (string, error)

	// EnsureGroup creates the consumer group if it does not exist.
	// New groups start at the latest entry.
	EnsureGroup(ctx context.Context, stream, group string) error

	// Consume reads up to count messages for the named consumer,
	// blocking up to block for new entries. Returned messages are
	// pending until acknowledged.
	Consume(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Message, error)

	// Ack removes messages from the group's pending list.
	Ack(ctx context.Context, stream, group string, ids ...string) error

	// ClaimPending atomically transfers ownership of messages that have
	// been pending for at least minIdle to the given consumer. Used by
	// the recovery loop to pick up work from dead workers.
	ClaimPending(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int64) ([]Message, error)

	// DeliveryCount reports how many times each of the given pending
	// messages has been delivered.
	DeliveryCount(ctx context.Context, stream, group string, ids ...string) (map[string]int64, error)

	// MoveToDLQ publishes the message and its terminal error to the
	// stream's dead-letter sibling and acknowledges it on the primary.
	MoveToDLQ(ctx context.Context, stream, group string, msg Message, deliveries int64, procErr error) error

	// Len returns the number of entries currently in the stream.
	Len(ctx context.Context, stream string) (int64, error)

	// PendingCount returns the group's total pending message count.
	PendingCount(ctx context.Context, stream, group string) (int64, error)

	// Close releases broker resources.
	Close() error
}
