package outbox

import (
	"time"

	"github.com/google/uuid"
)

// RecordOption is a function that can be used to configure a Record.
type RecordOption func(*Record)

// Record represents a single undelivered domain event stored in the outbox table.
// A record is immutable once written; the only state change it ever undergoes is
// deletion after the broker has acknowledged it.
type Record struct {
	// ID is a unique identifier for the record. It is generated before the
	// enclosing transaction commits so callers may log it for correlation,
	// and it is carried to the broker for consumer-side deduplication.
	ID uuid.UUID

	// Topic is the destination topic the record is published to.
	Topic string

	// PartitionKey is used as the broker message key. Records sharing the
	// same non-empty key are delivered in the order they were created.
	// An empty key leaves partition assignment to the broker.
	PartitionKey string

	// Headers carries event metadata (e.g. event type, schema version).
	// Entries are passed through to the broker verbatim, in order.
	Headers Headers

	// Payload contains the event data. The relay never interprets it.
	Payload []byte

	// CreatedAt is the timestamp the record was created, used as the
	// primary delivery ordering key. ID breaks ties between equal timestamps.
	CreatedAt time.Time

	// Attempts is the number of failed publish attempts so far.
	// Read only field.
	Attempts int32
}

// WithID sets the unique identifier of the record.
// If not provided, a new UUID is generated.
func WithID(id uuid.UUID) RecordOption {
	return func(r *Record) {
		r.ID = id
	}
}

// WithCreatedAt sets the time the record was created.
// If not provided, the current time is used.
func WithCreatedAt(createdAt time.Time) RecordOption {
	return func(r *Record) {
		r.CreatedAt = createdAt
	}
}

// WithPartitionKey sets the broker message key for the record.
// All records sharing the same key preserve their relative order end to end.
func WithPartitionKey(key string) RecordOption {
	return func(r *Record) {
		r.PartitionKey = key
	}
}

// WithHeaders attaches metadata headers to the record, replacing any set before.
func WithHeaders(headers Headers) RecordOption {
	return func(r *Record) {
		r.Headers = headers
	}
}

// WithHeader appends a single metadata header to the record.
func WithHeader(key, value string) RecordOption {
	return func(r *Record) {
		r.Headers = append(r.Headers, Header{Key: key, Value: value})
	}
}

// NewRecord creates a new Record destined for the given topic with the given payload.
func NewRecord(topic string, payload []byte, opts ...RecordOption) *Record {
	r := &Record{
		ID:        uuid.New(),
		Topic:     topic,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}
