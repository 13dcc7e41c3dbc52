package outbox

import (
	"context"
	"errors"
)

// Producer defines the broker capability the relay consumes.
type Producer interface {
	// Produce sends a record to the broker and returns nil only after the
	// broker has acknowledged durable receipt. The relay may call Produce
	// more than once for the same record; consumers must deduplicate by
	// record ID.
	//
	// Implementations preserve per-key ordering for records produced in
	// order with the same key, as brokers guarantee for keyed messages.
	//
	// A plain error is treated as retryable (broker unreachable, timeout):
	// the record stays in the outbox and the relay backs off. An error
	// wrapped with Reject marks the record as permanently unpublishable
	// (e.g. message too large): the record is parked and does not block
	// the rest of the batch.
	Produce(ctx context.Context, rec *Record) error
}

// rejectError marks a produce failure as permanent for the given record.
type rejectError struct {
	err error
}

func (e *rejectError) Error() string { return "rejected by broker: " + e.err.Error() }
func (e *rejectError) Unwrap() error { return e.err }

// Reject wraps a produce error to mark it as permanent for the record being
// published. The relay parks the record instead of retrying it.
func Reject(err error) error {
	if err == nil {
		return nil
	}
	return &rejectError{err: err}
}

// IsReject reports whether any error in err's chain was marked with Reject.
func IsReject(err error) bool {
	var re *rejectError
	return errors.As(err, &re)
}
