package outbox

import (
	"errors"
	"fmt"
)

// ErrTransactionRequired is returned by Writer.Append when no transaction is supplied.
// Appending a record outside the business transaction would break the atomicity
// the pattern exists to provide.
var ErrTransactionRequired = errors.New("outbox: append requires an active transaction")

// ErrEmptyTopic is returned when a record has no destination topic.
var ErrEmptyTopic = errors.New("outbox: record topic cannot be empty")

// WriteError indicates that storing a record in the outbox table failed.
// The caller's business transaction should be rolled back.
type WriteError struct {
	Err error
}

func (e *WriteError) Error() string { return fmt.Sprintf("writing outbox record: %v", e.Err) }
func (e *WriteError) Unwrap() error { return e.Err }

// ClaimError indicates an error while claiming records from the outbox table.
// The relay retries with backoff; no records are lost.
type ClaimError struct {
	Err error
}

func (e *ClaimError) Error() string { return fmt.Sprintf("claiming outbox records: %v", e.Err) }
func (e *ClaimError) Unwrap() error { return e.Err }

// PublishError indicates an error during record publication.
// It includes the record that failed to be published and the original error.
type PublishError struct {
	Record Record
	Err    error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publishing record %s: %v", e.Record.ID, e.Err)
}
func (e *PublishError) Unwrap() error { return e.Err }

// DeleteError indicates an error during the batch deletion of acknowledged records.
// The records stay in the table and will be published again, which is safe
// under at-least-once semantics.
type DeleteError struct {
	Records []Record
	Err     error
}

func (e *DeleteError) Error() string {
	return fmt.Sprintf("deleting %d records: %v", len(e.Records), e.Err)
}
func (e *DeleteError) Unwrap() error { return e.Err }

// UpdateError indicates an error while recording failed publish attempts.
// The affected records keep their previous attempt count and are retried on a
// later cycle.
type UpdateError struct {
	Err error
}

func (e *UpdateError) Error() string { return fmt.Sprintf("recording publish attempts: %v", e.Err) }
func (e *UpdateError) Unwrap() error { return e.Err }

// ReleaseError indicates an error while releasing claims at the end of a cycle.
// Affected records become claimable again once their lease expires.
type ReleaseError struct {
	Err error
}

func (e *ReleaseError) Error() string { return fmt.Sprintf("releasing claims: %v", e.Err) }
func (e *ReleaseError) Unwrap() error { return e.Err }
