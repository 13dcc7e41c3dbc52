package outbox

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Writer appends outbox records alongside domain mutations so that the event
// intent commits or rolls back atomically with the business transaction.
type Writer struct {
	dbCtx *DBContext
}

// Appender stores records within a managed transaction.
type Appender interface {
	// Append persists a record in the outbox table.
	// The record is committed when the enclosing transaction commits.
	Append(ctx context.Context, rec *Record) error
}

// TxWorkFunc is the user supplied callback for [Writer.Write].
// It executes user defined queries and appends records to the outbox within the
// same transaction. The Writer commits or rolls back the transaction once the
// callback completes.
type TxWorkFunc func(ctx context.Context, tx TxQueryer, appender Appender) error

// NewWriter creates a new outbox Writer with the given database context.
func NewWriter(dbCtx *DBContext) *Writer {
	return &Writer{dbCtx: dbCtx}
}

// Append stores a record in the outbox table using the caller's transaction.
// It returns the record's generated identifier so callers may log it for
// correlation before the transaction commits.
//
// The record only becomes visible to the relay once the transaction commits;
// if the transaction rolls back, the record rolls back with it. Append never
// touches the broker: the caller observes only local insert failures.
//
// Returns ErrTransactionRequired when tx is nil, ErrEmptyTopic when the record
// has no destination topic, and *WriteError when the insert itself fails, in
// which case the caller should roll back the business transaction.
func (w *Writer) Append(ctx context.Context, tx TxQueryer, rec *Record) (uuid.UUID, error) {
	if tx == nil {
		return uuid.Nil, ErrTransactionRequired
	}
	if rec.Topic == "" {
		return uuid.Nil, ErrEmptyTopic
	}

	if err := insertRecord(ctx, w.dbCtx, tx, rec); err != nil {
		return uuid.Nil, &WriteError{Err: err}
	}

	return rec.ID, nil
}

// Write executes user defined queries and appends records to the outbox table
// within the same managed transaction.
//
// This is a convenience over Append for callers that do not manage transactions
// themselves. The transaction commits if the callback returns nil, or rolls
// back if it returns an error. Records are committed atomically with the
// callback's database changes.
//
// Example:
//
//	err := writer.Write(ctx, func(ctx context.Context, tx outbox.TxQueryer, appender outbox.Appender) error {
//	    _, err := tx.ExecContext(ctx,
//	        "INSERT INTO article (slug, title) VALUES ($1, $2)", slug, title)
//	    if err != nil {
//	        return err
//	    }
//
//	    return appender.Append(ctx, outbox.NewRecord("article", payload,
//	        outbox.WithPartitionKey(slug)))
//	})
func (w *Writer) Write(ctx context.Context, fn TxWorkFunc) error {
	tx, err := w.dbCtx.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	var txCommitted bool
	defer func() {
		if !txCommitted {
			_ = tx.Rollback()
		}
	}()

	appender := &txAppender{writer: w, tx: tx}

	err = fn(ctx, tx, appender)
	if err != nil {
		return err
	}

	err = tx.Commit()
	txCommitted = err == nil
	if err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	return nil
}

type txAppender struct {
	writer *Writer
	tx     TxQueryer
}

func (a *txAppender) Append(ctx context.Context, rec *Record) error {
	_, err := a.writer.Append(ctx, a.tx, rec)
	return err
}
