// Package channel delivers captured row-change records to importer workers.
//
// All implementations share one contract: Fetch returns up to maxCount
// records after a bounded wait, Ack confirms a fully flushed window, and a
// record is never redelivered after a successful Ack. Records fetched but
// not acked before a crash may be redelivered (at-least-once).
package channel

import (
	"context"
	"errors"
	"time"

	"github.com/sluicedb/sluice/record"
)

// ErrClosed is returned by operations on a closed channel.
var ErrClosed = errors.New("channel closed")

// Channel is the importer-facing side of a record pipeline.
type Channel interface {
	// Fetch returns up to maxCount records, waiting at most timeout for the
	// first one. An empty slice and nil error means the wait timed out with
	// nothing to deliver. Fetch must return promptly when ctx is cancelled.
	Fetch(ctx context.Context, maxCount int, timeout time.Duration) ([]record.Record, error)

	// Ack confirms that every record of a fetched window has been applied
	// and committed. Acked records are never redelivered.
	Ack(records []record.Record) error

	Close() error
}
