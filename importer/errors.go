package importer

import (
	"fmt"

	"github.com/sluicedb/sluice/record"
)

// WriteError identifies a record the target rejected. It carries enough
// context to locate the row without replaying the window.
type WriteError struct {
	Table string
	Op    record.ChangeType
	Key   string
	SQL   string
	Err   error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("apply %s to %s (key %s): %v", e.Op, e.Table, e.Key, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// RetryExhaustedError wraps the last failure after the retry budget is spent.
type RetryExhaustedError struct {
	Table    string
	Attempts int
	Err      error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("flush of %s failed after %d attempts: %v", e.Table, e.Attempts, e.Err)
}

func (e *RetryExhaustedError) Unwrap() error { return e.Err }
