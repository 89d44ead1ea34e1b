package importer

import (
	"context"
	"database/sql"
	"errors"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"

	"github.com/sluicedb/sluice/merge"
	"github.com/sluicedb/sluice/ratelimit"
	"github.com/sluicedb/sluice/record"
	"github.com/sluicedb/sluice/sqlgen"
	"github.com/sluicedb/sluice/telemetry"
)

const (
	maxBackoff      = 5 * time.Minute
	defaultStmtLRU  = 256
	defaultStmtTime = 30 * time.Second
)

// ExecutorOptions tunes flush behavior.
type ExecutorOptions struct {
	// RetryTimes is the number of retries after the first failed attempt.
	RetryTimes int
	// StatementTimeout bounds each statement round trip.
	StatementTimeout time.Duration
	// StatementCacheSize caps the prepared statement cache.
	StatementCacheSize int
}

// Executor applies compacted buckets to the target database. Batch buckets
// of one table flush inside a single transaction and are retried with
// exponential backoff; non-batch records replay individually and fail fast,
// since a row-level rejection will not heal with time.
type Executor struct {
	db          *sql.DB
	builder     *sqlgen.Builder
	limiter     ratelimit.Limiter
	retryTimes  int
	stmtTimeout time.Duration
	stmts       *lru.Cache[string, *sql.Stmt]

	// sleep is swapped out in tests to observe backoff without waiting
	sleep func(ctx context.Context, d time.Duration) error
}

// NewExecutor creates an executor over an open target pool.
func NewExecutor(db *sql.DB, builder *sqlgen.Builder, limiter ratelimit.Limiter, opts ExecutorOptions) (*Executor, error) {
	if limiter == nil {
		limiter = ratelimit.Unlimited{}
	}
	if opts.StatementTimeout <= 0 {
		opts.StatementTimeout = defaultStmtTime
	}
	if opts.StatementCacheSize <= 0 {
		opts.StatementCacheSize = defaultStmtLRU
	}

	stmts, err := lru.NewWithEvict(opts.StatementCacheSize, func(_ string, stmt *sql.Stmt) {
		stmt.Close()
	})
	if err != nil {
		return nil, err
	}

	return &Executor{
		db:          db,
		builder:     builder,
		limiter:     limiter,
		retryTimes:  opts.RetryTimes,
		stmtTimeout: opts.StatementTimeout,
		stmts:       stmts,
		sleep:       sleepContext,
	}, nil
}

// Close releases cached prepared statements. The pool itself is owned by
// the caller.
func (e *Executor) Close() {
	e.stmts.Purge()
}

// Flush applies one table's compacted buckets in replay order.
func (e *Executor) Flush(ctx context.Context, group *merge.GroupedRecords) error {
	if err := e.flushBatches(ctx, group); err != nil {
		return err
	}
	return e.flushNonBatch(ctx, group.NonBatch)
}

// flushBatches commits the three batch buckets in one transaction, retrying
// transient failures with exponential backoff.
func (e *Executor) flushBatches(ctx context.Context, group *merge.GroupedRecords) error {
	if len(group.BatchDelete) == 0 && len(group.BatchInsert) == 0 && len(group.BatchUpdate) == 0 {
		return nil
	}

	for attempt := 0; ; attempt++ {
		err := e.tryFlushBatches(ctx, group)
		if err == nil {
			return nil
		}
		if !retryable(ctx, err) {
			return err
		}
		if attempt >= e.retryTimes {
			telemetry.FlushFailuresTotal.Inc()
			return &RetryExhaustedError{Table: group.Table, Attempts: attempt + 1, Err: err}
		}

		delay := backoffDelay(attempt)
		log.Warn().
			Err(err).
			Str("table", group.Table).
			Int("attempt", attempt+1).
			Dur("backoff", delay).
			Msg("Flush failed, backing off before retry")
		telemetry.FlushRetriesTotal.Inc()
		if serr := e.sleep(ctx, delay); serr != nil {
			return serr
		}
	}
}

func (e *Executor) tryFlushBatches(ctx context.Context, group *merge.GroupedRecords) error {
	if err := e.throttle(ctx, record.Delete, len(group.BatchDelete)); err != nil {
		return err
	}
	if err := e.throttle(ctx, record.Insert, len(group.BatchInsert)); err != nil {
		return err
	}
	if err := e.throttle(ctx, record.Update, len(group.BatchUpdate)); err != nil {
		return err
	}

	start := time.Now()
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	// Deletes first frees keys an insert in the same window reuses.
	if len(group.BatchDelete) > 0 {
		if err := e.execBatchDelete(ctx, tx, group); err != nil {
			return err
		}
	}
	if len(group.BatchInsert) > 0 {
		if err := e.execBatchInsert(ctx, tx, group); err != nil {
			return err
		}
	}
	if len(group.BatchUpdate) > 0 {
		if err := e.execBatchUpdate(ctx, tx, group); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	telemetry.FlushDurationSeconds.Observe(time.Since(start).Seconds())

	telemetry.RecordsAppliedTotal.With("delete").Add(float64(len(group.BatchDelete)))
	telemetry.RecordsAppliedTotal.With("insert").Add(float64(len(group.BatchInsert)))
	telemetry.RecordsAppliedTotal.With("update").Add(float64(len(group.BatchUpdate)))
	return nil
}

func (e *Executor) execBatchDelete(ctx context.Context, tx *sql.Tx, group *merge.GroupedRecords) error {
	sqlText, args, err := e.builder.BuildBatchDelete(group.BatchDelete)
	if err != nil {
		return err
	}

	res, err := e.execTx(ctx, tx, sqlText, args)
	if err != nil {
		return err
	}
	if rows, err := res.RowsAffected(); err == nil && rows != int64(len(group.BatchDelete)) {
		// Redelivered windows delete rows that are already gone.
		log.Warn().
			Str("table", group.Table).
			Int64("rows", rows).
			Int("expected", len(group.BatchDelete)).
			Msg("Batch delete affected fewer rows than records")
	}
	return nil
}

func (e *Executor) execBatchInsert(ctx context.Context, tx *sql.Tx, group *merge.GroupedRecords) error {
	sqlText, args, err := e.builder.BuildBatchInsert(group.BatchInsert)
	if err != nil {
		return err
	}
	_, err = e.execTx(ctx, tx, sqlText, args)
	return err
}

// execBatchUpdate replays the bucket row by row. Updates cannot collapse
// into one statement, but a shape-uniform bucket usually renders identical
// SQL text, so the prepared statement is reused across rows.
func (e *Executor) execBatchUpdate(ctx context.Context, tx *sql.Tx, group *merge.GroupedRecords) error {
	for _, rec := range group.BatchUpdate {
		sqlText, args, err := e.builder.BuildUpdate(rec)
		if err != nil {
			return err
		}
		res, err := e.execTx(ctx, tx, sqlText, args)
		if err != nil {
			return err
		}
		if rows, err := res.RowsAffected(); err == nil && rows != 1 {
			log.Warn().
				Str("table", group.Table).
				Str("key", rec.OldKey()).
				Int64("rows", rows).
				Msg("Update affected an unexpected number of rows")
		}
	}
	return nil
}

// flushNonBatch replays demoted records one statement at a time, outside
// any shared transaction but on one pinned connection so the sequence is
// never interleaved with other pool traffic. A failure surfaces immediately
// with the record's identity and is not retried.
func (e *Executor) flushNonBatch(ctx context.Context, recs []*record.DataRecord) error {
	if len(recs) == 0 {
		return nil
	}

	conn, err := e.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	for _, rec := range recs {
		if err := e.throttle(ctx, rec.Type, 1); err != nil {
			return err
		}

		sqlText, args, err := e.buildOne(rec)
		if err != nil {
			return err
		}

		stmtCtx, cancel := context.WithTimeout(ctx, e.stmtTimeout)
		res, err := conn.ExecContext(stmtCtx, sqlText, args...)
		cancel()
		if err != nil {
			return &WriteError{
				Table: rec.Table,
				Op:    rec.Type,
				Key:   rec.OldKey(),
				SQL:   sqlText,
				Err:   err,
			}
		}

		if rec.Type != record.Insert {
			if rows, err := res.RowsAffected(); err == nil && rows != 1 {
				log.Warn().
					Str("table", rec.Table).
					Str("operation", rec.Type.String()).
					Str("key", rec.OldKey()).
					Int64("rows", rows).
					Msg("Statement affected an unexpected number of rows")
			}
		}
		telemetry.RecordsAppliedTotal.With(rec.Type.String()).Inc()
	}
	return nil
}

func (e *Executor) buildOne(rec *record.DataRecord) (string, []interface{}, error) {
	switch rec.Type {
	case record.Insert:
		return e.builder.BuildInsert(rec)
	case record.Update:
		return e.builder.BuildUpdate(rec)
	case record.Delete:
		return e.builder.BuildDelete(rec)
	default:
		return "", nil, &sqlgen.BuildError{Op: rec.Type, Table: rec.Table, Err: errors.New("unknown change type")}
	}
}

// execTx executes inside the transaction through the prepared statement
// cache, bounded by the statement timeout.
func (e *Executor) execTx(ctx context.Context, tx *sql.Tx, sqlText string, args []interface{}) (sql.Result, error) {
	stmt, err := e.stmt(ctx, sqlText)
	if err != nil {
		return nil, err
	}

	stmtCtx, cancel := context.WithTimeout(ctx, e.stmtTimeout)
	defer cancel()
	return tx.StmtContext(stmtCtx, stmt).ExecContext(stmtCtx, args...)
}

func (e *Executor) stmt(ctx context.Context, sqlText string) (*sql.Stmt, error) {
	if stmt, ok := e.stmts.Get(sqlText); ok {
		return stmt, nil
	}
	stmt, err := e.db.PrepareContext(ctx, sqlText)
	if err != nil {
		return nil, err
	}
	e.stmts.Add(sqlText, stmt)
	return stmt, nil
}

func (e *Executor) throttle(ctx context.Context, op record.ChangeType, weight int) error {
	if weight == 0 {
		return nil
	}
	start := time.Now()
	if err := e.limiter.Intercept(ctx, op, weight); err != nil {
		return err
	}
	telemetry.RateLimitWaitSeconds.With(op.String()).Observe(time.Since(start).Seconds())
	return nil
}

// retryable reports whether a flush attempt may succeed later. Malformed
// records and row-level rejections stay broken; cancellation means stop.
func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var buildErr *sqlgen.BuildError
	if errors.As(err, &buildErr) {
		return false
	}
	var writeErr *WriteError
	if errors.As(err, &writeErr) {
		return false
	}
	return !errors.Is(err, context.Canceled)
}

// backoffDelay doubles per attempt, starting at one second, capped at five
// minutes.
func backoffDelay(attempt int) time.Duration {
	if attempt > 8 {
		return maxBackoff
	}
	d := time.Duration(1000<<uint(attempt)) * time.Millisecond
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
