package importer

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sluicedb/sluice/merge"
	"github.com/sluicedb/sluice/ratelimit"
	"github.com/sluicedb/sluice/record"
	"github.com/sluicedb/sluice/sqlgen"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "target.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`CREATE TABLE t_order (id INTEGER PRIMARY KEY, status TEXT, qty INTEGER)`)
	require.NoError(t, err)
	return db
}

func testBuilder(t *testing.T) *sqlgen.Builder {
	t.Helper()
	b, err := sqlgen.NewBuilder(sqlgen.Options{Dialect: "sqlite3"})
	require.NoError(t, err)
	return b
}

func testExecutor(t *testing.T, db *sql.DB, retryTimes int, sleeps *[]time.Duration) *Executor {
	t.Helper()
	exec, err := NewExecutor(db, testBuilder(t), ratelimit.Unlimited{}, ExecutorOptions{
		RetryTimes: retryTimes,
	})
	require.NoError(t, err)
	t.Cleanup(exec.Close)
	if sleeps != nil {
		exec.sleep = func(_ context.Context, d time.Duration) error {
			*sleeps = append(*sleeps, d)
			return nil
		}
	}
	return exec
}

func orderIns(id int64, status string, qty int64) *record.DataRecord {
	return &record.DataRecord{
		Type:  record.Insert,
		Table: "t_order",
		Columns: []record.Column{
			{Name: "id", Value: id, UniqueKey: true, Updated: true},
			{Name: "status", Value: status, Updated: true},
			{Name: "qty", Value: qty, Updated: true},
		},
	}
}

func orderUpd(id int64, status string) *record.DataRecord {
	return &record.DataRecord{
		Type:  record.Update,
		Table: "t_order",
		Columns: []record.Column{
			{Name: "id", Value: id, OldValue: id, UniqueKey: true},
			{Name: "status", Value: status, OldValue: "", Updated: true},
		},
	}
}

func orderDel(id int64) *record.DataRecord {
	return &record.DataRecord{
		Type:  record.Delete,
		Table: "t_order",
		Columns: []record.Column{
			{Name: "id", OldValue: id, UniqueKey: true},
		},
	}
}

func countOrders(t *testing.T, db *sql.DB) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM t_order`).Scan(&n))
	return n
}

func orderStatus(t *testing.T, db *sql.DB, id int64) string {
	t.Helper()
	var status string
	require.NoError(t, db.QueryRow(`SELECT status FROM t_order WHERE id = ?`, id).Scan(&status))
	return status
}

func TestExecutorFlushBatchBuckets(t *testing.T) {
	db := openTestDB(t)
	exec := testExecutor(t, db, 0, nil)

	_, err := db.Exec(`INSERT INTO t_order VALUES (1, 'stale', 0), (2, 'doomed', 0)`)
	require.NoError(t, err)

	group := &merge.GroupedRecords{
		Table:       "t_order",
		BatchDelete: []*record.DataRecord{orderDel(2)},
		BatchInsert: []*record.DataRecord{orderIns(10, "new", 1), orderIns(11, "new", 2)},
		BatchUpdate: []*record.DataRecord{orderUpd(1, "fresh")},
	}
	require.NoError(t, exec.Flush(context.Background(), group))

	assert.Equal(t, 3, countOrders(t, db))
	assert.Equal(t, "fresh", orderStatus(t, db, 1))
	assert.Equal(t, "new", orderStatus(t, db, 10))

	var gone int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM t_order WHERE id = 2`).Scan(&gone))
	assert.Zero(t, gone)
}

func TestExecutorFlushNonBatch(t *testing.T) {
	db := openTestDB(t)
	exec := testExecutor(t, db, 0, nil)

	group := &merge.GroupedRecords{
		Table:    "t_order",
		NonBatch: []*record.DataRecord{orderIns(1, "solo", 5)},
	}
	require.NoError(t, exec.Flush(context.Background(), group))
	assert.Equal(t, "solo", orderStatus(t, db, 1))
}

func TestExecutorNonBatchReplaysInOrder(t *testing.T) {
	db := openTestDB(t)
	exec := testExecutor(t, db, 0, nil)

	_, err := db.Exec(`INSERT INTO t_order VALUES (1, 'old', 0)`)
	require.NoError(t, err)

	// Demoted records replay strictly in arrival order on one connection.
	group := &merge.GroupedRecords{
		Table: "t_order",
		NonBatch: []*record.DataRecord{
			orderDel(1),
			orderIns(1, "reborn", 1),
			orderUpd(1, "settled"),
		},
	}
	require.NoError(t, exec.Flush(context.Background(), group))
	assert.Equal(t, 1, countOrders(t, db))
	assert.Equal(t, "settled", orderStatus(t, db, 1))
}

func TestExecutorDeleteThenInsertSameKey(t *testing.T) {
	db := openTestDB(t)
	exec := testExecutor(t, db, 0, nil)

	_, err := db.Exec(`INSERT INTO t_order VALUES (1, 'old', 0)`)
	require.NoError(t, err)

	// Delete must run before insert or the key collides.
	group := &merge.GroupedRecords{
		Table:       "t_order",
		BatchDelete: []*record.DataRecord{orderDel(1)},
		BatchInsert: []*record.DataRecord{orderIns(1, "reborn", 1)},
	}
	require.NoError(t, exec.Flush(context.Background(), group))
	assert.Equal(t, "reborn", orderStatus(t, db, 1))
}

func TestExecutorRetriesStorageErrors(t *testing.T) {
	db := openTestDB(t)
	var sleeps []time.Duration
	exec := testExecutor(t, db, 2, &sleeps)

	group := &merge.GroupedRecords{
		Table: "t_missing",
		BatchInsert: []*record.DataRecord{{
			Type:  record.Insert,
			Table: "t_missing",
			Columns: []record.Column{
				{Name: "id", Value: int64(1), UniqueKey: true, Updated: true},
			},
		}},
	}

	err := exec.Flush(context.Background(), group)
	var exhausted *RetryExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, sleeps)
}

func TestExecutorDoesNotRetryBuildErrors(t *testing.T) {
	db := openTestDB(t)
	var sleeps []time.Duration
	exec := testExecutor(t, db, 5, &sleeps)

	// Update without key or sharding columns cannot be matched to a row.
	group := &merge.GroupedRecords{
		Table: "t_order",
		BatchUpdate: []*record.DataRecord{{
			Type:  record.Update,
			Table: "t_order",
			Columns: []record.Column{
				{Name: "status", Value: "x", Updated: true},
			},
		}},
	}

	err := exec.Flush(context.Background(), group)
	var buildErr *sqlgen.BuildError
	require.ErrorAs(t, err, &buildErr)
	assert.Empty(t, sleeps)
}

func TestExecutorNonBatchFailsFast(t *testing.T) {
	db := openTestDB(t)
	var sleeps []time.Duration
	exec := testExecutor(t, db, 5, &sleeps)

	group := &merge.GroupedRecords{
		Table: "t_missing",
		NonBatch: []*record.DataRecord{{
			Type:  record.Insert,
			Table: "t_missing",
			Columns: []record.Column{
				{Name: "id", Value: int64(1), UniqueKey: true, Updated: true},
			},
		}},
	}

	err := exec.Flush(context.Background(), group)
	var writeErr *WriteError
	require.ErrorAs(t, err, &writeErr)
	assert.Equal(t, "t_missing", writeErr.Table)
	assert.Equal(t, record.Insert, writeErr.Op)
	assert.Empty(t, sleeps)
}

func TestExecutorBucketLargerThanBurst(t *testing.T) {
	db := openTestDB(t)
	exec, err := NewExecutor(db, testBuilder(t), ratelimit.NewQPSLimiter(ratelimit.Config{
		InsertQPS: 5,
	}), ExecutorOptions{})
	require.NoError(t, err)
	t.Cleanup(exec.Close)

	// An insert bucket with more rows than the per-second budget must be
	// throttled across refills, not rejected outright.
	group := &merge.GroupedRecords{Table: "t_order"}
	for id := int64(1); id <= 8; id++ {
		group.BatchInsert = append(group.BatchInsert, orderIns(id, "bulk", id))
	}

	start := time.Now()
	require.NoError(t, exec.Flush(context.Background(), group))
	assert.GreaterOrEqual(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, 8, countOrders(t, db))
}

func TestExecutorRedeliveredUpdateTolerated(t *testing.T) {
	db := openTestDB(t)
	exec := testExecutor(t, db, 0, nil)

	group := &merge.GroupedRecords{
		Table:       "t_order",
		BatchUpdate: []*record.DataRecord{orderUpd(42, "ghost")},
	}
	// No row 42 exists, so the update touches nothing. That is logged,
	// not treated as a write failure.
	require.NoError(t, exec.Flush(context.Background(), group))
	assert.Zero(t, countOrders(t, db))
}

func TestExecutorRedeliveredDeleteTolerated(t *testing.T) {
	db := openTestDB(t)
	exec := testExecutor(t, db, 0, nil)

	group := &merge.GroupedRecords{
		Table:       "t_order",
		BatchDelete: []*record.DataRecord{orderDel(99)},
	}
	// Row already gone; a redelivered window must still succeed.
	require.NoError(t, exec.Flush(context.Background(), group))
}

func TestBackoffDelay(t *testing.T) {
	assert.Equal(t, time.Second, backoffDelay(0))
	assert.Equal(t, 2*time.Second, backoffDelay(1))
	assert.Equal(t, 256*time.Second, backoffDelay(8))
	assert.Equal(t, 5*time.Minute, backoffDelay(9))
	assert.Equal(t, 5*time.Minute, backoffDelay(40))
}
