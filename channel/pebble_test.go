package channel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sluicedb/sluice/record"
)

func TestPebbleChannelFetchAndAck(t *testing.T) {
	ch, err := OpenPebbleChannel(t.TempDir())
	require.NoError(t, err)
	defer ch.Close()

	require.NoError(t, ch.Push(dataRec("t_order", 1)))
	require.NoError(t, ch.Push(dataRec("t_order", 2)))
	require.NoError(t, ch.Push(&record.FinishedRecord{}))

	recs, err := ch.Fetch(context.Background(), 10, time.Second)
	require.NoError(t, err)
	require.Len(t, recs, 3)

	assert.IsType(t, &record.DataRecord{}, recs[0])
	assert.IsType(t, &record.FinishedRecord{}, recs[2])

	require.NoError(t, ch.Ack(recs))

	recs, err = ch.Fetch(context.Background(), 10, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestPebbleChannelPreservesColumnValues(t *testing.T) {
	ch, err := OpenPebbleChannel(t.TempDir())
	require.NoError(t, err)
	defer ch.Close()

	in := &record.DataRecord{
		Type:  record.Update,
		Table: "t_order",
		Columns: []record.Column{
			{Name: "id", Value: int64(7), OldValue: int64(7), UniqueKey: true},
			{Name: "status", Value: "shipped", OldValue: "pending", Updated: true},
			{Name: "note", Value: nil, OldValue: "x", Updated: true},
		},
	}
	require.NoError(t, ch.Push(in))

	recs, err := ch.Fetch(context.Background(), 1, time.Second)
	require.NoError(t, err)
	require.Len(t, recs, 1)

	out := recs[0].(*record.DataRecord)
	assert.Equal(t, record.Update, out.Type)
	assert.Equal(t, "t_order", out.Table)
	require.Len(t, out.Columns, 3)
	assert.Equal(t, int64(7), out.Columns[0].Value)
	assert.Equal(t, "shipped", out.Columns[1].Value)
	assert.Equal(t, "pending", out.Columns[1].OldValue)
	assert.Nil(t, out.Columns[2].Value)
}

func TestPebbleChannelRedeliversUnackedAfterReopen(t *testing.T) {
	dir := t.TempDir()

	ch, err := OpenPebbleChannel(dir)
	require.NoError(t, err)
	for i := 1; i <= 4; i++ {
		require.NoError(t, ch.Push(dataRec("t_order", i)))
	}

	recs, err := ch.Fetch(context.Background(), 2, time.Second)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.NoError(t, ch.Ack(recs))

	// Fetched but never acked before close.
	recs, err = ch.Fetch(context.Background(), 10, time.Second)
	require.NoError(t, err)
	require.Len(t, recs, 2)

	require.NoError(t, ch.Close())

	reopened, err := OpenPebbleChannel(dir)
	require.NoError(t, err)
	defer reopened.Close()

	redelivered, err := reopened.Fetch(context.Background(), 10, time.Second)
	require.NoError(t, err)
	require.Len(t, redelivered, 2)
	first, ok := redelivered[0].(*record.DataRecord).Col("id")
	require.True(t, ok)
	assert.Equal(t, int64(3), first.Value)
	second, ok := redelivered[1].(*record.DataRecord).Col("id")
	require.True(t, ok)
	assert.Equal(t, int64(4), second.Value)
}

func TestPebbleChannelAckedNotRedelivered(t *testing.T) {
	dir := t.TempDir()

	ch, err := OpenPebbleChannel(dir)
	require.NoError(t, err)
	require.NoError(t, ch.Push(dataRec("t_order", 1)))

	recs, err := ch.Fetch(context.Background(), 10, time.Second)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.NoError(t, ch.Ack(recs))
	require.NoError(t, ch.Close())

	reopened, err := OpenPebbleChannel(dir)
	require.NoError(t, err)
	defer reopened.Close()

	recs, err = reopened.Fetch(context.Background(), 10, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestPebbleChannelFetchWakesOnPush(t *testing.T) {
	ch, err := OpenPebbleChannel(t.TempDir())
	require.NoError(t, err)
	defer ch.Close()

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = ch.Push(dataRec("t_order", 1))
	}()

	recs, err := ch.Fetch(context.Background(), 10, 2*time.Second)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}
