package merge

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sluicedb/sluice/record"
)

func ins(key int64, val string) *record.DataRecord {
	return &record.DataRecord{Type: record.Insert, Table: "t", Columns: []record.Column{
		{Name: "id", Value: key, UniqueKey: true},
		{Name: "val", Value: val},
	}}
}

func upd(key int64, oldVal, newVal string) *record.DataRecord {
	return &record.DataRecord{Type: record.Update, Table: "t", Columns: []record.Column{
		{Name: "id", Value: key, OldValue: key, UniqueKey: true},
		{Name: "val", Value: newVal, OldValue: oldVal, Updated: true},
	}}
}

func keyUpd(oldKey, newKey int64, val string) *record.DataRecord {
	return &record.DataRecord{Type: record.Update, Table: "t", Columns: []record.Column{
		{Name: "id", Value: newKey, OldValue: oldKey, UniqueKey: true, Updated: true},
		{Name: "val", Value: val, OldValue: val, Updated: true},
	}}
}

func del(key int64, oldVal string) *record.DataRecord {
	return &record.DataRecord{Type: record.Delete, Table: "t", Columns: []record.Column{
		{Name: "id", Value: key, OldValue: key, UniqueKey: true},
		{Name: "val", OldValue: oldVal},
	}}
}

func colValue(r *record.DataRecord, name string) interface{} {
	c, _ := r.Col(name)
	return c.Value
}

func TestGroupConcreteScenario(t *testing.T) {
	// INSERT(k=1,v=A), UPDATE(k=1,A→B), DELETE(k=2), INSERT(k=2,v=C)
	groups := Group([]*record.DataRecord{
		ins(1, "A"),
		upd(1, "A", "B"),
		del(2, "X"),
		ins(2, "C"),
	})

	require.Len(t, groups, 1)
	g := groups[0]
	require.Len(t, g.BatchDelete, 1)
	require.Len(t, g.BatchInsert, 2)
	assert.Empty(t, g.BatchUpdate)
	assert.Empty(t, g.NonBatch)

	assert.Equal(t, int64(2), colValue(g.BatchDelete[0], "id"))
	assert.Equal(t, "B", colValue(g.BatchInsert[0], "val"))
	assert.Equal(t, "C", colValue(g.BatchInsert[1], "val"))
}

func TestInsertDeleteCancels(t *testing.T) {
	groups := Group([]*record.DataRecord{ins(1, "A"), del(1, "A")})

	require.Len(t, groups, 1)
	g := groups[0]
	assert.Empty(t, g.BatchInsert)
	assert.Empty(t, g.BatchDelete)
	assert.Empty(t, g.BatchUpdate)
	assert.Empty(t, g.NonBatch)
}

func TestInsertAfterCancelStandsAlone(t *testing.T) {
	groups := Group([]*record.DataRecord{ins(1, "A"), del(1, "A"), ins(1, "B")})

	require.Len(t, groups, 1)
	g := groups[0]
	require.Len(t, g.BatchInsert, 1)
	assert.Equal(t, "B", colValue(g.BatchInsert[0], "val"))
	assert.Empty(t, g.NonBatch)
}

func TestUpdateUpdateFoldsOldFromFirstNewFromLatest(t *testing.T) {
	groups := Group([]*record.DataRecord{upd(1, "A", "B"), upd(1, "B", "C")})

	require.Len(t, groups, 1)
	g := groups[0]
	require.Len(t, g.BatchUpdate, 1)

	val, _ := g.BatchUpdate[0].Col("val")
	assert.Equal(t, "C", val.Value)
	assert.Equal(t, "A", val.OldValue)
}

func TestKeyChangingUpdateDemotesBothKeys(t *testing.T) {
	// Records touching k=1 and k=2 around a 1→2 key move must all stay in
	// arrival order.
	recs := []*record.DataRecord{
		ins(1, "A"),
		keyUpd(1, 2, "A"),
		ins(1, "B"),
	}
	groups := Group(recs)

	require.Len(t, groups, 1)
	g := groups[0]
	assert.Empty(t, g.BatchInsert)
	assert.Empty(t, g.BatchUpdate)
	require.Len(t, g.NonBatch, 3)
	assert.Equal(t, record.Insert, g.NonBatch[0].Type)
	assert.Equal(t, record.Update, g.NonBatch[1].Type)
	assert.True(t, g.NonBatch[1].IsKeyChanging())
	assert.Equal(t, record.Insert, g.NonBatch[2].Type)
}

func TestKeyChangingUpdateConflictsWithNewKeyGroup(t *testing.T) {
	recs := []*record.DataRecord{
		del(2, "Z"),
		keyUpd(1, 2, "A"),
	}
	groups := Group(recs)

	require.Len(t, groups, 1)
	g := groups[0]
	assert.Empty(t, g.BatchDelete)
	require.Len(t, g.NonBatch, 2)
	assert.Equal(t, record.Delete, g.NonBatch[0].Type)
	assert.Equal(t, record.Update, g.NonBatch[1].Type)
}

func TestDeleteInsertPairStaysOrdered(t *testing.T) {
	groups := Group([]*record.DataRecord{del(1, "A"), ins(1, "B")})

	require.Len(t, groups, 1)
	g := groups[0]
	require.Len(t, g.BatchDelete, 1)
	require.Len(t, g.BatchInsert, 1)
	assert.Empty(t, g.NonBatch)
}

func TestUpdateDeleteStraddleIsConservative(t *testing.T) {
	groups := Group([]*record.DataRecord{upd(1, "A", "B"), del(1, "B")})

	require.Len(t, groups, 1)
	g := groups[0]
	assert.Empty(t, g.BatchUpdate)
	assert.Empty(t, g.BatchDelete)
	require.Len(t, g.NonBatch, 2)
	assert.Equal(t, record.Update, g.NonBatch[0].Type)
	assert.Equal(t, record.Delete, g.NonBatch[1].Type)
}

func TestShapeMismatchDemoted(t *testing.T) {
	partial := &record.DataRecord{Type: record.Insert, Table: "t", Columns: []record.Column{
		{Name: "id", Value: int64(9), UniqueKey: true},
	}}
	groups := Group([]*record.DataRecord{ins(1, "A"), partial, ins(2, "B")})

	require.Len(t, groups, 1)
	g := groups[0]
	require.Len(t, g.BatchInsert, 2)
	require.Len(t, g.NonBatch, 1)
	assert.Equal(t, int64(9), colValue(g.NonBatch[0], "id"))
}

func TestKeylessRecordsRunSequentially(t *testing.T) {
	keyless := &record.DataRecord{Type: record.Insert, Table: "t", Columns: []record.Column{
		{Name: "val", Value: "x"},
	}}
	groups := Group([]*record.DataRecord{keyless, ins(1, "A")})

	require.Len(t, groups, 1)
	g := groups[0]
	require.Len(t, g.NonBatch, 1)
	require.Len(t, g.BatchInsert, 1)
}

func TestGroupSplitsPerTable(t *testing.T) {
	other := &record.DataRecord{Type: record.Insert, Table: "u", Columns: []record.Column{
		{Name: "id", Value: int64(1), UniqueKey: true},
	}}
	groups := Group([]*record.DataRecord{ins(1, "A"), other})

	require.Len(t, groups, 2)
	assert.Equal(t, "t", groups[0].Table)
	assert.Equal(t, "u", groups[1].Table)
}

// tableModel replays records against an in-memory row map keyed by id.
type tableModel map[int64]string

func (m tableModel) apply(r *record.DataRecord) {
	id, _ := r.Col("id")
	val, _ := r.Col("val")
	switch r.Type {
	case record.Insert:
		m[id.Value.(int64)] = val.Value.(string)
	case record.Update:
		oldID := id.Value.(int64)
		if id.OldValue != nil {
			oldID = id.OldValue.(int64)
		}
		if _, ok := m[oldID]; !ok {
			return
		}
		delete(m, oldID)
		m[id.Value.(int64)] = val.Value.(string)
	case record.Delete:
		oldID := id.Value.(int64)
		if id.OldValue != nil {
			oldID = id.OldValue.(int64)
		}
		delete(m, oldID)
	}
}

func replayGrouped(m tableModel, groups []*GroupedRecords) {
	for _, g := range groups {
		for _, r := range g.BatchDelete {
			m.apply(r)
		}
		for _, r := range g.BatchInsert {
			m.apply(r)
		}
		for _, r := range g.BatchUpdate {
			m.apply(r)
		}
		for _, r := range g.NonBatch {
			m.apply(r)
		}
	}
}

// TestGroupEquivalence generates random windows over a small key space and
// checks that bucket replay matches sequential replay.
func TestGroupEquivalence(t *testing.T) {
	const keySpace = 4

	for seed := int64(0); seed < 50; seed++ {
		rng := rand.New(rand.NewSource(seed))

		// Track live rows so generated records carry consistent old values.
		live := tableModel{}
		var window []*record.DataRecord
		for i := 0; i < 20; i++ {
			key := int64(rng.Intn(keySpace))
			cur, exists := live[key]
			next := fmt.Sprintf("v%d-%d", seed, i)
			switch {
			case !exists:
				window = append(window, ins(key, next))
			case rng.Intn(3) == 0:
				window = append(window, del(key, cur))
			default:
				window = append(window, upd(key, cur, next))
			}
			live.apply(window[len(window)-1])
		}

		sequential := tableModel{}
		for _, r := range window {
			sequential.apply(r)
		}

		grouped := tableModel{}
		groups := Group(window)
		replayGrouped(grouped, groups)

		require.Equal(t, sequential, grouped, "seed %d window diverged", seed)

		total := 0
		for _, g := range groups {
			total += len(g.BatchDelete) + len(g.BatchInsert) + len(g.BatchUpdate) + len(g.NonBatch)
		}
		assert.LessOrEqual(t, total, len(window))
	}
}

func TestGroupEquivalenceWithKeyMove(t *testing.T) {
	window := []*record.DataRecord{
		ins(1, "A"),
		upd(1, "A", "B"),
		keyUpd(1, 3, "B"),
		ins(1, "C"),
		del(2, "old"),
	}

	sequential := tableModel{2: "old"}
	for _, r := range window {
		sequential.apply(r)
	}

	grouped := tableModel{2: "old"}
	replayGrouped(grouped, Group(window))

	assert.Equal(t, sequential, grouped)
}
