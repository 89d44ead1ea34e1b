// Package merge compacts a window of row-change records into the minimal
// equivalent operation set and partitions it into batchable buckets.
//
// Grouping is a pure function: no state survives across windows, and
// concurrent importer workers can call Group without coordination.
package merge

import (
	"github.com/sluicedb/sluice/record"
)

// GroupedRecords is the compacted output for one logical table. Replaying
// BatchDelete, BatchInsert, BatchUpdate then NonBatch (in that order)
// reproduces the same final row states as sequential replay of the original
// window. Deletes flush first so an INSERT can reuse a key a DELETE in the
// same window just freed.
type GroupedRecords struct {
	Table       string
	BatchDelete []*record.DataRecord
	BatchInsert []*record.DataRecord
	BatchUpdate []*record.DataRecord
	NonBatch    []*record.DataRecord
}

type entry struct {
	rec     *record.DataRecord
	dropped bool
	demoted bool
}

type keyGroup struct {
	entries []*entry
	last    *entry
	// mixed is set when the group holds surviving records of more than one
	// change type (the DELETE→INSERT re-insertion pair). Any further record
	// on a mixed key is an uncovered straddle and demotes the whole group.
	mixed   bool
	demoted bool
}

type tableState struct {
	table   string
	entries []*entry
	groups  map[string]*keyGroup
}

// Group compacts one fetched window. Records must be passed in arrival
// order; the result holds one GroupedRecords per table, in first-seen table
// order.
func Group(records []*record.DataRecord) []*GroupedRecords {
	tables := make(map[string]*tableState)
	var order []*tableState

	for _, rec := range records {
		ts, ok := tables[rec.Table]
		if !ok {
			ts = &tableState{table: rec.Table, groups: make(map[string]*keyGroup)}
			tables[rec.Table] = ts
			order = append(order, ts)
		}
		ts.add(rec)
	}

	out := make([]*GroupedRecords, 0, len(order))
	for _, ts := range order {
		out = append(out, ts.partition())
	}
	return out
}

func (ts *tableState) group(key string) *keyGroup {
	g, ok := ts.groups[key]
	if !ok {
		g = &keyGroup{}
		ts.groups[key] = g
	}
	return g
}

func (ts *tableState) append(g *keyGroup, rec *record.DataRecord) *entry {
	e := &entry{rec: rec}
	ts.entries = append(ts.entries, e)
	g.entries = append(g.entries, e)
	return e
}

func (g *keyGroup) demoteAll() {
	g.demoted = true
	for _, e := range g.entries {
		if !e.dropped {
			e.demoted = true
		}
	}
}

func (ts *tableState) add(rec *record.DataRecord) {
	if len(rec.UniqueKeyColumns()) == 0 {
		// No key, no merge identity: apply sequentially in arrival order.
		ts.entries = append(ts.entries, &entry{rec: rec, demoted: true})
		return
	}
	switch rec.Type {
	case record.Insert:
		ts.addInsert(rec)
	case record.Update:
		ts.addUpdate(rec)
	case record.Delete:
		ts.addDelete(rec)
	}
}

func (ts *tableState) addInsert(rec *record.DataRecord) {
	g := ts.group(rec.NewKey())
	if g.demoted || g.mixed {
		e := ts.append(g, rec)
		g.demoteAll()
		g.last = e
		return
	}
	if g.last == nil {
		g.last = ts.append(g, rec)
		return
	}
	switch g.last.rec.Type {
	case record.Delete:
		// Re-insertion of a key deleted in the same window: an ordered,
		// independent pair. The DELETE bucket flushes before INSERT.
		e := ts.append(g, rec)
		g.last = e
		g.mixed = true
	default:
		// INSERT or UPDATE followed by INSERT on the same key is not a
		// covered fold; compacting it would lose a conflict.
		e := ts.append(g, rec)
		g.demoteAll()
		g.last = e
	}
}

func (ts *tableState) addUpdate(rec *record.DataRecord) {
	g := ts.group(rec.OldKey())

	if rec.IsKeyChanging() {
		// The statement for the old key and any statement for the new key
		// must execute in arrival order; demote every record either key
		// touches, now and for the rest of the window.
		e := ts.append(g, rec)
		e.demoted = true
		g.demoteAll()
		g.last = e
		gNew := ts.group(rec.NewKey())
		if gNew != g {
			gNew.entries = append(gNew.entries, e)
			gNew.demoteAll()
		}
		return
	}

	if g.demoted || g.mixed {
		e := ts.append(g, rec)
		g.demoteAll()
		g.last = e
		return
	}
	if g.last == nil {
		g.last = ts.append(g, rec)
		return
	}
	switch g.last.rec.Type {
	case record.Insert:
		// The INSERT never reached the store as its own statement, so the
		// pair compacts to a single INSERT carrying the updated values.
		g.last.rec = foldInsertUpdate(g.last.rec, rec)
	case record.Update:
		g.last.rec = foldUpdateUpdate(g.last.rec, rec)
	case record.Delete:
		e := ts.append(g, rec)
		g.demoteAll()
		g.last = e
	}
}

func (ts *tableState) addDelete(rec *record.DataRecord) {
	g := ts.group(rec.OldKey())
	if g.demoted || g.mixed {
		e := ts.append(g, rec)
		g.demoteAll()
		g.last = e
		return
	}
	if g.last == nil {
		g.last = ts.append(g, rec)
		return
	}
	switch g.last.rec.Type {
	case record.Insert:
		// INSERT then DELETE on a key with no other traffic cancels out:
		// the row never needs to be written.
		g.last.dropped = true
		g.entries = g.entries[:0]
		g.last = nil
	default:
		e := ts.append(g, rec)
		g.demoteAll()
		g.last = e
	}
}

// foldInsertUpdate collapses INSERT followed by UPDATE on the same key into
// one INSERT carrying the post-update values.
func foldInsertUpdate(ins, upd *record.DataRecord) *record.DataRecord {
	merged := &record.DataRecord{Type: record.Insert, Table: ins.Table, Seq: ins.Seq}
	merged.Columns = make([]record.Column, len(ins.Columns))
	copy(merged.Columns, ins.Columns)
	for _, uc := range upd.Columns {
		if !uc.Updated {
			continue
		}
		for i := range merged.Columns {
			if merged.Columns[i].Name == uc.Name {
				merged.Columns[i].Value = uc.Value
				break
			}
		}
	}
	return merged
}

// foldUpdateUpdate collapses two UPDATEs on the same key: old values stay
// those of the first record (the predicate must match the pre-window row
// state), new values come from the latest.
func foldUpdateUpdate(first, second *record.DataRecord) *record.DataRecord {
	merged := &record.DataRecord{Type: record.Update, Table: first.Table, Seq: first.Seq}
	merged.Columns = make([]record.Column, len(first.Columns))
	copy(merged.Columns, first.Columns)
	for _, uc := range second.Columns {
		if !uc.Updated {
			continue
		}
		for i := range merged.Columns {
			if merged.Columns[i].Name == uc.Name {
				merged.Columns[i].Value = uc.Value
				merged.Columns[i].Updated = true
				break
			}
		}
	}
	return merged
}

// partition distributes surviving records into the batch buckets. Batched
// execution reuses one statement text per bucket, so records only batch with
// the first-seen shape of their change type; shape strays run in NonBatch.
func (ts *tableState) partition() *GroupedRecords {
	out := &GroupedRecords{Table: ts.table}
	shapes := make(map[record.ChangeType]uint64, 3)

	for _, e := range ts.entries {
		if e.dropped {
			continue
		}
		if e.demoted {
			out.NonBatch = append(out.NonBatch, e.rec)
			continue
		}
		shape := e.rec.ShapeHash()
		want, seen := shapes[e.rec.Type]
		if !seen {
			shapes[e.rec.Type] = shape
		} else if want != shape {
			out.NonBatch = append(out.NonBatch, e.rec)
			continue
		}
		switch e.rec.Type {
		case record.Insert:
			out.BatchInsert = append(out.BatchInsert, e.rec)
		case record.Update:
			out.BatchUpdate = append(out.BatchUpdate, e.rec)
		case record.Delete:
			out.BatchDelete = append(out.BatchDelete, e.rec)
		}
	}
	return out
}
