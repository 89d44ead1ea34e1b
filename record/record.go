package record

// ChangeType identifies the kind of row mutation a DataRecord carries.
// It is a closed set: every switch over it must handle all three values
// so a new change type surfaces as a compile-visible gap.
type ChangeType uint8

const (
	Insert ChangeType = iota + 1
	Update
	Delete
)

func (t ChangeType) String() string {
	switch t {
	case Insert:
		return "INSERT"
	case Update:
		return "UPDATE"
	case Delete:
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}

// Column is one column of a captured row change. Value holds the post-change
// value, OldValue the pre-change value (populated for UPDATE/DELETE and for
// match-key columns). UniqueKey marks columns that form the row identity,
// Updated marks columns actually assigned by an UPDATE.
type Column struct {
	Name      string
	Value     interface{}
	OldValue  interface{}
	UniqueKey bool
	Updated   bool
}

// Record is an entry delivered by a pipeline channel: either a *DataRecord
// or a *FinishedRecord sentinel.
type Record interface {
	record()
}

// DataRecord describes a single captured row mutation. Records are treated
// as immutable once handed to the importer; the merger produces new records
// instead of mutating folded ones. Seq is assigned by the channel and totally
// orders records within one fetched window.
type DataRecord struct {
	Type    ChangeType
	Table   string
	Seq     uint64
	Columns []Column
}

func (*DataRecord) record() {}

// FinishedRecord signals end-of-stream. Once it is the last record of a
// fetched window, the importer flushes, acks and exits.
type FinishedRecord struct {
	Seq uint64
}

func (*FinishedRecord) record() {}

// Col returns the named column.
func (r *DataRecord) Col(name string) (Column, bool) {
	for _, c := range r.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// UniqueKeyColumns returns the columns flagged as unique key, in record order.
func (r *DataRecord) UniqueKeyColumns() []Column {
	out := make([]Column, 0, 2)
	for _, c := range r.Columns {
		if c.UniqueKey {
			out = append(out, c)
		}
	}
	return out
}

// UpdatedColumns returns the columns assigned by an UPDATE, in record order.
func (r *DataRecord) UpdatedColumns() []Column {
	out := make([]Column, 0, len(r.Columns))
	for _, c := range r.Columns {
		if c.Updated {
			out = append(out, c)
		}
	}
	return out
}

// ConditionColumns returns the columns used in UPDATE/DELETE predicates:
// the unique-key columns plus any configured sharding columns for the table.
func (r *DataRecord) ConditionColumns(shardingColumns map[string]struct{}) []Column {
	out := make([]Column, 0, 2)
	for _, c := range r.Columns {
		if c.UniqueKey {
			out = append(out, c)
			continue
		}
		if _, ok := shardingColumns[c.Name]; ok {
			out = append(out, c)
		}
	}
	return out
}
