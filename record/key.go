package record

import (
	"encoding/base64"
	"fmt"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// NullSentinel represents NULL key values inside serialized group keys.
// The value cannot appear in base64 output, so NULLs never collide with data.
const NullSentinel = "\x00NULL\x00"

// keyPart serializes one key value deterministically. Byte and string values
// are base64-encoded to prevent separator collision; other scalar types use
// their default formatting.
func keyPart(v interface{}) string {
	if v == nil {
		return NullSentinel
	}
	switch x := v.(type) {
	case []byte:
		return "b64:" + base64.RawStdEncoding.EncodeToString(x)
	case string:
		return "b64:" + base64.RawStdEncoding.EncodeToString([]byte(x))
	default:
		return fmt.Sprintf("%v", x)
	}
}

// serializeKey builds "table:part:part:..." from unique-key column values.
// Columns are sorted by name so the key is independent of capture order.
func serializeKey(table string, keyCols []Column, old bool) string {
	if len(keyCols) == 0 {
		return ""
	}
	sorted := make([]Column, len(keyCols))
	copy(sorted, keyCols)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	parts := make([]string, 0, len(sorted)+1)
	parts = append(parts, table)
	for _, c := range sorted {
		v := c.Value
		if old && c.OldValue != nil {
			v = c.OldValue
		}
		parts = append(parts, keyPart(v))
	}
	return strings.Join(parts, ":")
}

// OldKey returns the pre-change identity of the record: unique-key columns
// using old values where captured. This is the key an UPDATE or DELETE
// predicate will match against the store.
func (r *DataRecord) OldKey() string {
	return serializeKey(r.Table, r.UniqueKeyColumns(), true)
}

// NewKey returns the post-change identity: unique-key columns using new
// values. For INSERT this is the only identity; for a key-changing UPDATE it
// differs from OldKey.
func (r *DataRecord) NewKey() string {
	return serializeKey(r.Table, r.UniqueKeyColumns(), false)
}

// IsKeyChanging reports whether an UPDATE reassigns a unique-key column to a
// different value. Such records cannot be folded or batched: a batched
// statement referencing the old key would reorder against one referencing
// the new key.
func (r *DataRecord) IsKeyChanging() bool {
	if r.Type != Update {
		return false
	}
	for _, c := range r.Columns {
		if c.UniqueKey && c.Updated && c.OldValue != nil && keyPart(c.OldValue) != keyPart(c.Value) {
			return true
		}
	}
	return false
}

// ShapeHash returns an XXH64 fingerprint of the record's statement shape:
// change type, table, column names and key/updated flags. Records sharing a
// shape hash can share one prepared statement text.
func (r *DataRecord) ShapeHash() uint64 {
	h := xxhash.New()
	h.WriteString(r.Type.String())
	h.Write([]byte{0})
	h.WriteString(r.Table)
	for _, c := range r.Columns {
		h.Write([]byte{0})
		h.WriteString(c.Name)
		var flags byte
		if c.UniqueKey {
			flags |= 1
		}
		if c.Updated {
			flags |= 2
		}
		h.Write([]byte{flags})
	}
	return h.Sum64()
}
