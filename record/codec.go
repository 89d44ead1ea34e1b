package record

import (
	"fmt"

	"github.com/sluicedb/sluice/encoding"
)

const (
	envelopeData     = 0
	envelopeFinished = 1
)

// envelope is the wire form of a Record for durable and networked channels.
type envelope struct {
	Kind    uint8       `msgpack:"k"`
	Seq     uint64      `msgpack:"s"`
	Type    uint8       `msgpack:"t,omitempty"`
	Table   string      `msgpack:"tb,omitempty"`
	Columns []envColumn `msgpack:"c,omitempty"`
}

type envColumn struct {
	Name      string      `msgpack:"n"`
	Value     interface{} `msgpack:"v"`
	OldValue  interface{} `msgpack:"o,omitempty"`
	UniqueKey bool        `msgpack:"uk,omitempty"`
	Updated   bool        `msgpack:"up,omitempty"`
}

// Encode serializes a Record to msgpack bytes.
func Encode(rec Record) ([]byte, error) {
	switch r := rec.(type) {
	case *DataRecord:
		env := envelope{
			Kind:    envelopeData,
			Seq:     r.Seq,
			Type:    uint8(r.Type),
			Table:   r.Table,
			Columns: make([]envColumn, len(r.Columns)),
		}
		for i, c := range r.Columns {
			env.Columns[i] = envColumn{Name: c.Name, Value: c.Value, OldValue: c.OldValue, UniqueKey: c.UniqueKey, Updated: c.Updated}
		}
		return encoding.Marshal(&env)
	case *FinishedRecord:
		return encoding.Marshal(&envelope{Kind: envelopeFinished, Seq: r.Seq})
	default:
		return nil, fmt.Errorf("encode record: unsupported type %T", rec)
	}
}

// Decode deserializes msgpack bytes produced by Encode.
func Decode(data []byte) (Record, error) {
	var env envelope
	if err := encoding.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	switch env.Kind {
	case envelopeFinished:
		return &FinishedRecord{Seq: env.Seq}, nil
	case envelopeData:
		rec := &DataRecord{
			Type:    ChangeType(env.Type),
			Table:   env.Table,
			Seq:     env.Seq,
			Columns: make([]Column, len(env.Columns)),
		}
		for i, c := range env.Columns {
			rec.Columns[i] = Column{Name: c.Name, Value: c.Value, OldValue: c.OldValue, UniqueKey: c.UniqueKey, Updated: c.Updated}
		}
		return rec, nil
	default:
		return nil, fmt.Errorf("decode record: unknown envelope kind %d", env.Kind)
	}
}
