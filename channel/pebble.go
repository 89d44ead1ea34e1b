package channel

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/klauspost/compress/s2"
	"github.com/rs/zerolog/log"

	"github.com/sluicedb/sluice/record"
)

// Key layout, sorted so the un-acked suffix is one contiguous range scan.
const (
	pebblePrefixRec  = "/rec/"        // /rec/{seq:016x}
	pebbleKeyCursor  = "/meta/cursor" // last acked seq, big-endian uint64
	pebbleKeyNextSeq = "/meta/next"   // next seq to assign
)

// PebbleChannel is a durable staging log. Pushed records survive restarts;
// on open, delivery resumes from the persisted ack cursor so records fetched
// but not acked before a crash are redelivered (at-least-once). Envelopes
// are msgpack-encoded and s2-compressed.
type PebbleChannel struct {
	db *pebble.DB

	mu      sync.Mutex
	nextSeq uint64
	readPos uint64 // next seq to deliver
	closed  bool

	signal chan struct{}
}

// OpenPebbleChannel opens or creates a staging log at dir.
func OpenPebbleChannel(dir string) (*PebbleChannel, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open staging log: %w", err)
	}

	c := &PebbleChannel{db: db, signal: make(chan struct{}, 1)}
	cursor, err := c.readMetaSeq(pebbleKeyCursor)
	if err != nil {
		db.Close()
		return nil, err
	}
	next, err := c.readMetaSeq(pebbleKeyNextSeq)
	if err != nil {
		db.Close()
		return nil, err
	}
	c.readPos = cursor + 1
	c.nextSeq = next
	if c.nextSeq <= cursor {
		c.nextSeq = cursor
	}

	if c.nextSeq > cursor {
		log.Info().
			Str("dir", dir).
			Uint64("acked", cursor).
			Uint64("staged", c.nextSeq).
			Msg("Staging log reopened with un-acked records, redelivering")
	}
	return c, nil
}

func (c *PebbleChannel) readMetaSeq(key string) (uint64, error) {
	val, closer, err := c.db.Get([]byte(key))
	if err == pebble.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer closer.Close()
	if len(val) != 8 {
		return 0, fmt.Errorf("corrupt meta key %s: %d bytes", key, len(val))
	}
	return binary.BigEndian.Uint64(val), nil
}

func recKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%016x", pebblePrefixRec, seq))
}

func seqBytes(seq uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], seq)
	return b[:]
}

// Push appends a record to the staging log. The write is synced: once Push
// returns, the record survives a crash.
func (c *PebbleChannel) Push(rec record.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	c.nextSeq++
	seq := c.nextSeq
	switch r := rec.(type) {
	case *record.DataRecord:
		r.Seq = seq
	case *record.FinishedRecord:
		r.Seq = seq
	}

	data, err := record.Encode(rec)
	if err != nil {
		return err
	}

	batch := c.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(recKey(seq), s2.Encode(nil, data), nil); err != nil {
		return err
	}
	if err := batch.Set([]byte(pebbleKeyNextSeq), seqBytes(seq), nil); err != nil {
		return err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return err
	}

	select {
	case c.signal <- struct{}{}:
	default:
	}
	return nil
}

// Fetch scans the un-acked suffix from the delivery position.
func (c *PebbleChannel) Fetch(ctx context.Context, maxCount int, timeout time.Duration) ([]record.Record, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		recs, err := c.scan(maxCount)
		if err != nil {
			return nil, err
		}
		if len(recs) > 0 {
			return recs, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, nil
		case <-c.signal:
		}
	}
}

func (c *PebbleChannel) scan(maxCount int) ([]record.Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.readPos > c.nextSeq {
		return nil, nil
	}

	iter, err := c.db.NewIter(&pebble.IterOptions{
		LowerBound: recKey(c.readPos),
		UpperBound: []byte(pebblePrefixRec + "\xff"),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []record.Record
	for valid := iter.First(); valid && len(out) < maxCount; valid = iter.Next() {
		data, err := s2.Decode(nil, iter.Value())
		if err != nil {
			return nil, fmt.Errorf("corrupt staging entry %s: %w", iter.Key(), err)
		}
		rec, err := record.Decode(data)
		if err != nil {
			return nil, fmt.Errorf("corrupt staging entry %s: %w", iter.Key(), err)
		}
		out = append(out, rec)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	if len(out) > 0 {
		c.readPos = seqOf(out[len(out)-1]) + 1
	}
	return out, nil
}

// Ack persists the cursor past the acked window and drops its entries.
// Windows are acked in fetch order, so the cursor only moves forward.
func (c *PebbleChannel) Ack(records []record.Record) error {
	if len(records) == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	var maxSeq uint64
	for _, rec := range records {
		if s := seqOf(rec); s > maxSeq {
			maxSeq = s
		}
	}

	batch := c.db.NewBatch()
	defer batch.Close()
	if err := batch.Set([]byte(pebbleKeyCursor), seqBytes(maxSeq), nil); err != nil {
		return err
	}
	if err := batch.DeleteRange([]byte(pebblePrefixRec), recKey(maxSeq+1), nil); err != nil {
		return err
	}
	return batch.Commit(pebble.Sync)
}

// Close closes the underlying store. Un-acked records stay staged and are
// redelivered on the next open.
func (c *PebbleChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	select {
	case c.signal <- struct{}{}:
	default:
	}
	return c.db.Close()
}
