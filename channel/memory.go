package channel

import (
	"context"
	"sync"
	"time"

	"github.com/jizhuozhi/go-future"

	"github.com/sluicedb/sluice/record"
)

type memoryPending struct {
	rec     record.Record
	promise *future.Promise[error]
}

// MemoryChannel is an in-process channel. Producers receive a future per
// pushed record that resolves when the record's window is acked, giving the
// capture side end-to-end completion without polling.
type MemoryChannel struct {
	mu       sync.Mutex
	queue    []*memoryPending
	inFlight map[uint64]*memoryPending
	nextSeq  uint64
	closed   bool

	signal chan struct{}
}

// NewMemoryChannel creates an empty in-process channel.
func NewMemoryChannel() *MemoryChannel {
	return &MemoryChannel{
		inFlight: make(map[uint64]*memoryPending),
		signal:   make(chan struct{}, 1),
	}
}

// Push enqueues a record and returns a future resolved at ack time.
// The channel assigns the record's sequence number.
func (c *MemoryChannel) Push(rec record.Record) (*future.Future[error], error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.nextSeq++
	switch r := rec.(type) {
	case *record.DataRecord:
		r.Seq = c.nextSeq
	case *record.FinishedRecord:
		r.Seq = c.nextSeq
	}
	p := future.NewPromise[error]()
	c.queue = append(c.queue, &memoryPending{rec: rec, promise: p})
	c.mu.Unlock()

	select {
	case c.signal <- struct{}{}:
	default:
	}
	return p.Future(), nil
}

// Fetch takes up to maxCount queued records, waiting up to timeout for the
// first one.
func (c *MemoryChannel) Fetch(ctx context.Context, maxCount int, timeout time.Duration) ([]record.Record, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, ErrClosed
		}
		if len(c.queue) > 0 {
			n := len(c.queue)
			if n > maxCount {
				n = maxCount
			}
			taken := c.queue[:n]
			c.queue = c.queue[n:]
			out := make([]record.Record, n)
			for i, p := range taken {
				out[i] = p.rec
				c.inFlight[seqOf(p.rec)] = p
			}
			c.mu.Unlock()
			return out, nil
		}
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, nil
		case <-c.signal:
		}
	}
}

// Ack resolves the futures of every acked record.
func (c *MemoryChannel) Ack(records []record.Record) error {
	c.mu.Lock()
	resolved := make([]*memoryPending, 0, len(records))
	for _, rec := range records {
		if p, ok := c.inFlight[seqOf(rec)]; ok {
			delete(c.inFlight, seqOf(rec))
			resolved = append(resolved, p)
		}
	}
	c.mu.Unlock()

	for _, p := range resolved {
		p.promise.Set(nil, nil)
	}
	return nil
}

// Close fails the futures of everything still queued or in flight.
func (c *MemoryChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	orphans := make([]*memoryPending, 0, len(c.queue)+len(c.inFlight))
	orphans = append(orphans, c.queue...)
	for _, p := range c.inFlight {
		orphans = append(orphans, p)
	}
	c.queue = nil
	c.inFlight = make(map[uint64]*memoryPending)
	c.mu.Unlock()

	for _, p := range orphans {
		p.promise.Set(nil, ErrClosed)
	}

	select {
	case c.signal <- struct{}{}:
	default:
	}
	return nil
}

func seqOf(rec record.Record) uint64 {
	switch r := rec.(type) {
	case *record.DataRecord:
		return r.Seq
	case *record.FinishedRecord:
		return r.Seq
	default:
		return 0
	}
}
