// Package ratelimit throttles write throughput per change type. The limiter
// is the importer's only backpressure mechanism against the target store:
// every flush passes through Intercept before touching a connection.
package ratelimit

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/sluicedb/sluice/record"
)

// Limiter throttles one operation type. Intercept blocks until the operation
// may proceed or ctx is cancelled, so a stop request interrupts a waiting
// flush instead of letting it start.
type Limiter interface {
	Intercept(ctx context.Context, op record.ChangeType, weight int) error
}

// Config holds per-change-type ceilings in operations per second.
// A zero value means unlimited for that type.
type Config struct {
	InsertQPS float64
	UpdateQPS float64
	DeleteQPS float64
}

// QPSLimiter enforces token-bucket ceilings per change type. Safe for
// concurrent use across importer workers sharing one target.
type QPSLimiter struct {
	insert *rate.Limiter
	update *rate.Limiter
	delete *rate.Limiter
}

// NewQPSLimiter builds a limiter from per-type QPS ceilings.
func NewQPSLimiter(cfg Config) *QPSLimiter {
	mk := func(qps float64) *rate.Limiter {
		if qps <= 0 {
			return nil
		}
		burst := int(qps)
		if burst < 1 {
			burst = 1
		}
		return rate.NewLimiter(rate.Limit(qps), burst)
	}
	return &QPSLimiter{insert: mk(cfg.InsertQPS), update: mk(cfg.UpdateQPS), delete: mk(cfg.DeleteQPS)}
}

// Intercept waits for weight tokens of the given operation type. Weights
// larger than the bucket's burst are drained in burst-sized chunks, so a
// big batch waits longer instead of failing outright.
func (l *QPSLimiter) Intercept(ctx context.Context, op record.ChangeType, weight int) error {
	var lim *rate.Limiter
	switch op {
	case record.Insert:
		lim = l.insert
	case record.Update:
		lim = l.update
	case record.Delete:
		lim = l.delete
	}
	if lim == nil {
		return nil
	}
	for weight > 0 {
		n := weight
		if burst := lim.Burst(); n > burst {
			n = burst
		}
		if err := lim.WaitN(ctx, n); err != nil {
			return err
		}
		weight -= n
	}
	return nil
}

// Unlimited is a no-op limiter for targets without throughput ceilings.
type Unlimited struct{}

func (Unlimited) Intercept(context.Context, record.ChangeType, int) error { return nil }
