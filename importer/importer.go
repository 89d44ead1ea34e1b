package importer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sluicedb/sluice/channel"
	"github.com/sluicedb/sluice/merge"
	"github.com/sluicedb/sluice/record"
	"github.com/sluicedb/sluice/telemetry"
)

// State is the importer lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ProgressListener receives a notification per applied window. Counts are
// taken before merging, so progress reflects what the source emitted rather
// than what compaction left over.
type ProgressListener interface {
	OnWindowApplied(records, inserts int)
}

// Config wires one importer.
type Config struct {
	Name         string
	Channel      channel.Channel
	Executor     *Executor
	Filter       *TableFilter
	Progress     ProgressListener
	BatchSize    int
	FetchTimeout time.Duration
}

// Importer drains a record channel into the target database: fetch a
// window, merge it, flush each table's buckets, ack. Acking after commit
// makes delivery at-least-once; merging keeps the replay equivalent to the
// original order.
type Importer struct {
	config Config

	lifecycleMu sync.Mutex // Protects Start/Stop lifecycle operations
	running     atomic.Bool
	state       atomic.Int32
	stopCh      chan struct{}
	doneCh      chan struct{}
	cancelRun   context.CancelFunc

	inFlight atomic.Int64

	errMu   sync.Mutex
	lastErr error
}

// New creates an importer. Call Start to begin draining.
func New(config Config) *Importer {
	if config.BatchSize <= 0 {
		config.BatchSize = 1000
	}
	if config.FetchTimeout <= 0 {
		config.FetchTimeout = 3 * time.Second
	}
	return &Importer{config: config}
}

// Name returns the importer's configured name.
func (imp *Importer) Name() string { return imp.config.Name }

// State returns the current lifecycle state.
func (imp *Importer) State() State { return State(imp.state.Load()) }

// Err returns the error that stopped the importer, if any.
func (imp *Importer) Err() error {
	imp.errMu.Lock()
	defer imp.errMu.Unlock()
	return imp.lastErr
}

// InFlight returns the records of the window currently being applied.
func (imp *Importer) InFlight() int {
	return int(imp.inFlight.Load())
}

// Start launches the drain loop.
func (imp *Importer) Start() {
	imp.lifecycleMu.Lock()
	defer imp.lifecycleMu.Unlock()

	if imp.running.Load() {
		return // Already running
	}

	imp.running.Store(true)
	imp.stopCh = make(chan struct{})
	imp.doneCh = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	imp.cancelRun = cancel

	log.Info().Str("importer", imp.config.Name).Msg("Starting importer")
	go imp.run(ctx)
}

// Stop halts the loop and waits for it to finish. Cancelling the run
// context interrupts an in-progress flush or backoff sleep; the fetched
// window stays un-acked and is redelivered on the next start.
func (imp *Importer) Stop() {
	imp.lifecycleMu.Lock()
	defer imp.lifecycleMu.Unlock()

	if !imp.running.Load() {
		return // Not running
	}

	log.Info().Str("importer", imp.config.Name).Msg("Stopping importer")
	imp.state.Store(int32(StateStopping))

	close(imp.stopCh)
	imp.cancelRun()
	<-imp.doneCh // Wait for goroutine to finish
	imp.running.Store(false)
	imp.state.Store(int32(StateStopped))

	log.Info().Str("importer", imp.config.Name).Msg("Importer stopped")
}

func (imp *Importer) run(ctx context.Context) {
	defer close(imp.doneCh)
	imp.state.Store(int32(StateRunning))

	for {
		select {
		case <-imp.stopCh:
			return
		default:
		}

		fetchStart := time.Now()
		recs, err := imp.config.Channel.Fetch(ctx, imp.config.BatchSize, imp.config.FetchTimeout)
		telemetry.FetchDurationSeconds.Observe(time.Since(fetchStart).Seconds())
		if err != nil {
			if errors.Is(err, channel.ErrClosed) || ctx.Err() != nil {
				return
			}
			log.Error().
				Err(err).
				Str("importer", imp.config.Name).
				Msg("Fetch failed")
			imp.fail(err)
			return
		}
		if len(recs) == 0 {
			continue
		}

		finished, err := imp.processWindow(ctx, recs)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().
				Err(err).
				Str("importer", imp.config.Name).
				Msg("Window apply failed, stopping")
			imp.fail(err)
			return
		}
		if finished {
			log.Info().Str("importer", imp.config.Name).Msg("Finish marker consumed, importer done")
			imp.state.Store(int32(StateStopped))
			return
		}
	}
}

// processWindow merges and applies one fetched window, then acks all of it,
// markers and filtered records included.
func (imp *Importer) processWindow(ctx context.Context, recs []record.Record) (bool, error) {
	imp.inFlight.Store(int64(len(recs)))
	defer imp.inFlight.Store(0)

	// The finish marker only terminates the loop when the source placed it
	// last. A marker followed by more data means the stream keeps going.
	finished := false
	if len(recs) > 0 {
		_, finished = recs[len(recs)-1].(*record.FinishedRecord)
	}

	filtered := 0
	inserts := 0
	var data []*record.DataRecord
	for _, rec := range recs {
		r, ok := rec.(*record.DataRecord)
		if !ok {
			continue
		}
		if imp.config.Filter != nil && !imp.config.Filter.Match(r.Table) {
			filtered++
			continue
		}
		if r.Type == record.Insert {
			inserts++
		}
		data = append(data, r)
	}
	telemetry.WindowSize.Observe(float64(len(recs)))
	if filtered > 0 {
		telemetry.RecordsFilteredTotal.Add(float64(filtered))
	}

	groups := merge.Group(data)

	surviving := 0
	for _, group := range groups {
		surviving += len(group.BatchDelete) + len(group.BatchInsert) + len(group.BatchUpdate) + len(group.NonBatch)
	}
	if merged := len(data) - surviving; merged > 0 {
		telemetry.RecordsMergedTotal.Add(float64(merged))
	}

	for _, group := range groups {
		if err := imp.config.Executor.Flush(ctx, group); err != nil {
			return false, err
		}
	}

	if err := imp.config.Channel.Ack(recs); err != nil {
		return false, err
	}

	if imp.config.Progress != nil {
		imp.config.Progress.OnWindowApplied(len(data), inserts)
	}
	return finished, nil
}

func (imp *Importer) fail(err error) {
	imp.errMu.Lock()
	imp.lastErr = err
	imp.errMu.Unlock()
	imp.state.Store(int32(StateStopped))
}
