package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/caselaw-ai/shepard/internal/model"
)

// RunStore is the durable QueryRun sink, normally Postgres.
type RunStore interface {
	InsertQueryRun(ctx context.Context, run model.QueryRun) error
}

// Recorder persists QueryRuns off the request path. Writes are
// fire-and-forget: the answer is returned to the caller whether or not the
// audit row lands.
type Recorder struct {
	store        RunStore
	breaker      *Breaker
	spill        *SpillStore
	logger       *slog.Logger
	writeTimeout time.Duration

	queue chan model.QueryRun
	wg    sync.WaitGroup

	closeOnce sync.Once
}

// NewRecorder starts the background writer. spill may be nil, in which case
// runs rejected by an open breaker are dropped.
func NewRecorder(store RunStore, breaker *Breaker, spill *SpillStore, logger *slog.Logger) *Recorder {
	if breaker == nil {
		breaker = NewBreaker(0, 0, nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{
		store:        store,
		breaker:      breaker,
		spill:        spill,
		logger:       logger,
		writeTimeout: 5 * time.Second,
		queue:        make(chan model.QueryRun, 256),
	}
	r.wg.Add(1)
	go r.worker()
	return r
}

// Record enqueues a run for persistence. Never blocks: when the queue is
// full the run is dropped and counted in the log.
func (r *Recorder) Record(run model.QueryRun) {
	select {
	case r.queue <- run:
	default:
		r.logger.Warn("audit queue full, run dropped", "run_id", run.ID)
	}
}

// Breaker exposes the circuit state for health reporting.
func (r *Recorder) Breaker() *Breaker {
	return r.breaker
}

// Close drains the queue and stops the worker.
func (r *Recorder) Close() {
	r.closeOnce.Do(func() {
		close(r.queue)
	})
	r.wg.Wait()
}

func (r *Recorder) worker() {
	defer r.wg.Done()
	for run := range r.queue {
		r.write(run)
	}
}

func (r *Recorder) write(run model.QueryRun) {
	ctx, cancel := context.WithTimeout(context.Background(), r.writeTimeout)
	defer cancel()

	if !r.breaker.Allow() {
		r.suppress(ctx, run)
		return
	}

	if err := r.store.InsertQueryRun(ctx, run); err != nil {
		r.breaker.Failure()
		r.logger.Error("audit write failed", "run_id", run.ID, "error", err, "breaker", r.breaker.State())
		r.suppress(ctx, run)
		return
	}
	r.breaker.Success()
	r.drainSpill(ctx)
}

// suppress parks a run that could not be written durably.
func (r *Recorder) suppress(ctx context.Context, run model.QueryRun) {
	if r.spill == nil {
		r.logger.Warn("audit write suppressed", "run_id", run.ID, "breaker", r.breaker.State())
		return
	}
	if err := r.spill.Put(ctx, run); err != nil {
		r.logger.Error("audit spill failed, run lost", "run_id", run.ID, "error", err)
	}
}

// drainSpill opportunistically replays spilled runs after a healthy write.
func (r *Recorder) drainSpill(ctx context.Context) {
	if r.spill == nil {
		return
	}
	drained, err := r.spill.Drain(ctx, 50, r.store.InsertQueryRun)
	if err != nil {
		r.logger.Warn("audit spill drain interrupted", "drained", drained, "error", err)
		return
	}
	if drained > 0 {
		r.logger.Info("audit spill drained", "runs", drained)
	}
}
