// Package worker drains the block analysis queue: it claims jobs, analyzes
// their blocks, records the outcome and rolls entries up once all of their
// jobs are terminal.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/memoir/internal/analyzer"
	"github.com/kalambet/memoir/internal/fault"
	"github.com/kalambet/memoir/internal/memory"
	"github.com/kalambet/memoir/internal/rollup"
	"github.com/kalambet/memoir/internal/storage"
)

const (
	reasonDuplicate = "deferred_same_run"
	reasonCancelled = "cancelled: worker interrupted"
	reasonUnsettled = "worker exited without settling job"
)

// Store is the queue and analysis persistence the worker drives.
type Store interface {
	ResetStaleRunning(stale time.Duration) (int64, error)
	Acquire(retryFailed bool, maxAttempts int) (*storage.Lease, error)
	UpsertBlockAnalysis(a storage.BlockAnalysis) error
	QueueSummary(maxAttempts int) (storage.StatusSummary, error)
}

// Rollups persists an entry rollup once its jobs are terminal.
type Rollups interface {
	MaybeRollup(entryID int64) (*rollup.Outcome, error)
}

// MemoryUpdater refreshes memory cards after a rollup.
type MemoryUpdater interface {
	MaybeUpdate(ctx context.Context, entryID int64, a analyzer.Analysis, blocksOK int) memory.Report
}

// Config bounds a batch run.
type Config struct {
	BatchLimit  int
	MaxAttempts int
	RetryFailed bool
	Stale       time.Duration
	// JobTimeout bounds one analysis call. Zero means no bound.
	JobTimeout  time.Duration
	Poll        time.Duration
	Concurrency int

	// Backend and Provider are reported in results only.
	Backend  string
	Provider string
}

func (c Config) withDefaults() Config {
	if c.BatchLimit <= 0 {
		c.BatchLimit = 20
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.Poll <= 0 {
		c.Poll = 2 * time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	return c
}

// RollupResult is one rollup persisted during a batch.
type RollupResult struct {
	EntryID int64          `json:"entry_id"`
	Meta    rollup.Meta    `json:"rollup_meta"`
	Memory  *memory.Report `json:"memory,omitempty"`
}

// BatchResult summarizes one batch run.
type BatchResult struct {
	Processed    int                   `json:"processed"`
	OK           int                   `json:"ok"`
	Failed       int                   `json:"failed"`
	Skipped      int                   `json:"skipped"`
	Rollups      []RollupResult        `json:"rollups"`
	MemAttempted int                   `json:"memory_updates_attempted"`
	MemOK        int                   `json:"memory_updates_ok"`
	MemSkipped   int                   `json:"memory_updates_skipped"`
	UniqueJobs   int                   `json:"unique_jobs"`
	RepeatClaims int                   `json:"repeat_claims"`
	Unstuck      int64                 `json:"unstuck"`
	Cancelled    bool                  `json:"cancelled,omitempty"`
	Backend      string                `json:"backend"`
	Provider     string                `json:"preferred_provider"`
	StatsBefore  storage.StatusSummary `json:"stats_before"`
	StatsAfter   storage.StatusSummary `json:"stats_after"`
}

// Worker processes analysis jobs.
type Worker struct {
	cfg      Config
	store    Store
	analyzer analyzer.BlockAnalyzer
	rollups  Rollups
	memory   MemoryUpdater
	logger   *slog.Logger
}

// New creates a Worker. mem may be nil to disable memory updates.
func New(cfg Config, store Store, a analyzer.BlockAnalyzer, rollups Rollups, mem MemoryUpdater) *Worker {
	return &Worker{
		cfg:      cfg.withDefaults(),
		store:    store,
		analyzer: a,
		rollups:  rollups,
		memory:   mem,
		logger:   slog.Default(),
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		res, err := w.RunBatch(ctx, w.cfg.BatchLimit)
		if err != nil && ctx.Err() == nil {
			w.logger.Error("worker batch failed", "error", err)
		}
		if res.Processed > 0 && res.RepeatClaims == 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.cfg.Poll):
		}
	}
}

type batch struct {
	mu     sync.Mutex
	res    BatchResult
	seen   map[int64]bool
	stop   atomic.Bool
	budget atomic.Int64
}

func (b *batch) take() bool {
	return !b.stop.Load() && b.budget.Add(-1) >= 0
}

// RunBatch resets stale jobs, then claims and processes up to limit jobs
// across Concurrency claimers. A job claimed twice in one run is released
// as failed and the run stops. When ctx is cancelled the in-flight jobs are
// marked failed before the error is returned.
func (w *Worker) RunBatch(ctx context.Context, limit int) (BatchResult, error) {
	b := &batch{seen: make(map[int64]bool)}
	b.res.Backend, b.res.Provider = w.cfg.Backend, w.cfg.Provider
	b.res.Rollups = []RollupResult{}
	b.budget.Store(int64(limit))

	if w.cfg.Stale > 0 {
		n, err := w.store.ResetStaleRunning(w.cfg.Stale)
		if err != nil {
			return b.res, fmt.Errorf("resetting stale jobs: %w", err)
		}
		b.res.Unstuck = n
		if n > 0 {
			w.logger.Info("reset stale running jobs", "count", n)
		}
	}
	if s, err := w.store.QueueSummary(w.cfg.MaxAttempts); err == nil {
		b.res.StatsBefore = s
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.Concurrency)
	for range w.cfg.Concurrency {
		g.Go(func() error { return w.claimLoop(gctx, ctx, b) })
	}
	err := g.Wait()

	b.res.UniqueJobs = len(b.seen)
	if s, serr := w.store.QueueSummary(w.cfg.MaxAttempts); serr == nil {
		b.res.StatsAfter = s
	}
	if err != nil {
		b.res.Cancelled = ctx.Err() != nil
		return b.res, err
	}
	return b.res, nil
}

// claimLoop runs in one errgroup goroutine. gctx stops sibling loops on a
// fatal error; parent distinguishes caller cancellation.
func (w *Worker) claimLoop(gctx, parent context.Context, b *batch) error {
	for b.take() {
		if err := gctx.Err(); err != nil {
			return err
		}
		lease, err := w.store.Acquire(w.cfg.RetryFailed, w.cfg.MaxAttempts)
		if err != nil {
			return fmt.Errorf("claiming job: %w", err)
		}
		if lease == nil {
			b.stop.Store(true)
			return nil
		}

		b.mu.Lock()
		dup := b.seen[lease.Job.ID]
		b.seen[lease.Job.ID] = true
		if dup {
			b.res.RepeatClaims++
		}
		b.mu.Unlock()
		if dup {
			if err := lease.Fail(reasonDuplicate); err != nil {
				w.logger.Error("failed to defer repeated job", "job_id", lease.Job.ID, "error", err)
			}
			b.stop.Store(true)
			return nil
		}

		if err := w.process(gctx, parent, lease, b); err != nil {
			return err
		}
	}
	return nil
}

type outcome int

const (
	outcomeOK outcome = iota
	outcomeFailed
	outcomeSkipped
)

func (w *Worker) process(ctx, parent context.Context, lease *storage.Lease, b *batch) error {
	defer lease.Release(reasonUnsettled)

	job := lease.Job
	actx := ctx
	if w.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, w.cfg.JobTimeout)
		defer cancel()
	}

	res, aerr := w.analyzer.Analyze(actx, job.Title, job.RawText)
	row := storage.BlockAnalysis{
		BlockID:       job.BlockID,
		AnalysisJSON:  "{}",
		Model:         res.Model,
		PromptVersion: w.analyzer.PromptVersion(),
	}

	var out outcome
	switch {
	case aerr == nil:
		row.AnalysisJSON, row.OK = res.Analysis.JSON(), true
		if err := w.store.UpsertBlockAnalysis(row); err != nil {
			// Leave the job failed so the analysis is retried with its row.
			w.logger.Error("saving block analysis failed", "job_id", job.ID, "error", err)
			if ferr := lease.Fail("saving analysis: " + err.Error()); ferr != nil {
				return fmt.Errorf("marking job %d failed: %w", job.ID, ferr)
			}
			out = outcomeFailed
			break
		}
		if err := lease.Done(); err != nil {
			return fmt.Errorf("marking job %d done: %w", job.ID, err)
		}
		out = outcomeOK

	case fault.KindOf(aerr) == fault.KindInput:
		row.Error = aerr.Error()
		w.saveBestEffort(row)
		if err := lease.Skip(aerr.Error()); err != nil {
			return fmt.Errorf("marking job %d skipped: %w", job.ID, err)
		}
		out = outcomeSkipped

	case parent.Err() != nil || ctx.Err() != nil && fault.Cancelled(aerr):
		row.Error = reasonCancelled
		w.saveBestEffort(row)
		if err := lease.Fail(reasonCancelled); err != nil {
			w.logger.Error("failed to mark cancelled job", "job_id", job.ID, "error", err)
		}
		w.logger.Info("job cancelled", "job_id", job.ID, "entry_id", job.EntryID)
		if perr := parent.Err(); perr != nil {
			return perr
		}
		return ctx.Err()

	default:
		row.Error = aerr.Error()
		w.saveBestEffort(row)
		if err := lease.Fail(aerr.Error()); err != nil {
			return fmt.Errorf("marking job %d failed: %w", job.ID, err)
		}
		out = outcomeFailed
	}

	w.logger.Info("job processed", "job_id", job.ID, "entry_id", job.EntryID, "block_idx", job.Idx,
		"outcome", out.String(), "kind", fault.KindOf(aerr).String())

	b.mu.Lock()
	b.res.Processed++
	switch out {
	case outcomeOK:
		b.res.OK++
	case outcomeFailed:
		b.res.Failed++
	case outcomeSkipped:
		b.res.Skipped++
	}
	b.mu.Unlock()

	w.rollupEntry(ctx, job.EntryID, b)
	return nil
}

func (o outcome) String() string {
	switch o {
	case outcomeOK:
		return "ok"
	case outcomeFailed:
		return "failed"
	}
	return "skipped"
}

func (w *Worker) saveBestEffort(row storage.BlockAnalysis) {
	if err := w.store.UpsertBlockAnalysis(row); err != nil {
		w.logger.Warn("saving failed block analysis", "block_id", row.BlockID, "error", err)
	}
}

// rollupEntry persists the rollup if the entry is terminal and then runs the
// memory update. Failures are logged; they never fail the batch.
func (w *Worker) rollupEntry(ctx context.Context, entryID int64, b *batch) {
	if w.rollups == nil {
		return
	}
	o, err := w.rollups.MaybeRollup(entryID)
	if err != nil {
		w.logger.Error("rollup failed", "entry_id", entryID, "error", err)
		return
	}
	if o == nil {
		return
	}

	rr := RollupResult{EntryID: o.EntryID, Meta: o.Meta}
	if w.memory != nil && !errors.Is(ctx.Err(), context.Canceled) {
		rep := w.memory.MaybeUpdate(ctx, entryID, o.Entry.Analysis, o.Meta.BlocksOK)
		rr.Memory = &rep
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.res.Rollups = append(b.res.Rollups, rr)
	if rr.Memory == nil {
		return
	}
	switch {
	case !rr.Memory.Attempted:
		b.res.MemSkipped++
	case rr.Memory.OK:
		b.res.MemAttempted++
		b.res.MemOK++
	default:
		b.res.MemAttempted++
	}
}
