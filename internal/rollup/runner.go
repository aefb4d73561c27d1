package rollup

import (
	"fmt"
	"log/slog"

	"github.com/kalambet/memoir/internal/storage"
)

// Store is the persistence the runner needs.
type Store interface {
	StatusSummary(entryID int64, maxAttempts int) (storage.StatusSummary, error)
	ListBlockAnalyses(entryID int64) ([]storage.BlockAnalysis, error)
	SaveRollup(a storage.EntryAnalysis, doc storage.FTSDoc) error
}

// Outcome is a persisted rollup.
type Outcome struct {
	EntryID int64 `json:"entry_id"`
	Meta    Meta  `json:"rollup_meta"`
	Entry   Entry `json:"-"`
}

// Runner persists rollups once an entry has no job left to run.
type Runner struct {
	store       Store
	maxAttempts int
	limits      Limits
	log         *slog.Logger
}

func NewRunner(store Store, maxAttempts int) *Runner {
	return &Runner{store: store, maxAttempts: maxAttempts, limits: DefaultLimits, log: slog.Default()}
}

// MaybeRollup persists the rollup when the entry's jobs are all terminal,
// and returns nil otherwise. A job reset out of band after the rollup ran
// does not schedule another one; the next terminal job of the entry does.
func (r *Runner) MaybeRollup(entryID int64) (*Outcome, error) {
	sum, err := r.store.StatusSummary(entryID, r.maxAttempts)
	if err != nil {
		return nil, fmt.Errorf("status summary for entry %d: %w", entryID, err)
	}
	if !sum.Terminal() {
		return nil, nil
	}
	out, err := r.Persist(entryID)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Persist recomputes and stores the rollup regardless of job state.
func (r *Runner) Persist(entryID int64) (Outcome, error) {
	rows, err := r.store.ListBlockAnalyses(entryID)
	if err != nil {
		return Outcome{}, fmt.Errorf("listing block analyses for entry %d: %w", entryID, err)
	}
	e := Merge(rows, r.limits)
	if err := r.store.SaveRollup(storage.EntryAnalysis{
		EntryID:       entryID,
		AnalysisJSON:  e.JSON(),
		Model:         Model,
		PromptVersion: PromptVersion,
	}, e.FTSDoc()); err != nil {
		return Outcome{}, fmt.Errorf("saving rollup for entry %d: %w", entryID, err)
	}
	r.log.Info("entry rolled up", "entry_id", entryID, "blocks_total", e.Meta.BlocksTotal, "blocks_ok", e.Meta.BlocksOK)
	return Outcome{EntryID: entryID, Meta: e.Meta, Entry: e}, nil
}
