// Package ingest saves entries and queues their blocks for analysis. No
// model is called on this path.
package ingest

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/kalambet/memoir/internal/rollup"
	"github.com/kalambet/memoir/internal/segment"
	"github.com/kalambet/memoir/internal/storage"
)

// DefaultMaxChars bounds an entry's text in characters.
const DefaultMaxChars = 8000

var (
	ErrEmptyText = errors.New("empty text is not allowed")
	ErrTooLong   = errors.New("text too long")
)

// Store persists an entry, its blocks and their pending jobs atomically.
type Store interface {
	CreateEntry(rawText, source string, blocks []storage.NewBlock) (int64, []int64, error)
}

// Rollups persists an entry rollup regardless of job state.
type Rollups interface {
	Persist(entryID int64) (rollup.Outcome, error)
}

type Config struct {
	MaxChars        int
	SegmentMaxChars int
}

// Result describes a saved entry.
type Result struct {
	EntryID      int64   `json:"entry_id"`
	QueuedBlocks int     `json:"queued_blocks"`
	BlockIDs     []int64 `json:"block_ids"`
	EnqueueMs    int64   `json:"enqueue_ms"`
}

type Service struct {
	store   Store
	rollups Rollups
	cfg     Config
	logger  *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithRollups rolls up entries that queue no blocks at ingest time, since no
// job will ever finish for them.
func WithRollups(r Rollups) Option {
	return func(s *Service) { s.rollups = r }
}

func NewService(store Store, cfg Config, opts ...Option) *Service {
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = DefaultMaxChars
	}
	s := &Service{store: store, cfg: cfg, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Ingest validates text, splits it into blocks and stores the entry with one
// pending job per non-separator block. Validation errors are returned before
// anything is written.
func (s *Service) Ingest(text, source string) (Result, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Result{}, ErrEmptyText
	}
	if n := utf8.RuneCountInString(text); n > s.cfg.MaxChars {
		return Result{}, fmt.Errorf("%w: %d chars (max %d)", ErrTooLong, n, s.cfg.MaxChars)
	}

	start := time.Now()
	blocks := segment.ForJobs(segment.SplitWithOptions(text, segment.Options{MaxChars: s.cfg.SegmentMaxChars}))
	nb := make([]storage.NewBlock, len(blocks))
	for i, b := range blocks {
		nb[i] = storage.NewBlock{Idx: b.Index, Title: b.Title, RawText: b.Text, Sensitive: b.Sensitive}
	}

	entryID, blockIDs, err := s.store.CreateEntry(text, source, nb)
	if err != nil {
		return Result{}, fmt.Errorf("saving entry: %w", err)
	}
	if blockIDs == nil {
		blockIDs = []int64{}
	}
	if len(blockIDs) == 0 && s.rollups != nil {
		if _, err := s.rollups.Persist(entryID); err != nil {
			s.logger.Warn("rolling up entry without blocks", "entry_id", entryID, "error", err)
		}
	}

	res := Result{
		EntryID:      entryID,
		QueuedBlocks: len(blockIDs),
		BlockIDs:     blockIDs,
		EnqueueMs:    time.Since(start).Milliseconds(),
	}
	s.logger.Info("entry ingested", "entry_id", entryID, "queued_blocks", res.QueuedBlocks, "source", source)
	return res, nil
}
