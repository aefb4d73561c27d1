package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Job statuses.
const (
	StatusPending = "pending"
	StatusRunning = "running"
	StatusDone    = "done"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

type Entry struct {
	ID        int64
	CreatedAt time.Time
	Source    string
	RawText   string
}

// NewBlock is a segmented block about to be persisted.
type NewBlock struct {
	Idx       int
	Title     string
	RawText   string
	Sensitive bool
}

type Block struct {
	ID        int64
	EntryID   int64
	Idx       int
	Title     string
	RawText   string
	Sensitive bool
	CreatedAt time.Time
}

// Job is a block_jobs row. Claimed jobs carry the joined block fields.
type Job struct {
	ID        int64
	BlockID   int64
	Status    string
	Attempts  int
	LastError string
	CreatedAt time.Time
	UpdatedAt time.Time

	EntryID   int64
	Idx       int
	Title     string
	RawText   string
	Sensitive bool
}

// StatusSummary counts the jobs of one entry (or of the whole queue).
type StatusSummary struct {
	Pending         int `json:"pending"`
	Running         int `json:"running"`
	Done            int `json:"done"`
	Skipped         int `json:"skipped"`
	FailedRetriable int `json:"failed_retriable"`
	FailedExhausted int `json:"failed_exhausted"`
	Total           int `json:"total"`
}

// Terminal reports whether no job is left to run.
func (s StatusSummary) Terminal() bool {
	return s.Total > 0 && s.Pending+s.Running+s.FailedRetriable == 0
}

type BlockAnalysis struct {
	BlockID       int64
	AnalysisJSON  string
	Model         string
	PromptVersion string
	CreatedAt     time.Time
	OK            bool
	Error         string

	// Populated by ListBlockAnalyses.
	Idx       int
	JobStatus string
}

type EntryAnalysis struct {
	EntryID       int64
	AnalysisJSON  string
	Model         string
	PromptVersion string
	CreatedAt     time.Time
}

// FTSDoc is the searchable projection of an entry rollup.
type FTSDoc struct {
	Summary string
	Topics  string
	Facts   string
	Todos   string
}

// EntryBrief is an entry analysis row as returned by search and recent
// listings. It never carries raw text.
type EntryBrief struct {
	EntryID      int64
	CreatedAt    time.Time
	AnalysisJSON string
	Rank         float64
}

type MemCard struct {
	CardID      string
	Type        string
	ContentJSON string
	Confidence  float64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type MemCardChange struct {
	ID            int64
	CardID        string
	EntryID       int64
	Op            string
	DiffJSON      string
	Note          string
	PromptVersion string
	CreatedAt     time.Time
}

// LLMCall is one audit row.
type LLMCall struct {
	ID               int64
	CallID           string
	CreatedAt        time.Time
	Task             string
	Provider         string
	Model            string
	PromptVersion    string
	RequestHash      string
	Status           string // "ok", "failed"
	LatencyMs        int64
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	CacheHit         bool
	ErrorCode        string
	Error            string
	MetaJSON         string
}

type CacheEntry struct {
	Key          string
	Provider     string
	Model        string
	RequestHash  string
	ResponseText string
	UsageJSON    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type ChatTurn struct {
	ID        string
	CreatedAt time.Time
	UserText  string
	Reply     string
	Engine    string
	Status    string
	ElapsedMs int64
}
