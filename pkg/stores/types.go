package stores

import (
	"errors"
	"time"

	"github.com/seqsynth/seqsynth/pkg/engine"
)

// ErrNotFound reports a missing row.
var ErrNotFound = errors.New("not found")

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RunRecord is the stored form of a fuzzing run.
type RunRecord struct {
	ID          string             `json:"id"`
	Library     string             `json:"library"`
	Status      engine.RunStatus   `json:"status"`
	Config      string             `json:"config"` // JSON blob
	Summary     *engine.RunSummary `json:"summary,omitempty"`
	Error       *string            `json:"error,omitempty"`
	StartedAt   time.Time          `json:"started_at"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
}

// CorpusStats summarizes what is stored for one library.
type CorpusStats struct {
	Library  string  `json:"library"`
	Entries  int     `json:"entries"`
	Crashes  int     `json:"crashes"`
	Hangs    int     `json:"hangs"`
	Calls    int     `json:"calls"`
	TopScore float64 `json:"top_score"`
}
