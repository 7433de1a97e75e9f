package engine

import (
	"context"
	"time"
)

// Gate decides whether a scored candidate may enter the corpus.
// The policy package provides the OPA-backed implementation.
type Gate interface {
	// Admit returns false and the deny reasons if the entry must be dropped.
	Admit(ctx context.Context, entry Entry) (bool, []string, error)
}

// GateFunc adapts a function to the Gate interface.
type GateFunc func(ctx context.Context, entry Entry) (bool, []string, error)

// Admit implements Gate.
func (f GateFunc) Admit(ctx context.Context, entry Entry) (bool, []string, error) {
	return f(ctx, entry)
}

// Observer receives engine measurements. The telemetry package implements it
// on top of Prometheus.
type Observer interface {
	// SequenceSynthesized records a completed synthesis.
	SequenceSynthesized(library string, calls, backtracks, rejections int)

	// SynthesisFailed records a discarded synthesis.
	SynthesisFailed(library string)

	// CandidateScored records an oracle invocation.
	CandidateScored(library, oracle string, d time.Duration)

	// FaultRecorded records a crash or timeout.
	FaultRecorded(library string, kind FaultKind)

	// CombinationAttempted records a crossover attempt.
	CombinationAttempted(library string, accepted bool)

	// CorpusUpdated records the corpus size and covered branch count.
	CorpusUpdated(library string, entries, branches int)
}

// nopObserver discards all measurements.
type nopObserver struct{}

func (nopObserver) SequenceSynthesized(string, int, int, int)     {}
func (nopObserver) SynthesisFailed(string)                        {}
func (nopObserver) CandidateScored(string, string, time.Duration) {}
func (nopObserver) FaultRecorded(string, FaultKind)               {}
func (nopObserver) CombinationAttempted(string, bool)             {}
func (nopObserver) CorpusUpdated(string, int, int)                {}

// EventType identifies engine events.
type EventType string

const (
	EventTypeRunStarted      EventType = "run.started"
	EventTypeRunCompleted    EventType = "run.completed"
	EventTypeRunFailed       EventType = "run.failed"
	EventTypeRoundCompleted  EventType = "round.completed"
	EventTypeEntryAccepted   EventType = "entry.accepted"
	EventTypeEntryDenied     EventType = "entry.denied"
	EventTypeFaultRecorded   EventType = "fault.recorded"
	EventTypeCorpusMinimized EventType = "corpus.minimized"
	EventTypeCatalogReloaded EventType = "catalog.reloaded"
)

// Event is a timeline event emitted during a run.
type Event struct {
	// ID is the unique event identifier.
	ID string `json:"id"`

	// Type is the event type.
	Type EventType `json:"type"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// RunID is the run the event belongs to.
	RunID string `json:"run_id"`

	// Library is the target library.
	Library string `json:"library"`

	// EntryID is the corpus entry or fault involved, if any.
	EntryID string `json:"entry_id,omitempty"`

	// Message is a human-readable message.
	Message string `json:"message"`

	// Level is the event severity (info, warning, error).
	Level string `json:"level"`

	// Data carries event-specific fields.
	Data map[string]interface{} `json:"data,omitempty"`
}

// EventPublisher publishes engine events.
type EventPublisher interface {
	// Publish publishes an event.
	Publish(ctx context.Context, event *Event) error
}

// RunSummary describes a finished fuzzing run.
type RunSummary struct {
	// RunID is the unique run identifier.
	RunID string `json:"run_id"`

	// Library is the target library.
	Library string `json:"library"`

	// Status is the final run status.
	Status RunStatus `json:"status"`

	// Rounds is the number of completed rounds.
	Rounds int `json:"rounds"`

	// Synthesized counts sequences that completed synthesis.
	Synthesized int `json:"synthesized"`

	// Discarded counts syntheses that exhausted backtracking.
	Discarded int `json:"discarded"`

	// Accepted counts corpus inserts.
	Accepted int `json:"accepted"`

	// Denied counts candidates refused by the gate.
	Denied int `json:"denied"`

	// Crashes counts crash-corpus records.
	Crashes int `json:"crashes"`

	// Hangs counts hung-log records.
	Hangs int `json:"hangs"`

	// Combinations counts accepted crossover children.
	Combinations int `json:"combinations"`

	// Branches is the number of distinct branches covered by the corpus.
	Branches int `json:"branches"`

	// Rechecked lists entries dropped by the final recheck.
	Rechecked []string `json:"rechecked,omitempty"`

	// StartedAt is when the run started.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the run ended.
	CompletedAt time.Time `json:"completed_at"`
}
