package engine

import (
	"errors"
	"fmt"
	"time"
)

// ErrorClass represents the classification of an error for routing and recovery logic.
type ErrorClass string

const (
	// ErrorClassContract indicates a contract violation caught by the lifecycle tracker.
	// The candidate is discarded or backtracked, it never reaches the corpus.
	ErrorClassContract ErrorClass = "contract"

	// ErrorClassExecution indicates a crash, sanitizer trap or abnormal termination
	// observed while executing a candidate.
	ErrorClassExecution ErrorClass = "execution"

	// ErrorClassTimeout indicates a candidate that exceeded its wall-clock budget.
	ErrorClassTimeout ErrorClass = "timeout"

	// ErrorClassCatalog indicates a malformed operation catalog.
	// It is fatal for the whole run.
	ErrorClassCatalog ErrorClass = "catalog"

	// ErrorClassPermanent indicates a non-recoverable infrastructure error
	// (storage, transport, configuration).
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the resource instance ID involved, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the catalog operation involved, if applicable.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	switch {
	case e.Resource != "" && e.Operation != "":
		msg = fmt.Sprintf("%s (resource=%s, operation=%s)", msg, e.Resource, e.Operation)
	case e.Operation != "":
		msg = fmt.Sprintf("%s (operation=%s)", msg, e.Operation)
	case e.Resource != "":
		msg = fmt.Sprintf("%s (resource=%s)", msg, e.Resource)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewContractViolation creates a new contract violation error.
func NewContractViolation(message string) *EngineError {
	return &EngineError{
		Class:   ErrorClassContract,
		Message: message,
		Code:    ErrCodeContractViolation,
	}
}

// NewCatalogError creates a new catalog inconsistency error.
func NewCatalogError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassCatalog,
		Message: message,
		Code:    ErrCodeCatalogInconsistent,
		Err:     err,
	}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Message: message,
		Err:     err,
	}
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resourceID string) *EngineError {
	e.Resource = resourceID
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// FaultKind distinguishes the ways an executed candidate can fail.
type FaultKind string

const (
	// FaultCrash covers crashes, sanitizer traps and abnormal exits.
	FaultCrash FaultKind = "crash"

	// FaultTimeout covers candidates killed after their wall-clock budget.
	FaultTimeout FaultKind = "timeout"
)

// ExecutionFault is returned by a coverage oracle instead of a quality record
// when the candidate did not terminate normally.
type ExecutionFault struct {
	// Kind is the fault kind.
	Kind FaultKind `json:"kind"`

	// Reason is a short machine-friendly reason (signal name, "sanitizer", "abnormal").
	Reason string `json:"reason,omitempty"`

	// ExitCode is the process exit code when known, -1 otherwise.
	ExitCode int `json:"exit_code"`

	// Duration is how long the candidate ran before the fault.
	Duration time.Duration `json:"duration"`

	// Output is a bounded excerpt of the candidate's stderr.
	Output string `json:"output,omitempty"`
}

// Error implements the error interface.
func (f *ExecutionFault) Error() string {
	if f.Kind == FaultTimeout {
		return fmt.Sprintf("[%s] candidate exceeded %s", ErrorClassTimeout, f.Duration)
	}
	return fmt.Sprintf("[%s] candidate crashed (reason=%s, exit=%d)", ErrorClassExecution, f.Reason, f.ExitCode)
}

// Is matches both EngineError class sentinels and other faults of the same kind.
func (f *ExecutionFault) Is(target error) bool {
	switch t := target.(type) {
	case *ExecutionFault:
		return t.Kind == f.Kind
	case *EngineError:
		if f.Kind == FaultTimeout {
			return t.Class == ErrorClassTimeout
		}
		return t.Class == ErrorClassExecution
	}
	return false
}

// IsContractViolation returns true if the error is a contract violation.
func IsContractViolation(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassContract
	}
	return false
}

// IsCatalogInconsistency returns true if the error reports a malformed catalog.
func IsCatalogInconsistency(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassCatalog
	}
	return false
}

// IsExecutionFault returns true if the error is a crash-type execution fault.
// Timeouts are not crashes; use IsTimeout for those.
func IsExecutionFault(err error) bool {
	var f *ExecutionFault
	if errors.As(err, &f) {
		return f.Kind == FaultCrash
	}
	return false
}

// IsTimeout returns true if the error is a timeout execution fault.
func IsTimeout(err error) bool {
	var f *ExecutionFault
	if errors.As(err, &f) {
		return f.Kind == FaultTimeout
	}
	return false
}

// AsFault extracts the execution fault from an error chain.
func AsFault(err error) (*ExecutionFault, bool) {
	var f *ExecutionFault
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// IsFatal returns true if the error must stop the whole run rather than one candidate.
func IsFatal(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassCatalog || e.Class == ErrorClassPermanent
	}
	return false
}

// Common error codes.
const (
	ErrCodeContractViolation   = "CONTRACT_VIOLATION"
	ErrCodeCatalogInconsistent = "CATALOG_INCONSISTENT"
	ErrCodeDoubleFree          = "DOUBLE_FREE"
	ErrCodeUseAfterFree        = "USE_AFTER_FREE"
	ErrCodeOwnership           = "OWNERSHIP"
	ErrCodeStaleDerived        = "STALE_DERIVED"
	ErrCodeUnknownOperation    = "UNKNOWN_OPERATION"
	ErrCodeBindingMismatch     = "BINDING_MISMATCH"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeAlreadyExists       = "ALREADY_EXISTS"
	ErrCodeInternal            = "INTERNAL_ERROR"
)

// Sentinel errors for the synthesis and corpus paths.
var (
	// ErrSynthesisExhausted reports that backtracking ran out of alternatives.
	ErrSynthesisExhausted = errors.New("synthesis exhausted all alternatives")

	// ErrCombineRejected reports that a spliced child failed replay.
	ErrCombineRejected = errors.New("combination rejected by replay")

	// ErrNoCompatibleCut reports that no cut point pair satisfied the live-set rule.
	ErrNoCompatibleCut = errors.New("no compatible cut point")

	// ErrCorpusEmpty reports that parent selection was attempted on an empty corpus.
	ErrCorpusEmpty = errors.New("corpus is empty")

	// ErrEntryExists reports a duplicate corpus insert.
	ErrEntryExists = errors.New("corpus entry already exists")

	// ErrEntryNotFound reports a missing corpus entry.
	ErrEntryNotFound = errors.New("corpus entry not found")

	// ErrIncomplete reports a candidate that returned before its cleanup, as
	// when a may-return-null call yields NULL. It is neither scored nor a fault.
	ErrIncomplete = errors.New("candidate returned before completing cleanup")
)
