package policy

import (
	"time"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for findings that are logged but do not block admission.
	SeverityWarning Severity = "warning"

	// SeverityError blocks admission.
	SeverityError Severity = "error"

	// SeverityCritical blocks admission.
	SeverityCritical Severity = "critical"
)

// Blocks reports whether a violation of this severity denies admission.
func (s Severity) Blocks() bool {
	return s == SeverityError || s == SeverityCritical
}

func (s Severity) valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return true
	}
	return false
}

// Policy represents a policy rule with its Rego code. A policy contributes
// violations through a deny set in its package.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Builtin marks policies shipped with seqsynth.
	Builtin bool `json:"builtin,omitempty"`

	// Source is the file the policy was loaded from.
	Source string `json:"source,omitempty"`
}

// Violation represents a single policy violation.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`

	// Operation is the offending operation, if any.
	Operation string `json:"operation,omitempty"`
}

// Decision is the result of evaluating every enabled policy against one candidate.
type Decision struct {
	// Allowed is false when any blocking violation was found.
	Allowed bool `json:"allowed"`

	// Violations lists blocking violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists non-blocking findings.
	Warnings []Violation `json:"warnings,omitempty"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// Reasons returns the messages of the blocking violations.
func (d *Decision) Reasons() []string {
	out := make([]string, len(d.Violations))
	for i, v := range d.Violations {
		out[i] = v.Policy + ": " + v.Message
	}
	return out
}

// Input is the document policies see as input.
type Input struct {
	// Library is the target library.
	Library string `json:"library"`

	// Origin is "synthesis" or "combination".
	Origin string `json:"origin"`

	// Prompt is the synthesis prompt, if any.
	Prompt string `json:"prompt,omitempty"`

	// Length is the number of calls.
	Length int `json:"length"`

	// Ops lists the called operations in order.
	Ops []string `json:"ops"`

	// Calls are the rendered calls.
	Calls []CallInput `json:"calls"`

	// Unreleased lists caller-owned instances still live after the last call.
	Unreleased []string `json:"unreleased"`

	// Quality is the oracle's measurement.
	Quality QualityInput `json:"quality"`

	// Params are run-level policy parameters.
	Params Params `json:"params"`
}

// CallInput is one call as seen by policies.
type CallInput struct {
	Op       string   `json:"op"`
	Args     []string `json:"args"`
	Result   string   `json:"result,omitempty"`
	Critical bool     `json:"critical"`
}

// QualityInput is the quality record as seen by policies.
type QualityInput struct {
	Score         float64  `json:"score"`
	Density       float64  `json:"density"`
	Branches      int      `json:"branches"`
	CriticalCalls []string `json:"critical_calls"`
}

// Params are the run-level settings built-in policies read.
type Params struct {
	// MaxLength is the longest admitted sequence. Zero disables the check.
	MaxLength int `json:"max_length"`

	// Ban lists operations that may never appear.
	Ban []string `json:"ban"`
}
