package engine

import (
	"fmt"
)

// State is the lifecycle state of a resource instance.
type State string

const (
	// StateCreated indicates a freshly constructed, caller-owned instance.
	StateCreated State = "created"

	// StateConfigured indicates an instance that went through an initialization or setup call.
	StateConfigured State = "configured"

	// StateAttached indicates an instance whose ownership was transferred to another instance.
	StateAttached State = "attached"

	// StateDetached indicates an instance removed from its former owner.
	// Its owner is the caller again.
	StateDetached State = "detached"

	// StateBorrowed indicates a non-owning reference into another instance.
	StateBorrowed State = "borrowed"

	// StateFreed indicates an instance released by an explicit free operation.
	StateFreed State = "freed"

	// StateInvalid indicates an instance that must not be touched anymore, usually
	// because its owner was freed.
	StateInvalid State = "invalid"
)

// AllStates lists every lifecycle state in declaration order.
var AllStates = []State{
	StateCreated, StateConfigured, StateAttached, StateDetached,
	StateBorrowed, StateFreed, StateInvalid,
}

// IsTerminal returns true if no ordinary operation may touch an instance in this state.
func (s State) IsTerminal() bool {
	return s == StateFreed || s == StateInvalid
}

// IsLive returns true if the instance can still take part in operations.
func (s State) IsLive() bool {
	return !s.IsTerminal()
}

// Validate checks if the state is valid.
func (s State) Validate() error {
	switch s {
	case StateCreated, StateConfigured, StateAttached, StateDetached,
		StateBorrowed, StateFreed, StateInvalid:
		return nil
	default:
		return fmt.Errorf("invalid lifecycle state: %s", s)
	}
}

// Owner identifies who is responsible for releasing an instance.
// It is either OwnerNone, OwnerCaller or the ID of another instance.
type Owner string

const (
	// OwnerNone marks library-owned memory the sequence must never release.
	OwnerNone Owner = ""

	// OwnerCaller marks instances the sequence itself must release.
	OwnerCaller Owner = "$caller"
)

// IsInstance returns true if the owner is another resource instance.
func (o Owner) IsInstance() bool {
	return o != OwnerNone && o != OwnerCaller
}

// String returns a printable owner.
func (o Owner) String() string {
	switch o {
	case OwnerNone:
		return "none"
	case OwnerCaller:
		return "caller"
	default:
		return string(o)
	}
}

// ParamKind is the variant tag of an operation parameter.
type ParamKind string

const (
	// ParamLiteral is a constant drawn from the parameter's literal domain.
	ParamLiteral ParamKind = "literal"

	// ParamResource is a reference to a live resource instance of a given role.
	ParamResource ParamKind = "resource"

	// ParamDerived is a value produced by a prior query on a container.
	ParamDerived ParamKind = "derived"
)

// Validate checks if the parameter kind is valid.
func (k ParamKind) Validate() error {
	switch k {
	case ParamLiteral, ParamResource, ParamDerived:
		return nil
	default:
		return fmt.Errorf("invalid parameter kind: %s", k)
	}
}

// EffectKind is the variant tag of a postcondition effect.
type EffectKind string

const (
	// EffectSetState moves the target to a new state.
	EffectSetState EffectKind = "set_state"

	// EffectFree releases the target. It is the only way to reach StateFreed.
	EffectFree EffectKind = "free"

	// EffectTransfer hands ownership of the target to the instance bound to Owner.
	EffectTransfer EffectKind = "transfer"

	// EffectDetach returns the target to the caller.
	EffectDetach EffectKind = "detach"

	// EffectInvalidate marks the target unusable without releasing it.
	EffectInvalidate EffectKind = "invalidate"

	// EffectMutate changes the target's contents, staling derived values taken from it.
	EffectMutate EffectKind = "mutate"
)

// Validate checks if the effect kind is valid.
func (k EffectKind) Validate() error {
	switch k {
	case EffectSetState, EffectFree, EffectTransfer, EffectDetach, EffectInvalidate, EffectMutate:
		return nil
	default:
		return fmt.Errorf("invalid effect kind: %s", k)
	}
}

// IsCritical returns true if the effect is contract-sensitive.
func (k EffectKind) IsCritical() bool {
	return k == EffectFree || k == EffectTransfer || k == EffectDetach || k == EffectInvalidate
}

// FailureMode tags operations that can legitimately fail at runtime.
type FailureMode string

const (
	// FailureNone indicates an operation that always succeeds on valid input.
	FailureNone FailureMode = "none"

	// FailureMayReturnNull indicates an operation whose result may be NULL.
	FailureMayReturnNull FailureMode = "may_return_null"

	// FailureMayFail indicates an operation that may report an error code.
	FailureMayFail FailureMode = "may_fail"
)

// Validate checks if the failure mode is valid.
func (m FailureMode) Validate() error {
	switch m {
	case "", FailureNone, FailureMayReturnNull, FailureMayFail:
		return nil
	default:
		return fmt.Errorf("invalid failure mode: %s", m)
	}
}

// LiteralType is the C-level type of a literal argument.
type LiteralType string

const (
	// LiteralString is a quoted C string.
	LiteralString LiteralType = "string"

	// LiteralInt is an integer constant.
	LiteralInt LiteralType = "int"

	// LiteralFloat is a floating point constant.
	LiteralFloat LiteralType = "float"

	// LiteralNull is the NULL pointer.
	LiteralNull LiteralType = "null"

	// LiteralSymbol is a named library constant such as Z_DEFAULT_COMPRESSION.
	LiteralSymbol LiteralType = "symbol"
)

// Validate checks if the literal type is valid.
func (t LiteralType) Validate() error {
	switch t {
	case LiteralString, LiteralInt, LiteralFloat, LiteralNull, LiteralSymbol:
		return nil
	default:
		return fmt.Errorf("invalid literal type: %s", t)
	}
}

// Phase is the synthesizer's current search phase.
type Phase string

const (
	// PhaseOperate is the productive phase where ranked operations are appended.
	PhaseOperate Phase = "operate"

	// PhaseCleanup is the terminal phase that releases every caller-owned instance.
	PhaseCleanup Phase = "cleanup"
)

// RunStatus represents the overall status of a fuzzing run.
type RunStatus string

const (
	// RunStatusRunning indicates the run is in progress.
	RunStatusRunning RunStatus = "running"

	// RunStatusConverged indicates the run stopped after its quiet-round limit.
	RunStatusConverged RunStatus = "converged"

	// RunStatusCompleted indicates the run reached its round limit.
	RunStatusCompleted RunStatus = "completed"

	// RunStatusCancelled indicates the run was cancelled.
	RunStatusCancelled RunStatus = "cancelled"

	// RunStatusFailed indicates the run stopped on a fatal error.
	RunStatusFailed RunStatus = "failed"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s != RunStatusRunning
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusRunning, RunStatusConverged, RunStatusCompleted, RunStatusCancelled, RunStatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}
