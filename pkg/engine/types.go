package engine

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Engine-wide defaults.
const (
	// DefaultExecutionTimeout bounds one candidate execution.
	DefaultExecutionTimeout = 180 * time.Second

	// SanitizerExitCode is the exit code harnesses are built to use on sanitizer reports.
	SanitizerExitCode = 168

	// ExpectedReturn is the value returned by a sequence that completed its cleanup phase.
	ExpectedReturn = 66

	// DefaultCombinationLen is the preferred number of operate-phase calls.
	DefaultCombinationLen = 5

	// MaxSequenceLen is the default step budget of one sequence.
	MaxSequenceLen = 20
)

// Role describes a kind of resource handled by the library.
type Role struct {
	// Name is the role identifier (e.g., "node", "stream", "db").
	Name string `json:"name" validate:"required"`

	// CType is the C type of a variable holding the role (e.g., "cJSON *").
	CType string `json:"ctype" validate:"required"`

	// Description is a human-readable summary.
	Description string `json:"description,omitempty"`
}

// Literal is a constant argument value.
type Literal struct {
	// Type is the literal's C-level type.
	Type LiteralType `json:"type"`

	// Value is the literal text. Strings are stored unquoted.
	Value string `json:"value"`
}

var (
	intLiteralRe    = regexp.MustCompile(`^-?(0[xX][0-9a-fA-F]+|[0-9]+)[uUlL]*$`)
	floatLiteralRe  = regexp.MustCompile(`^-?[0-9]+\.[0-9]*([eE][+-]?[0-9]+)?[fF]?$`)
	symbolLiteralRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	refRe           = regexp.MustCompile(`^[rd][0-9]+$`)
)

// Validate checks that the literal text can be rendered and parsed back unambiguously.
func (l Literal) Validate() error {
	if err := l.Type.Validate(); err != nil {
		return err
	}
	switch l.Type {
	case LiteralString:
		if strings.ContainsAny(l.Value, "\n\r") {
			return fmt.Errorf("string literal %q must be single-line", l.Value)
		}
	case LiteralInt:
		if !intLiteralRe.MatchString(l.Value) {
			return fmt.Errorf("invalid int literal %q", l.Value)
		}
	case LiteralFloat:
		if !floatLiteralRe.MatchString(l.Value) {
			return fmt.Errorf("invalid float literal %q", l.Value)
		}
	case LiteralNull:
		if l.Value != "" && l.Value != "NULL" {
			return fmt.Errorf("null literal must be empty or NULL, got %q", l.Value)
		}
	case LiteralSymbol:
		if !symbolLiteralRe.MatchString(l.Value) || refRe.MatchString(l.Value) || l.Value == "NULL" {
			return fmt.Errorf("invalid symbol literal %q", l.Value)
		}
	}
	return nil
}

// Param is one parameter of an operation. Kind selects which fields apply.
type Param struct {
	// Name is the parameter name, unique within the operation.
	Name string `json:"name" validate:"required"`

	// Kind is the parameter variant.
	Kind ParamKind `json:"kind" validate:"required,oneof=literal resource derived"`

	// Role is the required role of a resource parameter.
	Role string `json:"role,omitempty"`

	// States lists the states a resource argument may be in. Empty means any live state.
	States []State `json:"states,omitempty"`

	// Values is the literal domain of a literal parameter.
	Values []Literal `json:"values,omitempty"`

	// Derived is the derived value kind a derived parameter consumes (e.g., "size").
	Derived string `json:"derived,omitempty"`

	// Of names the resource parameter whose instance the derived value must come from.
	Of string `json:"of,omitempty"`

	// ByRef passes a resource argument by address (&rN), as destructors that
	// clear the caller's pointer expect.
	ByRef bool `json:"by_ref,omitempty"`

	// OwnedBy names another resource parameter whose instance must own this
	// argument (detaching an item from the parent that holds it).
	OwnedBy string `json:"owned_by,omitempty"`
}

// Effect is one postcondition of an operation.
type Effect struct {
	// Kind is the effect variant.
	Kind EffectKind `json:"kind" validate:"required"`

	// Target is the name of the resource parameter the effect applies to.
	Target string `json:"target" validate:"required"`

	// State is the new state for set_state, and the attached state for transfer.
	State State `json:"state,omitempty"`

	// Owner names the parameter whose instance becomes the owner on transfer.
	Owner string `json:"owner,omitempty"`
}

// ReturnKind is the variant tag of an operation result.
type ReturnKind string

const (
	// ReturnResource produces a new resource instance.
	ReturnResource ReturnKind = "resource"

	// ReturnDerived produces a derived value from a query on a container.
	ReturnDerived ReturnKind = "derived"
)

// Returns describes what an operation produces.
type Returns struct {
	// Kind is the result variant.
	Kind ReturnKind `json:"kind" validate:"required,oneof=resource derived"`

	// Role is the role of a produced resource.
	Role string `json:"role,omitempty"`

	// State is the initial state of a produced resource. Defaults to created.
	State State `json:"state,omitempty"`

	// Owner is "caller" (default), "none", or the name of a resource parameter
	// the result aliases into.
	Owner string `json:"owner,omitempty"`

	// Derived is the kind of a produced derived value.
	Derived string `json:"derived,omitempty"`

	// Of names the resource parameter queried for a derived value.
	Of string `json:"of,omitempty"`

	// CType is the C type of a derived value (e.g., "int").
	CType string `json:"ctype,omitempty"`

	// Out is the 1-based argument position through which the library writes
	// a produced resource (sqlite3_open's &db). Zero means the return value.
	Out int `json:"out,omitempty"`
}

// Branch is a coverage point declared by an operation.
type Branch struct {
	// ID is the catalog-unique branch identifier.
	ID string `json:"id" validate:"required"`

	// Param optionally conditions the branch on one argument.
	Param string `json:"param,omitempty"`

	// States conditions a resource argument's state before the call.
	States []State `json:"states,omitempty"`

	// Value conditions a literal argument's value.
	Value string `json:"value,omitempty"`
}

// Operation is the contract of a single library call.
type Operation struct {
	// Name is the C function name.
	Name string `json:"name" validate:"required"`

	// Params is the ordered parameter list.
	Params []Param `json:"params,omitempty"`

	// Returns describes the produced value, if any.
	Returns *Returns `json:"returns,omitempty"`

	// Effects are the postcondition effects applied in order.
	Effects []Effect `json:"effects,omitempty"`

	// FailureMode tags operations that can legitimately fail.
	FailureMode FailureMode `json:"failure_mode,omitempty"`

	// SafeOnInvalid whitelists inert introspection operations on freed or invalid instances.
	SafeOnInvalid bool `json:"safe_on_invalid,omitempty"`

	// Critical marks contract-sensitive operations.
	Critical bool `json:"critical,omitempty"`

	// Branches are the coverage points this operation can reach.
	Branches []Branch `json:"branches,omitempty"`

	// Description is a human-readable summary.
	Description string `json:"description,omitempty"`
}

// Param returns the parameter with the given name.
func (o *Operation) Param(name string) (*Param, int) {
	for i := range o.Params {
		if o.Params[i].Name == name {
			return &o.Params[i], i
		}
	}
	return nil, -1
}

// Frees returns true if the operation releases at least one argument.
func (o *Operation) Frees() bool {
	return o.hasEffect(EffectFree)
}

// Transfers returns true if the operation moves ownership.
func (o *Operation) Transfers() bool {
	return o.hasEffect(EffectTransfer)
}

// Creates returns true if the operation produces a new resource instance.
func (o *Operation) Creates() bool {
	return o.Returns != nil && o.Returns.Kind == ReturnResource
}

// IsCritical returns true if the operation is tagged critical or has a critical effect.
func (o *Operation) IsCritical() bool {
	if o.Critical {
		return true
	}
	for _, e := range o.Effects {
		if e.Kind.IsCritical() {
			return true
		}
	}
	return false
}

func (o *Operation) hasEffect(kind EffectKind) bool {
	for _, e := range o.Effects {
		if e.Kind == kind {
			return true
		}
	}
	return false
}

// Instance is a tracked resource instance within one sequence.
type Instance struct {
	// ID is the sequence-local identifier ("r1", "r2", ...).
	ID string `json:"id"`

	// Role is the instance role.
	Role string `json:"role"`

	// State is the current lifecycle state.
	State State `json:"state"`

	// Owner is who must release the instance.
	Owner Owner `json:"owner"`

	// Generation increases each time the instance is mutated.
	Generation int `json:"generation"`

	// CreatedBy is the index of the call that produced the instance.
	CreatedBy int `json:"created_by"`
}

// DerivedValue is a value produced by a query on a container.
type DerivedValue struct {
	// ID is the sequence-local identifier ("d1", "d2", ...).
	ID string `json:"id"`

	// Kind is the derived kind (e.g., "size").
	Kind string `json:"kind"`

	// Source is the instance the value was queried from.
	Source string `json:"source"`

	// Generation is the source generation at query time.
	Generation int `json:"generation"`
}

// Arg is a bound argument of a call.
type Arg struct {
	// Kind mirrors the parameter kind.
	Kind ParamKind `json:"kind"`

	// Ref is the instance or derived value ID for resource and derived arguments.
	Ref string `json:"ref,omitempty"`

	// Literal is the value of a literal argument.
	Literal Literal `json:"literal,omitempty"`
}

// RefArg builds a resource argument.
func RefArg(id string) Arg {
	return Arg{Kind: ParamResource, Ref: id}
}

// DerivedArg builds a derived argument.
func DerivedArg(id string) Arg {
	return Arg{Kind: ParamDerived, Ref: id}
}

// LiteralArg builds a literal argument.
func LiteralArg(t LiteralType, value string) Arg {
	return Arg{Kind: ParamLiteral, Literal: Literal{Type: t, Value: value}}
}

// String returns a compact rendering for logs.
func (a Arg) String() string {
	if a.Kind == ParamLiteral {
		if a.Literal.Type == LiteralString {
			return fmt.Sprintf("%q", a.Literal.Value)
		}
		if a.Literal.Type == LiteralNull {
			return "NULL"
		}
		return a.Literal.Value
	}
	return a.Ref
}

// Call is one bound operation call in a sequence.
type Call struct {
	// Op is the operation name.
	Op string `json:"op"`

	// Args are the bound arguments in parameter order.
	Args []Arg `json:"args,omitempty"`

	// Result is the produced instance or derived value ID, if any.
	Result string `json:"result,omitempty"`
}

// String returns a compact rendering for logs.
func (c Call) String() string {
	parts := make([]string, len(c.Args))
	for i, a := range c.Args {
		parts[i] = a.String()
	}
	s := fmt.Sprintf("%s(%s)", c.Op, strings.Join(parts, ", "))
	if c.Result != "" {
		s += " -> " + c.Result
	}
	return s
}

// Sequence is an ordered list of bound calls against one library.
type Sequence struct {
	// Library is the catalog library name.
	Library string `json:"library"`

	// Calls are the calls in execution order.
	Calls []Call `json:"calls"`
}

// Len returns the number of calls.
func (s Sequence) Len() int {
	return len(s.Calls)
}

// Ops returns the operation names in call order.
func (s Sequence) Ops() []string {
	ops := make([]string, len(s.Calls))
	for i, c := range s.Calls {
		ops[i] = c.Op
	}
	return ops
}

// Clone returns a deep copy of the sequence.
func (s Sequence) Clone() Sequence {
	out := Sequence{Library: s.Library, Calls: make([]Call, len(s.Calls))}
	for i, c := range s.Calls {
		out.Calls[i] = Call{Op: c.Op, Result: c.Result, Args: append([]Arg(nil), c.Args...)}
	}
	return out
}

// Triple is an ordered API 3-gram.
type Triple [3]string

// Triples returns the distinct consecutive operation 3-grams of the sequence.
func (s Sequence) Triples() []Triple {
	seen := make(map[Triple]bool)
	var out []Triple
	for i := 0; i+2 < len(s.Calls); i++ {
		t := Triple{s.Calls[i].Op, s.Calls[i+1].Op, s.Calls[i+2].Op}
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

// QualityRecord is the coverage summary attached to every accepted sequence.
// Field order matches the artifact's Quality line.
type QualityRecord struct {
	// Density is the fraction of the invoked operations' declared branches that were hit.
	Density float64 `json:"density"`

	// UniqueBranches maps branch IDs to hit counts.
	UniqueBranches map[string]int `json:"unique_branches"`

	// LibraryCalls lists the distinct operations invoked, in first-call order.
	LibraryCalls []string `json:"library_calls"`

	// CriticalCalls lists the distinct critical operations invoked, in first-call order.
	CriticalCalls []string `json:"critical_calls"`

	// Visited counts how often the entry was selected as a parent.
	Visited int `json:"visited"`
}

// Normalize replaces nil collections with empty ones.
func (q *QualityRecord) Normalize() {
	if q.UniqueBranches == nil {
		q.UniqueBranches = map[string]int{}
	}
	if q.LibraryCalls == nil {
		q.LibraryCalls = []string{}
	}
	if q.CriticalCalls == nil {
		q.CriticalCalls = []string{}
	}
}

// Branches returns the sorted unique branch IDs.
func (q QualityRecord) Branches() []string {
	ids := make([]string, 0, len(q.UniqueBranches))
	for id := range q.UniqueBranches {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CriticalWeight is the score contribution of each distinct critical call.
const CriticalWeight = 0.5

// Score condenses the record into the header's score value.
func (q QualityRecord) Score() float64 {
	return float64(len(q.UniqueBranches))*q.Density + CriticalWeight*float64(len(q.CriticalCalls))
}

// SameCoverage reports whether two records agree on the scoring fields.
func (q QualityRecord) SameCoverage(other QualityRecord) bool {
	if q.Density != other.Density || len(q.UniqueBranches) != len(other.UniqueBranches) {
		return false
	}
	for id, n := range q.UniqueBranches {
		if other.UniqueBranches[id] != n {
			return false
		}
	}
	return true
}

// Combination records the crossover provenance of an entry.
type Combination struct {
	// ParentA is the entry the prefix came from.
	ParentA string `json:"parent_a"`

	// ParentB is the entry the suffix came from.
	ParentB string `json:"parent_b"`

	// CutA is the prefix length taken from ParentA.
	CutA int `json:"cut_a"`

	// CutB is the suffix start in ParentB.
	CutB int `json:"cut_b"`
}

// String renders the provenance as it appears in artifacts.
func (c *Combination) String() string {
	if c == nil {
		return "none"
	}
	return fmt.Sprintf("%s x %s @ %d/%d", c.ParentA, c.ParentB, c.CutA, c.CutB)
}

// ParseCombination parses the artifact form produced by Combination.String.
func ParseCombination(s string) (*Combination, error) {
	s = strings.TrimSpace(s)
	if s == "none" {
		return nil, nil
	}
	var c Combination
	if _, err := fmt.Sscanf(s, "%s x %s @ %d/%d", &c.ParentA, &c.ParentB, &c.CutA, &c.CutB); err != nil {
		return nil, fmt.Errorf("invalid combination %q: %w", s, err)
	}
	return &c, nil
}

// Entry is an accepted, scored sequence.
type Entry struct {
	// ID is the corpus identifier ("id_000001").
	ID string `json:"id"`

	// Prompt is the free-form generation tag. It may be empty.
	Prompt string `json:"prompt"`

	// Combination is nil for seeds.
	Combination *Combination `json:"combination,omitempty"`

	// Score is the condensed quality score.
	Score float64 `json:"score"`

	// Quality is the coverage summary.
	Quality QualityRecord `json:"quality"`

	// Sequence is the accepted call sequence.
	Sequence Sequence `json:"sequence"`
}

// FormatEntryID formats a corpus identifier.
func FormatEntryID(n int) string {
	return fmt.Sprintf("id_%06d", n)
}

// FaultRecord is a candidate routed to the crash corpus or the hung log.
type FaultRecord struct {
	// ID is the fault identifier ("crash_000001", "hang_000001").
	ID string `json:"id"`

	// Prompt is the generation tag of the candidate.
	Prompt string `json:"prompt"`

	// Combination is the candidate's provenance.
	Combination *Combination `json:"combination,omitempty"`

	// Sequence is the faulting sequence.
	Sequence Sequence `json:"sequence"`

	// Fault describes what happened.
	Fault ExecutionFault `json:"fault"`

	// RecordedAt is when the fault was routed.
	RecordedAt time.Time `json:"recorded_at"`
}

// Candidate is an admissible next call.
type Candidate struct {
	// Op is the operation contract.
	Op *Operation

	// Args are the bindings.
	Args []Arg
}

// Call converts the candidate to an unbound-result call.
func (c Candidate) Call() Call {
	return Call{Op: c.Op.Name, Args: c.Args}
}
