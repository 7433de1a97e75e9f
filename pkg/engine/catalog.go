package engine

import (
	"errors"
	"fmt"
	"sort"
)

// MaxBindingsPerOperation caps how many bindings of one operation AdmissibleNext proposes.
const MaxBindingsPerOperation = 32

// Catalog is the read-only contract table of one library.
// It is safe for concurrent use once Validate has succeeded.
type Catalog struct {
	// Library is the library name used in artifact function names.
	Library string `json:"library" validate:"required"`

	// Headers are the include lines rendered before the sequence body.
	Headers []string `json:"headers,omitempty"`

	// Roles are the resource roles the catalog knows about.
	Roles []Role `json:"roles" validate:"dive"`

	// Operations are the operation contracts in declaration order.
	Operations []Operation `json:"operations" validate:"required,min=1,dive"`

	roles map[string]*Role
	ops   map[string]*Operation
}

// Validate checks catalog consistency and builds lookup indexes.
// Every failure is a catalog inconsistency and must stop the run.
func (c *Catalog) Validate() error {
	if c.Library == "" {
		return NewCatalogError("catalog has no library name", nil)
	}

	roles := make(map[string]*Role, len(c.Roles))
	for i := range c.Roles {
		r := &c.Roles[i]
		if r.Name == "" || r.CType == "" {
			return NewCatalogError("role requires name and ctype", nil).WithDetail("index", i)
		}
		if _, dup := roles[r.Name]; dup {
			return NewCatalogError("duplicate role", nil).WithResource(r.Name)
		}
		roles[r.Name] = r
	}

	ops := make(map[string]*Operation, len(c.Operations))
	branches := make(map[string]string)
	var errs []error
	for i := range c.Operations {
		op := &c.Operations[i]
		if op.Name == "" {
			errs = append(errs, NewCatalogError("operation without name", nil).WithDetail("index", i))
			continue
		}
		if _, dup := ops[op.Name]; dup {
			errs = append(errs, NewCatalogError("duplicate operation", nil).WithOperation(op.Name))
			continue
		}
		ops[op.Name] = op
		if err := validateOperation(op, roles); err != nil {
			errs = append(errs, err)
		}
		for _, b := range op.Branches {
			if prev, dup := branches[b.ID]; dup {
				errs = append(errs, NewCatalogError("branch declared twice", nil).
					WithOperation(op.Name).WithDetail("branch", b.ID).WithDetail("first", prev))
				continue
			}
			branches[b.ID] = op.Name
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	if err := validateReleasable(c.Roles, c.Operations); err != nil {
		return err
	}

	c.roles = roles
	c.ops = ops
	return nil
}

func validateOperation(op *Operation, roles map[string]*Role) error {
	fail := func(msg string) *EngineError {
		return NewCatalogError(msg, nil).WithOperation(op.Name)
	}

	if err := op.FailureMode.Validate(); err != nil {
		return NewCatalogError("bad failure mode", err).WithOperation(op.Name)
	}

	names := make(map[string]int, len(op.Params))
	for i, p := range op.Params {
		if p.Name == "" {
			return fail("parameter requires a name").WithDetail("index", i)
		}
		if _, dup := names[p.Name]; dup {
			return fail("duplicate parameter").WithDetail("param", p.Name)
		}
		names[p.Name] = i
		if err := p.Kind.Validate(); err != nil {
			return NewCatalogError("bad parameter kind", err).WithOperation(op.Name)
		}
		if p.ByRef && p.Kind != ParamResource {
			return fail("only resource parameters can be passed by reference").WithDetail("param", p.Name)
		}
		switch p.Kind {
		case ParamResource:
			if _, ok := roles[p.Role]; !ok {
				return fail("parameter references unknown role").WithDetail("param", p.Name).WithDetail("role", p.Role)
			}
			for _, s := range p.States {
				if err := s.Validate(); err != nil {
					return NewCatalogError("bad parameter state", err).WithOperation(op.Name)
				}
			}
		case ParamLiteral:
			if len(p.Values) == 0 {
				return fail("literal parameter has an empty domain").WithDetail("param", p.Name)
			}
			for _, v := range p.Values {
				if err := v.Validate(); err != nil {
					return NewCatalogError("bad literal", err).WithOperation(op.Name).WithDetail("param", p.Name)
				}
			}
		case ParamDerived:
			if p.Derived == "" {
				return fail("derived parameter requires a kind").WithDetail("param", p.Name)
			}
			j, ok := names[p.Of]
			if !ok || op.Params[j].Kind != ParamResource {
				return fail("derived parameter must name an earlier resource parameter").WithDetail("param", p.Name)
			}
		}
	}

	resourceParam := func(name string) bool {
		i, ok := names[name]
		return ok && op.Params[i].Kind == ParamResource
	}

	for _, p := range op.Params {
		if p.OwnedBy == "" {
			continue
		}
		if p.Kind != ParamResource || p.OwnedBy == p.Name || !resourceParam(p.OwnedBy) {
			return fail("owned_by must name another resource parameter").WithDetail("param", p.Name)
		}
	}

	if r := op.Returns; r != nil {
		switch r.Kind {
		case ReturnResource:
			if _, ok := roles[r.Role]; !ok {
				return fail("result references unknown role").WithDetail("role", r.Role)
			}
			if r.State != "" {
				if err := r.State.Validate(); err != nil || r.State.IsTerminal() {
					return fail("result state must be a live state").WithDetail("state", r.State)
				}
			}
			if r.Owner != "" && r.Owner != "caller" && r.Owner != "none" && !resourceParam(r.Owner) {
				return fail("result owner must be caller, none or a resource parameter").WithDetail("owner", r.Owner)
			}
			if r.Out < 0 || r.Out > len(op.Params)+1 {
				return fail("result pointer position out of range").WithDetail("out", r.Out)
			}
		case ReturnDerived:
			if r.Derived == "" || r.CType == "" {
				return fail("derived result requires a kind and ctype")
			}
			if !resourceParam(r.Of) {
				return fail("derived result must name a resource parameter").WithDetail("of", r.Of)
			}
		default:
			return fail("unknown result kind").WithDetail("kind", r.Kind)
		}
	}

	for _, e := range op.Effects {
		if err := e.Kind.Validate(); err != nil {
			return NewCatalogError("bad effect", err).WithOperation(op.Name)
		}
		if !resourceParam(e.Target) {
			return fail("effect targets an unknown resource").WithDetail("target", e.Target)
		}
		switch e.Kind {
		case EffectSetState:
			if err := e.State.Validate(); err != nil || e.State.IsTerminal() {
				return fail("set_state requires a live state").WithDetail("state", e.State)
			}
		case EffectTransfer:
			if !resourceParam(e.Owner) || e.Owner == e.Target {
				return fail("transfer requires a distinct owner parameter").WithDetail("owner", e.Owner)
			}
			if e.State != "" && (e.State.Validate() != nil || e.State.IsTerminal()) {
				return fail("transfer state must be a live state").WithDetail("state", e.State)
			}
		}
	}

	if op.SafeOnInvalid && (len(op.Effects) > 0 || op.Creates()) {
		return fail("safe-on-invalid operations must be inert")
	}

	for _, b := range op.Branches {
		if b.ID == "" {
			return fail("branch requires an id")
		}
		if b.Param == "" {
			continue
		}
		i, ok := names[b.Param]
		if !ok {
			return fail("branch condition names an unknown parameter").WithDetail("branch", b.ID)
		}
		if op.Params[i].Kind == ParamLiteral && !inDomain(op.Params[i].Values, b.Value) {
			return fail("literal branch condition is outside the parameter domain").
				WithDetail("branch", b.ID).WithDetail("value", b.Value)
		}
	}
	return nil
}

// validateReleasable rejects roles that can be created caller-owned but never freed.
func validateReleasable(roles []Role, ordered []Operation) error {
	created := make(map[string]bool)
	freeable := make(map[string]bool)
	for i := range ordered {
		op := &ordered[i]
		if op.Creates() && (op.Returns.Owner == "" || op.Returns.Owner == "caller") {
			created[op.Returns.Role] = true
		}
		for _, e := range op.Effects {
			if e.Kind != EffectFree {
				continue
			}
			if p, _ := op.Param(e.Target); p != nil {
				freeable[p.Role] = true
			}
		}
	}
	for _, r := range roles {
		if created[r.Name] && !freeable[r.Name] {
			return NewCatalogError("role can be created but never freed", nil).WithResource(r.Name)
		}
	}
	return nil
}

// Validated reports whether Validate has built the lookup indexes.
func (c *Catalog) Validated() bool {
	return c.ops != nil
}

// ensureValidated validates a catalog on first use. Constructors call it so
// that an unvalidated catalog fails loudly instead of looking empty.
func (c *Catalog) ensureValidated() error {
	if c.Validated() {
		return nil
	}
	return c.Validate()
}

// Operation looks up an operation contract by name.
func (c *Catalog) Operation(name string) (*Operation, bool) {
	op, ok := c.ops[name]
	return op, ok
}

// Role looks up a role by name.
func (c *Catalog) Role(name string) (*Role, bool) {
	r, ok := c.roles[name]
	return r, ok
}

// TotalBranches returns the number of branches declared across the catalog.
func (c *Catalog) TotalBranches() int {
	n := 0
	for i := range c.Operations {
		n += len(c.Operations[i].Branches)
	}
	return n
}

// Admissible returns the operations that have at least one satisfiable binding
// against the given state.
func (c *Catalog) Admissible(s Snapshot) []*Operation {
	var out []*Operation
	for i := range c.Operations {
		op := &c.Operations[i]
		if len(c.bindings(s.ledger(), op, 1)) > 0 {
			out = append(out, op)
		}
	}
	return out
}

// Apply computes the effects of calling op with args against the given state.
// It does not modify the state. Bindings that violate the contract return a
// contract violation error.
func (c *Catalog) Apply(s Snapshot, opName string, args []Arg) (*Effects, error) {
	op, ok := c.Operation(opName)
	if !ok {
		return nil, NewContractViolation("unknown operation").WithOperation(opName).WithCode(ErrCodeUnknownOperation)
	}
	return c.apply(s.ledger(), op, args)
}

// Transition is one resolved state change on an existing instance.
type Transition struct {
	Kind     EffectKind
	Instance string
	State    State
	Owner    Owner
}

// Effects is the resolved postcondition of one call.
type Effects struct {
	// Transitions apply to existing instances in order.
	Transitions []Transition

	// Created is the new instance, if any. Its ID is assigned on commit.
	Created *Instance

	// Derived is the new derived value, if any. Its ID is assigned on commit.
	Derived *DerivedValue
}

func (c *Catalog) apply(l *ledger, op *Operation, args []Arg) (*Effects, error) {
	violation := func(msg, code string) *EngineError {
		return NewContractViolation(msg).WithOperation(op.Name).WithCode(code)
	}

	if len(args) != len(op.Params) {
		return nil, violation("argument count mismatch", ErrCodeBindingMismatch).
			WithDetail("want", len(op.Params)).WithDetail("got", len(args))
	}

	bound := make(map[string]*Instance, len(op.Params))
	for i, p := range op.Params {
		a := args[i]
		if a.Kind != p.Kind {
			return nil, violation("argument kind mismatch", ErrCodeBindingMismatch).WithDetail("param", p.Name)
		}
		switch p.Kind {
		case ParamResource:
			inst, ok := l.instances[a.Ref]
			if !ok {
				return nil, violation("unknown resource instance", ErrCodeBindingMismatch).WithResource(a.Ref)
			}
			if inst.Role != p.Role {
				return nil, violation("resource role mismatch", ErrCodeBindingMismatch).
					WithResource(a.Ref).WithDetail("want", p.Role).WithDetail("got", inst.Role)
			}
			if inst.State.IsTerminal() && !op.SafeOnInvalid {
				code := ErrCodeUseAfterFree
				if op.Frees() {
					code = ErrCodeDoubleFree
				}
				return nil, violation("operation applied to a released instance", code).
					WithResource(a.Ref).WithDetail("state", inst.State)
			}
			if len(p.States) > 0 && !containsState(p.States, inst.State) {
				return nil, violation("precondition state not satisfied", ErrCodeContractViolation).
					WithResource(a.Ref).WithDetail("state", inst.State).WithDetail("param", p.Name)
			}
			for name, other := range bound {
				if other.ID == inst.ID {
					return nil, violation("instance bound to two parameters", ErrCodeBindingMismatch).
						WithResource(a.Ref).WithDetail("param", name)
				}
			}
			bound[p.Name] = inst
		case ParamLiteral:
			if !containsLiteral(p.Values, a.Literal) {
				return nil, violation("literal outside parameter domain", ErrCodeBindingMismatch).
					WithDetail("param", p.Name).WithDetail("value", a.Literal.Value)
			}
		case ParamDerived:
			d, ok := l.derived[a.Ref]
			if !ok {
				return nil, violation("unknown derived value", ErrCodeStaleDerived).WithResource(a.Ref)
			}
			src := bound[p.Of]
			if d.Kind != p.Derived || src == nil || d.Source != src.ID {
				return nil, violation("derived value does not come from the bound container", ErrCodeStaleDerived).
					WithResource(a.Ref).WithDetail("param", p.Name)
			}
			if d.Generation != src.Generation {
				return nil, violation("derived value is stale", ErrCodeStaleDerived).
					WithResource(a.Ref).WithDetail("param", p.Name)
			}
		}
	}

	for _, p := range op.Params {
		if p.OwnedBy == "" {
			continue
		}
		child, parent := bound[p.Name], bound[p.OwnedBy]
		if child.Owner != Owner(parent.ID) {
			return nil, violation("argument is not owned by the bound parent", ErrCodeOwnership).
				WithResource(child.ID).WithDetail("param", p.Name).WithDetail("owner", child.Owner.String())
		}
	}

	eff := &Effects{}
	if r := op.Returns; r != nil {
		switch r.Kind {
		case ReturnResource:
			inst := &Instance{Role: r.Role, State: r.State, Owner: OwnerCaller}
			if inst.State == "" {
				inst.State = StateCreated
			}
			switch r.Owner {
			case "", "caller":
			case "none":
				inst.Owner = OwnerNone
			default:
				inst.Owner = Owner(bound[r.Owner].ID)
				if r.State == "" {
					inst.State = StateBorrowed
				}
			}
			eff.Created = inst
		case ReturnDerived:
			src := bound[r.Of]
			eff.Derived = &DerivedValue{Kind: r.Derived, Source: src.ID, Generation: src.Generation}
		}
	}

	// Ownership is tracked through the effects applied so far in this call.
	owners := make(map[string]Owner, len(bound))
	for _, inst := range bound {
		owners[inst.ID] = inst.Owner
	}
	for _, e := range op.Effects {
		target := bound[e.Target]
		owner := owners[target.ID]
		switch e.Kind {
		case EffectFree:
			if owner != OwnerCaller {
				return nil, violation("only caller-owned instances can be freed", ErrCodeOwnership).
					WithResource(target.ID).WithDetail("owner", owner.String())
			}
			eff.Transitions = append(eff.Transitions, Transition{Kind: EffectFree, Instance: target.ID, State: StateFreed, Owner: OwnerCaller})
		case EffectTransfer:
			if owner != OwnerCaller {
				return nil, violation("ownership transfer of an instance owned elsewhere", ErrCodeOwnership).
					WithResource(target.ID).WithDetail("owner", owner.String())
			}
			newOwner := bound[e.Owner]
			if l.ownedBy(newOwner.ID, target.ID) {
				return nil, violation("ownership transfer would create a cycle", ErrCodeOwnership).
					WithResource(target.ID).WithDetail("owner", newOwner.ID)
			}
			state := e.State
			if state == "" {
				state = StateAttached
			}
			owners[target.ID] = Owner(newOwner.ID)
			eff.Transitions = append(eff.Transitions, Transition{Kind: EffectTransfer, Instance: target.ID, State: state, Owner: Owner(newOwner.ID)})
		case EffectDetach:
			if !owner.IsInstance() {
				return nil, violation("detach of an instance that is not attached", ErrCodeOwnership).
					WithResource(target.ID).WithDetail("owner", owner.String())
			}
			owners[target.ID] = OwnerCaller
			eff.Transitions = append(eff.Transitions, Transition{Kind: EffectDetach, Instance: target.ID, State: StateDetached, Owner: OwnerCaller})
		case EffectSetState, EffectInvalidate, EffectMutate:
			state := e.State
			if e.Kind == EffectInvalidate {
				state = StateInvalid
			}
			eff.Transitions = append(eff.Transitions, Transition{Kind: e.Kind, Instance: target.ID, State: state, Owner: owner})
		}
	}
	return eff, nil
}

// BranchesHit returns the branch IDs op reaches when called with args against the state.
func (c *Catalog) BranchesHit(s Snapshot, op *Operation, args []Arg) []string {
	return branchesHit(s.ledger(), op, args)
}

func branchesHit(l *ledger, op *Operation, args []Arg) []string {
	var hit []string
	for _, b := range op.Branches {
		if b.Param == "" {
			hit = append(hit, b.ID)
			continue
		}
		p, i := op.Param(b.Param)
		if p == nil || i >= len(args) {
			continue
		}
		a := args[i]
		switch p.Kind {
		case ParamResource:
			inst, ok := l.instances[a.Ref]
			if ok && (len(b.States) == 0 || containsState(b.States, inst.State)) {
				hit = append(hit, b.ID)
			}
		case ParamLiteral:
			if a.Literal.Type != LiteralNull && a.Literal.Value == b.Value {
				hit = append(hit, b.ID)
			}
		case ParamDerived:
			hit = append(hit, b.ID)
		}
	}
	return hit
}

// bindings enumerates up to limit admissible argument lists for op.
func (c *Catalog) bindings(l *ledger, op *Operation, limit int) [][]Arg {
	var out [][]Arg
	args := make([]Arg, len(op.Params))
	used := make(map[string]bool)

	var walk func(i int)
	walk = func(i int) {
		if len(out) >= limit {
			return
		}
		if i == len(op.Params) {
			if _, err := c.apply(l, op, args); err == nil {
				out = append(out, append([]Arg(nil), args...))
			}
			return
		}
		p := op.Params[i]
		switch p.Kind {
		case ParamResource:
			for _, id := range l.order {
				inst := l.instances[id]
				if used[id] || inst.Role != p.Role {
					continue
				}
				if inst.State.IsTerminal() && !op.SafeOnInvalid {
					continue
				}
				if len(p.States) > 0 && !containsState(p.States, inst.State) {
					continue
				}
				used[id] = true
				args[i] = RefArg(id)
				walk(i + 1)
				used[id] = false
			}
		case ParamLiteral:
			for _, v := range p.Values {
				args[i] = Arg{Kind: ParamLiteral, Literal: v}
				walk(i + 1)
			}
		case ParamDerived:
			_, j := op.Param(p.Of)
			src := args[j].Ref
			for _, id := range l.derivedOrder {
				d := l.derived[id]
				if d.Kind != p.Derived || d.Source != src {
					continue
				}
				args[i] = DerivedArg(id)
				walk(i + 1)
			}
		}
	}
	walk(0)
	return out
}

func containsState(states []State, s State) bool {
	for _, x := range states {
		if x == s {
			return true
		}
	}
	return false
}

func containsLiteral(values []Literal, v Literal) bool {
	for _, x := range values {
		if x.Type == v.Type && x.Value == v.Value {
			return true
		}
		if x.Type == LiteralNull && v.Type == LiteralNull {
			return true
		}
	}
	return false
}

// inDomain reports whether a non-null literal of the domain has the given text.
// NULL carries no text and cannot condition a branch.
func inDomain(values []Literal, text string) bool {
	for _, x := range values {
		if x.Type != LiteralNull && x.Value == text {
			return true
		}
	}
	return false
}

// RoleProducers returns, for each role, the operations that create it, sorted by name.
func (c *Catalog) RoleProducers() map[string][]string {
	out := make(map[string][]string)
	for i := range c.Operations {
		op := &c.Operations[i]
		if op.Creates() {
			out[op.Returns.Role] = append(out[op.Returns.Role], op.Name)
		}
	}
	for role := range out {
		sort.Strings(out[role])
	}
	return out
}

// String returns a short description of the catalog.
func (c *Catalog) String() string {
	return fmt.Sprintf("%s (%d roles, %d operations, %d branches)",
		c.Library, len(c.Roles), len(c.Operations), c.TotalBranches())
}
