package engine

import (
	"fmt"
	"sort"
)

// ledger is the mutable state of one sequence under construction.
type ledger struct {
	instances    map[string]*Instance
	order        []string
	derived      map[string]*DerivedValue
	derivedOrder []string
	frees        map[string]int
	calls        []Call
	nextInstance int
	nextDerived  int
}

func newLedger() *ledger {
	return &ledger{
		instances: make(map[string]*Instance),
		derived:   make(map[string]*DerivedValue),
		frees:     make(map[string]int),
	}
}

func (l *ledger) clone() *ledger {
	out := &ledger{
		instances:    make(map[string]*Instance, len(l.instances)),
		order:        append([]string(nil), l.order...),
		derived:      make(map[string]*DerivedValue, len(l.derived)),
		derivedOrder: append([]string(nil), l.derivedOrder...),
		frees:        make(map[string]int, len(l.frees)),
		calls:        make([]Call, len(l.calls)),
		nextInstance: l.nextInstance,
		nextDerived:  l.nextDerived,
	}
	for id, inst := range l.instances {
		cp := *inst
		out.instances[id] = &cp
	}
	for id, d := range l.derived {
		cp := *d
		out.derived[id] = &cp
	}
	for id, n := range l.frees {
		out.frees[id] = n
	}
	for i, c := range l.calls {
		out.calls[i] = Call{Op: c.Op, Result: c.Result, Args: append([]Arg(nil), c.Args...)}
	}
	return out
}

// ownedBy reports whether id is owner or transitively owned by owner.
func (l *ledger) ownedBy(id, owner string) bool {
	seen := make(map[string]bool)
	for cur := id; cur != "" && !seen[cur]; {
		if cur == owner {
			return true
		}
		seen[cur] = true
		inst, ok := l.instances[cur]
		if !ok || !inst.Owner.IsInstance() {
			return false
		}
		cur = string(inst.Owner)
	}
	return false
}

// release cascades a free or invalidation to everything the instance owns.
func (l *ledger) release(id string) {
	for _, childID := range l.order {
		child := l.instances[childID]
		if child.Owner == Owner(id) && child.State.IsLive() {
			child.State = StateInvalid
			l.release(childID)
		}
	}
}

// Snapshot is an immutable copy of a tracker's state.
type Snapshot struct {
	l *ledger
}

// EmptySnapshot returns the state of a fresh tracker.
func EmptySnapshot() Snapshot {
	return Snapshot{l: newLedger()}
}

// Len returns the number of calls committed when the snapshot was taken.
func (s Snapshot) Len() int {
	if s.l == nil {
		return 0
	}
	return len(s.l.calls)
}

// ledger returns the snapshot state; the zero Snapshot is the empty state.
func (s Snapshot) ledger() *ledger {
	if s.l == nil {
		return newLedger()
	}
	return s.l
}

// Instance returns an instance as of the snapshot.
func (s Snapshot) Instance(id string) (Instance, bool) {
	if s.l == nil {
		return Instance{}, false
	}
	inst, ok := s.l.instances[id]
	if !ok {
		return Instance{}, false
	}
	return *inst, true
}

// Tracker owns the lifecycle state of every resource instance of one sequence.
// A Tracker is not safe for concurrent use; each worker owns its own.
type Tracker struct {
	catalog *Catalog
	l       *ledger
	ban     map[string]bool
	err     error
}

// NewTracker creates a tracker with no instances. An unvalidated catalog is
// validated first; if that fails, the tracker admits nothing and Commit
// returns the catalog error.
func NewTracker(catalog *Catalog) *Tracker {
	return &Tracker{catalog: catalog, l: newLedger(), err: catalog.ensureValidated()}
}

// Ban excludes operations from AdmissibleNext. Commit still accepts them.
func (t *Tracker) Ban(ops ...string) {
	if t.ban == nil {
		t.ban = make(map[string]bool)
	}
	for _, op := range ops {
		t.ban[op] = true
	}
}

// Catalog returns the catalog the tracker checks against.
func (t *Tracker) Catalog() *Catalog {
	return t.catalog
}

// AdmissibleNext returns every (operation, bindings) pair that Commit would accept now,
// capped at MaxBindingsPerOperation bindings per operation.
func (t *Tracker) AdmissibleNext() []Candidate {
	if t.err != nil {
		return nil
	}
	var out []Candidate
	for i := range t.catalog.Operations {
		op := &t.catalog.Operations[i]
		if t.ban[op.Name] {
			continue
		}
		for _, args := range t.catalog.bindings(t.l, op, MaxBindingsPerOperation) {
			out = append(out, Candidate{Op: op, Args: args})
		}
	}
	return out
}

// Commit applies a call's postconditions. It returns a contract violation, and
// leaves the state untouched, if the call would break a lifecycle invariant.
func (t *Tracker) Commit(opName string, args []Arg) (Call, error) {
	if t.err != nil {
		return Call{}, t.err
	}
	op, ok := t.catalog.Operation(opName)
	if !ok {
		return Call{}, NewContractViolation("unknown operation").WithOperation(opName).WithCode(ErrCodeUnknownOperation)
	}
	eff, err := t.catalog.apply(t.l, op, args)
	if err != nil {
		return Call{}, err
	}

	index := len(t.l.calls)
	for _, tr := range eff.Transitions {
		inst := t.l.instances[tr.Instance]
		switch tr.Kind {
		case EffectFree:
			inst.State = StateFreed
			t.l.frees[inst.ID]++
			t.l.release(inst.ID)
		case EffectInvalidate:
			inst.State = StateInvalid
			t.l.release(inst.ID)
		case EffectTransfer, EffectDetach:
			inst.State = tr.State
			inst.Owner = tr.Owner
		case EffectSetState:
			inst.State = tr.State
		case EffectMutate:
			inst.Generation++
		}
	}

	call := Call{Op: op.Name, Args: append([]Arg(nil), args...)}
	switch {
	case eff.Created != nil:
		t.l.nextInstance++
		inst := *eff.Created
		inst.ID = fmt.Sprintf("r%d", t.l.nextInstance)
		inst.CreatedBy = index
		t.l.instances[inst.ID] = &inst
		t.l.order = append(t.l.order, inst.ID)
		call.Result = inst.ID
	case eff.Derived != nil:
		t.l.nextDerived++
		d := *eff.Derived
		d.ID = fmt.Sprintf("d%d", t.l.nextDerived)
		t.l.derived[d.ID] = &d
		t.l.derivedOrder = append(t.l.derivedOrder, d.ID)
		call.Result = d.ID
	}
	t.l.calls = append(t.l.calls, call)
	return call, nil
}

// CommitCandidate commits an admissible candidate.
func (t *Tracker) CommitCandidate(c Candidate) (Call, error) {
	return t.Commit(c.Op.Name, c.Args)
}

// Snapshot captures the current state for backtracking.
func (t *Tracker) Snapshot() Snapshot {
	return Snapshot{l: t.l.clone()}
}

// Restore rewinds the tracker to a snapshot. A snapshot can be restored any number of times.
func (t *Tracker) Restore(s Snapshot) {
	if s.l == nil {
		t.l = newLedger()
		return
	}
	t.l = s.l.clone()
}

// Instance returns the current view of an instance.
func (t *Tracker) Instance(id string) (Instance, bool) {
	inst, ok := t.l.instances[id]
	if !ok {
		return Instance{}, false
	}
	return *inst, true
}

// Instances returns every instance in creation order.
func (t *Tracker) Instances() []Instance {
	out := make([]Instance, 0, len(t.l.order))
	for _, id := range t.l.order {
		out = append(out, *t.l.instances[id])
	}
	return out
}

// Live returns the caller-owned instances that still need releasing, newest first.
func (t *Tracker) Live() []Instance {
	var out []Instance
	for i := len(t.l.order) - 1; i >= 0; i-- {
		inst := t.l.instances[t.l.order[i]]
		if inst.Owner == OwnerCaller && inst.State.IsLive() {
			out = append(out, *inst)
		}
	}
	return out
}

// Complete returns true if every caller-owned instance has been released.
func (t *Tracker) Complete() bool {
	return len(t.Live()) == 0
}

// FreeCount returns how many times an instance was freed.
func (t *Tracker) FreeCount(id string) int {
	return t.l.frees[id]
}

// Len returns the number of committed calls.
func (t *Tracker) Len() int {
	return len(t.l.calls)
}

// Calls returns a copy of the committed calls.
func (t *Tracker) Calls() []Call {
	return t.Snapshot().l.calls
}

// Sequence returns the committed calls as a sequence.
func (t *Tracker) Sequence() Sequence {
	return Sequence{Library: t.catalog.Library, Calls: t.Calls()}
}

// BranchesHit returns the branches a candidate would reach from the current state.
func (t *Tracker) BranchesHit(c Candidate) []string {
	return branchesHit(t.l, c.Op, c.Args)
}

// Replay commits every call of seq into a fresh tracker, checking that result IDs
// match what the tracker assigns. It does not require the sequence to be complete.
func Replay(catalog *Catalog, seq Sequence) (*Tracker, error) {
	if seq.Library != "" && seq.Library != catalog.Library {
		return nil, NewContractViolation("sequence targets another library").
			WithDetail("library", seq.Library).WithDetail("catalog", catalog.Library)
	}
	t := NewTracker(catalog)
	for i, c := range seq.Calls {
		got, err := t.Commit(c.Op, c.Args)
		if err != nil {
			if ee, ok := err.(*EngineError); ok {
				return nil, ee.WithDetail("position", i)
			}
			return nil, err
		}
		if got.Result != c.Result {
			return nil, NewContractViolation("result binding mismatch").
				WithOperation(c.Op).WithCode(ErrCodeBindingMismatch).
				WithDetail("position", i).WithDetail("want", got.Result).WithDetail("got", c.Result)
		}
	}
	return t, nil
}

// Validate replays seq and requires that it ends with every caller-owned instance released.
func Validate(catalog *Catalog, seq Sequence) error {
	t, err := Replay(catalog, seq)
	if err != nil {
		return err
	}
	if live := t.Live(); len(live) > 0 {
		ids := make([]string, len(live))
		for i, inst := range live {
			ids[i] = inst.ID
		}
		sort.Strings(ids)
		return NewContractViolation("sequence leaves instances unreleased").WithDetail("live", ids)
	}
	return nil
}
