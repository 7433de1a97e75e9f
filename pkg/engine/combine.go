package engine

import (
	"fmt"
)

// Combine splices the first cutA calls of a with the calls of b from cutB on.
//
// Instances the suffix references but did not create are rebound to live
// instances of the same role in the prefix. The spliced calls are then
// released with Cleanup and the whole child is replayed from position 0
// through a fresh tracker. Any failure discards the child: the result is
// either a sequence that validates on its own or an error.
func Combine(catalog *Catalog, a, b Sequence, cutA, cutB, maxLen int) (Sequence, error) {
	if cutA < 0 || cutA > len(a.Calls) || cutB < 0 || cutB > len(b.Calls) {
		return Sequence{}, fmt.Errorf("%w: cut %d/%d out of range", ErrNoCompatibleCut, cutA, cutB)
	}

	prefix, err := Replay(catalog, Sequence{Library: a.Library, Calls: a.Calls[:cutA]})
	if err != nil {
		return Sequence{}, fmt.Errorf("%w: prefix: %v", ErrCombineRejected, err)
	}
	before, err := Replay(catalog, Sequence{Library: b.Library, Calls: b.Calls[:cutB]})
	if err != nil {
		return Sequence{}, fmt.Errorf("%w: suffix context: %v", ErrCombineRejected, err)
	}

	rename, err := bindSuffix(prefix, before, b.Calls[cutB:])
	if err != nil {
		return Sequence{}, err
	}

	for i, c := range b.Calls[cutB:] {
		args := make([]Arg, len(c.Args))
		for j, arg := range c.Args {
			args[j] = arg
			if arg.Kind != ParamLiteral {
				args[j].Ref = rename[arg.Ref]
			}
		}
		got, err := prefix.Commit(c.Op, args)
		if err != nil {
			return Sequence{}, fmt.Errorf("%w: suffix call %d: %v", ErrCombineRejected, cutB+i, err)
		}
		if c.Result != "" {
			rename[c.Result] = got.Result
		}
	}

	if err := Cleanup(prefix, maxLen, nil); err != nil {
		return Sequence{}, fmt.Errorf("%w: %v", ErrCombineRejected, err)
	}

	child := prefix.Sequence()
	if maxLen > 0 && child.Len() > maxLen {
		return Sequence{}, fmt.Errorf("%w: child has %d calls, limit %d", ErrCombineRejected, child.Len(), maxLen)
	}
	if child.Len() == 0 {
		return Sequence{}, fmt.Errorf("%w: empty child", ErrCombineRejected)
	}
	if err := Validate(catalog, child); err != nil {
		return Sequence{}, fmt.Errorf("%w: replay: %v", ErrCombineRejected, err)
	}
	return child, nil
}

// bindSuffix maps every reference the suffix makes to something created before
// the cut onto a compatible live instance (or current derived value) of the prefix.
func bindSuffix(prefix, before *Tracker, suffix []Call) (map[string]string, error) {
	rename := make(map[string]string)
	taken := make(map[string]bool)
	createdInSuffix := make(map[string]bool)

	for _, c := range suffix {
		for _, arg := range c.Args {
			if arg.Kind == ParamLiteral || createdInSuffix[arg.Ref] {
				continue
			}
			if _, done := rename[arg.Ref]; done {
				continue
			}
			switch arg.Kind {
			case ParamResource:
				old, ok := before.l.instances[arg.Ref]
				if !ok {
					return nil, fmt.Errorf("%w: suffix references unknown %s", ErrNoCompatibleCut, arg.Ref)
				}
				id, ok := pickLive(prefix, old, taken)
				if !ok {
					return nil, fmt.Errorf("%w: no live %s instance for %s", ErrNoCompatibleCut, old.Role, arg.Ref)
				}
				taken[id] = true
				rename[arg.Ref] = id
			case ParamDerived:
				old, ok := before.l.derived[arg.Ref]
				if !ok {
					return nil, fmt.Errorf("%w: suffix references unknown %s", ErrNoCompatibleCut, arg.Ref)
				}
				src, ok := rename[old.Source]
				if !ok {
					return nil, fmt.Errorf("%w: derived %s has unbound source %s", ErrNoCompatibleCut, arg.Ref, old.Source)
				}
				id, ok := latestDerived(prefix, old.Kind, src)
				if !ok {
					return nil, fmt.Errorf("%w: no current %s of %s", ErrNoCompatibleCut, old.Kind, src)
				}
				rename[arg.Ref] = id
			}
		}
		if c.Result != "" {
			createdInSuffix[c.Result] = true
		}
	}
	return rename, nil
}

// pickLive prefers an untaken live instance of the same role and state, then
// any untaken live instance of the same role, oldest first.
func pickLive(t *Tracker, want *Instance, taken map[string]bool) (string, bool) {
	fallback := ""
	for _, id := range t.l.order {
		inst := t.l.instances[id]
		if taken[id] || inst.Role != want.Role || !inst.State.IsLive() {
			continue
		}
		if inst.State == want.State && inst.Owner.IsInstance() == want.Owner.IsInstance() {
			return id, true
		}
		if fallback == "" {
			fallback = id
		}
	}
	return fallback, fallback != ""
}

func latestDerived(t *Tracker, kind, source string) (string, bool) {
	src, ok := t.l.instances[source]
	if !ok {
		return "", false
	}
	for i := len(t.l.derivedOrder) - 1; i >= 0; i-- {
		d := t.l.derived[t.l.derivedOrder[i]]
		if d.Kind == kind && d.Source == source && d.Generation == src.Generation {
			return d.ID, true
		}
	}
	return "", false
}
