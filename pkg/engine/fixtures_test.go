package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
)

// testCatalog returns a small tree-container library: objects own items once
// attached, sizes are derived from objects, and set_value mutates.
func testCatalog() *Catalog {
	return &Catalog{
		Library: "tree",
		Headers: []string{"tree.h"},
		Roles: []Role{
			{Name: "node", CType: "node_t *"},
		},
		Operations: []Operation{
			{
				Name:     "create_object",
				Returns:  &Returns{Kind: ReturnResource, Role: "node"},
				Branches: []Branch{{ID: "create_object:ok"}},
			},
			{
				Name: "create_string",
				Params: []Param{
					{Name: "s", Kind: ParamLiteral, Values: []Literal{
						{Type: LiteralString, Value: "a"},
						{Type: LiteralString, Value: "b"},
					}},
				},
				Returns:     &Returns{Kind: ReturnResource, Role: "node"},
				FailureMode: FailureMayReturnNull,
				Branches: []Branch{
					{ID: "create_string:a", Param: "s", Value: "a"},
					{ID: "create_string:b", Param: "s", Value: "b"},
				},
			},
			{
				Name: "add_item",
				Params: []Param{
					{Name: "obj", Kind: ParamResource, Role: "node", States: []State{StateCreated, StateConfigured}},
					{Name: "item", Kind: ParamResource, Role: "node", States: []State{StateCreated, StateDetached}},
				},
				Effects: []Effect{
					{Kind: EffectTransfer, Target: "item", Owner: "obj", State: StateAttached},
					{Kind: EffectSetState, Target: "obj", State: StateConfigured},
				},
				Branches: []Branch{
					{ID: "add_item:fresh", Param: "obj", States: []State{StateCreated}},
					{ID: "add_item:configured", Param: "obj", States: []State{StateConfigured}},
				},
			},
			{
				Name: "detach_item",
				Params: []Param{
					{Name: "obj", Kind: ParamResource, Role: "node", States: []State{StateConfigured}},
					{Name: "item", Kind: ParamResource, Role: "node", States: []State{StateAttached}, OwnedBy: "obj"},
				},
				Effects:  []Effect{{Kind: EffectDetach, Target: "item"}},
				Branches: []Branch{{ID: "detach_item:ok"}},
			},
			{
				Name:     "get_size",
				Params:   []Param{{Name: "obj", Kind: ParamResource, Role: "node"}},
				Returns:  &Returns{Kind: ReturnDerived, Derived: "size", Of: "obj", CType: "int"},
				Branches: []Branch{{ID: "get_size:ok"}},
			},
			{
				Name: "get_item",
				Params: []Param{
					{Name: "obj", Kind: ParamResource, Role: "node", States: []State{StateConfigured}},
					{Name: "idx", Kind: ParamDerived, Derived: "size", Of: "obj"},
				},
				Returns:  &Returns{Kind: ReturnResource, Role: "node", Owner: "obj"},
				Branches: []Branch{{ID: "get_item:ok"}},
			},
			{
				Name:     "set_value",
				Params:   []Param{{Name: "obj", Kind: ParamResource, Role: "node"}},
				Effects:  []Effect{{Kind: EffectMutate, Target: "obj"}},
				Branches: []Branch{{ID: "set_value:ok"}},
			},
			{
				Name:          "is_valid",
				Params:        []Param{{Name: "obj", Kind: ParamResource, Role: "node"}},
				SafeOnInvalid: true,
			},
			{
				Name:     "delete",
				Params:   []Param{{Name: "obj", Kind: ParamResource, Role: "node"}},
				Effects:  []Effect{{Kind: EffectFree, Target: "obj"}},
				Branches: []Branch{{ID: "delete:ok"}},
			},
		},
	}
}

func mustCatalog(t *testing.T) *Catalog {
	t.Helper()
	c := testCatalog()
	if err := c.Validate(); err != nil {
		t.Fatalf("Expected valid test catalog, got: %v", err)
	}
	return c
}

func mustCommit(t *testing.T, tr *Tracker, op string, args ...Arg) Call {
	t.Helper()
	call, err := tr.Commit(op, args)
	if err != nil {
		t.Fatalf("Expected %s to commit, got: %v", op, err)
	}
	return call
}

func errorCode(err error) string {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// seedSequence is create_object, create_string("a"), add_item, delete.
func seedSequence(t *testing.T, c *Catalog) Sequence {
	t.Helper()
	tr := NewTracker(c)
	mustCommit(t, tr, "create_object")
	mustCommit(t, tr, "create_string", LiteralArg(LiteralString, "a"))
	mustCommit(t, tr, "add_item", RefArg("r1"), RefArg("r2"))
	mustCommit(t, tr, "delete", RefArg("r1"))
	return tr.Sequence()
}

// mockOracle scores through the static oracle unless a fault is configured.
type mockOracle struct {
	mu      sync.Mutex
	static  *StaticOracle
	faults  map[int]error
	calls   int
	scoreFn func(seq Sequence) error
}

func newMockOracle(c *Catalog) *mockOracle {
	return &mockOracle{static: NewStaticOracle(c), faults: make(map[int]error)}
}

func (m *mockOracle) Name() string {
	return "mock"
}

func (m *mockOracle) Score(ctx context.Context, seq Sequence) (*QualityRecord, error) {
	m.mu.Lock()
	m.calls++
	n := m.calls
	fault := m.faults[n]
	fn := m.scoreFn
	m.mu.Unlock()

	if fault != nil {
		return nil, fault
	}
	if fn != nil {
		if err := fn(seq); err != nil {
			return nil, err
		}
	}
	return m.static.Score(ctx, seq)
}

func (m *mockOracle) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// mockPersister records calls and can be told to fail.
type mockPersister struct {
	mu      sync.Mutex
	entries map[string]Entry
	faults  []FaultRecord
	visited map[string]int
	failAll bool

	// failDelete makes DeleteEntry fail for one ID.
	failDelete string
}

func newMockPersister() *mockPersister {
	return &mockPersister{entries: make(map[string]Entry), visited: make(map[string]int)}
}

func (m *mockPersister) SaveEntry(ctx context.Context, library string, entry Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAll {
		return errors.New("disk full")
	}
	m.entries[entry.ID] = entry
	return nil
}

func (m *mockPersister) SaveFault(ctx context.Context, library string, fault FaultRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAll {
		return errors.New("disk full")
	}
	m.faults = append(m.faults, fault)
	return nil
}

func (m *mockPersister) DeleteEntry(ctx context.Context, library, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id == m.failDelete {
		return errors.New("disk full")
	}
	delete(m.entries, id)
	return nil
}

func (m *mockPersister) UpdateVisited(ctx context.Context, library, id string, visited int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.visited[id] = visited
	return nil
}

// mockEventPublisher collects published events.
type mockEventPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (m *mockEventPublisher) Publish(ctx context.Context, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, *event)
	return nil
}

func (m *mockEventPublisher) count(eventType EventType) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}
