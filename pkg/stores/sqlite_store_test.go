package stores

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/seqsynth/seqsynth/pkg/engine"
)

// setupTestStore creates a file-backed SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: filepath.Join(t.TempDir(), "corpus.db"),
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testSequence() engine.Sequence {
	return engine.Sequence{
		Library: "tree",
		Calls: []engine.Call{
			{Op: "create_object", Result: "r1"},
			{Op: "set_value", Args: []engine.Arg{engine.RefArg("r1")}},
			{Op: "delete", Args: []engine.Arg{engine.RefArg("r1")}},
		},
	}
}

func testCatalog(t *testing.T) *engine.Catalog {
	t.Helper()
	c := &engine.Catalog{
		Library: "tree",
		Roles:   []engine.Role{{Name: "node", CType: "node_t *"}},
		Operations: []engine.Operation{
			{Name: "create_object", Returns: &engine.Returns{Kind: engine.ReturnResource, Role: "node"}},
			{
				Name:    "set_value",
				Params:  []engine.Param{{Name: "obj", Kind: engine.ParamResource, Role: "node"}},
				Effects: []engine.Effect{{Kind: engine.EffectMutate, Target: "obj"}},
			},
			{
				Name:    "delete",
				Params:  []engine.Param{{Name: "obj", Kind: engine.ParamResource, Role: "node"}},
				Effects: []engine.Effect{{Kind: engine.EffectFree, Target: "obj"}},
			},
		},
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("invalid test catalog: %v", err)
	}
	return c
}

func testEntry(id string) engine.Entry {
	quality := engine.QualityRecord{
		Density:        1,
		UniqueBranches: map[string]int{"create_object:ok": 1, "set_value:ok": 1},
		LibraryCalls:   []string{"create_object", "set_value", "delete"},
		CriticalCalls:  []string{},
	}
	return engine.Entry{
		ID:       id,
		Prompt:   "seed=1",
		Score:    quality.Score(),
		Quality:  quality,
		Sequence: testSequence(),
	}
}

func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	if store.cfg.MaxOpenConns != 1 {
		t.Errorf("Expected a single connection for :memory:, got %d", store.cfg.MaxOpenConns)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestNewSQLiteStore_RequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Error("Expected error for empty path")
	}
}

func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, table := range []string{"entries", "faults", "runs", "events"} {
		var count int
		if err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}

	// A second migration is a no-op.
	if err := store.Migrate(ctx); err != nil {
		t.Errorf("Expected repeated migration to succeed, got %v", err)
	}
}

func TestEntryCRUD(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	entry := testEntry("id_000000")
	if err := store.SaveEntry(ctx, "tree", entry); err != nil {
		t.Fatalf("failed to save entry: %v", err)
	}

	got, err := store.GetEntry(ctx, "tree", "id_000000")
	if err != nil {
		t.Fatalf("failed to get entry: %v", err)
	}
	if got.Prompt != entry.Prompt {
		t.Errorf("Expected prompt %q, got %q", entry.Prompt, got.Prompt)
	}
	if got.Score != entry.Score {
		t.Errorf("Expected score %v, got %v", entry.Score, got.Score)
	}
	if !got.Quality.SameCoverage(entry.Quality) {
		t.Errorf("Expected quality %+v, got %+v", entry.Quality, got.Quality)
	}
	if got.Sequence.Len() != 3 || got.Sequence.Calls[0].Result != "r1" {
		t.Errorf("Expected the stored sequence back, got %+v", got.Sequence)
	}
	if got.Combination != nil {
		t.Errorf("Expected no combination, got %v", got.Combination)
	}

	if err := store.UpdateVisited(ctx, "tree", "id_000000", 4); err != nil {
		t.Fatalf("failed to update visited: %v", err)
	}
	got, _ = store.GetEntry(ctx, "tree", "id_000000")
	if got.Quality.Visited != 4 {
		t.Errorf("Expected visited 4, got %d", got.Quality.Visited)
	}

	if err := store.DeleteEntry(ctx, "tree", "id_000000"); err != nil {
		t.Fatalf("failed to delete entry: %v", err)
	}
	if _, err := store.GetEntry(ctx, "tree", "id_000000"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound after delete, got %v", err)
	}
	if err := store.DeleteEntry(ctx, "tree", "id_000000"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound on second delete, got %v", err)
	}
}

func TestSaveEntry_DuplicateRejected(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.SaveEntry(ctx, "tree", testEntry("id_000000")); err != nil {
		t.Fatalf("failed to save entry: %v", err)
	}
	if err := store.SaveEntry(ctx, "tree", testEntry("id_000000")); err == nil {
		t.Error("Expected duplicate entry to be rejected")
	}
	// The same ID under another library is a different entry.
	if err := store.SaveEntry(ctx, "other", testEntry("id_000000")); err != nil {
		t.Errorf("Expected entry in another library to be saved, got %v", err)
	}
}

func TestListEntries_OrderAndCombination(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	child := testEntry("id_000002")
	child.Prompt = ""
	child.Combination = &engine.Combination{ParentA: "id_000000", ParentB: "id_000001", CutA: 1, CutB: 2}

	for _, e := range []engine.Entry{child, testEntry("id_000000"), testEntry("id_000001")} {
		if err := store.SaveEntry(ctx, "tree", e); err != nil {
			t.Fatalf("failed to save %s: %v", e.ID, err)
		}
	}

	entries, err := store.ListEntries(ctx, "tree")
	if err != nil {
		t.Fatalf("failed to list entries: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("Expected 3 entries, got %d", len(entries))
	}
	for i, want := range []string{"id_000000", "id_000001", "id_000002"} {
		if entries[i].ID != want {
			t.Errorf("Expected entry %d to be %s, got %s", i, want, entries[i].ID)
		}
	}
	comb := entries[2].Combination
	if comb == nil || comb.String() != child.Combination.String() {
		t.Errorf("Expected combination %s, got %v", child.Combination, comb)
	}

	empty, err := store.ListEntries(ctx, "nothing")
	if err != nil {
		t.Fatalf("failed to list entries: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("Expected no entries, got %d", len(empty))
	}
}

func TestFaults(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	crash := engine.FaultRecord{
		ID:         "crash_000000",
		Prompt:     "seed=3",
		Sequence:   testSequence(),
		Fault:      engine.ExecutionFault{Kind: engine.FaultCrash, Reason: "SIGSEGV", ExitCode: -1},
		RecordedAt: time.Now().Add(-time.Minute),
	}
	hang := engine.FaultRecord{
		ID:       "hang_000000",
		Sequence: testSequence(),
		Fault:    engine.ExecutionFault{Kind: engine.FaultTimeout, Duration: 2 * time.Second, ExitCode: -1},
	}
	for _, rec := range []engine.FaultRecord{crash, hang} {
		if err := store.SaveFault(ctx, "tree", rec); err != nil {
			t.Fatalf("failed to save fault %s: %v", rec.ID, err)
		}
	}

	all, err := store.ListFaults(ctx, "tree", "")
	if err != nil {
		t.Fatalf("failed to list faults: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("Expected 2 faults, got %d", len(all))
	}
	if all[0].ID != "crash_000000" {
		t.Errorf("Expected oldest fault first, got %s", all[0].ID)
	}
	if all[0].Fault.Reason != "SIGSEGV" {
		t.Errorf("Expected reason SIGSEGV, got %q", all[0].Fault.Reason)
	}
	if all[1].RecordedAt.IsZero() {
		t.Error("Expected RecordedAt to be filled in")
	}

	hangs, err := store.ListFaults(ctx, "tree", engine.FaultTimeout)
	if err != nil {
		t.Fatalf("failed to list hangs: %v", err)
	}
	if len(hangs) != 1 || hangs[0].Fault.Duration != 2*time.Second {
		t.Errorf("Expected one 2s hang, got %+v", hangs)
	}
}

func TestStatsAndLibraries(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	_ = store.SaveEntry(ctx, "tree", testEntry("id_000000"))
	_ = store.SaveEntry(ctx, "tree", testEntry("id_000001"))
	_ = store.SaveFault(ctx, "zlib", engine.FaultRecord{
		ID:       "crash_000000",
		Sequence: testSequence(),
		Fault:    engine.ExecutionFault{Kind: engine.FaultCrash},
	})

	stats, err := store.Stats(ctx, "tree")
	if err != nil {
		t.Fatalf("failed to get stats: %v", err)
	}
	if stats.Entries != 2 || stats.Calls != 6 {
		t.Errorf("Expected 2 entries with 6 calls, got %+v", stats)
	}
	if stats.TopScore != testEntry("x").Score {
		t.Errorf("Expected top score %v, got %v", testEntry("x").Score, stats.TopScore)
	}
	if stats.Crashes != 0 || stats.Hangs != 0 {
		t.Errorf("Expected no faults for tree, got %+v", stats)
	}

	zlib, err := store.Stats(ctx, "zlib")
	if err != nil {
		t.Fatalf("failed to get stats: %v", err)
	}
	if zlib.Entries != 0 || zlib.Crashes != 1 {
		t.Errorf("Expected one zlib crash, got %+v", zlib)
	}

	libs, err := store.Libraries(ctx)
	if err != nil {
		t.Fatalf("failed to list libraries: %v", err)
	}
	if len(libs) != 2 || libs[0] != "tree" || libs[1] != "zlib" {
		t.Errorf("Expected [tree zlib], got %v", libs)
	}
}

func TestRunLifecycle(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	run := &RunRecord{Library: "tree"}
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}
	if run.ID == "" {
		t.Fatal("Expected a generated run ID")
	}

	got, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if got.Status != engine.RunStatusRunning {
		t.Errorf("Expected status running, got %s", got.Status)
	}
	if got.CompletedAt != nil || got.Summary != nil {
		t.Error("Expected an unfinished run")
	}

	summary := &engine.RunSummary{RunID: run.ID, Library: "tree", Status: engine.RunStatusConverged, Rounds: 7, Accepted: 3}
	if err := store.FinishRun(ctx, run.ID, summary, nil); err != nil {
		t.Fatalf("failed to finish run: %v", err)
	}

	got, err = store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if got.Status != engine.RunStatusConverged {
		t.Errorf("Expected status converged, got %s", got.Status)
	}
	if got.Summary == nil || got.Summary.Rounds != 7 || got.Summary.Accepted != 3 {
		t.Errorf("Expected the stored summary, got %+v", got.Summary)
	}
	if got.CompletedAt == nil {
		t.Error("Expected CompletedAt to be set")
	}

	if _, err := store.GetRun(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if err := store.FinishRun(ctx, "missing", summary, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestFinishRun_Failure(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	run := &RunRecord{Library: "tree"}
	_ = store.CreateRun(ctx, run)

	summary := &engine.RunSummary{Status: engine.RunStatusCompleted}
	if err := store.FinishRun(ctx, run.ID, summary, errors.New("disk full")); err != nil {
		t.Fatalf("failed to finish run: %v", err)
	}

	got, _ := store.GetRun(ctx, run.ID)
	if got.Status != engine.RunStatusFailed {
		t.Errorf("Expected status failed, got %s", got.Status)
	}
	if got.Error == nil || *got.Error != "disk full" {
		t.Errorf("Expected error message, got %v", got.Error)
	}
}

func TestListRuns(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	base := time.Now()
	for i, lib := range []string{"tree", "zlib", "tree"} {
		run := &RunRecord{Library: lib, StartedAt: base.Add(time.Duration(i) * time.Second)}
		if err := store.CreateRun(ctx, run); err != nil {
			t.Fatalf("failed to create run: %v", err)
		}
	}

	tests := []struct {
		name    string
		library string
		limit   int
		want    int
	}{
		{"all", "", 10, 3},
		{"by library", "tree", 10, 2},
		{"limited", "", 1, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runs, err := store.ListRuns(ctx, tt.library, tt.limit, 0)
			if err != nil {
				t.Fatalf("failed to list runs: %v", err)
			}
			if len(runs) != tt.want {
				t.Errorf("Expected %d runs, got %d", tt.want, len(runs))
			}
		})
	}

	runs, _ := store.ListRuns(ctx, "", 10, 0)
	if !runs[0].StartedAt.After(runs[1].StartedAt) {
		t.Error("Expected newest run first")
	}
}

func TestEvents(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	base := time.Now()
	events := []*engine.Event{
		{Type: engine.EventTypeRunStarted, RunID: "run-1", Library: "tree", Level: "info", Message: "started", Timestamp: base},
		{Type: engine.EventTypeEntryAccepted, RunID: "run-1", Library: "tree", EntryID: "id_000000", Level: "info",
			Message: "accepted", Timestamp: base.Add(time.Millisecond), Data: map[string]interface{}{"score": 2.5}},
		{Type: engine.EventTypeRunStarted, RunID: "run-2", Library: "zlib", Level: "info", Message: "other"},
	}
	for _, e := range events {
		if err := store.Publish(ctx, e); err != nil {
			t.Fatalf("failed to publish event: %v", err)
		}
		if e.ID == "" {
			t.Error("Expected a generated event ID")
		}
	}

	got, err := store.ListEvents(ctx, "run-1", 10)
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 events, got %d", len(got))
	}
	if got[0].Type != engine.EventTypeRunStarted || got[1].Type != engine.EventTypeEntryAccepted {
		t.Errorf("Expected events in order, got %s then %s", got[0].Type, got[1].Type)
	}
	if got[1].EntryID != "id_000000" {
		t.Errorf("Expected entry ID id_000000, got %q", got[1].EntryID)
	}
	if score, ok := got[1].Data["score"].(float64); !ok || score != 2.5 {
		t.Errorf("Expected data score 2.5, got %v", got[1].Data["score"])
	}
	if got[0].Data != nil {
		t.Errorf("Expected no data, got %v", got[0].Data)
	}
}

// Restoring a corpus from the store gives the engine the same next IDs.
func TestStore_RestoresCorpus(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"id_000000", "id_000001"} {
		if err := store.SaveEntry(ctx, "tree", testEntry(id)); err != nil {
			t.Fatalf("failed to save entry: %v", err)
		}
	}
	entries, err := store.ListEntries(ctx, "tree")
	if err != nil {
		t.Fatalf("failed to list entries: %v", err)
	}

	corpus := engine.NewCorpus(testCatalog(t))
	if err := corpus.Restore(entries); err != nil {
		t.Fatalf("failed to restore corpus: %v", err)
	}
	if corpus.Len() != 2 {
		t.Errorf("Expected 2 restored entries, got %d", corpus.Len())
	}
	if got := corpus.Entries()[1].Sequence.Ops(); len(got) != 3 || got[2] != "delete" {
		t.Errorf("Expected restored ops, got %v", got)
	}
}
