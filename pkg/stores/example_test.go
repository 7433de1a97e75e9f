package stores_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/seqsynth/seqsynth/pkg/engine"
	"github.com/seqsynth/seqsynth/pkg/stores"
)

// ExampleNewSQLiteStore demonstrates creating and initializing a new SQLite store.
func ExampleNewSQLiteStore() {
	store, err := stores.NewSQLiteStore(stores.Config{
		Path:            ":memory:",
		ConnMaxLifetime: 5 * time.Minute,
	})
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		log.Fatal(err)
	}
	if err := store.Migrate(ctx); err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	fmt.Println("Store initialized successfully")
	// Output: Store initialized successfully
}

// ExampleSQLiteStore_SaveEntry demonstrates persisting and reading back a corpus entry.
func ExampleSQLiteStore_SaveEntry() {
	ctx := context.Background()
	store, err := stores.Open(ctx, ":memory:")
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	entry := engine.Entry{
		ID:     "id_000000",
		Prompt: "seed=1",
		Score:  1.5,
		Sequence: engine.Sequence{
			Library: "zlib",
			Calls: []engine.Call{
				{Op: "gzopen", Result: "r1", Args: []engine.Arg{
					engine.LiteralArg(engine.LiteralString, "/tmp/seqsynth.gz"),
					engine.LiteralArg(engine.LiteralString, "wb"),
				}},
				{Op: "gzclose", Args: []engine.Arg{engine.RefArg("r1")}},
			},
		},
	}
	if err := store.SaveEntry(ctx, "zlib", entry); err != nil {
		log.Fatal(err)
	}

	entries, err := store.ListEntries(ctx, "zlib")
	if err != nil {
		log.Fatal(err)
	}
	for _, e := range entries {
		fmt.Printf("%s %v\n", e.ID, e.Sequence.Ops())
	}
	// Output: id_000000 [gzopen gzclose]
}

// ExampleSQLiteStore_FinishRun demonstrates recording a run and its summary.
func ExampleSQLiteStore_FinishRun() {
	ctx := context.Background()
	store, err := stores.Open(ctx, ":memory:")
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	run := &stores.RunRecord{ID: "run-001", Library: "cJSON"}
	if err := store.CreateRun(ctx, run); err != nil {
		log.Fatal(err)
	}

	summary := &engine.RunSummary{RunID: run.ID, Status: engine.RunStatusConverged, Rounds: 12}
	if err := store.FinishRun(ctx, run.ID, summary, nil); err != nil {
		log.Fatal(err)
	}

	got, err := store.GetRun(ctx, run.ID)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("%s after %d rounds\n", got.Status, got.Summary.Rounds)
	// Output: converged after 12 rounds
}
