// Package stores persists seqsynth corpora in SQLite.
//
// A store keeps, per library, the accepted corpus entries, the crash corpus
// and the hung log, plus a record of every fuzzing run and its event
// timeline. SQLiteStore implements engine.Persister, so a corpus writes
// through to the database on every accepted insert, and engine.EventPublisher,
// so run events land in the events table.
//
// The schema is created by embedded golang-migrate migrations. Connections
// run in WAL mode with foreign keys on and immediate write transactions.
// Structured columns (quality records, sequences, faults, summaries) are
// stored as JSON text and timestamps as Unix nanoseconds.
//
//	store, err := stores.Open(ctx, "seqsynth.db")
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//
//	entries, err := store.ListEntries(ctx, "cJSON")
//	corpus := engine.NewCorpus(catalog, engine.WithPersister(store))
//	err = corpus.Restore(entries)
package stores
