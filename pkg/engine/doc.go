// Package engine provides the core of seqsynth, a contract-directed synthesizer
// of library API call sequences for fuzzing.
//
// # Overview
//
// A Catalog declares, for one C library, the resource roles it manages and the
// contract of every operation: parameters, produced values, postcondition
// effects on ownership and lifecycle state, and the branch tags the operation
// can reach. The engine turns that table into complete, contract-valid call
// sequences and keeps the most valuable of them in a Corpus:
//
//  1. Track - a Tracker replays a sequence prefix and answers which calls are admissible next
//  2. Synthesize - a Synthesizer searches greedily with bounded backtracking, then releases everything
//  3. Score - an Oracle turns a finished sequence into a QualityRecord, or an ExecutionFault
//  4. Admit - a Gate may deny an entry; accepted entries get a stable corpus ID
//  5. Combine - two corpus entries are spliced at cut points and re-validated from position 0
//  6. Fuzz - a Fuzzer runs rounds of the above until coverage stops growing
//
// # Resource Lifecycle
//
// Every instance a sequence creates is in one of the states created,
// configured, attached, detached, borrowed, freed or invalid. Freed and
// invalid are terminal. An instance is owned by the caller, by no one, or by
// another instance; freeing or invalidating an owner invalidates what it
// owns. A sequence is complete when no live caller-owned instance remains.
//
// Derived values (sizes, counts, lengths) are tied to the generation of the
// instance they were queried from. A mutate effect bumps the generation and
// makes older derived values stale.
//
// # Error Classification
//
// Errors are classified so that callers can route them:
//
//   - Contract violation: a proposed call breaks a precondition; drop the candidate
//   - Execution fault: the harness crashed or timed out; record it, never score it
//   - Catalog inconsistency: the contract table is unusable; stop the run
//   - Permanent: storage or gate failures; stop the run
//
// IsFatal covers the last two:
//
//	if engine.IsFatal(err) {
//	    return err
//	}
//
// # Concurrency
//
// Catalog is read-only after Validate and safe to share. A Tracker is owned
// by a single synthesis and never shared. Corpus serializes mutations and
// hands out copies, so workers may insert and select parents concurrently.
//
// # Example Usage
//
//	if err := cat.Validate(); err != nil {
//	    return err
//	}
//	corpus := engine.NewCorpus(cat)
//	fuzzer, err := engine.NewFuzzer(cat, corpus, engine.NewStaticOracle(cat), engine.DefaultFuzzerConfig())
//	if err != nil {
//	    return err
//	}
//	summary, err := fuzzer.Run(ctx)
package engine
