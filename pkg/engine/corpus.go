package engine

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Persister mirrors corpus mutations to durable storage.
// Implementations must make each call atomic.
type Persister interface {
	// SaveEntry stores an accepted entry.
	SaveEntry(ctx context.Context, library string, entry Entry) error

	// SaveFault stores a crash or hang record.
	SaveFault(ctx context.Context, library string, fault FaultRecord) error

	// DeleteEntry removes an entry (minimization, recheck).
	DeleteEntry(ctx context.Context, library, id string) error

	// UpdateVisited records a new visited count.
	UpdateVisited(ctx context.Context, library, id string, visited int) error
}

// InsertResult reports what an insert added to the corpus.
type InsertResult struct {
	// Entry is the stored entry with its assigned ID.
	Entry Entry

	// NewBranches lists branches no earlier entry had reached, sorted.
	NewBranches []string
}

// Corpus is the store of accepted entries for one library, plus its crash
// corpus and hung log. All methods are safe for concurrent use: mutations are
// serialized and readers get copies.
type Corpus struct {
	mu sync.RWMutex

	catalog   *Catalog
	persister Persister
	logger    zerolog.Logger
	rng       *rand.Rand

	entries   []*Entry
	byID      map[string]*Entry
	crashes   []FaultRecord
	hangs     []FaultRecord
	coverage  map[string]int
	opUses    map[string]int
	nextID    int
	nextHang  int
	nextCrash int

	catalogErr error
}

// CorpusOption configures a Corpus.
type CorpusOption func(*Corpus)

// WithPersister mirrors every mutation to p before it becomes visible.
func WithPersister(p Persister) CorpusOption {
	return func(c *Corpus) {
		c.persister = p
	}
}

// WithCorpusLogger sets the logger.
func WithCorpusLogger(logger zerolog.Logger) CorpusOption {
	return func(c *Corpus) {
		c.logger = logger.With().Str("component", "corpus").Logger()
	}
}

// WithCorpusSeed seeds parent and cut selection.
func WithCorpusSeed(seed int64) CorpusOption {
	return func(c *Corpus) {
		c.rng = rand.New(rand.NewSource(seed))
	}
}

// NewCorpus creates an empty corpus for a catalog, validating the catalog if
// that has not happened yet. A failed validation is returned by Insert and Restore.
func NewCorpus(catalog *Catalog, opts ...CorpusOption) *Corpus {
	c := &Corpus{
		catalog:    catalog,
		catalogErr: catalog.ensureValidated(),
		logger:     zerolog.Nop(),
		rng:        rand.New(rand.NewSource(1)),
		byID:       make(map[string]*Entry),
		coverage:   make(map[string]int),
		opUses:     make(map[string]int),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Library returns the corpus library.
func (c *Corpus) Library() string {
	return c.catalog.Library
}

// Insert validates and stores an entry. An empty ID is assigned from the
// corpus counter. The entry becomes visible only after the persister (if any)
// accepted it, so a cancelled or failed insert leaves no trace.
func (c *Corpus) Insert(ctx context.Context, e Entry) (*InsertResult, error) {
	if c.catalogErr != nil {
		return nil, c.catalogErr
	}
	if e.Sequence.Len() == 0 {
		return nil, NewContractViolation("refusing empty sequence")
	}
	if err := Validate(c.catalog, e.Sequence); err != nil {
		return nil, fmt.Errorf("refusing entry: %w", err)
	}
	e = copyEntry(&e)
	e.Sequence.Library = c.catalog.Library
	e.Quality.Normalize()

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	nextID := c.nextID
	if e.ID == "" {
		nextID++
		e.ID = FormatEntryID(nextID)
	}
	if _, exists := c.byID[e.ID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrEntryExists, e.ID)
	}

	if c.persister != nil {
		if err := c.persister.SaveEntry(ctx, c.catalog.Library, e); err != nil {
			return nil, fmt.Errorf("failed to persist entry %s: %w", e.ID, err)
		}
	}

	c.nextID = nextID
	var fresh []string
	for id, n := range e.Quality.UniqueBranches {
		if c.coverage[id] == 0 {
			fresh = append(fresh, id)
		}
		c.coverage[id] += n
	}
	sort.Strings(fresh)
	for _, call := range e.Sequence.Calls {
		c.opUses[call.Op]++
	}

	stored := e
	c.entries = append(c.entries, &stored)
	c.byID[stored.ID] = &stored

	c.logger.Debug().Str("entry", stored.ID).Int("new_branches", len(fresh)).Msg("Entry inserted")
	return &InsertResult{Entry: stored, NewBranches: fresh}, nil
}

// Restore loads previously persisted entries without re-persisting them.
func (c *Corpus) Restore(entries []Entry) error {
	if c.catalogErr != nil {
		return c.catalogErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range entries {
		if err := Validate(c.catalog, e.Sequence); err != nil {
			return fmt.Errorf("stored entry %s is invalid: %w", e.ID, err)
		}
		if _, exists := c.byID[e.ID]; exists {
			continue
		}
		e.Quality.Normalize()
		stored := e
		c.entries = append(c.entries, &stored)
		c.byID[e.ID] = &stored
		for id, n := range e.Quality.UniqueBranches {
			c.coverage[id] += n
		}
		for _, call := range e.Sequence.Calls {
			c.opUses[call.Op]++
		}
		var n int
		if _, err := fmt.Sscanf(e.ID, "id_%d", &n); err == nil && n > c.nextID {
			c.nextID = n
		}
	}
	return nil
}

// Get returns a copy of an entry.
func (c *Corpus) Get(id string) (Entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.byID[id]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	return copyEntry(e), nil
}

// Entries returns a snapshot of all entries in insertion order.
func (c *Corpus) Entries() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Entry, len(c.entries))
	for i, e := range c.entries {
		out[i] = copyEntry(e)
	}
	return out
}

// Len returns the number of accepted entries.
func (c *Corpus) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Coverage returns the accumulated branch hit counts.
func (c *Corpus) Coverage() map[string]int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return copyCounts(c.coverage)
}

// RecordCrash routes a faulting candidate to the crash corpus.
func (c *Corpus) RecordCrash(ctx context.Context, f FaultRecord) (FaultRecord, error) {
	return c.recordFault(ctx, f, false)
}

// RecordHang routes a timed-out candidate to the hung log.
func (c *Corpus) RecordHang(ctx context.Context, f FaultRecord) (FaultRecord, error) {
	return c.recordFault(ctx, f, true)
}

func (c *Corpus) recordFault(ctx context.Context, f FaultRecord, hang bool) (FaultRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return FaultRecord{}, err
	}

	f.Sequence = f.Sequence.Clone()
	f.Sequence.Library = c.catalog.Library
	if f.RecordedAt.IsZero() {
		f.RecordedAt = time.Now()
	}
	next := c.nextCrash
	prefix := "crash"
	if hang {
		next = c.nextHang
		prefix = "hang"
	}
	next++
	if f.ID == "" {
		f.ID = fmt.Sprintf("%s_%06d", prefix, next)
	}

	if c.persister != nil {
		if err := c.persister.SaveFault(ctx, c.catalog.Library, f); err != nil {
			return FaultRecord{}, fmt.Errorf("failed to persist %s: %w", f.ID, err)
		}
	}
	if hang {
		c.nextHang = next
		c.hangs = append(c.hangs, f)
	} else {
		c.nextCrash = next
		c.crashes = append(c.crashes, f)
	}
	return f, nil
}

// RestoreFaults loads previously persisted crash and hang records without
// re-persisting them. Later records continue the stored numbering.
func (c *Corpus) RestoreFaults(records []FaultRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, f := range records {
		var n int
		if f.Fault.Kind == FaultTimeout {
			c.hangs = append(c.hangs, f)
			if _, err := fmt.Sscanf(f.ID, "hang_%d", &n); err == nil && n > c.nextHang {
				c.nextHang = n
			}
			continue
		}
		c.crashes = append(c.crashes, f)
		if _, err := fmt.Sscanf(f.ID, "crash_%d", &n); err == nil && n > c.nextCrash {
			c.nextCrash = n
		}
	}
}

// Crashes returns a copy of the crash corpus.
func (c *Corpus) Crashes() []FaultRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]FaultRecord(nil), c.crashes...)
}

// Hangs returns a copy of the hung-candidate log.
func (c *Corpus) Hangs() []FaultRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]FaultRecord(nil), c.hangs...)
}

// parentWeight favors dense, critical-rich entries and decays with visits.
func parentWeight(e *Entry) float64 {
	w := e.Quality.Density*float64(1+len(e.Quality.UniqueBranches)) +
		CriticalWeight*float64(len(e.Quality.CriticalCalls)) + 0.01
	return w / float64(1+e.Quality.Visited)
}

// SelectParents picks two parents by weighted sampling among the n best-weighted
// entries (all entries when n <= 0) and increments their visited counts.
// With a single entry both parents are that entry.
func (c *Corpus) SelectParents(ctx context.Context, n int) (Entry, Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) == 0 {
		return Entry{}, Entry{}, ErrCorpusEmpty
	}

	pool := append([]*Entry(nil), c.entries...)
	sort.SliceStable(pool, func(i, j int) bool { return parentWeight(pool[i]) > parentWeight(pool[j]) })
	if n > 0 && n < len(pool) {
		pool = pool[:n]
	}

	a := c.sample(pool, nil)
	b := a
	if len(pool) > 1 {
		b = c.sample(pool, a)
	}

	for _, e := range uniqueEntries(a, b) {
		visited := e.Quality.Visited + 1
		if c.persister != nil {
			if err := c.persister.UpdateVisited(ctx, c.catalog.Library, e.ID, visited); err != nil {
				return Entry{}, Entry{}, fmt.Errorf("failed to update visited count of %s: %w", e.ID, err)
			}
		}
		e.Quality.Visited = visited
	}
	return copyEntry(a), copyEntry(b), nil
}

func (c *Corpus) sample(pool []*Entry, exclude *Entry) *Entry {
	total := 0.0
	for _, e := range pool {
		if e != exclude {
			total += parentWeight(e)
		}
	}
	r := c.rng.Float64() * total
	var last *Entry
	for _, e := range pool {
		if e == exclude {
			continue
		}
		last = e
		r -= parentWeight(e)
		if r <= 0 {
			return e
		}
	}
	return last
}

func uniqueEntries(a, b *Entry) []*Entry {
	if a == b {
		return []*Entry{a}
	}
	return []*Entry{a, b}
}

// CombineAttempts bounds how many cut pairs Breed tries.
const CombineAttempts = 16

// Breed selects two parents and tries random cut pairs until Combine produces a
// valid child. The child is not inserted; it still has to be scored.
func (c *Corpus) Breed(ctx context.Context, poolSize, maxLen int) (Sequence, *Combination, error) {
	a, b, err := c.SelectParents(ctx, poolSize)
	if err != nil {
		return Sequence{}, nil, err
	}

	c.mu.Lock()
	cuts := make([][2]int, 0, CombineAttempts)
	for i := 0; i < CombineAttempts; i++ {
		cuts = append(cuts, [2]int{1 + c.rng.Intn(max(1, a.Sequence.Len())), c.rng.Intn(max(1, b.Sequence.Len()))})
	}
	c.mu.Unlock()

	var lastErr error
	for _, cut := range cuts {
		if err := ctx.Err(); err != nil {
			return Sequence{}, nil, err
		}
		child, err := Combine(c.catalog, a.Sequence, b.Sequence, cut[0], cut[1], maxLen)
		if err != nil {
			lastErr = err
			continue
		}
		return child, &Combination{ParentA: a.ID, ParentB: b.ID, CutA: cut[0], CutB: cut[1]}, nil
	}
	return Sequence{}, nil, lastErr
}

// Energies returns per-operation power-schedule energies: operations used
// often across the corpus get less energy.
func (c *Corpus) Energies() map[string]float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]float64, len(c.catalog.Operations))
	for _, op := range c.catalog.Operations {
		out[op.Name] = 1 / math.Sqrt(float64(1+c.opUses[op.Name]))
	}
	return out
}

// Remove deletes entries by ID and rebuilds coverage. Unknown IDs are ignored.
func (c *Corpus) Remove(ctx context.Context, ids ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Entries already deleted from the persister leave memory even when a
	// later delete fails, so both views keep the same entry set.
	var deleteErr error
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		if _, ok := c.byID[id]; !ok {
			continue
		}
		if c.persister != nil {
			if err := c.persister.DeleteEntry(ctx, c.catalog.Library, id); err != nil {
				deleteErr = fmt.Errorf("failed to delete entry %s: %w", id, err)
				break
			}
		}
		drop[id] = true
	}
	if len(drop) == 0 {
		return deleteErr
	}

	kept := c.entries[:0]
	for _, e := range c.entries {
		if drop[e.ID] {
			delete(c.byID, e.ID)
			continue
		}
		kept = append(kept, e)
	}
	c.entries = kept

	c.coverage = make(map[string]int)
	c.opUses = make(map[string]int)
	for _, e := range c.entries {
		for id, n := range e.Quality.UniqueBranches {
			c.coverage[id] += n
		}
		for _, call := range e.Sequence.Calls {
			c.opUses[call.Op]++
		}
	}
	return deleteErr
}

func copyEntry(e *Entry) Entry {
	out := *e
	out.Sequence = e.Sequence.Clone()
	if e.Combination != nil {
		cp := *e.Combination
		out.Combination = &cp
	}
	out.Quality.UniqueBranches = copyCounts(e.Quality.UniqueBranches)
	out.Quality.LibraryCalls = append([]string{}, e.Quality.LibraryCalls...)
	out.Quality.CriticalCalls = append([]string{}, e.Quality.CriticalCalls...)
	return out
}
