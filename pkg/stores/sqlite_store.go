package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"

	"github.com/seqsynth/seqsynth/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore persists corpora, fault records, runs and events in SQLite.
// It implements engine.Persister and engine.EventPublisher.
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

var (
	_ engine.Persister      = (*SQLiteStore)(nil)
	_ engine.EventPublisher = (*SQLiteStore)(nil)
)

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: would open its own empty database.
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Open creates, initializes and migrates a store.
func Open(ctx context.Context, path string) (*SQLiteStore, error) {
	store, err := NewSQLiteStore(Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// Init opens the database connection with WAL mode and foreign keys enabled.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.cfg.Path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

// SaveEntry implements engine.Persister.
func (s *SQLiteStore) SaveEntry(ctx context.Context, library string, entry engine.Entry) error {
	quality, err := encodeJSON(entry.Quality)
	if err != nil {
		return err
	}
	sequence, err := encodeJSON(entry.Sequence)
	if err != nil {
		return err
	}
	combination, err := encodeOptional(entry.Combination)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO entries (library, id, prompt, combination, score, visited, quality, sequence, calls, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		library,
		entry.ID,
		entry.Prompt,
		combination,
		entry.Score,
		entry.Quality.Visited,
		quality,
		sequence,
		entry.Sequence.Len(),
		time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to save entry %s: %w", entry.ID, err)
	}
	return nil
}

// SaveFault implements engine.Persister.
func (s *SQLiteStore) SaveFault(ctx context.Context, library string, rec engine.FaultRecord) error {
	fault, err := encodeJSON(rec.Fault)
	if err != nil {
		return err
	}
	sequence, err := encodeJSON(rec.Sequence)
	if err != nil {
		return err
	}
	combination, err := encodeOptional(rec.Combination)
	if err != nil {
		return err
	}
	recordedAt := rec.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now()
	}

	query := `
		INSERT INTO faults (library, id, kind, prompt, combination, fault, sequence, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		library,
		rec.ID,
		rec.Fault.Kind,
		rec.Prompt,
		combination,
		fault,
		sequence,
		recordedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to save fault %s: %w", rec.ID, err)
	}
	return nil
}

// DeleteEntry implements engine.Persister.
func (s *SQLiteStore) DeleteEntry(ctx context.Context, library, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM entries WHERE library = ? AND id = ?`, library, id)
	if err != nil {
		return fmt.Errorf("failed to delete entry: %w", err)
	}
	return expectRow(result, "entry", id)
}

// UpdateVisited implements engine.Persister.
func (s *SQLiteStore) UpdateVisited(ctx context.Context, library, id string, visited int) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE entries SET visited = ? WHERE library = ? AND id = ?`, visited, library, id)
	if err != nil {
		return fmt.Errorf("failed to update visited count: %w", err)
	}
	return expectRow(result, "entry", id)
}

const entryColumns = `id, prompt, combination, score, visited, quality, sequence`

// GetEntry retrieves one corpus entry.
func (s *SQLiteStore) GetEntry(ctx context.Context, library, id string) (*engine.Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM entries WHERE library = ? AND id = ?`, library, id)
	entry, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: entry %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entry: %w", err)
	}
	return entry, nil
}

// ListEntries returns the stored corpus of a library in ID order.
func (s *SQLiteStore) ListEntries(ctx context.Context, library string) ([]engine.Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM entries WHERE library = ? ORDER BY id ASC`, library)
	if err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}
	defer rows.Close()

	entries := []engine.Entry{}
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		entries = append(entries, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entries: %w", err)
	}
	return entries, nil
}

// ListFaults returns the crash corpus and hung log of a library. An empty
// kind returns both.
func (s *SQLiteStore) ListFaults(ctx context.Context, library string, kind engine.FaultKind) ([]engine.FaultRecord, error) {
	query := `
		SELECT id, prompt, combination, fault, sequence, recorded_at
		FROM faults
		WHERE library = ? AND (? = '' OR kind = ?)
		ORDER BY recorded_at ASC, id ASC
	`
	rows, err := s.db.QueryContext(ctx, query, library, kind, kind)
	if err != nil {
		return nil, fmt.Errorf("failed to list faults: %w", err)
	}
	defer rows.Close()

	records := []engine.FaultRecord{}
	for rows.Next() {
		var (
			rec             engine.FaultRecord
			combination     sql.NullString
			fault, sequence string
			recordedAt      int64
		)
		if err := rows.Scan(&rec.ID, &rec.Prompt, &combination, &fault, &sequence, &recordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan fault: %w", err)
		}
		if err := json.Unmarshal([]byte(fault), &rec.Fault); err != nil {
			return nil, fmt.Errorf("failed to decode fault %s: %w", rec.ID, err)
		}
		if err := json.Unmarshal([]byte(sequence), &rec.Sequence); err != nil {
			return nil, fmt.Errorf("failed to decode sequence of %s: %w", rec.ID, err)
		}
		if rec.Combination, err = decodeCombination(combination); err != nil {
			return nil, err
		}
		rec.RecordedAt = time.Unix(0, recordedAt)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating faults: %w", err)
	}
	return records, nil
}

// Stats summarizes the stored corpus of a library.
func (s *SQLiteStore) Stats(ctx context.Context, library string) (*CorpusStats, error) {
	stats := &CorpusStats{Library: library}
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(calls), 0), COALESCE(MAX(score), 0) FROM entries WHERE library = ?`, library).
		Scan(&stats.Entries, &stats.Calls, &stats.TopScore)
	if err != nil {
		return nil, fmt.Errorf("failed to count entries: %w", err)
	}
	err = s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN kind = 'crash' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN kind = 'timeout' THEN 1 ELSE 0 END), 0)
		FROM faults WHERE library = ?`, library).
		Scan(&stats.Crashes, &stats.Hangs)
	if err != nil {
		return nil, fmt.Errorf("failed to count faults: %w", err)
	}
	return stats, nil
}

// Libraries lists the libraries that have stored entries or faults.
func (s *SQLiteStore) Libraries(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT library FROM entries UNION SELECT library FROM faults ORDER BY library`)
	if err != nil {
		return nil, fmt.Errorf("failed to list libraries: %w", err)
	}
	defer rows.Close()

	libs := []string{}
	for rows.Next() {
		var lib string
		if err := rows.Scan(&lib); err != nil {
			return nil, fmt.Errorf("failed to scan library: %w", err)
		}
		libs = append(libs, lib)
	}
	return libs, rows.Err()
}

// CreateRun creates a new run record
func (s *SQLiteStore) CreateRun(ctx context.Context, run *RunRecord) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	if run.Status == "" {
		run.Status = engine.RunStatusRunning
	}
	if run.Config == "" {
		run.Config = "{}"
	}

	query := `
		INSERT INTO runs (id, library, status, config, started_at)
		VALUES (?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query, run.ID, run.Library, run.Status, run.Config, run.StartedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// FinishRun stores the final summary of a run. runErr is recorded when the
// run stopped on a fatal error.
func (s *SQLiteStore) FinishRun(ctx context.Context, id string, summary *engine.RunSummary, runErr error) error {
	status := engine.RunStatusFailed
	var encoded *string
	if summary != nil {
		status = summary.Status
		text, err := encodeJSON(summary)
		if err != nil {
			return err
		}
		encoded = &text
	}
	var errMsg *string
	if runErr != nil {
		msg := runErr.Error()
		errMsg = &msg
		status = engine.RunStatusFailed
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, summary = ?, error = ?, completed_at = ? WHERE id = ?`,
		status, encoded, errMsg, time.Now().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	return expectRow(result, "run", id)
}

const runColumns = `id, library, status, config, summary, error, started_at, completed_at`

// GetRun retrieves a run by ID
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: run %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns lists the runs of a library, newest first. An empty library lists all runs.
func (s *SQLiteStore) ListRuns(ctx context.Context, library string, limit, offset int) ([]*RunRecord, error) {
	query := `
		SELECT ` + runColumns + `
		FROM runs
		WHERE (? = '' OR library = ?)
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`
	rows, err := s.db.QueryContext(ctx, query, library, library, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*RunRecord{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

// AppendEvent appends an engine event to the run timeline.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *engine.Event) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	data, err := encodeOptional(event.Data)
	if err != nil {
		return err
	}
	var entryID *string
	if event.EntryID != "" {
		entryID = &event.EntryID
	}

	query := `
		INSERT INTO events (id, run_id, type, library, entry_id, level, message, data, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		event.ID,
		event.RunID,
		event.Type,
		event.Library,
		entryID,
		event.Level,
		event.Message,
		data,
		event.Timestamp.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// Publish implements engine.EventPublisher by appending to the timeline.
func (s *SQLiteStore) Publish(ctx context.Context, event *engine.Event) error {
	return s.AppendEvent(ctx, event)
}

// ListEvents returns the timeline of a run in order.
func (s *SQLiteStore) ListEvents(ctx context.Context, runID string, limit int) ([]*engine.Event, error) {
	query := `
		SELECT id, run_id, type, library, entry_id, level, message, data, timestamp
		FROM events
		WHERE run_id = ?
		ORDER BY timestamp ASC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := []*engine.Event{}
	for rows.Next() {
		var (
			event     engine.Event
			entryID   sql.NullString
			data      sql.NullString
			timestamp int64
		)
		err := rows.Scan(&event.ID, &event.RunID, &event.Type, &event.Library, &entryID,
			&event.Level, &event.Message, &data, &timestamp)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		event.EntryID = entryID.String
		event.Timestamp = time.Unix(0, timestamp)
		if data.Valid {
			if err := json.Unmarshal([]byte(data.String), &event.Data); err != nil {
				return nil, fmt.Errorf("failed to decode event data: %w", err)
			}
		}
		events = append(events, &event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row scanner) (*engine.Entry, error) {
	var (
		entry             engine.Entry
		combination       sql.NullString
		quality, sequence string
		visited           int
	)
	if err := row.Scan(&entry.ID, &entry.Prompt, &combination, &entry.Score, &visited, &quality, &sequence); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(quality), &entry.Quality); err != nil {
		return nil, fmt.Errorf("failed to decode quality of %s: %w", entry.ID, err)
	}
	if err := json.Unmarshal([]byte(sequence), &entry.Sequence); err != nil {
		return nil, fmt.Errorf("failed to decode sequence of %s: %w", entry.ID, err)
	}
	comb, err := decodeCombination(combination)
	if err != nil {
		return nil, err
	}
	entry.Combination = comb
	entry.Quality.Visited = visited
	entry.Quality.Normalize()
	return &entry, nil
}

func scanRun(row scanner) (*RunRecord, error) {
	var (
		run         RunRecord
		summary     sql.NullString
		errMsg      sql.NullString
		startedAt   int64
		completedAt sql.NullInt64
	)
	err := row.Scan(&run.ID, &run.Library, &run.Status, &run.Config, &summary, &errMsg, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	run.StartedAt = time.Unix(0, startedAt)
	if completedAt.Valid {
		t := time.Unix(0, completedAt.Int64)
		run.CompletedAt = &t
	}
	if errMsg.Valid {
		run.Error = &errMsg.String
	}
	if summary.Valid {
		run.Summary = &engine.RunSummary{}
		if err := json.Unmarshal([]byte(summary.String), run.Summary); err != nil {
			return nil, fmt.Errorf("failed to decode run summary: %w", err)
		}
	}
	return &run, nil
}

func decodeCombination(raw sql.NullString) (*engine.Combination, error) {
	if !raw.Valid {
		return nil, nil
	}
	comb := &engine.Combination{}
	if err := json.Unmarshal([]byte(raw.String), comb); err != nil {
		return nil, fmt.Errorf("failed to decode combination: %w", err)
	}
	return comb, nil
}

func encodeJSON(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode %T: %w", v, err)
	}
	return string(data), nil
}

// encodeOptional stores nil pointers and empty maps as NULL.
func encodeOptional(v interface{}) (*string, error) {
	switch x := v.(type) {
	case *engine.Combination:
		if x == nil {
			return nil, nil
		}
	case map[string]interface{}:
		if len(x) == 0 {
			return nil, nil
		}
	}
	text, err := encodeJSON(v)
	if err != nil {
		return nil, err
	}
	return &text, nil
}

func expectRow(result sql.Result, kind, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s %s", ErrNotFound, kind, id)
	}
	return nil
}
