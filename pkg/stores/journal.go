package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/guerillaglass/glassengine/pkg/telemetry"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MemoryPath opens a private in-memory journal.
const MemoryPath = ":memory:"

const recordTimeout = 5 * time.Second

// Config holds journal configuration.
type Config struct {
	Path string

	// Retention deletes entries older than this on Open. Zero keeps all.
	Retention time.Duration

	Logger *telemetry.Logger
}

// Journal persists engine lifecycle events in SQLite so crash loops can be
// inspected after the process that saw them is gone.
type Journal struct {
	db     *sql.DB
	path   string
	logger *telemetry.Logger
	now    func() time.Time
}

// Open opens the journal database, creating it and running migrations as
// needed.
func Open(ctx context.Context, cfg Config) (*Journal, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}

	j := &Journal{
		path:   cfg.Path,
		logger: logger.NewComponentLogger("journal"),
		now:    time.Now,
	}
	if err := j.init(ctx); err != nil {
		return nil, err
	}
	if err := j.migrate(); err != nil {
		_ = j.db.Close()
		return nil, err
	}
	if cfg.Retention > 0 {
		n, err := j.Prune(ctx, j.now().Add(-cfg.Retention))
		if err != nil {
			_ = j.db.Close()
			return nil, err
		}
		if n > 0 {
			j.logger.WithField("deleted", n).Debug("Pruned journal")
		}
	}
	return j, nil
}

func (j *Journal) init(ctx context.Context) error {
	dsn := j.path
	if j.path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(j.path), 0o755); err != nil {
			return fmt.Errorf("failed to create journal directory: %w", err)
		}
		dsn = "file:" + filepath.ToSlash(j.path) +
			"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// One connection serialises writers and keeps :memory: a single database.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	j.db = db
	return nil
}

func (j *Journal) migrate() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(j.db, &sqlite3.Config{})
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

// Close closes the database connection.
func (j *Journal) Close() error {
	if j.db != nil {
		return j.db.Close()
	}
	return nil
}

// Path returns the database path.
func (j *Journal) Path() string {
	return j.path
}

// HealthCheck verifies the database connection is healthy.
func (j *Journal) HealthCheck(ctx context.Context) error {
	if j.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return j.db.PingContext(ctx)
}

// Attach subscribes the journal to every event the publisher delivers.
func (j *Journal) Attach(events *telemetry.EventPublisher) {
	events.Subscribe(j.Record, nil)
}

// Record stores a lifecycle event. It is an EventSubscriber; failures are
// logged rather than returned.
func (j *Journal) Record(event telemetry.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	if err := j.Append(ctx, EntryFromEvent(event)); err != nil {
		j.logger.WithError(err).WithField("event_type", event.Type).Warn("Failed to journal event")
	}
}

// Append inserts an entry and sets its ID. Entries with an EventID already
// present are ignored.
func (j *Journal) Append(ctx context.Context, entry *Entry) error {
	if entry.EventID == "" {
		return fmt.Errorf("event id is required")
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = j.now()
	}
	data := entry.Data
	if data == "" {
		data = "{}"
	}

	query := `
		INSERT INTO journal (event_id, timestamp, type, level, source, generation, pid, method, message, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(event_id) DO NOTHING
	`

	result, err := j.db.ExecContext(ctx, query,
		entry.EventID,
		entry.Timestamp.UTC().UnixNano(),
		entry.Type,
		entry.Level,
		entry.Source,
		int64(entry.Generation),
		entry.PID,
		entry.Method,
		entry.Message,
		data,
	)
	if err != nil {
		return fmt.Errorf("failed to append entry: %w", err)
	}

	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return nil
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get entry ID: %w", err)
	}
	entry.ID = id
	return nil
}

// List returns entries matching the filter, newest first.
func (j *Journal) List(ctx context.Context, filter Filter) ([]*Entry, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}

	var typ, since, generation interface{}
	if filter.Type != "" {
		typ = filter.Type
	}
	if !filter.Since.IsZero() {
		since = filter.Since.UTC().UnixNano()
	}
	if filter.Generation > 0 {
		generation = int64(filter.Generation)
	}

	query := `
		SELECT id, event_id, timestamp, type, level, source, generation, pid, method, message, data
		FROM journal
		WHERE (? IS NULL OR type = ?)
		  AND (? IS NULL OR timestamp >= ?)
		  AND (? IS NULL OR generation = ?)
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`

	rows, err := j.db.QueryContext(ctx, query, typ, typ, since, since, generation, generation, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}
	defer rows.Close()

	entries := []*Entry{}
	for rows.Next() {
		var (
			e   Entry
			ts  int64
			gen int64
		)
		err := rows.Scan(&e.ID, &e.EventID, &ts, &e.Type, &e.Level, &e.Source, &gen, &e.PID, &e.Method, &e.Message, &e.Data)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		e.Timestamp = time.Unix(0, ts).UTC()
		e.Generation = uint64(gen)
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entries: %w", err)
	}
	return entries, nil
}

// Summarize counts entries per event type since the given time.
func (j *Journal) Summarize(ctx context.Context, since time.Time) (*Summary, error) {
	query := `
		SELECT type, COUNT(*), MAX(generation)
		FROM journal
		WHERE timestamp >= ?
		GROUP BY type
	`

	rows, err := j.db.QueryContext(ctx, query, since.UTC().UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to summarize journal: %w", err)
	}
	defer rows.Close()

	summary := &Summary{Since: since, Counts: map[string]int{}}
	for rows.Next() {
		var (
			typ   string
			count int
			gen   int64
		)
		if err := rows.Scan(&typ, &count, &gen); err != nil {
			return nil, fmt.Errorf("failed to scan summary: %w", err)
		}
		summary.Counts[typ] = count
		if uint64(gen) > summary.LastGeneration {
			summary.LastGeneration = uint64(gen)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating summary: %w", err)
	}
	return summary, nil
}

// Prune deletes entries older than before and returns how many were removed.
func (j *Journal) Prune(ctx context.Context, before time.Time) (int64, error) {
	result, err := j.db.ExecContext(ctx, `DELETE FROM journal WHERE timestamp < ?`, before.UTC().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to prune journal: %w", err)
	}
	return result.RowsAffected()
}

// EntryFromEvent converts a lifecycle event to a journal entry.
func EntryFromEvent(event telemetry.Event) *Entry {
	data := "{}"
	if len(event.Data) > 0 {
		if b, err := json.Marshal(event.Data); err == nil {
			data = string(b)
		}
	}
	return &Entry{
		EventID:    event.ID,
		Timestamp:  event.Timestamp,
		Type:       event.Type,
		Level:      event.Level,
		Source:     event.Source,
		Generation: event.Generation,
		PID:        event.PID,
		Method:     event.Method,
		Message:    event.Message,
		Data:       data,
	}
}
