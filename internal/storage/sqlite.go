package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// sortableTime is fixed-width so text ordering matches time ordering.
const sortableTime = "2006-01-02T15:04:05.000000000Z07:00"

// Store wraps a SQLite database holding the price catalog, conversation
// history, system logs and the job queue.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for timestamps and job scheduling.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string, opts ...Option) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "canasta.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// One connection: writers never see "database is locked", and an
	// in-memory database stays a single database.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) timestamp() string {
	return s.now().UTC().Format(time.RFC3339)
}

// migrate applies embedded migrations that have not been recorded yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}
		if err := s.applyMigration(version, "migrations/"+entry.Name()); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) applyMigration(version int, path string) error {
	var exists int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
		return fmt.Errorf("checking migration %d: %w", version, err)
	}
	if exists > 0 {
		return nil
	}

	content, err := migrationsFS.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading migration %s: %w", path, err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(string(content)); err != nil {
		return fmt.Errorf("applying migration %d: %w", version, err)
	}
	if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
		return fmt.Errorf("recording migration %d: %w", version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing migration %d: %w", version, err)
	}
	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Conversations ---

// SaveConversation maps phone to threadID, replacing any previous mapping.
func (s *Store) SaveConversation(ctx context.Context, phone, threadID string) error {
	now := s.timestamp()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (phone_number, thread_id, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(phone_number) DO UPDATE SET thread_id = excluded.thread_id, updated_at = excluded.updated_at`,
		phone, threadID, now, now,
	)
	return err
}

// GetThreadID returns the thread mapped to phone, or ErrNotFound.
func (s *Store) GetThreadID(ctx context.Context, phone string) (string, error) {
	var threadID string
	err := s.db.QueryRowContext(ctx, "SELECT thread_id FROM conversations WHERE phone_number = ?", phone).Scan(&threadID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return threadID, err
}

// --- Messages ---

func (s *Store) SaveMessage(ctx context.Context, m Message) (Message, error) {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, thread_id, role, content, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		m.ID, m.ThreadID, m.Role, m.Content, m.CreatedAt.UTC().Format(sortableTime),
	)
	if err != nil {
		return Message{}, err
	}
	return m, nil
}

// ListMessages returns up to limit messages for a thread, oldest first.
func (s *Store) ListMessages(ctx context.Context, threadID string, limit int) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, thread_id, role, content, created_at FROM (
			SELECT id, thread_id, role, content, created_at, rowid AS seq
			FROM messages WHERE thread_id = ?
			ORDER BY created_at DESC, seq DESC LIMIT ?
		) ORDER BY created_at ASC, seq ASC`, threadID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var createdAt string
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.Role, &m.Content, &createdAt); err != nil {
			return nil, err
		}
		if m.CreatedAt, err = time.Parse(sortableTime, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// --- System logs ---

// InsertLogs writes entries in one transaction.
func (s *Store) InsertLogs(ctx context.Context, entries []LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning log transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO system_logs (id, type, source, message, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing log insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if e.ID == "" {
			e.ID = uuid.New().String()
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = s.now()
		}
		var details sql.NullString
		if e.Details != "" {
			details = sql.NullString{String: e.Details, Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, e.ID, e.Type, e.Source, e.Message, details,
			e.CreatedAt.UTC().Format(sortableTime)); err != nil {
			return fmt.Errorf("inserting log %s: %w", e.ID, err)
		}
	}
	return tx.Commit()
}

// RecentLogs returns up to limit entries, newest first. An empty logType
// matches every type.
func (s *Store) RecentLogs(ctx context.Context, logType string, limit int) ([]LogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, source, message, COALESCE(details, ''), created_at
		FROM system_logs
		WHERE (? = '' OR type = ?)
		ORDER BY created_at DESC, rowid DESC LIMIT ?`, logType, logType, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LogEntry
	for rows.Next() {
		var e LogEntry
		var createdAt string
		if err := rows.Scan(&e.ID, &e.Type, &e.Source, &e.Message, &e.Details, &createdAt); err != nil {
			return nil, err
		}
		if e.CreatedAt, err = time.Parse(sortableTime, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
