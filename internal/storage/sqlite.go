package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is the download ledger: attempt history, resume tokens and the
// record of files that finished transferring.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "gemi.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// A single connection serialises writers from parallel file fetches.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA busy_timeout = 5000", "PRAGMA journal_mode=WAL"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &Store{db: db}
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

// migrate applies every embedded migration newer than the recorded schema version.
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

	applied, err := s.AppliedMigrations()
	if err != nil {
		return fmt.Errorf("listing applied migrations: %w", err)
	}
	done := make(map[int]bool, len(applied))
	for _, v := range applied {
		done[v] = true
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}
		if done[version] {
			continue
		}
		if err := s.applyMigration(version, entry.Name()); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) applyMigration(version int, name string) error {
	content, err := migrationsFS.ReadFile("migrations/" + name)
	if err != nil {
		return fmt.Errorf("reading migration %s: %w", name, err)
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
	return tx.Commit()
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


// --- Attempts ---

// RecordAttempt appends a fetch attempt to the ledger.
func (s *Store) RecordAttempt(a Attempt) error {
	_, err := s.db.Exec(`
		INSERT INTO download_attempts (id, model, file, attempt, start_offset, bytes, outcome, error_kind, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Model, a.File, a.Number, a.Offset, a.Bytes, a.Outcome, a.ErrorKind, a.Error,
		a.StartedAt.UTC().Format(time.RFC3339), a.FinishedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// RecentAttempts returns up to limit attempts for model, newest first.
func (s *Store) RecentAttempts(model string, limit int) ([]Attempt, error) {
	rows, err := s.db.Query(`
		SELECT id, model, file, attempt, start_offset, bytes, outcome, error_kind, error, started_at, finished_at
		FROM download_attempts WHERE model = ?
		ORDER BY started_at DESC, rowid DESC LIMIT ?`, model, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Attempt
	for rows.Next() {
		var a Attempt
		var startedAt, finishedAt string
		if err := rows.Scan(&a.ID, &a.Model, &a.File, &a.Number, &a.Offset, &a.Bytes, &a.Outcome, &a.ErrorKind, &a.Error, &startedAt, &finishedAt); err != nil {
			return nil, err
		}
		if a.StartedAt, err = time.Parse(time.RFC3339, startedAt); err != nil {
			return nil, fmt.Errorf("parsing started_at: %w", err)
		}
		if a.FinishedAt, err = time.Parse(time.RFC3339, finishedAt); err != nil {
			return nil, fmt.Errorf("parsing finished_at: %w", err)
		}
		results = append(results, a)
	}
	return results, rows.Err()
}

// TransferredBytes sums the bytes written by every recorded attempt for model.
func (s *Store) TransferredBytes(model string) (int64, error) {
	var n sql.NullInt64
	err := s.db.QueryRow(`SELECT SUM(bytes) FROM download_attempts WHERE model = ?`, model).Scan(&n)
	return n.Int64, err
}

// --- Resume tokens ---

func (s *Store) SaveResumeToken(model, file string, token []byte) error {
	_, err := s.db.Exec(`
		INSERT INTO resume_tokens (model, file, token, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(model, file) DO UPDATE SET token = excluded.token, updated_at = excluded.updated_at`,
		model, file, token, time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

func (s *Store) LoadResumeToken(model, file string) ([]byte, error) {
	var token []byte
	err := s.db.QueryRow(`SELECT token FROM resume_tokens WHERE model = ? AND file = ?`, model, file).Scan(&token)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return token, err
}

func (s *Store) DeleteResumeToken(model, file string) error {
	_, err := s.db.Exec(`DELETE FROM resume_tokens WHERE model = ? AND file = ?`, model, file)
	return err
}

// ListResumeTokens returns every stored token for model ordered by file name.
func (s *Store) ListResumeTokens(model string) ([]ResumeToken, error) {
	rows, err := s.db.Query(`SELECT model, file, token, updated_at FROM resume_tokens WHERE model = ? ORDER BY file`, model)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []ResumeToken
	for rows.Next() {
		var r ResumeToken
		var updatedAt string
		if err := rows.Scan(&r.Model, &r.File, &r.Token, &updatedAt); err != nil {
			return nil, err
		}
		if r.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
			return nil, fmt.Errorf("parsing updated_at: %w", err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// --- Completed files ---

func (s *Store) MarkFileComplete(f CompletedFile) error {
	completedAt := f.CompletedAt
	if completedAt.IsZero() {
		completedAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO completed_files (model, file, size, sha256, completed_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(model, file) DO UPDATE SET size = excluded.size, sha256 = excluded.sha256, completed_at = excluded.completed_at`,
		f.Model, f.File, f.Size, f.SHA256, completedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// CompletedFiles returns the completed files of model keyed by file name.
func (s *Store) CompletedFiles(model string) (map[string]CompletedFile, error) {
	rows, err := s.db.Query(`SELECT model, file, size, sha256, completed_at FROM completed_files WHERE model = ?`, model)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]CompletedFile)
	for rows.Next() {
		var f CompletedFile
		var completedAt string
		if err := rows.Scan(&f.Model, &f.File, &f.Size, &f.SHA256, &completedAt); err != nil {
			return nil, err
		}
		if f.CompletedAt, err = time.Parse(time.RFC3339, completedAt); err != nil {
			return nil, fmt.Errorf("parsing completed_at: %w", err)
		}
		result[f.File] = f
	}
	return result, rows.Err()
}

// ForgetModel drops the resume tokens and completed-file records of model.
// The attempt history is kept.
func (s *Store) ForgetModel(model string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning forget transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM resume_tokens WHERE model = ?`, model); err != nil {
		return fmt.Errorf("deleting resume tokens: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM completed_files WHERE model = ?`, model); err != nil {
		return fmt.Errorf("deleting completed files: %w", err)
	}
	return tx.Commit()
}
