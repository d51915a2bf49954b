package audit

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

// Entry is one finished job as recorded in the audit log
type Entry struct {
	Snippet string
	Result  string
	Success bool
}

// Logger records finished jobs
type Logger interface {
	LogCompilation(ctx context.Context, entry Entry) error
}

// Nop is a Logger that records nothing
type Nop struct{}

// LogCompilation does nothing
func (Nop) LogCompilation(context.Context, Entry) error { return nil }

// Store is a Logger backed by an embedded sqlite database. A snippet is
// recorded once; later submissions of identical text are ignored.
type Store struct {
	logger *zap.Logger
	db     *sql.DB
}

// Open opens or creates the database at path
func Open(logger *zap.Logger, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create audit directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}

	createTableSQL := `CREATE TABLE IF NOT EXISTS compilation_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp TEXT NOT NULL,
		snippet TEXT NOT NULL,
		snippet_hash TEXT NOT NULL,
		result TEXT NOT NULL,
		success INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_compilation_logs_hash ON compilation_logs(snippet_hash);`

	if _, err := db.Exec(createTableSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create compilation_logs table: %w", err)
	}

	_, _ = db.Exec("PRAGMA journal_mode=WAL;")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL;")
	_, _ = db.Exec("PRAGMA busy_timeout = 5000;")

	return &Store{logger: logger, db: db}, nil
}

// Hash returns the hex sha256 of a snippet, the deduplication key
func Hash(snippet string) string {
	sum := sha256.Sum256([]byte(snippet))
	return hex.EncodeToString(sum[:])
}

// LogCompilation inserts entry unless its snippet was already recorded
func (s *Store) LogCompilation(ctx context.Context, entry Entry) error {
	hash := Hash(entry.Snippet)
	success := 0
	if entry.Success {
		success = 1
	}

	query := `INSERT INTO compilation_logs (timestamp, snippet, snippet_hash, result, success)
		SELECT ?, ?, ?, ?, ?
		WHERE NOT EXISTS (SELECT 1 FROM compilation_logs WHERE snippet_hash = ?)`

	_, err := s.db.ExecContext(ctx, query,
		time.Now().UTC().Format(time.RFC3339Nano), entry.Snippet, hash, entry.Result, success, hash)
	if err != nil {
		return fmt.Errorf("failed to log compilation: %w", err)
	}

	s.logger.Debug("compilation recorded", zap.String("snippet_hash", hash), zap.Bool("success", entry.Success))
	return nil
}

// Count returns the number of recorded snippets
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM compilation_logs").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count compilations: %w", err)
	}
	return n, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}
