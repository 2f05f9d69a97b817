package checkpoint

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/spherical/batch-extractor/internal/domain"
)

// SQLStore keeps checkpoints in a sqlite or postgres table. Inserts run in
// their own statement so each mark is committed before it is acknowledged.
type SQLStore struct {
	db     *sql.DB
	driver string
}

const createTableSQL = `CREATE TABLE IF NOT EXISTS checkpoints (
	task_id      TEXT PRIMARY KEY,
	output_path  TEXT NOT NULL,
	completed_at TEXT NOT NULL,
	note         TEXT NOT NULL DEFAULT ''
)`

// OpenSQLiteStore opens a sqlite checkpoint database at path with WAL and
// full synchronous commits.
func OpenSQLiteStore(ctx context.Context, path string) (*SQLStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, domain.CheckpointError("create checkpoint directory", err)
	}
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, domain.CheckpointError("open sqlite checkpoint", err)
	}
	db.SetMaxOpenConns(1)
	return newSQLStore(ctx, db, "sqlite3")
}

// OpenPostgresStore opens a postgres checkpoint table.
func OpenPostgresStore(ctx context.Context, dsn string) (*SQLStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, domain.CheckpointError("open postgres checkpoint", err)
	}
	db.SetMaxOpenConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	return newSQLStore(ctx, db, "postgres")
}

func newSQLStore(ctx context.Context, db *sql.DB, driver string) (*SQLStore, error) {
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, domain.CheckpointError("ping checkpoint database", err)
	}
	if _, err := db.ExecContext(ctx, createTableSQL); err != nil {
		db.Close()
		return nil, domain.CheckpointError("create checkpoints table", err)
	}
	return &SQLStore{db: db, driver: driver}, nil
}

func (s *SQLStore) placeholder(n int) string {
	if s.driver == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// IsCompleted reports whether taskID has a committed row.
func (s *SQLStore) IsCompleted(ctx context.Context, taskID string) (bool, error) {
	query := "SELECT 1 FROM checkpoints WHERE task_id = " + s.placeholder(1)
	var one int
	err := s.db.QueryRowContext(ctx, query, taskID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, domain.CheckpointError("query checkpoint", err)
	}
	return true, nil
}

// MarkCompleted inserts rec, ignoring an existing row for the same task.
func (s *SQLStore) MarkCompleted(ctx context.Context, rec domain.CheckpointRecord) error {
	if rec.TaskID == "" {
		return domain.CheckpointError("empty task id", nil)
	}
	query := fmt.Sprintf(
		"INSERT INTO checkpoints (task_id, output_path, completed_at, note) VALUES (%s, %s, %s, %s) ON CONFLICT (task_id) DO NOTHING",
		s.placeholder(1), s.placeholder(2), s.placeholder(3), s.placeholder(4),
	)
	_, err := s.db.ExecContext(ctx, query,
		rec.TaskID, rec.OutputPath, rec.CompletedAt.UTC().Format(time.RFC3339Nano), rec.Note)
	if err != nil {
		return domain.CheckpointError(fmt.Sprintf("insert checkpoint for %s", rec.TaskID), err)
	}
	return nil
}

// Completed loads every row.
func (s *SQLStore) Completed(ctx context.Context) (map[string]domain.CheckpointRecord, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT task_id, output_path, completed_at, note FROM checkpoints")
	if err != nil {
		return nil, domain.CheckpointError("list checkpoints", err)
	}
	defer rows.Close()

	out := make(map[string]domain.CheckpointRecord)
	for rows.Next() {
		var rec domain.CheckpointRecord
		var completedAt string
		if err := rows.Scan(&rec.TaskID, &rec.OutputPath, &completedAt, &rec.Note); err != nil {
			return nil, domain.CheckpointError("scan checkpoint row", err)
		}
		rec.CompletedAt, _ = time.Parse(time.RFC3339Nano, completedAt)
		out[rec.TaskID] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, domain.CheckpointError("iterate checkpoints", err)
	}
	return out, nil
}

// Close closes the database handle.
func (s *SQLStore) Close() error {
	return s.db.Close()
}
