package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kristinkand/nocturne-sub010/internal/models"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS comparison_results (
    correlation_id  TEXT PRIMARY KEY,
    request_method  TEXT    NOT NULL DEFAULT '',
    request_path    TEXT    NOT NULL DEFAULT '',
    compared_at     INTEGER NOT NULL,
    overall_match   TEXT    NOT NULL,
    critical_count  INTEGER NOT NULL DEFAULT 0,
    result          TEXT    NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_comparison_results_compared_at ON comparison_results (compared_at DESC);
CREATE INDEX IF NOT EXISTS idx_comparison_results_match ON comparison_results (overall_match);
`

// SQLiteStore persists results to a local SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at path and
// applies the schema.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite store requires a file path")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
			return nil, fmt.Errorf("creating sqlite directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	// single writer; avoids SQLITE_BUSY under concurrent sinks
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("executing migration: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Persist inserts or replaces a result.
func (s *SQLiteStore) Persist(ctx context.Context, result *models.ComparisonResult) error {
	if result == nil {
		return nil
	}
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshaling result: %w", err)
	}
	id := result.CorrelationID
	if id == "" {
		id = anonymousKey()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO comparison_results
			(correlation_id, request_method, request_path, compared_at, overall_match, critical_count, result)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id,
		result.RequestMethod,
		result.RequestPath,
		result.ComparedAt.UnixMilli(),
		string(result.OverallMatch),
		result.CriticalCount(),
		string(data),
	)
	if err != nil {
		return fmt.Errorf("inserting result: %w", err)
	}
	return nil
}

// List returns matching results newest first.
func (s *SQLiteStore) List(ctx context.Context, filter ListFilter) ([]*models.ComparisonResult, error) {
	filter = filter.Normalize()

	var conds []string
	var args []any
	if filter.Match != "" {
		conds = append(conds, "overall_match = ?")
		args = append(args, string(filter.Match))
	}
	if filter.PathContains != "" {
		conds = append(conds, "instr(request_path, ?) > 0")
		args = append(args, filter.PathContains)
	}
	if !filter.Since.IsZero() {
		conds = append(conds, "compared_at >= ?")
		args = append(args, filter.Since.UnixMilli())
	}
	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT result FROM comparison_results
		%s
		ORDER BY compared_at DESC, rowid DESC
		LIMIT ? OFFSET ?`, where), args...)
	if err != nil {
		return nil, fmt.Errorf("listing results: %w", err)
	}
	defer rows.Close()

	out := []*models.ComparisonResult{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scanning result: %w", err)
		}
		var r models.ComparisonResult
		if err := json.Unmarshal([]byte(data), &r); err != nil {
			return nil, fmt.Errorf("unmarshaling result: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// Get returns one result by correlation id.
func (s *SQLiteStore) Get(ctx context.Context, correlationID string) (*models.ComparisonResult, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT result FROM comparison_results WHERE correlation_id = ?`, correlationID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting result: %w", err)
	}

	var r models.ComparisonResult
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return nil, fmt.Errorf("unmarshaling result: %w", err)
	}
	return &r, nil
}

// Counts returns results per match type since the given time.
func (s *SQLiteStore) Counts(ctx context.Context, since time.Time) (map[models.MatchType]int64, error) {
	var sinceMs int64
	if !since.IsZero() {
		sinceMs = since.UnixMilli()
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT overall_match, COUNT(*) FROM comparison_results
		WHERE compared_at >= ?
		GROUP BY overall_match`, sinceMs)
	if err != nil {
		return nil, fmt.Errorf("counting results: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.MatchType]int64)
	for rows.Next() {
		var match string
		var n int64
		if err := rows.Scan(&match, &n); err != nil {
			return nil, fmt.Errorf("scanning count: %w", err)
		}
		counts[models.MatchType(match)] = n
	}
	return counts, rows.Err()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

var _ Store = (*SQLiteStore)(nil)
