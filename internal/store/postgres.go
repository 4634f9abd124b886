package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kristinkand/nocturne-sub010/internal/models"
)

const postgresMigration = `
CREATE TABLE IF NOT EXISTS comparison_results (
    correlation_id  TEXT PRIMARY KEY,
    request_method  TEXT        NOT NULL DEFAULT '',
    request_path    TEXT        NOT NULL DEFAULT '',
    compared_at     TIMESTAMPTZ NOT NULL,
    overall_match   TEXT        NOT NULL,
    critical_count  INT         NOT NULL DEFAULT 0,
    discrepancies   JSONB       NOT NULL,
    result          JSONB       NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_comparison_results_compared_at ON comparison_results (compared_at DESC);
CREATE INDEX IF NOT EXISTS idx_comparison_results_match ON comparison_results (overall_match);
`

// PostgresStore persists results to PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps an existing pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// NewPostgresStoreFromURL connects a new pool.
func NewPostgresStoreFromURL(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	return NewPostgresStore(pool), nil
}

// Migrate creates the schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	if err != nil {
		return fmt.Errorf("executing migration: %w", err)
	}
	return nil
}

// Persist inserts or replaces a result.
func (s *PostgresStore) Persist(ctx context.Context, result *models.ComparisonResult) error {
	if result == nil {
		return nil
	}
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshaling result: %w", err)
	}
	discrepanciesJSON, err := json.Marshal(result.Discrepancies)
	if err != nil {
		return fmt.Errorf("marshaling discrepancies: %w", err)
	}
	id := result.CorrelationID
	if id == "" {
		id = anonymousKey()
	}

	query := `
		INSERT INTO comparison_results
			(correlation_id, request_method, request_path, compared_at, overall_match, critical_count, discrepancies, result)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (correlation_id) DO UPDATE SET
			request_method = EXCLUDED.request_method,
			request_path   = EXCLUDED.request_path,
			compared_at    = EXCLUDED.compared_at,
			overall_match  = EXCLUDED.overall_match,
			critical_count = EXCLUDED.critical_count,
			discrepancies  = EXCLUDED.discrepancies,
			result         = EXCLUDED.result`

	_, err = s.pool.Exec(ctx, query,
		id,
		result.RequestMethod,
		result.RequestPath,
		result.ComparedAt,
		string(result.OverallMatch),
		result.CriticalCount(),
		discrepanciesJSON,
		resultJSON,
	)
	if err != nil {
		return fmt.Errorf("inserting result: %w", err)
	}
	return nil
}

// List returns matching results newest first.
func (s *PostgresStore) List(ctx context.Context, filter ListFilter) ([]*models.ComparisonResult, error) {
	filter = filter.Normalize()

	var conds []string
	var args []any
	argIdx := 1
	if filter.Match != "" {
		conds = append(conds, fmt.Sprintf("overall_match = $%d", argIdx))
		args = append(args, string(filter.Match))
		argIdx++
	}
	if filter.PathContains != "" {
		conds = append(conds, fmt.Sprintf("strpos(request_path, $%d) > 0", argIdx))
		args = append(args, filter.PathContains)
		argIdx++
	}
	if !filter.Since.IsZero() {
		conds = append(conds, fmt.Sprintf("compared_at >= $%d", argIdx))
		args = append(args, filter.Since)
		argIdx++
	}
	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, filter.Limit, filter.Offset)

	query := fmt.Sprintf(`
		SELECT result FROM comparison_results
		%s
		ORDER BY compared_at DESC
		LIMIT $%d OFFSET $%d`, where, argIdx, argIdx+1)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing results: %w", err)
	}
	defer rows.Close()

	out := []*models.ComparisonResult{}
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scanning result: %w", err)
		}
		var r models.ComparisonResult
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("unmarshaling result: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// Get returns one result by correlation id.
func (s *PostgresStore) Get(ctx context.Context, correlationID string) (*models.ComparisonResult, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT result FROM comparison_results WHERE correlation_id = $1`, correlationID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting result: %w", err)
	}

	var r models.ComparisonResult
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("unmarshaling result: %w", err)
	}
	return &r, nil
}

// Counts returns results per match type since the given time.
func (s *PostgresStore) Counts(ctx context.Context, since time.Time) (map[models.MatchType]int64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT overall_match, COUNT(*) FROM comparison_results
		WHERE compared_at >= $1
		GROUP BY overall_match`, since)
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

// Close closes the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

var _ Store = (*PostgresStore)(nil)
