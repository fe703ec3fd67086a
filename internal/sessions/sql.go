package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"   // postgres driver
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// Dialect selects placeholder syntax.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// SQLRecorder stores run records in SQLite or Postgres. Each record is
// kept as a JSON payload next to the columns used for ordering and
// filtering.
type SQLRecorder struct {
	db      *sql.DB
	dialect Dialect
	max     int
	logger  *slog.Logger
	now     func() time.Time
}

// NewSQLRecorder wraps an open database. Call Migrate before use unless
// the table already exists. A max <= 0 disables trimming.
func NewSQLRecorder(db *sql.DB, dialect Dialect, max int, logger *slog.Logger) *SQLRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLRecorder{
		db:      db,
		dialect: dialect,
		max:     max,
		logger:  logger.With("component", "sessions", "driver", string(dialect)),
		now:     time.Now,
	}
}

// OpenSQLite opens (creating if needed) a SQLite database at path.
func OpenSQLite(ctx context.Context, path string, max int, logger *slog.Logger) (*SQLRecorder, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite serializes writers; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	rec := NewSQLRecorder(db, DialectSQLite, max, logger)
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		rec.logger.Debug("could not enable WAL", "error", err)
	}
	if err := rec.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return rec, nil
}

// OpenPostgres connects to Postgres using dsn.
func OpenPostgres(ctx context.Context, dsn string, max int, logger *slog.Logger) (*SQLRecorder, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	rec := NewSQLRecorder(db, DialectPostgres, max, logger)
	if err := rec.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return rec, nil
}

// Migrate creates the run_records table and its index.
func (s *SQLRecorder) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS run_records (
			id TEXT PRIMARY KEY,
			mode TEXT NOT NULL,
			outcome TEXT NOT NULL,
			started_at BIGINT NOT NULL,
			ended_at BIGINT NOT NULL,
			payload TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS run_records_ended_at ON run_records (ended_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate run_records: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for Postgres.
func (s *SQLRecorder) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Record inserts rec and trims the table to the configured maximum.
func (s *SQLRecorder) Record(ctx context.Context, rec *RunRecord) error {
	if rec == nil {
		return nil
	}
	prepare(rec, s.now())

	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode run record: %w", err)
	}

	_, err = s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO run_records (id, mode, outcome, started_at, ended_at, payload) VALUES (?, ?, ?, ?, ?, ?)`),
		rec.ID, rec.Mode, rec.Outcome, rec.StartedAt.UnixNano(), rec.EndedAt.UnixNano(), string(payload))
	if err != nil {
		return fmt.Errorf("insert run record: %w", err)
	}

	if s.max > 0 {
		_, err = s.db.ExecContext(ctx, s.rebind(
			`DELETE FROM run_records WHERE id NOT IN (SELECT id FROM run_records ORDER BY ended_at DESC, id DESC LIMIT ?)`),
			s.max)
		if err != nil {
			// The record is stored; an oversized table is tolerable.
			s.logger.Warn("failed to trim run records", "error", err)
		}
	}
	return nil
}

// List returns matching records, newest first.
func (s *SQLRecorder) List(ctx context.Context, opts ListOptions) ([]*RunRecord, error) {
	query := `SELECT payload FROM run_records`
	var args []any
	if opts.Outcome != "" {
		query += ` WHERE outcome = ?`
		args = append(args, opts.Outcome)
	}
	query += ` ORDER BY ended_at DESC, id DESC`
	limit := opts.Limit
	if limit <= 0 {
		limit = -1
		if s.dialect == DialectPostgres {
			limit = 1 << 31
		}
	}
	query += ` LIMIT ? OFFSET ?`
	args = append(args, limit, max(opts.Offset, 0))

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list run records: %w", err)
	}
	defer rows.Close()

	out := make([]*RunRecord, 0)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan run record: %w", err)
		}
		var rec RunRecord
		if err := json.Unmarshal([]byte(payload), &rec); err != nil {
			s.logger.Warn("skipping undecodable run record", "error", err)
			continue
		}
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list run records: %w", err)
	}
	return out, nil
}

// Prune deletes records that ended before olderThan.
func (s *SQLRecorder) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM run_records WHERE ended_at < ?`), olderThan.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("prune run records: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return n, nil
}

// DB exposes the underlying connection.
func (s *SQLRecorder) DB() *sql.DB {
	return s.db
}

// Close closes the database.
func (s *SQLRecorder) Close() error {
	return s.db.Close()
}
