// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/PostHog/posthog-sub063/internal/core"
	"github.com/joomcode/errorx"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// SQLStore is the database/sql-backed Store. Postgres is the production
// backend; sqlite serves embedded deployments and tests.
type SQLStore struct {
	db     *sql.DB
	driver string
}

// Open connects to the metadata store and verifies the connection.
func Open(driver, dsn string) (*SQLStore, error) {
	switch driver {
	case DriverPostgres, DriverSQLite:
	default:
		return nil, errorx.IllegalArgument.New("unsupported metadata driver: %s", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, errorx.IllegalState.Wrap(err, "failed to open metadata store")
	}
	if err := db.Ping(); err != nil {
		return nil, errorx.IllegalState.Wrap(err, "failed to reach metadata store")
	}
	if driver == DriverSQLite {
		// Concurrent step-runners share one file; a single connection avoids
		// SQLITE_BUSY on overlapping write transactions.
		db.SetMaxOpenConns(1)
	}

	return &SQLStore{db: db, driver: driver}, nil
}

// NewSQLStore wraps an existing connection. Used by tests.
func NewSQLStore(db *sql.DB, driver string) *SQLStore {
	return &SQLStore{db: db, driver: driver}
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

const schemaSQLite = `
CREATE TABLE IF NOT EXISTS async_migration (
	name TEXT PRIMARY KEY,
	description TEXT NOT NULL DEFAULT '',
	status INTEGER NOT NULL DEFAULT 0,
	current_operation_index INTEGER NOT NULL DEFAULT 0,
	progress INTEGER NOT NULL DEFAULT 0,
	current_query_id TEXT NOT NULL DEFAULT '',
	task_id TEXT NOT NULL DEFAULT '',
	parameters TEXT NOT NULL DEFAULT '{}',
	posthog_min_version TEXT NOT NULL DEFAULT '',
	posthog_max_version TEXT NOT NULL DEFAULT '',
	started_at TIMESTAMP NULL,
	finished_at TIMESTAMP NULL
);
CREATE TABLE IF NOT EXISTS async_migration_error (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	migration_name TEXT NOT NULL,
	description TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_async_migration_error_name ON async_migration_error (migration_name);
`

const schemaPostgres = `
CREATE TABLE IF NOT EXISTS async_migration (
	name TEXT PRIMARY KEY,
	description TEXT NOT NULL DEFAULT '',
	status INTEGER NOT NULL DEFAULT 0,
	current_operation_index INTEGER NOT NULL DEFAULT 0,
	progress INTEGER NOT NULL DEFAULT 0,
	current_query_id TEXT NOT NULL DEFAULT '',
	task_id TEXT NOT NULL DEFAULT '',
	parameters TEXT NOT NULL DEFAULT '{}',
	posthog_min_version TEXT NOT NULL DEFAULT '',
	posthog_max_version TEXT NOT NULL DEFAULT '',
	started_at TIMESTAMPTZ NULL,
	finished_at TIMESTAMPTZ NULL
);
CREATE TABLE IF NOT EXISTS async_migration_error (
	id BIGSERIAL PRIMARY KEY,
	migration_name TEXT NOT NULL,
	description TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_async_migration_error_name ON async_migration_error (migration_name);
`

func (s *SQLStore) Setup(ctx context.Context) error {
	schema := schemaSQLite
	if s.driver == DriverPostgres {
		schema = schemaPostgres
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return errorx.IllegalState.Wrap(err, "failed to create metadata tables")
	}
	return nil
}

// rebind converts ? placeholders into the $N form for postgres.
func (s *SQLStore) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) Upsert(ctx context.Context, name, description, minVersion, maxVersion string) error {
	query := s.rebind(`
		INSERT INTO async_migration (name, description, posthog_min_version, posthog_max_version)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			description = excluded.description,
			posthog_min_version = excluded.posthog_min_version,
			posthog_max_version = excluded.posthog_max_version`)
	if _, err := s.db.ExecContext(ctx, query, name, description, minVersion, maxVersion); err != nil {
		return errorx.IllegalState.Wrap(err, "failed to upsert migration record %q", name)
	}
	return nil
}

const recordColumns = `name, description, status, current_operation_index, progress,
	current_query_id, task_id, parameters, posthog_min_version, posthog_max_version,
	started_at, finished_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		r          Record
		status     int
		params     string
		startedAt  sql.NullTime
		finishedAt sql.NullTime
	)
	err := row.Scan(&r.Name, &r.Description, &status, &r.CurrentOperationIndex, &r.Progress,
		&r.CurrentQueryID, &r.TaskID, &params, &r.MinVersion, &r.MaxVersion,
		&startedAt, &finishedAt)
	if err != nil {
		return nil, err
	}
	r.Status = Status(status)
	if params != "" {
		if err := json.Unmarshal([]byte(params), &r.Parameters); err != nil {
			return nil, errorx.IllegalFormat.Wrap(err, "corrupt parameters on migration record %q", r.Name)
		}
	}
	if startedAt.Valid {
		t := startedAt.Time
		r.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		r.FinishedAt = &t
	}
	return &r, nil
}

func (s *SQLStore) Get(ctx context.Context, name string) (*Record, error) {
	query := s.rebind(`SELECT ` + recordColumns + ` FROM async_migration WHERE name = ?`)
	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, name))
	if err == sql.ErrNoRows {
		return nil, core.MigrationNotFound.New("migration record %q does not exist", name).
			WithProperty(errorx.PropertyPayload(), name)
	}
	if err != nil {
		return nil, errorx.IllegalState.Wrap(err, "failed to fetch migration record %q", name)
	}
	return rec, nil
}

func (s *SQLStore) queryRecords(ctx context.Context, query string, args ...any) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errorx.IllegalState.Wrap(err, "failed to query migration records")
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, errorx.IllegalState.Wrap(err, "failed to scan migration record")
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *SQLStore) All(ctx context.Context) ([]*Record, error) {
	return s.queryRecords(ctx, `SELECT `+recordColumns+` FROM async_migration ORDER BY name`)
}

func (s *SQLStore) ByStatus(ctx context.Context, status Status) ([]*Record, error) {
	query := s.rebind(`SELECT ` + recordColumns + ` FROM async_migration WHERE status = ? ORDER BY name`)
	return s.queryRecords(ctx, query, int(status))
}

func (s *SQLStore) CountRunning(ctx context.Context) (int, error) {
	query := s.rebind(`SELECT COUNT(*) FROM async_migration WHERE status = ?`)
	var count int
	if err := s.db.QueryRowContext(ctx, query, int(StatusRunning)).Scan(&count); err != nil {
		return 0, errorx.IllegalState.Wrap(err, "failed to count running migrations")
	}
	return count, nil
}

// Update re-reads the record inside a transaction, applies mutate and writes
// every mutable column back. With lockRow on postgres the read takes a row
// lock for the duration of the transaction; on sqlite the write transaction
// itself serializes access. The global concurrency limit makes this a safety
// net rather than the primary concurrency control.
func (s *SQLStore) Update(ctx context.Context, name string, lockRow bool, mutate func(*Record) error) (*Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errorx.IllegalState.Wrap(err, "failed to begin metadata transaction")
	}
	defer tx.Rollback()

	query := `SELECT ` + recordColumns + ` FROM async_migration WHERE name = ?`
	if lockRow && s.driver == DriverPostgres {
		query += ` FOR UPDATE`
	}
	rec, err := scanRecord(tx.QueryRowContext(ctx, s.rebind(query), name))
	if err == sql.ErrNoRows {
		return nil, core.MigrationNotFound.New("migration record %q does not exist", name)
	}
	if err != nil {
		return nil, errorx.IllegalState.Wrap(err, "failed to fetch migration record %q for update", name)
	}

	if err := mutate(rec); err != nil {
		return nil, err
	}

	params, err := json.Marshal(rec.Parameters)
	if err != nil {
		return nil, errorx.IllegalFormat.Wrap(err, "failed to serialize parameters for %q", name)
	}
	if rec.Parameters == nil {
		params = []byte("{}")
	}

	update := s.rebind(`
		UPDATE async_migration SET
			status = ?,
			current_operation_index = ?,
			progress = ?,
			current_query_id = ?,
			task_id = ?,
			parameters = ?,
			started_at = ?,
			finished_at = ?
		WHERE name = ?`)
	_, err = tx.ExecContext(ctx, update,
		int(rec.Status), rec.CurrentOperationIndex, rec.Progress,
		rec.CurrentQueryID, rec.TaskID, string(params),
		nullTime(rec.StartedAt), nullTime(rec.FinishedAt), name)
	if err != nil {
		return nil, errorx.IllegalState.Wrap(err, "failed to update migration record %q", name)
	}

	if err := tx.Commit(); err != nil {
		return nil, errorx.IllegalState.Wrap(err, "failed to commit update of migration record %q", name)
	}
	return rec, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func (s *SQLStore) AppendError(ctx context.Context, name, description string) error {
	query := s.rebind(`
		INSERT INTO async_migration_error (migration_name, description, created_at)
		VALUES (?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, query, name, description, time.Now().UTC()); err != nil {
		return errorx.IllegalState.Wrap(err, "failed to append error for migration %q", name)
	}
	return nil
}

func (s *SQLStore) Errors(ctx context.Context, name string, limit int) ([]MigrationError, error) {
	query := `
		SELECT id, migration_name, description, created_at
		FROM async_migration_error WHERE migration_name = ?
		ORDER BY id DESC`
	args := []any{name}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, errorx.IllegalState.Wrap(err, "failed to query errors for migration %q", name)
	}
	defer rows.Close()

	var errs []MigrationError
	for rows.Next() {
		var e MigrationError
		if err := rows.Scan(&e.ID, &e.MigrationName, &e.Description, &e.CreatedAt); err != nil {
			return nil, errorx.IllegalState.Wrap(err, "failed to scan migration error row")
		}
		errs = append(errs, e)
	}
	return errs, rows.Err()
}
