// Package sqlitestore persists jobs in SQLite. Unlike the badger backend the
// database file can be shared by several renderq processes on one host.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"renderq/job"
	"renderq/store"
)

const maxUpdateRetries = 16

type Backend struct {
	db *sql.DB
}

// Open opens the database file at path, creating the schema if needed.
// Transactions begin IMMEDIATE so a read-modify-write holds the write lock
// from its first read.
func Open(path string) (*Backend, error) {
	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_txlock=immediate&_journal_mode=WAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	b := &Backend{db: db}
	if err := b.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	log.Debug().Str("path", path).Msg("sqlite job store opened")
	return b, nil
}

func (b *Backend) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id         TEXT PRIMARY KEY,
		status     TEXT NOT NULL,
		owner_id   TEXT NOT NULL,
		priority   INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		version    INTEGER NOT NULL DEFAULT 1,
		data       BLOB NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	CREATE INDEX IF NOT EXISTS idx_jobs_owner_created ON jobs(owner_id, created_at);
	`
	_, err := b.db.Exec(schema)
	return err
}

func (b *Backend) Close() error {
	return b.db.Close()
}

func (b *Backend) Insert(ctx context.Context, j *job.Job) error {
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", j.ID, err)
	}
	_, err = b.db.ExecContext(ctx,
		`INSERT INTO jobs (id, status, owner_id, priority, created_at, data) VALUES (?, ?, ?, ?, ?, ?)`,
		j.ID, string(j.Status), j.OwnerID, j.Priority, j.CreatedAt.UnixNano(), data,
	)
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
		return store.ErrExists
	}
	return err
}

func (b *Backend) Get(ctx context.Context, id string) (*job.Job, error) {
	var data []byte
	err := b.db.QueryRowContext(ctx, `SELECT data FROM jobs WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", store.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return decode(id, data)
}

// Update reads the row with its version and writes back only if the version
// is unchanged, retrying from a fresh read when another writer got there
// first.
func (b *Backend) Update(ctx context.Context, id string, fn func(j *job.Job) error) (*job.Job, error) {
	for attempt := 0; attempt < maxUpdateRetries; attempt++ {
		j, ok, err := b.tryUpdate(ctx, id, fn)
		if err != nil {
			return nil, err
		}
		if ok {
			return j, nil
		}
		log.Trace().Str("job_id", id).Int("attempt", attempt).Msg("sqlite version conflict, retrying")
	}
	return nil, fmt.Errorf("update job %s: too many concurrent writers", id)
}

func (b *Backend) tryUpdate(ctx context.Context, id string, fn func(j *job.Job) error) (*job.Job, bool, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var data []byte
	var version int64
	err = tx.QueryRowContext(ctx, `SELECT data, version FROM jobs WHERE id = ?`, id).Scan(&data, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("%w: %s", store.ErrNotFound, id)
	}
	if err != nil {
		return nil, false, err
	}

	j, err := decode(id, data)
	if err != nil {
		return nil, false, err
	}
	if err := fn(j); err != nil {
		return nil, false, err
	}

	next, err := json.Marshal(j)
	if err != nil {
		return nil, false, fmt.Errorf("encode job %s: %w", id, err)
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status = ?, owner_id = ?, priority = ?, data = ?, version = version + 1
		 WHERE id = ? AND version = ?`,
		string(j.Status), j.OwnerID, j.Priority, next, id, version,
	)
	if err != nil {
		return nil, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	if n == 0 {
		return nil, false, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit: %w", err)
	}
	return j, true, nil
}

func (b *Backend) Find(ctx context.Context, q store.Query) ([]*job.Job, error) {
	var where []string
	var args []interface{}
	if len(q.Statuses) > 0 {
		marks := make([]string, len(q.Statuses))
		for i, s := range q.Statuses {
			marks[i] = "?"
			args = append(args, string(s))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if q.OwnerID != "" {
		where = append(where, "owner_id = ?")
		args = append(args, q.OwnerID)
	}
	if !q.CreatedAfter.IsZero() {
		where = append(where, "created_at > ?")
		args = append(args, q.CreatedAfter.UnixNano())
	}

	statement := `SELECT id, data FROM jobs`
	if len(where) > 0 {
		statement += " WHERE " + strings.Join(where, " AND ")
	}
	statement += " ORDER BY created_at ASC"

	rows, err := b.db.QueryContext(ctx, statement, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to find jobs: %w", err)
	}
	defer rows.Close()

	var out []*job.Job
	for rows.Next() {
		var id string
		var data []byte
		if err := rows.Scan(&id, &data); err != nil {
			return nil, err
		}
		j, err := decode(id, data)
		if err != nil {
			log.Warn().Err(err).Str("job_id", id).Msg("skipping undecodable job row")
			continue
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (b *Backend) Delete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	marks := make([]string, len(ids))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		marks[i] = "?"
		args[i] = id
	}
	_, err := b.db.ExecContext(ctx, `DELETE FROM jobs WHERE id IN (`+strings.Join(marks, ", ")+`)`, args...)
	return err
}

func decode(id string, data []byte) (*job.Job, error) {
	var j job.Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &j, nil
}
