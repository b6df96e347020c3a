// Package badgerstore persists jobs in an embedded Badger database.
package badgerstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog/log"
	"github.com/timshannon/badgerhold/v4"

	"renderq/job"
	"renderq/store"
)

// maxTxnRetries bounds retries after an optimistic transaction conflict.
const maxTxnRetries = 16

// record is the stored form of a job. Status and OwnerID are indexed; the
// full job travels as JSON so the schema can evolve without gob churn.
type record struct {
	ID        string `badgerhold:"key"`
	Status    string `badgerhold:"index"`
	OwnerID   string `badgerhold:"index"`
	CreatedAt time.Time
	Data      []byte
}

func encode(j *job.Job) (record, error) {
	data, err := json.Marshal(j)
	if err != nil {
		return record{}, fmt.Errorf("encode job %s: %w", j.ID, err)
	}
	return record{
		ID:        j.ID,
		Status:    string(j.Status),
		OwnerID:   j.OwnerID,
		CreatedAt: j.CreatedAt,
		Data:      data,
	}, nil
}

func (r record) decode() (*job.Job, error) {
	var j job.Job
	if err := json.Unmarshal(r.Data, &j); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", r.ID, err)
	}
	return &j, nil
}

type Backend struct {
	store *badgerhold.Store
	path  string
}

// Open opens (creating if needed) the database at path. An empty path opens
// an in-memory database.
func Open(path string) (*Backend, error) {
	options := badgerhold.DefaultOptions
	options.Logger = nil // badger's own logger is noisy; we log through zerolog

	if path == "" {
		options.InMemory = true
		options.Dir = ""
		options.ValueDir = ""
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		options.Dir = path
		options.ValueDir = path
	}

	s, err := badgerhold.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}
	log.Debug().Str("path", path).Bool("in_memory", path == "").Msg("badger job store opened")
	return &Backend{store: s, path: path}, nil
}

func (b *Backend) Close() error {
	if b.store != nil {
		return b.store.Close()
	}
	return nil
}

func (b *Backend) Insert(ctx context.Context, j *job.Job) error {
	rec, err := encode(j)
	if err != nil {
		return err
	}
	if err := b.store.Insert(j.ID, rec); err != nil {
		if errors.Is(err, badgerhold.ErrKeyExists) {
			return store.ErrExists
		}
		return err
	}
	return nil
}

func (b *Backend) Get(ctx context.Context, id string) (*job.Job, error) {
	var rec record
	if err := b.store.Get(id, &rec); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", store.ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return rec.decode()
}

// Update runs fn inside a read-write transaction. Badger detects that a key
// read by the transaction was committed by someone else and returns
// ErrConflict; the whole read-modify-write is then retried.
func (b *Backend) Update(ctx context.Context, id string, fn func(j *job.Job) error) (*job.Job, error) {
	for attempt := 0; attempt < maxTxnRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var out *job.Job
		err := b.store.Badger().Update(func(tx *badger.Txn) error {
			var rec record
			if err := b.store.TxGet(tx, id, &rec); err != nil {
				if errors.Is(err, badgerhold.ErrNotFound) {
					return fmt.Errorf("%w: %s", store.ErrNotFound, id)
				}
				return err
			}
			j, err := rec.decode()
			if err != nil {
				return err
			}
			if err := fn(j); err != nil {
				return err
			}
			next, err := encode(j)
			if err != nil {
				return err
			}
			if err := b.store.TxUpdate(tx, id, next); err != nil {
				return err
			}
			out = j
			return nil
		})
		if errors.Is(err, badger.ErrConflict) {
			log.Trace().Str("job_id", id).Int("attempt", attempt).Msg("badger txn conflict, retrying")
			continue
		}
		if err != nil {
			return nil, err
		}
		return out, nil
	}
	return nil, fmt.Errorf("update job %s: %w", id, badger.ErrConflict)
}

func (b *Backend) Find(ctx context.Context, q store.Query) ([]*job.Job, error) {
	var recs []record
	var bq *badgerhold.Query
	if len(q.Statuses) > 0 {
		values := make([]interface{}, 0, len(q.Statuses))
		for _, s := range q.Statuses {
			values = append(values, string(s))
		}
		bq = badgerhold.Where("Status").In(values...)
	}
	if err := b.store.Find(&recs, bq); err != nil {
		return nil, fmt.Errorf("failed to find jobs: %w", err)
	}

	out := make([]*job.Job, 0, len(recs))
	for _, rec := range recs {
		j, err := rec.decode()
		if err != nil {
			log.Warn().Err(err).Str("job_id", rec.ID).Msg("skipping undecodable job record")
			continue
		}
		if q.Match(j) {
			out = append(out, j)
		}
	}
	return out, nil
}

func (b *Backend) Delete(ctx context.Context, ids ...string) error {
	for _, id := range ids {
		if err := b.store.Delete(id, record{}); err != nil && !errors.Is(err, badgerhold.ErrNotFound) {
			return fmt.Errorf("failed to delete job %s: %w", id, err)
		}
	}
	return nil
}
