// Package store is the single source of truth for render jobs. Every status
// transition is applied through Backend.Update, an atomic read-modify-write,
// so a transition whose precondition no longer holds is rejected instead of
// overwriting a concurrent change.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"renderq/job"
)

var (
	ErrNotFound          = errors.New("job not found")
	ErrExists            = errors.New("job already exists")
	ErrClaimConflict     = errors.New("claim conflict: job is not claimable")
	ErrClaimLost         = errors.New("claim lost: job is no longer held by this worker")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// errNoChange aborts an update without writing.
var errNoChange = errors.New("no change")

// Query filters jobs. Zero fields match everything.
type Query struct {
	Statuses     []job.Status
	OwnerID      string
	CreatedAfter time.Time
}

// Match reports whether j satisfies q.
func (q Query) Match(j *job.Job) bool {
	if q.OwnerID != "" && j.OwnerID != q.OwnerID {
		return false
	}
	if !q.CreatedAfter.IsZero() && !j.CreatedAt.After(q.CreatedAfter) {
		return false
	}
	if len(q.Statuses) == 0 {
		return true
	}
	for _, s := range q.Statuses {
		if j.Status == s {
			return true
		}
	}
	return false
}

// Backend is the persistence primitive a Store is built on.
//
// Update must load the job, call fn and persist the mutated job atomically:
// if another writer commits a change to the same job in between, the backend
// retries with the fresh copy so fn always sees the latest state. When fn
// returns an error nothing is written and the error is returned as is.
type Backend interface {
	Insert(ctx context.Context, j *job.Job) error
	Get(ctx context.Context, id string) (*job.Job, error)
	Update(ctx context.Context, id string, fn func(j *job.Job) error) (*job.Job, error)
	Find(ctx context.Context, q Query) ([]*job.Job, error)
	Delete(ctx context.Context, ids ...string) error
	Close() error
}

// StageProgress is what a worker persists after a stage completes.
type StageProgress struct {
	Stage     string
	Index     int // number of completed stages
	Percent   int
	Artifacts map[string]string
}

// Stats summarises the queue.
type Stats struct {
	Queued     int `json:"waiting"`
	Delayed    int `json:"delayed"`
	Processing int `json:"active"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
}

type Store struct {
	backend Backend
	notify  *notifier
	now     func() time.Time
}

func New(backend Backend) *Store {
	return &Store{
		backend: backend,
		notify:  newNotifier(),
		now:     time.Now,
	}
}

// WithClock replaces the time source, for tests.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func (s *Store) Now() time.Time { return s.now() }

func (s *Store) Close() error {
	return s.backend.Close()
}

// Watch returns a channel signalled after every write to job id. An empty id
// watches all jobs. The returned func stops the watch.
func (s *Store) Watch(id string) (<-chan struct{}, func()) {
	return s.notify.subscribe(id)
}

func (s *Store) Create(ctx context.Context, j *job.Job) error {
	if j.ID == "" {
		return fmt.Errorf("job ID is required")
	}
	if j.Status != job.StatusQueued {
		return fmt.Errorf("%w: new job must be %s, got %s", ErrInvalidTransition, job.StatusQueued, j.Status)
	}
	if err := s.backend.Insert(ctx, j); err != nil {
		return fmt.Errorf("insert job %s: %w", j.ID, err)
	}
	s.notify.publish(j.ID)
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*job.Job, error) {
	return s.backend.Get(ctx, id)
}

// List returns matching jobs, newest first.
func (s *Store) List(ctx context.Context, q Query) ([]*job.Job, error) {
	jobs, err := s.backend.Find(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	sort.Slice(jobs, func(a, b int) bool {
		return jobs[a].CreatedAt.After(jobs[b].CreatedAt)
	})
	return jobs, nil
}

// Eligible returns claimable jobs in dispatch order: highest priority first,
// then oldest first. limit <= 0 returns all.
func (s *Store) Eligible(ctx context.Context, limit int) ([]*job.Job, error) {
	queued, err := s.backend.Find(ctx, Query{Statuses: []job.Status{job.StatusQueued}})
	if err != nil {
		return nil, fmt.Errorf("find queued jobs: %w", err)
	}
	now := s.now()
	out := queued[:0]
	for _, j := range queued {
		if j.Eligible(now) {
			out = append(out, j)
		}
	}
	SortForDispatch(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SortForDispatch orders by priority desc, createdAt asc, id asc.
func SortForDispatch(jobs []*job.Job) {
	sort.SliceStable(jobs, func(a, b int) bool {
		ja, jb := jobs[a], jobs[b]
		if ja.Priority != jb.Priority {
			return ja.Priority > jb.Priority
		}
		if !ja.CreatedAt.Equal(jb.CreatedAt) {
			return ja.CreatedAt.Before(jb.CreatedAt)
		}
		return ja.ID < jb.ID
	})
}

func (s *Store) update(ctx context.Context, id string, fn func(j *job.Job, now time.Time) error) (*job.Job, error) {
	j, err := s.backend.Update(ctx, id, func(j *job.Job) error {
		now := s.now()
		if err := fn(j, now); err != nil {
			return err
		}
		j.UpdatedAt = now
		return nil
	})
	if errors.Is(err, errNoChange) {
		return s.backend.Get(ctx, id)
	}
	if err != nil {
		return nil, err
	}
	s.notify.publish(id)
	return j, nil
}

// owned applies fn only while token still holds the PROCESSING claim.
func (s *Store) owned(ctx context.Context, id, token string, fn func(j *job.Job, now time.Time) error) (*job.Job, error) {
	return s.update(ctx, id, func(j *job.Job, now time.Time) error {
		if j.Status != job.StatusProcessing || j.ClaimToken != token {
			return ErrClaimLost
		}
		return fn(j, now)
	})
}

// Claim atomically moves a QUEUED job to PROCESSING under token. It fails
// with ErrClaimConflict when the job is no longer claimable.
func (s *Store) Claim(ctx context.Context, id, token string) (*job.Job, error) {
	return s.update(ctx, id, func(j *job.Job, now time.Time) error {
		if !j.Eligible(now) {
			return ErrClaimConflict
		}
		if j.Attempts >= j.MaxAttempts {
			return fmt.Errorf("%w: attempts exhausted (%d/%d)", ErrInvalidTransition, j.Attempts, j.MaxAttempts)
		}
		j.Status = job.StatusProcessing
		j.Attempts++
		j.ClaimToken = token
		j.HeartbeatAt = now
		if j.StartedAt.IsZero() {
			j.StartedAt = now
		}
		return nil
	})
}

func (s *Store) Heartbeat(ctx context.Context, id, token string) error {
	_, err := s.owned(ctx, id, token, func(j *job.Job, now time.Time) error {
		j.HeartbeatAt = now
		return nil
	})
	return err
}

// Advance records a completed stage. Progress never decreases.
func (s *Store) Advance(ctx context.Context, id, token string, p StageProgress) (*job.Job, error) {
	return s.owned(ctx, id, token, func(j *job.Job, now time.Time) error {
		if p.Percent > j.Progress {
			j.Progress = min(p.Percent, 100)
		}
		j.StageCursor = p.Stage
		j.StageIndex = p.Index
		if len(p.Artifacts) > 0 {
			if j.Artifacts == nil {
				j.Artifacts = make(map[string]string, len(p.Artifacts))
			}
			for k, v := range p.Artifacts {
				j.Artifacts[k] = v
			}
		}
		j.HeartbeatAt = now
		return nil
	})
}

func (s *Store) Complete(ctx context.Context, id, token, result string) (*job.Job, error) {
	return s.owned(ctx, id, token, func(j *job.Job, now time.Time) error {
		j.Status = job.StatusCompleted
		j.Progress = 100
		j.Result = result
		j.Error = nil
		j.ClaimToken = ""
		j.CompletedAt = now
		return nil
	})
}

// Fail moves the job to FAILED. A failure record is always stored.
func (s *Store) Fail(ctx context.Context, id, token string, f *job.Failure) (*job.Job, error) {
	return s.owned(ctx, id, token, func(j *job.Job, now time.Time) error {
		j.Status = job.StatusFailed
		j.Error = normalizeFailure(f)
		j.ClaimToken = ""
		j.CompletedAt = now
		return nil
	})
}

// Requeue releases the claim and makes the job eligible again at
// availableAt. When resume is false the stage cursor and progress restart at
// zero. A job whose cancellation was requested meanwhile is cancelled
// instead.
func (s *Store) Requeue(ctx context.Context, id, token string, availableAt time.Time, f *job.Failure, resume bool) (*job.Job, error) {
	return s.owned(ctx, id, token, func(j *job.Job, now time.Time) error {
		j.ClaimToken = ""
		if j.CancelRequested {
			j.Status = job.StatusCancelled
			j.CompletedAt = now
			return nil
		}
		j.Error = normalizeFailure(f)
		if j.Attempts >= j.MaxAttempts {
			return fmt.Errorf("%w: attempts exhausted (%d/%d)", ErrInvalidTransition, j.Attempts, j.MaxAttempts)
		}
		j.Status = job.StatusQueued
		j.AvailableAt = availableAt
		if !resume {
			j.StageIndex = 0
			j.StageCursor = ""
			j.Artifacts = nil
			j.Progress = 0
		}
		return nil
	})
}

// Cancel is called by the worker holding the claim once it observes the
// cancellation request.
func (s *Store) Cancel(ctx context.Context, id, token string) (*job.Job, error) {
	return s.owned(ctx, id, token, func(j *job.Job, now time.Time) error {
		j.Status = job.StatusCancelled
		j.ClaimToken = ""
		j.CompletedAt = now
		return nil
	})
}

// RequestCancel sets the cancellation flag. A QUEUED job is cancelled at
// once; a PROCESSING job stops at its next stage boundary. Repeating the call
// on a CANCELLED job is a no-op. COMPLETED and FAILED jobs return
// ErrInvalidTransition.
func (s *Store) RequestCancel(ctx context.Context, id string) (*job.Job, error) {
	return s.update(ctx, id, func(j *job.Job, now time.Time) error {
		switch j.Status {
		case job.StatusCancelled:
			return errNoChange
		case job.StatusCompleted, job.StatusFailed:
			return fmt.Errorf("%w: cannot cancel job in state %s", ErrInvalidTransition, j.Status)
		case job.StatusQueued:
			j.CancelRequested = true
			j.Status = job.StatusCancelled
			j.CompletedAt = now
		default:
			if j.CancelRequested {
				return errNoChange
			}
			j.CancelRequested = true
		}
		return nil
	})
}

// Stalled returns PROCESSING jobs whose last heartbeat is before cutoff.
func (s *Store) Stalled(ctx context.Context, cutoff time.Time) ([]*job.Job, error) {
	running, err := s.backend.Find(ctx, Query{Statuses: []job.Status{job.StatusProcessing}})
	if err != nil {
		return nil, fmt.Errorf("find processing jobs: %w", err)
	}
	var out []*job.Job
	for _, j := range running {
		if j.HeartbeatAt.Before(cutoff) {
			out = append(out, j)
		}
	}
	return out, nil
}

// CountProcessing counts PROCESSING jobs, for one owner or for all when
// ownerID is empty.
func (s *Store) CountProcessing(ctx context.Context, ownerID string) (int, error) {
	jobs, err := s.backend.Find(ctx, Query{Statuses: []job.Status{job.StatusProcessing}, OwnerID: ownerID})
	if err != nil {
		return 0, err
	}
	return len(jobs), nil
}

// CountInFlight counts an owner's QUEUED and PROCESSING jobs.
func (s *Store) CountInFlight(ctx context.Context, ownerID string) (int, error) {
	jobs, err := s.backend.Find(ctx, Query{
		Statuses: []job.Status{job.StatusQueued, job.StatusProcessing},
		OwnerID:  ownerID,
	})
	if err != nil {
		return 0, err
	}
	return len(jobs), nil
}

// CreatedSince returns the creation times of an owner's jobs after since,
// oldest first.
func (s *Store) CreatedSince(ctx context.Context, ownerID string, since time.Time) ([]time.Time, error) {
	jobs, err := s.backend.Find(ctx, Query{OwnerID: ownerID, CreatedAfter: since})
	if err != nil {
		return nil, err
	}
	out := make([]time.Time, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.CreatedAt)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Before(out[b]) })
	return out, nil
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	jobs, err := s.backend.Find(ctx, Query{})
	if err != nil {
		return Stats{}, err
	}
	now := s.now()
	var st Stats
	for _, j := range jobs {
		switch j.Status {
		case job.StatusQueued:
			if j.AvailableAt.After(now) {
				st.Delayed++
			} else {
				st.Queued++
			}
		case job.StatusProcessing:
			st.Processing++
		case job.StatusCompleted:
			st.Completed++
		case job.StatusFailed:
			st.Failed++
		case job.StatusCancelled:
			st.Cancelled++
		}
	}
	return st, nil
}

// Sweep deletes jobs in status that finished before cutoff and returns them.
func (s *Store) Sweep(ctx context.Context, status job.Status, cutoff time.Time) ([]*job.Job, error) {
	if !status.Terminal() {
		return nil, fmt.Errorf("%w: only terminal jobs can be swept", ErrInvalidTransition)
	}
	jobs, err := s.backend.Find(ctx, Query{Statuses: []job.Status{status}})
	if err != nil {
		return nil, err
	}
	var expired []*job.Job
	var ids []string
	for _, j := range jobs {
		if !j.CompletedAt.IsZero() && j.CompletedAt.Before(cutoff) {
			expired = append(expired, j)
			ids = append(ids, j.ID)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}
	if err := s.backend.Delete(ctx, ids...); err != nil {
		return nil, fmt.Errorf("delete expired jobs: %w", err)
	}
	log.Debug().Str("status", string(status)).Int("count", len(ids)).Msg("swept expired jobs")
	return expired, nil
}

func normalizeFailure(f *job.Failure) *job.Failure {
	if f == nil {
		return &job.Failure{Category: job.Permanent, Message: "unknown failure"}
	}
	out := *f
	if out.Message == "" {
		out.Message = "unknown failure"
	}
	if out.Category == "" {
		out.Category = job.Permanent
	}
	return &out
}
