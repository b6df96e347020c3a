// Package storetest is the behavioural suite every store.Backend must pass.
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"renderq/job"
	"renderq/store"
)

// Clock is a settable time source shared by a test and its store.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock() *Clock {
	return &Clock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// NewJob builds a QUEUED audio job at the clock's current time.
func NewJob(clock *Clock, owner string, priority, maxAttempts int) *job.Job {
	settings := job.Settings{
		Type: job.TypeAudio,
		Audio: &job.AudioSettings{
			Tracks: []job.AudioTrack{{URL: "https://cdn.example.com/voice.mp3"}},
			Format: "mp3",
		},
	}
	return job.New(owner, priority, maxAttempts, settings, clock.Now())
}

// Run executes the suite against backends produced by open.
func Run(t *testing.T, open func(t *testing.T) store.Backend) {
	setup := func(t *testing.T) (*store.Store, *Clock) {
		clock := NewClock()
		s := store.New(open(t)).WithClock(clock.Now)
		t.Cleanup(func() { s.Close() })
		return s, clock
	}
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		s, clock := setup(t)
		j := NewJob(clock, "owner-1", 5, 3)
		require.NoError(t, s.Create(ctx, j))

		got, err := s.Get(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, job.StatusQueued, got.Status)
		assert.Equal(t, 0, got.Progress)
		assert.Equal(t, 0, got.Attempts)
		assert.Equal(t, "mp3", got.Settings.Audio.Format)
		assert.True(t, got.CreatedAt.Equal(j.CreatedAt))

		assert.ErrorIs(t, s.Create(ctx, j), store.ErrExists)

		_, err = s.Get(ctx, "missing")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("exactly one concurrent claim wins", func(t *testing.T) {
		s, clock := setup(t)
		j := NewJob(clock, "owner-1", 0, 3)
		require.NoError(t, s.Create(ctx, j))

		const claimers = 12
		var wg sync.WaitGroup
		results := make(chan error, claimers)
		for i := 0; i < claimers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.Claim(ctx, j.ID, uuid.NewString())
				results <- err
			}()
		}
		wg.Wait()
		close(results)

		wins := 0
		for err := range results {
			if err == nil {
				wins++
				continue
			}
			assert.ErrorIs(t, err, store.ErrClaimConflict)
		}
		assert.Equal(t, 1, wins)

		got, err := s.Get(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, job.StatusProcessing, got.Status)
		assert.Equal(t, 1, got.Attempts)
	})

	t.Run("writes require the claim token", func(t *testing.T) {
		s, clock := setup(t)
		j := NewJob(clock, "owner-1", 0, 3)
		require.NoError(t, s.Create(ctx, j))
		_, err := s.Claim(ctx, j.ID, "token-a")
		require.NoError(t, err)

		_, err = s.Advance(ctx, j.ID, "token-b", store.StageProgress{Stage: "x", Index: 1, Percent: 10})
		assert.ErrorIs(t, err, store.ErrClaimLost)
		assert.ErrorIs(t, s.Heartbeat(ctx, j.ID, "token-b"), store.ErrClaimLost)
		assert.NoError(t, s.Heartbeat(ctx, j.ID, "token-a"))
	})

	t.Run("progress is monotonic and completion is final", func(t *testing.T) {
		s, clock := setup(t)
		j := NewJob(clock, "owner-1", 0, 3)
		require.NoError(t, s.Create(ctx, j))
		_, err := s.Claim(ctx, j.ID, "tok")
		require.NoError(t, err)

		got, err := s.Advance(ctx, j.ID, "tok", store.StageProgress{
			Stage: "transcode", Index: 3, Percent: 42, Artifacts: map[string]string{"output": "/w/out.mp4"},
		})
		require.NoError(t, err)
		assert.Equal(t, 42, got.Progress)

		got, err = s.Advance(ctx, j.ID, "tok", store.StageProgress{Stage: "transcode", Index: 3, Percent: 10})
		require.NoError(t, err)
		assert.Equal(t, 42, got.Progress)
		assert.Equal(t, "/w/out.mp4", got.Artifacts["output"])

		got, err = s.Complete(ctx, j.ID, "tok", "https://cdn/out.mp4")
		require.NoError(t, err)
		assert.Equal(t, job.StatusCompleted, got.Status)
		assert.Equal(t, 100, got.Progress)
		assert.False(t, got.CompletedAt.IsZero())

		_, err = s.Fail(ctx, j.ID, "tok", &job.Failure{Message: "late"})
		assert.ErrorIs(t, err, store.ErrClaimLost)
		_, err = s.Claim(ctx, j.ID, "tok2")
		assert.ErrorIs(t, err, store.ErrClaimConflict)
		_, err = s.RequestCancel(ctx, j.ID)
		assert.ErrorIs(t, err, store.ErrInvalidTransition)

		got, err = s.Get(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, job.StatusCompleted, got.Status)
	})

	t.Run("requeue honours backoff and resume", func(t *testing.T) {
		s, clock := setup(t)
		j := NewJob(clock, "owner-1", 0, 3)
		require.NoError(t, s.Create(ctx, j))
		_, err := s.Claim(ctx, j.ID, "tok")
		require.NoError(t, err)
		_, err = s.Advance(ctx, j.ID, "tok", store.StageProgress{Stage: "analyze-audio", Index: 2, Percent: 28})
		require.NoError(t, err)

		f := &job.Failure{Category: job.Transient, Message: "timeout", Stage: "transcode"}
		got, err := s.Requeue(ctx, j.ID, "tok", clock.Now().Add(2*time.Second), f, true)
		require.NoError(t, err)
		assert.Equal(t, job.StatusQueued, got.Status)
		assert.Equal(t, 28, got.Progress)
		assert.Equal(t, 2, got.StageIndex)
		assert.Empty(t, got.ClaimToken)

		eligible, err := s.Eligible(ctx, 0)
		require.NoError(t, err)
		assert.Empty(t, eligible, "not dequeuable before the backoff elapses")
		_, err = s.Claim(ctx, j.ID, "tok2")
		assert.ErrorIs(t, err, store.ErrClaimConflict)

		clock.Advance(2 * time.Second)
		eligible, err = s.Eligible(ctx, 0)
		require.NoError(t, err)
		require.Len(t, eligible, 1)

		_, err = s.Claim(ctx, j.ID, "tok2")
		require.NoError(t, err)
		got, err = s.Requeue(ctx, j.ID, "tok2", clock.Now(), f, false)
		require.NoError(t, err)
		assert.Equal(t, 0, got.Progress)
		assert.Equal(t, 0, got.StageIndex)
		assert.Empty(t, got.StageCursor)
	})

	t.Run("attempts never exceed max", func(t *testing.T) {
		s, clock := setup(t)
		j := NewJob(clock, "owner-1", 0, 1)
		require.NoError(t, s.Create(ctx, j))
		_, err := s.Claim(ctx, j.ID, "tok")
		require.NoError(t, err)

		_, err = s.Requeue(ctx, j.ID, "tok", clock.Now(), &job.Failure{Message: "x"}, true)
		assert.ErrorIs(t, err, store.ErrInvalidTransition)

		got, err := s.Fail(ctx, j.ID, "tok", nil)
		require.NoError(t, err)
		assert.Equal(t, job.StatusFailed, got.Status)
		assert.Equal(t, 1, got.Attempts)
		require.NotNil(t, got.Error)
		assert.NotEmpty(t, got.Error.Message)
	})

	t.Run("cancel", func(t *testing.T) {
		s, clock := setup(t)

		queued := NewJob(clock, "owner-1", 0, 3)
		require.NoError(t, s.Create(ctx, queued))
		got, err := s.RequestCancel(ctx, queued.ID)
		require.NoError(t, err)
		assert.Equal(t, job.StatusCancelled, got.Status)

		again, err := s.RequestCancel(ctx, queued.ID)
		require.NoError(t, err)
		assert.True(t, got.Snapshot().Equal(again.Snapshot()))

		_, err = s.Claim(ctx, queued.ID, "tok")
		assert.ErrorIs(t, err, store.ErrClaimConflict)

		running := NewJob(clock, "owner-1", 0, 3)
		require.NoError(t, s.Create(ctx, running))
		_, err = s.Claim(ctx, running.ID, "tok")
		require.NoError(t, err)
		got, err = s.RequestCancel(ctx, running.ID)
		require.NoError(t, err)
		assert.Equal(t, job.StatusProcessing, got.Status)
		assert.True(t, got.CancelRequested)

		// a worker that fails transiently after the request must not requeue
		got, err = s.Requeue(ctx, running.ID, "tok", clock.Now(), &job.Failure{Message: "x"}, true)
		require.NoError(t, err)
		assert.Equal(t, job.StatusCancelled, got.Status)

		_, err = s.RequestCancel(ctx, "missing")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("eligible ordering", func(t *testing.T) {
		s, clock := setup(t)
		low := NewJob(clock, "o", 1, 3)
		require.NoError(t, s.Create(ctx, low))
		clock.Advance(time.Millisecond)
		highA := NewJob(clock, "o", 10, 3)
		require.NoError(t, s.Create(ctx, highA))
		clock.Advance(time.Millisecond)
		highB := NewJob(clock, "o", 10, 3)
		require.NoError(t, s.Create(ctx, highB))

		eligible, err := s.Eligible(ctx, 0)
		require.NoError(t, err)
		require.Len(t, eligible, 3)
		assert.Equal(t, highA.ID, eligible[0].ID)
		assert.Equal(t, highB.ID, eligible[1].ID)
		assert.Equal(t, low.ID, eligible[2].ID)

		limited, err := s.Eligible(ctx, 1)
		require.NoError(t, err)
		assert.Len(t, limited, 1)
	})

	t.Run("counts and stalled", func(t *testing.T) {
		s, clock := setup(t)
		a := NewJob(clock, "alice", 0, 3)
		b := NewJob(clock, "alice", 0, 3)
		c := NewJob(clock, "bob", 0, 3)
		for _, j := range []*job.Job{a, b, c} {
			require.NoError(t, s.Create(ctx, j))
		}
		_, err := s.Claim(ctx, a.ID, "tok-a")
		require.NoError(t, err)

		n, err := s.CountInFlight(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		n, err = s.CountProcessing(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		n, err = s.CountProcessing(ctx, "")
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		times, err := s.CreatedSince(ctx, "alice", clock.Now().Add(-time.Minute))
		require.NoError(t, err)
		assert.Len(t, times, 2)

		clock.Advance(time.Minute)
		stalled, err := s.Stalled(ctx, clock.Now().Add(-30*time.Second))
		require.NoError(t, err)
		require.Len(t, stalled, 1)
		assert.Equal(t, a.ID, stalled[0].ID)
		assert.Equal(t, "tok-a", stalled[0].ClaimToken)

		st, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, st.Queued)
		assert.Equal(t, 1, st.Processing)
	})

	t.Run("sweep removes expired terminal jobs", func(t *testing.T) {
		s, clock := setup(t)
		old := NewJob(clock, "o", 0, 3)
		require.NoError(t, s.Create(ctx, old))
		_, err := s.RequestCancel(ctx, old.ID)
		require.NoError(t, err)

		clock.Advance(2 * time.Hour)
		fresh := NewJob(clock, "o", 0, 3)
		require.NoError(t, s.Create(ctx, fresh))
		_, err = s.RequestCancel(ctx, fresh.ID)
		require.NoError(t, err)

		swept, err := s.Sweep(ctx, job.StatusCancelled, clock.Now().Add(-time.Hour))
		require.NoError(t, err)
		require.Len(t, swept, 1)
		assert.Equal(t, old.ID, swept[0].ID)

		_, err = s.Get(ctx, old.ID)
		assert.ErrorIs(t, err, store.ErrNotFound)
		_, err = s.Get(ctx, fresh.ID)
		assert.NoError(t, err)

		_, err = s.Sweep(ctx, job.StatusQueued, clock.Now())
		assert.Error(t, err)
	})

	t.Run("watch signals writes", func(t *testing.T) {
		s, clock := setup(t)
		j := NewJob(clock, "o", 0, 3)
		all, stopAll := s.Watch("")
		defer stopAll()
		require.NoError(t, s.Create(ctx, j))

		one, stop := s.Watch(j.ID)
		defer stop()
		_, err := s.Claim(ctx, j.ID, "tok")
		require.NoError(t, err)

		select {
		case <-one:
		case <-time.After(time.Second):
			t.Fatal("no signal for job watcher")
		}
		select {
		case <-all:
		case <-time.After(time.Second):
			t.Fatal("no signal for global watcher")
		}
	})
}
