package scheduler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"renderq/artifact"
	"renderq/job"
	"renderq/retry"
	"renderq/store"
	"renderq/store/badgerstore"
	"renderq/store/storetest"
	"renderq/worker"
)

func newTestStore(t *testing.T) (*store.Store, store.Backend) {
	t.Helper()
	b, err := badgerstore.Open("")
	require.NoError(t, err)
	s := store.New(b)
	t.Cleanup(func() { s.Close() })
	return s, b
}

func create(t *testing.T, s *store.Store, owner string, priority int) *job.Job {
	t.Helper()
	j := job.New(owner, priority, 3, job.Settings{Type: job.TypeAudio}, s.Now())
	require.NoError(t, s.Create(context.Background(), j))
	return j
}

// runnerFunc adapts a func to Runner.
type runnerFunc func(ctx context.Context, j *job.Job) worker.Outcome

func (f runnerFunc) Run(ctx context.Context, j *job.Job) worker.Outcome { return f(ctx, j) }

// blockingRunner holds every job until released.
type blockingRunner struct {
	started chan string
	release chan struct{}
}

func newBlockingRunner() *blockingRunner {
	return &blockingRunner{started: make(chan string, 16), release: make(chan struct{})}
}

// wait returns the ids of the first n jobs started.
func (r *blockingRunner) wait(t *testing.T, n int) []string {
	t.Helper()
	var ids []string
	for len(ids) < n {
		select {
		case id := <-r.started:
			ids = append(ids, id)
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d of %d jobs started", len(ids), n)
		}
	}
	return ids
}

func (r *blockingRunner) Run(ctx context.Context, j *job.Job) worker.Outcome {
	r.started <- j.ID
	select {
	case <-r.release:
	case <-ctx.Done():
	}
	return worker.Outcome{Status: job.StatusProcessing}
}

type gateFunc func() error

func (f gateFunc) Check() error { return f() }

func TestDispatch_HigherPriorityStartsFirst(t *testing.T) {
	s, _ := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	low := create(t, s, "o", 1)
	high := create(t, s, "o", 10)

	var mu sync.Mutex
	var order []string
	runner := runnerFunc(func(ctx context.Context, j *job.Job) worker.Outcome {
		mu.Lock()
		order = append(order, j.ID)
		mu.Unlock()
		if j.ID == low.ID {
			other, err := s.Get(ctx, high.ID)
			if assert.NoError(t, err) {
				assert.Equal(t, job.StatusCompleted, other.Status, "low priority job started while high priority job was running")
			}
		}
		_, err := s.Complete(ctx, j.ID, j.ClaimToken, "done")
		assert.NoError(t, err)
		return worker.Outcome{Status: job.StatusCompleted}
	})

	d := NewDispatcher(s, runner, Options{MaxConcurrency: 1, PollInterval: 10 * time.Millisecond})
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		st, err := s.Stats(context.Background())
		return err == nil && st.Completed == 2
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	<-done
	assert.Equal(t, []string{high.ID, low.ID}, order)
}

func TestDispatch_RespectsConcurrencyCeiling(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		create(t, s, "o", 0)
	}

	runner := newBlockingRunner()
	d := NewDispatcher(s, runner, Options{MaxConcurrency: 2})

	n, err := d.Dispatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = d.Dispatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "no free slot")

	active, err := s.CountProcessing(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 2, active)

	close(runner.release)
	d.Wait()
}

func TestDispatch_CountsJobsRunningElsewhere(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	other := create(t, s, "o", 0)
	create(t, s, "o", 0)
	create(t, s, "o", 0)

	// another instance holds one claim
	_, err := s.Claim(ctx, other.ID, "elsewhere")
	require.NoError(t, err)

	runner := newBlockingRunner()
	d := NewDispatcher(s, runner, Options{MaxConcurrency: 2})
	n, err := d.Dispatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	close(runner.release)
	d.Wait()
}

func TestDispatch_PerOwnerCap(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		create(t, s, "a", 9)
	}
	b1 := create(t, s, "b", 1)

	runner := newBlockingRunner()
	d := NewDispatcher(s, runner, Options{MaxConcurrency: 4, OwnerMaxProcessing: 1})
	n, err := d.Dispatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.Contains(t, runner.wait(t, 2), b1.ID)
	for _, owner := range []string{"a", "b"} {
		running, err := s.CountProcessing(ctx, owner)
		require.NoError(t, err)
		assert.Equal(t, 1, running, owner)
	}

	close(runner.release)
	d.Wait()
}

func TestDispatch_SkipsWhenHostIsSaturated(t *testing.T) {
	s, _ := newTestStore(t)
	create(t, s, "o", 0)

	d := NewDispatcher(s, newBlockingRunner(), Options{
		MaxConcurrency: 1,
		Gate:           gateFunc(func() error { return errors.New("cpu busy") }),
	})
	n, err := d.Dispatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestDispatch_CancelledWhileQueuedNeverRuns(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	j := create(t, s, "o", 0)

	_, err := s.RequestCancel(ctx, j.ID)
	require.NoError(t, err)

	runner := newBlockingRunner()
	d := NewDispatcher(s, runner, Options{MaxConcurrency: 1})
	n, err := d.Dispatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Empty(t, runner.started)

	got, err := s.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCancelled, got.Status)
	assert.Equal(t, 0, got.Attempts)
	assert.True(t, got.StartedAt.IsZero())
}

// racingBackend lets another instance claim a job between selection and
// claim.
type racingBackend struct {
	store.Backend
	once  sync.Once
	steal func()
}

func (b *racingBackend) Find(ctx context.Context, q store.Query) ([]*job.Job, error) {
	jobs, err := b.Backend.Find(ctx, q)
	if len(q.Statuses) == 1 && q.Statuses[0] == job.StatusQueued && q.OwnerID == "" {
		b.once.Do(b.steal)
	}
	return jobs, err
}

func TestDispatch_SwallowsClaimConflicts(t *testing.T) {
	inner, err := badgerstore.Open("")
	require.NoError(t, err)
	rival := store.New(inner)
	defer rival.Close()

	ctx := context.Background()
	first := create(t, rival, "o", 5)
	second := create(t, rival, "o", 1)

	racing := &racingBackend{Backend: inner}
	racing.steal = func() {
		_, err := rival.Claim(ctx, first.ID, "rival")
		require.NoError(t, err)
	}
	s := store.New(racing)

	runner := newBlockingRunner()
	d := NewDispatcher(s, runner, Options{MaxConcurrency: 2})
	n, err := d.Dispatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{second.ID}, runner.wait(t, 1))

	close(runner.release)
	d.Wait()
}

func TestDispatcher_WakesOnSubmission(t *testing.T) {
	s, _ := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started := make(chan string, 1)
	runner := runnerFunc(func(ctx context.Context, j *job.Job) worker.Outcome {
		started <- j.ID
		return worker.Outcome{}
	})
	d := NewDispatcher(s, runner, Options{MaxConcurrency: 1, PollInterval: time.Hour})
	go d.Run(ctx)

	time.Sleep(20 * time.Millisecond)
	j := create(t, s, "o", 0)
	select {
	case id := <-started:
		assert.Equal(t, j.ID, id)
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not wake on the new job")
	}
}

func TestReaper(t *testing.T) {
	b, err := badgerstore.Open("")
	require.NoError(t, err)
	clock := storetest.NewClock()
	s := store.New(b).WithClock(clock.Now)
	defer s.Close()
	ctx := context.Background()

	j := storetest.NewJob(clock, "o", 0, 2)
	require.NoError(t, s.Create(ctx, j))
	fresh := storetest.NewJob(clock, "o", 0, 2)
	require.NoError(t, s.Create(ctx, fresh))

	_, err = s.Claim(ctx, j.ID, "dead-worker")
	require.NoError(t, err)
	clock.Advance(20 * time.Second)
	_, err = s.Claim(ctx, fresh.ID, "live-worker")
	require.NoError(t, err)
	clock.Advance(15 * time.Second)

	r := NewReaper(s, retry.Policy{BaseDelay: time.Second, MaxDelay: time.Minute}, 30*time.Second, time.Minute, true)
	n, err := r.Reap(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusQueued, got.Status)
	assert.Equal(t, 1, got.Attempts, "the stalled run is not counted twice")
	assert.True(t, got.AvailableAt.Equal(clock.Now().Add(time.Second)))
	require.NotNil(t, got.Error)
	assert.Equal(t, job.Transient, got.Error.Category)
	assert.True(t, strings.Contains(got.Error.Message, "stalled"))

	alive, err := s.Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusProcessing, alive.Status)

	// second stall exhausts attempts
	clock.Advance(time.Second)
	_, err = s.Claim(ctx, j.ID, "dead-again")
	require.NoError(t, err)
	clock.Advance(time.Minute)
	_, err = r.Reap(ctx)
	require.NoError(t, err)

	got, err = s.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, got.Status)
	assert.Equal(t, 2, got.Attempts)
}

func TestRetention(t *testing.T) {
	b, err := badgerstore.Open("")
	require.NoError(t, err)
	clock := storetest.NewClock()
	s := store.New(b).WithClock(clock.Now)
	defer s.Close()
	ctx := context.Background()

	sink, err := artifact.NewLocalSink(t.TempDir(), "")
	require.NoError(t, err)
	workDir := t.TempDir()

	finish := func(status job.Status) *job.Job {
		j := storetest.NewJob(clock, "o", 0, 1)
		require.NoError(t, s.Create(ctx, j))
		if status == job.StatusCancelled {
			_, err := s.RequestCancel(ctx, j.ID)
			require.NoError(t, err)
			return j
		}
		_, err := s.Claim(ctx, j.ID, "t")
		require.NoError(t, err)
		if status == job.StatusFailed {
			_, err = s.Fail(ctx, j.ID, "t", nil)
			require.NoError(t, err)
			return j
		}
		key := j.ID + ".mp3"
		_, err = sink.Upload(ctx, strings.NewReader("x"), key)
		require.NoError(t, err)
		_, err = s.Advance(ctx, j.ID, "t", store.StageProgress{Stage: "upload-artifact", Index: 7, Percent: 100,
			Artifacts: map[string]string{"result_key": key}})
		require.NoError(t, err)
		_, err = s.Complete(ctx, j.ID, "t", "/files/"+key)
		require.NoError(t, err)
		require.NoError(t, os.MkdirAll(filepath.Join(workDir, j.ID), 0755))
		return j
	}

	completed := finish(job.StatusCompleted)
	cancelled := finish(job.StatusCancelled)
	failed := finish(job.StatusFailed)
	clock.Advance(25 * time.Hour)
	recent := finish(job.StatusCompleted)

	r := NewRetention(s, sink, workDir, 24*time.Hour, 168*time.Hour)
	n, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, gone := range []*job.Job{completed, cancelled} {
		_, err := s.Get(ctx, gone.ID)
		assert.ErrorIs(t, err, store.ErrNotFound)
	}
	for _, kept := range []*job.Job{failed, recent} {
		_, err := s.Get(ctx, kept.ID)
		assert.NoError(t, err)
	}
	_, err = sink.Path(completed.ID + ".mp3")
	assert.Error(t, err, "uploaded artifact is deleted")
	assert.NoDirExists(t, filepath.Join(workDir, completed.ID))
	_, err = sink.Path(recent.ID + ".mp3")
	assert.NoError(t, err)

	clock.Advance(168 * time.Hour)
	n, err = r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestRetention_Schedule(t *testing.T) {
	s, _ := newTestStore(t)
	r := NewRetention(s, nil, "", time.Hour, time.Hour)
	assert.Error(t, r.Start(context.Background(), "not a schedule"))

	r = NewRetention(s, nil, "", time.Hour, time.Hour)
	require.NoError(t, r.Start(context.Background(), "@every 1h"))
	r.Stop()
}
