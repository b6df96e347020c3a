package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"renderq/artifact"
	"renderq/job"
	"renderq/pipeline"
	"renderq/store"
)

// Retention deletes finished jobs after their retention window together with
// their uploaded artifacts and leftover work files.
type Retention struct {
	store     *store.Store
	sink      artifact.Sink
	workDir   string
	completed time.Duration
	failed    time.Duration
	cron      *cron.Cron
}

func NewRetention(s *store.Store, sink artifact.Sink, workDir string, completed, failed time.Duration) *Retention {
	return &Retention{
		store:     s,
		sink:      sink,
		workDir:   workDir,
		completed: completed,
		failed:    failed,
		cron:      cron.New(),
	}
}

// Start schedules Sweep. The schedule accepts cron expressions and
// descriptors such as "@every 10m".
func (r *Retention) Start(ctx context.Context, schedule string) error {
	_, err := r.cron.AddFunc(schedule, func() {
		if _, err := r.Sweep(ctx); err != nil {
			log.Error().Err(err).Msg("retention sweep failed")
		}
	})
	if err != nil {
		return err
	}
	r.cron.Start()
	log.Info().Str("schedule", schedule).Msg("retention sweeper started")
	return nil
}

// Stop stops the schedule and waits for a running sweep.
func (r *Retention) Stop() {
	<-r.cron.Stop().Done()
}

// Sweep removes expired jobs and returns how many were deleted.
func (r *Retention) Sweep(ctx context.Context) (int, error) {
	now := r.store.Now()
	windows := []struct {
		status job.Status
		ttl    time.Duration
	}{
		{job.StatusCompleted, r.completed},
		{job.StatusCancelled, r.completed},
		{job.StatusFailed, r.failed},
	}

	total := 0
	for _, w := range windows {
		if w.ttl <= 0 {
			continue
		}
		expired, err := r.store.Sweep(ctx, w.status, now.Add(-w.ttl))
		if err != nil {
			return total, err
		}
		for _, j := range expired {
			r.discard(ctx, j)
		}
		total += len(expired)
	}
	if total > 0 {
		log.Info().Int("count", total).Msg("retention sweep removed expired jobs")
	}
	return total, nil
}

func (r *Retention) discard(ctx context.Context, j *job.Job) {
	for _, name := range []string{pipeline.KeyResultKey, pipeline.KeyThumbnailKey} {
		key := j.Artifacts[name]
		if key == "" || r.sink == nil {
			continue
		}
		if err := r.sink.Delete(ctx, key); err != nil {
			log.Warn().Err(err).Str("job_id", j.ID).Str("key", key).Msg("could not delete artifact")
		}
	}
	if r.workDir != "" {
		os.RemoveAll(filepath.Join(r.workDir, j.ID))
	}
}
