package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"renderq/job"
	"renderq/retry"
	"renderq/store"
)

// Reaper returns jobs whose worker stopped heartbeating to the retry
// policy. The stalled run already counted as an attempt at claim time.
type Reaper struct {
	store     *store.Store
	policy    retry.Policy
	timeout   time.Duration
	interval  time.Duration
	resumable bool
}

func NewReaper(s *store.Store, policy retry.Policy, timeout, interval time.Duration, resumable bool) *Reaper {
	return &Reaper{store: s, policy: policy, timeout: timeout, interval: interval, resumable: resumable}
}

func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Reap(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("reaper cycle failed")
			}
		}
	}
}

// Reap handles every stalled job once and returns how many it reclaimed.
func (r *Reaper) Reap(ctx context.Context) (int, error) {
	now := r.store.Now()
	stalled, err := r.store.Stalled(ctx, now.Add(-r.timeout))
	if err != nil {
		return 0, err
	}

	reaped := 0
	for _, j := range stalled {
		d := r.policy.Decide(j, job.ErrStalled)
		var updated *job.Job
		if d.Action == retry.Requeue {
			updated, err = r.store.Requeue(ctx, j.ID, j.ClaimToken, now.Add(d.Delay), d.Failure, r.resumable)
		} else {
			updated, err = r.store.Fail(ctx, j.ID, j.ClaimToken, d.Failure)
		}
		if errors.Is(err, store.ErrClaimLost) {
			// the worker wrote a terminal state after all
			continue
		}
		if err != nil {
			return reaped, err
		}
		reaped++
		log.Warn().
			Str("job_id", j.ID).
			Int("attempt", j.Attempts).
			Time("heartbeat_at", j.HeartbeatAt).
			Str("status", string(updated.Status)).
			Msg("reclaimed stalled job")
	}
	return reaped, nil
}
