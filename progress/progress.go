// Package progress exposes job snapshots to polling and streaming clients.
package progress

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"renderq/job"
	"renderq/store"
)

type Publisher struct {
	store    *store.Store
	interval time.Duration
}

// NewPublisher returns a publisher that re-reads streamed jobs on every
// store write and at least once per interval.
func NewPublisher(s *store.Store, interval time.Duration) *Publisher {
	if interval <= 0 {
		interval = time.Second
	}
	return &Publisher{store: s, interval: interval}
}

// Poll returns the current snapshot of job id.
func (p *Publisher) Poll(ctx context.Context, id string) (job.Snapshot, error) {
	j, err := p.store.Get(ctx, id)
	if err != nil {
		return job.Snapshot{}, err
	}
	return j.Snapshot(), nil
}

// Stream emits the current snapshot at once, then every distinct snapshot
// after it. The channel is closed after a terminal snapshot has been sent or
// when ctx ends.
func (p *Publisher) Stream(ctx context.Context, id string) (<-chan job.Snapshot, error) {
	wake, stop := p.store.Watch(id)
	first, err := p.Poll(ctx, id)
	if err != nil {
		stop()
		return nil, err
	}

	out := make(chan job.Snapshot)
	go func() {
		defer close(out)
		defer stop()

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		last := first
		if !send(ctx, out, last) || last.Status.Terminal() {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-wake:
			case <-ticker.C:
			}

			snap, err := p.Poll(ctx, id)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) || ctx.Err() != nil {
					return
				}
				log.Warn().Err(err).Str("job_id", id).Msg("stream poll failed")
				continue
			}
			if snap.Equal(last) {
				continue
			}
			last = snap
			if !send(ctx, out, snap) || snap.Status.Terminal() {
				return
			}
		}
	}()
	return out, nil
}

func send(ctx context.Context, out chan<- job.Snapshot, s job.Snapshot) bool {
	select {
	case out <- s:
		return true
	case <-ctx.Done():
		return false
	}
}
