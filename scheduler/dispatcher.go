// Package scheduler claims eligible jobs for the local worker pool and runs
// the background maintenance loops: the stalled-job reaper and the retention
// sweeper.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"renderq/job"
	"renderq/store"
	"renderq/worker"
)

// Runner executes one claimed job.
type Runner interface {
	Run(ctx context.Context, j *job.Job) worker.Outcome
}

// Gate is consulted before each cycle; a non-nil error skips it.
type Gate interface {
	Check() error
}

type Options struct {
	MaxConcurrency int
	PollInterval   time.Duration
	// OwnerMaxProcessing caps the jobs of one owner running at once; zero
	// disables the cap.
	OwnerMaxProcessing int
	Gate               Gate
}

type Dispatcher struct {
	store    *store.Store
	runner   Runner
	opts     Options
	instance string

	slots chan struct{}
	freed chan struct{}
	wg    sync.WaitGroup
}

func NewDispatcher(s *store.Store, runner Runner, opts Options) *Dispatcher {
	if opts.MaxConcurrency < 1 {
		opts.MaxConcurrency = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	return &Dispatcher{
		store:    s,
		runner:   runner,
		opts:     opts,
		instance: uuid.NewString(),
		slots:    make(chan struct{}, opts.MaxConcurrency),
		freed:    make(chan struct{}, 1),
	}
}

// Run dispatches until ctx is cancelled, then waits for running jobs to
// reach their next store write.
func (d *Dispatcher) Run(ctx context.Context) {
	wake, stop := d.store.Watch("")
	defer stop()
	ticker := time.NewTicker(d.opts.PollInterval)
	defer ticker.Stop()

	log.Info().Str("instance", d.instance).Int("max_concurrency", d.opts.MaxConcurrency).Msg("dispatcher started")
	for {
		if _, err := d.Dispatch(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("dispatch cycle failed")
		}
		select {
		case <-ctx.Done():
			log.Info().Msg("dispatcher shutting down, waiting for running jobs")
			d.wg.Wait()
			return
		case <-ticker.C:
		case <-wake:
		case <-d.freed:
		}
	}
}

// Dispatch runs one selection cycle and returns the number of jobs started.
func (d *Dispatcher) Dispatch(ctx context.Context) (int, error) {
	free := cap(d.slots) - len(d.slots)
	if free <= 0 {
		return 0, nil
	}
	if d.opts.Gate != nil {
		if err := d.opts.Gate.Check(); err != nil {
			log.Debug().Err(err).Msg("host saturated, skipping dispatch")
			return 0, nil
		}
	}

	active, err := d.store.CountProcessing(ctx, "")
	if err != nil {
		return 0, err
	}
	free = min(free, d.opts.MaxConcurrency-active)
	if free <= 0 {
		return 0, nil
	}

	candidates, err := d.store.Eligible(ctx, 0)
	if err != nil {
		return 0, err
	}

	perOwner := make(map[string]int)
	started := 0
	for _, c := range candidates {
		if started >= free {
			break
		}
		if d.opts.OwnerMaxProcessing > 0 {
			n, ok := perOwner[c.OwnerID]
			if !ok {
				if n, err = d.store.CountProcessing(ctx, c.OwnerID); err != nil {
					return started, err
				}
			}
			perOwner[c.OwnerID] = n
			if n >= d.opts.OwnerMaxProcessing {
				continue
			}
		}

		claimed, err := d.store.Claim(ctx, c.ID, uuid.NewString())
		if errors.Is(err, store.ErrClaimConflict) {
			continue
		}
		if errors.Is(err, store.ErrInvalidTransition) {
			log.Warn().Err(err).Str("job_id", c.ID).Msg("queued job cannot be claimed")
			continue
		}
		if err != nil {
			return started, err
		}
		perOwner[c.OwnerID]++

		d.slots <- struct{}{}
		d.wg.Add(1)
		go d.run(ctx, claimed)
		started++
	}
	return started, nil
}

func (d *Dispatcher) run(ctx context.Context, j *job.Job) {
	defer d.wg.Done()
	defer func() {
		<-d.slots
		select {
		case d.freed <- struct{}{}:
		default:
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("job_id", j.ID).Msg("worker panicked, leaving job to the reaper")
		}
	}()

	log.Debug().Str("job_id", j.ID).Int("priority", j.Priority).Int("attempt", j.Attempts).Msg("job claimed")
	out := d.runner.Run(ctx, j)
	log.Debug().Str("job_id", j.ID).Str("status", string(out.Status)).Bool("lost", out.Lost).Msg("job run finished")
}

// Wait blocks until every job started by this dispatcher has returned.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
