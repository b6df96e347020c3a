// Package worker runs the stage chain for one claimed job.
package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"renderq/config"
	"renderq/job"
	"renderq/pipeline"
	"renderq/retry"
	"renderq/store"
)

// finalWriteTimeout bounds the terminal store write made after the run
// context may already be cancelled.
const finalWriteTimeout = 10 * time.Second

type Options struct {
	WorkDir           string
	StageTimeout      time.Duration
	HeartbeatInterval time.Duration
	Resumable         bool
}

func OptionsFromConfig(cfg *config.Config) Options {
	workDir := cfg.WorkDir
	if workDir == "" {
		workDir = filepath.Join(os.TempDir(), "renderq")
	}
	return Options{
		WorkDir:           workDir,
		StageTimeout:      cfg.StageTimeout,
		HeartbeatInterval: cfg.HeartbeatInterval,
		Resumable:         cfg.PipelineResumable,
	}
}

// Outcome reports how a run ended. Lost means another party took the claim
// and the worker stopped without writing.
type Outcome struct {
	Status job.Status
	Lost   bool
	Err    error
}

type Worker struct {
	store  *store.Store
	chain  pipeline.Builder
	policy retry.Policy
	opts   Options
}

func New(s *store.Store, chain pipeline.Builder, policy retry.Policy, opts Options) *Worker {
	return &Worker{store: s, chain: chain, policy: policy, opts: opts}
}

// WorkDir is where the stages of job id keep intermediate files.
func (w *Worker) WorkDir(id string) string {
	return filepath.Join(w.opts.WorkDir, id)
}

// Run executes the chain for j, which must be the job returned by a
// successful Claim. Stage errors are routed to the retry policy; Run never
// retries a stage itself.
func (w *Worker) Run(ctx context.Context, j *job.Job) Outcome {
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	hbCtx, stopHeartbeat := context.WithCancel(runCtx)
	defer stopHeartbeat()

	r := &run{
		w:             w,
		ctx:           ctx,
		job:           j,
		token:         j.ClaimToken,
		logger:        log.With().Str("job_id", j.ID).Int("attempt", j.Attempts).Logger(),
		stopHeartbeat: stopHeartbeat,
	}
	if w.opts.HeartbeatInterval > 0 {
		go w.heartbeat(hbCtx, j.ID, r.token, cancel, r.logger)
	}
	return r.execute(runCtx)
}

// run is the state of one execution of one claimed job.
type run struct {
	w             *Worker
	ctx           context.Context
	job           *job.Job
	token         string
	logger        zerolog.Logger
	stopHeartbeat context.CancelFunc
}

func (r *run) execute(runCtx context.Context) Outcome {
	w, j, logger := r.w, r.job, r.logger

	workDir := w.WorkDir(j.ID)
	stages := w.chain.Build(j.ID, workDir)
	start, arts := w.resumePoint(j, len(stages))
	if start == 0 {
		os.RemoveAll(workDir)
	}
	if err := os.MkdirAll(workDir, 0755); err != nil {
		return r.fail("", job.TransientError(err))
	}
	if start > 0 {
		logger.Info().Int("stage_index", start).Str("stage", stages[start-1].Name).Msg("resuming job")
	} else {
		logger.Info().Int("stages", len(stages)).Msg("processing job")
	}

	for i := start; i < len(stages); i++ {
		stage := stages[i]

		cur, err := w.store.Get(runCtx, j.ID)
		if err != nil {
			if lost(runCtx, err) {
				return r.lost(stage.Name)
			}
			return r.fail(stage.Name, job.TransientError(err))
		}
		if cur.Status != job.StatusProcessing || cur.ClaimToken != r.token {
			return r.lost(stage.Name)
		}
		if cur.CancelRequested {
			return r.cancel()
		}

		stageCtx, stageCancel := w.stageContext(runCtx)
		started := time.Now()
		out, err := stage.Run(stageCtx, j.Settings, arts)
		stageCancel()
		if err != nil {
			if errors.Is(context.Cause(runCtx), store.ErrClaimLost) {
				return r.lost(stage.Name)
			}
			if r.ctx.Err() != nil {
				err = job.TransientError(errors.Join(errors.New("worker shutting down"), err))
			}
			return r.fail(stage.Name, err)
		}
		logger.Debug().Str("stage", stage.Name).Dur("took", time.Since(started)).Msg("stage done")

		arts = arts.Merge(out)
		_, err = w.store.Advance(runCtx, j.ID, r.token, store.StageProgress{
			Stage:     stage.Name,
			Index:     i + 1,
			Percent:   pipeline.Percent(i, len(stages)),
			Artifacts: out,
		})
		if err != nil {
			if lost(runCtx, err) {
				return r.lost(stage.Name)
			}
			return r.fail(stage.Name, job.TransientError(err))
		}
	}

	r.stopHeartbeat()
	writeCtx, writeCancel := detached(r.ctx)
	defer writeCancel()
	if _, err := w.store.Complete(writeCtx, j.ID, r.token, arts[pipeline.KeyResult]); err != nil {
		if errors.Is(err, store.ErrClaimLost) {
			return r.lost("complete")
		}
		logger.Error().Err(err).Msg("failed to record completion")
		return Outcome{Status: job.StatusProcessing, Err: err}
	}
	os.RemoveAll(workDir)
	logger.Info().Str("result", arts[pipeline.KeyResult]).Msg("job completed")
	return Outcome{Status: job.StatusCompleted}
}

func (w *Worker) stageContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if w.opts.StageTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, w.opts.StageTimeout)
}

// resumePoint returns where to start and the artifacts carried over.
func (w *Worker) resumePoint(j *job.Job, total int) (int, pipeline.Artifacts) {
	if !w.opts.Resumable || j.StageIndex <= 0 || j.StageIndex >= total {
		return 0, pipeline.Artifacts{}
	}
	arts := pipeline.Artifacts(j.Artifacts)
	if !arts.Available() {
		log.Info().Str("job_id", j.ID).Int("stage_index", j.StageIndex).Msg("intermediate artifacts gone, restarting from the first stage")
		return 0, pipeline.Artifacts{}
	}
	return j.StageIndex, arts.Merge(nil)
}

func (w *Worker) heartbeat(ctx context.Context, id, token string, cancel context.CancelCauseFunc, logger zerolog.Logger) {
	ticker := time.NewTicker(w.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := w.store.Heartbeat(ctx, id, token)
			if errors.Is(err, store.ErrClaimLost) {
				logger.Warn().Msg("claim lost, stopping job")
				cancel(store.ErrClaimLost)
				return
			}
			if err != nil && ctx.Err() == nil {
				logger.Warn().Err(err).Msg("heartbeat failed")
			}
		}
	}
}

func (r *run) fail(stage string, err error) Outcome {
	w, j, logger := r.w, r.job, r.logger
	r.stopHeartbeat()

	se := job.Classify(stage, err)
	d := w.policy.Decide(j, se)

	writeCtx, cancel := detached(r.ctx)
	defer cancel()

	if d.Action == retry.Requeue {
		availableAt := w.store.Now().Add(d.Delay)
		updated, err := w.store.Requeue(writeCtx, j.ID, r.token, availableAt, d.Failure, w.opts.Resumable)
		switch {
		case err == nil:
			if updated.Status == job.StatusCancelled {
				os.RemoveAll(w.WorkDir(j.ID))
				logger.Info().Msg("job cancelled while failing")
				return Outcome{Status: job.StatusCancelled, Err: se}
			}
			if !w.opts.Resumable {
				os.RemoveAll(w.WorkDir(j.ID))
			}
			logger.Warn().Err(se).Dur("delay", d.Delay).Msg("stage failed, job requeued")
			return Outcome{Status: job.StatusQueued, Err: se}
		case errors.Is(err, store.ErrClaimLost):
			return r.lost(stage)
		case !errors.Is(err, store.ErrInvalidTransition):
			logger.Error().Err(err).Msg("failed to requeue job")
			return Outcome{Status: job.StatusProcessing, Err: err}
		}
		// attempts exhausted underneath us: fall through to failure
	}

	if _, err := w.store.Fail(writeCtx, j.ID, r.token, d.Failure); err != nil {
		if errors.Is(err, store.ErrClaimLost) {
			return r.lost(stage)
		}
		logger.Error().Err(err).Msg("failed to record job failure")
		return Outcome{Status: job.StatusProcessing, Err: err}
	}
	os.RemoveAll(w.WorkDir(j.ID))
	logger.Error().Err(se).Str("category", string(se.Category)).Msg("job failed")
	return Outcome{Status: job.StatusFailed, Err: se}
}

func (r *run) cancel() Outcome {
	r.stopHeartbeat()
	writeCtx, cancel := detached(r.ctx)
	defer cancel()
	if _, err := r.w.store.Cancel(writeCtx, r.job.ID, r.token); err != nil {
		if errors.Is(err, store.ErrClaimLost) {
			return r.lost("cancel")
		}
		return Outcome{Status: job.StatusProcessing, Err: err}
	}
	os.RemoveAll(r.w.WorkDir(r.job.ID))
	r.logger.Info().Msg("job cancelled")
	return Outcome{Status: job.StatusCancelled}
}

func (r *run) lost(stage string) Outcome {
	r.logger.Warn().Str("stage", stage).Msg("claim no longer held, abandoning job")
	return Outcome{Lost: true, Err: store.ErrClaimLost}
}

func lost(runCtx context.Context, err error) bool {
	return errors.Is(err, store.ErrClaimLost) || errors.Is(context.Cause(runCtx), store.ErrClaimLost)
}

// detached keeps the terminal write alive through a shutdown of ctx.
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), finalWriteTimeout)
}
