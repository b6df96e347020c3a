package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"renderq/artifact"
	"renderq/config"
	"renderq/ffmpeg"
	"renderq/pipeline"
	"renderq/retry"
	"renderq/scheduler"
	"renderq/store"
	"renderq/store/badgerstore"
	"renderq/store/sqlitestore"
	"renderq/worker"
)

// openStore opens the backend named by STORE_DRIVER.
func openStore(cfg *config.Config) (*store.Store, error) {
	var backend store.Backend
	switch cfg.StoreDriver {
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(cfg.StorePath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		b, err := sqlitestore.Open(cfg.StorePath)
		if err != nil {
			return nil, err
		}
		backend = b
	default:
		b, err := badgerstore.Open(cfg.StorePath)
		if err != nil {
			return nil, err
		}
		backend = b
	}
	log.Info().Str("driver", cfg.StoreDriver).Str("path", cfg.StorePath).Msg("job store opened")
	return store.New(backend), nil
}

func baseURL(cfg *config.Config) string {
	if cfg.BaseURL != "" {
		return strings.TrimSuffix(cfg.BaseURL, "/")
	}
	return "http://localhost:" + cfg.Port
}

// services are the parts shared by serve and worker.
type services struct {
	store      *store.Store
	sink       *artifact.LocalSink
	gate       *ffmpeg.Gate
	worker     *worker.Worker
	policy     retry.Policy
	workerOpts worker.Options
}

func newServices(cfg *config.Config) (*services, error) {
	s, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	sink, err := artifact.NewLocalSink(cfg.OutputDir, baseURL(cfg))
	if err != nil {
		s.Close()
		return nil, err
	}

	workerOpts := worker.OptionsFromConfig(cfg)
	if err := os.MkdirAll(workerOpts.WorkDir, 0755); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to create work directory: %w", err)
	}
	gate := ffmpeg.NewGate(cfg, workerOpts.WorkDir)

	runner, err := ffmpeg.NewRunner(cfg, gate)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to initialize ffmpeg runner: %w", err)
	}

	policy := retry.Policy{BaseDelay: cfg.RetryBaseDelay, MaxDelay: cfg.RetryMaxDelay}
	renderer := pipeline.NewRenderer(runner, sink)
	return &services{
		store:      s,
		sink:       sink,
		gate:       gate,
		worker:     worker.New(s, renderer, policy, workerOpts),
		policy:     policy,
		workerOpts: workerOpts,
	}, nil
}

func (svc *services) Close() {
	if err := svc.store.Close(); err != nil {
		log.Error().Err(err).Msg("failed to close job store")
	}
}

// startProcessing runs the dispatcher and the stalled-job reaper until ctx
// ends. The returned func waits for both, including in-flight jobs.
func (svc *services) startProcessing(ctx context.Context, cfg *config.Config) func() {
	dispatcher := scheduler.NewDispatcher(svc.store, svc.worker, scheduler.Options{
		MaxConcurrency:     cfg.MaxConcurrency,
		PollInterval:       cfg.PollInterval,
		OwnerMaxProcessing: cfg.OwnerMaxInFlight,
		Gate:               svc.gate,
	})
	reaper := scheduler.NewReaper(svc.store, svc.policy, cfg.HeartbeatTimeout, cfg.ReapInterval, cfg.PipelineResumable)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		dispatcher.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		reaper.Run(ctx)
	}()
	log.Info().Int("max_concurrency", cfg.MaxConcurrency).Msg("job processing started")
	return wg.Wait
}
