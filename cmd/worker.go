package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func WorkerCmd() *cobra.Command {
	workerCmd := &cobra.Command{
		Use:   "worker",
		Short: "Process jobs from a shared store without serving HTTP",
		Long: "Runs the dispatcher and stalled-job reaper only. Several worker\n" +
			"processes can share one store when STORE_DRIVER=sqlite.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if n, _ := cmd.Flags().GetInt("concurrency"); n > 0 {
				cfg.MaxConcurrency = n
			}
			if cfg.StoreDriver != "sqlite" {
				log.Warn().Str("driver", cfg.StoreDriver).Msg("the badger store is single-process; use sqlite to run workers beside serve")
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			svc, err := newServices(cfg)
			if err != nil {
				return err
			}
			defer svc.Close()

			wait := svc.startProcessing(ctx, cfg)
			<-ctx.Done()
			stop()
			log.Info().Msg("waiting for running jobs to reach a checkpoint")
			wait()
			log.Info().Msg("worker exiting")
			return nil
		},
	}

	workerCmd.Flags().Int("concurrency", 0, "Override MAX_CONCURRENCY")
	return workerCmd
}
