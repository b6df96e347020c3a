package cmd

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"renderq/admission"
	"renderq/api"
	"renderq/progress"
	"renderq/scheduler"
)

func ServeCmd() *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API together with the dispatcher, reaper and retention sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			apiOnly, _ := cmd.Flags().GetBool("api-only")
			if port, _ := cmd.Flags().GetString("port"); port != "" {
				cfg.Port = port
			}

			// Create a context that is cancelled on SIGINT/SIGTERM.
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			svc, err := newServices(cfg)
			if err != nil {
				return err
			}
			defer svc.Close()

			retention := scheduler.NewRetention(svc.store, svc.sink, svc.workerOpts.WorkDir, cfg.RetentionCompleted, cfg.RetentionFailed)
			if err := retention.Start(ctx, cfg.RetentionSchedule); err != nil {
				return err
			}
			defer retention.Stop()

			wait := func() {}
			if !apiOnly {
				wait = svc.startProcessing(ctx, cfg)
			}

			if zerolog.GlobalLevel() > zerolog.DebugLevel {
				gin.SetMode(gin.ReleaseMode)
			}
			handler := api.NewHandler(
				svc.store,
				admission.NewController(svc.store, admission.LimitsFromConfig(cfg)),
				progress.NewPublisher(svc.store, cfg.StreamInterval),
				svc.sink,
			)
			srv := newHTTPServer(ctx, ":"+cfg.Port, api.SetupRouter(handler, cfg))

			serveErr := make(chan error, 1)
			go func() {
				log.Info().Str("port", cfg.Port).Msg("server starting")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serveErr <- err
					stop()
				}
			}()

			// Wait for interrupt signal for graceful shutdown
			<-ctx.Done()

			// Restore default behavior on the interrupt signal and notify user of shutdown.
			stop()
			log.Info().Msg("shutting down gracefully, press Ctrl+C again to force")

			// Request contexts derive from ctx, so open streams have already
			// ended; the timeout bounds whatever is still writing.
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("server forced to shutdown")
			}
			wait()

			select {
			case err := <-serveErr:
				return err
			default:
			}
			log.Info().Msg("server exiting")
			return nil
		},
	}

	serveCmd.Flags().String("port", "", "Override the PORT setting")
	serveCmd.Flags().Bool("api-only", false, "Serve the API without processing jobs in this process")
	return serveCmd
}

// newHTTPServer derives every request context from ctx so that long-lived
// streams end as soon as shutdown begins instead of holding Shutdown open.
func newHTTPServer(ctx context.Context, addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:    addr,
		Handler: h,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}
