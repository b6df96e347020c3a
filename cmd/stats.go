package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"renderq/config"
	"renderq/store"
)

func StatsCmd() *cobra.Command {
	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Print queue statistics from the job store",
		Long: "Reads queue statistics straight from the job store. The badger store\n" +
			"is locked by a running `renderq serve`; in that case stats are read\n" +
			"from the server's GET /stats endpoint at BASE (or localhost:PORT).",
		RunE: func(cmd *cobra.Command, args []string) error {
			asJSON, _ := cmd.Flags().GetBool("json")

			stats, err := readStats(cmd.Context(), cfg)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(stats)
			}
			fmt.Fprintf(out, "waiting:   %d\n", stats.Queued)
			fmt.Fprintf(out, "delayed:   %d\n", stats.Delayed)
			fmt.Fprintf(out, "active:    %d\n", stats.Processing)
			fmt.Fprintf(out, "completed: %d\n", stats.Completed)
			fmt.Fprintf(out, "failed:    %d\n", stats.Failed)
			fmt.Fprintf(out, "cancelled: %d\n", stats.Cancelled)
			return nil
		},
	}

	statsCmd.Flags().Bool("json", false, "Print as JSON")
	return statsCmd
}

func readStats(ctx context.Context, cfg *config.Config) (store.Stats, error) {
	s, err := openStore(cfg)
	if err != nil {
		if cfg.StoreDriver != "badger" {
			return store.Stats{}, err
		}
		log.Debug().Err(err).Msg("badger store unavailable, asking the running server")
		return fetchStats(ctx, cfg)
	}
	defer s.Close()
	return s.Stats(ctx)
}

// fetchStats reads GET /stats from the server at baseURL(cfg).
func fetchStats(ctx context.Context, cfg *config.Config) (store.Stats, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL(cfg)+"/stats", nil)
	if err != nil {
		return store.Stats{}, err
	}
	if cfg.AuthEnable {
		req.Header.Set("Authorization", "Bearer "+cfg.AuthKey)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return store.Stats{}, fmt.Errorf("store is locked and the server is unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return store.Stats{}, fmt.Errorf("failed to read stats from server, status: %d", resp.StatusCode)
	}

	var stats store.Stats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return store.Stats{}, fmt.Errorf("decode stats: %w", err)
	}
	return stats, nil
}
