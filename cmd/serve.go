package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/pkhoroshilov/gatherer/config"
	"github.com/pkhoroshilov/gatherer/internal/httpool"
	"github.com/pkhoroshilov/gatherer/internal/telemetry"
)

func serveCMD() *cobra.Command {
	var cfgPath string
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the metrics and health endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}

			server := &http.Server{
				Addr:              fmt.Sprintf(":%d", cfg.Telemetry.MetricsPort),
				Handler:           serveMux(cfg, telemetry.New(cfg.Telemetry), newSourcePool(cfg)),
				ReadHeaderTimeout: 5 * time.Second,
			}
			return server.ListenAndServe()
		},
	}
	serve.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is ./config/config.json)")

	return serve
}

// serveMux mounts /healthz, which probes every registered upstream, and the
// prometheus scrape endpoint when telemetry is enabled.
func serveMux(cfg *config.Config, tel *telemetry.Telemetry, pool *httpool.Pool) *http.ServeMux {
	mux := http.NewServeMux()
	if cfg.Telemetry.Enabled {
		mux.Handle("/metrics", tel.Handler())
	}
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		sources := pool.HealthCheck(ctx)
		status := "ok"
		for _, healthy := range sources {
			if !healthy {
				status = "degraded"
				break
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":  status,
			"sources": sources,
		})
	})
	return mux
}
