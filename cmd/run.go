package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/pkhoroshilov/gatherer/config"
	"github.com/pkhoroshilov/gatherer/internal/breaker"
	"github.com/pkhoroshilov/gatherer/internal/connector"
	"github.com/pkhoroshilov/gatherer/internal/httpool"
	"github.com/pkhoroshilov/gatherer/internal/ingest"
	"github.com/pkhoroshilov/gatherer/internal/rank"
	"github.com/pkhoroshilov/gatherer/internal/ratelimit"
	"github.com/pkhoroshilov/gatherer/internal/rescache"
	"github.com/pkhoroshilov/gatherer/internal/telemetry"
)

func runCMD() *cobra.Command {
	var (
		cfgPath    string
		topic      string
		sources    []string
		deadline   time.Duration
		maxResults int
		quality    float64
	)
	run := &cobra.Command{
		Use:   "run",
		Short: "Execute one ingestion plan and print the result as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}

			orch, err := buildOrchestrator(cmd.Context(), cfg)
			if err != nil {
				return err
			}

			plan := ingest.IngestionPlan{
				ID:                  uuid.NewString(),
				Topic:               topic,
				Deadline:            deadline,
				MaxResultsPerSource: maxResults,
				QualityThreshold:    quality,
			}
			if plan.Deadline == 0 {
				plan.Deadline = cfg.Orchestrator.DefaultDeadline
			}
			for i, s := range sources {
				spec, err := parseSourceSpec(s, len(sources)-i)
				if err != nil {
					return err
				}
				plan.Sources = append(plan.Sources, spec)
			}

			result, err := orch.Execute(cmd.Context(), plan)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		},
	}
	run.Flags().StringVarP(&cfgPath, "config", "c", "", "config file (default is ./config/config.json)")
	run.Flags().StringVarP(&topic, "topic", "t", "", "research topic")
	run.Flags().StringArrayVarP(&sources, "source", "s", nil, "source to query, type[:priority] (repeatable)")
	run.Flags().DurationVar(&deadline, "deadline", 0, "global deadline (default from config)")
	run.Flags().IntVar(&maxResults, "max-results", 10, "max results per source")
	run.Flags().Float64Var(&quality, "quality", 0.0, "quality threshold for the final result")
	_ = run.MarkFlagRequired("topic")
	_ = run.MarkFlagRequired("source")

	return run
}

// parseSourceSpec parses "type[:priority]". Unprioritized sources keep
// their CLI order as priority, first listed highest.
func parseSourceSpec(s string, defaultPriority int) (ingest.SourceSpec, error) {
	parts := strings.SplitN(s, ":", 2)
	spec := ingest.SourceSpec{Type: ingest.SourceType(parts[0]), Priority: defaultPriority}
	if len(parts) == 2 {
		p, err := strconv.Atoi(parts[1])
		if err != nil {
			return ingest.SourceSpec{}, fmt.Errorf("invalid priority in %q: %w", s, err)
		}
		spec.Priority = p
	}
	return spec, nil
}

// newSourcePool builds the shared client pool with every configured
// upstream registered for health probing.
func newSourcePool(cfg *config.Config) *httpool.Pool {
	pool := httpool.New(cfg.Orchestrator.SourceCallTimeout)
	pool.Register(string(ingest.SourceWeb), cfg.Sources.Web.Endpoint)
	pool.Register(string(ingest.SourceAcademic), cfg.Sources.Academic.Endpoint)
	pool.Register(string(ingest.SourceBiomedical), cfg.Sources.Biomedical.Endpoint)
	pool.Register(string(ingest.SourceSocial), cfg.Sources.Social.Endpoint)
	if cfg.Sources.Email.Endpoint != "" {
		pool.Register(string(ingest.SourceEmail), cfg.Sources.Email.Endpoint)
	}
	return pool
}

// buildOrchestrator wires the shared services and every configured
// connector into one orchestrator instance.
func buildOrchestrator(ctx context.Context, cfg *config.Config) (*ingest.Orchestrator, error) {
	logger := log.New(log.Writer(), "[ORCH] ", log.LstdFlags)
	tel := telemetry.New(cfg.Telemetry)

	cache, err := rescache.New(ctx, cfg.Cache)
	if err != nil {
		return nil, fmt.Errorf("building cache: %w", err)
	}

	pool := newSourcePool(cfg)
	connectors := map[ingest.SourceType]ingest.Connector{
		ingest.SourceWeb:        connector.NewWeb(cfg.Sources.Web, pool.Client(string(ingest.SourceWeb))),
		ingest.SourceAcademic:   connector.NewAcademic(cfg.Sources.Academic, pool.Client(string(ingest.SourceAcademic))),
		ingest.SourceBiomedical: connector.NewBiomedical(cfg.Sources.Biomedical, pool.Client(string(ingest.SourceBiomedical))),
		ingest.SourceFeed:       connector.NewFeed(cfg.Sources.Feed, pool.Client(string(ingest.SourceFeed))),
		ingest.SourceEmail:      connector.NewEmail(cfg.Sources.Email, pool.Client(string(ingest.SourceEmail))),
		ingest.SourceSocial:     connector.NewSocial(cfg.Sources.Social, pool.Client(string(ingest.SourceSocial))),
	}

	return ingest.New(cfg, logger, tel,
		cache,
		ratelimit.NewRegistry(cfg.RateLimit),
		breaker.NewRegistry(cfg.Breaker),
		rank.NewEngine(cfg.Ranking),
		connectors,
	)
}
