package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Harvey-AU/seo-pagegen/internal/config"
	"github.com/Harvey-AU/seo-pagegen/internal/llm"
	"github.com/Harvey-AU/seo-pagegen/internal/observability"
	"github.com/Harvey-AU/seo-pagegen/internal/remote"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const serviceName = "seo-pagegen-worker"

type options struct {
	apiURL  string
	jobID   string
	workers int
	timeout time.Duration
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:           "seo-worker",
		Short:         "Generate queued pages against a remote API",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
				return err
			}

			observability.SetupLogging(cfg.Server.Env, cfg.Server.LogLevel, serviceName)
			flush := observability.InitSentry(cfg.Server.SentryDSN, cfg.Server.Env, "")
			defer flush()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := run(ctx, cfg, opts); err != nil {
				log.Error().Err(err).Msg("Worker exited with error")
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.apiURL, "api", "", "API base URL (defaults to API_BASE_URL)")
	cmd.Flags().StringVar(&opts.jobID, "job", "", "only generate pages of this job and exit when it is drained")
	cmd.Flags().IntVar(&opts.workers, "workers", 0, "concurrent workers (defaults to WORKER_COUNT)")
	cmd.Flags().DurationVar(&opts.timeout, "http-timeout", 30*time.Second, "per-request timeout for API calls")
	return cmd
}

func run(ctx context.Context, cfg *config.Config, opts *options) error {
	if cfg.Worker.Token == "" {
		return fmt.Errorf("WORKER_TOKEN is required")
	}
	apiURL := opts.apiURL
	if apiURL == "" {
		apiURL = cfg.Server.APIBaseURL
	}
	workers := opts.workers
	if workers <= 0 {
		workers = max(cfg.Worker.Count, 1)
	}

	var generator llm.Generator = llm.StubGenerator{}
	if cfg.LLM.Provider == "gemini" {
		g, err := llm.NewGeminiGenerator(ctx, cfg.LLM.APIKey, cfg.LLM.Model, cfg.LLM.Timeout)
		if err != nil {
			return fmt.Errorf("failed to initialise generator: %w", err)
		}
		generator = g
	}

	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "remote"
	}

	log.Info().
		Str("api", apiURL).
		Str("job_id", opts.jobID).
		Int("workers", workers).
		Str("generator", generator.Name()).
		Msg("Starting remote workers")

	client := remote.NewClient(apiURL, cfg.Worker.Token, opts.timeout)
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		w := remote.NewWorker(client, generator, fmt.Sprintf("%s-%d", host, i), opts.jobID)
		g.Go(func() error { return w.Run(ctx) })
	}
	return g.Wait()
}
