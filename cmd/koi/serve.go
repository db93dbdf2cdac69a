package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/regen-network/koi-processor/pkg/api"
	"github.com/regen-network/koi-processor/pkg/config"
	"github.com/regen-network/koi-processor/pkg/ingest"
	"github.com/regen-network/koi-processor/pkg/observability"
)

func runServe(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("serve", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		addr string
		rps  int
	)
	cmd.StringVar(&addr, "addr", "", "listen address (overrides KOI_HTTP_ADDR)")
	cmd.IntVar(&rps, "rps", 0, "per-IP rate limit in requests per second (0 disables)")
	if err := cmd.Parse(args); err != nil {
		return exitValidation
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return exitValidation
	}
	if addr != "" {
		cfg.HTTPAddr = addr
	}

	ctx := context.Background()

	obsCfg := observability.DefaultConfig()
	if endpoint := os.Getenv("KOI_OTLP_ENDPOINT"); endpoint != "" {
		obsCfg.Enabled = true
		obsCfg.OTLPEndpoint = endpoint
		obsCfg.Insecure = os.Getenv("KOI_OTLP_INSECURE") == "true"
	}
	obs, err := observability.New(ctx, obsCfg)
	if err != nil {
		fmt.Fprintf(stderr, "observability: %v\n", err)
		return exitError
	}
	defer func() { _ = obs.Shutdown(context.Background()) }()

	s, err := buildStack(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "startup: %v\n", err)
		return exitError
	}
	defer s.close()

	s.engine.WithObservability(obs)
	s.ingest.WithObservability(obs)

	pool := ingest.NewPool(s.ingest, cfg.MaxInFlight, cfg.MaxInFlight*4)
	defer pool.Shutdown()

	server := api.NewServer(s.ingest, s.query, s.bus, api.Options{
		Addr:         cfg.HTTPAddr,
		RateLimitRPS: rps,
		Pool:         pool,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	fmt.Fprintf(stdout, "koi: listening on %s (data: %s)\n", cfg.HTTPAddr, cfg.DataDir)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			fmt.Fprintf(stderr, "server: %v\n", err)
			return exitError
		}
	case sig := <-sigCh:
		fmt.Fprintf(stdout, "koi: %s, shutting down\n", sig)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			fmt.Fprintf(stderr, "shutdown: %v\n", err)
			return exitError
		}
	}
	return exitOK
}
