package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dusk-indust/relay/internal/config"
	"github.com/dusk-indust/relay/internal/gateway"
	"github.com/dusk-indust/relay/internal/metrics"
	"github.com/dusk-indust/relay/internal/worker"
)

func pollCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "poll",
		Short: "Register with a gateway and execute the tasks it hands out",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd, config.ModePoll)
			if err != nil {
				return err
			}
			return runPoll(cmd.Context(), cfg)
		},
	}
	opts.addGatewayFlags(cmd)
	opts.addAgentFlags(cmd)
	opts.addModelFlags(cmd)
	return cmd
}

func runPoll(ctx context.Context, cfg *config.Config) error {
	flush, err := setupTracing(ctx, cfg)
	if err != nil {
		return err
	}
	defer flush()

	exec, err := newExecutor(cfg)
	if err != nil {
		return err
	}
	m := metrics.Default()

	gw := gateway.New(gateway.Config{
		BaseURL: cfg.Gateway.URL,
		APIKey:  cfg.Gateway.APIKey,
		Timeout: cfg.Gateway.Timeout,
		Retry:   cfg.Gateway.Retry,
	}, gateway.Registration{
		AgentID:          cfg.Agent.ID,
		AgentName:        cfg.Agent.Name,
		AgentDescription: cfg.Agent.Description,
		Capabilities:     cfg.Agent.Capabilities,
	}, gateway.WithMetrics(m))

	rt := worker.New(gw, exec, worker.Config{
		PollInterval:      cfg.Gateway.PollInterval,
		HeartbeatInterval: cfg.Gateway.HeartbeatInterval,
		ShutdownGrace:     cfg.Agent.ShutdownGrace,
		PollBackoff:       cfg.Gateway.Retry,
	}, worker.WithMetrics(m))

	slog.Info("starting agent", "name", cfg.Agent.Name, "gateway", cfg.Gateway.URL, "model", cfg.Model.Name)

	g, gctx := errgroup.WithContext(ctx)
	runCtx, stop := context.WithCancel(gctx)
	g.Go(func() error {
		defer stop()
		return rt.Run(runCtx)
	})
	if addr := cfg.Telemetry.MetricsAddr; addr != "" {
		g.Go(func() error { return serveMetrics(runCtx, addr, m.Handler()) })
	}
	return g.Wait()
}

// serveMetrics serves /metrics on addr until ctx is done.
func serveMetrics(ctx context.Context, addr string, h http.Handler) error {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", h)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("metrics listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
