package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/dusk-indust/relay/internal/a2a"
	"github.com/dusk-indust/relay/internal/agent"
	"github.com/dusk-indust/relay/internal/config"
	"github.com/dusk-indust/relay/internal/mcptools"
	"github.com/dusk-indust/relay/internal/metrics"
)

const rateLimitBurst = 10

func serveCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the agent card and the JSON-RPC task endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd, config.ModeServe)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	opts.addAgentFlags(cmd)
	opts.addModelFlags(cmd)
	opts.addServerFlags(cmd)
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config) error {
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

	serverOpts := []a2a.ServerOption{a2a.WithRoute("GET /metrics", m.Handler())}
	if rpm := cfg.Server.RateLimitRPM; rpm > 0 {
		rl := a2a.NewRateLimiter(rpm, rateLimitBurst)
		go rl.Run(ctx, time.Minute)
		serverOpts = append(serverOpts, a2a.WithRateLimiter(rl))
	}

	card := agent.NewCard(agent.CardConfig{
		Name:         cfg.Agent.Name,
		Description:  cfg.Agent.Description,
		URL:          cfg.CardURL(),
		Version:      version,
		Capabilities: cfg.Agent.Capabilities,
	})
	svc := agent.NewService(card, exec,
		agent.WithMaxRetained(cfg.Server.MaxRetainedTasks),
		agent.WithMetrics(m),
		agent.WithServerOptions(serverOpts...),
	)
	if cfg.Server.EnableMCP {
		svc.Handle(mcptools.Path, mcptools.NewHandler(mcptools.NewTaskMCPServer(svc, version)))
	}

	if err := svc.Start(ctx, cfg.ListenAddr()); err != nil {
		return err
	}
	slog.Info("serving agent", "name", card.Name, "addr", svc.Addr(), "card", a2a.AgentCardPath, "mcp", cfg.Server.EnableMCP)

	var serveErr error
	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case serveErr = <-svc.Done():
		slog.Error("server exited", "error", serveErr)
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Agent.ShutdownGrace)
	defer cancel()
	return errors.Join(serveErr, svc.Stop(stopCtx))
}
