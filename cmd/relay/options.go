package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/dusk-indust/relay/internal/config"
	"github.com/dusk-indust/relay/internal/environment"
	"github.com/dusk-indust/relay/internal/executor"
	"github.com/dusk-indust/relay/internal/model"
	"github.com/dusk-indust/relay/internal/telemetry"
)

// options holds flag values. A flag only overrides the config file and the
// environment when it was set explicitly.
type options struct {
	configPath string
	logLevel   string
	logFormat  string

	gatewayURL   string
	apiKey       string
	pollInterval time.Duration
	agentID      string
	agentName    string

	model     string
	proxyURL  string
	proxyKey  string
	stepLimit int
	costLimit float64

	host      string
	port      int
	enableMCP bool
}

func (o *options) addGatewayFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVarP(&o.gatewayURL, "gateway", "g", "", "gateway base URL")
	f.StringVar(&o.apiKey, "api-key", "", "gateway API key")
	f.DurationVar(&o.pollInterval, "poll-interval", 0, "delay between polls when no task is available")
	f.StringVar(&o.agentID, "agent-id", "", "agent id to register with (default: gateway-assigned)")
}

func (o *options) addAgentFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&o.agentName, "agent-name", "", "agent name")
}

func (o *options) addModelFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVarP(&o.model, "model", "m", "", "model name passed to the proxy")
	f.StringVar(&o.proxyURL, "proxy-url", "", "model proxy base URL")
	f.StringVar(&o.proxyKey, "proxy-key", "", "model proxy API key")
	f.IntVar(&o.stepLimit, "step-limit", 0, "maximum model round-trips per task (0: unlimited)")
	f.Float64Var(&o.costLimit, "cost-limit", 0, "maximum model cost per task (0: unlimited)")
}

func (o *options) addServerFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&o.host, "host", "", "bind host")
	f.IntVar(&o.port, "port", 0, "bind port")
	f.BoolVar(&o.enableMCP, "mcp", false, "also serve the task tools over MCP at /mcp")
}

// load builds the effective configuration for cmd, installs the default
// logger and validates the result for mode.
func (o *options) load(cmd *cobra.Command, mode config.Mode) (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	set := func(name string, apply func()) {
		if f := flags.Lookup(name); f != nil && f.Changed {
			apply()
		}
	}
	set("log-level", func() { cfg.LogLevel = o.logLevel })
	set("log-format", func() { cfg.LogFormat = o.logFormat })
	set("gateway", func() { cfg.Gateway.URL = o.gatewayURL })
	set("api-key", func() { cfg.Gateway.APIKey = o.apiKey })
	set("poll-interval", func() { cfg.Gateway.PollInterval = o.pollInterval })
	set("agent-id", func() { cfg.Agent.ID = o.agentID })
	set("agent-name", func() { cfg.Agent.Name = o.agentName })
	set("model", func() { cfg.Model.Name = o.model })
	set("proxy-url", func() { cfg.Model.ProxyBaseURL = o.proxyURL })
	set("proxy-key", func() { cfg.Model.ProxyAPIKey = o.proxyKey })
	set("step-limit", func() { cfg.Model.StepLimit = o.stepLimit })
	set("cost-limit", func() { cfg.Model.CostLimit = o.costLimit })
	set("host", func() { cfg.Server.Host = o.host })
	set("port", func() { cfg.Server.Port = o.port })
	set("mcp", func() { cfg.Server.EnableMCP = o.enableMCP })

	logger, err := config.NewLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newExecutor wires the model proxy client and the local environment into
// the step loop.
func newExecutor(cfg *config.Config) (*executor.Adapter, error) {
	llm, err := model.New(model.Config{
		Name:        cfg.Model.Name,
		BaseURL:     cfg.Model.ProxyBaseURL,
		APIKey:      cfg.Model.ProxyAPIKey,
		Temperature: cfg.Model.Temperature,
	})
	if err != nil {
		return nil, err
	}
	env := environment.NewLocal(environment.Config{
		Workdir: cfg.Environment.Workdir,
		Timeout: cfg.Environment.CommandTimeout,
		Env:     cfg.Environment.Env,
	})
	return executor.NewAdapter(&executor.StepLoop{
		Model:     llm,
		Env:       env,
		StepLimit: cfg.Model.StepLimit,
		CostLimit: cfg.Model.CostLimit,
	}), nil
}

// setupTracing installs the tracer provider; the returned function flushes it.
func setupTracing(ctx context.Context, cfg *config.Config) (func(), error) {
	shutdown, err := telemetry.Setup(ctx, telemetry.Config{
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Protocol:    cfg.Telemetry.Protocol,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     cfg.Telemetry.Headers,
		ServiceName: "relay",
		Version:     version,
	})
	if err != nil {
		return nil, err
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(ctx); err != nil {
			slog.Warn("flush traces", "error", err)
		}
	}, nil
}
