// Package config loads relay settings from a YAML file, then overlays
// environment variables. Command-line flags are applied last by the CLI.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dusk-indust/relay/internal/gateway"
)

// Mode selects which fields Validate requires.
type Mode string

const (
	ModePoll  Mode = "poll"
	ModeServe Mode = "serve"
	ModeExec  Mode = "exec"
)

// Config is the full settings tree.
type Config struct {
	Gateway     GatewayConfig     `yaml:"gateway"`
	Agent       AgentConfig       `yaml:"agent"`
	Model       ModelConfig       `yaml:"model"`
	Environment EnvironmentConfig `yaml:"environment"`
	Server      ServerConfig      `yaml:"server"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	LogLevel    string            `yaml:"log_level,omitempty"`
	LogFormat   string            `yaml:"log_format,omitempty"`
}

// GatewayConfig configures the poll-mode gateway client.
type GatewayConfig struct {
	URL               string              `yaml:"url,omitempty"`
	APIKey            string              `yaml:"api_key,omitempty"`
	Timeout           time.Duration       `yaml:"timeout,omitempty"`
	PollInterval      time.Duration       `yaml:"poll_interval,omitempty"`
	HeartbeatInterval time.Duration       `yaml:"heartbeat_interval,omitempty"`
	Retry             gateway.RetryPolicy `yaml:"retry"`
}

// AgentConfig is the identity presented to the gateway and in the card.
type AgentConfig struct {
	ID            string        `yaml:"id,omitempty"`
	Name          string        `yaml:"name,omitempty"`
	Description   string        `yaml:"description,omitempty"`
	Capabilities  []string      `yaml:"capabilities,omitempty"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace,omitempty"`
}

// ModelConfig configures the model proxy and the step loop's budgets.
type ModelConfig struct {
	Name         string  `yaml:"name,omitempty"`
	ProxyBaseURL string  `yaml:"proxy_base_url,omitempty"`
	ProxyAPIKey  string  `yaml:"proxy_api_key,omitempty"`
	Temperature  float64 `yaml:"temperature,omitempty"`
	StepLimit    int     `yaml:"step_limit,omitempty"`
	CostLimit    float64 `yaml:"cost_limit,omitempty"`
}

// EnvironmentConfig configures the local command runner.
type EnvironmentConfig struct {
	Workdir        string            `yaml:"workdir,omitempty"`
	CommandTimeout time.Duration     `yaml:"command_timeout,omitempty"`
	Env            map[string]string `yaml:"env,omitempty"`
}

// ServerConfig configures serve mode.
type ServerConfig struct {
	Host             string `yaml:"host,omitempty"`
	Port             int    `yaml:"port,omitempty"`
	PublicURL        string `yaml:"public_url,omitempty"`
	RateLimitRPM     int    `yaml:"rate_limit_rpm,omitempty"`
	MaxRetainedTasks int    `yaml:"max_retained_tasks,omitempty"`
	EnableMCP        bool   `yaml:"enable_mcp,omitempty"`
}

// TelemetryConfig configures trace export and the poll-mode metrics listener.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint,omitempty"`
	Protocol     string `yaml:"protocol,omitempty"`
	Insecure     bool   `yaml:"insecure,omitempty"`
	MetricsAddr  string `yaml:"metrics_addr,omitempty"`
	// Headers are sent with every export request, e.g. collector auth.
	Headers map[string]string `yaml:"headers,omitempty"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Timeout:           30 * time.Second,
			PollInterval:      5 * time.Second,
			HeartbeatInterval: 30 * time.Second,
			Retry:             gateway.DefaultRetryPolicy(),
		},
		Agent: AgentConfig{
			Name:          "mini-swe-agent",
			Description:   "Mini SWE Agent - AI software engineering agent",
			Capabilities:  append([]string(nil), gateway.DefaultCapabilities...),
			ShutdownGrace: 30 * time.Second,
		},
		Model: ModelConfig{
			ProxyBaseURL: "http://localhost:4000",
		},
		Environment: EnvironmentConfig{
			CommandTimeout: 60 * time.Second,
		},
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             8080,
			MaxRetainedTasks: 1000,
		},
		Telemetry: TelemetryConfig{
			Protocol: "grpc",
		},
		LogLevel:  "INFO",
		LogFormat: "text",
	}
}

// Load reads path over the defaults. An empty path or a missing file yields
// the defaults without error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overlays environment variables read through lookup, normally
// os.LookupEnv. Empty values are ignored.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	var errList []error
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errList = append(errList, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("RELAY_GATEWAY_URL", &c.Gateway.URL)
	str("A2A_GATEWAY_API_KEY", &c.Gateway.APIKey)
	dur("RELAY_GATEWAY_TIMEOUT", &c.Gateway.Timeout)
	dur("RELAY_POLL_INTERVAL", &c.Gateway.PollInterval)
	dur("RELAY_HEARTBEAT_INTERVAL", &c.Gateway.HeartbeatInterval)
	str("RELAY_AGENT_ID", &c.Agent.ID)
	str("RELAY_AGENT_NAME", &c.Agent.Name)
	dur("RELAY_SHUTDOWN_GRACE", &c.Agent.ShutdownGrace)
	str("MSWEA_MODEL_NAME", &c.Model.Name)
	str("LITELLM_PROXY_BASE_URL", &c.Model.ProxyBaseURL)
	str("LITELLM_PROXY_API_KEY", &c.Model.ProxyAPIKey)
	str("RELAY_HOST", &c.Server.Host)
	str("RELAY_PUBLIC_URL", &c.Server.PublicURL)
	str("OTEL_EXPORTER_OTLP_ENDPOINT", &c.Telemetry.OTLPEndpoint)
	str("RELAY_LOG_LEVEL", &c.LogLevel)

	if v, ok := lookup("OTEL_EXPORTER_OTLP_HEADERS"); ok && v != "" {
		h, err := parseHeaders(v)
		if err != nil {
			errList = append(errList, fmt.Errorf("OTEL_EXPORTER_OTLP_HEADERS: %w", err))
		} else {
			c.Telemetry.Headers = h
		}
	}

	if v, ok := lookup("RELAY_PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			errList = append(errList, fmt.Errorf("RELAY_PORT: %w", err))
		} else {
			c.Server.Port = port
		}
	}
	return errors.Join(errList...)
}

// Validate checks the fields mode depends on.
func (c *Config) Validate(mode Mode) error {
	var problems []string
	if mode == ModePoll {
		if c.Gateway.URL == "" {
			problems = append(problems, "gateway url is required")
		}
		if c.Gateway.PollInterval <= 0 {
			problems = append(problems, "poll interval must be positive")
		}
		if c.Gateway.HeartbeatInterval <= 0 {
			problems = append(problems, "heartbeat interval must be positive")
		}
		if c.Agent.ShutdownGrace < 0 {
			problems = append(problems, "shutdown grace must not be negative")
		}
	}
	if mode == ModeServe {
		if c.Server.Port < 0 || c.Server.Port > 65535 {
			problems = append(problems, fmt.Sprintf("invalid port %d", c.Server.Port))
		}
		if c.Server.RateLimitRPM < 0 {
			problems = append(problems, "rate limit must not be negative")
		}
	}
	if c.Model.Name == "" {
		problems = append(problems, "model name is required")
	}
	if c.Model.StepLimit < 0 || c.Model.CostLimit < 0 {
		problems = append(problems, "model limits must not be negative")
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		problems = append(problems, err.Error())
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid %s configuration: %s", mode, strings.Join(problems, "; "))
	}
	return nil
}

// ListenAddr is the serve-mode bind address.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// CardURL is the URL advertised in the agent card.
func (c *Config) CardURL() string {
	if c.Server.PublicURL != "" {
		return c.Server.PublicURL
	}
	return fmt.Sprintf("http://%s:%d/", c.Server.Host, c.Server.Port)
}

// parseHeaders reads the OTLP "k1=v1,k2=v2" header list. Values may be
// percent-encoded.
func parseHeaders(s string) (map[string]string, error) {
	out := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		if strings.TrimSpace(pair) == "" {
			continue
		}
		k, v, ok := strings.Cut(pair, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("malformed header %q", pair)
		}
		val, err := url.QueryUnescape(strings.TrimSpace(v))
		if err != nil {
			return nil, fmt.Errorf("header %s: %w", k, err)
		}
		out[k] = val
	}
	return out, nil
}
