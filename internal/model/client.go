// Package model is an OpenAI-compatible chat completions client used as the
// executor's model capability, typically pointed at a LiteLLM proxy.
package model

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dusk-indust/relay/internal/errs"
	"github.com/dusk-indust/relay/internal/executor"
)

// DefaultBaseURL is the proxy address used when none is configured.
const DefaultBaseURL = "http://localhost:4000"

// Config configures a Client.
type Config struct {
	Name        string
	BaseURL     string
	APIKey      string
	Timeout     time.Duration
	Temperature float64
}

// Client calls POST {BaseURL}/chat/completions.
type Client struct {
	name        string
	baseURL     string
	apiKey      string
	temperature float64
	http        *http.Client
}

var _ executor.Model = (*Client)(nil)

// New creates a Client. It fails if no model name is configured.
func New(cfg Config) (*Client, error) {
	if cfg.Name == "" {
		return nil, errors.New("model: name is required")
	}
	base := cfg.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &Client{
		name:        cfg.Name,
		baseURL:     strings.TrimRight(base, "/"),
		apiKey:      cfg.APIKey,
		temperature: cfg.Temperature,
		http:        &http.Client{Timeout: timeout},
	}, nil
}

// Name returns the configured model identifier.
func (c *Client) Name() string { return c.name }

type chatRequest struct {
	Model       string             `json:"model"`
	Messages    []executor.Message `json:"messages"`
	Temperature float64            `json:"temperature"`
	Stream      bool               `json:"stream"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Generate sends history followed by prompt as a user message and returns the
// first choice. Cost comes from the proxy's x-litellm-response-cost header
// when present.
func (c *Client) Generate(ctx context.Context, prompt string, history []executor.Message) (string, executor.Usage, error) {
	msgs := make([]executor.Message, 0, len(history)+1)
	msgs = append(msgs, history...)
	msgs = append(msgs, executor.Message{Role: "user", Content: prompt})

	body, err := json.Marshal(chatRequest{Model: c.name, Messages: msgs, Temperature: c.temperature})
	if err != nil {
		return "", executor.Usage{}, fmt.Errorf("model: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", executor.Usage{}, fmt.Errorf("model: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	slog.Debug("model request", "model", c.name, "messages", len(msgs))
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", executor.Usage{}, ctx.Err()
		}
		return "", executor.Usage{}, &errs.TransientError{Op: "model", Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", executor.Usage{}, &errs.TransientError{Op: "model", StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", executor.Usage{}, mapHTTPError(resp.StatusCode, data)
	}

	var out chatResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return "", executor.Usage{}, fmt.Errorf("model: decode response: %w", err)
	}
	if out.Error != nil {
		return "", executor.Usage{}, &errs.FatalError{Op: "model", Err: errors.New(out.Error.Message)}
	}
	if len(out.Choices) == 0 {
		return "", executor.Usage{}, errors.New("model: response has no choices")
	}

	usage := executor.Usage{
		PromptTokens:     out.Usage.PromptTokens,
		CompletionTokens: out.Usage.CompletionTokens,
	}
	if v := resp.Header.Get("x-litellm-response-cost"); v != "" {
		if cost, err := strconv.ParseFloat(v, 64); err == nil {
			usage.Cost = cost
		}
	}
	return out.Choices[0].Message.Content, usage, nil
}

func mapHTTPError(status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	var env chatResponse
	if json.Unmarshal(body, &env) == nil && env.Error != nil && env.Error.Message != "" {
		msg = env.Error.Message
	}
	if errs.RetryableStatus(status) {
		return &errs.TransientError{Op: "model", StatusCode: status, Err: errors.New(msg)}
	}
	return &errs.FatalError{Op: "model", Err: fmt.Errorf("HTTP %d: %s", status, msg)}
}
