package model

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dusk-indust/relay/internal/errs"
	"github.com/dusk-indust/relay/internal/executor"
)

func TestNew_RequiresName(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestGenerate_SendsConversation(t *testing.T) {
	var got chatRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("x-litellm-response-cost", "0.0125")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"hello"}}],"usage":{"prompt_tokens":12,"completion_tokens":3}}`))
	}))
	defer srv.Close()

	c, err := New(Config{Name: "gpt-test", BaseURL: srv.URL + "/", APIKey: "k"})
	require.NoError(t, err)

	text, usage, err := c.Generate(context.Background(), "next", []executor.Message{{Role: "system", Content: "sys"}})
	require.NoError(t, err)
	assert.Equal(t, "hello", text)
	assert.Equal(t, 12, usage.PromptTokens)
	assert.Equal(t, 3, usage.CompletionTokens)
	assert.InDelta(t, 0.0125, usage.Cost, 1e-9)
	assert.Equal(t, "Bearer k", auth)
	assert.Equal(t, "gpt-test", got.Model)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, executor.Message{Role: "user", Content: "next"}, got.Messages[1])
}

func TestGenerate_ErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		transient bool
	}{
		{"rate limited", http.StatusTooManyRequests, true},
		{"upstream down", http.StatusBadGateway, true},
		{"bad request", http.StatusBadRequest, false},
		{"unauthorized", http.StatusUnauthorized, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error":{"message":"nope"}}`))
			}))
			defer srv.Close()
			c, err := New(Config{Name: "m", BaseURL: srv.URL})
			require.NoError(t, err)

			_, _, err = c.Generate(context.Background(), "p", nil)
			require.Error(t, err)
			assert.Equal(t, tt.transient, errs.IsTransient(err))
			assert.Equal(t, !tt.transient, errs.IsFatal(err))
			assert.Contains(t, err.Error(), "nope")
		})
	}
}

func TestGenerate_NoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()
	c, err := New(Config{Name: "m", BaseURL: srv.URL})
	require.NoError(t, err)

	_, _, err = c.Generate(context.Background(), "p", nil)
	assert.ErrorContains(t, err, "no choices")
}
