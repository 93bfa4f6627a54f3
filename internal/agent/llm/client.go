// Package llm talks to an Ollama-compatible model server.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	cfg "github.com/feichai0017/dataset-kitchen/config"
	"github.com/feichai0017/dataset-kitchen/internal/models"
	"github.com/feichai0017/dataset-kitchen/pkg/logger"
	"github.com/feichai0017/dataset-kitchen/pkg/metrics"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is one non-streaming chat completion.
type ChatRequest struct {
	Model    string
	Messages []Message
	// JSON asks the server to constrain output to a JSON document.
	JSON bool
}

// Client is the language model service as seen by the kitchen.
type Client interface {
	Chat(ctx context.Context, req ChatRequest) (string, error)
	Models(ctx context.Context) ([]string, error)
}

type chatBody struct {
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Stream   bool           `json:"stream"`
	Format   string         `json:"format,omitempty"`
	Options  map[string]any `json:"options,omitempty"`
}

type chatResponse struct {
	Model     string  `json:"model"`
	CreatedAt string  `json:"created_at"`
	Message   Message `json:"message"`
	Done      bool    `json:"done"`
	EvalCount int     `json:"eval_count,omitempty"`
	Error     string  `json:"error,omitempty"`
}

type tagsResponse struct {
	Models []struct {
		Name  string `json:"name"`
		Model string `json:"model"`
		Size  int64  `json:"size"`
	} `json:"models"`
}

// OllamaClient bounds in-flight calls engine-wide, applies a per-call timeout
// and retries transient failures.
type OllamaClient struct {
	endpoint    string
	temperature float64
	callTimeout time.Duration
	retry       RetryPolicy
	slots       *semaphore.Weighted
	httpClient  *http.Client
	logger      logger.Logger
}

func NewOllamaClient(c cfg.LLMConfig, log logger.Logger) *OllamaClient {
	maxInFlight := c.MaxInFlight
	if maxInFlight < 1 {
		maxInFlight = 1
	}
	return &OllamaClient{
		endpoint:    strings.TrimRight(c.Endpoint, "/"),
		temperature: c.Temperature,
		callTimeout: c.CallTimeout.D(),
		retry: RetryPolicy{
			MaxAttempts:     c.MaxAttempts,
			InitialInterval: c.InitialBackoff.D(),
			MaxInterval:     c.MaxBackoff.D(),
		},
		slots:      semaphore.NewWeighted(int64(maxInFlight)),
		httpClient: &http.Client{},
		logger:     log.Named("llm"),
	}
}

// Chat sends req and returns the assistant message content.
func (c *OllamaClient) Chat(ctx context.Context, req ChatRequest) (string, error) {
	body := chatBody{Model: req.Model, Messages: req.Messages, Options: map[string]any{"temperature": c.temperature}}
	if req.JSON {
		body.Format = "json"
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	var out string
	err = Retry(ctx, c.retry, func(ctx context.Context) error {
		var resp chatResponse
		if err := c.call(ctx, req.Model, http.MethodPost, "/api/chat", payload, &resp); err != nil {
			return err
		}
		if resp.Error != "" {
			return fmt.Errorf("ollama error: %s", resp.Error)
		}
		out = resp.Message.Content
		return nil
	}, func(err error, wait time.Duration) {
		c.logger.Warn("Retrying language model call",
			logger.String("model", req.Model),
			logger.Duration("wait", wait),
			logger.Error(err),
		)
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", models.Upstream(models.CodeLanguageModel, err, "chat with %s failed", req.Model)
	}
	return out, nil
}

// Models lists the models the server has pulled.
func (c *OllamaClient) Models(ctx context.Context) ([]string, error) {
	var tags tagsResponse
	err := Retry(ctx, c.retry, func(ctx context.Context) error {
		return c.call(ctx, "tags", http.MethodGet, "/api/tags", nil, &tags)
	}, nil)
	if err != nil {
		return nil, models.Upstream(models.CodeLanguageModel, err, "failed to list models")
	}
	names := make([]string, 0, len(tags.Models))
	for _, m := range tags.Models {
		names = append(names, m.Name)
	}
	return names, nil
}

// call performs one attempt while holding an in-flight slot.
func (c *OllamaClient) call(ctx context.Context, model, method, path string, payload []byte, out any) error {
	if err := c.slots.Acquire(ctx, 1); err != nil {
		return err
	}
	metrics.LLMSlotAcquired()
	defer func() {
		c.slots.Release(1)
		metrics.LLMSlotReleased()
	}()

	if c.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, body)
	if err != nil {
		return Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.ObserveLLMCall(model, "transport_error", time.Since(start))
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		metrics.ObserveLLMCall(model, "status_"+strconv.Itoa(resp.StatusCode), time.Since(start))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		metrics.ObserveLLMCall(model, "malformed", time.Since(start))
		return fmt.Errorf("failed to decode response: %w", err)
	}
	metrics.ObserveLLMCall(model, "ok", time.Since(start))
	return nil
}

func (c *OllamaClient) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
