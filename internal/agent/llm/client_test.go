package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cfg "github.com/feichai0017/dataset-kitchen/config"
	"github.com/feichai0017/dataset-kitchen/internal/models"
	"github.com/feichai0017/dataset-kitchen/pkg/logger"
)

func testConfig(endpoint string) cfg.LLMConfig {
	return cfg.LLMConfig{
		Endpoint:       endpoint,
		MaxInFlight:    2,
		CallTimeout:    cfg.Duration(time.Second),
		MaxAttempts:    3,
		InitialBackoff: cfg.Duration(time.Millisecond),
		MaxBackoff:     cfg.Duration(5 * time.Millisecond),
		Temperature:    0.2,
	}
}

func TestChatSendsRequestAndReturnsContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/chat", r.URL.Path)
		var body chatBody
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "llama3", body.Model)
		assert.Equal(t, "json", body.Format)
		assert.False(t, body.Stream)
		require.Len(t, body.Messages, 2)
		assert.Equal(t, "system", body.Messages[0].Role)
		json.NewEncoder(w).Encode(chatResponse{Message: Message{Role: "assistant", Content: "hi there"}, Done: true})
	}))
	defer srv.Close()

	c := NewOllamaClient(testConfig(srv.URL), logger.NewTestLogger())
	out, err := c.Chat(context.Background(), ChatRequest{
		Model:    "llama3",
		Messages: []Message{{Role: "system", Content: "s"}, {Role: "user", Content: "u"}},
		JSON:     true,
	})
	require.NoError(t, err)
	assert.Equal(t, "hi there", out)
}

func TestChatRetriesTransientFailures(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(chatResponse{Message: Message{Content: "ok"}})
	}))
	defer srv.Close()

	log := logger.NewTestLogger()
	c := NewOllamaClient(testConfig(srv.URL), log)
	out, err := c.Chat(context.Background(), ChatRequest{Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.True(t, log.HasMessage("WARN", "Retrying language model call"))
}

func TestChatGivesUpAfterMaxAttempts(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewOllamaClient(testConfig(srv.URL), logger.NewTestLogger())
	_, err := c.Chat(context.Background(), ChatRequest{Model: "m"})
	require.Error(t, err)
	assert.True(t, models.IsUpstream(err))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))

	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusBadGateway, se.Code)
}

func TestChatDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewOllamaClient(testConfig(srv.URL), logger.NewTestLogger())
	_, err := c.Chat(context.Background(), ChatRequest{Model: "m"})
	assert.True(t, models.IsUpstream(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

// stall holds a request until the client goes away or the test ends. The body
// must be drained first or the server never notices the disconnect.
func stall(w http.ResponseWriter, r *http.Request, release <-chan struct{}) {
	io.Copy(io.Discard, r.Body)
	select {
	case <-r.Context().Done():
	case <-release:
	}
}

func TestChatTimeoutCountsAsFailure(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			stall(w, r, release)
			return
		}
		json.NewEncoder(w).Encode(chatResponse{Message: Message{Content: "late but fine"}})
	}))
	defer srv.Close()
	defer close(release)

	conf := testConfig(srv.URL)
	conf.CallTimeout = cfg.Duration(50 * time.Millisecond)
	c := NewOllamaClient(conf, logger.NewTestLogger())
	out, err := c.Chat(context.Background(), ChatRequest{Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, "late but fine", out)
}

func TestChatHonoursCancellation(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stall(w, r, release)
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	c := NewOllamaClient(testConfig(srv.URL), logger.NewTestLogger())
	_, err := c.Chat(ctx, ChatRequest{Model: "m"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestInFlightIsBounded(t *testing.T) {
	var inflight, peak int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&inflight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&inflight, -1)
		json.NewEncoder(w).Encode(chatResponse{Message: Message{Content: "x"}})
	}))
	defer srv.Close()

	c := NewOllamaClient(testConfig(srv.URL), logger.NewTestLogger())
	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func() {
			c.Chat(context.Background(), ChatRequest{Model: "m"})
			done <- struct{}{}
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/tags", r.URL.Path)
		w.Write([]byte(`{"models":[{"name":"llama3:8b","model":"llama3:8b","size":1},{"name":"qwen2"}]}`))
	}))
	defer srv.Close()

	c := NewOllamaClient(testConfig(srv.URL), logger.NewTestLogger())
	names, err := c.Models(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"llama3:8b", "qwen2"}, names)
}

func TestRetryPolicy(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 4, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}

	var n int
	err := Retry(context.Background(), p, func(context.Context) error {
		n++
		return errors.New("flaky")
	}, nil)
	assert.EqualError(t, err, "flaky")
	assert.Equal(t, 4, n)

	n = 0
	err = Retry(context.Background(), p, func(context.Context) error {
		n++
		return Permanent(errors.New("bad input"))
	}, nil)
	assert.EqualError(t, err, "bad input")
	assert.Equal(t, 1, n)

	n = 0
	err = Retry(context.Background(), RetryPolicy{}, func(context.Context) error {
		n++
		return errors.New("once")
	}, nil)
	assert.Error(t, err)
	assert.Equal(t, 1, n)
}
