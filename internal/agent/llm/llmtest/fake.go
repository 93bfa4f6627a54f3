// Package llmtest provides an in-memory language model for tests.
package llmtest

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/feichai0017/dataset-kitchen/internal/agent/llm"
)

// Fake answers chats with Respond. Calls are counted; Block, when non-nil, is
// waited on before answering so tests can hold calls in flight.
type Fake struct {
	Respond func(req llm.ChatRequest) (string, error)
	Block   chan struct{}
	List    []string

	calls    atomic.Int64
	inflight atomic.Int64
	peak     atomic.Int64

	mu       sync.Mutex
	requests []llm.ChatRequest
}

// Echo returns the last user message unchanged.
func Echo(req llm.ChatRequest) (string, error) {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			return req.Messages[i].Content, nil
		}
	}
	return "", nil
}

func (f *Fake) Chat(ctx context.Context, req llm.ChatRequest) (string, error) {
	f.calls.Add(1)
	n := f.inflight.Add(1)
	defer f.inflight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}

	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	if f.Block != nil {
		select {
		case <-f.Block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if f.Respond == nil {
		return Echo(req)
	}
	return f.Respond(req)
}

func (f *Fake) Models(ctx context.Context) ([]string, error) {
	return f.List, nil
}

func (f *Fake) Calls() int64 { return f.calls.Load() }

// Peak is the highest number of concurrent Chat calls seen.
func (f *Fake) Peak() int64 { return f.peak.Load() }

func (f *Fake) Requests() []llm.ChatRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]llm.ChatRequest(nil), f.requests...)
}
