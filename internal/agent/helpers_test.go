package agent

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"

	"mailagent/internal/domain"
	"mailagent/internal/gmail"
	"mailagent/internal/tool"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// scriptedProvider answers each Chat call with the next step function and
// records every request it receives.
type scriptedProvider struct {
	mu       sync.Mutex
	steps    []func(req domain.ChatRequest) (*domain.ChatResponse, error)
	requests []domain.ChatRequest
	// repeat is used once steps are exhausted.
	repeat func(req domain.ChatRequest) (*domain.ChatResponse, error)
}

func (p *scriptedProvider) Chat(_ context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	n := len(p.requests) - 1
	if n < len(p.steps) {
		return p.steps[n](req)
	}
	if p.repeat != nil {
		return p.repeat(req)
	}
	return nil, errors.New("script exhausted")
}

func (p *scriptedProvider) Name() string                    { return "scripted" }
func (p *scriptedProvider) Models() []string                { return []string{"test-model"} }
func (p *scriptedProvider) SupportsToolCalling() bool       { return true }
func (p *scriptedProvider) Healthy(_ context.Context) error { return nil }

func (p *scriptedProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func answer(text string) func(domain.ChatRequest) (*domain.ChatResponse, error) {
	return func(domain.ChatRequest) (*domain.ChatResponse, error) {
		return &domain.ChatResponse{Content: text, FinishReason: "stop"}, nil
	}
}

func callTools(calls ...domain.ToolCall) func(domain.ChatRequest) (*domain.ChatResponse, error) {
	return func(domain.ChatRequest) (*domain.ChatResponse, error) {
		return &domain.ChatResponse{ToolCalls: calls, FinishReason: "tool_calls"}, nil
	}
}

// lastToolResult returns the content of the most recent tool message.
func lastToolResult(req domain.ChatRequest) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "tool" {
			return req.Messages[i].Content
		}
	}
	return ""
}

// inbox is a Mailbox that only supports search; other operations panic
// through the nil embedded interface.
type inbox struct {
	tool.Mailbox

	mu       sync.Mutex
	messages []gmail.Message
	err      error
	queries  []string
	users    []string
}

func (b *inbox) Search(_ context.Context, userID string, req gmail.SearchRequest) (*gmail.SearchResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queries = append(b.queries, req.Query)
	b.users = append(b.users, userID)
	if b.err != nil {
		return nil, b.err
	}
	var out []gmail.Message
	for _, m := range b.messages {
		if strings.Contains(req.Query, "from:") && !strings.Contains(req.Query, "from:"+m.From) {
			continue
		}
		out = append(out, m)
	}
	return &gmail.SearchResult{Messages: out, EstimatedTotal: len(out)}, nil
}

func newMailRegistry(mb tool.Mailbox) *tool.Registry {
	r := tool.NewRegistry(testLogger())
	tool.RegisterMailTools(r, mb)
	return r
}
