package provider

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"

	"mailagent/internal/domain"
)

// mockProvider implements domain.Provider for testing.
type mockProvider struct {
	name      string
	healthy   bool
	chatErr   error
	chatResp  *domain.ChatResponse
	toolCalls bool
	calls     int
}

func (m *mockProvider) Name() string              { return m.name }
func (m *mockProvider) Models() []string          { return []string{"test-model"} }
func (m *mockProvider) SupportsToolCalling() bool { return m.toolCalls }

func (m *mockProvider) Healthy(ctx context.Context) error {
	if !m.healthy {
		return errors.New("unhealthy")
	}
	return nil
}

func (m *mockProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	m.calls++
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if m.chatErr != nil {
		return nil, m.chatErr
	}
	return m.chatResp, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// --- Logic đúng ---

func TestFailoverProvider_UsesFirstHealthyProvider(t *testing.T) {
	p1 := &mockProvider{name: "primary", healthy: true, chatResp: &domain.ChatResponse{Content: "from-primary"}}
	p2 := &mockProvider{name: "secondary", healthy: true, chatResp: &domain.ChatResponse{Content: "from-secondary"}}
	fp := NewFailoverProvider([]domain.Provider{p1, p2}, testLogger())

	resp, err := fp.Chat(context.Background(), domain.ChatRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "from-primary" {
		t.Fatalf("expected 'from-primary', got %q", resp.Content)
	}
}

func TestFailoverProvider_FallsBackOnError(t *testing.T) {
	p1 := &mockProvider{name: "primary", healthy: true, chatErr: errors.New("api error")}
	p2 := &mockProvider{name: "secondary", healthy: true, chatResp: &domain.ChatResponse{Content: "from-secondary"}}
	fp := NewFailoverProvider([]domain.Provider{p1, p2}, testLogger())

	resp, err := fp.Chat(context.Background(), domain.ChatRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "from-secondary" {
		t.Fatalf("expected 'from-secondary', got %q", resp.Content)
	}
}

// --- Điều kiện rẽ nhánh ---

func TestFailoverProvider_AllProvidersFail(t *testing.T) {
	p1 := &mockProvider{name: "p1", healthy: true, chatErr: errors.New("fail 1")}
	p2 := &mockProvider{name: "p2", healthy: true, chatErr: errors.New("fail 2")}
	fp := NewFailoverProvider([]domain.Provider{p1, p2}, testLogger())

	_, err := fp.Chat(context.Background(), domain.ChatRequest{})
	if err == nil {
		t.Fatal("expected error when all providers fail")
	}
}

// --- Giá trị biên ---

func TestFailoverProvider_SingleProvider(t *testing.T) {
	p1 := &mockProvider{name: "only", healthy: true, chatResp: &domain.ChatResponse{Content: "only-one"}}
	fp := NewFailoverProvider([]domain.Provider{p1}, testLogger())

	resp, err := fp.Chat(context.Background(), domain.ChatRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "only-one" {
		t.Fatalf("expected 'only-one', got %q", resp.Content)
	}
}

// --- Health check ---

func TestFailoverProvider_Healthy_AtLeastOneHealthy(t *testing.T) {
	p1 := &mockProvider{name: "sick", healthy: false}
	p2 := &mockProvider{name: "well", healthy: true}
	fp := NewFailoverProvider([]domain.Provider{p1, p2}, testLogger())

	if err := fp.Healthy(context.Background()); err != nil {
		t.Fatalf("expected healthy, got: %v", err)
	}
}

func TestFailoverProvider_Healthy_NoneHealthy(t *testing.T) {
	p1 := &mockProvider{name: "sick1", healthy: false}
	p2 := &mockProvider{name: "sick2", healthy: false}
	fp := NewFailoverProvider([]domain.Provider{p1, p2}, testLogger())

	if err := fp.Healthy(context.Background()); err == nil {
		t.Fatal("expected unhealthy error")
	}
}

// --- Name ---

func TestFailoverProvider_Name(t *testing.T) {
	p1 := &mockProvider{name: "ollama"}
	p2 := &mockProvider{name: "openai"}
	fp := NewFailoverProvider([]domain.Provider{p1, p2}, testLogger())

	name := fp.Name()
	if name != "failover(ollama→openai)" {
		t.Fatalf("expected 'failover(ollama→openai)', got %q", name)
	}
}

// --- SupportsToolCalling ---

func TestFailoverProvider_ToolCalling_AtLeastOne(t *testing.T) {
	p1 := &mockProvider{name: "no-tools", toolCalls: false}
	p2 := &mockProvider{name: "has-tools", toolCalls: true}
	fp := NewFailoverProvider([]domain.Provider{p1, p2}, testLogger())

	if !fp.SupportsToolCalling() {
		t.Fatal("expected SupportsToolCalling=true")
	}
}

func TestFailoverProvider_ToolCalling_None(t *testing.T) {
	p1 := &mockProvider{name: "no-tools1", toolCalls: false}
	p2 := &mockProvider{name: "no-tools2", toolCalls: false}
	fp := NewFailoverProvider([]domain.Provider{p1, p2}, testLogger())

	if fp.SupportsToolCalling() {
		t.Fatal("expected SupportsToolCalling=false")
	}
}

// --- Models ---

func TestFailoverProvider_Models_Deduplicated(t *testing.T) {
	p1 := &mockProvider{name: "p1"} // returns ["test-model"]
	p2 := &mockProvider{name: "p2"} // returns ["test-model"]
	fp := NewFailoverProvider([]domain.Provider{p1, p2}, testLogger())

	models := fp.Models()
	if len(models) != 1 {
		t.Fatalf("expected 1 unique model, got %d: %v", len(models), models)
	}
}

// --- Cancellation ---

func TestFailoverProvider_StopsOnCancelledContext(t *testing.T) {
	p1 := &mockProvider{name: "p1", healthy: true, chatResp: &domain.ChatResponse{Content: "x"}}
	p2 := &mockProvider{name: "p2", healthy: true, chatResp: &domain.ChatResponse{Content: "y"}}
	fp := NewFailoverProvider([]domain.Provider{p1, p2}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := fp.Chat(ctx, domain.ChatRequest{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if p2.calls != 0 {
		t.Fatalf("expected no fallback call, got %d", p2.calls)
	}
}

func TestFailoverProvider_EmptyChain(t *testing.T) {
	fp := NewFailoverProvider(nil, testLogger())
	if _, err := fp.Chat(context.Background(), domain.ChatRequest{}); err == nil {
		t.Fatal("expected error for empty chain")
	}
}
