package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"mailagent/internal/domain"
	"mailagent/internal/telemetry"
)

const (
	defaultMaxSteps     = 10
	defaultHistoryLimit = 50
	defaultMaxTokens    = 4096
	defaultTemperature  = 0.7
	maxToolResultBytes  = 8000

	// FallbackText is returned when inference fails.
	FallbackText = "I apologize, but I encountered an error processing your request. Please try again."
	// StepLimitText is returned when the model keeps requesting tools past the step cap.
	StepLimitText   = "I wasn't able to finish that request in the allowed number of steps. Please try a more specific request."
	emptyAnswerText = "I've completed processing but have no additional response."
)

var (
	ErrStepLimitExceeded = errors.New("step limit exceeded")
	ErrInference         = errors.New("inference failed")
)

// ToolInvoker executes tools by name and renders failures as text.
type ToolInvoker interface {
	Invoke(ctx context.Context, name string, args map[string]any) (result string, isError bool)
	GetDefinitions() []domain.ToolDefinition
}

// Observer receives loop events for metrics.
type Observer interface {
	ObserveInference(outcome string, d time.Duration)
	ObserveToolCall(tool string, isError bool, d time.Duration)
	ObserveTurn(outcome string, steps int)
}

// Loop runs one chat cycle: inference, tool execution, repeat until the
// model answers or the step cap is reached. It has no storage concerns.
type Loop struct {
	provider    domain.Provider
	tools       ToolInvoker
	prompt      *PromptBuilder
	model       string
	maxTokens   int
	temperature float64
	maxSteps    int
	concurrency int
	observer    Observer
	logger      *slog.Logger
	now         func() time.Time
}

// LoopConfig holds all dependencies and tuning parameters for the agent loop.
type LoopConfig struct {
	Provider    domain.Provider
	Tools       ToolInvoker
	Prompt      *PromptBuilder
	Model       string
	MaxTokens   int
	Temperature float64
	MaxSteps    int
	// MaxConcurrentTools > 1 runs the calls of one step in parallel.
	// Records are still appended in request order.
	MaxConcurrentTools int
	Observer           Observer
	Logger             *slog.Logger
	Now                func() time.Time
}

// NewLoop creates a new agent loop with the given configuration.
func NewLoop(cfg LoopConfig) *Loop {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = defaultMaxSteps
	}
	if cfg.MaxConcurrentTools <= 0 {
		cfg.MaxConcurrentTools = 1
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = defaultTemperature
	}
	if cfg.Prompt == nil {
		cfg.Prompt = NewPromptBuilder("", defaultHistoryLimit)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Loop{
		provider:    cfg.Provider,
		tools:       cfg.Tools,
		prompt:      cfg.Prompt,
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		maxSteps:    cfg.MaxSteps,
		concurrency: cfg.MaxConcurrentTools,
		observer:    cfg.Observer,
		logger:      cfg.Logger,
		now:         cfg.Now,
	}
}

// TurnResult is the outcome of one cycle. Turns is the full updated history.
// Err is set when the cycle ended in a failure state; Text then holds the
// user-safe message and the raw cause is in a diagnostic turn.
type TurnResult struct {
	Text  string
	Turns []domain.Turn
	Err   error
	Steps int
}

var tracer = otel.Tracer("mailagent/agent")

// RunTurn appends userText to history and runs the cycle. The returned
// error is only non-nil when ctx is done; every other failure is reported
// through TurnResult.Err.
func (l *Loop) RunTurn(ctx context.Context, history []domain.Turn, userText string) (TurnResult, error) {
	ctx, span := tracer.Start(ctx, "agent.run_turn")
	defer span.End()
	logger := telemetry.LoggerOr(ctx, l.logger)

	turns := make([]domain.Turn, len(history), len(history)+4)
	copy(turns, history)
	clock := newTurnClock(l.now, history)
	turns = append(turns, domain.Turn{Kind: domain.TurnUser, Content: userText, Timestamp: clock.next()})

	messages := l.prompt.BuildMessages(history, userText)
	var defs []domain.ToolDefinition
	if l.tools != nil {
		defs = l.tools.GetDefinitions()
	}

	for step := 1; step <= l.maxSteps; step++ {
		if err := ctx.Err(); err != nil {
			return TurnResult{}, err
		}
		logger.Debug("agent step", "step", step, "messages", len(messages))

		resp, err := l.infer(ctx, messages, defs)
		if err != nil {
			if ctx.Err() != nil {
				return TurnResult{}, ctx.Err()
			}
			logger.Error("inference failed", "step", step, "error", err)
			turns = append(turns, domain.Turn{
				Kind:      domain.TurnDiagnostic,
				Content:   fmt.Sprintf("inference failed at step %d: %v", step, err),
				IsError:   true,
				Timestamp: clock.next(),
			})
			span.SetStatus(codes.Error, "inference failed")
			l.observeTurn("inference_failed", step)
			return TurnResult{Text: FallbackText, Turns: turns, Err: fmt.Errorf("%w: %v", ErrInference, err), Steps: step}, nil
		}

		// Some models embed tool calls as JSON in the content field.
		if !resp.HasToolCalls() && resp.Content != "" {
			if extracted := extractToolCallsFromContent(resp.Content); len(extracted) > 0 {
				resp.ToolCalls = extracted
				resp.Content = ""
				logger.Info("extracted tool calls from content text", "count", len(extracted))
			}
		}

		if !resp.HasToolCalls() {
			text := strings.TrimSpace(stripRolePrefix(resp.Content))
			if text == "" {
				text = emptyAnswerText
			}
			turns = append(turns, domain.Turn{Kind: domain.TurnAssistant, Content: text, Timestamp: clock.next()})
			span.SetAttributes(attribute.Int("agent.steps", step))
			l.observeTurn("answered", step)
			return TurnResult{Text: text, Turns: turns, Steps: step}, nil
		}

		calls := ensureCallIDs(resp.ToolCalls, step)
		messages = append(messages, domain.Message{Role: "assistant", Content: resp.Content, ToolCalls: calls})

		results := l.executeTools(ctx, calls)
		for i, tc := range calls {
			r := results[i]
			record := domain.Turn{
				Kind:       domain.TurnToolCall,
				ToolCallID: tc.ID,
				ToolName:   tc.Name,
				Arguments:  tc.Arguments,
				Result:     r.text,
				IsError:    r.isError,
				Timestamp:  clock.next(),
			}
			if i == 0 {
				record.Content = resp.Content
			}
			turns = append(turns, record)
			messages = append(messages, domain.Message{
				Role:       "tool",
				Content:    r.text,
				ToolCallID: tc.ID,
				ToolName:   tc.Name,
				IsError:    r.isError,
			})
		}
	}

	logger.Warn("step limit exceeded", "max_steps", l.maxSteps)
	turns = append(turns, domain.Turn{
		Kind:      domain.TurnDiagnostic,
		Content:   fmt.Sprintf("step limit exceeded after %d steps", l.maxSteps),
		IsError:   true,
		Timestamp: clock.next(),
	})
	span.SetStatus(codes.Error, "step limit exceeded")
	l.observeTurn("step_limit", l.maxSteps)
	return TurnResult{Text: StepLimitText, Turns: turns, Err: ErrStepLimitExceeded, Steps: l.maxSteps}, nil
}

func (l *Loop) infer(ctx context.Context, messages []domain.Message, defs []domain.ToolDefinition) (*domain.ChatResponse, error) {
	ctx, span := tracer.Start(ctx, "agent.inference")
	defer span.End()
	if l.provider == nil {
		return nil, errors.New("no inference provider configured")
	}
	span.SetAttributes(attribute.String("provider", l.provider.Name()))

	start := time.Now()
	resp, err := l.provider.Chat(ctx, domain.ChatRequest{
		Messages:    messages,
		Tools:       defs,
		Model:       l.model,
		MaxTokens:   l.maxTokens,
		Temperature: l.temperature,
	})
	if err == nil && resp == nil {
		err = errors.New("provider returned no response")
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, "inference failed")
	}
	if l.observer != nil {
		l.observer.ObserveInference(outcome, time.Since(start))
	}
	return resp, err
}

type toolResult struct {
	text    string
	isError bool
}

// executeTools runs calls and returns results indexed like calls.
func (l *Loop) executeTools(ctx context.Context, calls []domain.ToolCall) []toolResult {
	results := make([]toolResult, len(calls))
	if l.concurrency <= 1 || len(calls) == 1 {
		for i, tc := range calls {
			results[i] = l.executeTool(ctx, tc)
		}
		return results
	}

	sem := make(chan struct{}, l.concurrency)
	var wg sync.WaitGroup
	for i, tc := range calls {
		wg.Add(1)
		go func(idx int, tc domain.ToolCall) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[idx] = l.executeTool(ctx, tc)
		}(i, tc)
	}
	wg.Wait()
	return results
}

func (l *Loop) executeTool(ctx context.Context, tc domain.ToolCall) toolResult {
	ctx, span := tracer.Start(ctx, "agent.tool")
	defer span.End()
	span.SetAttributes(attribute.String("tool", tc.Name))
	logger := telemetry.LoggerOr(ctx, l.logger)
	logger.Info("executing tool", "tool", tc.Name)

	if l.tools == nil {
		return toolResult{text: "Error: no tools are available", isError: true}
	}
	if logger.Enabled(ctx, slog.LevelDebug) {
		if argsJSON, err := json.Marshal(tc.Arguments); err == nil {
			logger.Debug("tool arguments", "tool", tc.Name, "args", string(argsJSON))
		}
	}

	start := time.Now()
	text, isError := l.tools.Invoke(ctx, tc.Name, tc.Arguments)
	if len(text) > maxToolResultBytes {
		text = truncateUTF8(text, maxToolResultBytes) + "\n... (truncated)"
	}
	if isError {
		span.SetStatus(codes.Error, "tool reported an error")
	}
	if l.observer != nil {
		l.observer.ObserveToolCall(tc.Name, isError, time.Since(start))
	}
	logger.Debug("tool completed", "tool", tc.Name, "result_len", len(text), "is_error", isError)
	return toolResult{text: text, isError: isError}
}

func (l *Loop) observeTurn(outcome string, steps int) {
	if l.observer != nil {
		l.observer.ObserveTurn(outcome, steps)
	}
}

// ensureCallIDs fills in ids for providers that omit them.
func ensureCallIDs(calls []domain.ToolCall, step int) []domain.ToolCall {
	out := make([]domain.ToolCall, len(calls))
	for i, tc := range calls {
		if tc.ID == "" {
			tc.ID = fmt.Sprintf("call_%d_%d", step, i)
		}
		if tc.Arguments == nil {
			tc.Arguments = map[string]any{}
		}
		out[i] = tc
	}
	return out
}

func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func utf8RuneStart(b byte) bool { return b&0xC0 != 0x80 }

// turnClock hands out timestamps that never go backwards, even if the wall
// clock does.
type turnClock struct {
	now  func() time.Time
	last time.Time
}

func newTurnClock(now func() time.Time, history []domain.Turn) *turnClock {
	c := &turnClock{now: now}
	if n := len(history); n > 0 {
		c.last = history[n-1].Timestamp
	}
	return c
}

func (c *turnClock) next() time.Time {
	t := c.now().UTC()
	if t.Before(c.last) {
		t = c.last
	}
	c.last = t
	return t
}
