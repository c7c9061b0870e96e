package tool

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailagent/internal/domain"
	"mailagent/internal/gmail"
)

// stubTool is a minimal tool for testing the registry.
type stubTool struct {
	name   string
	result string
	err    error
}

func (s *stubTool) Name() string               { return s.name }
func (s *stubTool) Description() string        { return "stub: " + s.name }
func (s *stubTool) Parameters() map[string]any { return map[string]any{"type": "object", "properties": map[string]any{}} }
func (s *stubTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	return s.result, s.err
}

var _ domain.Tool = (*stubTool)(nil)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	reg := NewRegistry(testLogger())
	reg.Register(&stubTool{name: "test_tool", result: "ok"})

	got := reg.Get("test_tool")
	require.NotNil(t, got)
	assert.Equal(t, "test_tool", got.Name())
	assert.Nil(t, reg.Get("nonexistent"))
}

func TestRegistry_Execute(t *testing.T) {
	reg := NewRegistry(testLogger())
	reg.Register(&stubTool{name: "echo", result: "hello"})

	result, err := reg.Execute(context.Background(), "echo", nil)
	require.NoError(t, err)
	assert.Equal(t, "hello", result)

	_, err = reg.Execute(context.Background(), "missing", nil)
	assert.Error(t, err)
}

func TestRegistry_Names(t *testing.T) {
	reg := NewRegistry(testLogger())
	reg.Register(&stubTool{name: "beta"})
	reg.Register(&stubTool{name: "alpha"})
	assert.Equal(t, []string{"alpha", "beta"}, reg.Names())
}

func TestRegistry_GetDefinitions(t *testing.T) {
	reg := NewRegistry(testLogger())
	reg.Register(&stubTool{name: "tool2"})
	reg.Register(&stubTool{name: "tool1"})

	defs := reg.GetDefinitions()
	require.Len(t, defs, 2)
	assert.Equal(t, "tool1", defs[0].Name)
	assert.Equal(t, "tool2", defs[1].Name)
	assert.Equal(t, "stub: tool1", defs[0].Description)
}

func TestRegistry_InvokeRendersErrors(t *testing.T) {
	reg := NewRegistry(testLogger())
	reg.Register(&stubTool{name: "ok", result: "done"})
	reg.Register(&stubTool{name: "bad", err: &gmail.Error{Kind: gmail.KindReauthorizationRequired}})

	out, isErr := reg.Invoke(context.Background(), "ok", nil)
	assert.False(t, isErr)
	assert.Equal(t, "done", out)

	out, isErr = reg.Invoke(context.Background(), "bad", nil)
	assert.True(t, isErr)
	assert.Equal(t, "Authentication failed. Please reconnect your Gmail account.", out)

	out, isErr = reg.Invoke(context.Background(), "nope", nil)
	assert.True(t, isErr)
	assert.NotEmpty(t, out)
}

func TestErrorText(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{&gmail.Error{Kind: gmail.KindRateLimited, RetryAfter: 12 * time.Second}, "Rate limit exceeded. Try again in 12 seconds."},
		{&gmail.Error{Kind: gmail.KindRateLimited}, "Rate limit exceeded. Try again in 60 seconds."},
		{&gmail.Error{Kind: gmail.KindAuthExpired}, "Authentication failed. Please reconnect your Gmail account."},
		{&gmail.Error{Kind: gmail.KindNotFound, Message: "Requested entity was not found."}, "Not found: Requested entity was not found."},
		{&gmail.Error{Kind: gmail.KindTransientServer}, "The mail service is temporarily unavailable. Please try again later."},
		{&gmail.Error{Kind: gmail.KindValidation, Message: "Invalid To header"}, "Error: Invalid To header"},
		{&gmail.Error{Kind: gmail.KindUnknown, Message: "secret detail"}, "Error: the mail service request failed."},
		{&ValidationError{Field: "to", Message: "is required"}, "Invalid arguments: to: is required"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ErrorText(tt.err), "ErrorText(%v)", tt.err)
	}
}

func TestRegistry_OverwriteRegistration(t *testing.T) {
	reg := NewRegistry(testLogger())
	reg.Register(&stubTool{name: "dup", result: "v1"})
	reg.Register(&stubTool{name: "dup", result: "v2"})

	result, err := reg.Execute(context.Background(), "dup", nil)
	require.NoError(t, err)
	assert.Equal(t, "v2", result)
}

// --- ToolParameters ---

func TestToolParameters_WithRequired(t *testing.T) {
	params := ToolParameters(
		map[string]Param{
			"name": {Type: "string", Description: "The name"},
			"age":  {Type: "number", Description: "The age in years"},
		},
		[]string{"name"},
	)

	assert.Equal(t, "object", params["type"])
	props := params["properties"].(map[string]any)
	require.Len(t, props, 2)
	assert.Equal(t, "The name", props["name"].(map[string]any)["description"])
	assert.Equal(t, []string{"name"}, params["required"])
}

func TestToolParameters_NoRequired(t *testing.T) {
	params := ToolParameters(map[string]Param{"query": {Type: "string", Description: "Search query"}}, nil)
	assert.NotContains(t, params, "required")
}

func TestToolParameters_ArrayItems(t *testing.T) {
	params := ToolParameters(map[string]Param{"to": {Type: "array", Description: "Recipients"}}, nil)
	to := params["properties"].(map[string]any)["to"].(map[string]any)
	items, ok := to["items"].(map[string]any)
	require.True(t, ok, "items: %v", to["items"])
	assert.Equal(t, "string", items["type"])
}

// --- argument helpers ---

func TestArgsString(t *testing.T) {
	assert.Equal(t, "value", ArgsString(map[string]any{"key": "value"}, "key"))
	assert.Empty(t, ArgsString(map[string]any{"other": "value"}, "key"))
	assert.Empty(t, ArgsString(nil, "key"))
	assert.NotEmpty(t, ArgsString(map[string]any{"num": 42.0}, "num"))
}

func TestArgsStrings(t *testing.T) {
	got, err := ArgsStrings(map[string]any{"to": []any{"a@x.com", " b@x.com "}}, "to")
	require.NoError(t, err)
	assert.Equal(t, []string{"a@x.com", "b@x.com"}, got)

	got, err = ArgsStrings(map[string]any{"to": "a@x.com, b@x.com"}, "to")
	require.NoError(t, err)
	assert.Len(t, got, 2)

	_, err = ArgsStrings(map[string]any{"to": []any{1.0}}, "to")
	assert.Error(t, err, "non-string element")
	_, err = ArgsStrings(map[string]any{"to": 3.0}, "to")
	assert.Error(t, err, "number")
}

func TestArgsInt(t *testing.T) {
	n, err := ArgsInt(map[string]any{"n": 5.0}, "n", 1)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	n, err = ArgsInt(map[string]any{}, "n", 10)
	require.NoError(t, err)
	assert.Equal(t, 10, n)

	n, err = ArgsInt(map[string]any{"n": "7"}, "n", 1)
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	_, err = ArgsInt(map[string]any{"n": 2.5}, "n", 1)
	assert.Error(t, err)
}
