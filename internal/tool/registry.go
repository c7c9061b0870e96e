package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"

	"mailagent/internal/domain"
	"mailagent/internal/gmail"
)

// Registry holds all available tools and executes them.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]domain.Tool
	logger *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:  make(map[string]domain.Tool),
		logger: logger,
	}
}

func (r *Registry) Register(t domain.Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
	r.logger.Debug("registered tool", "name", t.Name())
}

func (r *Registry) Get(name string) domain.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (string, error) {
	t := r.Get(name)
	if t == nil {
		return "", fmt.Errorf("unknown tool: %s (available: %s)", name, strings.Join(r.Names(), ", "))
	}
	return t.Execute(ctx, args)
}

// Invoke executes a tool and renders any failure as text. The returned
// result is what the model sees; IsError marks failures.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any) (result string, isError bool) {
	out, err := r.Execute(ctx, name, args)
	if err != nil {
		level := slog.LevelWarn
		var ve *ValidationError
		if errors.As(err, &ve) {
			level = slog.LevelInfo
		}
		r.logger.Log(ctx, level, "tool failed", "tool", name, "kind", gmail.KindOf(err).String(), "err", err)
		return ErrorText(err), true
	}
	return out, false
}

// GetDefinitions returns tool definitions sorted by name.
func (r *Registry) GetDefinitions() []domain.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]domain.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, domain.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ValidationError is a tool argument problem. It never reaches the mail service.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func invalid(field, format string, a ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, a...)}
}

const authFailedText = "Authentication failed. Please reconnect your Gmail account."

// ErrorText converts a tool failure into the text handed back to the model.
func ErrorText(err error) string {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return "Invalid arguments: " + ve.Error()
	}
	var ge *gmail.Error
	if !errors.As(err, &ge) {
		return "Error: " + err.Error()
	}
	switch ge.Kind {
	case gmail.KindRateLimited:
		secs := int(math.Ceil(ge.RetryAfter.Seconds()))
		if secs <= 0 {
			secs = 60
		}
		return fmt.Sprintf("Rate limit exceeded. Try again in %d seconds.", secs)
	case gmail.KindAuthExpired, gmail.KindReauthorizationRequired:
		return authFailedText
	case gmail.KindNotFound:
		return "Not found: " + ge.Message
	case gmail.KindTransientServer:
		return "The mail service is temporarily unavailable. Please try again later."
	case gmail.KindValidation:
		return "Error: " + ge.Message
	default:
		return "Error: the mail service request failed."
	}
}

// Param describes a single tool parameter. Items is the element type for arrays.
type Param struct {
	Type        string
	Description string
	Items       string
}

// ToolParameters builds a JSON Schema "parameters" object for a tool.
func ToolParameters(properties map[string]Param, required []string) map[string]any {
	props := make(map[string]any)
	for name, p := range properties {
		prop := map[string]any{"type": p.Type, "description": p.Description}
		if p.Type == "array" {
			items := p.Items
			if items == "" {
				items = "string"
			}
			prop["items"] = map[string]any{"type": items}
		}
		props[name] = prop
	}
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func ArgsString(args map[string]any, key string) string {
	if args == nil {
		return ""
	}
	v, ok := args[key]
	if !ok || v == nil {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	default:
		b, _ := json.Marshal(v)
		return string(b)
	}
}

// ArgsStrings reads a list argument. A single string is accepted, and a
// comma separated string is split.
func ArgsStrings(args map[string]any, key string) ([]string, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return nil, nil
	}
	var out []string
	switch t := v.(type) {
	case string:
		for _, s := range strings.Split(t, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	case []string:
		for _, s := range t {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	case []any:
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, invalid(key, "must be a list of strings")
			}
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	default:
		return nil, invalid(key, "must be a list of strings")
	}
	return out, nil
}

// ArgsInt reads an integer argument, returning def when absent.
func ArgsInt(args map[string]any, key string, def int) (int, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case float64:
		if n != math.Trunc(n) {
			return 0, invalid(key, "must be an integer")
		}
		return int(n), nil
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, invalid(key, "must be an integer")
		}
		return int(i), nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return 0, invalid(key, "must be an integer")
		}
		return i, nil
	default:
		return 0, invalid(key, "must be an integer")
	}
}

func ArgsBool(args map[string]any, key string) bool {
	switch b := args[key].(type) {
	case bool:
		return b
	case string:
		v, _ := strconv.ParseBool(b)
		return v
	default:
		return false
	}
}

type userKey struct{}

// WithUser binds the acting user to ctx for mail tools.
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userKey{}, userID)
}

// UserFrom returns the user bound by WithUser.
func UserFrom(ctx context.Context) string {
	id, _ := ctx.Value(userKey{}).(string)
	return id
}
