package agent

import (
	"context"
	"fmt"
	"strings"

	"mailagent/internal/domain"
)

// ToolFilter restricts which tools the model sees and may call. A deployment
// that must never send mail denies send_email; the deny list wins over the
// allow list.
type ToolFilter struct {
	allowed map[string]bool
	denied  map[string]bool
}

// NewToolFilter builds a filter. An empty allow list permits every tool not
// denied.
func NewToolFilter(allowed, denied []string) *ToolFilter {
	tf := &ToolFilter{allowed: make(map[string]bool), denied: make(map[string]bool)}
	for _, name := range allowed {
		if name = strings.TrimSpace(name); name != "" {
			tf.allowed[name] = true
		}
	}
	for _, name := range denied {
		if name = strings.TrimSpace(name); name != "" {
			tf.denied[name] = true
		}
	}
	return tf
}

func (tf *ToolFilter) IsAllowed(name string) bool {
	if tf == nil {
		return true
	}
	if tf.denied[name] {
		return false
	}
	if len(tf.allowed) > 0 {
		return tf.allowed[name]
	}
	return true
}

func (tf *ToolFilter) IsEmpty() bool {
	return tf == nil || (len(tf.allowed) == 0 && len(tf.denied) == 0)
}

// FilterDefinitions drops definitions of blocked tools.
func (tf *ToolFilter) FilterDefinitions(defs []domain.ToolDefinition) []domain.ToolDefinition {
	if tf.IsEmpty() {
		return defs
	}
	out := make([]domain.ToolDefinition, 0, len(defs))
	for _, d := range defs {
		if tf.IsAllowed(d.Name) {
			out = append(out, d)
		}
	}
	return out
}

// Wrap returns an invoker that hides blocked tools and refuses to run them.
func (tf *ToolFilter) Wrap(inv ToolInvoker) ToolInvoker {
	if tf.IsEmpty() || inv == nil {
		return inv
	}
	return &filteredInvoker{filter: tf, next: inv}
}

type filteredInvoker struct {
	filter *ToolFilter
	next   ToolInvoker
}

func (f *filteredInvoker) Invoke(ctx context.Context, name string, args map[string]any) (string, bool) {
	if !f.filter.IsAllowed(name) {
		return fmt.Sprintf("Error: tool %q is disabled", name), true
	}
	return f.next.Invoke(ctx, name, args)
}

func (f *filteredInvoker) GetDefinitions() []domain.ToolDefinition {
	return f.filter.FilterDefinitions(f.next.GetDefinitions())
}
