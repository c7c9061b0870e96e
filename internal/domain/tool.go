package domain

import "context"

// Tool is a named operation the agent may invoke mid-cycle. Execute returns
// plain text on success; errors are rendered into model-facing text by the
// tool registry.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]any
	Execute(ctx context.Context, args map[string]any) (string, error)
}
