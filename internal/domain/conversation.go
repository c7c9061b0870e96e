package domain

import (
	"context"
	"time"
)

type TurnKind string

const (
	TurnUser       TurnKind = "user"
	TurnAssistant  TurnKind = "assistant"
	TurnToolCall   TurnKind = "tool_call"
	TurnDiagnostic TurnKind = "diagnostic"
)

// Turn is one entry of a conversation. Tool call records carry the call
// arguments and the textual result; diagnostic turns carry raw failure
// details and are never shown to the user or replayed to the model.
type Turn struct {
	Kind       TurnKind       `json:"kind"`
	Content    string         `json:"content,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolName   string         `json:"tool_name,omitempty"`
	Arguments  map[string]any `json:"arguments,omitempty"`
	Result     string         `json:"result,omitempty"`
	IsError    bool           `json:"is_error,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

type Conversation struct {
	ID        string    `json:"conversation_id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title"`
	Turns     []Turn    `json:"turns"`
	Version   int64     `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ConversationStore is the single durable writer of conversation history.
// Lookups are scoped by user; an id owned by another user is reported as
// not found.
type ConversationStore interface {
	CreateConversation(ctx context.Context, conv Conversation) error
	GetConversation(ctx context.Context, id, userID string) (*Conversation, error)
	// SaveConversation replaces the stored turns with conv.Turns when the
	// stored version equals expectedVersion and conv.Turns extends the
	// stored list. conv.Version is ignored; the new version is returned.
	SaveConversation(ctx context.Context, conv Conversation, expectedVersion int64) (int64, error)
	ListConversations(ctx context.Context, userID string, limit int) ([]Conversation, error)
	DeleteConversation(ctx context.Context, id, userID string) error
}
