package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"mailagent/internal/domain"
	"mailagent/internal/storage"
	"mailagent/internal/telemetry"
	"mailagent/internal/tool"
)

// Error codes reported in ChatResponse.Error.
const (
	CodeInvalidMessage  = "invalid_message"
	CodeInferenceFailed = "inference_failed"
	CodeStepLimit       = "step_limit_exceeded"
	CodeStorageFailed   = "storage_failed"
)

const (
	defaultMaxMessageLen = 4000
	defaultListLimit     = 10
	maxListLimit         = 100
	storageFailedText    = "Your request was processed, but the conversation could not be saved. Please try again."
)

// ChatResponse is the result of one chat request. Error holds a stable code,
// never raw error text.
type ChatResponse struct {
	Text           string `json:"response"`
	ConversationID string `json:"conversation_id"`
	Error          string `json:"error,omitempty"`
}

// Service binds the loop to durable conversation history.
type Service struct {
	loop      *Loop
	store     domain.ConversationStore
	maxMsgLen int
	logger    *slog.Logger
	newID     func() string
}

type ServiceConfig struct {
	Loop             *Loop
	Store            domain.ConversationStore
	MaxMessageLength int
	Logger           *slog.Logger
	NewID            func() string
}

func NewService(cfg ServiceConfig) *Service {
	if cfg.MaxMessageLength <= 0 {
		cfg.MaxMessageLength = defaultMaxMessageLen
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	return &Service{
		loop:      cfg.Loop,
		store:     cfg.Store,
		maxMsgLen: cfg.MaxMessageLength,
		logger:    cfg.Logger,
		newID:     cfg.NewID,
	}
}

// Chat runs one cycle for userID. An unknown conversationID, or one owned by
// another user, starts a new conversation. The error return is reserved for
// cancellation; every other failure is reported in ChatResponse.
func (s *Service) Chat(ctx context.Context, userID, message, conversationID string) (ChatResponse, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return ChatResponse{Text: "Message must not be empty.", ConversationID: conversationID, Error: CodeInvalidMessage}, nil
	}
	if n := utf8.RuneCountInString(message); n > s.maxMsgLen {
		return ChatResponse{
			Text:           fmt.Sprintf("Message is too long (%d characters, maximum %d).", n, s.maxMsgLen),
			ConversationID: conversationID,
			Error:          CodeInvalidMessage,
		}, nil
	}

	logger := telemetry.LoggerOr(ctx, s.logger).With("user_id", userID)

	conv, err := s.load(ctx, userID, conversationID)
	if err != nil {
		if ctx.Err() != nil {
			return ChatResponse{}, ctx.Err()
		}
		logger.Error("load conversation failed", "conversation_id", conversationID, "error", err)
		return ChatResponse{Text: FallbackText, ConversationID: conversationID, Error: CodeStorageFailed}, nil
	}
	isNew := conv == nil
	if isNew {
		if conversationID != "" {
			logger.Info("conversation not found, starting a new one", "requested_id", conversationID)
		}
		conv = &domain.Conversation{ID: s.newID(), UserID: userID, Title: generateTitle(message)}
	}

	logger = logger.With("conversation_id", conv.ID)
	ctx = telemetry.WithLogger(ctx, logger)
	ctx = tool.WithUser(ctx, userID)

	res, err := s.loop.RunTurn(ctx, conv.Turns, message)
	if err != nil {
		return ChatResponse{}, err
	}

	resp := ChatResponse{Text: res.Text, ConversationID: conv.ID}
	switch {
	case errors.Is(res.Err, ErrStepLimitExceeded):
		resp.Error = CodeStepLimit
	case res.Err != nil:
		resp.Error = CodeInferenceFailed
	}

	fresh := res.Turns[len(conv.Turns):]
	if err := s.persist(ctx, conv, isNew, fresh); err != nil {
		logger.Error("persist conversation failed", "error", err)
		if resp.Error == "" {
			resp.Error = CodeStorageFailed
			resp.Text = res.Text + "\n\n" + storageFailedText
		}
		return resp, nil
	}
	logger.Info("chat cycle complete", "steps", res.Steps, "new_turns", len(fresh), "error_code", resp.Error)
	return resp, nil
}

// load returns nil without error when the conversation does not exist for
// this user.
func (s *Service) load(ctx context.Context, userID, id string) (*domain.Conversation, error) {
	if id == "" {
		return nil, nil
	}
	conv, err := s.store.GetConversation(ctx, id, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return conv, err
}

// persist writes the fresh turns. On a version conflict the latest copy is
// reloaded and the fresh turns are appended to it once more.
func (s *Service) persist(ctx context.Context, conv *domain.Conversation, isNew bool, fresh []domain.Turn) error {
	if isNew {
		next := *conv
		next.Turns = fresh
		err := s.store.CreateConversation(ctx, next)
		if !errors.Is(err, storage.ErrConflict) {
			return err
		}
		// id taken between load and create: retry under a fresh id
		next.ID = s.newID()
		conv.ID = next.ID
		return s.store.CreateConversation(ctx, next)
	}

	next := *conv
	next.Turns = appendTurns(conv.Turns, fresh)
	next.UpdatedAt = time.Time{}
	_, err := s.store.SaveConversation(ctx, next, conv.Version)
	if !errors.Is(err, storage.ErrConflict) && !errors.Is(err, storage.ErrNotAppendOnly) {
		return err
	}

	latest, err := s.store.GetConversation(ctx, conv.ID, conv.UserID)
	if err != nil {
		return fmt.Errorf("reload after conflict: %w", err)
	}
	next = *latest
	next.Turns = appendTurns(latest.Turns, fresh)
	next.UpdatedAt = time.Time{}
	if _, err := s.store.SaveConversation(ctx, next, latest.Version); err != nil {
		return fmt.Errorf("save after conflict: %w", err)
	}
	return nil
}

// appendTurns returns base followed by fresh, lifting any fresh timestamp
// that would precede the last stored one.
func appendTurns(base, fresh []domain.Turn) []domain.Turn {
	out := make([]domain.Turn, 0, len(base)+len(fresh))
	out = append(out, base...)
	var last time.Time
	if len(base) > 0 {
		last = base[len(base)-1].Timestamp
	}
	for _, t := range fresh {
		if t.Timestamp.Before(last) {
			t.Timestamp = last
		}
		last = t.Timestamp
		out = append(out, t)
	}
	return out
}

// ListConversations returns the user's most recently updated conversations.
func (s *Service) ListConversations(ctx context.Context, userID string, limit int) ([]domain.Conversation, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	convs, err := s.store.ListConversations(ctx, userID, limit)
	if err != nil {
		return nil, err
	}
	for i := range convs {
		convs[i].Turns = VisibleTurns(convs[i].Turns)
	}
	return convs, nil
}

// GetConversation returns storage.ErrNotFound for unknown and foreign ids.
func (s *Service) GetConversation(ctx context.Context, id, userID string) (*domain.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	conv.Turns = VisibleTurns(conv.Turns)
	return conv, nil
}

func (s *Service) DeleteConversation(ctx context.Context, id, userID string) error {
	if err := s.store.DeleteConversation(ctx, id, userID); err != nil {
		return err
	}
	telemetry.LoggerOr(ctx, s.logger).Info("conversation deleted", "conversation_id", id, "user_id", userID)
	return nil
}

// VisibleTurns drops diagnostic turns, which are never shown to users.
func VisibleTurns(turns []domain.Turn) []domain.Turn {
	out := make([]domain.Turn, 0, len(turns))
	for _, t := range turns {
		if t.Kind != domain.TurnDiagnostic {
			out = append(out, t)
		}
	}
	return out
}

// generateTitle derives a conversation title from the first user message.
func generateTitle(msg string) string {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return "New conversation"
	}
	if idx := strings.IndexAny(msg, "\n\r"); idx > 0 {
		msg = msg[:idx]
	}
	if len(msg) > 60 {
		head := truncateUTF8(msg, 60)
		cut := strings.LastIndex(head, " ")
		if cut < 20 {
			cut = len(head)
		}
		msg = msg[:cut] + "..."
	}
	return msg
}
