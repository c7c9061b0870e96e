package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"mailagent/internal/domain"
)

func (s *Store) CreateConversation(ctx context.Context, conv domain.Conversation) error {
	now := s.now()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	if conv.UpdatedAt.IsZero() {
		conv.UpdatedAt = conv.CreatedAt
	}
	if err := checkTurnOrder(nil, conv.Turns); err != nil {
		return err
	}
	turns, err := encodeTurns(conv.Turns)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, user_id, title, turns, version, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 1, ?, ?)`,
		conv.ID, conv.UserID, conv.Title, turns, toMillis(conv.CreatedAt), toMillis(conv.UpdatedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return fmt.Errorf("create conversation %s: %w", conv.ID, ErrConflict)
		}
		return fmt.Errorf("create conversation: %w", err)
	}
	return nil
}

func (s *Store) GetConversation(ctx context.Context, id, userID string) (*domain.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, title, turns, version, created_at, updated_at
		 FROM conversations WHERE id = ? AND user_id = ?`, id, userID)
	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return conv, nil
}

// SaveConversation is a compare-and-swap on the version column. The stored
// turns must be a prefix of conv.Turns and new turns may not go back in time.
func (s *Store) SaveConversation(ctx context.Context, conv domain.Conversation, expectedVersion int64) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT id, user_id, title, turns, version, created_at, updated_at
		 FROM conversations WHERE id = ? AND user_id = ?`, conv.ID, conv.UserID)
	stored, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("load conversation: %w", err)
	}
	if stored.Version != expectedVersion {
		return 0, fmt.Errorf("conversation %s at version %d, expected %d: %w",
			conv.ID, stored.Version, expectedVersion, ErrConflict)
	}
	if err := checkTurnOrder(stored.Turns, conv.Turns); err != nil {
		return 0, err
	}

	turns, err := encodeTurns(conv.Turns)
	if err != nil {
		return 0, err
	}
	title := conv.Title
	if title == "" {
		title = stored.Title
	}
	updated := conv.UpdatedAt
	if updated.IsZero() {
		updated = s.now()
	}

	newVersion := expectedVersion + 1
	res, err := tx.ExecContext(ctx,
		`UPDATE conversations SET title = ?, turns = ?, version = ?, updated_at = ?
		 WHERE id = ? AND version = ?`,
		title, turns, newVersion, toMillis(updated), conv.ID, expectedVersion)
	if err != nil {
		return 0, fmt.Errorf("update conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return 0, ErrConflict
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return newVersion, nil
}

// ListConversations returns the user's conversations, most recently updated first.
func (s *Store) ListConversations(ctx context.Context, userID string, limit int) ([]domain.Conversation, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, title, turns, version, created_at, updated_at
		 FROM conversations WHERE user_id = ? ORDER BY updated_at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var convs []domain.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		convs = append(convs, *conv)
	}
	return convs, rows.Err()
}

func (s *Store) DeleteConversation(ctx context.Context, id, userID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*domain.Conversation, error) {
	var (
		conv               domain.Conversation
		turns              string
		created, updatedAt int64
	)
	if err := row.Scan(&conv.ID, &conv.UserID, &conv.Title, &turns, &conv.Version, &created, &updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(turns), &conv.Turns); err != nil {
		return nil, fmt.Errorf("decode turns of %s: %w", conv.ID, err)
	}
	conv.CreatedAt = fromMillis(created)
	conv.UpdatedAt = fromMillis(updatedAt)
	return &conv, nil
}

func encodeTurns(turns []domain.Turn) (string, error) {
	if turns == nil {
		turns = []domain.Turn{}
	}
	b, err := json.Marshal(turns)
	if err != nil {
		return "", fmt.Errorf("encode turns: %w", err)
	}
	return string(b), nil
}

// checkTurnOrder verifies next extends stored and timestamps never decrease.
func checkTurnOrder(stored, next []domain.Turn) error {
	if len(next) < len(stored) {
		return ErrNotAppendOnly
	}
	for i := range stored {
		if !sameTurn(stored[i], next[i]) {
			return fmt.Errorf("turn %d differs: %w", i, ErrNotAppendOnly)
		}
	}
	for i := 1; i < len(next); i++ {
		if next[i].Timestamp.Before(next[i-1].Timestamp) {
			return fmt.Errorf("turn %d is older than turn %d: %w", i, i-1, ErrNotAppendOnly)
		}
	}
	return nil
}

func sameTurn(a, b domain.Turn) bool {
	return a.Kind == b.Kind &&
		a.Content == b.Content &&
		a.ToolCallID == b.ToolCallID &&
		a.ToolName == b.ToolName &&
		a.Result == b.Result &&
		a.Timestamp.Equal(b.Timestamp)
}
