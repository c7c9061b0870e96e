package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"mailagent/internal/domain"
)

func (s *Store) GetCredential(ctx context.Context, userID, service string) (*domain.Credential, error) {
	var (
		cred           domain.Credential
		scopes, state  string
		expiry, update int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, service, access_token, refresh_token, token_type, expiry, scopes, state, updated_at
		 FROM credentials WHERE user_id = ? AND service = ?`, userID, service,
	).Scan(&cred.UserID, &cred.Service, &cred.AccessToken, &cred.RefreshToken, &cred.TokenType,
		&expiry, &scopes, &state, &update)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get credential: %w", err)
	}
	cred.Expiry = fromMillis(expiry)
	cred.UpdatedAt = fromMillis(update)
	cred.State = domain.ConnectionState(state)
	if scopes != "" {
		cred.Scopes = strings.Fields(scopes)
	}
	return &cred, nil
}

// PutCredential inserts or replaces the record for (user, service).
func (s *Store) PutCredential(ctx context.Context, cred domain.Credential) error {
	if cred.State == domain.StateConnected && cred.AccessToken == "" {
		return fmt.Errorf("connected credential for %s requires an access token", cred.UserID)
	}
	if cred.State == "" {
		cred.State = domain.StateDisconnected
	}
	if cred.UpdatedAt.IsZero() {
		cred.UpdatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credentials (user_id, service, access_token, refresh_token, token_type, expiry, scopes, state, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id, service) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			token_type = excluded.token_type,
			expiry = excluded.expiry,
			scopes = excluded.scopes,
			state = excluded.state,
			updated_at = excluded.updated_at`,
		cred.UserID, cred.Service, cred.AccessToken, cred.RefreshToken, cred.TokenType,
		toMillis(cred.Expiry), strings.Join(cred.Scopes, " "), string(cred.State), toMillis(cred.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("put credential: %w", err)
	}
	return nil
}
