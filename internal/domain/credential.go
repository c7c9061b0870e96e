package domain

import (
	"context"
	"time"
)

type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnected    ConnectionState = "connected"
)

// Credential holds token material for one (user, service) pair.
type Credential struct {
	UserID       string          `json:"user_id"`
	Service      string          `json:"service"`
	AccessToken  string          `json:"-"`
	RefreshToken string          `json:"-"`
	TokenType    string          `json:"token_type,omitempty"`
	Expiry       time.Time       `json:"expiry,omitempty"`
	Scopes       []string        `json:"scopes,omitempty"`
	State        ConnectionState `json:"state"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Connected reports whether the record holds a usable access token.
func (c *Credential) Connected() bool {
	return c != nil && c.State == StateConnected && c.AccessToken != ""
}

// Expired reports whether the access token must be refreshed before use.
// A zero expiry never expires.
func (c *Credential) Expired(now time.Time, skew time.Duration) bool {
	if c.Expiry.IsZero() {
		return false
	}
	return !now.Add(skew).Before(c.Expiry)
}

type CredentialRepository interface {
	GetCredential(ctx context.Context, userID, service string) (*Credential, error)
	PutCredential(ctx context.Context, cred Credential) error
}
