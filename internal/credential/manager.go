// Package credential owns token material for external services: the
// authorization handshake, refresh on expiry and revocation.
package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"mailagent/internal/domain"
	"mailagent/internal/storage"
)

var (
	ErrNotConnected            = errors.New("account not connected")
	ErrReauthorizationRequired = errors.New("reauthorization required")
	ErrInvalidState            = errors.New("invalid or expired authorization state")
)

// RefreshObserver receives one outcome per refresh attempt.
type RefreshObserver interface {
	ObserveCredentialRefresh(outcome string)
}

type ManagerConfig struct {
	Service    string // default "gmail"
	Repository domain.CredentialRepository
	Authority  Authority
	// ExpirySkew refreshes tokens this long before they actually expire.
	ExpirySkew time.Duration
	StateTTL   time.Duration
	// RefreshTimeout bounds a shared refresh independently of the caller
	// that started it.
	RefreshTimeout time.Duration
	Observer       RefreshObserver
	Logger         *slog.Logger
	Now            func() time.Time
}

type pendingState struct {
	userID  string
	expires time.Time
}

type Manager struct {
	service    string
	repo       domain.CredentialRepository
	authority  Authority
	skew       time.Duration
	stateTTL   time.Duration
	refreshTTL time.Duration
	observer   RefreshObserver
	logger     *slog.Logger
	now        func() time.Time

	refreshes singleflight.Group

	mu     sync.Mutex
	states map[string]pendingState
}

func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Service == "" {
		cfg.Service = "gmail"
	}
	if cfg.ExpirySkew == 0 {
		cfg.ExpirySkew = time.Minute
	}
	if cfg.StateTTL == 0 {
		cfg.StateTTL = 10 * time.Minute
	}
	if cfg.RefreshTimeout == 0 {
		cfg.RefreshTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{
		service:    cfg.Service,
		repo:       cfg.Repository,
		authority:  cfg.Authority,
		skew:       cfg.ExpirySkew,
		stateTTL:   cfg.StateTTL,
		refreshTTL: cfg.RefreshTimeout,
		observer:   cfg.Observer,
		logger:     cfg.Logger,
		now:        cfg.Now,
		states:     make(map[string]pendingState),
	}
}

// Authorize starts the handshake for userID and returns the URL the user
// must visit plus the opaque state that the callback will carry back.
func (m *Manager) Authorize(ctx context.Context, userID string) (authURL, state string) {
	state = uuid.NewString()
	now := m.now()

	m.mu.Lock()
	for k, s := range m.states {
		if now.After(s.expires) {
			delete(m.states, k)
		}
	}
	m.states[state] = pendingState{userID: userID, expires: now.Add(m.stateTTL)}
	m.mu.Unlock()

	m.logger.Info("authorization started", "user_id", userID, "service", m.service)
	return m.authority.AuthCodeURL(state), state
}

// ResolveState consumes a pending handshake state and returns its user.
func (m *Manager) ResolveState(state string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[state]
	delete(m.states, state)
	if !ok || m.now().After(s.expires) {
		return "", ErrInvalidState
	}
	return s.userID, nil
}

// CompleteAuthorization exchanges code for tokens and stores a connected record.
func (m *Manager) CompleteAuthorization(ctx context.Context, userID, code string) (*domain.Credential, error) {
	if code == "" {
		return nil, fmt.Errorf("complete authorization: empty code")
	}
	tok, err := m.authority.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("complete authorization for %s: %w", userID, err)
	}
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("complete authorization for %s: authority returned no access token", userID)
	}
	cred := domain.Credential{
		UserID:       userID,
		Service:      m.service,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Expiry:       tok.Expiry,
		Scopes:       tok.Scopes,
		State:        domain.StateConnected,
		UpdatedAt:    m.now(),
	}
	if err := m.repo.PutCredential(ctx, cred); err != nil {
		return nil, fmt.Errorf("store credential: %w", err)
	}
	m.logger.Info("account connected", "user_id", userID, "service", m.service)
	return &cred, nil
}

// GetValidCredential returns a usable credential, refreshing and persisting
// it first when the stored access token has expired.
func (m *Manager) GetValidCredential(ctx context.Context, userID string) (*domain.Credential, error) {
	cred, err := m.load(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !cred.Expired(m.now(), m.skew) {
		return cred, nil
	}
	return m.refresh(ctx, userID, cred.AccessToken)
}

// ForceRefresh is used after the service rejected staleToken. When another
// caller has already replaced that token the stored one is returned without
// contacting the authority.
func (m *Manager) ForceRefresh(ctx context.Context, userID, staleToken string) (*domain.Credential, error) {
	return m.refresh(ctx, userID, staleToken)
}

// refresh runs at most one authority call per (user, service) at a time.
func (m *Manager) refresh(ctx context.Context, userID, staleToken string) (*domain.Credential, error) {
	key := userID + "/" + m.service
	v, err, shared := m.refreshes.Do(key, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.refreshTTL)
		defer cancel()

		cred, err := m.load(fctx, userID)
		if err != nil {
			return nil, err
		}
		if cred.AccessToken != staleToken && !cred.Expired(m.now(), m.skew) {
			return cred, nil
		}
		if cred.RefreshToken == "" {
			m.observe("failure")
			return nil, fmt.Errorf("no refresh token for %s: %w", userID, ErrReauthorizationRequired)
		}

		tok, err := m.authority.Refresh(fctx, cred.RefreshToken)
		if err != nil {
			m.observe("failure")
			m.logger.Warn("credential refresh failed", "user_id", userID, "service", m.service, "error", err)
			return nil, fmt.Errorf("%w: %v", ErrReauthorizationRequired, err)
		}

		cred.AccessToken = tok.AccessToken
		if tok.RefreshToken != "" {
			cred.RefreshToken = tok.RefreshToken
		}
		if tok.TokenType != "" {
			cred.TokenType = tok.TokenType
		}
		cred.Expiry = tok.Expiry
		if len(tok.Scopes) > 0 {
			cred.Scopes = tok.Scopes
		}
		cred.UpdatedAt = m.now()
		if err := m.repo.PutCredential(fctx, *cred); err != nil {
			return nil, fmt.Errorf("store refreshed credential: %w", err)
		}
		m.observe("success")
		m.logger.Info("credential refreshed", "user_id", userID, "service", m.service)
		return cred, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		m.logger.Debug("credential refresh shared", "user_id", userID)
	}
	c := *v.(*domain.Credential)
	return &c, nil
}

// Revoke clears the stored tokens and marks the account disconnected. The
// authority is notified first on a best-effort basis.
func (m *Manager) Revoke(ctx context.Context, userID string) error {
	cred, err := m.repo.GetCredential(ctx, userID, m.service)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load credential: %w", err)
	}

	token := cred.AccessToken
	if token == "" {
		token = cred.RefreshToken
	}
	if token != "" {
		if err := m.authority.Revoke(ctx, token); err != nil {
			m.logger.Warn("authority revoke failed, clearing local credential anyway",
				"user_id", userID, "service", m.service, "error", err)
		}
	}

	cleared := domain.Credential{
		UserID:    userID,
		Service:   m.service,
		State:     domain.StateDisconnected,
		UpdatedAt: m.now(),
	}
	if err := m.repo.PutCredential(ctx, cleared); err != nil {
		return fmt.Errorf("clear credential: %w", err)
	}
	m.logger.Info("account disconnected", "user_id", userID, "service", m.service)
	return nil
}

// Status returns the stored record, or a disconnected placeholder.
func (m *Manager) Status(ctx context.Context, userID string) (*domain.Credential, error) {
	cred, err := m.repo.GetCredential(ctx, userID, m.service)
	if errors.Is(err, storage.ErrNotFound) {
		return &domain.Credential{UserID: userID, Service: m.service, State: domain.StateDisconnected}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load credential: %w", err)
	}
	return cred, nil
}

func (m *Manager) load(ctx context.Context, userID string) (*domain.Credential, error) {
	cred, err := m.repo.GetCredential(ctx, userID, m.service)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotConnected
	}
	if err != nil {
		return nil, fmt.Errorf("load credential: %w", err)
	}
	if !cred.Connected() {
		return nil, ErrNotConnected
	}
	return cred, nil
}

func (m *Manager) observe(outcome string) {
	if m.observer != nil {
		m.observer.ObserveCredentialRefresh(outcome)
	}
}
