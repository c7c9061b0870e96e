package credential

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/url"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailagent/internal/domain"
	"mailagent/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeAuthority struct {
	refreshCalls atomic.Int32
	revokeCalls  atomic.Int32
	refreshErr   error
	revokeErr    error
	refreshDelay time.Duration
	next         atomic.Int32
}

func (f *fakeAuthority) AuthCodeURL(state string) string {
	return "https://auth.example.com/authorize?state=" + url.QueryEscape(state)
}

func (f *fakeAuthority) Exchange(_ context.Context, code string) (*Token, error) {
	if code == "bad" {
		return nil, errors.New("invalid_grant")
	}
	return &Token{
		AccessToken:  "access-" + code,
		RefreshToken: "refresh-" + code,
		TokenType:    "Bearer",
		Expiry:       time.Now().Add(time.Hour),
		Scopes:       []string{"gmail.readonly"},
	}, nil
}

func (f *fakeAuthority) Refresh(_ context.Context, _ string) (*Token, error) {
	f.refreshCalls.Add(1)
	if f.refreshDelay > 0 {
		time.Sleep(f.refreshDelay)
	}
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	n := f.next.Add(1)
	return &Token{AccessToken: "refreshed-" + string(rune('0'+n)), Expiry: time.Now().Add(time.Hour)}, nil
}

func (f *fakeAuthority) Revoke(context.Context, string) error {
	f.revokeCalls.Add(1)
	return f.revokeErr
}

func newTestManager(t *testing.T, auth *fakeAuthority) (*Manager, *storage.Store) {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "cred.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	m := NewManager(ManagerConfig{Repository: store, Authority: auth, Logger: testLogger()})
	return m, store
}

func seed(t *testing.T, store *storage.Store, access string, expiry time.Time) {
	t.Helper()
	require.NoError(t, store.PutCredential(context.Background(), domain.Credential{
		UserID: "u1", Service: "gmail",
		AccessToken: access, RefreshToken: "rt", Expiry: expiry,
		State: domain.StateConnected,
	}))
}

func TestAuthorize_CompleteRoundTrip(t *testing.T) {
	auth := &fakeAuthority{}
	m, _ := newTestManager(t, auth)
	ctx := context.Background()

	authURL, state := m.Authorize(ctx, "u1")
	assert.Contains(t, authURL, url.QueryEscape(state))

	user, err := m.ResolveState(state)
	require.NoError(t, err)
	assert.Equal(t, "u1", user)

	_, err = m.ResolveState(state)
	assert.ErrorIs(t, err, ErrInvalidState, "state is single use")

	cred, err := m.CompleteAuthorization(ctx, user, "abc")
	require.NoError(t, err)
	assert.Equal(t, "access-abc", cred.AccessToken)
	assert.Equal(t, domain.StateConnected, cred.State)

	got, err := m.GetValidCredential(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "access-abc", got.AccessToken)
	assert.Zero(t, auth.refreshCalls.Load())
}

func TestResolveState_Expired(t *testing.T) {
	m, _ := newTestManager(t, &fakeAuthority{})
	now := time.Now()
	m.now = func() time.Time { return now }
	_, state := m.Authorize(context.Background(), "u1")

	now = now.Add(11 * time.Minute)
	_, err := m.ResolveState(state)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestCompleteAuthorization_ExchangeFailure(t *testing.T) {
	m, store := newTestManager(t, &fakeAuthority{})
	_, err := m.CompleteAuthorization(context.Background(), "u1", "bad")
	assert.Error(t, err)

	_, err = store.GetCredential(context.Background(), "u1", "gmail")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestGetValidCredential_NotConnected(t *testing.T) {
	m, _ := newTestManager(t, &fakeAuthority{})
	_, err := m.GetValidCredential(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestGetValidCredential_RefreshesExpired(t *testing.T) {
	auth := &fakeAuthority{}
	m, store := newTestManager(t, auth)
	seed(t, store, "old", time.Now().Add(-time.Minute))

	cred, err := m.GetValidCredential(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "refreshed-1", cred.AccessToken)
	assert.Equal(t, "rt", cred.RefreshToken, "refresh token kept when authority omits it")
	assert.Equal(t, int32(1), auth.refreshCalls.Load())

	stored, err := store.GetCredential(context.Background(), "u1", "gmail")
	require.NoError(t, err)
	assert.Equal(t, "refreshed-1", stored.AccessToken)
}

func TestGetValidCredential_RefreshWithinSkew(t *testing.T) {
	auth := &fakeAuthority{}
	m, store := newTestManager(t, auth)
	seed(t, store, "old", time.Now().Add(30*time.Second))

	cred, err := m.GetValidCredential(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "refreshed-1", cred.AccessToken)
}

func TestGetValidCredential_ConcurrentCallersRefreshOnce(t *testing.T) {
	auth := &fakeAuthority{refreshDelay: 20 * time.Millisecond}
	m, store := newTestManager(t, auth)
	seed(t, store, "old", time.Now().Add(-time.Minute))

	var wg sync.WaitGroup
	tokens := make([]string, 10)
	for i := range tokens {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cred, err := m.GetValidCredential(context.Background(), "u1")
			if err == nil {
				tokens[i] = cred.AccessToken
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), auth.refreshCalls.Load())
	for _, tok := range tokens {
		assert.Equal(t, "refreshed-1", tok)
	}
}

func TestForceRefresh_SkipsWhenAlreadyReplaced(t *testing.T) {
	auth := &fakeAuthority{}
	m, store := newTestManager(t, auth)
	seed(t, store, "current", time.Now().Add(time.Hour))

	cred, err := m.ForceRefresh(context.Background(), "u1", "stale")
	require.NoError(t, err)
	assert.Equal(t, "current", cred.AccessToken)
	assert.Zero(t, auth.refreshCalls.Load())

	cred, err = m.ForceRefresh(context.Background(), "u1", "current")
	require.NoError(t, err)
	assert.Equal(t, "refreshed-1", cred.AccessToken)
	assert.Equal(t, int32(1), auth.refreshCalls.Load())
}

func TestRefreshFailure_RequiresReauthorization(t *testing.T) {
	auth := &fakeAuthority{refreshErr: errors.New("invalid_grant")}
	m, store := newTestManager(t, auth)
	seed(t, store, "old", time.Now().Add(-time.Minute))

	_, err := m.GetValidCredential(context.Background(), "u1")
	assert.ErrorIs(t, err, ErrReauthorizationRequired)
	assert.Equal(t, int32(1), auth.refreshCalls.Load())
}

func TestRevoke_ClearsEvenWhenAuthorityFails(t *testing.T) {
	auth := &fakeAuthority{revokeErr: errors.New("authority down")}
	m, store := newTestManager(t, auth)
	seed(t, store, "at", time.Now().Add(time.Hour))

	require.NoError(t, m.Revoke(context.Background(), "u1"))
	assert.Equal(t, int32(1), auth.revokeCalls.Load())

	cred, err := store.GetCredential(context.Background(), "u1", "gmail")
	require.NoError(t, err)
	assert.Equal(t, domain.StateDisconnected, cred.State)
	assert.Empty(t, cred.AccessToken)
	assert.Empty(t, cred.RefreshToken)

	_, err = m.GetValidCredential(context.Background(), "u1")
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestRevoke_UnknownUser(t *testing.T) {
	auth := &fakeAuthority{}
	m, _ := newTestManager(t, auth)
	assert.NoError(t, m.Revoke(context.Background(), "ghost"))
	assert.Zero(t, auth.revokeCalls.Load())
}

func TestStatus(t *testing.T) {
	m, store := newTestManager(t, &fakeAuthority{})
	st, err := m.Status(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateDisconnected, st.State)

	seed(t, store, "at", time.Now().Add(time.Hour))
	st, err = m.Status(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateConnected, st.State)
}
