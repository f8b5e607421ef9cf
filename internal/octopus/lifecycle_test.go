package octopus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diaspora-project/octopus-mcp/internal/access"
	"github.com/diaspora-project/octopus-mcp/internal/auth"
	"github.com/diaspora-project/octopus-mcp/internal/credstore"
	"github.com/diaspora-project/octopus-mcp/internal/session"
)

// stubAuthProvider is a minimal auth.Provider for end-to-end lifecycle
// tests: every exchange succeeds and yields the same subject.
type stubAuthProvider struct{ subject string }

func (s *stubAuthProvider) AuthCodeURL(state string) string { return "https://example.org/?state=" + state }

func (s *stubAuthProvider) ExchangeCode(ctx context.Context, code string) (*auth.Tokens, error) {
	return s.tokens(), nil
}

func (s *stubAuthProvider) Refresh(ctx context.Context, refreshToken string) (*auth.Tokens, error) {
	return s.tokens(), nil
}

func (s *stubAuthProvider) ClientCredentials(ctx context.Context, clientID, clientSecret string) (*auth.Tokens, error) {
	return s.tokens(), nil
}

func (s *stubAuthProvider) Revoke(ctx context.Context, token string) error { return nil }

func (s *stubAuthProvider) tokens() *auth.Tokens {
	return &auth.Tokens{
		Subject:      s.subject,
		AccessToken:  "access",
		RefreshToken: "refresh",
		Expiry:       time.Now().Add(time.Hour),
	}
}

type stubExchanger struct{}

func (stubExchanger) Exchange(ctx context.Context, subject string) (*access.DerivedAccess, error) {
	return &access.DerivedAccess{
		Subject:   subject,
		AuthToken: "msk-token",
		Expiry:    time.Now().Add(15 * time.Minute),
	}, nil
}

// TestLogoutTearsDownWholeSession walks the full stack: login, produce,
// logout, and verifies the next operation fails as unauthenticated with
// the cached handles gone.
func TestLogoutTearsDownWholeSession(t *testing.T) {
	ctx := context.Background()

	store, err := credstore.New(credstore.Config{})
	require.NoError(t, err)
	authn := auth.New(&stubAuthProvider{subject: "u1"}, store)
	t.Cleanup(authn.Stop)

	accessProvider := access.NewProvider(authn, stubExchanger{})
	cluster := newFakeCluster()
	builder := &fakeClusterBuilder{cluster: cluster}
	mgr := session.NewManager(accessProvider, builder)
	t.Cleanup(mgr.Close)
	authn.SetInvalidator(mgr)

	svc := NewService(mgr, 0, 0)

	pending, err := authn.BeginInteractiveLogin("")
	require.NoError(t, err)
	id, err := authn.CompleteInteractiveLogin(ctx, pending.Handle, "code")
	require.NoError(t, err)

	_, err = svc.RegisterTopic(ctx, id, "t1")
	require.NoError(t, err)
	_, err = svc.ProduceOne(ctx, id, "t1", "hello", "", true)
	require.NoError(t, err)

	authn.Logout(ctx, id.Subject)

	_, err = svc.ProduceOne(ctx, id, "t1", "after-logout", "", true)
	assert.ErrorIs(t, err, auth.ErrNotAuthenticated)

	builder.mu.Lock()
	builds := builder.builds
	builder.mu.Unlock()
	assert.Equal(t, 1, builds, "no new handles built after logout")
}
