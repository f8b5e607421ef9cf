package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diaspora-project/octopus-mcp/internal/credstore"
)

// fakeProvider is a scriptable Provider for tests. It counts calls so
// tests can assert how many network exchanges an operation performed.
type fakeProvider struct {
	mu sync.Mutex

	subject string

	exchangeErr error
	refreshErrs []error // popped per call; nil entry means success
	ccErr       error

	exchangeCalls int
	refreshCalls  int
	ccCalls       int
	revokeCalls   int

	tokenTTL time.Duration
}

func newFakeProvider(subject string) *fakeProvider {
	return &fakeProvider{subject: subject, tokenTTL: time.Hour}
}

func (f *fakeProvider) tokens(refresh string) *Tokens {
	return &Tokens{
		Subject:      f.subject,
		AccessToken:  "access",
		RefreshToken: refresh,
		Expiry:       time.Now().Add(f.tokenTTL),
		Scope:        ScopeDiasporaAll,
	}
}

func (f *fakeProvider) AuthCodeURL(state string) string {
	return "https://auth.example.org/authorize?state=" + state
}

func (f *fakeProvider) ExchangeCode(ctx context.Context, code string) (*Tokens, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exchangeCalls++
	if f.exchangeErr != nil {
		return nil, f.exchangeErr
	}
	return f.tokens("refresh"), nil
}

func (f *fakeProvider) Refresh(ctx context.Context, refreshToken string) (*Tokens, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshCalls++
	if len(f.refreshErrs) > 0 {
		err := f.refreshErrs[0]
		f.refreshErrs = f.refreshErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return f.tokens("refresh"), nil
}

func (f *fakeProvider) ClientCredentials(ctx context.Context, clientID, clientSecret string) (*Tokens, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ccCalls++
	if f.ccErr != nil {
		return nil, f.ccErr
	}
	return f.tokens(""), nil
}

func (f *fakeProvider) Revoke(ctx context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revokeCalls++
	return nil
}

type recordingInvalidator struct {
	mu       sync.Mutex
	subjects []string
}

func (r *recordingInvalidator) Invalidate(subject string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subjects = append(r.subjects, subject)
}

func newTestAuthenticator(t *testing.T, provider Provider) *Authenticator {
	t.Helper()
	store, err := credstore.New(credstore.Config{})
	require.NoError(t, err)
	a := New(provider, store)
	t.Cleanup(a.Stop)
	return a
}

func TestInteractiveLoginFlow(t *testing.T) {
	fp := newFakeProvider("sub-1")
	a := newTestAuthenticator(t, fp)

	p, err := a.BeginInteractiveLogin("")
	require.NoError(t, err)
	assert.Contains(t, p.AuthURL, "state="+p.Handle)

	id, err := a.CompleteInteractiveLogin(context.Background(), p.Handle, "good-code")
	require.NoError(t, err)
	assert.Equal(t, "sub-1", id.Subject)
	assert.Equal(t, KindInteractive, id.Kind)
	assert.Equal(t, StateAuthenticated, a.StateOf("sub-1"))
}

func TestBeginRejectsActiveSession(t *testing.T) {
	fp := newFakeProvider("sub-1")
	a := newTestAuthenticator(t, fp)

	p, err := a.BeginInteractiveLogin("")
	require.NoError(t, err)
	_, err = a.CompleteInteractiveLogin(context.Background(), p.Handle, "code")
	require.NoError(t, err)

	_, err = a.BeginInteractiveLogin("sub-1")
	assert.ErrorIs(t, err, ErrAlreadyAuthenticated)
}

func TestCompleteWithoutBegin(t *testing.T) {
	a := newTestAuthenticator(t, newFakeProvider("sub-1"))

	_, err := a.CompleteInteractiveLogin(context.Background(), "no-such-handle", "code")
	assert.ErrorIs(t, err, ErrNoPendingLogin)
}

func TestCompleteRejectedCode(t *testing.T) {
	fp := newFakeProvider("sub-1")
	fp.exchangeErr = markRejected(errors.New("invalid_grant"))
	a := newTestAuthenticator(t, fp)

	p, err := a.BeginInteractiveLogin("")
	require.NoError(t, err)

	_, err = a.CompleteInteractiveLogin(context.Background(), p.Handle, "bad-code")
	assert.ErrorIs(t, err, ErrInvalidOrExpiredCode)
	assert.Equal(t, StateLoggedOut, a.StateOf("sub-1"))

	// The pending record was consumed; a retry needs a fresh begin.
	_, err = a.CompleteInteractiveLogin(context.Background(), p.Handle, "bad-code")
	assert.ErrorIs(t, err, ErrNoPendingLogin)
}

func TestPendingLoginExpires(t *testing.T) {
	fp := newFakeProvider("sub-1")
	a := newTestAuthenticator(t, fp)
	a.pending.expiry = 10 * time.Millisecond

	p, err := a.BeginInteractiveLogin("")
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	_, err = a.CompleteInteractiveLogin(context.Background(), p.Handle, "code")
	assert.ErrorIs(t, err, ErrNoPendingLogin)
	assert.Zero(t, fp.exchangeCalls, "expired pending login must not reach the provider")
}

func TestServiceLoginStoresNoRefreshToken(t *testing.T) {
	fp := newFakeProvider("svc-1")
	a := newTestAuthenticator(t, fp)

	id, err := a.LoginWithServiceCredentials(context.Background(), "cid", "secret")
	require.NoError(t, err)
	assert.Equal(t, KindService, id.Kind)

	ts := a.store.Get("svc-1")
	require.NotNil(t, ts)
	assert.Empty(t, ts.RefreshToken)
}

func TestServiceLoginRequiresCredentials(t *testing.T) {
	a := newTestAuthenticator(t, newFakeProvider("svc-1"))

	_, err := a.LoginWithServiceCredentials(context.Background(), "", "secret")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = a.LoginWithServiceCredentials(context.Background(), "cid", "")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestEnsureValidTokenCacheHit(t *testing.T) {
	fp := newFakeProvider("sub-1")
	a := newTestAuthenticator(t, fp)

	p, _ := a.BeginInteractiveLogin("")
	_, err := a.CompleteInteractiveLogin(context.Background(), p.Handle, "code")
	require.NoError(t, err)

	tok1, err := a.EnsureValidToken(context.Background(), "sub-1")
	require.NoError(t, err)
	tok2, err := a.EnsureValidToken(context.Background(), "sub-1")
	require.NoError(t, err)

	assert.Equal(t, tok1, tok2)
	assert.Zero(t, fp.refreshCalls, "second call within the validity window must not hit the network")
}

func TestEnsureValidTokenRefreshesExpired(t *testing.T) {
	fp := newFakeProvider("sub-1")
	a := newTestAuthenticator(t, fp)

	p, _ := a.BeginInteractiveLogin("")
	_, err := a.CompleteInteractiveLogin(context.Background(), p.Handle, "code")
	require.NoError(t, err)

	// Force the stored token past its expiry.
	require.NoError(t, a.store.Put("sub-1", &credstore.TokenSet{
		AccessToken:  "stale",
		RefreshToken: "refresh",
		Expiry:       time.Now().Add(-time.Minute),
	}))

	tok, err := a.EnsureValidToken(context.Background(), "sub-1")
	require.NoError(t, err)
	assert.Equal(t, "access", tok)
	assert.Equal(t, 1, fp.refreshCalls, "exactly one refresh attempt")
}

func TestRefreshRetriesOnceOnTransientFailure(t *testing.T) {
	fp := newFakeProvider("sub-1")
	fp.refreshErrs = []error{errors.New("connection reset"), nil}
	a := newTestAuthenticator(t, fp)

	require.NoError(t, a.store.Put("sub-1", &credstore.TokenSet{
		AccessToken:  "stale",
		RefreshToken: "refresh",
		Expiry:       time.Now().Add(-time.Minute),
	}))

	tok, err := a.EnsureValidToken(context.Background(), "sub-1")
	require.NoError(t, err)
	assert.Equal(t, "access", tok)
	assert.Equal(t, 2, fp.refreshCalls)
}

func TestRefreshFailsAfterRetry(t *testing.T) {
	fp := newFakeProvider("sub-1")
	fp.refreshErrs = []error{errors.New("timeout"), errors.New("timeout")}
	a := newTestAuthenticator(t, fp)

	require.NoError(t, a.store.Put("sub-1", &credstore.TokenSet{
		AccessToken:  "stale",
		RefreshToken: "refresh",
		Expiry:       time.Now().Add(-time.Minute),
	}))

	_, err := a.EnsureValidToken(context.Background(), "sub-1")
	assert.ErrorIs(t, err, ErrReauthenticationRequired)
	assert.Equal(t, 2, fp.refreshCalls)
}

func TestRefreshRejectionIsNotRetried(t *testing.T) {
	fp := newFakeProvider("sub-1")
	fp.refreshErrs = []error{markRejected(errors.New("invalid_grant"))}
	a := newTestAuthenticator(t, fp)

	require.NoError(t, a.store.Put("sub-1", &credstore.TokenSet{
		AccessToken:  "stale",
		RefreshToken: "refresh",
		Expiry:       time.Now().Add(-time.Minute),
	}))

	_, err := a.EnsureValidToken(context.Background(), "sub-1")
	assert.ErrorIs(t, err, ErrReauthenticationRequired)
	assert.Equal(t, 1, fp.refreshCalls)
}

func TestServiceTokenRederivedTransparently(t *testing.T) {
	fp := newFakeProvider("svc-1")
	a := newTestAuthenticator(t, fp)

	_, err := a.LoginWithServiceCredentials(context.Background(), "cid", "secret")
	require.NoError(t, err)
	assert.Equal(t, 1, fp.ccCalls)

	require.NoError(t, a.store.Put("svc-1", &credstore.TokenSet{
		AccessToken: "stale",
		Expiry:      time.Now().Add(-time.Minute),
	}))

	tok, err := a.EnsureValidToken(context.Background(), "svc-1")
	require.NoError(t, err)
	assert.Equal(t, "access", tok)
	assert.Equal(t, 2, fp.ccCalls, "expired service token re-runs the exchange")
	assert.Zero(t, fp.refreshCalls)
}

func TestEnsureValidTokenNotAuthenticated(t *testing.T) {
	a := newTestAuthenticator(t, newFakeProvider("sub-1"))

	_, err := a.EnsureValidToken(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrNotAuthenticated)
}

func TestLogout(t *testing.T) {
	fp := newFakeProvider("sub-1")
	a := newTestAuthenticator(t, fp)
	inv := &recordingInvalidator{}
	a.SetInvalidator(inv)

	p, _ := a.BeginInteractiveLogin("")
	_, err := a.CompleteInteractiveLogin(context.Background(), p.Handle, "code")
	require.NoError(t, err)

	a.Logout(context.Background(), "sub-1")
	assert.Equal(t, StateLoggedOut, a.StateOf("sub-1"))
	assert.Equal(t, []string{"sub-1"}, inv.subjects)
	assert.Equal(t, 2, fp.revokeCalls, "access and refresh tokens both revoked")

	// Idempotent: a second logout succeeds silently.
	a.Logout(context.Background(), "sub-1")
	assert.Equal(t, StateLoggedOut, a.StateOf("sub-1"))
}

func TestConcurrentEnsureValidTokenSingleRefresh(t *testing.T) {
	fp := newFakeProvider("sub-1")
	a := newTestAuthenticator(t, fp)

	require.NoError(t, a.store.Put("sub-1", &credstore.TokenSet{
		AccessToken:  "stale",
		RefreshToken: "refresh",
		Expiry:       time.Now().Add(-time.Minute),
	}))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := a.EnsureValidToken(context.Background(), "sub-1")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, fp.refreshCalls, "per-identity lock must collapse concurrent refreshes")
}
