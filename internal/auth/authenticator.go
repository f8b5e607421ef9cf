package auth

import (
	"context"
	"fmt"
	"sync"

	"github.com/diaspora-project/octopus-mcp/internal/credstore"
	"github.com/diaspora-project/octopus-mcp/pkg/logging"
)

// Invalidator is notified when an identity's session ends so derived
// clients can be torn down. Implemented by the session manager; injected
// late via SetInvalidator because the session manager depends on the
// authenticator, not the other way around.
type Invalidator interface {
	Invalidate(subject string)
}

// Authenticator drives the two login protocols and owns the refresh path.
// All methods are safe for concurrent use; token read-check-refresh-write
// sequences run inside a per-identity critical section.
type Authenticator struct {
	provider Provider
	store    *credstore.Store
	pending  *pendingStore

	mu           sync.Mutex
	locks        map[string]*sync.Mutex
	identities   map[string]Identity
	serviceCreds map[string]serviceCredential
	invalidator  Invalidator
}

// serviceCredential retains the client credentials of a service identity
// so an expired token can be re-derived without caller involvement.
type serviceCredential struct {
	clientID     string
	clientSecret string
}

// New creates an Authenticator over the given provider and credential
// store.
func New(provider Provider, store *credstore.Store) *Authenticator {
	return &Authenticator{
		provider:     provider,
		store:        store,
		pending:      newPendingStore(),
		locks:        make(map[string]*sync.Mutex),
		identities:   make(map[string]Identity),
		serviceCreds: make(map[string]serviceCredential),
	}
}

// SetInvalidator wires in the session manager's invalidation hook.
func (a *Authenticator) SetInvalidator(inv Invalidator) {
	a.mu.Lock()
	a.invalidator = inv
	a.mu.Unlock()
}

// Stop terminates background maintenance.
func (a *Authenticator) Stop() {
	a.pending.Stop()
}

// lockFor returns the mutex guarding one identity's token state. Distinct
// identities never contend with each other.
func (a *Authenticator) lockFor(subject string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.locks[subject]
	if !ok {
		l = &sync.Mutex{}
		a.locks[subject] = l
	}
	return l
}

// BeginInteractiveLogin starts the native-app authorization flow and
// returns the URL the user must visit plus the handle to pass to
// CompleteInteractiveLogin. currentSubject is the identity already bound
// to the caller's session, or empty; beginning a login over an unexpired
// session fails with ErrAlreadyAuthenticated.
func (a *Authenticator) BeginInteractiveLogin(currentSubject string) (*PendingLogin, error) {
	if currentSubject != "" && a.store.Get(currentSubject).Valid() {
		return nil, fmt.Errorf("identity %s: %w", currentSubject, ErrAlreadyAuthenticated)
	}

	p := a.pending.Create(a.provider.AuthCodeURL)
	logging.Info("Auth", "Interactive login started (handle=%s)", p.Handle)
	return p, nil
}

// CompleteInteractiveLogin exchanges the authorization code brought back
// by the user for a token set, stores it, and returns the established
// identity. A rejected exchange reverts the login to LOGGED_OUT.
func (a *Authenticator) CompleteInteractiveLogin(ctx context.Context, handle, code string) (Identity, error) {
	if a.pending.Consume(handle) == nil {
		return Identity{}, ErrNoPendingLogin
	}

	tokens, err := a.provider.ExchangeCode(ctx, code)
	if err != nil {
		logging.Error("Auth", err, "Authorization code exchange failed")
		if IsRejected(err) {
			return Identity{}, fmt.Errorf("%w: %v", ErrInvalidOrExpiredCode, err)
		}
		return Identity{}, err
	}

	id := Identity{Subject: tokens.Subject, Kind: KindInteractive}
	if err := a.storeTokens(id, tokens); err != nil {
		return Identity{}, err
	}
	logging.Info("Auth", "Interactive login completed for identity %s", id.Subject)
	return id, nil
}

// LoginWithServiceCredentials performs the client-credentials grant and
// stores the resulting token set. The credentials are retained in memory
// so EnsureValidToken can re-run the exchange when the token expires.
func (a *Authenticator) LoginWithServiceCredentials(ctx context.Context, clientID, clientSecret string) (Identity, error) {
	if clientID == "" || clientSecret == "" {
		return Identity{}, fmt.Errorf("%w: client id and secret are required", ErrInvalidCredentials)
	}

	tokens, err := a.provider.ClientCredentials(ctx, clientID, clientSecret)
	if err != nil {
		logging.Error("Auth", err, "Client credentials grant failed")
		if IsRejected(err) {
			return Identity{}, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
		}
		return Identity{}, err
	}

	// Service tokens carry no refresh token; re-derivation goes through
	// the retained client credentials instead.
	tokens.RefreshToken = ""

	id := Identity{Subject: tokens.Subject, Kind: KindService}
	if err := a.storeTokens(id, tokens); err != nil {
		return Identity{}, err
	}

	a.mu.Lock()
	a.serviceCreds[id.Subject] = serviceCredential{clientID: clientID, clientSecret: clientSecret}
	a.mu.Unlock()

	logging.Info("Auth", "Service login completed for identity %s", id.Subject)
	return id, nil
}

// EnsureValidToken returns a usable access token for the identity,
// refreshing or re-deriving behind the per-identity lock when the stored
// one has expired. Callers within a token's validity window share the
// cached token without any network exchange.
func (a *Authenticator) EnsureValidToken(ctx context.Context, subject string) (string, error) {
	l := a.lockFor(subject)
	l.Lock()
	defer l.Unlock()

	ts := a.store.Get(subject)
	if ts == nil {
		if cred, ok := a.serviceCredential(subject); ok {
			return a.rederiveService(ctx, subject, cred)
		}
		return "", fmt.Errorf("identity %s: %w", subject, ErrNotAuthenticated)
	}
	if ts.Valid() {
		return ts.AccessToken, nil
	}

	if ts.RefreshToken != "" {
		return a.refresh(ctx, subject, ts.RefreshToken)
	}
	if cred, ok := a.serviceCredential(subject); ok {
		return a.rederiveService(ctx, subject, cred)
	}
	return "", fmt.Errorf("identity %s: token expired with no refresh path: %w", subject, ErrReauthenticationRequired)
}

// refresh attempts the refresh grant, retrying once on a transient
// failure. A rejection or a second transient failure surfaces as
// ErrReauthenticationRequired.
func (a *Authenticator) refresh(ctx context.Context, subject, refreshToken string) (string, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		tokens, err := a.provider.Refresh(ctx, refreshToken)
		if err == nil {
			id, _ := a.identity(subject)
			if err := a.storeTokens(id, tokens); err != nil {
				return "", err
			}
			logging.Info("Auth", "Token refreshed for identity %s", subject)
			return tokens.AccessToken, nil
		}
		lastErr = err
		if IsRejected(err) || ctx.Err() != nil {
			break
		}
		logging.Warn("Auth", "Transient refresh failure for identity %s, retrying once: %v", subject, err)
	}
	return "", fmt.Errorf("identity %s: refresh failed: %v: %w", subject, lastErr, ErrReauthenticationRequired)
}

// rederiveService re-runs the client-credentials exchange for a service
// identity whose token expired.
func (a *Authenticator) rederiveService(ctx context.Context, subject string, cred serviceCredential) (string, error) {
	tokens, err := a.provider.ClientCredentials(ctx, cred.clientID, cred.clientSecret)
	if err != nil {
		if IsRejected(err) {
			return "", fmt.Errorf("identity %s: service credentials no longer accepted: %w", subject, ErrReauthenticationRequired)
		}
		return "", fmt.Errorf("identity %s: service token re-derivation failed: %w", subject, err)
	}
	tokens.RefreshToken = ""
	id := Identity{Subject: subject, Kind: KindService}
	if err := a.storeTokens(id, tokens); err != nil {
		return "", err
	}
	logging.Info("Auth", "Service token re-derived for identity %s", subject)
	return tokens.AccessToken, nil
}

// Logout revokes tokens (best effort), clears stored credentials, and
// invalidates cached clients for the identity. Logging out an identity
// that is already logged out succeeds silently.
func (a *Authenticator) Logout(ctx context.Context, subject string) {
	l := a.lockFor(subject)
	l.Lock()

	if ts := a.store.Get(subject); ts != nil {
		if err := a.provider.Revoke(ctx, ts.AccessToken); err != nil {
			logging.Warn("Auth", "Token revocation failed for identity %s: %v", subject, err)
		}
		if ts.RefreshToken != "" {
			if err := a.provider.Revoke(ctx, ts.RefreshToken); err != nil {
				logging.Warn("Auth", "Refresh token revocation failed for identity %s: %v", subject, err)
			}
		}
	}
	a.store.Clear(subject)

	a.mu.Lock()
	delete(a.identities, subject)
	delete(a.serviceCreds, subject)
	inv := a.invalidator
	a.mu.Unlock()
	l.Unlock()

	if inv != nil {
		inv.Invalidate(subject)
	}
	logging.Info("Auth", "Identity %s logged out", subject)
}

// StateOf reports the login state of an identity.
func (a *Authenticator) StateOf(subject string) State {
	ts := a.store.Get(subject)
	switch {
	case ts == nil:
		return StateLoggedOut
	case ts.Valid():
		return StateAuthenticated
	default:
		return StateExpired
	}
}

// Identity returns the Identity previously established for a subject.
func (a *Authenticator) Identity(subject string) (Identity, bool) {
	return a.identity(subject)
}

func (a *Authenticator) identity(subject string) (Identity, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	id, ok := a.identities[subject]
	if !ok {
		// A token restored from disk predates this process; assume the
		// interactive kind, which is the only persisted one.
		return Identity{Subject: subject, Kind: KindInteractive}, false
	}
	return id, true
}

func (a *Authenticator) serviceCredential(subject string) (serviceCredential, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	cred, ok := a.serviceCreds[subject]
	return cred, ok
}

func (a *Authenticator) storeTokens(id Identity, tokens *Tokens) error {
	if err := a.store.Put(id.Subject, &credstore.TokenSet{
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		Expiry:       tokens.Expiry,
		Scope:        tokens.Scope,
	}); err != nil {
		return err
	}
	a.mu.Lock()
	a.identities[id.Subject] = id
	a.mu.Unlock()
	return nil
}
