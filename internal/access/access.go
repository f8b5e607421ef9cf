// Package access derives short-lived, scoped credentials for the Octopus
// cluster from an identity's long-lived session.
//
// Every authenticated subject maps to a dedicated IAM role on the MSK
// account (arn:aws:iam::<account>:role/ap/<subject>-role). The provider
// first confirms the identity still holds a valid authorization token,
// then assumes that role and mints a SASL/OAUTHBEARER auth token for the
// brokers. Derived credentials are cached per identity strictly within
// their own TTL and are re-derived, never extended.
package access

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/diaspora-project/octopus-mcp/pkg/logging"
)

var (
	// ErrAccessDenied indicates the downstream exchange rejected the
	// identity (missing scope, no provisioned role). Terminal: retrying
	// without re-provisioning will not help.
	ErrAccessDenied = errors.New("downstream access denied")

	// ErrDownstreamUnavailable indicates a network or service failure
	// during the exchange. Callers may retry with backoff.
	ErrDownstreamUnavailable = errors.New("downstream service unavailable")
)

// SafetyMargin is subtracted from a derived credential's expiry when
// deciding whether the cached value is still usable, so an in-flight
// operation never starts on a credential about to lapse.
const SafetyMargin = 60 * time.Second

// DerivedAccess is a time-bounded credential for the Octopus cluster.
// It never outlives process memory.
type DerivedAccess struct {
	// Subject is the identity the credential was derived for.
	Subject string

	// AuthToken is the SASL/OAUTHBEARER token presented to the brokers.
	AuthToken string

	// Expiry is when the credential stops being accepted. Consumers must
	// not use the credential past this instant.
	Expiry time.Time
}

// TokenSource yields a valid authorization token for an identity,
// refreshing as needed. Satisfied by the authenticator.
type TokenSource interface {
	EnsureValidToken(ctx context.Context, subject string) (string, error)
}

// Exchanger performs the actual credential exchange against the role
// assumption service. Implementations wrap failures in ErrAccessDenied or
// ErrDownstreamUnavailable.
type Exchanger interface {
	Exchange(ctx context.Context, subject string) (*DerivedAccess, error)
}

// Provider caches derived credentials per identity and re-derives them
// when they approach expiry.
type Provider struct {
	tokens    TokenSource
	exchanger Exchanger
	margin    time.Duration

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	cache map[string]*DerivedAccess
}

// NewProvider creates a derived-access provider with the default safety
// margin.
func NewProvider(tokens TokenSource, exchanger Exchanger) *Provider {
	return &Provider{
		tokens:    tokens,
		exchanger: exchanger,
		margin:    SafetyMargin,
		locks:     make(map[string]*sync.Mutex),
		cache:     make(map[string]*DerivedAccess),
	}
}

func (p *Provider) lockFor(subject string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.locks[subject]
	if !ok {
		l = &sync.Mutex{}
		p.locks[subject] = l
	}
	return l
}

// GetAccess returns current derived access for the identity, from cache
// while comfortably inside the credential's TTL, freshly exchanged
// otherwise. The identity's authorization token is validated (and
// refreshed if necessary) before any exchange.
func (p *Provider) GetAccess(ctx context.Context, subject string) (*DerivedAccess, error) {
	l := p.lockFor(subject)
	l.Lock()
	defer l.Unlock()

	p.mu.Lock()
	cached := p.cache[subject]
	p.mu.Unlock()
	if cached != nil && time.Now().Add(p.margin).Before(cached.Expiry) {
		return cached, nil
	}

	// The session token gates the exchange: an identity whose session
	// lapsed must not receive fresh cluster credentials.
	if _, err := p.tokens.EnsureValidToken(ctx, subject); err != nil {
		return nil, err
	}

	da, err := p.exchanger.Exchange(ctx, subject)
	if err != nil {
		return nil, fmt.Errorf("identity %s: %w", subject, err)
	}

	p.mu.Lock()
	p.cache[subject] = da
	p.mu.Unlock()

	logging.Info("Access", "Derived cluster access for identity %s (expiry=%s)",
		subject, da.Expiry.Format(time.RFC3339))
	return da, nil
}

// Invalidate drops any cached derived access for the identity. Called on
// logout alongside client-cache invalidation.
func (p *Provider) Invalidate(subject string) {
	p.mu.Lock()
	delete(p.cache, subject)
	p.mu.Unlock()
	logging.Debug("Access", "Dropped derived access for identity %s", subject)
}
