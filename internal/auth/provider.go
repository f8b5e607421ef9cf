package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/diaspora-project/octopus-mcp/pkg/logging"
)

// Tokens is the result of a successful exchange with the authorization
// service: verified identity plus the issued token material.
type Tokens struct {
	Subject      string
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	Scope        string
}

// Provider is the narrow contract with the external authorization service.
// Implementations must wrap definitive rejections (bad code, bad
// credentials, revoked refresh token) with markRejected so the
// authenticator can distinguish them from transient failures.
type Provider interface {
	// AuthCodeURL returns the URL the user visits to approve access.
	// The state parameter links the callback to the pending login.
	AuthCodeURL(state string) string

	// ExchangeCode exchanges a one-time authorization code for tokens.
	ExchangeCode(ctx context.Context, code string) (*Tokens, error)

	// Refresh exchanges a refresh token for a fresh token set.
	Refresh(ctx context.Context, refreshToken string) (*Tokens, error)

	// ClientCredentials performs the client-credentials grant.
	ClientCredentials(ctx context.Context, clientID, clientSecret string) (*Tokens, error)

	// Revoke invalidates a token at the authorization service.
	Revoke(ctx context.Context, token string) error
}

// Globus authorization service endpoints and scopes.
const (
	globusAuthBase     = "https://auth.globus.org/v2/oauth2"
	globusAuthorizeURL = globusAuthBase + "/authorize"
	globusTokenURL     = globusAuthBase + "/token"
	globusUserinfoURL  = globusAuthBase + "/userinfo"
	globusRevokeURL    = globusAuthBase + "/token/revoke"

	// ScopeOpenID is required so the subject claim can be resolved.
	ScopeOpenID = "openid"

	// ScopeDiasporaAll grants produce/consume/registry access to the
	// Diaspora event fabric.
	ScopeDiasporaAll = "https://auth.globus.org/scopes/2b9d2f5c-fa32-45b5-875b-b24cd343b917/action_all"
)

// GlobusProvider implements Provider against Globus Auth using the
// standard OAuth2 flows.
type GlobusProvider struct {
	config     oauth2.Config
	httpClient *http.Client
}

// NewGlobusProvider creates a provider for the given native-app client ID.
func NewGlobusProvider(clientID string) *GlobusProvider {
	return &GlobusProvider{
		config: oauth2.Config{
			ClientID: clientID,
			Endpoint: oauth2.Endpoint{
				AuthURL:  globusAuthorizeURL,
				TokenURL: globusTokenURL,
			},
			Scopes: []string{ScopeOpenID, ScopeDiasporaAll},
		},
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// AuthCodeURL returns the authorization URL for the interactive flow.
// The offline_access prompt asks Globus to issue a refresh token.
func (p *GlobusProvider) AuthCodeURL(state string) string {
	return p.config.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "login"),
	)
}

// ExchangeCode exchanges an authorization code for tokens and resolves the
// subject via the userinfo endpoint.
func (p *GlobusProvider) ExchangeCode(ctx context.Context, code string) (*Tokens, error) {
	tok, err := p.config.Exchange(p.withClient(ctx), strings.TrimSpace(code))
	if err != nil {
		return nil, classifyOAuthErr(err, "code exchange")
	}
	return p.resolveSubject(ctx, tok)
}

// Refresh exchanges a refresh token for a fresh token set.
func (p *GlobusProvider) Refresh(ctx context.Context, refreshToken string) (*Tokens, error) {
	src := p.config.TokenSource(p.withClient(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, classifyOAuthErr(err, "token refresh")
	}
	return p.resolveSubject(ctx, tok)
}

// ClientCredentials performs the client-credentials grant for a
// confidential client.
func (p *GlobusProvider) ClientCredentials(ctx context.Context, clientID, clientSecret string) (*Tokens, error) {
	cc := clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     globusTokenURL,
		Scopes:       []string{ScopeOpenID, ScopeDiasporaAll},
	}
	tok, err := cc.Token(p.withClient(ctx))
	if err != nil {
		return nil, classifyOAuthErr(err, "client credentials grant")
	}
	return p.resolveSubject(ctx, tok)
}

// Revoke invalidates a token at Globus Auth. Best effort: a failed
// revocation is logged by the caller, not retried.
func (p *GlobusProvider) Revoke(ctx context.Context, token string) error {
	body := strings.NewReader("token=" + token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, globusRevokeURL, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(p.config.ClientID, "")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("revoke request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("revoke returned status %d", resp.StatusCode)
	}
	return nil
}

// resolveSubject calls the userinfo endpoint with the fresh access token
// to obtain the OpenID subject, then assembles the Tokens value.
func (p *GlobusProvider) resolveSubject(ctx context.Context, tok *oauth2.Token) (*Tokens, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, globusUserinfoURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("userinfo request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("userinfo returned status %d", resp.StatusCode)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, markRejected(err)
		}
		return nil, err
	}

	var info struct {
		Sub string `json:"sub"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("decode userinfo: %w", err)
	}
	if info.Sub == "" {
		return nil, markRejected(fmt.Errorf("userinfo response missing subject"))
	}

	scope, _ := tok.Extra("scope").(string)
	logging.Debug("Auth", "Resolved subject %s from userinfo", info.Sub)
	return &Tokens{
		Subject:      info.Sub,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
		Scope:        scope,
	}, nil
}

// withClient plumbs our timeout-bearing HTTP client into the oauth2
// package via its context convention.
func (p *GlobusProvider) withClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
}

// classifyOAuthErr maps oauth2 errors onto the rejection/transient split.
// A 4xx token-endpoint response is a definitive rejection; everything else
// is treated as transient.
func classifyOAuthErr(err error, op string) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil &&
		re.Response.StatusCode >= 400 && re.Response.StatusCode < 500 {
		return markRejected(fmt.Errorf("%s rejected: %w", op, err))
	}
	return fmt.Errorf("%s failed: %w", op, err)
}
