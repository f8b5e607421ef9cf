// Package credstore holds per-identity authentication material for the
// Diaspora session manager.
//
// The store owns one TokenSet per identity. Tokens are mutated only by the
// authenticator (on login and refresh) and cleared on logout. Expiry is
// always consulted before a token is handed out: a TokenSet past its expiry
// is reported as expired rather than returned as usable.
//
// SECURITY: this store handles OAuth credentials. Files are written with
// 0600 permissions into a 0700 directory, token values are never logged,
// and expiry checks include a safety buffer so a token about to lapse is
// not used for a long-running operation.
package credstore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/diaspora-project/octopus-mcp/pkg/logging"
)

// ExpiryBuffer is the margin applied when checking token validity. It
// accounts for clock skew, network latency, and in-flight operations that
// outlive the check.
const ExpiryBuffer = 60 * time.Second

// TokenSet is the authentication material held for one identity.
type TokenSet struct {
	// AccessToken is the bearer token presented to downstream services.
	AccessToken string `json:"access_token"`

	// RefreshToken is present only for the interactive login flow.
	// Service-credential identities re-derive tokens directly instead.
	RefreshToken string `json:"refresh_token,omitempty"`

	// Expiry is when the access token expires.
	Expiry time.Time `json:"expiry"`

	// Scope is the space-separated scope string the token was granted.
	Scope string `json:"scope,omitempty"`

	// CreatedAt is when the token set was stored.
	CreatedAt time.Time `json:"created_at"`
}

// Valid reports whether the access token is still usable, applying
// ExpiryBuffer. A zero Expiry means the token does not expire.
func (t *TokenSet) Valid() bool {
	if t == nil || t.AccessToken == "" {
		return false
	}
	if t.Expiry.IsZero() {
		return true
	}
	return time.Now().Add(ExpiryBuffer).Before(t.Expiry)
}

// ToOAuth2Token converts the TokenSet to an oauth2.Token for use with
// golang.org/x/oauth2 token sources.
func (t *TokenSet) ToOAuth2Token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		TokenType:    "Bearer",
		Expiry:       t.Expiry,
	}
}

// Config configures the credential store.
type Config struct {
	// StorageDir is the directory for persisted token files. Ignored
	// unless FileMode is set.
	StorageDir string

	// FileMode enables file persistence so a restarted server keeps its
	// sessions. If false, tokens live in memory only.
	FileMode bool
}

// Store provides thread-safe per-identity TokenSet storage.
type Store struct {
	mu         sync.RWMutex
	tokens     map[string]*TokenSet
	storageDir string
	fileMode   bool
}

// New creates a credential store. When cfg.FileMode is set the storage
// directory is created with owner-only permissions.
func New(cfg Config) (*Store, error) {
	s := &Store{
		tokens:     make(map[string]*TokenSet),
		storageDir: cfg.StorageDir,
		fileMode:   cfg.FileMode,
	}
	if cfg.FileMode {
		if s.storageDir == "" {
			return nil, fmt.Errorf("credstore: file mode requires a storage directory")
		}
		if err := os.MkdirAll(s.storageDir, 0700); err != nil {
			return nil, fmt.Errorf("credstore: create storage directory: %w", err)
		}
	}
	return s, nil
}

// Put stores the TokenSet for an identity, replacing any previous one.
func (s *Store) Put(subject string, ts *TokenSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ts.CreatedAt.IsZero() {
		ts.CreatedAt = time.Now()
	}
	s.tokens[subject] = ts

	if s.fileMode {
		if err := s.writeTokenFile(subject, ts); err != nil {
			logging.Warn("CredStore", "Token persistence failed for identity %s: %v", subject, err)
			return fmt.Errorf("credstore: persist token: %w", err)
		}
	}

	logging.Info("CredStore", "Token stored for identity %s (expiry=%s, has_refresh=%t)",
		subject, ts.Expiry.Format(time.RFC3339), ts.RefreshToken != "")
	return nil
}

// Get retrieves the TokenSet for an identity, expired or not. Returns nil
// if none exists. Callers decide between use, refresh, and re-derivation
// based on TokenSet.Valid and RefreshToken presence.
func (s *Store) Get(subject string) *TokenSet {
	s.mu.RLock()
	if ts, ok := s.tokens[subject]; ok {
		s.mu.RUnlock()
		return ts
	}
	s.mu.RUnlock()

	if !s.fileMode {
		return nil
	}

	// Slow path: load from disk and cache under the write lock.
	s.mu.Lock()
	defer s.mu.Unlock()
	if ts, ok := s.tokens[subject]; ok {
		return ts
	}
	ts, err := s.readTokenFile(subject)
	if err != nil {
		return nil
	}
	s.tokens[subject] = ts
	return ts
}

// Clear removes the TokenSet for an identity. Clearing an identity that
// has no token is a no-op.
func (s *Store) Clear(subject string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.tokens, subject)
	if s.fileMode {
		if err := os.Remove(s.tokenPath(subject)); err != nil && !os.IsNotExist(err) {
			logging.Warn("CredStore", "Token file removal failed for identity %s: %v", subject, err)
		}
	}
	logging.Info("CredStore", "Token cleared for identity %s", subject)
}

// tokenPath maps an identity to a filesystem-safe file name via SHA-256,
// so arbitrary subject strings cannot escape the storage directory.
func (s *Store) tokenPath(subject string) string {
	sum := sha256.Sum256([]byte(subject))
	return filepath.Join(s.storageDir, hex.EncodeToString(sum[:16])+".json")
}

func (s *Store) writeTokenFile(subject string, ts *TokenSet) error {
	data, err := json.MarshalIndent(ts, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.tokenPath(subject), data, 0600)
}

func (s *Store) readTokenFile(subject string) (*TokenSet, error) {
	// #nosec G304 -- the path is derived from a hash, not user input
	data, err := os.ReadFile(s.tokenPath(subject))
	if err != nil {
		return nil, err
	}
	var ts TokenSet
	if err := json.Unmarshal(data, &ts); err != nil {
		return nil, fmt.Errorf("credstore: unmarshal token file: %w", err)
	}
	return &ts, nil
}
