package auth

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/diaspora-project/octopus-mcp/pkg/logging"
)

// PendingExpiry bounds how long an interactive login may sit between
// BeginInteractiveLogin and CompleteInteractiveLogin. Past this window the
// authorization URL is invalid and the login reverts to LOGGED_OUT.
const PendingExpiry = 10 * time.Minute

// PendingLogin is the stored record for an interactive login in flight.
// The two halves of the flow may arrive arbitrarily far apart or on
// different workers, so the pending step is explicit state, not suspended
// control flow.
type PendingLogin struct {
	Handle    string
	AuthURL   string
	CreatedAt time.Time
}

// pendingStore provides thread-safe storage for pending interactive
// logins with bounded lifetime and background cleanup.
type pendingStore struct {
	mu      sync.Mutex
	pending map[string]*PendingLogin

	expiry      time.Duration
	stopCleanup chan struct{}
	stopOnce    sync.Once
}

func newPendingStore() *pendingStore {
	ps := &pendingStore{
		pending:     make(map[string]*PendingLogin),
		expiry:      PendingExpiry,
		stopCleanup: make(chan struct{}),
	}
	go ps.cleanupLoop()
	return ps
}

// Create registers a new pending login and returns its handle. The handle
// doubles as the OAuth state parameter, linking the callback code to this
// record.
func (ps *pendingStore) Create(authURLFor func(state string) string) *PendingLogin {
	handle := uuid.NewString()
	p := &PendingLogin{
		Handle:    handle,
		AuthURL:   authURLFor(handle),
		CreatedAt: time.Now(),
	}

	ps.mu.Lock()
	ps.pending[handle] = p
	ps.mu.Unlock()

	logging.Debug("Auth", "Created pending login %s", handle)
	return p
}

// Consume looks up a pending login by handle and removes it, preventing
// replay. Returns nil if the handle is unknown or the record expired.
func (ps *pendingStore) Consume(handle string) *PendingLogin {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	p, ok := ps.pending[handle]
	if !ok {
		return nil
	}
	delete(ps.pending, handle)

	if time.Since(p.CreatedAt) > ps.expiry {
		logging.Warn("Auth", "Pending login %s expired (age=%v)", handle, time.Since(p.CreatedAt))
		return nil
	}
	return p
}

// Stop terminates the background cleanup goroutine.
func (ps *pendingStore) Stop() {
	ps.stopOnce.Do(func() { close(ps.stopCleanup) })
}

func (ps *pendingStore) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ps.cleanup()
		case <-ps.stopCleanup:
			return
		}
	}
}

func (ps *pendingStore) cleanup() {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	count := 0
	for handle, p := range ps.pending {
		if time.Since(p.CreatedAt) > ps.expiry {
			delete(ps.pending, handle)
			count++
		}
	}
	if count > 0 {
		logging.Debug("Auth", "Cleaned up %d expired pending logins", count)
	}
}
