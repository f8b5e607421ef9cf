package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/diaspora-project/octopus-mcp/internal/access"
	"github.com/diaspora-project/octopus-mcp/pkg/logging"
)

// ErrClientConstructionFailed indicates cluster clients could not be
// built from fresh credentials. Retryable: the failure is not cached, so
// the next acquisition starts from scratch.
var ErrClientConstructionFailed = errors.New("client construction failed")

// AccessProvider yields current derived access for an identity.
// Satisfied by the derived-access provider.
type AccessProvider interface {
	GetAccess(ctx context.Context, subject string) (*access.DerivedAccess, error)
	Invalidate(subject string)
}

// Builder constructs the three cluster handles from derived access. The
// returned closer tears all of them down. Builders must observe ctx so a
// cancelled tool call does not leave a half-constructed set behind.
type Builder interface {
	Build(ctx context.Context, da *access.DerivedAccess) (TopicAdmin, Producer, Consumer, func(), error)
}

// Manager is the client cache: one lazily built HandleSet per identity.
type Manager struct {
	access  AccessProvider
	builder Builder

	group singleflight.Group

	mu      sync.Mutex
	handles map[string]*HandleSet
}

// NewManager creates a client cache over the given access provider and
// handle builder.
func NewManager(access AccessProvider, builder Builder) *Manager {
	return &Manager{
		access:  access,
		builder: builder,
		handles: make(map[string]*HandleSet),
	}
}

// Acquire returns a live HandleSet for the identity, building one if none
// is cached or the cached set was built from rotated credentials. The
// caller must Release the set when its operation completes.
func (m *Manager) Acquire(ctx context.Context, subject string) (*HandleSet, error) {
	// Two rounds at most: the second covers a rotation that lands
	// between the singleflight build and our generation check.
	for attempt := 0; attempt < 2; attempt++ {
		da, err := m.access.GetAccess(ctx, subject)
		if err != nil {
			return nil, err
		}

		m.mu.Lock()
		current := m.handles[subject]
		if current != nil && current.BuiltFrom.Equal(da.Expiry) {
			current.acquire()
			m.mu.Unlock()
			return current, nil
		}
		m.mu.Unlock()

		set, err := m.build(ctx, subject, da)
		if err != nil {
			return nil, err
		}
		if set.BuiltFrom.Equal(da.Expiry) {
			return set, nil
		}
		// Another caller rebuilt against newer credentials while we
		// were in flight; release and re-evaluate.
		set.Release()
	}
	return nil, fmt.Errorf("identity %s: credentials rotated repeatedly during acquisition: %w",
		subject, ErrClientConstructionFailed)
}

// build collapses concurrent constructions for one identity into a single
// builder call, swaps the result in atomically, and retires the previous
// set.
func (m *Manager) build(ctx context.Context, subject string, da *access.DerivedAccess) (*HandleSet, error) {
	v, err, _ := m.group.Do(subject, func() (interface{}, error) {
		// Re-check under the flight: a previous flight may already have
		// installed a set of the right generation.
		m.mu.Lock()
		if current := m.handles[subject]; current != nil && current.BuiltFrom.Equal(da.Expiry) {
			m.mu.Unlock()
			return current, nil
		}
		m.mu.Unlock()

		admin, producer, consumer, closer, err := m.builder.Build(ctx, da)
		if err != nil {
			return nil, fmt.Errorf("identity %s: %w: %v", subject, ErrClientConstructionFailed, err)
		}
		set := newHandleSet(admin, producer, consumer, da.Expiry, closer)

		m.mu.Lock()
		old := m.handles[subject]
		m.handles[subject] = set
		m.mu.Unlock()

		if old != nil {
			old.retire()
		}
		logging.Info("Session", "Built cluster handles for identity %s (generation=%s)",
			subject, da.Expiry.Format("15:04:05.000"))
		return set, nil
	})
	if err != nil {
		return nil, err
	}

	set := v.(*HandleSet)
	m.mu.Lock()
	// The set may have been retired by an Invalidate racing the flight;
	// hand out references only to the currently installed set.
	if m.handles[subject] != set {
		m.mu.Unlock()
		return nil, fmt.Errorf("identity %s: handles invalidated during construction: %w",
			subject, ErrClientConstructionFailed)
	}
	set.acquire()
	m.mu.Unlock()
	return set, nil
}

// Invalidate closes and drops the identity's handles and its derived
// access. Called on logout, and by operations that observe an
// authorization failure on a handle, so the next acquisition rebuilds
// from fresh credentials instead of retrying with dead ones.
func (m *Manager) Invalidate(subject string) {
	m.mu.Lock()
	set := m.handles[subject]
	delete(m.handles, subject)
	m.mu.Unlock()

	m.access.Invalidate(subject)
	if set != nil {
		set.retire()
		logging.Info("Session", "Invalidated cluster handles for identity %s", subject)
	}
}

// Close retires every cached handle set. Called on process shutdown.
func (m *Manager) Close() {
	m.mu.Lock()
	sets := make([]*HandleSet, 0, len(m.handles))
	for subject, set := range m.handles {
		sets = append(sets, set)
		delete(m.handles, subject)
	}
	m.mu.Unlock()

	for _, set := range sets {
		set.retire()
	}
}
