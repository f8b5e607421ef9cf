package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// ProduceResult reports where a produced message landed.
type ProduceResult struct {
	Partition int32
	Offset    int64
	Timestamp time.Time
}

// Record is a message read back from the cluster.
type Record struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Timestamp time.Time
}

// TopicAdmin is the administrative handle for one identity's topics.
// Implementations surface cluster conditions (topic exists, topic not
// found, authorization failure) as typed errors the operations layer can
// classify.
type TopicAdmin interface {
	CreateTopic(ctx context.Context, topic string) error
	DeleteTopic(ctx context.Context, topic string) error
	ListTopics(ctx context.Context) ([]string, error)
}

// Producer is the data-plane write handle.
type Producer interface {
	Produce(ctx context.Context, topic string, key, value []byte) (ProduceResult, error)
}

// Consumer is the data-plane read handle.
type Consumer interface {
	ConsumeLatest(ctx context.Context, topic string, wait time.Duration) (*Record, error)
}

// HandleSet is one identity's constructed cluster clients plus the
// generation marker of the derived access they were built from.
//
// A HandleSet is reference counted: the manager acquires a reference on
// behalf of each operation, and the operation releases it when done.
// A retired set (swapped out or invalidated) closes its underlying
// clients exactly once, after the last reference is released.
type HandleSet struct {
	Admin    TopicAdmin
	Producer Producer
	Consumer Consumer

	// BuiltFrom is the expiry of the DerivedAccess the handles were
	// constructed from. A mismatch with the current derived access
	// forces a rebuild.
	BuiltFrom time.Time

	closer    func()
	refs      atomic.Int64
	retired   atomic.Bool
	closeOnce sync.Once
}

func newHandleSet(admin TopicAdmin, producer Producer, consumer Consumer, builtFrom time.Time, closer func()) *HandleSet {
	return &HandleSet{
		Admin:     admin,
		Producer:  producer,
		Consumer:  consumer,
		BuiltFrom: builtFrom,
		closer:    closer,
	}
}

func (h *HandleSet) acquire() {
	h.refs.Add(1)
}

// Release returns the reference taken by Acquire. Operations must not
// touch the handles after releasing.
func (h *HandleSet) Release() {
	if h.refs.Add(-1) == 0 && h.retired.Load() {
		h.close()
	}
}

// retire marks the set as no longer current. It closes immediately when
// no operation holds a reference, otherwise the last Release closes it.
func (h *HandleSet) retire() {
	h.retired.Store(true)
	if h.refs.Load() == 0 {
		h.close()
	}
}

func (h *HandleSet) close() {
	h.closeOnce.Do(func() {
		if h.closer != nil {
			h.closer()
		}
	})
}
