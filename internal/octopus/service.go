package octopus

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/diaspora-project/octopus-mcp/internal/auth"
	"github.com/diaspora-project/octopus-mcp/internal/session"
	"github.com/diaspora-project/octopus-mcp/pkg/logging"
)

// Default bounded waits for the data plane.
const (
	DefaultProduceTimeout = 10 * time.Second
	DefaultConsumeWait    = 5 * time.Second
)

// ProduceReceipt reports the outcome of a produce.
type ProduceReceipt struct {
	// Status is "produced" for an acknowledged delivery or "queued" when
	// the caller opted out of waiting for the acknowledgment.
	Status    string    `json:"status"`
	Topic     string    `json:"topic"`
	Partition int32     `json:"partition,omitempty"`
	Offset    int64     `json:"offset,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Message is the caller-visible form of a consumed record. Topic carries
// the name the caller supplied, without the namespace prefix.
type Message struct {
	Topic     string    `json:"topic"`
	Partition int32     `json:"partition"`
	Offset    int64     `json:"offset"`
	Key       string    `json:"key,omitempty"`
	Value     string    `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// Service exposes the topic-registry and data-plane operations. It is
// safe for concurrent use; all per-identity discipline lives in the
// session manager below it.
type Service struct {
	sessions       *session.Manager
	produceTimeout time.Duration
	consumeWait    time.Duration
}

// NewService creates the operations service. Zero timeouts select the
// defaults.
func NewService(sessions *session.Manager, produceTimeout, consumeWait time.Duration) *Service {
	if produceTimeout <= 0 {
		produceTimeout = DefaultProduceTimeout
	}
	if consumeWait <= 0 {
		consumeWait = DefaultConsumeWait
	}
	return &Service{
		sessions:       sessions,
		produceTimeout: produceTimeout,
		consumeWait:    consumeWait,
	}
}

// RegisterTopic creates the identity's topic on the cluster, namespacing
// the supplied name. Registering an existing topic is a no-op success.
// Returns the namespaced name as registered on the cluster.
func (s *Service) RegisterTopic(ctx context.Context, id auth.Identity, name string) (string, error) {
	set, err := s.sessions.Acquire(ctx, id.Subject)
	if err != nil {
		return "", err
	}
	defer set.Release()

	namespaced := id.NamespacePrefix() + name
	err = set.Admin.CreateTopic(ctx, namespaced)
	switch {
	case err == nil:
		logging.Info("Octopus", "Registered topic %s for identity %s", namespaced, id.Subject)
	case errors.Is(err, ErrTopicExists):
		logging.Debug("Octopus", "Topic %s already registered for identity %s", namespaced, id.Subject)
	default:
		return "", s.classifyHandleErr(id, "register topic "+name, err)
	}
	return namespaced, nil
}

// UnregisterTopic deletes the identity's topic. Deleting a topic that was
// never registered is a no-op success, so retries are safe.
func (s *Service) UnregisterTopic(ctx context.Context, id auth.Identity, name string) error {
	set, err := s.sessions.Acquire(ctx, id.Subject)
	if err != nil {
		return err
	}
	defer set.Release()

	namespaced := id.NamespacePrefix() + name
	err = set.Admin.DeleteTopic(ctx, namespaced)
	switch {
	case err == nil:
		logging.Info("Octopus", "Unregistered topic %s for identity %s", namespaced, id.Subject)
	case errors.Is(err, ErrTopicNotFound):
		logging.Debug("Octopus", "Topic %s already absent for identity %s", namespaced, id.Subject)
	default:
		return s.classifyHandleErr(id, "unregister topic "+name, err)
	}
	return nil
}

// ListTopics returns the identity's topics with the namespace prefix
// stripped, sorted lexicographically for deterministic output.
func (s *Service) ListTopics(ctx context.Context, id auth.Identity) ([]string, error) {
	set, err := s.sessions.Acquire(ctx, id.Subject)
	if err != nil {
		return nil, err
	}
	defer set.Release()

	all, err := set.Admin.ListTopics(ctx)
	if err != nil {
		return nil, s.classifyHandleErr(id, "list topics", err)
	}

	prefix := id.NamespacePrefix()
	names := make([]string, 0, len(all))
	for _, t := range all {
		if strings.HasPrefix(t, prefix) {
			names = append(names, strings.TrimPrefix(t, prefix))
		}
	}
	sort.Strings(names)
	return names, nil
}

// ProduceOne submits a single message to the identity's topic. With sync
// set it blocks until the cluster acknowledges delivery or the bounded
// wait elapses; the timeout surfaces as ErrDeliveryTimeout and the
// message may or may not have been committed, with no automatic retry.
// With sync unset the message is handed to the producer and
// the call returns immediately with a "queued" receipt.
func (s *Service) ProduceOne(ctx context.Context, id auth.Identity, topic, value string, key string, sync bool) (*ProduceReceipt, error) {
	set, err := s.sessions.Acquire(ctx, id.Subject)
	if err != nil {
		return nil, err
	}

	namespaced := id.NamespacePrefix() + topic
	var keyBytes []byte
	if key != "" {
		keyBytes = []byte(key)
	}

	if !sync {
		// Fire-and-forget: the produce proceeds in the background under
		// its own bounded context; failures are logged, not surfaced.
		go func() {
			defer set.Release()
			bgCtx, cancel := context.WithTimeout(context.Background(), s.produceTimeout)
			defer cancel()
			if _, err := set.Producer.Produce(bgCtx, namespaced, keyBytes, []byte(value)); err != nil {
				logging.Warn("Octopus", "Async produce to %s failed for identity %s: %v", namespaced, id.Subject, err)
			}
		}()
		return &ProduceReceipt{Status: "queued", Topic: topic, Timestamp: time.Now()}, nil
	}
	defer set.Release()

	produceCtx, cancel := context.WithTimeout(ctx, s.produceTimeout)
	defer cancel()

	res, err := set.Producer.Produce(produceCtx, namespaced, keyBytes, []byte(value))
	if err != nil {
		if produceCtx.Err() != nil && ctx.Err() == nil {
			return nil, fmt.Errorf("identity %s: produce to %s: %w", id.Subject, namespaced, ErrDeliveryTimeout)
		}
		return nil, s.classifyHandleErr(id, "produce to "+topic, err)
	}

	return &ProduceReceipt{
		Status:    "produced",
		Topic:     topic,
		Partition: res.Partition,
		Offset:    res.Offset,
		Timestamp: res.Timestamp,
	}, nil
}

// ConsumeLatest returns the most recent message on the identity's topic,
// or nil with no error when the topic is empty. A topic that was never
// registered fails with ErrTopicNotFound.
func (s *Service) ConsumeLatest(ctx context.Context, id auth.Identity, topic string, wait time.Duration) (*Message, error) {
	set, err := s.sessions.Acquire(ctx, id.Subject)
	if err != nil {
		return nil, err
	}
	defer set.Release()

	if wait <= 0 {
		wait = s.consumeWait
	}
	namespaced := id.NamespacePrefix() + topic

	rec, err := set.Consumer.ConsumeLatest(ctx, namespaced, wait)
	if err != nil {
		if errors.Is(err, ErrTopicNotFound) {
			return nil, fmt.Errorf("identity %s: topic %s: %w", id.Subject, topic, ErrTopicNotFound)
		}
		return nil, s.classifyHandleErr(id, "consume from "+topic, err)
	}
	if rec == nil {
		return nil, nil
	}

	return &Message{
		Topic:     topic,
		Partition: rec.Partition,
		Offset:    rec.Offset,
		Key:       string(rec.Key),
		Value:     string(rec.Value),
		Timestamp: rec.Timestamp,
	}, nil
}

// classifyHandleErr maps a failure from a cluster handle onto the error
// taxonomy. An authorization failure invalidates the identity's cached
// handles so the next call rebuilds instead of retrying with dead
// credentials.
func (s *Service) classifyHandleErr(id auth.Identity, op string, err error) error {
	if IsAuthError(err) {
		s.sessions.Invalidate(id.Subject)
		return fmt.Errorf("identity %s: %s: credentials no longer accepted by cluster: %w",
			id.Subject, op, auth.ErrReauthenticationRequired)
	}
	return fmt.Errorf("identity %s: %s: %w", id.Subject, op, err)
}
