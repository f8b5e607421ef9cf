package octopus

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl/oauth"

	"github.com/diaspora-project/octopus-mcp/internal/access"
	"github.com/diaspora-project/octopus-mcp/internal/session"
	"github.com/diaspora-project/octopus-mcp/pkg/logging"
)

// ClusterConfig describes how to reach the Octopus MSK brokers.
type ClusterConfig struct {
	// BootstrapServers are the public broker endpoints.
	BootstrapServers []string

	// AcksAll selects full in-sync-replica acknowledgment for produces.
	// When false, leader-only acknowledgment is used. Which level is
	// appropriate depends on the cluster's replication configuration,
	// so it is a setting rather than a constant.
	AcksAll bool

	// RequestTimeout bounds individual broker requests.
	RequestTimeout time.Duration
}

// HandleBuilder constructs cluster handles from derived access using
// SASL/OAUTHBEARER over TLS. It implements session.Builder.
type HandleBuilder struct {
	cfg ClusterConfig
}

// NewHandleBuilder creates a builder for the given cluster.
func NewHandleBuilder(cfg ClusterConfig) *HandleBuilder {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	return &HandleBuilder{cfg: cfg}
}

// clientOpts are the options shared by every client built from one
// derived-access credential.
func (b *HandleBuilder) clientOpts(da *access.DerivedAccess) []kgo.Opt {
	opts := []kgo.Opt{
		kgo.SeedBrokers(b.cfg.BootstrapServers...),
		kgo.DialTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12}),
		kgo.SASL(oauth.Oauth(func(ctx context.Context) (oauth.Auth, error) {
			return oauth.Auth{Token: da.AuthToken}, nil
		})),
		kgo.RequestTimeoutOverhead(b.cfg.RequestTimeout),
	}
	if b.cfg.AcksAll {
		opts = append(opts, kgo.RequiredAcks(kgo.AllISRAcks()))
	} else {
		opts = append(opts, kgo.RequiredAcks(kgo.LeaderAck()), kgo.DisableIdempotentWrite())
	}
	return opts
}

// Build constructs the admin, producer, and consumer handles for one
// identity. The shared client is verified with a ping so construction
// failures surface here rather than on first use.
func (b *HandleBuilder) Build(ctx context.Context, da *access.DerivedAccess) (session.TopicAdmin, session.Producer, session.Consumer, func(), error) {
	cl, err := kgo.NewClient(b.clientOpts(da)...)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("create cluster client: %w", err)
	}
	if err := cl.Ping(ctx); err != nil {
		cl.Close()
		return nil, nil, nil, nil, fmt.Errorf("cluster unreachable: %w", mapClusterErr(err))
	}

	adm := kadm.NewClient(cl)
	closer := func() {
		cl.Close()
		logging.Debug("Octopus", "Closed cluster clients for identity %s", da.Subject)
	}
	return &kafkaAdmin{adm: adm},
		&kafkaProducer{cl: cl},
		&kafkaConsumer{builder: b, da: da, adm: adm},
		closer, nil
}

// kafkaAdmin implements session.TopicAdmin on a kadm client.
type kafkaAdmin struct {
	adm *kadm.Client
}

func (a *kafkaAdmin) CreateTopic(ctx context.Context, topic string) error {
	// -1 partitions and replication defer to the broker defaults, which
	// the cluster operator tunes per tenant tier.
	resp, err := a.adm.CreateTopic(ctx, -1, -1, nil, topic)
	if err != nil {
		return mapClusterErr(err)
	}
	return mapClusterErr(resp.Err)
}

func (a *kafkaAdmin) DeleteTopic(ctx context.Context, topic string) error {
	resp, err := a.adm.DeleteTopic(ctx, topic)
	if err != nil {
		return mapClusterErr(err)
	}
	return mapClusterErr(resp.Err)
}

func (a *kafkaAdmin) ListTopics(ctx context.Context) ([]string, error) {
	details, err := a.adm.ListTopics(ctx)
	if err != nil {
		return nil, mapClusterErr(err)
	}
	names := make([]string, 0, len(details))
	for name, d := range details {
		if d.Err != nil || d.IsInternal {
			continue
		}
		names = append(names, name)
	}
	return names, nil
}

// kafkaProducer implements session.Producer on the shared client.
type kafkaProducer struct {
	cl *kgo.Client
}

func (p *kafkaProducer) Produce(ctx context.Context, topic string, key, value []byte) (session.ProduceResult, error) {
	rec := &kgo.Record{Topic: topic, Key: key, Value: value}
	res, err := p.cl.ProduceSync(ctx, rec).First()
	if err != nil {
		return session.ProduceResult{}, mapClusterErr(err)
	}
	return session.ProduceResult{
		Partition: res.Partition,
		Offset:    res.Offset,
		Timestamp: res.Timestamp,
	}, nil
}

// kafkaConsumer implements session.Consumer. Each ConsumeLatest builds a
// short-lived client pinned to the end offsets, mirroring the one-shot
// consumption pattern of the fabric: the expensive, cached state is the
// credential, not the consumer.
type kafkaConsumer struct {
	builder *HandleBuilder
	da      *access.DerivedAccess
	adm     *kadm.Client
}

func (c *kafkaConsumer) ConsumeLatest(ctx context.Context, topic string, wait time.Duration) (*session.Record, error) {
	ends, err := c.adm.ListEndOffsets(ctx, topic)
	if err != nil {
		return nil, mapClusterErr(err)
	}
	partEnds, ok := ends[topic]
	if !ok {
		return nil, ErrTopicNotFound
	}

	// Seek each nonempty partition to its last committed record.
	offsets := map[string]map[int32]kgo.Offset{topic: {}}
	for p, end := range partEnds {
		if end.Err != nil {
			return nil, mapClusterErr(end.Err)
		}
		if end.Offset > 0 {
			offsets[topic][p] = kgo.NewOffset().At(end.Offset - 1)
		}
	}
	pending := len(offsets[topic])
	if pending == 0 {
		return nil, nil
	}

	opts := append(c.builder.clientOpts(c.da), kgo.ConsumePartitions(offsets))
	cl, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("create consumer client: %w", err)
	}
	defer cl.Close()

	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	var newest *session.Record
	seen := make(map[int32]bool)
	for len(seen) < pending {
		fetches := cl.PollFetches(waitCtx)
		if waitCtx.Err() != nil {
			break
		}
		for _, fe := range fetches.Errors() {
			if errors.Is(fe.Err, context.DeadlineExceeded) || errors.Is(fe.Err, context.Canceled) {
				continue
			}
			return nil, mapClusterErr(fe.Err)
		}
		fetches.EachRecord(func(r *kgo.Record) {
			seen[r.Partition] = true
			if newest == nil || r.Timestamp.After(newest.Timestamp) {
				newest = &session.Record{
					Topic:     r.Topic,
					Partition: r.Partition,
					Offset:    r.Offset,
					Key:       r.Key,
					Value:     r.Value,
					Timestamp: r.Timestamp,
				}
			}
		})
	}
	// Nothing read within the bounded wait reads as an empty topic, the
	// same contract the fabric's one-shot consumers have always had.
	return newest, nil
}

// mapClusterErr translates broker error codes onto the package taxonomy.
func mapClusterErr(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, kerr.TopicAlreadyExists):
		return fmt.Errorf("%w: %v", ErrTopicExists, err)
	case errors.Is(err, kerr.UnknownTopicOrPartition), errors.Is(err, kerr.UnknownTopicID):
		return fmt.Errorf("%w: %v", ErrTopicNotFound, err)
	case errors.Is(err, kerr.TopicAuthorizationFailed),
		errors.Is(err, kerr.ClusterAuthorizationFailed),
		errors.Is(err, kerr.GroupAuthorizationFailed),
		errors.Is(err, kerr.SaslAuthenticationFailed):
		return fmt.Errorf("%w: %v", ErrClusterAuthorization, err)
	}
	return err
}
