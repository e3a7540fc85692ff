// Package redis implements the queue contract on Redis Streams: one stream
// per topic, consumer groups for subscriptions, XACK for commits.
package redis

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/osvaldoandrade/tbqueue/internal/config"
	cserrors "github.com/osvaldoandrade/tbqueue/internal/errors"
	"github.com/osvaldoandrade/tbqueue/internal/observability"
	"github.com/osvaldoandrade/tbqueue/internal/plugins/registry"
	"github.com/osvaldoandrade/tbqueue/internal/queue"
)

const payloadField = "m"

func init() {
	registry.RegisterBackend(config.BackendRedis, NewFromConfig)
}

func StreamKey(topic string) string {
	return "tbq:stream:" + topic
}

type Options struct {
	Addr      string
	Password  string
	DB        int
	MaxBatch  int
	TopicsKey string
	// ConsumerName identifies this process inside every consumer group. It must
	// survive restarts for unacknowledged entries to be redelivered.
	ConsumerName string
}

type Backend struct {
	client *redis.Client
	opts   Options
	logger *observability.Logger

	mu     sync.Mutex
	maxLen map[string]int64
}

func NewFromConfig(cfg config.Config, logger *observability.Logger) (queue.Backend, error) {
	r := cfg.Queue.Redis
	if strings.TrimSpace(r.Addr) == "" {
		return nil, fmt.Errorf("queue.redis.addr is required")
	}
	return New(Options{
		Addr:         r.Addr,
		Password:     r.Password,
		DB:           r.DB,
		MaxBatch:     r.MaxBatch,
		TopicsKey:    r.StreamsKey,
		ConsumerName: cfg.Service.ID,
	}, logger), nil
}

func New(opts Options, logger *observability.Logger) *Backend {
	if opts.MaxBatch <= 0 {
		opts.MaxBatch = 500
	}
	if opts.TopicsKey == "" {
		opts.TopicsKey = "tbq:topics"
	}
	if opts.ConsumerName == "" {
		host, _ := os.Hostname()
		opts.ConsumerName = "tbq-" + host
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     64,
		MinIdleConns: 4,
	})
	return &Backend{client: client, opts: opts, logger: logger, maxLen: make(map[string]int64)}
}

func (b *Backend) Name() string {
	return config.BackendRedis
}

func (b *Backend) Close() error {
	return b.client.Close()
}

func (b *Backend) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return cserrors.Wrap(cserrors.TBQBackendUnavailable, "redis ping failed", err)
	}
	return nil
}

func (b *Backend) setMaxLen(topic string, n int64) {
	b.mu.Lock()
	b.maxLen[topic] = n
	b.mu.Unlock()
}

func (b *Backend) streamMaxLen(topic string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.maxLen[topic]
}

func (b *Backend) NewAdmin(defaults queue.Properties) (queue.Admin, error) {
	return &admin{backend: b, defaults: defaults}, nil
}

func (b *Backend) NewProducer(_ queue.Admin, defaultTopic string) (queue.Producer, error) {
	return &producer{backend: b, topic: defaultTopic}, nil
}

func (b *Backend) NewConsumer(_ queue.Admin, topic, group string) (queue.Consumer, error) {
	if topic == "" {
		return nil, cserrors.New(cserrors.TBQValidationFailed, "consumer topic is required")
	}
	if group == "" {
		group = topic
	}
	return &consumer{backend: b, topic: topic, group: group}, nil
}

// admin records every topic in a registry hash together with its creation
// properties. The stream itself appears on first XADD or group creation.
type admin struct {
	backend  *Backend
	defaults queue.Properties
	created  queue.TopicSet
}

func (a *admin) EnsureTopic(ctx context.Context, topic string, args queue.Properties) error {
	return a.created.Ensure(topic, func() error {
		props := a.defaults
		if args != nil {
			props = a.defaults.Merge(args)
		}
		if raw, ok := props["maxlen"]; ok {
			n, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || n < 0 {
				return cserrors.New(cserrors.TBQValidationFailed, fmt.Sprintf("invalid maxlen %q for topic %s", raw, topic))
			}
			a.backend.setMaxLen(topic, n)
		}
		added, err := a.backend.client.HSetNX(ctx, a.backend.opts.TopicsKey, topic, props.String()).Result()
		if err != nil {
			return cserrors.Wrap(cserrors.TBQAdminFailed, fmt.Sprintf("failed to register topic %s", topic), err)
		}
		a.backend.logger.Debug(ctx, "topic ensured", zap.String("topic", topic), zap.Bool("existed", !added))
		return nil
	})
}

func (a *admin) Destroy() {
	a.created.Reset()
}

type producer struct {
	backend *Backend
	topic   string
}

func (p *producer) DefaultTopic() string {
	return p.topic
}

func (p *producer) Send(ctx context.Context, topic string, msg queue.Message) error {
	if topic == "" {
		topic = p.topic
	}
	body, err := queue.EncodeEnvelope(msg)
	if err != nil {
		return cserrors.Wrap(cserrors.TBQPublishFailed, "failed to encode message", err)
	}
	args := &redis.XAddArgs{
		Stream: StreamKey(topic),
		Values: map[string]any{payloadField: body},
	}
	if n := p.backend.streamMaxLen(topic); n > 0 {
		args.MaxLen = n
		args.Approx = true
	}
	if err := p.backend.client.XAdd(ctx, args).Err(); err != nil {
		return cserrors.Wrap(cserrors.TBQPublishFailed, fmt.Sprintf("failed to publish to stream %s", topic), err)
	}
	return nil
}

func (p *producer) Stop() error {
	return nil
}

type consumer struct {
	backend *Backend
	topic   string
	group   string

	subscribed  bool
	readPending bool
	unacked     []string
}

func (c *consumer) Topic() string {
	return c.topic
}

func (c *consumer) Subscribe(ctx context.Context) error {
	if c.subscribed {
		return nil
	}
	err := c.backend.client.XGroupCreateMkStream(ctx, StreamKey(c.topic), c.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return cserrors.Wrap(cserrors.TBQBackendUnavailable, fmt.Sprintf("failed to create consumer group %s on %s", c.group, c.topic), err)
	}
	c.subscribed = true
	// Entries delivered to this consumer name but never acknowledged come first.
	c.readPending = true
	return nil
}

func (c *consumer) Poll(ctx context.Context, timeout time.Duration) ([]queue.Message, error) {
	if !c.subscribed {
		return nil, cserrors.New(cserrors.TBQPollFailed, "consumer is not subscribed to "+c.topic)
	}
	if c.readPending {
		out, n, err := c.read(ctx, "0", -1)
		if err != nil {
			return nil, err
		}
		if n > 0 {
			return out, nil
		}
		c.readPending = false
	}
	if timeout < time.Millisecond {
		timeout = time.Millisecond
	}
	out, _, err := c.read(ctx, ">", timeout)
	return out, err
}

// read returns the decoded messages and the number of stream entries seen,
// which includes undecodable ones.
func (c *consumer) read(ctx context.Context, id string, block time.Duration) ([]queue.Message, int, error) {
	streams, err := c.backend.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.backend.opts.ConsumerName,
		Streams:  []string{StreamKey(c.topic), id},
		Count:    int64(c.backend.opts.MaxBatch),
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, 0, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, 0, ctx.Err()
		}
		return nil, 0, cserrors.Wrap(cserrors.TBQPollFailed, "failed to read stream "+c.topic, err)
	}
	var (
		out     []queue.Message
		skipped []string
	)
	seen := 0
	for _, s := range streams {
		for _, entry := range s.Messages {
			seen++
			raw, _ := entry.Values[payloadField].(string)
			msg, err := queue.DecodeEnvelope([]byte(raw))
			if err != nil {
				c.backend.logger.Warn(ctx, "dropping undecodable stream entry", zap.String("topic", c.topic), zap.String("id", entry.ID), zap.Error(err))
				skipped = append(skipped, entry.ID)
				continue
			}
			c.unacked = append(c.unacked, entry.ID)
			out = append(out, msg)
		}
	}
	if len(skipped) > 0 {
		// Callers never see skipped entries, so they are acked here.
		if err := c.backend.client.XAck(ctx, StreamKey(c.topic), c.group, skipped...).Err(); err != nil {
			c.unacked = append(c.unacked, skipped...)
		}
	}
	return out, seen, nil
}

func (c *consumer) Commit(ctx context.Context) error {
	if !c.subscribed {
		return cserrors.New(cserrors.TBQCommitFailed, "consumer is not subscribed to "+c.topic)
	}
	if len(c.unacked) == 0 {
		return nil
	}
	if err := c.backend.client.XAck(ctx, StreamKey(c.topic), c.group, c.unacked...).Err(); err != nil {
		return cserrors.Wrap(cserrors.TBQCommitFailed, "failed to ack stream entries on "+c.topic, err)
	}
	c.unacked = c.unacked[:0]
	return nil
}

func (c *consumer) Unsubscribe() error {
	c.subscribed = false
	c.unacked = nil
	return nil
}
