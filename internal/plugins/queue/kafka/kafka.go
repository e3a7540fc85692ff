package kafka

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/osvaldoandrade/tbqueue/internal/config"
	cserrors "github.com/osvaldoandrade/tbqueue/internal/errors"
	"github.com/osvaldoandrade/tbqueue/internal/observability"
	"github.com/osvaldoandrade/tbqueue/internal/plugins/registry"
	"github.com/osvaldoandrade/tbqueue/internal/queue"
)

func init() {
	registry.RegisterBackend(config.BackendKafka, NewFromConfig)
}

type kafkaReader interface {
	FetchMessage(ctx context.Context) (kafkago.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

type Options struct {
	Brokers        []string
	RequiredAcks   kafkago.RequiredAcks
	BatchSize      int
	BatchTimeout   time.Duration
	MaxPollRecords int
}

type Backend struct {
	opts   Options
	logger *observability.Logger

	newReaderFn    func(topic, groupID string) kafkaReader
	newWriterFn    func(topic string) kafkaWriter
	createTopicsFn func(ctx context.Context, topics ...kafkago.TopicConfig) error
}

func NewFromConfig(cfg config.Config, logger *observability.Logger) (queue.Backend, error) {
	k := cfg.Queue.Kafka
	if len(k.BootstrapServers) == 0 {
		return nil, fmt.Errorf("queue.kafka.bootstrap_servers is required")
	}
	acks := kafkago.RequireAll
	switch k.Acks {
	case "one":
		acks = kafkago.RequireOne
	case "none":
		acks = kafkago.RequireNone
	}
	return New(Options{
		Brokers:        k.BootstrapServers,
		RequiredAcks:   acks,
		BatchSize:      k.BatchSize,
		BatchTimeout:   config.Millis(k.LingerMS),
		MaxPollRecords: k.MaxPollRecords,
	}, logger), nil
}

func New(opts Options, logger *observability.Logger) *Backend {
	if opts.MaxPollRecords <= 0 {
		opts.MaxPollRecords = 500
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Backend{opts: opts, logger: logger}
}

func (b *Backend) Name() string {
	return config.BackendKafka
}

func (b *Backend) Close() error {
	return nil
}

func (b *Backend) NewAdmin(defaults queue.Properties) (queue.Admin, error) {
	return &admin{backend: b, defaults: defaults}, nil
}

func (b *Backend) NewProducer(_ queue.Admin, defaultTopic string) (queue.Producer, error) {
	return &producer{backend: b, topic: defaultTopic, writers: make(map[string]kafkaWriter)}, nil
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

func (b *Backend) newReader(topic, groupID string) kafkaReader {
	if b.newReaderFn != nil {
		return b.newReaderFn(topic, groupID)
	}
	return kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:     b.opts.Brokers,
		Topic:       topic,
		GroupID:     groupID,
		MinBytes:    1,
		MaxBytes:    10e6,
		StartOffset: kafkago.FirstOffset,
	})
}

func (b *Backend) newWriter(topic string) kafkaWriter {
	if b.newWriterFn != nil {
		return b.newWriterFn(topic)
	}
	return &kafkago.Writer{
		Addr:         kafkago.TCP(b.opts.Brokers...),
		Topic:        topic,
		RequiredAcks: b.opts.RequiredAcks,
		Balancer:     &kafkago.Hash{},
		BatchSize:    b.opts.BatchSize,
		BatchTimeout: b.opts.BatchTimeout,
	}
}

func (b *Backend) createTopics(ctx context.Context, topics ...kafkago.TopicConfig) error {
	if b.createTopicsFn != nil {
		return b.createTopicsFn(ctx, topics...)
	}
	client := &kafkago.Client{Addr: kafkago.TCP(b.opts.Brokers...), Timeout: 10 * time.Second}
	resp, err := client.CreateTopics(ctx, &kafkago.CreateTopicsRequest{Topics: topics})
	if err != nil {
		return err
	}
	for _, topicErr := range resp.Errors {
		if topicErr != nil {
			return topicErr
		}
	}
	return nil
}

// topicConfig turns channel properties into a CreateTopics entry. partitions
// and replication.factor are structural; everything else is a topic config.
func topicConfig(topic string, props queue.Properties) (kafkago.TopicConfig, error) {
	tc := kafkago.TopicConfig{Topic: topic, NumPartitions: 1, ReplicationFactor: 1}
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := props[k]
		switch k {
		case "partitions":
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				return tc, cserrors.New(cserrors.TBQValidationFailed, fmt.Sprintf("invalid partitions %q for topic %s", v, topic))
			}
			tc.NumPartitions = n
		case "replication.factor":
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				return tc, cserrors.New(cserrors.TBQValidationFailed, fmt.Sprintf("invalid replication.factor %q for topic %s", v, topic))
			}
			tc.ReplicationFactor = n
		default:
			tc.ConfigEntries = append(tc.ConfigEntries, kafkago.ConfigEntry{ConfigName: k, ConfigValue: v})
		}
	}
	return tc, nil
}

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
		tc, err := topicConfig(topic, props)
		if err != nil {
			return err
		}
		err = a.backend.createTopics(ctx, tc)
		if err != nil && !errors.Is(err, kafkago.TopicAlreadyExists) {
			return cserrors.Wrap(cserrors.TBQAdminFailed, fmt.Sprintf("failed to create topic %s", topic), err)
		}
		a.backend.logger.Info(ctx, "topic ensured", zap.String("topic", topic),
			zap.Int("partitions", tc.NumPartitions), zap.Bool("existed", err != nil))
		return nil
	})
}

func (a *admin) Destroy() {
	a.created.Reset()
}

type producer struct {
	backend *Backend
	topic   string

	mu      sync.Mutex
	writers map[string]kafkaWriter
	stopped bool
}

func (p *producer) DefaultTopic() string {
	return p.topic
}

func (p *producer) topicWriter(topic string) (kafkaWriter, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return nil, cserrors.New(cserrors.TBQPublishFailed, "producer is stopped")
	}
	if w, ok := p.writers[topic]; ok {
		return w, nil
	}
	w := p.backend.newWriter(topic)
	p.writers[topic] = w
	return w, nil
}

func (p *producer) Send(ctx context.Context, topic string, msg queue.Message) error {
	if topic == "" {
		topic = p.topic
	}
	w, err := p.topicWriter(topic)
	if err != nil {
		return err
	}
	km := kafkago.Message{Key: msg.Key(), Value: msg.Data(), Time: time.Now()}
	msg.Headers().Each(func(k string, v []byte) {
		km.Headers = append(km.Headers, kafkago.Header{Key: k, Value: v})
	})
	if err := w.WriteMessages(ctx, km); err != nil {
		return cserrors.Wrap(cserrors.TBQPublishFailed, fmt.Sprintf("failed to publish to topic %s", topic), err)
	}
	return nil
}

func (p *producer) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	var firstErr error
	for topic, w := range p.writers {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(p.writers, topic)
	}
	return firstErr
}

// fetchLinger is how long Poll waits for a further message once it holds at
// least one.
const fetchLinger = 5 * time.Millisecond

type consumer struct {
	backend *Backend
	topic   string
	group   string

	reader   kafkaReader
	fetched  []kafkago.Message
	fetchErr error
}

func (c *consumer) Topic() string {
	return c.topic
}

func (c *consumer) Subscribe(context.Context) error {
	if c.reader == nil {
		c.reader = c.backend.newReader(c.topic, c.group)
	}
	return nil
}

// Poll waits up to timeout for the first message, then keeps reading while
// messages arrive within fetchLinger, up to MaxPollRecords. A fetch error
// after some messages were read is returned by the next call.
func (c *consumer) Poll(ctx context.Context, timeout time.Duration) ([]queue.Message, error) {
	if c.reader == nil {
		return nil, cserrors.New(cserrors.TBQPollFailed, "consumer is not subscribed to "+c.topic)
	}
	if err := c.fetchErr; err != nil {
		c.fetchErr = nil
		return nil, cserrors.Wrap(cserrors.TBQPollFailed, "failed to fetch kafka message", err)
	}
	deadline := time.Now().Add(timeout)

	var out []queue.Message
	for len(out) < c.backend.opts.MaxPollRecords {
		wait := time.Until(deadline)
		if len(out) > 0 && wait > fetchLinger {
			wait = fetchLinger
		}
		if wait <= 0 {
			return out, nil
		}
		fetchCtx, cancel := context.WithTimeout(ctx, wait)
		km, err := c.reader.FetchMessage(fetchCtx)
		expired := fetchCtx.Err() != nil
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			if expired {
				return out, nil
			}
			if len(out) > 0 {
				c.fetchErr = err
				return out, nil
			}
			return nil, cserrors.Wrap(cserrors.TBQPollFailed, "failed to fetch kafka message", err)
		}
		c.fetched = append(c.fetched, km)
		var headers queue.Headers
		for _, h := range km.Headers {
			headers.Put(h.Key, h.Value)
		}
		out = append(out, queue.NewMessage(km.Key, km.Value, headers))
	}
	return out, nil
}

func (c *consumer) Commit(ctx context.Context) error {
	if c.reader == nil {
		return cserrors.New(cserrors.TBQCommitFailed, "consumer is not subscribed to "+c.topic)
	}
	if len(c.fetched) == 0 {
		return nil
	}
	if err := c.reader.CommitMessages(ctx, c.fetched...); err != nil {
		return cserrors.Wrap(cserrors.TBQCommitFailed, "failed to commit kafka messages", err)
	}
	c.fetched = c.fetched[:0]
	return nil
}

func (c *consumer) Unsubscribe() error {
	if c.reader == nil {
		return nil
	}
	err := c.reader.Close()
	c.reader = nil
	c.fetched = nil
	c.fetchErr = nil
	return err
}
