// Package memory is a single-process queue backend. Topics are append-only
// logs and consumer groups keep a committed offset, so it follows the same
// at-least-once contract as the broker backends.
package memory

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/osvaldoandrade/tbqueue/internal/config"
	cserrors "github.com/osvaldoandrade/tbqueue/internal/errors"
	"github.com/osvaldoandrade/tbqueue/internal/observability"
	"github.com/osvaldoandrade/tbqueue/internal/plugins/registry"
	"github.com/osvaldoandrade/tbqueue/internal/queue"
)

const defaultMaxBatch = 500

func init() {
	registry.RegisterBackend(config.BackendMemory, func(_ config.Config, logger *observability.Logger) (queue.Backend, error) {
		return New(logger), nil
	})
}

type groupState struct {
	next      int
	committed int
	active    int
}

type topicLog struct {
	messages []queue.Message
	groups   map[string]*groupState
	notify   chan struct{}
}

type Backend struct {
	mu       sync.Mutex
	topics   map[string]*topicLog
	logger   *observability.Logger
	maxBatch int
	closed   bool
}

func New(logger *observability.Logger) *Backend {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Backend{topics: make(map[string]*topicLog), logger: logger, maxBatch: defaultMaxBatch}
}

func (b *Backend) Name() string {
	return config.BackendMemory
}

func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, t := range b.topics {
		close(t.notify)
		t.notify = make(chan struct{})
	}
	return nil
}

// Len reports how many messages were ever written to topic.
func (b *Backend) Len(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.topics[topic]; ok {
		return len(t.messages)
	}
	return 0
}

func (b *Backend) HasTopic(topic string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.topics[topic]
	return ok
}

// topic returns the log for name, creating it. Callers hold b.mu.
func (b *Backend) topic(name string) *topicLog {
	t, ok := b.topics[name]
	if !ok {
		t = &topicLog{groups: make(map[string]*groupState), notify: make(chan struct{})}
		b.topics[name] = t
	}
	return t
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

type admin struct {
	backend  *Backend
	defaults queue.Properties
	created  queue.TopicSet
}

func (a *admin) EnsureTopic(ctx context.Context, topic string, _ queue.Properties) error {
	return a.created.Ensure(topic, func() error {
		a.backend.mu.Lock()
		defer a.backend.mu.Unlock()
		if a.backend.closed {
			return cserrors.New(cserrors.TBQBackendUnavailable, "memory backend is closed")
		}
		a.backend.topic(topic)
		a.backend.logger.Debug(ctx, "topic created", zap.String("topic", topic), zap.String("properties", a.defaults.String()))
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
	if err := ctx.Err(); err != nil {
		return cserrors.Wrap(cserrors.TBQPublishFailed, "send cancelled", err)
	}
	if topic == "" {
		topic = p.topic
	}
	b := p.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return cserrors.New(cserrors.TBQPublishFailed, "memory backend is closed")
	}
	t := b.topic(topic)
	t.messages = append(t.messages, msg)
	close(t.notify)
	t.notify = make(chan struct{})
	return nil
}

func (p *producer) Stop() error {
	return nil
}

type consumer struct {
	backend    *Backend
	topic      string
	group      string
	subscribed bool
	delivered  int
}

func (c *consumer) Topic() string {
	return c.topic
}

func (c *consumer) Subscribe(context.Context) error {
	b := c.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	if c.subscribed {
		return nil
	}
	g := c.state()
	if g.active == 0 {
		// Nobody else holds the group: replay everything not committed.
		g.next = g.committed
	}
	g.active++
	c.delivered = g.next
	c.subscribed = true
	return nil
}

// state returns the group cursor. Callers hold b.mu.
func (c *consumer) state() *groupState {
	t := c.backend.topic(c.topic)
	g, ok := t.groups[c.group]
	if !ok {
		g = &groupState{}
		t.groups[c.group] = g
	}
	return g
}

func (c *consumer) Poll(ctx context.Context, timeout time.Duration) ([]queue.Message, error) {
	msgs, wait, err := c.take()
	if err != nil || len(msgs) > 0 {
		return msgs, err
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, nil
	case <-wait:
	}
	msgs, _, err = c.take()
	return msgs, err
}

func (c *consumer) take() ([]queue.Message, <-chan struct{}, error) {
	b := c.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	if !c.subscribed {
		return nil, nil, cserrors.New(cserrors.TBQPollFailed, "consumer is not subscribed to "+c.topic)
	}
	if b.closed {
		return nil, nil, cserrors.New(cserrors.TBQPollFailed, "memory backend is closed")
	}
	t := b.topic(c.topic)
	g := c.state()
	end := len(t.messages)
	if end-g.next > b.maxBatch {
		end = g.next + b.maxBatch
	}
	if g.next >= end {
		return nil, t.notify, nil
	}
	out := make([]queue.Message, end-g.next)
	copy(out, t.messages[g.next:end])
	g.next = end
	c.delivered = end
	return out, t.notify, nil
}

func (c *consumer) Commit(context.Context) error {
	b := c.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	if !c.subscribed {
		return cserrors.New(cserrors.TBQCommitFailed, "consumer is not subscribed to "+c.topic)
	}
	g := c.state()
	if c.delivered > g.committed {
		g.committed = c.delivered
	}
	return nil
}

func (c *consumer) Unsubscribe() error {
	b := c.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	if !c.subscribed {
		return nil
	}
	c.subscribed = false
	c.state().active--
	return nil
}
