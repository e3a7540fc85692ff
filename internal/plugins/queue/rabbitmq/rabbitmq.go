package rabbitmq

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/osvaldoandrade/tbqueue/internal/config"
	cserrors "github.com/osvaldoandrade/tbqueue/internal/errors"
	"github.com/osvaldoandrade/tbqueue/internal/observability"
	"github.com/osvaldoandrade/tbqueue/internal/plugins/registry"
	"github.com/osvaldoandrade/tbqueue/internal/queue"
)

func init() {
	registry.RegisterBackend(config.BackendRabbitMQ, NewFromConfig)
}

// amqpChannel is the subset of *amqp.Channel the backend uses.
type amqpChannel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Get(queue string, autoAck bool) (amqp.Delivery, bool, error)
	Ack(tag uint64, multiple bool) error
	Close() error
}

type Options struct {
	URL               string
	ConnectionTimeout time.Duration
	MaxPollMessages   int
}

type Backend struct {
	opts   Options
	logger *observability.Logger

	mu   sync.Mutex
	conn *amqp.Connection

	openChannelFn func(ctx context.Context) (amqpChannel, error)
}

func NewFromConfig(cfg config.Config, logger *observability.Logger) (queue.Backend, error) {
	r := cfg.Queue.RabbitMQ
	url := strings.TrimSpace(r.URL)
	if url == "" {
		if strings.TrimSpace(r.Host) == "" {
			return nil, fmt.Errorf("queue.rabbitmq.url or queue.rabbitmq.host is required")
		}
		url = amqp.URI{
			Scheme:   "amqp",
			Host:     r.Host,
			Port:     r.Port,
			Username: r.Username,
			Password: r.Password,
			Vhost:    r.VirtualHost,
		}.String()
	}
	return New(Options{
		URL:               url,
		ConnectionTimeout: config.Millis(r.ConnectionTimeoutMS),
		MaxPollMessages:   r.MaxPollMessages,
	}, logger), nil
}

func New(opts Options, logger *observability.Logger) *Backend {
	if opts.ConnectionTimeout <= 0 {
		opts.ConnectionTimeout = time.Minute
	}
	if opts.MaxPollMessages <= 0 {
		opts.MaxPollMessages = 200
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Backend{opts: opts, logger: logger}
}

func (b *Backend) Name() string {
	return config.BackendRabbitMQ
}

func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return nil
	}
	err := b.conn.Close()
	b.conn = nil
	if err != nil && err != amqp.ErrClosed {
		return err
	}
	return nil
}

// openChannel dials the shared connection on first use, retrying with
// exponential backoff for up to the connection timeout.
func (b *Backend) openChannel(ctx context.Context) (amqpChannel, error) {
	if b.openChannelFn != nil {
		return b.openChannelFn(ctx)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil || b.conn.IsClosed() {
		policy := backoff.NewExponentialBackOff()
		policy.InitialInterval = 500 * time.Millisecond
		policy.MaxInterval = 3 * time.Second
		policy.MaxElapsedTime = b.opts.ConnectionTimeout
		attempt := 0
		err := backoff.Retry(func() error {
			attempt++
			conn, err := amqp.DialConfig(b.opts.URL, amqp.Config{
				Dial:       amqp.DefaultDial(10 * time.Second),
				Properties: amqp.Table{"connection_name": "tbqueue"},
			})
			if err != nil {
				b.logger.Warn(ctx, "rabbitmq connect failed", zap.Int("attempt", attempt), zap.Error(err))
				return err
			}
			b.conn = conn
			return nil
		}, backoff.WithContext(policy, ctx))
		if err != nil {
			return nil, cserrors.Wrap(cserrors.TBQBackendUnavailable, "failed to connect to rabbitmq", err)
		}
	}
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, cserrors.Wrap(cserrors.TBQBackendUnavailable, "failed to open rabbitmq channel", err)
	}
	return ch, nil
}

func (b *Backend) NewAdmin(defaults queue.Properties) (queue.Admin, error) {
	return &admin{backend: b, args: queueArgs(defaults)}, nil
}

func (b *Backend) NewProducer(_ queue.Admin, defaultTopic string) (queue.Producer, error) {
	return &producer{backend: b, topic: defaultTopic}, nil
}

func (b *Backend) NewConsumer(a queue.Admin, topic, _ string) (queue.Consumer, error) {
	if topic == "" {
		return nil, cserrors.New(cserrors.TBQValidationFailed, "consumer topic is required")
	}
	return &consumer{backend: b, admin: a, topic: topic}, nil
}

// queueArgs converts "x-max-length-bytes:1048576000;x-message-ttl:604800000"
// style properties into typed queue arguments.
func queueArgs(props queue.Properties) amqp.Table {
	if len(props) == 0 {
		return nil
	}
	args := amqp.Table{}
	for k, v := range props {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			args[k] = n
			continue
		}
		if bv, err := strconv.ParseBool(v); err == nil {
			args[k] = bv
			continue
		}
		args[k] = v
	}
	return args
}

type admin struct {
	backend *Backend
	args    amqp.Table
	created queue.TopicSet

	mu sync.Mutex
	ch amqpChannel
}

func (a *admin) channel(ctx context.Context) (amqpChannel, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ch != nil {
		return a.ch, nil
	}
	ch, err := a.backend.openChannel(ctx)
	if err != nil {
		return nil, err
	}
	a.ch = ch
	return ch, nil
}

func (a *admin) EnsureTopic(ctx context.Context, topic string, extra queue.Properties) error {
	return a.created.Ensure(topic, func() error {
		ch, err := a.channel(ctx)
		if err != nil {
			return err
		}
		args := a.args
		if len(extra) > 0 {
			args = amqp.Table{}
			for k, v := range a.args {
				args[k] = v
			}
			for k, v := range queueArgs(extra) {
				args[k] = v
			}
		}
		if _, err := ch.QueueDeclare(topic, true, false, false, false, args); err != nil {
			// A failed declare closes the channel on the broker side.
			a.mu.Lock()
			a.ch = nil
			a.mu.Unlock()
			return cserrors.Wrap(cserrors.TBQAdminFailed, fmt.Sprintf("failed to declare queue %s", topic), err)
		}
		return nil
	})
}

func (a *admin) Destroy() {
	a.created.Reset()
	a.mu.Lock()
	ch := a.ch
	a.ch = nil
	a.mu.Unlock()
	if ch == nil {
		return
	}
	if err := ch.Close(); err != nil && err != amqp.ErrClosed {
		a.backend.logger.Warn(context.Background(), "failed to close rabbitmq admin channel", zap.Error(err))
	}
}

type producer struct {
	backend *Backend
	topic   string

	mu sync.Mutex
	ch amqpChannel
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
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch == nil {
		ch, err := p.backend.openChannel(ctx)
		if err != nil {
			return cserrors.Wrap(cserrors.TBQPublishFailed, "no rabbitmq channel", err)
		}
		p.ch = ch
	}
	err = p.ch.PublishWithContext(ctx, "", topic, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.KeyString(),
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		p.ch = nil
		return cserrors.Wrap(cserrors.TBQPublishFailed, fmt.Sprintf("failed to publish to queue %s", topic), err)
	}
	return nil
}

func (p *producer) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch == nil {
		return nil
	}
	err := p.ch.Close()
	p.ch = nil
	if err != nil && err != amqp.ErrClosed {
		return err
	}
	return nil
}

// consumer pulls with basic.get and no auto-ack; Commit acks everything up
// to the last delivery tag. Closing the channel requeues the rest. A channel
// that fails a get or an ack is dropped and reopened by the next Poll.
type consumer struct {
	backend *Backend
	admin   queue.Admin
	topic   string

	subscribed bool
	ch         amqpChannel
	lastTag    uint64
}

func (c *consumer) Topic() string {
	return c.topic
}

func (c *consumer) Subscribe(ctx context.Context) error {
	if c.subscribed {
		return nil
	}
	if c.admin != nil {
		if err := c.admin.EnsureTopic(ctx, c.topic, nil); err != nil {
			return err
		}
	}
	ch, err := c.backend.openChannel(ctx)
	if err != nil {
		return err
	}
	c.ch = ch
	c.subscribed = true
	return nil
}

func (c *consumer) Poll(ctx context.Context, timeout time.Duration) ([]queue.Message, error) {
	if !c.subscribed {
		return nil, cserrors.New(cserrors.TBQPollFailed, "consumer is not subscribed to "+c.topic)
	}
	if c.ch == nil {
		ch, err := c.backend.openChannel(ctx)
		if err != nil {
			return nil, cserrors.Wrap(cserrors.TBQPollFailed, "failed to reopen channel for queue "+c.topic, err)
		}
		c.backend.logger.Info(ctx, "rabbitmq consumer channel reopened", zap.String("topic", c.topic))
		c.ch = ch
	}
	out, err := c.drain(ctx)
	if err != nil || len(out) > 0 {
		return out, err
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}
	return c.drain(ctx)
}

func (c *consumer) drain(ctx context.Context) ([]queue.Message, error) {
	var out []queue.Message
	for len(out) < c.backend.opts.MaxPollMessages {
		d, ok, err := c.ch.Get(c.topic, false)
		if err != nil {
			// Deliveries already handed out stay unacked and come back once
			// the broker sees the channel closed.
			c.dropChannel(ctx)
			return nil, cserrors.Wrap(cserrors.TBQPollFailed, "failed to get from queue "+c.topic, err)
		}
		if !ok {
			break
		}
		msg, err := queue.DecodeEnvelope(d.Body)
		if err != nil {
			c.backend.logger.Warn(ctx, "dropping undecodable delivery", zap.String("topic", c.topic), zap.Error(err))
			if err := c.ch.Ack(d.DeliveryTag, false); err != nil {
				c.dropChannel(ctx)
				return nil, cserrors.Wrap(cserrors.TBQPollFailed, "failed to ack undecodable delivery on "+c.topic, err)
			}
			continue
		}
		c.lastTag = d.DeliveryTag
		out = append(out, msg)
	}
	return out, nil
}

func (c *consumer) dropChannel(ctx context.Context) {
	if c.ch == nil {
		return
	}
	if err := c.ch.Close(); err != nil && err != amqp.ErrClosed {
		c.backend.logger.Debug(ctx, "closing failed rabbitmq channel", zap.String("topic", c.topic), zap.Error(err))
	}
	c.ch = nil
	c.lastTag = 0
}

func (c *consumer) Commit(ctx context.Context) error {
	if !c.subscribed {
		return cserrors.New(cserrors.TBQCommitFailed, "consumer is not subscribed to "+c.topic)
	}
	if c.lastTag == 0 || c.ch == nil {
		return nil
	}
	if err := c.ch.Ack(c.lastTag, true); err != nil {
		c.dropChannel(ctx)
		return cserrors.Wrap(cserrors.TBQCommitFailed, "failed to ack deliveries on "+c.topic, err)
	}
	c.lastTag = 0
	return nil
}

func (c *consumer) Unsubscribe() error {
	c.subscribed = false
	c.lastTag = 0
	if c.ch == nil {
		return nil
	}
	err := c.ch.Close()
	c.ch = nil
	if err != nil && err != amqp.ErrClosed {
		return err
	}
	return nil
}
