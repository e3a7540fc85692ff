package queue

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	cserrors "github.com/osvaldoandrade/tbqueue/internal/errors"
	"github.com/osvaldoandrade/tbqueue/internal/observability"
)

const (
	DefaultMaxPendingRequests = 10000
	DefaultMaxRequestTimeout  = 10 * time.Second
	DefaultPollInterval       = 25 * time.Millisecond
)

var (
	ErrCapacityExceeded = cserrors.New(cserrors.TBQCapacityExceeded, "pending request map is full")
	ErrRequestTimeout   = cserrors.New(cserrors.TBQRequestTimeout, "request timed out")
	ErrRequestCancelled = cserrors.New(cserrors.TBQRequestCancelled, "request cancelled by template shutdown")
	ErrTemplateStopped  = cserrors.New(cserrors.TBQTemplateStopped, "template is not running")
)

var tracer = otel.Tracer("github.com/osvaldoandrade/tbqueue/internal/queue")

// ResponseDecoder parses a raw response before it is matched. An error drops
// the message without touching any pending request.
type ResponseDecoder func(Message) (Message, error)

type RequestTemplateConfig struct {
	Name               string
	Admin              Admin
	Producer           Producer
	Consumer           Consumer
	MaxPendingRequests int
	MaxRequestTimeout  time.Duration
	PollInterval       time.Duration
	Decoder            ResponseDecoder
	Logger             *observability.Logger
	Metrics            *Metrics
	Now                func() time.Time
}

type pendingRequest struct {
	future    *Future
	createdAt time.Time
	timeout   time.Duration
}

// RequestTemplate turns a producer on a request topic and a consumer on a
// response topic into a call with correlation, timeout and a bound on the
// number of in-flight requests.
type RequestTemplate struct {
	name       string
	admin      Admin
	producer   Producer
	consumer   Consumer
	maxPending int
	maxTimeout time.Duration
	interval   time.Duration
	decode     ResponseDecoder
	logger     *observability.Logger
	metrics    *Metrics
	now        func() time.Time

	mu      sync.Mutex
	pending map[string]*pendingRequest
	started bool
	stopped bool

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func NewRequestTemplate(cfg RequestTemplateConfig) (*RequestTemplate, error) {
	if cfg.Producer == nil || cfg.Consumer == nil {
		return nil, cserrors.New(cserrors.TBQValidationFailed, "request template needs a producer and a consumer")
	}
	t := &RequestTemplate{
		name:       cfg.Name,
		admin:      cfg.Admin,
		producer:   cfg.Producer,
		consumer:   cfg.Consumer,
		maxPending: cfg.MaxPendingRequests,
		maxTimeout: cfg.MaxRequestTimeout,
		interval:   cfg.PollInterval,
		decode:     cfg.Decoder,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		now:        cfg.Now,
		pending:    make(map[string]*pendingRequest),
	}
	if t.name == "" {
		t.name = cfg.Producer.DefaultTopic()
	}
	if t.maxPending <= 0 {
		t.maxPending = DefaultMaxPendingRequests
	}
	if t.maxTimeout <= 0 {
		t.maxTimeout = DefaultMaxRequestTimeout
	}
	if t.interval <= 0 {
		t.interval = DefaultPollInterval
	}
	if t.decode == nil {
		t.decode = func(m Message) (Message, error) { return m, nil }
	}
	if t.logger == nil {
		t.logger = observability.NewNopLogger()
	}
	if t.metrics == nil {
		t.metrics = NewMetrics(nil)
	}
	if t.now == nil {
		t.now = time.Now
	}
	return t, nil
}

func (t *RequestTemplate) Name() string {
	return t.name
}

// Init creates both topics, subscribes the response consumer and starts the
// poll and timeout-sweep loops.
func (t *RequestTemplate) Init(ctx context.Context) error {
	t.mu.Lock()
	if t.started || t.stopped {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	if t.admin != nil {
		if err := t.admin.EnsureTopic(ctx, t.producer.DefaultTopic(), nil); err != nil {
			return err
		}
		if err := t.admin.EnsureTopic(ctx, t.consumer.Topic(), nil); err != nil {
			return err
		}
	}
	if err := t.consumer.Subscribe(ctx); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		cancel()
		return ErrTemplateStopped
	}
	t.cancel = cancel
	t.started = true
	t.mu.Unlock()

	t.wg.Add(2)
	go t.pollLoop(loopCtx)
	go t.sweepLoop(loopCtx)
	t.logger.Info(ctx, "request template started",
		zap.String("template", t.name),
		zap.String("request_topic", t.producer.DefaultTopic()),
		zap.String("response_topic", t.consumer.Topic()),
		zap.Int("max_pending_requests", t.maxPending))
	return nil
}

func (t *RequestTemplate) Send(ctx context.Context, msg Message) (*Future, error) {
	return t.SendWithTimeout(ctx, msg, t.maxTimeout)
}

// SendWithTimeout publishes msg as a request. The timeout is capped by the
// configured maximum. A full pending map is reported immediately and nothing
// is registered.
func (t *RequestTemplate) SendWithTimeout(ctx context.Context, msg Message, timeout time.Duration) (*Future, error) {
	if timeout <= 0 || timeout > t.maxTimeout {
		timeout = t.maxTimeout
	}
	ctx, span := tracer.Start(ctx, "queue.RequestTemplate.Send", trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(attribute.String("tbq.template", t.name), attribute.String("tbq.topic", t.producer.DefaultTopic())))
	defer span.End()

	t.mu.Lock()
	if !t.started || t.stopped {
		t.mu.Unlock()
		span.SetStatus(codes.Error, "template stopped")
		return nil, ErrTemplateStopped
	}
	if len(t.pending) >= t.maxPending {
		t.mu.Unlock()
		t.metrics.Requests.WithLabelValues(t.name, OutcomeRejected).Inc()
		t.logger.Warn(ctx, "pending request map is full, consider increasing max_pending_requests",
			zap.String("template", t.name), zap.Int("max_pending_requests", t.maxPending))
		span.SetStatus(codes.Error, "capacity exceeded")
		return nil, cserrors.Wrap(cserrors.TBQCapacityExceeded,
			fmt.Sprintf("pending request map is full (%d)", t.maxPending), nil)
	}
	id := uuid.NewString()
	for t.pending[id] != nil {
		id = uuid.NewString()
	}
	now := t.now()
	fut := newFuture(id)
	t.pending[id] = &pendingRequest{future: fut, createdAt: now, timeout: timeout}
	t.metrics.Pending.WithLabelValues(t.name).Set(float64(len(t.pending)))
	t.mu.Unlock()

	span.SetAttributes(attribute.String("tbq.correlation_id", id))
	req := msg.WithKey([]byte(id)).
		WithHeader(HeaderRequestID, []byte(id)).
		WithHeader(HeaderResponseTopic, []byte(t.consumer.Topic())).
		WithHeader(HeaderExpireTS, []byte(strconv.FormatInt(now.Add(timeout).UnixMilli(), 10)))

	if err := t.producer.Send(ctx, t.producer.DefaultTopic(), req); err != nil {
		wrapped := cserrors.Wrap(cserrors.TBQPublishFailed, "failed to publish request "+id, err)
		if p := t.remove(id); p != nil {
			p.future.resolve(Message{}, wrapped)
			t.metrics.Requests.WithLabelValues(t.name, OutcomeFailed).Inc()
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		return nil, wrapped
	}
	return fut, nil
}

// Pending reports the number of in-flight requests.
func (t *RequestTemplate) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Stop rejects new requests, stops both loops, resolves every pending request
// with ErrRequestCancelled and then releases the producer and consumer. The
// admin belongs to whoever built the template.
func (t *RequestTemplate) Stop() {
	t.stopOnce.Do(func() {
		t.mu.Lock()
		t.stopped = true
		cancel := t.cancel
		t.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		t.wg.Wait()

		t.mu.Lock()
		pending := t.pending
		t.pending = make(map[string]*pendingRequest)
		t.metrics.Pending.WithLabelValues(t.name).Set(0)
		t.mu.Unlock()
		for id, p := range pending {
			if p.future.resolve(Message{}, cserrors.Wrap(cserrors.TBQRequestCancelled, "request "+id+" cancelled by template shutdown", nil)) {
				t.metrics.Requests.WithLabelValues(t.name, OutcomeCancelled).Inc()
			}
		}

		ctx := context.Background()
		if err := t.consumer.Unsubscribe(); err != nil {
			t.logger.Warn(ctx, "failed to unsubscribe response consumer", zap.String("template", t.name), zap.Error(err))
		}
		if err := t.producer.Stop(); err != nil {
			t.logger.Warn(ctx, "failed to stop request producer", zap.String("template", t.name), zap.Error(err))
		}
		t.logger.Info(ctx, "request template stopped", zap.String("template", t.name), zap.Int("cancelled", len(pending)))
	})
}

func (t *RequestTemplate) remove(id string) *pendingRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.pending[id]
	if !ok {
		return nil
	}
	delete(t.pending, id)
	t.metrics.Pending.WithLabelValues(t.name).Set(float64(len(t.pending)))
	return p
}

func (t *RequestTemplate) pollLoop(ctx context.Context) {
	defer t.wg.Done()
	for ctx.Err() == nil {
		msgs, err := t.consumer.Poll(ctx, t.interval)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.metrics.PollError.WithLabelValues(t.name).Inc()
			t.logger.Warn(ctx, "failed to poll responses", zap.String("template", t.name), zap.String("topic", t.consumer.Topic()), zap.Error(err))
			sleepCtx(ctx, t.interval)
			continue
		}
		for _, raw := range msgs {
			t.handleResponse(ctx, raw)
		}
		if len(msgs) == 0 {
			continue
		}
		if err := t.consumer.Commit(ctx); err != nil && ctx.Err() == nil {
			t.metrics.PollError.WithLabelValues(t.name).Inc()
			t.logger.Warn(ctx, "failed to commit responses", zap.String("template", t.name), zap.Error(err))
		}
	}
}

func (t *RequestTemplate) handleResponse(ctx context.Context, raw Message) {
	msg, err := t.decode(raw)
	if err != nil {
		t.metrics.Dropped.WithLabelValues(t.name, DropMalformed).Inc()
		t.logger.Warn(ctx, "dropping malformed response", zap.String("template", t.name), zap.Error(err))
		return
	}
	id := msg.KeyString()
	if id == "" {
		id = msg.headers.GetString(HeaderRequestID)
	}
	if id == "" {
		t.metrics.Dropped.WithLabelValues(t.name, DropNoCorrelation).Inc()
		t.logger.Warn(ctx, "dropping response without correlation id", zap.String("template", t.name))
		return
	}
	p := t.remove(id)
	if p == nil {
		t.metrics.Dropped.WithLabelValues(t.name, DropUnmatched).Inc()
		t.logger.Debug(ctx, "dropping stale or foreign response", zap.String("template", t.name), zap.String("correlation_id", id))
		return
	}
	if p.future.resolve(msg, nil) {
		t.metrics.Requests.WithLabelValues(t.name, OutcomeCompleted).Inc()
	}
}

func (t *RequestTemplate) sweepLoop(ctx context.Context) {
	defer t.wg.Done()
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.expire(t.now())
		}
	}
}

func (t *RequestTemplate) expire(now time.Time) int {
	t.mu.Lock()
	var expired []*pendingRequest
	for id, p := range t.pending {
		if now.Sub(p.createdAt) >= p.timeout {
			expired = append(expired, p)
			delete(t.pending, id)
		}
	}
	t.metrics.Pending.WithLabelValues(t.name).Set(float64(len(t.pending)))
	t.mu.Unlock()

	for _, p := range expired {
		err := cserrors.Wrap(cserrors.TBQRequestTimeout,
			fmt.Sprintf("no response for request %s within %s", p.future.ID(), p.timeout), nil)
		if p.future.resolve(Message{}, err) {
			t.metrics.Requests.WithLabelValues(t.name, OutcomeTimedOut).Inc()
		}
	}
	return len(expired)
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
