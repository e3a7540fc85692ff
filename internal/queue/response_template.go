package queue

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	cserrors "github.com/osvaldoandrade/tbqueue/internal/errors"
	"github.com/osvaldoandrade/tbqueue/internal/observability"
)

// Handler computes the reply for one request. Returning an error drops the
// request; the caller on the other side sees a timeout.
type Handler func(ctx context.Context, req Message) (Message, error)

type ResponseTemplateConfig struct {
	Name               string
	Admin              Admin
	Consumer           Consumer
	Producer           Producer
	Handler            Handler
	MaxPendingRequests int
	PollInterval       time.Duration
	RequestTimeout     time.Duration
	Logger             *observability.Logger
	Metrics            *Metrics
	Now                func() time.Time
}

// ResponseTemplate is the serving side of RequestTemplate: it polls a request
// topic, runs the handler and publishes the reply to the topic named in the
// responseTopic header, keyed by the request's correlation id.
type ResponseTemplate struct {
	name     string
	admin    Admin
	consumer Consumer
	producer Producer
	handler  Handler
	interval time.Duration
	timeout  time.Duration
	logger   *observability.Logger
	metrics  *Metrics
	now      func() time.Time
	slots    chan struct{}

	mu       sync.Mutex
	cancel   context.CancelFunc
	loop     sync.WaitGroup
	inflight sync.WaitGroup
	stopOnce sync.Once
}

func NewResponseTemplate(cfg ResponseTemplateConfig) (*ResponseTemplate, error) {
	if cfg.Consumer == nil || cfg.Producer == nil || cfg.Handler == nil {
		return nil, cserrors.New(cserrors.TBQValidationFailed, "response template needs a consumer, a producer and a handler")
	}
	t := &ResponseTemplate{
		name:     cfg.Name,
		admin:    cfg.Admin,
		consumer: cfg.Consumer,
		producer: cfg.Producer,
		handler:  cfg.Handler,
		interval: cfg.PollInterval,
		timeout:  cfg.RequestTimeout,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		now:      cfg.Now,
	}
	if t.name == "" {
		t.name = cfg.Consumer.Topic()
	}
	max := cfg.MaxPendingRequests
	if max <= 0 {
		max = DefaultMaxPendingRequests
	}
	t.slots = make(chan struct{}, max)
	if t.interval <= 0 {
		t.interval = DefaultPollInterval
	}
	if t.timeout <= 0 {
		t.timeout = DefaultMaxRequestTimeout
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

func (t *ResponseTemplate) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.cancel != nil {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	if t.admin != nil {
		if err := t.admin.EnsureTopic(ctx, t.consumer.Topic(), nil); err != nil {
			return err
		}
	}
	if err := t.consumer.Subscribe(ctx); err != nil {
		return err
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()

	t.loop.Add(1)
	go t.pollLoop(loopCtx)
	t.logger.Info(ctx, "response template started", zap.String("template", t.name), zap.String("topic", t.consumer.Topic()))
	return nil
}

// Stop ends polling, waits for running handlers and releases the consumer and
// producer.
func (t *ResponseTemplate) Stop() {
	t.stopOnce.Do(func() {
		t.mu.Lock()
		cancel := t.cancel
		t.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		t.loop.Wait()
		t.inflight.Wait()

		ctx := context.Background()
		if err := t.consumer.Unsubscribe(); err != nil {
			t.logger.Warn(ctx, "failed to unsubscribe request consumer", zap.String("template", t.name), zap.Error(err))
		}
		if err := t.producer.Stop(); err != nil {
			t.logger.Warn(ctx, "failed to stop response producer", zap.String("template", t.name), zap.Error(err))
		}
		t.logger.Info(ctx, "response template stopped", zap.String("template", t.name))
	})
}

func (t *ResponseTemplate) pollLoop(ctx context.Context) {
	defer t.loop.Done()
	for ctx.Err() == nil {
		msgs, err := t.consumer.Poll(ctx, t.interval)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.metrics.PollError.WithLabelValues(t.name).Inc()
			t.logger.Warn(ctx, "failed to poll requests", zap.String("template", t.name), zap.Error(err))
			sleepCtx(ctx, t.interval)
			continue
		}
		for _, req := range msgs {
			if !t.acquire(ctx) {
				return
			}
			t.inflight.Add(1)
			go func(req Message) {
				defer t.inflight.Done()
				defer t.release()
				t.handle(ctx, req)
			}(req)
		}
		if len(msgs) == 0 {
			continue
		}
		if err := t.consumer.Commit(ctx); err != nil && ctx.Err() == nil {
			t.metrics.PollError.WithLabelValues(t.name).Inc()
			t.logger.Warn(ctx, "failed to commit requests", zap.String("template", t.name), zap.Error(err))
		}
	}
}

func (t *ResponseTemplate) acquire(ctx context.Context) bool {
	select {
	case t.slots <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (t *ResponseTemplate) release() {
	<-t.slots
}

func (t *ResponseTemplate) handle(loopCtx context.Context, req Message) {
	id := req.KeyString()
	if id == "" {
		id = req.headers.GetString(HeaderRequestID)
	}
	replyTopic := req.headers.GetString(HeaderResponseTopic)
	if replyTopic == "" {
		t.metrics.Dropped.WithLabelValues(t.name, DropNoReplyTopic).Inc()
		t.logger.Warn(loopCtx, "dropping request without response topic", zap.String("template", t.name), zap.String("correlation_id", id))
		return
	}
	deadline := t.now().Add(t.timeout)
	if raw := req.headers.GetString(HeaderExpireTS); raw != "" {
		if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
			expireAt := time.UnixMilli(ms)
			if !t.now().Before(expireAt) {
				t.metrics.Dropped.WithLabelValues(t.name, DropExpired).Inc()
				t.logger.Debug(loopCtx, "dropping expired request", zap.String("template", t.name), zap.String("correlation_id", id))
				return
			}
			if expireAt.Before(deadline) {
				deadline = expireAt
			}
		}
	}

	ctx, cancel := context.WithDeadline(observability.WithRequestID(loopCtx, id), deadline)
	defer cancel()
	ctx, span := tracer.Start(ctx, "queue.ResponseTemplate.Handle", trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(attribute.String("tbq.template", t.name), attribute.String("tbq.correlation_id", id)))
	defer span.End()

	resp, err := t.handler(ctx, req)
	if err != nil {
		t.metrics.Handled.WithLabelValues(t.name, OutcomeFailed).Inc()
		t.metrics.Dropped.WithLabelValues(t.name, DropHandlerFailure).Inc()
		t.logger.Warn(ctx, "request handler failed", zap.String("template", t.name), zap.String("correlation_id", id), zap.Error(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "handler failed")
		return
	}
	reply := resp.WithKey([]byte(id)).WithHeader(HeaderRequestID, []byte(id))
	if err := t.producer.Send(ctx, replyTopic, reply); err != nil {
		t.metrics.Handled.WithLabelValues(t.name, OutcomeFailed).Inc()
		t.logger.Warn(ctx, "failed to publish response", zap.String("template", t.name), zap.String("topic", replyTopic), zap.Error(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		return
	}
	t.metrics.Handled.WithLabelValues(t.name, OutcomeCompleted).Inc()
}
