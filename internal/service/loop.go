package service

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/osvaldoandrade/tbqueue/internal/observability"
	"github.com/osvaldoandrade/tbqueue/internal/queue"
)

// BatchHandler processes one polled batch. Returning an error leaves the
// batch uncommitted so it is delivered again after the loop resubscribes.
type BatchHandler func(ctx context.Context, msgs []queue.Message) error

type LoopMetrics struct {
	Messages *prometheus.CounterVec
	Restarts *prometheus.CounterVec
}

func NewLoopMetrics(reg prometheus.Registerer) *LoopMetrics {
	m := &LoopMetrics{
		Messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tbq", Subsystem: "consumer_loop", Name: "messages_total",
			Help: "Messages handled by consumer loops",
		}, []string{"loop", "outcome"}),
		Restarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tbq", Subsystem: "consumer_loop", Name: "restarts_total",
			Help: "Consumer loop restarts after a failure",
		}, []string{"loop"}),
	}
	if reg != nil {
		reg.MustRegister(m.Messages, m.Restarts)
	}
	return m
}

// ConsumerLoop polls one consumer, hands batches to Handle and commits after
// each successful batch. Failures unsubscribe, back off and start over.
type ConsumerLoop struct {
	Name         string
	Consumer     queue.Consumer
	Handle       BatchHandler
	PollInterval time.Duration
	// MaxBackoff caps the restart delay. Defaults to 10s.
	MaxBackoff time.Duration
	Logger     *observability.Logger
	Metrics    *LoopMetrics
}

func (l *ConsumerLoop) Run(ctx context.Context) error {
	if l.PollInterval <= 0 {
		l.PollInterval = 25 * time.Millisecond
	}
	if l.MaxBackoff <= 0 {
		l.MaxBackoff = 10 * time.Second
	}
	if l.Logger == nil {
		l.Logger = observability.NewNopLogger()
	}
	if l.Metrics == nil {
		l.Metrics = NewLoopMetrics(nil)
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxInterval = l.MaxBackoff
	policy.MaxElapsedTime = 0

	for {
		err := l.consume(ctx, policy)
		if ctx.Err() != nil {
			return nil
		}
		delay := policy.NextBackOff()
		l.Metrics.Restarts.WithLabelValues(l.Name).Inc()
		l.Logger.Warn(ctx, "consumer loop failed, restarting",
			zap.String("loop", l.Name),
			zap.String("topic", l.Consumer.Topic()),
			zap.Duration("delay", delay),
			zap.Error(err))
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (l *ConsumerLoop) consume(ctx context.Context, policy backoff.BackOff) error {
	if err := l.Consumer.Subscribe(ctx); err != nil {
		return err
	}
	defer func() { _ = l.Consumer.Unsubscribe() }()

	for {
		msgs, err := l.Consumer.Poll(ctx, l.PollInterval)
		if err != nil {
			return err
		}
		if len(msgs) == 0 {
			continue
		}
		if err := l.Handle(ctx, msgs); err != nil {
			l.Metrics.Messages.WithLabelValues(l.Name, "failed").Add(float64(len(msgs)))
			return err
		}
		if err := l.Consumer.Commit(ctx); err != nil {
			return err
		}
		l.Metrics.Messages.WithLabelValues(l.Name, "committed").Add(float64(len(msgs)))
		policy.Reset()
	}
}
