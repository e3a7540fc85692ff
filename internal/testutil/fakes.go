package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/osvaldoandrade/tbqueue/internal/queue"
)

type SentMessage struct {
	Topic   string
	Message queue.Message
}

type FakeProducer struct {
	mu sync.Mutex

	Topic string

	SendFn func(context.Context, string, queue.Message) error
	StopFn func() error

	sent    []SentMessage
	stopped int
}

func (f *FakeProducer) DefaultTopic() string {
	return f.Topic
}

func (f *FakeProducer) Send(ctx context.Context, topic string, msg queue.Message) error {
	if topic == "" {
		topic = f.Topic
	}
	if f.SendFn != nil {
		if err := f.SendFn(ctx, topic, msg); err != nil {
			return err
		}
	}
	f.mu.Lock()
	f.sent = append(f.sent, SentMessage{Topic: topic, Message: msg})
	f.mu.Unlock()
	return nil
}

func (f *FakeProducer) Stop() error {
	f.mu.Lock()
	f.stopped++
	f.mu.Unlock()
	if f.StopFn != nil {
		return f.StopFn()
	}
	return nil
}

func (f *FakeProducer) Sent() []SentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]SentMessage, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *FakeProducer) StopCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

// FakeConsumer hands out whatever was pushed into it. Poll waits up to the
// timeout for the first message when nothing is queued.
type FakeConsumer struct {
	mu sync.Mutex

	TopicName string

	SubscribeFn   func(context.Context) error
	PollFn        func(context.Context, time.Duration) ([]queue.Message, error)
	CommitFn      func(context.Context) error
	UnsubscribeFn func() error

	queued       []queue.Message
	notify       chan struct{}
	subscribed   int
	unsubscribed int
	commits      int
}

func (f *FakeConsumer) Topic() string {
	return f.TopicName
}

func (f *FakeConsumer) Push(msgs ...queue.Message) {
	f.mu.Lock()
	f.queued = append(f.queued, msgs...)
	ch := f.signal()
	f.mu.Unlock()
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (f *FakeConsumer) signal() chan struct{} {
	if f.notify == nil {
		f.notify = make(chan struct{}, 1)
	}
	return f.notify
}

func (f *FakeConsumer) Subscribe(ctx context.Context) error {
	f.mu.Lock()
	f.subscribed++
	f.mu.Unlock()
	if f.SubscribeFn != nil {
		return f.SubscribeFn(ctx)
	}
	return nil
}

func (f *FakeConsumer) Poll(ctx context.Context, timeout time.Duration) ([]queue.Message, error) {
	if f.PollFn != nil {
		return f.PollFn(ctx, timeout)
	}
	if msgs := f.drain(); len(msgs) > 0 {
		return msgs, nil
	}
	f.mu.Lock()
	ch := f.signal()
	f.mu.Unlock()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	case <-ch:
	}
	return f.drain(), nil
}

func (f *FakeConsumer) drain() []queue.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.queued
	f.queued = nil
	return out
}

func (f *FakeConsumer) Commit(ctx context.Context) error {
	f.mu.Lock()
	f.commits++
	f.mu.Unlock()
	if f.CommitFn != nil {
		return f.CommitFn(ctx)
	}
	return nil
}

func (f *FakeConsumer) Unsubscribe() error {
	f.mu.Lock()
	f.unsubscribed++
	f.mu.Unlock()
	if f.UnsubscribeFn != nil {
		return f.UnsubscribeFn()
	}
	return nil
}

func (f *FakeConsumer) Commits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.commits
}

func (f *FakeConsumer) Subscribed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribed
}

func (f *FakeConsumer) Unsubscribed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unsubscribed
}

type FakeAdmin struct {
	mu sync.Mutex

	EnsureTopicFn func(context.Context, string, queue.Properties) error
	DestroyFn     func()

	ensured   []string
	destroyed int
}

func (f *FakeAdmin) EnsureTopic(ctx context.Context, topic string, args queue.Properties) error {
	if f.EnsureTopicFn != nil {
		if err := f.EnsureTopicFn(ctx, topic, args); err != nil {
			return err
		}
	}
	f.mu.Lock()
	f.ensured = append(f.ensured, topic)
	f.mu.Unlock()
	return nil
}

func (f *FakeAdmin) Destroy() {
	f.mu.Lock()
	f.destroyed++
	f.mu.Unlock()
	if f.DestroyFn != nil {
		f.DestroyFn()
	}
}

func (f *FakeAdmin) Ensured() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.ensured))
	copy(out, f.ensured)
	return out
}

func (f *FakeAdmin) Destroyed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.destroyed
}

// FakeBackend builds fake components and keeps them for inspection. The Fn
// hooks replace the defaults.
type FakeBackend struct {
	mu sync.Mutex

	NewAdminFn    func(queue.Properties) (queue.Admin, error)
	NewProducerFn func(queue.Admin, string) (queue.Producer, error)
	NewConsumerFn func(queue.Admin, string, string) (queue.Consumer, error)
	CloseFn       func() error

	Admins    []*FakeAdmin
	Producers []*FakeProducer
	Consumers []*FakeConsumer
	closed    int
}

func (f *FakeBackend) Name() string {
	return "fake"
}

func (f *FakeBackend) NewAdmin(defaults queue.Properties) (queue.Admin, error) {
	if f.NewAdminFn != nil {
		return f.NewAdminFn(defaults)
	}
	a := &FakeAdmin{}
	f.mu.Lock()
	f.Admins = append(f.Admins, a)
	f.mu.Unlock()
	return a, nil
}

func (f *FakeBackend) NewProducer(admin queue.Admin, topic string) (queue.Producer, error) {
	if f.NewProducerFn != nil {
		return f.NewProducerFn(admin, topic)
	}
	p := &FakeProducer{Topic: topic}
	f.mu.Lock()
	f.Producers = append(f.Producers, p)
	f.mu.Unlock()
	return p, nil
}

func (f *FakeBackend) NewConsumer(admin queue.Admin, topic, group string) (queue.Consumer, error) {
	if f.NewConsumerFn != nil {
		return f.NewConsumerFn(admin, topic, group)
	}
	c := &FakeConsumer{TopicName: topic}
	f.mu.Lock()
	f.Consumers = append(f.Consumers, c)
	f.mu.Unlock()
	return c, nil
}

func (f *FakeBackend) Close() error {
	f.mu.Lock()
	f.closed++
	f.mu.Unlock()
	if f.CloseFn != nil {
		return f.CloseFn()
	}
	return nil
}

func (f *FakeBackend) Closed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
