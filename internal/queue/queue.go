// Package queue defines the broker-agnostic producer/consumer/admin contracts
// and the request/reply templates built on top of them.
//
// Delivery is at-least-once: a consumer that does not Commit before it stops
// sees the same messages again after restart. Ordering is best-effort and only
// within one producer writing one key to one partition, when the backend keeps it.
package queue

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// Producer publishes messages. Send returns once the broker acknowledged the
// message or failed to; transient failures are returned, never retried here.
type Producer interface {
	DefaultTopic() string
	// Send publishes msg to topic, or to DefaultTopic when topic is empty.
	Send(ctx context.Context, topic string, msg Message) error
	Stop() error
}

// Consumer reads one topic. A Consumer is used by a single goroutine.
type Consumer interface {
	Topic() string
	Subscribe(ctx context.Context) error
	// Poll returns the messages available now, or waits up to timeout and
	// returns an empty slice.
	Poll(ctx context.Context, timeout time.Duration) ([]Message, error)
	// Commit acknowledges everything returned by previous polls.
	Commit(ctx context.Context) error
	Unsubscribe() error
}

// Admin creates topics on demand. EnsureTopic is idempotent; Destroy releases
// broker resources, may be called many times and only logs its failures.
type Admin interface {
	// EnsureTopic creates topic if absent. Nil args means the admin's defaults.
	EnsureTopic(ctx context.Context, topic string, args Properties) error
	Destroy()
}

// Backend builds the components of one concrete broker. Everything above the
// backend depends on these interfaces only.
type Backend interface {
	Name() string
	NewAdmin(defaults Properties) (Admin, error)
	NewProducer(admin Admin, defaultTopic string) (Producer, error)
	NewConsumer(admin Admin, topic, group string) (Consumer, error)
	Close() error
}

// Properties are per-channel topic creation arguments, written in config as
// "key:value;key:value".
type Properties map[string]string

func ParseProperties(raw string) Properties {
	out := Properties{}
	for _, part := range strings.Split(raw, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k, v, ok := strings.Cut(part, ":")
		if !ok {
			continue
		}
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		out[k] = strings.TrimSpace(v)
	}
	return out
}

// Merge returns a copy of p overlaid with other.
func (p Properties) Merge(other Properties) Properties {
	out := make(Properties, len(p)+len(other))
	for k, v := range p {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

func (p Properties) String() string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+":"+p[k])
	}
	return strings.Join(parts, ";")
}

// TopicSet remembers which topics an admin already created.
type TopicSet struct {
	mu      sync.Mutex
	created map[string]struct{}
}

// Ensure runs create at most once per topic until it succeeds.
func (s *TopicSet) Ensure(topic string, create func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.created == nil {
		s.created = make(map[string]struct{})
	}
	if _, ok := s.created[topic]; ok {
		return nil
	}
	if err := create(); err != nil {
		return err
	}
	s.created[topic] = struct{}{}
	return nil
}

func (s *TopicSet) Has(topic string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.created[topic]
	return ok
}

func (s *TopicSet) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.created))
	for name := range s.created {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (s *TopicSet) Reset() {
	s.mu.Lock()
	s.created = nil
	s.mu.Unlock()
}
