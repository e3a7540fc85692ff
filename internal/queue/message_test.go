package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	cserrors "github.com/osvaldoandrade/tbqueue/internal/errors"
)

func TestMessageIsImmutable(t *testing.T) {
	key := []byte("k")
	data := []byte("payload")
	h := NewHeaders(Header{Key: "a", Value: []byte("1")})
	m := NewMessage(key, data, h)

	key[0] = 'x'
	data[0] = 'X'
	h.Put("a", []byte("changed"))
	if m.KeyString() != "k" || string(m.Data()) != "payload" {
		t.Fatalf("constructor did not copy inputs: %s", m)
	}
	if v, _ := m.Header("a"); string(v) != "1" {
		t.Fatalf("header aliased caller's map: %q", v)
	}

	out := m.Data()
	out[0] = 'Z'
	if string(m.Data()) != "payload" {
		t.Fatal("Data must return a copy")
	}

	derived := m.WithHeader("b", []byte("2")).WithKey([]byte("k2"))
	if m.Headers().Len() != 1 || derived.Headers().Len() != 2 || derived.KeyString() != "k2" {
		t.Fatalf("With* mutated the original: %s / %s", m, derived)
	}
}

func TestHeadersKeepInsertionOrder(t *testing.T) {
	var h Headers
	h.Put("z", []byte("1"))
	h.Put("a", []byte("2"))
	h.Put("m", []byte("3"))
	h.Put("z", []byte("4"))

	keys := h.Keys()
	if len(keys) != 3 || keys[0] != "z" || keys[1] != "a" || keys[2] != "m" {
		t.Fatalf("keys = %v", keys)
	}
	if h.GetString("z") != "4" {
		t.Fatalf("replace in place failed: %q", h.GetString("z"))
	}
	if _, ok := h.Get("missing"); ok {
		t.Fatal("missing header reported present")
	}
	var visited []string
	h.Each(func(k string, _ []byte) { visited = append(visited, k) })
	if len(visited) != 3 || visited[0] != "z" {
		t.Fatalf("Each order = %v", visited)
	}
}

func TestEnvelopeRoundTripAndMalformed(t *testing.T) {
	m := NewMessage([]byte("id-1"), []byte{0, 1, 2}, NewHeaders(
		Header{Key: HeaderRequestID, Value: []byte("id-1")},
		Header{Key: HeaderResponseTopic, Value: []byte("resp")},
	))
	raw, err := EncodeEnvelope(m)
	if err != nil {
		t.Fatalf("EncodeEnvelope: %v", err)
	}
	back, err := DecodeEnvelope(raw)
	if err != nil {
		t.Fatalf("DecodeEnvelope: %v", err)
	}
	if back.KeyString() != "id-1" || len(back.Data()) != 3 {
		t.Fatalf("decoded %s", back)
	}
	keys := back.Headers().Keys()
	if len(keys) != 2 || keys[0] != HeaderRequestID || keys[1] != HeaderResponseTopic {
		t.Fatalf("header order lost: %v", keys)
	}

	if _, err := DecodeEnvelope([]byte("{not json")); !errors.Is(err, cserrors.New(cserrors.TBQMalformedMessage, "")) {
		t.Fatalf("expected malformed message error, got %v", err)
	}
}

func TestParsePropertiesAndMerge(t *testing.T) {
	p := ParseProperties("partitions:3; replication.factor:1;;bad;retention.ms:604800000; :x")
	if len(p) != 3 || p["partitions"] != "3" || p["replication.factor"] != "1" || p["retention.ms"] != "604800000" {
		t.Fatalf("parsed %v", p)
	}
	if got := p.String(); got != "partitions:3;replication.factor:1;retention.ms:604800000" {
		t.Fatalf("String = %q", got)
	}
	merged := p.Merge(Properties{"partitions": "12"})
	if merged["partitions"] != "12" || p["partitions"] != "3" {
		t.Fatalf("merge mutated receiver or lost override: %v %v", p, merged)
	}
	if len(ParseProperties("")) != 0 {
		t.Fatal("empty string should parse to no properties")
	}
}

func TestTopicSetEnsureIsIdempotent(t *testing.T) {
	var s TopicSet
	calls := 0
	create := func() error { calls++; return nil }

	if err := s.Ensure("tb_core", create); err != nil {
		t.Fatalf("first ensure: %v", err)
	}
	if err := s.Ensure("tb_core", create); err != nil {
		t.Fatalf("second ensure: %v", err)
	}
	if calls != 1 {
		t.Fatalf("create called %d times", calls)
	}

	failing := func() error { return errors.New("broker down") }
	if err := s.Ensure("tb_rule_engine", failing); err == nil {
		t.Fatal("expected create error")
	}
	if s.Has("tb_rule_engine") {
		t.Fatal("failed creation must not be remembered")
	}
	_ = s.Ensure("tb_rule_engine", create)
	if names := s.Names(); len(names) != 2 || names[0] != "tb_core" {
		t.Fatalf("names = %v", names)
	}
	s.Reset()
	if s.Has("tb_core") {
		t.Fatal("Reset should forget topics")
	}
}

func TestFutureResolvesOnce(t *testing.T) {
	f := newFuture("id")
	if f.Resolved() {
		t.Fatal("new future resolved")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := f.Get(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Get on unresolved future = %v", err)
	}

	if !f.resolve(NewMessage([]byte("id"), []byte("first"), Headers{}), nil) {
		t.Fatal("first resolve should win")
	}
	if f.resolve(Message{}, errors.New("late")) {
		t.Fatal("second resolve must be ignored")
	}
	msg, err := f.Get(context.Background())
	if err != nil || string(msg.Data()) != "first" {
		t.Fatalf("Get = (%s, %v)", msg, err)
	}
	select {
	case <-f.Done():
	default:
		t.Fatal("Done not closed")
	}
}
