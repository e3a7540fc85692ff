package queue

import (
	"encoding/json"
	"fmt"

	cserrors "github.com/osvaldoandrade/tbqueue/internal/errors"
)

// Well-known headers set by RequestTemplate and read by ResponseTemplate.
const (
	HeaderRequestID     = "requestId"
	HeaderResponseTopic = "responseTopic"
	HeaderExpireTS      = "expireTs"
)

type Header struct {
	Key   string `json:"k"`
	Value []byte `json:"v"`
}

// Headers is an insertion-ordered string -> bytes mapping. Putting an existing
// key replaces its value in place.
type Headers struct {
	entries []Header
}

func NewHeaders(kv ...Header) Headers {
	var h Headers
	for _, e := range kv {
		h.Put(e.Key, e.Value)
	}
	return h
}

func (h *Headers) Put(key string, value []byte) {
	v := cloneBytes(value)
	for i := range h.entries {
		if h.entries[i].Key == key {
			h.entries[i].Value = v
			return
		}
	}
	h.entries = append(h.entries, Header{Key: key, Value: v})
}

func (h Headers) Get(key string) ([]byte, bool) {
	for _, e := range h.entries {
		if e.Key == key {
			return cloneBytes(e.Value), true
		}
	}
	return nil, false
}

func (h Headers) GetString(key string) string {
	v, _ := h.Get(key)
	return string(v)
}

func (h Headers) Len() int {
	return len(h.entries)
}

func (h Headers) Keys() []string {
	out := make([]string, 0, len(h.entries))
	for _, e := range h.entries {
		out = append(out, e.Key)
	}
	return out
}

// Each visits headers in insertion order.
func (h Headers) Each(fn func(key string, value []byte)) {
	for _, e := range h.entries {
		fn(e.Key, cloneBytes(e.Value))
	}
}

func (h Headers) Clone() Headers {
	out := Headers{entries: make([]Header, 0, len(h.entries))}
	for _, e := range h.entries {
		out.entries = append(out.entries, Header{Key: e.Key, Value: cloneBytes(e.Value)})
	}
	return out
}

// Message is the broker-agnostic envelope. It is immutable: the constructor
// copies its inputs and accessors hand out copies.
type Message struct {
	key     []byte
	data    []byte
	headers Headers
}

func NewMessage(key, data []byte, headers Headers) Message {
	return Message{key: cloneBytes(key), data: cloneBytes(data), headers: headers.Clone()}
}

func (m Message) Key() []byte {
	return cloneBytes(m.key)
}

func (m Message) KeyString() string {
	return string(m.key)
}

func (m Message) Data() []byte {
	return cloneBytes(m.data)
}

func (m Message) Headers() Headers {
	return m.headers.Clone()
}

func (m Message) Header(key string) ([]byte, bool) {
	return m.headers.Get(key)
}

// WithKey returns a copy of m carrying key.
func (m Message) WithKey(key []byte) Message {
	return Message{key: cloneBytes(key), data: cloneBytes(m.data), headers: m.headers.Clone()}
}

// WithHeader returns a copy of m with key set to value.
func (m Message) WithHeader(key string, value []byte) Message {
	h := m.headers.Clone()
	h.Put(key, value)
	return Message{key: cloneBytes(m.key), data: cloneBytes(m.data), headers: h}
}

func (m Message) String() string {
	return fmt.Sprintf("Message{key=%q, data=%d bytes, headers=%v}", m.key, len(m.data), m.headers.Keys())
}

type wireMessage struct {
	Key     []byte   `json:"key"`
	Data    []byte   `json:"data"`
	Headers []Header `json:"headers,omitempty"`
}

// EncodeEnvelope serializes m for backends without native key/header support.
func EncodeEnvelope(m Message) ([]byte, error) {
	return json.Marshal(wireMessage{Key: m.key, Data: m.data, Headers: m.headers.entries})
}

func DecodeEnvelope(raw []byte) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(raw, &w); err != nil {
		return Message{}, cserrors.Wrap(cserrors.TBQMalformedMessage, "failed to decode queue envelope", err)
	}
	return NewMessage(w.Key, w.Data, NewHeaders(w.Headers...)), nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
