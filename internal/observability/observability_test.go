package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	h := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name     string
		incoming string
		keep     bool
	}{
		{"minted when absent", "", false},
		{"propagated", "req_abc-123", true},
		{"replaced when too long", strings.Repeat("a", maxRequestIDLen+1), false},
		{"replaced when not printable", "req 1\n", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/readyz", nil)
			if tc.incoming != "" {
				r.Header.Set(RequestIDHeader, tc.incoming)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, r)
			echoed := w.Header().Get(RequestIDHeader)
			if echoed == "" || echoed != seen {
				t.Fatalf("echoed %q, handler saw %q", echoed, seen)
			}
			if tc.keep != (echoed == tc.incoming) {
				t.Fatalf("incoming %q, echoed %q", tc.incoming, echoed)
			}
			if !tc.keep && !strings.HasPrefix(echoed, "req_") {
				t.Fatalf("minted id %q", echoed)
			}
		})
	}
}

func TestEnsureRequestID(t *testing.T) {
	ctx, id := EnsureRequestID(context.Background())
	if id == "" || RequestIDFromContext(ctx) != id {
		t.Fatalf("expected generated request id, got %q", id)
	}
	again, sameID := EnsureRequestID(ctx)
	if sameID != id || RequestIDFromContext(again) != id {
		t.Fatalf("existing request id should be preserved: %q vs %q", sameID, id)
	}
	if WithRequestID(ctx, "") != ctx {
		t.Fatal("empty id must not shadow the existing one")
	}
}

func TestLoggerWritesJSONWithRequestID(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter("tb-core", &buf)
	logger.Info(WithRequestID(context.Background(), "9f1c"), "response published", zap.String("topic", "js_eval.responses.core-1"))

	var entry struct {
		TsMS      int64  `json:"ts_ms"`
		Level     string `json:"level"`
		Service   string `json:"service"`
		RequestID string `json:"request_id"`
		Topic     string `json:"topic"`
	}
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("invalid json log: %v", err)
	}
	if entry.Service != "tb-core" || entry.RequestID != "9f1c" || entry.Level != "info" || entry.Topic != "js_eval.responses.core-1" || entry.TsMS == 0 {
		t.Fatalf("unexpected log entry: %+v", entry)
	}
}

func TestLoggerNamedAndLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter("tb-core", &buf).Named("loop.core")
	logger.Warn(context.Background(), "poll failed", zap.Error(errors.New("broker down")))

	var raw map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &raw); err != nil {
		t.Fatalf("invalid json log: %v", err)
	}
	if raw["component"] != "loop.core" || raw["error"] != "broker down" || raw["level"] != "warn" {
		t.Fatalf("unexpected log entry: %v", raw)
	}

	NewLoggerWithLevel("svc", "bogus").Debug(context.Background(), "dropped")
	NewNopLogger().Error(context.Background(), "dropped")
	var nilLogger *Logger
	nilLogger.Info(context.Background(), "nil logger is a no-op")
	if nilLogger.Named("x") == nil || nilLogger.Sync() != nil {
		t.Fatal("nil logger helpers must be safe")
	}
}

func TestMetricsHandler(t *testing.T) {
	reg := NewRegistry()
	hits := prometheus.NewCounter(prometheus.CounterOpts{Name: "tbq_test_hits_total", Help: "test"})
	reg.MustRegister(hits)
	hits.Inc()

	for _, h := range []http.Handler{MetricsHandler(reg), MetricsHandler(reg)} {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		body := w.Body.String()
		if w.Code != http.StatusOK || !strings.Contains(body, "go_goroutines") || !strings.Contains(body, "tbq_test_hits_total 1") {
			t.Fatalf("metrics = %d", w.Code)
		}
	}

	w := httptest.NewRecorder()
	MetricsHandler(nil).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("nil registry status = %d", w.Code)
	}
}
