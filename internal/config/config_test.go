package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadRejectsUnknownBackend(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("queue:\n  type: pulsar\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestLoadMissingFileAndBadYAML(t *testing.T) {
	t.Parallel()
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected read error")
	}
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("queue: [unclosed"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected yaml error")
	}
}

func TestLoadWithEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := `
service:
  type: tb_core
  id: core-1
queue:
  type: kafka
  prefix: prod
  kafka:
    bootstrap_servers: ["kafka:9092"]
  core:
    topic: tb_core
    poll_interval_ms: 50
  js:
    request_topic: js_eval.requests
    response_topic_prefix: js_eval.responses
    max_pending_requests: 50
    max_requests_timeout_ms: 2000
  topic_properties:
    core: "partitions:10;retention.ms:604800000"
http:
  addr: :9090
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TBQ_KAFKA_BOOTSTRAP_SERVERS", "k1:9092, k2:9092,")
	t.Setenv("TBQ_SERVICE_ID", "core-env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := cfg.Queue.Kafka.BootstrapServers; len(got) != 2 || got[0] != "k1:9092" || got[1] != "k2:9092" {
		t.Fatalf("env override did not apply, got %v", got)
	}
	if cfg.Service.ID != "core-env" {
		t.Fatalf("service id = %q", cfg.Service.ID)
	}
	if cfg.Queue.Prefix != "prod" || cfg.Queue.Core.PollIntervalMS != 50 {
		t.Fatalf("file values lost: %+v", cfg.Queue.Core)
	}
	if cfg.Queue.JS.MaxPendingRequests != 50 || cfg.Queue.JS.MaxRequestsTimeoutMS != 2000 {
		t.Fatalf("js settings = %+v", cfg.Queue.JS)
	}
	if cfg.Queue.TopicProperties.Core != "partitions:10;retention.ms:604800000" {
		t.Fatalf("topic properties = %q", cfg.Queue.TopicProperties.Core)
	}
	// Defaults fill what the file omits.
	if cfg.Queue.TransportAPI.RequestsTopic != "tb_transport.api.requests" || cfg.Queue.AlarmRules.Topic != "tb_alarm_rules" {
		t.Fatalf("defaults not applied: %+v", cfg.Queue.TransportAPI)
	}
	if cfg.HTTP.Addr != ":9090" || cfg.Log.Level != "info" {
		t.Fatalf("http/log = %q/%q", cfg.HTTP.Addr, cfg.Log.Level)
	}
}

func TestDefaultIsValid(t *testing.T) {
	t.Setenv("TBQ_QUEUE_TYPE", "in-memory")
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate, got %v", err)
	}
	if cfg.Queue.Type != BackendMemory {
		t.Fatalf("queue type = %q", cfg.Queue.Type)
	}
	if cfg.Queue.JS.MaxPendingRequests != 10000 || cfg.Queue.JS.MaxRequestsTimeoutMS != 10000 || cfg.Queue.JS.ResponsePollIntervalMS != 25 {
		t.Fatalf("js defaults = %+v", cfg.Queue.JS)
	}
}

func TestMillis(t *testing.T) {
	if Millis(25) != 25*time.Millisecond {
		t.Fatalf("Millis(25) = %s", Millis(25))
	}
}
