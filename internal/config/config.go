package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend names accepted in queue.type.
const (
	BackendKafka    = "kafka"
	BackendRabbitMQ = "rabbitmq"
	BackendRedis    = "redis"
	BackendMemory   = "in-memory"
)

type Config struct {
	Service struct {
		Type string `yaml:"type"`
		ID   string `yaml:"id"`
	} `yaml:"service"`

	Queue QueueConfig `yaml:"queue"`

	HTTP struct {
		Addr string `yaml:"addr"`
	} `yaml:"http"`

	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

type QueueConfig struct {
	Type   string `yaml:"type"`
	Prefix string `yaml:"prefix"`

	Kafka struct {
		BootstrapServers []string `yaml:"bootstrap_servers"`
		Acks             string   `yaml:"acks"`
		BatchSize        int      `yaml:"batch_size"`
		LingerMS         int      `yaml:"linger_ms"`
		MaxPollRecords   int      `yaml:"max_poll_records"`
	} `yaml:"kafka"`

	RabbitMQ struct {
		URL                 string `yaml:"url"`
		Host                string `yaml:"host"`
		Port                int    `yaml:"port"`
		VirtualHost         string `yaml:"virtual_host"`
		Username            string `yaml:"username"`
		Password            string `yaml:"password"`
		ConnectionTimeoutMS int    `yaml:"connection_timeout_ms"`
		MaxPollMessages     int    `yaml:"max_poll_messages"`
	} `yaml:"rabbitmq"`

	Redis struct {
		Addr       string `yaml:"addr"`
		Password   string `yaml:"password"`
		DB         int    `yaml:"db"`
		MaxBatch   int    `yaml:"max_batch"`
		StreamsKey string `yaml:"topics_key"`
	} `yaml:"redis"`

	Core struct {
		Topic           string `yaml:"topic"`
		UsageStatsTopic string `yaml:"usage_stats_topic"`
		OTATopic        string `yaml:"ota_topic"`
		PollIntervalMS  int    `yaml:"poll_interval_ms"`
	} `yaml:"core"`

	RuleEngine struct {
		Topic string `yaml:"topic"`
	} `yaml:"rule_engine"`

	TransportAPI struct {
		RequestsTopic          string `yaml:"requests_topic"`
		ResponsesTopic         string `yaml:"responses_topic"`
		MaxPendingRequests     int    `yaml:"max_pending_requests"`
		MaxRequestsTimeoutMS   int    `yaml:"max_requests_timeout_ms"`
		ResponsePollIntervalMS int    `yaml:"response_poll_interval_ms"`
		RequestPollIntervalMS  int    `yaml:"request_poll_interval_ms"`
	} `yaml:"transport_api"`

	Transport struct {
		NotificationsTopic string `yaml:"notifications_topic"`
	} `yaml:"transport"`

	JS struct {
		RequestTopic           string `yaml:"request_topic"`
		ResponseTopicPrefix    string `yaml:"response_topic_prefix"`
		MaxPendingRequests     int    `yaml:"max_pending_requests"`
		MaxRequestsTimeoutMS   int    `yaml:"max_requests_timeout_ms"`
		ResponsePollIntervalMS int    `yaml:"response_poll_interval_ms"`
		MaxScriptBodyBytes     int    `yaml:"max_script_body_bytes"`
		ScriptTimeoutMS        int    `yaml:"script_timeout_ms"`
	} `yaml:"js"`

	AlarmRules struct {
		Topic string `yaml:"topic"`
	} `yaml:"alarm_rules"`

	VersionControl struct {
		Topic string `yaml:"topic"`
	} `yaml:"version_control"`

	// Topic creation arguments per channel kind, written as "key:value;key:value".
	TopicProperties struct {
		Core          string `yaml:"core"`
		RuleEngine    string `yaml:"rule_engine"`
		TransportAPI  string `yaml:"transport_api"`
		Notifications string `yaml:"notifications"`
		JSExecutor    string `yaml:"js_executor"`
		AlarmRules    string `yaml:"alarm_rules"`
	} `yaml:"topic_properties"`
}

func Load(path string) (Config, error) {
	var cfg Config
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, err
	}
	overrideEnv(&cfg)
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Default returns a configuration made only of defaults and environment
// overrides, for tools that run without a config file.
func Default() Config {
	var cfg Config
	overrideEnv(&cfg)
	applyDefaults(&cfg)
	return cfg
}

func overrideEnv(cfg *Config) {
	if v := os.Getenv("TBQ_SERVICE_TYPE"); v != "" {
		cfg.Service.Type = v
	}
	if v := os.Getenv("TBQ_SERVICE_ID"); v != "" {
		cfg.Service.ID = v
	}
	if v := os.Getenv("TBQ_QUEUE_TYPE"); v != "" {
		cfg.Queue.Type = v
	}
	if v := os.Getenv("TBQ_QUEUE_PREFIX"); v != "" {
		cfg.Queue.Prefix = v
	}
	if v := os.Getenv("TBQ_KAFKA_BOOTSTRAP_SERVERS"); v != "" {
		cfg.Queue.Kafka.BootstrapServers = cfg.Queue.Kafka.BootstrapServers[:0]
		for _, p := range strings.Split(v, ",") {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				cfg.Queue.Kafka.BootstrapServers = append(cfg.Queue.Kafka.BootstrapServers, trimmed)
			}
		}
	}
	if v := os.Getenv("TBQ_RABBITMQ_URL"); v != "" {
		cfg.Queue.RabbitMQ.URL = v
	}
	if v := os.Getenv("TBQ_RABBITMQ_PASSWORD"); v != "" {
		cfg.Queue.RabbitMQ.Password = v
	}
	if v := os.Getenv("TBQ_REDIS_ADDR"); v != "" {
		cfg.Queue.Redis.Addr = v
	}
	if v := os.Getenv("TBQ_REDIS_PASSWORD"); v != "" {
		cfg.Queue.Redis.Password = v
	}
	if v := os.Getenv("TBQ_JS_MAX_PENDING_REQUESTS"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.Queue.JS.MaxPendingRequests = parsed
		}
	}
	if v := os.Getenv("TBQ_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("TBQ_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

func applyDefaults(cfg *Config) {
	setString := func(dst *string, v string) {
		if strings.TrimSpace(*dst) == "" {
			*dst = v
		}
	}
	setInt := func(dst *int, v int) {
		if *dst == 0 {
			*dst = v
		}
	}

	setString(&cfg.Service.Type, "tb_core")
	setString(&cfg.HTTP.Addr, ":8080")
	setString(&cfg.Log.Level, "info")

	q := &cfg.Queue
	setString(&q.Type, BackendKafka)
	if len(q.Kafka.BootstrapServers) == 0 && q.Type == BackendKafka {
		q.Kafka.BootstrapServers = []string{"localhost:9092"}
	}
	setString(&q.Kafka.Acks, "all")
	setInt(&q.Kafka.BatchSize, 100)
	setInt(&q.Kafka.LingerMS, 1)
	setInt(&q.Kafka.MaxPollRecords, 500)

	setString(&q.RabbitMQ.Host, "localhost")
	setInt(&q.RabbitMQ.Port, 5672)
	setString(&q.RabbitMQ.VirtualHost, "/")
	setString(&q.RabbitMQ.Username, "guest")
	setString(&q.RabbitMQ.Password, "guest")
	setInt(&q.RabbitMQ.ConnectionTimeoutMS, 60000)
	setInt(&q.RabbitMQ.MaxPollMessages, 200)

	setString(&q.Redis.Addr, "localhost:6379")
	setInt(&q.Redis.MaxBatch, 500)
	setString(&q.Redis.StreamsKey, "tbq:topics")

	setString(&q.Core.Topic, "tb_core")
	setString(&q.Core.UsageStatsTopic, "tb_usage_stats")
	setString(&q.Core.OTATopic, "tb_ota_package")
	setInt(&q.Core.PollIntervalMS, 25)

	setString(&q.RuleEngine.Topic, "tb_rule_engine")

	setString(&q.TransportAPI.RequestsTopic, "tb_transport.api.requests")
	setString(&q.TransportAPI.ResponsesTopic, "tb_transport.api.responses")
	setInt(&q.TransportAPI.MaxPendingRequests, 10000)
	setInt(&q.TransportAPI.MaxRequestsTimeoutMS, 10000)
	setInt(&q.TransportAPI.ResponsePollIntervalMS, 25)
	setInt(&q.TransportAPI.RequestPollIntervalMS, 25)

	setString(&q.Transport.NotificationsTopic, "tb_transport.notifications")

	setString(&q.JS.RequestTopic, "js_eval.requests")
	setString(&q.JS.ResponseTopicPrefix, "js_eval.responses")
	setInt(&q.JS.MaxPendingRequests, 10000)
	setInt(&q.JS.MaxRequestsTimeoutMS, 10000)
	setInt(&q.JS.ResponsePollIntervalMS, 25)
	setInt(&q.JS.MaxScriptBodyBytes, 50000)
	setInt(&q.JS.ScriptTimeoutMS, 5000)

	setString(&q.AlarmRules.Topic, "tb_alarm_rules")
	setString(&q.VersionControl.Topic, "tb_version_control")
}

func (c Config) Validate() error {
	switch c.Service.Type {
	case "tb_core", "tb_rule_engine", "tb_transport", "js_executor", "tb_vc_executor":
	case "":
		return errors.New("service.type is required")
	default:
		return fmt.Errorf("unsupported service.type: %s", c.Service.Type)
	}

	q := c.Queue
	switch q.Type {
	case BackendKafka:
		if len(q.Kafka.BootstrapServers) == 0 {
			return errors.New("queue.kafka.bootstrap_servers is required")
		}
		switch q.Kafka.Acks {
		case "all", "one", "none":
		default:
			return fmt.Errorf("queue.kafka.acks must be all, one or none: %s", q.Kafka.Acks)
		}
	case BackendRabbitMQ:
		if strings.TrimSpace(q.RabbitMQ.URL) == "" && strings.TrimSpace(q.RabbitMQ.Host) == "" {
			return errors.New("queue.rabbitmq.url or queue.rabbitmq.host is required")
		}
	case BackendRedis:
		if strings.TrimSpace(q.Redis.Addr) == "" {
			return errors.New("queue.redis.addr is required")
		}
	case BackendMemory:
	case "":
		return errors.New("queue.type is required")
	default:
		return fmt.Errorf("unsupported queue.type: %s", q.Type)
	}

	topics := map[string]string{
		"queue.core.topic":                    q.Core.Topic,
		"queue.rule_engine.topic":             q.RuleEngine.Topic,
		"queue.transport_api.requests_topic":  q.TransportAPI.RequestsTopic,
		"queue.transport_api.responses_topic": q.TransportAPI.ResponsesTopic,
		"queue.js.request_topic":              q.JS.RequestTopic,
		"queue.js.response_topic_prefix":      q.JS.ResponseTopicPrefix,
	}
	for name, topic := range topics {
		if strings.TrimSpace(topic) == "" {
			return fmt.Errorf("%s is required", name)
		}
	}
	if q.JS.MaxPendingRequests <= 0 || q.TransportAPI.MaxPendingRequests <= 0 {
		return errors.New("max_pending_requests must be > 0")
	}
	if q.JS.MaxRequestsTimeoutMS <= 0 || q.TransportAPI.MaxRequestsTimeoutMS <= 0 {
		return errors.New("max_requests_timeout_ms must be > 0")
	}
	if q.JS.ResponsePollIntervalMS <= 0 || q.TransportAPI.ResponsePollIntervalMS <= 0 || q.Core.PollIntervalMS <= 0 {
		return errors.New("poll intervals must be > 0")
	}
	if c.HTTP.Addr == "" {
		return errors.New("http.addr is required")
	}
	return nil
}

// Millis converts a *_ms setting to a duration.
func Millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
