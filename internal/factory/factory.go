// Package factory assembles the named queue channels of a service on top of
// one backend. It owns the per-channel admins and every template it builds.
package factory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/osvaldoandrade/tbqueue/internal/config"
	"github.com/osvaldoandrade/tbqueue/internal/discovery"
	cserrors "github.com/osvaldoandrade/tbqueue/internal/errors"
	"github.com/osvaldoandrade/tbqueue/internal/jsinvoke"
	"github.com/osvaldoandrade/tbqueue/internal/observability"
	"github.com/osvaldoandrade/tbqueue/internal/queue"
)

var (
	ErrUnsupportedChannel = cserrors.New(cserrors.TBQUnsupportedChannel, "channel is not supported by this backend")
	ErrDestroyed          = cserrors.New(cserrors.TBQBackendUnavailable, "queue factory is destroyed")
)

// Kind groups channels that share topic creation arguments and an admin.
type Kind string

const (
	KindCore          Kind = "core"
	KindRuleEngine    Kind = "rule_engine"
	KindTransportAPI  Kind = "transport_api"
	KindNotifications Kind = "notifications"
	KindJSExecutor    Kind = "js_executor"
	KindAlarmRules    Kind = "alarm_rules"
)

// Kinds lists every admin a factory holds, in destroy order.
var Kinds = []Kind{KindCore, KindRuleEngine, KindTransportAPI, KindNotifications, KindJSExecutor, KindAlarmRules}

type stopper interface {
	Stop()
}

type Factory struct {
	cfg     config.Config
	service discovery.ServiceInfo
	topics  discovery.TopicService
	backend queue.Backend
	logger  *observability.Logger
	metrics *queue.Metrics

	admins map[Kind]queue.Admin

	mu        sync.Mutex
	templates []stopper
	destroyed bool
	once      sync.Once
}

// New builds one admin per channel kind from the configured topic
// properties. The factory takes ownership of backend and closes it on Destroy.
func New(cfg config.Config, service discovery.ServiceInfo, backend queue.Backend, logger *observability.Logger, metrics *queue.Metrics) (*Factory, error) {
	if backend == nil {
		return nil, cserrors.New(cserrors.TBQValidationFailed, "queue backend is required")
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	if metrics == nil {
		metrics = queue.NewMetrics(nil)
	}
	f := &Factory{
		cfg:     cfg,
		service: service,
		topics:  discovery.NewTopicService(cfg.Queue.Prefix),
		backend: backend,
		logger:  logger,
		metrics: metrics,
		admins:  make(map[Kind]queue.Admin, len(Kinds)),
	}
	props := cfg.Queue.TopicProperties
	raw := map[Kind]string{
		KindCore:          props.Core,
		KindRuleEngine:    props.RuleEngine,
		KindTransportAPI:  props.TransportAPI,
		KindNotifications: props.Notifications,
		KindJSExecutor:    props.JSExecutor,
		KindAlarmRules:    props.AlarmRules,
	}
	for _, kind := range Kinds {
		a, err := backend.NewAdmin(queue.ParseProperties(raw[kind]))
		if err != nil {
			f.destroyAdmins()
			return nil, cserrors.Wrap(cserrors.TBQAdminFailed, fmt.Sprintf("failed to create %s admin", kind), err)
		}
		f.admins[kind] = a
	}
	return f, nil
}

func (f *Factory) Service() discovery.ServiceInfo {
	return f.service
}

func (f *Factory) Topics() discovery.TopicService {
	return f.topics
}

func (f *Factory) Backend() queue.Backend {
	return f.backend
}

// Admin returns the admin of a channel kind.
func (f *Factory) Admin(kind Kind) queue.Admin {
	return f.admins[kind]
}

func (f *Factory) checkOpen() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.destroyed {
		return ErrDestroyed
	}
	return nil
}

func (f *Factory) producer(ctx context.Context, kind Kind, topic string) (queue.Producer, error) {
	if err := f.checkOpen(); err != nil {
		return nil, err
	}
	admin := f.admins[kind]
	if err := admin.EnsureTopic(ctx, topic, nil); err != nil {
		return nil, err
	}
	return f.backend.NewProducer(admin, topic)
}

func (f *Factory) consumer(ctx context.Context, kind Kind, topic, group string) (queue.Consumer, error) {
	if err := f.checkOpen(); err != nil {
		return nil, err
	}
	admin := f.admins[kind]
	if err := admin.EnsureTopic(ctx, topic, nil); err != nil {
		return nil, err
	}
	return f.backend.NewConsumer(admin, topic, group)
}

func (f *Factory) sharedGroup(name string) string {
	return f.topics.BuildTopicName(string(f.service.Type) + "." + name)
}

func (f *Factory) TransportNotificationsProducer(ctx context.Context) (queue.Producer, error) {
	return f.producer(ctx, KindNotifications, f.topics.BuildTopicName(f.cfg.Queue.Transport.NotificationsTopic))
}

func (f *Factory) RuleEngineMsgProducer(ctx context.Context) (queue.Producer, error) {
	return f.producer(ctx, KindRuleEngine, f.topics.BuildTopicName(f.cfg.Queue.RuleEngine.Topic))
}

// RuleEngineNotificationsProducer defaults to the shared rule engine
// notifications topic; targeted sends pass the instance topic explicitly.
func (f *Factory) RuleEngineNotificationsProducer(ctx context.Context) (queue.Producer, error) {
	return f.producer(ctx, KindNotifications, f.topics.BuildTopicName(discovery.ServiceRuleEngine.NotificationsBase()))
}

func (f *Factory) CoreMsgProducer(ctx context.Context) (queue.Producer, error) {
	return f.producer(ctx, KindCore, f.topics.BuildTopicName(f.cfg.Queue.Core.Topic))
}

func (f *Factory) CoreNotificationsProducer(ctx context.Context) (queue.Producer, error) {
	return f.producer(ctx, KindNotifications, f.topics.BuildTopicName(discovery.ServiceCore.NotificationsBase()))
}

func (f *Factory) ToCoreMsgConsumer(ctx context.Context) (queue.Consumer, error) {
	topic := f.topics.BuildTopicName(f.cfg.Queue.Core.Topic)
	return f.consumer(ctx, KindCore, topic, f.sharedGroup("core"))
}

// ToCoreNotificationsConsumer reads the notifications addressed to this
// instance only.
func (f *Factory) ToCoreNotificationsConsumer(ctx context.Context) (queue.Consumer, error) {
	topic := f.topics.NotificationsTopic(discovery.ServiceCore, f.service.ID)
	return f.consumer(ctx, KindNotifications, topic, f.service.ID)
}

func (f *Factory) TransportAPIRequestConsumer(ctx context.Context) (queue.Consumer, error) {
	topic := f.topics.BuildTopicName(f.cfg.Queue.TransportAPI.RequestsTopic)
	return f.consumer(ctx, KindTransportAPI, topic, f.sharedGroup("transport.api"))
}

func (f *Factory) TransportAPIResponseProducer(ctx context.Context) (queue.Producer, error) {
	return f.producer(ctx, KindTransportAPI, f.topics.BuildTopicName(f.cfg.Queue.TransportAPI.ResponsesTopic))
}

func (f *Factory) ToUsageStatsMsgConsumer(ctx context.Context) (queue.Consumer, error) {
	topic := f.topics.BuildTopicName(f.cfg.Queue.Core.UsageStatsTopic)
	return f.consumer(ctx, KindCore, topic, f.sharedGroup("usage_stats"))
}

func (f *Factory) ToUsageStatsMsgProducer(ctx context.Context) (queue.Producer, error) {
	return f.producer(ctx, KindCore, f.topics.BuildTopicName(f.cfg.Queue.Core.UsageStatsTopic))
}

func (f *Factory) ToOTAPackageStateConsumer(ctx context.Context) (queue.Consumer, error) {
	topic := f.topics.BuildTopicName(f.cfg.Queue.Core.OTATopic)
	return f.consumer(ctx, KindCore, topic, f.sharedGroup("ota"))
}

func (f *Factory) ToOTAPackageStateProducer(ctx context.Context) (queue.Producer, error) {
	return f.producer(ctx, KindCore, f.topics.BuildTopicName(f.cfg.Queue.Core.OTATopic))
}

func (f *Factory) AlarmRulesMsgProducer(ctx context.Context) (queue.Producer, error) {
	return f.producer(ctx, KindAlarmRules, f.topics.BuildTopicName(f.cfg.Queue.AlarmRules.Topic))
}

// VersionControlMsgProducer is not available on any queue backend yet.
func (f *Factory) VersionControlMsgProducer(context.Context) (queue.Producer, error) {
	return nil, ErrUnsupportedChannel
}

// RemoteJSRequestTemplate publishes script requests to the shared request
// topic and reads the replies from a response topic owned by this instance.
// The template is initialized and stopped by Destroy.
func (f *Factory) RemoteJSRequestTemplate(ctx context.Context) (*queue.RequestTemplate, error) {
	js := f.cfg.Queue.JS
	return f.requestTemplate(ctx, requestChannel{
		name:          "remote_js",
		kind:          KindJSExecutor,
		requestTopic:  f.topics.BuildTopicName(js.RequestTopic),
		responseTopic: f.topics.ResponseTopic(js.ResponseTopicPrefix, f.service.ID),
		maxPending:    js.MaxPendingRequests,
		maxTimeout:    config.Millis(js.MaxRequestsTimeoutMS),
		pollInterval:  config.Millis(js.ResponsePollIntervalMS),
		decoder:       jsinvoke.ResponseDecoder,
	})
}

// TransportAPIRequestTemplate is the transport side of the transport API
// channel; core answers through TransportAPIResponseTemplate.
func (f *Factory) TransportAPIRequestTemplate(ctx context.Context) (*queue.RequestTemplate, error) {
	api := f.cfg.Queue.TransportAPI
	return f.requestTemplate(ctx, requestChannel{
		name:          "transport_api",
		kind:          KindTransportAPI,
		requestTopic:  f.topics.BuildTopicName(api.RequestsTopic),
		responseTopic: f.topics.ResponseTopic(api.ResponsesTopic, f.service.ID),
		maxPending:    api.MaxPendingRequests,
		maxTimeout:    config.Millis(api.MaxRequestsTimeoutMS),
		pollInterval:  config.Millis(api.ResponsePollIntervalMS),
	})
}

// RemoteJSResponseTemplate serves the remote JS request topic with handler.
// Replies go to each request's responseTopic header.
func (f *Factory) RemoteJSResponseTemplate(ctx context.Context, handler queue.Handler) (*queue.ResponseTemplate, error) {
	js := f.cfg.Queue.JS
	return f.responseTemplate(ctx, responseChannel{
		name:         "remote_js",
		kind:         KindJSExecutor,
		requestTopic: f.topics.BuildTopicName(js.RequestTopic),
		replyTopic:   f.topics.BuildTopicName(js.ResponseTopicPrefix),
		group:        f.sharedGroup("js_eval"),
		maxPending:   js.MaxPendingRequests,
		pollInterval: config.Millis(js.ResponsePollIntervalMS),
		timeout:      config.Millis(js.ScriptTimeoutMS),
	}, handler)
}

func (f *Factory) TransportAPIResponseTemplate(ctx context.Context, handler queue.Handler) (*queue.ResponseTemplate, error) {
	api := f.cfg.Queue.TransportAPI
	return f.responseTemplate(ctx, responseChannel{
		name:         "transport_api",
		kind:         KindTransportAPI,
		requestTopic: f.topics.BuildTopicName(api.RequestsTopic),
		replyTopic:   f.topics.BuildTopicName(api.ResponsesTopic),
		group:        f.sharedGroup("transport.api"),
		maxPending:   api.MaxPendingRequests,
		pollInterval: config.Millis(api.RequestPollIntervalMS),
		timeout:      config.Millis(api.MaxRequestsTimeoutMS),
	}, handler)
}

type requestChannel struct {
	name          string
	kind          Kind
	requestTopic  string
	responseTopic string
	maxPending    int
	maxTimeout    time.Duration
	pollInterval  time.Duration
	decoder       queue.ResponseDecoder
}

func (f *Factory) requestTemplate(ctx context.Context, ch requestChannel) (*queue.RequestTemplate, error) {
	if err := f.checkOpen(); err != nil {
		return nil, err
	}
	admin := f.admins[ch.kind]
	producer, err := f.backend.NewProducer(admin, ch.requestTopic)
	if err != nil {
		return nil, err
	}
	consumer, err := f.backend.NewConsumer(admin, ch.responseTopic, f.service.ID)
	if err != nil {
		_ = producer.Stop()
		return nil, err
	}
	tmpl, err := queue.NewRequestTemplate(queue.RequestTemplateConfig{
		Name:               ch.name,
		Admin:              admin,
		Producer:           producer,
		Consumer:           consumer,
		MaxPendingRequests: ch.maxPending,
		MaxRequestTimeout:  ch.maxTimeout,
		PollInterval:       ch.pollInterval,
		Decoder:            ch.decoder,
		Logger:             f.logger.Named("request_template." + ch.name),
		Metrics:            f.metrics,
	})
	if err != nil {
		_ = producer.Stop()
		return nil, err
	}
	if err := tmpl.Init(ctx); err != nil {
		tmpl.Stop()
		return nil, err
	}
	if err := f.track(tmpl); err != nil {
		return nil, err
	}
	return tmpl, nil
}

type responseChannel struct {
	name         string
	kind         Kind
	requestTopic string
	replyTopic   string
	group        string
	maxPending   int
	pollInterval time.Duration
	timeout      time.Duration
}

func (f *Factory) responseTemplate(ctx context.Context, ch responseChannel, handler queue.Handler) (*queue.ResponseTemplate, error) {
	if err := f.checkOpen(); err != nil {
		return nil, err
	}
	admin := f.admins[ch.kind]
	consumer, err := f.backend.NewConsumer(admin, ch.requestTopic, ch.group)
	if err != nil {
		return nil, err
	}
	producer, err := f.backend.NewProducer(admin, ch.replyTopic)
	if err != nil {
		_ = consumer.Unsubscribe()
		return nil, err
	}
	tmpl, err := queue.NewResponseTemplate(queue.ResponseTemplateConfig{
		Name:               ch.name,
		Admin:              admin,
		Consumer:           consumer,
		Producer:           producer,
		Handler:            handler,
		MaxPendingRequests: ch.maxPending,
		PollInterval:       ch.pollInterval,
		RequestTimeout:     ch.timeout,
		Logger:             f.logger.Named("response_template." + ch.name),
		Metrics:            f.metrics,
	})
	if err != nil {
		_ = consumer.Unsubscribe()
		_ = producer.Stop()
		return nil, err
	}
	if err := tmpl.Start(ctx); err != nil {
		tmpl.Stop()
		return nil, err
	}
	if err := f.track(tmpl); err != nil {
		return nil, err
	}
	return tmpl, nil
}

// track registers a template for Destroy. A template built while Destroy ran
// is stopped on the spot.
func (f *Factory) track(s stopper) error {
	f.mu.Lock()
	if f.destroyed {
		f.mu.Unlock()
		s.Stop()
		return ErrDestroyed
	}
	f.templates = append(f.templates, s)
	f.mu.Unlock()
	return nil
}

// Destroy stops every template, so their pending requests are cancelled
// before it returns, then destroys every admin and closes the backend.
// Calling it again does nothing.
func (f *Factory) Destroy() {
	f.once.Do(func() {
		f.mu.Lock()
		f.destroyed = true
		templates := f.templates
		f.templates = nil
		f.mu.Unlock()

		for i := len(templates) - 1; i >= 0; i-- {
			templates[i].Stop()
		}
		f.destroyAdmins()
		if err := f.backend.Close(); err != nil {
			f.logger.Warn(context.Background(), "failed to close queue backend", zap.String("backend", f.backend.Name()), zap.Error(err))
		}
		f.logger.Info(context.Background(), "queue factory destroyed", zap.Int("templates", len(templates)))
	})
}

func (f *Factory) destroyAdmins() {
	for _, kind := range Kinds {
		if a, ok := f.admins[kind]; ok {
			f.destroyAdmin(kind, a)
		}
	}
}

func (f *Factory) destroyAdmin(kind Kind, a queue.Admin) {
	defer func() {
		if r := recover(); r != nil {
			f.logger.Error(context.Background(), "queue admin destroy panicked", zap.String("kind", string(kind)), zap.Any("panic", r))
		}
	}()
	a.Destroy()
}
