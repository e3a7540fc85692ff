package factory

import (
	"context"
	"sort"

	"github.com/osvaldoandrade/tbqueue/internal/config"
	"github.com/osvaldoandrade/tbqueue/internal/discovery"
	cserrors "github.com/osvaldoandrade/tbqueue/internal/errors"
	"github.com/osvaldoandrade/tbqueue/internal/queue"
)

// Channel is one named topic the factory can build a producer for.
type Channel struct {
	Name  string `json:"name"`
	Kind  Kind   `json:"kind"`
	Topic string `json:"topic"`
}

// Channels lists every topic of this service instance, sorted by name.
func (f *Factory) Channels() []Channel {
	return ResolveChannels(f.cfg, f.service)
}

// ResolveChannels computes the channel topics for service without touching a
// broker.
func ResolveChannels(cfg config.Config, service discovery.ServiceInfo) []Channel {
	q := cfg.Queue
	t := discovery.NewTopicService(q.Prefix)
	id := service.ID
	out := []Channel{
		{"core", KindCore, t.BuildTopicName(q.Core.Topic)},
		{"core.notifications", KindNotifications, t.BuildTopicName(discovery.ServiceCore.NotificationsBase())},
		{"core.notifications.instance", KindNotifications, t.NotificationsTopic(discovery.ServiceCore, id)},
		{"usage_stats", KindCore, t.BuildTopicName(q.Core.UsageStatsTopic)},
		{"ota", KindCore, t.BuildTopicName(q.Core.OTATopic)},
		{"rule_engine", KindRuleEngine, t.BuildTopicName(q.RuleEngine.Topic)},
		{"rule_engine.notifications", KindNotifications, t.BuildTopicName(discovery.ServiceRuleEngine.NotificationsBase())},
		{"transport.notifications", KindNotifications, t.BuildTopicName(q.Transport.NotificationsTopic)},
		{"transport_api.requests", KindTransportAPI, t.BuildTopicName(q.TransportAPI.RequestsTopic)},
		{"transport_api.responses", KindTransportAPI, t.BuildTopicName(q.TransportAPI.ResponsesTopic)},
		{"transport_api.responses.instance", KindTransportAPI, t.ResponseTopic(q.TransportAPI.ResponsesTopic, id)},
		{"js.requests", KindJSExecutor, t.BuildTopicName(q.JS.RequestTopic)},
		{"js.responses.instance", KindJSExecutor, t.ResponseTopic(q.JS.ResponseTopicPrefix, id)},
		{"alarm_rules", KindAlarmRules, t.BuildTopicName(q.AlarmRules.Topic)},
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Channel looks a channel up by name.
func (f *Factory) Channel(name string) (Channel, bool) {
	for _, ch := range f.Channels() {
		if ch.Name == name {
			return ch, true
		}
	}
	return Channel{}, false
}

// EnsureAll creates every channel topic through its admin and stops at the
// first failure.
func (f *Factory) EnsureAll(ctx context.Context) error {
	if err := f.checkOpen(); err != nil {
		return err
	}
	for _, ch := range f.Channels() {
		if err := f.admins[ch.Kind].EnsureTopic(ctx, ch.Topic, nil); err != nil {
			return err
		}
	}
	return nil
}

// ChannelProducer builds a producer on a named channel.
func (f *Factory) ChannelProducer(ctx context.Context, name string) (queue.Producer, error) {
	if name == "version_control" {
		return f.VersionControlMsgProducer(ctx)
	}
	ch, ok := f.Channel(name)
	if !ok {
		return nil, cserrors.New(cserrors.TBQValidationFailed, "unknown channel "+name)
	}
	return f.producer(ctx, ch.Kind, ch.Topic)
}
