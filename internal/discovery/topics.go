// Package discovery resolves the identity of the running service and the
// physical topic names derived from it.
package discovery

import (
	"fmt"
	"os"
	"strings"

	cserrors "github.com/osvaldoandrade/tbqueue/internal/errors"
)

type ServiceType string

const (
	ServiceCore           ServiceType = "tb_core"
	ServiceRuleEngine     ServiceType = "tb_rule_engine"
	ServiceTransport      ServiceType = "tb_transport"
	ServiceJSExecutor     ServiceType = "js_executor"
	ServiceVersionControl ServiceType = "tb_vc_executor"
)

func ParseServiceType(raw string) (ServiceType, error) {
	switch st := ServiceType(strings.ToLower(strings.TrimSpace(raw))); st {
	case ServiceCore, ServiceRuleEngine, ServiceTransport, ServiceJSExecutor, ServiceVersionControl:
		return st, nil
	default:
		return "", cserrors.New(cserrors.TBQValidationFailed, fmt.Sprintf("unknown service type %q", raw))
	}
}

// NotificationsBase is the topic every instance of the service type shares;
// instance topics hang below it.
//
// Example: tb_core.notifications
func (s ServiceType) NotificationsBase() string {
	return string(s) + ".notifications"
}

// TopicService maps logical channel names to physical topic names. It holds
// no state besides the optional deployment prefix.
type TopicService struct {
	prefix string
}

func NewTopicService(prefix string) TopicService {
	return TopicService{prefix: strings.Trim(strings.TrimSpace(prefix), ".")}
}

func (t TopicService) Prefix() string {
	return t.prefix
}

// BuildTopicName returns base, namespaced by the prefix when one is configured.
//
// Example: prod.tb_core
func (t TopicService) BuildTopicName(base string) string {
	if t.prefix == "" {
		return base
	}
	return t.prefix + "." + base
}

// NotificationsTopic is readable only by the instance serviceID, which makes
// notifications targeted instead of load-balanced across a consumer group.
//
// Example: tb_core.notifications.core-7f9c
func (t TopicService) NotificationsTopic(serviceType ServiceType, serviceID string) string {
	return t.BuildTopicName(serviceType.NotificationsBase() + "." + serviceID)
}

// ResponseTopic scopes the response side of a request/reply channel to one
// requester instance.
//
// Example: js_eval.responses.core-7f9c
func (t TopicService) ResponseTopic(base, serviceID string) string {
	return t.BuildTopicName(base + "." + serviceID)
}

// ServiceInfo identifies the running process.
type ServiceInfo struct {
	Type ServiceType
	ID   string
}

var hostname = os.Hostname

// NewServiceInfo uses id when set, otherwise "<type>-<hostname>".
func NewServiceInfo(serviceType, id string) (ServiceInfo, error) {
	st, err := ParseServiceType(serviceType)
	if err != nil {
		return ServiceInfo{}, err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		host, err := hostname()
		if err != nil || host == "" {
			return ServiceInfo{}, cserrors.Wrap(cserrors.TBQValidationFailed, "service id not configured and hostname unavailable", err)
		}
		id = string(st) + "-" + host
	}
	return ServiceInfo{Type: st, ID: id}, nil
}
