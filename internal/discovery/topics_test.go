package discovery

import (
	"errors"
	"testing"

	cserrors "github.com/osvaldoandrade/tbqueue/internal/errors"
)

func TestBuildTopicName(t *testing.T) {
	tests := []struct {
		prefix string
		base   string
		want   string
	}{
		{"", "tb_core", "tb_core"},
		{"prod", "tb_core", "prod.tb_core"},
		{" .edge. ", "tb_rule_engine", "edge.tb_rule_engine"},
	}
	for _, tc := range tests {
		got := NewTopicService(tc.prefix).BuildTopicName(tc.base)
		if got != tc.want {
			t.Fatalf("BuildTopicName(%q) with prefix %q = %q, want %q", tc.base, tc.prefix, got, tc.want)
		}
	}
}

func TestNotificationsAndResponseTopicsAreInstanceScoped(t *testing.T) {
	ts := NewTopicService("")
	a := ts.NotificationsTopic(ServiceCore, "core-a")
	b := ts.NotificationsTopic(ServiceCore, "core-b")
	if a != "tb_core.notifications.core-a" || a == b {
		t.Fatalf("notifications topics %q / %q", a, b)
	}
	if got := ts.NotificationsTopic(ServiceRuleEngine, "re-1"); got != "tb_rule_engine.notifications.re-1" {
		t.Fatalf("rule engine notifications = %q", got)
	}
	if got := NewTopicService("prod").ResponseTopic("js_eval.responses", "core-a"); got != "prod.js_eval.responses.core-a" {
		t.Fatalf("response topic = %q", got)
	}
	if ts.Prefix() != "" {
		t.Fatal("empty prefix expected")
	}
}

func TestParseServiceType(t *testing.T) {
	st, err := ParseServiceType(" TB_CORE ")
	if err != nil || st != ServiceCore {
		t.Fatalf("got (%q, %v)", st, err)
	}
	if _, err := ParseServiceType("mqtt"); cserrors.CodeOf(err) != cserrors.TBQValidationFailed {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestNewServiceInfo(t *testing.T) {
	info, err := NewServiceInfo("tb_core", "core-1")
	if err != nil || info.ID != "core-1" || info.Type != ServiceCore {
		t.Fatalf("got (%+v, %v)", info, err)
	}

	orig := hostname
	t.Cleanup(func() { hostname = orig })
	hostname = func() (string, error) { return "node-3", nil }
	info, err = NewServiceInfo("js_executor", "")
	if err != nil || info.ID != "js_executor-node-3" {
		t.Fatalf("got (%+v, %v)", info, err)
	}

	hostname = func() (string, error) { return "", errors.New("no hostname") }
	if _, err := NewServiceInfo("tb_core", ""); err == nil {
		t.Fatal("expected error without id or hostname")
	}
	if _, err := NewServiceInfo("bogus", "x"); err == nil {
		t.Fatal("expected error for unknown type")
	}
}
