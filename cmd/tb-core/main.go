package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/osvaldoandrade/tbqueue/internal/api"
	"github.com/osvaldoandrade/tbqueue/internal/config"
	cserrors "github.com/osvaldoandrade/tbqueue/internal/errors"
	"github.com/osvaldoandrade/tbqueue/internal/jsinvoke"
	"github.com/osvaldoandrade/tbqueue/internal/observability"
	_ "github.com/osvaldoandrade/tbqueue/internal/plugins/drivers"
	"github.com/osvaldoandrade/tbqueue/internal/queue"
	"github.com/osvaldoandrade/tbqueue/internal/service"
)

// Transport API requests name their operation in this header.
const headerMsgType = "msgType"

type server struct {
	rt     *service.Runtime
	logger *observability.Logger

	js         *jsinvoke.Client
	ruleEngine queue.Producer
	loops      []*service.ConsumerLoop

	usage *prometheus.CounterVec
}

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to config YAML")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		panic(err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = service.Main(ctx, cfg, "tb-core", func(ctx context.Context, rt *service.Runtime) error {
		s, err := newServer(ctx, rt)
		if err != nil {
			return err
		}
		return s.run(ctx)
	})
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func newServer(ctx context.Context, rt *service.Runtime) (*server, error) {
	f := rt.Factory
	s := &server{
		rt:     rt,
		logger: rt.Logger,
		usage: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tbq", Subsystem: "core", Name: "usage_stats_reports_total",
			Help: "Usage statistics reports received, by reporting service",
		}, []string{"service_id"}),
	}
	rt.Registry.MustRegister(s.usage)

	tmpl, err := f.RemoteJSRequestTemplate(ctx)
	if err != nil {
		return nil, err
	}
	s.js = jsinvoke.NewClient(tmpl, jsinvoke.ClientOptions{MaxErrors: 3, Logger: rt.Logger.Named("js")})

	if s.ruleEngine, err = f.RuleEngineMsgProducer(ctx); err != nil {
		return nil, err
	}
	if _, err := f.TransportAPIResponseTemplate(ctx, s.handleTransportAPI); err != nil {
		return nil, err
	}

	loopMetrics := service.NewLoopMetrics(rt.Registry)
	poll := config.Millis(rt.Config.Queue.Core.PollIntervalMS)
	consumers := []struct {
		name   string
		open   func(context.Context) (queue.Consumer, error)
		handle service.BatchHandler
	}{
		{"core", f.ToCoreMsgConsumer, s.forwardToRuleEngine},
		{"core.notifications", f.ToCoreNotificationsConsumer, s.logNotifications},
		{"usage_stats", f.ToUsageStatsMsgConsumer, s.countUsageStats},
		{"ota", f.ToOTAPackageStateConsumer, s.logOTAStates},
	}
	for _, c := range consumers {
		consumer, err := c.open(ctx)
		if err != nil {
			return nil, err
		}
		s.loops = append(s.loops, &service.ConsumerLoop{
			Name:         c.name,
			Consumer:     consumer,
			Handle:       c.handle,
			PollInterval: poll,
			Logger:       rt.Logger.Named("loop." + c.name),
			Metrics:      loopMetrics,
		})
	}
	return s, nil
}

func (s *server) run(ctx context.Context) error {
	fns := []func(context.Context) error{
		func(ctx context.Context) error { return service.Serve(ctx, s.rt.Config.HTTP.Addr, s.routes()) },
	}
	for _, l := range s.loops {
		fns = append(fns, l.Run)
	}
	s.logger.Info(ctx, "tb-core started", zap.String("addr", s.rt.Config.HTTP.Addr), zap.Int("loops", len(s.loops)))
	return service.Run(ctx, fns...)
}

func (s *server) routes() http.Handler {
	r := s.rt.Router(s.rt.Ready)
	r.Get("/api/v1/channels", s.listChannels)
	r.Post("/api/v1/scripts/invoke", s.invokeScript)
	r.Post("/api/v1/channels/{channel}/messages", s.publish)
	return r
}

func requestID(r *http.Request) string {
	return observability.RequestIDFromContext(r.Context())
}

func (s *server) listChannels(w http.ResponseWriter, r *http.Request) {
	api.WriteJSON(w, http.StatusOK, map[string]any{"channels": s.rt.Factory.Channels()})
}

type invokeScriptRequest struct {
	FunctionName string            `json:"functionName"`
	ArgNames     []string          `json:"argNames"`
	Body         string            `json:"body"`
	Args         []json.RawMessage `json:"args"`
	TimeoutMS    int               `json:"timeoutMs"`
}

type invokeScriptResponse struct {
	ScriptID string          `json:"scriptId"`
	Result   json.RawMessage `json:"result"`
}

// invokeScript wraps the body in a function, compiles it on a JS executor
// through the request template and runs it with the given arguments.
func (s *server) invokeScript(w http.ResponseWriter, r *http.Request) {
	var req invokeScriptRequest
	if err := api.ReadJSON(r, &req); err != nil {
		cserrors.WriteHTTP(w, err, requestID(r))
		return
	}
	if strings.TrimSpace(req.FunctionName) == "" || strings.TrimSpace(req.Body) == "" {
		cserrors.WriteHTTP(w, cserrors.New(cserrors.TBQValidationFailed, "functionName and body are required"), requestID(r))
		return
	}
	ctx := r.Context()
	if req.TimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, config.Millis(req.TimeoutMS))
		defer cancel()
	}

	id, err := s.js.Eval(ctx, req.FunctionName, jsinvoke.WrapFunction(req.FunctionName, req.Body, req.ArgNames...))
	if err != nil {
		cserrors.WriteHTTP(w, err, requestID(r))
		return
	}
	args := make([]string, len(req.Args))
	for i, a := range req.Args {
		args[i] = string(a)
	}
	result, err := s.js.Invoke(ctx, id, args...)
	if err != nil {
		cserrors.WriteHTTP(w, err, requestID(r))
		return
	}
	api.WriteJSON(w, http.StatusOK, invokeScriptResponse{ScriptID: id, Result: json.RawMessage(result)})
}

type publishRequest struct {
	Key     string            `json:"key"`
	Headers map[string]string `json:"headers"`
	Data    json.RawMessage   `json:"data"`
}

func (s *server) publish(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if err := api.ReadJSON(r, &req); err != nil {
		cserrors.WriteHTTP(w, err, requestID(r))
		return
	}
	p, err := s.rt.Factory.ChannelProducer(r.Context(), chi.URLParam(r, "channel"))
	if err != nil {
		cserrors.WriteHTTP(w, err, requestID(r))
		return
	}
	defer func() { _ = p.Stop() }()

	headers := queue.NewHeaders()
	for k, v := range req.Headers {
		headers.Put(k, []byte(v))
	}
	msg := queue.NewMessage([]byte(req.Key), req.Data, headers)
	if err := p.Send(r.Context(), p.DefaultTopic(), msg); err != nil {
		cserrors.WriteHTTP(w, err, requestID(r))
		return
	}
	api.WriteJSON(w, http.StatusAccepted, map[string]any{"topic": p.DefaultTopic()})
}

// forwardToRuleEngine hands every core message to the rule engine with its
// key and headers intact.
func (s *server) forwardToRuleEngine(ctx context.Context, msgs []queue.Message) error {
	for _, m := range msgs {
		if err := s.ruleEngine.Send(ctx, s.ruleEngine.DefaultTopic(), m); err != nil {
			return err
		}
	}
	return nil
}

func (s *server) logNotifications(ctx context.Context, msgs []queue.Message) error {
	for _, m := range msgs {
		s.logger.Info(ctx, "core notification", zap.String("key", m.KeyString()), zap.Int("bytes", len(m.Data())))
	}
	return nil
}

func (s *server) countUsageStats(_ context.Context, msgs []queue.Message) error {
	for _, m := range msgs {
		s.usage.WithLabelValues(m.KeyString()).Inc()
	}
	return nil
}

func (s *server) logOTAStates(ctx context.Context, msgs []queue.Message) error {
	for _, m := range msgs {
		s.logger.Debug(ctx, "ota package state", zap.String("key", m.KeyString()), zap.ByteString("state", m.Data()))
	}
	return nil
}

// handleTransportAPI answers transport API requests. Only liveness probes are
// served here; unknown operations are dropped by the template.
func (s *server) handleTransportAPI(_ context.Context, req queue.Message) (queue.Message, error) {
	switch msgType := req.Headers().GetString(headerMsgType); msgType {
	case "ping":
		headers := queue.NewHeaders()
		headers.Put(headerMsgType, []byte("pong"))
		headers.Put("ts", []byte(time.Now().UTC().Format(time.RFC3339Nano)))
		return queue.NewMessage(nil, req.Data(), headers), nil
	default:
		return queue.Message{}, cserrors.New(cserrors.TBQValidationFailed, "unsupported transport api request "+msgType)
	}
}
