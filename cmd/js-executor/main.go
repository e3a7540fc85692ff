package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/osvaldoandrade/tbqueue/internal/api"
	"github.com/osvaldoandrade/tbqueue/internal/config"
	"github.com/osvaldoandrade/tbqueue/internal/jsexecutor"
	_ "github.com/osvaldoandrade/tbqueue/internal/plugins/drivers"
	"github.com/osvaldoandrade/tbqueue/internal/queue"
	"github.com/osvaldoandrade/tbqueue/internal/service"
)

type executorService struct {
	rt        *service.Runtime
	exec      *jsexecutor.Executor
	responder *queue.ResponseTemplate
}

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to config YAML")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		panic(err)
	}
	cfg.Service.Type = "js_executor"
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = service.Main(ctx, cfg, "js-executor", func(ctx context.Context, rt *service.Runtime) error {
		svc, err := start(ctx, rt)
		if err != nil {
			return err
		}
		rt.Logger.Info(ctx, "js-executor started", zap.String("addr", rt.Config.HTTP.Addr))
		return service.Serve(ctx, rt.Config.HTTP.Addr, svc.routes())
	})
	stop()
	if err != nil {
		os.Exit(1)
	}
}

// start builds the executor and begins serving the shared request topic.
func start(ctx context.Context, rt *service.Runtime) (*executorService, error) {
	js := rt.Config.Queue.JS
	exec := jsexecutor.New(jsexecutor.Options{
		MaxScriptBodyBytes: js.MaxScriptBodyBytes,
		ScriptTimeout:      config.Millis(js.ScriptTimeoutMS),
		Logger:             rt.Logger.Named("script"),
		Registerer:         rt.Registry,
	})
	responder, err := rt.Factory.RemoteJSResponseTemplate(ctx, exec.Handle)
	if err != nil {
		return nil, err
	}
	return &executorService{rt: rt, exec: exec, responder: responder}, nil
}

func (s *executorService) routes() http.Handler {
	r := s.rt.Router(s.rt.Ready)
	r.Get("/api/v1/scripts", func(w http.ResponseWriter, r *http.Request) {
		api.WriteJSON(w, http.StatusOK, map[string]any{"compiled": s.exec.Scripts()})
	})
	return r
}
