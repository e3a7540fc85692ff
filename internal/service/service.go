// Package service holds the process plumbing shared by the binaries: building
// the queue factory from config, the health and metrics router, and running
// long-lived loops until shutdown.
package service

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/osvaldoandrade/tbqueue/internal/api"
	"github.com/osvaldoandrade/tbqueue/internal/config"
	"github.com/osvaldoandrade/tbqueue/internal/discovery"
	cserrors "github.com/osvaldoandrade/tbqueue/internal/errors"
	"github.com/osvaldoandrade/tbqueue/internal/factory"
	"github.com/osvaldoandrade/tbqueue/internal/observability"
	"github.com/osvaldoandrade/tbqueue/internal/plugins/registry"
	"github.com/osvaldoandrade/tbqueue/internal/queue"
)

// Runtime is everything a service process builds once at startup.
type Runtime struct {
	Config   config.Config
	Info     discovery.ServiceInfo
	Logger   *observability.Logger
	Registry *prometheus.Registry
	Metrics  *queue.Metrics
	Factory  *factory.Factory
}

// Bootstrap validates cfg and builds the backend named by queue.type and the
// factory on top of it. The caller owns the result and must Close it.
func Bootstrap(cfg config.Config, name string) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, cserrors.Wrap(cserrors.TBQValidationFailed, "invalid configuration", err)
	}
	info, err := discovery.NewServiceInfo(cfg.Service.Type, cfg.Service.ID)
	if err != nil {
		return nil, err
	}
	cfg.Service.ID = info.ID

	logger := observability.NewLoggerWithLevel(name, cfg.Log.Level)
	reg := observability.NewRegistry()
	metrics := queue.NewMetrics(reg)

	backend, err := registry.NewBackend(cfg, logger)
	if err != nil {
		return nil, cserrors.Wrap(cserrors.TBQBackendUnavailable, "failed to build queue backend", err)
	}
	f, err := factory.New(cfg, info, backend, logger.Named("factory"), metrics)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	logger.Info(context.Background(), "queue factory ready",
		zap.String("backend", backend.Name()),
		zap.String("service_type", string(info.Type)),
		zap.String("service_id", info.ID))
	return &Runtime{Config: cfg, Info: info, Logger: logger, Registry: reg, Metrics: metrics, Factory: f}, nil
}

// Main bootstraps a runtime, hands it to run and closes it whatever run
// returns. Errors are logged before they are returned.
func Main(ctx context.Context, cfg config.Config, name string, run func(context.Context, *Runtime) error) error {
	rt, err := Bootstrap(cfg, name)
	if err != nil {
		observability.NewLogger(name).Error(ctx, "bootstrap failed", zap.Error(err))
		return err
	}
	defer rt.Close()
	if err := run(ctx, rt); err != nil {
		rt.Logger.Error(ctx, name+" stopped", zap.Error(err))
		return err
	}
	return nil
}

// Close destroys the factory and flushes the logger.
func (r *Runtime) Close() {
	r.Factory.Destroy()
	_ = r.Logger.Sync()
}

// Ready pings the backend when it can be pinged.
func (r *Runtime) Ready(ctx context.Context) error {
	if p, ok := r.Factory.Backend().(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}

// Router returns a chi router with /healthz, /readyz and /metrics mounted.
// ready is consulted by /readyz; nil means always ready.
func (r *Runtime) Router(ready func(context.Context) error) chi.Router {
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(observability.RequestIDMiddleware)

	router.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		api.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	router.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
		if ready != nil {
			if err := ready(req.Context()); err != nil {
				cserrors.WriteHTTP(w, err, observability.RequestIDFromContext(req.Context()))
				return
			}
		}
		api.WriteJSON(w, http.StatusOK, map[string]any{
			"status":       "ready",
			"service_type": r.Info.Type,
			"service_id":   r.Info.ID,
		})
	})
	router.Handle("/metrics", observability.MetricsHandler(r.Registry))
	return router
}

// Serve runs an HTTP server on addr until ctx is done.
func Serve(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Run starts every fn and waits. The first error cancels the others.
func Run(ctx context.Context, fns ...func(context.Context) error) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, fn := range fns {
		fn := fn
		g.Go(func() error { return fn(gctx) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
