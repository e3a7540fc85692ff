// Package jsexecutor runs scripts for the remote JS channel. Scripts are
// compiled once into goja programs and run in a fresh runtime per invocation.
package jsexecutor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	cserrors "github.com/osvaldoandrade/tbqueue/internal/errors"
	"github.com/osvaldoandrade/tbqueue/internal/jsinvoke"
	"github.com/osvaldoandrade/tbqueue/internal/observability"
	"github.com/osvaldoandrade/tbqueue/internal/queue"
)

type Options struct {
	MaxScriptBodyBytes int
	MaxResultBytes     int
	ScriptTimeout      time.Duration
	Logger             *observability.Logger
	Registerer         prometheus.Registerer
}

type script struct {
	program      *goja.Program
	functionName string
}

type Executor struct {
	maxBodyBytes   int
	maxResultBytes int
	timeout        time.Duration
	logger         *observability.Logger

	requests *prometheus.CounterVec
	duration prometheus.Histogram

	mu      sync.RWMutex
	scripts map[string]*script
}

func New(opts Options) *Executor {
	if opts.MaxScriptBodyBytes <= 0 {
		opts.MaxScriptBodyBytes = 50000
	}
	if opts.MaxResultBytes <= 0 {
		opts.MaxResultBytes = 256 * 1024
	}
	if opts.ScriptTimeout <= 0 {
		opts.ScriptTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = observability.NewNopLogger()
	}
	e := &Executor{
		maxBodyBytes:   opts.MaxScriptBodyBytes,
		maxResultBytes: opts.MaxResultBytes,
		timeout:        opts.ScriptTimeout,
		logger:         opts.Logger,
		scripts:        make(map[string]*script),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tbq", Subsystem: "js_executor", Name: "requests_total",
			Help: "Script requests by operation and outcome",
		}, []string{"op", "outcome"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "tbq", Subsystem: "js_executor", Name: "invoke_duration_seconds",
			Help:    "Script invocation latency",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
	}
	if opts.Registerer != nil {
		opts.Registerer.MustRegister(e.requests, e.duration)
	}
	return e
}

func (e *Executor) Scripts() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.scripts)
}

// Compile caches body under id. Compiling an id again replaces it.
func (e *Executor) Compile(id, functionName, body string) error {
	if len(body) > e.maxBodyBytes {
		return cserrors.New(cserrors.TBQScriptCompileFailed, fmt.Sprintf("script body is %d bytes, limit is %d", len(body), e.maxBodyBytes))
	}
	program, err := goja.Compile(id, body, false)
	if err != nil {
		return cserrors.Wrap(cserrors.TBQScriptCompileFailed, "failed to compile script "+id, err)
	}
	e.mu.Lock()
	e.scripts[id] = &script{program: program, functionName: functionName}
	e.mu.Unlock()
	return nil
}

// Release forgets id and reports whether it was cached.
func (e *Executor) Release(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.scripts[id]
	delete(e.scripts, id)
	return ok
}

func (e *Executor) lookup(req jsinvoke.InvokeRequest) (*script, error) {
	e.mu.RLock()
	s, ok := e.scripts[req.ScriptID]
	e.mu.RUnlock()
	if ok {
		return s, nil
	}
	if req.ScriptBody == "" {
		return nil, cserrors.New(cserrors.TBQScriptNotFound, "script "+req.ScriptID+" is not compiled")
	}
	if err := e.Compile(req.ScriptID, req.FunctionName, req.ScriptBody); err != nil {
		return nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.scripts[req.ScriptID], nil
}

// Invoke calls the compiled function with args decoded from JSON and returns
// the JSON encoding of its result. Arguments that are not JSON are passed as
// strings.
func (e *Executor) Invoke(ctx context.Context, req jsinvoke.InvokeRequest) (string, error) {
	start := time.Now()
	defer func() { e.duration.Observe(time.Since(start).Seconds()) }()

	s, err := e.lookup(req)
	if err != nil {
		return "", err
	}
	timeout := e.timeout
	if req.TimeoutMS > 0 && time.Duration(req.TimeoutMS)*time.Millisecond < timeout {
		timeout = time.Duration(req.TimeoutMS) * time.Millisecond
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	rt := goja.New()
	stop := context.AfterFunc(runCtx, func() {
		rt.Interrupt("script timeout")
	})
	defer stop()
	defer rt.ClearInterrupt()

	if err := e.bindConsole(ctx, rt, req.ScriptID); err != nil {
		return "", cserrors.Wrap(cserrors.TBQScriptRuntimeFailed, "failed to prepare runtime", err)
	}
	if _, err := rt.RunProgram(s.program); err != nil {
		return "", classify(req.ScriptID, err)
	}
	name := req.FunctionName
	if name == "" {
		name = s.functionName
	}
	fn, ok := goja.AssertFunction(rt.Get(name))
	if !ok {
		return "", cserrors.New(cserrors.TBQScriptRuntimeFailed, fmt.Sprintf("function %s is not defined by script %s", name, req.ScriptID))
	}

	args := make([]goja.Value, 0, len(req.Args))
	for _, raw := range req.Args {
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			args = append(args, rt.ToValue(raw))
			continue
		}
		args = append(args, rt.ToValue(v))
	}
	val, err := fn(goja.Undefined(), args...)
	if err != nil {
		return "", classify(req.ScriptID, err)
	}
	resolved, err := awaitValue(val)
	if err != nil {
		return "", classify(req.ScriptID, err)
	}
	return e.encodeResult(resolved)
}

func (e *Executor) encodeResult(v goja.Value) (string, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return "null", nil
	}
	raw, err := json.Marshal(v.Export())
	if err != nil {
		return "", cserrors.Wrap(cserrors.TBQScriptRuntimeFailed, "script result is not serializable", err)
	}
	if len(raw) > e.maxResultBytes {
		return "", cserrors.New(cserrors.TBQScriptRuntimeFailed, fmt.Sprintf("script result is %d bytes, limit is %d", len(raw), e.maxResultBytes))
	}
	return string(raw), nil
}

func awaitValue(val goja.Value) (goja.Value, error) {
	if val == nil {
		return val, nil
	}
	prom, ok := val.Export().(*goja.Promise)
	if !ok {
		return val, nil
	}
	switch prom.State() {
	case goja.PromiseStateRejected:
		return nil, fmt.Errorf("promise rejected: %v", prom.Result().Export())
	case goja.PromiseStatePending:
		return nil, errors.New("pending promise is not supported")
	}
	return prom.Result(), nil
}

func classify(id string, err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return cserrors.Wrap(cserrors.TBQScriptTimeout, "script "+id+" timed out", err)
	}
	return cserrors.Wrap(cserrors.TBQScriptRuntimeFailed, "script "+id+" failed", err)
}

// bindConsole routes console.log/info/warn/error to the service logger.
func (e *Executor) bindConsole(ctx context.Context, rt *goja.Runtime, id string) error {
	console := rt.NewObject()
	for _, level := range []string{"log", "info", "warn", "error"} {
		lvl := level
		if err := console.Set(lvl, func(call goja.FunctionCall) goja.Value {
			parts := make([]string, 0, len(call.Arguments))
			for _, a := range call.Arguments {
				parts = append(parts, a.String())
			}
			fields := []zap.Field{zap.String("script_id", id), zap.String("console", lvl)}
			line := strings.Join(parts, " ")
			switch lvl {
			case "warn":
				e.logger.Warn(ctx, line, fields...)
			case "error":
				e.logger.Error(ctx, line, fields...)
			default:
				e.logger.Debug(ctx, line, fields...)
			}
			return goja.Undefined()
		}); err != nil {
			return err
		}
	}
	return rt.Set("console", console)
}

// Handle serves one remote JS request. Script failures are reported inside
// the response; only an undecodable request returns an error.
func (e *Executor) Handle(ctx context.Context, msg queue.Message) (queue.Message, error) {
	req, err := jsinvoke.DecodeRequest(msg)
	if err != nil {
		e.requests.WithLabelValues("unknown", "malformed").Inc()
		return queue.Message{}, err
	}
	var resp jsinvoke.Response
	switch {
	case req.Compile != nil:
		c := req.Compile
		out := &jsinvoke.CompileResponse{ScriptID: c.ScriptID, Success: true}
		if err := e.Compile(c.ScriptID, c.FunctionName, c.ScriptBody); err != nil {
			out.Success = false
			out.ErrorCode = jsinvoke.CodeFor(err)
			out.ErrorDetails = err.Error()
			e.logger.Warn(ctx, "script compilation failed", zap.String("script_id", c.ScriptID), zap.Error(err))
		}
		e.requests.WithLabelValues("compile", outcome(out.Success)).Inc()
		resp.Compile = out
	case req.Invoke != nil:
		out := &jsinvoke.InvokeResponse{Success: true}
		result, err := e.Invoke(ctx, *req.Invoke)
		if err != nil {
			out.Success = false
			out.ErrorCode = jsinvoke.CodeFor(err)
			out.ErrorDetails = err.Error()
			e.logger.Debug(ctx, "script invocation failed", zap.String("script_id", req.Invoke.ScriptID), zap.Error(err))
		} else {
			out.Result = result
		}
		e.requests.WithLabelValues("invoke", outcome(out.Success)).Inc()
		resp.Invoke = out
	default:
		e.Release(req.Release.ScriptID)
		e.requests.WithLabelValues("release", "success").Inc()
		resp.Release = &jsinvoke.ReleaseResponse{Success: true, ScriptID: req.Release.ScriptID}
	}
	return jsinvoke.EncodeResponse(resp)
}

func outcome(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
