package jsinvoke

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	cserrors "github.com/osvaldoandrade/tbqueue/internal/errors"
	"github.com/osvaldoandrade/tbqueue/internal/observability"
	"github.com/osvaldoandrade/tbqueue/internal/queue"
)

// Sender is the part of *queue.RequestTemplate the client needs.
type Sender interface {
	Send(ctx context.Context, msg queue.Message) (*queue.Future, error)
}

type ClientOptions struct {
	// MaxErrors blocks a script after this many runtime or timeout failures.
	// Zero disables blocking.
	MaxErrors int
	// BlockDuration is how long a blocked script stays blocked.
	BlockDuration time.Duration
	Logger        *observability.Logger
	Now           func() time.Time
}

type script struct {
	id           string
	hash         string
	functionName string
	body         string
	errors       int
	blockedUntil time.Time
}

// Client compiles scripts once on the executor side and invokes them by id.
// Identical bodies share one script id.
type Client struct {
	sender Sender
	opts   ClientOptions

	mu     sync.Mutex
	byID   map[string]*script
	byHash map[string]string
}

func NewClient(sender Sender, opts ClientOptions) *Client {
	if opts.Logger == nil {
		opts.Logger = observability.NewNopLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.BlockDuration <= 0 {
		opts.BlockDuration = time.Minute
	}
	return &Client{
		sender: sender,
		opts:   opts,
		byID:   make(map[string]*script),
		byHash: make(map[string]string),
	}
}

func scriptHash(functionName, body string) string {
	sum := sha256.Sum256([]byte(functionName + "\x00" + body))
	return hex.EncodeToString(sum[:])
}

// Eval compiles body on the executor and returns its script id. body is the
// complete function source, usually built with WrapFunction.
func (c *Client) Eval(ctx context.Context, functionName, body string) (string, error) {
	hash := scriptHash(functionName, body)
	c.mu.Lock()
	if id, ok := c.byHash[hash]; ok {
		c.mu.Unlock()
		return id, nil
	}
	c.mu.Unlock()

	id := uuid.NewString()
	resp, err := c.call(ctx, Request{Compile: &CompileRequest{ScriptID: id, FunctionName: functionName, ScriptBody: body}})
	if err != nil {
		return "", err
	}
	if resp.Compile == nil {
		return "", cserrors.New(cserrors.TBQMalformedMessage, "expected a compile response")
	}
	if !resp.Compile.Success {
		return "", resp.Compile.ErrorCode.Err(resp.Compile.ErrorDetails)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.byHash[hash]; ok {
		// Lost a race with another Eval of the same body.
		return existing, nil
	}
	c.byID[id] = &script{id: id, hash: hash, functionName: functionName, body: body}
	c.byHash[hash] = id
	return id, nil
}

// Invoke runs a compiled script. args are JSON documents, one per parameter
// of the wrapped function; the result is the JSON encoding of the return value.
func (c *Client) Invoke(ctx context.Context, scriptID string, args ...string) (string, error) {
	c.mu.Lock()
	s, ok := c.byID[scriptID]
	if !ok {
		c.mu.Unlock()
		return "", cserrors.New(cserrors.TBQScriptNotFound, "script "+scriptID+" is not compiled")
	}
	if now := c.opts.Now(); now.Before(s.blockedUntil) {
		c.mu.Unlock()
		return "", cserrors.New(cserrors.TBQScriptRuntimeFailed, "script "+scriptID+" is blocked after repeated failures")
	}
	req := InvokeRequest{ScriptID: s.id, FunctionName: s.functionName, ScriptBody: s.body, Args: args}
	c.mu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		req.TimeoutMS = time.Until(deadline).Milliseconds()
	}
	resp, err := c.call(ctx, Request{Invoke: &req})
	if err != nil {
		if cserrors.CodeOf(err) == cserrors.TBQRequestTimeout {
			c.recordFailure(scriptID, err)
		}
		return "", err
	}
	if resp.Invoke == nil {
		return "", cserrors.New(cserrors.TBQMalformedMessage, "expected an invoke response")
	}
	if !resp.Invoke.Success {
		err := resp.Invoke.ErrorCode.Err(resp.Invoke.ErrorDetails)
		if resp.Invoke.ErrorCode == RuntimeError || resp.Invoke.ErrorCode == TimeoutError {
			c.recordFailure(scriptID, err)
		}
		return "", err
	}
	c.mu.Lock()
	if s, ok := c.byID[scriptID]; ok {
		s.errors = 0
	}
	c.mu.Unlock()
	return resp.Invoke.Result, nil
}

// Release drops the script on the executor and forgets it locally.
func (c *Client) Release(ctx context.Context, scriptID string) error {
	c.mu.Lock()
	s, ok := c.byID[scriptID]
	if ok {
		delete(c.byID, scriptID)
		delete(c.byHash, s.hash)
	}
	c.mu.Unlock()
	if !ok {
		return nil
	}
	resp, err := c.call(ctx, Request{Release: &ReleaseRequest{ScriptID: scriptID, FunctionName: s.functionName}})
	if err != nil {
		return err
	}
	if resp.Release == nil || !resp.Release.Success {
		return cserrors.New(cserrors.TBQScriptRuntimeFailed, "executor did not release script "+scriptID)
	}
	return nil
}

// Scripts returns the number of compiled scripts known to the client.
func (c *Client) Scripts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byID)
}

func (c *Client) recordFailure(scriptID string, cause error) {
	if c.opts.MaxErrors <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.byID[scriptID]
	if !ok {
		return
	}
	s.errors++
	if s.errors >= c.opts.MaxErrors {
		s.errors = 0
		s.blockedUntil = c.opts.Now().Add(c.opts.BlockDuration)
		c.opts.Logger.Warn(context.Background(), "script blocked",
			zap.String("script_id", scriptID),
			zap.Duration("for", c.opts.BlockDuration),
			zap.Error(cause))
	}
}

func (c *Client) call(ctx context.Context, req Request) (Response, error) {
	msg, err := EncodeRequest(req)
	if err != nil {
		return Response{}, err
	}
	fut, err := c.sender.Send(ctx, msg)
	if err != nil {
		return Response{}, err
	}
	reply, err := fut.Get(ctx)
	if err != nil {
		return Response{}, err
	}
	return DecodeResponse(reply)
}
