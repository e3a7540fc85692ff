// Package jsinvoke is the wire protocol between script callers and the
// remote JS executor, plus a caller-side client on top of a RequestTemplate.
//
// Every request and response is a JSON document carried as the data of a
// queue message. Exactly one of the compile, invoke or release members is set.
package jsinvoke

import (
	"encoding/json"
	"fmt"
	"strings"

	cserrors "github.com/osvaldoandrade/tbqueue/internal/errors"
	"github.com/osvaldoandrade/tbqueue/internal/queue"
)

type ErrorCode string

const (
	CompilationError ErrorCode = "COMPILATION_ERROR"
	RuntimeError     ErrorCode = "RUNTIME_ERROR"
	TimeoutError     ErrorCode = "TIMEOUT_ERROR"
	NotFoundError    ErrorCode = "NOT_FOUND_ERROR"
)

// Err converts a failed response into a coded error.
func (c ErrorCode) Err(details string) error {
	msg := strings.TrimSpace(details)
	if msg == "" {
		msg = strings.ToLower(strings.ReplaceAll(string(c), "_", " "))
	}
	switch c {
	case CompilationError:
		return cserrors.New(cserrors.TBQScriptCompileFailed, msg)
	case TimeoutError:
		return cserrors.New(cserrors.TBQScriptTimeout, msg)
	case NotFoundError:
		return cserrors.New(cserrors.TBQScriptNotFound, msg)
	default:
		return cserrors.New(cserrors.TBQScriptRuntimeFailed, msg)
	}
}

// CodeFor is the inverse of Err for errors raised by the executor.
func CodeFor(err error) ErrorCode {
	switch cserrors.CodeOf(err) {
	case cserrors.TBQScriptCompileFailed:
		return CompilationError
	case cserrors.TBQScriptTimeout:
		return TimeoutError
	case cserrors.TBQScriptNotFound:
		return NotFoundError
	default:
		return RuntimeError
	}
}

type CompileRequest struct {
	ScriptID     string `json:"scriptId"`
	FunctionName string `json:"functionName"`
	ScriptBody   string `json:"scriptBody"`
}

// InvokeRequest carries the script body too, so an executor that lost its
// cache can compile again instead of failing.
type InvokeRequest struct {
	ScriptID     string   `json:"scriptId"`
	FunctionName string   `json:"functionName"`
	ScriptBody   string   `json:"scriptBody,omitempty"`
	TimeoutMS    int64    `json:"timeout,omitempty"`
	Args         []string `json:"args"`
}

type ReleaseRequest struct {
	ScriptID     string `json:"scriptId"`
	FunctionName string `json:"functionName,omitempty"`
}

type Request struct {
	Compile *CompileRequest `json:"compileRequest,omitempty"`
	Invoke  *InvokeRequest  `json:"invokeRequest,omitempty"`
	Release *ReleaseRequest `json:"releaseRequest,omitempty"`
}

type CompileResponse struct {
	Success      bool      `json:"success"`
	ScriptID     string    `json:"scriptId"`
	ErrorCode    ErrorCode `json:"errorCode,omitempty"`
	ErrorDetails string    `json:"errorDetails,omitempty"`
}

type InvokeResponse struct {
	Success      bool      `json:"success"`
	Result       string    `json:"result,omitempty"`
	ErrorCode    ErrorCode `json:"errorCode,omitempty"`
	ErrorDetails string    `json:"errorDetails,omitempty"`
}

type ReleaseResponse struct {
	Success  bool   `json:"success"`
	ScriptID string `json:"scriptId"`
}

type Response struct {
	Compile *CompileResponse `json:"compileResponse,omitempty"`
	Invoke  *InvokeResponse  `json:"invokeResponse,omitempty"`
	Release *ReleaseResponse `json:"releaseResponse,omitempty"`
}

func (r Request) kind() string {
	n := 0
	kind := ""
	if r.Compile != nil {
		n++
		kind = "compile"
	}
	if r.Invoke != nil {
		n++
		kind = "invoke"
	}
	if r.Release != nil {
		n++
		kind = "release"
	}
	if n != 1 {
		return ""
	}
	return kind
}

// Validate checks that exactly one operation is present and names a script.
func (r Request) Validate() error {
	var id string
	switch r.kind() {
	case "compile":
		id = r.Compile.ScriptID
		if strings.TrimSpace(r.Compile.FunctionName) == "" {
			return cserrors.New(cserrors.TBQValidationFailed, "compile request needs a function name")
		}
	case "invoke":
		id = r.Invoke.ScriptID
		if strings.TrimSpace(r.Invoke.FunctionName) == "" {
			return cserrors.New(cserrors.TBQValidationFailed, "invoke request needs a function name")
		}
	case "release":
		id = r.Release.ScriptID
	default:
		return cserrors.New(cserrors.TBQValidationFailed, "request must carry exactly one of compile, invoke or release")
	}
	if strings.TrimSpace(id) == "" {
		return cserrors.New(cserrors.TBQValidationFailed, "script id is required")
	}
	return nil
}

func EncodeRequest(r Request) (queue.Message, error) {
	if err := r.Validate(); err != nil {
		return queue.Message{}, err
	}
	raw, err := json.Marshal(r)
	if err != nil {
		return queue.Message{}, cserrors.Wrap(cserrors.TBQMalformedMessage, "failed to encode script request", err)
	}
	return queue.NewMessage(nil, raw, queue.Headers{}), nil
}

func DecodeRequest(m queue.Message) (Request, error) {
	var r Request
	if err := json.Unmarshal(m.Data(), &r); err != nil {
		return r, cserrors.Wrap(cserrors.TBQMalformedMessage, "failed to decode script request", err)
	}
	if err := r.Validate(); err != nil {
		return r, err
	}
	return r, nil
}

func EncodeResponse(r Response) (queue.Message, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return queue.Message{}, cserrors.Wrap(cserrors.TBQMalformedMessage, "failed to encode script response", err)
	}
	return queue.NewMessage(nil, raw, queue.Headers{}), nil
}

func DecodeResponse(m queue.Message) (Response, error) {
	var r Response
	if err := json.Unmarshal(m.Data(), &r); err != nil {
		return r, cserrors.Wrap(cserrors.TBQMalformedMessage, "failed to decode script response", err)
	}
	if r.Compile == nil && r.Invoke == nil && r.Release == nil {
		return r, cserrors.New(cserrors.TBQMalformedMessage, "script response is empty")
	}
	return r, nil
}

// ResponseDecoder rejects replies that are not script responses before they
// reach a pending request.
func ResponseDecoder(m queue.Message) (queue.Message, error) {
	if _, err := DecodeResponse(m); err != nil {
		return queue.Message{}, err
	}
	return m, nil
}

// WrapFunction builds the script body the executor compiles: a named
// function over argNames whose body is the user script.
//
// Example: function onMsg(msg, metadata) { return msg.temperature > 20; }
func WrapFunction(functionName, body string, argNames ...string) string {
	return fmt.Sprintf("function %s(%s) {\n%s\n}", functionName, strings.Join(argNames, ", "), body)
}
