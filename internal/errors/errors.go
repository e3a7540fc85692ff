package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

type Code string

const (
	TBQValidationFailed    Code = "TBQ_VALIDATION_FAILED"
	TBQCapacityExceeded    Code = "TBQ_CAPACITY_EXCEEDED"
	TBQRequestTimeout      Code = "TBQ_REQUEST_TIMEOUT"
	TBQRequestCancelled    Code = "TBQ_REQUEST_CANCELLED"
	TBQTemplateStopped     Code = "TBQ_TEMPLATE_STOPPED"
	TBQPublishFailed       Code = "TBQ_PUBLISH_FAILED"
	TBQPollFailed          Code = "TBQ_POLL_FAILED"
	TBQCommitFailed        Code = "TBQ_COMMIT_FAILED"
	TBQAdminFailed         Code = "TBQ_ADMIN_FAILED"
	TBQUnsupportedChannel  Code = "TBQ_UNSUPPORTED_CHANNEL"
	TBQMalformedMessage    Code = "TBQ_MALFORMED_MESSAGE"
	TBQBackendUnavailable  Code = "TBQ_BACKEND_UNAVAILABLE"
	TBQScriptCompileFailed Code = "TBQ_SCRIPT_COMPILATION_ERROR"
	TBQScriptRuntimeFailed Code = "TBQ_SCRIPT_RUNTIME_ERROR"
	TBQScriptTimeout       Code = "TBQ_SCRIPT_TIMEOUT"
	TBQScriptNotFound      Code = "TBQ_SCRIPT_NOT_FOUND"
	TBQInternal            Code = "TBQ_INTERNAL"
)

type QError struct {
	Code      Code
	Message   string
	RequestID string
	Cause     error
}

func (e *QError) Error() string {
	if e == nil {
		return ""
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *QError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is matches any *QError carrying the same code, so package-level sentinels
// built with New work with errors.Is regardless of message or cause.
func (e *QError) Is(target error) bool {
	var other *QError
	if !errors.As(target, &other) || e == nil || other == nil {
		return false
	}
	return e.Code == other.Code
}

func New(code Code, message string) *QError {
	return &QError{Code: code, Message: message}
}

func Wrap(code Code, message string, err error) *QError {
	return &QError{Code: code, Message: message, Cause: err}
}

func WithRequestID(err error, requestID string) error {
	var qErr *QError
	if errors.As(err, &qErr) {
		clone := *qErr
		clone.RequestID = requestID
		return &clone
	}
	return err
}

// CodeOf returns the code of the first *QError in err's chain, or "".
func CodeOf(err error) Code {
	var qErr *QError
	if errors.As(err, &qErr) {
		return qErr.Code
	}
	return ""
}

func StatusCode(code Code) int {
	switch {
	case strings.HasPrefix(string(code), "TBQ_VALIDATION_"):
		return http.StatusBadRequest
	case code == TBQCapacityExceeded:
		return http.StatusTooManyRequests
	case code == TBQRequestTimeout || code == TBQScriptTimeout:
		return http.StatusGatewayTimeout
	case code == TBQUnsupportedChannel:
		return http.StatusNotImplemented
	case code == TBQScriptCompileFailed || code == TBQScriptNotFound:
		return http.StatusUnprocessableEntity
	case code == TBQTemplateStopped || code == TBQRequestCancelled || strings.HasSuffix(string(code), "_UNAVAILABLE"):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type HTTPErrorEnvelope struct {
	Error struct {
		Code      Code   `json:"code"`
		Message   string `json:"message"`
		RequestID string `json:"request_id,omitempty"`
	} `json:"error"`
}

// Encode renders err as the JSON error envelope. Errors without a code are
// reported as TBQ_INTERNAL and keep their text out of the response.
func Encode(err error, requestID string) (int, []byte) {
	var qErr *QError
	if !errors.As(err, &qErr) {
		qErr = Wrap(TBQInternal, "internal error", err)
	}
	env := HTTPErrorEnvelope{}
	env.Error.Code = qErr.Code
	env.Error.Message = qErr.Message
	env.Error.RequestID = qErr.RequestID
	if env.Error.RequestID == "" {
		env.Error.RequestID = requestID
	}
	if qErr.Cause != nil && qErr.Code != TBQInternal {
		env.Error.Message += ": " + qErr.Cause.Error()
	}
	b, marshalErr := json.Marshal(env)
	if marshalErr != nil {
		return http.StatusInternalServerError, []byte(`{"error":{"code":"TBQ_INTERNAL","message":"failed to encode error"}}`)
	}
	return StatusCode(qErr.Code), b
}

func WriteHTTP(w http.ResponseWriter, err error, requestID string) {
	status, body := Encode(err, requestID)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
