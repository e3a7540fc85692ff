// Package api holds the JSON helpers shared by the service HTTP surfaces.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	cserrors "github.com/osvaldoandrade/tbqueue/internal/errors"
)

// MaxBodyBytes caps request bodies. Script bodies are bounded far below this
// by queue.js.max_script_body_bytes.
const MaxBodyBytes = 1 << 20

// ReadJSON decodes exactly one JSON document into dst. Unknown fields,
// trailing documents and oversized bodies fail with TBQ_VALIDATION_FAILED.
func ReadJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, MaxBodyBytes+1))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return cserrors.New(cserrors.TBQValidationFailed, "request body is empty")
		}
		return cserrors.Wrap(cserrors.TBQValidationFailed, "invalid request body", err)
	}
	if dec.InputOffset() > MaxBodyBytes {
		return cserrors.New(cserrors.TBQValidationFailed, "request body too large")
	}
	if dec.More() {
		return cserrors.New(cserrors.TBQValidationFailed, "request body holds more than one JSON document")
	}
	return nil
}

func WriteJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
