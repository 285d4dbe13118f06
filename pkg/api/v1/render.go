// Package v1 contains the gateway's admin and proxy HTTP handlers.
package v1

import (
	"encoding/json"
	"net/http"

	"github.com/pbmcp/pbmcp/pkg/errors"
	"github.com/pbmcp/pbmcp/pkg/logger"
)

// maxRequestBody bounds decoded request bodies.
const maxRequestBody = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Errorf("Failed to write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := errors.HTTPStatus(errors.CodeOf(err))
	if status >= http.StatusInternalServerError {
		logger.Errorf("Request failed: %v", err)
	}
	writeJSON(w, status, errors.ToEnvelope(err))
}

// WriteEnvelope encodes a pre-built error envelope. The server middleware
// uses it after it has already chosen the status code.
func WriteEnvelope(w http.ResponseWriter, envelope errors.Envelope) {
	if err := json.NewEncoder(w).Encode(envelope); err != nil {
		logger.Errorf("Failed to write response: %v", err)
	}
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.Wrap(errors.CodeBadRequest, "invalid request body", err)
	}
	return nil
}
