// Copyright 2025 James Ross

// Package httpapi is the HTTP framing around the core: response envelope,
// the Recovery->RequestID->CORS->Audit->RateLimit->Auth middleware chain,
// and the data-driven Endpoint Router (spec.md §4.8, C8) that translates
// method+path into calls on the Registry and Lifecycle Engine.
//
// Grounded on the teacher's internal/admin-api package: same
// writeError/writeJSON envelope shape, same middleware chain order, ported
// from a Redis admin surface to the task queue's primary API.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/flyingrobots/taskqueue/internal/taskerrors"
)

type successEnvelope struct {
	Success   bool   `json:"success"`
	Data      any    `json:"data,omitempty"`
	Message   string `json:"message,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

type errorEnvelope struct {
	Success   bool     `json:"success"`
	Error     string   `json:"error"`
	Details   []string `json:"details,omitempty"`
	Timestamp int64    `json:"timestamp"`
}

func writeSuccess(w http.ResponseWriter, status int, data any, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(successEnvelope{
		Success:   true,
		Data:      data,
		Message:   message,
		Timestamp: time.Now().Unix(),
	})
}

func writeError(w http.ResponseWriter, status int, message string, details []string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorEnvelope{
		Success:   false,
		Error:     message,
		Details:   details,
		Timestamp: time.Now().Unix(),
	})
}

// writeDomainError maps a core error to the envelope + status spec.md §6/§7
// require, surfacing per-field violations for ValidationError.
func writeDomainError(w http.ResponseWriter, err error) {
	status := taskerrors.HTTPStatus(err)

	var ve *taskerrors.ValidationError
	if errors.As(err, &ve) {
		details := make([]string, len(ve.Violations))
		for i, v := range ve.Violations {
			details[i] = v.Path + ": " + v.Rule + ": " + v.Message
		}
		writeError(w, status, "validation failed", details)
		return
	}
	writeError(w, status, err.Error(), nil)
}
