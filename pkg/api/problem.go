// Package api is the HTTP shell over the dispatcher: one POST route per
// operation, token issuance, health and state probes. It holds no policy of
// its own; every decision is the engine's, and every failure is rendered as
// an RFC 7807 problem document.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/MythologIQ/qorelogic/pkg/contracts"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs). Engine
// failures carry the machine-readable kind and, when the failure itself was
// ledgered, the entry id of the record, so a caller can cite the exact row.
type ProblemDetail struct {
	// Type is a URI reference that identifies the problem type.
	Type string `json:"type"`
	// Title is a short, human-readable summary of the problem type.
	Title string `json:"title"`
	// Status is the HTTP status code.
	Status int `json:"status"`
	// Detail is a human-readable explanation specific to this occurrence.
	Detail string `json:"detail,omitempty"`
	// Instance is a URI reference identifying the specific occurrence.
	Instance string `json:"instance,omitempty"`
	// TraceID links the response to the X-Request-ID of the request.
	TraceID string `json:"trace_id,omitempty"`
	// Kind is the engine error kind, when the problem originated there.
	Kind string `json:"kind,omitempty"`
	// EntryID is the ledger entry recording the failure, when one was written.
	EntryID string `json:"entry_id,omitempty"`
}

// Error implements the error interface.
func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

func problemType(kind contracts.Kind, status int) string {
	if kind != "" {
		return fmt.Sprintf("https://qorelogic.mythologiq.dev/errors/%s", kind)
	}
	return fmt.Sprintf("https://qorelogic.mythologiq.dev/errors/%d", status)
}

// statusFor maps an engine error kind to the HTTP status that carries it.
// Policy rejections of well-formed requests are 422, not 400: the message
// parsed fine and the engine refused it on its merits.
func statusFor(kind contracts.Kind) int {
	switch kind {
	case contracts.KindSchemaViolation:
		return http.StatusBadRequest
	case contracts.KindUnknownAgent, contracts.KindSignatureMismatch:
		return http.StatusUnauthorized
	case contracts.KindRoleForbidden, contracts.KindAgentQuarantined:
		return http.StatusForbidden
	case contracts.KindRiskTooHigh, contracts.KindCitationDepthExceeded,
		contracts.KindSCIBelowReject, contracts.KindDeferralExpired,
		contracts.KindAuditFail, contracts.KindLogicalContradiction:
		return http.StatusUnprocessableEntity
	case contracts.KindHashTampering, contracts.KindLedgerChainBroken:
		return http.StatusConflict
	case contracts.KindQueueFull:
		return http.StatusTooManyRequests
	case contracts.KindModeBlocked, contracts.KindStoreUnavailable,
		contracts.KindIdentityLocked, contracts.KindTier3Timeout,
		contracts.KindTier3Unavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeProblem(w http.ResponseWriter, p *ProblemDetail) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteError writes an RFC 7807 problem with request context attached
// (instance from the request path, trace id from X-Request-ID).
func WriteError(w http.ResponseWriter, r *http.Request, status int, title, detail string) {
	writeProblem(w, &ProblemDetail{
		Type:     problemType("", status),
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
		TraceID:  w.Header().Get("X-Request-ID"),
	})
}

// WriteEngineError renders a dispatcher failure. Structured engine errors map
// by kind; anything else is an internal error whose cause is logged, never
// exposed.
func WriteEngineError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	var engErr *contracts.Error
	if !errors.As(err, &engErr) {
		WriteInternal(w, r, logger, err)
		return
	}
	status := statusFor(engErr.Kind)
	switch engErr.Kind {
	case contracts.KindQueueFull:
		w.Header().Set("Retry-After", "5")
	case contracts.KindModeBlocked:
		w.Header().Set("Retry-After", "30")
	}
	writeProblem(w, &ProblemDetail{
		Type:     problemType(engErr.Kind, status),
		Title:    http.StatusText(status),
		Status:   status,
		Detail:   engErr.Message,
		Instance: r.URL.Path,
		TraceID:  w.Header().Get("X-Request-ID"),
		Kind:     string(engErr.Kind),
		EntryID:  engErr.EntryID,
	})
}

// WriteBadRequest writes a 400 error response.
func WriteBadRequest(w http.ResponseWriter, r *http.Request, detail string) {
	WriteError(w, r, http.StatusBadRequest, "Bad Request", detail)
}

// WriteUnauthorized writes a 401 error response.
func WriteUnauthorized(w http.ResponseWriter, r *http.Request, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	WriteError(w, r, http.StatusUnauthorized, "Unauthorized", detail)
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, r *http.Request, detail string) {
	WriteError(w, r, http.StatusNotFound, "Not Found", detail)
}

// WriteMethodNotAllowed writes a 405 error response.
func WriteMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	WriteError(w, r, http.StatusMethodNotAllowed, "Method Not Allowed",
		"The HTTP method is not supported for this endpoint")
}

// WriteTooManyRequests writes a 429 error response with a Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, r *http.Request, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteError(w, r, http.StatusTooManyRequests, "Too Many Requests",
		"Rate limit exceeded. Retry after the specified interval.")
}

// WriteInternal writes a 500 error response. The err parameter is logged but
// never exposed to the client.
func WriteInternal(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Error("api: internal error",
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()))
	WriteError(w, r, http.StatusInternalServerError, "Internal Server Error",
		"An unexpected error occurred. Please try again later.")
}
