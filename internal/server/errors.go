package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"pledgerails/internal/escrow"
	"pledgerails/internal/pledge"
)

// retryAfterSeconds is advertised with every 503 and 429.
const retryAfterSeconds = "1"

func statusFor(kind pledge.Kind) int {
	switch kind {
	case pledge.KindValidation:
		return http.StatusBadRequest
	case pledge.KindPrecondition:
		return http.StatusConflict
	case pledge.KindResource:
		return http.StatusUnprocessableEntity
	case pledge.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusServiceUnavailable
	}
}

// errorResponse renders err as the API error envelope. Unclassified errors
// are reported as StoreUnavailable without leaking their text.
func errorResponse(err error) (int, escrow.ErrorBody) {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		err = &pledge.Error{Kind: pledge.KindSystem, Code: pledge.ErrStoreUnavailable.Code, Message: "request timed out"}
	}
	pe, ok := pledge.AsError(err)
	if !ok {
		pe = &pledge.Error{Kind: pledge.KindSystem, Code: pledge.ErrStoreUnavailable.Code, Message: "temporarily unavailable"}
	}
	msg := err.Error()
	if !ok {
		msg = pe.Message
	}
	return statusFor(pe.Kind), escrow.ErrorBody{Error: escrow.ErrorDetail{
		Kind:      pe.Kind,
		Code:      pe.Code,
		Message:   msg,
		Retryable: pe.Retryable(),
	}}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	status, body := errorResponse(err)
	if status == http.StatusServiceUnavailable {
		s.logger.Error("request failed", "op", op, "error", err, "request_id", middleware.GetReqID(r.Context()))
		w.Header().Set("Retry-After", retryAfterSeconds)
	}
	s.metrics.incTransaction(op, body.Error.Code)
	respondJSON(w, status, body)
}

// unauthorized answers failed bearer or HMAC authentication.
func (s *Server) unauthorized(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.Info("unauthenticated request", "path", r.URL.Path, "error", err)
	respondJSON(w, http.StatusUnauthorized, escrow.ErrorBody{Error: escrow.ErrorDetail{
		Kind:    pledge.KindPrecondition,
		Code:    pledge.ErrUnauthorized.Code,
		Message: err.Error(),
	}})
}
