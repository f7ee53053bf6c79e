package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/54b3r/ragkit-go/internal/logging"
	"github.com/54b3r/ragkit-go/internal/pipeline"
	"github.com/54b3r/ragkit-go/internal/rag"
)

// statusFor maps a pipeline error onto an HTTP status code.
func statusFor(err error) int {
	switch rag.GenerationKindOf(err) {
	case rag.KindRateLimited, rag.KindTimeout:
		return http.StatusServiceUnavailable
	case rag.KindAuth:
		return http.StatusBadGateway
	case rag.KindContentRejected:
		return http.StatusUnprocessableEntity
	case rag.KindUnknown:
		return http.StatusBadGateway
	}
	switch {
	case errors.Is(err, rag.ErrMalformedInput):
		return http.StatusBadRequest
	case errors.Is(err, rag.ErrModelMismatch):
		return http.StatusConflict
	case errors.Is(err, rag.ErrConfiguration):
		return http.StatusInternalServerError
	case errors.Is(err, rag.ErrRetrievalUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError logs err and writes it as an errorResponse.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	resp := errorResponse{Error: err.Error(), Kind: string(rag.GenerationKindOf(err))}
	var se *pipeline.StageError
	if errors.As(err, &se) {
		resp.Stage = string(se.Stage)
	}

	log := logging.FromContext(r.Context())
	level := slog.LevelWarn
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	log.Log(r.Context(), level, "request failed",
		slog.Int("status", status),
		slog.String("stage", resp.Stage),
		slog.String("kind", resp.Kind),
		slog.Any("error", err),
	)
	writeJSON(w, r, status, resp)
}

// writeJSON encodes v with the given status.
func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.FromContext(r.Context()).Error("response encode error", slog.Any("error", err))
	}
}
