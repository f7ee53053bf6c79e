package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/54b3r/ragkit-go/internal/logging"
)

// requestIDHeader carries the correlation ID in both directions.
const requestIDHeader = "X-Request-ID"

// requestLogger tags each request with an ID, puts a logger carrying it on
// the request context and writes one access-log line when the handler
// returns. A panicking handler is logged with its stack and answered 500.
func requestLogger(base *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := requestID(r.Header.Get(requestIDHeader))
		w.Header().Set(requestIDHeader, id)

		log := base.With(slog.String("request_id", id))
		r = r.WithContext(logging.WithLogger(r.Context(), log))
		sw := &statusWriter{ResponseWriter: w}
		start := time.Now()

		defer func() {
			if p := recover(); p != nil {
				if p == http.ErrAbortHandler {
					panic(p)
				}
				log.Error("handler panic",
					slog.String("panic", fmt.Sprint(p)),
					slog.String("stack", string(debug.Stack())),
				)
				if !sw.wroteHeader {
					writeJSON(sw, r, http.StatusInternalServerError, errorResponse{Error: "internal server error"})
				}
			}
			log.Log(r.Context(), accessLevel(sw.code()), "request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", sw.code()),
				slog.Int64("bytes", sw.written),
				slog.Duration("duration", time.Since(start)),
			)
		}()

		next.ServeHTTP(sw, r)
	})
}

// accessLevel logs server faults at error and client faults at warn.
func accessLevel(status int) slog.Level {
	switch {
	case status >= 500:
		return slog.LevelError
	case status >= 400:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

// statusWriter records the status and body size a handler produced.
type statusWriter struct {
	http.ResponseWriter
	status      int
	written     int64
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status, w.wroteHeader = code, true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	n, err := w.ResponseWriter.Write(b)
	w.written += int64(n)
	return n, err
}

// code is the status sent so far; an implicit write counts as 200.
func (w *statusWriter) code() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// requestID keeps a caller-supplied UUID and mints a new one otherwise.
func requestID(header string) string {
	if id, err := uuid.Parse(header); err == nil {
		return id.String()
	}
	return uuid.NewString()
}
