package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"aedzpay/internal/idempotency"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type ctxKey string

const ctxKeyRequestID ctxKey = "request_id"

const (
	headerRequestID      = "X-Request-Id"
	headerIdempotencyKey = "X-Idempotency-Key"
	headerReplayed       = "Idempotent-Replayed"
)

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get(headerRequestID)
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set(headerRequestID, reqID)
		ctx := context.WithValue(r.Context(), ctxKeyRequestID, reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestIDFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(ctxKeyRequestID).(string); ok {
		return s
	}
	return ""
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.ErrorContext(r.Context(), "panic recovered",
					"request_id", requestIDFromContext(r.Context()),
					"method", r.Method,
					"path", r.URL.Path,
					"panic", rec,
				)
				writeError(w, http.StatusInternalServerError, "internal", "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
	bytes      int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

func (r *statusRecorder) Write(payload []byte) (int, error) {
	if r.statusCode == 0 {
		r.statusCode = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(payload)
	r.bytes += n
	return n, err
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(recorder, r)

		statusCode := recorder.statusCode
		if statusCode == 0 {
			statusCode = http.StatusOK
		}
		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		s.metrics.request(route, statusCode)

		fields := []any{
			"method", r.Method,
			"route", route,
			"status_code", statusCode,
			"bytes", recorder.bytes,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", requestIDFromContext(r.Context()),
		}
		switch {
		case statusCode >= 500:
			s.logger.ErrorContext(r.Context(), "http request completed", fields...)
		case statusCode >= 400:
			s.logger.WarnContext(r.Context(), "http request completed", fields...)
		default:
			s.logger.DebugContext(r.Context(), "http request completed", fields...)
		}
	})
}

// captureWriter tees a response so it can be stored for replay.
type captureWriter struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (c *captureWriter) WriteHeader(status int) {
	c.status = status
	c.ResponseWriter.WriteHeader(status)
}

func (c *captureWriter) Write(p []byte) (int, error) {
	if c.status == 0 {
		c.status = http.StatusOK
	}
	c.body.Write(p)
	return c.ResponseWriter.Write(p)
}

// claimTTL bounds how long a crashed request can hold an idempotency key.
const claimTTL = 10 * time.Minute

// idempotent requires X-Idempotency-Key and replays the stored response of an
// earlier successful request with the same key, route and body. The key is
// claimed while the handler runs, so a concurrent duplicate gets 409 instead
// of executing twice. Failed requests are not stored so the client can retry.
func (s *Server) idempotent(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
		if key == "" {
			writeError(w, http.StatusBadRequest, "validation", "missing X-Idempotency-Key header")
			return
		}
		ctx := r.Context()
		scoped := idempotency.ScopedKey(r.Method, r.URL.Path, key)

		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			writeError(w, http.StatusBadRequest, "validation", "unreadable request body")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		fingerprint := idempotency.Fingerprint(body)

		if s.replayStored(w, r, scoped, fingerprint) {
			return
		}

		claimed, err := s.store.Claim(ctx, scoped, claimTTL)
		if err != nil {
			s.logger.ErrorContext(ctx, "idempotency claim failed", "err", err)
			writeError(w, http.StatusServiceUnavailable, "backend", "idempotency store unavailable")
			return
		}
		if !claimed {
			if s.replayStored(w, r, scoped, fingerprint) {
				return
			}
			writeError(w, http.StatusConflict, "conflict", "a request with this idempotency key is in progress")
			return
		}
		defer func() {
			if err := s.store.Release(context.WithoutCancel(ctx), scoped); err != nil {
				s.logger.WarnContext(ctx, "idempotency release failed", "err", err)
			}
		}()

		// The previous holder may have saved between the first lookup and the claim.
		if s.replayStored(w, r, scoped, fingerprint) {
			return
		}

		cw := &captureWriter{ResponseWriter: w}
		next(cw, r)

		if cw.status < 200 || cw.status > 299 {
			return
		}
		now := time.Now()
		record := idempotency.Record{
			Fingerprint: fingerprint,
			StatusCode:  cw.status,
			Response:    cw.body.Bytes(),
			CreatedAt:   now,
			ExpiresAt:   now.Add(s.opts.IdempotencyWindow),
		}
		if err := s.store.Save(context.WithoutCancel(ctx), scoped, record); err != nil {
			s.logger.WarnContext(ctx, "idempotency save failed", "err", err)
		}
	}
}

// replayStored writes the stored response for scoped, if any, and reports
// whether the request was answered.
func (s *Server) replayStored(w http.ResponseWriter, r *http.Request, scoped, fingerprint string) bool {
	existing, err := s.store.Get(r.Context(), scoped)
	if err != nil {
		s.logger.WarnContext(r.Context(), "idempotency lookup failed", "err", err)
		return false
	}
	if existing == nil {
		return false
	}
	if err := existing.Check(fingerprint); errors.Is(err, idempotency.ErrKeyReused) {
		writeError(w, http.StatusUnprocessableEntity, "conflict", err.Error())
		return true
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(headerReplayed, "true")
	w.WriteHeader(existing.StatusCode)
	_, _ = w.Write(existing.Response)
	s.metrics.replay()
	return true
}
