package server

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/gobwas/glob"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/watzon/fixiplug/internal/config"
	"github.com/watzon/fixiplug/internal/metrics"
	"github.com/watzon/fixiplug/internal/requestctx"
	"github.com/watzon/fixiplug/internal/server/handlers"
)

const requestIDHeader = "X-Request-ID"

// RecoveryMiddleware turns a panic outside the hook engine into a 500. Handler
// panics inside a dispatch never get here; the engine isolates them.
func RecoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				requestctx.Logger(r.Context()).Error().
					Interface("error", err).
					Str("stack", string(debug.Stack())).
					Str("path", r.URL.Path).
					Msg("Panic recovered")

				handlers.RequestError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(requestIDHeader)
		if requestID == "" {
			requestID = uuid.New().String()
		}

		ctx := requestctx.WithRequestID(r.Context(), requestID)
		ctx = requestctx.WithRequestTime(ctx, time.Now())

		w.Header().Set(requestIDHeader, requestID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// hookFromPath returns the hook addressed by /api/dispatch/{hook} or
// /api/emit/{hook}, and the route kind.
func hookFromPath(path string) (hook, route string) {
	for _, prefix := range []string{"/api/dispatch/", "/api/emit/"} {
		if rest, ok := strings.CutPrefix(path, prefix); ok && rest != "" {
			return rest, strings.Trim(prefix[len("/api"):], "/")
		}
	}
	return "", ""
}

// LoggingMiddleware logs one line per request with the request-scoped logger.
// Hook routes carry the hook name and whether the result was a hook error.
// Health and metrics scrapes log at debug.
func LoggingMiddleware(metricsPath string) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			wrapped := wrapResponse(w)
			next.ServeHTTP(wrapped, r)

			logger := requestctx.Logger(r.Context())
			var event *zerolog.Event
			switch {
			case wrapped.status >= 500:
				event = logger.Error()
			case wrapped.status >= 400:
				event = logger.Warn()
			case r.URL.Path == "/health" || r.URL.Path == metricsPath:
				event = logger.Debug()
			default:
				event = logger.Info()
			}

			if hook, route := hookFromPath(r.URL.Path); hook != "" {
				event = event.Str("hook", hook).Str("route", route)
				if wrapped.Header().Get(handlers.HookErrorHeader) != "" {
					event = event.Bool("hook_error", true)
				}
			}

			event.
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", wrapped.status).
				Int("bytes", wrapped.bytes).
				Dur("duration", requestctx.Elapsed(r.Context())).
				Str("remote_addr", r.RemoteAddr).
				Msg("Request completed")
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
	bytes  int
}

// wrapResponse reuses an existing wrapper so stacked middleware share one.
func wrapResponse(w http.ResponseWriter) *responseWriter {
	if rw, ok := w.(*responseWriter); ok {
		return rw
	}
	return &responseWriter{ResponseWriter: w, status: http.StatusOK}
}

func (w *responseWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *responseWriter) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

// Hijack lets /api/realtime upgrade through the wrapper.
func (w *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := w.ResponseWriter.(http.Hijacker); ok {
		w.status = http.StatusSwitchingProtocols
		return hijacker.Hijack()
	}
	return nil, nil, fmt.Errorf("underlying ResponseWriter does not implement http.Hijacker")
}

func (w *responseWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (w *responseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// originMatcher compiles allowed origins as globs, so
// "https://*.example.com" admits every subdomain. "*" admits everything.
type originMatcher struct {
	any      bool
	patterns []glob.Glob
}

func newOriginMatcher(origins []string) originMatcher {
	var m originMatcher
	for _, o := range origins {
		if o == "*" {
			m.any = true
			continue
		}
		g, err := glob.Compile(o, '.')
		if err != nil {
			continue
		}
		m.patterns = append(m.patterns, g)
	}
	return m
}

func (m originMatcher) allowed(origin string) bool {
	if m.any {
		return true
	}
	for _, g := range m.patterns {
		if g.Match(origin) {
			return true
		}
	}
	return false
}

func CORSMiddleware(cfg config.CORSConfig) Middleware {
	origins := newOriginMatcher(cfg.AllowedOrigins)
	methods := strings.Join(cfg.AllowedMethods(), ", ")
	headers := strings.Join(cfg.AllowedHeaders(), ", ")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			w.Header().Add("Vary", "Origin")

			if origin != "" && origins.allowed(origin) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				if cfg.AllowCredentials {
					w.Header().Set("Access-Control-Allow-Credentials", "true")
				}
				w.Header().Set("Access-Control-Expose-Headers", requestIDHeader+", "+handlers.HookErrorHeader)
			}

			// Only real preflights are answered here; a bare OPTIONS falls
			// through to the mux.
			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.Header().Set("Access-Control-Allow-Methods", methods)
				w.Header().Set("Access-Control-Allow-Headers", headers)
				if cfg.MaxAge > 0 {
					w.Header().Set("Access-Control-Max-Age", strconv.Itoa(int(cfg.MaxAge.Seconds())))
				}
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// MaxBodySizeMiddleware rejects declared oversize bodies up front and caps
// the rest while the event decoder reads them.
func MaxBodySizeMiddleware(maxSize int64) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxSize {
				handlers.RequestError(w, r, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE",
					fmt.Sprintf("Request body exceeds %d bytes", maxSize))
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxSize)
			next.ServeHTTP(w, r)
		})
	}
}

// MetricsMiddleware records request counts and latency by normalized route.
// Scrapes of metricsPath are not counted.
func MetricsMiddleware(metricsPath string) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == metricsPath {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			metrics.IncrementInFlight()
			defer metrics.DecrementInFlight()

			wrapped := wrapResponse(w)
			next.ServeHTTP(wrapped, r)

			metrics.RecordHTTPRequest(r.Method, metrics.NormalizePath(r.URL.Path), wrapped.status, time.Since(start))
		})
	}
}
