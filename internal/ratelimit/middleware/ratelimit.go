// Package middleware enforces per-client request budgets on the public API.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"sovereign/internal/platform/metrics"
	"sovereign/internal/ratelimit/models"
	"sovereign/pkg/platform/httputil"
	"sovereign/pkg/platform/middleware/metadata"
)

// Store counts requests in sliding windows.
type Store interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (*models.Result, error)
}

type Middleware struct {
	store    Store
	limits   map[models.Class]models.Limit
	logger   *slog.Logger
	metrics  *metrics.Metrics
	disabled bool
}

type Option func(*Middleware)

// WithLimits overrides the budget of the given classes.
func WithLimits(limits map[models.Class]models.Limit) Option {
	return func(m *Middleware) {
		for class, limit := range limits {
			if class.IsValid() && limit.Requests > 0 && limit.Window > 0 {
				m.limits[class] = limit
			}
		}
	}
}

// WithDisabled turns the middleware into a pass-through.
func WithDisabled(disabled bool) Option {
	return func(m *Middleware) { m.disabled = disabled }
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Middleware) { m.metrics = mt }
}

func New(store Store, logger *slog.Logger, opts ...Option) *Middleware {
	m := &Middleware{
		store:  store,
		limits: models.DefaultLimits(),
		logger: logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.disabled {
		logger.Info("rate limiting disabled")
	}
	return m
}

// RateLimit classifies each request and rejects it with 429 once the client
// IP has spent its budget for that class. A failing store lets requests through.
func (m *Middleware) RateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.disabled || exempt(r) {
			next.ServeHTTP(w, r)
			return
		}

		ctx := r.Context()
		ip := metadata.GetClientIP(ctx)
		if ip == "" {
			ip = metadata.ClientIPFromRequest(r)
		}
		class := Classify(r)
		limit := m.limits[class]

		result, err := m.store.Allow(ctx, models.Key(class, ip), limit.Requests, limit.Window)
		if err != nil {
			m.logger.ErrorContext(ctx, "failed to check rate limit",
				"error", err,
				"class", class,
			)
			next.ServeHTTP(w, r)
			return
		}

		addRateLimitHeaders(w, result)
		if !result.Allowed {
			m.metrics.ObserveRateLimited(string(class))
			m.logger.WarnContext(ctx, "rate limit exceeded",
				"class", class,
				"client_ip", ip,
				"retry_after", result.RetryAfter,
			)
			writeRateLimitExceeded(w, result)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Classify maps a request onto its budget. Certificate builds and automated
// review requests are expensive; other mutations are writes.
func Classify(r *http.Request) models.Class {
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		return models.ClassRead
	}
	path := strings.TrimSuffix(r.URL.Path, "/")
	switch {
	case strings.HasSuffix(path, "/review/request"),
		path == "/certificates/build":
		return models.ClassExpensive
	case path == "/certificates/verify":
		return models.ClassRead
	}
	return models.ClassWrite
}

func exempt(r *http.Request) bool {
	return r.URL.Path == "/healthz" || r.URL.Path == "/metrics"
}

type rateLimitExceededResponse struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after"`
}

func addRateLimitHeaders(w http.ResponseWriter, result *models.Result) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
}

func writeRateLimitExceeded(w http.ResponseWriter, result *models.Result) {
	w.Header().Set("Retry-After", strconv.Itoa(result.RetryAfter))
	httputil.WriteJSON(w, http.StatusTooManyRequests, &rateLimitExceededResponse{
		Error:      "rate_limit_exceeded",
		Message:    "Too many requests from this IP address. Please try again later.",
		RetryAfter: result.RetryAfter,
	})
}
