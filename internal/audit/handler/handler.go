// Package handler exposes the audit trail to operators.
package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"sovereign/internal/platform/metrics"
	"sovereign/internal/platform/middleware"
	dErrors "sovereign/pkg/domain-errors"
	audit "sovereign/pkg/platform/audit"
	"sovereign/pkg/platform/httputil"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

// Reader reads recorded audit events.
type Reader interface {
	List(ctx context.Context, subject string) ([]audit.Event, error)
	Recent(ctx context.Context, limit int) ([]audit.Event, error)
}

type Handler struct {
	logger    *slog.Logger
	events    Reader
	operators middleware.OperatorValidator
	metrics   *metrics.Metrics
}

func New(events Reader, operators middleware.OperatorValidator, logger *slog.Logger, m *metrics.Metrics) *Handler {
	return &Handler{logger: logger, events: events, operators: operators, metrics: m}
}

// Register mounts GET /audit/events behind an operator token.
func (h *Handler) Register(r chi.Router) {
	r.Route("/audit", func(r chi.Router) {
		r.Use(middleware.Recovery(h.logger))
		r.Use(middleware.RequestID)
		r.Use(middleware.Logger(h.logger))
		r.Use(middleware.Timeout(10 * time.Second))
		r.Use(middleware.LatencyMiddleware(h.metrics))
		r.Use(middleware.RequireOperator(h.operators, h.logger))

		r.Get("/events", h.handleEvents)
	})
}

type eventsResponse struct {
	Events []audit.Event `json:"events"`
	Count  int           `json:"count"`
}

// handleEvents lists the trail of one subject, or the most recent events
// across all subjects when no subject is given.
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	limit := defaultLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxLimit {
			httputil.WriteError(w, dErrors.New(dErrors.CodeValidation, "limit must be between 1 and 500"))
			return
		}
		limit = n
	}

	var (
		events []audit.Event
		err    error
	)
	if subject := q.Get("subject"); subject != "" {
		events, err = h.events.List(ctx, subject)
		if len(events) > limit {
			events = events[len(events)-limit:]
		}
	} else {
		events, err = h.events.Recent(ctx, limit)
	}
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to read audit events",
			"request_id", middleware.GetRequestID(ctx),
			"error", err,
		)
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeInternal, "failed to read audit events"))
		return
	}
	if events == nil {
		events = []audit.Event{}
	}
	httputil.WriteJSON(w, http.StatusOK, eventsResponse{Events: events, Count: len(events)})
}
