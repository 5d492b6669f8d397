package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"sovereign/internal/platform/metrics"
	"sovereign/internal/platform/middleware"
	"sovereign/internal/rarity/models"
	"sovereign/internal/rarity/service"
	dErrors "sovereign/pkg/domain-errors"
	"sovereign/pkg/platform/httputil"
)

// Inventory reads tier quotas and issued counts.
type Inventory interface {
	Inventory(ctx context.Context) ([]models.TierCount, error)
}

// Quoter prices a namespace for a controller.
type Quoter interface {
	Quote(ctx context.Context, namespace, controller string) (*service.Quote, error)
}

// Handler serves the read-only tier and pricing routes.
type Handler struct {
	logger    *slog.Logger
	inventory Inventory
	quoter    Quoter
	metrics   *metrics.Metrics
}

func New(inventory Inventory, quoter Quoter, logger *slog.Logger, m *metrics.Metrics) *Handler {
	return &Handler{logger: logger, inventory: inventory, quoter: quoter, metrics: m}
}

func (h *Handler) Register(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(middleware.Recovery(h.logger))
		r.Use(middleware.RequestID)
		r.Use(middleware.RequestTime)
		r.Use(middleware.Logger(h.logger))
		r.Use(middleware.Timeout(10 * time.Second))
		r.Use(middleware.LatencyMiddleware(h.metrics))

		r.Get("/tiers", h.handleTiers)
		r.Get("/pricing/quote", h.handleQuote)
	})
}

type tierView struct {
	models.TierCount
	Remaining int `json:"remaining"`
}

type tiersResponse struct {
	TotalIssued int        `json:"total_issued"`
	TotalQuota  int        `json:"total_quota"`
	Tiers       []tierView `json:"tiers"`
}

func (h *Handler) handleTiers(w http.ResponseWriter, r *http.Request) {
	counts, err := h.inventory.Inventory(r.Context())
	if err != nil {
		h.writeError(r.Context(), w, "tiers", err)
		return
	}
	resp := tiersResponse{Tiers: make([]tierView, 0, len(counts))}
	for _, c := range counts {
		resp.TotalIssued += c.Issued
		resp.TotalQuota += c.Quota
		resp.Tiers = append(resp.Tiers, tierView{TierCount: c, Remaining: max(0, c.Remaining())})
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleQuote(w http.ResponseWriter, r *http.Request) {
	namespace := r.URL.Query().Get("namespace")
	if namespace == "" {
		httputil.WriteError(w, dErrors.New(dErrors.CodeValidation, "namespace is required"))
		return
	}
	quote, err := h.quoter.Quote(r.Context(), namespace, r.URL.Query().Get("controller"))
	if err != nil {
		h.writeError(r.Context(), w, "quote", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, quote)
}

func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, op string, err error) {
	if dErrors.CodeOf(err) == dErrors.CodeInternal {
		h.logger.ErrorContext(ctx, "rarity request failed",
			"op", op,
			"request_id", middleware.GetRequestID(ctx),
			"error", err,
		)
	}
	httputil.WriteError(w, err)
}
