package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"sovereign/internal/platform/metrics"
	"sovereign/internal/platform/middleware"
	"sovereign/internal/registry/models"
	"sovereign/internal/registry/service"
	dErrors "sovereign/pkg/domain-errors"
	"sovereign/pkg/platform/httputil"
)

// Service defines the registry operations exposed over HTTP.
type Service interface {
	Register(ctx context.Context, namespace, controller, metadataHash string) (*models.Registration, error)
	Check(ctx context.Context, namespace string) (*service.CheckResult, error)
	List(ctx context.Context, cursor string, limit int) (*models.Page, error)
	Head(ctx context.Context) (models.Head, error)
	VerifyChain(ctx context.Context) (*service.ChainReport, error)
}

// Handler serves /registry routes.
type Handler struct {
	logger   *slog.Logger
	registry Service
	metrics  *metrics.Metrics
}

func New(registry Service, logger *slog.Logger, m *metrics.Metrics) *Handler {
	return &Handler{logger: logger, registry: registry, metrics: m}
}

// Register mounts the registry routes on r.
func (h *Handler) Register(r chi.Router) {
	r.Route("/registry", func(r chi.Router) {
		r.Use(middleware.Recovery(h.logger))
		r.Use(middleware.RequestID)
		r.Use(middleware.RequestTime)
		r.Use(middleware.Logger(h.logger))
		r.Use(middleware.Timeout(30 * time.Second))
		r.Use(middleware.ContentTypeJSON)
		r.Use(middleware.LatencyMiddleware(h.metrics))

		r.Post("/register", h.handleRegister)
		r.Get("/check/{namespace}", h.handleCheck)
		r.Get("/list", h.handleList)
		r.Get("/head", h.handleHead)
		r.Get("/verify", h.handleVerify)
	})
}

type registerRequest struct {
	Namespace    string `json:"namespace"`
	Controller   string `json:"controller"`
	MetadataHash string `json:"metadata_hash"`
}

type registerResponse struct {
	Success        bool   `json:"success"`
	Namespace      string `json:"namespace"`
	CommitmentHash string `json:"commitment_hash"`
	Sequence       int64  `json:"sequence"`
}

type conflictResponse struct {
	Success            bool   `json:"success"`
	Error              string `json:"error"`
	ErrorDescription   string `json:"error_description"`
	ExistingController string `json:"existing_controller,omitempty"`
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.WarnContext(ctx, "invalid register request",
			"request_id", requestID,
			"error", err.Error(),
		)
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}

	reg, err := h.registry.Register(ctx, req.Namespace, req.Controller, req.MetadataHash)
	if err != nil {
		if de, ok := dErrors.As(err); ok && de.Code == dErrors.CodeConflict {
			existing, _ := de.Details["existing_controller"].(string)
			httputil.WriteJSON(w, http.StatusConflict, conflictResponse{
				Success:            false,
				Error:              string(de.Code),
				ErrorDescription:   de.Message,
				ExistingController: existing,
			})
			return
		}
		h.writeError(ctx, w, "register", err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, registerResponse{
		Success:        true,
		Namespace:      reg.Namespace,
		CommitmentHash: reg.CommitmentHash,
		Sequence:       reg.Sequence,
	})
}

func (h *Handler) handleCheck(w http.ResponseWriter, r *http.Request) {
	res, err := h.registry.Check(r.Context(), chi.URLParam(r, "namespace"))
	if err != nil {
		h.writeError(r.Context(), w, "check", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, res)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			httputil.WriteError(w, dErrors.New(dErrors.CodeValidation, "limit must be an integer"))
			return
		}
		limit = n
	}
	page, err := h.registry.List(r.Context(), r.URL.Query().Get("cursor"), limit)
	if err != nil {
		h.writeError(r.Context(), w, "list", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, page)
}

func (h *Handler) handleHead(w http.ResponseWriter, r *http.Request) {
	head, err := h.registry.Head(r.Context())
	if err != nil {
		h.writeError(r.Context(), w, "head", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, head)
}

func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	report, err := h.registry.VerifyChain(r.Context())
	if err != nil {
		h.writeError(r.Context(), w, "verify", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, report)
}

func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, op string, err error) {
	if dErrors.CodeOf(err) == dErrors.CodeInternal {
		h.logger.ErrorContext(ctx, "registry request failed",
			"op", op,
			"request_id", middleware.GetRequestID(ctx),
			"error", err,
		)
	}
	httputil.WriteError(w, err)
}
