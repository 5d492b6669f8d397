package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"sovereign/internal/platform/metrics"
	"sovereign/internal/platform/middleware"
	"sovereign/internal/session/models"
	"sovereign/internal/session/service"
	dErrors "sovereign/pkg/domain-errors"
	"sovereign/pkg/platform/httputil"
)

// Service defines the session operations exposed over HTTP.
type Service interface {
	Create(ctx context.Context, in service.CreateInput) (*models.Session, error)
	Get(ctx context.Context, sessionID string) (*models.Session, error)
	Transition(ctx context.Context, sessionID string, next models.Status, expectedVersion int64) (*models.Session, error)
	Update(ctx context.Context, sessionID string, patch models.Patch, expectedVersion int64) (*models.Session, error)
	RecordReview(ctx context.Context, sessionID string, in service.ReviewInput) (*models.Session, error)
	RequestReview(ctx context.Context, sessionID string) (*models.Session, error)
	Reconcile(ctx context.Context, sessionID string) (*models.Session, error)
}

// Handler serves /sessions routes.
type Handler struct {
	logger    *slog.Logger
	sessions  Service
	operators middleware.OperatorValidator
	metrics   *metrics.Metrics
}

func New(sessions Service, operators middleware.OperatorValidator, logger *slog.Logger, m *metrics.Metrics) *Handler {
	return &Handler{logger: logger, sessions: sessions, operators: operators, metrics: m}
}

// Register mounts the session routes on r. Human review and reconciliation
// require an operator token.
func (h *Handler) Register(r chi.Router) {
	r.Route("/sessions", func(r chi.Router) {
		r.Use(middleware.Recovery(h.logger))
		r.Use(middleware.RequestID)
		r.Use(middleware.RequestTime)
		r.Use(middleware.Logger(h.logger))
		r.Use(middleware.Timeout(60 * time.Second))
		r.Use(middleware.ContentTypeJSON)
		r.Use(middleware.LatencyMiddleware(h.metrics))

		r.Post("/", h.handleCreate)
		r.Get("/{id}", h.handleGet)
		r.Put("/{id}", h.handleUpdate)
		r.Post("/{id}/review/request", h.handleRequestReview)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireOperator(h.operators, h.logger))
			r.Post("/{id}/review", h.handleReview)
			r.Post("/{id}/reconcile", h.handleReconcile)
		})
	})
}

type createRequest struct {
	SessionID      string              `json:"session_id"`
	Namespace      string              `json:"namespace"`
	Controller     string              `json:"controller"`
	IdentityTarget string              `json:"identity_target"`
	OperatorMode   models.OperatorMode `json:"operator_mode"`
	Metadata       models.Metadata     `json:"metadata"`
	Status         models.Status       `json:"status"`
}

// updateRequest carries either a status change or a patch, never both.
type updateRequest struct {
	Version int64           `json:"version"`
	Status  models.Status   `json:"status"`
	Patch   json.RawMessage `json:"patch"`
}

type patchRequest struct {
	Metadata       *models.Metadata     `json:"metadata"`
	IdentityTarget *string              `json:"identity_target"`
	OperatorMode   *models.OperatorMode `json:"operator_mode"`
}

type reviewRequest struct {
	Verdict    models.Verdict  `json:"verdict"`
	Reasoning  string          `json:"reasoning"`
	ApprovedBy models.Approver `json:"approved_by"`
	Notes      string          `json:"notes"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req createRequest
	if !h.decode(w, r, &req) {
		return
	}
	sess, err := h.sessions.Create(ctx, service.CreateInput{
		SessionID:      req.SessionID,
		Namespace:      req.Namespace,
		Controller:     req.Controller,
		IdentityTarget: req.IdentityTarget,
		OperatorMode:   req.OperatorMode,
		Metadata:       req.Metadata,
		InitialStatus:  req.Status,
	})
	if err != nil {
		h.writeError(ctx, w, "create", err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, sess.View())
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessions.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(r.Context(), w, "get", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, sess.View())
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	var req updateRequest
	if !h.decode(w, r, &req) {
		return
	}

	hasPatch := len(req.Patch) > 0 && string(req.Patch) != "null"
	var (
		sess *models.Session
		err  error
	)
	switch {
	case req.Status != "" && hasPatch:
		err = dErrors.New(dErrors.CodeValidation, "status and patch cannot be combined")
	case req.Status != "":
		sess, err = h.sessions.Transition(ctx, id, req.Status, req.Version)
	case hasPatch:
		var patch patchRequest
		if patch, err = decodePatch(req.Patch); err != nil {
			break
		}
		sess, err = h.sessions.Update(ctx, id, models.Patch{
			Metadata:       patch.Metadata,
			IdentityTarget: patch.IdentityTarget,
			OperatorMode:   patch.OperatorMode,
		}, req.Version)
	default:
		err = dErrors.New(dErrors.CodeValidation, "status or patch is required")
	}
	if err != nil {
		h.writeError(ctx, w, "update", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, sess.View())
}

func (h *Handler) handleReview(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req reviewRequest
	if !h.decode(w, r, &req) {
		return
	}
	sess, err := h.sessions.RecordReview(ctx, chi.URLParam(r, "id"), service.ReviewInput{
		Verdict:    req.Verdict,
		Reasoning:  req.Reasoning,
		ApprovedBy: req.ApprovedBy,
		Notes:      req.Notes,
	})
	if err != nil {
		h.writeError(ctx, w, "review", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, sess.View())
}

func (h *Handler) handleRequestReview(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessions.RequestReview(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(r.Context(), w, "request_review", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, sess.View())
}

func (h *Handler) handleReconcile(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessions.Reconcile(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(r.Context(), w, "reconcile", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, sess.View())
}

// decodePatch accepts only the patchable fields. Status never travels in a
// patch; it changes through a transition.
func decodePatch(raw json.RawMessage) (patchRequest, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return patchRequest{}, dErrors.New(dErrors.CodeBadRequest, "invalid patch")
	}
	if _, ok := fields["status"]; ok {
		return patchRequest{}, dErrors.New(dErrors.CodeValidation, "status cannot be patched, use a transition").
			WithDetails(map[string]any{"field": "status"})
	}

	var patch patchRequest
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&patch); err != nil {
		return patchRequest{}, dErrors.New(dErrors.CodeValidation, "patch has unknown or malformed fields").
			WithDetails(map[string]any{"reason": err.Error()})
	}
	return patch, nil
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.logger.WarnContext(r.Context(), "invalid session request",
			"request_id", middleware.GetRequestID(r.Context()),
			"error", err.Error(),
		)
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return false
	}
	return true
}

func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, op string, err error) {
	if dErrors.CodeOf(err) == dErrors.CodeInternal {
		h.logger.ErrorContext(ctx, "session request failed",
			"op", op,
			"request_id", middleware.GetRequestID(ctx),
			"error", err,
		)
	}
	httputil.WriteError(w, err)
}
