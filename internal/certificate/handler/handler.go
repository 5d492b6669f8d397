package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"sovereign/internal/certificate/models"
	"sovereign/internal/platform/metrics"
	"sovereign/internal/platform/middleware"
	dErrors "sovereign/pkg/domain-errors"
	"sovereign/pkg/platform/httputil"
)

// Certificates is the verification and lookup side of the certificate service.
type Certificates interface {
	Verify(ctx context.Context, artifact models.Artifact) (*models.Verification, error)
	Get(ctx context.Context, contentHash string) (*models.Record, error)
	NewSimulation(ctx context.Context, namespace, tier string) (*models.SimulationCertificate, error)
	PublicKey() []byte
}

// Builder issues the certificate of an approved claim session.
type Builder interface {
	IssueCertificate(ctx context.Context, sessionID string) (*models.Record, error)
}

// Handler serves /certificates and /practice routes.
type Handler struct {
	logger       *slog.Logger
	certificates Certificates
	builder      Builder
	metrics      *metrics.Metrics
}

func New(certificates Certificates, builder Builder, logger *slog.Logger, m *metrics.Metrics) *Handler {
	return &Handler{logger: logger, certificates: certificates, builder: builder, metrics: m}
}

// Register mounts the certificate routes on r.
func (h *Handler) Register(r chi.Router) {
	r.Route("/certificates", func(r chi.Router) {
		h.use(r)
		r.Post("/build", h.handleBuild)
		r.Post("/verify", h.handleVerify)
		r.Get("/public-key", h.handlePublicKey)
		r.Get("/{content_hash}", h.handleGet)
	})
	r.Route("/practice", func(r chi.Router) {
		h.use(r)
		r.Post("/certificates", h.handlePractice)
	})
}

func (h *Handler) use(r chi.Router) {
	r.Use(middleware.Recovery(h.logger))
	r.Use(middleware.RequestID)
	r.Use(middleware.RequestTime)
	r.Use(middleware.Logger(h.logger))
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(middleware.ContentTypeJSON)
	r.Use(middleware.LatencyMiddleware(h.metrics))
}

type buildRequest struct {
	SessionID string `json:"session_id"`
}

type verifyRequest struct {
	Certificate json.RawMessage `json:"certificate"`
}

type practiceRequest struct {
	Namespace string `json:"namespace"`
	Tier      string `json:"tier"`
}

type publicKeyResponse struct {
	Algorithm string `json:"algorithm"`
	PublicKey string `json:"public_key"`
}

func (h *Handler) handleBuild(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req buildRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.SessionID == "" {
		httputil.WriteError(w, dErrors.New(dErrors.CodeValidation, "session_id is required"))
		return
	}
	rec, err := h.builder.IssueCertificate(ctx, req.SessionID)
	if err != nil {
		h.writeError(ctx, w, "build", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, rec.Certificate)
}

func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req verifyRequest
	if !h.decode(w, r, &req) {
		return
	}
	if len(req.Certificate) == 0 {
		httputil.WriteError(w, dErrors.New(dErrors.CodeValidation, "certificate is required"))
		return
	}
	artifact, err := models.Decode(req.Certificate)
	if errors.Is(err, models.ErrUnknownKind) {
		httputil.WriteJSON(w, http.StatusOK, models.RejectUnknownKind(req.Certificate))
		return
	}
	if err != nil {
		h.writeError(ctx, w, "verify", err)
		return
	}
	result, err := h.certificates.Verify(ctx, artifact)
	if err != nil {
		h.writeError(ctx, w, "verify", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, result)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	rec, err := h.certificates.Get(r.Context(), chi.URLParam(r, "content_hash"))
	if err != nil {
		h.writeError(r.Context(), w, "get", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, rec)
}

func (h *Handler) handlePublicKey(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, publicKeyResponse{
		Algorithm: models.SignatureAlgDilithium3,
		PublicKey: base64.StdEncoding.EncodeToString(h.certificates.PublicKey()),
	})
}

func (h *Handler) handlePractice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req practiceRequest
	if !h.decode(w, r, &req) {
		return
	}
	cert, err := h.certificates.NewSimulation(ctx, req.Namespace, req.Tier)
	if err != nil {
		h.writeError(ctx, w, "practice", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, cert)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.logger.WarnContext(r.Context(), "invalid certificate request",
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
		h.logger.ErrorContext(ctx, "certificate request failed",
			"op", op,
			"request_id", middleware.GetRequestID(ctx),
			"error", err,
		)
	}
	httputil.WriteError(w, err)
}
