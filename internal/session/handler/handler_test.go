package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	jwttoken "sovereign/internal/jwt_token"
	"sovereign/internal/session/handler/mocks"
	"sovereign/internal/session/models"
	"sovereign/internal/session/service"
	dErrors "sovereign/pkg/domain-errors"
	"sovereign/pkg/requestcontext"
)

//go:generate mockgen -source=handler.go -destination=mocks/session-mocks.go -package=mocks Service
type SessionHandlerSuite struct {
	suite.Suite
	service *mocks.MockService
	jwt     *jwttoken.JWTService
	router  chi.Router
}

func TestSessionHandlerSuite(t *testing.T) {
	suite.Run(t, new(SessionHandlerSuite))
}

func (s *SessionHandlerSuite) SetupTest() {
	ctrl := gomock.NewController(s.T())
	s.service = mocks.NewMockService(ctrl)
	s.jwt = jwttoken.NewJWTService("test-signing-key", "sovereign", "operators")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s.router = chi.NewRouter()
	New(s.service, s.jwt, logger, nil).Register(s.router)
}

func (s *SessionHandlerSuite) do(method, path string, body any, token string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		s.Require().NoError(err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *SessionHandlerSuite) decode(w *httptest.ResponseRecorder) map[string]any {
	var out map[string]any
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func (s *SessionHandlerSuite) operatorToken() string {
	token, err := s.jwt.GenerateOperatorToken("op-7", jwttoken.RoleReviewer, time.Hour)
	s.Require().NoError(err)
	return token
}

func session(status models.Status) *models.Session {
	sess, _ := models.NewSession("sess-1", "sovereign.x", strings.Repeat("ab", 32), "", "",
		models.Metadata{}, status, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	return sess
}

// =============================================================================
// POST /sessions and GET /sessions/{id}
// =============================================================================

func (s *SessionHandlerSuite) TestCreateReturnsView() {
	s.service.EXPECT().Create(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, in service.CreateInput) (*models.Session, error) {
			s.Equal("sess-1", in.SessionID)
			s.Equal(models.OperatorArchitect, in.OperatorMode)
			s.Equal([]string{"dao"}, in.Metadata.Tags)
			return session(models.StatusInvited), nil
		})

	w := s.do(http.MethodPost, "/sessions", map[string]any{
		"session_id":    "sess-1",
		"namespace":     "sovereign.x",
		"controller":    strings.Repeat("ab", 32),
		"operator_mode": "ARCHITECT",
		"metadata":      map[string]any{"tags": []string{"dao"}},
	}, "")

	s.Equal(http.StatusCreated, w.Code)
	resp := s.decode(w)
	s.Equal("INVITED", resp["status"])
	s.Equal(float64(1), resp["version"])
	// INVITED hides the namespace
	s.Nil(resp["namespace"])
	s.Equal(false, resp["capabilities"].(map[string]any)["show_namespace"])
}

func (s *SessionHandlerSuite) TestCreateDuplicateIsConflict() {
	s.service.EXPECT().Create(gomock.Any(), gomock.Any()).
		Return(nil, dErrors.New(dErrors.CodeConflict, "session already exists"))

	w := s.do(http.MethodPost, "/sessions", map[string]any{"session_id": "sess-1"}, "")

	s.Equal(http.StatusConflict, w.Code)
	s.Equal("conflict", s.decode(w)["error"])
}

func (s *SessionHandlerSuite) TestGetShowsNamespaceOnceClaimed() {
	s.service.EXPECT().Get(gomock.Any(), "sess-1").Return(session(models.StatusClaimed), nil)

	w := s.do(http.MethodGet, "/sessions/sess-1", nil, "")

	s.Equal(http.StatusOK, w.Code)
	s.Equal("sovereign.x", s.decode(w)["namespace"])
}

func (s *SessionHandlerSuite) TestGetUnknownIs404() {
	s.service.EXPECT().Get(gomock.Any(), "missing").Return(nil, dErrors.New(dErrors.CodeNotFound, "session not found"))

	w := s.do(http.MethodGet, "/sessions/missing", nil, "")
	s.Equal(http.StatusNotFound, w.Code)
}

// =============================================================================
// PUT /sessions/{id}
// =============================================================================

func (s *SessionHandlerSuite) TestPutStatusTransitions() {
	s.service.EXPECT().Transition(gomock.Any(), "sess-1", models.StatusClaimed, int64(1)).
		Return(session(models.StatusClaimed), nil)

	w := s.do(http.MethodPut, "/sessions/sess-1", map[string]any{"version": 1, "status": "CLAIMED"}, "")

	s.Equal(http.StatusOK, w.Code)
	s.Equal("CLAIMED", s.decode(w)["status"])
}

func (s *SessionHandlerSuite) TestPutInvalidTransitionReportsAllowed() {
	s.service.EXPECT().Transition(gomock.Any(), "sess-1", models.StatusActive, int64(1)).
		Return(nil, dErrors.New(dErrors.CodeInvalidTransition, "cannot transition from INVITED to ACTIVE").
			WithDetails(map[string]any{
				"current": models.StatusInvited,
				"allowed": []models.Status{models.StatusClaimed, models.StatusDenied},
			}))

	w := s.do(http.MethodPut, "/sessions/sess-1", map[string]any{"version": 1, "status": "ACTIVE"}, "")

	s.Equal(http.StatusBadRequest, w.Code)
	resp := s.decode(w)
	s.Equal("invalid_transition", resp["error"])
	details := resp["details"].(map[string]any)
	s.Equal("INVITED", details["current"])
	s.Equal([]any{"CLAIMED", "DENIED"}, details["allowed"])
}

func (s *SessionHandlerSuite) TestPutStaleVersionIs412() {
	s.service.EXPECT().Transition(gomock.Any(), "sess-1", models.StatusClaimed, int64(1)).
		Return(nil, dErrors.New(dErrors.CodeStaleVersion, "session was modified concurrently"))

	w := s.do(http.MethodPut, "/sessions/sess-1", map[string]any{"version": 1, "status": "CLAIMED"}, "")
	s.Equal(http.StatusPreconditionFailed, w.Code)
}

func (s *SessionHandlerSuite) TestPutPatchUpdates() {
	s.service.EXPECT().Update(gomock.Any(), "sess-1", gomock.Any(), int64(2)).DoAndReturn(
		func(_ context.Context, _ string, patch models.Patch, _ int64) (*models.Session, error) {
			s.Require().NotNil(patch.IdentityTarget)
			s.Equal("did:example:1", *patch.IdentityTarget)
			s.Nil(patch.Metadata)
			return session(models.StatusInvited), nil
		})

	w := s.do(http.MethodPut, "/sessions/sess-1", map[string]any{
		"version": 2,
		"patch":   map[string]any{"identity_target": "did:example:1"},
	}, "")

	s.Equal(http.StatusOK, w.Code)
}

func (s *SessionHandlerSuite) TestPutRejectsStatusWithPatch() {
	w := s.do(http.MethodPut, "/sessions/sess-1", map[string]any{
		"version": 2,
		"status":  "CLAIMED",
		"patch":   map[string]any{"identity_target": "x"},
	}, "")

	s.Equal(http.StatusBadRequest, w.Code)
	s.Equal("validation_error", s.decode(w)["error"])
}

func (s *SessionHandlerSuite) TestPutRejectsStatusInsidePatch() {
	w := s.do(http.MethodPut, "/sessions/sess-1", map[string]any{
		"version": 1,
		"patch":   map[string]any{"status": "ACTIVE", "identity_target": "x"},
	}, "")

	s.Equal(http.StatusBadRequest, w.Code)
	resp := s.decode(w)
	s.Equal("validation_error", resp["error"])
	s.Equal("status", resp["details"].(map[string]any)["field"])
}

func (s *SessionHandlerSuite) TestPutRejectsUnknownPatchField() {
	w := s.do(http.MethodPut, "/sessions/sess-1", map[string]any{
		"version": 1,
		"patch":   map[string]any{"namespace": "other.x"},
	}, "")

	s.Equal(http.StatusBadRequest, w.Code)
	s.Equal("validation_error", s.decode(w)["error"])
}

func (s *SessionHandlerSuite) TestPutRequiresStatusOrPatch() {
	w := s.do(http.MethodPut, "/sessions/sess-1", map[string]any{"version": 2}, "")
	s.Equal(http.StatusBadRequest, w.Code)
}

// =============================================================================
// Review and reconcile
// =============================================================================

func (s *SessionHandlerSuite) TestReviewRequiresOperatorToken() {
	w := s.do(http.MethodPost, "/sessions/sess-1/review", map[string]any{"verdict": "APPROVE"}, "")
	s.Equal(http.StatusUnauthorized, w.Code)

	w = s.do(http.MethodPost, "/sessions/sess-1/reconcile", nil, "not-a-token")
	s.Equal(http.StatusUnauthorized, w.Code)
}

func (s *SessionHandlerSuite) TestReviewPassesOperatorIdentity() {
	s.service.EXPECT().RecordReview(gomock.Any(), "sess-1", service.ReviewInput{
		Verdict:   models.VerdictApprove,
		Reasoning: "verified in person",
	}).DoAndReturn(func(ctx context.Context, _ string, _ service.ReviewInput) (*models.Session, error) {
		s.Equal("op-7", requestcontext.OperatorID(ctx))
		return session(models.StatusClaimed), nil
	})

	w := s.do(http.MethodPost, "/sessions/sess-1/review", map[string]any{
		"verdict":   "APPROVE",
		"reasoning": "verified in person",
	}, s.operatorToken())

	s.Equal(http.StatusOK, w.Code)
}

func (s *SessionHandlerSuite) TestRequestReviewIsOpen() {
	s.service.EXPECT().RequestReview(gomock.Any(), "sess-1").Return(session(models.StatusClaimed), nil)

	w := s.do(http.MethodPost, "/sessions/sess-1/review/request", nil, "")
	s.Equal(http.StatusOK, w.Code)
}

func (s *SessionHandlerSuite) TestRequestReviewUpstreamFailureIs502() {
	s.service.EXPECT().RequestReview(gomock.Any(), "sess-1").
		Return(nil, dErrors.New(dErrors.CodeUpstream, "review failed"))

	w := s.do(http.MethodPost, "/sessions/sess-1/review/request", nil, "")
	s.Equal(http.StatusBadGateway, w.Code)
}

func (s *SessionHandlerSuite) TestReconcileWithOperator() {
	s.service.EXPECT().Reconcile(gomock.Any(), "sess-1").Return(session(models.StatusIssued), nil)

	w := s.do(http.MethodPost, "/sessions/sess-1/reconcile", nil, s.operatorToken())
	s.Equal(http.StatusOK, w.Code)
	s.Equal("ISSUED", s.decode(w)["status"])
}
