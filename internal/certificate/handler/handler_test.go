package handler

import (
	"bytes"
	"context"
	"encoding/base64"
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

	"sovereign/internal/certificate/cas"
	"sovereign/internal/certificate/handler/mocks"
	"sovereign/internal/certificate/models"
	"sovereign/internal/certificate/pqsign"
	"sovereign/internal/certificate/service"
	"sovereign/internal/certificate/store"
	dErrors "sovereign/pkg/domain-errors"
	"sovereign/pkg/requestcontext"
)

//go:generate mockgen -source=handler.go -destination=mocks/certificate-mocks.go -package=mocks

var genesis = time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)

type CertificateHandlerSuite struct {
	suite.Suite
	signer  *pqsign.Signer
	service *service.Service
	builder *mocks.MockBuilder
	router  chi.Router
	ctx     context.Context
}

func TestCertificateHandlerSuite(t *testing.T) {
	suite.Run(t, new(CertificateHandlerSuite))
}

func (s *CertificateHandlerSuite) SetupTest() {
	var err error
	s.signer, err = pqsign.NewFromSeed(strings.Repeat("22", 32))
	s.Require().NoError(err)
	verifier, err := pqsign.NewVerifier(s.signer.PublicKey())
	s.Require().NoError(err)
	s.service = service.New(s.signer, verifier, cas.NewInMemory(), store.NewInMemory(), service.Config{
		Genesis:         genesis,
		Version:         "1.0",
		ProtocolVersion: "1.0",
	})
	s.builder = mocks.NewMockBuilder(gomock.NewController(s.T()))
	s.ctx = requestcontext.WithTime(context.Background(), time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s.router = chi.NewRouter()
	New(s.service, s.builder, logger, nil).Register(s.router)
}

func (s *CertificateHandlerSuite) do(method, path string, body any) *httptest.ResponseRecorder {
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
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *CertificateHandlerSuite) decode(w *httptest.ResponseRecorder) map[string]any {
	var out map[string]any
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func (s *CertificateHandlerSuite) build() *models.Certificate {
	cert, err := s.service.Build(s.ctx, service.Input{
		Namespace:    "77.x",
		Tier:         "Legendary",
		Score:        850,
		Controller:   strings.Repeat("a1", 32),
		MetadataHash: "bafymeta",
	})
	s.Require().NoError(err)
	return cert
}

// =============================================================================
// POST /certificates/verify
// =============================================================================

func (s *CertificateHandlerSuite) TestVerifyValidCertificate() {
	cert := s.build()

	w := s.do(http.MethodPost, "/certificates/verify", map[string]any{"certificate": cert})

	s.Equal(http.StatusOK, w.Code)
	resp := s.decode(w)
	s.Equal(true, resp["valid"])
	s.Equal([]any{}, resp["reasons"])
}

func (s *CertificateHandlerSuite) TestVerifyTamperedCertificate() {
	cert := s.build()
	cert.Tier = "Mythic"

	w := s.do(http.MethodPost, "/certificates/verify", map[string]any{"certificate": cert})

	s.Equal(http.StatusOK, w.Code)
	resp := s.decode(w)
	s.Equal(false, resp["valid"])
	s.Equal(false, resp["checks"].(map[string]any)["integrity"])
}

func (s *CertificateHandlerSuite) TestVerifyRejectsPracticeCertificate() {
	practice, err := s.service.NewSimulation(s.ctx, "77.x", "Legendary")
	s.Require().NoError(err)

	w := s.do(http.MethodPost, "/certificates/verify", map[string]any{"certificate": practice})

	s.Equal(http.StatusOK, w.Code)
	resp := s.decode(w)
	s.Equal(false, resp["valid"])
	s.Equal("simulation", resp["kind"])
	s.NotEmpty(resp["reasons"])
}

func (s *CertificateHandlerSuite) TestVerifyUnknownKindIsAFailedVerdict() {
	for _, kind := range []string{"forged", ""} {
		s.Run("kind="+kind, func() {
			w := s.do(http.MethodPost, "/certificates/verify", map[string]any{
				"certificate": map[string]any{"kind": kind, "namespace": "77.x"},
			})

			s.Equal(http.StatusOK, w.Code)
			resp := s.decode(w)
			s.Equal(false, resp["valid"])
			s.Len(resp["reasons"], 1)
			checks := resp["checks"].(map[string]any)
			s.Equal(false, checks["integrity"])
			s.Equal(false, checks["signature"])
		})
	}
}

func (s *CertificateHandlerSuite) TestVerifyMalformedCertificateIs400() {
	w := s.do(http.MethodPost, "/certificates/verify", map[string]any{"certificate": "not-an-object"})
	s.Equal(http.StatusBadRequest, w.Code)
}

func (s *CertificateHandlerSuite) TestVerifyRequiresCertificate() {
	w := s.do(http.MethodPost, "/certificates/verify", map[string]any{})
	s.Equal(http.StatusBadRequest, w.Code)
}

// =============================================================================
// Build, lookup and practice
// =============================================================================

func (s *CertificateHandlerSuite) TestBuildIssuesThroughSession() {
	cert := s.build()
	s.builder.EXPECT().IssueCertificate(gomock.Any(), "sess-1").
		Return(&models.Record{ContentHash: cert.ContentHash, Certificate: cert}, nil)

	w := s.do(http.MethodPost, "/certificates/build", map[string]any{"session_id": "sess-1"})

	s.Equal(http.StatusOK, w.Code)
	s.Equal(cert.ContentHash, s.decode(w)["content_hash"])
}

func (s *CertificateHandlerSuite) TestBuildUnapprovedSessionIs412() {
	s.builder.EXPECT().IssueCertificate(gomock.Any(), "sess-1").
		Return(nil, dErrors.New(dErrors.CodePreconditionFailed, "issuance requires an approving review"))

	w := s.do(http.MethodPost, "/certificates/build", map[string]any{"session_id": "sess-1"})
	s.Equal(http.StatusPreconditionFailed, w.Code)
}

func (s *CertificateHandlerSuite) TestBuildRequiresSessionID() {
	w := s.do(http.MethodPost, "/certificates/build", map[string]any{})
	s.Equal(http.StatusBadRequest, w.Code)
}

func (s *CertificateHandlerSuite) TestGetUnknownIs404() {
	w := s.do(http.MethodGet, "/certificates/"+strings.Repeat("0", 64), nil)
	s.Equal(http.StatusNotFound, w.Code)
}

func (s *CertificateHandlerSuite) TestPublicKey() {
	w := s.do(http.MethodGet, "/certificates/public-key", nil)

	s.Equal(http.StatusOK, w.Code)
	resp := s.decode(w)
	s.Equal(models.SignatureAlgDilithium3, resp["algorithm"])
	raw, err := base64.StdEncoding.DecodeString(resp["public_key"].(string))
	s.Require().NoError(err)
	s.Equal(s.signer.PublicKey(), raw)
}

func (s *CertificateHandlerSuite) TestPracticeCertificateIsMarked() {
	w := s.do(http.MethodPost, "/practice/certificates", map[string]any{"namespace": "77.x", "tier": "Rare"})

	s.Equal(http.StatusOK, w.Code)
	resp := s.decode(w)
	s.Equal("simulation", resp["kind"])
	s.Equal(models.SimulationSignature, resp["signature"])
}

func (s *CertificateHandlerSuite) TestPracticeRequiresFields() {
	w := s.do(http.MethodPost, "/practice/certificates", map[string]any{"namespace": "77.x"})
	s.Equal(http.StatusBadRequest, w.Code)
}
