package service_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"sovereign/internal/certificate/cas"
	"sovereign/internal/certificate/models"
	"sovereign/internal/certificate/pqsign"
	"sovereign/internal/certificate/service"
	"sovereign/internal/certificate/service/mocks"
	"sovereign/internal/certificate/store"
	dErrors "sovereign/pkg/domain-errors"
	"sovereign/pkg/requestcontext"
)

//go:generate mockgen -source=service.go -destination=mocks/certificate-mocks.go -package=mocks

var genesis = time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)

type CertificateSuite struct {
	suite.Suite
	signer  *pqsign.Signer
	content *cas.InMemory
	service *service.Service
	ctx     context.Context
}

func TestCertificateSuite(t *testing.T) {
	suite.Run(t, new(CertificateSuite))
}

func (s *CertificateSuite) SetupTest() {
	var err error
	s.signer, err = pqsign.NewFromSeed(strings.Repeat("11", 32))
	s.Require().NoError(err)
	verifier, err := pqsign.NewVerifier(s.signer.PublicKey())
	s.Require().NoError(err)
	s.content = cas.NewInMemory()
	s.service = service.New(s.signer, verifier, s.content, store.NewInMemory(), service.Config{
		Genesis:         genesis,
		Version:         "1.0",
		ProtocolVersion: "1.0",
	})
	s.ctx = requestcontext.WithTime(context.Background(), time.Date(2026, 11, 5, 9, 30, 0, 0, time.UTC))
}

func (s *CertificateSuite) input() service.Input {
	return service.Input{
		Namespace:    "77.x",
		Tier:         "Legendary",
		Score:        850,
		Controller:   strings.Repeat("a1", 32),
		MetadataHash: "bafymeta",
	}
}

// =============================================================================
// Build
// =============================================================================

func (s *CertificateSuite) TestBuildThenVerifyIsValid() {
	cert, err := s.service.Build(s.ctx, s.input())
	s.Require().NoError(err)
	s.Equal(models.KindReal, cert.Kind)
	s.Equal(cert.Hash(), cert.ContentHash)
	s.Equal(genesis, cert.GenesisTimestamp)

	result, err := s.service.Verify(s.ctx, cert)
	s.Require().NoError(err)
	s.True(result.Valid, "reasons: %v", result.Reasons)
	s.Empty(result.Reasons)
	s.Equal(models.Checks{Integrity: true, Signature: true, ContentPointer: true, Temporal: true}, result.Checks)

	stored, err := s.content.Get(s.ctx, cert.ContentPointer)
	s.Require().NoError(err)
	s.Equal(cert.CanonicalBytes(), stored)
}

func (s *CertificateSuite) TestVerifySurvivesWireRoundTrip() {
	cert, err := s.service.Build(s.ctx, s.input())
	s.Require().NoError(err)

	raw, err := json.Marshal(cert)
	s.Require().NoError(err)
	decoded, err := models.Decode(raw)
	s.Require().NoError(err)
	s.IsType(&models.Certificate{}, decoded)

	result, err := s.service.Verify(s.ctx, decoded)
	s.Require().NoError(err)
	s.True(result.Valid, "reasons: %v", result.Reasons)
}

func (s *CertificateSuite) TestBuildAfterGenesisFails() {
	late := requestcontext.WithTime(context.Background(), genesis.Add(time.Second))
	_, err := s.service.Build(late, s.input())
	s.True(dErrors.HasCode(err, dErrors.CodePreconditionFailed), "got %v", err)
}

func (s *CertificateSuite) TestBuildExactlyAtGenesisSucceeds() {
	atGenesis := requestcontext.WithTime(context.Background(), genesis)
	cert, err := s.service.Build(atGenesis, s.input())
	s.Require().NoError(err)

	result, err := s.service.Verify(atGenesis, cert)
	s.Require().NoError(err)
	s.True(result.Checks.Temporal)
}

// =============================================================================
// Verify failures
// =============================================================================

func (s *CertificateSuite) TestTamperedFieldFailsIntegrity() {
	cert, err := s.service.Build(s.ctx, s.input())
	s.Require().NoError(err)

	cert.Tier = "Mythic"

	result, err := s.service.Verify(s.ctx, cert)
	s.Require().NoError(err)
	s.False(result.Valid)
	s.False(result.Checks.Integrity)
	s.True(result.Checks.Signature)
	s.True(result.Checks.ContentPointer)
	s.NotEmpty(result.Reasons)
}

func (s *CertificateSuite) TestRehashedForgeryFailsSignature() {
	cert, err := s.service.Build(s.ctx, s.input())
	s.Require().NoError(err)

	cert.Tier = "Mythic"
	cert.ContentHash = cert.Hash()
	pointer, err := models.ContentPointer(cert.CanonicalBytes())
	s.Require().NoError(err)
	cert.ContentPointer = pointer.String()

	result, err := s.service.Verify(s.ctx, cert)
	s.Require().NoError(err)
	s.False(result.Valid)
	s.True(result.Checks.Integrity)
	s.False(result.Checks.Signature)
}

func (s *CertificateSuite) TestBackdatedGenesisFailsTemporal() {
	cert, err := s.service.Build(s.ctx, s.input())
	s.Require().NoError(err)

	cert.GenesisTimestamp = genesis.Add(365 * 24 * time.Hour)

	result, err := s.service.Verify(s.ctx, cert)
	s.Require().NoError(err)
	s.False(result.Checks.Temporal)
	s.False(result.Valid)
}

// =============================================================================
// Simulation
// =============================================================================

func (s *CertificateSuite) TestSimulationAlwaysFailsSignature() {
	sim, err := s.service.NewSimulation(s.ctx, "practice.ns", "Epic")
	s.Require().NoError(err)
	s.Equal(models.KindSimulation, sim.Kind)
	s.Equal(models.SimulationSignature, sim.Signature)

	result, err := s.service.Verify(s.ctx, sim)
	s.Require().NoError(err)
	s.False(result.Valid)
	s.False(result.Checks.Signature)
	s.True(result.Checks.Integrity)
	s.True(result.Checks.ContentPointer)
}

// TestSimulationWithRealSignatureStillRejected signs a simulation body with the
// protocol key and checks the verifier still refuses it.
func (s *CertificateSuite) TestSimulationWithRealSignatureStillRejected() {
	sim, err := s.service.NewSimulation(s.ctx, "practice.ns", "Epic")
	s.Require().NoError(err)

	cert, err := s.service.Prepare(s.ctx, s.input())
	s.Require().NoError(err)
	sim.Signature = cert.Signature
	sim.SignatureAlg = cert.SignatureAlg

	result, err := s.service.Verify(s.ctx, sim)
	s.Require().NoError(err)
	s.False(result.Valid)
	s.False(result.Checks.Signature)
}

func (s *CertificateSuite) TestRelabelledSimulationFailsIntegrity() {
	sim, err := s.service.NewSimulation(s.ctx, "practice.ns", "Epic")
	s.Require().NoError(err)

	forged := &models.Certificate{Sealed: sim.Sealed}
	forged.Kind = models.KindReal

	result, err := s.service.Verify(s.ctx, forged)
	s.Require().NoError(err)
	s.False(result.Valid)
	s.False(result.Checks.Integrity)
	s.False(result.Checks.Signature)
}

func (s *CertificateSuite) TestDecodeDispatchesOnKind() {
	sim, err := s.service.NewSimulation(s.ctx, "practice.ns", "Epic")
	s.Require().NoError(err)
	raw, err := json.Marshal(sim)
	s.Require().NoError(err)

	decoded, err := models.Decode(raw)
	s.Require().NoError(err)
	s.IsType(&models.SimulationCertificate{}, decoded)

	_, err = models.Decode([]byte(`{"kind":"other"}`))
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	s.ErrorIs(err, models.ErrUnknownKind)
}

// =============================================================================
// Collaborator failures
// =============================================================================

func (s *CertificateSuite) TestSignerFailureIsUpstream() {
	ctrl := gomock.NewController(s.T())
	signer := mocks.NewMockSigner(ctrl)
	signer.EXPECT().Sign(gomock.Any(), gomock.Any()).Return(nil, errors.New("hsm offline"))

	svc := service.New(signer, nil, cas.NewInMemory(), store.NewInMemory(), service.Config{Genesis: genesis})
	_, err := svc.Prepare(s.ctx, s.input())
	s.True(dErrors.HasCode(err, dErrors.CodeUpstream), "got %v", err)
}

func (s *CertificateSuite) TestPublishFailureIsUpstream() {
	ctrl := gomock.NewController(s.T())
	content := mocks.NewMockContentStore(ctrl)
	content.EXPECT().Put(gomock.Any(), gomock.Any()).Return("", errors.New("bucket unreachable"))

	svc := service.New(s.signer, nil, content, store.NewInMemory(), service.Config{Genesis: genesis})
	cert, err := svc.Prepare(s.ctx, s.input())
	s.Require().NoError(err)

	err = svc.Publish(s.ctx, cert)
	s.True(dErrors.HasCode(err, dErrors.CodeUpstream), "got %v", err)
}

func (s *CertificateSuite) TestVerifierErrorIsUpstream() {
	ctrl := gomock.NewController(s.T())
	verifier := mocks.NewMockSignatureVerifier(ctrl)
	verifier.EXPECT().Verify(gomock.Any(), gomock.Any(), gomock.Any()).Return(false, errors.New("verifier down"))

	svc := service.New(s.signer, verifier, cas.NewInMemory(), store.NewInMemory(), service.Config{Genesis: genesis})
	cert, err := svc.Prepare(s.ctx, s.input())
	s.Require().NoError(err)

	_, err = svc.Verify(s.ctx, cert)
	s.True(dErrors.HasCode(err, dErrors.CodeUpstream), "got %v", err)
}

func (s *CertificateSuite) TestSignatureIsBase64Dilithium() {
	cert, err := s.service.Prepare(s.ctx, s.input())
	s.Require().NoError(err)
	s.Equal(models.SignatureAlgDilithium3, cert.SignatureAlg)
	_, err = base64.StdEncoding.DecodeString(cert.Signature)
	s.NoError(err)
}
