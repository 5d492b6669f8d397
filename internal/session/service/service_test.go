package service_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	certmodels "sovereign/internal/certificate/models"
	issuancesvc "sovereign/internal/issuance/service"
	raritymodels "sovereign/internal/rarity/models"
	raritysvc "sovereign/internal/rarity/service"
	regmodels "sovereign/internal/registry/models"
	registrysvc "sovereign/internal/registry/service"
	"sovereign/internal/session/models"
	"sovereign/internal/session/service"
	"sovereign/internal/session/service/mocks"
	"sovereign/internal/session/store"
	"sovereign/internal/upstream"
	dErrors "sovereign/pkg/domain-errors"
	"sovereign/pkg/requestcontext"
)

//go:generate mockgen -source=service.go -destination=mocks/session-mocks.go -package=mocks

var controller = strings.Repeat("ab", 32)

type SessionServiceSuite struct {
	suite.Suite
	ctrl     *gomock.Controller
	rarity   *mocks.MockRarity
	registry *mocks.MockRegistry
	issuer   *mocks.MockIssuer
	chain    *mocks.MockChain
	reviewer *mocks.MockReviewer
	audit    *mocks.MockAuditPublisher
	store    *store.InMemory
	service  *service.Service
	ctx      context.Context
}

func TestSessionServiceSuite(t *testing.T) {
	suite.Run(t, new(SessionServiceSuite))
}

func (s *SessionServiceSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.rarity = mocks.NewMockRarity(s.ctrl)
	s.registry = mocks.NewMockRegistry(s.ctrl)
	s.issuer = mocks.NewMockIssuer(s.ctrl)
	s.chain = mocks.NewMockChain(s.ctrl)
	s.reviewer = mocks.NewMockReviewer(s.ctrl)
	s.audit = mocks.NewMockAuditPublisher(s.ctrl)
	s.audit.EXPECT().Emit(gomock.Any(), gomock.Any()).Return(nil).AnyTimes()
	s.store = store.NewInMemory()

	zero := upstream.WithBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} })
	s.service = service.New(service.Deps{
		Store:         s.store,
		Rarity:        s.rarity,
		Registry:      s.registry,
		Issuer:        s.issuer,
		Chain:         s.chain,
		Reviewer:      s.reviewer,
		ChainGateway:  upstream.NewGateway("chain", upstream.NewMemoryIdempotency(), zero),
		ReviewGateway: upstream.NewGateway("review", upstream.NewMemoryIdempotency(), zero),
	}, service.WithAuditPublisher(s.audit), service.WithXRPL("Y3K", "rIssuer"))
	s.ctx = requestcontext.WithTime(context.Background(), time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
}

func (s *SessionServiceSuite) TearDownTest() {
	s.ctrl.Finish()
}

func (s *SessionServiceSuite) create(id string) *models.Session {
	sess, err := s.service.Create(s.ctx, service.CreateInput{
		SessionID:  id,
		Namespace:  "sovereign.x",
		Controller: controller,
	})
	s.Require().NoError(err)
	return sess
}

func (s *SessionServiceSuite) expectClaimChecks() {
	s.rarity.EXPECT().Assess("sovereign.x", gomock.Any()).Return(raritysvc.Assessment{
		Identifier: "sovereign.x",
		Score:      612,
		Tier:       raritymodels.TierRare,
	})
	s.registry.EXPECT().Check(gomock.Any(), "sovereign.x").Return(&registrysvc.CheckResult{}, nil)
	s.rarity.EXPECT().HasCapacity(gomock.Any(), raritymodels.TierRare).Return(true, nil)
}

// approvedClaim returns an approved CLAIMED session at version 3.
func (s *SessionServiceSuite) approvedClaim(id string) *models.Session {
	s.create(id)
	s.expectClaimChecks()
	_, err := s.service.Transition(s.ctx, id, models.StatusClaimed, 1)
	s.Require().NoError(err)
	sess, err := s.service.RecordReview(s.ctx, id, service.ReviewInput{Verdict: models.VerdictApprove})
	s.Require().NoError(err)
	s.Require().Equal(int64(3), sess.Version)
	return sess
}

func (s *SessionServiceSuite) expectIssue(id string) {
	s.issuer.EXPECT().Issue(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, req issuancesvc.Request) (*issuancesvc.Result, error) {
			s.Equal(id, req.SessionID)
			s.Equal(controller, req.Controller)
			return &issuancesvc.Result{
				Record: &certmodels.Record{
					ContentHash:    "hash-" + id,
					SessionID:      id,
					Namespace:      req.Namespace,
					Tier:           "Rare",
					Score:          612,
					PriceCents:     9900,
					ContentPointer: "cas://hash-" + id,
				},
				Registration: &regmodels.Registration{Namespace: req.Namespace, Sequence: 7, CommitmentHash: "c7"},
			}, nil
		})
}

func receipt(key string) *upstream.MintReceipt {
	return &upstream.MintReceipt{
		AssetCode:       "SOVEREIGN",
		IssuerPublicKey: "GISSUER",
		Supply:          "1",
		TxHash:          "tx-" + key[:6],
		ExplorerURL:     "https://explorer/tx",
	}
}

// =============================================================================
// Create and Get
// =============================================================================

func (s *SessionServiceSuite) TestCreateDefaults() {
	sess := s.create("sess-1")
	s.Equal(models.StatusInvited, sess.Status)
	s.Equal(models.OperatorObserver, sess.OperatorMode)
	s.Equal(int64(1), sess.Version)
	s.Nil(sess.Assessment)
}

func (s *SessionServiceSuite) TestCreateDuplicateIsConflict() {
	s.create("sess-1")
	_, err := s.service.Create(s.ctx, service.CreateInput{SessionID: "sess-1", Namespace: "other", Controller: controller})
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeConflict))
}

func (s *SessionServiceSuite) TestCreateClaimedRunsClaimChecks() {
	s.expectClaimChecks()
	sess, err := s.service.Create(s.ctx, service.CreateInput{
		SessionID:     "sess-1",
		Namespace:     "sovereign.x",
		Controller:    controller,
		InitialStatus: models.StatusClaimed,
	})
	s.Require().NoError(err)
	s.Equal(models.StatusClaimed, sess.Status)
	s.Require().NotNil(sess.Assessment)
	s.Equal("Rare", sess.Assessment.Tier)
	s.NotNil(sess.Audit.ClaimedAt)
}

func (s *SessionServiceSuite) TestCreateInvalidInput() {
	_, err := s.service.Create(s.ctx, service.CreateInput{SessionID: "sess-1", Namespace: "sovereign.x", Controller: "nothex"})
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))
}

func (s *SessionServiceSuite) TestGetUnknownIsNotFound() {
	_, err := s.service.Get(s.ctx, "missing")
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
}

// =============================================================================
// Transition
// =============================================================================

func (s *SessionServiceSuite) TestTransitionRequiresVersion() {
	s.create("sess-1")
	_, err := s.service.Transition(s.ctx, "sess-1", models.StatusClaimed, 0)
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))
}

func (s *SessionServiceSuite) TestTransitionStaleVersion() {
	s.create("sess-1")
	_, err := s.service.Transition(s.ctx, "sess-1", models.StatusClaimed, 4)
	s.Require().Error(err)
	de, ok := dErrors.As(err)
	s.Require().True(ok)
	s.Equal(dErrors.CodeStaleVersion, de.Code)
	s.Equal(int64(4), de.Details["expected_version"])
	s.Equal(int64(1), de.Details["current_version"])
}

func (s *SessionServiceSuite) TestIllegalTransitionIsRejected() {
	s.create("sess-1")

	_, err := s.service.Transition(s.ctx, "sess-1", models.StatusActive, 1)
	s.Require().Error(err)
	de, _ := dErrors.As(err)
	s.Equal(dErrors.CodeInvalidTransition, de.Code)
	s.Equal(models.StatusInvited, de.Details["current"])

	sess, err := s.service.Get(s.ctx, "sess-1")
	s.Require().NoError(err)
	s.Equal(models.StatusInvited, sess.Status)
	s.Equal(int64(1), sess.Version)
}

func (s *SessionServiceSuite) TestClaimStoresAssessment() {
	s.create("sess-1")
	s.expectClaimChecks()

	sess, err := s.service.Transition(s.ctx, "sess-1", models.StatusClaimed, 1)
	s.Require().NoError(err)
	s.Equal(models.StatusClaimed, sess.Status)
	s.Equal(int64(2), sess.Version)
	s.Equal(&models.Assessment{Score: 612, Tier: "Rare"}, sess.Assessment)
}

func (s *SessionServiceSuite) TestClaimRegisteredNamespaceIsConflict() {
	s.create("sess-1")
	s.rarity.EXPECT().Assess(gomock.Any(), gomock.Any()).Return(raritysvc.Assessment{Score: 612, Tier: raritymodels.TierRare})
	s.registry.EXPECT().Check(gomock.Any(), "sovereign.x").Return(&registrysvc.CheckResult{
		Exists:       true,
		Registration: &regmodels.Registration{Namespace: "sovereign.x", Controller: "owner"},
	}, nil)

	_, err := s.service.Transition(s.ctx, "sess-1", models.StatusClaimed, 1)
	s.Require().Error(err)
	de, _ := dErrors.As(err)
	s.Equal(dErrors.CodeConflict, de.Code)
	s.Equal("owner", de.Details["existing_controller"])
}

func (s *SessionServiceSuite) TestClaimExhaustedTierIsQuotaExceeded() {
	s.create("sess-1")
	s.rarity.EXPECT().Assess(gomock.Any(), gomock.Any()).Return(raritysvc.Assessment{Score: 990, Tier: raritymodels.TierMythic})
	s.registry.EXPECT().Check(gomock.Any(), gomock.Any()).Return(&registrysvc.CheckResult{}, nil)
	s.rarity.EXPECT().HasCapacity(gomock.Any(), raritymodels.TierMythic).Return(false, nil)

	_, err := s.service.Transition(s.ctx, "sess-1", models.StatusClaimed, 1)
	s.Require().Error(err)
	de, _ := dErrors.As(err)
	s.Equal(dErrors.CodeQuotaExceeded, de.Code)
	s.Equal("Mythic", de.Details["tier"])
}

func (s *SessionServiceSuite) TestIssueRequiresApproval() {
	s.create("sess-1")
	s.expectClaimChecks()
	_, err := s.service.Transition(s.ctx, "sess-1", models.StatusClaimed, 1)
	s.Require().NoError(err)

	_, err = s.service.Transition(s.ctx, "sess-1", models.StatusIssued, 2)
	s.True(dErrors.HasCode(err, dErrors.CodePreconditionFailed))
}

func (s *SessionServiceSuite) TestIssueIssuesCertificateAndMints() {
	s.approvedClaim("sess-1")
	s.expectIssue("sess-1")
	mintKey := upstream.Key("sess-1", models.OpMint)
	s.chain.EXPECT().Mint(gomock.Any(), mintKey, gomock.Any()).DoAndReturn(
		func(_ context.Context, key string, req upstream.MintRequest) (*upstream.MintReceipt, error) {
			s.Equal("SOVEREIGN", req.AssetCode)
			s.Equal("1", req.Supply)
			s.Equal(controller, req.Holder)
			return receipt(key), nil
		})

	sess, err := s.service.Transition(s.ctx, "sess-1", models.StatusIssued, 3)
	s.Require().NoError(err)
	s.Equal(models.StatusIssued, sess.Status)
	s.NotNil(sess.Audit.IssuedAt)
	s.Require().NotNil(sess.Certificate)
	s.Equal("hash-sess-1", sess.Certificate.ContentHash)
	s.Equal(int64(7), sess.Certificate.Sequence)
	s.Require().NotNil(sess.StellarAsset)
	s.Equal("GISSUER", sess.StellarAsset.IssuerPublicKey)
	s.Equal(models.PendingConfirmed, sess.Pending(models.OpMint).State)

	stored, err := s.service.Get(s.ctx, "sess-1")
	s.Require().NoError(err)
	s.Equal(sess.Version, stored.Version)
	s.Equal(models.StatusIssued, stored.Status)
}

// TestMintFailureKeepsStatusAndRecordsPending verifies a failed mint leaves the
// session CLAIMED with the failure recorded, and that the retry reuses the key.
func (s *SessionServiceSuite) TestMintFailureKeepsStatusAndRecordsPending() {
	s.approvedClaim("sess-1")
	s.expectIssue("sess-1")
	mintKey := upstream.Key("sess-1", models.OpMint)
	s.chain.EXPECT().Mint(gomock.Any(), mintKey, gomock.Any()).
		Return(nil, errors.New("horizon unavailable")).Times(upstream.DefaultMaxAttempts)

	_, err := s.service.Transition(s.ctx, "sess-1", models.StatusIssued, 3)
	s.Require().Error(err)
	de, ok := dErrors.As(err)
	s.Require().True(ok)
	s.Equal(dErrors.CodeUpstream, de.Code)

	stored, err := s.service.Get(s.ctx, "sess-1")
	s.Require().NoError(err)
	s.Equal(models.StatusClaimed, stored.Status)
	s.NotNil(stored.Certificate)
	s.Equal(stored.Version, de.Details["session_version"])
	pending := stored.Pending(models.OpMint)
	s.Require().NotNil(pending)
	s.Equal(models.PendingFailed, pending.State)
	s.Equal(mintKey, pending.IdempotencyKey)
	s.NotEmpty(pending.LastError)

	s.chain.EXPECT().Mint(gomock.Any(), mintKey, gomock.Any()).Return(receipt(mintKey), nil)
	sess, err := s.service.Transition(s.ctx, "sess-1", models.StatusIssued, stored.Version)
	s.Require().NoError(err)
	s.Equal(models.StatusIssued, sess.Status)
	s.Equal(models.PendingConfirmed, sess.Pending(models.OpMint).State)
	s.Equal(2, sess.Pending(models.OpMint).Attempts)
}

func (s *SessionServiceSuite) TestActivateOpensTrustline() {
	s.approvedClaim("sess-1")
	s.expectIssue("sess-1")
	s.chain.EXPECT().Mint(gomock.Any(), gomock.Any(), gomock.Any()).Return(receipt("mintkey"), nil)
	issued, err := s.service.Transition(s.ctx, "sess-1", models.StatusIssued, 3)
	s.Require().NoError(err)

	trustKey := upstream.Key("sess-1", models.OpTrustline)
	s.chain.EXPECT().CreateTrustline(gomock.Any(), trustKey, gomock.Any()).DoAndReturn(
		func(_ context.Context, _ string, req upstream.TrustlineRequest) (*upstream.TrustlineReceipt, error) {
			s.Equal("Y3K", req.Currency)
			s.Equal("rIssuer", req.Issuer)
			return &upstream.TrustlineReceipt{TxHash: "trust-tx", Status: "ACTIVE", Balance: "0"}, nil
		})

	sess, err := s.service.Transition(s.ctx, "sess-1", models.StatusActive, issued.Version)
	s.Require().NoError(err)
	s.Equal(models.StatusActive, sess.Status)
	s.Require().NotNil(sess.XRPLToken)
	s.Equal(models.TrustlineActive, sess.XRPLToken.TrustlineStatus)
	s.Equal("trust-tx", sess.XRPLToken.TrustlineTx)
}

func (s *SessionServiceSuite) TestTrustlineFailureMarksTokenFailed() {
	s.approvedClaim("sess-1")
	s.expectIssue("sess-1")
	s.chain.EXPECT().Mint(gomock.Any(), gomock.Any(), gomock.Any()).Return(receipt("mintkey"), nil)
	issued, err := s.service.Transition(s.ctx, "sess-1", models.StatusIssued, 3)
	s.Require().NoError(err)

	s.chain.EXPECT().CreateTrustline(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(nil, dErrors.New(dErrors.CodeValidation, "bad holder"))

	_, err = s.service.Transition(s.ctx, "sess-1", models.StatusActive, issued.Version)
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))

	stored, err := s.service.Get(s.ctx, "sess-1")
	s.Require().NoError(err)
	s.Equal(models.StatusIssued, stored.Status)
	s.Equal(models.TrustlineFailed, stored.XRPLToken.TrustlineStatus)
}

func (s *SessionServiceSuite) TestSuspendAndReactivateSkipExternalCalls() {
	s.approvedClaim("sess-1")
	s.expectIssue("sess-1")
	s.chain.EXPECT().Mint(gomock.Any(), gomock.Any(), gomock.Any()).Return(receipt("mintkey"), nil)
	issued, err := s.service.Transition(s.ctx, "sess-1", models.StatusIssued, 3)
	s.Require().NoError(err)

	s.chain.EXPECT().CreateTrustline(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(&upstream.TrustlineReceipt{TxHash: "trust-tx", Status: "ACTIVE"}, nil).Times(1)
	active, err := s.service.Transition(s.ctx, "sess-1", models.StatusActive, issued.Version)
	s.Require().NoError(err)

	suspended, err := s.service.Transition(s.ctx, "sess-1", models.StatusSuspended, active.Version)
	s.Require().NoError(err)
	s.NotNil(suspended.Audit.SuspendedAt)

	reactivated, err := s.service.Transition(s.ctx, "sess-1", models.StatusActive, suspended.Version)
	s.Require().NoError(err)
	s.Equal(models.StatusActive, reactivated.Status)
}

// =============================================================================
// Update and review
// =============================================================================

func (s *SessionServiceSuite) TestUpdateAppliesPatch() {
	s.create("sess-1")
	target := "did:example:123"
	sess, err := s.service.Update(s.ctx, "sess-1", models.Patch{IdentityTarget: &target}, 1)
	s.Require().NoError(err)
	s.Equal(target, sess.IdentityTarget)
	s.Equal(int64(2), sess.Version)

	_, err = s.service.Update(s.ctx, "sess-1", models.Patch{IdentityTarget: &target}, 1)
	s.True(dErrors.HasCode(err, dErrors.CodeStaleVersion))
}

func (s *SessionServiceSuite) TestRecordReviewUsesOperatorIdentity() {
	s.create("sess-1")
	ctx := requestcontext.WithOperatorID(s.ctx, "operator-7")

	sess, err := s.service.RecordReview(ctx, "sess-1", service.ReviewInput{
		Verdict:   models.VerdictApprove,
		Reasoning: "known claimant",
	})
	s.Require().NoError(err)
	s.True(sess.Approved())
	s.Require().NotNil(sess.Audit.ApprovedBy)
	s.Equal(models.ApproverHuman, sess.Audit.ApprovedBy.ApprovedBy)
	s.Equal("operator-7", sess.Audit.ApprovedBy.ApproverIdentity)
}

func (s *SessionServiceSuite) TestDenyReviewDeniesSession() {
	s.create("sess-1")
	sess, err := s.service.RecordReview(s.ctx, "sess-1", service.ReviewInput{Verdict: models.VerdictDeny, Reasoning: "impersonation"})
	s.Require().NoError(err)
	s.Equal(models.StatusDenied, sess.Status)
	s.NotNil(sess.Audit.DeniedAt)

	_, err = s.service.RecordReview(s.ctx, "sess-1", service.ReviewInput{Verdict: models.VerdictApprove})
	s.True(dErrors.HasCode(err, dErrors.CodePreconditionFailed))
}

func (s *SessionServiceSuite) TestRequestReviewRecordsAIVerdict() {
	s.create("sess-1")
	s.reviewer.EXPECT().Review(gomock.Any(), upstream.Key("sess-1", "review:1"), gomock.Any()).
		Return(&upstream.ReviewResult{Verdict: "approve", Reasoning: "consistent identity"}, nil)

	sess, err := s.service.RequestReview(s.ctx, "sess-1")
	s.Require().NoError(err)
	s.Equal(models.VerdictApprove, sess.AIVerdict)
	s.Equal("consistent identity", sess.AIReasoning)
	s.Equal(models.ApproverAI, sess.Audit.ApprovedBy.ApprovedBy)
}

func (s *SessionServiceSuite) TestRequestReviewRejectsUnknownVerdict() {
	s.create("sess-1")
	s.reviewer.EXPECT().Review(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(&upstream.ReviewResult{Verdict: "MAYBE"}, nil)

	_, err := s.service.RequestReview(s.ctx, "sess-1")
	s.True(dErrors.HasCode(err, dErrors.CodeUpstream))

	stored, err := s.service.Get(s.ctx, "sess-1")
	s.Require().NoError(err)
	s.Empty(stored.AIVerdict)
}

// =============================================================================
// Reconcile
// =============================================================================

func (s *SessionServiceSuite) failedMint(id string) *models.Session {
	s.approvedClaim(id)
	s.expectIssue(id)
	s.chain.EXPECT().Mint(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(nil, errors.New("timeout")).Times(upstream.DefaultMaxAttempts)
	_, err := s.service.Transition(s.ctx, id, models.StatusIssued, 3)
	s.Require().Error(err)
	sess, err := s.service.Get(s.ctx, id)
	s.Require().NoError(err)
	return sess
}

func (s *SessionServiceSuite) TestReconcileCompletesLandedMint() {
	s.failedMint("sess-1")
	key := upstream.Key("sess-1", models.OpMint)
	s.chain.EXPECT().MintStatus(gomock.Any(), key).
		Return(&upstream.MintStatus{State: upstream.MintConfirmed, Receipt: receipt(key)}, nil)

	sess, err := s.service.Reconcile(s.ctx, "sess-1")
	s.Require().NoError(err)
	s.Equal(models.StatusIssued, sess.Status)
	s.Equal(models.PendingConfirmed, sess.Pending(models.OpMint).State)
	s.NotNil(sess.StellarAsset)
}

func (s *SessionServiceSuite) TestReconcileUnknownMintChangesNothing() {
	before := s.failedMint("sess-1")
	s.chain.EXPECT().MintStatus(gomock.Any(), gomock.Any()).Return(&upstream.MintStatus{State: upstream.MintUnknown}, nil)

	sess, err := s.service.Reconcile(s.ctx, "sess-1")
	s.Require().NoError(err)
	s.Equal(before.Version, sess.Version)
	s.Equal(models.PendingFailed, sess.Pending(models.OpMint).State)
}

func (s *SessionServiceSuite) TestReconcileFreezesMintOfDeniedSession() {
	s.failedMint("sess-1")
	_, err := s.service.RecordReview(s.ctx, "sess-1", service.ReviewInput{Verdict: models.VerdictDeny})
	s.Require().NoError(err)

	key := upstream.Key("sess-1", models.OpMint)
	s.chain.EXPECT().MintStatus(gomock.Any(), key).
		Return(&upstream.MintStatus{State: upstream.MintConfirmed, Receipt: receipt(key)}, nil)
	s.chain.EXPECT().FreezeAsset(gomock.Any(), upstream.Key("sess-1", models.OpFreeze), gomock.Any()).DoAndReturn(
		func(_ context.Context, _ string, req upstream.FreezeRequest) (*upstream.FreezeReceipt, error) {
			s.Equal("SOVEREIGN", req.AssetCode)
			s.Equal("GISSUER", req.Issuer)
			return &upstream.FreezeReceipt{TxHash: "freeze-tx", Frozen: true}, nil
		})

	sess, err := s.service.Reconcile(s.ctx, "sess-1")
	s.Require().NoError(err)
	s.Equal(models.StatusDenied, sess.Status)
	s.Equal(models.PendingCompensated, sess.Pending(models.OpMint).State)
	s.Equal(models.PendingConfirmed, sess.Pending(models.OpFreeze).State)

	// compensated mints are not polled again
	again, err := s.service.Reconcile(s.ctx, "sess-1")
	s.Require().NoError(err)
	s.Equal(sess.Version, again.Version)
}

func (s *SessionServiceSuite) TestReconcileWithoutPendingMintIsNoop() {
	created := s.create("sess-1")
	sess, err := s.service.Reconcile(s.ctx, "sess-1")
	s.Require().NoError(err)
	s.Equal(created.Version, sess.Version)
}

// =============================================================================
// IssueCertificate
// =============================================================================

func (s *SessionServiceSuite) TestIssueCertificateKeepsStatus() {
	s.approvedClaim("sess-1")
	s.expectIssue("sess-1")

	rec, err := s.service.IssueCertificate(s.ctx, "sess-1")
	s.Require().NoError(err)
	s.Equal("hash-sess-1", rec.ContentHash)

	stored, err := s.service.Get(s.ctx, "sess-1")
	s.Require().NoError(err)
	s.Equal(models.StatusClaimed, stored.Status)
	s.Require().NotNil(stored.Certificate)
	s.Equal("hash-sess-1", stored.Certificate.ContentHash)
}

func (s *SessionServiceSuite) TestIssueCertificateRequiresClaim() {
	s.create("sess-1")
	_, err := s.service.IssueCertificate(s.ctx, "sess-1")
	s.True(dErrors.HasCode(err, dErrors.CodePreconditionFailed))
}
