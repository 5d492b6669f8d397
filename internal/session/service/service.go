// Package service runs the claim session state machine. Transitions drive the
// rarity engine, issuance, the chain and the review service; every change is
// persisted with an optimistic version check.
package service

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"

	certmodels "sovereign/internal/certificate/models"
	issuancesvc "sovereign/internal/issuance/service"
	"sovereign/internal/platform/metrics"
	raritymodels "sovereign/internal/rarity/models"
	raritysvc "sovereign/internal/rarity/service"
	registrysvc "sovereign/internal/registry/service"
	"sovereign/internal/session/models"
	"sovereign/internal/upstream"
	dErrors "sovereign/pkg/domain-errors"
	audit "sovereign/pkg/platform/audit"
	"sovereign/pkg/platform/sentinel"
	"sovereign/pkg/requestcontext"
)

const (
	DefaultMintSupply   = "1"
	DefaultXRPLCurrency = "Y3K"
)

// Store persists sessions. Sessions are never deleted.
type Store interface {
	// Create returns sentinel.ErrAlreadyUsed when the id is taken.
	Create(ctx context.Context, session *models.Session) error
	// Get returns sentinel.ErrNotFound for an unknown id.
	Get(ctx context.Context, sessionID string) (*models.Session, error)
	// Update writes session if the stored version equals expectedVersion and
	// sets session.Version to expectedVersion+1. A mismatch is
	// sentinel.ErrStaleVersion.
	Update(ctx context.Context, session *models.Session, expectedVersion int64) error
}

// Rarity scores namespaces and reads tier capacity.
type Rarity interface {
	Assess(identifier string, material []byte) raritysvc.Assessment
	HasCapacity(ctx context.Context, tier raritymodels.TierName) (bool, error)
}

// Registry answers non-authoritative availability questions.
type Registry interface {
	Check(ctx context.Context, namespace string) (*registrysvc.CheckResult, error)
}

// Issuer runs the atomic certificate issuance for a session.
type Issuer interface {
	Issue(ctx context.Context, req issuancesvc.Request) (*issuancesvc.Result, error)
}

// Chain is the external ledger service.
type Chain interface {
	Mint(ctx context.Context, key string, req upstream.MintRequest) (*upstream.MintReceipt, error)
	MintStatus(ctx context.Context, key string) (*upstream.MintStatus, error)
	CreateTrustline(ctx context.Context, key string, req upstream.TrustlineRequest) (*upstream.TrustlineReceipt, error)
	FreezeAsset(ctx context.Context, key string, req upstream.FreezeRequest) (*upstream.FreezeReceipt, error)
}

// Reviewer is the external automated review service.
type Reviewer interface {
	Review(ctx context.Context, key string, req upstream.ReviewRequest) (*upstream.ReviewResult, error)
}

type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

// Deps are the collaborators of the session service.
type Deps struct {
	Store         Store
	Rarity        Rarity
	Registry      Registry
	Issuer        Issuer
	Chain         Chain
	Reviewer      Reviewer
	ChainGateway  *upstream.Gateway
	ReviewGateway *upstream.Gateway
}

// Service owns claim sessions.
type Service struct {
	store          Store
	rarity         Rarity
	registry       Registry
	issuer         Issuer
	chain          Chain
	reviewer       Reviewer
	chainGateway   *upstream.Gateway
	reviewGateway  *upstream.Gateway
	locks          sessionLocks
	mintSupply     string
	xrplCurrency   string
	xrplIssuer     string
	logger         *slog.Logger
	metrics        *metrics.Metrics
	auditPublisher AuditPublisher
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func WithAuditPublisher(publisher AuditPublisher) Option {
	return func(s *Service) {
		s.auditPublisher = publisher
	}
}

// WithMintSupply sets the supply minted per namespace asset.
func WithMintSupply(supply string) Option {
	return func(s *Service) {
		if supply != "" {
			s.mintSupply = supply
		}
	}
}

// WithXRPL sets the token that activated sessions open a trustline to.
func WithXRPL(currency, issuer string) Option {
	return func(s *Service) {
		if currency != "" {
			s.xrplCurrency = currency
		}
		s.xrplIssuer = issuer
	}
}

func New(deps Deps, opts ...Option) *Service {
	s := &Service{
		store:         deps.Store,
		rarity:        deps.Rarity,
		registry:      deps.Registry,
		issuer:        deps.Issuer,
		chain:         deps.Chain,
		reviewer:      deps.Reviewer,
		chainGateway:  deps.ChainGateway,
		reviewGateway: deps.ReviewGateway,
		mintSupply:    DefaultMintSupply,
		xrplCurrency:  DefaultXRPLCurrency,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateInput describes a new session.
type CreateInput struct {
	SessionID      string
	Namespace      string
	Controller     string
	IdentityTarget string
	OperatorMode   models.OperatorMode
	Metadata       models.Metadata
	// InitialStatus defaults to INVITED.
	InitialStatus models.Status
}

// Create stores a new session. A session created directly in CLAIMED runs the
// same scoring and availability checks as the INVITED -> CLAIMED transition.
func (s *Service) Create(ctx context.Context, in CreateInput) (*models.Session, error) {
	now := requestcontext.Now(ctx)
	sess, err := models.NewSession(in.SessionID, in.Namespace, in.Controller, in.IdentityTarget,
		in.OperatorMode, in.Metadata, in.InitialStatus, now)
	if err != nil {
		return nil, err
	}
	if sess.Status == models.StatusClaimed {
		if err := s.claim(ctx, sess); err != nil {
			return nil, err
		}
	}

	if err := s.store.Create(ctx, sess); err != nil {
		if errors.Is(err, sentinel.ErrAlreadyUsed) {
			return nil, dErrors.New(dErrors.CodeConflict, "session already exists").
				WithDetails(map[string]any{"session_id": sess.SessionID})
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to create session")
	}

	s.emit(ctx, audit.Event{
		Action:  string(audit.EventSessionCreated),
		Subject: sess.SessionID,
		Details: map[string]string{
			"namespace": sess.Namespace,
			"status":    sess.Status.String(),
		},
	})
	s.logger.InfoContext(ctx, "session created",
		"session_id", sess.SessionID,
		"namespace", sess.Namespace,
		"status", sess.Status,
		"request_id", requestcontext.RequestID(ctx),
	)
	return sess, nil
}

// Get returns the stored session.
func (s *Service) Get(ctx context.Context, sessionID string) (*models.Session, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "session_id is required")
	}
	sess, err := s.store.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "session not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load session")
	}
	return sess, nil
}

// Transition moves a session to next. Edge effects run before the status
// changes; when one fails the status is left as it was and the failure is
// recorded under audit.pending.
func (s *Service) Transition(ctx context.Context, sessionID string, next models.Status, expectedVersion int64) (*models.Session, error) {
	if !next.IsValid() {
		return nil, dErrors.New(dErrors.CodeValidation, "unknown status").
			WithDetails(map[string]any{"status": next})
	}
	if err := requireVersion(expectedVersion); err != nil {
		return nil, err
	}
	unlock, sess, err := s.lockAndLoad(ctx, sessionID, expectedVersion)
	if err != nil {
		return nil, err
	}
	defer unlock()

	from := sess.Status
	if err := sess.CheckTransition(next); err != nil {
		s.metrics.ObserveTransition(from.String(), next.String(), "rejected")
		s.emit(ctx, audit.Event{
			Action:   string(audit.EventTransitionRejected),
			Subject:  sess.SessionID,
			Decision: "rejected",
			Reason:   "illegal transition",
			Details:  map[string]string{"from": from.String(), "to": next.String()},
		})
		return nil, err
	}

	if err := s.runEdgeEffects(ctx, sess, from, next); err != nil {
		s.metrics.ObserveTransition(from.String(), next.String(), "failed")
		return nil, withVersion(err, sess.Version)
	}

	if err := sess.ApplyTransition(next, requestcontext.Now(ctx)); err != nil {
		return nil, err
	}
	if err := s.save(ctx, sess); err != nil {
		return nil, err
	}

	s.metrics.ObserveTransition(from.String(), next.String(), "ok")
	s.emitTransitioned(ctx, sess, from)
	s.logger.InfoContext(ctx, "session transitioned",
		"session_id", sess.SessionID,
		"from", from,
		"to", next,
		"version", sess.Version,
		"request_id", requestcontext.RequestID(ctx),
	)
	return sess, nil
}

func (s *Service) runEdgeEffects(ctx context.Context, sess *models.Session, from, next models.Status) error {
	switch {
	case next == models.StatusClaimed:
		return s.claim(ctx, sess)
	case next == models.StatusIssued:
		return s.issue(ctx, sess)
	case next == models.StatusActive && from == models.StatusIssued:
		return s.activate(ctx, sess)
	}
	return nil
}

// claim scores the namespace and runs the non-authoritative availability
// checks. The authoritative checks happen again inside issuance.
func (s *Service) claim(ctx context.Context, sess *models.Session) error {
	assessment := s.rarity.Assess(sess.Namespace, raritysvc.ControllerMaterial(sess.Controller))

	check, err := s.registry.Check(ctx, sess.Namespace)
	if err != nil {
		return err
	}
	if check.Exists {
		return dErrors.New(dErrors.CodeConflict, "namespace already registered").
			WithDetails(map[string]any{"existing_controller": check.Registration.Controller})
	}
	hasCapacity, err := s.rarity.HasCapacity(ctx, assessment.Tier)
	if err != nil {
		return err
	}
	if !hasCapacity {
		return dErrors.New(dErrors.CodeQuotaExceeded, "tier "+assessment.Tier.String()+" is fully issued").
			WithDetails(map[string]any{"tier": assessment.Tier.String()})
	}

	sess.Assessment = &models.Assessment{Score: assessment.Score, Tier: assessment.Tier.String()}
	return nil
}

// issue requires approval, issues the certificate (idempotent per session) and
// mints the chain asset.
func (s *Service) issue(ctx context.Context, sess *models.Session) error {
	if !sess.Approved() {
		return dErrors.New(dErrors.CodePreconditionFailed, "issuance requires an approving review").
			WithDetails(map[string]any{"ai_verdict": sess.AIVerdict})
	}
	if sess.Certificate == nil {
		if err := s.issueCertificate(ctx, sess); err != nil {
			return err
		}
	}

	receipt, err := s.mint(ctx, sess)
	if err != nil {
		return err
	}
	sess.StellarAsset = &models.StellarAsset{
		AssetCode:       receipt.AssetCode,
		IssuerPublicKey: receipt.IssuerPublicKey,
		Supply:          receipt.Supply,
		TxHash:          receipt.TxHash,
		ExplorerURL:     receipt.ExplorerURL,
	}
	return nil
}

// issueCertificate runs issuance and stores the certificate reference. A
// retryable failure is persisted under audit.pending before returning.
func (s *Service) issueCertificate(ctx context.Context, sess *models.Session) error {
	now := requestcontext.Now(ctx)
	res, err := s.issuer.Issue(ctx, issuancesvc.Request{
		SessionID:    sess.SessionID,
		Namespace:    sess.Namespace,
		Controller:   sess.Controller,
		MetadataHash: sess.MetadataHash(),
	})
	if err != nil {
		if dErrors.CodeOf(err).Retryable() {
			sess.MarkFailed(models.OpIssue, "", err, now)
			s.upstreamFailed(ctx, sess, models.OpIssue, "", err)
			if serr := s.save(ctx, sess); serr != nil {
				return serr
			}
		}
		return err
	}

	sess.Certificate = certificateRef(res)
	if sess.Assessment == nil {
		sess.Assessment = &models.Assessment{Score: res.Record.Score, Tier: res.Record.Tier}
	}
	if sess.Pending(models.OpIssue) != nil {
		sess.MarkConfirmed(models.OpIssue, "", now)
	}
	return s.save(ctx, sess)
}

func (s *Service) mint(ctx context.Context, sess *models.Session) (*upstream.MintReceipt, error) {
	key := upstream.Key(sess.SessionID, models.OpMint)
	// record intent first so a crash mid-call leaves something to reconcile
	sess.MarkPending(models.OpMint, key, requestcontext.Now(ctx))
	if err := s.save(ctx, sess); err != nil {
		return nil, err
	}

	req := upstream.MintRequest{
		Namespace: sess.Namespace,
		AssetCode: models.AssetCode(sess.Namespace),
		Supply:    s.mintSupply,
		Holder:    sess.Controller,
	}
	receipt, err := upstream.Call(ctx, s.chainGateway, models.OpMint, key,
		func(ctx context.Context) (*upstream.MintReceipt, error) {
			return s.chain.Mint(ctx, key, req)
		})
	if err != nil {
		sess.MarkFailed(models.OpMint, key, err, requestcontext.Now(ctx))
		s.upstreamFailed(ctx, sess, models.OpMint, key, err)
		if serr := s.save(ctx, sess); serr != nil {
			return nil, serr
		}
		return nil, err
	}
	sess.MarkConfirmed(models.OpMint, key, requestcontext.Now(ctx))
	return receipt, nil
}

// activate opens the public trustline of an issued session.
func (s *Service) activate(ctx context.Context, sess *models.Session) error {
	if sess.StellarAsset == nil {
		return dErrors.New(dErrors.CodePreconditionFailed, "session has no minted asset")
	}
	key := upstream.Key(sess.SessionID, models.OpTrustline)
	if sess.XRPLToken == nil {
		sess.XRPLToken = &models.XRPLToken{Currency: s.xrplCurrency, Issuer: s.xrplIssuer}
	}
	sess.XRPLToken.TrustlineStatus = models.TrustlinePending
	sess.MarkPending(models.OpTrustline, key, requestcontext.Now(ctx))
	if err := s.save(ctx, sess); err != nil {
		return err
	}

	req := upstream.TrustlineRequest{
		Currency: sess.XRPLToken.Currency,
		Issuer:   sess.XRPLToken.Issuer,
		Holder:   sess.Controller,
	}
	receipt, err := upstream.Call(ctx, s.chainGateway, models.OpTrustline, key,
		func(ctx context.Context) (*upstream.TrustlineReceipt, error) {
			return s.chain.CreateTrustline(ctx, key, req)
		})
	if err != nil {
		sess.XRPLToken.TrustlineStatus = models.TrustlineFailed
		sess.MarkFailed(models.OpTrustline, key, err, requestcontext.Now(ctx))
		s.upstreamFailed(ctx, sess, models.OpTrustline, key, err)
		if serr := s.save(ctx, sess); serr != nil {
			return serr
		}
		return err
	}
	sess.XRPLToken.TrustlineStatus = models.TrustlineActive
	sess.XRPLToken.TrustlineTx = receipt.TxHash
	sess.XRPLToken.Balance = receipt.Balance
	sess.MarkConfirmed(models.OpTrustline, key, requestcontext.Now(ctx))
	return nil
}

// IssueCertificate issues the certificate of an approved session without
// advancing its status. The ISSUED transition then only has to mint.
func (s *Service) IssueCertificate(ctx context.Context, sessionID string) (*certmodels.Record, error) {
	unlock, sess, err := s.lockAndLoad(ctx, sessionID, 0)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := sess.EnsureMutable(); err != nil {
		return nil, err
	}
	if sess.Status != models.StatusClaimed && sess.Certificate == nil {
		return nil, dErrors.New(dErrors.CodePreconditionFailed, "session must be CLAIMED to issue a certificate").
			WithDetails(map[string]any{"current": sess.Status})
	}
	if !sess.Approved() {
		return nil, dErrors.New(dErrors.CodePreconditionFailed, "issuance requires an approving review").
			WithDetails(map[string]any{"ai_verdict": sess.AIVerdict})
	}

	res, err := s.issuer.Issue(ctx, issuancesvc.Request{
		SessionID:    sess.SessionID,
		Namespace:    sess.Namespace,
		Controller:   sess.Controller,
		MetadataHash: sess.MetadataHash(),
	})
	if err != nil {
		return nil, err
	}
	if sess.Certificate == nil {
		sess.Certificate = certificateRef(res)
		if sess.Assessment == nil {
			sess.Assessment = &models.Assessment{Score: res.Record.Score, Tier: res.Record.Tier}
		}
		if err := s.save(ctx, sess); err != nil {
			return nil, err
		}
	}
	return res.Record, nil
}

// Update applies per-field patch commands.
func (s *Service) Update(ctx context.Context, sessionID string, patch models.Patch, expectedVersion int64) (*models.Session, error) {
	if err := requireVersion(expectedVersion); err != nil {
		return nil, err
	}
	unlock, sess, err := s.lockAndLoad(ctx, sessionID, expectedVersion)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := sess.ApplyPatch(patch); err != nil {
		return nil, err
	}
	if err := s.save(ctx, sess); err != nil {
		return nil, err
	}
	s.emit(ctx, audit.Event{
		Action:  string(audit.EventSessionUpdated),
		Subject: sess.SessionID,
		Details: map[string]string{"version": strconv.FormatInt(sess.Version, 10)},
	})
	return sess, nil
}

// ReviewInput is a verdict recorded by an operator.
type ReviewInput struct {
	Verdict   models.Verdict
	Reasoning string
	// ApprovedBy defaults to HUMAN.
	ApprovedBy models.Approver
	Notes      string
}

// RecordReview stores a verdict. DENY moves the session to DENIED when the
// transition table allows it.
func (s *Service) RecordReview(ctx context.Context, sessionID string, in ReviewInput) (*models.Session, error) {
	unlock, sess, err := s.lockAndLoad(ctx, sessionID, 0)
	if err != nil {
		return nil, err
	}
	defer unlock()

	approver := in.ApprovedBy
	if approver == "" {
		approver = models.ApproverHuman
	}
	approval := models.Approval{
		ApprovedBy:       approver,
		ApproverIdentity: requestcontext.OperatorID(ctx),
		Notes:            in.Notes,
	}
	if err := s.recordReview(ctx, sess, in.Verdict, in.Reasoning, approval); err != nil {
		return nil, err
	}
	return sess, nil
}

// RequestReview asks the review service for a verdict and records it. The
// idempotency key includes the session version, so a changed session gets a
// fresh review.
func (s *Service) RequestReview(ctx context.Context, sessionID string) (*models.Session, error) {
	unlock, sess, err := s.lockAndLoad(ctx, sessionID, 0)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := sess.EnsureMutable(); err != nil {
		return nil, err
	}
	key := upstream.Key(sess.SessionID, "review:"+strconv.FormatInt(sess.Version, 10))
	req := upstream.ReviewRequest{
		SessionID:      sess.SessionID,
		Namespace:      sess.Namespace,
		Controller:     sess.Controller,
		IdentityTarget: sess.IdentityTarget,
		Metadata: map[string]any{
			"description":    sess.Metadata.Description,
			"tags":           sess.Metadata.Tags,
			"external_links": sess.Metadata.ExternalLinks,
		},
	}
	result, err := upstream.Call(ctx, s.reviewGateway, "review", key,
		func(ctx context.Context) (*upstream.ReviewResult, error) {
			return s.reviewer.Review(ctx, key, req)
		})
	if err != nil {
		s.upstreamFailed(ctx, sess, "review", key, err)
		return nil, err
	}

	verdict := models.Verdict(strings.ToUpper(strings.TrimSpace(result.Verdict)))
	if !verdict.IsValid() {
		return nil, dErrors.New(dErrors.CodeUpstream, "review service returned an unknown verdict").
			WithDetails(map[string]any{"verdict": result.Verdict})
	}
	approval := models.Approval{ApprovedBy: models.ApproverAI, ApproverIdentity: s.reviewGateway.Name()}
	if err := s.recordReview(ctx, sess, verdict, result.Reasoning, approval); err != nil {
		return nil, err
	}
	return sess, nil
}

// recordReview runs with the session lock held.
func (s *Service) recordReview(ctx context.Context, sess *models.Session, verdict models.Verdict, reasoning string, approval models.Approval) error {
	now := requestcontext.Now(ctx)
	if err := sess.RecordReview(verdict, reasoning, approval, now); err != nil {
		return err
	}
	from := sess.Status
	denied := verdict == models.VerdictDeny && sess.Status.CanTransitionTo(models.StatusDenied)
	if denied {
		if err := sess.ApplyTransition(models.StatusDenied, now); err != nil {
			return err
		}
	}
	if err := s.save(ctx, sess); err != nil {
		return err
	}

	details := map[string]string{"verdict": string(verdict)}
	if sess.Audit.ApprovedBy != nil {
		details["approved_by"] = string(sess.Audit.ApprovedBy.ApprovedBy)
	}
	s.emit(ctx, audit.Event{
		Action:   string(audit.EventReviewRecorded),
		Subject:  sess.SessionID,
		ActorID:  approval.ApproverIdentity,
		Decision: string(verdict),
		Reason:   reasoning,
		Details:  details,
	})
	if denied {
		s.metrics.ObserveTransition(from.String(), models.StatusDenied.String(), "ok")
		s.emitTransitioned(ctx, sess, from)
	}
	s.logger.InfoContext(ctx, "review recorded",
		"session_id", sess.SessionID,
		"verdict", verdict,
		"status", sess.Status,
		"request_id", requestcontext.RequestID(ctx),
	)
	return nil
}

// Reconcile observes the chain-side outcome of an unresolved mint. A mint that
// landed for a denied session is frozen and recorded as compensated; a mint
// that landed for a live session completes the ISSUED transition.
func (s *Service) Reconcile(ctx context.Context, sessionID string) (*models.Session, error) {
	unlock, sess, err := s.lockAndLoad(ctx, sessionID, 0)
	if err != nil {
		return nil, err
	}
	defer unlock()

	mint := sess.Pending(models.OpMint)
	if mint == nil || mint.State == models.PendingCompensated {
		return sess, nil
	}
	if mint.State == models.PendingConfirmed {
		if sess.Status == models.StatusDenied {
			return sess, s.compensate(ctx, sess, mint.IdempotencyKey)
		}
		return sess, nil
	}

	key := mint.IdempotencyKey
	status, err := upstream.Read(ctx, s.chainGateway, "mint_status",
		func(ctx context.Context) (*upstream.MintStatus, error) {
			return s.chain.MintStatus(ctx, key)
		})
	if err != nil {
		return nil, err
	}

	now := requestcontext.Now(ctx)
	switch status.State {
	case upstream.MintConfirmed:
		if status.Receipt != nil {
			sess.StellarAsset = &models.StellarAsset{
				AssetCode:       status.Receipt.AssetCode,
				IssuerPublicKey: status.Receipt.IssuerPublicKey,
				Supply:          status.Receipt.Supply,
				TxHash:          status.Receipt.TxHash,
				ExplorerURL:     status.Receipt.ExplorerURL,
			}
		}
		sess.MarkConfirmed(models.OpMint, key, now)
		if sess.Status == models.StatusDenied {
			return sess, s.compensate(ctx, sess, key)
		}
		from := sess.Status
		if sess.Status == models.StatusClaimed && sess.Certificate != nil && sess.Approved() {
			if err := sess.ApplyTransition(models.StatusIssued, now); err != nil {
				return nil, err
			}
		}
		if err := s.save(ctx, sess); err != nil {
			return nil, err
		}
		if sess.Status != from {
			s.metrics.ObserveTransition(from.String(), sess.Status.String(), "ok")
			s.emitTransitioned(ctx, sess, from)
		}
	case upstream.MintFailed:
		sess.MarkFailed(models.OpMint, key, errors.New("chain reported the mint as failed"), now)
		if err := s.save(ctx, sess); err != nil {
			return nil, err
		}
	default:
		// still unknown or pending on the chain; nothing to record yet
	}
	return sess, nil
}

// compensate freezes the asset minted for a denied session.
func (s *Service) compensate(ctx context.Context, sess *models.Session, mintKey string) error {
	assetCode := models.AssetCode(sess.Namespace)
	issuer := ""
	if sess.StellarAsset != nil {
		assetCode = sess.StellarAsset.AssetCode
		issuer = sess.StellarAsset.IssuerPublicKey
	}
	key := upstream.Key(sess.SessionID, models.OpFreeze)
	sess.MarkPending(models.OpFreeze, key, requestcontext.Now(ctx))

	req := upstream.FreezeRequest{AssetCode: assetCode, Issuer: issuer, Reason: "session denied"}
	receipt, err := upstream.Call(ctx, s.chainGateway, models.OpFreeze, key,
		func(ctx context.Context) (*upstream.FreezeReceipt, error) {
			return s.chain.FreezeAsset(ctx, key, req)
		})
	now := requestcontext.Now(ctx)
	if err != nil {
		sess.MarkFailed(models.OpFreeze, key, err, now)
		s.upstreamFailed(ctx, sess, models.OpFreeze, key, err)
		if serr := s.save(ctx, sess); serr != nil {
			return serr
		}
		return err
	}
	sess.MarkConfirmed(models.OpFreeze, key, now)
	sess.MarkCompensated(models.OpMint, mintKey, now)
	if err := s.save(ctx, sess); err != nil {
		return err
	}

	s.emit(ctx, audit.Event{
		Action:   string(audit.EventMintCompensated),
		Subject:  sess.SessionID,
		Decision: "frozen",
		Reason:   "mint landed after denial",
		Details: map[string]string{
			"asset_code": assetCode,
			"freeze_tx":  receipt.TxHash,
		},
	})
	s.logger.WarnContext(ctx, "minted asset frozen for denied session",
		"session_id", sess.SessionID,
		"asset_code", assetCode,
		"request_id", requestcontext.RequestID(ctx),
	)
	return nil
}

func requireVersion(v int64) error {
	if v <= 0 {
		return dErrors.New(dErrors.CodeValidation, "version is required and must be positive")
	}
	return nil
}

// lockAndLoad takes the session lock and loads the session. A non-zero
// expectedVersion must match the stored version.
func (s *Service) lockAndLoad(ctx context.Context, sessionID string, expectedVersion int64) (func(), *models.Session, error) {
	unlock, err := s.locks.lock(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		unlock()
		return nil, nil, err
	}
	if expectedVersion > 0 && sess.Version != expectedVersion {
		unlock()
		return nil, nil, staleVersion(expectedVersion, sess.Version)
	}
	return unlock, sess, nil
}

// save persists sess against its current version.
func (s *Service) save(ctx context.Context, sess *models.Session) error {
	expected := sess.Version
	sess.UpdatedAt = requestcontext.Now(ctx)
	if err := s.store.Update(ctx, sess, expected); err != nil {
		switch {
		case errors.Is(err, sentinel.ErrStaleVersion):
			return staleVersion(expected, 0)
		case errors.Is(err, sentinel.ErrNotFound):
			return dErrors.New(dErrors.CodeNotFound, "session not found")
		}
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to save session")
	}
	return nil
}

func staleVersion(expected, current int64) error {
	details := map[string]any{"expected_version": expected}
	if current > 0 {
		details["current_version"] = current
	}
	return dErrors.New(dErrors.CodeStaleVersion, "session was modified concurrently").WithDetails(details)
}

// withVersion tells the caller which version to retry against after a failed
// edge effect persisted pending state.
func withVersion(err error, version int64) error {
	if de, ok := dErrors.As(err); ok {
		return de.WithDetails(map[string]any{"session_version": version})
	}
	return err
}

func certificateRef(res *issuancesvc.Result) *models.CertificateRef {
	ref := &models.CertificateRef{
		ContentHash:    res.Record.ContentHash,
		ContentPointer: res.Record.ContentPointer,
		Tier:           res.Record.Tier,
		Score:          res.Record.Score,
		PriceCents:     res.Record.PriceCents,
	}
	if res.Registration != nil {
		ref.Sequence = res.Registration.Sequence
		ref.CommitmentHash = res.Registration.CommitmentHash
	}
	return ref
}

func (s *Service) upstreamFailed(ctx context.Context, sess *models.Session, op, key string, err error) {
	s.emit(ctx, audit.Event{
		Action:   string(audit.EventUpstreamFailed),
		Subject:  sess.SessionID,
		Decision: "failed",
		Reason:   string(dErrors.CodeOf(err)),
		Details: map[string]string{
			"operation":       op,
			"idempotency_key": key,
		},
	})
}

func (s *Service) emitTransitioned(ctx context.Context, sess *models.Session, from models.Status) {
	s.emit(ctx, audit.Event{
		Action:   string(audit.EventSessionTransitioned),
		Subject:  sess.SessionID,
		ActorID:  requestcontext.OperatorID(ctx),
		Decision: sess.Status.String(),
		Details: map[string]string{
			"from":      from.String(),
			"to":        sess.Status.String(),
			"namespace": sess.Namespace,
			"version":   strconv.FormatInt(sess.Version, 10),
		},
	})
}

func (s *Service) emit(ctx context.Context, event audit.Event) {
	if s.auditPublisher == nil {
		return
	}
	if err := s.auditPublisher.Emit(ctx, event); err != nil {
		s.logger.WarnContext(ctx, "audit emit failed", "action", event.Action, "error", err)
	}
}
