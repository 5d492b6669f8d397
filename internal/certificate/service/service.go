package service

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"sovereign/internal/certificate/models"
	"sovereign/internal/platform/metrics"
	dErrors "sovereign/pkg/domain-errors"
	audit "sovereign/pkg/platform/audit"
	"sovereign/pkg/platform/sentinel"
	"sovereign/pkg/requestcontext"
)

const defaultSignTimeout = 10 * time.Second

// Signer produces post-quantum signatures over content digests.
type Signer interface {
	Sign(ctx context.Context, digest []byte) ([]byte, error)
	PublicKey() []byte
	Algorithm() string
}

// SignatureVerifier checks a signature against the published protocol key.
type SignatureVerifier interface {
	Verify(ctx context.Context, digest, sig []byte) (bool, error)
}

// ContentStore is content-addressed storage for canonical records.
type ContentStore interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, pointer string) ([]byte, error)
}

// RecordStore persists issuance records.
type RecordStore interface {
	Save(ctx context.Context, rec *models.Record) error
	FindByContentHash(ctx context.Context, contentHash string) (*models.Record, error)
	FindBySession(ctx context.Context, sessionID string) (*models.Record, error)
}

type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

// Config holds the protocol constants certificates are built against.
type Config struct {
	Genesis         time.Time
	Version         string
	ProtocolVersion string
	SignTimeout     time.Duration
}

// Service builds and verifies certificates.
type Service struct {
	signer         Signer
	verifier       SignatureVerifier
	content        ContentStore
	records        RecordStore
	cfg            Config
	logger         *slog.Logger
	metrics        *metrics.Metrics
	auditPublisher AuditPublisher
	tracer         trace.Tracer
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

func New(signer Signer, verifier SignatureVerifier, content ContentStore, records RecordStore, cfg Config, opts ...Option) *Service {
	if cfg.SignTimeout <= 0 {
		cfg.SignTimeout = defaultSignTimeout
	}
	cfg.Genesis = cfg.Genesis.UTC()
	s := &Service{
		signer:   signer,
		verifier: verifier,
		content:  content,
		records:  records,
		cfg:      cfg,
		logger:   slog.Default(),
		tracer:   otel.Tracer("sovereign/certificate"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Records exposes the record store for callers composing a transaction.
func (s *Service) Records() RecordStore {
	return s.records
}

// Genesis returns the issuance cutoff.
func (s *Service) Genesis() time.Time {
	return s.cfg.Genesis
}

// Input is what a certificate is issued for.
type Input struct {
	Namespace    string
	Tier         string
	Score        int
	Controller   string
	MetadataHash string
}

// Prepare assembles, hashes, addresses and signs a certificate. It has no
// storage side effects; Publish stores the canonical record.
func (s *Service) Prepare(ctx context.Context, in Input) (*models.Certificate, error) {
	ctx, span := s.tracer.Start(ctx, "certificate.Prepare",
		trace.WithAttributes(
			attribute.String("namespace", in.Namespace),
			attribute.String("tier", in.Tier),
		),
	)
	defer span.End()

	if in.Namespace == "" || in.Tier == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "namespace and tier are required")
	}
	issuedAt := requestcontext.Now(ctx).Truncate(time.Microsecond)
	if issuedAt.After(s.cfg.Genesis) {
		span.SetStatus(codes.Error, "genesis passed")
		return nil, dErrors.New(dErrors.CodePreconditionFailed, "issuance is closed: genesis timestamp has passed").
			WithDetails(map[string]any{"genesis_timestamp": s.cfg.Genesis.Format(time.RFC3339)})
	}

	body := models.Body{
		Kind:             models.KindReal,
		Version:          s.cfg.Version,
		ProtocolVersion:  s.cfg.ProtocolVersion,
		Namespace:        in.Namespace,
		Tier:             in.Tier,
		Score:            in.Score,
		Controller:       in.Controller,
		MetadataHash:     in.MetadataHash,
		IssuedAt:         issuedAt,
		GenesisTimestamp: s.cfg.Genesis,
	}
	sealed, err := seal(body)
	if err != nil {
		return nil, err
	}

	digest, _ := hex.DecodeString(sealed.ContentHash)
	signCtx, cancel := context.WithTimeout(ctx, s.cfg.SignTimeout)
	defer cancel()
	sig, err := s.signer.Sign(signCtx, digest)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "sign failed")
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, dErrors.Wrap(err, dErrors.CodeTimeout, "signer timed out")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeUpstream, "signer failed")
	}
	sealed.Signature = base64.StdEncoding.EncodeToString(sig)
	sealed.SignatureAlg = s.signer.Algorithm()

	span.SetAttributes(attribute.String("content_hash", sealed.ContentHash))
	return &models.Certificate{Sealed: sealed}, nil
}

// Publish stores the canonical record of cert. Storing the same record twice
// is a no-op, so a failed publish is retried by calling Publish again.
func (s *Service) Publish(ctx context.Context, cert *models.Certificate) error {
	pointer, err := s.content.Put(ctx, cert.CanonicalBytes())
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeUpstream, "content storage failed")
	}
	if pointer != cert.ContentPointer {
		return dErrors.New(dErrors.CodeIntegrityViolation, "content store returned a different pointer").
			WithDetails(map[string]any{"expected": cert.ContentPointer, "actual": pointer})
	}
	return nil
}

// Build prepares and publishes a certificate without reserving quota. It is the
// standalone issuer operation; session issuance goes through the issuance
// service so the reservation is atomic.
func (s *Service) Build(ctx context.Context, in Input) (*models.Certificate, error) {
	cert, err := s.Prepare(ctx, in)
	if err != nil {
		return nil, err
	}
	if err := s.Publish(ctx, cert); err != nil {
		return nil, err
	}
	return cert, nil
}

// NewSimulation returns a practice certificate. It is hashed and addressed like
// a real one but carries the simulation tag and the fixed marker signature.
func (s *Service) NewSimulation(ctx context.Context, namespace, tier string) (*models.SimulationCertificate, error) {
	if namespace == "" || tier == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "namespace and tier are required")
	}
	body := models.Body{
		Kind:             models.KindSimulation,
		Version:          s.cfg.Version,
		ProtocolVersion:  s.cfg.ProtocolVersion,
		Namespace:        namespace,
		Tier:             tier,
		IssuedAt:         requestcontext.Now(ctx).Truncate(time.Microsecond),
		GenesisTimestamp: s.cfg.Genesis,
	}
	sealed, err := seal(body)
	if err != nil {
		return nil, err
	}
	sealed.Signature = models.SimulationSignature
	sealed.SignatureAlg = models.SimulationAlg
	return &models.SimulationCertificate{Sealed: sealed}, nil
}

// Verify runs the integrity, signature, content pointer and temporal checks
// concurrently. Every check runs even when another fails.
func (s *Service) Verify(ctx context.Context, artifact models.Artifact) (*models.Verification, error) {
	if artifact == nil {
		return nil, dErrors.New(dErrors.CodeValidation, "certificate is required")
	}
	env := artifact.Envelope()
	ctx, span := s.tracer.Start(ctx, "certificate.Verify",
		trace.WithAttributes(
			attribute.String("content_hash", env.ContentHash),
			attribute.String("kind", string(env.Kind)),
		),
	)
	defer span.End()

	var (
		mu      sync.Mutex
		reasons []string
		checks  models.Checks
	)
	fail := func(reason string) {
		mu.Lock()
		reasons = append(reasons, reason)
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		checks.Integrity = env.Hash() == env.ContentHash
		if !checks.Integrity {
			fail("content_hash does not match the certificate fields")
		}
		return nil
	})
	g.Go(func() error {
		ok, reason, err := s.checkSignature(gctx, artifact)
		if err != nil {
			return err
		}
		checks.Signature = ok
		if !ok {
			fail(reason)
		}
		return nil
	})
	g.Go(func() error {
		digest, err := models.PointerDigest(env.ContentPointer)
		checks.ContentPointer = err == nil && digest == env.ContentHash
		if !checks.ContentPointer {
			fail("content_pointer does not address content_hash")
		}
		return nil
	})
	g.Go(func() error {
		checks.Temporal = !env.IssuedAt.After(env.GenesisTimestamp) && env.GenesisTimestamp.Equal(s.cfg.Genesis)
		if !checks.Temporal {
			fail("issued_at must not be later than the protocol genesis timestamp")
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "verifier unavailable")
		return nil, dErrors.Wrap(err, dErrors.CodeUpstream, "signature verifier failed")
	}

	result := &models.Verification{
		Valid:   checks.All(),
		Kind:    env.Kind,
		Reasons: reasons,
		Checks:  checks,
	}
	if result.Reasons == nil {
		result.Reasons = []string{}
	}
	s.metrics.ObserveVerification(result.Valid)
	if !result.Valid {
		s.emit(ctx, audit.Event{
			Action:   string(audit.EventCertificateFailed),
			Subject:  env.ContentHash,
			Decision: "invalid",
			Reason:   firstReason(reasons),
			Details:  map[string]string{"kind": string(env.Kind), "namespace": env.Namespace},
		})
	}
	return result, nil
}

func (s *Service) checkSignature(ctx context.Context, artifact models.Artifact) (bool, string, error) {
	switch a := artifact.(type) {
	case *models.SimulationCertificate:
		return false, "simulation certificates are never signed by the protocol key", nil
	case *models.Certificate:
		if a.Kind != models.KindReal {
			return false, "certificate kind does not match its variant", nil
		}
		if a.SignatureAlg != s.signer.Algorithm() {
			return false, "unsupported signature algorithm", nil
		}
		sig, err := base64.StdEncoding.DecodeString(a.Signature)
		if err != nil {
			return false, "signature is not valid base64", nil
		}
		digest, err := hex.DecodeString(a.ContentHash)
		if err != nil {
			return false, "content_hash is not hex", nil
		}
		ok, err := s.verifier.Verify(ctx, digest, sig)
		if err != nil {
			return false, "", err
		}
		if !ok {
			return false, "signature does not validate against the protocol public key", nil
		}
		return true, "", nil
	default:
		return false, "unknown certificate variant", nil
	}
}

// Get returns the issuance record for contentHash.
func (s *Service) Get(ctx context.Context, contentHash string) (*models.Record, error) {
	rec, err := s.records.FindByContentHash(ctx, contentHash)
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.New(dErrors.CodeNotFound, "certificate not found")
	}
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to read certificate")
	}
	return rec, nil
}

// FindBySession returns the record issued for sessionID, or nil when none exists.
func (s *Service) FindBySession(ctx context.Context, sessionID string) (*models.Record, error) {
	rec, err := s.records.FindBySession(ctx, sessionID)
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to read certificate")
	}
	return rec, nil
}

// PublicKey is the published protocol verification key.
func (s *Service) PublicKey() []byte {
	return s.signer.PublicKey()
}

func seal(body models.Body) (models.Sealed, error) {
	canonical := body.CanonicalBytes()
	pointer, err := models.ContentPointer(canonical)
	if err != nil {
		return models.Sealed{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to derive content pointer")
	}
	return models.Sealed{
		Body:           body,
		ContentHash:    body.Hash(),
		ContentPointer: pointer.String(),
	}, nil
}

func firstReason(reasons []string) string {
	if len(reasons) == 0 {
		return ""
	}
	return reasons[0]
}

func (s *Service) emit(ctx context.Context, event audit.Event) {
	if s.auditPublisher == nil {
		return
	}
	if err := s.auditPublisher.Emit(ctx, event); err != nil {
		s.logger.WarnContext(ctx, "audit emit failed", "action", event.Action, "error", err)
	}
}
