// Package service issues certificates. One issuance reserves a tier slot,
// records the certificate and registers the namespace atomically, then
// publishes the canonical record to content storage.
package service

import (
	"context"
	"errors"
	"log/slog"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	certmodels "sovereign/internal/certificate/models"
	certsvc "sovereign/internal/certificate/service"
	"sovereign/internal/platform/metrics"
	raritymodels "sovereign/internal/rarity/models"
	raritysvc "sovereign/internal/rarity/service"
	regmodels "sovereign/internal/registry/models"
	registrysvc "sovereign/internal/registry/service"
	dErrors "sovereign/pkg/domain-errors"
	audit "sovereign/pkg/platform/audit"
	"sovereign/pkg/platform/sentinel"
	"sovereign/pkg/requestcontext"
)

type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

// Service coordinates rarity, certificate and registry for one issuance.
type Service struct {
	rarity         *raritysvc.Service
	certificates   *certsvc.Service
	registry       *registrysvc.Service
	tx             IssuanceTx
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

func New(
	rarity *raritysvc.Service,
	certificates *certsvc.Service,
	registry *registrysvc.Service,
	tx IssuanceTx,
	opts ...Option,
) *Service {
	s := &Service{
		rarity:       rarity,
		certificates: certificates,
		registry:     registry,
		tx:           tx,
		logger:       slog.Default(),
		tracer:       otel.Tracer("sovereign/issuance"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Request identifies what to issue.
type Request struct {
	SessionID    string
	Namespace    string
	Controller   string
	MetadataHash string
}

// Result is an issued certificate and its registry entry.
type Result struct {
	Record       *certmodels.Record
	Registration *regmodels.Registration
	// Replayed is true when the session already had a certificate.
	Replayed bool
}

// Issue runs one issuance. It is idempotent per session: a session that already
// holds a certificate gets that certificate back, republished if needed.
func (s *Service) Issue(ctx context.Context, req Request) (*Result, error) {
	ctx, span := s.tracer.Start(ctx, "issuance.Issue",
		trace.WithAttributes(
			attribute.String("session_id", req.SessionID),
			attribute.String("namespace", req.Namespace),
		),
	)
	defer span.End()

	res, err := s.issue(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(dErrors.CodeOf(err)))
		return nil, err
	}
	span.SetAttributes(
		attribute.String("tier", res.Record.Tier),
		attribute.Bool("replayed", res.Replayed),
	)
	return res, nil
}

func (s *Service) issue(ctx context.Context, req Request) (*Result, error) {
	if req.SessionID == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "session_id is required")
	}
	if existing, err := s.certificates.FindBySession(ctx, req.SessionID); err != nil {
		return nil, err
	} else if existing != nil {
		return s.replay(ctx, existing)
	}

	// validates namespace, controller and metadata hash before any side effect
	if _, err := regmodels.NewRegistration(req.Namespace, req.Controller, req.MetadataHash, requestcontext.Now(ctx)); err != nil {
		return nil, err
	}

	assessment := s.rarity.Assess(req.Namespace, raritysvc.ControllerMaterial(req.Controller))
	tier := assessment.Tier

	// non-authoritative prechecks so an obviously doomed request never reaches the signer
	check, err := s.registry.Check(ctx, req.Namespace)
	if err != nil {
		return nil, err
	}
	if check.Exists {
		s.metrics.ObserveIssuance(tier.String(), "conflict")
		return nil, dErrors.New(dErrors.CodeConflict, "namespace already registered").
			WithDetails(map[string]any{"existing_controller": check.Registration.Controller})
	}
	hasCapacity, err := s.rarity.HasCapacity(ctx, tier)
	if err != nil {
		return nil, err
	}
	if !hasCapacity {
		return nil, s.quotaExceeded(ctx, req, tier)
	}

	cert, err := s.certificates.Prepare(ctx, certsvc.Input{
		Namespace:    req.Namespace,
		Tier:         tier.String(),
		Score:        assessment.Score,
		Controller:   req.Controller,
		MetadataHash: req.MetadataHash,
	})
	if err != nil {
		s.metrics.ObserveIssuance(tier.String(), "prepare_failed")
		return nil, err
	}

	var (
		record       *certmodels.Record
		registration *regmodels.Registration
	)
	err = s.tx.RunInTx(ctx, func(ctx context.Context, stores Stores) error {
		reservation, err := raritysvc.ConsumeWith(ctx, stores.Ledger, tier)
		if err != nil {
			return err
		}

		record = &certmodels.Record{
			ContentHash:    cert.ContentHash,
			SessionID:      req.SessionID,
			Namespace:      req.Namespace,
			Tier:           tier.String(),
			Score:          assessment.Score,
			PriceCents:     raritysvc.PriceCents(reservation.SoldBefore, req.Namespace),
			ContentPointer: cert.ContentPointer,
			Certificate:    cert,
			CreatedAt:      cert.IssuedAt,
		}
		if err := stores.Records.Save(ctx, record); err != nil {
			if errors.Is(err, sentinel.ErrAlreadyUsed) {
				return dErrors.New(dErrors.CodeConflict, "session already holds a certificate")
			}
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to save certificate")
		}

		reg, err := regmodels.NewRegistration(req.Namespace, req.Controller, req.MetadataHash, cert.IssuedAt)
		if err != nil {
			return err
		}
		if err := registrysvc.InsertWith(ctx, stores.Registry, reg); err != nil {
			return err
		}
		registration = reg
		return nil
	})
	if err != nil {
		switch {
		case dErrors.HasCode(err, dErrors.CodeQuotaExceeded):
			return nil, s.quotaExceeded(ctx, req, tier)
		case dErrors.HasCode(err, dErrors.CodeConflict):
			s.metrics.ObserveIssuance(tier.String(), "conflict")
		default:
			s.metrics.ObserveIssuance(tier.String(), "error")
		}
		return nil, err
	}

	s.metrics.ObserveIssuance(tier.String(), "issued")
	s.metrics.ObserveRegistration("registered")
	if err := s.emitIssued(ctx, record, registration); err != nil {
		s.logger.ErrorContext(ctx, "certificate issued without audit record",
			"session_id", req.SessionID,
			"content_hash", record.ContentHash,
			"error", err,
		)
	}
	s.logger.InfoContext(ctx, "certificate issued",
		"session_id", req.SessionID,
		"namespace", req.Namespace,
		"tier", record.Tier,
		"price_cents", record.PriceCents,
		"sequence", registration.Sequence,
		"request_id", requestcontext.RequestID(ctx),
	)

	if err := s.certificates.Publish(ctx, cert); err != nil {
		s.logger.WarnContext(ctx, "certificate committed but not yet published",
			"session_id", req.SessionID,
			"content_pointer", cert.ContentPointer,
			"error", err,
		)
		return nil, err
	}
	return &Result{Record: record, Registration: registration}, nil
}

func (s *Service) replay(ctx context.Context, rec *certmodels.Record) (*Result, error) {
	if err := s.certificates.Publish(ctx, rec.Certificate); err != nil {
		return nil, err
	}
	var reg *regmodels.Registration
	if check, err := s.registry.Check(ctx, rec.Namespace); err == nil && check.Exists {
		reg = check.Registration
	}
	return &Result{Record: rec, Registration: reg, Replayed: true}, nil
}

func (s *Service) quotaExceeded(ctx context.Context, req Request, tier raritymodels.TierName) error {
	s.metrics.ObserveIssuance(tier.String(), "quota_exceeded")
	s.emit(ctx, audit.Event{
		Action:   string(audit.EventQuotaExhausted),
		Subject:  req.Namespace,
		Decision: "rejected",
		Details:  map[string]string{"tier": tier.String(), "session_id": req.SessionID},
	})
	return dErrors.New(dErrors.CodeQuotaExceeded, "tier "+tier.String()+" is fully issued").
		WithDetails(map[string]any{"tier": tier.String()})
}

// Quote prices namespace at the current sold count. controller is optional and
// only sharpens the hash-entropy component of the score.
func (s *Service) Quote(ctx context.Context, namespace, controller string) (*raritysvc.Quote, error) {
	if err := regmodels.ValidateNamespace(namespace); err != nil {
		return nil, err
	}
	return s.rarity.Quote(ctx, namespace, raritysvc.ControllerMaterial(controller))
}

func (s *Service) emitIssued(ctx context.Context, rec *certmodels.Record, reg *regmodels.Registration) error {
	if s.auditPublisher == nil {
		return nil
	}
	return s.auditPublisher.Emit(ctx, audit.Event{
		Action:   string(audit.EventCertificateIssued),
		Subject:  rec.Namespace,
		Decision: "issued",
		Details: map[string]string{
			"session_id":      rec.SessionID,
			"content_hash":    rec.ContentHash,
			"tier":            rec.Tier,
			"price_cents":     strconv.FormatInt(rec.PriceCents, 10),
			"sequence":        strconv.FormatInt(reg.Sequence, 10),
			"commitment_hash": reg.CommitmentHash,
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
