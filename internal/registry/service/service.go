package service

import (
	"context"
	"errors"
	"log/slog"
	"strconv"

	"sovereign/internal/platform/metrics"
	"sovereign/internal/registry/models"
	dErrors "sovereign/pkg/domain-errors"
	audit "sovereign/pkg/platform/audit"
	"sovereign/pkg/platform/sentinel"
	"sovereign/pkg/requestcontext"
)

const (
	DefaultListLimit = 100
	MaxListLimit     = 1000
)

// Store is the authoritative registration store.
type Store interface {
	// Insert seals reg against the current head and stores it in one atomic
	// step. It returns sentinel.ErrAlreadyUsed when the namespace is taken.
	Insert(ctx context.Context, reg *models.Registration) error
	FindByNamespace(ctx context.Context, namespace string) (*models.Registration, error)
	// ListAfter returns up to limit registrations with sequence > after, ascending.
	ListAfter(ctx context.Context, after int64, limit int) ([]*models.Registration, error)
	Count(ctx context.Context) (int, error)
	Head(ctx context.Context) (models.Head, error)
}

// Cache is a non-authoritative read-through cache. Only existing registrations
// are cached; they never change once written.
type Cache interface {
	Get(ctx context.Context, namespace string) (*models.Registration, error)
	Set(ctx context.Context, reg *models.Registration) error
}

type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

// Service registers namespaces and answers availability queries.
type Service struct {
	store          Store
	cache          Cache
	logger         *slog.Logger
	auditPublisher AuditPublisher
	metrics        *metrics.Metrics
}

type Option func(*Service)

func WithCache(c Cache) Option {
	return func(s *Service) {
		s.cache = c
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithAuditPublisher(publisher AuditPublisher) Option {
	return func(s *Service) {
		s.auditPublisher = publisher
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func New(store Store, opts ...Option) *Service {
	s := &Service{store: store, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store exposes the authoritative store for callers composing a transaction.
func (s *Service) Store() Store {
	return s.store
}

// Register claims namespace for controller. A second claim on the same
// namespace fails with Conflict and reports the existing controller.
func (s *Service) Register(ctx context.Context, namespace, controller, metadataHash string) (*models.Registration, error) {
	reg, err := models.NewRegistration(namespace, controller, metadataHash, requestcontext.Now(ctx))
	if err != nil {
		return nil, err
	}

	if err := InsertWith(ctx, s.store, reg); err != nil {
		if dErrors.Is(err, dErrors.CodeConflict) {
			s.metrics.ObserveRegistration("conflict")
			s.emit(ctx, audit.Event{
				Action:   string(audit.EventRegistrationDenied),
				Subject:  namespace,
				Decision: "conflict",
			})
		} else {
			s.metrics.ObserveRegistration("error")
		}
		return nil, err
	}

	s.metrics.ObserveRegistration("registered")
	if err := s.emitCompliance(ctx, reg); err != nil {
		// the registration is durable; surface the audit gap loudly
		s.logger.ErrorContext(ctx, "registration committed without audit record",
			"namespace", reg.Namespace,
			"error", err,
		)
	}
	s.logger.InfoContext(ctx, "namespace registered",
		"namespace", reg.Namespace,
		"sequence", reg.Sequence,
		"request_id", requestcontext.RequestID(ctx),
	)
	if s.cache != nil {
		if err := s.cache.Set(ctx, reg); err != nil {
			s.logger.WarnContext(ctx, "registry cache write failed", "namespace", reg.Namespace, "error", err)
		}
	}
	return reg, nil
}

// InsertWith stores reg on store, which may be bound to an enclosing
// transaction, and translates store facts into domain errors.
func InsertWith(ctx context.Context, store Store, reg *models.Registration) error {
	err := store.Insert(ctx, reg)
	if err == nil {
		return nil
	}
	if errors.Is(err, sentinel.ErrAlreadyUsed) {
		conflict := dErrors.New(dErrors.CodeConflict, "namespace already registered")
		existing, findErr := store.FindByNamespace(ctx, reg.Namespace)
		if findErr == nil {
			conflict = conflict.WithDetails(map[string]any{"existing_controller": existing.Controller})
		}
		return conflict
	}
	return dErrors.Wrap(err, dErrors.CodeInternal, "failed to store registration")
}

// CheckResult answers whether a namespace is taken.
type CheckResult struct {
	Exists       bool                 `json:"exists"`
	Registration *models.Registration `json:"namespace"`
}

// Check looks a namespace up. The answer may come from the cache and is only
// advisory; Register is the authority.
func (s *Service) Check(ctx context.Context, namespace string) (*CheckResult, error) {
	if err := models.ValidateNamespace(namespace); err != nil {
		return nil, err
	}
	if s.cache != nil {
		if reg, err := s.cache.Get(ctx, namespace); err == nil && reg != nil {
			return &CheckResult{Exists: true, Registration: reg}, nil
		} else if err != nil {
			s.logger.WarnContext(ctx, "registry cache read failed", "namespace", namespace, "error", err)
		}
	}

	reg, err := s.store.FindByNamespace(ctx, namespace)
	if errors.Is(err, sentinel.ErrNotFound) {
		return &CheckResult{Exists: false}, nil
	}
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to look up namespace")
	}
	if s.cache != nil {
		_ = s.cache.Set(ctx, reg)
	}
	return &CheckResult{Exists: true, Registration: reg}, nil
}

// IsAvailable is the boolean form of Check.
func (s *Service) IsAvailable(ctx context.Context, namespace string) (bool, error) {
	res, err := s.Check(ctx, namespace)
	if err != nil {
		return false, err
	}
	return !res.Exists, nil
}

// List pages through registrations in sequence order. The cursor is the last
// sequence of the previous page.
func (s *Service) List(ctx context.Context, cursor string, limit int) (*models.Page, error) {
	var after int64
	if cursor != "" {
		n, err := strconv.ParseInt(cursor, 10, 64)
		if err != nil || n < 0 {
			return nil, dErrors.New(dErrors.CodeValidation, "cursor must be a non-negative integer")
		}
		after = n
	}
	switch {
	case limit <= 0:
		limit = DefaultListLimit
	case limit > MaxListLimit:
		limit = MaxListLimit
	}

	// one extra row tells us whether the page is truncated
	regs, err := s.store.ListAfter(ctx, after, limit+1)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list registrations")
	}
	total, err := s.store.Count(ctx)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to count registrations")
	}

	page := &models.Page{Namespaces: regs, Total: total}
	if len(regs) > limit {
		page.Namespaces = regs[:limit]
		page.Truncated = true
		page.NextCursor = strconv.FormatInt(regs[limit-1].Sequence, 10)
	}
	if page.Namespaces == nil {
		page.Namespaces = []*models.Registration{}
	}
	return page, nil
}

// Head returns the latest chain position.
func (s *Service) Head(ctx context.Context) (models.Head, error) {
	head, err := s.store.Head(ctx)
	if err != nil {
		return models.Head{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to read registry head")
	}
	return head, nil
}

// ChainReport is the result of re-deriving every commitment.
type ChainReport struct {
	Valid    bool        `json:"valid"`
	Length   int64       `json:"length"`
	BrokenAt int64       `json:"broken_at,omitempty"`
	Head     models.Head `json:"head"`
}

// VerifyChain recomputes all commitments in order.
func (s *Service) VerifyChain(ctx context.Context) (*ChainReport, error) {
	prev := models.GenesisHead()
	for {
		batch, err := s.store.ListAfter(ctx, prev.Sequence, MaxListLimit)
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to read registry")
		}
		if len(batch) == 0 {
			break
		}
		if broken, ok := models.VerifyChainFrom(prev, batch); !ok {
			return &ChainReport{Valid: false, Length: prev.Sequence, BrokenAt: broken, Head: prev}, nil
		}
		prev = batch[len(batch)-1].Head()
	}

	head, err := s.Head(ctx)
	if err != nil {
		return nil, err
	}
	if head != prev {
		return &ChainReport{Valid: false, Length: prev.Sequence, BrokenAt: prev.Sequence + 1, Head: head}, nil
	}
	return &ChainReport{Valid: true, Length: head.Sequence, Head: head}, nil
}

func (s *Service) emitCompliance(ctx context.Context, reg *models.Registration) error {
	if s.auditPublisher == nil {
		return nil
	}
	return s.auditPublisher.Emit(ctx, audit.Event{
		Action:  string(audit.EventNamespaceRegistered),
		Subject: reg.Namespace,
		Details: map[string]string{
			"controller":      reg.Controller,
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
