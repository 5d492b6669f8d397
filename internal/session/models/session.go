package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	registrymodels "sovereign/internal/registry/models"
	dErrors "sovereign/pkg/domain-errors"
)

const (
	MaxSessionIDLength      = 128
	MaxIdentityTargetLength = 256
	MaxDescriptionLength    = 2048
	MaxTags                 = 32
	MaxExternalLinks        = 16
)

// StellarAsset describes the asset minted for an issued session.
type StellarAsset struct {
	AssetCode       string `json:"asset_code"`
	IssuerPublicKey string `json:"issuer_public_key"`
	Supply          string `json:"supply"`
	TxHash          string `json:"tx_hash,omitempty"`
	ExplorerURL     string `json:"explorer_url,omitempty"`
}

// XRPLToken describes the public trustline of an active session.
type XRPLToken struct {
	Currency        string          `json:"currency"`
	Issuer          string          `json:"issuer"`
	TrustlineStatus TrustlineStatus `json:"trustline_status"`
	TrustlineTx     string          `json:"trustline_tx,omitempty"`
	Balance         string          `json:"balance,omitempty"`
}

// CertificateRef points at the issued certificate and registration by
// identifier; the certificate and registry stores own the data.
type CertificateRef struct {
	ContentHash    string `json:"content_hash"`
	ContentPointer string `json:"content_pointer"`
	Tier           string `json:"tier"`
	Score          int    `json:"score"`
	PriceCents     int64  `json:"price_cents"`
	Sequence       int64  `json:"registry_sequence"`
	CommitmentHash string `json:"commitment_hash"`
}

// Assessment is the rarity result captured when the session was claimed.
type Assessment struct {
	Score int    `json:"score"`
	Tier  string `json:"tier"`
}

// Approval records who approved issuance.
type Approval struct {
	ApprovedBy       Approver  `json:"approved_by"`
	ApproverIdentity string    `json:"approver_identity,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
	Notes            string    `json:"notes,omitempty"`
}

// PendingOp is the recorded state of one external operation.
type PendingOp struct {
	State          PendingState `json:"state"`
	IdempotencyKey string       `json:"idempotency_key"`
	Attempts       int          `json:"attempts"`
	LastError      string       `json:"last_error,omitempty"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// Audit holds write-once lifecycle timestamps and external operation state.
type Audit struct {
	CreatedAt   time.Time             `json:"created_at"`
	ClaimedAt   *time.Time            `json:"claimed_at,omitempty"`
	ReviewedAt  *time.Time            `json:"reviewed_at,omitempty"`
	IssuedAt    *time.Time            `json:"issued_at,omitempty"`
	ActivatedAt *time.Time            `json:"activated_at,omitempty"`
	SuspendedAt *time.Time            `json:"suspended_at,omitempty"`
	DeniedAt    *time.Time            `json:"denied_at,omitempty"`
	ApprovedBy  *Approval             `json:"approved_by,omitempty"`
	Pending     map[string]*PendingOp `json:"pending,omitempty"`
}

// Metadata is free-form claimant data.
type Metadata struct {
	Description   string            `json:"description,omitempty"`
	Tags          []string          `json:"tags,omitempty"`
	ExternalLinks map[string]string `json:"external_links,omitempty"`
}

// Hash is the hex SHA-256 of the JSON encoding of m. It is the metadata_hash
// bound into the registry and the certificate.
func (m Metadata) Hash() string {
	// encoding/json sorts map keys, so equal metadata hashes equally
	raw, _ := json.Marshal(m)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

func (m Metadata) normalize() (Metadata, error) {
	if len(m.Description) > MaxDescriptionLength {
		return Metadata{}, dErrors.New(dErrors.CodeValidation, "metadata description is too long")
	}
	m.Tags = normalizeTags(m.Tags)
	if len(m.Tags) > MaxTags {
		return Metadata{}, dErrors.New(dErrors.CodeValidation, "metadata has too many tags")
	}
	if len(m.ExternalLinks) > MaxExternalLinks {
		return Metadata{}, dErrors.New(dErrors.CodeValidation, "metadata has too many external links")
	}
	for name, link := range m.ExternalLinks {
		if strings.TrimSpace(name) == "" || !strings.HasPrefix(link, "https://") {
			return Metadata{}, dErrors.New(dErrors.CodeValidation, "external links must be named https URLs").
				WithDetails(map[string]any{"link": name})
		}
	}
	return m, nil
}

// normalizeTags lowercases and trims tags, dropping blanks and repeats while
// keeping first-seen order.
func normalizeTags(tags []string) []string {
	if tags == nil {
		return nil
	}
	out := tags[:0:0]
	seen := make(map[string]bool, len(tags))
	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		out = append(out, tag)
	}
	return out
}

// Session is one claim on one namespace.
//
// Invariants:
//   - Status only moves along the transition table
//   - DENIED is terminal and the session is immutable afterwards
//   - audit timestamps are written at most once
//   - Version increases by one on every stored change
type Session struct {
	SessionID      string          `json:"session_id"`
	Namespace      string          `json:"namespace"`
	Controller     string          `json:"controller"`
	Status         Status          `json:"status"`
	AIVerdict      Verdict         `json:"ai_verdict,omitempty"`
	AIReasoning    string          `json:"ai_reasoning,omitempty"`
	IdentityTarget string          `json:"identity_target,omitempty"`
	OperatorMode   OperatorMode    `json:"operator_mode"`
	Assessment     *Assessment     `json:"assessment,omitempty"`
	StellarAsset   *StellarAsset   `json:"stellar_asset,omitempty"`
	XRPLToken      *XRPLToken      `json:"xrpl_token,omitempty"`
	Certificate    *CertificateRef `json:"certificate,omitempty"`
	Audit          Audit           `json:"audit"`
	Metadata       Metadata        `json:"metadata"`
	Version        int64           `json:"version"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// NewSession validates input and returns a version 1 session in initial, or
// INVITED when initial is empty.
func NewSession(id, namespace, controller, identityTarget string, mode OperatorMode, metadata Metadata, initial Status, now time.Time) (*Session, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "session_id is required")
	}
	if len(id) > MaxSessionIDLength {
		return nil, dErrors.New(dErrors.CodeValidation, "session_id is too long")
	}
	if err := registrymodels.ValidateNamespace(namespace); err != nil {
		return nil, err
	}
	if err := registrymodels.ValidateController(controller); err != nil {
		return nil, err
	}
	if len(identityTarget) > MaxIdentityTargetLength {
		return nil, dErrors.New(dErrors.CodeValidation, "identity_target is too long")
	}
	if mode == "" {
		mode = OperatorObserver
	}
	if !mode.IsValid() {
		return nil, dErrors.New(dErrors.CodeValidation, "operator_mode must be OBSERVER, LIVE_FIRE or ARCHITECT")
	}
	if initial == "" {
		initial = StatusInvited
	}
	if !initial.IsValid() {
		return nil, dErrors.New(dErrors.CodeValidation, "unknown initial status "+initial.String())
	}
	md, err := metadata.normalize()
	if err != nil {
		return nil, err
	}

	now = now.UTC()
	s := &Session{
		SessionID:      id,
		Namespace:      namespace,
		Controller:     strings.ToLower(controller),
		Status:         initial,
		IdentityTarget: identityTarget,
		OperatorMode:   mode,
		Audit:          Audit{CreatedAt: now},
		Metadata:       md,
		Version:        1,
		UpdatedAt:      now,
	}
	s.stampStatus(initial, now)
	return s, nil
}

// CheckTransition returns InvalidTransition with the current status and the
// allowed targets when next is not reachable in one step.
func (s *Session) CheckTransition(next Status) error {
	if !next.IsValid() {
		return dErrors.New(dErrors.CodeValidation, "unknown status "+next.String())
	}
	if !s.Status.CanTransitionTo(next) {
		return dErrors.New(dErrors.CodeInvalidTransition,
			"cannot transition from "+s.Status.String()+" to "+next.String()).
			WithDetails(map[string]any{
				"current": s.Status,
				"allowed": s.Status.AllowedNext(),
			})
	}
	return nil
}

// ApplyTransition moves the session to next and stamps the matching audit
// timestamp if it is unset.
func (s *Session) ApplyTransition(next Status, now time.Time) error {
	if err := s.CheckTransition(next); err != nil {
		return err
	}
	s.Status = next
	s.stampStatus(next, now.UTC())
	return nil
}

func (s *Session) stampStatus(status Status, now time.Time) {
	switch status {
	case StatusClaimed:
		stampOnce(&s.Audit.ClaimedAt, now)
	case StatusIssued:
		stampOnce(&s.Audit.IssuedAt, now)
	case StatusActive:
		stampOnce(&s.Audit.ActivatedAt, now)
	case StatusSuspended:
		stampOnce(&s.Audit.SuspendedAt, now)
	case StatusDenied:
		stampOnce(&s.Audit.DeniedAt, now)
	}
}

func stampOnce(field **time.Time, now time.Time) {
	if *field != nil {
		return
	}
	t := now
	*field = &t
}

// EnsureMutable rejects any change to a denied session.
func (s *Session) EnsureMutable() error {
	if s.Status == StatusDenied {
		return dErrors.New(dErrors.CodePreconditionFailed, "session is denied and can no longer change").
			WithDetails(map[string]any{"current": s.Status})
	}
	return nil
}

// Patch is the set of per-field update commands. Nil fields are left alone.
type Patch struct {
	Metadata       *Metadata     `json:"metadata,omitempty"`
	IdentityTarget *string       `json:"identity_target,omitempty"`
	OperatorMode   *OperatorMode `json:"operator_mode,omitempty"`
}

func (p Patch) IsEmpty() bool {
	return p.Metadata == nil && p.IdentityTarget == nil && p.OperatorMode == nil
}

// ApplyPatch validates every command before changing anything.
func (s *Session) ApplyPatch(p Patch) error {
	if err := s.EnsureMutable(); err != nil {
		return err
	}
	if p.IsEmpty() {
		return dErrors.New(dErrors.CodeValidation, "patch has no fields")
	}
	var md Metadata
	if p.Metadata != nil {
		normalized, err := p.Metadata.normalize()
		if err != nil {
			return err
		}
		md = normalized
	}
	if p.IdentityTarget != nil && len(*p.IdentityTarget) > MaxIdentityTargetLength {
		return dErrors.New(dErrors.CodeValidation, "identity_target is too long")
	}
	if p.OperatorMode != nil && !p.OperatorMode.IsValid() {
		return dErrors.New(dErrors.CodeValidation, "operator_mode must be OBSERVER, LIVE_FIRE or ARCHITECT")
	}

	if p.Metadata != nil {
		if s.Certificate != nil && md.Hash() != s.Metadata.Hash() {
			return dErrors.New(dErrors.CodePreconditionFailed, "metadata is bound into the issued certificate")
		}
		s.Metadata = md
	}
	if p.IdentityTarget != nil {
		s.IdentityTarget = *p.IdentityTarget
	}
	if p.OperatorMode != nil {
		s.OperatorMode = *p.OperatorMode
	}
	return nil
}

// RecordReview stores a verdict. An APPROVE verdict sets the approval record
// if none exists yet.
func (s *Session) RecordReview(verdict Verdict, reasoning string, approval Approval, now time.Time) error {
	if err := s.EnsureMutable(); err != nil {
		return err
	}
	if !verdict.IsValid() {
		return dErrors.New(dErrors.CodeValidation, "verdict must be APPROVE, REVIEW or DENY")
	}
	if verdict == VerdictApprove && !approval.ApprovedBy.IsValid() {
		return dErrors.New(dErrors.CodeValidation, "approved_by must be HUMAN, AI or SYSTEM")
	}
	now = now.UTC()
	s.AIVerdict = verdict
	s.AIReasoning = reasoning
	stampOnce(&s.Audit.ReviewedAt, now)
	if verdict == VerdictApprove && s.Audit.ApprovedBy == nil {
		approval.Timestamp = now
		s.Audit.ApprovedBy = &approval
	}
	return nil
}

// Approved reports whether issuance has an approving review.
func (s *Session) Approved() bool {
	return s.AIVerdict == VerdictApprove || s.Audit.ApprovedBy != nil
}

// MetadataHash is the metadata digest bound into registry and certificate.
func (s *Session) MetadataHash() string {
	return s.Metadata.Hash()
}

// Pending returns the recorded state of op, or nil.
func (s *Session) Pending(op string) *PendingOp {
	if s.Audit.Pending == nil {
		return nil
	}
	return s.Audit.Pending[op]
}

// MarkPending records that op was submitted under key and has not resolved.
func (s *Session) MarkPending(op, key string, now time.Time) {
	p := s.pendingOp(op, key)
	p.State = PendingInFlight
	p.Attempts++
	p.UpdatedAt = now.UTC()
}

func (s *Session) MarkFailed(op, key string, cause error, now time.Time) {
	p := s.pendingOp(op, key)
	p.State = PendingFailed
	if cause != nil {
		p.LastError = cause.Error()
	}
	p.UpdatedAt = now.UTC()
}

func (s *Session) MarkConfirmed(op, key string, now time.Time) {
	p := s.pendingOp(op, key)
	p.State = PendingConfirmed
	p.LastError = ""
	p.UpdatedAt = now.UTC()
}

func (s *Session) MarkCompensated(op, key string, now time.Time) {
	p := s.pendingOp(op, key)
	p.State = PendingCompensated
	p.UpdatedAt = now.UTC()
}

func (s *Session) pendingOp(op, key string) *PendingOp {
	if s.Audit.Pending == nil {
		s.Audit.Pending = make(map[string]*PendingOp)
	}
	p, ok := s.Audit.Pending[op]
	if !ok {
		p = &PendingOp{}
		s.Audit.Pending[op] = p
	}
	p.IdempotencyKey = key
	return p
}

// Clone returns a deep copy so stores never share mutable state with callers.
func (s *Session) Clone() *Session {
	out := *s
	if s.Assessment != nil {
		a := *s.Assessment
		out.Assessment = &a
	}
	if s.StellarAsset != nil {
		a := *s.StellarAsset
		out.StellarAsset = &a
	}
	if s.XRPLToken != nil {
		t := *s.XRPLToken
		out.XRPLToken = &t
	}
	if s.Certificate != nil {
		c := *s.Certificate
		out.Certificate = &c
	}
	if s.Audit.ApprovedBy != nil {
		a := *s.Audit.ApprovedBy
		out.Audit.ApprovedBy = &a
	}
	if s.Audit.Pending != nil {
		out.Audit.Pending = make(map[string]*PendingOp, len(s.Audit.Pending))
		for k, v := range s.Audit.Pending {
			p := *v
			out.Audit.Pending[k] = &p
		}
	}
	out.Metadata.Tags = append([]string(nil), s.Metadata.Tags...)
	if s.Metadata.ExternalLinks != nil {
		out.Metadata.ExternalLinks = make(map[string]string, len(s.Metadata.ExternalLinks))
		for k, v := range s.Metadata.ExternalLinks {
			out.Metadata.ExternalLinks[k] = v
		}
	}
	return &out
}

// AssetCode derives the 1-12 character chain asset code of a namespace from the
// letters and digits of its label root.
func AssetCode(namespace string) string {
	root := namespace
	if i := strings.IndexByte(root, '.'); i >= 0 {
		root = root[:i]
	}
	var b strings.Builder
	for _, r := range strings.ToUpper(root) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
		if b.Len() == 12 {
			break
		}
	}
	if b.Len() == 0 {
		return "NS"
	}
	return b.String()
}
