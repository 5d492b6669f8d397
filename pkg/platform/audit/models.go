package audit

import (
	"context"
	"time"
)

// EventCategory classifies audit events by their primary purpose.
// This enables different retention policies, storage backends, and routing.
type EventCategory string

const (
	// CategoryCompliance covers events that change who owns what: registrations,
	// issued certificates, status changes, review verdicts. Writes are fail-closed.
	CategoryCompliance EventCategory = "compliance"

	// CategorySecurity covers rejected or suspicious attempts: conflicting
	// registrations, illegal transitions, failed verifications.
	CategorySecurity EventCategory = "security"

	// CategoryOperations covers routine activity useful for debugging.
	CategoryOperations EventCategory = "operations"
)

// Event is emitted from domain logic to capture key actions. Keep it
// transport-agnostic so stores and sinks can fan out.
type Event struct {
	Category  EventCategory     `json:"category"`
	Timestamp time.Time         `json:"timestamp"`
	Action    string            `json:"action"`
	// Subject is the aggregate the event is about (namespace or session id).
	Subject   string            `json:"subject"`
	ActorID   string            `json:"actor_id,omitempty"`
	Decision  string            `json:"decision,omitempty"`
	Reason    string            `json:"reason,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}

type AuditEvent string

const (
	// Registry events
	EventNamespaceRegistered AuditEvent = "namespace_registered"
	EventRegistrationDenied  AuditEvent = "registration_conflict"

	// Issuance events
	EventCertificateIssued AuditEvent = "certificate_issued"
	EventQuotaExhausted    AuditEvent = "quota_exhausted"
	EventCertificateFailed AuditEvent = "certificate_verification_failed"

	// Session events
	EventSessionCreated      AuditEvent = "session_created"
	EventSessionUpdated      AuditEvent = "session_updated"
	EventSessionTransitioned AuditEvent = "session_transitioned"
	EventTransitionRejected  AuditEvent = "session_transition_rejected"
	EventReviewRecorded      AuditEvent = "review_recorded"
	EventUpstreamFailed      AuditEvent = "upstream_operation_failed"
	EventMintCompensated     AuditEvent = "mint_compensated"
)

var eventCategories = map[AuditEvent]EventCategory{
	EventNamespaceRegistered: CategoryCompliance,
	EventCertificateIssued:   CategoryCompliance,
	EventSessionTransitioned: CategoryCompliance,
	EventReviewRecorded:      CategoryCompliance,
	EventMintCompensated:     CategoryCompliance,

	EventRegistrationDenied: CategorySecurity,
	EventTransitionRejected: CategorySecurity,
	EventCertificateFailed:  CategorySecurity,

	EventQuotaExhausted: CategoryOperations,
	EventSessionCreated: CategoryOperations,
	EventSessionUpdated: CategoryOperations,
	EventUpstreamFailed: CategoryOperations,
}

// Category returns the EventCategory for this audit event.
// Unknown events default to CategoryOperations.
func (e AuditEvent) Category() EventCategory {
	if cat, ok := eventCategories[e]; ok {
		return cat
	}
	return CategoryOperations
}

// Store persists audit events.
type Store interface {
	Append(ctx context.Context, event Event) error
	ListBySubject(ctx context.Context, subject string) ([]Event, error)
	ListRecent(ctx context.Context, limit int) ([]Event, error)
}
