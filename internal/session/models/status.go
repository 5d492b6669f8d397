package models

import (
	"slices"
)

// Status is the lifecycle position of a claim session.
type Status string

const (
	StatusInvited   Status = "INVITED"
	StatusClaimed   Status = "CLAIMED"
	StatusIssued    Status = "ISSUED"
	StatusActive    Status = "ACTIVE"
	StatusDenied    Status = "DENIED"
	StatusSuspended Status = "SUSPENDED"
)

func (s Status) String() string { return string(s) }

// transitions: DENIED is reachable from every non-terminal status and
// SUSPENDED only from ACTIVE.
var transitions = map[Status][]Status{
	StatusInvited:   {StatusClaimed, StatusDenied},
	StatusClaimed:   {StatusIssued, StatusDenied},
	StatusIssued:    {StatusActive, StatusDenied},
	StatusActive:    {StatusSuspended, StatusDenied},
	StatusSuspended: {StatusActive, StatusDenied},
	StatusDenied:    {},
}

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	_, ok := transitions[s]
	return ok
}

// AllowedNext lists the statuses reachable from s in one step.
func (s Status) AllowedNext() []Status {
	return slices.Clone(transitions[s])
}

// CanTransitionTo is the transition table as a pure function.
func (s Status) CanTransitionTo(next Status) bool {
	return slices.Contains(transitions[s], next)
}

// IsTerminal reports whether no transition leaves s.
func (s Status) IsTerminal() bool {
	return s.IsValid() && len(transitions[s]) == 0
}

// Capabilities says what a caller may see and do for a session in a given
// status. It is derived, never stored.
type Capabilities struct {
	ShowNamespace     bool `json:"show_namespace"`
	ShowChainAsset    bool `json:"show_chain_asset"`
	ShowXRPLToken     bool `json:"show_xrpl_token"`
	AllowTrustline    bool `json:"allow_trustline"`
	AllowTrading      bool `json:"allow_trading"`
	ShowExplorerLinks bool `json:"show_explorer_links"`
	ShowCeremonyText  bool `json:"show_ceremony_text"`
}

var capabilities = map[Status]Capabilities{
	StatusInvited: {
		ShowCeremonyText: true,
	},
	StatusClaimed: {
		ShowNamespace:    true,
		ShowCeremonyText: true,
	},
	StatusIssued: {
		ShowNamespace:     true,
		ShowChainAsset:    true,
		ShowExplorerLinks: true,
		ShowCeremonyText:  true,
	},
	StatusActive: {
		ShowNamespace:     true,
		ShowChainAsset:    true,
		ShowXRPLToken:     true,
		AllowTrustline:    true,
		AllowTrading:      true,
		ShowExplorerLinks: true,
		ShowCeremonyText:  true,
	},
	StatusDenied: {
		ShowNamespace: true,
	},
	StatusSuspended: {
		ShowNamespace:     true,
		ShowChainAsset:    true,
		ShowXRPLToken:     true,
		ShowExplorerLinks: true,
	},
}

// CapabilitiesFor returns the capability flags of status. Unknown statuses get
// no capabilities.
func CapabilitiesFor(status Status) Capabilities {
	return capabilities[status]
}

// ceremonyText is shown to the claimant while the flag allows it.
var ceremonyText = map[Status]string{
	StatusInvited: "You have been invited to claim a sovereign namespace.",
	StatusClaimed: "Your claim is recorded and awaits review.",
	StatusIssued:  "Your certificate is issued and your asset is minted.",
	StatusActive:  "Your namespace is sovereign and publicly active.",
}

// OperatorMode is the authority of the operator driving a session.
type OperatorMode string

const (
	OperatorObserver  OperatorMode = "OBSERVER"
	OperatorLiveFire  OperatorMode = "LIVE_FIRE"
	OperatorArchitect OperatorMode = "ARCHITECT"
)

func (m OperatorMode) IsValid() bool {
	switch m {
	case OperatorObserver, OperatorLiveFire, OperatorArchitect:
		return true
	}
	return false
}

// Verdict is a review outcome.
type Verdict string

const (
	VerdictApprove Verdict = "APPROVE"
	VerdictReview  Verdict = "REVIEW"
	VerdictDeny    Verdict = "DENY"
)

func (v Verdict) IsValid() bool {
	switch v {
	case VerdictApprove, VerdictReview, VerdictDeny:
		return true
	}
	return false
}

// Approver is who granted an approval.
type Approver string

const (
	ApproverHuman  Approver = "HUMAN"
	ApproverAI     Approver = "AI"
	ApproverSystem Approver = "SYSTEM"
)

func (a Approver) IsValid() bool {
	switch a {
	case ApproverHuman, ApproverAI, ApproverSystem:
		return true
	}
	return false
}

// TrustlineStatus tracks the XRPL trustline of an active session.
type TrustlineStatus string

const (
	TrustlineNone    TrustlineStatus = "NONE"
	TrustlinePending TrustlineStatus = "PENDING"
	TrustlineActive  TrustlineStatus = "ACTIVE"
	TrustlineFailed  TrustlineStatus = "FAILED"
)

// PendingState is the state of one external operation.
type PendingState string

const (
	PendingInFlight    PendingState = "pending"
	PendingFailed      PendingState = "failed"
	PendingConfirmed   PendingState = "confirmed"
	PendingCompensated PendingState = "compensated"
)

// Unresolved reports whether the operation may still land on the external side.
func (p PendingState) Unresolved() bool {
	return p == PendingInFlight || p == PendingFailed
}

// External operations tracked in Audit.Pending.
const (
	OpIssue     = "issue"
	OpMint      = "mint"
	OpTrustline = "trustline"
	OpFreeze    = "freeze"
)
