package models

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "sovereign/pkg/domain-errors"
)

var (
	testController = strings.Repeat("ab", 32)
	t0             = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

var allStatuses = []Status{
	StatusInvited, StatusClaimed, StatusIssued, StatusActive, StatusDenied, StatusSuspended,
}

func newSession(t *testing.T, initial Status) *Session {
	t.Helper()
	s, err := NewSession("sess-1", "777.x", testController, "", "", Metadata{}, initial, t0)
	require.NoError(t, err)
	return s
}

func TestTransitionTable(t *testing.T) {
	legal := map[Status][]Status{
		StatusInvited:   {StatusClaimed, StatusDenied},
		StatusClaimed:   {StatusIssued, StatusDenied},
		StatusIssued:    {StatusActive, StatusDenied},
		StatusActive:    {StatusSuspended, StatusDenied},
		StatusSuspended: {StatusActive, StatusDenied},
		StatusDenied:    nil,
	}

	for _, from := range allStatuses {
		for _, to := range allStatuses {
			want := false
			for _, allowed := range legal[from] {
				if allowed == to {
					want = true
				}
			}
			t.Run(from.String()+"->"+to.String(), func(t *testing.T) {
				assert.Equal(t, want, from.CanTransitionTo(to))

				s := newSession(t, from)
				err := s.ApplyTransition(to, t0.Add(time.Minute))
				if want {
					require.NoError(t, err)
					assert.Equal(t, to, s.Status)
					return
				}
				require.Error(t, err)
				assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidTransition))
				assert.Equal(t, from, s.Status, "rejected transition leaves status unchanged")
			})
		}
	}
}

func TestInvalidTransitionCarriesCurrentAndAllowed(t *testing.T) {
	s := newSession(t, StatusInvited)

	err := s.ApplyTransition(StatusActive, t0)

	de, ok := dErrors.As(err)
	require.True(t, ok)
	assert.Equal(t, StatusInvited, de.Details["current"])
	assert.Equal(t, []Status{StatusClaimed, StatusDenied}, de.Details["allowed"])
}

func TestDeniedReachableFromEveryNonTerminalStatus(t *testing.T) {
	for _, from := range allStatuses {
		if from == StatusDenied {
			continue
		}
		assert.True(t, from.CanTransitionTo(StatusDenied), "%s -> DENIED", from)
	}
}

func TestSuspendedReachableOnlyFromActive(t *testing.T) {
	for _, from := range allStatuses {
		assert.Equal(t, from == StatusActive, from.CanTransitionTo(StatusSuspended), "%s -> SUSPENDED", from)
	}
}

func TestDeniedIsTerminal(t *testing.T) {
	assert.True(t, StatusDenied.IsTerminal())
	assert.False(t, StatusActive.IsTerminal())
	assert.Empty(t, StatusDenied.AllowedNext())
}

func TestAllowedNextIsACopy(t *testing.T) {
	next := StatusInvited.AllowedNext()
	next[0] = StatusDenied
	assert.True(t, StatusInvited.CanTransitionTo(StatusClaimed))
}

func TestCapabilitiesMatrix(t *testing.T) {
	tests := []struct {
		status Status
		want   Capabilities
	}{
		{StatusInvited, Capabilities{ShowCeremonyText: true}},
		{StatusClaimed, Capabilities{ShowNamespace: true, ShowCeremonyText: true}},
		{StatusIssued, Capabilities{ShowNamespace: true, ShowChainAsset: true, ShowExplorerLinks: true, ShowCeremonyText: true}},
		{StatusActive, Capabilities{ShowNamespace: true, ShowChainAsset: true, ShowXRPLToken: true, AllowTrustline: true, AllowTrading: true, ShowExplorerLinks: true, ShowCeremonyText: true}},
		{StatusDenied, Capabilities{ShowNamespace: true}},
		{StatusSuspended, Capabilities{ShowNamespace: true, ShowChainAsset: true, ShowXRPLToken: true, ShowExplorerLinks: true}},
		{Status("BOGUS"), Capabilities{}},
	}
	for _, tt := range tests {
		t.Run(tt.status.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, CapabilitiesFor(tt.status))
		})
	}
}

func TestNewSessionDefaults(t *testing.T) {
	s, err := NewSession("sess-1", "777.x", strings.ToUpper(testController), "Satoshi", "", Metadata{}, "", t0)
	require.NoError(t, err)

	assert.Equal(t, StatusInvited, s.Status)
	assert.Equal(t, OperatorObserver, s.OperatorMode)
	assert.Equal(t, int64(1), s.Version)
	assert.Equal(t, t0, s.Audit.CreatedAt)
	assert.Equal(t, testController, s.Controller, "controller is normalised to lower case")
	assert.Nil(t, s.Audit.ClaimedAt)
}

func TestNewSessionStampsInitialStatus(t *testing.T) {
	s := newSession(t, StatusClaimed)
	require.NotNil(t, s.Audit.ClaimedAt)
	assert.Equal(t, t0, *s.Audit.ClaimedAt)
}

func TestNewSessionValidation(t *testing.T) {
	tests := []struct {
		name       string
		id         string
		namespace  string
		controller string
		mode       OperatorMode
		initial    Status
		metadata   Metadata
	}{
		{name: "missing id", namespace: "a", controller: testController},
		{name: "bad namespace", id: "s", namespace: ".hidden", controller: testController},
		{name: "short controller", id: "s", namespace: "a", controller: "abcd"},
		{name: "bad mode", id: "s", namespace: "a", controller: testController, mode: "ROOT"},
		{name: "bad initial status", id: "s", namespace: "a", controller: testController, initial: "PENDING"},
		{name: "non-https link", id: "s", namespace: "a", controller: testController,
			metadata: Metadata{ExternalLinks: map[string]string{"site": "http://x"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSession(tt.id, tt.namespace, tt.controller, "", tt.mode, tt.metadata, tt.initial, t0)
			require.Error(t, err)
			assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
		})
	}
}

func TestAuditTimestampsAreWriteOnce(t *testing.T) {
	s := newSession(t, StatusIssued)
	require.NotNil(t, s.Audit.IssuedAt)
	require.NoError(t, s.ApplyTransition(StatusActive, t0))

	t1 := t0.Add(time.Hour)
	require.NoError(t, s.ApplyTransition(StatusSuspended, t1))
	require.NoError(t, s.ApplyTransition(StatusActive, t1.Add(time.Hour)))
	require.NoError(t, s.ApplyTransition(StatusSuspended, t1.Add(2*time.Hour)))

	assert.Equal(t, t1, *s.Audit.SuspendedAt, "second suspension keeps the first timestamp")
	assert.Equal(t, t0, *s.Audit.IssuedAt)
}

func TestApplyPatch(t *testing.T) {
	s := newSession(t, StatusInvited)
	target := "Ada Lovelace"
	mode := OperatorArchitect

	err := s.ApplyPatch(Patch{
		IdentityTarget: &target,
		OperatorMode:   &mode,
		Metadata:       &Metadata{Description: "first", Tags: []string{" Art ", "art", ""}},
	})

	require.NoError(t, err)
	assert.Equal(t, target, s.IdentityTarget)
	assert.Equal(t, OperatorArchitect, s.OperatorMode)
	assert.Equal(t, []string{"art"}, s.Metadata.Tags)
}

func TestApplyPatchIsAllOrNothing(t *testing.T) {
	s := newSession(t, StatusInvited)
	target := "kept"
	bad := OperatorMode("ROOT")

	err := s.ApplyPatch(Patch{IdentityTarget: &target, OperatorMode: &bad})

	require.Error(t, err)
	assert.Empty(t, s.IdentityTarget)
}

func TestApplyPatchRejectsEmptyAndDenied(t *testing.T) {
	s := newSession(t, StatusInvited)
	assert.True(t, dErrors.HasCode(s.ApplyPatch(Patch{}), dErrors.CodeValidation))

	denied := newSession(t, StatusDenied)
	target := "x"
	assert.True(t, dErrors.HasCode(denied.ApplyPatch(Patch{IdentityTarget: &target}), dErrors.CodePreconditionFailed))
}

func TestMetadataIsFrozenOnceCertified(t *testing.T) {
	s := newSession(t, StatusIssued)
	s.Certificate = &CertificateRef{ContentHash: "abc"}

	err := s.ApplyPatch(Patch{Metadata: &Metadata{Description: "changed"}})

	assert.True(t, dErrors.HasCode(err, dErrors.CodePreconditionFailed))
}

func TestRecordReview(t *testing.T) {
	s := newSession(t, StatusClaimed)
	assert.False(t, s.Approved())

	require.NoError(t, s.RecordReview(VerdictReview, "needs a human", Approval{}, t0))
	assert.False(t, s.Approved())
	require.NotNil(t, s.Audit.ReviewedAt)

	later := t0.Add(time.Hour)
	require.NoError(t, s.RecordReview(VerdictApprove, "fine", Approval{ApprovedBy: ApproverHuman, ApproverIdentity: "op-1"}, later))
	assert.True(t, s.Approved())
	assert.Equal(t, t0, *s.Audit.ReviewedAt)
	assert.Equal(t, ApproverHuman, s.Audit.ApprovedBy.ApprovedBy)
	assert.Equal(t, later, s.Audit.ApprovedBy.Timestamp)

	err := s.RecordReview(VerdictApprove, "again", Approval{}, later)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation), "approval needs an approver")
	assert.True(t, dErrors.HasCode(s.RecordReview("MAYBE", "", Approval{}, later), dErrors.CodeValidation))
}

func TestPendingOps(t *testing.T) {
	s := newSession(t, StatusClaimed)

	s.MarkPending(OpMint, "k1", t0)
	s.MarkFailed(OpMint, "k1", assert.AnError, t0)
	s.MarkPending(OpMint, "k1", t0)

	p := s.Pending(OpMint)
	require.NotNil(t, p)
	assert.Equal(t, PendingInFlight, p.State)
	assert.Equal(t, 2, p.Attempts)
	assert.Equal(t, assert.AnError.Error(), p.LastError)
	assert.True(t, p.State.Unresolved())

	s.MarkConfirmed(OpMint, "k1", t0)
	assert.False(t, s.Pending(OpMint).State.Unresolved())
	assert.Empty(t, s.Pending(OpMint).LastError)
	assert.Nil(t, s.Pending(OpTrustline))
}

func TestCloneIsDeep(t *testing.T) {
	s := newSession(t, StatusClaimed)
	s.MarkPending(OpMint, "k1", t0)
	s.Metadata.Tags = []string{"a"}

	c := s.Clone()
	c.Audit.Pending[OpMint].State = PendingConfirmed
	c.Metadata.Tags[0] = "b"

	assert.Equal(t, PendingInFlight, s.Pending(OpMint).State)
	assert.Equal(t, "a", s.Metadata.Tags[0])
}

func TestViewHidesFieldsByCapability(t *testing.T) {
	s := newSession(t, StatusInvited)
	s.StellarAsset = &StellarAsset{AssetCode: "SEVEN", ExplorerURL: "https://stellar.expert/x"}
	s.XRPLToken = &XRPLToken{Currency: "Y3K"}

	v := s.View()
	assert.Empty(t, v.Namespace)
	assert.Nil(t, v.StellarAsset)
	assert.Nil(t, v.XRPLToken)
	assert.NotEmpty(t, v.CeremonyText)

	s.Status = StatusIssued
	v = s.View()
	assert.Equal(t, "777.x", v.Namespace)
	require.NotNil(t, v.StellarAsset)
	assert.Equal(t, "https://stellar.expert/x", v.StellarAsset.ExplorerURL)
	assert.Nil(t, v.XRPLToken)

	s.Status = StatusDenied
	v = s.View()
	assert.Nil(t, v.StellarAsset)
	assert.Empty(t, v.CeremonyText)

	s.Status = StatusSuspended
	v = s.View()
	assert.NotNil(t, v.XRPLToken)
	assert.False(t, v.Capabilities.AllowTrading)
	assert.Empty(t, v.CeremonyText)
}

func TestViewDoesNotAliasSession(t *testing.T) {
	s := newSession(t, StatusIssued)
	s.StellarAsset = &StellarAsset{AssetCode: "SEVEN"}

	v := s.View()
	v.StellarAsset.AssetCode = "CHANGED"

	assert.Equal(t, "SEVEN", s.StellarAsset.AssetCode)
}

func TestMetadataHashIsStable(t *testing.T) {
	a := Metadata{Description: "d", ExternalLinks: map[string]string{"b": "https://b", "a": "https://a"}}
	b := Metadata{Description: "d", ExternalLinks: map[string]string{"a": "https://a", "b": "https://b"}}

	assert.Equal(t, a.Hash(), b.Hash())
	assert.Len(t, a.Hash(), 64)
	assert.NotEqual(t, a.Hash(), Metadata{}.Hash())
}

func TestAssetCode(t *testing.T) {
	tests := map[string]string{
		"777.x":                 "777",
		"elon.x":                "ELON",
		"my-long_namespace.sov": "MYLONGNAMESP",
		"---":                   "NS",
	}
	for in, want := range tests {
		assert.Equal(t, want, AssetCode(in), in)
	}
}

func TestNormalizeTags(t *testing.T) {
	tests := []struct {
		name string
		in   []string
		want []string
	}{
		{name: "nil stays nil", in: nil, want: nil},
		{name: "empty stays empty", in: []string{}, want: []string{}},
		{name: "folds case and whitespace", in: []string{" DAO ", "dao", "Art"}, want: []string{"dao", "art"}},
		{name: "drops blanks", in: []string{"", "  ", "x"}, want: []string{"x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, normalizeTags(tt.in))
		})
	}
}
