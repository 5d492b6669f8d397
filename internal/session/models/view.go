package models

import "time"

// View is the outward representation of a session. Fields whose capability
// flag is off for the current status are left empty and omitted.
type View struct {
	SessionID      string          `json:"session_id"`
	Namespace      string          `json:"namespace,omitempty"`
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
	CeremonyText   string          `json:"ceremony_text,omitempty"`
	Audit          Audit           `json:"audit"`
	Metadata       Metadata        `json:"metadata"`
	Version        int64           `json:"version"`
	UpdatedAt      time.Time       `json:"updated_at"`
	Capabilities   Capabilities    `json:"capabilities"`
}

// View projects s through the capabilities of its status.
func (s *Session) View() View {
	c := s.Clone()
	caps := CapabilitiesFor(c.Status)
	v := View{
		SessionID:      c.SessionID,
		Controller:     c.Controller,
		Status:         c.Status,
		AIVerdict:      c.AIVerdict,
		AIReasoning:    c.AIReasoning,
		IdentityTarget: c.IdentityTarget,
		OperatorMode:   c.OperatorMode,
		Audit:          c.Audit,
		Metadata:       c.Metadata,
		Version:        c.Version,
		UpdatedAt:      c.UpdatedAt,
		Capabilities:   caps,
	}
	if caps.ShowNamespace {
		v.Namespace = c.Namespace
		v.Assessment = c.Assessment
	}
	if caps.ShowChainAsset {
		v.StellarAsset = c.StellarAsset
		v.Certificate = c.Certificate
		if v.StellarAsset != nil && !caps.ShowExplorerLinks {
			v.StellarAsset.ExplorerURL = ""
		}
	}
	if caps.ShowXRPLToken {
		v.XRPLToken = c.XRPLToken
	}
	if caps.ShowCeremonyText {
		v.CeremonyText = ceremonyText[c.Status]
	}
	return v
}
