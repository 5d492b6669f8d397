// Package upstream wraps the external collaborators of the claim lifecycle (the
// chain service and the review service) behind a gateway that applies timeouts,
// retries, a circuit breaker and idempotency keys.
package upstream

// MintRequest asks the chain service to issue the asset backing a namespace.
type MintRequest struct {
	Namespace string `json:"namespace"`
	AssetCode string `json:"asset_code"`
	Supply    string `json:"supply"`
	Holder    string `json:"holder"`
}

// MintReceipt is the chain's record of a completed mint.
type MintReceipt struct {
	AssetCode       string `json:"asset_code"`
	IssuerPublicKey string `json:"issuer_public_key"`
	Supply          string `json:"supply"`
	TxHash          string `json:"tx_hash"`
	ExplorerURL     string `json:"explorer_url,omitempty"`
}

// MintState is the chain-side state of a mint keyed by idempotency key.
type MintState string

const (
	MintUnknown   MintState = "unknown"
	MintPending   MintState = "pending"
	MintConfirmed MintState = "confirmed"
	MintFailed    MintState = "failed"
)

// MintStatus answers whether a mint submitted under a key has landed.
type MintStatus struct {
	State   MintState    `json:"state"`
	Receipt *MintReceipt `json:"receipt,omitempty"`
}

// TrustlineRequest opens a trustline from the holder to the issued asset.
type TrustlineRequest struct {
	Currency string `json:"currency"`
	Issuer   string `json:"issuer"`
	Holder   string `json:"holder"`
	Limit    string `json:"limit,omitempty"`
}

type TrustlineReceipt struct {
	TxHash  string `json:"tx_hash"`
	Status  string `json:"status"`
	Balance string `json:"balance,omitempty"`
}

// FreezeRequest locks an asset that must not circulate.
type FreezeRequest struct {
	AssetCode string `json:"asset_code"`
	Issuer    string `json:"issuer"`
	Reason    string `json:"reason"`
}

type FreezeReceipt struct {
	TxHash string `json:"tx_hash"`
	Frozen bool   `json:"frozen"`
}

// ReviewRequest is what the review service sees of a session.
type ReviewRequest struct {
	SessionID      string         `json:"session_id"`
	Namespace      string         `json:"namespace"`
	Controller     string         `json:"controller"`
	IdentityTarget string         `json:"identity_target,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// ReviewResult carries the verdict as the review service spells it; callers
// validate it.
type ReviewResult struct {
	Verdict   string `json:"verdict"`
	Reasoning string `json:"reasoning"`
}
