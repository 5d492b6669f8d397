package upstream

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"

	dErrors "sovereign/pkg/domain-errors"
)

const simulatedIssuer = "GSIMULATEDISSUER"

// SimulatedChain is an in-process chain used when no chain service is
// configured. Writes are keyed by idempotency key: repeating a key returns the
// first receipt.
type SimulatedChain struct {
	mu         sync.Mutex
	mints      map[string]*MintReceipt
	trustlines map[string]*TrustlineReceipt
	freezes    map[string]*FreezeReceipt
	frozen     map[string]bool
}

func NewSimulatedChain() *SimulatedChain {
	return &SimulatedChain{
		mints:      make(map[string]*MintReceipt),
		trustlines: make(map[string]*TrustlineReceipt),
		freezes:    make(map[string]*FreezeReceipt),
		frozen:     make(map[string]bool),
	}
}

func (c *SimulatedChain) Mint(_ context.Context, key string, req MintRequest) (*MintReceipt, error) {
	if req.AssetCode == "" || len(req.AssetCode) > 12 {
		return nil, dErrors.New(dErrors.CodeValidation, "asset code must be 1-12 characters")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.mints[key]; ok {
		copied := *r
		return &copied, nil
	}
	r := &MintReceipt{
		AssetCode:       req.AssetCode,
		IssuerPublicKey: simulatedIssuer,
		Supply:          req.Supply,
		TxHash:          txHash("mint", key),
		ExplorerURL:     "https://stellar.expert/explorer/testnet/asset/" + req.AssetCode + "-" + simulatedIssuer,
	}
	c.mints[key] = r
	copied := *r
	return &copied, nil
}

func (c *SimulatedChain) MintStatus(_ context.Context, key string) (*MintStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.mints[key]
	if !ok {
		return &MintStatus{State: MintUnknown}, nil
	}
	copied := *r
	return &MintStatus{State: MintConfirmed, Receipt: &copied}, nil
}

func (c *SimulatedChain) CreateTrustline(_ context.Context, key string, req TrustlineRequest) (*TrustlineReceipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.frozen[req.Currency] {
		return nil, dErrors.New(dErrors.CodeValidation, "asset "+req.Currency+" is frozen")
	}
	if r, ok := c.trustlines[key]; ok {
		copied := *r
		return &copied, nil
	}
	r := &TrustlineReceipt{TxHash: txHash("trustline", key), Status: "ACTIVE", Balance: "0"}
	c.trustlines[key] = r
	copied := *r
	return &copied, nil
}

func (c *SimulatedChain) FreezeAsset(_ context.Context, key string, req FreezeRequest) (*FreezeReceipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.freezes[key]; ok {
		copied := *r
		return &copied, nil
	}
	c.frozen[req.AssetCode] = true
	r := &FreezeReceipt{TxHash: txHash("freeze", key), Frozen: true}
	c.freezes[key] = r
	copied := *r
	return &copied, nil
}

// Frozen reports whether an asset has been frozen.
func (c *SimulatedChain) Frozen(assetCode string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frozen[assetCode]
}

func txHash(kind, key string) string {
	sum := sha256.Sum256([]byte(kind + ":" + key))
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

// ManualReviewer answers every request with REVIEW, leaving the decision to a
// human operator. It stands in when no review service is configured.
type ManualReviewer struct{}

func (ManualReviewer) Review(context.Context, string, ReviewRequest) (*ReviewResult, error) {
	return &ReviewResult{
		Verdict:   "REVIEW",
		Reasoning: "no automated reviewer configured; human review required",
	}, nil
}
