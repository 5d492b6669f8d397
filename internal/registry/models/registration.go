package models

import (
	"encoding/hex"
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"golang.org/x/crypto/sha3"

	dErrors "sovereign/pkg/domain-errors"
)

const (
	MaxNamespaceLength = 64
	// Controllers are hex-encoded public keys. Classical keys are 32 bytes;
	// post-quantum keys run to a few kilobytes.
	MinControllerBytes = 32
	MaxControllerBytes = 4096
	MaxMetadataHashLen = 128
)

// GenesisCommitment is the commitment that precedes the first registration.
var GenesisCommitment = strings.Repeat("0", 64)

var namespacePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Registration binds a namespace to a controller. It is immutable once stored.
//
// Invariants:
//   - at most one registration per namespace (case-sensitive)
//   - Sequence is strictly increasing across the registry, starting at 1
//   - CommitmentHash = SHA3-256(PreviousCommitment ‖ canonical bytes)
type Registration struct {
	Namespace          string    `json:"namespace"`
	Controller         string    `json:"controller"`
	MetadataHash       string    `json:"metadata_hash"`
	RegisteredAt       time.Time `json:"registered_at"`
	Sequence           int64     `json:"sequence"`
	PreviousCommitment string    `json:"previous_commitment"`
	CommitmentHash     string    `json:"commitment_hash"`
}

// Head is the latest position of the registry chain.
type Head struct {
	Sequence       int64  `json:"sequence"`
	CommitmentHash string `json:"commitment_hash"`
}

// GenesisHead is the head of an empty registry.
func GenesisHead() Head {
	return Head{Sequence: 0, CommitmentHash: GenesisCommitment}
}

// NewRegistration validates input and returns an unsealed registration.
func NewRegistration(namespace, controller, metadataHash string, now time.Time) (*Registration, error) {
	if err := ValidateNamespace(namespace); err != nil {
		return nil, err
	}
	if err := ValidateController(controller); err != nil {
		return nil, err
	}
	if metadataHash == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "metadata_hash is required")
	}
	if len(metadataHash) > MaxMetadataHashLen {
		return nil, dErrors.New(dErrors.CodeValidation, "metadata_hash is too long")
	}
	return &Registration{
		Namespace:    namespace,
		Controller:   strings.ToLower(controller),
		MetadataHash: metadataHash,
		RegisteredAt: now.UTC().Truncate(time.Microsecond),
	}, nil
}

// ValidateNamespace checks length and character set. Comparison is exact, so
// "Alice" and "alice" are distinct namespaces.
func ValidateNamespace(namespace string) error {
	if namespace == "" {
		return dErrors.New(dErrors.CodeValidation, "namespace is required")
	}
	if len(namespace) > MaxNamespaceLength {
		return dErrors.New(dErrors.CodeValidation, "namespace must be 64 characters or less")
	}
	if !namespacePattern.MatchString(namespace) {
		return dErrors.New(dErrors.CodeValidation, "namespace may contain only letters, digits, '.', '_' and '-' and must start with a letter or digit")
	}
	return nil
}

// ValidateController checks the controller is hex public-key material.
func ValidateController(controller string) error {
	if controller == "" {
		return dErrors.New(dErrors.CodeValidation, "controller is required")
	}
	raw, err := hex.DecodeString(controller)
	if err != nil {
		return dErrors.New(dErrors.CodeValidation, "controller must be hex encoded")
	}
	if len(raw) < MinControllerBytes || len(raw) > MaxControllerBytes {
		return dErrors.New(dErrors.CodeValidation, "controller must encode between 32 and 4096 bytes")
	}
	return nil
}

type canonicalRegistration struct {
	Namespace    string `json:"namespace"`
	Controller   string `json:"controller"`
	MetadataHash string `json:"metadata_hash"`
	RegisteredAt string `json:"registered_at"`
	Sequence     int64  `json:"sequence"`
}

// CanonicalBytes is the deterministic serialization covered by the commitment.
func (r *Registration) CanonicalBytes() []byte {
	b, _ := json.Marshal(canonicalRegistration{
		Namespace:    r.Namespace,
		Controller:   r.Controller,
		MetadataHash: r.MetadataHash,
		RegisteredAt: r.RegisteredAt.UTC().Format(time.RFC3339Nano),
		Sequence:     r.Sequence,
	})
	return b
}

// Seal places r after prev in the chain and computes its commitment.
func (r *Registration) Seal(prev Head) {
	r.Sequence = prev.Sequence + 1
	r.PreviousCommitment = prev.CommitmentHash
	r.CommitmentHash = ChainCommitment(prev.CommitmentHash, r.CanonicalBytes())
}

// Head returns the chain position r occupies.
func (r *Registration) Head() Head {
	return Head{Sequence: r.Sequence, CommitmentHash: r.CommitmentHash}
}

// ChainCommitment computes SHA3-256(prev ‖ canonical) as lowercase hex. prev is
// decoded from hex; an undecodable prev is hashed as its raw bytes.
func ChainCommitment(prevHex string, canonical []byte) string {
	prev, err := hex.DecodeString(prevHex)
	if err != nil {
		prev = []byte(prevHex)
	}
	h := sha3.New256()
	h.Write(prev)
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyChain walks regs in sequence order. It returns the sequence of the first
// registration whose link or commitment does not match and false, or 0 and true
// when the chain is intact.
func VerifyChain(regs []*Registration) (int64, bool) {
	return VerifyChainFrom(GenesisHead(), regs)
}

// VerifyChainFrom verifies regs as a continuation of prev.
func VerifyChainFrom(prev Head, regs []*Registration) (int64, bool) {
	for _, r := range regs {
		if r.Sequence != prev.Sequence+1 || r.PreviousCommitment != prev.CommitmentHash {
			return r.Sequence, false
		}
		if ChainCommitment(r.PreviousCommitment, r.CanonicalBytes()) != r.CommitmentHash {
			return r.Sequence, false
		}
		prev = r.Head()
	}
	return 0, true
}

// Page is one slice of the registry listing.
type Page struct {
	Namespaces []*Registration `json:"namespaces"`
	Total      int             `json:"total"`
	NextCursor string          `json:"next_cursor,omitempty"`
	Truncated  bool            `json:"truncated"`
}
