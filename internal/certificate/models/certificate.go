package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"

	dErrors "sovereign/pkg/domain-errors"
)

// Kind tags the certificate variant. It is part of the hashed content, so a
// simulation artifact cannot be relabelled as real without breaking integrity.
type Kind string

const (
	KindReal       Kind = "real"
	KindSimulation Kind = "simulation"
)

const (
	SignatureAlgDilithium3 = "dilithium3"
	// SimulationSignature is the fixed marker carried in place of a signature by
	// practice artifacts. It never decodes to a valid signature.
	SimulationSignature = "MOCK_SIGNATURE_DATA_FOR_PRACTICE_MODE_ONLY_NOT_VALID"
	SimulationAlg       = "none"
)

// Body holds the fields covered by the content hash.
type Body struct {
	Kind             Kind      `json:"kind"`
	Version          string    `json:"version"`
	ProtocolVersion  string    `json:"protocol_version"`
	Namespace        string    `json:"namespace"`
	Tier             string    `json:"tier"`
	Score            int       `json:"score"`
	Controller       string    `json:"controller"`
	MetadataHash     string    `json:"metadata_hash"`
	IssuedAt         time.Time `json:"issued_at"`
	GenesisTimestamp time.Time `json:"genesis_timestamp"`
}

type canonicalBody struct {
	Kind             Kind   `json:"kind"`
	Version          string `json:"version"`
	ProtocolVersion  string `json:"protocol_version"`
	Namespace        string `json:"namespace"`
	Tier             string `json:"tier"`
	Score            int    `json:"score"`
	Controller       string `json:"controller"`
	MetadataHash     string `json:"metadata_hash"`
	IssuedAt         string `json:"issued_at"`
	GenesisTimestamp string `json:"genesis_timestamp"`
}

// CanonicalBytes is the deterministic serialization the content hash and the
// content pointer are derived from. Field order is fixed and times are UTC.
func (b Body) CanonicalBytes() []byte {
	raw, _ := json.Marshal(canonicalBody{
		Kind:             b.Kind,
		Version:          b.Version,
		ProtocolVersion:  b.ProtocolVersion,
		Namespace:        b.Namespace,
		Tier:             b.Tier,
		Score:            b.Score,
		Controller:       b.Controller,
		MetadataHash:     b.MetadataHash,
		IssuedAt:         b.IssuedAt.UTC().Format(time.RFC3339Nano),
		GenesisTimestamp: b.GenesisTimestamp.UTC().Format(time.RFC3339Nano),
	})
	return raw
}

// Hash returns hex SHA-256 of the canonical bytes.
func (b Body) Hash() string {
	sum := sha256.Sum256(b.CanonicalBytes())
	return hex.EncodeToString(sum[:])
}

// Sealed is a body with its derived hash, pointer and signature.
type Sealed struct {
	Body
	ContentHash    string `json:"content_hash"`
	ContentPointer string `json:"content_pointer"`
	Signature      string `json:"signature"`
	SignatureAlg   string `json:"signature_alg"`
}

// Artifact is either a *Certificate or a *SimulationCertificate. The set is
// closed; callers switch on the concrete type.
type Artifact interface {
	Envelope() Sealed
	artifact()
}

// Certificate is a real, signed issuance artifact.
type Certificate struct {
	Sealed
}

// SimulationCertificate is a practice artifact. It is never signed by the
// protocol key.
type SimulationCertificate struct {
	Sealed
}

func (c *Certificate) Envelope() Sealed           { return c.Sealed }
func (c *SimulationCertificate) Envelope() Sealed { return c.Sealed }
func (*Certificate) artifact()                    {}
func (*SimulationCertificate) artifact()          {}

// ContentPointer returns the CIDv1 (raw codec, sha2-256) of data.
func ContentPointer(data []byte) (cid.Cid, error) {
	sum, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return cid.Undef, err
	}
	return cid.NewCidV1(cid.Raw, sum), nil
}

// PointerDigest decodes a content pointer and returns the hex SHA-256 digest it
// addresses. Pointers that are not raw sha2-256 CIDs are rejected.
func PointerDigest(pointer string) (string, error) {
	c, err := cid.Decode(pointer)
	if err != nil {
		return "", err
	}
	if c.Type() != cid.Raw {
		return "", dErrors.New(dErrors.CodeIntegrityViolation, "content pointer codec is not raw")
	}
	decoded, err := multihash.Decode(c.Hash())
	if err != nil {
		return "", err
	}
	if decoded.Code != multihash.SHA2_256 {
		return "", dErrors.New(dErrors.CodeIntegrityViolation, "content pointer hash is not sha2-256")
	}
	return hex.EncodeToString(decoded.Digest), nil
}

type envelope struct {
	Sealed
}

// Decode parses the wire form and returns the variant named by its kind.
func Decode(raw []byte) (Artifact, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeValidation, "invalid certificate json")
	}
	switch env.Kind {
	case KindReal:
		return &Certificate{Sealed: env.Sealed}, nil
	case KindSimulation:
		return &SimulationCertificate{Sealed: env.Sealed}, nil
	default:
		return nil, dErrors.Wrap(ErrUnknownKind, dErrors.CodeValidation, "certificate kind must be real or simulation").
			WithDetails(map[string]any{"kind": env.Kind})
	}
}

// ErrUnknownKind marks a well-formed envelope whose kind tag is neither real
// nor simulation.
var ErrUnknownKind = errors.New("unknown certificate kind")

// RejectUnknownKind is the verdict for an envelope Decode refused with
// ErrUnknownKind. No check passes for an artifact that is not a certificate.
func RejectUnknownKind(raw []byte) Verification {
	var env struct {
		Kind Kind `json:"kind"`
	}
	_ = json.Unmarshal(raw, &env)
	reason := "certificate kind is missing"
	if env.Kind != "" {
		reason = "certificate kind " + string(env.Kind) + " is not recognised"
	}
	return Verification{Valid: false, Kind: env.Kind, Reasons: []string{reason}}
}

// Record is the persisted issuance result for one session.
type Record struct {
	ContentHash    string       `json:"content_hash"`
	SessionID      string       `json:"session_id"`
	Namespace      string       `json:"namespace"`
	Tier           string       `json:"tier"`
	Score          int          `json:"score"`
	PriceCents     int64        `json:"price_cents"`
	ContentPointer string       `json:"content_pointer"`
	Certificate    *Certificate `json:"certificate"`
	CreatedAt      time.Time    `json:"created_at"`
}

// Checks is the per-check outcome of verification.
type Checks struct {
	Integrity      bool `json:"integrity"`
	Signature      bool `json:"signature"`
	ContentPointer bool `json:"content_pointer"`
	Temporal       bool `json:"temporal"`
}

// All reports whether every check passed.
func (c Checks) All() bool {
	return c.Integrity && c.Signature && c.ContentPointer && c.Temporal
}

// Verification is the result of verifying one artifact.
type Verification struct {
	Valid   bool     `json:"valid"`
	Kind    Kind     `json:"kind"`
	Reasons []string `json:"reasons"`
	Checks  Checks   `json:"checks"`
}
