// Package pqsign is the reference post-quantum signer and verifier backed by
// Dilithium3 (circl).
package pqsign

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/cloudflare/circl/sign/dilithium/mode3"

	"sovereign/internal/certificate/models"
)

// Signer signs content digests with a Dilithium3 private key.
type Signer struct {
	pk *mode3.PublicKey
	sk *mode3.PrivateKey
}

// NewFromSeed derives a deterministic key pair from a hex seed of
// mode3.SeedSize bytes.
func NewFromSeed(seedHex string) (*Signer, error) {
	raw, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("decode signer seed: %w", err)
	}
	if len(raw) != mode3.SeedSize {
		return nil, fmt.Errorf("signer seed must be %d bytes, got %d", mode3.SeedSize, len(raw))
	}
	var seed [mode3.SeedSize]byte
	copy(seed[:], raw)
	pk, sk := mode3.NewKeyFromSeed(&seed)
	return &Signer{pk: pk, sk: sk}, nil
}

// Generate creates a fresh key pair. A nil reader uses crypto/rand.
func Generate(r io.Reader) (*Signer, error) {
	if r == nil {
		r = rand.Reader
	}
	pk, sk, err := mode3.GenerateKey(r)
	if err != nil {
		return nil, fmt.Errorf("generate dilithium3 key: %w", err)
	}
	return &Signer{pk: pk, sk: sk}, nil
}

func (s *Signer) Sign(ctx context.Context, digest []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sig := make([]byte, mode3.SignatureSize)
	mode3.SignTo(s.sk, digest, sig)
	return sig, nil
}

// PublicKey returns the packed public key.
func (s *Signer) PublicKey() []byte {
	raw, _ := s.pk.MarshalBinary()
	return raw
}

func (s *Signer) Algorithm() string {
	return models.SignatureAlgDilithium3
}

// Verifier checks signatures against one published public key.
type Verifier struct {
	pk *mode3.PublicKey
}

func NewVerifier(publicKey []byte) (*Verifier, error) {
	var pk mode3.PublicKey
	if err := pk.UnmarshalBinary(publicKey); err != nil {
		return nil, fmt.Errorf("invalid dilithium3 public key: %w", err)
	}
	return &Verifier{pk: &pk}, nil
}

// Verify reports whether sig is a valid signature of digest. A malformed
// signature is simply invalid.
func (v *Verifier) Verify(ctx context.Context, digest, sig []byte) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if len(sig) != mode3.SignatureSize {
		return false, nil
	}
	return mode3.Verify(v.pk, digest, sig), nil
}
