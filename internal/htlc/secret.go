// Package htlc implements the ledger-agnostic hashed-timelock protocol
// kernel (spec §4.1): the secret-sharing contract shared by every ledger
// adapter, and the per-side HTLC lifecycle both watchers and actors drive.
package htlc

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
)

// Secret is the 32-byte preimage chosen by the initiator at negotiation
// time (spec §3, §4.1).
type Secret [32]byte

// SecretHash is SHA256(Secret), shared publicly during negotiation.
// Only SHA-256 is in scope (spec §3: hash_function ∈ {SHA-256}).
type SecretHash [32]byte

// ErrSecretMismatch is returned when a candidate preimage does not hash
// to the expected secret hash (spec §8 property 4).
var ErrSecretMismatch = errors.New("preimage does not hash to secret_hash")

// GenerateSecret draws a fresh random secret (spec §4.1: "32 random bytes
// chosen by the initiator").
func GenerateSecret() (Secret, error) {
	var s Secret
	if _, err := rand.Read(s[:]); err != nil {
		return Secret{}, fmt.Errorf("failed to generate secret: %w", err)
	}
	return s, nil
}

// Hash computes the SecretHash for a Secret.
func (s Secret) Hash() SecretHash {
	return SecretHash(sha256.Sum256(s[:]))
}

// Zero overwrites the secret in place (spec §9 "Secret handling": zeroise
// on swap completion).
func (s *Secret) Zero() {
	for i := range s {
		s[i] = 0
	}
}

// Verify reports whether preimage hashes to h, using a constant-time
// comparison so timing cannot leak which bytes matched.
func (h SecretHash) Verify(preimage Secret) bool {
	got := preimage.Hash()
	return subtle.ConstantTimeCompare(got[:], h[:]) == 1
}

// VerifyBytes is the byte-slice form of Verify, used when a preimage is
// extracted from chain data of unknown provenance (spec §4.1: "mandatory"
// extraction, dropped if it doesn't verify).
func VerifyBytes(preimage []byte, h SecretHash) (Secret, error) {
	if len(preimage) != 32 {
		return Secret{}, fmt.Errorf("%w: preimage must be 32 bytes, got %d", ErrSecretMismatch, len(preimage))
	}
	var s Secret
	copy(s[:], preimage)
	if !h.Verify(s) {
		return Secret{}, ErrSecretMismatch
	}
	return s, nil
}

func (h SecretHash) String() string {
	return fmt.Sprintf("%x", h[:])
}
