package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
)

// Domain prefixes for content-addressed identity.
// Version suffix enables future algorithm migration.
const (
	DomainTransaction = "ledgerd/tx/v1"
	DomainSigning     = "ledgerd/sign/v1"
	DomainBatch       = "ledgerd/batch/v1"
)

// hashWithDomain computes SHA-256 with domain separation.
// Format: SHA256(domain + 0x00 + data...)
// The null byte separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data ...[]byte) [32]byte {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	for _, d := range data {
		h.Write(d)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// keccakWithDomain is the signing-side counterpart of hashWithDomain.
// secp256k1 signatures are produced over Keccak-256 digests.
func keccakWithDomain(domain string, data []byte) []byte {
	return crypto.Keccak256([]byte(domain), []byte{0x00}, data)
}

// ContentHash returns the hex SHA-256 of a program image. Images are
// addressed by this value in the registry and in the runner cache.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// VerifyContent checks that data hashes to want.
func VerifyContent(data []byte, want string) error {
	if got := ContentHash(data); got != want {
		return fmt.Errorf("content hash mismatch: got %s, want %s", got, want)
	}
	return nil
}
