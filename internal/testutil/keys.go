// Package testutil provides deterministic fixtures for tests: named keys,
// signed transactions, a manual clock and fakes for the external systems
// a node talks to.
package testutil

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/roach88/ledgerd/internal/ir"
)

// Key derives a secp256k1 key from name. The same name always yields the
// same key, so scenarios and golden files can refer to accounts by name.
func Key(name string) *ecdsa.PrivateKey {
	seed := sha256.Sum256([]byte("ledgerd/testkey/" + name))
	key, err := crypto.ToECDSA(seed[:])
	if err != nil {
		panic(err)
	}
	return key
}

// Address returns the address controlled by Key(name).
func Address(name string) ir.Address {
	return ir.AddressFromPublicKey(&Key(name).PublicKey)
}

// Asset derives a stable asset or program address from name. No key
// controls it.
func Asset(name string) ir.Address {
	sum := sha256.Sum256([]byte("ledgerd/testasset/" + name))
	var a ir.Address
	copy(a[:], sum[:len(a)])
	return a
}

// Sign fills From from the key for name and signs tx.
func Sign(t testing.TB, name string, tx ir.Transaction) ir.Transaction {
	t.Helper()
	key := Key(name)
	tx.From = ir.AddressFromPublicKey(&key.PublicKey)
	if tx.Timestamp == 0 {
		tx.Timestamp = 1_700_000_000_000
	}
	if err := tx.Sign(key); err != nil {
		t.Fatalf("sign: %v", err)
	}
	return tx
}

// Transfer builds a signed transfer of value units of asset from name to to.
func Transfer(t testing.TB, name string, nonce uint64, to, asset ir.Address, value uint64) ir.Transaction {
	t.Helper()
	return Sign(t, name, ir.Transaction{
		Kind:    ir.KindTransfer,
		Nonce:   nonce,
		Program: asset,
		To:      to,
		Value:   ir.NewAmount(value),
	})
}

// Call builds a signed call of program with payload.
func Call(t testing.TB, name string, nonce uint64, program ir.Address, payload []byte) ir.Transaction {
	t.Helper()
	return Sign(t, name, ir.Transaction{
		Kind:    ir.KindCall,
		Nonce:   nonce,
		Program: program,
		Payload: payload,
	})
}
