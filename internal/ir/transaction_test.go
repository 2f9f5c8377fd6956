package ir

import (
	"crypto/ecdsa"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T, hexKey string) (*ecdsa.PrivateKey, Address) {
	t.Helper()
	key, err := crypto.HexToECDSA(hexKey)
	require.NoError(t, err)
	return key, AddressFromPublicKey(&key.PublicKey)
}

const keyA = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
const keyB = "8da4ef21b864d2cc526dbdb2a120bd2874c36c9d0a1fb7f8c63d7f7a8b41de8f"

func TestTransactionSignVerify(t *testing.T) {
	key, addr := testKey(t, keyA)
	tx := Transaction{Kind: KindCall, From: addr, Nonce: 5, Program: prog, Payload: []byte(`{"op":"inc"}`), Timestamp: 1700000000000}
	require.NoError(t, tx.Sign(key))
	assert.Len(t, tx.Signature, SignatureLength)
	require.NoError(t, tx.VerifySignature())

	tampered := tx
	tampered.Nonce = 6
	assert.ErrorIs(t, tampered.VerifySignature(), ErrBadSignature)

	other, _ := testKey(t, keyB)
	assert.Error(t, tx.Sign(other), "key must control the sender")
}

func TestTransactionIDStable(t *testing.T) {
	key, addr := testKey(t, keyA)
	tx := Transaction{Kind: KindTransfer, From: addr, To: bob, Program: NativeAsset, Value: NewAmount(7), Timestamp: 1}
	require.NoError(t, tx.Sign(key))

	id1 := tx.MustID()
	id2 := tx.MustID()
	assert.Equal(t, id1, id2)
	assert.Len(t, id1, 64)

	tx.Nonce++
	assert.NotEqual(t, id1, tx.MustID())
}

func TestTransactionValidate(t *testing.T) {
	_, addr := testKey(t, keyA)

	tests := []struct {
		name string
		tx   Transaction
		ok   bool
	}{
		{"call", Transaction{Kind: KindCall, From: addr, Program: prog}, true},
		{"call without program", Transaction{Kind: KindCall, From: addr}, false},
		{"transfer", Transaction{Kind: KindTransfer, From: addr, To: bob, Value: NewAmount(1)}, true},
		{"zero transfer", Transaction{Kind: KindTransfer, From: addr, To: bob}, false},
		{"user deposit", Transaction{Kind: KindDeposit, From: addr, Payload: []byte(`{}`)}, false},
		{"system deposit", Transaction{Kind: KindDeposit, From: SystemAddress, Payload: []byte(`{"event_id":"e1"}`)}, true},
		{"system call", Transaction{Kind: KindCall, From: SystemAddress, Program: prog}, false},
		{"unknown kind", Transaction{Kind: "mint", From: addr}, false},
		{"oversized", Transaction{Kind: KindCall, From: addr, Program: prog, Payload: make([]byte, MaxPayloadSize+1)}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.tx.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrMalformed)
			}
		})
	}
}
