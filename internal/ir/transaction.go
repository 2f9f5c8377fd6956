package ir

import (
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
)

// TxKind selects how a transaction is executed.
type TxKind string

const (
	// KindCall invokes the program at Transaction.Program.
	KindCall TxKind = "call"
	// KindTransfer moves Value of asset Program from sender to To.
	KindTransfer TxKind = "transfer"
	// KindDeposit credits a bridged-in amount. Synthetic only.
	KindDeposit TxKind = "deposit"
	// KindCompensation applies the inverse of a reverted batch. Synthetic only.
	KindCompensation TxKind = "compensation"
)

// Synthetic reports whether k is reserved for SystemAddress.
func (k TxKind) Synthetic() bool {
	return k == KindDeposit || k == KindCompensation
}

// MaxPayloadSize bounds the call payload accepted at intake.
const MaxPayloadSize = 1 << 20

// SignatureLength is the size of a recoverable secp256k1 signature [R||S||V].
const SignatureLength = 65

var (
	// ErrBadSignature is returned when the signature does not recover to
	// the sender address.
	ErrBadSignature = errors.New("bad signature")
	// ErrMalformed is returned by Validate for structurally invalid input.
	ErrMalformed = errors.New("malformed transaction")
)

// Transaction is a signed request to mutate ledger state.
// Immutable once admitted.
type Transaction struct {
	Kind      TxKind  `json:"kind"`
	From      Address `json:"from"`
	Nonce     uint64  `json:"nonce"`
	Program   Address `json:"program"`
	To        Address `json:"to"`
	Value     Amount  `json:"value"`
	Payload   []byte  `json:"payload,omitempty"`
	Timestamp int64   `json:"timestamp"`
	Signature []byte  `json:"signature,omitempty"`
}

// SubmittedAt returns the submission timestamp.
func (tx Transaction) SubmittedAt() time.Time {
	return time.UnixMilli(tx.Timestamp)
}

func (tx Transaction) body() map[string]any {
	return map[string]any{
		"kind":      string(tx.Kind),
		"from":      tx.From.String(),
		"nonce":     tx.Nonce,
		"program":   tx.Program.String(),
		"to":        tx.To.String(),
		"value":     tx.Value.String(),
		"payload":   hex.EncodeToString(tx.Payload),
		"timestamp": tx.Timestamp,
	}
}

// SigningHash is the Keccak-256 digest the sender signs.
func (tx Transaction) SigningHash() ([]byte, error) {
	canonical, err := MarshalCanonical(tx.body())
	if err != nil {
		return nil, fmt.Errorf("SigningHash: failed to marshal: %w", err)
	}
	return keccakWithDomain(DomainSigning, canonical), nil
}

// ID computes the content-addressed transaction id. The signature is part
// of the identity so two differently-signed copies never collide.
func (tx Transaction) ID() (string, error) {
	obj := tx.body()
	obj["signature"] = hex.EncodeToString(tx.Signature)
	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("ID: failed to marshal: %w", err)
	}
	sum := hashWithDomain(DomainTransaction, canonical)
	return hex.EncodeToString(sum[:]), nil
}

// MustID is like ID but panics on error.
// Use only in tests or when inputs are known to be valid.
func (tx Transaction) MustID() string {
	id, err := tx.ID()
	if err != nil {
		panic(err)
	}
	return id
}

// Sign sets the signature using key. From must already be set to the
// key's address.
func (tx *Transaction) Sign(key *ecdsa.PrivateKey) error {
	if AddressFromPublicKey(&key.PublicKey) != tx.From {
		return fmt.Errorf("sign: key does not control %s", tx.From)
	}
	hash, err := tx.SigningHash()
	if err != nil {
		return err
	}
	sig, err := crypto.Sign(hash, key)
	if err != nil {
		return fmt.Errorf("sign: %w", err)
	}
	tx.Signature = sig
	return nil
}

// Signer recovers the address that produced the signature.
func (tx Transaction) Signer() (Address, error) {
	if len(tx.Signature) != SignatureLength {
		return Address{}, fmt.Errorf("%w: signature length %d", ErrBadSignature, len(tx.Signature))
	}
	hash, err := tx.SigningHash()
	if err != nil {
		return Address{}, err
	}
	pub, err := crypto.SigToPub(hash, tx.Signature)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return AddressFromPublicKey(pub), nil
}

// VerifySignature checks that the signature was produced by From.
func (tx Transaction) VerifySignature() error {
	signer, err := tx.Signer()
	if err != nil {
		return err
	}
	if signer != tx.From {
		return fmt.Errorf("%w: signed by %s, sender is %s", ErrBadSignature, signer, tx.From)
	}
	return nil
}

// Validate checks well-formedness only. It does not consult account state
// or verify the signature.
func (tx Transaction) Validate() error {
	if len(tx.Payload) > MaxPayloadSize {
		return fmt.Errorf("%w: payload %d bytes exceeds %d", ErrMalformed, len(tx.Payload), MaxPayloadSize)
	}
	if tx.Kind.Synthetic() != (tx.From == SystemAddress) {
		return fmt.Errorf("%w: kind %q not allowed for sender %s", ErrMalformed, tx.Kind, tx.From)
	}
	switch tx.Kind {
	case KindCall:
		if tx.Program.IsZero() {
			return fmt.Errorf("%w: call without program", ErrMalformed)
		}
	case KindTransfer:
		if tx.To.IsZero() || tx.To == SystemAddress {
			return fmt.Errorf("%w: transfer without recipient", ErrMalformed)
		}
		if tx.Value.IsZero() {
			return fmt.Errorf("%w: transfer of zero value", ErrMalformed)
		}
	case KindDeposit:
		var p DepositPayload
		if err := json.Unmarshal(tx.Payload, &p); err != nil {
			return fmt.Errorf("%w: deposit payload: %v", ErrMalformed, err)
		}
	case KindCompensation:
		var p CompensationPayload
		if err := json.Unmarshal(tx.Payload, &p); err != nil {
			return fmt.Errorf("%w: compensation payload: %v", ErrMalformed, err)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrMalformed, tx.Kind)
	}
	return nil
}

// EventID returns the settlement event a synthetic transaction carries, or
// "" for any other transaction.
func (tx Transaction) EventID() string {
	if !tx.Kind.Synthetic() {
		return ""
	}
	var p struct {
		EventID string `json:"event_id"`
	}
	if err := json.Unmarshal(tx.Payload, &p); err != nil {
		return ""
	}
	return p.EventID
}

// DepositPayload is the body of a KindDeposit transaction.
type DepositPayload struct {
	EventID string  `json:"event_id"`
	Account Address `json:"account"`
	Asset   Address `json:"asset"`
	Amount  Amount  `json:"amount"`
}

// CompensationPayload is the body of a KindCompensation transaction.
type CompensationPayload struct {
	EventID string `json:"event_id"`
	Batch   uint64 `json:"batch"`
	Digest  string `json:"digest"`
	Delta   Delta  `json:"delta"`
}

// Ticket is an admitted transaction stamped with its intake sequence number.
type Ticket struct {
	ID         string      `json:"id"`
	Seq        int64       `json:"seq"`
	Tx         Transaction `json:"tx"`
	AdmittedAt time.Time   `json:"admitted_at"`
}
