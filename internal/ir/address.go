package ir

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"slices"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

// AddressLength is the size of an account, program or asset address.
const AddressLength = 20

// Address identifies an account, a program or an asset. Account addresses
// are derived from secp256k1 public keys; program and asset addresses are
// assigned at registration.
type Address [AddressLength]byte

// SystemAddress is the sender of synthetic transactions (bridged deposits
// and settlement compensations). No key controls it.
var SystemAddress = Address{19: 0x01}

// NativeAsset is the asset id of the chain's native token.
var NativeAsset = Address{}

// AddressFromPublicKey derives the address controlled by pub.
func AddressFromPublicKey(pub *ecdsa.PublicKey) Address {
	return Address(crypto.PubkeyToAddress(*pub))
}

// ParseAddress parses a 0x-prefixed or bare 40-character hex address.
func ParseAddress(s string) (Address, error) {
	var a Address
	raw := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(raw) != 2*AddressLength {
		return a, fmt.Errorf("address %q: want %d hex characters, got %d", s, 2*AddressLength, len(raw))
	}
	if _, err := hex.Decode(a[:], []byte(raw)); err != nil {
		return a, fmt.Errorf("address %q: %w", s, err)
	}
	return a, nil
}

// MustParseAddress is like ParseAddress but panics on error.
// Use only in tests or for compile-time constants.
func MustParseAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Address) String() string {
	return "0x" + hex.EncodeToString(a[:])
}

// IsZero reports whether a is the all-zero address.
func (a Address) IsZero() bool {
	return a == Address{}
}

// Compare orders addresses bytewise. This is the fixed global order in
// which write leases are acquired.
func (a Address) Compare(b Address) int {
	return bytes.Compare(a[:], b[:])
}

func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// SortAddresses sorts addrs in lease order and removes duplicates.
func SortAddresses(addrs []Address) []Address {
	out := slices.Clone(addrs)
	slices.SortFunc(out, Address.Compare)
	return slices.Compact(out)
}
