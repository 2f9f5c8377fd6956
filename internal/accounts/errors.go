package accounts

import (
	"errors"
	"fmt"

	"github.com/roach88/ledgerd/internal/ir"
)

var (
	// ErrBusy is returned by ReserveWrite while another lease is live.
	ErrBusy = errors.New("account busy")

	// ErrConflict is returned by Commit when the lease is no longer valid
	// or the account changed since it was issued.
	ErrConflict = errors.New("commit conflict")
)

// ConflictError describes why a commit was refused.
type ConflictError struct {
	Address ir.Address
	Reason  string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrConflict, e.Address, e.Reason)
}

func (e *ConflictError) Unwrap() error {
	return ErrConflict
}

// IsConflict reports whether err is a commit conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsBusy reports whether err is a lease contention error.
func IsBusy(err error) bool {
	return errors.Is(err, ErrBusy)
}
