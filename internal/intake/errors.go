package intake

import (
	"errors"
	"fmt"
)

// RejectCode categorizes admission failures.
type RejectCode string

const (
	// CodeBadSignature indicates the signature does not recover to the sender.
	CodeBadSignature RejectCode = "BAD_SIGNATURE"

	// CodeNonceMismatch indicates a replayed or out-of-order nonce.
	CodeNonceMismatch RejectCode = "NONCE_MISMATCH"

	// CodeOverloaded indicates the scheduler queue is past its high-water mark.
	CodeOverloaded RejectCode = "OVERLOADED"

	// CodeMalformed indicates a structurally invalid transaction.
	CodeMalformed RejectCode = "MALFORMED"

	// CodeHalted indicates intake was halted by the supervisor.
	CodeHalted RejectCode = "HALTED"
)

// AdmissionError is a synchronous rejection. No state was mutated and the
// submitter may retry with corrected input.
type AdmissionError struct {
	// Code identifies the rejection category.
	Code RejectCode

	// Expected and Got are set for CodeNonceMismatch.
	Expected uint64
	Got      uint64

	// Reason is a human-readable description.
	Reason string
}

// Error implements the error interface.
func (e *AdmissionError) Error() string {
	if e.Code == CodeNonceMismatch {
		return fmt.Sprintf("%s: expected %d, got %d", e.Code, e.Expected, e.Got)
	}
	if e.Reason != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Reason)
	}
	return string(e.Code)
}

// CodeOf returns the rejection code of err, or "" if err is not an
// AdmissionError.
func CodeOf(err error) RejectCode {
	var ae *AdmissionError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return ""
}

// IsNonceMismatch reports whether err is a nonce rejection.
func IsNonceMismatch(err error) bool {
	return CodeOf(err) == CodeNonceMismatch
}

// IsOverloaded reports whether err is a backpressure rejection.
func IsOverloaded(err error) bool {
	return CodeOf(err) == CodeOverloaded
}

// IsBadSignature reports whether err is a signature rejection.
func IsBadSignature(err error) bool {
	return CodeOf(err) == CodeBadSignature
}

// IsHalted reports whether err is a halted-intake rejection.
func IsHalted(err error) bool {
	return CodeOf(err) == CodeHalted
}

func reject(code RejectCode, reason string) *AdmissionError {
	return &AdmissionError{Code: code, Reason: reason}
}
