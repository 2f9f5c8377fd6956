package store

import (
	"context"
	"errors"
	"iter"
)

var (
	// ErrNotFound is returned by Get when the key does not exist.
	ErrNotFound = errors.New("key not found")

	// ErrVersionConflict is returned by Put when the expected version does
	// not match the stored one.
	ErrVersionConflict = errors.New("version conflict")
)

// Entry is one stored key with its value and version.
type Entry struct {
	Key     string
	Value   []byte
	Version uint64
}

// Op is one compare-and-set write of an atomic Write. Expected 0 creates
// the key.
type Op struct {
	Key      string
	Value    []byte
	Expected uint64
}

// Backend is the transactional key-value contract every durable component
// is written against.
//
// Write applies every op or none: if any op's expected version does not
// match, nothing is written and the error wraps ErrVersionConflict. It
// returns the new versions in op order.
type Backend interface {
	Get(ctx context.Context, key string) (Entry, error)
	Put(ctx context.Context, key string, value []byte, expected uint64) (uint64, error)
	Write(ctx context.Context, ops []Op) ([]uint64, error)
	Scan(ctx context.Context, prefix string) iter.Seq2[Entry, error]
	Close() error
}

// PrefixEnd returns the smallest key greater than every key with the given
// prefix, or "" when no such key exists.
func PrefixEnd(prefix string) string {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return string(b[:i+1])
		}
	}
	return ""
}
