package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
)

// GetJSON reads key and decodes it into a T.
func GetJSON[T any](ctx context.Context, kv Backend, key string) (T, uint64, error) {
	var v T
	e, err := kv.Get(ctx, key)
	if err != nil {
		return v, 0, err
	}
	if err := json.Unmarshal(e.Value, &v); err != nil {
		return v, 0, fmt.Errorf("decode %s: %w", key, err)
	}
	return v, e.Version, nil
}

// PutJSON encodes v and writes it with compare-and-set on expected.
func PutJSON(ctx context.Context, kv Backend, key string, v any, expected uint64) (uint64, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("encode %s: %w", key, err)
	}
	return kv.Put(ctx, key, data, expected)
}

// JSONOp encodes v as an Op for Write.
func JSONOp(key string, v any, expected uint64) (Op, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Op{}, fmt.Errorf("encode %s: %w", key, err)
	}
	return Op{Key: key, Value: data, Expected: expected}, nil
}

// InsertJSON writes v only if key does not exist. It reports whether the
// write happened; an existing key is not an error.
func InsertJSON(ctx context.Context, kv Backend, key string, v any) (bool, error) {
	_, err := PutJSON(ctx, kv, key, v, 0)
	if errors.Is(err, ErrVersionConflict) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// maxUpdateAttempts bounds UpdateJSON retries under contention.
const maxUpdateAttempts = 8

// UpdateJSON applies fn to the current value of key (the zero T when
// absent) and writes the result, retrying on version conflicts. Returning
// false from fn skips the write.
func UpdateJSON[T any](ctx context.Context, kv Backend, key string, fn func(v *T, exists bool) bool) (T, error) {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		v, version, err := GetJSON[T](ctx, kv, key)
		exists := err == nil
		if err != nil && !errors.Is(err, ErrNotFound) {
			return v, err
		}
		if !fn(&v, exists) {
			return v, nil
		}
		_, err = PutJSON(ctx, kv, key, v, version)
		if errors.Is(err, ErrVersionConflict) {
			continue
		}
		return v, err
	}
	var zero T
	return zero, fmt.Errorf("update %s: %w after %d attempts", key, ErrVersionConflict, maxUpdateAttempts)
}

// ScanJSON decodes every value under prefix.
func ScanJSON[T any](ctx context.Context, kv Backend, prefix string) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for e, err := range kv.Scan(ctx, prefix) {
			var v T
			if err != nil {
				yield(v, err)
				return
			}
			if err := json.Unmarshal(e.Value, &v); err != nil {
				yield(v, fmt.Errorf("decode %s: %w", e.Key, err))
				return
			}
			if !yield(v, nil) {
				return
			}
		}
	}
}
