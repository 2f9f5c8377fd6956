// Package storetest is a conformance suite for store.Backend
// implementations.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ledgerd/internal/store"
)

// Opener returns a fresh, empty backend. The suite closes it.
type Opener func(t *testing.T) store.Backend

// Run executes the conformance suite against backends produced by open.
func Run(t *testing.T, open Opener) {
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, open(t)) })
	t.Run("PutCreate", func(t *testing.T) { testPutCreate(t, open(t)) })
	t.Run("PutCompareAndSet", func(t *testing.T) { testPutCAS(t, open(t)) })
	t.Run("ScanPrefix", func(t *testing.T) { testScanPrefix(t, open(t)) })
	t.Run("ScanWhileWriting", func(t *testing.T) { testScanWhileWriting(t, open(t)) })
	t.Run("ScanEarlyStop", func(t *testing.T) { testScanEarlyStop(t, open(t)) })
	t.Run("ConcurrentCAS", func(t *testing.T) { testConcurrentCAS(t, open(t)) })
	t.Run("WriteMultipleKeys", func(t *testing.T) { testWriteMultipleKeys(t, open(t)) })
	t.Run("WriteIsAllOrNothing", func(t *testing.T) { testWriteAllOrNothing(t, open(t)) })
}

func testGetMissing(t *testing.T, kv store.Backend) {
	defer kv.Close()
	_, err := kv.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testPutCreate(t *testing.T, kv store.Backend) {
	defer kv.Close()
	ctx := context.Background()

	v, err := kv.Put(ctx, "a", []byte("1"), 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v)

	_, err = kv.Put(ctx, "a", []byte("2"), 0)
	assert.ErrorIs(t, err, store.ErrVersionConflict, "create must fail when key exists")

	e, err := kv.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), e.Value)
	assert.Equal(t, uint64(1), e.Version)
}

func testPutCAS(t *testing.T, kv store.Backend) {
	defer kv.Close()
	ctx := context.Background()

	_, err := kv.Put(ctx, "k", []byte("v1"), 1)
	assert.ErrorIs(t, err, store.ErrVersionConflict, "update of missing key must fail")

	_, err = kv.Put(ctx, "k", []byte("v1"), 0)
	require.NoError(t, err)
	v, err := kv.Put(ctx, "k", []byte("v2"), 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), v)

	_, err = kv.Put(ctx, "k", []byte("stale"), 1)
	assert.ErrorIs(t, err, store.ErrVersionConflict)

	e, err := kv.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), e.Value)
}

func testScanPrefix(t *testing.T, kv store.Backend) {
	defer kv.Close()
	ctx := context.Background()

	for _, k := range []string{"b/2", "a/1", "b/1", "b/10", "c/1", "b"} {
		_, err := kv.Put(ctx, k, []byte(k), 0)
		require.NoError(t, err)
	}

	var keys []string
	for e, err := range kv.Scan(ctx, "b/") {
		require.NoError(t, err)
		keys = append(keys, e.Key)
	}
	assert.Equal(t, []string{"b/1", "b/10", "b/2"}, keys)
}

func testScanWhileWriting(t *testing.T, kv store.Backend) {
	defer kv.Close()
	ctx := context.Background()

	const n = 600
	for i := 0; i < n; i++ {
		_, err := kv.Put(ctx, fmt.Sprintf("item/%04d", i), []byte("x"), 0)
		require.NoError(t, err)
	}

	seen := 0
	for e, err := range kv.Scan(ctx, "item/") {
		require.NoError(t, err)
		_, err = kv.Put(ctx, e.Key, []byte("y"), e.Version)
		require.NoError(t, err)
		seen++
	}
	assert.Equal(t, n, seen)
}

func testScanEarlyStop(t *testing.T, kv store.Backend) {
	defer kv.Close()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := kv.Put(ctx, fmt.Sprintf("s/%d", i), nil, 0)
		require.NoError(t, err)
	}
	count := 0
	for range kv.Scan(ctx, "s/") {
		count++
		if count == 3 {
			break
		}
	}
	assert.Equal(t, 3, count)
}

func testConcurrentCAS(t *testing.T, kv store.Backend) {
	defer kv.Close()
	ctx := context.Background()

	_, err := kv.Put(ctx, "counter", []byte("0"), 0)
	require.NoError(t, err)

	// Every writer races on version 1; exactly one may win.
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := kv.Put(ctx, "counter", []byte("1"), 1); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func testWriteMultipleKeys(t *testing.T, kv store.Backend) {
	defer kv.Close()
	ctx := context.Background()

	_, err := kv.Put(ctx, "w/a", []byte("a1"), 0)
	require.NoError(t, err)

	versions, err := kv.Write(ctx, []store.Op{
		{Key: "w/a", Value: []byte("a2"), Expected: 1},
		{Key: "w/b", Value: []byte("b1"), Expected: 0},
	})
	require.NoError(t, err)
	assert.Equal(t, []uint64{2, 1}, versions)

	a, err := kv.Get(ctx, "w/a")
	require.NoError(t, err)
	assert.Equal(t, []byte("a2"), a.Value)
	b, err := kv.Get(ctx, "w/b")
	require.NoError(t, err)
	assert.Equal(t, []byte("b1"), b.Value)
}

func testWriteAllOrNothing(t *testing.T, kv store.Backend) {
	defer kv.Close()
	ctx := context.Background()

	_, err := kv.Put(ctx, "w/a", []byte("a1"), 0)
	require.NoError(t, err)
	_, err = kv.Put(ctx, "w/c", []byte("c1"), 0)
	require.NoError(t, err)

	// The last op is stale; the first two must not land.
	_, err = kv.Write(ctx, []store.Op{
		{Key: "w/a", Value: []byte("a2"), Expected: 1},
		{Key: "w/b", Value: []byte("b1"), Expected: 0},
		{Key: "w/c", Value: []byte("c2"), Expected: 7},
	})
	require.ErrorIs(t, err, store.ErrVersionConflict)

	a, err := kv.Get(ctx, "w/a")
	require.NoError(t, err)
	assert.Equal(t, []byte("a1"), a.Value)
	assert.Equal(t, uint64(1), a.Version)
	_, err = kv.Get(ctx, "w/b")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
