package badgerkv

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ledgerd/internal/store"
	"github.com/roach88/ledgerd/internal/store/storetest"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Backend {
		db, err := Open(Options{InMemory: true, PageSize: 100})
		require.NoError(t, err)
		return db
	})
}

func TestPersistsOnDisk(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	db, err := Open(Options{Dir: dir})
	require.NoError(t, err)
	_, err = db.Put(ctx, "acct/x", []byte("v"), 0)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = Open(Options{Dir: dir})
	require.NoError(t, err)
	defer db.Close()
	e, err := db.Get(ctx, "acct/x")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), e.Value)
	assert.Equal(t, uint64(1), e.Version)
}

func TestClosedDatabase(t *testing.T) {
	db, err := Open(Options{InMemory: true})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, err = db.Get(context.Background(), "k")
	assert.Error(t, err)
	assert.Error(t, db.Close())
}

func TestFrame(t *testing.T) {
	v, value, err := unframe(frame(7, []byte("abc")))
	require.NoError(t, err)
	assert.Equal(t, uint64(7), v)
	assert.Equal(t, []byte("abc"), value)

	_, _, err = unframe([]byte{1, 2})
	assert.Error(t, err)
}
