package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyIsDeterministic(t *testing.T) {
	assert.Equal(t, Address("alice"), Address("alice"))
	assert.NotEqual(t, Address("alice"), Address("bob"))
	assert.NotEqual(t, Asset("alice"), Address("alice"))
}

func TestTransferIsSignedBySender(t *testing.T) {
	tx := Transfer(t, "alice", 0, Address("bob"), Asset("gold"), 5)
	assert.Equal(t, Address("alice"), tx.From)
	require.NoError(t, tx.Validate())
	require.NoError(t, tx.VerifySignature())
}
