package runner

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ledgerd/internal/ir"
)

func TestNativeTransfer(t *testing.T) {
	tx := ir.Transaction{Kind: ir.KindTransfer, From: alice, To: bob, Program: token, Value: ir.NewAmount(9)}
	out, err := Native{}.Run(context.Background(), Invocation{Tx: tx})
	require.NoError(t, err)

	assert.Equal(t, ir.StatusSuccess, out.Status)
	assert.Equal(t, ir.NewAmount(9), out.Delta[alice].Debits[token])
	assert.Equal(t, ir.NewAmount(9), out.Delta[bob].Credits[token])
}

func TestNativeDeposit(t *testing.T) {
	payload, err := json.Marshal(ir.DepositPayload{EventID: "ev", Account: bob, Asset: token, Amount: ir.NewAmount(40)})
	require.NoError(t, err)
	tx := ir.Transaction{Kind: ir.KindDeposit, From: ir.SystemAddress, Payload: payload}

	out, err := Native{}.Run(context.Background(), Invocation{Tx: tx})
	require.NoError(t, err)
	assert.Equal(t, ir.Delta{bob: {Credits: map[ir.Address]ir.Amount{token: ir.NewAmount(40)}}}, out.Delta)
}

func TestNativeCompensation(t *testing.T) {
	delta := make(ir.Delta)
	require.NoError(t, delta.Debit(bob, token, ir.NewAmount(3)))
	require.NoError(t, delta.Credit(alice, token, ir.NewAmount(3)))
	payload, err := json.Marshal(ir.CompensationPayload{EventID: "ev", Batch: 4, Delta: delta})
	require.NoError(t, err)
	tx := ir.Transaction{Kind: ir.KindCompensation, From: ir.SystemAddress, Payload: payload}

	out, err := Native{}.Run(context.Background(), Invocation{Tx: tx})
	require.NoError(t, err)
	assert.Equal(t, delta, out.Delta)
}

func TestSetRoutesByKind(t *testing.T) {
	called := ""
	set := Set{
		Native: Func(func(context.Context, Invocation) (Outcome, error) {
			called = "native"
			return Outcome{}, nil
		}),
		ByKind: map[ir.ImageKind]Runner{
			ir.ImageLua: Func(func(context.Context, Invocation) (Outcome, error) {
				called = "lua"
				return Outcome{}, nil
			}),
		},
	}

	_, err := set.Run(context.Background(), Invocation{Tx: ir.Transaction{Kind: ir.KindTransfer}})
	require.NoError(t, err)
	assert.Equal(t, "native", called)

	inv := Invocation{Tx: ir.Transaction{Kind: ir.KindCall}, Image: ir.ProgramImage{Ref: ir.ImageRef{Kind: ir.ImageLua}}}
	_, err = set.Run(context.Background(), inv)
	require.NoError(t, err)
	assert.Equal(t, "lua", called)

	inv.Image.Ref.Kind = ir.ImageContainer
	_, err = set.Run(context.Background(), inv)
	assert.Error(t, err)
}
