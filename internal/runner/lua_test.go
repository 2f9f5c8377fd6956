package runner

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ledgerd/internal/ir"
)

var (
	alice = ir.MustParseAddress("0x00000000000000000000000000000000000000a1")
	bob   = ir.MustParseAddress("0x00000000000000000000000000000000000000b0")
	token = ir.MustParseAddress("0x0000000000000000000000000000000000000c0d")
)

func luaInvocation(code string, limits Limits) Invocation {
	owner := ir.NewAccount(alice)
	owner.Balances = map[ir.Address]ir.Amount{token: ir.NewAmount(100)}
	owner.Programs = map[ir.Address][]byte{token: []byte("seen=1")}
	return Invocation{
		TxID: "tx-1",
		Tx: ir.Transaction{
			Kind:    ir.KindCall,
			From:    alice,
			Nonce:   7,
			Program: token,
			To:      bob,
			Payload: []byte("25"),
		},
		Image: ir.ProgramImage{
			Ref:  ir.ImageRef{Program: token, Kind: ir.ImageLua},
			Code: []byte(code),
		},
		Snapshot: map[ir.Address]ir.Account{alice: owner, bob: ir.NewAccount(bob)},
		Limits:   limits,
	}
}

func TestLuaProposesDelta(t *testing.T) {
	code := `
local amount = ctx.payload
if tonumber(balance(ctx.sender, ctx.program)) < tonumber(amount) then
  revert("insufficient")
end
debit(ctx.sender, ctx.program, amount)
credit(ctx.to, ctx.program, amount)
set_state(ctx.sender, get_state() .. ";sent=" .. amount)
log("sent", amount, "nonce", ctx.nonce)
`
	out, err := Lua{}.Run(context.Background(), luaInvocation(code, Limits{}))
	require.NoError(t, err)

	assert.Equal(t, ir.StatusSuccess, out.Status)
	assert.Equal(t, ir.NewAmount(25), out.Delta[alice].Debits[token])
	assert.Equal(t, ir.NewAmount(25), out.Delta[bob].Credits[token])
	assert.Equal(t, []byte("seen=1;sent=25"), out.Delta[alice].State[token])
	assert.Equal(t, []string{"sent 25 nonce 7"}, out.Logs)
}

func TestLuaRevert(t *testing.T) {
	out, err := Lua{}.Run(context.Background(), luaInvocation(`credit(ctx.to, ctx.program, 1) revert("no thanks")`, Limits{}))
	require.NoError(t, err)
	assert.Equal(t, ir.StatusReverted, out.Status)
	assert.Equal(t, "no thanks", out.Reason)
	assert.Empty(t, out.Delta)
}

func TestLuaCrashes(t *testing.T) {
	tests := []struct {
		name string
		code string
	}{
		{"runtime error", `error("boom")`},
		{"syntax error", `this is not lua`},
		{"file access", `dofile("/etc/passwd")`},
		{"protected call removed", `pcall(function() end)`},
		{"unreadable account", `balance("0x00000000000000000000000000000000000000ff", ctx.program)`},
		{"bad amount", `credit(ctx.to, ctx.program, "-1")`},
		{"bad address", `credit("nope", ctx.program, 1)`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Lua{}.Run(context.Background(), luaInvocation(tt.code, Limits{}))
			assert.Error(t, err)
		})
	}
}

func TestLuaStepLimit(t *testing.T) {
	_, err := Lua{HookInterval: 100}.Run(context.Background(), luaInvocation(`while true do end`, Limits{Steps: 10_000}))
	require.Error(t, err)
	assert.True(t, IsStepLimit(err))
}

func TestLuaMemoryLimit(t *testing.T) {
	tests := []struct {
		name string
		code string
	}{
		{"repeated string", `local s = string.rep("x", 1099511627776)`},
		{"repeated with separator", `local s = string.rep("x", 600, "yy")`},
		{"state blob", `local s = "0123456789" s = s..s..s..s..s..s..s..s..s..s for i = 1, 20 do set_state(ctx.sender, s) end`},
		{"log lines", `local s = "0123456789" s = s..s..s..s for i = 1, 60 do log(s) end`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Lua{}.Run(context.Background(), luaInvocation(tt.code, Limits{Memory: 1024}))
			require.Error(t, err)
			assert.True(t, IsMemoryLimit(err), err.Error())
		})
	}
}

func TestLuaMemoryLimitCountsCode(t *testing.T) {
	code := "-- " + strings.Repeat("x", 2048) + "\nlog('hi')"
	_, err := Lua{}.Run(context.Background(), luaInvocation(code, Limits{Memory: 1024}))
	require.Error(t, err)
	assert.True(t, IsMemoryLimit(err))
}

func TestLuaWithinMemoryLimit(t *testing.T) {
	code := `set_state(ctx.sender, string.rep("ab", 3, ","))`
	out, err := Lua{}.Run(context.Background(), luaInvocation(code, Limits{Memory: 1024}))
	require.NoError(t, err)
	assert.Equal(t, []byte("ab,ab,ab"), out.Delta[alice].State[token])
}

func TestLuaCancelledByDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := Lua{}.Run(ctx, luaInvocation(`while true do end`, Limits{}))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}
