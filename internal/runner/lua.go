package runner

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	lua "github.com/Shopify/go-lua"

	"github.com/roach88/ledgerd/internal/ir"
)

// DefaultHookInterval is the instruction count between budget checks.
const DefaultHookInterval = 1000

// maxLogs bounds the log lines kept per invocation.
const maxLogs = 64

// Lua runs Lua modules in a fresh interpreter per invocation.
//
// Programs see a restricted standard library (base without file or chunk
// loading, string, table, math) plus the host API:
//
//	ctx                           transaction fields (sender, nonce, program, to, value, payload, tx_id)
//	balance(account, asset)       decimal string from the snapshot
//	credit(account, asset, amt)   propose a credit
//	debit(account, asset, amt)    propose a debit
//	get_state([account])          this program's blob on account, or nil
//	set_state(account, blob)      propose a state write; "" deletes
//	log(...)                      append a log line
//	revert(reason)                abort with status reverted
//
// Amounts are decimal strings or integers. string.rep is replaced by a
// version that is charged against the memory budget before it allocates.
type Lua struct {
	// HookInterval is the instruction count between budget checks.
	HookInterval int
}

// Run implements Runner.
func (r Lua) Run(ctx context.Context, inv Invocation) (Outcome, error) {
	interval := r.HookInterval
	if interval <= 0 {
		interval = DefaultHookInterval
	}
	h := &luaHost{ctx: ctx, inv: inv, delta: make(ir.Delta), interval: uint64(interval)}
	h.used = int64(len(inv.Image.Code) + len(inv.Tx.Payload))
	if limit := inv.Limits.Memory; limit > 0 && h.used > limit {
		return Outcome{}, fmt.Errorf("program %s: %w: %d of %d bytes", inv.Image.Ref.Program, ErrMemoryLimit, h.used, limit)
	}

	l := lua.NewState()
	openSandbox(l)
	h.register(l)
	lua.SetDebugHook(l, h.hook, lua.MaskCount, interval)

	name := "=" + inv.Image.Ref.Program.String()
	if err := lua.LoadBuffer(l, string(inv.Image.Code), name, "t"); err != nil {
		return Outcome{}, fmt.Errorf("load program: %w", err)
	}
	err := l.ProtectedCall(0, 0, 0)
	switch {
	case h.revert != nil:
		return reverted(*h.revert, h.steps, h.logs), nil
	case h.crash != nil:
		return Outcome{}, fmt.Errorf("program %s after %d steps: %w", inv.Image.Ref.Program, h.steps, h.crash)
	case err != nil:
		return Outcome{}, fmt.Errorf("program %s: %w", inv.Image.Ref.Program, err)
	}
	return Outcome{Status: ir.StatusSuccess, Delta: h.delta, Logs: h.logs, Steps: h.steps}, nil
}

var sandboxLibs = []struct {
	name string
	open lua.Function
}{
	{"_G", lua.BaseOpen},
	{"string", lua.StringOpen},
	{"table", lua.TableOpen},
	{"math", lua.MathOpen},
}

// Removed from the base library: file access, chunk loading, and
// protected calls that could swallow budget errors.
var sandboxDenied = []string{"dofile", "loadfile", "load", "require", "collectgarbage", "pcall", "xpcall"}

func openSandbox(l *lua.State) {
	for _, lib := range sandboxLibs {
		lua.Require(l, lib.name, lib.open, true)
		l.Pop(1)
	}
	for _, name := range sandboxDenied {
		l.PushNil()
		l.SetGlobal(name)
	}
}

type luaHost struct {
	ctx      context.Context
	inv      Invocation
	delta    ir.Delta
	logs     []string
	interval uint64
	steps    uint64
	revert   *string
	crash    error
	used     int64
}

// charge books n bytes against the memory budget and raises once it is
// exceeded. The budget only grows: overwritten state is not refunded.
func (h *luaHost) charge(l *lua.State, n int64) {
	if n > math.MaxInt64-h.used {
		h.used = math.MaxInt64
	} else {
		h.used += n
	}
	if limit := h.inv.Limits.Memory; limit > 0 && h.used > limit {
		h.crash = fmt.Errorf("%w: %d of %d bytes", ErrMemoryLimit, h.used, limit)
		lua.Errorf(l, "%s", h.crash.Error())
	}
}

func (h *luaHost) pushString(l *lua.State, s string) {
	h.charge(l, int64(len(s)))
	l.PushString(s)
}

func (h *luaHost) hook(l *lua.State, _ lua.Debug) {
	h.steps += h.interval
	if err := h.ctx.Err(); err != nil {
		h.crash = err
		lua.Errorf(l, "%s", err.Error())
	}
	if limit := h.inv.Limits.Steps; limit > 0 && h.steps > limit {
		h.crash = ErrStepLimit
		lua.Errorf(l, "%s", ErrStepLimit.Error())
	}
}

func (h *luaHost) register(l *lua.State) {
	tx := h.inv.Tx
	l.NewTable()
	for k, v := range map[string]string{
		"sender":  tx.From.String(),
		"program": tx.Program.String(),
		"to":      tx.To.String(),
		"value":   tx.Value.String(),
		"payload": string(tx.Payload),
		"tx_id":   h.inv.TxID,
	} {
		l.PushString(v)
		l.SetField(-2, k)
	}
	l.PushInteger(int(tx.Nonce))
	l.SetField(-2, "nonce")
	l.SetGlobal("ctx")

	l.Global("string")
	l.PushGoFunction(h.rep)
	l.SetField(-2, "rep")
	l.Pop(1)

	for name, fn := range map[string]lua.Function{
		"balance":   h.balance,
		"credit":    h.credit,
		"debit":     h.debit,
		"get_state": h.getState,
		"set_state": h.setState,
		"log":       h.log,
		"print":     h.log,
		"revert":    h.revertCall,
	} {
		l.PushGoFunction(fn)
		l.SetGlobal(name)
	}
}

func checkAddress(l *lua.State, arg int) ir.Address {
	a, err := ir.ParseAddress(lua.CheckString(l, arg))
	if err != nil {
		lua.ArgumentError(l, arg, "address expected")
	}
	return a
}

func checkAmount(l *lua.State, arg int) ir.Amount {
	a, err := ir.ParseAmount(lua.CheckString(l, arg))
	if err != nil {
		lua.ArgumentError(l, arg, "non-negative integer amount expected")
	}
	return a
}

func (h *luaHost) account(l *lua.State, addr ir.Address) ir.Account {
	acct, ok := h.inv.Snapshot[addr]
	if !ok {
		lua.Errorf(l, "account %s is not readable by this call", addr.String())
	}
	return acct
}

func (h *luaHost) balance(l *lua.State) int {
	acct := h.account(l, checkAddress(l, 1))
	h.pushString(l, acct.Balance(checkAddress(l, 2)).String())
	return 1
}

func (h *luaHost) credit(l *lua.State) int {
	if err := h.delta.Credit(checkAddress(l, 1), checkAddress(l, 2), checkAmount(l, 3)); err != nil {
		lua.Errorf(l, "%s", err.Error())
	}
	return 0
}

func (h *luaHost) debit(l *lua.State) int {
	if err := h.delta.Debit(checkAddress(l, 1), checkAddress(l, 2), checkAmount(l, 3)); err != nil {
		lua.Errorf(l, "%s", err.Error())
	}
	return 0
}

func (h *luaHost) getState(l *lua.State) int {
	addr := h.inv.Tx.From
	if l.Top() >= 1 {
		addr = checkAddress(l, 1)
	}
	program := h.inv.Tx.Program
	if blob, ok := h.delta[addr].State[program]; ok {
		if len(blob) == 0 {
			l.PushNil()
		} else {
			h.pushString(l, string(blob))
		}
		return 1
	}
	blob, ok := h.account(l, addr).Programs[program]
	if !ok {
		l.PushNil()
		return 1
	}
	h.pushString(l, string(blob))
	return 1
}

func (h *luaHost) setState(l *lua.State) int {
	addr := checkAddress(l, 1)
	blob := lua.CheckString(l, 2)
	h.charge(l, int64(len(blob)))
	h.delta.SetState(addr, h.inv.Tx.Program, []byte(blob))
	return 0
}

// rep is string.rep with the result size charged up front.
func (h *luaHost) rep(l *lua.State) int {
	s := lua.CheckString(l, 1)
	n := lua.CheckInteger(l, 2)
	sep := lua.OptString(l, 3, "")
	if n <= 0 {
		l.PushString("")
		return 1
	}
	size := int64(math.MaxInt64)
	if unit := int64(len(s) + len(sep)); unit == 0 {
		size = 0
	} else if int64(n) <= math.MaxInt64/unit {
		size = unit*int64(n) - int64(len(sep))
	}
	h.charge(l, size)
	if size > math.MaxInt32 {
		lua.Errorf(l, "resulting string too large")
	}
	var b strings.Builder
	b.Grow(int(size))
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteString(sep)
		}
		b.WriteString(s)
	}
	l.PushString(b.String())
	return 1
}

func (h *luaHost) log(l *lua.State) int {
	if len(h.logs) >= maxLogs {
		return 0
	}
	parts := make([]string, 0, l.Top())
	for i := 1; i <= l.Top(); i++ {
		s, ok := l.ToString(i)
		if !ok {
			s = lua.TypeNameOf(l, i)
		}
		parts = append(parts, s)
	}
	line := strings.Join(parts, " ")
	h.charge(l, int64(len(line)))
	h.logs = append(h.logs, line)
	return 0
}

func (h *luaHost) revertCall(l *lua.State) int {
	reason := lua.OptString(l, 1, "reverted")
	h.revert = &reason
	lua.Errorf(l, "revert: %s", reason)
	return 0
}

// IsStepLimit reports whether err is a step budget exhaustion.
func IsStepLimit(err error) bool {
	return errors.Is(err, ErrStepLimit)
}

// IsMemoryLimit reports whether err is a memory budget exhaustion.
func IsMemoryLimit(err error) bool {
	return errors.Is(err, ErrMemoryLimit)
}
