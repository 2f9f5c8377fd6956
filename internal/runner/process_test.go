package runner

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ledgerd/internal/ir"
)

func shell(script string) Process {
	return Process{Command: []string{"sh", "-c", script, "sandbox", "{image}", "{memory}"}}
}

func containerInvocation() Invocation {
	inv := luaInvocation("", Limits{Memory: 1 << 20})
	inv.Image.Ref = ir.ImageRef{Program: token, Kind: ir.ImageContainer, Name: "example/token:1"}
	return inv
}

func TestProcessReadsOutcome(t *testing.T) {
	p := shell(`cat >/dev/null; echo '{"status":"success","logs":["'"$1"' '"$2"'"],"steps":3}'`)
	out, err := p.Run(context.Background(), containerInvocation())
	require.NoError(t, err)
	assert.Equal(t, ir.StatusSuccess, out.Status)
	assert.Equal(t, []string{"example/token:1 1048576"}, out.Logs)
	assert.Equal(t, uint64(3), out.Steps)
}

func TestProcessReceivesInvocation(t *testing.T) {
	p := shell(`grep -q '"tx_id":"tx-1"' && echo '{"status":"success"}'`)
	_, err := p.Run(context.Background(), containerInvocation())
	assert.NoError(t, err)
}

func TestProcessRevertDropsDelta(t *testing.T) {
	p := shell(`cat >/dev/null; echo '{"status":"reverted","reason":"nope","delta":{}}'`)
	out, err := p.Run(context.Background(), containerInvocation())
	require.NoError(t, err)
	assert.Equal(t, ir.StatusReverted, out.Status)
	assert.Nil(t, out.Delta)
}

func TestProcessCrashes(t *testing.T) {
	tests := []struct {
		name   string
		script string
	}{
		{"non-zero exit", `cat >/dev/null; echo oops >&2; exit 3`},
		{"garbage output", `cat >/dev/null; echo not-json`},
		{"unknown status", `cat >/dev/null; echo '{"status":"sandbox-fault"}'`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := shell(tt.script).Run(context.Background(), containerInvocation())
			assert.Error(t, err)
		})
	}
}

func TestProcessKilledOnDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := shell(`sleep 30`).Run(ctx, containerInvocation())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 10*time.Second)
}

// The runtime client is only a frontend: the sandbox it starts is a
// separate process that survives the client being killed.
func TestProcessKillsDetachedSandboxOnDeadline(t *testing.T) {
	dir := t.TempDir()
	p := Process{
		Command: []string{"sh", "-c", `
			( while :; do echo x >> "$0/$1.beat"; sleep 0.05; done ) </dev/null >/dev/null 2>&1 &
			echo $! > "$0/$1.pid"
			wait`, dir, "{name}"},
		Kill: []string{"sh", "-c", `echo "$1" >> "$0/killed"; kill $(cat "$0/$1.pid")`, dir, "{name}"},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := p.Run(ctx, containerInvocation())
	require.ErrorIs(t, err, context.DeadlineExceeded)

	killed, err := os.ReadFile(filepath.Join(dir, "killed"))
	require.NoError(t, err)
	assert.Equal(t, "ledgerd-tx-1", strings.TrimSpace(string(killed)))

	beat := filepath.Join(dir, "ledgerd-tx-1.beat")
	size := func() int64 {
		info, err := os.Stat(beat)
		require.NoError(t, err)
		return info.Size()
	}
	time.Sleep(100 * time.Millisecond)
	before := size()
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, before, size(), "sandbox still running after the deadline")
}

func TestProcessWithoutKillTemplateSkipsKillStep(t *testing.T) {
	assert.Nil(t, shell(`true`).killArgv(containerInvocation()))
	assert.Equal(t, []string{"docker", "kill", "ledgerd-tx-1"}, Process{}.killArgv(containerInvocation()))
}

func TestProcessArgvDefaults(t *testing.T) {
	inv := containerInvocation()
	inv.Image.Ref.Name = ""
	inv.Image.Ref.Hash = "ab"
	assert.Equal(t,
		[]string{"docker", "run", "--rm", "-i", "--name=ledgerd-tx-1", "--network=none", "--memory=1048576", "sha256:ab"},
		Process{}.argv(inv))
}

func TestSandboxNameIsSafe(t *testing.T) {
	inv := containerInvocation()
	inv.TxID = "tx/1 :x"
	assert.Equal(t, "ledgerd-tx_1__x", sandboxName(inv))
}
