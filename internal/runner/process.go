package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/roach88/ledgerd/internal/ir"
)

// DefaultCommand runs a container image with no network and a memory cap.
var DefaultCommand = []string{"docker", "run", "--rm", "-i", "--name={name}", "--network=none", "--memory={memory}", "{image}"}

// DefaultKill stops the container started by DefaultCommand.
var DefaultKill = []string{"docker", "kill", "{name}"}

const (
	// maxOutput bounds the bytes read from a sandbox's stdout and stderr.
	maxOutput = 4 << 20

	killTimeout = 10 * time.Second
)

// Process runs container images through an external runtime. The
// invocation is written to the child's stdin as JSON and the Outcome is
// read from its stdout. A non-zero exit, a kill on deadline or unparsable
// output is a crash.
type Process struct {
	// Command is the argv template. "{image}", "{memory}" and "{name}"
	// are substituted per invocation.
	Command []string
	// Kill is run with the same substitutions once the deadline passes,
	// before the runtime client is killed. Killing the client alone
	// leaves a detached container running. Empty means DefaultKill when
	// Command is also empty, and no kill step otherwise.
	Kill []string
}

// Run implements Runner.
func (p Process) Run(ctx context.Context, inv Invocation) (Outcome, error) {
	argv := p.argv(inv)
	input, err := json.Marshal(inv)
	if err != nil {
		return Outcome{}, fmt.Errorf("encode invocation: %w", err)
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Cancel = func() error {
		p.kill(inv)
		return cmd.Process.Kill()
	}
	cmd.WaitDelay = time.Second
	cmd.Stdin = bytes.NewReader(input)
	stdout := &capped{limit: maxOutput}
	stderr := &capped{limit: maxOutput}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	slog.Debug("starting sandbox", "actor", "runner", "tx", inv.TxID, "argv", argv)
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Outcome{}, fmt.Errorf("sandbox killed: %w", ctxErr)
		}
		var exit *exec.ExitError
		if errors.As(err, &exit) {
			return Outcome{}, fmt.Errorf("sandbox exited with code %d: %s", exit.ExitCode(), lastLine(stderr.String()))
		}
		return Outcome{}, fmt.Errorf("start sandbox: %w", err)
	}

	var out Outcome
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return Outcome{}, fmt.Errorf("sandbox output: %w", err)
	}
	switch out.Status {
	case ir.StatusSuccess:
	case ir.StatusReverted:
		out.Delta = nil
	default:
		return Outcome{}, fmt.Errorf("sandbox output: invalid status %q", out.Status)
	}
	return out, nil
}

// kill stops the sandbox behind a cancelled invocation. Failures are
// logged; the client is killed regardless.
func (p Process) kill(inv Invocation) {
	argv := p.killArgv(inv)
	if len(argv) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), killTimeout)
	defer cancel()
	slog.Info("killing sandbox", "actor", "runner", "tx", inv.TxID, "argv", argv)
	if out, err := exec.CommandContext(ctx, argv[0], argv[1:]...).CombinedOutput(); err != nil {
		slog.Warn("sandbox kill failed", "actor", "runner", "tx", inv.TxID, "error", err, "output", lastLine(string(out)))
	}
}

func (p Process) argv(inv Invocation) []string {
	tmpl := p.Command
	if len(tmpl) == 0 {
		tmpl = DefaultCommand
	}
	return expand(tmpl, inv)
}

func (p Process) killArgv(inv Invocation) []string {
	tmpl := p.Kill
	if len(tmpl) == 0 && len(p.Command) == 0 {
		tmpl = DefaultKill
	}
	return expand(tmpl, inv)
}

// sandboxName names the container of one invocation. Transaction ids are
// unique, so concurrent invocations never share a name.
func sandboxName(inv Invocation) string {
	id := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, inv.TxID)
	return "ledgerd-" + id
}

func expand(tmpl []string, inv Invocation) []string {
	if len(tmpl) == 0 {
		return nil
	}
	image := inv.Image.Ref.Name
	if image == "" {
		image = "sha256:" + inv.Image.Ref.Hash
	}
	r := strings.NewReplacer(
		"{image}", image,
		"{memory}", strconv.FormatInt(inv.Limits.Memory, 10),
		"{name}", sandboxName(inv),
	)
	out := make([]string, len(tmpl))
	for i, arg := range tmpl {
		out[i] = r.Replace(arg)
	}
	return out
}

// capped is a buffer that silently drops writes past limit.
type capped struct {
	bytes.Buffer
	limit int
}

func (c *capped) Write(p []byte) (int, error) {
	n := len(p)
	if room := c.limit - c.Len(); room < len(p) {
		p = p[:max(room, 0)]
	}
	c.Buffer.Write(p)
	return n, nil
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
