package cli

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/ledgerd/internal/harness"
)

// ScenarioOptions holds flags for the scenario command.
type ScenarioOptions struct {
	*RootOptions
	Golden string // directory of {name}.golden files
	Update bool   // rewrite golden files instead of comparing
}

// ScenarioResult is the result of one scenario file.
type ScenarioResult struct {
	Name   string   `json:"name"`
	Pass   bool     `json:"pass"`
	Errors []string `json:"errors,omitempty"`
}

// ScenarioSummary is the result of a scenario run.
type ScenarioSummary struct {
	Scenarios []ScenarioResult `json:"scenarios"`
	Passed    int              `json:"passed"`
	Failed    int              `json:"failed"`
	Total     int              `json:"total"`
}

func (s ScenarioSummary) String() string {
	var b strings.Builder
	for _, r := range s.Scenarios {
		if r.Pass {
			fmt.Fprintf(&b, "✓ %s\n", r.Name)
			continue
		}
		fmt.Fprintf(&b, "✗ %s\n", r.Name)
		for _, e := range r.Errors {
			fmt.Fprintf(&b, "  %s\n", e)
		}
	}
	fmt.Fprintf(&b, "\n%d passed, %d failed, %d total", s.Passed, s.Failed, s.Total)
	return b.String()
}

// NewScenarioCommand creates the scenario command.
func NewScenarioCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ScenarioOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "scenario <file>...",
		Short: "Run YAML scenarios against an in-process node",
		Long: `Run scenario files against a fresh in-process node each, backed by an
in-memory store and fake DA, settler and oracle.

With --golden, each trace is compared with {golden}/{name}.golden;
--update rewrites those files instead.

Exit codes:
  0 - all scenarios passed
  1 - one or more scenarios failed
  2 - command error

Examples:
  ledgerd scenario ./scenarios/*.yaml
  ledgerd scenario --golden ./golden --update ./scenarios/revert.yaml`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenarios(opts, args, cmd)
		},
	}
	cmd.Flags().StringVar(&opts.Golden, "golden", "", "directory of golden trace files")
	cmd.Flags().BoolVar(&opts.Update, "update", false, "rewrite golden files")
	return cmd
}

func runScenarios(opts *ScenarioOptions, files []string, cmd *cobra.Command) error {
	out := opts.formatter(cmd)
	if opts.Update && opts.Golden == "" {
		return out.fail(ExitCommandError, CodeScenario, "--update requires --golden", nil)
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	summary := ScenarioSummary{Scenarios: []ScenarioResult{}, Total: len(files)}
	for _, file := range files {
		out.VerboseLog("running %s", file)
		r := runScenarioFile(ctx, opts, file)
		if r.Pass {
			summary.Passed++
		} else {
			summary.Failed++
		}
		summary.Scenarios = append(summary.Scenarios, r)
	}

	if err := out.Success(summary); err != nil {
		return err
	}
	if summary.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d of %d scenarios failed", summary.Failed, summary.Total))
	}
	return nil
}

func runScenarioFile(ctx context.Context, opts *ScenarioOptions, file string) ScenarioResult {
	s, err := harness.LoadScenario(file)
	if err != nil {
		return ScenarioResult{Name: filepath.Base(file), Errors: []string{err.Error()}}
	}
	result, err := harness.Run(ctx, s)
	if err != nil {
		return ScenarioResult{Name: s.Name, Errors: []string{fmt.Sprintf("execution failed: %v", err)}}
	}
	r := ScenarioResult{Name: s.Name, Pass: result.Pass, Errors: result.Errors}
	if opts.Golden == "" {
		return r
	}

	path := filepath.Join(opts.Golden, s.Name+".golden")
	trace := []byte(result.Render())
	if opts.Update {
		if err := os.MkdirAll(opts.Golden, 0o755); err != nil {
			return fail(r, "golden update: %v", err)
		}
		if err := os.WriteFile(path, trace, 0o644); err != nil {
			return fail(r, "golden update: %v", err)
		}
		return r
	}
	want, err := os.ReadFile(path)
	if err != nil {
		return fail(r, "golden: %v", err)
	}
	if !bytes.Equal(want, trace) {
		return fail(r, "trace differs from %s:\n%s", path, result.Render())
	}
	return r
}

func fail(r ScenarioResult, format string, args ...any) ScenarioResult {
	r.Pass = false
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
	return r
}
