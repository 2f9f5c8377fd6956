package harness

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestScenarios runs every scenario under testdata/scenarios and compares
// its trace with the matching golden file.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -run TestScenarios -update
func TestScenarios(t *testing.T) {
	paths, err := filepath.Glob("testdata/scenarios/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		s, err := LoadScenario(path)
		require.NoError(t, err)

		t.Run(s.Name, func(t *testing.T) {
			result, err := RunWithGolden(t, s)
			require.NoError(t, err)
			assert.True(t, result.Pass, "scenario failed:\n%s", strings.Join(result.Errors, "\n"))
		})
	}
}

func TestRun_FailedAssertion(t *testing.T) {
	s := &Scenario{
		Name:        "failed_assertion",
		Description: "An assertion that does not hold fails the run",
		Genesis:     map[string]map[string]string{"alice": {"gold": "5"}},
		Steps: []Step{
			{Submit: &Submit{From: "alice", To: "bob", Asset: "gold", Value: "2"}},
			{Seal: true},
		},
		Assertions: []Assertion{
			{Type: AssertBalance, Account: "bob", Asset: "gold", Equals: "3"},
			{Type: AssertNonce, Account: "alice", Equals: "1"},
		},
	}

	result, err := Run(context.Background(), s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "balance bob/gold: expected 3, got 2", result.Errors[0])
}

func TestRun_UnexpectedRejection(t *testing.T) {
	s := &Scenario{
		Name:        "unexpected_rejection",
		Description: "A rejection nobody expected fails the run",
		Steps: []Step{
			{Submit: &Submit{From: "alice", To: "bob", Asset: "gold", Value: "1", Tamper: true}},
		},
	}

	result, err := Run(context.Background(), s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	assert.Equal(t, "submit alice#0 rejected BAD_SIGNATURE\n", result.Render())
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "unexpected rejection")
}

func TestRun_UnknownOutcomeLabel(t *testing.T) {
	s := &Scenario{
		Name:        "unknown_label",
		Description: "Assertions on labels that were never admitted report an error",
		Steps:       []Step{{Seal: true}},
		Assertions:  []Assertion{{Type: AssertOutcome, Tx: "nobody#0", Equals: "success"}},
	}

	result, err := Run(context.Background(), s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	assert.Equal(t, "seal empty\n", result.Render())
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], `no transaction labeled "nobody#0"`)
}

func TestRun_ConfigOverrideRejectsUnknownKeys(t *testing.T) {
	s, err := ParseScenario([]byte(`
name: bad_config
description: "Unknown config keys are errors"
config:
  apply:
    reorder_windw: 1s
steps:
  - seal: true
`))
	require.NoError(t, err)

	_, err = Run(context.Background(), s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scenario config")
}

func TestTraceEventString(t *testing.T) {
	assert.Equal(t, "seal empty", TraceEvent{Type: EventSeal, Subject: "empty"}.String())
	assert.Equal(t, "outcome alice#0 success batch=1",
		TraceEvent{Type: EventOutcome, Subject: "alice#0", Detail: "success batch=1"}.String())
	assert.Equal(t, "wait", TraceEvent{Type: EventWait}.String())
}
