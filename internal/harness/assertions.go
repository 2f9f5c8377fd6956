package harness

import (
	"context"
	"fmt"
	"strconv"

	"github.com/cenkalti/backoff/v4"

	"github.com/roach88/ledgerd/internal/ir"
	"github.com/roach88/ledgerd/internal/testutil"
)

// AssertionError describes one failed assertion.
type AssertionError struct {
	Assertion Assertion
	Actual    string
}

func (e *AssertionError) Error() string {
	a := e.Assertion
	subject := a.Account
	switch a.Type {
	case AssertBalance:
		subject = a.Account + "/" + a.Asset
	case AssertOutcome:
		subject = a.Tx
	case AssertSettlement, AssertPublished:
		subject = fmt.Sprintf("batch %d", a.Batch)
	case AssertBatches:
		subject = "sealed batches"
	}
	return fmt.Sprintf("%s %s: expected %s, got %s", a.Type, subject, a.Equals, e.Actual)
}

// evaluate checks every assertion against the node and returns one message
// per failure.
func (h *Harness) evaluate(ctx context.Context, assertions []Assertion) []string {
	var failures []string
	for _, a := range assertions {
		actual, err := h.actual(ctx, a)
		if err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", a.Type, err))
			continue
		}
		if actual != a.Equals {
			failures = append(failures, (&AssertionError{Assertion: a, Actual: actual}).Error())
		}
	}
	return failures
}

// actual renders the observed value in the form Equals is written in.
func (h *Harness) actual(ctx context.Context, a Assertion) (string, error) {
	l := h.node.Ledger()
	switch a.Type {
	case AssertBalance:
		acct, err := h.node.Account(ctx, testutil.Address(a.Account))
		if err != nil {
			return "", err
		}
		return acct.Balance(testutil.Asset(a.Asset)).String(), nil

	case AssertNonce:
		acct, err := h.node.Account(ctx, testutil.Address(a.Account))
		if err != nil {
			return "", err
		}
		return strconv.FormatUint(acct.Nonce, 10), nil

	case AssertOutcome:
		id, ok := h.txID(a.Tx)
		if !ok {
			return "", fmt.Errorf("no transaction labeled %q was admitted", a.Tx)
		}
		o, err := l.Outcome(ctx, id)
		if isNotFound(err) {
			return "pending", nil
		}
		if err != nil {
			return "", err
		}
		return string(o.Status), nil

	case AssertSettlement:
		rec, err := l.Settlement(ctx, a.Batch)
		if isNotFound(err) {
			return "unsealed", nil
		}
		if err != nil {
			return "", err
		}
		return string(rec.State), nil

	case AssertPublished:
		// Publication runs asynchronously; wait for a terminal state.
		var state ir.PublishState
		err := h.waitFor(ctx, func() error {
			rec, err := l.Publication(ctx, a.Batch)
			if err != nil {
				return backoff.Permanent(err)
			}
			state = rec.State
			if state == ir.PublishPending {
				return fmt.Errorf("batch %d publication pending", a.Batch)
			}
			return nil
		})
		if isNotFound(err) {
			return "unsealed", nil
		}
		if err != nil && state == "" {
			return "", err
		}
		return string(state), nil

	case AssertBatches:
		n, err := h.batches(ctx)
		if err != nil {
			return "", err
		}
		return strconv.Itoa(n), nil
	}
	return "", fmt.Errorf("unknown assertion type %q", a.Type)
}
