package harness

import "strings"

// Trace event types.
const (
	EventSubmit  = "submit"
	EventOutcome = "outcome"
	EventSeal    = "seal"
	EventSettle  = "settle"
	EventDeposit = "deposit"
	EventFail    = "fail"
	EventWait    = "wait"
)

// TraceEvent is one symbolic line of a scenario trace. Transactions appear
// by label, never by id, so traces are stable across runs.
type TraceEvent struct {
	Type    string `json:"type"`
	Subject string `json:"subject,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

func (e TraceEvent) String() string {
	parts := []string{e.Type}
	if e.Subject != "" {
		parts = append(parts, e.Subject)
	}
	if e.Detail != "" {
		parts = append(parts, e.Detail)
	}
	return strings.Join(parts, " ")
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every expectation and assertion held.
	Pass bool `json:"pass"`

	// Trace lists submissions, outcomes and external events in the order
	// the harness observed them.
	Trace []TraceEvent `json:"trace"`

	// Errors holds one message per failed expectation or assertion.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a passing result.
func NewResult() *Result {
	return &Result{Pass: true, Trace: []TraceEvent{}, Errors: []string{}}
}

// AddError records a failure.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

func (r *Result) add(typ, subject, detail string) {
	r.Trace = append(r.Trace, TraceEvent{Type: typ, Subject: subject, Detail: detail})
}

// Render returns the trace one event per line.
func (r *Result) Render() string {
	var b strings.Builder
	for _, e := range r.Trace {
		b.WriteString(e.String())
		b.WriteByte('\n')
	}
	return b.String()
}
