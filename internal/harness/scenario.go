package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Scenario drives one node from genesis through a sequence of steps and
// checks the final state.
type Scenario struct {
	// Name identifies the scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what the scenario validates.
	Description string `yaml:"description"`

	// Config overrides node configuration, using the same keys as a
	// config file. The store is always in-memory.
	Config yaml.Node `yaml:"config,omitempty"`

	// Genesis maps account names to asset balances.
	Genesis map[string]map[string]string `yaml:"genesis,omitempty"`

	// Programs are deployed before the first step.
	Programs []Program `yaml:"programs,omitempty"`

	// Steps run in order.
	Steps []Step `yaml:"steps"`

	// Assertions are checked once every step has settled.
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// Program is an image bound to the asset address derived from Name.
type Program struct {
	Name string `yaml:"name"`
	Kind string `yaml:"kind"`
	Code string `yaml:"code"`
}

// Step is exactly one action.
type Step struct {
	Submit  *Submit  `yaml:"submit,omitempty"`
	Seal    bool     `yaml:"seal,omitempty"`
	Settle  *Settle  `yaml:"settle,omitempty"`
	Deposit *Deposit `yaml:"deposit,omitempty"`
	Fail    *Fail    `yaml:"fail,omitempty"`
	Wait    string   `yaml:"wait,omitempty"`
}

// Submit signs and submits a user transaction.
type Submit struct {
	// Label names the transaction in the trace. Defaults to from#nonce.
	Label string `yaml:"label,omitempty"`
	From  string `yaml:"from"`
	// Kind is transfer (default) or call.
	Kind string `yaml:"kind,omitempty"`
	// Nonce defaults to the sender's next nonce as tracked by the harness.
	Nonce   *uint64 `yaml:"nonce,omitempty"`
	To      string  `yaml:"to,omitempty"`
	Asset   string  `yaml:"asset,omitempty"`
	Value   string  `yaml:"value,omitempty"`
	Program string  `yaml:"program,omitempty"`
	Payload string  `yaml:"payload,omitempty"`
	// Tamper corrupts the signature after signing.
	Tamper bool    `yaml:"tamper,omitempty"`
	Expect *Expect `yaml:"expect,omitempty"`
}

// Expect checks a submission. Reject is an admission code; Status waits
// for the outcome and compares it.
type Expect struct {
	Reject string `yaml:"reject,omitempty"`
	Status string `yaml:"status,omitempty"`
	Reason string `yaml:"reason,omitempty"`
}

// Settle emits an oracle verdict for a sealed batch.
type Settle struct {
	ID      string `yaml:"id,omitempty"`
	Batch   uint64 `yaml:"batch"`
	Verdict string `yaml:"verdict"`
}

// Deposit emits a bridged deposit.
type Deposit struct {
	ID      string `yaml:"id"`
	Account string `yaml:"account"`
	Asset   string `yaml:"asset"`
	Amount  string `yaml:"amount"`
}

// Fail makes the next submissions to an external system fail.
type Fail struct {
	DA      int `yaml:"da,omitempty"`
	Settler int `yaml:"settler,omitempty"`
}

// Assertion checks final state.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type    string `yaml:"type"`
	Account string `yaml:"account,omitempty"`
	Asset   string `yaml:"asset,omitempty"`
	Tx      string `yaml:"tx,omitempty"`
	Batch   uint64 `yaml:"batch,omitempty"`
	// Equals is the expected balance, nonce, status, state or count,
	// depending on Type.
	Equals string `yaml:"equals"`
}

// Assertion types.
const (
	AssertBalance    = "balance"
	AssertNonce      = "nonce"
	AssertOutcome    = "outcome"
	AssertSettlement = "settlement"
	AssertPublished  = "published"
	AssertBatches    = "batches"
)

// LoadScenario reads and validates a scenario file. Unknown keys are
// errors.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var s Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&s); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &s, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	for i, p := range s.Programs {
		if p.Name == "" || p.Code == "" {
			return fmt.Errorf("programs[%d]: name and code are required", i)
		}
		if p.Kind != "lua" && p.Kind != "container" {
			return fmt.Errorf("programs[%d]: unknown kind %q", i, p.Kind)
		}
	}
	for i, st := range s.Steps {
		if err := validateStep(st); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}
	for i, a := range s.Assertions {
		switch a.Type {
		case AssertBalance:
			if a.Account == "" || a.Asset == "" {
				return fmt.Errorf("assertions[%d]: balance needs account and asset", i)
			}
		case AssertNonce:
			if a.Account == "" {
				return fmt.Errorf("assertions[%d]: nonce needs account", i)
			}
		case AssertOutcome:
			if a.Tx == "" {
				return fmt.Errorf("assertions[%d]: outcome needs tx", i)
			}
		case AssertSettlement, AssertPublished:
			if a.Batch == 0 {
				return fmt.Errorf("assertions[%d]: %s needs batch", i, a.Type)
			}
		case AssertBatches:
		default:
			return fmt.Errorf("assertions[%d]: unknown type %q", i, a.Type)
		}
	}
	return nil
}

func validateStep(st Step) error {
	n := 0
	if st.Submit != nil {
		n++
		if st.Submit.From == "" {
			return fmt.Errorf("submit needs from")
		}
		switch st.Submit.Kind {
		case "", "transfer":
			if st.Submit.To == "" || st.Submit.Asset == "" || st.Submit.Value == "" {
				return fmt.Errorf("transfer needs to, asset and value")
			}
		case "call":
			if st.Submit.Program == "" {
				return fmt.Errorf("call needs program")
			}
		default:
			return fmt.Errorf("unknown submit kind %q", st.Submit.Kind)
		}
	}
	if st.Seal {
		n++
	}
	if st.Settle != nil {
		n++
		if st.Settle.Batch == 0 {
			return fmt.Errorf("settle needs batch")
		}
		if st.Settle.Verdict != "confirmed" && st.Settle.Verdict != "reverted" {
			return fmt.Errorf("settle verdict must be confirmed or reverted, got %q", st.Settle.Verdict)
		}
	}
	if st.Deposit != nil {
		n++
		if st.Deposit.ID == "" || st.Deposit.Account == "" || st.Deposit.Asset == "" || st.Deposit.Amount == "" {
			return fmt.Errorf("deposit needs id, account, asset and amount")
		}
	}
	if st.Fail != nil {
		n++
	}
	if st.Wait != "" {
		n++
		if _, err := time.ParseDuration(st.Wait); err != nil {
			return fmt.Errorf("wait: %w", err)
		}
	}
	if n != 1 {
		return fmt.Errorf("exactly one action per step, got %d", n)
	}
	return nil
}
