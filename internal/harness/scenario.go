package harness

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Scenario defines a conformance test scenario.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Descriptor is the persistence descriptor to install.
	// Relative paths are resolved against the scenario file location.
	Descriptor string `yaml:"descriptor"`

	// Units restricts installation to these unit names. Empty means all.
	Units []string `yaml:"units,omitempty"`

	// Parallel starts units of equal priority concurrently.
	Parallel bool `yaml:"parallel,omitempty"`

	// Flow contains the statements to run, in order.
	Flow []FlowStep `yaml:"flow"`

	// Assertions validate the final trace and state.
	// Supported types: hook_order, tx_count, final_state
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// FlowStep runs one statement on a unit inside its own transaction.
// Exactly one of Exec and Query is set.
type FlowStep struct {
	// Unit is a unit name or marker.
	Unit string `yaml:"unit"`

	Exec  string `yaml:"exec,omitempty"`
	Query string `yaml:"query,omitempty"`

	// Fail forces a rollback after the statement succeeded.
	Fail bool `yaml:"fail,omitempty"`

	// Expect is checked against the step's outcome. Nil expects a commit.
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// Statement returns the step's SQL.
func (s FlowStep) Statement() string {
	if s.Query != "" {
		return s.Query
	}
	return s.Exec
}

// ExpectClause specifies expected step behavior.
type ExpectClause struct {
	// Outcome is committed (the default) or rolled_back.
	Outcome string `yaml:"outcome,omitempty"`

	// RowsAffected is checked for exec steps when set.
	RowsAffected *int64 `yaml:"rows_affected,omitempty"`

	// Rows is checked for query steps when set, values rendered as text.
	Rows [][]string `yaml:"rows,omitempty"`
}

// Assertion validates trace or final state.
type Assertion struct {
	// Type is one of hook_order, tx_count or final_state.
	Type string `yaml:"type"`

	// Hooks is the expected hook order (hook_order).
	Hooks []string `yaml:"hooks,omitempty"`

	// Outcome and Count are used by tx_count.
	Outcome string `yaml:"outcome,omitempty"`
	Count   int    `yaml:"count,omitempty"`

	// Unit, Table, Where and Expect are used by final_state.
	// Where and Expect use exact and subset matching respectively.
	Unit   string         `yaml:"unit,omitempty"`
	Table  string         `yaml:"table,omitempty"`
	Where  map[string]any `yaml:"where,omitempty"`
	Expect map[string]any `yaml:"expect,omitempty"`
}

// Assertion type constants.
const (
	AssertHookOrder  = "hook_order"
	AssertTxCount    = "tx_count"
	AssertFinalState = "final_state"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	// KnownFields catches typos like "assertion:" vs "assertions:"
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if scenario.Descriptor != "" && !filepath.IsAbs(scenario.Descriptor) {
		scenario.Descriptor = filepath.Join(filepath.Dir(path), scenario.Descriptor)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return errors.New("name is required")
	}
	if s.Description == "" {
		return errors.New("description is required")
	}
	if s.Descriptor == "" {
		return errors.New("descriptor is required")
	}
	if _, err := os.Stat(s.Descriptor); os.IsNotExist(err) {
		return fmt.Errorf("descriptor file not found: %s", s.Descriptor)
	}
	if len(s.Flow) == 0 {
		return errors.New("flow list is required and must be non-empty")
	}

	for i, step := range s.Flow {
		if step.Unit == "" {
			return fmt.Errorf("flow[%d]: unit is required", i)
		}
		if (step.Exec == "") == (step.Query == "") {
			return fmt.Errorf("flow[%d]: exactly one of exec and query is required", i)
		}
		if step.Expect != nil {
			if err := validateOutcome(step.Expect.Outcome, true); err != nil {
				return fmt.Errorf("flow[%d].expect: %w", i, err)
			}
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(i, a); err != nil {
			return err
		}
	}
	return nil
}

func validateOutcome(outcome string, allowEmpty bool) error {
	switch outcome {
	case OutcomeCommitted, OutcomeRolledBack:
		return nil
	case "":
		if allowEmpty {
			return nil
		}
		return errors.New("outcome is required")
	default:
		return fmt.Errorf("unknown outcome %q", outcome)
	}
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a Assertion) error {
	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertHookOrder:
		if len(a.Hooks) == 0 {
			return fmt.Errorf("assertions[%d]: hooks list is required for hook_order", index)
		}
	case AssertTxCount:
		if err := validateOutcome(a.Outcome, false); err != nil {
			return fmt.Errorf("assertions[%d]: %w", index, err)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for tx_count", index)
		}
	case AssertFinalState:
		if a.Unit == "" {
			return fmt.Errorf("assertions[%d]: unit is required for final_state", index)
		}
		if a.Table == "" {
			return fmt.Errorf("assertions[%d]: table is required for final_state", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
