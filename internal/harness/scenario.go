package harness

import (
	"bytes"
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/roach88/meshsync/internal/ctxstore"
)

// Scenario defines a convergence scenario.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Peers lists the node ids. The first peer's tree is the golden tree.
	Peers []string `yaml:"peers"`

	// Duplicates makes the hub deliver every message twice.
	Duplicates bool `yaml:"duplicates,omitempty"`

	// Steps run in order; the mesh settles after each one.
	Steps []Step `yaml:"steps"`

	// Assertions are checked once every step has run.
	Assertions []Assertion `yaml:"assertions"`
}

// Step is exactly one of Connect, Disconnect or Update.
type Step struct {
	// Connect links two peers: [from, to].
	Connect []string `yaml:"connect,omitempty"`

	// Disconnect drops the link between two peers.
	Disconnect []string `yaml:"disconnect,omitempty"`

	// Update writes a value on one peer.
	Update *UpdateStep `yaml:"update,omitempty"`
}

// UpdateStep writes Value at Path on Peer.
type UpdateStep struct {
	Peer  string `yaml:"peer"`
	Path  string `yaml:"path"`
	Value any    `yaml:"value"`

	// At pins the write timestamp. Zero takes the next clock tick.
	At int64 `yaml:"at,omitempty"`
}

// Assertion validates the final replicas.
type Assertion struct {
	// Type is one of converged, value, absent.
	Type string `yaml:"type"`

	// Peer is the replica to inspect (value, absent).
	Peer string `yaml:"peer,omitempty"`

	// Path is the context path to inspect (value, absent).
	Path string `yaml:"path,omitempty"`

	// Expect is the expected value (value).
	Expect any `yaml:"expect,omitempty"`

	// Peers restricts converged to a subset. Empty means all peers.
	Peers []string `yaml:"peers,omitempty"`
}

// Assertion type constants.
const (
	AssertConverged = "converged"
	AssertValue     = "value"
	AssertAbsent    = "absent"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields, or fails validation.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes and validates a scenario document.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Peers) == 0 {
		return fmt.Errorf("peers list is required and must be non-empty")
	}
	seen := make(map[string]bool, len(s.Peers))
	for i, p := range s.Peers {
		if p == "" {
			return fmt.Errorf("peers[%d]: empty peer id", i)
		}
		if seen[p] {
			return fmt.Errorf("peers[%d]: duplicate peer %q", i, p)
		}
		seen[p] = true
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i := range s.Steps {
		if err := validateStep(i, &s.Steps[i], s.Peers); err != nil {
			return err
		}
	}
	for i := range s.Assertions {
		if err := validateAssertion(i, &s.Assertions[i], s.Peers); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, st *Step, peers []string) error {
	set := 0
	if st.Connect != nil {
		set++
	}
	if st.Disconnect != nil {
		set++
	}
	if st.Update != nil {
		set++
	}
	if set != 1 {
		return fmt.Errorf("steps[%d]: exactly one of connect, disconnect, update is required", index)
	}

	switch {
	case st.Connect != nil:
		return validatePair(index, OpConnect, st.Connect, peers)
	case st.Disconnect != nil:
		return validatePair(index, OpDisconnect, st.Disconnect, peers)
	}

	u := st.Update
	if !slices.Contains(peers, u.Peer) {
		return fmt.Errorf("steps[%d]: unknown peer %q", index, u.Peer)
	}
	if _, err := ctxstore.ParsePath(u.Path); err != nil {
		return fmt.Errorf("steps[%d]: %w", index, err)
	}
	if u.Value == nil {
		return fmt.Errorf("steps[%d]: value is required for update", index)
	}
	if u.At < 0 {
		return fmt.Errorf("steps[%d]: at must be positive", index)
	}
	return nil
}

func validatePair(index int, op string, pair, peers []string) error {
	if len(pair) != 2 {
		return fmt.Errorf("steps[%d]: %s takes exactly two peers", index, op)
	}
	if pair[0] == pair[1] {
		return fmt.Errorf("steps[%d]: %s needs two distinct peers", index, op)
	}
	for _, p := range pair {
		if !slices.Contains(peers, p) {
			return fmt.Errorf("steps[%d]: unknown peer %q", index, p)
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion, peers []string) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertConverged:
		for _, p := range a.Peers {
			if !slices.Contains(peers, p) {
				return fmt.Errorf("assertions[%d]: unknown peer %q", index, p)
			}
		}
	case AssertValue, AssertAbsent:
		if !slices.Contains(peers, a.Peer) {
			return fmt.Errorf("assertions[%d]: unknown peer %q", index, a.Peer)
		}
		if _, err := ctxstore.ParsePath(a.Path); err != nil {
			return fmt.Errorf("assertions[%d]: %w", index, err)
		}
		if a.Type == AssertValue && a.Expect == nil {
			return fmt.Errorf("assertions[%d]: expect is required for value", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
