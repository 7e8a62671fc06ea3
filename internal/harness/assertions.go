package harness

import (
	"fmt"
	"strings"

	"github.com/roach88/meshsync/internal/fault"
	"github.com/roach88/meshsync/internal/ir"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string // Assertion type for categorization
	Expected string // Human-readable expected outcome
	Actual   string // Human-readable actual outcome
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s", e.Actual)
	return buf.String()
}

// evaluate checks every assertion and returns one message per failure.
func (h *Harness) evaluate(assertions []Assertion, result *Result) []string {
	var failures []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertConverged:
			err = assertConverged(result.Digests, h.scope(a.Peers))
		case AssertValue:
			err = h.assertValue(a)
		case AssertAbsent:
			err = h.assertAbsent(a)
		default:
			err = fmt.Errorf("unknown assertion type %q", a.Type)
		}
		if err != nil {
			failures = append(failures, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return failures
}

func (h *Harness) scope(peers []string) []string {
	if len(peers) == 0 {
		return h.order
	}
	return peers
}

// assertConverged checks that all listed peers report the same digest.
func assertConverged(digests map[string]string, peers []string) error {
	first := digests[peers[0]]
	var diverged []string
	for _, p := range peers[1:] {
		if digests[p] != first {
			diverged = append(diverged, p)
		}
	}
	if len(diverged) == 0 {
		return nil
	}
	return &AssertionError{
		Type:     AssertConverged,
		Expected: fmt.Sprintf("%s share one digest", strings.Join(peers, ", ")),
		Actual:   fmt.Sprintf("%s differ from %s", strings.Join(diverged, ", "), peers[0]),
	}
}

func (h *Harness) assertValue(a Assertion) error {
	expect, err := ir.FromGo(a.Expect)
	if err != nil {
		return fmt.Errorf("expect: %w", err)
	}
	got, err := h.peers[a.Peer].node.GetContext(a.Path)
	if err != nil {
		actual := err.Error()
		if fault.IsNotFound(err) {
			actual = "no value"
		}
		return &AssertionError{
			Type:     AssertValue,
			Expected: fmt.Sprintf("%s on %s = %s", a.Path, a.Peer, render(expect)),
			Actual:   actual,
		}
	}
	if !ir.Equal(got, expect) {
		return &AssertionError{
			Type:     AssertValue,
			Expected: fmt.Sprintf("%s on %s = %s", a.Path, a.Peer, render(expect)),
			Actual:   render(got),
		}
	}
	return nil
}

func (h *Harness) assertAbsent(a Assertion) error {
	n := h.peers[a.Peer].node
	if !n.Has(a.Path) {
		return nil
	}
	got, _ := n.GetContext(a.Path)
	return &AssertionError{
		Type:     AssertAbsent,
		Expected: fmt.Sprintf("nothing at %s on %s", a.Path, a.Peer),
		Actual:   render(got),
	}
}

func render(v ir.Value) string {
	if v == nil {
		return "<nil>"
	}
	b, err := ir.MarshalCanonical(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
