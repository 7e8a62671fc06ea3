package harness

import "github.com/roach88/meshsync/internal/ir"

// Trace operations.
const (
	OpConnect    = "connect"
	OpDisconnect = "disconnect"
	OpUpdate     = "update"
)

// TraceEvent records one executed step.
type TraceEvent struct {
	Seq    int64    `json:"seq"`
	Op     string   `json:"op"`
	Peer   string   `json:"peer"`
	Target string   `json:"target,omitempty"`
	Path   string   `json:"path,omitempty"`
	Value  ir.Value `json:"value,omitempty"`
	TS     int64    `json:"ts,omitempty"`
}

// toValue converts the event to its canonical form.
func (e TraceEvent) toValue() ir.Value {
	obj := ir.Object{
		"seq":  ir.Int(e.Seq),
		"op":   ir.String(e.Op),
		"peer": ir.String(e.Peer),
	}
	if e.Target != "" {
		obj["target"] = ir.String(e.Target)
	}
	if e.Path != "" {
		obj["path"] = ir.String(e.Path)
	}
	if e.Value != nil {
		obj["value"] = e.Value
	}
	if e.TS != 0 {
		obj["ts"] = ir.Int(e.TS)
	}
	return obj
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every assertion held.
	Pass bool `json:"pass"`

	// Trace contains the executed steps in order.
	Trace []TraceEvent `json:"trace"`

	// Errors holds one message per failed assertion.
	Errors []string `json:"errors,omitempty"`

	// Digests maps each peer to its replica digest after the last step.
	Digests map[string]string `json:"digests"`

	// Final is the stamped tree of the first peer after the last step.
	Final ir.Value `json:"final"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:    true,
		Trace:   []TraceEvent{},
		Errors:  []string{},
		Digests: make(map[string]string),
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

func (r *Result) addTrace(ev TraceEvent) {
	ev.Seq = int64(len(r.Trace) + 1)
	r.Trace = append(r.Trace, ev)
}
