package capability

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/roach88/meshsync/internal/fault"
	"github.com/roach88/meshsync/internal/ir"
)

// Op is a predicate comparison.
type Op string

const (
	OpEq       Op = "=="
	OpNe       Op = "!="
	OpExists   Op = "exists"
	OpLt       Op = "<"
	OpLe       Op = "<="
	OpGt       Op = ">"
	OpGe       Op = ">="
	OpContains Op = "contains"
)

var validOps = map[Op]bool{
	OpEq: true, OpNe: true, OpExists: true,
	OpLt: true, OpLe: true, OpGt: true, OpGe: true,
	OpContains: true,
}

// Predicate tests one value inside a category descriptor. A missing
// category or path makes every operator false, including !=.
type Predicate struct {
	Category Category `json:"category"`
	Path     []string `json:"path,omitempty"`
	Op       Op       `json:"op"`
	Value    ir.Raw   `json:"value"`
}

// Eq builds category.path == v.
func Eq(category Category, path string, v ir.Value) Predicate {
	return Predicate{Category: category, Path: splitPath(path), Op: OpEq, Value: ir.Raw{Value: v}}
}

// Exists builds "category.path exists".
func Exists(category Category, path string) Predicate {
	return Predicate{Category: category, Path: splitPath(path), Op: OpExists}
}

// Validate checks the category and operator.
func (p Predicate) Validate() error {
	if !p.Category.Valid() {
		return fault.New(fault.CodeInvalidParams, "capability.predicate", "unknown category %q", p.Category)
	}
	if !validOps[p.Op] {
		return fault.New(fault.CodeInvalidParams, "capability.predicate", "unknown operator %q", p.Op)
	}
	if p.Op != OpExists && p.Value.Value == nil {
		return fault.New(fault.CodeInvalidParams, "capability.predicate", "operator %s needs a value", p.Op)
	}
	return nil
}

// String renders the textual form accepted by ParsePredicate.
func (p Predicate) String() string {
	lhs := strings.Join(append([]string{string(p.Category)}, p.Path...), ".")
	if p.Op == OpExists {
		return lhs + " exists"
	}
	lit, err := ir.Marshal(p.Value.Value)
	if err != nil {
		lit = []byte("?")
	}
	return fmt.Sprintf("%s %s %s", lhs, p.Op, lit)
}

// ParsePredicate parses "category.path op literal". The literal is JSON
// (true, 3, 2.5, "text", [1,2]); anything that is not valid JSON is taken
// as a bare string.
//
//	sensor.microphone.present == true
//	compute.cores >= 4
//	connectivity.radios contains "ble"
//	display exists
func ParsePredicate(s string) (Predicate, error) {
	fields := strings.Fields(s)
	if len(fields) < 2 {
		return Predicate{}, fault.New(fault.CodeInvalidParams, "capability.parse", "expected \"category.path op [value]\", got %q", s)
	}
	segs := splitPath(fields[0])
	p := Predicate{
		Category: Category(segs[0]),
		Path:     segs[1:],
		Op:       Op(fields[1]),
	}
	if p.Op != OpExists {
		if len(fields) < 3 {
			return Predicate{}, fault.New(fault.CodeInvalidParams, "capability.parse", "operator %s needs a value in %q", p.Op, s)
		}
		// Slice the original text so quoted strings keep their spaces.
		rest := strings.TrimSpace(s)
		rest = strings.TrimSpace(rest[len(fields[0]):])
		rest = strings.TrimSpace(rest[len(fields[1]):])
		p.Value = ir.Raw{Value: parseLiteral(rest)}
	} else if len(fields) > 2 {
		return Predicate{}, fault.New(fault.CodeInvalidParams, "capability.parse", "exists takes no value in %q", s)
	}
	if err := p.Validate(); err != nil {
		return Predicate{}, err
	}
	return p, nil
}

func parseLiteral(lit string) ir.Value {
	var raw any
	dec := json.NewDecoder(strings.NewReader(lit))
	dec.UseNumber()
	if err := dec.Decode(&raw); err == nil && !dec.More() {
		if v, err := ir.FromGo(raw); err == nil {
			return v
		}
	}
	return ir.String(lit)
}

func splitPath(path string) []string {
	if path == "" {
		return nil
	}
	return strings.Split(path, ".")
}

func (p Predicate) eval(entries map[Category]ir.Value) bool {
	root, ok := entries[p.Category]
	if !ok {
		return false
	}
	actual, ok := lookup(root, p.Path)
	if !ok {
		return false
	}
	want := p.Value.Value

	switch p.Op {
	case OpExists:
		return true
	case OpEq:
		return valuesEqual(actual, want)
	case OpNe:
		return !valuesEqual(actual, want)
	case OpLt, OpLe, OpGt, OpGe:
		a, aok := number(actual)
		b, bok := number(want)
		if !aok || !bok {
			return false
		}
		switch p.Op {
		case OpLt:
			return a < b
		case OpLe:
			return a <= b
		case OpGt:
			return a > b
		default:
			return a >= b
		}
	case OpContains:
		switch val := actual.(type) {
		case ir.Array:
			for _, elem := range val {
				if valuesEqual(elem, want) {
					return true
				}
			}
			return false
		case ir.String:
			s, ok := want.(ir.String)
			return ok && strings.Contains(string(val), string(s))
		default:
			return false
		}
	default:
		return false
	}
}

func lookup(v ir.Value, path []string) (ir.Value, bool) {
	cur := v
	for _, seg := range path {
		switch val := cur.(type) {
		case ir.Object:
			next, ok := val[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case ir.Array:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(val) {
				return nil, false
			}
			cur = val[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

// valuesEqual is ir.Equal except that Int and Float compare numerically.
func valuesEqual(a, b ir.Value) bool {
	if x, ok := number(a); ok {
		if y, ok := number(b); ok {
			return x == y
		}
	}
	return ir.Equal(a, b)
}

func number(v ir.Value) (float64, bool) {
	switch n := v.(type) {
	case ir.Int:
		return float64(n), true
	case ir.Float:
		return float64(n), true
	default:
		return 0, false
	}
}
