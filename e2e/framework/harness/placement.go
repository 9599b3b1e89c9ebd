package harness

import (
	"errors"
	"fmt"
	"strings"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Snapshot is the process listing of every inspected role, captured in one
// pass and kept in inspection order.
type Snapshot = *orderedmap.OrderedMap[string, string]

// NewSnapshot builds a Snapshot from role and listing pairs.
func NewSnapshot(pairs ...orderedmap.Pair[string, string]) Snapshot {
	return orderedmap.New[string, string](orderedmap.WithInitialData(pairs...))
}

// Expectation states that Marker must appear in the listing of Role. Unless
// AllowElsewhere is set, it must also be absent from every other role.
type Expectation struct {
	Role           string `json:"role" yaml:"role"`
	Marker         string `json:"marker" yaml:"marker"`
	Name           string `json:"name,omitempty" yaml:"name,omitempty"`
	AllowElsewhere bool   `json:"allowElsewhere,omitempty" yaml:"allowElsewhere,omitempty"`
}

// DisplayName returns Name, falling back to Marker.
func (e Expectation) DisplayName() string {
	if e.Name != "" {
		return e.Name
	}
	return strings.TrimPrefix(e.Marker, ".")
}

// CheckMarker evaluates one expectation against snapshot.
func CheckMarker(snapshot Snapshot, exp Expectation) []error {
	var errs []error
	own, ok := snapshot.Get(exp.Role)
	if !ok || !strings.Contains(own, exp.Marker) {
		errs = append(errs, fmt.Errorf("%s not started on %s", exp.DisplayName(), exp.Role))
	}
	if exp.AllowElsewhere {
		return errs
	}
	for pair := snapshot.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Key == exp.Role {
			continue
		}
		if strings.Contains(pair.Value, exp.Marker) {
			errs = append(errs, fmt.Errorf("%s should not be running on %s", exp.DisplayName(), pair.Key))
		}
	}
	return errs
}

// Placed reports whether every expectation holds for snapshot.
func Placed(snapshot Snapshot, exps []Expectation) bool {
	for _, exp := range exps {
		if len(CheckMarker(snapshot, exp)) > 0 {
			return false
		}
	}
	return true
}

// AssertPlacement checks every expectation against the same snapshot and
// joins all violations.
func AssertPlacement(snapshot Snapshot, exps []Expectation) error {
	var errs []error
	for _, exp := range exps {
		errs = append(errs, CheckMarker(snapshot, exp)...)
	}
	if len(errs) == 0 {
		return nil
	}
	return &AssertionFailedError{
		Step:   "placement",
		Output: FormatSnapshot(snapshot),
		Reason: errors.Join(errs...).Error(),
	}
}

// FormatSnapshot renders snapshot for failure reports.
func FormatSnapshot(snapshot Snapshot) string {
	var b strings.Builder
	for pair := snapshot.Oldest(); pair != nil; pair = pair.Next() {
		fmt.Fprintf(&b, "== %s ==\n%s", pair.Key, pair.Value)
		if !strings.HasSuffix(pair.Value, "\n") {
			b.WriteString("\n")
		}
	}
	return b.String()
}
