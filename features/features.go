// Package features defines the clinical feature vector and its valid ranges.
package features

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Count is the number of features the classifier expects.
const Count = 11

// Canonical feature order. The model, the validator and attribution tie-breaking
// all index features by this order.
var names = [Count]string{"Gender", "AGE", "Urea", "Cr", "HbA1c", "Chol", "TG", "HDL", "LDL", "VLDL", "BMI"}

// Range is an inclusive [Min, Max] interval.
type Range struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Contains reports whether v lies within the range, bounds included.
func (r Range) Contains(v float64) bool {
	return v >= r.Min && v <= r.Max
}

func (r Range) String() string {
	return fmt.Sprintf("(%s, %s)", formatFloat(r.Min), formatFloat(r.Max))
}

var ranges = [Count]Range{
	{0, 1},
	{18, 100},
	{1.0, 50.0},
	{5, 1000},
	{3.0, 15.0},
	{1.0, 10.0},
	{0.1, 50.0},
	{0.1, 5.0},
	{0.1, 10.0},
	{0.1, 50.0},
	{15.0, 50.0},
}

// Names returns the canonical feature names in order.
func Names() []string {
	out := make([]string, Count)
	copy(out, names[:])
	return out
}

// Index returns the canonical position of a feature name.
func Index(name string) (int, bool) {
	for i, n := range names {
		if n == name {
			return i, true
		}
	}
	return -1, false
}

// RangeOf returns the valid range for a feature name.
func RangeOf(name string) (Range, bool) {
	i, ok := Index(name)
	if !ok {
		return Range{}, false
	}
	return ranges[i], true
}

// Spec describes one feature for front-ends that render forms or help text.
type Spec struct {
	Name  string `json:"name"`
	Range Range  `json:"range"`
}

// Specs returns the feature table in canonical order.
func Specs() []Spec {
	out := make([]Spec, Count)
	for i := range names {
		out[i] = Spec{Name: names[i], Range: ranges[i]}
	}
	return out
}

// Vector holds one value per feature in canonical order. It is a value type,
// so a validated vector cannot be mutated behind the caller's back.
type Vector [Count]float64

// Values is the raw name -> value form front-ends receive.
type Values map[string]float64

// UnmarshalJSON drops keys whose value is null, so the validator reports them
// as missing instead of as zero.
func (v *Values) UnmarshalJSON(data []byte) error {
	var raw map[string]*float64
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == nil {
		*v = nil
		return nil
	}
	out := make(Values, len(raw))
	for name, value := range raw {
		if value != nil {
			out[name] = *value
		}
	}
	*v = out
	return nil
}

// Get returns the value of a named feature.
func (v Vector) Get(name string) (float64, bool) {
	i, ok := Index(name)
	if !ok {
		return 0, false
	}
	return v[i], true
}

// Slice returns the vector as a fresh slice for model input.
func (v Vector) Slice() []float64 {
	out := make([]float64, Count)
	copy(out, v[:])
	return out
}

// Values converts the vector back into its named form.
func (v Vector) Values() Values {
	out := make(Values, Count)
	for i, n := range names {
		out[n] = v[i]
	}
	return out
}

// MarshalJSON writes the vector as an object with keys in canonical order.
func (v Vector) MarshalJSON() ([]byte, error) {
	var b strings.Builder
	b.WriteByte('{')
	for i, n := range names {
		if i > 0 {
			b.WriteByte(',')
		}
		key, _ := json.Marshal(n)
		b.Write(key)
		b.WriteByte(':')
		b.WriteString(strconv.FormatFloat(v[i], 'f', -1, 64))
	}
	b.WriteByte('}')
	return []byte(b.String()), nil
}

func (v *Vector) UnmarshalJSON(data []byte) error {
	var values map[string]float64
	if err := json.Unmarshal(data, &values); err != nil {
		return err
	}
	var out Vector
	for name, value := range values {
		i, ok := Index(name)
		if !ok {
			return fmt.Errorf("unknown feature %q", name)
		}
		out[i] = value
	}
	*v = out
	return nil
}

// String renders the vector in the human-readable form stored in the audit log.
func (v Vector) String() string {
	data, _ := v.MarshalJSON()
	return string(data)
}

// FromSlice builds a vector from values given in canonical order.
func FromSlice(values []float64) (Vector, error) {
	var v Vector
	if len(values) != Count {
		return v, fmt.Errorf("expected %d values in order %s, got %d", Count, strings.Join(names[:], " "), len(values))
	}
	copy(v[:], values)
	return v, nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
