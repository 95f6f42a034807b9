package features

import (
	"fmt"
	"strconv"
)

// ValidationError describes one feature that failed validation.
type ValidationError struct {
	Feature  string  `json:"feature"`
	Value    float64 `json:"value"`
	Expected Range   `json:"expected"`
	Missing  bool    `json:"missing,omitempty"`
}

func (e ValidationError) Error() string {
	if e.Missing {
		return fmt.Sprintf("%s: missing (should be between %s and %s)", e.Feature, formatFloat(e.Expected.Min), formatFloat(e.Expected.Max))
	}
	return fmt.Sprintf("%s: %s (should be between %s and %s)", e.Feature, strconv.FormatFloat(e.Value, 'g', -1, 64),
		formatFloat(e.Expected.Min), formatFloat(e.Expected.Max))
}

// Validate checks every feature against its range and returns one error per
// out-of-range feature, in canonical order. An empty result means the vector
// is valid. NaN and infinities never satisfy a range.
func Validate(v Vector) []ValidationError {
	var errs []ValidationError
	for i, r := range ranges {
		if !r.Contains(v[i]) {
			errs = append(errs, ValidationError{Feature: names[i], Value: v[i], Expected: r})
		}
	}
	return errs
}

// FromValues builds a vector from named values and validates it. Missing
// features are reported alongside out-of-range ones; unknown keys are ignored.
func FromValues(values Values) (Vector, []ValidationError) {
	var v Vector
	var errs []ValidationError
	for i, n := range names {
		val, ok := values[n]
		if !ok {
			errs = append(errs, ValidationError{Feature: n, Expected: ranges[i], Missing: true})
			continue
		}
		v[i] = val
		if !ranges[i].Contains(val) {
			errs = append(errs, ValidationError{Feature: n, Value: val, Expected: ranges[i]})
		}
	}
	return v, errs
}

// Messages renders validation errors for display, keeping at most limit
// entries when limit is positive.
func Messages(errs []ValidationError, limit int) []string {
	if limit > 0 && len(errs) > limit {
		errs = errs[:limit]
	}
	out := make([]string, len(errs))
	for i, e := range errs {
		out[i] = e.Error()
	}
	return out
}
