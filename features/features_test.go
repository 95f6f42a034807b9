package features

import (
	"encoding/json"
	"math"
	"reflect"
	"testing"
)

func referenceVector() Vector {
	return Vector{0, 50, 4.7, 46, 4.9, 4.2, 0.9, 2.4, 1.4, 0.5, 24.0}
}

func TestValidateReferenceVector(t *testing.T) {
	if errs := Validate(referenceVector()); len(errs) != 0 {
		t.Fatalf("expected no errors, got %v", errs)
	}
}

func TestValidateBoundaries(t *testing.T) {
	for i, name := range Names() {
		r := ranges[i]
		cases := []struct {
			label string
			value float64
			valid bool
		}{
			{"min", r.Min, true},
			{"max", r.Max, true},
			{"below min", math.Nextafter(r.Min, math.Inf(-1)), false},
			{"above max", math.Nextafter(r.Max, math.Inf(1)), false},
		}
		for _, tc := range cases {
			v := referenceVector()
			v[i] = tc.value
			errs := Validate(v)
			if tc.valid && len(errs) != 0 {
				t.Errorf("%s %s: expected valid, got %v", name, tc.label, errs)
			}
			if !tc.valid {
				if len(errs) != 1 || errs[0].Feature != name {
					t.Errorf("%s %s: expected one error on %s, got %v", name, tc.label, name, errs)
				}
			}
		}
	}
}

func TestValidateAgeBelowMinimum(t *testing.T) {
	v := referenceVector()
	v[1] = 17

	errs := Validate(v)
	if len(errs) != 1 {
		t.Fatalf("expected exactly one error, got %d", len(errs))
	}
	if errs[0].Feature != "AGE" {
		t.Fatalf("expected AGE, got %s", errs[0].Feature)
	}
	if errs[0].Expected != (Range{Min: 18, Max: 100}) {
		t.Fatalf("unexpected range: %v", errs[0].Expected)
	}
	if errs[0].Value != 17 {
		t.Fatalf("unexpected value: %v", errs[0].Value)
	}
}

func TestValidateIsDeterministic(t *testing.T) {
	v := Vector{2, 10, 0, 2000, 4.9, 4.2, 0.9, 2.4, 1.4, 0.5, 60}
	first := Validate(v)
	second := Validate(v)
	if len(first) != 5 {
		t.Fatalf("expected 5 errors, got %d: %v", len(first), first)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("validation not deterministic: %v vs %v", first, second)
	}
	want := []string{"Gender", "AGE", "Urea", "Cr", "BMI"}
	for i, e := range first {
		if e.Feature != want[i] {
			t.Fatalf("error %d: expected %s, got %s", i, want[i], e.Feature)
		}
	}
}

func TestValidateRejectsNaN(t *testing.T) {
	v := referenceVector()
	v[4] = math.NaN()
	errs := Validate(v)
	if len(errs) != 1 || errs[0].Feature != "HbA1c" {
		t.Fatalf("expected HbA1c error, got %v", errs)
	}
}

func TestFromValuesReportsMissing(t *testing.T) {
	values := referenceVector().Values()
	delete(values, "TG")
	values["BMI"] = 51
	values["Unknown"] = 3

	_, errs := FromValues(values)
	if len(errs) != 2 {
		t.Fatalf("expected 2 errors, got %v", errs)
	}
	if errs[0].Feature != "TG" || !errs[0].Missing {
		t.Fatalf("expected missing TG first, got %+v", errs[0])
	}
	if errs[1].Feature != "BMI" || errs[1].Missing {
		t.Fatalf("expected out-of-range BMI, got %+v", errs[1])
	}
}

func TestFromValuesRoundTrip(t *testing.T) {
	v, errs := FromValues(referenceVector().Values())
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if v != referenceVector() {
		t.Fatalf("vector mismatch: %v", v)
	}
}

func TestVectorMarshalKeepsCanonicalOrder(t *testing.T) {
	data, err := json.Marshal(referenceVector())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"Gender":0,"AGE":50,"Urea":4.7,"Cr":46,"HbA1c":4.9,"Chol":4.2,"TG":0.9,"HDL":2.4,"LDL":1.4,"VLDL":0.5,"BMI":24}`
	if string(data) != want {
		t.Fatalf("got %s", data)
	}

	var back Vector
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back != referenceVector() {
		t.Fatalf("unmarshal mismatch: %v", back)
	}
	if err := json.Unmarshal([]byte(`{"Glucose":5}`), &back); err == nil {
		t.Fatal("expected error for an unknown feature")
	}
}

func TestMessagesTruncates(t *testing.T) {
	errs := Validate(Vector{})
	if got := Messages(errs, 3); len(got) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(got))
	}
	if got := Messages(errs, 0); len(got) != len(errs) {
		t.Fatalf("expected all messages, got %d", len(got))
	}
	if got := errs[0].Error(); got != "AGE: 0 (should be between 18 and 100)" {
		t.Fatalf("unexpected message %q", got)
	}
}

func TestFromSliceLength(t *testing.T) {
	if _, err := FromSlice([]float64{1, 2}); err == nil {
		t.Fatal("expected error for short slice")
	}
}

func TestValuesUnmarshalTreatsNullAsMissing(t *testing.T) {
	var values Values
	data := `{"Gender":null,"AGE":null,"Urea":4.7,"Cr":46,"HbA1c":4.9,"Chol":4.2,"TG":0.9,"HDL":2.4,"LDL":1.4,"VLDL":0.5,"BMI":24}`
	if err := json.Unmarshal([]byte(data), &values); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := values["Gender"]; ok {
		t.Fatal("null Gender must not decode as a present zero")
	}
	_, errs := FromValues(values)
	if len(errs) != 2 || !errs[0].Missing || errs[0].Feature != "Gender" || !errs[1].Missing || errs[1].Feature != "AGE" {
		t.Fatalf("expected Gender and AGE missing, got %+v", errs)
	}

	if err := json.Unmarshal([]byte(`{"AGE":"old"}`), &values); err == nil {
		t.Fatal("expected error for a non-numeric value")
	}
}
