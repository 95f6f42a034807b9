package chat

import (
	"fmt"
	"strconv"
	"strings"

	"diabetesai/features"

	"golang.org/x/text/width"
)

// ParseValues reads the eleven feature values of a command, in canonical order.
// Values may be separated by spaces or commas. Full-width digits and
// punctuation, as typed by CJK input methods, are folded to ASCII first.
func ParseValues(text string) (features.Values, error) {
	text = width.Narrow.String(text)
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return r == ',' || r == ';' || r == ' ' || r == '\t' || r == '\n' || r == '\r'
	})

	names := features.Names()
	if len(fields) != len(names) {
		return nil, fmt.Errorf("expected %d values in order: %s (got %d)",
			len(names), strings.Join(names, " "), len(fields))
	}

	values := make(features.Values, len(names))
	for i, field := range fields {
		v, err := strconv.ParseFloat(field, 64)
		if err != nil {
			return nil, fmt.Errorf("all input values must be numbers: %s is %q", names[i], field)
		}
		values[names[i]] = v
	}
	return values, nil
}
