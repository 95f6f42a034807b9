package cli

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"diabetesai/features"
	"diabetesai/pipeline"
	"diabetesai/ratelimit"
)

// describeError rewrites pipeline errors for a terminal.
func describeError(err error) error {
	var (
		validation *pipeline.ValidationError
		exceeded   *ratelimit.ExceededError
	)
	switch {
	case errors.As(err, &validation):
		return fmt.Errorf("validation failed:\n  %s", strings.Join(features.Messages(validation.Errors, 0), "\n  "))
	case errors.As(err, &exceeded):
		return fmt.Errorf("rate limit exceeded: %d requests per %s, retry in %s",
			exceeded.Limit, exceeded.Window, exceeded.RetryAfter.Round(time.Second))
	}
	return err
}
