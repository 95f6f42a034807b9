// Package explain turns raw explainer output into a ranked attribution for the
// predicted class. Explanation is best effort: failures degrade to an empty
// attribution and are reported on the Result, never returned as errors.
package explain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"diabetesai/features"
	"diabetesai/ml"

	"go.uber.org/zap"
)

const (
	DefaultTopK    = 5
	DefaultTimeout = 2 * time.Second
)

var (
	ErrTimeout     = errors.New("explainer timed out")
	ErrUnsupported = errors.New("model does not support explanation")
	ErrShape       = errors.New("explainer returned scores of unexpected shape")
)

// Contribution is one feature's signed contribution to the predicted class.
type Contribution struct {
	Feature string  `json:"feature"`
	Score   float64 `json:"score"`
}

// Attribution is an ordered feature -> score mapping, largest magnitude first.
type Attribution []Contribution

// MarshalJSON writes the attribution as an object that keeps ranking order.
func (a Attribution) MarshalJSON() ([]byte, error) {
	var b strings.Builder
	b.WriteByte('{')
	for i, c := range a {
		if i > 0 {
			b.WriteByte(',')
		}
		key, err := json.Marshal(c.Feature)
		if err != nil {
			return nil, err
		}
		b.Write(key)
		b.WriteByte(':')
		b.WriteString(strconv.FormatFloat(c.Score, 'g', -1, 64))
	}
	b.WriteByte('}')
	return []byte(b.String()), nil
}

// UnmarshalJSON reads the object form back, keeping key order.
func (a *Attribution) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*a = nil
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("attribution: expected object, got %v", tok)
	}
	out := Attribution{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		feature, _ := tok.(string)
		var score float64
		if err := dec.Decode(&score); err != nil {
			return fmt.Errorf("attribution %s: %w", feature, err)
		}
		out = append(out, Contribution{Feature: feature, Score: score})
	}
	*a = out
	return nil
}

// String is the human-readable form stored in the audit log.
func (a Attribution) String() string {
	data, _ := a.MarshalJSON()
	return string(data)
}

// Top returns at most n leading entries.
func (a Attribution) Top(n int) Attribution {
	if n >= 0 && len(a) > n {
		return a[:n]
	}
	return a
}

// Result is the outcome of one explanation attempt.
type Result struct {
	Attribution Attribution
	Degraded    bool
	Err         error
}

type Config struct {
	TopK    int
	Timeout time.Duration
}

// Adapter wraps an explainer capability. A nil explainer is treated as an
// unsupported model type.
type Adapter struct {
	explainer ml.Explainer
	classes   func() []string
	topK      int
	timeout   time.Duration
	logger    *zap.Logger
}

// NewAdapter builds an adapter. classes reports the model's class order so
// per-class score arrays can be matched to the predicted class.
func NewAdapter(explainer ml.Explainer, classes func() []string, config Config, logger *zap.Logger) *Adapter {
	if config.TopK <= 0 {
		config.TopK = DefaultTopK
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{
		explainer: explainer,
		classes:   classes,
		topK:      config.TopK,
		timeout:   config.Timeout,
		logger:    logger,
	}
}

// Explain ranks the contributions towards class for vector.
func (a *Adapter) Explain(ctx context.Context, vector features.Vector, class string) Result {
	var classes []string
	if a.classes != nil {
		classes = a.classes()
	}
	return a.ExplainWith(ctx, a.explainer, classes, vector, class)
}

// ExplainWith is Explain against a given explainer and its class order, for
// callers that pinned one model for the whole request.
func (a *Adapter) ExplainWith(ctx context.Context, explainer ml.Explainer, classes []string, vector features.Vector, class string) Result {
	scores, err := a.call(ctx, explainer, vector, class)
	if err == nil {
		var selected []float64
		selected, err = selectScores(scores, classes, class)
		if err == nil {
			return Result{Attribution: Rank(selected, a.topK)}
		}
	}
	a.logger.Warn("explanation degraded", zap.String("class", class), zap.Error(err))
	return Result{Attribution: Attribution{}, Degraded: true, Err: err}
}

type callResult struct {
	scores ml.Scores
	err    error
}

// call runs the explainer on its own goroutine so a hung explainer cannot hold
// the request past the timeout. The goroutine finishes on its own.
func (a *Adapter) call(ctx context.Context, explainer ml.Explainer, vector features.Vector, class string) (ml.Scores, error) {
	if explainer == nil {
		return ml.Scores{}, ErrUnsupported
	}
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	done := make(chan callResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- callResult{err: fmt.Errorf("explainer panic: %v", r)}
			}
		}()
		scores, err := explainer.Attribution(vector.Slice(), class)
		done <- callResult{scores: scores, err: err}
	}()

	select {
	case res := <-done:
		return res.scores, res.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ml.Scores{}, ErrTimeout
		}
		return ml.Scores{}, ctx.Err()
	}
}

func selectScores(scores ml.Scores, classes []string, class string) ([]float64, error) {
	selected := scores.Values
	if scores.ByClass != nil {
		idx := -1
		for i, c := range classes {
			if c == class {
				idx = i
				break
			}
		}
		if idx < 0 || idx >= len(scores.ByClass) {
			return nil, fmt.Errorf("%w: no score array for class %q", ErrShape, class)
		}
		selected = scores.ByClass[idx]
	}
	if len(selected) != features.Count {
		return nil, fmt.Errorf("%w: %d scores for %d features", ErrShape, len(selected), features.Count)
	}
	for i, v := range selected {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%w: non-finite score for feature %d", ErrShape, i)
		}
	}
	return selected, nil
}

// Rank orders scores (given in canonical feature order) by descending absolute
// value and keeps the first k. Equal magnitudes keep canonical order.
func Rank(scores []float64, k int) Attribution {
	names := features.Names()
	idx := make([]int, len(scores))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(i, j int) bool {
		return math.Abs(scores[idx[i]]) > math.Abs(scores[idx[j]])
	})
	if k > len(idx) {
		k = len(idx)
	}
	out := make(Attribution, 0, k)
	for _, i := range idx[:k] {
		out = append(out, Contribution{Feature: names[i], Score: scores[i]})
	}
	return out
}
