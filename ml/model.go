package ml

import "errors"

var (
	ErrNotTrained    = errors.New("model not trained")
	ErrNoModel       = errors.New("no model loaded")
	ErrUnknownClass  = errors.New("unknown class label")
	ErrFeatureLength = errors.New("feature vector length mismatch")
)

// Classifier predicts a class label for a feature vector given in canonical order.
type Classifier interface {
	Classes() []string
	Predict(features []float64) (string, error)
}

// Scores is what an explainer returns. Multiclass explainers fill ByClass with
// one score array per entry of Classes(); others fill Values.
type Scores struct {
	ByClass [][]float64
	Values  []float64
}

// Explainer computes per-feature contributions towards a predicted class.
type Explainer interface {
	Attribution(features []float64, class string) (Scores, error)
}

// MLModel is a persisted model that can both classify and explain.
type MLModel interface {
	Classifier
	Explainer
	Type() string
	FeatureNames() []string
	Save(path string) error
	Load(path string) error
}

// ModelSource hands out the model currently being served. Callers that need
// several calls to agree on one model take a single Model() per request.
type ModelSource interface {
	Model() MLModel
}

func classIndex(classes []string, class string) (int, error) {
	for i, c := range classes {
		if c == class {
			return i, nil
		}
	}
	return -1, ErrUnknownClass
}

func argmax(values []float64) int {
	best := 0
	for i, v := range values {
		if v > values[best] {
			best = i
		}
	}
	return best
}
