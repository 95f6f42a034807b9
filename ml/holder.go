package ml

import (
	"sync/atomic"
	"time"
)

// Info describes the model currently being served.
type Info struct {
	Type     string    `json:"model_type"`
	Classes  []string  `json:"classes"`
	Features []string  `json:"features"`
	LoadedAt time.Time `json:"loaded_at"`
}

type loaded struct {
	model    MLModel
	loadedAt time.Time
}

// Holder serves whichever model was stored last. Loaded models are never
// mutated, so readers use them without locks while a reload swaps the pointer.
type Holder struct {
	current atomic.Pointer[loaded]
}

func NewHolder(model MLModel) *Holder {
	h := &Holder{}
	if model != nil {
		h.Swap(model)
	}
	return h
}

func (h *Holder) Swap(model MLModel) {
	h.current.Store(&loaded{model: model, loadedAt: time.Now()})
}

// Model returns the current model or nil.
func (h *Holder) Model() MLModel {
	if l := h.current.Load(); l != nil {
		return l.model
	}
	return nil
}

func (h *Holder) Loaded() bool {
	return h.Model() != nil
}

func (h *Holder) Info() Info {
	l := h.current.Load()
	if l == nil {
		return Info{}
	}
	return Info{
		Type:     l.model.Type(),
		Classes:  l.model.Classes(),
		Features: l.model.FeatureNames(),
		LoadedAt: l.loadedAt,
	}
}

func (h *Holder) Classes() []string {
	if m := h.Model(); m != nil {
		return m.Classes()
	}
	return nil
}

func (h *Holder) Predict(features []float64) (string, error) {
	m := h.Model()
	if m == nil {
		return "", ErrNoModel
	}
	return m.Predict(features)
}

func (h *Holder) Attribution(features []float64, class string) (Scores, error) {
	m := h.Model()
	if m == nil {
		return Scores{}, ErrNoModel
	}
	return m.Attribution(features, class)
}
