// Package pipeline is the prediction path shared by every front-end:
// rate check, validation, inference, explanation and audit.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"diabetesai/db"
	"diabetesai/explain"
	"diabetesai/features"
	"diabetesai/ml"
	"diabetesai/monitoring"
	"diabetesai/ratelimit"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultMaxBatch = 1000
	DefaultRecent   = 10

	auditWriteTimeout = 5 * time.Second
)

// Front-end names recorded in the audit log.
const (
	SourceAPI  = "api"
	SourceWeb  = "web"
	SourceChat = "chat"
	SourceCLI  = "cli"
)

const (
	ConfidenceHigh   = "high"
	ConfidenceMedium = "medium"
)

// AuditStore persists completed predictions.
type AuditStore interface {
	Record(ctx context.Context, rec db.AuditRecord) error
	Stats(ctx context.Context, recentN int) (db.Stats, error)
	CountByIdentity(ctx context.Context, identity string) (int, error)
	History(ctx context.Context, identity string, limit int) ([]db.AuditRecord, error)
	Ping(ctx context.Context) error
}

// Metrics receives pipeline outcomes.
type Metrics interface {
	PredictionServed(source, class string, degraded bool, latency time.Duration)
	Rejected(source, reason string)
	AuditFailed()
	BatchRow(status string)
}

// Publisher receives completed predictions for the live feed.
type Publisher interface {
	PublishPrediction(event monitoring.PredictionEvent)
}

// Options configures a Pipeline. When Classifier is an ml.ModelSource, each
// request's pinned model also explains itself and Explainer only supplies the
// top-K and timeout settings.
type Options struct {
	Classifier ml.Classifier
	Explainer  *explain.Adapter
	Limiter    *ratelimit.Limiter
	Audit      AuditStore
	Metrics    Metrics
	Publisher  Publisher
	Logger     *zap.Logger
	MaxBatch   int
}

// Pipeline runs predictions for every front-end. It is safe for concurrent use.
type Pipeline struct {
	classifier ml.Classifier
	explainer  *explain.Adapter
	limiter    *ratelimit.Limiter
	audit      AuditStore
	metrics    Metrics
	publisher  Publisher
	logger     *zap.Logger
	maxBatch   int
	started    time.Time

	now   func() time.Time
	newID func() string

	auditFailures atomic.Int64
	lastAuditOK   atomic.Bool
	auditMu       sync.Mutex
	lastAuditErr  string
}

func New(opts Options) (*Pipeline, error) {
	if opts.Classifier == nil {
		return nil, errors.New("pipeline requires a classifier")
	}
	if opts.Limiter == nil {
		return nil, errors.New("pipeline requires a rate limiter")
	}
	if opts.Audit == nil {
		return nil, errors.New("pipeline requires an audit store")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Explainer == nil {
		opts.Explainer = explain.NewAdapter(nil, nil, explain.Config{}, opts.Logger)
	}
	if opts.MaxBatch <= 0 {
		opts.MaxBatch = DefaultMaxBatch
	}
	p := &Pipeline{
		classifier: opts.Classifier,
		explainer:  opts.Explainer,
		limiter:    opts.Limiter,
		audit:      opts.Audit,
		metrics:    opts.Metrics,
		publisher:  opts.Publisher,
		logger:     opts.Logger,
		maxBatch:   opts.MaxBatch,
		started:    time.Now(),
		now:        time.Now,
		newID:      uuid.NewString,
	}
	p.lastAuditOK.Store(true)
	return p, nil
}

func (p *Pipeline) MaxBatch() int { return p.maxBatch }

func (p *Pipeline) Limiter() *ratelimit.Limiter { return p.limiter }

// Request is one prediction request from a front-end.
type Request struct {
	Identity string
	Source   string
	Values   features.Values
}

// Prediction is a served result.
type Prediction struct {
	RequestID      string              `json:"request_id"`
	Class          string              `json:"prediction"`
	Label          string              `json:"label"`
	Attribution    explain.Attribution `json:"explanation"`
	Confidence     string              `json:"confidence"`
	Degraded       bool                `json:"explanation_degraded"`
	DegradedReason string              `json:"degraded_reason,omitempty"`
	Input          features.Vector     `json:"input"`
	Timestamp      time.Time           `json:"timestamp"`
	Audited        bool                `json:"audited"`
}

// PredictOne rate-checks, validates, classifies, explains and audits one
// request. Errors are *ratelimit.ExceededError, *ValidationError or
// *InferenceError.
func (p *Pipeline) PredictOne(ctx context.Context, req Request) (*Prediction, error) {
	if req.Identity == "" {
		return nil, ErrNoIdentity
	}
	if err := p.checkRate(req.Identity, req.Source); err != nil {
		return nil, err
	}
	return p.process(ctx, req.Identity, req.Source, req.Values)
}

func (p *Pipeline) checkRate(identity, source string) error {
	if err := p.limiter.CheckAndRecord(identity, p.now()); err != nil {
		p.reject(source, KindRateLimit)
		p.logger.Info("rate limit exceeded", zap.String("source", source), zap.Error(err))
		return err
	}
	return nil
}

func (p *Pipeline) reject(source, kind string) {
	if p.metrics != nil {
		p.metrics.Rejected(source, kind)
	}
}

// process runs validation through audit for one set of values.
func (p *Pipeline) process(ctx context.Context, identity, source string, values features.Values) (*Prediction, error) {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	vector, errs := features.FromValues(values)
	if len(errs) > 0 {
		p.reject(source, KindValidation)
		return nil, &ValidationError{Errors: errs}
	}

	model := p.model()
	class, err := p.infer(model, vector)
	if err != nil {
		p.reject(source, KindInference)
		p.logger.Error("inference failed", zap.String("source", source), zap.Error(err))
		return nil, err
	}

	res := p.explain(ctx, model, vector, class)
	pred := &Prediction{
		RequestID:   p.newID(),
		Class:       class,
		Label:       DisplayName(class),
		Attribution: res.Attribution,
		Confidence:  ConfidenceHigh,
		Input:       vector,
		Timestamp:   p.now().UTC(),
	}
	if res.Degraded || len(res.Attribution) == 0 {
		pred.Degraded = true
		pred.Confidence = ConfidenceMedium
		if res.Err != nil {
			pred.DegradedReason = res.Err.Error()
		}
	}

	pred.Audited = p.record(ctx, identity, source, pred)

	if p.metrics != nil {
		p.metrics.PredictionServed(source, class, pred.Degraded, time.Since(start))
	}
	if p.publisher != nil {
		p.publisher.PublishPrediction(monitoring.PredictionEvent{
			RequestID:  pred.RequestID,
			Source:     source,
			Class:      pred.Class,
			Label:      pred.Label,
			Confidence: pred.Confidence,
			Degraded:   pred.Degraded,
			Timestamp:  pred.Timestamp,
		})
	}
	return pred, nil
}

// model pins the classifier for one request. A model source such as
// *ml.Holder is resolved once, so a hot reload cannot split inference and
// explanation across two models.
func (p *Pipeline) model() ml.Classifier {
	if src, ok := p.classifier.(ml.ModelSource); ok {
		if m := src.Model(); m != nil {
			return m
		}
	}
	return p.classifier
}

func (p *Pipeline) explain(ctx context.Context, model ml.Classifier, vector features.Vector, class string) explain.Result {
	if _, pinned := p.classifier.(ml.ModelSource); pinned {
		if ex, ok := model.(ml.Explainer); ok {
			return p.explainer.ExplainWith(ctx, ex, model.Classes(), vector, class)
		}
	}
	return p.explainer.Explain(ctx, vector, class)
}

func (p *Pipeline) infer(model ml.Classifier, vector features.Vector) (class string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &InferenceError{Err: fmt.Errorf("classifier panic: %v", r)}
		}
	}()
	class, err = model.Predict(vector.Slice())
	if err != nil {
		return "", &InferenceError{Err: err}
	}
	for _, c := range model.Classes() {
		if c == class {
			return class, nil
		}
	}
	return "", &InferenceError{Err: fmt.Errorf("%w: %q", ml.ErrUnknownClass, class)}
}

// record appends the audit entry. The write outlives the caller's context: a
// prediction that was served is always recorded. A failure is logged and
// counted; the prediction is still returned.
func (p *Pipeline) record(ctx context.Context, identity, source string, pred *Prediction) bool {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditWriteTimeout)
	defer cancel()

	err := p.audit.Record(ctx, db.AuditRecord{
		Identity:        identity,
		Timestamp:       pred.Timestamp,
		InputText:       pred.Input.String(),
		PredictionText:  pred.Class,
		ExplanationText: pred.Attribution.String(),
		RequestID:       pred.RequestID,
		Source:          source,
	})
	if err == nil {
		p.lastAuditOK.Store(true)
		return true
	}
	p.lastAuditOK.Store(false)
	p.auditFailures.Add(1)
	p.auditMu.Lock()
	p.lastAuditErr = err.Error()
	p.auditMu.Unlock()
	if p.metrics != nil {
		p.metrics.AuditFailed()
	}
	p.logger.Error("audit write failed",
		zap.String("request_id", pred.RequestID),
		zap.String("source", source),
		zap.Error(err))
	return false
}

var displayNames = map[string]string{
	"0": "Normal",
	"1": "Prediabetic",
	"2": "Diabetic",
}

// DisplayName maps a class label to its clinical name. Unknown labels are
// returned unchanged.
func DisplayName(class string) string {
	if name, ok := displayNames[class]; ok {
		return name
	}
	return class
}
