package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"diabetesai/db"
	"diabetesai/explain"
	"diabetesai/features"
	"diabetesai/ml"
	"diabetesai/monitoring"
	"diabetesai/ratelimit"

	"go.uber.org/zap/zaptest"
)

var testClasses = []string{"0", "1", "2"}

// fakeClassifier labels by HbA1c, like the synthetic training data.
type fakeClassifier struct {
	mu    sync.Mutex
	calls int
	label string
	err   error
	panic bool
}

func (f *fakeClassifier) Classes() []string { return testClasses }

func (f *fakeClassifier) Predict(values []float64) (string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.panic {
		panic("model exploded")
	}
	if f.err != nil {
		return "", f.err
	}
	if f.label != "" {
		return f.label, nil
	}
	switch hba1c := values[4]; {
	case hba1c >= 6.5:
		return "2", nil
	case hba1c >= 5.7:
		return "1", nil
	default:
		return "0", nil
	}
}

func (f *fakeClassifier) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeExplainer struct {
	err error
}

func (f *fakeExplainer) Attribution(values []float64, class string) (ml.Scores, error) {
	if f.err != nil {
		return ml.Scores{}, f.err
	}
	scores := make([]float64, features.Count)
	for i := range scores {
		scores[i] = float64(i) / 100
	}
	scores[4] = 0.5
	return ml.Scores{Values: scores}, nil
}

type fakeAudit struct {
	mu      sync.Mutex
	records []db.AuditRecord
	err     error
}

func (f *fakeAudit) Record(_ context.Context, rec db.AuditRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeAudit) Stats(_ context.Context, recentN int) (db.Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stats := db.Stats{Total: len(f.records), ClassCounts: map[string]int{}}
	for _, r := range f.records {
		stats.ClassCounts[r.PredictionText]++
	}
	return stats, nil
}

func (f *fakeAudit) CountByIdentity(_ context.Context, identity string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.records {
		if r.Identity == identity {
			n++
		}
	}
	return n, nil
}

func (f *fakeAudit) History(_ context.Context, identity string, limit int) ([]db.AuditRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []db.AuditRecord
	for i := len(f.records) - 1; i >= 0 && len(out) < limit; i-- {
		if f.records[i].Identity == identity {
			out = append(out, f.records[i])
		}
	}
	return out, nil
}

func (f *fakeAudit) Ping(context.Context) error { return nil }

func (f *fakeAudit) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

type fakePublisher struct {
	mu     sync.Mutex
	events []monitoring.PredictionEvent
}

func (f *fakePublisher) PublishPrediction(e monitoring.PredictionEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
}

type harness struct {
	pipeline   *Pipeline
	classifier *fakeClassifier
	audit      *fakeAudit
	publisher  *fakePublisher
	metrics    *monitoring.PredictionMetrics
}

func newHarness(t *testing.T, limit int, explainer ml.Explainer) *harness {
	t.Helper()
	limiter, err := ratelimit.New(ratelimit.Config{Limit: limit, Window: time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	logger := zaptest.NewLogger(t)
	h := &harness{
		classifier: &fakeClassifier{},
		audit:      &fakeAudit{},
		publisher:  &fakePublisher{},
		metrics:    monitoring.NewPredictionMetrics(monitoring.NewMetricsCollector()),
	}
	adapter := explain.NewAdapter(explainer, func() []string { return testClasses }, explain.Config{}, logger)
	p, err := New(Options{
		Classifier: h.classifier,
		Explainer:  adapter,
		Limiter:    limiter,
		Audit:      h.audit,
		Metrics:    h.metrics,
		Publisher:  h.publisher,
		Logger:     logger,
	})
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	h.pipeline = p
	return h
}

func referenceValues() features.Values {
	return features.Vector{0, 50, 4.7, 46, 4.9, 4.2, 0.9, 2.4, 1.4, 0.5, 24.0}.Values()
}

func TestPredictOne(t *testing.T) {
	h := newHarness(t, 100, &fakeExplainer{})
	pred, err := h.pipeline.PredictOne(context.Background(), Request{Identity: "alice", Source: SourceAPI, Values: referenceValues()})
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	if pred.Class != "0" || pred.Label != "Normal" {
		t.Fatalf("unexpected class %s (%s)", pred.Class, pred.Label)
	}
	if pred.RequestID == "" || pred.Timestamp.IsZero() {
		t.Fatal("expected request id and timestamp")
	}
	if len(pred.Attribution) != explain.DefaultTopK || pred.Attribution[0].Feature != "HbA1c" {
		t.Fatalf("unexpected attribution %v", pred.Attribution)
	}
	if pred.Degraded || pred.Confidence != ConfidenceHigh || !pred.Audited {
		t.Fatalf("unexpected flags %+v", pred)
	}

	if h.audit.Len() != 1 {
		t.Fatalf("expected 1 audit record, got %d", h.audit.Len())
	}
	rec := h.audit.records[0]
	if rec.Identity != "alice" || rec.Source != SourceAPI || rec.RequestID != pred.RequestID {
		t.Fatalf("unexpected audit record %+v", rec)
	}
	if rec.InputText != pred.Input.String() || rec.ExplanationText != pred.Attribution.String() {
		t.Fatalf("audit text mismatch: %+v", rec)
	}
	if len(h.publisher.events) != 1 || h.publisher.events[0].RequestID != pred.RequestID {
		t.Fatalf("expected one published event, got %+v", h.publisher.events)
	}
}

func TestPredictOneValidationFailure(t *testing.T) {
	h := newHarness(t, 100, &fakeExplainer{})
	values := referenceValues()
	values["AGE"] = 17

	_, err := h.pipeline.PredictOne(context.Background(), Request{Identity: "alice", Source: SourceWeb, Values: values})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if len(verr.Errors) != 1 || verr.Errors[0].Feature != "AGE" {
		t.Fatalf("expected exactly one AGE error, got %+v", verr.Errors)
	}
	if verr.Errors[0].Expected.String() != "(18, 100)" {
		t.Fatalf("unexpected range %s", verr.Errors[0].Expected)
	}
	if h.classifier.Calls() != 0 {
		t.Fatal("classifier must not run on invalid input")
	}
	if h.audit.Len() != 0 {
		t.Fatal("rejected requests are not audited")
	}
	if Kind(err) != KindValidation {
		t.Fatalf("unexpected kind %s", Kind(err))
	}
}

func TestPredictOneMissingFeature(t *testing.T) {
	h := newHarness(t, 100, &fakeExplainer{})
	values := referenceValues()
	delete(values, "BMI")
	_, err := h.pipeline.PredictOne(context.Background(), Request{Identity: "alice", Values: values})
	var verr *ValidationError
	if !errors.As(err, &verr) || !verr.Errors[0].Missing {
		t.Fatalf("expected missing BMI error, got %v", err)
	}
}

func TestPredictOneRateLimited(t *testing.T) {
	h := newHarness(t, 2, &fakeExplainer{})
	ctx := context.Background()
	req := Request{Identity: "alice", Source: SourceAPI, Values: referenceValues()}
	for i := 0; i < 2; i++ {
		if _, err := h.pipeline.PredictOne(ctx, req); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}
	_, err := h.pipeline.PredictOne(ctx, req)
	var exceeded *ratelimit.ExceededError
	if !errors.As(err, &exceeded) {
		t.Fatalf("expected rate limit error, got %v", err)
	}
	if exceeded.RetryAfter <= 0 {
		t.Fatalf("expected positive retry-after, got %s", exceeded.RetryAfter)
	}
	if h.classifier.Calls() != 2 {
		t.Fatalf("rate-limited request reached the classifier")
	}
	// Invalid input still consumes quota because the rate check runs first.
	h2 := newHarness(t, 1, &fakeExplainer{})
	bad := referenceValues()
	bad["AGE"] = 5
	_, _ = h2.pipeline.PredictOne(ctx, Request{Identity: "bob", Values: bad})
	if _, err := h2.pipeline.PredictOne(ctx, Request{Identity: "bob", Values: referenceValues()}); Kind(err) != KindRateLimit {
		t.Fatalf("expected rate limit after invalid request, got %v", err)
	}
}

func TestPredictOneInferenceFailures(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*fakeClassifier)
		is    error
	}{
		{"error", func(c *fakeClassifier) { c.err = errors.New("weights corrupted") }, nil},
		{"panic", func(c *fakeClassifier) { c.panic = true }, nil},
		{"unknown label", func(c *fakeClassifier) { c.label = "7" }, ml.ErrUnknownClass},
		{"no model", func(c *fakeClassifier) { c.err = ml.ErrNoModel }, ml.ErrNoModel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, 100, &fakeExplainer{})
			tt.setup(h.classifier)
			_, err := h.pipeline.PredictOne(context.Background(), Request{Identity: "alice", Values: referenceValues()})
			var ierr *InferenceError
			if !errors.As(err, &ierr) {
				t.Fatalf("expected InferenceError, got %v", err)
			}
			if tt.is != nil && !errors.Is(err, tt.is) {
				t.Fatalf("expected %v in chain, got %v", tt.is, err)
			}
			if h.audit.Len() != 0 {
				t.Fatal("failed inference must not be audited")
			}
		})
	}
}

func TestPredictOneDegradedExplanation(t *testing.T) {
	h := newHarness(t, 100, &fakeExplainer{err: errors.New("unsupported")})
	pred, err := h.pipeline.PredictOne(context.Background(), Request{Identity: "alice", Values: referenceValues()})
	if err != nil {
		t.Fatalf("degraded explanation must not fail the request: %v", err)
	}
	if !pred.Degraded || pred.Confidence != ConfidenceMedium || pred.DegradedReason == "" {
		t.Fatalf("unexpected degraded flags %+v", pred)
	}
	if len(pred.Attribution) != 0 {
		t.Fatalf("expected empty attribution, got %v", pred.Attribution)
	}
	if h.audit.Len() != 1 || h.audit.records[0].ExplanationText != "{}" {
		t.Fatalf("degraded prediction should be audited with empty explanation")
	}
}

func TestPredictOneAuditFailure(t *testing.T) {
	h := newHarness(t, 100, &fakeExplainer{})
	h.audit.err = errors.New("disk full")
	pred, err := h.pipeline.PredictOne(context.Background(), Request{Identity: "alice", Values: referenceValues()})
	if err != nil {
		t.Fatalf("audit failure must not fail the request: %v", err)
	}
	if pred.Audited {
		t.Fatal("expected Audited=false")
	}
	health := h.pipeline.Health(context.Background())
	if health.AuditHealthy || health.AuditFailures != 1 || health.LastAuditError != "disk full" {
		t.Fatalf("unexpected health %+v", health)
	}
	if health.Status != "degraded" {
		t.Fatalf("expected degraded status, got %s", health.Status)
	}
}

func TestPredictOneRequiresIdentity(t *testing.T) {
	h := newHarness(t, 100, &fakeExplainer{})
	if _, err := h.pipeline.PredictOne(context.Background(), Request{Values: referenceValues()}); !errors.Is(err, ErrNoIdentity) {
		t.Fatalf("expected ErrNoIdentity, got %v", err)
	}
}

func TestPredictBatchIsolatesRowFailures(t *testing.T) {
	h := newHarness(t, 100, &fakeExplainer{})
	rows := make([]features.Values, 1000)
	for i := range rows {
		rows[i] = referenceValues()
	}
	rows[500]["HbA1c"] = 40

	result, err := h.pipeline.PredictBatch(context.Background(), BatchRequest{Identity: "alice", Source: SourceAPI, Rows: rows})
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if result.Total != 1000 || result.Successful != 999 || result.Failed != 1 {
		t.Fatalf("unexpected summary total=%d ok=%d failed=%d", result.Total, result.Successful, result.Failed)
	}
	if len(result.Results) != 1000 {
		t.Fatalf("expected 1000 outcomes, got %d", len(result.Results))
	}
	bad := result.Results[500]
	if bad.Status != StatusFailed || bad.ErrorKind != KindValidation || len(bad.Details) != 1 {
		t.Fatalf("unexpected row 500 outcome %+v", bad)
	}
	if result.Results[501].Status != StatusSuccess || result.Results[501].Index != 501 {
		t.Fatalf("batch should continue after a failed row")
	}
	if got := h.pipeline.Limiter().Remaining("alice", time.Now()); got != 99 {
		t.Fatalf("batch should cost one rate-limit slot, remaining=%d", got)
	}
	if h.audit.Len() != 999 {
		t.Fatalf("expected 999 audit records, got %d", h.audit.Len())
	}
}

func TestPredictBatchTooLarge(t *testing.T) {
	h := newHarness(t, 100, &fakeExplainer{})
	rows := make([]features.Values, DefaultMaxBatch+1)
	_, err := h.pipeline.PredictBatch(context.Background(), BatchRequest{Identity: "alice", Rows: rows})
	var tooLarge *BatchTooLargeError
	if !errors.As(err, &tooLarge) || tooLarge.Max != DefaultMaxBatch {
		t.Fatalf("expected BatchTooLargeError, got %v", err)
	}
	if h.pipeline.Limiter().Remaining("alice", time.Now()) != 100 {
		t.Fatal("oversized batch must not consume quota")
	}
	if h.classifier.Calls() != 0 {
		t.Fatal("oversized batch must not reach the classifier")
	}
}

func TestPredictBatchEmptyAndCancelled(t *testing.T) {
	h := newHarness(t, 100, &fakeExplainer{})
	result, err := h.pipeline.PredictBatch(context.Background(), BatchRequest{Identity: "alice"})
	if err != nil || result.Total != 0 {
		t.Fatalf("empty batch: %+v %v", result, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result, err = h.pipeline.PredictBatch(ctx, BatchRequest{Identity: "alice", Rows: []features.Values{referenceValues()}})
	if err != nil {
		t.Fatalf("cancelled batch: %v", err)
	}
	if result.Failed != 1 || result.Results[0].ErrorKind != KindCancelled {
		t.Fatalf("expected cancelled row, got %+v", result.Results)
	}
}

func TestStatsWithAuditLog(t *testing.T) {
	limiter, _ := ratelimit.New(ratelimit.Config{Limit: 10, Window: time.Hour})
	audit, err := db.Open(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer audit.Close()
	p, err := New(Options{Classifier: &fakeClassifier{}, Limiter: limiter, Audit: audit, Logger: zaptest.NewLogger(t)})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	high := referenceValues()
	high["HbA1c"] = 9
	for _, req := range []Request{
		{Identity: "alice", Source: SourceAPI, Values: referenceValues()},
		{Identity: "alice", Source: SourceAPI, Values: high},
		{Identity: "bob", Source: SourceChat, Values: high},
	} {
		if _, err := p.PredictOne(ctx, req); err != nil {
			t.Fatalf("predict: %v", err)
		}
	}

	stats, err := p.Stats(ctx, "alice")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalPredictions != 3 || stats.IdentityPredictions != 2 {
		t.Fatalf("unexpected counts %+v", stats)
	}
	if stats.ClassDistribution["2"] != 2 || stats.ClassDistribution["0"] != 1 {
		t.Fatalf("unexpected distribution %v", stats.ClassDistribution)
	}
	if len(stats.Recent) != 3 || stats.Recent[0].Source != SourceChat || stats.Recent[0].Label != "Diabetic" {
		t.Fatalf("unexpected recent %+v", stats.Recent)
	}
	if len(stats.IdentityRecent) != 2 || stats.IdentityRecent[0].Label != "Diabetic" || stats.IdentityRecent[1].Label != "Normal" {
		t.Fatalf("unexpected identity history %+v", stats.IdentityRecent)
	}
	if stats.RateLimitRemaining != 8 || stats.RateLimit != 10 || stats.WindowSeconds != 3600 {
		t.Fatalf("unexpected quota %+v", stats)
	}

	health := p.Health(ctx)
	if health.Status != "healthy" || !health.DatabaseConnected || !health.ModelLoaded {
		t.Fatalf("unexpected health %+v", health)
	}
}

func TestHealthReportsUnloadedModel(t *testing.T) {
	limiter, _ := ratelimit.New(ratelimit.Config{})
	p, err := New(Options{Classifier: ml.NewHolder(nil), Limiter: limiter, Audit: &fakeAudit{}})
	if err != nil {
		t.Fatal(err)
	}
	if h := p.Health(context.Background()); h.ModelLoaded || h.Status != "unhealthy" {
		t.Fatalf("expected unhealthy without a model, got %+v", h)
	}
	_, err = p.PredictOne(context.Background(), Request{Identity: "alice", Values: referenceValues()})
	if !errors.Is(err, ml.ErrNoModel) {
		t.Fatalf("expected ErrNoModel, got %v", err)
	}
}

func TestMetricsRecorded(t *testing.T) {
	h := newHarness(t, 1, &fakeExplainer{})
	ctx := context.Background()
	_, _ = h.pipeline.PredictOne(ctx, Request{Identity: "alice", Source: SourceAPI, Values: referenceValues()})
	_, _ = h.pipeline.PredictOne(ctx, Request{Identity: "alice", Source: SourceAPI, Values: referenceValues()})

	summary := h.metrics.Summary()
	if summary["predictions"].(float64) != 1 {
		t.Fatalf("expected 1 prediction, got %v", summary["predictions"])
	}
	if summary["rejections"].(map[string]float64)[KindRateLimit] != 1 {
		t.Fatalf("expected 1 rate-limit rejection, got %v", summary["rejections"])
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	limiter, _ := ratelimit.New(ratelimit.Config{})
	if _, err := New(Options{Limiter: limiter, Audit: &fakeAudit{}}); err == nil {
		t.Fatal("expected error without classifier")
	}
	if _, err := New(Options{Classifier: &fakeClassifier{}, Audit: &fakeAudit{}}); err == nil {
		t.Fatal("expected error without limiter")
	}
	if _, err := New(Options{Classifier: &fakeClassifier{}, Limiter: limiter}); err == nil {
		t.Fatal("expected error without audit store")
	}
}

func TestDisplayName(t *testing.T) {
	if DisplayName("1") != "Prediabetic" || DisplayName("x") != "x" {
		t.Fatal("unexpected display names")
	}
}

// cancellingExplainer cancels the request context while explaining, like a
// client that disconnects after inference.
type cancellingExplainer struct {
	cancel context.CancelFunc
}

func (c *cancellingExplainer) Attribution(values []float64, class string) (ml.Scores, error) {
	c.cancel()
	return (&fakeExplainer{}).Attribution(values, class)
}

func TestPredictOneAuditsAfterCallerCancels(t *testing.T) {
	limiter, _ := ratelimit.New(ratelimit.Config{Limit: 10, Window: time.Hour})
	audit, err := db.Open(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer audit.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	logger := zaptest.NewLogger(t)
	adapter := explain.NewAdapter(&cancellingExplainer{cancel: cancel}, func() []string { return testClasses }, explain.Config{}, logger)
	p, err := New(Options{Classifier: &fakeClassifier{}, Explainer: adapter, Limiter: limiter, Audit: audit, Logger: logger})
	if err != nil {
		t.Fatal(err)
	}

	pred, err := p.PredictOne(ctx, Request{Identity: "alice", Source: SourceAPI, Values: referenceValues()})
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	if !pred.Audited {
		t.Fatal("a served prediction must be audited even when the caller went away")
	}
	count, err := audit.CountByIdentity(context.Background(), "alice")
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("expected 1 audit record, got %d", count)
	}
	if h := p.Health(context.Background()); h.Status != "healthy" || h.AuditFailures != 0 {
		t.Fatalf("a client disconnect is not an audit failure: %+v", h)
	}
}

func TestAuditHealthRecoversAfterSuccessfulWrite(t *testing.T) {
	h := newHarness(t, 100, &fakeExplainer{})
	ctx := context.Background()
	req := Request{Identity: "alice", Source: SourceAPI, Values: referenceValues()}

	h.audit.mu.Lock()
	h.audit.err = errors.New("database is locked")
	h.audit.mu.Unlock()
	if _, err := h.pipeline.PredictOne(ctx, req); err != nil {
		t.Fatalf("predict: %v", err)
	}
	if health := h.pipeline.Health(ctx); health.Status != "degraded" || health.AuditHealthy {
		t.Fatalf("expected degraded after a failed write, got %+v", health)
	}

	h.audit.mu.Lock()
	h.audit.err = nil
	h.audit.mu.Unlock()
	pred, err := h.pipeline.PredictOne(ctx, req)
	if err != nil || !pred.Audited {
		t.Fatalf("predict: %+v %v", pred, err)
	}
	health := h.pipeline.Health(ctx)
	if health.Status != "healthy" || !health.AuditHealthy {
		t.Fatalf("expected healthy after a successful write, got %+v", health)
	}
	if health.AuditFailures != 1 || health.LastAuditError != "database is locked" {
		t.Fatalf("failure history should be kept, got %+v", health)
	}
}
