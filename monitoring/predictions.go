package monitoring

import (
	"time"
)

const (
	metricPredictions = "diabetesai_predictions_total"
	metricRejections  = "diabetesai_rejections_total"
	metricDegraded    = "diabetesai_explanations_degraded_total"
	metricAuditFailed = "diabetesai_audit_failures_total"
	metricLatency     = "diabetesai_prediction_duration_seconds"
	metricBatchRows   = "diabetesai_batch_rows_total"
)

// PredictionMetrics records pipeline outcomes on a MetricsCollector.
type PredictionMetrics struct {
	collector *MetricsCollector
}

func NewPredictionMetrics(collector *MetricsCollector) *PredictionMetrics {
	collector.Describe(metricPredictions, "Predictions served, by source and class")
	collector.Describe(metricRejections, "Requests rejected before inference, by source and reason")
	collector.Describe(metricDegraded, "Predictions served without an explanation")
	collector.Describe(metricAuditFailed, "Audit log writes that failed")
	collector.Describe(metricLatency, "Time to produce one prediction")
	collector.Describe(metricBatchRows, "Batch rows processed, by status")
	return &PredictionMetrics{collector: collector}
}

func (p *PredictionMetrics) Collector() *MetricsCollector { return p.collector }

func (p *PredictionMetrics) PredictionServed(source, class string, degraded bool, latency time.Duration) {
	p.collector.IncrCounter(metricPredictions, 1, map[string]string{"source": source, "class": class})
	if degraded {
		p.collector.IncrCounter(metricDegraded, 1, map[string]string{"source": source})
	}
	p.collector.RecordHistogram(metricLatency, latency.Seconds(), map[string]string{"source": source}, DefaultLatencyBuckets)
}

func (p *PredictionMetrics) Rejected(source, reason string) {
	p.collector.IncrCounter(metricRejections, 1, map[string]string{"source": source, "reason": reason})
}

func (p *PredictionMetrics) AuditFailed() {
	p.collector.IncrCounter(metricAuditFailed, 1, nil)
}

func (p *PredictionMetrics) BatchRow(status string) {
	p.collector.IncrCounter(metricBatchRows, 1, map[string]string{"status": status})
}

// Summary is the JSON view served by the metrics API.
func (p *PredictionMetrics) Summary() map[string]interface{} {
	byClass := make(map[string]float64)
	served := 0.0
	if series, err := p.collector.GetMetric(metricPredictions); err == nil {
		for _, m := range series {
			byClass[m.Labels["class"]] += m.Value
			served += m.Value
		}
	}
	rejected := make(map[string]float64)
	if series, err := p.collector.GetMetric(metricRejections); err == nil {
		for _, m := range series {
			rejected[m.Labels["reason"]] += m.Value
		}
	}
	degraded := 0.0
	if series, err := p.collector.GetMetric(metricDegraded); err == nil {
		for _, m := range series {
			degraded += m.Value
		}
	}
	return map[string]interface{}{
		"predictions":          served,
		"predictions_by_class": byClass,
		"rejections":           rejected,
		"degraded":             degraded,
		"audit_failures":       p.collector.Value(metricAuditFailed, nil),
		"system":               p.collector.GetSystemStats(),
	}
}
