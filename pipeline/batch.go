package pipeline

import (
	"context"
	"errors"
	"time"

	"diabetesai/features"

	"go.uber.org/zap"
)

const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

type BatchRequest struct {
	Identity string
	Source   string
	Rows     []features.Values
}

// RowOutcome is the result for one batch row, in input order.
type RowOutcome struct {
	Index      int         `json:"index"`
	Status     string      `json:"status"`
	Prediction *Prediction `json:"result,omitempty"`
	ErrorKind  string      `json:"error_kind,omitempty"`
	Error      string      `json:"error,omitempty"`
	Details    []string    `json:"details,omitempty"`
}

type BatchResult struct {
	Results        []RowOutcome `json:"results"`
	Total          int          `json:"total"`
	Successful     int          `json:"successful"`
	Failed         int          `json:"failed"`
	ElapsedSeconds float64      `json:"elapsed_seconds"`
}

// PredictBatch processes every row independently. The whole batch costs one
// rate-limit slot; an oversized batch is rejected before any row runs. Row
// failures are reported per row and never abort the batch.
func (p *Pipeline) PredictBatch(ctx context.Context, req BatchRequest) (*BatchResult, error) {
	start := time.Now()
	if req.Identity == "" {
		return nil, ErrNoIdentity
	}
	if len(req.Rows) > p.maxBatch {
		p.reject(req.Source, KindBatchSize)
		return nil, &BatchTooLargeError{Size: len(req.Rows), Max: p.maxBatch}
	}
	if err := p.checkRate(req.Identity, req.Source); err != nil {
		return nil, err
	}

	result := &BatchResult{Results: make([]RowOutcome, 0, len(req.Rows)), Total: len(req.Rows)}
	for i, row := range req.Rows {
		outcome := RowOutcome{Index: i}
		pred, err := p.process(ctx, req.Identity, req.Source, row)
		if err != nil {
			outcome.Status = StatusFailed
			outcome.ErrorKind = Kind(err)
			outcome.Error = err.Error()
			var validation *ValidationError
			if errors.As(err, &validation) {
				outcome.Details = features.Messages(validation.Errors, 0)
			}
			result.Failed++
		} else {
			outcome.Status = StatusSuccess
			outcome.Prediction = pred
			result.Successful++
		}
		if p.metrics != nil {
			p.metrics.BatchRow(outcome.Status)
		}
		result.Results = append(result.Results, outcome)
	}
	result.ElapsedSeconds = time.Since(start).Seconds()

	p.logger.Info("batch processed",
		zap.String("source", req.Source),
		zap.Int("total", result.Total),
		zap.Int("successful", result.Successful),
		zap.Int("failed", result.Failed),
		zap.Float64("elapsed_seconds", result.ElapsedSeconds))
	return result, nil
}
