package pipeline

import (
	"context"
	"fmt"
	"time"

	"diabetesai/db"
)

// RecentPrediction is a recent audit entry without the caller's identity or
// measurements.
type RecentPrediction struct {
	Timestamp  time.Time `json:"timestamp"`
	Prediction string    `json:"prediction"`
	Label      string    `json:"label"`
	Source     string    `json:"source,omitempty"`
}

// Stats is the get_stats view for one identity.
type Stats struct {
	TotalPredictions    int                `json:"total_predictions"`
	IdentityPredictions int                `json:"user_predictions"`
	ClassDistribution   map[string]int     `json:"class_distribution"`
	Recent              []RecentPrediction `json:"recent_predictions"`
	IdentityRecent      []RecentPrediction `json:"user_recent_predictions"`
	RateLimitRemaining  int                `json:"rate_limit_remaining"`
	RateLimit           int                `json:"rate_limit"`
	WindowSeconds       int                `json:"rate_limit_window_seconds"`
}

// Stats aggregates the audit log and reports identity's remaining quota.
// Reading stats does not consume quota.
func (p *Pipeline) Stats(ctx context.Context, identity string) (*Stats, error) {
	if identity == "" {
		return nil, ErrNoIdentity
	}
	all, err := p.audit.Stats(ctx, DefaultRecent)
	if err != nil {
		return nil, fmt.Errorf("read audit stats: %w", err)
	}
	mine, err := p.audit.CountByIdentity(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("count identity predictions: %w", err)
	}
	history, err := p.audit.History(ctx, identity, DefaultRecent)
	if err != nil {
		return nil, fmt.Errorf("read identity history: %w", err)
	}
	return &Stats{
		TotalPredictions:    all.Total,
		IdentityPredictions: mine,
		ClassDistribution:   all.ClassCounts,
		Recent:              recentPredictions(all.Recent),
		IdentityRecent:      recentPredictions(history),
		RateLimitRemaining:  p.limiter.Remaining(identity, p.now()),
		RateLimit:           p.limiter.Limit(),
		WindowSeconds:       int(p.limiter.Window() / time.Second),
	}, nil
}

func recentPredictions(records []db.AuditRecord) []RecentPrediction {
	out := make([]RecentPrediction, 0, len(records))
	for _, rec := range records {
		out = append(out, RecentPrediction{
			Timestamp:  rec.Timestamp,
			Prediction: rec.PredictionText,
			Label:      DisplayName(rec.PredictionText),
			Source:     rec.Source,
		})
	}
	return out
}

// Health reports whether the pipeline's collaborators are usable. Audit health
// follows the most recent write; AuditFailures counts every failure since start.
type Health struct {
	Status            string  `json:"status"`
	ModelLoaded       bool    `json:"model_loaded"`
	DatabaseConnected bool    `json:"database_connected"`
	AuditHealthy      bool    `json:"audit_healthy"`
	AuditFailures     int64   `json:"audit_failures"`
	LastAuditError    string  `json:"last_audit_error,omitempty"`
	UptimeSeconds     float64 `json:"uptime_seconds"`
}

type loadedModel interface {
	Loaded() bool
}

func (p *Pipeline) Health(ctx context.Context) Health {
	h := Health{
		ModelLoaded:   true,
		AuditFailures: p.auditFailures.Load(),
		UptimeSeconds: time.Since(p.started).Seconds(),
	}
	if lm, ok := p.classifier.(loadedModel); ok {
		h.ModelLoaded = lm.Loaded()
	}
	h.DatabaseConnected = p.audit.Ping(ctx) == nil

	p.auditMu.Lock()
	h.LastAuditError = p.lastAuditErr
	p.auditMu.Unlock()
	h.AuditHealthy = h.DatabaseConnected && p.lastAuditOK.Load()

	h.Status = "healthy"
	if !h.ModelLoaded || !h.DatabaseConnected {
		h.Status = "unhealthy"
	} else if !h.AuditHealthy {
		h.Status = "degraded"
	}
	return h
}
