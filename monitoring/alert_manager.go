package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type AlertLevel string

const (
	AlertInfo     AlertLevel = "info"
	AlertWarning  AlertLevel = "warning"
	AlertCritical AlertLevel = "critical"
)

func (l AlertLevel) rank() int {
	switch l {
	case AlertCritical:
		return 2
	case AlertWarning:
		return 1
	}
	return 0
}

// Alert is one operational condition, keyed so a repeated condition updates
// the open alert instead of opening another.
type Alert struct {
	ID         string     `json:"id"`
	Key        string     `json:"key"`
	Level      AlertLevel `json:"level"`
	Title      string     `json:"title"`
	Message    string     `json:"message"`
	Timestamp  time.Time  `json:"timestamp"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

type AlertStats struct {
	TotalAlerts    int64                `json:"total_alerts"`
	ActiveAlerts   int64                `json:"active_alerts"`
	ResolvedAlerts int64                `json:"resolved_alerts"`
	ByLevel        map[AlertLevel]int64 `json:"by_level"`
	Notifications  int64                `json:"notifications"`
	SendFailures   int64                `json:"send_failures"`
}

// WebhookChannel posts alerts as Slack-compatible {"text": ...} payloads.
type WebhookChannel struct {
	URL      string
	MinLevel AlertLevel
	client   *http.Client
}

func NewWebhookChannel(url string, minLevel AlertLevel) *WebhookChannel {
	if minLevel == "" {
		minLevel = AlertWarning
	}
	return &WebhookChannel{URL: url, MinLevel: minLevel, client: &http.Client{Timeout: 10 * time.Second}}
}

func (c *WebhookChannel) Send(ctx context.Context, alert Alert) error {
	if alert.Level.rank() < c.MinLevel.rank() {
		return nil
	}
	text := fmt.Sprintf("[%s] %s\n%s\n%s", alert.Level, alert.Title, alert.Message, alert.Timestamp.Format("2006-01-02 15:04:05"))
	if alert.Resolved {
		text = fmt.Sprintf("[resolved] %s\n%s", alert.Title, alert.ResolvedAt.Format("2006-01-02 15:04:05"))
	}
	data, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return nil
}

// AlertChannel delivers alert notifications.
type AlertChannel interface {
	Send(ctx context.Context, alert Alert) error
}

// AlertManager tracks open alerts and notifies its channels. A condition that
// is raised again within the cooldown updates the open alert silently.
type AlertManager struct {
	mu       sync.RWMutex
	active   map[string]*Alert
	resolved []Alert
	lastSent map[string]time.Time
	channels []AlertChannel
	cooldown time.Duration
	stats    AlertStats
	logger   *zap.Logger
	now      func() time.Time
}

const maxResolvedAlerts = 100

func NewAlertManager(logger *zap.Logger, cooldown time.Duration, channels ...AlertChannel) *AlertManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AlertManager{
		active:   make(map[string]*Alert),
		lastSent: make(map[string]time.Time),
		channels: channels,
		cooldown: cooldown,
		stats:    AlertStats{ByLevel: make(map[AlertLevel]int64)},
		logger:   logger,
		now:      time.Now,
	}
}

// Raise opens or updates the alert for key.
func (m *AlertManager) Raise(ctx context.Context, key string, level AlertLevel, title, message string) {
	now := m.now()

	m.mu.Lock()
	alert, open := m.active[key]
	if open && alert.Level == level && now.Sub(m.lastSent[key]) < m.cooldown {
		alert.Message = message
		m.mu.Unlock()
		return
	}
	if !open {
		alert = &Alert{ID: uuid.NewString(), Key: key, Timestamp: now}
		m.active[key] = alert
		m.stats.TotalAlerts++
		m.stats.ByLevel[level]++
	}
	alert.Level = level
	alert.Title = title
	alert.Message = message
	m.lastSent[key] = now
	snapshot := *alert
	m.mu.Unlock()

	m.logger.Warn("alert raised",
		zap.String("key", key),
		zap.String("level", string(level)),
		zap.String("title", title),
		zap.String("message", message))
	m.notify(ctx, snapshot)
}

// Resolve closes the alert for key, if one is open.
func (m *AlertManager) Resolve(ctx context.Context, key string) {
	now := m.now()

	m.mu.Lock()
	alert, open := m.active[key]
	if !open {
		m.mu.Unlock()
		return
	}
	delete(m.active, key)
	delete(m.lastSent, key)
	alert.Resolved = true
	alert.ResolvedAt = &now
	m.resolved = append(m.resolved, *alert)
	if len(m.resolved) > maxResolvedAlerts {
		m.resolved = m.resolved[len(m.resolved)-maxResolvedAlerts:]
	}
	m.stats.ResolvedAlerts++
	snapshot := *alert
	m.mu.Unlock()

	m.logger.Info("alert resolved", zap.String("key", key), zap.String("title", snapshot.Title))
	m.notify(ctx, snapshot)
}

func (m *AlertManager) notify(ctx context.Context, alert Alert) {
	var errs []error
	for _, ch := range m.channels {
		if err := ch.Send(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	m.mu.Lock()
	m.stats.Notifications++
	m.stats.SendFailures += int64(len(errs))
	m.mu.Unlock()
	if err := errors.Join(errs...); err != nil {
		m.logger.Error("alert delivery failed", zap.String("key", alert.Key), zap.Error(err))
	}
}

// Active returns open alerts, oldest first.
func (m *AlertManager) Active() []Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Alert, 0, len(m.active))
	for _, a := range m.active {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

// Resolved returns the most recently resolved alerts, oldest first.
func (m *AlertManager) Resolved() []Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Alert(nil), m.resolved...)
}

func (m *AlertManager) Stats() AlertStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := m.stats
	stats.ActiveAlerts = int64(len(m.active))
	stats.ByLevel = make(map[AlertLevel]int64, len(m.stats.ByLevel))
	for k, v := range m.stats.ByLevel {
		stats.ByLevel[k] = v
	}
	return stats
}

// HealthFunc reports a service status ("healthy", "degraded" or
// "unhealthy") and a human-readable detail.
type HealthFunc func(ctx context.Context) (status, detail string)

const healthAlertKey = "service_health"

// Check runs health once and raises or resolves the service health alert.
func (m *AlertManager) Check(ctx context.Context, health HealthFunc) {
	status, detail := health(ctx)
	switch status {
	case "healthy":
		m.Resolve(ctx, healthAlertKey)
	case "degraded":
		m.Raise(ctx, healthAlertKey, AlertWarning, "diabetesai degraded", detail)
	default:
		m.Raise(ctx, healthAlertKey, AlertCritical, "diabetesai unhealthy", detail)
	}
}

// Watch runs Check every interval until ctx is cancelled.
func (m *AlertManager) Watch(ctx context.Context, interval time.Duration, health HealthFunc) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		m.Check(ctx, health)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
