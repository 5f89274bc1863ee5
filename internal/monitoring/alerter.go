package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/pricewatch/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertScrapeFailureRate AlertType = "scrape_failure_rate"
	AlertSourceDisabled    AlertType = "source_disabled"
	AlertStalePrices       AlertType = "stale_prices"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Notifier delivers a single alert.
type Notifier interface {
	Notify(ctx context.Context, alert Alert) error
}

// Alerter evaluates a MetricsSnapshot against configured thresholds and
// sends breaches through a Notifier.
type Alerter struct {
	cfg      config.MonitoringConfig
	notifier Notifier
}

// NewAlerter creates a new Alerter. A nil notifier evaluates only.
func NewAlerter(cfg config.MonitoringConfig, notifier Notifier) *Alerter {
	return &Alerter{cfg: cfg, notifier: notifier}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := snap.CollectedAt

	finished := snap.JobsCompleted + snap.JobsFailed
	if finished >= 5 && snap.FailureRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertScrapeFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Scrape failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished in last %dh)",
				snap.FailureRate*100, a.cfg.FailureRateThreshold*100,
				snap.JobsFailed, finished, snap.LookbackHours,
			),
			Details: map[string]any{
				"failure_rate":     snap.FailureRate,
				"threshold":        a.cfg.FailureRateThreshold,
				"failed":           snap.JobsFailed,
				"finished":         finished,
				"permanent_failed": snap.PermanentFailures,
			},
			Timestamp: now,
		})
	}

	if a.cfg.StaleKeysThreshold > 0 && snap.StaleKeys >= a.cfg.StaleKeysThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertStalePrices,
			Severity: "medium",
			Message: fmt.Sprintf(
				"%d coin key(s) have no aggregate newer than %dh",
				snap.StaleKeys, snap.StaleAfterHours,
			),
			Details: map[string]any{
				"stale_keys": snap.StaleKeys,
				"threshold":  a.cfg.StaleKeysThreshold,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts delivers alerts through the notifier.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.notifier == nil || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.notifier.Notify(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

// WebhookNotifier posts alerts as JSON to a URL.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

// NewWebhookNotifier creates a WebhookNotifier for url.
func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Notify posts a single alert to the webhook URL.
func (w *WebhookNotifier) Notify(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// MultiNotifier fans an alert out to every notifier. It fails only when
// all of them fail.
type MultiNotifier []Notifier

// Notify implements Notifier.
func (m MultiNotifier) Notify(ctx context.Context, alert Alert) error {
	if len(m) == 0 {
		return nil
	}
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == len(m) {
		return eris.Wrapf(errs[0], "monitoring: all %d notifiers failed", len(m))
	}
	for _, err := range errs {
		zap.L().Warn("monitoring: notifier failed", zap.String("type", string(alert.Type)), zap.Error(err))
	}
	return nil
}

// NewNotifier builds the notifier chain from config. It returns nil when no
// channel is configured.
func NewNotifier(cfg config.MonitoringConfig) (Notifier, error) {
	var out MultiNotifier
	if cfg.WebhookURL != "" {
		out = append(out, NewWebhookNotifier(cfg.WebhookURL))
	}
	if cfg.TelegramToken != "" {
		tg, err := NewTelegramNotifier(cfg.TelegramToken, cfg.TelegramChatID)
		if err != nil {
			return nil, err
		}
		out = append(out, tg)
	}
	switch len(out) {
	case 0:
		return nil, nil
	case 1:
		return out[0], nil
	default:
		return out, nil
	}
}
