package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/pricewatch/internal/config"
)

type recordingNotifier struct {
	alerts []Alert
	err    error
}

func (r *recordingNotifier) Notify(_ context.Context, alert Alert) error {
	if r.err != nil {
		return r.err
	}
	r.alerts = append(r.alerts, alert)
	return nil
}

func TestAlerter_Evaluate_NoAlerts(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{FailureRateThreshold: 0.10, StaleKeysThreshold: 10}, nil)

	snap := &MetricsSnapshot{
		JobsTotal:     100,
		JobsCompleted: 95,
		JobsFailed:    5,
		FailureRate:   0.05,
		StaleKeys:     2,
		LookbackHours: 24,
	}
	assert.Empty(t, a.Evaluate(snap))
}

func TestAlerter_Evaluate_FailureRate(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{FailureRateThreshold: 0.10}, nil)

	snap := &MetricsSnapshot{
		JobsTotal:     20,
		JobsCompleted: 12,
		JobsFailed:    8,
		FailureRate:   0.4,
		LookbackHours: 24,
	}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertScrapeFailureRate, alerts[0].Type)
	assert.Equal(t, "high", alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "40.0%")
}

func TestAlerter_Evaluate_MinimumJobsRequired(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{FailureRateThreshold: 0.10}, nil)

	snap := &MetricsSnapshot{JobsCompleted: 1, JobsFailed: 3, FailureRate: 0.75}
	assert.Empty(t, a.Evaluate(snap))
}

func TestAlerter_Evaluate_StalePrices(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{FailureRateThreshold: 0.5, StaleKeysThreshold: 3}, nil)

	alerts := a.Evaluate(&MetricsSnapshot{StaleKeys: 4, StaleAfterHours: 48})
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertStalePrices, alerts[0].Type)
	assert.Contains(t, alerts[0].Message, "4 coin key(s)")

	// Zero threshold disables the check.
	a = NewAlerter(config.MonitoringConfig{FailureRateThreshold: 0.5}, nil)
	assert.Empty(t, a.Evaluate(&MetricsSnapshot{StaleKeys: 400}))
}

func TestAlerter_Evaluate_MultipleAlerts(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{FailureRateThreshold: 0.10, StaleKeysThreshold: 1}, nil)

	alerts := a.Evaluate(&MetricsSnapshot{JobsCompleted: 5, JobsFailed: 5, FailureRate: 0.5, StaleKeys: 1})
	require.Len(t, alerts, 2)
	assert.Equal(t, AlertScrapeFailureRate, alerts[0].Type)
	assert.Equal(t, AlertStalePrices, alerts[1].Type)
}

func TestAlerter_SendAlerts(t *testing.T) {
	n := &recordingNotifier{}
	a := NewAlerter(config.MonitoringConfig{}, n)

	sent := a.SendAlerts(context.Background(), []Alert{
		{Type: AlertScrapeFailureRate, Severity: "high", Message: "one"},
		{Type: AlertStalePrices, Severity: "medium", Message: "two"},
	})
	assert.Equal(t, 2, sent)
	assert.Len(t, n.alerts, 2)
}

func TestAlerter_SendAlerts_NoNotifier(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{}, nil)
	assert.Equal(t, 0, a.SendAlerts(context.Background(), []Alert{{Type: AlertStalePrices}}))
}

func TestAlerter_SendAlerts_NotifierError(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{}, &recordingNotifier{err: eris.New("boom")})
	assert.Equal(t, 0, a.SendAlerts(context.Background(), []Alert{{Type: AlertStalePrices}}))
}

func TestWebhookNotifier(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var alert Alert
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&alert))
		assert.Equal(t, AlertSourceDisabled, alert.Type)
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	err := NewWebhookNotifier(ts.URL).Notify(context.Background(), Alert{Type: AlertSourceDisabled, Message: "ebay disabled"})
	require.NoError(t, err)
	assert.Equal(t, int32(1), received.Load())
}

func TestWebhookNotifier_ErrorStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	err := NewWebhookNotifier(ts.URL).Notify(context.Background(), Alert{Type: AlertStalePrices})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}

func TestMultiNotifier(t *testing.T) {
	ok := &recordingNotifier{}
	bad := &recordingNotifier{err: eris.New("down")}

	require.NoError(t, MultiNotifier{bad, ok}.Notify(context.Background(), Alert{Type: AlertStalePrices}))
	assert.Len(t, ok.alerts, 1)

	err := MultiNotifier{bad, bad}.Notify(context.Background(), Alert{Type: AlertStalePrices})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all 2 notifiers failed")

	assert.NoError(t, MultiNotifier{}.Notify(context.Background(), Alert{}))
}

func TestNewNotifier(t *testing.T) {
	n, err := NewNotifier(config.MonitoringConfig{})
	require.NoError(t, err)
	assert.Nil(t, n)

	n, err = NewNotifier(config.MonitoringConfig{WebhookURL: "http://example.invalid/hook"})
	require.NoError(t, err)
	assert.IsType(t, &WebhookNotifier{}, n)
}
