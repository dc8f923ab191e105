// Package monitoring raises webhook alerts when a completed batch breaches
// failure thresholds.
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

	"github.com/sells-group/pricescout/internal/config"
	"github.com/sells-group/pricescout/internal/model"
	"github.com/sells-group/pricescout/internal/report"
	"github.com/sells-group/pricescout/internal/resilience"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertBatchFailureRate AlertType = "batch_failure_rate"
	AlertRetailerDown     AlertType = "retailer_down"
	AlertProfileErrors    AlertType = "profile_errors"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	RunID     string         `json:"run_id"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a batch summary against configured thresholds and
// sends alerts via webhook when they are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
	retry  resilience.RetryConfig
	now    func() time.Time
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	if cfg.MinAttempts <= 0 {
		cfg.MinAttempts = 1
	}
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		retry:  resilience.DefaultRetryConfig(),
		now:    time.Now,
	}
}

// Evaluate checks the summary against thresholds and returns any alerts.
// Batches smaller than MinAttempts raise nothing.
func (a *Alerter) Evaluate(s report.Summary) []Alert {
	if s.Attempted < a.cfg.MinAttempts {
		return nil
	}
	var alerts []Alert
	now := a.now().UTC()

	failRate := float64(s.Failed) / float64(s.Attempted)
	if failRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertBatchFailureRate,
			Severity: "high",
			RunID:    s.RunID,
			Message: fmt.Sprintf(
				"Batch failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d attempted)",
				failRate*100, a.cfg.FailureRateThreshold*100, s.Failed, s.Attempted,
			),
			Details: map[string]any{
				"failure_rate": failRate,
				"threshold":    a.cfg.FailureRateThreshold,
				"failed":       s.Failed,
				"attempted":    s.Attempted,
			},
			Timestamp: now,
		})
	}

	// A retailer with several attempts and no success is usually blocking
	// us or has changed its markup.
	for _, r := range s.Retailers {
		if r.Attempted < 2 || r.Succeeded > 0 {
			continue
		}
		alerts = append(alerts, Alert{
			Type:     AlertRetailerDown,
			Severity: "medium",
			RunID:    s.RunID,
			Message:  fmt.Sprintf("No successful extraction for %s (%d attempted)", r.Name, r.Attempted),
			Details: map[string]any{
				"retailer":  r.ID,
				"attempted": r.Attempted,
			},
			Timestamp: now,
		})
	}

	if s.ConfigErrors > 0 {
		var keys []string
		for _, f := range s.Failures {
			if f.Status == model.StatusConfig {
				keys = append(keys, f.Key)
			}
		}
		alerts = append(alerts, Alert{
			Type:     AlertProfileErrors,
			Severity: "low",
			RunID:    s.RunID,
			Message:  fmt.Sprintf("%d target(s) rejected before fetch", s.ConfigErrors),
			Details: map[string]any{
				"count":   s.ConfigErrors,
				"targets": keys,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		err := resilience.Do(ctx, a.retry, func(ctx context.Context) error {
			return a.sendWebhook(ctx, alert)
		})
		if err != nil {
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

// Check evaluates the summary and sends whatever it raises.
func (a *Alerter) Check(ctx context.Context, s report.Summary) int {
	alerts := a.Evaluate(s)
	if len(alerts) == 0 {
		return 0
	}
	return a.SendAlerts(ctx, alerts)
}

// sendWebhook posts a single alert to the webhook URL. 5xx and 429
// responses are retryable.
func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return resilience.NewTransientError(eris.Wrap(err, "monitoring: webhook request"), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		err := eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return resilience.NewTransientError(err, resp.StatusCode)
		}
		return err
	}
	return nil
}
