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

	"github.com/sells-group/entity-collector/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertJobFailureRate   AlertType = "job_failure_rate"
	AlertReviewBacklog    AlertType = "review_backlog"
	AlertPendingMatches   AlertType = "pending_matches"
	AlertSourceBelowFloor AlertType = "source_below_floor"
)

// minFinishedForFailRate keeps the failure-rate alert quiet on tiny samples.
const minFinishedForFailRate = 5

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a Snapshot against configured thresholds. Alerts are
// logged and, when a webhook is configured, posted to it.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
	log    *zap.Logger
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    zap.L().With(zap.String("component", "monitoring.alerter")),
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
// A zero threshold disables its check.
func (a *Alerter) Evaluate(snap *Snapshot) []Alert {
	var alerts []Alert
	now := snap.CollectedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}

	if a.cfg.FailureRateAlert > 0 && snap.FinishedJobs >= minFinishedForFailRate && snap.JobFailRate > a.cfg.FailureRateAlert {
		alerts = append(alerts, Alert{
			Type:     AlertJobFailureRate,
			Severity: "high",
			Message: fmt.Sprintf("Job failure rate %.1f%% exceeds threshold %.1f%% (%d finished)",
				snap.JobFailRate*100, a.cfg.FailureRateAlert*100, snap.FinishedJobs),
			Details: map[string]any{
				"failure_rate": snap.JobFailRate,
				"threshold":    a.cfg.FailureRateAlert,
				"finished":     snap.FinishedJobs,
			},
			Timestamp: now,
		})
	}

	if a.cfg.ReviewBacklogAlert > 0 && snap.ReviewBacklog > a.cfg.ReviewBacklogAlert {
		alerts = append(alerts, Alert{
			Type:     AlertReviewBacklog,
			Severity: "medium",
			Message:  fmt.Sprintf("%d changes await review (threshold %d)", snap.ReviewBacklog, a.cfg.ReviewBacklogAlert),
			Details: map[string]any{
				"pending":   snap.ReviewBacklog,
				"threshold": a.cfg.ReviewBacklogAlert,
			},
			Timestamp: now,
		})
	}

	if a.cfg.PendingMatchesAlert > 0 && snap.PendingMatches > a.cfg.PendingMatchesAlert {
		alerts = append(alerts, Alert{
			Type:     AlertPendingMatches,
			Severity: "medium",
			Message:  fmt.Sprintf("%d matches await review (threshold %d)", snap.PendingMatches, a.cfg.PendingMatchesAlert),
			Details: map[string]any{
				"pending":   snap.PendingMatches,
				"threshold": a.cfg.PendingMatchesAlert,
			},
			Timestamp: now,
		})
	}

	for _, s := range snap.SourcesBelowFloor {
		alerts = append(alerts, Alert{
			Type:     AlertSourceBelowFloor,
			Severity: "high",
			Message:  fmt.Sprintf("Source %q scores %.3f and is no longer admitted", s.Name, s.ReliabilityScore),
			Details: map[string]any{
				"source_id":   s.ID,
				"reliability": s.ReliabilityScore,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts logs every alert and delivers it to the webhook when one is
// configured. Returns the number of alerts posted.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	sent := 0
	for _, alert := range alerts {
		a.log.Warn("alert",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
			zap.String("message", alert.Message),
		)
		if a.cfg.WebhookURL == "" {
			continue
		}
		if err := a.sendWebhook(ctx, alert); err != nil {
			a.log.Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		sent++
	}
	return sent
}

// sendWebhook posts a single alert to the webhook URL.
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
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
