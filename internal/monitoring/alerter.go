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

	"github.com/sells-group/ctxsync/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertCycleFailureRate AlertType = "cycle_failure_rate"
	AlertHealingEscalated AlertType = "healing_escalated"
	AlertRestoreFailed    AlertType = "restore_failed"
)

// minFinishedCycles keeps a single failure from tripping the rate alert.
const minFinishedCycles = 3

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a Snapshot against configured thresholds and sends
// alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *Snapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	if snap.CyclesFinished >= minFinishedCycles && snap.CycleFailRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertCycleFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Cycle failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished in last %dh)",
				snap.CycleFailRate*100, a.cfg.FailureRateThreshold*100,
				snap.CyclesFailed, snap.CyclesFinished, snap.LookbackHours,
			),
			Details: map[string]any{
				"failure_rate": snap.CycleFailRate,
				"threshold":    a.cfg.FailureRateThreshold,
				"failed":       snap.CyclesFailed,
				"finished":     snap.CyclesFinished,
			},
			Timestamp: now,
		})
	}

	if snap.Escalations > 0 {
		alerts = append(alerts, Alert{
			Type:     AlertHealingEscalated,
			Severity: "high",
			Message:  fmt.Sprintf("%d healing run(s) escalated in last %dh", snap.Escalations, snap.LookbackHours),
			Details: map[string]any{
				"escalations": snap.Escalations,
				"run_ids":     snap.EscalatedRunID,
			},
			Timestamp: now,
		})
	}

	if snap.RestoreFailed > 0 {
		alerts = append(alerts, Alert{
			Type:     AlertRestoreFailed,
			Severity: "critical",
			Message: fmt.Sprintf(
				"%d escalation(s) could not restore a checkpoint in last %dh",
				snap.RestoreFailed, snap.LookbackHours,
			),
			Details: map[string]any{
				"restore_failed": snap.RestoreFailed,
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
		if err := a.sendWebhook(ctx, alert); err != nil {
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
