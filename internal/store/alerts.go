package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Alert queue lifecycle states.
const (
	AlertStatusPending    = "pending"
	AlertStatusAggregated = "aggregated"
	AlertStatusSent       = "sent"
	AlertStatusFailed     = "failed"
)

// AlertQueueItem is one queued alert awaiting aggregation and dispatch.
type AlertQueueItem struct {
	AlertID     string         `json:"alert_id"`
	AlertType   string         `json:"alert_type"`
	Severity    string         `json:"severity"`
	Title       string         `json:"title"`
	Message     string         `json:"message"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Status      string         `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	ProcessedAt *time.Time     `json:"processed_at,omitempty"`
	SentAt      *time.Time     `json:"sent_at,omitempty"`
}

// AlertConfiguration controls aggregation for one alert type.
type AlertConfiguration struct {
	AlertType         string   `json:"alert_type"`
	Threshold         int      `json:"threshold"`
	TimeWindowMinutes int      `json:"time_window_minutes"`
	Channels          []string `json:"channels"`
	Recipients        []string `json:"recipients"`
	Enabled           bool     `json:"enabled"`
}

// QueueAlert enqueues an alert in the pending state. A missing ID is
// generated.
func (s *Store) QueueAlert(ctx context.Context, a *AlertQueueItem) error {
	if a.AlertID == "" {
		a.AlertID = uuid.NewString()
	}
	if a.Status == "" {
		a.Status = AlertStatusPending
	}
	a.CreatedAt = time.Now().UTC()

	metaRaw, err := json.Marshal(a.Metadata)
	if err != nil {
		return fmt.Errorf("encode alert metadata: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO alert_queue (alert_id, alert_type, severity, title, message, metadata, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.AlertID, a.AlertType, a.Severity, a.Title, a.Message, metaRaw, a.Status, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("queue alert: %w", err)
	}
	return nil
}

func scanAlert(sc scanner) (*AlertQueueItem, error) {
	var a AlertQueueItem
	var metaRaw []byte
	err := sc.Scan(&a.AlertID, &a.AlertType, &a.Severity, &a.Title, &a.Message,
		&metaRaw, &a.Status, &a.CreatedAt, &a.ProcessedAt, &a.SentAt)
	if err != nil {
		return nil, err
	}
	if len(metaRaw) > 0 {
		if err := json.Unmarshal(metaRaw, &a.Metadata); err != nil {
			return nil, fmt.Errorf("decode alert metadata: %w", err)
		}
	}
	return &a, nil
}

const alertColumns = `alert_id, alert_type, severity, title, message, metadata, status, created_at, processed_at, sent_at`

// PendingAlertsInWindow returns pending alerts of one type queued within
// the window, oldest first.
func (s *Store) PendingAlertsInWindow(ctx context.Context, alertType string, window time.Duration) ([]*AlertQueueItem, error) {
	since := time.Now().UTC().Add(-window)
	rows, err := s.pool.Query(ctx, `
		SELECT `+alertColumns+`
		FROM alert_queue
		WHERE alert_type = $1 AND status = $2 AND created_at >= $3
		ORDER BY created_at`,
		alertType, AlertStatusPending, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*AlertQueueItem
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// MarkAlertsAggregated claims a batch for dispatch so a second aggregator
// pass does not pick the same rows up again.
func (s *Store) MarkAlertsAggregated(ctx context.Context, ids []string) error {
	return s.markAlerts(ctx, ids, AlertStatusAggregated)
}

// MarkAlertsSent records a successful dispatch.
func (s *Store) MarkAlertsSent(ctx context.Context, ids []string) error {
	return s.markAlerts(ctx, ids, AlertStatusSent)
}

// MarkAlertsFailed records a dispatch that exhausted every channel.
func (s *Store) MarkAlertsFailed(ctx context.Context, ids []string) error {
	return s.markAlerts(ctx, ids, AlertStatusFailed)
}

func (s *Store) markAlerts(ctx context.Context, ids []string, status string) error {
	if len(ids) == 0 {
		return nil
	}
	now := time.Now().UTC()
	var err error
	switch status {
	case AlertStatusSent:
		_, err = s.pool.Exec(ctx, `
			UPDATE alert_queue SET status = $2, sent_at = $3 WHERE alert_id = ANY($1)`,
			ids, status, now)
	default:
		_, err = s.pool.Exec(ctx, `
			UPDATE alert_queue SET status = $2, processed_at = $3 WHERE alert_id = ANY($1)`,
			ids, status, now)
	}
	if err != nil {
		return fmt.Errorf("mark alerts %s: %w", status, err)
	}
	return nil
}

// ListAlerts returns queued alerts, newest first, capped at limit.
func (s *Store) ListAlerts(ctx context.Context, limit int) ([]*AlertQueueItem, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+alertColumns+` FROM alert_queue ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*AlertQueueItem
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// PruneAlerts deletes sent and failed alerts older than the horizon.
func (s *Store) PruneAlerts(ctx context.Context, horizon time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-horizon)
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM alert_queue
		WHERE status IN ($1, $2) AND created_at < $3`,
		AlertStatusSent, AlertStatusFailed, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune alerts: %w", err)
	}
	return tag.RowsAffected(), nil
}

// GetAlertConfiguration loads the aggregation settings for one alert type.
func (s *Store) GetAlertConfiguration(ctx context.Context, alertType string) (*AlertConfiguration, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT alert_type, threshold, time_window_minutes, channels, recipients, enabled
		FROM alert_configurations
		WHERE alert_type = $1`, alertType)
	return scanAlertConfiguration(row)
}

// ListAlertConfigurations returns every alert configuration.
func (s *Store) ListAlertConfigurations(ctx context.Context) ([]*AlertConfiguration, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT alert_type, threshold, time_window_minutes, channels, recipients, enabled
		FROM alert_configurations
		ORDER BY alert_type`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*AlertConfiguration
	for rows.Next() {
		c, err := scanAlertConfiguration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanAlertConfiguration(sc scanner) (*AlertConfiguration, error) {
	var c AlertConfiguration
	var channelsRaw, recipientsRaw []byte
	err := sc.Scan(&c.AlertType, &c.Threshold, &c.TimeWindowMinutes, &channelsRaw, &recipientsRaw, &c.Enabled)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(channelsRaw, &c.Channels); err != nil {
		return nil, fmt.Errorf("decode channels: %w", err)
	}
	if err := json.Unmarshal(recipientsRaw, &c.Recipients); err != nil {
		return nil, fmt.Errorf("decode recipients: %w", err)
	}
	return &c, nil
}

// UpsertAlertConfiguration creates or replaces the settings for one alert
// type.
func (s *Store) UpsertAlertConfiguration(ctx context.Context, c *AlertConfiguration) error {
	channelsRaw, err := json.Marshal(c.Channels)
	if err != nil {
		return fmt.Errorf("encode channels: %w", err)
	}
	recipientsRaw, err := json.Marshal(c.Recipients)
	if err != nil {
		return fmt.Errorf("encode recipients: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO alert_configurations (alert_type, threshold, time_window_minutes, channels, recipients, enabled)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (alert_type) DO UPDATE
		SET threshold = EXCLUDED.threshold,
		    time_window_minutes = EXCLUDED.time_window_minutes,
		    channels = EXCLUDED.channels,
		    recipients = EXCLUDED.recipients,
		    enabled = EXCLUDED.enabled`,
		c.AlertType, c.Threshold, c.TimeWindowMinutes, channelsRaw, recipientsRaw, c.Enabled)
	if err != nil {
		return fmt.Errorf("upsert alert configuration: %w", err)
	}
	return nil
}
