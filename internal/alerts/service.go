// Package alerts queues pipeline alerts and aggregates them into batched
// notifications. Producers fire and forget; a background aggregator groups
// pending alerts per type over each configuration's time window and
// dispatches once the threshold is met.
package alerts

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/librarius/internal/store"
)

// Alert types raised by the pipeline itself.
const (
	TypeStageFailure        = "stage_failure"
	TypeConcurrentExecution = "concurrent_execution"
)

// Store is the slice of the relational store this package needs.
// *store.Store satisfies it.
type Store interface {
	QueueAlert(ctx context.Context, a *store.AlertQueueItem) error
	ListAlertConfigurations(ctx context.Context) ([]*store.AlertConfiguration, error)
	PendingAlertsInWindow(ctx context.Context, alertType string, window time.Duration) ([]*store.AlertQueueItem, error)
	MarkAlertsAggregated(ctx context.Context, ids []string) error
	MarkAlertsSent(ctx context.Context, ids []string) error
	MarkAlertsFailed(ctx context.Context, ids []string) error
}

// Service enqueues alerts. Queue never reports failure to the caller: an
// alert insert must not break the stage run that raised it.
type Service struct {
	store  Store
	logger *zap.Logger
}

// NewService builds an alert service over the store.
func NewService(st Store, logger *zap.Logger) *Service {
	return &Service{store: st, logger: logger.Named("alerts")}
}

// Queue inserts a pending alert. Errors are logged, never returned.
func (s *Service) Queue(ctx context.Context, alertType, severity, title, message string, metadata map[string]any) {
	item := &store.AlertQueueItem{
		AlertType: alertType,
		Severity:  severity,
		Title:     title,
		Message:   message,
		Metadata:  metadata,
	}
	if err := s.store.QueueAlert(ctx, item); err != nil {
		s.logger.Error("failed to queue alert",
			zap.String("alert_type", alertType),
			zap.String("severity", severity),
			zap.String("title", title),
			zap.Error(err))
		return
	}
	s.logger.Debug("alert queued",
		zap.String("alert_id", item.AlertID),
		zap.String("alert_type", alertType),
		zap.String("severity", severity))
}
