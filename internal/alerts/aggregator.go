package alerts

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/librarius/internal/store"
)

// maxExamples caps the representative alerts carried in one dispatch.
const maxExamples = 10

// Aggregator periodically groups pending alerts per type and dispatches
// batches that meet their configuration's threshold.
type Aggregator struct {
	store    Store
	configs  *ConfigCache
	channels map[string]Channel
	interval time.Duration
	logger   *zap.Logger
	now      func() time.Time

	aggMu sync.Mutex

	runMu  sync.Mutex
	ticker *time.Ticker
	stopCh chan struct{}
}

// NewAggregator builds an aggregator. Channels are looked up by their
// Type() when a configuration names them.
func NewAggregator(st Store, configs *ConfigCache, channels []Channel, interval time.Duration, logger *zap.Logger) *Aggregator {
	byType := make(map[string]Channel, len(channels))
	for _, ch := range channels {
		byType[ch.Type()] = ch
	}
	return &Aggregator{
		store:    st,
		configs:  configs,
		channels: byType,
		interval: interval,
		logger:   logger.Named("aggregator"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Start begins periodic aggregation.
func (a *Aggregator) Start() {
	a.runMu.Lock()
	defer a.runMu.Unlock()

	if a.ticker != nil {
		return
	}
	a.stopCh = make(chan struct{})
	a.ticker = time.NewTicker(a.interval)

	stopCh := a.stopCh
	tickCh := a.ticker.C

	go a.loop(stopCh, tickCh)
	go a.safeAggregate("startup")
}

// Stop halts periodic aggregation.
func (a *Aggregator) Stop() {
	a.runMu.Lock()
	defer a.runMu.Unlock()

	if a.ticker == nil {
		return
	}
	a.ticker.Stop()
	close(a.stopCh)
	a.ticker = nil
	a.stopCh = nil
}

func (a *Aggregator) loop(stopCh <-chan struct{}, tickCh <-chan time.Time) {
	for {
		select {
		case <-stopCh:
			return
		case <-tickCh:
			a.safeAggregate("ticker")
		}
	}
}

func (a *Aggregator) safeAggregate(trigger string) {
	if err := a.Aggregate(context.Background()); err != nil {
		a.logger.Warn("alert aggregation failed", zap.String("trigger", trigger), zap.Error(err))
	}
}

// Aggregate runs one full pass over all enabled configurations. One pass
// runs at a time; aggregation is single-consumer per alert type.
func (a *Aggregator) Aggregate(ctx context.Context) error {
	a.aggMu.Lock()
	defer a.aggMu.Unlock()

	configs, err := a.configs.Get(ctx)
	if err != nil {
		return fmt.Errorf("load alert configurations: %w", err)
	}

	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		threshold := cfg.Threshold
		if threshold < 1 {
			threshold = 1
		}
		window := time.Duration(cfg.TimeWindowMinutes) * time.Minute

		items, err := a.store.PendingAlertsInWindow(ctx, cfg.AlertType, window)
		if err != nil {
			a.logger.Warn("failed to load pending alerts",
				zap.String("alert_type", cfg.AlertType), zap.Error(err))
			continue
		}
		if len(items) < threshold {
			continue
		}

		ids := make([]string, len(items))
		for i, item := range items {
			ids[i] = item.AlertID
		}
		if err := a.store.MarkAlertsAggregated(ctx, ids); err != nil {
			a.logger.Warn("failed to claim alert batch",
				zap.String("alert_type", cfg.AlertType), zap.Error(err))
			continue
		}

		msg := a.compose(cfg, items)
		if a.dispatch(ctx, cfg, msg) {
			if err := a.store.MarkAlertsSent(ctx, ids); err != nil {
				a.logger.Warn("failed to mark alerts sent", zap.Error(err))
			}
		} else {
			if err := a.store.MarkAlertsFailed(ctx, ids); err != nil {
				a.logger.Warn("failed to mark alerts failed", zap.Error(err))
			}
		}
	}
	return nil
}

func (a *Aggregator) compose(cfg *store.AlertConfiguration, items []*store.AlertQueueItem) Message {
	severity := SeverityLow
	examples := make([]string, 0, maxExamples)
	for _, item := range items {
		severity = maxSeverity(severity, item.Severity)
		if len(examples) < maxExamples {
			examples = append(examples, item.Title+": "+item.Message)
		}
	}
	return Message{
		AlertType: cfg.AlertType,
		Severity:  severity,
		Title: fmt.Sprintf("%s: %d alerts in %dm window",
			cfg.AlertType, len(items), cfg.TimeWindowMinutes),
		Body:        items[0].Message,
		Count:       len(items),
		Examples:    examples,
		Recipients:  cfg.Recipients,
		WindowStart: items[0].CreatedAt,
		WindowEnd:   items[len(items)-1].CreatedAt,
	}
}

// dispatch sends to every configured channel and reports whether at least
// one delivery succeeded.
func (a *Aggregator) dispatch(ctx context.Context, cfg *store.AlertConfiguration, msg Message) bool {
	names := cfg.Channels
	if len(names) == 0 {
		names = []string{"log"}
	}

	delivered := 0
	for _, name := range names {
		ch, ok := a.channels[name]
		if !ok {
			a.logger.Warn("alert configuration names unknown channel",
				zap.String("alert_type", cfg.AlertType), zap.String("channel", name))
			continue
		}
		if err := ch.Send(ctx, msg); err != nil {
			a.logger.Warn("alert delivery failed",
				zap.String("alert_type", cfg.AlertType),
				zap.String("channel", name),
				zap.Error(err))
			continue
		}
		delivered++
	}
	return delivered > 0
}
