// Package perf collects per-stage execution timings in memory, rolls them
// up per ingestion request, and persists the roll-ups as performance
// baselines keyed by (test, document, revision) for regression comparison.
package perf

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/librarius/internal/correlation"
	"github.com/marcus-qen/librarius/internal/stage"
	"github.com/marcus-qen/librarius/internal/store"
)

// EnvProduction is the environment name in which baseline writes are
// refused.
const EnvProduction = "production"

// metadataServiceKey marks a sample as an external-service call rather
// than a stage execution. Adapters set it to the service name.
const metadataServiceKey = "external_service"

// BaselineStore is the slice of the relational store the collector needs.
// *store.Store satisfies it.
type BaselineStore interface {
	StoreBaseline(ctx context.Context, b *store.PerformanceBaseline, force bool) error
}

// Sample is one recorded timing. Stage samples come from the runner;
// external samples carry the service name in their metadata.
type Sample struct {
	CorrelationID correlation.ID
	Stage         string
	Duration      time.Duration
	Metadata      map[string]any
	RecordedAt    time.Time
}

// RequestMetrics is the per-request roll-up FinalizeRequest produces.
type RequestMetrics struct {
	RequestID      string             `json:"request_id"`
	PipelineTimeMS float64            `json:"pipeline_time_ms"`
	StageTimeMS    map[string]float64 `json:"stage_time_ms,omitempty"`
	StageCounts    map[string]int     `json:"stage_counts,omitempty"`
	ExternalTimeMS map[string]float64 `json:"external_time_ms,omitempty"`
	ExternalCounts map[string]int     `json:"external_counts,omitempty"`
}

// MetricsMap flattens the roll-up into the key/value form baselines store.
func (m RequestMetrics) MetricsMap() map[string]float64 {
	out := make(map[string]float64, 1+2*len(m.StageTimeMS)+2*len(m.ExternalTimeMS))
	out["pipeline_time_ms"] = m.PipelineTimeMS
	for name, ms := range m.StageTimeMS {
		out["stage_"+name+"_time_ms"] = ms
		out["stage_"+name+"_count"] = float64(m.StageCounts[name])
	}
	for svc, ms := range m.ExternalTimeMS {
		out["external_"+svc+"_time_ms"] = ms
		out["external_"+svc+"_count"] = float64(m.ExternalCounts[svc])
	}
	return out
}

// Collector buffers samples per request until the request is finalized.
// Record is called from concurrent stage runs; all methods are safe for
// concurrent use.
type Collector struct {
	baselines BaselineStore
	logger    *zap.Logger
	now       func() time.Time

	mu        sync.Mutex
	byRequest map[string][]Sample
}

// NewCollector builds a collector over the baseline store.
func NewCollector(baselines BaselineStore, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collector{
		baselines: baselines,
		logger:    logger.Named("perf"),
		now:       func() time.Time { return time.Now().UTC() },
		byRequest: make(map[string][]Sample),
	}
}

// Record appends one timing sample. Samples are grouped by the request
// level of the correlation identifier; unparseable identifiers group under
// their raw value.
func (c *Collector) Record(correlationID correlation.ID, stageName string, duration time.Duration, metadata map[string]any) {
	key := correlationID.RequestID()
	if key == "" {
		key = correlationID.String()
	}

	c.mu.Lock()
	c.byRequest[key] = append(c.byRequest[key], Sample{
		CorrelationID: correlationID,
		Stage:         stageName,
		Duration:      duration,
		Metadata:      metadata,
		RecordedAt:    c.now(),
	})
	c.mu.Unlock()
}

// FinalizeRequest drains every sample recorded for the request and returns
// the roll-up. A request with no samples yields an empty roll-up.
func (c *Collector) FinalizeRequest(requestID string) RequestMetrics {
	c.mu.Lock()
	samples := c.byRequest[requestID]
	delete(c.byRequest, requestID)
	c.mu.Unlock()

	m := RequestMetrics{
		RequestID:      requestID,
		StageTimeMS:    make(map[string]float64),
		StageCounts:    make(map[string]int),
		ExternalTimeMS: make(map[string]float64),
		ExternalCounts: make(map[string]int),
	}
	for _, s := range samples {
		ms := float64(s.Duration) / float64(time.Millisecond)
		if svc, ok := s.Metadata[metadataServiceKey].(string); ok && svc != "" {
			m.ExternalTimeMS[svc] += ms
			m.ExternalCounts[svc]++
			continue
		}
		m.StageTimeMS[s.Stage] += ms
		m.StageCounts[s.Stage]++
		m.PipelineTimeMS += ms
	}
	return m
}

// Pending returns the number of requests with buffered samples.
func (c *Collector) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byRequest)
}

// StoreBaseline persists a finalized roll-up as a baseline. Writes against
// the production environment are refused; an existing (test, document,
// revision) row is only replaced when force is set.
func (c *Collector) StoreBaseline(ctx context.Context, testName, documentName, revisionID, environment string, m RequestMetrics, force bool) error {
	if environment == EnvProduction {
		return stage.NewError(stage.CodeForbiddenInProd, "baseline storage is not allowed in production")
	}

	b := &store.PerformanceBaseline{
		TestName:     testName,
		DocumentName: documentName,
		RevisionID:   revisionID,
		Environment:  environment,
		Metrics:      m.MetricsMap(),
	}
	if err := c.baselines.StoreBaseline(ctx, b, force); err != nil {
		return fmt.Errorf("store baseline %s/%s/%s: %w", testName, documentName, revisionID, err)
	}

	c.logger.Info("performance baseline stored",
		zap.String("test", testName),
		zap.String("document", documentName),
		zap.String("revision", revisionID),
		zap.String("environment", environment),
		zap.Bool("force", force))
	return nil
}
