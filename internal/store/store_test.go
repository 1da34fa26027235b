package store

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/librarius/internal/stage"
)

// These tests need a real Postgres. Point PIPELINE_TEST_DATABASE_URL at a
// scratch database to run them.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("PIPELINE_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("PIPELINE_TEST_DATABASE_URL not set")
	}
	s, err := New(context.Background(), dsn, zap.NewNop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func createTestDocument(t *testing.T, s *Store) *Document {
	t.Helper()
	doc := &Document{
		Name:           "pump-manual.pdf",
		SourceKey:      "inbox/pump-manual.pdf",
		ContentType:    "application/pdf",
		SourceChecksum: "abc123",
	}
	if err := s.CreateDocument(context.Background(), doc); err != nil {
		t.Fatalf("create document: %v", err)
	}
	t.Cleanup(func() { _ = s.DeleteDocument(context.Background(), doc.ID) })
	return doc
}

func TestDocumentLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	doc := createTestDocument(t, s)

	got, err := s.GetDocument(ctx, doc.ID)
	if err != nil {
		t.Fatalf("get document: %v", err)
	}
	if len(got.StageStatus) != len(stage.Names()) {
		t.Fatalf("stage status has %d entries, want %d", len(got.StageStatus), len(stage.Names()))
	}
	for _, name := range stage.Names() {
		if got.StageStatus[name] != stage.StatusNotStarted {
			t.Errorf("stage %s = %q, want %q", name, got.StageStatus[name], stage.StatusNotStarted)
		}
	}

	if err := s.SetStageStatus(ctx, doc.ID, stage.TextExtraction, stage.StatusInProgress); err != nil {
		t.Fatalf("set stage status: %v", err)
	}
	status, err := s.GetStageStatus(ctx, doc.ID, stage.TextExtraction)
	if err != nil {
		t.Fatalf("get stage status: %v", err)
	}
	if status != stage.StatusInProgress {
		t.Errorf("status = %q, want %q", status, stage.StatusInProgress)
	}

	// Other stages stay untouched.
	other, err := s.GetStageStatus(ctx, doc.ID, stage.Upload)
	if err != nil {
		t.Fatalf("get untouched status: %v", err)
	}
	if other != stage.StatusNotStarted {
		t.Errorf("untouched status = %q, want %q", other, stage.StatusNotStarted)
	}

	if err := s.DeleteDocument(ctx, doc.ID); err != nil {
		t.Fatalf("delete document: %v", err)
	}
	if _, err := s.GetDocument(ctx, doc.ID); !IsNotFound(err) {
		t.Errorf("get deleted document err = %v, want not found", err)
	}
}

func TestSetStageStatusUnknownDocument(t *testing.T) {
	s := newTestStore(t)
	err := s.SetStageStatus(context.Background(), "00000000-0000-0000-0000-000000000000", stage.Upload, stage.StatusPending)
	if !IsNotFound(err) {
		t.Errorf("err = %v, want not found", err)
	}
}

func TestMarkerCouplesStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	doc := createTestDocument(t, s)

	m := &CompletionMarker{
		DocumentID: doc.ID,
		StageName:  stage.ChunkPrep,
		DataHash:   "deadbeef",
		Metadata:   map[string]any{"chunks": float64(12)},
	}
	if err := s.SetMarker(ctx, m); err != nil {
		t.Fatalf("set marker: %v", err)
	}

	got, err := s.GetMarker(ctx, doc.ID, stage.ChunkPrep)
	if err != nil {
		t.Fatalf("get marker: %v", err)
	}
	if got.DataHash != "deadbeef" {
		t.Errorf("data hash = %q, want %q", got.DataHash, "deadbeef")
	}

	status, err := s.GetStageStatus(ctx, doc.ID, stage.ChunkPrep)
	if err != nil {
		t.Fatalf("get stage status: %v", err)
	}
	if status != stage.StatusCompleted {
		t.Errorf("status after marker = %q, want %q", status, stage.StatusCompleted)
	}

	if err := s.DeleteMarker(ctx, doc.ID, stage.ChunkPrep); err != nil {
		t.Fatalf("delete marker: %v", err)
	}
	if _, err := s.GetMarker(ctx, doc.ID, stage.ChunkPrep); !IsNotFound(err) {
		t.Errorf("get deleted marker err = %v, want not found", err)
	}
	// Deleting an absent marker is fine.
	if err := s.DeleteMarker(ctx, doc.ID, stage.ChunkPrep); err != nil {
		t.Errorf("delete absent marker: %v", err)
	}
}

func TestArtifactArena(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	doc := createTestDocument(t, s)

	for _, kind := range []string{"chunk", "chunk", "summary"} {
		err := s.SaveArtifact(ctx, stage.Artifact{
			DocumentID: doc.ID,
			Stage:      stage.ChunkPrep,
			Kind:       kind,
			Payload:    []byte(`{"n":1}`),
		})
		if err != nil {
			t.Fatalf("save artifact: %v", err)
		}
	}

	artifacts, err := s.ListArtifacts(ctx, doc.ID, stage.ChunkPrep)
	if err != nil {
		t.Fatalf("list artifacts: %v", err)
	}
	if len(artifacts) != 3 {
		t.Fatalf("got %d artifacts, want 3", len(artifacts))
	}
	if artifacts[2].Kind != "summary" {
		t.Errorf("insertion order lost: last kind = %q", artifacts[2].Kind)
	}

	n, err := s.DeleteArtifacts(ctx, doc.ID, stage.ChunkPrep)
	if err != nil {
		t.Fatalf("delete artifacts: %v", err)
	}
	if n != 3 {
		t.Errorf("deleted %d rows, want 3", n)
	}
}

func TestErrorRetryLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	doc := createTestDocument(t, s)

	e := &PipelineError{
		DocumentID:    doc.ID,
		StageName:     stage.Embedding,
		ErrorType:     "transient",
		ErrorMessage:  "503 from embedding service",
		CorrelationID: "req_00000000-0000-4000-8000-000000000000.stage_embedding",
	}
	if err := s.CreateError(ctx, e); err != nil {
		t.Fatalf("create error: %v", err)
	}
	if e.Status != ErrorStatusPending {
		t.Fatalf("new error status = %q, want pending", e.Status)
	}
	t.Cleanup(func() { _ = s.FailError(ctx, e.ErrorID, "test cleanup") })

	fireAt := time.Now().UTC().Add(-time.Second)
	if err := s.ScheduleRetry(ctx, e.ErrorID, 1, fireAt); err != nil {
		t.Fatalf("schedule retry: %v", err)
	}

	due, err := s.DueRetries(ctx, time.Now().UTC(), 10)
	if err != nil {
		t.Fatalf("due retries: %v", err)
	}
	found := false
	for _, d := range due {
		if d.ErrorID == e.ErrorID {
			found = true
			if d.RetryCount != 1 {
				t.Errorf("retry count = %d, want 1", d.RetryCount)
			}
		}
	}
	if !found {
		t.Fatal("scheduled retry not in due list")
	}

	active, err := s.HasActiveRetry(ctx, doc.ID, stage.Embedding, "")
	if err != nil {
		t.Fatalf("has active retry: %v", err)
	}
	if !active {
		t.Error("expected an active retry")
	}
	// The retry task itself is excluded by its own error ID.
	active, err = s.HasActiveRetry(ctx, doc.ID, stage.Embedding, e.ErrorID)
	if err != nil {
		t.Fatalf("has active retry with exclusion: %v", err)
	}
	if active {
		t.Error("retry should not block itself")
	}

	if err := s.ResolveError(ctx, e.ErrorID, 2, "succeeded on retry 2"); err != nil {
		t.Fatalf("resolve error: %v", err)
	}
	got, err := s.GetError(ctx, e.ErrorID)
	if err != nil {
		t.Fatalf("get error: %v", err)
	}
	if got.Status != ErrorStatusResolved {
		t.Errorf("status = %q, want resolved", got.Status)
	}
	if got.RetryCount != 2 {
		t.Errorf("retry count = %d, want the resolving attempt", got.RetryCount)
	}
	if got.NextRetryAt != nil {
		t.Error("resolved error still has a next retry time")
	}
	if got.ResolutionNotes != "succeeded on retry 2" {
		t.Errorf("notes = %q", got.ResolutionNotes)
	}

	list, err := s.ListErrors(ctx, ErrorFilter{DocumentID: doc.ID, Status: ErrorStatusResolved})
	if err != nil {
		t.Fatalf("list errors: %v", err)
	}
	if len(list) != 1 || list[0].ErrorID != e.ErrorID {
		t.Errorf("filtered list = %d rows", len(list))
	}
}

func TestAlertQueueFlow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := &AlertQueueItem{
		AlertType: "stage_failed_test",
		Severity:  "critical",
		Title:     "embedding failed",
		Message:   "retries exhausted",
		Metadata:  map[string]any{"stage": "embedding"},
	}
	if err := s.QueueAlert(ctx, a); err != nil {
		t.Fatalf("queue alert: %v", err)
	}

	pending, err := s.PendingAlertsInWindow(ctx, "stage_failed_test", time.Hour)
	if err != nil {
		t.Fatalf("pending alerts: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("got %d pending alerts, want 1", len(pending))
	}
	if pending[0].Metadata["stage"] != "embedding" {
		t.Errorf("metadata lost: %v", pending[0].Metadata)
	}

	if err := s.MarkAlertsAggregated(ctx, []string{a.AlertID}); err != nil {
		t.Fatalf("mark aggregated: %v", err)
	}
	pending, err = s.PendingAlertsInWindow(ctx, "stage_failed_test", time.Hour)
	if err != nil {
		t.Fatalf("pending after claim: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("claimed alert still pending")
	}

	if err := s.MarkAlertsSent(ctx, []string{a.AlertID}); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	if _, err := s.PruneAlerts(ctx, 0); err != nil {
		t.Fatalf("prune alerts: %v", err)
	}
}

func TestAlertConfigurationUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := &AlertConfiguration{
		AlertType:         "stage_failed_test_cfg",
		Threshold:         3,
		TimeWindowMinutes: 15,
		Channels:          []string{"log", "webhook"},
		Recipients:        []string{"oncall@example.com"},
		Enabled:           true,
	}
	if err := s.UpsertAlertConfiguration(ctx, c); err != nil {
		t.Fatalf("upsert configuration: %v", err)
	}
	c.Threshold = 5
	if err := s.UpsertAlertConfiguration(ctx, c); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	got, err := s.GetAlertConfiguration(ctx, "stage_failed_test_cfg")
	if err != nil {
		t.Fatalf("get configuration: %v", err)
	}
	if got.Threshold != 5 {
		t.Errorf("threshold = %d, want 5", got.Threshold)
	}
	if len(got.Channels) != 2 || got.Channels[1] != "webhook" {
		t.Errorf("channels = %v", got.Channels)
	}
}

func TestRetryPolicyFallback(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	wide := &RetryPolicy{
		ServiceName:       "policy-test-svc",
		MaxRetries:        3,
		InitialDelayMS:    1000,
		MaxDelayMS:        60000,
		BackoffMultiplier: 2.0,
		TimeoutMS:         120000,
	}
	if err := s.UpsertRetryPolicy(ctx, wide); err != nil {
		t.Fatalf("upsert service policy: %v", err)
	}
	pinned := &RetryPolicy{
		ServiceName:       "policy-test-svc",
		StageName:         stage.Embedding,
		MaxRetries:        5,
		InitialDelayMS:    500,
		MaxDelayMS:        30000,
		BackoffMultiplier: 1.5,
		TimeoutMS:         60000,
	}
	if err := s.UpsertRetryPolicy(ctx, pinned); err != nil {
		t.Fatalf("upsert stage policy: %v", err)
	}

	got, err := s.GetRetryPolicy(ctx, "policy-test-svc", stage.Embedding)
	if err != nil {
		t.Fatalf("get pinned policy: %v", err)
	}
	if got.MaxRetries != 5 {
		t.Errorf("pinned lookup max retries = %d, want 5", got.MaxRetries)
	}

	got, err = s.GetRetryPolicy(ctx, "policy-test-svc", stage.Upload)
	if err != nil {
		t.Fatalf("get fallback policy: %v", err)
	}
	if got.MaxRetries != 3 || got.StageName != "" {
		t.Errorf("fallback lookup = %+v, want service-wide row", got)
	}

	if _, err := s.GetRetryPolicy(ctx, "no-such-svc", stage.Upload); !IsNotFound(err) {
		t.Errorf("unknown service err = %v, want not found", err)
	}
}

func TestBaselineForceGate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	b := &PerformanceBaseline{
		TestName:     "full_pipeline_test",
		DocumentName: "pump-manual.pdf",
		RevisionID:   "rev-1",
		Environment:  "development",
		Metrics:      map[string]float64{"avg_ms": 120, "p95_ms": 310},
	}
	if err := s.StoreBaseline(ctx, b, false); err != nil && !errors.Is(err, ErrBaselineExists) {
		t.Fatalf("store baseline: %v", err)
	}

	b.Metrics["avg_ms"] = 999
	err := s.StoreBaseline(ctx, b, false)
	if !errors.Is(err, ErrBaselineExists) {
		t.Fatalf("second store err = %v, want ErrBaselineExists", err)
	}

	if err := s.StoreBaseline(ctx, b, true); err != nil {
		t.Fatalf("forced store: %v", err)
	}
	got, err := s.GetBaseline(ctx, "full_pipeline_test", "pump-manual.pdf", "rev-1")
	if err != nil {
		t.Fatalf("get baseline: %v", err)
	}
	if got.Metrics["avg_ms"] != 999 {
		t.Errorf("forced store did not replace metrics: %v", got.Metrics)
	}

	list, err := s.ListBaselines(ctx, "full_pipeline_test")
	if err != nil {
		t.Fatalf("list baselines: %v", err)
	}
	if len(list) == 0 {
		t.Error("list baselines returned nothing")
	}
}
