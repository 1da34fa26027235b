// Librarius pipeline daemon: the document ingestion API and its
// background schedulers.
package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/marcus-qen/librarius/internal/aiclient"
	"github.com/marcus-qen/librarius/internal/alerts"
	"github.com/marcus-qen/librarius/internal/config"
	"github.com/marcus-qen/librarius/internal/idempotency"
	"github.com/marcus-qen/librarius/internal/locks"
	"github.com/marcus-qen/librarius/internal/maintenance"
	"github.com/marcus-qen/librarius/internal/objectstore"
	"github.com/marcus-qen/librarius/internal/perf"
	"github.com/marcus-qen/librarius/internal/pipeline"
	"github.com/marcus-qen/librarius/internal/retry"
	"github.com/marcus-qen/librarius/internal/runner"
	"github.com/marcus-qen/librarius/internal/stage"
	"github.com/marcus-qen/librarius/internal/store"
	"github.com/marcus-qen/librarius/internal/telemetry"
	"github.com/marcus-qen/librarius/internal/workdir"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// maxUploadBytes bounds the source body accepted on document registration.
const maxUploadBytes = 256 << 20

func main() {
	configPath := flag.String("config", "", "path to a YAML or JSON config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger, err := buildLogger(cfg.LogLevel, cfg.Environment)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := telemetry.InitTraceProvider(ctx, cfg.OTLPEndpoint, version)
	if err != nil {
		logger.Fatal("failed to initialize tracing", zap.Error(err))
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("tracing shutdown failed", zap.Error(err))
		}
	}()

	st, err := store.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		logger.Fatal("failed to open store", zap.Error(err))
	}
	defer st.Close()

	objects, err := openObjectStore(ctx, cfg.ObjectStore, logger)
	if err != nil {
		logger.Fatal("failed to open object store", zap.Error(err))
	}

	ai, err := openAIClient(cfg.AIService, logger)
	if err != nil {
		logger.Fatal("failed to configure AI client", zap.Error(err))
	}

	registry := stage.NewDefaultRegistry(stage.Deps{Objects: objects, AI: ai, Artifacts: st})
	graph := stage.NewGraph()

	lockMgr := locks.NewManager(st.Pool(), logger)
	checker := idempotency.NewChecker(st, logger)
	policies := retry.NewPolicyCache(st, retry.Policy{
		MaxRetries:        cfg.Retry.MaxRetries,
		InitialDelay:      time.Duration(cfg.Retry.InitialDelayMS) * time.Millisecond,
		MaxDelay:          time.Duration(cfg.Retry.MaxDelayMS) * time.Millisecond,
		BackoffMultiplier: cfg.Retry.BackoffMultiplier,
		Timeout:           time.Duration(cfg.Retry.TimeoutMS) * time.Millisecond,
	}, config.Duration(cfg.Retry.PolicyCacheTTL), logger)

	alertSvc := alerts.NewService(st, logger)
	channels := []alerts.Channel{alerts.NewLogChannel(logger)}
	if cfg.Alerts.SlackWebhookURL != "" {
		channels = append(channels, alerts.NewSlackChannel(cfg.Alerts.SlackWebhookURL))
	}
	if cfg.Alerts.WebhookURL != "" {
		channels = append(channels, alerts.NewWebhookChannel(cfg.Alerts.WebhookURL, nil))
	}
	aggregator := alerts.NewAggregator(st,
		alerts.NewConfigCache(st, config.Duration(cfg.Alerts.ConfigCacheTTL)),
		channels, config.Duration(cfg.Alerts.AggregatorInterval), logger)

	collector := perf.NewCollector(st, logger)
	orch := retry.NewOrchestrator(st, alertSvc, logger)
	workdirs := workdir.NewManager(cfg.WorkDir, logger)

	run := runner.New(runner.Deps{
		Registry:     registry,
		Acquire:      lockMgr.Acquire,
		Idempotency:  checker,
		Orchestrator: orch,
		Policies:     policies,
		Store:        st,
		Alerts:       alertSvc,
		Perf:         collector,
		Logger:       logger,
	})

	// The scheduler dispatches fired retries back into the pipeline, and the
	// pipeline cancels scheduled retries through the scheduler. The handle
	// breaks the construction cycle.
	retries := &schedulerHandle{}
	pipe := pipeline.New(pipeline.Deps{
		Graph:                graph,
		Registry:             registry,
		Runner:               run,
		Store:                st,
		Perf:                 collector,
		Retries:              retries,
		WorkDirs:             workdirs,
		Logger:               logger,
		MaxStagesParallel:    cfg.Pipeline.MaxStagesParallel,
		MaxDocumentsParallel: cfg.Pipeline.MaxDocumentsParallel,
	})
	scheduler := retry.NewScheduler(st, pipe.RetryRunnerFunc(),
		config.Duration(cfg.Retry.SchedulerInterval), logger)
	retries.scheduler = scheduler

	sweeper, err := maintenance.NewSweeper(st, maintenance.Options{
		Schedule:       cfg.Maintenance.Schedule,
		StaleHorizon:   config.Duration(cfg.Maintenance.StaleInProgressHorizon),
		AlertRetention: config.Duration(cfg.Alerts.Retention),
		ErrorRetention: config.Duration(cfg.Maintenance.ErrorRetention),
	}, logger)
	if err != nil {
		logger.Fatal("failed to configure maintenance sweeper", zap.Error(err))
	}

	aggregator.Start()
	defer aggregator.Stop()
	scheduler.Start(ctx)
	defer scheduler.Stop()
	sweeper.Start()
	defer sweeper.Stop()

	mux := http.NewServeMux()

	// ── Health + version + metrics ───────────────────────────
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	mux.HandleFunc("GET /version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"version": version, "commit": commit, "date": date,
		})
	})
	mux.Handle("GET /metrics", promhttp.Handler())

	// ── Documents ────────────────────────────────────────────
	mux.HandleFunc("POST /api/v1/documents", func(w http.ResponseWriter, r *http.Request) {
		name := r.URL.Query().Get("name")
		if name == "" {
			writeError(w, http.StatusBadRequest, "name query parameter is required")
			return
		}
		data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxUploadBytes))
		if err != nil {
			writeError(w, http.StatusRequestEntityTooLarge, "source body exceeds upload limit")
			return
		}
		if len(data) == 0 {
			writeError(w, http.StatusBadRequest, "source body is empty")
			return
		}
		contentType := r.Header.Get("Content-Type")
		if contentType == "" {
			contentType = "application/octet-stream"
		}

		sum := sha256.Sum256(data)
		doc := &store.Document{
			ID:             uuid.NewString(),
			Name:           name,
			ContentType:    contentType,
			SourceChecksum: hex.EncodeToString(sum[:]),
		}
		doc.SourceKey = stage.DocumentPrefix(doc.ID) + "source/" + name

		if err := objects.Put(r.Context(), doc.SourceKey, data, contentType); err != nil {
			logger.Error("source upload failed",
				zap.String("document_id", doc.ID), zap.Error(err))
			writeError(w, http.StatusBadGateway, "store source object")
			return
		}
		if err := st.CreateDocument(r.Context(), doc); err != nil {
			logger.Error("document registration failed",
				zap.String("document_id", doc.ID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "register document")
			return
		}
		writeJSON(w, http.StatusCreated, doc)
	})

	mux.HandleFunc("GET /api/v1/documents", func(w http.ResponseWriter, r *http.Request) {
		docs, err := st.ListDocuments(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "list documents")
			return
		}
		if docs == nil {
			docs = []*store.Document{}
		}
		writeJSON(w, http.StatusOK, docs)
	})

	mux.HandleFunc("GET /api/v1/documents/{id}", func(w http.ResponseWriter, r *http.Request) {
		doc, err := st.GetDocument(r.Context(), r.PathValue("id"))
		if err != nil {
			if store.IsNotFound(err) {
				writeError(w, http.StatusNotFound, "document not found")
				return
			}
			writeError(w, http.StatusInternalServerError, "load document")
			return
		}
		writeJSON(w, http.StatusOK, doc)
	})

	mux.HandleFunc("DELETE /api/v1/documents/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if err := objects.DeletePrefix(r.Context(), stage.DocumentPrefix(id)); err != nil {
			logger.Error("object cleanup failed", zap.String("document_id", id), zap.Error(err))
			writeError(w, http.StatusBadGateway, "delete document objects")
			return
		}
		if err := st.DeleteDocument(r.Context(), id); err != nil {
			if store.IsNotFound(err) {
				writeError(w, http.StatusNotFound, "document not found")
				return
			}
			writeError(w, http.StatusInternalServerError, "delete document")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"document_id": id, "status": "deleted"})
	})

	// ── Execution ────────────────────────────────────────────
	mux.HandleFunc("POST /api/v1/documents/{id}/run", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if !documentExists(w, r, st, id) {
			return
		}

		var req pipeline.RunRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		req.DocumentID = id
		if req.Mode == "" {
			req.Mode = pipeline.ModeFull
		}

		res, err := pipe.Run(r.Context(), req)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, res)
	})

	mux.HandleFunc("POST /api/v1/documents/batch", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			DocumentIDs []string `json:"document_ids"`
			Mode        string   `json:"mode"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		res, err := pipe.RunBatch(r.Context(), req.DocumentIDs, req.Mode)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, res)
	})

	mux.HandleFunc("POST /api/v1/documents/{id}/resume", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if !documentExists(w, r, st, id) {
			return
		}
		res, err := pipe.Resume(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, res)
	})

	mux.HandleFunc("GET /api/v1/documents/{id}/status", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		doc, err := st.GetDocument(r.Context(), id)
		if err != nil {
			if store.IsNotFound(err) {
				writeError(w, http.StatusNotFound, "document not found")
				return
			}
			writeError(w, http.StatusInternalServerError, "load document")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"document_id":  id,
			"stage_status": doc.StageStatus,
		})
	})

	// ── Retries + errors ─────────────────────────────────────
	mux.HandleFunc("POST /api/v1/retries/{id}/cancel", func(w http.ResponseWriter, r *http.Request) {
		errorID := r.PathValue("id")
		if err := pipe.CancelRetry(r.Context(), errorID); err != nil {
			if store.IsNotFound(err) {
				writeError(w, http.StatusNotFound, "pipeline error not found")
				return
			}
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"error_id": errorID, "status": "cancelled"})
	})

	mux.HandleFunc("GET /api/v1/errors", func(w http.ResponseWriter, r *http.Request) {
		f := store.ErrorFilter{
			DocumentID: r.URL.Query().Get("document_id"),
			StageName:  r.URL.Query().Get("stage"),
			Status:     r.URL.Query().Get("status"),
		}
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				writeError(w, http.StatusBadRequest, "limit must be a positive integer")
				return
			}
			f.Limit = n
		}
		rows, err := st.ListErrors(r.Context(), f)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "list pipeline errors")
			return
		}
		if rows == nil {
			rows = []*store.PipelineError{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"errors": rows, "count": len(rows)})
	})

	// ── Performance baselines ────────────────────────────────
	mux.HandleFunc("POST /api/v1/baselines", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			TestName     string              `json:"test_name"`
			DocumentName string              `json:"document_name"`
			RevisionID   string              `json:"revision_id"`
			Metrics      perf.RequestMetrics `json:"metrics"`
			Force        bool                `json:"force"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.TestName == "" || req.DocumentName == "" || req.RevisionID == "" {
			writeError(w, http.StatusBadRequest, "test_name, document_name, and revision_id are required")
			return
		}
		err := collector.StoreBaseline(r.Context(), req.TestName, req.DocumentName,
			req.RevisionID, cfg.Environment, req.Metrics, req.Force)
		if err != nil {
			switch {
			case stage.CodeOf(err) == stage.CodeForbiddenInProd:
				writeError(w, http.StatusForbidden, err.Error())
			case errors.Is(err, store.ErrBaselineExists):
				writeError(w, http.StatusConflict, err.Error())
			default:
				writeError(w, http.StatusInternalServerError, err.Error())
			}
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{
			"test_name":     req.TestName,
			"document_name": req.DocumentName,
			"revision_id":   req.RevisionID,
			"status":        "stored",
		})
	})

	srv := &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     mux,
		ReadTimeout: 60 * time.Second,
		// Synchronous runs hold the response open for the whole request.
		WriteTimeout: 15 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	logger.Info("starting pipeline daemon",
		zap.String("addr", cfg.ListenAddr),
		zap.String("version", version),
		zap.String("environment", cfg.Environment),
		zap.String("object_store", cfg.ObjectStore.Driver),
		zap.Int("stages", registry.Len()))

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
}

// buildLogger constructs a zap.Logger at the configured level. Development
// gets the console encoder; staging and production log JSON.
func buildLogger(level, environment string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var zcfg zap.Config
	if environment == "development" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(zapLevel)
	return zcfg.Build()
}

func openObjectStore(ctx context.Context, cfg config.ObjectStoreConfig, logger *zap.Logger) (objectstore.Store, error) {
	switch cfg.Driver {
	case "memory":
		logger.Warn("using in-memory object store; objects are lost on restart")
		return objectstore.NewMemory(), nil
	default:
		return objectstore.NewS3(ctx, objectstore.S3Config{
			Endpoint:  cfg.Endpoint,
			Region:    cfg.Region,
			Bucket:    cfg.Bucket,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
			PathStyle: cfg.PathStyle,
		}, logger)
	}
}

// openAIClient returns the HTTP embedder when an endpoint is configured and
// the deterministic mock otherwise, so the pipeline runs end to end without
// an AI service.
func openAIClient(cfg config.AIServiceConfig, logger *zap.Logger) (stage.AIClient, error) {
	if cfg.Endpoint == "" {
		logger.Warn("no AI endpoint configured; using deterministic mock embeddings")
		return aiclient.NewMock(), nil
	}
	return aiclient.NewEmbedder(aiclient.Config{
		Endpoint:       cfg.Endpoint,
		APIKey:         cfg.APIKey,
		Model:          cfg.Model,
		TimeoutSeconds: cfg.TimeoutSeconds,
	})
}

func documentExists(w http.ResponseWriter, r *http.Request, st *store.Store, id string) bool {
	if _, err := st.GetDocument(r.Context(), id); err != nil {
		if store.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "document not found")
		} else {
			writeError(w, http.StatusInternalServerError, "load document")
		}
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// schedulerHandle adapts the retry scheduler into the pipeline's canceller
// dependency; the field is assigned once the scheduler exists.
type schedulerHandle struct {
	scheduler *retry.Scheduler
}

func (h *schedulerHandle) CancelRetry(ctx context.Context, errorID string) error {
	if h.scheduler == nil {
		return fmt.Errorf("retry scheduler not started")
	}
	return h.scheduler.CancelRetry(ctx, errorID)
}
