package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// APIClient talks to the pipeline daemon. The wire types below mirror the
// daemon's JSON; keeping them local means the CLI builds against any daemon
// version that speaks the same API.
type APIClient struct {
	server string
	http   *http.Client
}

type Document struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	SourceKey      string            `json:"source_key"`
	ContentType    string            `json:"content_type"`
	SourceChecksum string            `json:"source_checksum"`
	StageStatus    map[string]string `json:"stage_status"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

type StageResult struct {
	Status        string     `json:"status"`
	Class         string     `json:"class,omitempty"`
	Error         string     `json:"error,omitempty"`
	ErrorID       string     `json:"error_id,omitempty"`
	CorrelationID string     `json:"correlation_id,omitempty"`
	NextRetryAt   *time.Time `json:"next_retry_at,omitempty"`
	Attempt       int        `json:"attempt,omitempty"`
	DurationMS    float64    `json:"duration_ms,omitempty"`
}

type RunResult struct {
	RequestID   string                 `json:"request_id"`
	DocumentID  string                 `json:"document_id"`
	Mode        string                 `json:"mode"`
	Stages      map[string]StageResult `json:"stages"`
	SuccessRate float64                `json:"success_rate"`
	Outcome     string                 `json:"outcome"`
	DurationMS  float64                `json:"duration_ms"`
	Metrics     json.RawMessage        `json:"metrics,omitempty"`
}

type BatchResult struct {
	Results map[string]*RunResult `json:"results"`
	Errors  map[string]string     `json:"errors,omitempty"`
}

type StatusResponse struct {
	DocumentID  string            `json:"document_id"`
	StageStatus map[string]string `json:"stage_status"`
}

type PipelineError struct {
	ErrorID         string     `json:"error_id"`
	DocumentID      string     `json:"document_id"`
	StageName       string     `json:"stage_name"`
	ErrorType       string     `json:"error_type"`
	ErrorMessage    string     `json:"error_message"`
	RetryCount      int        `json:"retry_count"`
	Status          string     `json:"status"`
	CorrelationID   string     `json:"correlation_id"`
	NextRetryAt     *time.Time `json:"next_retry_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	ResolutionNotes string     `json:"resolution_notes,omitempty"`
}

type ErrorListResponse struct {
	Errors []PipelineError `json:"errors"`
	Count  int             `json:"count"`
}

type RunPayload struct {
	Mode        string   `json:"mode,omitempty"`
	Stages      []string `json:"stages,omitempty"`
	StopOnError *bool    `json:"stop_on_error,omitempty"`
}

type BatchPayload struct {
	DocumentIDs []string `json:"document_ids"`
	Mode        string   `json:"mode,omitempty"`
}

type BaselinePayload struct {
	TestName     string          `json:"test_name"`
	DocumentName string          `json:"document_name"`
	RevisionID   string          `json:"revision_id"`
	Metrics      json.RawMessage `json:"metrics"`
	Force        bool            `json:"force"`
}

type apiError struct {
	Error string `json:"error"`
}

func NewAPIClient(server string) *APIClient {
	server = strings.TrimRight(server, "/")
	if server == "" {
		server = "http://localhost:8080"
	}

	return &APIClient{
		server: server,
		// Synchronous runs hold the response until the pipeline finishes.
		http: &http.Client{Timeout: 15 * time.Minute},
	}
}

func (c *APIClient) UploadDocument(ctx context.Context, name, contentType string, data []byte) (*Document, error) {
	target := c.server + "/api/v1/documents?name=" + url.QueryEscape(name)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	var out Document
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) Documents(ctx context.Context) ([]Document, error) {
	var out []Document
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/documents", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *APIClient) Document(ctx context.Context, id string) (*Document, error) {
	var out Document
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/documents/"+id, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) Run(ctx context.Context, id string, payload RunPayload) (*RunResult, error) {
	var out RunResult
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/documents/"+id+"/run", payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) RunBatch(ctx context.Context, payload BatchPayload) (*BatchResult, error) {
	var out BatchResult
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/documents/batch", payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) Resume(ctx context.Context, id string) (*RunResult, error) {
	var out RunResult
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/documents/"+id+"/resume", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) Status(ctx context.Context, id string) (*StatusResponse, error) {
	var out StatusResponse
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/documents/"+id+"/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) CancelRetry(ctx context.Context, errorID string) (map[string]string, error) {
	var out map[string]string
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/retries/"+errorID+"/cancel", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *APIClient) Errors(ctx context.Context, documentID, stageName, status string, limit int) (*ErrorListResponse, error) {
	q := url.Values{}
	if documentID != "" {
		q.Set("document_id", documentID)
	}
	if stageName != "" {
		q.Set("stage", stageName)
	}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/v1/errors"
	if encoded := q.Encode(); encoded != "" {
		path += "?" + encoded
	}

	var out ErrorListResponse
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) StoreBaseline(ctx context.Context, payload BaselinePayload) (map[string]string, error) {
	var out map[string]string
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/baselines", payload, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *APIClient) doJSON(ctx context.Context, method, path string, body any, out any) error {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewBuffer(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.server+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(req, out)
}

func (c *APIClient) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	resBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var ae apiError
		if err := json.Unmarshal(resBody, &ae); err == nil && ae.Error != "" {
			return fmt.Errorf("request failed (status %d): %s", resp.StatusCode, ae.Error)
		}
		return fmt.Errorf("request failed (status %d): %s", resp.StatusCode, strings.TrimSpace(string(resBody)))
	}

	if out == nil || len(resBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(resBody, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}
