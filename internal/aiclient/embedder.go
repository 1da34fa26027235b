package aiclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"
)

const defaultModel = "doc-embed-v2"

// Embedder calls an OpenAI-compatible embeddings API.
// Works with OpenAI, vLLM, Ollama, and self-hosted embedding services.
type Embedder struct {
	endpoint string
	apiKey   string
	model    string
	headers  map[string]string
	client   *http.Client
}

var _ Client = (*Embedder)(nil)

// NewEmbedder creates an embeddings client.
func NewEmbedder(cfg Config) (*Embedder, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("embedder requires an endpoint")
	}

	model := cfg.Model
	if model == "" {
		model = defaultModel
	}

	timeout := cfg.TimeoutSeconds
	if timeout <= 0 {
		timeout = 60
	}

	return &Embedder{
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		model:    model,
		headers:  cfg.CustomHeaders,
		client:   &http.Client{Timeout: time.Duration(timeout) * time.Second},
	}, nil
}

func (e *Embedder) Name() string { return "http" }

// --- embeddings API types ---

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type imageEmbedRequest struct {
	Model string `json:"model"`
	Image string `json:"image"` // base64
}

type embedResponse struct {
	Data  []embedDatum `json:"data"`
	Model string       `json:"model"`
	Error *embedError  `json:"error,omitempty"`
}

type embedDatum struct {
	Index     int       `json:"index"`
	Embedding []float64 `json:"embedding"`
}

type embedError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// EmbedTexts sends the batch in one request. Responses arrive indexed, not
// necessarily ordered, so vectors are rebuilt into input order.
func (e *Embedder) EmbedTexts(ctx context.Context, texts []string) ([][]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	var apiResp embedResponse
	if err := e.do(ctx, "/v1/embeddings", embedRequest{Model: e.model, Input: texts}, &apiResp); err != nil {
		return nil, err
	}
	if apiResp.Error != nil {
		return nil, fmt.Errorf("embedding API error (%s): %s", apiResp.Error.Type, apiResp.Error.Message)
	}

	sort.Slice(apiResp.Data, func(i, j int) bool { return apiResp.Data[i].Index < apiResp.Data[j].Index })
	vectors := make([][]float64, 0, len(apiResp.Data))
	for _, d := range apiResp.Data {
		vectors = append(vectors, d.Embedding)
	}
	return vectors, nil
}

// EmbedImage embeds a single image supplied as raw bytes.
func (e *Embedder) EmbedImage(ctx context.Context, image []byte) ([]float64, error) {
	req := imageEmbedRequest{
		Model: e.model,
		Image: base64.StdEncoding.EncodeToString(image),
	}

	var apiResp embedResponse
	if err := e.do(ctx, "/v1/embeddings/image", req, &apiResp); err != nil {
		return nil, err
	}
	if apiResp.Error != nil {
		return nil, fmt.Errorf("embedding API error (%s): %s", apiResp.Error.Type, apiResp.Error.Message)
	}
	if len(apiResp.Data) == 0 {
		return nil, fmt.Errorf("embedding API returned no vector for image")
	}
	return apiResp.Data[0].Embedding, nil
}

// do makes a single attempt. Non-2xx statuses become *HTTPError so the
// retry classifier can read them.
func (e *Embedder) do(ctx context.Context, path string, payload any, result *embedResponse) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create HTTP request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+e.apiKey)
	}
	for k, v := range e.headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := e.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}

	respBody, err := io.ReadAll(httpResp.Body)
	httpResp.Body.Close()
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return &HTTPError{Status: httpResp.StatusCode, Body: string(respBody)}
	}

	if err := json.Unmarshal(respBody, result); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}
