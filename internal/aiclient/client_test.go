package aiclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newEmbedServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *Embedder) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := NewEmbedder(Config{Endpoint: srv.URL, APIKey: "test-key", Model: "test-embed"})
	if err != nil {
		t.Fatalf("NewEmbedder: %v", err)
	}
	return srv, client
}

func TestEmbedTextsOrdersByIndex(t *testing.T) {
	var gotAuth string
	_, client := newEmbedServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if r.URL.Path != "/v1/embeddings" {
			t.Errorf("path = %s, want /v1/embeddings", r.URL.Path)
		}
		var req embedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if len(req.Input) != 2 {
			t.Errorf("input size = %d, want 2", len(req.Input))
		}
		// Return vectors out of order to exercise reordering.
		resp := embedResponse{Data: []embedDatum{
			{Index: 1, Embedding: []float64{0, 1}},
			{Index: 0, Embedding: []float64{1, 0}},
		}}
		json.NewEncoder(w).Encode(resp)
	})

	vectors, err := client.EmbedTexts(context.Background(), []string{"first", "second"})
	if err != nil {
		t.Fatalf("EmbedTexts: %v", err)
	}
	if gotAuth != "Bearer test-key" {
		t.Errorf("Authorization = %q, want bearer key", gotAuth)
	}
	if len(vectors) != 2 {
		t.Fatalf("got %d vectors, want 2", len(vectors))
	}
	if vectors[0][0] != 1 || vectors[1][1] != 1 {
		t.Errorf("vectors not reordered by index: %v", vectors)
	}
}

func TestEmbedTextsEmptyInputSkipsRequest(t *testing.T) {
	called := false
	_, client := newEmbedServer(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
	})

	vectors, err := client.EmbedTexts(context.Background(), nil)
	if err != nil {
		t.Fatalf("EmbedTexts: %v", err)
	}
	if vectors != nil {
		t.Errorf("vectors = %v, want nil", vectors)
	}
	if called {
		t.Error("empty input must not hit the service")
	}
}

func TestEmbedImage(t *testing.T) {
	_, client := newEmbedServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/embeddings/image" {
			t.Errorf("path = %s, want /v1/embeddings/image", r.URL.Path)
		}
		var req imageEmbedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Image == "" {
			t.Error("image payload missing")
		}
		json.NewEncoder(w).Encode(embedResponse{Data: []embedDatum{{Index: 0, Embedding: []float64{0.5, 0.5}}}})
	})

	vec, err := client.EmbedImage(context.Background(), []byte{0x89, 0x50})
	if err != nil {
		t.Fatalf("EmbedImage: %v", err)
	}
	if len(vec) != 2 {
		t.Errorf("vector dims = %d, want 2", len(vec))
	}
}

func TestHTTPErrorCarriesStatus(t *testing.T) {
	tests := []struct {
		name   string
		status int
	}{
		{"rate limited", http.StatusTooManyRequests},
		{"server error", http.StatusBadGateway},
		{"bad request", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, client := newEmbedServer(t, func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			})

			_, err := client.EmbedTexts(context.Background(), []string{"x"})
			if err == nil {
				t.Fatal("want error, got nil")
			}
			var httpErr *HTTPError
			if !errors.As(err, &httpErr) {
				t.Fatalf("error %T does not expose HTTP status", err)
			}
			if httpErr.HTTPStatusCode() != tt.status {
				t.Errorf("status = %d, want %d", httpErr.HTTPStatusCode(), tt.status)
			}
		})
	}
}

func TestEmbedderSingleAttempt(t *testing.T) {
	attempts := 0
	_, client := newEmbedServer(t, func(w http.ResponseWriter, r *http.Request) {
		attempts++
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	})

	_, err := client.EmbedTexts(context.Background(), []string{"x"})
	if err == nil {
		t.Fatal("want error, got nil")
	}
	if attempts != 1 {
		t.Errorf("made %d attempts, want exactly 1 (retries belong to the pipeline)", attempts)
	}
}

func TestNewEmbedderNoEndpoint(t *testing.T) {
	if _, err := NewEmbedder(Config{}); err == nil {
		t.Error("expected error when no endpoint")
	}
}

func TestMockFixedVectors(t *testing.T) {
	mock := NewMock()
	vectors, err := mock.EmbedTexts(context.Background(), []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("EmbedTexts: %v", err)
	}
	if len(vectors) != 3 {
		t.Fatalf("got %d vectors, want 3", len(vectors))
	}
	for i, v := range vectors {
		if len(v) != 4 {
			t.Errorf("vector %d dims = %d, want 4", i, len(v))
		}
	}
	if mock.TextCallCount() != 1 {
		t.Errorf("TextCallCount = %d, want 1", mock.TextCallCount())
	}
}

func TestMockQueuedErrors(t *testing.T) {
	boom := &HTTPError{Status: 503, Body: "overloaded"}
	mock := NewMockWithErrors(boom, nil)

	if _, err := mock.EmbedTexts(context.Background(), []string{"a"}); !errors.Is(err, boom) {
		t.Errorf("first call error = %v, want queued error", err)
	}
	if _, err := mock.EmbedTexts(context.Background(), []string{"a"}); err != nil {
		t.Errorf("second call error = %v, want nil", err)
	}
	if _, err := mock.EmbedImage(context.Background(), nil); err != nil {
		t.Errorf("call past queue end = %v, want nil", err)
	}
}
