package facevec

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPExtractorRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embed" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		var req struct {
			Image string `json:"image"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		raw, err := base64.StdEncoding.DecodeString(req.Image)
		if err != nil || string(raw) != "fake-jpeg" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"embedding": []float32{0.1, 0.2, 0.3}})
	}))
	defer srv.Close()

	ext := NewHTTPExtractor(srv.URL)
	vec, err := ext.Extract(context.Background(), []byte("fake-jpeg"))
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(vec) != 3 || vec[0] != 0.1 {
		t.Fatalf("unexpected vector: %v", vec)
	}
}

func TestHTTPExtractorSurfacesServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "no face detected"})
	}))
	defer srv.Close()

	ext := NewHTTPExtractor(srv.URL)
	if _, err := ext.Extract(context.Background(), []byte("x")); err == nil {
		t.Fatal("expected error from service")
	}
}

func TestHTTPExtractorRequiresImage(t *testing.T) {
	ext := NewHTTPExtractor("")
	if _, err := ext.Extract(context.Background(), nil); err == nil {
		t.Fatal("expected error for empty image")
	}
}
