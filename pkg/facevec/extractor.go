// Package facevec wraps the external face-feature extraction model behind an
// opaque interface. The model itself (detection, alignment, embedding) lives
// in a separate service; this package only moves bytes and vectors.
package facevec

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Extractor produces a feature vector from a reference photo.
type Extractor interface {
	Extract(ctx context.Context, image []byte) ([]float32, error)
}

const defaultBaseURL = "http://127.0.0.1:9090"

// HTTPExtractor calls a face-embedding HTTP service.
type HTTPExtractor struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPExtractor constructs a client with the provided base URL.
func NewHTTPExtractor(baseURL string) *HTTPExtractor {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")
	return &HTTPExtractor{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Extract posts the photo to the embedding service and returns the vector.
func (e *HTTPExtractor) Extract(ctx context.Context, image []byte) ([]float32, error) {
	if len(image) == 0 {
		return nil, errors.New("image bytes required")
	}
	reqBody := embedRequest{Image: base64.StdEncoding.EncodeToString(image)}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embed", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("face service request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errResp errorResponse
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		if errResp.Error != "" {
			return nil, fmt.Errorf("face service error: %s", errResp.Error)
		}
		return nil, fmt.Errorf("face service error: %s", resp.Status)
	}
	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode face service response: %w", err)
	}
	if len(out.Embedding) == 0 {
		return nil, errors.New("face service response missing embedding")
	}
	return out.Embedding, nil
}

type embedRequest struct {
	Image string `json:"image"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

type errorResponse struct {
	Error string `json:"error"`
}
