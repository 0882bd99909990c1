package generator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"
)

// Static errors for the HTTP generation backend.
var (
	// ErrBaseURLRequired is returned when the backend base URL is not provided.
	ErrBaseURLRequired = errors.New("generator: base URL is required")
	// ErrServerError is returned when the backend returns a 5xx status code.
	ErrServerError = errors.New("generator: server error")
	// ErrRequestFailed is returned when the request fails with a non-2xx status code.
	ErrRequestFailed = errors.New("generator: request failed")
	// ErrNoOutput is returned when a successful response carries no video.
	ErrNoOutput = errors.New("generator: response contained no video output")
)

// Compile-time check that HTTPGenerator implements Generator.
var _ Generator = (*HTTPGenerator)(nil)

// HTTPGenerator calls an external commentary generation endpoint.
type HTTPGenerator struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// Option configures an HTTPGenerator.
type Option func(*HTTPGenerator)

// WithAPIKey sets the API key for authentication.
func WithAPIKey(key string) Option {
	return func(g *HTTPGenerator) {
		g.apiKey = key
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(g *HTTPGenerator) {
		g.httpClient = c
	}
}

// NewHTTPGenerator creates a generator backed by an HTTP endpoint.
func NewHTTPGenerator(baseURL string, opts ...Option) (*HTTPGenerator, error) {
	if baseURL == "" {
		return nil, ErrBaseURLRequired
	}

	g := &HTTPGenerator{
		baseURL: baseURL,
		// Generation regularly takes minutes; the pipeline context still
		// bounds the overall run.
		httpClient: &http.Client{Timeout: 10 * time.Minute},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// generateResponse is the backend's JSON response envelope.
type generateResponse struct {
	VideoURL   string `json:"video_url"`
	Transcript string `json:"transcript"`
	Error      string `json:"error"`
}

// Generate submits the source video and downloads the commentated result
// into the job's scratch directory.
func (g *HTTPGenerator) Generate(ctx context.Context, req Request) (*Result, error) {
	video, err := os.Open(req.VideoPath)
	if err != nil {
		return nil, fmt.Errorf("open source video: %w", err)
	}
	defer func() { _ = video.Close() }()

	params := url.Values{}
	params.Set("style", req.Style)
	params.Set("language", req.Language)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/generate?%s", g.baseURL, params.Encode()),
		video,
	)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "video/mp4")
	if g.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("call generation backend: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: status %d", ErrServerError, resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("%w: status %d: %s", ErrRequestFailed, resp.StatusCode, string(body))
	}

	var envelope generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if envelope.Error != "" {
		return nil, fmt.Errorf("%w: %s", ErrRequestFailed, envelope.Error)
	}
	if envelope.VideoURL == "" {
		return nil, ErrNoOutput
	}

	outPath := filepath.Join(req.WorkDir, "commentary.mp4")
	if err := g.download(ctx, envelope.VideoURL, outPath); err != nil {
		return nil, err
	}

	return &Result{VideoPath: outPath, Transcript: envelope.Transcript}, nil
}

// download fetches the finished video from the backend's output URL.
func (g *HTTPGenerator) download(ctx context.Context, url, destPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build download request: %w", err)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("download output: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: download status %d", ErrRequestFailed, resp.StatusCode)
	}

	f, err := os.Create(destPath) // #nosec G304 - path is under the job work dir
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}

	if _, err := io.Copy(f, resp.Body); err != nil {
		_ = f.Close()
		_ = os.Remove(destPath)
		return fmt.Errorf("write output file: %w", err)
	}
	return f.Close()
}
