package pipeline

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// fetchStageName identifies the acquire-media stage.
const fetchStageName = "acquire"

// browserUserAgent is sent on remote fetches; some hosts reject requests
// without one.
const browserUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0.0.0 Safari/537.36"

var (
	titleStripPattern    = regexp.MustCompile(`[^\w\s-]`)
	titleCollapsePattern = regexp.MustCompile(`[-\s]+`)
)

// Compile-time check that FetchStage implements Stage.
var _ Stage = (*FetchStage)(nil)

// FetchStage acquires the source video into the job work directory, either
// by copying a local file or by downloading from a URL.
type FetchStage struct {
	httpClient *http.Client
}

// FetchOption configures a FetchStage.
type FetchOption func(*FetchStage)

// WithHTTPClient sets a custom HTTP client for remote fetches.
func WithHTTPClient(c *http.Client) FetchOption {
	return func(s *FetchStage) {
		s.httpClient = c
	}
}

// NewFetchStage creates the acquire-media stage.
func NewFetchStage(opts ...FetchOption) *FetchStage {
	s := &FetchStage{
		httpClient: &http.Client{Timeout: 5 * time.Minute},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name identifies the stage.
func (s *FetchStage) Name() string { return fetchStageName }

// Run acquires the source video and returns its artifact descriptor.
func (s *FetchStage) Run(ctx context.Context, job *Job, _ *Artifact) (*Artifact, error) {
	videoDir := filepath.Join(job.WorkDir, "video")
	if err := os.MkdirAll(videoDir, 0750); err != nil {
		return nil, failf(fetchStageName, "create video directory", err)
	}

	destPath := filepath.Join(videoDir, fmt.Sprintf("video_%s.mp4", time.Now().Format("20060102_150405")))

	src := job.Source
	if local := localPath(src); local != "" {
		return s.copyLocal(local, destPath)
	}
	return s.download(ctx, src.URL, destPath)
}

// localPath resolves a local source, treating file:// URLs as local paths.
func localPath(src Source) string {
	if src.LocalPath != "" {
		return src.LocalPath
	}
	if strings.HasPrefix(src.URL, "file://") {
		return strings.TrimPrefix(src.URL, "file://")
	}
	return ""
}

// copyLocal copies an uploaded or on-disk source into the work directory.
func (s *FetchStage) copyLocal(srcPath, destPath string) (*Artifact, error) {
	src, err := os.Open(srcPath) // #nosec G304 - path comes from the submitting caller
	if err != nil {
		return nil, failf(fetchStageName, "open local source", err)
	}
	defer func() { _ = src.Close() }()

	size, err := writeFile(destPath, src)
	if err != nil {
		return nil, failf(fetchStageName, "copy local source", err)
	}

	title := SanitizeTitle(strings.TrimSuffix(filepath.Base(srcPath), filepath.Ext(srcPath)))
	return &Artifact{Path: destPath, Title: title, Size: size}, nil
}

// download fetches a remote source into the work directory.
func (s *FetchStage) download(ctx context.Context, url, destPath string) (*Artifact, error) {
	url = NormalizeURL(url)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, failf(fetchStageName, "build download request", err)
	}
	req.Header.Set("User-Agent", browserUserAgent)
	req.Header.Set("Accept", "*/*")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, failf(fetchStageName, "download source", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, failf(fetchStageName, fmt.Sprintf("download source: status %d", resp.StatusCode), nil)
	}

	size, err := writeFile(destPath, resp.Body)
	if err != nil {
		return nil, failf(fetchStageName, "save downloaded source", err)
	}

	title := SanitizeTitle(strings.TrimSuffix(filepath.Base(req.URL.Path), filepath.Ext(req.URL.Path)))
	return &Artifact{Path: destPath, Title: title, Size: size}, nil
}

// writeFile streams data into destPath and returns the byte count.
func writeFile(destPath string, data io.Reader) (int64, error) {
	f, err := os.Create(destPath) // #nosec G304 - path is under the job work dir
	if err != nil {
		return 0, fmt.Errorf("create file: %w", err)
	}

	size, err := io.Copy(f, data)
	if err != nil {
		_ = f.Close()
		_ = os.Remove(destPath)
		return 0, fmt.Errorf("write file: %w", err)
	}
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("close file: %w", err)
	}
	return size, nil
}

// NormalizeURL rewrites source URLs to forms the fetcher handles better.
// x.com links still serve their media under the twitter.com host.
func NormalizeURL(url string) string {
	return strings.ReplaceAll(url, "x.com", "twitter.com")
}

// SanitizeTitle strips emojis and special characters from a video title so
// it is safe to use in filenames. Empty titles become "video"; long titles
// are truncated to 100 characters.
func SanitizeTitle(title string) string {
	title = titleStripPattern.ReplaceAllString(title, "")
	title = titleCollapsePattern.ReplaceAllString(title, "_")
	if len(title) > 100 {
		title = title[:100]
	}
	title = strings.Trim(title, "_")
	if title == "" {
		return "video"
	}
	return title
}
