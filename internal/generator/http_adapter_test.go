package generator

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSourceVideo(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "source.mp4")
	require.NoError(t, os.WriteFile(path, []byte("source-bytes"), 0600))
	return path
}

func TestNewHTTPGenerator_RequiresBaseURL(t *testing.T) {
	_, err := NewHTTPGenerator("")
	assert.ErrorIs(t, err, ErrBaseURLRequired)
}

func TestHTTPGenerator_Generate(t *testing.T) {
	workDir := t.TempDir()
	srcPath := writeSourceVideo(t, workDir)

	var mux http.ServeMux
	server := httptest.NewServer(&mux)
	defer server.Close()

	mux.HandleFunc("POST /generate", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "documentary", r.URL.Query().Get("style"))
		assert.Equal(t, "en", r.URL.Query().Get("language"))
		fmt.Fprintf(w, `{"video_url": %q, "transcript": "what a move"}`, server.URL+"/output/final.mp4")
	})
	mux.HandleFunc("GET /output/final.mp4", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("commentated-bytes"))
	})

	gen, err := NewHTTPGenerator(server.URL, WithAPIKey("secret"))
	require.NoError(t, err)

	result, err := gen.Generate(context.Background(), Request{
		VideoPath: srcPath,
		WorkDir:   workDir,
		Style:     "documentary",
		Language:  "en",
	})
	require.NoError(t, err)
	assert.Equal(t, "what a move", result.Transcript)

	content, err := os.ReadFile(result.VideoPath)
	require.NoError(t, err)
	assert.Equal(t, "commentated-bytes", string(content))
}

func TestHTTPGenerator_Generate_ServerError(t *testing.T) {
	workDir := t.TempDir()
	srcPath := writeSourceVideo(t, workDir)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	gen, err := NewHTTPGenerator(server.URL)
	require.NoError(t, err)

	_, err = gen.Generate(context.Background(), Request{VideoPath: srcPath, WorkDir: workDir})
	assert.ErrorIs(t, err, ErrServerError)
}

func TestHTTPGenerator_Generate_BackendReportedError(t *testing.T) {
	workDir := t.TempDir()
	srcPath := writeSourceVideo(t, workDir)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"error": "unsupported codec"}`))
	}))
	defer server.Close()

	gen, err := NewHTTPGenerator(server.URL)
	require.NoError(t, err)

	_, err = gen.Generate(context.Background(), Request{VideoPath: srcPath, WorkDir: workDir})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRequestFailed)
	assert.Contains(t, err.Error(), "unsupported codec")
}

func TestHTTPGenerator_Generate_NoOutput(t *testing.T) {
	workDir := t.TempDir()
	srcPath := writeSourceVideo(t, workDir)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	gen, err := NewHTTPGenerator(server.URL)
	require.NoError(t, err)

	_, err = gen.Generate(context.Background(), Request{VideoPath: srcPath, WorkDir: workDir})
	assert.ErrorIs(t, err, ErrNoOutput)
}
