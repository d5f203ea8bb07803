package stability

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcp-server-images/internal/providers"
)

var fakePNG = []byte("\x89PNG\r\n\x1a\nfake-image-bytes")

// capturedRequest records what the fake API received.
type capturedRequest struct {
	mu     sync.Mutex
	path   string
	header http.Header
	form   map[string]string
}

func (c *capturedRequest) Path() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.path
}

func (c *capturedRequest) Header() http.Header {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.header
}

func (c *capturedRequest) Form() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.form
}

// setupTestServer starts a fake Stability API. handler may write a custom response;
// when nil, fakePNG is returned with status 200.
func setupTestServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *capturedRequest, *atomic.Int32) {
	t.Helper()
	captured := &capturedRequest{}
	calls := &atomic.Int32{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured.mu.Lock()
		captured.path = r.URL.Path
		captured.header = r.Header.Clone()
		if err := r.ParseMultipartForm(1 << 20); err == nil {
			captured.form = map[string]string{}
			for k, v := range r.MultipartForm.Value {
				captured.form[k] = v[0]
			}
		}
		captured.mu.Unlock()
		calls.Add(1)
		if handler != nil {
			handler(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(fakePNG)
	}))
	t.Cleanup(srv.Close)
	return srv, captured, calls
}

func newTestClient(t *testing.T, baseURL string, opts ...Option) *Client {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c, err := NewClient("test-key", append([]Option{WithBaseURL(baseURL), WithLogger(logger)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func float(v float64) *float64 { return &v }
func int64p(v int64) *int64    { return &v }

func TestNewClient_MissingKey(t *testing.T) {
	_, err := NewClient("")
	assert.ErrorIs(t, err, providers.ErrAPIKeyMissing)
}

func TestGenerate_Success(t *testing.T) {
	srv, captured, calls := setupTestServer(t, nil)
	client := newTestClient(t, srv.URL)

	outPath := filepath.Join(t.TempDir(), "nested", "dir", "fox.png")
	result, err := client.Generate(context.Background(), &providers.Request{
		Prompt:         "a red fox in the snow",
		NegativePrompt: "blurry",
		Model:          ModelSD3Medium,
		AspectRatio:    "16:9",
		CFGScale:       float(5),
		Seed:           int64p(42),
		OutputPath:     outPath,
	})
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())

	assert.Equal(t, generatePath, captured.Path())
	assert.Equal(t, "Bearer test-key", captured.Header().Get("Authorization"))
	assert.Equal(t, "image/*", captured.Header().Get("Accept"))
	assert.Equal(t, map[string]string{
		"prompt":          "a red fox in the snow",
		"output_format":   "png",
		"cfg_scale":       "5",
		"aspect_ratio":    "16:9",
		"model":           ModelSD3Medium,
		"seed":            "42",
		"negative_prompt": "blurry",
	}, captured.Form())

	assert.True(t, result.Success)
	assert.Equal(t, "stability", result.Provider)
	assert.Equal(t, ModelSD3Medium, result.Model)
	assert.Equal(t, len(fakePNG), result.ImageSize)
	assert.Equal(t, outPath, result.FilePath)
	assert.Nil(t, result.ActualSeed)

	written, err := os.ReadFile(outPath)
	require.NoError(t, err)
	assert.Equal(t, fakePNG, written)
}

func TestGenerate_NoOutputPath(t *testing.T) {
	srv, captured, _ := setupTestServer(t, nil)
	client := newTestClient(t, srv.URL)

	result, err := client.Generate(context.Background(), &providers.Request{Prompt: "a lighthouse"})
	require.NoError(t, err)
	assert.Empty(t, result.FilePath)
	assert.Equal(t, fakePNG, result.Image)

	// Defaults fill every enum-like field; optional fields are absent.
	assert.Equal(t, DefaultModel, captured.Form()["model"])
	assert.Equal(t, DefaultAspectRatio, captured.Form()["aspect_ratio"])
	assert.Equal(t, "7", captured.Form()["cfg_scale"])
	assert.NotContains(t, captured.Form(), "seed")
	assert.NotContains(t, captured.Form(), "negative_prompt")
}

func TestGenerate_InvalidEnumsFallBack(t *testing.T) {
	srv, captured, _ := setupTestServer(t, nil)
	client := newTestClient(t, srv.URL)

	result, err := client.Generate(context.Background(), &providers.Request{
		Prompt:      "a castle",
		Model:       "sdxl-9000",
		AspectRatio: "7:3",
	})
	require.NoError(t, err)
	assert.Equal(t, DefaultModel, result.Model)
	assert.Equal(t, DefaultModel, captured.Form()["model"])
	assert.Equal(t, DefaultAspectRatio, captured.Form()["aspect_ratio"])
}

func TestGenerate_ClampsCFGScale(t *testing.T) {
	testCases := []struct {
		name string
		in   float64
		want string
	}{
		{name: "Below range", in: 0.2, want: "1"},
		{name: "Above range", in: 25, want: "10"},
		{name: "In range", in: 3.5, want: "3.5"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			srv, captured, _ := setupTestServer(t, nil)
			client := newTestClient(t, srv.URL)

			result, err := client.Generate(context.Background(), &providers.Request{Prompt: "x", CFGScale: float(tc.in)})
			require.NoError(t, err)
			assert.Equal(t, tc.want, captured.Form()["cfg_scale"])
			require.NotNil(t, result.Parameters.CFGScale)
			assert.GreaterOrEqual(t, *result.Parameters.CFGScale, providers.MinCFGScale)
			assert.LessOrEqual(t, *result.Parameters.CFGScale, providers.MaxCFGScale)
		})
	}
}

func TestGenerate_TurboDropsNegativePrompt(t *testing.T) {
	for _, model := range []string{ModelSD3LargeTurbo, ModelSD35LargeTurbo} {
		t.Run(model, func(t *testing.T) {
			srv, captured, _ := setupTestServer(t, nil)
			client := newTestClient(t, srv.URL)

			result, err := client.Generate(context.Background(), &providers.Request{
				Prompt:         "a fast car",
				NegativePrompt: "people",
				Model:          model,
			})
			require.NoError(t, err)
			assert.True(t, result.Success)
			assert.NotContains(t, captured.Form(), "negative_prompt")
			assert.Empty(t, result.Parameters.NegativePrompt)
		})
	}
}

func TestGenerate_PromptTooLongMakesNoCall(t *testing.T) {
	srv, _, calls := setupTestServer(t, nil)
	client := newTestClient(t, srv.URL)

	_, err := client.Generate(context.Background(), &providers.Request{Prompt: strings.Repeat("a", 10001)})

	var validationErr *providers.ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Equal(t, "prompt", validationErr.Field)
	assert.Equal(t, int32(0), calls.Load())
}

func TestGenerate_UpstreamError(t *testing.T) {
	srv, _, calls := setupTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"message": "bad request"}`))
	})
	client := newTestClient(t, srv.URL)

	outPath := filepath.Join(t.TempDir(), "never.png")
	_, err := client.Generate(context.Background(), &providers.Request{Prompt: "x", OutputPath: outPath})

	var apiErr *providers.UpstreamAPIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Contains(t, apiErr.Message, "bad request")
	assert.Contains(t, err.Error(), "bad request")
	assert.Equal(t, int32(1), calls.Load())
	assert.NoFileExists(t, outPath)
}

func TestGenerate_UpstreamErrorPlainBody(t *testing.T) {
	srv, _, _ := setupTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("<html>gateway exploded</html>"))
	})
	client := newTestClient(t, srv.URL)

	_, err := client.Generate(context.Background(), &providers.Request{Prompt: "x"})
	var apiErr *providers.UpstreamAPIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
	assert.Equal(t, "<html>gateway exploded</html>", apiErr.Message)
}

func TestGenerate_EmptyBodyIsMalformed(t *testing.T) {
	srv, _, _ := setupTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	client := newTestClient(t, srv.URL)

	_, err := client.Generate(context.Background(), &providers.Request{Prompt: "x"})
	var malformedErr *providers.MalformedResponseError
	assert.ErrorAs(t, err, &malformedErr)
}

func TestGenerate_Timeout(t *testing.T) {
	srv, _, _ := setupTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	})
	client := newTestClient(t, srv.URL, WithTimeout(50*time.Millisecond))

	_, err := client.Generate(context.Background(), &providers.Request{Prompt: "x"})
	var timeoutErr *providers.TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, 50*time.Millisecond, timeoutErr.Timeout)
}

func TestGenerate_CallerDeadlineReported(t *testing.T) {
	srv, _, _ := setupTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	})
	client := newTestClient(t, srv.URL, WithTimeout(time.Minute))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := client.Generate(ctx, &providers.Request{Prompt: "x"})
	var timeoutErr *providers.TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.LessOrEqual(t, timeoutErr.Timeout, 50*time.Millisecond)
	assert.Positive(t, timeoutErr.Timeout)
}

func TestGenerate_ResponseSeed(t *testing.T) {
	testCases := []struct {
		name      string
		header    string
		requested *int64
		want      *int64
	}{
		{name: "Reported when none requested", header: "123", want: int64p(123)},
		{name: "Omitted when equal to requested", header: "42", requested: int64p(42)},
		{name: "Reported when different", header: "7", requested: int64p(42), want: int64p(7)},
		{name: "Unparseable is omitted", header: "not-a-number"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			srv, _, _ := setupTestServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Seed", tc.header)
				_, _ = w.Write(fakePNG)
			})
			client := newTestClient(t, srv.URL)

			result, err := client.Generate(context.Background(), &providers.Request{Prompt: "x", Seed: tc.requested})
			require.NoError(t, err)
			assert.True(t, result.Success)
			assert.Equal(t, tc.want, result.ActualSeed)
		})
	}
}

func TestClose(t *testing.T) {
	srv, _, calls := setupTestServer(t, nil)
	client := newTestClient(t, srv.URL)

	require.NoError(t, client.Close())
	require.NoError(t, client.Close())

	_, err := client.Generate(context.Background(), &providers.Request{Prompt: "x"})
	assert.ErrorIs(t, err, providers.ErrClientClosed)
	assert.Equal(t, int32(0), calls.Load())
}

func TestResolveModel(t *testing.T) {
	client := newTestClient(t, "http://127.0.0.1:1")

	testCases := []struct {
		in, want string
	}{
		{in: "", want: ModelSD35Large},
		{in: "sdxl-9000", want: DefaultModel},
		{in: ModelSD3Medium, want: ModelSD3Medium},
		{in: ModelSD35LargeTurbo, want: ModelSD35LargeTurbo},
	}

	for _, tc := range testCases {
		assert.Equal(t, tc.want, client.ResolveModel(tc.in), "model %q", tc.in)
	}
}
