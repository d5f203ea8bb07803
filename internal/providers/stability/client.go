// Package stability implements the Stability AI image generation client.
package stability

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"mcp-server-images/internal/providers"
	"mcp-server-images/internal/utils"
)

const (
	DefaultBaseURL = "https://api.stability.ai"
	DefaultTimeout = 120 * time.Second

	generatePath  = "/v2beta/stable-image/generate/sd3"
	clientID      = "mcp-server-images"
	clientVersion = "1.0.0"
)

// Client talks to the Stability AI stable-image API. It is safe for concurrent use.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	logger     *slog.Logger
	closed     atomic.Bool
}

// Ensure Client implements the provider interfaces.
var (
	_ providers.Provider      = (*Client)(nil)
	_ providers.ModelResolver = (*Client)(nil)
)

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the API base URL.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(baseURL, "/") }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the per-call deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a Stability AI client. The API key is only read here.
func NewClient(apiKey string, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("stability: %w", providers.ErrAPIKeyMissing)
	}
	c := &Client{
		apiKey:     apiKey,
		baseURL:    DefaultBaseURL,
		httpClient: &http.Client{},
		timeout:    DefaultTimeout,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("provider", c.Name())
	return c, nil
}

func (c *Client) Name() string { return string(providers.Stability) }

// Generate sends one generation request and returns the normalized result.
// When req.OutputPath is set the image is written there before returning.
func (c *Client) Generate(ctx context.Context, req *providers.Request) (*providers.Result, error) {
	if c.closed.Load() {
		return nil, providers.ErrClientClosed
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	model := ValidateModel(c.logger, req.Model)
	aspectRatio := ValidateAspectRatio(c.logger, req.AspectRatio)

	negativePrompt := req.NegativePrompt
	if negativePrompt != "" && IsTurbo(model) {
		c.logger.Warn("Negative prompts not supported with turbo models, ignoring negative prompt", "model", model)
		negativePrompt = ""
	}

	cfgScale := providers.ClampCFGScale(req.CFGScaleOrDefault())
	if cfgScale != req.CFGScaleOrDefault() {
		c.logger.Debug("Clamped cfg_scale", "requested", req.CFGScaleOrDefault(), "clamped", cfgScale)
	}

	body, contentType, err := buildForm(formFields{
		prompt:         req.Prompt,
		negativePrompt: negativePrompt,
		model:          model,
		aspectRatio:    aspectRatio,
		cfgScale:       cfgScale,
		seed:           req.Seed,
	})
	if err != nil {
		return nil, fmt.Errorf("build stability form: %w", err)
	}

	callCtx, cancel, budget := providers.CallContext(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.baseURL+generatePath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create stability request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Accept", "image/*")
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("stability-client-id", clientID)
	httpReq.Header.Set("stability-client-version", clientVersion)

	c.logger.Info("Generating image", "model", model, "aspect_ratio", aspectRatio)
	c.logger.Debug("Prompt", "prompt", providers.TruncateForLog(req.Prompt, 100))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, providers.TransportError(c.Name(), budget, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		apiErr := providers.NewUpstreamError(c.Name(), resp)
		c.logger.Error("Stability API returned an error", "status_code", apiErr.StatusCode, "message", apiErr.Message)
		return nil, apiErr
	}

	image, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, providers.TransportError(c.Name(), budget, err)
	}
	if len(image) == 0 {
		return nil, &providers.MalformedResponseError{Provider: c.Name(), Reason: "empty image body"}
	}

	result := &providers.Result{
		Success:   true,
		Provider:  c.Name(),
		Model:     model,
		ImageSize: len(image),
		Parameters: providers.Parameters{
			Prompt:         req.Prompt,
			NegativePrompt: negativePrompt,
			Model:          model,
			AspectRatio:    aspectRatio,
			CFGScale:       &cfgScale,
			Seed:           req.Seed,
			OutputFormat:   providers.OutputFormat,
		},
		Image: image,
	}

	if raw := resp.Header.Get("Seed"); raw != "" {
		seed, err := strconv.ParseInt(raw, 10, 64)
		switch {
		case err != nil:
			c.logger.Warn("Invalid seed in response", "seed", raw, "error", err)
		case req.Seed == nil || *req.Seed != seed:
			result.ActualSeed = &seed
		}
	}

	if req.OutputPath != "" {
		path, err := utils.SaveImage(req.OutputPath, image)
		if err != nil {
			return nil, fmt.Errorf("save stability image: %w", err)
		}
		result.FilePath = path
	}

	c.logger.Info("Successfully generated image", "model", model, "size_bytes", len(image))
	return result, nil
}

// Close releases idle connections. Subsequent Generate calls fail with ErrClientClosed.
// ResolveModel returns the model Generate uses for the requested name.
func (c *Client) ResolveModel(model string) string {
	return ResolveModel(model)
}

func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.httpClient.CloseIdleConnections()
	return nil
}

type formFields struct {
	prompt         string
	negativePrompt string
	model          string
	aspectRatio    string
	cfgScale       float64
	seed           *int64
}

func buildForm(f formFields) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	fields := [][2]string{
		{"prompt", f.prompt},
		{"output_format", providers.OutputFormat},
		{"cfg_scale", strconv.FormatFloat(f.cfgScale, 'f', -1, 64)},
		{"aspect_ratio", f.aspectRatio},
		{"model", f.model},
	}
	if f.seed != nil {
		fields = append(fields, [2]string{"seed", strconv.FormatInt(*f.seed, 10)})
	}
	if f.negativePrompt != "" {
		fields = append(fields, [2]string{"negative_prompt", f.negativePrompt})
	}

	for _, kv := range fields {
		if err := w.WriteField(kv[0], kv[1]); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}
