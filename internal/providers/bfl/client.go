// Package bfl implements the Black Forest Labs (FLUX) image generation client.
//
// Generation is asynchronous upstream: a task is submitted, its result is
// polled until ready, then the image is downloaded from a signed URL. All of
// it shares a single per-call deadline and nothing is retried.
package bfl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"mcp-server-images/internal/providers"
	"mcp-server-images/internal/utils"
)

const (
	DefaultBaseURL      = "https://api.us1.bfl.ai/v1"
	DefaultTimeout      = 120 * time.Second
	DefaultPollInterval = time.Second
)

// Task statuses reported by the get_result endpoint.
const (
	statusReady            = "Ready"
	statusError            = "Error"
	statusFailed           = "Failed"
	statusContentModerated = "Content Moderated"
	statusRequestModerated = "Request Moderated"
	statusTaskNotFound     = "Task not found"
)

// Client talks to the Black Forest Labs API. It is safe for concurrent use.
type Client struct {
	apiKey       string
	baseURL      string
	httpClient   *http.Client
	timeout      time.Duration
	pollInterval time.Duration
	logger       *slog.Logger
	closed       atomic.Bool
}

// Ensure Client implements the provider interfaces.
var (
	_ providers.Provider      = (*Client)(nil)
	_ providers.ModelResolver = (*Client)(nil)
)

// Option configures a Client.
type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(baseURL, "/") }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the deadline covering submit, polling and download.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithPollInterval sets the delay between result polls.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a BFL client. A leading "bfl_" prefix on the key is stripped.
func NewClient(apiKey string, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("bfl: %w", providers.ErrAPIKeyMissing)
	}
	c := &Client{
		apiKey:       strings.TrimPrefix(apiKey, "bfl_"),
		baseURL:      DefaultBaseURL,
		httpClient:   &http.Client{},
		timeout:      DefaultTimeout,
		pollInterval: DefaultPollInterval,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("provider", c.Name())
	return c, nil
}

func (c *Client) Name() string { return string(providers.BFL) }

type submitRequest struct {
	Prompt       string `json:"prompt"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	Seed         *int64 `json:"seed,omitempty"`
	OutputFormat string `json:"output_format"`
}

type submitResponse struct {
	ID         string `json:"id"`
	PollingURL string `json:"polling_url"`
}

type resultResponse struct {
	ID      string          `json:"id"`
	Status  string          `json:"status"`
	Details json.RawMessage `json:"details"`
	Result  *struct {
		Sample string          `json:"sample"`
		Seed   json.RawMessage `json:"seed"`
	} `json:"result"`
}

// Generate submits a task, waits for it and downloads the image.
// When req.OutputPath is set the image is written there before returning.
func (c *Client) Generate(ctx context.Context, req *providers.Request) (*providers.Result, error) {
	if c.closed.Load() {
		return nil, providers.ErrClientClosed
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	model := ValidateModel(c.logger, req.Model)
	aspectRatio, dims := ResolveAspectRatio(c.logger, req.AspectRatio)

	if req.NegativePrompt != "" {
		c.logger.Info("BFL doesn't support negative prompts, parameter ignored")
	}
	if req.CFGScale != nil && *req.CFGScale != providers.DefaultCFGScale {
		c.logger.Info("BFL doesn't support cfg_scale, parameter ignored", "cfg_scale", *req.CFGScale)
	}

	callCtx, cancel, budget := providers.CallContext(ctx, c.timeout)
	defer cancel()

	c.logger.Info("Generating image", "model", model, "width", dims.Width, "height", dims.Height)
	c.logger.Debug("Prompt", "prompt", providers.TruncateForLog(req.Prompt, 100))

	task, err := c.submit(callCtx, model, submitRequest{
		Prompt:       req.Prompt,
		Width:        dims.Width,
		Height:       dims.Height,
		Seed:         req.Seed,
		OutputFormat: providers.OutputFormat,
	})
	if err != nil {
		return nil, providers.WithBudget(err, budget)
	}
	c.logger.Info("Generation started", "request_id", task.ID)

	pollURL := task.PollingURL
	if pollURL == "" {
		pollURL = c.baseURL + "/get_result?id=" + url.QueryEscape(task.ID)
	}
	ready, err := c.waitForResult(callCtx, pollURL)
	if err != nil {
		return nil, providers.WithBudget(err, budget)
	}

	image, err := c.download(callCtx, ready.Result.Sample)
	if err != nil {
		return nil, providers.WithBudget(err, budget)
	}

	result := &providers.Result{
		Success:   true,
		Provider:  c.Name(),
		Model:     model,
		ImageSize: len(image),
		Parameters: providers.Parameters{
			Prompt:       req.Prompt,
			Model:        model,
			AspectRatio:  aspectRatio,
			Seed:         req.Seed,
			Width:        dims.Width,
			Height:       dims.Height,
			OutputFormat: providers.OutputFormat,
		},
		RequestID: task.ID,
		Image:     image,
	}

	if raw := strings.Trim(string(ready.Result.Seed), `"`); raw != "" && raw != "null" {
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
			return nil, fmt.Errorf("save bfl image: %w", err)
		}
		result.FilePath = path
	}

	c.logger.Info("Successfully generated image", "model", model, "size_bytes", len(image), "request_id", task.ID)
	return result, nil
}

func (c *Client) submit(ctx context.Context, model string, body submitRequest) (*submitResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode bfl request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+model, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create bfl request: %w", err)
	}
	c.setAuthHeaders(httpReq)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, providers.TransportError(c.Name(), c.timeout, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		apiErr := providers.NewUpstreamError(c.Name(), resp)
		switch resp.StatusCode {
		case http.StatusPaymentRequired:
			apiErr.Message = "insufficient BFL credits: " + apiErr.Message
		case http.StatusTooManyRequests:
			apiErr.Message = "too many active BFL tasks: " + apiErr.Message
		}
		c.logger.Error("BFL API returned an error", "status_code", apiErr.StatusCode, "message", apiErr.Message)
		return nil, apiErr
	}

	var task submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&task); err != nil {
		return nil, c.decodeError(err)
	}
	if task.ID == "" {
		return nil, &providers.MalformedResponseError{Provider: c.Name(), Reason: "missing task id"}
	}
	return &task, nil
}

func (c *Client) waitForResult(ctx context.Context, pollURL string) (*resultResponse, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return nil, providers.TransportError(c.Name(), c.timeout, ctx.Err())
		case <-ticker.C:
		}

		res, err := c.fetchResult(ctx, pollURL)
		if err != nil {
			return nil, err
		}
		c.logger.Debug("Generation status", "status", res.Status, "attempt", attempt)

		switch res.Status {
		case statusReady:
			if res.Result == nil || res.Result.Sample == "" {
				return nil, &providers.MalformedResponseError{Provider: c.Name(), Reason: "ready result without sample URL"}
			}
			return res, nil
		case statusError, statusFailed, statusContentModerated, statusRequestModerated, statusTaskNotFound:
			msg := "generation ended with status " + res.Status
			if details := strings.TrimSpace(string(res.Details)); details != "" && details != "null" {
				msg += ": " + details
			}
			return nil, &providers.UpstreamAPIError{Provider: c.Name(), StatusCode: http.StatusOK, Message: msg}
		}
	}
}

func (c *Client) fetchResult(ctx context.Context, pollURL string) (*resultResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, pollURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create bfl poll request: %w", err)
	}
	c.setAuthHeaders(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, providers.TransportError(c.Name(), c.timeout, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, providers.NewUpstreamError(c.Name(), resp)
	}
	var res resultResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, c.decodeError(err)
	}
	return &res, nil
}

// download fetches the signed sample URL. The API key is not sent; the URL is
// served by a storage host, not the API.
func (c *Client) download(ctx context.Context, sampleURL string) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, sampleURL, nil)
	if err != nil {
		return nil, &providers.MalformedResponseError{Provider: c.Name(), Reason: "invalid sample URL"}
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, providers.TransportError(c.Name(), c.timeout, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, providers.NewUpstreamError(c.Name(), resp)
	}
	image, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, providers.TransportError(c.Name(), c.timeout, err)
	}
	if len(image) == 0 {
		return nil, &providers.MalformedResponseError{Provider: c.Name(), Reason: "empty image body"}
	}
	return image, nil
}

// decodeError keeps deadline expiry distinct from a genuinely bad body.
func (c *Client) decodeError(err error) error {
	var timeoutErr *providers.TimeoutError
	if te := providers.TransportError(c.Name(), c.timeout, err); errors.As(te, &timeoutErr) {
		return te
	}
	return &providers.MalformedResponseError{Provider: c.Name(), Reason: err.Error()}
}

func (c *Client) setAuthHeaders(r *http.Request) {
	r.Header.Set("x-key", c.apiKey)
	r.Header.Set("accept", "application/json")
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
