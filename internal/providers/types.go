package providers

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	// MaxPromptLength is the ceiling, in characters, for prompt and negative prompt.
	MaxPromptLength = 10000
	// MaxSeed is the largest seed either provider accepts.
	MaxSeed int64 = 4294967294
	// DefaultCFGScale is used when a request leaves CFGScale unset.
	DefaultCFGScale = 7.0
	// OutputFormat is the only format requested from providers.
	OutputFormat = "png"
)

// Name identifies a provider backend.
type Name string

const (
	Stability Name = "stability"
	BFL       Name = "bfl"
)

// Names lists every supported provider tag in display order.
var Names = []Name{Stability, BFL}

// ParseName converts a tag into a Name. An empty tag selects Stability.
func ParseName(s string) (Name, error) {
	switch Name(strings.ToLower(strings.TrimSpace(s))) {
	case "", Stability:
		return Stability, nil
	case BFL:
		return BFL, nil
	default:
		return "", &ValidationError{Field: "provider", Message: fmt.Sprintf("unsupported provider %q", s)}
	}
}

// Provider is the contract every image generation backend implements.
type Provider interface {
	// Name returns the provider tag, e.g. "stability".
	Name() string
	// Generate performs a single generation. It never retries.
	Generate(ctx context.Context, req *Request) (*Result, error)
	// Close releases the underlying connection pool. Generate fails afterwards.
	Close() error
}

// ModelResolver is implemented by providers that can report, without a
// network call, which model a requested name maps to.
type ModelResolver interface {
	ResolveModel(model string) string
}

// Request holds the caller-supplied generation parameters.
type Request struct {
	Prompt         string
	NegativePrompt string
	Model          string
	AspectRatio    string
	CFGScale       *float64 // nil means DefaultCFGScale
	Seed           *int64
	OutputPath     string // optional; the image is written here when set
}

// Validate rejects out-of-bounds values. It does not touch enum-like fields,
// those are normalized leniently by each provider.
func (r *Request) Validate() error {
	if strings.TrimSpace(r.Prompt) == "" {
		return &ValidationError{Field: "prompt", Message: "prompt is required"}
	}
	if n := utf8.RuneCountInString(r.Prompt); n > MaxPromptLength {
		return &ValidationError{Field: "prompt", Message: fmt.Sprintf("prompt must be %d characters or less, got %d", MaxPromptLength, n)}
	}
	if n := utf8.RuneCountInString(r.NegativePrompt); n > MaxPromptLength {
		return &ValidationError{Field: "negative_prompt", Message: fmt.Sprintf("negative prompt must be %d characters or less, got %d", MaxPromptLength, n)}
	}
	if r.Seed != nil && (*r.Seed < 0 || *r.Seed > MaxSeed) {
		return &ValidationError{Field: "seed", Message: fmt.Sprintf("seed must be between 0 and %d", MaxSeed)}
	}
	return nil
}

// CFGScaleOrDefault returns the requested cfg scale, or DefaultCFGScale when unset.
func (r *Request) CFGScaleOrDefault() float64 {
	if r.CFGScale == nil {
		return DefaultCFGScale
	}
	return *r.CFGScale
}

// Parameters echoes the normalized parameters that were sent upstream.
type Parameters struct {
	Prompt         string   `json:"prompt"`
	NegativePrompt string   `json:"negative_prompt,omitempty"`
	Model          string   `json:"model"`
	AspectRatio    string   `json:"aspect_ratio"`
	CFGScale       *float64 `json:"cfg_scale,omitempty"`
	Seed           *int64   `json:"seed,omitempty"`
	Width          int      `json:"width,omitempty"`
	Height         int      `json:"height,omitempty"`
	OutputFormat   string   `json:"output_format"`
}

// Result is the normalized outcome of a generation.
type Result struct {
	Success    bool       `json:"success"`
	Provider   string     `json:"provider"`
	Model      string     `json:"model"`
	ImageSize  int        `json:"image_size"`
	Parameters Parameters `json:"parameters"`
	FilePath   string     `json:"file_path,omitempty"`
	// ActualSeed is the seed reported by the provider when it differs from the requested one.
	ActualSeed *int64 `json:"actual_seed,omitempty"`
	RequestID  string `json:"request_id,omitempty"`

	Image []byte `json:"-"`
}
