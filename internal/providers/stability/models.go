package stability

import (
	"log/slog"

	"mcp-server-images/internal/providers"
)

// Supported models.
const (
	ModelSD3Large       = "sd3-large"
	ModelSD3LargeTurbo  = "sd3-large-turbo"
	ModelSD3Medium      = "sd3-medium"
	ModelSD35Large      = "sd3.5-large"
	ModelSD35LargeTurbo = "sd3.5-large-turbo"
	ModelSD35Medium     = "sd3.5-medium"
)

const (
	DefaultModel       = ModelSD35Large
	DefaultAspectRatio = "1:1"
)

var models = []string{
	ModelSD3Large,
	ModelSD3LargeTurbo,
	ModelSD3Medium,
	ModelSD35Large,
	ModelSD35LargeTurbo,
	ModelSD35Medium,
}

// AspectRatios lists the aspect ratios the API accepts.
var AspectRatios = []string{"16:9", "1:1", "21:9", "2:3", "3:2", "4:5", "5:4", "9:16", "9:21"}

// Models returns the supported model names.
func Models() []string {
	return append([]string(nil), models...)
}

// IsTurbo reports whether model is a turbo variant. Turbo models reject negative prompts.
func IsTurbo(model string) bool {
	return model == ModelSD3LargeTurbo || model == ModelSD35LargeTurbo
}

// ValidateModel returns model if supported, otherwise DefaultModel.
func ValidateModel(logger *slog.Logger, model string) string {
	return providers.Lookup(logger, "model", model, models, DefaultModel)
}

// ResolveModel is ValidateModel without logging.
func ResolveModel(model string) string {
	return providers.Resolve(model, models, DefaultModel)
}

// ValidateAspectRatio returns ratio if supported, otherwise DefaultAspectRatio.
func ValidateAspectRatio(logger *slog.Logger, ratio string) string {
	return providers.Lookup(logger, "aspect_ratio", ratio, AspectRatios, DefaultAspectRatio)
}
