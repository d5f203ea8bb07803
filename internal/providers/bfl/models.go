package bfl

import (
	"log/slog"

	"mcp-server-images/internal/providers"
)

// Supported models.
const (
	ModelFluxPro11Ultra = "flux-pro-1.1-ultra"
	ModelFluxPro11      = "flux-pro-1.1"
	ModelFluxPro        = "flux-pro"
	ModelFluxDev        = "flux-dev"
	DefaultModel        = ModelFluxPro11
	DefaultAspectRatio  = "1:1"
)

var models = []string{ModelFluxPro11Ultra, ModelFluxPro11, ModelFluxPro, ModelFluxDev}

// Dimensions is a width/height pair in pixels.
type Dimensions struct {
	Width  int
	Height int
}

// The API takes pixel dimensions rather than aspect-ratio strings.
var aspectDimensions = map[string]Dimensions{
	"16:9": {1344, 768},
	"1:1":  {1024, 1024},
	"21:9": {1536, 640},
	"2:3":  {832, 1216},
	"3:2":  {1216, 832},
	"4:5":  {896, 1152},
	"5:4":  {1152, 896},
	"9:16": {768, 1344},
	"9:21": {640, 1536},
}

// AspectRatios lists the aspect ratios that map to dimensions.
var AspectRatios = []string{"16:9", "1:1", "21:9", "2:3", "3:2", "4:5", "5:4", "9:16", "9:21"}

// Models returns the supported model names.
func Models() []string {
	return append([]string(nil), models...)
}

// ValidateModel returns model if supported, otherwise DefaultModel.
func ValidateModel(logger *slog.Logger, model string) string {
	return providers.Lookup(logger, "model", model, models, DefaultModel)
}

// ResolveModel is ValidateModel without logging.
func ResolveModel(model string) string {
	return providers.Resolve(model, models, DefaultModel)
}

// ResolveAspectRatio normalizes ratio and returns its pixel dimensions.
func ResolveAspectRatio(logger *slog.Logger, ratio string) (string, Dimensions) {
	ratio = providers.Lookup(logger, "aspect_ratio", ratio, AspectRatios, DefaultAspectRatio)
	return ratio, aspectDimensions[ratio]
}
