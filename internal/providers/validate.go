package providers

import (
	"log/slog"
	"math"
)

const (
	MinCFGScale = 1.0
	MaxCFGScale = 10.0
)

// Lookup returns value if it is a member of allowed, otherwise fallback.
// Invalid input degrades to the default instead of failing the request.
func Lookup(logger *slog.Logger, field, value string, allowed []string, fallback string) string {
	if v, ok := resolve(value, allowed); ok {
		return v
	}
	if logger == nil {
		logger = slog.Default()
	}
	if value == "" {
		logger.Debug("No value provided, using default", "field", field, "default", fallback)
	} else {
		logger.Warn("Invalid value, using default", "field", field, "value", value, "default", fallback)
	}
	return fallback
}

// Resolve is Lookup without logging.
func Resolve(value string, allowed []string, fallback string) string {
	if v, ok := resolve(value, allowed); ok {
		return v
	}
	return fallback
}

func resolve(value string, allowed []string) (string, bool) {
	for _, a := range allowed {
		if value == a {
			return a, true
		}
	}
	return "", false
}

// ClampCFGScale clamps v into [MinCFGScale, MaxCFGScale]. NaN maps to DefaultCFGScale.
func ClampCFGScale(v float64) float64 {
	if math.IsNaN(v) {
		return DefaultCFGScale
	}
	return math.Max(MinCFGScale, math.Min(MaxCFGScale, v))
}

// TruncateForLog shortens s to at most n characters for log output.
func TruncateForLog(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
