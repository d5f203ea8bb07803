package utils

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// maxConflictSuffix bounds the _NNN suffixes tried for one base name.
const maxConflictSuffix = 9999

// SaveImage writes image bytes to path, creating parent directories as needed,
// and returns the path actually written. An existing file is never replaced:
// the first free name among path, path_001, path_002... is reserved with
// O_EXCL, so concurrent saves of the same name each get their own file.
// The data goes to a temporary file that is renamed onto the reservation, so a
// returned nil error means the file holds exactly data.
func SaveImage(path string, data []byte) (string, error) {
	if path == "" {
		return "", errors.New("output path is empty")
	}
	slog.Debug("Attempting to save image", "size_bytes", len(data), "path", path)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Error("Error creating output directory", "path", dir, "error", err)
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}

	target, err := reservePath(path)
	if err != nil {
		slog.Error("Error reserving image file", "path", path, "error", err)
		return "", fmt.Errorf("failed to reserve output file: %w", err)
	}
	if err := writeOver(target, data); err != nil {
		os.Remove(target)
		slog.Error("Error writing image file", "path", target, "error", err)
		return "", fmt.Errorf("failed to save generated image to disk: %w", err)
	}

	if target != path {
		slog.Info("Output file exists, using a suffixed name", "requested", path, "path", target)
	}
	slog.Info("Successfully saved image", "path", target)
	return target, nil
}

// reservePath creates an empty placeholder at the first free candidate name.
func reservePath(path string) (string, error) {
	for i := 0; i <= maxConflictSuffix; i++ {
		candidate := conflictName(path, i)
		f, err := os.OpenFile(candidate, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", err
		}
		if err := f.Close(); err != nil {
			os.Remove(candidate)
			return "", err
		}
		return candidate, nil
	}
	return "", fmt.Errorf("no free name for %s after %d attempts", path, maxConflictSuffix)
}

// conflictName returns path for i == 0, otherwise path with a _NNN suffix
// before the extension.
func conflictName(path string, i int) string {
	if i == 0 {
		return path
	}
	ext := filepath.Ext(path)
	return fmt.Sprintf("%s_%03d%s", path[:len(path)-len(ext)], i, ext)
}

// writeOver replaces the reserved file at target with data.
func writeOver(target string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(target), "."+filepath.Base(target)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	// Removing after a successful rename is a no-op.
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return err
	}
	return os.Rename(tmpName, target)
}
