package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// Metadata describes a saved image for its JSON sidecar.
type Metadata struct {
	Provider   string
	Model      string
	Parameters map[string]any // JSON-compatible values only
	Image      []byte
	CreatedAt  time.Time
}

// MetadataPath returns the sidecar path for an image: the same name with a .json extension.
func MetadataPath(imagePath string) string {
	return strings.TrimSuffix(imagePath, filepath.Ext(imagePath)) + ".json"
}

// Checksum returns the hex SHA-256 digest of data.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// WriteMetadata writes the sidecar for imagePath and returns its path.
func WriteMetadata(imagePath string, m Metadata) (string, error) {
	createdAt := m.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	params := m.Parameters
	if params == nil {
		params = map[string]any{}
	}

	st, err := structpb.NewStruct(map[string]any{
		"id":         uuid.NewString(),
		"filename":   filepath.Base(imagePath),
		"path":       imagePath,
		"provider":   m.Provider,
		"model":      m.Model,
		"parameters": params,
		"sha256":     Checksum(m.Image),
		"size_bytes": len(m.Image),
		"created_at": createdAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return "", fmt.Errorf("build metadata: %w", err)
	}
	data, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(st)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}

	path := MetadataPath(imagePath)
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return "", fmt.Errorf("write metadata: %w", err)
	}
	return path, nil
}
