package artifacts

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	units "github.com/docker/go-units"
	"go.uber.org/zap"
)

// LocalStore keeps assets on the local filesystem under a base directory.
// References are slash-separated paths relative to the base.
type LocalStore struct {
	baseDir string
	logger  *zap.Logger
}

// NewLocalStore creates the base directory if needed.
func NewLocalStore(baseDir string, logger *zap.Logger) (*LocalStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact directory: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalStore{baseDir: baseDir, logger: logger}, nil
}

func (s *LocalStore) Put(_ context.Context, key string, data []byte, contentType string) (string, error) {
	rel, err := s.safeRel(key)
	if err != nil {
		return "", err
	}
	path := filepath.Join(s.baseDir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create artifact subdirectory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write artifact %s: %w", rel, err)
	}
	if err := os.WriteFile(path+".meta", []byte(contentTypeMeta(contentType)), 0o644); err != nil {
		return "", fmt.Errorf("failed to write artifact metadata: %w", err)
	}

	s.logger.Debug("stored artifact",
		zap.String("ref", rel),
		zap.String("size", units.HumanSize(float64(len(data)))))
	return rel, nil
}

func (s *LocalStore) Get(_ context.Context, ref string) ([]byte, string, error) {
	rel, err := s.safeRel(ref)
	if err != nil {
		return nil, "", err
	}
	path := filepath.Join(s.baseDir, filepath.FromSlash(rel))
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read artifact %s: %w", rel, err)
	}
	contentType := "application/octet-stream"
	if meta, err := os.ReadFile(path + ".meta"); err == nil {
		if ct := parseContentTypeMeta(meta); ct != "" {
			contentType = ct
		}
	}
	return data, contentType, nil
}

func (s *LocalStore) Delete(_ context.Context, ref string) error {
	rel, err := s.safeRel(ref)
	if err != nil {
		return err
	}
	path := filepath.Join(s.baseDir, filepath.FromSlash(rel))
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete artifact %s: %w", rel, err)
	}
	_ = os.Remove(path + ".meta")
	return nil
}

func (s *LocalStore) Close() error { return nil }

// safeRel rejects keys that would escape the base directory.
func (s *LocalStore) safeRel(key string) (string, error) {
	clean := filepath.ToSlash(filepath.Clean("/" + key))
	clean = strings.TrimPrefix(clean, "/")
	if clean == "" || clean == "." {
		return "", fmt.Errorf("invalid artifact key %q", key)
	}
	return clean, nil
}

type metaFile struct {
	ContentType string `json:"content_type"`
}

func contentTypeMeta(ct string) string {
	data, _ := json.Marshal(metaFile{ContentType: ct})
	return string(data)
}

func parseContentTypeMeta(data []byte) string {
	var m metaFile
	if err := json.Unmarshal(data, &m); err != nil {
		return ""
	}
	return m.ContentType
}
