package assets

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LocalConfig captures the parameters for the filesystem asset store.
type LocalConfig struct {
	// BaseDir is the root directory where assets are stored.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// LocalStore persists assets on the local filesystem, one directory per
// user. It implements bookmarks.AssetStore.
type LocalStore struct {
	baseDir string
}

// NewLocal creates a filesystem-backed asset store.
func NewLocal(cfg LocalConfig) (*LocalStore, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}

	info, err := os.Stat(cfg.BaseDir)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("stat base directory: %w", err)
		}
		if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("create base directory: %w", mkErr)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	return &LocalStore{baseDir: cfg.BaseDir}, nil
}

// assetPath validates ids and confines the result to the base directory so a
// crafted id cannot escape it.
func (s *LocalStore) assetPath(userID, assetID string) (string, error) {
	if userID == "" || assetID == "" {
		return "", fmt.Errorf("user id and asset id are required")
	}
	full := filepath.Join(s.baseDir, userID, assetID)
	cleanBase := filepath.Clean(s.baseDir)
	if !strings.HasPrefix(filepath.Clean(full), cleanBase+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected")
	}
	return full, nil
}

// Put writes an asset and a sidecar file recording its content type.
func (s *LocalStore) Put(_ context.Context, userID, assetID, contentType string, data []byte) error {
	path, err := s.assetPath(userID, assetID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create asset directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write asset: %w", err)
	}
	if err := os.WriteFile(path+".type", []byte(contentType), 0o600); err != nil {
		return fmt.Errorf("write asset content type: %w", err)
	}
	return nil
}

// Get reads an asset's content and content type.
func (s *LocalStore) Get(_ context.Context, userID, assetID string) ([]byte, string, error) {
	path, err := s.assetPath(userID, assetID)
	if err != nil {
		return nil, "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("read asset: %w", err)
	}
	contentType, err := os.ReadFile(path + ".type")
	if err != nil && !os.IsNotExist(err) {
		return nil, "", fmt.Errorf("read asset content type: %w", err)
	}
	return data, string(contentType), nil
}

// Delete removes an asset and its sidecar. A missing asset is not an error.
func (s *LocalStore) Delete(_ context.Context, userID, assetID string) error {
	path, err := s.assetPath(userID, assetID)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete asset: %w", err)
	}
	if err := os.Remove(path + ".type"); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete asset content type: %w", err)
	}
	return nil
}
