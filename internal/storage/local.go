package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Local stores objects on the filesystem under a base directory; the
// server (or a reverse proxy) serves them at baseURL.
type Local struct {
	dir     string
	baseURL string
}

// NewLocal builds a filesystem store, creating the directory if needed.
func NewLocal(dir, baseURL string) (*Local, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create file dir: %w", err)
	}
	return &Local{dir: dir, baseURL: strings.TrimSuffix(baseURL, "/")}, nil
}

// path resolves a key inside the base directory, rejecting traversal.
func (l *Local) path(key string) (string, error) {
	p := filepath.Join(l.dir, filepath.FromSlash(key))
	if !strings.HasPrefix(p, filepath.Clean(l.dir)+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return p, nil
}

func (l *Local) Put(_ context.Context, key string, body io.Reader, _ string) (string, error) {
	p, err := l.path(key)
	if err != nil {
		return "", err
	}
	f, err := os.CreateTemp(l.dir, ".upload-*")
	if err != nil {
		return "", fmt.Errorf("create upload: %w", err)
	}
	defer os.Remove(f.Name())

	if _, err := io.Copy(f, body); err != nil {
		f.Close()
		return "", fmt.Errorf("write upload: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(f.Name(), p); err != nil {
		return "", fmt.Errorf("store %s: %w", key, err)
	}
	return l.baseURL + "/" + key, nil
}

func (l *Local) Delete(_ context.Context, key string) error {
	p, err := l.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Dir exposes the base directory so the HTTP layer can serve it.
func (l *Local) Dir() string { return l.dir }
