package objstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"time"
)

type fileStore struct {
	base         string
	publicPrefix string
}

// OpenFile stores objects under c.BaseDir.
func OpenFile(_ context.Context, c Config) (Store, error) {
	if c.BaseDir == "" {
		return nil, fmt.Errorf("base_dir required for file driver")
	}
	if err := os.MkdirAll(c.BaseDir, 0o755); err != nil {
		return nil, err
	}
	return &fileStore{base: c.BaseDir, publicPrefix: "/archive/"}, nil
}

func (s *fileStore) path(key string) string {
	return filepath.Join(s.base, filepath.FromSlash(sanitizeKey(key)))
}

func (s *fileStore) Put(_ context.Context, key string, r io.Reader, _ int64, _ string) error {
	path := s.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func (s *fileStore) Get(_ context.Context, key string) ([]byte, error) {
	b, err := os.ReadFile(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotExist
	}
	return b, err
}

// SignedURL returns a relative URL; local files are not signed.
func (s *fileStore) SignedURL(_ context.Context, key string, method string, _ time.Duration) (string, error) {
	if method == "DELETE" {
		return "", fmt.Errorf("not supported")
	}
	u := url.URL{Path: s.publicPrefix + sanitizeKey(key)}
	return u.String(), nil
}

func (s *fileStore) Delete(_ context.Context, key string) error { return os.Remove(s.path(key)) }

func (s *fileStore) Close() error { return nil }
