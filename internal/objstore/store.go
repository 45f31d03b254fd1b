// Package objstore stores dispatch artifacts in blob storage. Drivers cover
// any gocloud bucket URL (s3://, file://, mem://), Aliyun OSS, Tencent COS
// and a plain local directory.
package objstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"
)

// ErrNotExist is returned by Get for a missing key.
var ErrNotExist = errors.New("objstore: object does not exist")

type Store interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	SignedURL(ctx context.Context, key string, method string, expiry time.Duration) (string, error)
	Delete(ctx context.Context, key string) error
	Close() error
}

type Config struct {
	Driver       string        `mapstructure:"driver" yaml:"driver"`
	URL          string        `mapstructure:"url" yaml:"url"`
	Bucket       string        `mapstructure:"bucket" yaml:"bucket"`
	Region       string        `mapstructure:"region" yaml:"region"`
	Endpoint     string        `mapstructure:"endpoint" yaml:"endpoint"`
	AccessKey    string        `mapstructure:"access_key" yaml:"access_key"`
	SecretKey    string        `mapstructure:"secret_key" yaml:"secret_key"`
	BaseDir      string        `mapstructure:"base_dir" yaml:"base_dir"`
	Prefix       string        `mapstructure:"prefix" yaml:"prefix"`
	SignedURLTTL time.Duration `mapstructure:"signed_url_ttl" yaml:"signed_url_ttl"`
}

// Enabled reports whether any driver is configured.
func (c Config) Enabled() bool { return c.driver() != "" }

func (c Config) driver() string {
	d := strings.ToLower(strings.TrimSpace(c.Driver))
	if d == "" && c.URL != "" {
		return "blob"
	}
	return d
}

func (c Config) ttl() time.Duration {
	if c.SignedURLTTL > 0 {
		return c.SignedURLTTL
	}
	return 15 * time.Minute
}

func Validate(c Config) error {
	switch c.driver() {
	case "blob":
		if c.URL == "" {
			return errors.New("url required for blob driver")
		}
	case "oss":
		if c.Bucket == "" {
			return errors.New("bucket required for oss driver")
		}
		if c.Endpoint == "" {
			return errors.New("endpoint required for oss driver")
		}
		if c.AccessKey == "" || c.SecretKey == "" {
			return errors.New("access_key/secret_key required for oss driver")
		}
	case "cos":
		if c.Bucket == "" {
			return errors.New("bucket required for cos driver")
		}
		if c.Region == "" && c.Endpoint == "" {
			return errors.New("region or endpoint required for cos driver")
		}
		if c.AccessKey == "" || c.SecretKey == "" {
			return errors.New("access_key/secret_key required for cos driver")
		}
	case "file":
		if c.BaseDir == "" {
			return errors.New("base_dir required for file driver")
		}
	case "":
		return errors.New("archive driver not set")
	default:
		return fmt.Errorf("unknown storage driver: %s", c.Driver)
	}
	return nil
}

// Open validates c and opens the matching driver.
func Open(ctx context.Context, c Config) (Store, error) {
	if err := Validate(c); err != nil {
		return nil, err
	}
	switch c.driver() {
	case "blob":
		return OpenBlob(ctx, c)
	case "oss":
		return OpenOSS(ctx, c)
	case "cos":
		return OpenCOS(ctx, c)
	default:
		return OpenFile(ctx, c)
	}
}

// sanitizeKey prevents path traversal.
func sanitizeKey(key string) string {
	key = filepath.ToSlash(key)
	key = strings.TrimLeft(key, "/")
	parts := strings.Split(key, "/")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p == "" || p == "." || p == ".." {
			continue
		}
		out = append(out, p)
	}
	return strings.Join(out, "/")
}
