package objstore

import (
	"context"
	"fmt"
	"io"
	"time"

	oss "github.com/aliyun/aliyun-oss-go-sdk/oss"
)

type ossStore struct {
	bk  *oss.Bucket
	ttl time.Duration
}

func OpenOSS(_ context.Context, c Config) (Store, error) {
	cli, err := oss.New(c.Endpoint, c.AccessKey, c.SecretKey)
	if err != nil {
		return nil, err
	}
	bk, err := cli.Bucket(c.Bucket)
	if err != nil {
		return nil, err
	}
	return &ossStore{bk: bk, ttl: c.ttl()}, nil
}

func (s *ossStore) Put(_ context.Context, key string, r io.Reader, _ int64, contentType string) error {
	var opts []oss.Option
	if contentType != "" {
		opts = append(opts, oss.ContentType(contentType))
	}
	return s.bk.PutObject(sanitizeKey(key), r, opts...)
}

func (s *ossStore) Get(_ context.Context, key string) ([]byte, error) {
	rc, err := s.bk.GetObject(sanitizeKey(key))
	if err != nil {
		if se, ok := err.(oss.ServiceError); ok && se.StatusCode == 404 {
			return nil, ErrNotExist
		}
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func (s *ossStore) SignedURL(_ context.Context, key string, method string, expiry time.Duration) (string, error) {
	if expiry <= 0 {
		expiry = s.ttl
	}
	var m oss.HTTPMethod
	switch method {
	case "PUT":
		m = oss.HTTPPut
	case "DELETE":
		m = oss.HTTPDelete
	case "GET", "":
		m = oss.HTTPGet
	default:
		return "", fmt.Errorf("unsupported method: %s", method)
	}
	return s.bk.SignURL(sanitizeKey(key), m, int64(expiry/time.Second))
}

func (s *ossStore) Delete(_ context.Context, key string) error {
	return s.bk.DeleteObject(sanitizeKey(key))
}

func (s *ossStore) Close() error { return nil }
