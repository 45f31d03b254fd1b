package objstore

import (
	"context"
	"io"
	"time"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"
	"gocloud.dev/gcerrors"
)

type blobStore struct {
	bk  *blob.Bucket
	ttl time.Duration
}

// OpenBlob opens c.URL with the gocloud URL muxer.
func OpenBlob(ctx context.Context, c Config) (Store, error) {
	bk, err := blob.OpenBucket(ctx, c.URL)
	if err != nil {
		return nil, err
	}
	return NewBlob(bk, c.ttl()), nil
}

// NewBlob wraps an already opened bucket.
func NewBlob(bk *blob.Bucket, ttl time.Duration) Store {
	return &blobStore{bk: bk, ttl: ttl}
}

func (s *blobStore) Put(ctx context.Context, key string, r io.Reader, _ int64, contentType string) error {
	w, err := s.bk.NewWriter(ctx, sanitizeKey(key), &blob.WriterOptions{ContentType: contentType})
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

func (s *blobStore) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := s.bk.ReadAll(ctx, sanitizeKey(key))
	if gcerrors.Code(err) == gcerrors.NotFound {
		return nil, ErrNotExist
	}
	return b, err
}

func (s *blobStore) SignedURL(ctx context.Context, key string, method string, expiry time.Duration) (string, error) {
	if expiry <= 0 {
		expiry = s.ttl
	}
	return s.bk.SignedURL(ctx, sanitizeKey(key), &blob.SignedURLOptions{Method: method, Expiry: expiry})
}

func (s *blobStore) Delete(ctx context.Context, key string) error {
	return s.bk.Delete(ctx, sanitizeKey(key))
}

func (s *blobStore) Close() error { return s.bk.Close() }
