package store

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"
)

// MinIO stores blobs in any S3-compatible server through minio-go.
type MinIO struct {
	client *minio.Client
	bucket string
	prefix string
}

// MinIOOptions configures NewMinIOFromConfig.
type MinIOOptions struct {
	Region    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

func NewMinIO(client *minio.Client, bucket, prefix string) *MinIO {
	return &MinIO{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

// NewMinIOFromConfig connects to endpoint (host:port) with static keys.
func NewMinIOFromConfig(endpoint, bucket, prefix string, opts MinIOOptions) (*MinIO, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
		Region: opts.Region,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "minio client for %s", endpoint)
	}
	return NewMinIO(client, bucket, prefix), nil
}

func (s *MinIO) key(key string) (string, error) {
	k, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	return joinKey(s.prefix, k), nil
}

func isMinIONotFound(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NotFound"
}

func (s *MinIO) Put(ctx context.Context, key string, data []byte) error {
	k, err := s.key(key)
	if err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, s.bucket, k, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	return errors.Wrapf(err, "minio put %s/%s", s.bucket, k)
}

func (s *MinIO) Get(ctx context.Context, key string) ([]byte, error) {
	k, err := s.key(key)
	if err != nil {
		return nil, err
	}
	obj, err := s.client.GetObject(ctx, s.bucket, k, minio.GetObjectOptions{})
	if err != nil {
		if isMinIONotFound(err) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrapf(err, "minio get %s/%s", s.bucket, k)
	}
	defer obj.Close()
	// GetObject is lazy; a missing key surfaces on first read.
	data, err := io.ReadAll(obj)
	if err != nil {
		if isMinIONotFound(err) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrapf(err, "minio read %s/%s", s.bucket, k)
	}
	return data, nil
}

func (s *MinIO) Delete(ctx context.Context, key string) error {
	k, err := s.key(key)
	if err != nil {
		return err
	}
	if err := s.client.RemoveObject(ctx, s.bucket, k, minio.RemoveObjectOptions{}); err != nil && !isMinIONotFound(err) {
		return errors.Wrapf(err, "minio delete %s/%s", s.bucket, k)
	}
	return nil
}

func (s *MinIO) List(ctx context.Context, prefix string) ([]string, error) {
	full := joinKey(s.prefix, prefix)
	var names []string
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: full, Recursive: true}) {
		if obj.Err != nil {
			return nil, errors.Wrapf(obj.Err, "minio list %s/%s", s.bucket, full)
		}
		name := strings.TrimPrefix(strings.TrimPrefix(obj.Key, s.prefix), "/")
		if name != "" {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}
