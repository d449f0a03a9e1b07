package store

import (
	"context"
	"net/url"
	"strings"

	"github.com/pkg/errors"

	"vqvdb/internal/common/fsutil"
	"vqvdb/internal/config"
)

// Open builds the store named by cfg.URL:
//
//	file:///var/lib/vqvdb   or a bare path   local directory
//	mem://                                  process memory
//	s3://bucket/prefix                      AWS S3 (or cfg.Endpoint)
//	minio://host:9000/bucket/prefix         S3-compatible server
//
// Remote stores are wrapped with WithRetry.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	raw := strings.TrimSpace(cfg.URL)
	if raw == "" {
		return nil, errors.New("store url is empty")
	}
	if !strings.Contains(raw, "://") {
		return openLocal(raw)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, errors.Wrapf(err, "parse store url %q", raw)
	}
	switch u.Scheme {
	case "file":
		return openLocal(u.Host + u.Path)
	case "mem", "memory":
		return NewMemory(), nil
	case "s3":
		if u.Host == "" {
			return nil, errors.Errorf("store url %q has no bucket", raw)
		}
		s, err := NewS3FromConfig(ctx, u.Host, u.Path, S3Options{
			Region:    cfg.Region,
			Endpoint:  cfg.Endpoint,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
		})
		if err != nil {
			return nil, err
		}
		return WithRetry(s, 0), nil
	case "minio":
		bucket, prefix, _ := strings.Cut(strings.TrimPrefix(u.Path, "/"), "/")
		if u.Host == "" || bucket == "" {
			return nil, errors.Errorf("store url %q must be minio://host/bucket[/prefix]", raw)
		}
		s, err := NewMinIOFromConfig(u.Host, bucket, prefix, MinIOOptions{
			Region:    cfg.Region,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
			UseSSL:    cfg.UseSSL,
		})
		if err != nil {
			return nil, err
		}
		return WithRetry(s, 0), nil
	}
	return nil, errors.Errorf("unsupported store scheme %q (want file, mem, s3 or minio)", u.Scheme)
}

func openLocal(p string) (Store, error) {
	dir, err := fsutil.ExpandHome(p)
	if err != nil {
		return nil, err
	}
	return NewLocal(dir)
}
