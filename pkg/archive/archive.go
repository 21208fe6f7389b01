// Package archive keeps content-addressed copies of audit results and
// patch bundles. Objects are addressed by "sha256:<hex>" of their bytes.
package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/Mindburn-Labs/regnexus/pkg/canonicalize"
)

// ErrNotFound is returned by Get for an unknown hash.
var ErrNotFound = errors.New("archive: object not found")

// Store is a content-addressed blob store.
type Store interface {
	// Put persists data and returns its content hash. Idempotent.
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, hash string) ([]byte, error)
	Exists(ctx context.Context, hash string) (bool, error)
}

// Backend names a Store implementation.
type Backend string

const (
	BackendNone Backend = "none"
	BackendFile Backend = "file"
	BackendS3   Backend = "s3"
	BackendGCS  Backend = "gcs"
)

// Config selects and configures a backend.
type Config struct {
	Backend  Backend
	Dir      string
	Bucket   string
	Region   string
	Endpoint string
	Prefix   string
}

// Open builds the configured store. BackendNone (or empty) returns nil.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case "", BackendNone:
		return nil, nil
	case BackendFile:
		if cfg.Dir == "" {
			return nil, errors.New("archive: file backend needs a directory")
		}
		return NewFileStore(cfg.Dir)
	case BackendS3:
		if cfg.Bucket == "" {
			return nil, errors.New("archive: s3 backend needs a bucket")
		}
		region := cfg.Region
		if region == "" {
			region = "us-east-1"
		}
		return NewS3Store(ctx, S3Config{Bucket: cfg.Bucket, Region: region, Endpoint: cfg.Endpoint, Prefix: cfg.Prefix})
	case BackendGCS:
		if cfg.Bucket == "" {
			return nil, errors.New("archive: gcs backend needs a bucket")
		}
		return newGCSStore(ctx, cfg)
	default:
		return nil, fmt.Errorf("archive: unsupported backend %q", cfg.Backend)
	}
}

// PutJSON archives the canonical JSON form of v, so equal values share a
// hash regardless of map ordering.
func PutJSON(ctx context.Context, s Store, v any) (string, error) {
	data, err := canonicalize.JCS(v)
	if err != nil {
		return "", fmt.Errorf("archive: canonicalize: %w", err)
	}
	return s.Put(ctx, data)
}

func contentHash(data []byte) (prefixed, raw string) {
	sum := sha256.Sum256(data)
	raw = hex.EncodeToString(sum[:])
	return "sha256:" + raw, raw
}

// parseHash validates "sha256:<64 hex>" and returns the hex part.
func parseHash(hash string) (string, error) {
	raw, ok := strings.CutPrefix(hash, "sha256:")
	if !ok {
		return "", fmt.Errorf("archive: invalid hash format: %s", hash)
	}
	if b, err := hex.DecodeString(raw); err != nil || len(b) != sha256.Size {
		return "", fmt.Errorf("archive: invalid hash hex: %s", hash)
	}
	return raw, nil
}
