// Package upload implements the repository's blob store: content-addressed
// binary objects (images, video, anything not expressible as a DAG-CBOR
// record) referenced from records by CID but stored outside the MST.
package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/subcults/pds/internal/cid"
)

// ErrBlobTooLarge is returned when a blob exceeds the store's configured
// maximum size.
var ErrBlobTooLarge = errors.New("upload: blob exceeds maximum allowed size")

// ErrBlobNotFound is returned by Get when no blob is stored under the
// given CID.
var ErrBlobNotFound = errors.New("upload: blob not found")

// BlobStore persists content-addressed binary objects. Callers compute the
// CID themselves (blockstore.CIDFor covers arbitrary bytes, not just
// DAG-CBOR blocks) and use it both as the storage key and as the value
// embedded in a record's blob reference.
type BlobStore interface {
	Put(ctx context.Context, c cid.CID, r io.Reader) error
	Get(ctx context.Context, c cid.CID) (io.ReadCloser, error)
}

// Config holds the S3-compatible endpoint configuration for S3BlobStore.
// An empty Endpoint selects AWS's default endpoint for Region; Cloudflare
// R2, MinIO, and other S3-compatible backends need Endpoint set and
// UsePathStyle implied.
type Config struct {
	BucketName      string
	AccessKeyID     string
	SecretAccessKey string
	Endpoint        string
	Region          string
	MaxSizeMB       int // Default: 5MB
}

// S3BlobStore is a BlobStore backed by an S3-compatible object store.
// Objects are keyed by "blobs/<cid>", so distinct records can reference the
// same blob without duplicating storage.
type S3BlobStore struct {
	client       *s3.Client
	bucketName   string
	maxSizeBytes int64
}

// NewS3BlobStore creates an S3BlobStore from cfg.
func NewS3BlobStore(cfg Config) (*S3BlobStore, error) {
	if cfg.BucketName == "" {
		return nil, errors.New("bucket name is required")
	}
	if cfg.AccessKeyID == "" {
		return nil, errors.New("access key ID is required")
	}
	if cfg.SecretAccessKey == "" {
		return nil, errors.New("secret access key is required")
	}

	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = 5
	}
	region := cfg.Region
	if region == "" {
		region = "auto"
	}

	opts := s3.Options{
		Region: region,
		Credentials: aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
		UsePathStyle: true,
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}

	return &S3BlobStore{
		client:       s3.New(opts),
		bucketName:   cfg.BucketName,
		maxSizeBytes: int64(cfg.MaxSizeMB) * 1024 * 1024,
	}, nil
}

func objectKey(c cid.CID) string {
	return "blobs/" + c.String()
}

// Put uploads the blob's contents under its CID. The caller is responsible
// for having hashed r's contents into c; Put does not re-derive or verify
// the digest.
func (s *S3BlobStore) Put(ctx context.Context, c cid.CID, r io.Reader) error {
	data, err := io.ReadAll(io.LimitReader(r, s.maxSizeBytes+1))
	if err != nil {
		return fmt.Errorf("upload: read blob: %w", err)
	}
	if int64(len(data)) > s.maxSizeBytes {
		return ErrBlobTooLarge
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(objectKey(c)),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("upload: put object: %w", err)
	}
	return nil
}

// Get retrieves the blob stored under c. The caller must close the
// returned reader.
func (s *S3BlobStore) Get(ctx context.Context, c cid.CID) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(objectKey(c)),
	})
	if err != nil {
		return nil, fmt.Errorf("upload: get object: %w", err)
	}
	return out.Body, nil
}

// MemoryBlobStore is an in-memory BlobStore for tests and single-process
// deployments with no S3-compatible backend configured.
type MemoryBlobStore struct {
	blobs map[cid.CID][]byte
}

// NewMemoryBlobStore creates an empty MemoryBlobStore.
func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{blobs: make(map[cid.CID][]byte)}
}

// Put stores r's contents under c, replacing any prior value.
func (m *MemoryBlobStore) Put(_ context.Context, c cid.CID, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("upload: read blob: %w", err)
	}
	m.blobs[c] = data
	return nil
}

// Get returns the blob stored under c, or ErrBlobNotFound.
func (m *MemoryBlobStore) Get(_ context.Context, c cid.CID) (io.ReadCloser, error) {
	data, ok := m.blobs[c]
	if !ok {
		return nil, ErrBlobNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}
