// Package storage is the optional S3 tier for message bodies.
//
// Bodies are content addressed: the object key is the BLAKE3 hash of the
// body, so identical messages delivered to many mailboxes share one object.
// Providers keep only metadata and the content hash locally and resolve the
// body through this package on retrieval.
package storage

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"lukechampine.com/blake3"

	"github.com/pelicanmail/pelican/config"
	"github.com/pelicanmail/pelican/logger"
	"github.com/pelicanmail/pelican/pkg/metrics"
)

// ErrNotFound is returned by Get when no object exists under the key.
var ErrNotFound = errors.New("storage: object not found")

// BlobStore stores message bodies in an S3-compatible bucket under their
// content hash. All methods are safe for concurrent use.
type BlobStore struct {
	client *minio.Client
	bucket string
}

// ContentHash returns the hex-encoded BLAKE3 hash of a message body. The
// result is the object key for the body and the dedup key in the providers.
func ContentHash(body []byte) string {
	sum := blake3.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// New connects to the configured endpoint and verifies that the bucket
// exists, creating it when it does not.
func New(ctx context.Context, cfg config.S3Config) (*BlobStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize S3 client: %w", err)
	}
	if cfg.Trace {
		client.TraceOn(os.Stdout)
	}

	s := &BlobStore{client: client, bucket: cfg.Bucket}
	if err := s.ensureBucket(ctx); err != nil {
		return nil, err
	}
	logger.Info("S3 blob store ready", "endpoint", cfg.Endpoint, "bucket", cfg.Bucket, "tls", cfg.UseTLS)
	return s, nil
}

func (s *BlobStore) ensureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", s.bucket, err)
	}
	logger.Info("created S3 bucket", "bucket", s.bucket)
	return nil
}

// Exists reports whether an object is stored under the hash.
func (s *BlobStore) Exists(ctx context.Context, hash string) (bool, error) {
	start := time.Now()
	_, err := s.client.StatObject(ctx, s.bucket, hash, minio.StatObjectOptions{})
	s.observe("STAT", start, err == nil || isNotFound(err))
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("failed to stat object %s: %w", hash, err)
}

// Put uploads a body under its hash. Re-uploading an existing hash is a
// no-op apart from the round trip; content addressing makes it idempotent.
func (s *BlobStore) Put(ctx context.Context, hash string, body io.Reader, size int64) error {
	start := time.Now()
	_, err := s.client.PutObject(ctx, s.bucket, hash, body, size,
		minio.PutObjectOptions{SendContentMd5: true})
	s.observe("PUT", start, err == nil)
	if err != nil {
		return fmt.Errorf("failed to store object %s: %w", hash, err)
	}
	return nil
}

// Get streams the body stored under the hash. The caller must close the
// returned reader. Returns ErrNotFound when no such object exists.
func (s *BlobStore) Get(ctx context.Context, hash string) (io.ReadCloser, error) {
	start := time.Now()
	object, err := s.client.GetObject(ctx, s.bucket, hash, minio.GetObjectOptions{})
	if err != nil {
		s.observe("GET", start, false)
		return nil, fmt.Errorf("failed to get object %s: %w", hash, err)
	}

	// GetObject is lazy; the first Stat surfaces a missing key.
	if _, err := object.Stat(); err != nil {
		object.Close()
		if isNotFound(err) {
			s.observe("GET", start, true)
			return nil, ErrNotFound
		}
		s.observe("GET", start, false)
		return nil, fmt.Errorf("failed to get object %s: %w", hash, err)
	}

	s.observe("GET", start, true)
	return object, nil
}

// GetBytes reads the whole body stored under the hash into memory.
func (s *BlobStore) GetBytes(ctx context.Context, hash string) ([]byte, error) {
	object, err := s.Get(ctx, hash)
	if err != nil {
		return nil, err
	}
	defer object.Close()
	return io.ReadAll(object)
}

// Delete removes the object stored under the hash. Deleting a missing
// object is not an error; the provider may race another reference drop.
func (s *BlobStore) Delete(ctx context.Context, hash string) error {
	start := time.Now()
	err := s.client.RemoveObject(ctx, s.bucket, hash, minio.RemoveObjectOptions{})
	if err != nil && isNotFound(err) {
		logger.Debug("S3 object already gone", "hash", hash)
		err = nil
	}
	s.observe("DELETE", start, err == nil)
	if err != nil {
		return fmt.Errorf("failed to delete object %s: %w", hash, err)
	}
	return nil
}

// Object describes a stored body in list results.
type Object struct {
	Hash         string
	Size         int64
	LastModified time.Time
}

// List streams every stored object. Used by the admin tool to find blobs
// no provider row references anymore.
func (s *BlobStore) List(ctx context.Context) (<-chan Object, <-chan error) {
	objectCh := make(chan Object)
	errCh := make(chan error, 1)

	go func() {
		defer close(objectCh)
		defer close(errCh)

		for object := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Recursive: true}) {
			if object.Err != nil {
				errCh <- object.Err
				return
			}
			select {
			case objectCh <- Object{Hash: object.Key, Size: object.Size, LastModified: object.LastModified}:
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
		}
	}()

	return objectCh, errCh
}

func (s *BlobStore) observe(operation string, start time.Time, ok bool) {
	status := "success"
	if !ok {
		status = "error"
	}
	metrics.S3OperationsTotal.WithLabelValues(operation, status).Inc()
	metrics.S3OperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

func isNotFound(err error) bool {
	var resp minio.ErrorResponse
	if errors.As(err, &resp) {
		return resp.StatusCode == 404 || strings.EqualFold(resp.Code, "NoSuchKey")
	}
	return false
}
