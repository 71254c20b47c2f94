// Package gcs stores message and attachment blobs in Google Cloud Storage.
// Logical buckets become object name prefixes inside one GCS bucket.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"time"

	"cloud.google.com/go/auth/credentials"
	"cloud.google.com/go/storage"
	"github.com/google/uuid"
	"google.golang.org/api/option"

	"github.com/rbaliyan/mailstore/store"
)

const scopeReadWrite = "https://www.googleapis.com/auth/devstorage.read_write"

// Store implements store.BlobStore on a GCS bucket.
type Store struct {
	client *storage.Client
	bucket *storage.BucketHandle
	name   string
	prefix string
	logger *slog.Logger
}

var _ store.BlobStore = (*Store)(nil)

// New opens a client for the configured bucket. Without explicit
// credentials Application Default Credentials are used.
func New(ctx context.Context, opts ...Option) (*Store, error) {
	o := newOptions(opts...)
	if o.bucket == "" {
		return nil, errors.New("gcs: bucket is required")
	}

	clientOpts, err := clientOptions(o)
	if err != nil {
		return nil, err
	}
	client, err := storage.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("gcs: new client: %w", err)
	}

	return &Store{
		client: client,
		bucket: client.Bucket(o.bucket),
		name:   o.bucket,
		prefix: o.prefix,
		logger: o.logger,
	}, nil
}

func clientOptions(o *options) ([]option.ClientOption, error) {
	var opts []option.ClientOption
	if o.endpoint != "" {
		opts = append(opts, option.WithEndpoint(o.endpoint))
	}

	detect := &credentials.DetectOptions{Scopes: []string{scopeReadWrite}}
	switch {
	case len(o.credentialsJSON) > 0:
		detect.CredentialsJSON = o.credentialsJSON
	case o.credentialsFile != "":
		detect.CredentialsFile = o.credentialsFile
	case o.apiKey != "":
		return append(opts, option.WithAPIKey(o.apiKey)), nil
	default:
		return opts, nil
	}

	creds, err := credentials.DetectDefault(detect)
	if err != nil {
		return nil, fmt.Errorf("gcs: credentials: %w", err)
	}
	return append(opts, option.WithAuthCredentials(creds)), nil
}

// Save writes content under a fresh date-partitioned id.
func (s *Store) Save(ctx context.Context, bucket, contentType string, content io.Reader) (store.BlobID, error) {
	id := store.BlobID(path.Join(time.Now().UTC().Format("2006/01/02"), uuid.NewString()))
	name := s.object(bucket, id)

	w := s.bucket.Object(name).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := io.Copy(w, content); err != nil {
		// Closing after a failed copy discards the partial object.
		_ = w.Close()
		return "", fmt.Errorf("gcs: write %s: %w", name, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("gcs: finish %s: %w", name, err)
	}

	s.logger.Debug("blob saved", "backend", "gcs", "bucket", s.name, "object", name)
	return id, nil
}

// Read opens the blob. A missing object is store.ErrNotFound.
func (s *Store) Read(ctx context.Context, bucket string, id store.BlobID) (io.ReadCloser, error) {
	r, err := s.bucket.Object(s.object(bucket, id)).NewReader(ctx)
	switch {
	case errors.Is(err, storage.ErrObjectNotExist):
		return nil, store.ErrNotFound
	case err != nil:
		return nil, fmt.Errorf("gcs: read %s: %w", id, err)
	}
	return r, nil
}

// Delete removes the blob. Deleting a missing object succeeds.
func (s *Store) Delete(ctx context.Context, bucket string, id store.BlobID) error {
	name := s.object(bucket, id)
	err := s.bucket.Object(name).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("gcs: delete %s: %w", name, err)
	}
	s.logger.Debug("blob deleted", "backend", "gcs", "bucket", s.name, "object", name)
	return nil
}

// Close releases the client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) object(bucket string, id store.BlobID) string {
	return path.Join(s.prefix, bucket, string(id))
}
