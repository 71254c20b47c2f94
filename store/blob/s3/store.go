// Package s3 stores message and attachment blobs in AWS S3 or an
// S3-compatible service.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/feature/s3/transfermanager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/google/uuid"
	"github.com/rbaliyan/mailstore/store"
)

// Store implements store.BlobStore using AWS S3. Logical buckets
// (store.BucketMessages, store.BucketAttachments) become key prefixes inside
// one S3 bucket.
type Store struct {
	client *s3.Client
	tm     *transfermanager.Client
	bucket string
	prefix string
	logger *slog.Logger
}

var _ store.BlobStore = (*Store)(nil)

// New creates a new S3 blob store.
// The context is used for AWS credential loading and configuration.
func New(ctx context.Context, opts ...Option) (*Store, error) {
	o := newOptions(opts...)
	if o.bucket == "" {
		return nil, errors.New("s3: bucket is required")
	}

	awsCfg, err := buildAWSConfig(ctx, o)
	if err != nil {
		return nil, fmt.Errorf("build aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(opts *s3.Options) {
		if o.endpoint != "" {
			opts.BaseEndpoint = aws.String(o.endpoint)
			opts.UsePathStyle = o.usePathStyle
		}
	})

	return &Store{
		client: client,
		tm:     transfermanager.New(client),
		bucket: o.bucket,
		prefix: o.prefix,
		logger: o.logger,
	}, nil
}

// buildAWSConfig loads the AWS configuration with the credentials chosen by
// the options. Without static keys or a role the default chain applies
// (environment, shared config, instance and IRSA roles).
func buildAWSConfig(ctx context.Context, o *options) (aws.Config, error) {
	optFns := []func(*config.LoadOptions) error{config.WithRegion(o.region)}

	creds, err := credentialsProvider(ctx, o)
	if err != nil {
		return aws.Config{}, err
	}
	if creds != nil {
		optFns = append(optFns, config.WithCredentialsProvider(creds))
	}
	return config.LoadDefaultConfig(ctx, optFns...)
}

// credentialsProvider returns nil when the default chain should be used.
// Static keys win over a role.
func credentialsProvider(ctx context.Context, o *options) (aws.CredentialsProvider, error) {
	if o.accessKey != "" && o.secretKey != "" {
		return credentials.NewStaticCredentialsProvider(o.accessKey, o.secretKey, o.sessionToken), nil
	}
	if o.roleARN == "" {
		return nil, nil
	}

	// The role is assumed with the default chain's identity.
	base, err := config.LoadDefaultConfig(ctx, config.WithRegion(o.region))
	if err != nil {
		return nil, fmt.Errorf("load base config for role %s: %w", o.roleARN, err)
	}
	provider := stscreds.NewAssumeRoleProvider(sts.NewFromConfig(base), o.roleARN, func(ro *stscreds.AssumeRoleOptions) {
		if o.roleSessionName != "" {
			ro.RoleSessionName = o.roleSessionName
		}
		if o.externalID != "" {
			ro.ExternalID = aws.String(o.externalID)
		}
	})
	return aws.NewCredentialsCache(provider), nil
}

// Save uploads content and returns its id.
func (s *Store) Save(ctx context.Context, bucket, contentType string, content io.Reader) (store.BlobID, error) {
	id := newBlobID()
	key := s.key(bucket, id)

	_, err := s.tm.UploadObject(ctx, &transfermanager.UploadObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        content,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("upload to s3: %w", err)
	}

	s.logger.Debug("uploaded blob to s3", "bucket", s.bucket, "key", key)
	return id, nil
}

// Read returns a reader for the content.
func (s *Store) Read(ctx context.Context, bucket string, id store.BlobID) (io.ReadCloser, error) {
	output, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(bucket, id)),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get object from s3: %w", err)
	}
	return output.Body, nil
}

// Delete removes the content. S3 deletes of absent keys succeed.
func (s *Store) Delete(ctx context.Context, bucket string, id store.BlobID) error {
	key := s.key(bucket, id)
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("delete object from s3: %w", err)
	}

	s.logger.Debug("deleted blob from s3", "bucket", s.bucket, "key", key)
	return nil
}

func (s *Store) key(bucket string, id store.BlobID) string {
	return path.Join(s.prefix, bucket, string(id))
}

// newBlobID partitions ids by date for better S3 key distribution.
func newBlobID() store.BlobID {
	return store.BlobID(path.Join(time.Now().UTC().Format("2006/01/02"), uuid.NewString()))
}
