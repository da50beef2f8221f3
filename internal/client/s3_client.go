package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/faceblur/orchestrator/internal/config"
	"github.com/faceblur/orchestrator/internal/model"
)

// StorageClient defines the object storage operations the workflow needs
type StorageClient interface {
	Head(ctx context.Context, ref model.ObjectRef) (*ObjectInfo, error)
	GetSignedURL(ctx context.Context, ref model.ObjectRef, expiry time.Duration) (string, error)
}

// ObjectInfo describes a stored object
type ObjectInfo struct {
	Ref         model.ObjectRef
	ContentType string
	ETag        string
}

// S3Client implements StorageClient for S3 and S3-compatible stores
type S3Client struct {
	s3Client  *s3.Client
	presigner *s3.PresignClient
}

// NewS3Client creates a new storage client
func NewS3Client(cfg *config.StorageConfig) (*S3Client, error) {
	if cfg.Region == "" {
		return nil, fmt.Errorf("storage region is required")
	}

	awsCfg, err := loadAWSConfig(context.Background(), cfg.Region, cfg.Endpoint, cfg.AccessKeyID, cfg.SecretAccessKey)
	if err != nil {
		return nil, err
	}

	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		// MinIO and friends only speak path-style addressing
		o.UsePathStyle = cfg.Endpoint != ""
	})

	return &S3Client{
		s3Client:  s3Client,
		presigner: s3.NewPresignClient(s3Client),
	}, nil
}

// Head fetches object metadata. A missing object yields ErrObjectNotFound.
func (c *S3Client) Head(ctx context.Context, ref model.ObjectRef) (*ObjectInfo, error) {
	out, err := c.s3Client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(ref.Bucket),
		Key:    aws.String(ref.Key),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("%s: %w", ref, ErrObjectNotFound)
		}
		return nil, fmt.Errorf("failed to head %s: %w", ref, err)
	}

	return &ObjectInfo{
		Ref:         ref,
		ContentType: aws.ToString(out.ContentType),
		ETag:        strings.Trim(aws.ToString(out.ETag), `"`),
	}, nil
}

// GetSignedURL generates a presigned URL for temporary access
func (c *S3Client) GetSignedURL(ctx context.Context, ref model.ObjectRef, expiry time.Duration) (string, error) {
	input := &s3.GetObjectInput{
		Bucket: aws.String(ref.Bucket),
		Key:    aws.String(ref.Key),
	}

	presignedReq, err := c.presigner.PresignGetObject(ctx, input, s3.WithPresignExpires(expiry))
	if err != nil {
		return "", fmt.Errorf("failed to generate presigned URL: %w", err)
	}

	return presignedReq.URL, nil
}

// IsConfigured returns true if the client has valid configuration
func (c *S3Client) IsConfigured() bool {
	return c != nil && c.s3Client != nil
}
