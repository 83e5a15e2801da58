package artifacts

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/rendis/chispa/pkg/schema"
)

// Compile-time interface check.
var _ Uploader = (*S3Uploader)(nil)

// Config points the uploader at a bucket. Endpoint and static credentials
// support MinIO and other S3-compatible stores; leave them empty to use the
// ambient AWS configuration.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
}

// S3Uploader writes run artifacts to an S3-compatible object store.
type S3Uploader struct {
	client *s3.Client
	bucket string
	logger *slog.Logger
}

// NewS3Uploader builds the client and makes sure the bucket exists.
func NewS3Uploader(ctx context.Context, cfg Config, logger *slog.Logger) (*S3Uploader, error) {
	if cfg.Bucket == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "artifact bucket is not configured")
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeAdapter, "load object store config: %v", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // MinIO does not serve virtual-host buckets
		}
	})

	u := &S3Uploader{client: client, bucket: cfg.Bucket, logger: logger}
	if err := u.ensureBucket(ctx); err != nil {
		return nil, err
	}
	return u, nil
}

func (u *S3Uploader) ensureBucket(ctx context.Context) error {
	_, err := u.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(u.bucket)})
	if err == nil {
		return nil
	}

	var owned *types.BucketAlreadyOwnedByYou
	var exists *types.BucketAlreadyExists
	if errors.As(err, &owned) || errors.As(err, &exists) {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeAdapter, "ensure bucket %s: %v", u.bucket, err)
}

// UploadDir walks root and puts every regular file under the run's prefix.
func (u *S3Uploader) UploadDir(ctx context.Context, runID int64, root string) ([]string, error) {
	var keys []string
	err := walkArtifacts(root, func(relPath, hostPath string) error {
		f, err := os.Open(hostPath)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeAdapter, "open artifact %s: %v", hostPath, err)
		}
		defer f.Close()

		key := ObjectKey(runID, relPath)
		_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(u.bucket),
			Key:    aws.String(key),
			Body:   f,
		})
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeAdapter, "upload artifact %s: %v", key, err)
		}

		u.logger.DebugContext(ctx, "artifact uploaded", "key", key)
		keys = append(keys, key)
		return nil
	})
	return keys, err
}
