// Package upload transfers backup archives to S3-compatible object storage.
package upload

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/hochfrequenz/mongo-backup/internal/domain"
)

// s3Client is the subset of the S3 API the uploader uses: a single PutObject
// for small archives, multipart calls for everything else.
type s3Client interface {
	PutObject(ctx context.Context, input *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	CreateMultipartUpload(ctx context.Context, input *s3.CreateMultipartUploadInput, opts ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, input *s3.UploadPartInput, opts ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, input *s3.CompleteMultipartUploadInput, opts ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, input *s3.AbortMultipartUploadInput, opts ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

const (
	// DefaultPartSize is the multipart chunk size. Archives up to this size
	// go up in a single PutObject.
	DefaultPartSize   = 16 * 1024 * 1024
	uploadConcurrency = 4
)

// S3Config holds S3-compatible storage configuration.
type S3Config struct {
	Endpoint     string
	Bucket       string
	Region       string
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
}

// S3Uploader puts files into a single bucket
type S3Uploader struct {
	uploader *manager.Uploader
	bucket   string
}

func newUploader(client s3Client, bucket string, partSize int64) *S3Uploader {
	return &S3Uploader{
		uploader: manager.NewUploader(client, func(u *manager.Uploader) {
			u.PartSize = partSize
			u.Concurrency = uploadConcurrency
		}),
		bucket: bucket,
	}
}

// NewS3Uploader builds an uploader for cfg. Static keys are used when both are
// set, otherwise the default AWS credential chain applies.
func NewS3Uploader(ctx context.Context, cfg S3Config) (*S3Uploader, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.UsePathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return newUploader(client, cfg.Bucket, DefaultPartSize), nil
}

// Bucket returns the destination bucket
func (u *S3Uploader) Bucket() string {
	return u.bucket
}

// Upload sends the file at path to key, switching to a multipart upload above
// DefaultPartSize. It returns only once the service has acknowledged the
// object; a failed multipart upload is aborted.
func (u *S3Uploader) Upload(ctx context.Context, path, key string) (*domain.RemoteObject, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", domain.ErrIO, path, err)
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("%w: stat %s: %w", domain.ErrIO, path, err)
	}

	out, err := u.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String("application/zip"),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: put s3://%s/%s: %w", domain.ErrUpload, u.bucket, key, err)
	}

	return &domain.RemoteObject{
		Bucket:     u.bucket,
		Key:        key,
		SourcePath: path,
		SizeBytes:  stat.Size(),
		ETag:       aws.ToString(out.ETag),
	}, nil
}
