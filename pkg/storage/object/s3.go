package object

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Config holds S3 client configuration.
type S3Config struct {
	// Region is the AWS region (e.g., "us-east-1")
	Region string `yaml:"region" json:"region"`

	// Bucket holds every object of the store.
	Bucket string `yaml:"bucket" json:"bucket"`

	// Prefix is prepended to every key.
	Prefix string `yaml:"prefix" json:"prefix"`

	// Endpoint overrides the default S3 endpoint (for S3-compatible services)
	Endpoint string `yaml:"endpoint" json:"endpoint"`

	// UsePathStyle forces path-style addressing (for MinIO, LocalStack)
	UsePathStyle bool `yaml:"use_path_style" json:"use_path_style"`

	// Credentials (optional - uses default chain if not provided)
	AccessKeyID     string `yaml:"access_key_id" json:"-"`
	SecretAccessKey string `yaml:"secret_access_key" json:"-"`
	SessionToken    string `yaml:"session_token" json:"-"`

	OperationTimeout time.Duration `yaml:"operation_timeout" json:"operation_timeout"`
	UploadTimeout    time.Duration `yaml:"upload_timeout" json:"upload_timeout"`
}

// DefaultS3Config returns sensible defaults for S3 configuration.
func DefaultS3Config(bucket, region string) S3Config {
	return S3Config{
		Bucket:           bucket,
		Region:           region,
		OperationTimeout: 30 * time.Second,
		UploadTimeout:    5 * time.Minute,
	}
}

// S3Storage implements Store on an S3 bucket.
type S3Storage struct {
	cfg    S3Config
	client *s3.Client
}

// NewS3Storage creates a new S3 backed store.
func NewS3Storage(ctx context.Context, cfg S3Config) (*S3Storage, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 store needs a bucket")
	}
	if cfg.OperationTimeout == 0 {
		cfg.OperationTimeout = 30 * time.Second
	}
	if cfg.UploadTimeout == 0 {
		cfg.UploadTimeout = 5 * time.Minute
	}

	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID,
				cfg.SecretAccessKey,
				cfg.SessionToken,
			),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return &S3Storage{cfg: cfg, client: client}, nil
}

// Bucket returns the bucket name.
func (s *S3Storage) Bucket() string {
	return s.cfg.Bucket
}

// Scheme returns "s3".
func (s *S3Storage) Scheme() string {
	return "s3"
}

func (s *S3Storage) key(key string) string {
	if s.cfg.Prefix == "" {
		return key
	}
	return path.Join(s.cfg.Prefix, key)
}

// Put uploads data in a single PutObject call.
func (s *S3Storage) Put(ctx context.Context, key string, data io.Reader, size int64) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.UploadTimeout)
	defer cancel()

	input := &s3.PutObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(s.key(key)),
		Body:   data,
	}
	if size >= 0 {
		input.ContentLength = aws.Int64(size)
	}
	if strings.HasSuffix(key, ".parquet") {
		input.ContentType = aws.String("application/vnd.apache.parquet")
	} else if strings.HasSuffix(key, ".json") {
		input.ContentType = aws.String("application/json")
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("failed to put object %s/%s: %w", s.cfg.Bucket, key, err)
	}
	return nil
}

// Get returns the body of an object. The caller closes it.
func (s *S3Storage) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(s.key(key)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get object %s/%s: %w", s.cfg.Bucket, key, err)
	}
	return out.Body, nil
}

// Delete removes an object.
func (s *S3Storage) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.OperationTimeout)
	defer cancel()

	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(s.key(key)),
	})
	return err
}

// Exists checks if an object exists.
func (s *S3Storage) Exists(ctx context.Context, key string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.OperationTimeout)
	defer cancel()

	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(s.key(key)),
	})
	if err == nil {
		return true, nil
	}
	var notFound *types.NotFound
	if stderrors.As(err, &notFound) {
		return false, nil
	}
	return false, fmt.Errorf("failed to head object %s/%s: %w", s.cfg.Bucket, key, err)
}

// List lists all objects under prefix, following continuation tokens.
func (s *S3Storage) List(ctx context.Context, prefix string) ([]Info, error) {
	var all []Info
	var token *string

	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.cfg.Bucket),
			Prefix:            aws.String(s.key(prefix)),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list objects: %w", err)
		}

		for _, obj := range out.Contents {
			key := aws.ToString(obj.Key)
			if s.cfg.Prefix != "" {
				key = strings.TrimPrefix(strings.TrimPrefix(key, s.cfg.Prefix), "/")
			}
			all = append(all, Info{
				Key:          key,
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
			})
		}

		if !aws.ToBool(out.IsTruncated) {
			break
		}
		token = out.NextContinuationToken
	}
	return all, nil
}
