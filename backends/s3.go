package backends

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/richardartoul/artifactcache/pkg/cacheerr"
)

// s3API is the subset of the S3 client used by the backend.
type s3API interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Config describes the bucket artifacts are stored in.
type S3Config struct {
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string
	PathStyle bool
}

// S3 stores artifacts as objects named {prefix}{key} in a bucket.
type S3 struct {
	client s3API
	bucket string
	prefix string
	logger *slog.Logger
}

// NewS3 creates an S3 backend using the default AWS credential chain.
func NewS3(ctx context.Context, cfg S3Config, logger *slog.Logger) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, &cacheerr.ConfigurationError{Field: "s3.bucket", Reason: "required"}
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, &cacheerr.ConfigurationError{Field: "s3", Reason: err.Error()}
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})
	return newS3(client, cfg.Bucket, cfg.Prefix, logger), nil
}

func newS3(client s3API, bucket, prefix string, logger *slog.Logger) *S3 {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &S3{
		client: client,
		bucket: bucket,
		prefix: prefix,
		logger: logger,
	}
}

// Exists issues a HeadObject request.
func (s *S3) Exists(ctx context.Context, key string) bool {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		if !isS3NotFound(err) {
			s.logger.Debug("artifact probe failed", "key", key, "error", err)
		}
		return false
	}
	return true
}

// Put uploads the artifact with PutObject.
func (s *S3) Put(ctx context.Context, key string, body io.Reader, size int64) error {
	in := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
		Body:   body,
	}
	if size >= 0 {
		in.ContentLength = aws.Int64(size)
	}
	if _, err := s.client.PutObject(ctx, in); err != nil {
		return &cacheerr.TransferError{Op: "put", Key: key, StatusCode: s3StatusCode(err), Err: err}
	}
	return nil
}

// Get downloads the artifact with GetObject. NoSuchKey is a miss.
func (s *S3) Get(ctx context.Context, key string) (io.ReadCloser, int64, bool, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, 0, true, nil
		}
		return nil, 0, false, &cacheerr.TransferError{Op: "get", Key: key, StatusCode: s3StatusCode(err), Err: err}
	}
	size := int64(-1)
	if out.ContentLength != nil {
		size = *out.ContentLength
	}
	return out.Body, size, false, nil
}

// Close is a no-op; the SDK client holds no resources that need releasing.
func (s *S3) Close() error {
	return nil
}

func (s *S3) objectKey(key string) string {
	return s.prefix + key
}

func isS3NotFound(err error) bool {
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	return s3StatusCode(err) == 404
}

func s3StatusCode(err error) int {
	var re *awshttp.ResponseError
	if errors.As(err, &re) {
		return re.HTTPStatusCode()
	}
	return 0
}
