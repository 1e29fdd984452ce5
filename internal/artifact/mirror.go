package artifact

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Mirror copies finished artifacts to secondary storage.
type Mirror interface {
	Upload(ctx context.Context, ref, localPath string) (string, error)
}

// S3Config selects the mirror bucket. Endpoint and PathStyle support
// S3-compatible stores such as MinIO.
type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	PathStyle bool
}

// S3Mirror uploads artifacts under their relative reference as object key.
type S3Mirror struct {
	client *s3.Client
	bucket string
}

// NewS3Mirror loads the default AWS credential chain plus any extra options.
func NewS3Mirror(ctx context.Context, cfg S3Config, extra ...func(*awsconfig.LoadOptions) error) (*S3Mirror, error) {
	opts := append([]func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}, extra...)
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return &S3Mirror{client: client, bucket: cfg.Bucket}, nil
}

// Upload puts the file at localPath to s3://bucket/ref.
func (m *S3Mirror) Upload(ctx context.Context, ref, localPath string) (string, error) {
	body, err := os.ReadFile(localPath)
	if err != nil {
		return "", fmt.Errorf("read artifact: %w", err)
	}
	key := strings.TrimLeft(ref, "/")
	_, err = m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(m.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType(key)),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", m.bucket, key), nil
}

func contentType(key string) string {
	switch strings.ToLower(path.Ext(key)) {
	case ".ply":
		return "application/x-ply"
	case ".png":
		return "image/png"
	default:
		return "application/octet-stream"
	}
}
