package store

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/qorelogic/failsafe/pkg/canonical"
)

// s3API is the slice of the S3 client the archive uses.
type s3API interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Archive stores blobs in an S3 bucket, keyed by digest.
type S3Archive struct {
	client s3API
	bucket string
	prefix string
}

// S3Config configures an S3Archive. Endpoint points at MinIO or another
// S3-compatible server; path-style addressing is forced when set.
type S3Config struct {
	Bucket   string
	Region   string
	Endpoint string
	Prefix   string
}

// NewS3Archive builds an archive over the given bucket.
func NewS3Archive(ctx context.Context, cfg S3Config) (*S3Archive, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("store: s3 archive requires a bucket")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("store: load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Archive{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// Store implements Archive. A HeadObject probe keeps re-exports from
// re-uploading blobs that already landed.
func (a *S3Archive) Store(ctx context.Context, data []byte) (string, error) {
	digest := canonical.HashBytes(data)
	ref := hashPrefix + digest
	key := a.keyFor(digest)

	_, err := a.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return ref, nil
	}

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return "", fmt.Errorf("store: s3 put: %w", err)
	}
	return ref, nil
}

// Get implements Archive.
func (a *S3Archive) Get(ctx context.Context, ref string) ([]byte, error) {
	digest, err := parseReference(ref)
	if err != nil {
		return nil, err
	}

	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.keyFor(digest)),
	})
	if err != nil {
		return nil, fmt.Errorf("store: s3 get %s: %w", ref, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("store: s3 read %s: %w", ref, err)
	}
	return data, nil
}

// Exists implements Archive.
func (a *S3Archive) Exists(ctx context.Context, ref string) (bool, error) {
	digest, err := parseReference(ref)
	if err != nil {
		return false, err
	}
	_, err = a.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.keyFor(digest)),
	})
	if err != nil {
		return false, nil
	}
	return true, nil
}

func (a *S3Archive) keyFor(digest string) string {
	return a.prefix + digest + ".blob"
}
