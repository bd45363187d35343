// Package s3 downloads bundle artifacts from an S3-compatible object store.
// Configuration comes from the WEFT_BUNDLE_S3_* environment variables, with
// credentials resolved through the standard AWS credential chain.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/weftworks/weft/catalog/job"
	"github.com/weftworks/weft/runtime/bundle"
)

// Environment variables configuring the S3 artifact store.
const (
	EnvBucket         = "WEFT_BUNDLE_S3_BUCKET"
	EnvRegion         = "WEFT_BUNDLE_S3_REGION"
	EnvEndpoint       = "WEFT_BUNDLE_S3_ENDPOINT"
	EnvForcePathStyle = "WEFT_BUNDLE_S3_FORCE_PATH_STYLE"
)

type (
	// Client is the subset of the S3 API the fetcher uses. The concrete
	// *s3.Client satisfies it; tests substitute a stub.
	Client interface {
		GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	}

	// Fetcher downloads artifacts into the cache's download directory,
	// renaming completed files into place atomically so concurrent loads
	// of the same key are benign.
	Fetcher struct {
		client Client
		bucket string
	}
)

var _ bundle.ArtifactFetcher = (*Fetcher)(nil)

// New constructs a fetcher for the given bucket.
func New(client Client, bucket string) (*Fetcher, error) {
	if client == nil {
		return nil, errors.New("s3 client is required")
	}
	if bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}
	return &Fetcher{client: client, bucket: bucket}, nil
}

// NewFromEnv builds the S3 client from the WEFT_BUNDLE_S3_* variables and
// the ambient AWS credential chain.
func NewFromEnv(ctx context.Context) (*Fetcher, error) {
	bucket := os.Getenv(EnvBucket)
	if bucket == "" {
		return nil, fmt.Errorf("%s is required for s3 bundle storage", EnvBucket)
	}
	var loadOpts []func(*awsconfig.LoadOptions) error
	if region := os.Getenv(EnvRegion); region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint := os.Getenv(EnvEndpoint); endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		if strings.EqualFold(os.Getenv(EnvForcePathStyle), "true") {
			o.UsePathStyle = true
		}
	})
	return New(client, bucket)
}

// Fetch downloads the artifact unless a completed download already exists.
func (f *Fetcher) Fetch(ctx context.Context, bv *job.BundleVersion, downloadDir string) (string, error) {
	dest := filepath.Join(downloadDir, destName(bv))
	if _, err := os.Stat(dest); err == nil {
		return dest, nil
	}

	out, err := f.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(f.bucket),
		Key:    aws.String(bv.ArtifactPath),
	})
	if err != nil {
		return "", fmt.Errorf("download bundle artifact s3://%s/%s: %w", f.bucket, bv.ArtifactPath, err)
	}
	defer out.Body.Close()

	tmp, err := os.CreateTemp(downloadDir, destName(bv)+".partial-*")
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(tmp, out.Body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write bundle artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	// A concurrent loader may have won the rename; its bytes verify against
	// the same checksum so either copy serves.
	if err := os.Rename(tmp.Name(), dest); err != nil {
		os.Remove(tmp.Name())
		if _, statErr := os.Stat(dest); statErr == nil {
			return dest, nil
		}
		return "", err
	}
	return dest, nil
}

func destName(bv *job.BundleVersion) string {
	r := strings.NewReplacer("/", "_", "@", "-", "#", "-")
	return r.Replace(bv.BundleSlug+"-"+bv.Version+"-"+bv.Checksum) + ".tgz"
}
