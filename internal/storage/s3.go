package storage

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

// S3Option defines a functional option for configuring an S3Uploader.
type S3Option func(*s3Settings)

type s3Settings struct {
	region      string
	endpoint    string
	pathStyle   bool
	credentials aws.CredentialsProvider
}

// WithS3Region overrides the AWS region.
func WithS3Region(region string) S3Option {
	return func(s *s3Settings) {
		if region != "" {
			s.region = region
		}
	}
}

// WithS3Endpoint points the client at an S3 compatible endpoint.
func WithS3Endpoint(endpoint string, pathStyle bool) S3Option {
	return func(s *s3Settings) {
		if endpoint != "" {
			s.endpoint = endpoint
		}
		s.pathStyle = pathStyle
	}
}

// WithS3StaticCredentials replaces the default credential chain.
func WithS3StaticCredentials(accessKeyID, secretAccessKey, sessionToken string) S3Option {
	return func(s *s3Settings) {
		if accessKeyID != "" && secretAccessKey != "" {
			s.credentials = credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, sessionToken)
		}
	}
}

// WithS3CredentialsProvider replaces the default credential chain with p.
func WithS3CredentialsProvider(p aws.CredentialsProvider) S3Option {
	return func(s *s3Settings) {
		if p != nil {
			s.credentials = p
		}
	}
}

// S3Uploader ships snapshots to AWS S3 through aws-sdk-go-v2.
type S3Uploader struct {
	client      *s3.Client
	credentials aws.CredentialsProvider
}

// NewS3Uploader loads the shared AWS configuration and applies opts.
func NewS3Uploader(ctx context.Context, opts ...S3Option) (*S3Uploader, error) {
	settings := s3Settings{region: "us-east-1"}
	for _, opt := range opts {
		opt(&settings)
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(settings.region),
	}
	if settings.credentials != nil {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(settings.credentials))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if settings.endpoint != "" {
			o.BaseEndpoint = aws.String(settings.endpoint)
		}
		o.UsePathStyle = settings.pathStyle
	})
	return &S3Uploader{client: client, credentials: cfg.Credentials}, nil
}

func (s *S3Uploader) Kind() Kind { return KindS3 }

// Available resolves credentials from the configured chain.
func (s *S3Uploader) Available(ctx context.Context) error {
	if s.credentials == nil {
		return fmt.Errorf("%w: no aws credentials provider", ErrToolUnavailable)
	}
	creds, err := s.credentials.Retrieve(ctx)
	if err != nil {
		return fmt.Errorf("%w: retrieve aws credentials: %v", ErrToolUnavailable, err)
	}
	if !creds.HasKeys() {
		return fmt.Errorf("%w: aws credentials are empty", ErrToolUnavailable)
	}
	return nil
}

// Probe issues HeadBucket against the bucket of bucketRoot.
func (s *S3Uploader) Probe(ctx context.Context, bucketRoot string) error {
	bucket, _, err := splitURI(bucketRoot)
	if err != nil {
		return err
	}
	_, err = s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)})
	if err != nil {
		return apiError("head bucket "+bucket, err)
	}
	return nil
}

// Upload puts the local file src at the object URI dst.
func (s *S3Uploader) Upload(ctx context.Context, src, dst string) error {
	bucket, key, err := splitURI(dst)
	if err != nil {
		return err
	}
	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open snapshot: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat snapshot: %w", err)
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
	})
	if err != nil {
		return apiError("put object "+dst, err)
	}
	return nil
}

// List walks ListObjectsV2 pages lazily, one page per request.
func (s *S3Uploader) List(ctx context.Context, prefix string) iter.Seq2[Object, error] {
	return func(yield func(Object, error) bool) {
		bucket, key, err := splitURI(prefix)
		if err != nil {
			yield(Object{}, err)
			return
		}

		paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
			Bucket: aws.String(bucket),
			Prefix: aws.String(key),
		})
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				yield(Object{}, apiError("list objects s3://"+bucket+"/"+key, err))
				return
			}
			for _, obj := range page.Contents {
				o := Object{
					URI:     "s3://" + bucket + "/" + strings.TrimPrefix(aws.ToString(obj.Key), "/"),
					Size:    aws.ToInt64(obj.Size),
					Updated: aws.ToTime(obj.LastModified),
				}
				if !yield(o, nil) {
					return
				}
			}
		}
	}
}

func apiError(op string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("%s: %s: %w", op, apiErr.ErrorCode(), err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
