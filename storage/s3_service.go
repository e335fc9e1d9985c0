package storage

import (
	"context"
	"fmt"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"tributary.dev/tributary/telemetry"
	"tributary.dev/tributary/util/ptr"
)

// S3Service is the slice of the AWS S3 API the filesystem uses. A fake
// implementation stands in during tests.
type S3Service interface {
	CopyObject(ctx context.Context, input *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	GetObject(ctx context.Context, input *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, input *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	PutObject(ctx context.Context, input *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, input *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

type NewS3ClientParams struct {
	// The S3 endpoint to use. Normally left blank but used for testing against
	// a fake.
	Endpoint string
	Region   string
	// The AWS credentials profile name to use instead of default when
	// credentials falls back to credentials config file.
	Profile     string
	Credentials aws.CredentialsProvider
}

func NewS3Client(params *NewS3ClientParams) (*s3.Client, error) {
	cfg, err := config.LoadDefaultConfig(context.Background(),
		func(lo *config.LoadOptions) error {
			if params.Region != "" {
				lo.Region = params.Region
			}
			if params.Profile != "" {
				lo.SharedConfigProfile = params.Profile
			}
			if params.Credentials != nil {
				lo.Credentials = params.Credentials
			}
			lo.HTTPClient = &http.Client{Transport: telemetry.NewMetricsTransport("s3", nil)}

			return nil
		},
	)
	if err != nil {
		return nil, fmt.Errorf("s3 load config: %w", err)
	}

	svc := s3.NewFromConfig(cfg, func(opts *s3.Options) {
		if params.Endpoint != "" {
			opts.BaseEndpoint = ptr.New(params.Endpoint)
			opts.UsePathStyle = true
		}
	})

	return svc, nil
}
