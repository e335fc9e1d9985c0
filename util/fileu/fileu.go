// Package fileu reads files addressed by local paths or s3:// URLs.
package fileu

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ReadFile reads the file at path, which is either a local path or an S3 URL
// like s3://bucket/configs/app.json.
func ReadFile(path string) ([]byte, error) {
	if strings.HasPrefix(path, "s3://") {
		return readS3File(path)
	}
	return os.ReadFile(path)
}

func readS3File(s3URL string) ([]byte, error) {
	parsed, err := url.Parse(s3URL)
	if err != nil {
		return nil, fmt.Errorf("invalid S3 URL: %w", err)
	}
	bucket := parsed.Host
	key := strings.TrimPrefix(parsed.Path, "/")

	cfg, err := config.LoadDefaultConfig(context.Background())
	if err != nil {
		return nil, fmt.Errorf("loading AWS configuration: %w", err)
	}

	result, err := s3.NewFromConfig(cfg).GetObject(context.Background(), &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("getting s3 object %s: %w", s3URL, err)
	}
	defer result.Body.Close()

	return io.ReadAll(result.Body)
}
