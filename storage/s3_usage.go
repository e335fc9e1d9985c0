package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/VictoriaMetrics/metrics"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

var (
	s3CheapRequests     = metrics.NewCounter("s3_cheap_requests")
	s3ExpensiveRequests = metrics.NewCounter("s3_expensive_requests")
)

// S3Usage counts cheap (GET tier) and expensive (PUT tier) requests.
type S3Usage struct {
	mu                sync.Mutex
	cheapRequests     int
	expensiveRequests int
}

// Cost per 1,000 requests in microdollars (1 dollar = 1,000,000 microdollars)
const (
	cheapCostPerThousand     = 400   // $0.0004 = 400 microdollars
	expensiveCostPerThousand = 5_000 // $0.005 = 5000 microdollars
)

func (s *S3Usage) AddCheapRequest() {
	s.mu.Lock()
	s.cheapRequests++
	s.mu.Unlock()
	s3CheapRequests.Inc()
}

func (s *S3Usage) AddExpensiveRequest() {
	s.mu.Lock()
	s.expensiveRequests++
	s.mu.Unlock()
	s3ExpensiveRequests.Inc()
}

// TotalCost calculates the total cost and returns it formatted as USD.
func (s *S3Usage) TotalCost() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	cheapCost := (s.cheapRequests * cheapCostPerThousand) / 1000
	expensiveCost := (s.expensiveRequests * expensiveCostPerThousand) / 1000
	totalMicrodollars := cheapCost + expensiveCost

	dollars := totalMicrodollars / 1_000_000
	cents := (totalMicrodollars % 1_000_000) / 10_000
	remainderMicrodollars := (totalMicrodollars % 10_000) / 100

	if dollars > 0 || cents > 0 {
		return fmt.Sprintf("$%d.%02d", dollars, cents)
	}
	return fmt.Sprintf("$0.%04d", remainderMicrodollars)
}

// s3ServiceWithUsage wraps an S3Service and attributes each call to a usage
// tier.
type s3ServiceWithUsage struct {
	svc   S3Service
	usage *S3Usage
}

func newS3ServiceWithUsage(svc S3Service) *s3ServiceWithUsage {
	return &s3ServiceWithUsage{svc: svc, usage: &S3Usage{}}
}

func (s *s3ServiceWithUsage) CopyObject(ctx context.Context, input *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error) {
	s.usage.AddExpensiveRequest()
	return s.svc.CopyObject(ctx, input, optFns...)
}

func (s *s3ServiceWithUsage) GetObject(ctx context.Context, input *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	s.usage.AddCheapRequest()
	return s.svc.GetObject(ctx, input, optFns...)
}

func (s *s3ServiceWithUsage) ListObjectsV2(ctx context.Context, input *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	s.usage.AddExpensiveRequest()
	return s.svc.ListObjectsV2(ctx, input, optFns...)
}

func (s *s3ServiceWithUsage) PutObject(ctx context.Context, input *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	s.usage.AddExpensiveRequest()
	return s.svc.PutObject(ctx, input, optFns...)
}

func (s *s3ServiceWithUsage) DeleteObject(ctx context.Context, input *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	s.usage.AddCheapRequest()
	return s.svc.DeleteObject(ctx, input, optFns...)
}

var _ S3Service = (*s3ServiceWithUsage)(nil)
