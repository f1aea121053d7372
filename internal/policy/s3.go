package policy

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Source fetches the policy documents from an S3 bucket. It has no change
// notification; pair it with Store.StartRefresh.
type S3Source struct {
	client     s3GetAPI
	bucket     string
	catalogKey string
	rulesKey   string
}

type s3GetAPI interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

func NewS3Source(ctx context.Context, bucket, region, catalogKey, rulesKey string) (*S3Source, error) {
	if bucket == "" {
		return nil, fmt.Errorf("policy bucket is required for the s3 source")
	}

	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return &S3Source{
		client:     s3.NewFromConfig(awsCfg),
		bucket:     bucket,
		catalogKey: catalogKey,
		rulesKey:   rulesKey,
	}, nil
}

func (s *S3Source) FetchCatalog(ctx context.Context) ([]byte, error) {
	return s.get(ctx, s.catalogKey)
}

func (s *S3Source) FetchRuleSet(ctx context.Context) ([]byte, error) {
	return s.get(ctx, s.rulesKey)
}

func (s *S3Source) Describe() string {
	return "s3://" + s.bucket
}

func (s *S3Source) get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("get s3://%s/%s: %w", s.bucket, key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read s3://%s/%s: %w", s.bucket, key, err)
	}
	return data, nil
}
