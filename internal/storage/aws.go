// Package storage holds the AWS-backed side stores of the delivery engine:
// the S3 dead-letter archive and the DynamoDB provider-event dedup cache.
package storage

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// LoadAWSConfig resolves credentials from the default chain, optionally
// pinned to a shared-config profile.
func LoadAWSConfig(ctx context.Context, region, profile string) (aws.Config, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(profile))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("loading AWS config: %w", err)
	}
	return cfg, nil
}

// NewS3Archiver builds an archiver from an AWS config.
func NewS3Archiver(cfg aws.Config, bucket, prefix string) *S3Archiver {
	return NewS3ArchiverWithClient(s3.NewFromConfig(cfg), bucket, prefix)
}

// NewDynamoDedupCache builds a dedup cache from an AWS config.
func NewDynamoDedupCache(cfg aws.Config, table string, ttlSeconds int64) *DynamoDedupCache {
	return NewDynamoDedupCacheWithClient(dynamodb.NewFromConfig(cfg), table, ttlSeconds)
}
