package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoAPI is the subset of the DynamoDB client the dedup cache uses.
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// dedupItem is one provider-event key. DynamoDB's TTL sweeper deletes
// expired items lazily, so reads compare TTL themselves.
type dedupItem struct {
	PK        string `dynamodbav:"PK"`
	SK        string `dynamodbav:"SK"`
	Timestamp string `dynamodbav:"Timestamp"`
	TTL       int64  `dynamodbav:"TTL"`
}

// DynamoDedupCache implements delivery.DedupCache on a DynamoDB table with
// a PK/SK key schema and TTL enabled on the TTL attribute.
type DynamoDedupCache struct {
	client DynamoAPI
	table  string
	ttl    int64
}

// NewDynamoDedupCacheWithClient builds a cache around an existing client.
func NewDynamoDedupCacheWithClient(client DynamoAPI, table string, ttlSeconds int64) *DynamoDedupCache {
	if ttlSeconds <= 0 {
		ttlSeconds = 600
	}
	return &DynamoDedupCache{client: client, table: table, ttl: ttlSeconds}
}

func dedupKey(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: "EVENT#" + key},
		"SK": &types.AttributeValueMemberS{Value: "DEDUP"},
	}
}

// Seen implements delivery.DedupCache.
func (c *DynamoDedupCache) Seen(ctx context.Context, key string, now time.Time) (bool, error) {
	out, err := c.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.table),
		Key:            dedupKey(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return false, fmt.Errorf("getting dedup item: %w", err)
	}
	if len(out.Item) == 0 {
		return false, nil
	}
	var item dedupItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return false, fmt.Errorf("unmarshaling dedup item: %w", err)
	}
	return item.TTL > now.Unix(), nil
}

// Mark implements delivery.DedupCache.
func (c *DynamoDedupCache) Mark(ctx context.Context, key string, now time.Time) error {
	av, err := attributevalue.MarshalMap(dedupItem{
		PK:        "EVENT#" + key,
		SK:        "DEDUP",
		Timestamp: now.UTC().Format(time.RFC3339),
		TTL:       now.Unix() + c.ttl,
	})
	if err != nil {
		return fmt.Errorf("marshaling dedup item: %w", err)
	}
	if _, err := c.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.table),
		Item:      av,
	}); err != nil {
		return fmt.Errorf("putting dedup item: %w", err)
	}
	return nil
}

// Sweep is a no-op; the table's TTL setting expires items.
func (c *DynamoDedupCache) Sweep(time.Time) int { return 0 }
