package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/ignite/delivery-engine/internal/domain"
)

// S3API is the subset of the S3 client the archiver uses.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Archiver writes each dead-letter record as a JSON object under
// <prefix>/YYYY/MM/DD/<message_id>.json.
type S3Archiver struct {
	client S3API
	bucket string
	prefix string
}

// NewS3ArchiverWithClient builds an archiver around an existing client.
func NewS3ArchiverWithClient(client S3API, bucket, prefix string) *S3Archiver {
	if prefix == "" {
		prefix = "dead-letters"
	}
	return &S3Archiver{client: client, bucket: bucket, prefix: prefix}
}

// Key returns the object key for a dead-letter record.
func (a *S3Archiver) Key(dl *domain.DeadLetter) string {
	return path.Join(a.prefix, dl.CreatedAt.UTC().Format("2006/01/02"), dl.MessageID+".json")
}

// ArchiveDeadLetter implements delivery.Archiver.
func (a *S3Archiver) ArchiveDeadLetter(ctx context.Context, dl *domain.DeadLetter) error {
	data, err := json.MarshalIndent(dl, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling dead letter: %w", err)
	}
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(a.Key(dl)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("putting dead letter to S3: %w", err)
	}
	return nil
}

// LoadDeadLetter reads an archived record back.
func (a *S3Archiver) LoadDeadLetter(ctx context.Context, messageID string, day time.Time) (*domain.DeadLetter, error) {
	key := path.Join(a.prefix, day.UTC().Format("2006/01/02"), messageID+".json")
	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("getting dead letter from S3: %w", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("reading S3 object body: %w", err)
	}
	var dl domain.DeadLetter
	if err := json.Unmarshal(data, &dl); err != nil {
		return nil, fmt.Errorf("unmarshaling dead letter: %w", err)
	}
	return &dl, nil
}
