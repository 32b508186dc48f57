package destination

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Client is the subset of the AWS S3 SDK S3Mirror needs, abstracted for
// dependency injection and mock-backed tests, grounded directly on
// storage/s3_interface.go's client-surface pattern.
type S3Client interface {
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Mirror is a Destination that mirrors chunked file records' payloads
// (not vectors — it has none of its own) into S3 objects keyed by the
// destination record key, one object per chunk. It exists for collections
// that want the original chunk text retrievable outside the vector store,
// e.g. for re-embedding after a model change. It is meant to be composed
// alongside a vector-bearing Destination (redisvector, etc.), not used
// alone: Search always returns no results.
type S3Mirror struct {
	client S3Client
	bucket string
}

// NewS3Mirror wraps an S3Client.
func NewS3Mirror(client S3Client, bucket string) *S3Mirror {
	return &S3Mirror{client: client, bucket: bucket}
}

func (d *S3Mirror) Create(ctx context.Context, collectionID string) error {
	_, err := d.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(d.bucket)})
	if err == nil {
		return nil
	}
	_, err = d.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(d.bucket)})
	if err != nil {
		return fmt.Errorf("s3mirror: create bucket: %w", err)
	}
	return nil
}

func (d *S3Mirror) objectKey(rec Record) string {
	return fmt.Sprintf("%s/%s/%s.json", rec.SyncID, rec.ParentEntityID, rec.Key)
}

func (d *S3Mirror) BulkInsert(ctx context.Context, records []Record) error {
	for _, rec := range records {
		body, err := json.Marshal(rec.Payload)
		if err != nil {
			return fmt.Errorf("s3mirror: marshal payload for %s: %w", rec.EntityID, err)
		}
		_, err = d.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(d.bucket),
			Key:    aws.String(d.objectKey(rec)),
			Body:   bytes.NewReader(body),
		})
		if err != nil {
			return fmt.Errorf("s3mirror: put object for %s: %w", rec.EntityID, err)
		}
	}
	return nil
}

func (d *S3Mirror) BulkDelete(ctx context.Context, entityIDs []string, syncID string) error {
	keys, err := d.listBySync(ctx, syncID)
	if err != nil {
		return err
	}
	wanted := make(map[string]bool, len(entityIDs))
	for _, id := range entityIDs {
		wanted[Key(syncID, id)] = true
	}
	var toDelete []types.ObjectIdentifier
	for _, k := range keys {
		base := strings.TrimSuffix(k[strings.LastIndex(k, "/")+1:], ".json")
		if wanted[base] {
			toDelete = append(toDelete, types.ObjectIdentifier{Key: aws.String(k)})
		}
	}
	return d.deleteObjects(ctx, toDelete)
}

func (d *S3Mirror) BulkDeleteByParentID(ctx context.Context, parentID string, syncID string) error {
	prefix := fmt.Sprintf("%s/%s/", syncID, parentID)
	out, err := d.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(d.bucket),
		Prefix: aws.String(prefix),
	})
	if err != nil {
		return fmt.Errorf("s3mirror: list by parent: %w", err)
	}
	var toDelete []types.ObjectIdentifier
	for _, obj := range out.Contents {
		toDelete = append(toDelete, types.ObjectIdentifier{Key: obj.Key})
	}
	return d.deleteObjects(ctx, toDelete)
}

func (d *S3Mirror) listBySync(ctx context.Context, syncID string) ([]string, error) {
	out, err := d.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(d.bucket),
		Prefix: aws.String(syncID + "/"),
	})
	if err != nil {
		return nil, fmt.Errorf("s3mirror: list by sync: %w", err)
	}
	keys := make([]string, 0, len(out.Contents))
	for _, obj := range out.Contents {
		keys = append(keys, aws.ToString(obj.Key))
	}
	return keys, nil
}

func (d *S3Mirror) deleteObjects(ctx context.Context, ids []types.ObjectIdentifier) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := d.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(d.bucket),
		Delete: &types.Delete{Objects: ids},
	})
	if err != nil {
		return fmt.Errorf("s3mirror: delete objects: %w", err)
	}
	return nil
}

func (d *S3Mirror) Search(ctx context.Context, vector []float32, limit int) ([]Match, error) {
	return nil, nil
}
