package archive

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// putObjectAPI is the part of *s3.Client the destination needs.
type putObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Destination writes archives to an S3-compatible bucket. A key ending in
// "/" is a prefix: each export then gets its own timestamped object instead
// of overwriting one.
type S3Destination struct {
	client putObjectAPI
	bucket string
	key    string
	now    func() time.Time
}

// NewS3Destination creates an S3 destination. If endpoint is non-empty,
// path-style addressing is enabled (for MinIO and similar).
func NewS3Destination(ctx context.Context, bucket, key, region, endpoint string) (*S3Destination, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	var s3opts []func(*s3.Options)
	if endpoint != "" {
		s3opts = append(s3opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		})
	}
	return newS3Destination(s3.NewFromConfig(cfg, s3opts...), bucket, key), nil
}

func newS3Destination(client putObjectAPI, bucket, key string) *S3Destination {
	return &S3Destination{client: client, bucket: bucket, key: key, now: time.Now}
}

// objectKey returns the key the next export is written to.
func (d *S3Destination) objectKey() string {
	if !strings.HasSuffix(d.key, "/") {
		return d.key
	}
	return path.Join(d.key, "sagas-"+d.now().UTC().Format("20060102T150405Z")+".jsonl")
}

// Write uploads data to S3.
func (d *S3Destination) Write(ctx context.Context, data []byte) error {
	key := d.objectKey()
	_, err := d.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(d.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return fmt.Errorf("s3 put object %s/%s: %w", d.bucket, key, err)
	}
	return nil
}
