package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
)

// S3Persister stores snapshots in Amazon S3 or a compatible object
// store, under a single well-known key.
type S3Persister struct {
	client *s3.S3
	bucket string
	key    string
	log    *slog.Logger
	name   string
}

// NewS3Persister creates an S3 snapshot persister. If accessKey and
// secretKey are empty the default credential chain is used.
func NewS3Persister(bucket, prefix, region, endpoint, accessKey, secretKey string, log *slog.Logger) (*S3Persister, error) {
	cfg := aws.Config{
		Region: aws.String(region),
	}
	if endpoint != "" {
		cfg.Endpoint = aws.String(endpoint)
		cfg.S3ForcePathStyle = aws.Bool(true)
	}
	if accessKey != "" && secretKey != "" {
		cfg.Credentials = credentials.NewStaticCredentials(accessKey, secretKey, "")
	}

	sess, err := session.NewSession(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	key := strings.TrimSuffix(strings.TrimPrefix(prefix, "/"), "/")
	if key == "" {
		key = "secmgr-state.json"
	} else {
		key += "/secmgr-state.json"
	}

	return &S3Persister{
		client: s3.New(sess),
		bucket: bucket,
		key:    key,
		log:    log,
		name:   fmt.Sprintf("s3://%s/%s?region=%s", bucket, key, region),
	}, nil
}

// Load fetches the snapshot object; a missing key means no snapshot yet.
func (p *S3Persister) Load(ctx context.Context) ([]byte, error) {
	out, err := p.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(p.key),
	})
	if err != nil {
		var aerr awserr.Error
		if errors.As(err, &aerr) && (aerr.Code() == s3.ErrCodeNoSuchKey || aerr.Code() == "NotFound") {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to fetch snapshot object: %w", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot object: %w", err)
	}
	return data, nil
}

// Save replaces the snapshot object.
func (p *S3Persister) Save(ctx context.Context, data []byte) error {
	_, err := p.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(p.bucket),
		Key:         aws.String(p.key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to store snapshot object: %w", err)
	}

	p.log.Debug("Persisted credential store snapshot",
		slog.String("bucket", p.bucket),
		slog.String("key", p.key),
		slog.Int("size", len(data)))
	return nil
}

// Name identifies the backend in logs.
func (p *S3Persister) Name() string {
	return p.name
}
