// Package objectstore uploads source documents to S3 and answers existence checks.
package objectstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"
)

// S3API is the subset of *s3.Client used here.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

type Object struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
	Size   int64  `json:"size"`
	Hash   string `json:"hash"`
}

type Store struct {
	client S3API
	bucket string
	log    *zap.Logger
}

func New(client S3API, bucket string, log *zap.Logger) *Store {
	return &Store{client: client, bucket: bucket, log: log}
}

func (s *Store) Bucket() string { return s.bucket }

// UploadFile reads localPath and uploads it under key.
func (s *Store) UploadFile(ctx context.Context, localPath, key string) (Object, error) {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return Object{}, fmt.Errorf("read %s: %w", localPath, err)
	}
	return s.Upload(ctx, data, key)
}

// Upload stores data under key and returns its location, size and sha256.
func (s *Store) Upload(ctx context.Context, data []byte, key string) (Object, error) {
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(key),
		Body:     bytes.NewReader(data),
		Metadata: map[string]string{"sha256": hash},
	})
	if err != nil {
		return Object{}, fmt.Errorf("put s3://%s/%s: %w", s.bucket, key, err)
	}
	s.log.Debug("uploaded object", zap.String("bucket", s.bucket), zap.String("key", key), zap.Int("bytes", len(data)))
	return Object{Bucket: s.bucket, Key: key, Size: int64(len(data)), Hash: hash}, nil
}

// Exists reports whether bucket/key is present.
func (s *Store) Exists(ctx context.Context, bucket, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return false, nil
	}
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return false, nil
	}
	return false, fmt.Errorf("head s3://%s/%s: %w", bucket, key, err)
}

// List returns every object under prefix.
func (s *Store) List(ctx context.Context, prefix string) ([]Object, error) {
	var out []Object
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list s3://%s/%s: %w", s.bucket, prefix, err)
		}
		for _, o := range page.Contents {
			out = append(out, Object{
				Bucket: s.bucket,
				Key:    aws.ToString(o.Key),
				Size:   aws.ToInt64(o.Size),
			})
		}
	}
	return out, nil
}

// KeyFor builds the object key for a document: <prefix>/<id>/<filename>.
func KeyFor(prefix, documentID, filename string) string {
	return path.Join(prefix, documentID, path.Base(filename))
}

