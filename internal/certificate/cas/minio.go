package cas

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"sovereign/internal/certificate/models"
	"sovereign/internal/platform/config"
	"sovereign/pkg/platform/sentinel"
)

// MinioStore keeps records in an S3-compatible bucket keyed by content pointer.
type MinioStore struct {
	client *minio.Client
	bucket string
}

// NewMinioClient builds a client from config.
func NewMinioClient(cfg config.ObjectStoreConfig) (*minio.Client, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return client, nil
}

func NewMinioStore(client *minio.Client, bucket string) (*MinioStore, error) {
	if client == nil {
		return nil, fmt.Errorf("minio client is required")
	}
	return &MinioStore{client: client, bucket: bucket}, nil
}

// EnsureBucket creates the bucket when it does not exist.
func (s *MinioStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket: %w", err)
	}
	return nil
}

func (s *MinioStore) Put(ctx context.Context, data []byte) (string, error) {
	c, err := models.ContentPointer(data)
	if err != nil {
		return "", err
	}
	key := c.String()
	opts := minio.PutObjectOptions{ContentType: "application/json"}
	if _, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), opts); err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return key, nil
}

func (s *MinioStore) Get(ctx context.Context, pointer string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, pointer, minio.GetObjectOptions{})
	if err != nil {
		return nil, s.translate(err)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, s.translate(err)
	}
	if err := checkDigest(pointer, data); err != nil {
		return nil, err
	}
	return data, nil
}

func (s *MinioStore) Has(ctx context.Context, pointer string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, pointer, minio.StatObjectOptions{})
	if err != nil {
		if errors.Is(s.translate(err), sentinel.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *MinioStore) translate(err error) error {
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return sentinel.ErrNotFound
	}
	return fmt.Errorf("object store: %w", err)
}
