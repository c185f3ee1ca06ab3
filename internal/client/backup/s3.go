package backup

import (
	"context"
	"errors"
	"fmt"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/iudanet/posync/internal/config"
)

// ErrNotConfigured возвращается, если S3 хранилище не настроено
var ErrNotConfigured = errors.New("backup object storage not configured")

// ObjectStore хранит архивы во внешнем хранилище
type ObjectStore interface {
	Upload(ctx context.Context, ownerID, name, filePath string) error
	Download(ctx context.Context, ownerID, name, filePath string) error
}

// s3Client минимальный набор операций minio.Client
type s3Client interface {
	FPutObject(ctx context.Context, bucket, objectName, filePath string) error
	FGetObject(ctx context.Context, bucket, objectName, filePath string) error
}

type minioClient struct {
	client *minio.Client
}

func (m *minioClient) FPutObject(ctx context.Context, bucket, objectName, filePath string) error {
	_, err := m.client.FPutObject(ctx, bucket, objectName, filePath, minio.PutObjectOptions{
		ContentType:     "application/json",
		ContentEncoding: "gzip",
	})
	return err
}

func (m *minioClient) FGetObject(ctx context.Context, bucket, objectName, filePath string) error {
	return m.client.FGetObject(ctx, bucket, objectName, filePath, minio.GetObjectOptions{})
}

// S3Store хранит архивы в S3-совместимом хранилище
type S3Store struct {
	client s3Client
	bucket string
}

// Upload загружает файл архива
func (s *S3Store) Upload(ctx context.Context, ownerID, name, filePath string) error {
	if err := s.client.FPutObject(ctx, s.bucket, objectKey(ownerID, name), filePath); err != nil {
		return fmt.Errorf("upload backup to S3: %w", err)
	}
	return nil
}

// Download скачивает архив в filePath
func (s *S3Store) Download(ctx context.Context, ownerID, name, filePath string) error {
	if err := s.client.FGetObject(ctx, s.bucket, objectKey(ownerID, name), filePath); err != nil {
		return fmt.Errorf("download backup from S3: %w", err)
	}
	return nil
}

// NoopStore используется без настроенного S3
type NoopStore struct{}

func (NoopStore) Upload(context.Context, string, string, string) error   { return ErrNotConfigured }
func (NoopStore) Download(context.Context, string, string, string) error { return ErrNotConfigured }

// NewObjectStore создает S3Store или NoopStore при пустом bucket
func NewObjectStore(cfg config.BackupConfig) (ObjectStore, error) {
	if cfg.S3Bucket == "" {
		return NoopStore{}, nil
	}

	client, err := minio.New(cfg.S3Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		Secure: cfg.S3UseSSL,
		Region: cfg.S3Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create S3 client: %w", err)
	}

	return &S3Store{client: &minioClient{client: client}, bucket: cfg.S3Bucket}, nil
}

// objectKey {owner_id}/backups/{name}
func objectKey(ownerID, name string) string {
	return path.Join(ownerID, "backups", name)
}
