package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	cfg "github.com/feichai0017/dataset-kitchen/config"
	"github.com/feichai0017/dataset-kitchen/pkg/logger"
	"github.com/feichai0017/dataset-kitchen/pkg/storage/local"
	"github.com/feichai0017/dataset-kitchen/pkg/storage/minio"
	"github.com/feichai0017/dataset-kitchen/pkg/storage/s3"
)

type StorageType string

const (
	StorageTypeLocal StorageType = "local"
	StorageTypeS3    StorageType = "s3"
	StorageTypeMinio StorageType = "minio"
)

// Storage holds artifact contents by key.
type Storage interface {
	Store(ctx context.Context, reader io.Reader, key string) (string, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

// NewStorage builds the backend named by c.Storage.Type.
func NewStorage(ctx context.Context, c *cfg.Config, log logger.Logger) (Storage, error) {
	switch StorageType(c.Storage.Type) {
	case StorageTypeLocal:
		return local.NewLocalStorage(c.Storage.LocalDir, log)
	case StorageTypeS3:
		return s3.NewS3Storage(ctx, c.S3, log)
	case StorageTypeMinio:
		return minio.NewMinioStorage(ctx, c.Minio, log)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", c.Storage.Type)
	}
}

// IsNotExist reports whether err means the key does not exist.
func IsNotExist(err error) bool {
	return errors.Is(err, local.ErrNotExist) || errors.Is(err, minio.ErrNotExist) || errors.Is(err, s3.ErrNotExist)
}
