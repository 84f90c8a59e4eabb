package storage

import (
	"strings"

	"github.com/timmy/mailtriage/internal/config"
)

// NewStorage creates an ObjectStorage from the application configuration.
// Parameters:
//   - cfg: storage section of the config; Enabled must be true.
// Returns:
//   - ObjectStorage: S3-compatible client bound to cfg.Bucket.
//   - error: non-nil if the client cannot be created.
func NewStorage(cfg *config.StorageConfig) (ObjectStorage, error) {
	storeType := StorageType(cfg.Type)
	if storeType == "" {
		storeType = detectStorageType(cfg.Endpoint)
	}

	return NewS3Storage(&S3Config{
		Type:      storeType,
		Endpoint:  cfg.Endpoint,
		AccessKey: cfg.AccessKey,
		SecretKey: cfg.SecretKey,
		UseSSL:    cfg.UseSSL,
		Bucket:    cfg.Bucket,
		Region:    cfg.Region,
		PublicURL: cfg.PublicURL,
	})
}

func detectStorageType(endpoint string) StorageType {
	endpoint = strings.ToLower(endpoint)

	switch {
	case strings.Contains(endpoint, "r2.cloudflarestorage.com"):
		return StorageTypeR2
	case strings.Contains(endpoint, "amazonaws.com"):
		return StorageTypeS3
	case strings.Contains(endpoint, "storage.googleapis.com"):
		return StorageTypeGCS
	default:
		return StorageTypeS3Compatible
	}
}
