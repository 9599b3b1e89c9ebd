// Package objectstore publishes run artifacts to an S3, GCS or Azure bucket.
package objectstore

import (
	"context"
	"fmt"
	"io/fs"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Config describes how to connect to an object store provider.
type Config struct {
	Provider           string
	Bucket             string
	Prefix             string
	Region             string
	Endpoint           string
	AccessKey          string
	SecretKey          string
	SessionToken       string
	S3PathStyle        bool
	GCPProject         string
	GCPCredentialsFile string
	GCPCredentialsJSON string
	AzureAccount       string
	AzureKey           string
	AzureEndpoint      string
	AzureSASToken      string
}

// Enabled reports whether publishing is configured.
func (c Config) Enabled() bool {
	return strings.TrimSpace(c.Provider) != "" && strings.TrimSpace(c.Bucket) != ""
}

// ObjectInfo captures metadata about a remote object.
type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
}

// Object is a local file to publish under Key.
type Object struct {
	Key         string
	Path        string
	ContentType string
}

// Provider is a generic object store client.
type Provider interface {
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	Upload(ctx context.Context, obj Object) (ObjectInfo, error)
	Close() error
}

// NewProvider creates a provider client based on config.
func NewProvider(ctx context.Context, cfg Config) (Provider, error) {
	provider := NormalizeProvider(cfg.Provider)
	if provider == "" {
		return nil, fmt.Errorf("objectstore provider is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("objectstore bucket is required")
	}
	cfg.Provider = provider
	switch provider {
	case "s3":
		return newS3Provider(ctx, cfg)
	case "gcs":
		return newGCSProvider(ctx, cfg)
	case "azure":
		return newAzureProvider(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported objectstore provider: %s", cfg.Provider)
	}
}

// NormalizeProvider maps known aliases to provider names.
func NormalizeProvider(value string) string {
	provider := strings.ToLower(strings.TrimSpace(value))
	switch provider {
	case "aws", "s3":
		return "s3"
	case "gcp", "gcs":
		return "gcs"
	case "azure", "blob":
		return "azure"
	default:
		return provider
	}
}

// ResolveKey joins a base prefix with a key without introducing double slashes.
func ResolveKey(prefix string, key string) string {
	cleanPrefix := strings.TrimPrefix(prefix, "/")
	cleanKey := strings.TrimPrefix(key, "/")
	if cleanPrefix == "" {
		return cleanKey
	}
	if cleanKey == "" {
		return cleanPrefix
	}
	if strings.HasSuffix(cleanPrefix, "/") {
		return cleanPrefix + cleanKey
	}
	return cleanPrefix + "/" + cleanKey
}

// relativeKey strips the configured prefix from a listed key so it can be
// compared with keys passed to Upload.
func relativeKey(prefix string, key string) string {
	clean := strings.TrimSuffix(strings.TrimPrefix(prefix, "/"), "/")
	if clean == "" {
		return key
	}
	return strings.TrimPrefix(strings.TrimPrefix(key, clean), "/")
}

// ContentType guesses the MIME type of an artifact from its name.
func ContentType(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".log", ".txt", ".out", ".prom":
		return "text/plain; charset=utf-8"
	case ".json":
		return "application/json"
	}
	if value := mime.TypeByExtension(filepath.Ext(name)); value != "" {
		return value
	}
	return "application/octet-stream"
}

// PublishReport lists what a publish pass did.
type PublishReport struct {
	Uploaded []ObjectInfo
	Skipped  []string
}

// PublishDir uploads every regular file under dir to keyPrefix, keeping
// the relative layout. Objects already present with the same size are
// skipped, so a publish can be repeated after a partial failure.
func PublishDir(ctx context.Context, p Provider, dir, keyPrefix string, logger *zap.Logger) (PublishReport, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var report PublishReport
	existing := map[string]int64{}
	objects, err := p.List(ctx, keyPrefix)
	if err != nil {
		return report, fmt.Errorf("list %s: %w", keyPrefix, err)
	}
	for _, obj := range objects {
		existing[obj.Key] = obj.Size
	}

	err = filepath.WalkDir(dir, func(local string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, local)
		if err != nil {
			return err
		}
		key := path.Join(keyPrefix, filepath.ToSlash(rel))
		info, err := d.Info()
		if err != nil {
			return err
		}
		if size, ok := existing[key]; ok && size == info.Size() {
			report.Skipped = append(report.Skipped, key)
			return nil
		}
		uploaded, err := p.Upload(ctx, Object{Key: key, Path: local, ContentType: ContentType(local)})
		if err != nil {
			return err
		}
		logger.Debug("artifact published", zap.String("key", uploaded.Key), zap.Int64("size", uploaded.Size))
		report.Uploaded = append(report.Uploaded, uploaded)
		return nil
	})
	if err != nil {
		return report, err
	}
	logger.Info("artifacts published",
		zap.String("prefix", keyPrefix),
		zap.Int("uploaded", len(report.Uploaded)),
		zap.Int("skipped", len(report.Skipped)))
	return report, nil
}

func openObject(obj Object) (*os.File, int64, error) {
	if obj.Key == "" {
		return nil, 0, fmt.Errorf("object key is required")
	}
	file, err := os.Open(obj.Path)
	if err != nil {
		return nil, 0, err
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, 0, err
	}
	return file, stat.Size(), nil
}
