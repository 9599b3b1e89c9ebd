package objectstore

import (
	"context"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

type gcsProvider struct {
	cfg    Config
	client *storage.Client
}

func newGCSProvider(ctx context.Context, cfg Config) (Provider, error) {
	options := []option.ClientOption{}
	if strings.TrimSpace(cfg.GCPCredentialsJSON) != "" {
		options = append(options, option.WithCredentialsJSON([]byte(cfg.GCPCredentialsJSON)))
	} else if strings.TrimSpace(cfg.GCPCredentialsFile) != "" {
		options = append(options, option.WithCredentialsFile(cfg.GCPCredentialsFile))
	}
	client, err := storage.NewClient(ctx, options...)
	if err != nil {
		return nil, err
	}
	return &gcsProvider{cfg: cfg, client: client}, nil
}

func (p *gcsProvider) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	remotePrefix := ResolveKey(p.cfg.Prefix, prefix)
	it := p.client.Bucket(p.cfg.Bucket).Objects(ctx, &storage.Query{Prefix: remotePrefix})
	var objects []ObjectInfo
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		objects = append(objects, ObjectInfo{
			Key:          relativeKey(p.cfg.Prefix, attrs.Name),
			Size:         attrs.Size,
			ETag:         attrs.Etag,
			LastModified: attrs.Updated,
		})
	}
	return objects, nil
}

func (p *gcsProvider) Upload(ctx context.Context, obj Object) (ObjectInfo, error) {
	remoteKey := ResolveKey(p.cfg.Prefix, obj.Key)
	file, size, err := openObject(obj)
	if err != nil {
		return ObjectInfo{}, err
	}
	defer file.Close()
	writer := p.client.Bucket(p.cfg.Bucket).Object(remoteKey).NewWriter(ctx)
	writer.ContentType = obj.ContentType
	if _, err := io.Copy(writer, file); err != nil {
		_ = writer.Close()
		return ObjectInfo{}, fmt.Errorf("gcs upload %s: %w", remoteKey, err)
	}
	if err := writer.Close(); err != nil {
		return ObjectInfo{}, fmt.Errorf("gcs upload %s: %w", remoteKey, err)
	}
	info := ObjectInfo{Key: remoteKey, Size: size}
	if attrs := writer.Attrs(); attrs != nil {
		info.ETag = attrs.Etag
		info.LastModified = attrs.Updated
	}
	return info, nil
}

func (p *gcsProvider) Close() error {
	return p.client.Close()
}
