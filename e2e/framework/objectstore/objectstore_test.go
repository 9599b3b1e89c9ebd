package objectstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/splunk/hadoop-bundle-e2e/e2e/framework/config"
)

type memoryProvider struct {
	listed   []ObjectInfo
	listErr  error
	uploaded []Object
}

func (m *memoryProvider) List(context.Context, string) ([]ObjectInfo, error) {
	return m.listed, m.listErr
}

func (m *memoryProvider) Upload(_ context.Context, obj Object) (ObjectInfo, error) {
	m.uploaded = append(m.uploaded, obj)
	data, err := os.ReadFile(obj.Path)
	if err != nil {
		return ObjectInfo{}, err
	}
	return ObjectInfo{Key: obj.Key, Size: int64(len(data))}, nil
}

func (m *memoryProvider) Close() error { return nil }

func artifactDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "results.json"), []byte(`{"tests":[]}`), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "output", "yarn-mapreduce"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "output", "yarn-mapreduce", "terasort.log"), []byte("exit 1"), 0o644))
	return dir
}

func TestPublishDir(t *testing.T) {
	p := &memoryProvider{}
	report, err := PublishDir(context.Background(), p, artifactDir(t), "run-1", zaptest.NewLogger(t))
	require.NoError(t, err)

	var keys []string
	for _, obj := range p.uploaded {
		keys = append(keys, obj.Key)
	}
	sort.Strings(keys)
	assert.Equal(t, []string{"run-1/output/yarn-mapreduce/terasort.log", "run-1/results.json"}, keys)
	assert.Len(t, report.Uploaded, 2)
	for _, obj := range p.uploaded {
		if filepath.Ext(obj.Path) == ".json" {
			assert.Equal(t, "application/json", obj.ContentType)
		} else {
			assert.Equal(t, "text/plain; charset=utf-8", obj.ContentType)
		}
	}
}

func TestPublishDirSkipsExisting(t *testing.T) {
	p := &memoryProvider{listed: []ObjectInfo{
		{Key: "run-1/results.json", Size: int64(len(`{"tests":[]}`))},
		{Key: "run-1/output/yarn-mapreduce/terasort.log", Size: 1},
	}}
	report, err := PublishDir(context.Background(), p, artifactDir(t), "run-1", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"run-1/results.json"}, report.Skipped)
	require.Len(t, p.uploaded, 1)
	assert.Equal(t, "run-1/output/yarn-mapreduce/terasort.log", p.uploaded[0].Key)
}

func TestPublishDirListError(t *testing.T) {
	p := &memoryProvider{listErr: errors.New("access denied")}
	_, err := PublishDir(context.Background(), p, artifactDir(t), "run-1", nil)
	assert.ErrorContains(t, err, "access denied")
	assert.Empty(t, p.uploaded)
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "e2e/run-1/results.json", ResolveKey("/e2e/", "run-1/results.json"))
	assert.Equal(t, "run-1", ResolveKey("", "/run-1"))
	assert.Equal(t, "run-1/results.json", relativeKey("/e2e/", "e2e/run-1/results.json"))
	assert.Equal(t, "run-1/results.json", relativeKey("", "run-1/results.json"))
}

func TestNormalizeProvider(t *testing.T) {
	assert.Equal(t, "s3", NormalizeProvider(" AWS "))
	assert.Equal(t, "gcs", NormalizeProvider("gcp"))
	assert.Equal(t, "azure", NormalizeProvider("blob"))
	assert.Equal(t, "ceph", NormalizeProvider("ceph"))

	_, err := NewProvider(context.Background(), Config{Provider: "ceph", Bucket: "b"})
	assert.ErrorContains(t, err, "unsupported objectstore provider")
	_, err = NewProvider(context.Background(), Config{Provider: "s3"})
	assert.ErrorContains(t, err, "bucket is required")
}

func TestAzureContainerURL(t *testing.T) {
	url, err := buildAzureContainerURL(Config{AzureAccount: "bundle", Bucket: "artifacts", AzureSASToken: "?sv=1"})
	require.NoError(t, err)
	assert.Equal(t, "https://bundle.blob.core.windows.net/artifacts?sv=1", url)

	_, err = buildAzureContainerURL(Config{Bucket: "artifacts"})
	assert.Error(t, err)
}

func TestConfigFrom(t *testing.T) {
	cfg := ConfigFrom(&config.Config{ObjectStoreProvider: "gcs", ObjectStoreBucket: "bundle-artifacts", ObjectStorePrefix: "nightly"})
	assert.True(t, cfg.Enabled())
	assert.Equal(t, "nightly", cfg.Prefix)
	assert.False(t, Config{Provider: "s3"}.Enabled())
}
