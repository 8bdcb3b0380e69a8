package publish

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/megannissel/invest-routedem-tfa-range/pkg/core"
)

type fakeClient struct {
	buckets map[string]bool
	objects map[string]string // key -> content type
	failPut error
}

func newFakeClient() *fakeClient {
	return &fakeClient{buckets: make(map[string]bool), objects: make(map[string]string)}
}

func (f *fakeClient) BucketExists(_ context.Context, bucket string) (bool, error) {
	return f.buckets[bucket], nil
}

func (f *fakeClient) MakeBucket(_ context.Context, bucket string, _ minio.MakeBucketOptions) error {
	f.buckets[bucket] = true
	return nil
}

func (f *fakeClient) FPutObject(_ context.Context, bucket, object, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	if f.failPut != nil {
		return minio.UploadInfo{}, f.failPut
	}
	st, err := os.Stat(filePath)
	if err != nil {
		return minio.UploadInfo{}, err
	}
	f.objects[object] = opts.ContentType
	return minio.UploadInfo{Bucket: bucket, Key: object, Size: st.Size()}, nil
}

func writeFiles(t *testing.T, names ...string) map[string]string {
	t.Helper()
	dir := t.TempDir()
	out := make(map[string]string)
	for _, n := range names {
		p := filepath.Join(dir, n)
		require.NoError(t, os.WriteFile(p, []byte(n), 0o600))
		out[n] = p
	}
	return out
}

func TestConfig_Validate(t *testing.T) {
	valid := Config{Endpoint: "localhost:9000", Bucket: "routedem", AccessKey: "a", SecretKey: "b"}
	require.NoError(t, valid.Validate())
	assert.True(t, valid.Enabled())
	assert.False(t, Config{}.Enabled())

	invalid := valid
	invalid.Endpoint = "http://localhost:9000"
	require.Error(t, invalid.Validate())

	invalid = valid
	invalid.Bucket = " "
	require.Error(t, invalid.Validate())
}

func TestPublish_UploadsAvailableArtifacts(t *testing.T) {
	files := writeFiles(t, "filled.tif", "stream_tfa_10.tif", "subwatersheds_tfa_10.gpkg", "registry.yaml")
	client := newFakeClient()
	p := newPublisher(client, Config{Bucket: "routedem", Prefix: "/runs/"}, nil)

	objects, err := p.Publish(context.Background(), "run-1", []core.Artifact{
		{ID: "filled", Path: files["filled.tif"], Status: core.ArtifactSucceeded},
		{ID: "stream_[TFA]", TFA: 10, Path: files["stream_tfa_10.tif"], Status: core.ArtifactCached},
		{ID: "subwatersheds_[TFA]", TFA: 10, Path: files["subwatersheds_tfa_10.gpkg"], Status: core.ArtifactSucceeded},
		{ID: "stream_[TFA]", TFA: 20, Path: "/missing/stream_tfa_20.tif", Status: core.ArtifactFailed},
	}, files["registry.yaml"])
	require.NoError(t, err)

	assert.True(t, client.buckets["routedem"], "bucket created")
	require.Len(t, objects, 4)
	assert.Equal(t, "runs/run-1/filled.tif", objects[0].Key)
	assert.Equal(t, 10, objects[1].TFA)
	assert.Equal(t, int64(len("filled.tif")), objects[0].Size)
	assert.Equal(t, "registry", objects[3].ArtifactID)

	assert.Equal(t, "image/tiff", client.objects["runs/run-1/stream_tfa_10.tif"])
	assert.Equal(t, "application/geopackage+sqlite3", client.objects["runs/run-1/subwatersheds_tfa_10.gpkg"])
	assert.NotContains(t, client.objects, "runs/run-1/stream_tfa_20.tif")
}

func TestPublish_UploadError(t *testing.T) {
	files := writeFiles(t, "filled.tif")
	client := newFakeClient()
	client.buckets["routedem"] = true
	client.failPut = errors.New("access denied")
	p := newPublisher(client, Config{Bucket: "routedem"}, nil)

	_, err := p.Publish(context.Background(), "run-1", []core.Artifact{
		{ID: "filled", Path: files["filled.tif"], Status: core.ArtifactSucceeded},
	}, "")
	require.ErrorContains(t, err, "access denied")
}

func TestObjectKey_NoPrefix(t *testing.T) {
	p := newPublisher(newFakeClient(), Config{Bucket: "b"}, nil)
	assert.Equal(t, "abc/slope.tif", p.ObjectKey("abc", "/ws/slope.tif"))
}
