package publish

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/megannissel/invest-routedem-tfa-range/pkg/core"
)

// bucketClient is the part of *minio.Client the publisher uses.
type bucketClient interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	FPutObject(ctx context.Context, bucket, object, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// NewMinIOClient creates a client for cfg.
func NewMinIOClient(cfg Config) (*minio.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// Publisher uploads run artifacts.
type Publisher struct {
	client bucketClient
	cfg    Config
	logger *slog.Logger
}

// New creates a publisher backed by MinIO.
func New(cfg Config, logger *slog.Logger) (*Publisher, error) {
	client, err := NewMinIOClient(cfg)
	if err != nil {
		return nil, err
	}
	return newPublisher(client, cfg, logger), nil
}

func newPublisher(client bucketClient, cfg Config, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Publisher{client: client, cfg: cfg, logger: logger}
}

// Object is one uploaded artifact.
type Object struct {
	ArtifactID string `json:"artifact_id"`
	TFA        int    `json:"tfa,omitempty"`
	Key        string `json:"key"`
	Size       int64  `json:"size"`
}

// ObjectKey returns the key an artifact file is stored under:
// <prefix>/<run id>/<file name>.
func (p *Publisher) ObjectKey(runID, file string) string {
	return path.Join(strings.Trim(p.cfg.Prefix, "/"), runID, filepath.Base(file))
}

// Publish uploads every available artifact and the registry file. The
// bucket is created when missing.
func (p *Publisher) Publish(ctx context.Context, runID string, artifacts []core.Artifact, registryPath string) ([]Object, error) {
	if err := ensureBucket(ctx, p.client, p.cfg.Bucket, p.cfg.Region); err != nil {
		return nil, fmt.Errorf("ensure bucket %s: %w", p.cfg.Bucket, err)
	}

	type upload struct {
		id   string
		tfa  int
		path string
	}
	var uploads []upload
	for _, a := range artifacts {
		if a.Status.OK() {
			uploads = append(uploads, upload{id: a.ID, tfa: a.TFA, path: a.Path})
		}
	}
	if registryPath != "" {
		uploads = append(uploads, upload{id: "registry", path: registryPath})
	}

	objects := make([]Object, 0, len(uploads))
	for _, u := range uploads {
		key := p.ObjectKey(runID, u.path)
		info, err := p.client.FPutObject(ctx, p.cfg.Bucket, key, u.path, minio.PutObjectOptions{
			ContentType: contentType(u.path),
		})
		if err != nil {
			return objects, fmt.Errorf("upload %s: %w", u.path, err)
		}
		p.logger.Debug("artifact published", "bucket", p.cfg.Bucket, "key", key, "size", info.Size)
		objects = append(objects, Object{ArtifactID: u.id, TFA: u.tfa, Key: key, Size: info.Size})
	}
	p.logger.Info("published artifacts", "bucket", p.cfg.Bucket, "count", len(objects))
	return objects, nil
}

func ensureBucket(ctx context.Context, client bucketClient, bucket, region string) error {
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: region})
}

func contentType(file string) string {
	switch strings.ToLower(filepath.Ext(file)) {
	case ".tif", ".tiff":
		return "image/tiff"
	case ".gpkg":
		return "application/geopackage+sqlite3"
	case ".yaml", ".yml":
		return "application/yaml"
	}
	if t := mime.TypeByExtension(filepath.Ext(file)); t != "" {
		return t
	}
	return "application/octet-stream"
}
