// Package archive keeps copies of remote source files as they were fetched.
package archive

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"inkwell/api/internal/logging"
)

type Config struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// Snapshot is one fetched revision of a remote file.
type Snapshot struct {
	DocumentID   string
	Provider     string
	FileID       string
	ModifiedTime string
	Content      string
}

// MinioArchive stores snapshots in an S3-compatible bucket.
type MinioArchive struct {
	client *minio.Client
	bucket string
}

// New connects to the object store and creates the bucket when missing.
func New(ctx context.Context, cfg Config) (*MinioArchive, error) {
	endpoint := strings.TrimSuffix(strings.TrimPrefix(strings.TrimPrefix(cfg.Endpoint, "https://"), "http://"), "/")
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check archive bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create archive bucket: %w", err)
		}
		logging.L().Info("created archive bucket", zap.String("bucket", cfg.Bucket))
	}

	return &MinioArchive{client: client, bucket: cfg.Bucket}, nil
}

// Put stores snap and returns its object key. Storing the same revision
// twice overwrites the earlier copy.
func (a *MinioArchive) Put(ctx context.Context, snap Snapshot) (string, error) {
	key := Key(snap)
	body := strings.NewReader(snap.Content)
	_, err := a.client.PutObject(ctx, a.bucket, key, body, int64(body.Len()), minio.PutObjectOptions{
		ContentType: "text/markdown; charset=utf-8",
		UserMetadata: map[string]string{
			"document-id":   snap.DocumentID,
			"provider":      snap.Provider,
			"file-id":       snap.FileID,
			"modified-time": snap.ModifiedTime,
		},
	})
	if err != nil {
		return "", fmt.Errorf("put snapshot %s: %w", key, err)
	}
	logging.L().Debug("archived source snapshot",
		zap.String("key", key),
		zap.Int("bytes", len(snap.Content)))
	return key, nil
}

// Get reads back the snapshot stored under key.
func (a *MinioArchive) Get(ctx context.Context, key string) (string, error) {
	obj, err := a.client.GetObject(ctx, a.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return "", fmt.Errorf("get snapshot %s: %w", key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return "", fmt.Errorf("read snapshot %s: %w", key, err)
	}
	return string(data), nil
}

// Key lays snapshots out per document and remote file, one object per
// remote modification time.
func Key(snap Snapshot) string {
	revision := snap.ModifiedTime
	if revision == "" {
		revision = "unknown"
	}
	return fmt.Sprintf("documents/%s/%s/%s/%s.md",
		url.PathEscape(snap.DocumentID),
		url.PathEscape(snap.Provider),
		url.PathEscape(snap.FileID),
		url.PathEscape(revision))
}
