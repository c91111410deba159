// Package archive stores an immutable JSON copy of every decided
// authorization request in an S3-compatible bucket.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"

	"creditauth/api/internal/workflow"
)

type objectStore interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

type MinioArchive struct {
	client objectStore
	bucket string
	log    zerolog.Logger
}

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

func NewMinioArchive(cfg Config, logger zerolog.Logger) (*MinioArchive, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	return newArchive(client, cfg.Bucket, logger), nil
}

func newArchive(client objectStore, bucket string, logger zerolog.Logger) *MinioArchive {
	return &MinioArchive{
		client: client,
		bucket: bucket,
		log:    logger.With().Str("component", "archive").Str("bucket", bucket).Logger(),
	}
}

// EnsureBucket creates the archive bucket when it does not exist yet.
func (a *MinioArchive) EnsureBucket(ctx context.Context) error {
	exists, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", a.bucket, err)
	}
	if exists {
		return nil
	}
	if err := a.client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", a.bucket, err)
	}
	a.log.Info().Msg("archive bucket created")
	return nil
}

// ObjectKey is the object name a decided request is archived under.
func ObjectKey(req workflow.AuthorizationRequest) string {
	decided := req.UpdatedAt
	if req.DecidedAt != nil {
		decided = *req.DecidedAt
	}
	return fmt.Sprintf("decisions/%s/%s-%d.json", req.ID, req.Status, decided.Unix())
}

// ArchiveDecision writes req as JSON and returns the object key.
func (a *MinioArchive) ArchiveDecision(ctx context.Context, req workflow.AuthorizationRequest) (string, error) {
	if !req.Status.IsTerminal() {
		return "", fmt.Errorf("archive %s: request is %s, not decided", req.ID, req.Status)
	}
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encode request %s: %w", req.ID, err)
	}

	key := ObjectKey(req)
	_, err = a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: "application/json",
		UserMetadata: map[string]string{
			"request-id": req.ID,
			"status":     string(req.Status),
			"version":    fmt.Sprint(req.Version),
		},
	})
	if err != nil {
		return "", fmt.Errorf("put %s: %w", key, err)
	}
	a.log.Debug().Str("key", key).Int("bytes", len(body)).Msg("decision archived")
	return key, nil
}
