package finalize

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/astroline/consult/internal/config"
	"github.com/astroline/consult/internal/crypto"
)

// MinIOArchive implements Archiver: one JSON snapshot object per session,
// keyed by session id so re-archiving overwrites rather than duplicates.
// With a master key configured, snapshots are sealed client-side before
// upload.
type MinIOArchive struct {
	client    *minio.Client
	bucket    string
	masterKey string
	logger    *zap.Logger
}

func NewMinIOArchive(cfg config.ArchiveConfig) (*MinIOArchive, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}
	return &MinIOArchive{
		client:    client,
		bucket:    cfg.Bucket,
		masterKey: cfg.MasterKey,
		logger:    zap.L().Named("archive"),
	}, nil
}

// EnsureBucket creates the target bucket if missing.
func (a *MinIOArchive) EnsureBucket(ctx context.Context) error {
	exists, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err := a.client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("failed to create bucket: %w", err)
	}
	return nil
}

// PutSnapshot uploads the record as JSON, retrying transient failures with
// backoff.
func (a *MinIOArchive) PutSnapshot(ctx context.Context, rec *Record) error {
	body, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	key := fmt.Sprintf("transcripts/%s.json", rec.SessionID)
	contentType := "application/json"
	if a.masterKey != "" {
		sealed, err := crypto.Seal(body, a.masterKey)
		if err != nil {
			return fmt.Errorf("failed to seal snapshot: %w", err)
		}
		body = sealed
		key += ".sealed"
		contentType = "application/octet-stream"
	}

	ebo := backoff.NewExponentialBackOff()
	ebo.InitialInterval = 500 * time.Millisecond
	ebo.MaxElapsedTime = 30 * time.Second

	op := func() error {
		_, err := a.client.PutObject(ctx, a.bucket, key,
			bytes.NewReader(body), int64(len(body)),
			minio.PutObjectOptions{ContentType: contentType})
		return err
	}
	if err := backoff.Retry(op, backoff.WithContext(ebo, ctx)); err != nil {
		return fmt.Errorf("failed to upload snapshot: %w", err)
	}

	a.logger.Info("transcript snapshot archived",
		zap.String("session", rec.SessionID),
		zap.String("key", key),
		zap.Int("bytes", len(body)))
	return nil
}
