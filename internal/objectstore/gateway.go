// Package objectstore wraps MinIO/S3 interactions for transfer payloads.
// The gateway holds no local state; every side effect lives in the blob
// store. Upload success is never confirmed to the service; the only
// signal an upload went missing is a failed existence check at download
// time.
package objectstore

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/droppointhq/droppoint/internal/apperr"
	"github.com/droppointhq/droppoint/internal/config"
	"github.com/droppointhq/droppoint/internal/model"
)

// Gateway issues presigned URLs and performs direct deletes against one
// bucket.
type Gateway struct {
	client *minio.Client
	bucket string
	region string
}

// New creates a MinIO client from the Config.
func New(cfg *config.Config) (*Gateway, error) {
	client, err := minio.New(cfg.S3Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		Secure: cfg.S3UseSSL,
		Region: cfg.S3Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio: %w", err)
	}
	return &Gateway{
		client: client,
		bucket: cfg.Bucket,
		region: cfg.S3Region,
	}, nil
}

// EnsureBucket makes sure the transfer bucket exists before use.
func (g *Gateway) EnsureBucket(ctx context.Context) error {
	exists, err := g.client.BucketExists(ctx, g.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", g.bucket, err)
	}
	if !exists {
		if err := g.client.MakeBucket(ctx, g.bucket, minio.MakeBucketOptions{Region: g.region}); err != nil {
			return fmt.Errorf("make bucket %s: %w", g.bucket, err)
		}
	}
	return nil
}

// IssueUploadURL grants time-boxed PUT access to exactly one key and
// annotates the object with the creation-time metadata. Whether the
// client ever performs the PUT is not observable here.
func (g *Gateway) IssueUploadURL(ctx context.Context, objectKey string, meta model.ObjectMeta, ttl time.Duration) (string, error) {
	headers := http.Header{}
	headers.Set("x-amz-meta-droppoint-size", strconv.FormatInt(meta.Size, 10))
	headers.Set("x-amz-meta-droppoint-hash", meta.ContentHash)
	u, err := g.client.PresignHeader(ctx, http.MethodPut, g.bucket, objectKey, ttl, url.Values{}, headers)
	if err != nil {
		return "", fmt.Errorf("presign upload: %w", err)
	}
	return u.String(), nil
}

// IssueDownloadURL returns a signed GET URL for the object, or
// apperr.ErrObjectMissing when the key does not exist.
func (g *Gateway) IssueDownloadURL(ctx context.Context, objectKey string, ttl time.Duration) (string, error) {
	if _, err := g.client.StatObject(ctx, g.bucket, objectKey, minio.StatObjectOptions{}); err != nil {
		if isMissing(err) {
			return "", apperr.ErrObjectMissing
		}
		return "", fmt.Errorf("stat object: %w", err)
	}
	u, err := g.client.PresignedGetObject(ctx, g.bucket, objectKey, ttl, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign download: %w", err)
	}
	return u.String(), nil
}

// DeleteObject removes the object. Callers treat a failure as input to the
// record's terminal status, never as a request failure.
func (g *Gateway) DeleteObject(ctx context.Context, objectKey string) error {
	if err := g.client.RemoveObject(ctx, g.bucket, objectKey, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove object: %w", err)
	}
	return nil
}

func isMissing(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound
}
