package storage

import (
	"context"
	"fmt"
	"io"
	"path/filepath"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/bryanwahyu/scanvault/internal/domain/artifacts"
)

// MinioStore implements artifacts.ObjectStore on MinIO or any S3 endpoint.
type MinioStore struct {
	client *minio.Client
	region string
}

// NewMinio buat koneksi MinIO dan pastikan semua bucket ada
func NewMinio(ctx context.Context, endpoint, region, accessKey, secretKey string, useSSL bool, buckets ...string) (*MinioStore, error) {
	cli, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
		Region: region,
	})
	if err != nil {
		return nil, err
	}

	// pastikan bucket ada
	for _, bucket := range buckets {
		exists, err := cli.BucketExists(ctx, bucket)
		if err != nil {
			return nil, fmt.Errorf("check bucket %s: %w", bucket, err)
		}
		if !exists {
			if err := cli.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: region}); err != nil {
				return nil, fmt.Errorf("make bucket %s: %w", bucket, err)
			}
		}
	}

	return &MinioStore{client: cli, region: region}, nil
}

// Ping is used by the readiness check.
func (s *MinioStore) Ping(ctx context.Context, bucket string) error {
	_, err := s.client.BucketExists(ctx, bucket)
	return err
}

func (s *MinioStore) Put(ctx context.Context, bucket, key string, r io.Reader, size int64, contentType string) error {
	if contentType == "" {
		contentType = ContentTypeFor(key)
	}
	_, err := s.client.PutObject(ctx, bucket, key, r, size, minio.PutObjectOptions{ContentType: contentType})
	return err
}

// Create relies on If-None-Match so the existence check and the write are one
// request.
func (s *MinioStore) Create(ctx context.Context, bucket, key string, r io.Reader, size int64, contentType string) error {
	if contentType == "" {
		contentType = ContentTypeFor(key)
	}
	opts := minio.PutObjectOptions{ContentType: contentType}
	opts.SetMatchETagExcept("*")
	_, err := s.client.PutObject(ctx, bucket, key, r, size, opts)
	return mapErr(err, bucket, key)
}

func (s *MinioStore) Get(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, mapErr(err, bucket, key)
	}
	// GetObject is lazy; Stat surfaces NoSuchKey
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		return nil, mapErr(err, bucket, key)
	}
	return obj, nil
}

func (s *MinioStore) Stat(ctx context.Context, bucket, key string) (artifacts.ObjectInfo, error) {
	info, err := s.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return artifacts.ObjectInfo{}, mapErr(err, bucket, key)
	}
	return artifacts.ObjectInfo{
		Bucket:       bucket,
		Key:          info.Key,
		Size:         info.Size,
		ContentType:  info.ContentType,
		LastModified: info.LastModified,
	}, nil
}

func (s *MinioStore) Copy(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error {
	_, err := s.client.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: dstBucket, Object: dstKey},
		minio.CopySrcOptions{Bucket: srcBucket, Object: srcKey},
	)
	return mapErr(err, srcBucket, srcKey)
}

func (s *MinioStore) Remove(ctx context.Context, bucket, key string) error {
	return s.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{})
}

func (s *MinioStore) List(ctx context.Context, bucket, prefix string) ([]artifacts.ObjectInfo, error) {
	var out []artifacts.ObjectInfo
	for obj := range s.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		out = append(out, artifacts.ObjectInfo{
			Bucket:       bucket,
			Key:          obj.Key,
			Size:         obj.Size,
			ContentType:  obj.ContentType,
			LastModified: obj.LastModified,
		})
	}
	return out, nil
}

func mapErr(err error, bucket, key string) error {
	if err == nil {
		return nil
	}
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchBucket":
		return fmt.Errorf("%w: %s/%s", artifacts.ErrNotFound, bucket, key)
	case minio.PreconditionFailed:
		return fmt.Errorf("%w: %s/%s", artifacts.ErrExists, bucket, key)
	}
	return err
}

// ContentTypeFor guesses a media type from the object name.
func ContentTypeFor(name string) string {
	switch filepath.Ext(name) {
	case ".json", ".sarif":
		return "application/json"
	case ".sig", ".asc":
		return "application/pgp-signature"
	case ".html":
		return "text/html"
	case ".xml":
		return "application/xml"
	default:
		return "application/octet-stream"
	}
}

var _ artifacts.ObjectStore = (*MinioStore)(nil)
