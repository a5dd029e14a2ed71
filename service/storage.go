package service

import (
	"context"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
)

// Storage is the object store seen by the pipeline: originals come in through
// presigned PUTs, workers fetch and upload by key, consumers read renditions
// through presigned GETs.
type Storage interface {
	Download(ctx context.Context, objectName, filePath string) error
	Upload(ctx context.Context, filePath, objectName, contentType string) error
	UploadDirectory(ctx context.Context, localDir, remotePrefix string) error
	Remove(ctx context.Context, objectName string) error
	PresignedPut(ctx context.Context, objectName string, expiry time.Duration) (string, error)
	PresignedGet(ctx context.Context, objectName string, expiry time.Duration) (string, error)
}

type minioStorage struct {
	client *minio.Client
	bucket string
}

func NewStorage(client *minio.Client, bucket string) Storage {
	return &minioStorage{
		client: client,
		bucket: bucket,
	}
}

func (s *minioStorage) Download(ctx context.Context, objectName, filePath string) error {
	return s.client.FGetObject(ctx, s.bucket, objectName, filePath, minio.GetObjectOptions{})
}

func (s *minioStorage) Upload(ctx context.Context, filePath, objectName, contentType string) error {
	_, err := s.client.FPutObject(ctx, s.bucket, objectName, filePath, minio.PutObjectOptions{
		ContentType: contentType,
	})
	return err
}

func (s *minioStorage) UploadDirectory(ctx context.Context, localDir, remotePrefix string) error {
	return filepath.Walk(localDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if info.IsDir() {
			return nil
		}

		relativePath, err := filepath.Rel(localDir, path)
		if err != nil {
			return err
		}

		objectName := filepath.Join(remotePrefix, relativePath)
		objectName = strings.ReplaceAll(objectName, "\\", "/")

		_, uploadErr := s.client.FPutObject(ctx, s.bucket, objectName, path, minio.PutObjectOptions{})
		return uploadErr
	})
}

func (s *minioStorage) Remove(ctx context.Context, objectName string) error {
	return s.client.RemoveObject(ctx, s.bucket, objectName, minio.RemoveObjectOptions{})
}

func (s *minioStorage) PresignedPut(ctx context.Context, objectName string, expiry time.Duration) (string, error) {
	u, err := s.client.PresignedPutObject(ctx, s.bucket, objectName, expiry)
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

func (s *minioStorage) PresignedGet(ctx context.Context, objectName string, expiry time.Duration) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.bucket, objectName, expiry, url.Values{})
	if err != nil {
		return "", err
	}
	return u.String(), nil
}
