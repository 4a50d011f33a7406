package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aihub/rag-pipeline/internal/config"
	apperrors "github.com/aihub/rag-pipeline/internal/errors"
	"github.com/aihub/rag-pipeline/internal/logger"
	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

// ObjectFetcher 从 MinIO 下载待处理的文档到本地临时目录
type ObjectFetcher struct {
	client  *minio.Client
	bucket  string
	tempDir string
	log     *zap.Logger
}

// NewObjectFetcher 创建 MinIO 客户端
func NewObjectFetcher(cfg config.ObjectStorageConfig) (*ObjectFetcher, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("minio endpoint not configured")
	}
	bucket := cfg.Bucket
	if bucket == "" {
		bucket = "knowledge"
	}

	// minio.New 不需要协议
	endpoint := strings.TrimPrefix(cfg.Endpoint, "http://")
	endpoint = strings.TrimPrefix(endpoint, "https://")

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: "us-east-1",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	tempDir := cfg.TempDir
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	return &ObjectFetcher{
		client:  client,
		bucket:  bucket,
		tempDir: tempDir,
		log:     logger.Named("storage"),
	}, nil
}

// Bucket 使用的 bucket
func (f *ObjectFetcher) Bucket() string {
	return f.bucket
}

// Fetch 下载对象，返回的临时文件保留对象的扩展名，cleanup 负责删除
func (f *ObjectFetcher) Fetch(ctx context.Context, objectKey string) (string, func(), error) {
	local := filepath.Join(f.tempDir, "rag-"+uuid.NewString()+filepath.Ext(objectKey))
	cleanup := func() {
		if err := os.Remove(local); err != nil && !os.IsNotExist(err) {
			f.log.Warn("failed to remove temp file", zap.String("path", local), zap.Error(err))
		}
	}

	if err := f.client.FGetObject(ctx, f.bucket, objectKey, local, minio.GetObjectOptions{}); err != nil {
		cleanup()
		switch minio.ToErrorResponse(err).Code {
		case "NoSuchKey", "NoSuchBucket":
			return "", nil, apperrors.NewNotFoundError("object", f.bucket+"/"+objectKey)
		}
		return "", nil, apperrors.NewExtractionError("download %s/%s", f.bucket, objectKey).WithCause(err).AsTransient()
	}

	f.log.Debug("object fetched", zap.String("bucket", f.bucket), zap.String("key", objectKey), zap.String("path", local))
	return local, cleanup, nil
}

// Upload 上传本地文件，供命令行在提交异步任务前使用
func (f *ObjectFetcher) Upload(ctx context.Context, localPath, objectKey string) error {
	if _, err := f.client.FPutObject(ctx, f.bucket, objectKey, localPath, minio.PutObjectOptions{}); err != nil {
		return apperrors.NewExtractionError("upload %s to %s/%s", localPath, f.bucket, objectKey).WithCause(err).AsTransient()
	}
	return nil
}
