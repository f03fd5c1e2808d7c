package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"

	"github.com/bitfantasy/nimo-mes/internal/mes/entity"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

// Archiver 质检记录归档
type Archiver interface {
	Archive(ctx context.Context, rec *entity.InspectionRecord) error
}

type Nop struct{}

func (Nop) Archive(context.Context, *entity.InspectionRecord) error { return nil }

// MinIOConfig 对象存储配置
type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// MinIOArchiver 质检记录以 JSON 对象写入 MinIO
type MinIOArchiver struct {
	client *minio.Client
	bucket string
	logger *zap.Logger
}

func NewMinIOArchiver(cfg MinIOConfig, logger *zap.Logger) (*MinIOArchiver, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	return &MinIOArchiver{client: client, bucket: cfg.Bucket, logger: logger}, nil
}

// EnsureBucket 桶不存在时创建
func (a *MinIOArchiver) EnsureBucket(ctx context.Context) error {
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
	a.logger.Info("created archive bucket", zap.String("bucket", a.bucket))
	return nil
}

// ObjectName inspections/<日期>/<质检实例>/<记录>.json
func ObjectName(rec *entity.InspectionRecord) string {
	return path.Join("inspections", rec.CreatedAt.Format("2006-01-02"), rec.QualityInstanceID, rec.ID+".json")
}

func (a *MinIOArchiver) Archive(ctx context.Context, rec *entity.InspectionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	name := ObjectName(rec)
	_, err = a.client.PutObject(ctx, a.bucket, name, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/json",
		UserMetadata: map[string]string{
			"code":   rec.Code,
			"unit":   rec.UnitID,
			"passed": fmt.Sprintf("%t", rec.Passed),
		},
	})
	if err != nil {
		return fmt.Errorf("archive inspection %s: %w", rec.ID, err)
	}
	a.logger.Debug("archived inspection", zap.String("object", name))
	return nil
}
