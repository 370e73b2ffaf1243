// Package storage 提供了与对象存储服务（如 MinIO）交互的功能。
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"adsinsight-go/internal/config"
	"adsinsight-go/internal/model"
	"adsinsight-go/pkg/log"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioClient 是一个全局的 MinIO 客户端实例，未配置 endpoint 时为 nil。
var MinioClient *minio.Client

// InitMinIO 初始化 MinIO 客户端并确保指定的存储桶存在。
func InitMinIO(cfg config.MinIOConfig) {
	if cfg.Endpoint == "" {
		log.Info("MinIO endpoint 未配置，归档记录导出已禁用")
		return
	}

	var err error
	MinioClient, err = minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		log.Fatal("初始化 MinIO 客户端失败", err)
	}
	log.Info("MinIO 客户端初始化成功")

	ctx := context.Background()
	exists, err := MinioClient.BucketExists(ctx, cfg.BucketName)
	if err != nil {
		log.Fatal("检查 MinIO 存储桶失败", err)
	}
	if !exists {
		log.Infof("存储桶 '%s' 不存在，正在创建...", cfg.BucketName)
		if err := MinioClient.MakeBucket(ctx, cfg.BucketName, minio.MakeBucketOptions{}); err != nil {
			log.Fatal("创建 MinIO 存储桶失败", err)
		}
	}
}

// GetPresignedURL 为对象生成一个临时下载链接。
func GetPresignedURL(ctx context.Context, bucketName, objectName string, expiry time.Duration) (string, error) {
	if MinioClient == nil {
		return "", fmt.Errorf("object storage is not configured")
	}
	presignedURL, err := MinioClient.PresignedGetObject(ctx, bucketName, objectName, expiry, nil)
	if err != nil {
		return "", err
	}
	return presignedURL.String(), nil
}

// Transcript 是导出的会话记录。
type Transcript struct {
	Session    model.ChatSession   `json:"session"`
	Messages   []model.ChatMessage `json:"messages"`
	ExportedAt time.Time           `json:"exportedAt"`
}

// TranscriptObjectName 返回会话记录在桶中的对象名。
func TranscriptObjectName(userID, sessionID string) string {
	return fmt.Sprintf("transcripts/%s/%s.json", userID, sessionID)
}

// TranscriptExporter 把归档会话的完整记录以 JSON 写入 MinIO。
type TranscriptExporter struct {
	client *minio.Client
	bucket string
}

// NewTranscriptExporter 创建导出器；client 为 nil 时返回 nil，nil 导出器不做任何事。
func NewTranscriptExporter(client *minio.Client, bucket string) *TranscriptExporter {
	if client == nil {
		return nil
	}
	return &TranscriptExporter{client: client, bucket: bucket}
}

// ExportTranscript 上传会话记录。
func (e *TranscriptExporter) ExportTranscript(ctx context.Context, session *model.ChatSession, messages []model.ChatMessage) error {
	if e == nil {
		return nil
	}
	payload, err := json.MarshalIndent(Transcript{Session: *session, Messages: messages, ExportedAt: time.Now().UTC()}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal transcript: %w", err)
	}
	objectName := TranscriptObjectName(session.UserID, session.ID)
	_, err = e.client.PutObject(ctx, e.bucket, objectName, bytes.NewReader(payload), int64(len(payload)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("upload transcript %s: %w", objectName, err)
	}
	log.Infof("会话记录已导出: %s", objectName)
	return nil
}
