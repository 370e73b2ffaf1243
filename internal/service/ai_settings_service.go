package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"adsinsight-go/internal/model"
	"adsinsight-go/internal/repository"
	"adsinsight-go/pkg/secret"
)

// DefaultModel 是不受支持的模型名被归一化后的结果。
const DefaultModel = "gemini-2.5-flash"

// AICredentials 是发起一次生成请求所需的显式凭证。
type AICredentials struct {
	APIKey string `json:"-"`
	Model  string `json:"model"`
}

// AISettingsService 管理用户的 AI 凭证。
type AISettingsService interface {
	// GetUserAISettings 在用户未配置时返回 (nil, nil)。
	GetUserAISettings(ctx context.Context, userID string) (*AICredentials, error)
	SaveUserAISettings(ctx context.Context, userID, apiKey, modelName string) (*AICredentials, error)
	DeleteUserAISettings(ctx context.Context, userID string) error
}

type aiSettingsService struct {
	repo repository.AISettingsRepository
	box  *secret.Box
}

// NewAISettingsService 创建 AISettingsService，API key 用 box 加密后落库。
func NewAISettingsService(repo repository.AISettingsRepository, box *secret.Box) AISettingsService {
	return &aiSettingsService{repo: repo, box: box}
}

// NormalizeModel 只接受 gemini- 前缀的模型名，其余（包括空值）一律使用 DefaultModel。
func NormalizeModel(m string) string {
	m = strings.TrimSpace(m)
	if !strings.HasPrefix(m, "gemini-") {
		return DefaultModel
	}
	return m
}

// MaskAPIKey 只保留首尾各四位。
func MaskAPIKey(key string) string {
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + strings.Repeat("*", len(key)-8) + key[len(key)-4:]
}

func (s *aiSettingsService) GetUserAISettings(ctx context.Context, userID string) (*AICredentials, error) {
	row, err := s.repo.Get(ctx, userID)
	if errors.Is(err, repository.ErrSettingsNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load ai settings: %w", err)
	}
	key, err := s.box.Open(row.EncryptedAPIKey)
	if err != nil {
		return nil, fmt.Errorf("decrypt api key: %w", err)
	}
	if len(key) == 0 {
		return nil, nil
	}
	return &AICredentials{APIKey: string(key), Model: NormalizeModel(row.Model)}, nil
}

func (s *aiSettingsService) SaveUserAISettings(ctx context.Context, userID, apiKey, modelName string) (*AICredentials, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, ErrAPIKeyRequired
	}
	sealed, err := s.box.Seal([]byte(apiKey))
	if err != nil {
		return nil, fmt.Errorf("encrypt api key: %w", err)
	}
	creds := &AICredentials{APIKey: apiKey, Model: NormalizeModel(modelName)}
	if err := s.repo.Upsert(ctx, &model.AISettings{UserID: userID, EncryptedAPIKey: sealed, Model: creds.Model}); err != nil {
		return nil, fmt.Errorf("save ai settings: %w", err)
	}
	return creds, nil
}

func (s *aiSettingsService) DeleteUserAISettings(ctx context.Context, userID string) error {
	return s.repo.Delete(ctx, userID)
}
