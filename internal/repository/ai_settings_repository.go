package repository

import (
	"context"
	"errors"

	"adsinsight-go/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AISettingsRepository 定义了用户 AI 设置的持久化操作。
type AISettingsRepository interface {
	Get(ctx context.Context, userID string) (*model.AISettings, error)
	Upsert(ctx context.Context, settings *model.AISettings) error
	Delete(ctx context.Context, userID string) error
}

type aiSettingsRepository struct {
	db *gorm.DB
}

// NewAISettingsRepository 创建一个新的 AISettingsRepository 实例。
func NewAISettingsRepository(db *gorm.DB) AISettingsRepository {
	return &aiSettingsRepository{db: db}
}

func (r *aiSettingsRepository) Get(ctx context.Context, userID string) (*model.AISettings, error) {
	var s model.AISettings
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSettingsNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *aiSettingsRepository) Upsert(ctx context.Context, settings *model.AISettings) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"api_key_enc", "model", "updated_at"}),
	}).Create(settings).Error
}

func (r *aiSettingsRepository) Delete(ctx context.Context, userID string) error {
	return r.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&model.AISettings{}).Error
}
