package model

import "time"

// AISettings 保存用户的生成式 AI 凭证。API key 以 secretbox 密文存储。
type AISettings struct {
	UserID          string    `gorm:"primaryKey;size:64"`
	EncryptedAPIKey []byte    `gorm:"column:api_key_enc;not null"`
	Model           string    `gorm:"size:64;not null"`
	UpdatedAt       time.Time
}

func (AISettings) TableName() string {
	return "ai_settings"
}
