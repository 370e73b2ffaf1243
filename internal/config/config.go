// Package config 负责加载和管理应用程序的配置。
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// 全局配置变量，存储从配置文件加载的所有设置。
var Conf Config

// Config 是整个应用程序的配置结构体，与 config.yaml 文件结构对应。
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	JWT      JWTConfig      `mapstructure:"jwt"`
	Log      LogConfig      `mapstructure:"log"`
	Gemini   GeminiConfig   `mapstructure:"gemini"`
	Relay    RelayConfig    `mapstructure:"relay"`
	Chat     ChatConfig     `mapstructure:"chat"`
	Persist  PersistConfig  `mapstructure:"persist"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	MinIO    MinIOConfig    `mapstructure:"minio"`
	Secrets  SecretsConfig  `mapstructure:"secrets"`
}

// ServerConfig 存储服务器相关的配置。
type ServerConfig struct {
	Port         string   `mapstructure:"port"`
	Mode         string   `mapstructure:"mode"`
	AllowOrigins []string `mapstructure:"allow_origins"`
}

// DatabaseConfig 存储所有数据库连接的配置。
type DatabaseConfig struct {
	Driver string       `mapstructure:"driver"` // mysql 或 sqlite
	MySQL  MySQLConfig  `mapstructure:"mysql"`
	SQLite SQLiteConfig `mapstructure:"sqlite"`
	Redis  RedisConfig  `mapstructure:"redis"`
}

// MySQLConfig 存储 MySQL 数据库的配置。
type MySQLConfig struct {
	DSN string `mapstructure:"dsn"`
}

// SQLiteConfig 存储嵌入式 SQLite 数据库的配置。
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// RedisConfig 存储 Redis 的配置。Addr 为空时不启用消息缓存。
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// JWTConfig 存储 JWT 相关的配置。
type JWTConfig struct {
	Secret                 string `mapstructure:"secret"`
	AccessTokenExpireHours int    `mapstructure:"access_token_expire_hours"`
}

// LogConfig 存储日志相关的配置。
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// GeminiConfig 存储上游生成式 AI 接口的配置。
type GeminiConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	DefaultModel   string        `mapstructure:"default_model"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// RelayConfig 存储流式中继的配置，Consumer 通过 URL 访问中继。
type RelayConfig struct {
	URL        string `mapstructure:"url"`
	MaxHistory int    `mapstructure:"max_history"`
}

// ChatConfig 存储 Consumer 的分段、标题与帧缓冲参数。
type ChatConfig struct {
	TitleEveryTurns  int `mapstructure:"title_every_turns"`
	TitleMaxLen      int `mapstructure:"title_max_len"`
	TitleRecentTurns int `mapstructure:"title_recent_turns"`
	MaxCarryBytes    int `mapstructure:"max_carry_bytes"`
	MaxFrameRetries  int `mapstructure:"max_frame_retries"`
}

// PersistConfig 存储持久化队列的配置。
type PersistConfig struct {
	Mode      string `mapstructure:"mode"` // memory 或 kafka
	QueueSize int    `mapstructure:"queue_size"`
	Workers   int    `mapstructure:"workers"`
}

// KafkaConfig 存储 Kafka 相关的配置。
type KafkaConfig struct {
	Brokers string `mapstructure:"brokers"`
	Topic   string `mapstructure:"topic"`
	GroupID string `mapstructure:"group_id"`
}

// MinIOConfig 存储 MinIO 对象存储的配置，用于归档会话的记录导出。
type MinIOConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	BucketName      string `mapstructure:"bucket_name"`
}

// SecretsConfig 存储静态加密用的密钥。
type SecretsConfig struct {
	SettingsKey string `mapstructure:"settings_key"`
}

// setDefaults 为所有可选项设置默认值。
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8081")
	v.SetDefault("server.mode", "release")
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.sqlite.path", "data/adsinsight.db")
	v.SetDefault("database.redis.ttl", 7*24*time.Hour)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("gemini.base_url", "https://generativelanguage.googleapis.com")
	v.SetDefault("gemini.default_model", "gemini-2.5-flash")
	v.SetDefault("relay.url", "http://127.0.0.1:8081/api/v1/analyze-ads")
	v.SetDefault("relay.max_history", 40)
	v.SetDefault("chat.title_every_turns", 3)
	v.SetDefault("chat.title_max_len", 60)
	v.SetDefault("chat.title_recent_turns", 3)
	v.SetDefault("chat.max_carry_bytes", 1<<20)
	v.SetDefault("chat.max_frame_retries", 16)
	v.SetDefault("persist.mode", "memory")
	v.SetDefault("persist.queue_size", 256)
	v.SetDefault("persist.workers", 4)
	v.SetDefault("kafka.group_id", "adsinsight-persist")
}

// Init 初始化配置加载，从指定的路径读取 YAML 文件并解析到 Conf 变量中。
func Init(configPath string) {
	cfg, err := Load(configPath)
	if err != nil {
		panic(err)
	}
	Conf = *cfg
}

// Load 读取配置文件并返回解析结果，环境变量（前缀 ADSINSIGHT）覆盖文件中的值。
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("ADSINSIGHT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("无法将配置解析到结构体中: %w", err)
	}
	return &cfg, nil
}
