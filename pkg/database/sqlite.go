package database

import (
	"os"
	"path/filepath"

	"adsinsight-go/pkg/log"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

// InitSQLite 打开嵌入式 SQLite 数据库（纯 Go 驱动，无需 cgo），用于单机部署与本地开发。
func InitSQLite(path string) {
	if dir := filepath.Dir(path); dir != "." {
		_ = os.MkdirAll(dir, os.ModePerm)
	}
	var err error
	DB, err = gorm.Open(sqlite.Open(path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"), &gorm.Config{})
	if err != nil {
		log.Fatal("failed to open sqlite database", err)
	}
	// SQLite 只允许单写者
	if sqlDB, err := DB.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
	}
	log.Infof("SQLite database opened at %s", path)
}

// Init 根据驱动名初始化 DB。
func Init(driver, mysqlDSN, sqlitePath string) {
	switch driver {
	case "mysql":
		InitMySQL(mysqlDSN)
	default:
		InitSQLite(sqlitePath)
	}
}

// Migrate 自动建表。
func Migrate(models ...interface{}) {
	if err := DB.AutoMigrate(models...); err != nil {
		log.Fatal("failed to migrate database", err)
	}
}
