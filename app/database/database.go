package database

import (
	"fmt"
	"os"
	"path/filepath"

	"mesh-forge/app/config"
	"mesh-forge/app/logger"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const dbPath = "data/mesh-forge.db"

// DB 全局数据库实例
var DB *gorm.DB

// Init 初始化数据库连接。
// 轮询工作协程和 HTTP 请求会并发写同一个库，
// 开启 WAL 并设置 busy_timeout 避免写锁冲突直接报错
func Init(cfg *config.Config, log *logger.Logger) error {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return fmt.Errorf("创建数据库目录失败: %w", err)
	}

	dsn := dbPath + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("连接数据库失败: %w", err)
	}

	DB = db
	log.Infof("数据库连接成功: %s", dbPath)

	if err := AutoMigrate(); err != nil {
		return fmt.Errorf("迁移表结构失败: %w", err)
	}

	if err := InitAdminUser(cfg, log); err != nil {
		return fmt.Errorf("初始化管理员账户失败: %w", err)
	}
	return nil
}

// Close 关闭数据库连接
func Close() error {
	if DB == nil {
		return nil
	}
	sqlDB, err := DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// GetDB 获取数据库实例
func GetDB() *gorm.DB {
	return DB
}
