package store

import (
	"fmt"

	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// StoreType 存储后端类型。
type StoreType string

const (
	StoreTypeMemory   StoreType = "memory"
	StoreTypeRedis    StoreType = "redis"
	StoreTypeDatabase StoreType = "database"
)

// Config 存储工厂配置。
type Config struct {
	// Type 后端类型：memory / redis / database
	Type StoreType `yaml:"type" json:"type"`

	// Redis Redis 后端配置
	Redis RedisConfig `yaml:"redis" json:"redis"`

	// Database 关系型后端配置
	Database DatabaseConfig `yaml:"database" json:"database"`
}

// DatabaseConfig 关系型数据库配置。
type DatabaseConfig struct {
	// Driver 数据库驱动：sqlite / postgres / mysql
	Driver string `yaml:"driver" json:"driver"`

	// DSN 连接串（sqlite 为文件路径，:memory: 表示内存库）
	DSN string `yaml:"dsn" json:"dsn"`
}

// DefaultConfig 返回默认存储配置。
func DefaultConfig() Config {
	return Config{
		Type: StoreTypeMemory,
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 10,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "approvalflow.db",
		},
	}
}

// New 按配置创建存储实例。
func New(config Config, logger *zap.Logger) (ApprovalStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	switch config.Type {
	case StoreTypeMemory, "":
		return NewMemoryStore(), nil

	case StoreTypeRedis:
		return NewRedisStore(config.Redis, logger)

	case StoreTypeDatabase:
		dialector, err := openDialector(config.Database)
		if err != nil {
			return nil, err
		}
		db, err := gorm.Open(dialector, &gorm.Config{})
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		return NewGormStore(db, logger)

	default:
		return nil, fmt.Errorf("unknown store type: %q", config.Type)
	}
}

func openDialector(config DatabaseConfig) (gorm.Dialector, error) {
	switch config.Driver {
	case "sqlite", "":
		return sqlite.Open(config.DSN), nil
	case "postgres":
		return postgres.Open(config.DSN), nil
	case "mysql":
		return mysql.Open(config.DSN), nil
	default:
		return nil, fmt.Errorf("unknown database driver: %q", config.Driver)
	}
}
