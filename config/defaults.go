// =============================================================================
// 📦 ApprovalFlow 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import (
	"time"

	"github.com/BaSui01/approvalflow/broker"
	"github.com/BaSui01/approvalflow/policy"
	"github.com/BaSui01/approvalflow/store"
)

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:  DefaultServerConfig(),
		Store:   store.DefaultConfig(),
		Broker:  broker.DefaultConfig(),
		Policy:  policy.DefaultConfig(),
		Notify:  DefaultNotifyConfig(),
		Log:     DefaultLogConfig(),
		Cleanup: DefaultCleanupConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:        "info",
		Format:       "json",
		OutputPaths:  []string{"stdout"},
		EnableCaller: true,
	}
}

// DefaultNotifyConfig 返回默认通知配置
func DefaultNotifyConfig() NotifyConfig {
	return NotifyConfig{
		Timeout: 10 * time.Second,
	}
}

// DefaultCleanupConfig 返回默认清理配置
func DefaultCleanupConfig() CleanupConfig {
	return CleanupConfig{
		Enabled:  true,
		Interval: time.Minute,
	}
}
