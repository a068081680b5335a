// =============================================================================
// ApprovalFlow 主入口
// =============================================================================
// 完整服务入口点，包含审批回调 HTTP 服务、健康检查、Prometheus 指标
//
// 使用方法:
//
//	approvalflow serve                       # 启动服务
//	approvalflow serve --config config.yaml  # 指定配置文件
//	approvalflow version                     # 显示版本信息
//	approvalflow health                      # 健康检查
// =============================================================================
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/approvalflow/api/handlers"
	"github.com/BaSui01/approvalflow/broker"
	"github.com/BaSui01/approvalflow/config"
	"github.com/BaSui01/approvalflow/store"
	"github.com/BaSui01/approvalflow/types"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "version":
		printVersion()
	case "health":
		runHealthCheck(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// =============================================================================
// 🖥️ serve 命令
// =============================================================================

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)

	loader := config.NewLoader()
	if *configPath != "" {
		loader = loader.WithConfigPath(*configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Log)
	defer logger.Sync()

	logger.Info("Starting ApprovalFlow",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
		zap.String("store_type", string(cfg.Store.Type)),
	)

	// 存储
	backend, err := store.New(cfg.Store, logger)
	if err != nil {
		logger.Fatal("Failed to initialize approval store", zap.Error(err))
	}
	approvalStore := store.NewInstrumentedStore(backend)
	defer approvalStore.Close()

	// 审批代理
	b := broker.New(cfg.Broker, approvalStore, buildSender(cfg.Notify, logger), logger)

	// 启动恢复：为崩溃前的在途审批重建 waiter
	recoverPending(b, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Cleanup.Enabled {
		b.StartCleanup(ctx, cfg.Cleanup.Interval)
	}

	// HTTP 路由
	approvalHandler := handlers.NewApprovalHandler(b, logger)
	healthHandler := handlers.NewHealthHandler(logger)
	healthHandler.RegisterCheck(handlers.CheckFunc{
		CheckName: "store",
		Fn:        approvalStore.Ping,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/approvals/callback/{correlation_id}", approvalHandler.HandleCallback)
	mux.HandleFunc("GET /api/v1/approvals/pending", approvalHandler.HandlePending)
	mux.HandleFunc("GET /api/v1/approvals/breaker", approvalHandler.HandleBreakerStatus)
	mux.HandleFunc("GET /health", healthHandler.HandleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("HTTP server listening", zap.Int("port", cfg.Server.HTTPPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Graceful shutdown failed", zap.Error(err))
	}

	logger.Info("ApprovalFlow stopped")
}

// recoverPending 为存储中遗留的在途审批重建 waiter。
// 不重发通知：外部通道大概率已经送达过。
func recoverPending(b *broker.Broker, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	records, err := b.RecoverPending(ctx, "")
	if err != nil {
		logger.Warn("Failed to recover pending approvals", zap.Error(err))
		return
	}
	for _, record := range records {
		b.RegisterRecovered(record)
	}
	if len(records) > 0 {
		logger.Info("Re-registered pending approvals", zap.Int("count", len(records)))
	}
}

// =============================================================================
// 📤 出站通知
// =============================================================================

// buildSender 按配置选择通知通道。
// 配置了 webhook 时 POST 审批请求；否则打印到日志（开发环境）。
func buildSender(cfg config.NotifyConfig, logger *zap.Logger) broker.Sender {
	if cfg.WebhookURL == "" {
		return logSender(logger)
	}
	return webhookSender(cfg, logger)
}

func logSender(logger *zap.Logger) broker.Sender {
	return func(ctx context.Context, req types.ApprovalRequest, correlationID, callbackURL string) error {
		logger.Info("approval requested (log channel)",
			zap.String("correlation_id", correlationID),
			zap.String("callback_url", callbackURL),
			zap.String("summary", req.Action.Summary(200)),
		)
		fmt.Println(req.FormatForDisplay())
		fmt.Printf("Callback: %s\n", callbackURL)
		return nil
	}
}

func webhookSender(cfg config.NotifyConfig, logger *zap.Logger) broker.Sender {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := &http.Client{Timeout: timeout}

	return func(ctx context.Context, req types.ApprovalRequest, correlationID, callbackURL string) error {
		payload, err := json.Marshal(map[string]any{
			"correlation_id": correlationID,
			"callback_url":   callbackURL,
			"request":        req,
		})
		if err != nil {
			return fmt.Errorf("marshal approval request: %w", err)
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.WebhookURL, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(httpReq)
		if err != nil {
			return fmt.Errorf("deliver approval webhook: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("approval webhook returned status %d", resp.StatusCode)
		}
		logger.Debug("approval webhook delivered",
			zap.String("correlation_id", correlationID),
			zap.Int("status", resp.StatusCode),
		)
		return nil
	}
}

// =============================================================================
// 🏥 健康检查命令
// =============================================================================

func runHealthCheck(args []string) {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	addr := fs.String("addr", "http://localhost:8080", "Server address")
	fs.Parse(args)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(*addr + "/health")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Health check failed: status %d\n", resp.StatusCode)
		os.Exit(1)
	}
	fmt.Println("OK")
}

// =============================================================================
// 📋 版本和帮助
// =============================================================================

func printVersion() {
	fmt.Printf("ApprovalFlow %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`ApprovalFlow - Human-in-the-loop approval broker

Usage:
  approvalflow <command> [options]

Commands:
  serve     Start the ApprovalFlow server
  version   Show version information
  health    Check server health
  help      Show this help message

Options for 'serve':
  --config <path>   Path to configuration file (YAML)

Examples:
  approvalflow serve
  approvalflow serve --config /etc/approvalflow/config.yaml
  approvalflow health --addr http://localhost:8080
  approvalflow version`)
}

// =============================================================================
// 🔧 日志初始化
// =============================================================================

func initLogger(cfg config.LogConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	encoding := "json"
	if cfg.Format == "console" {
		encoding = "console"
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	outputPaths := cfg.OutputPaths
	if len(outputPaths) == 0 {
		outputPaths = []string{"stdout"}
	}

	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      cfg.Format == "console",
		Encoding:         encoding,
		EncoderConfig:    encoderConfig,
		OutputPaths:      outputPaths,
		ErrorOutputPaths: []string{"stderr"},
	}

	opts := []zap.Option{zap.AddStacktrace(zapcore.ErrorLevel)}
	if cfg.EnableCaller {
		opts = append(opts, zap.AddCaller())
	}

	logger, err := zapConfig.Build(opts...)
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}
