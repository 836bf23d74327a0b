package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	ossignal "os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"confluence/internal/app"
	"confluence/internal/config"
	"confluence/internal/logger"
)

func main() {
	cfgFlag := flag.String("config", "", "配置文件路径（默认读取 CONFLUENCE_CONFIG）")
	flag.Parse()

	ctx, stop := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfgPath := config.ResolvePath(*cfgFlag)
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("读取配置失败: %v", err)
	}
	logFile, err := setupLogOutput(cfg.App.LogPath)
	if err != nil {
		log.Fatalf("初始化日志文件失败: %v", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}
	logger.SetFormat(cfg.App.LogFormat)
	logger.SetLevel(cfg.App.LogLevel)
	logger.Infof("✓ 配置加载成功（环境=%s，模式=%s，文件=%s）", cfg.App.Env, cfg.Execution.Mode, cfgPath)

	application, err := app.NewApp(cfg)
	if err != nil {
		log.Fatalf("初始化应用失败: %v", err)
	}
	if err := application.Run(ctx); err != nil {
		log.Fatalf("运行失败: %v", err)
	}
	logger.Infof("已退出")
}

// setupLogOutput 同时写标准输出与日志文件；路径为空时只写标准输出。
func setupLogOutput(path string) (io.Closer, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	out := io.MultiWriter(os.Stdout, f)
	log.SetOutput(out)
	logger.SetOutput(out)
	return f, nil
}
