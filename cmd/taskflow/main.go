// =============================================================================
// TaskFlow 运维入口
// =============================================================================
// 工作流任务的检查与维护工具。任务的执行面是库 API（taskflow.New），
// 这里提供部署环境下的状态查看与清理能力。
//
// 使用方法:
//
//	taskflow inspect --task <id>            # 查看任务的最新检查点状态
//	taskflow milestones --task <id>         # 列出任务的里程碑
//	taskflow cleanup                        # 清理过期检查点
//	taskflow version                        # 显示版本信息
//
// =============================================================================
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/taskflow/checkpoint"
	"github.com/BaSui01/taskflow/config"
	"github.com/BaSui01/taskflow/store"
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
	case "inspect":
		runInspect(os.Args[2:])
	case "milestones":
		runMilestones(os.Args[2:])
	case "cleanup":
		runCleanup(os.Args[2:])
	case "version":
		printVersion()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// =============================================================================
// 🔍 inspect 命令
// =============================================================================

func runInspect(args []string) {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	taskID := fs.String("task", "", "Task ID")
	fs.Parse(args)

	if *taskID == "" {
		fmt.Fprintln(os.Stderr, "inspect requires --task")
		os.Exit(1)
	}

	cfg := loadConfig(*configPath)
	logger := config.BuildLogger(cfg.Log)
	defer logger.Sync()

	ckpt, err := openCheckpoints(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open checkpoint store: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	state, err := ckpt.Load(ctx, *taskID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load checkpoint: %v\n", err)
		os.Exit(1)
	}

	out, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render state: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(out))
}

// =============================================================================
// 📋 milestones 命令
// =============================================================================

func runMilestones(args []string) {
	fs := flag.NewFlagSet("milestones", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	taskID := fs.String("task", "", "Task ID")
	fs.Parse(args)

	if *taskID == "" {
		fmt.Fprintln(os.Stderr, "milestones requires --task")
		os.Exit(1)
	}

	cfg := loadConfig(*configPath)
	logger := config.BuildLogger(cfg.Log)
	defer logger.Sync()

	st, err := openStore(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open store: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	milestones, err := st.ListMilestones(ctx, *taskID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to list milestones: %v\n", err)
		os.Exit(1)
	}

	for _, m := range milestones {
		fmt.Printf("%3d  [%-11s]  %s  retries=%d  %s\n",
			m.SequenceNum, m.Status, m.Complexity, m.RetryCount, m.Description)
	}
}

// =============================================================================
// 🧹 cleanup 命令
// =============================================================================

func runCleanup(args []string) {
	fs := flag.NewFlagSet("cleanup", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)

	cfg := loadConfig(*configPath)
	logger := config.BuildLogger(cfg.Log)
	defer logger.Sync()

	if cfg.Checkpoint.RetentionAge <= 0 {
		fmt.Println("Checkpoint retention is disabled; nothing to clean.")
		return
	}

	ckpt, err := openCheckpoints(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open checkpoint store: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	removed, err := ckpt.Cleanup(ctx, cfg.Checkpoint.RetentionAge)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Cleanup failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Removed checkpoint history for %d tasks.\n", removed)
}

// =============================================================================
// 🔧 组件装配
// =============================================================================

func loadConfig(path string) *config.Config {
	loader := config.NewLoader()
	if path != "" {
		loader = loader.WithConfigPath(path)
	}
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func openStore(cfg *config.Config, logger *zap.Logger) (store.Store, error) {
	return store.OpenGorm(store.GormConfig{
		Driver:          cfg.Database.Driver,
		DSN:             cfg.Database.DSN(),
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}, logger)
}

func openCheckpoints(cfg *config.Config, logger *zap.Logger) (checkpoint.Store, error) {
	switch cfg.Checkpoint.Backend {
	case "memory":
		return checkpoint.NewMemoryStore(cfg.Checkpoint.HistoryLimit, logger), nil
	case "redis":
		return checkpoint.NewRedisStore(checkpoint.RedisConfig{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			KeyPrefix:    cfg.Redis.KeyPrefix,
			TTL:          cfg.Checkpoint.TTL,
			HistoryLimit: cfg.Checkpoint.HistoryLimit,
		}, logger)
	default:
		return checkpoint.NewFileStore(cfg.Checkpoint.Dir, cfg.Checkpoint.HistoryLimit, logger)
	}
}

// =============================================================================
// ℹ️ 帮助与版本
// =============================================================================

func printVersion() {
	fmt.Printf("taskflow %s (built %s, commit %s)\n", Version, BuildTime, GitCommit)
}

func printUsage() {
	fmt.Println(`TaskFlow - milestone workflow orchestration

Usage:
  taskflow inspect --task <id> [--config <path>]
  taskflow milestones --task <id> [--config <path>]
  taskflow cleanup [--config <path>]
  taskflow version`)
}
