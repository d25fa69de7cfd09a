package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/BaSui01/chatrelay/internal/migration"
)

// =============================================================================
// 🗄️ 数据库迁移命令
// =============================================================================

// runMigrate 处理 migrate 子命令: chatrelay migrate <sub> [args] [--config path]
func runMigrate(args []string) {
	if len(args) < 1 || args[0] == "help" || args[0] == "-h" || args[0] == "--help" {
		printUsage()
		if len(args) < 1 {
			os.Exit(1)
		}
		return
	}

	subcommand := args[0]
	fs := flag.NewFlagSet("migrate "+subcommand, flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	driver := fs.String("driver", "", "Database driver override (postgres, mysql, sqlite)")

	// 位置参数 (steps/force 的数字) 在 flag 之前
	positional, flags := splitPositional(args[1:])
	_ = fs.Parse(flags)

	if err := migrate(context.Background(), *configPath, *driver, subcommand, positional); err != nil {
		fmt.Fprintf(os.Stderr, "Migration failed: %v\n", err)
		os.Exit(1)
	}
}

func migrate(ctx context.Context, configPath, driver, subcommand string, args []string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if driver != "" {
		cfg.Database.Driver = driver
	}

	logger, _ := initLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	m, err := migration.Open(cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	defer func() {
		if err := m.Close(); err != nil {
			logger.Warn("failed to close migrator", zap.Error(err))
		}
	}()

	return migration.NewCLI(m).Run(ctx, subcommand, args...)
}

// splitPositional 拆出开头不以 "-" 开始的参数, 负数视为位置参数
func splitPositional(args []string) (positional, rest []string) {
	for i, a := range args {
		if len(a) > 1 && a[0] == '-' && (a[1] < '0' || a[1] > '9') {
			return args[:i], args[i:]
		}
	}
	return args, nil
}
