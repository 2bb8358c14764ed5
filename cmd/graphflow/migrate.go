package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/BaSui01/graphflow/internal/migration"
)

// =============================================================================
// 🗄️ 检查点表迁移命令
// =============================================================================

// runMigrate 处理 migrate 子命令，例如 `graphflow migrate goto 1 --config c.yaml`
func runMigrate(ctx context.Context, args []string, out io.Writer) error {
	if len(args) < 1 || args[0] == "help" || args[0] == "-h" || args[0] == "--help" {
		printUsage()
		if len(args) < 1 {
			return errors.New("missing migrate subcommand")
		}
		return nil
	}
	sub := args[0]

	fs := flag.NewFlagSet("migrate "+sub, flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to config file")
	dbType := fs.String("db-type", "", "Database type (postgres, mysql, sqlite)")
	dbURL := fs.String("db-url", "", "Database connection URL")

	// 位置参数（版本号、步数）可以出现在 flag 之前
	positional, rest := splitPositional(args[1:])
	if err := fs.Parse(rest); err != nil {
		return err
	}
	positional = append(positional, fs.Args()...)

	m, err := createMigrator(*configPath, *dbType, *dbURL)
	if err != nil {
		return err
	}
	defer m.Close()

	cli := migration.NewCLI(m)
	cli.SetOutput(out)
	return cli.Run(ctx, sub, positional)
}

// createMigrator 优先使用 --db-type/--db-url，否则读取检查点数据库配置
func createMigrator(configPath, dbType, dbURL string) (*migration.DefaultMigrator, error) {
	if dbType != "" && dbURL != "" {
		return migration.NewMigratorFromURL(dbType, dbURL)
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	dbCfg := cfg.Checkpoint.Database
	if dbType != "" {
		dbCfg.Driver = dbType
	}
	m, err := migration.NewMigratorFromDatabaseConfig(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrator: %w", err)
	}
	return m, nil
}

// splitPositional 取出开头不是 flag 的参数，负数视为位置参数（steps -1）
func splitPositional(args []string) (positional, rest []string) {
	for i, a := range args {
		if len(a) > 1 && a[0] == '-' && (a[1] < '0' || a[1] > '9') {
			return positional, args[i:]
		}
		positional = append(positional, a)
	}
	return positional, nil
}
