package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/graphflow/config"
	"github.com/BaSui01/graphflow/internal/migration"
	"github.com/BaSui01/graphflow/proposal"
	"github.com/BaSui01/graphflow/workflow"
	"github.com/BaSui01/graphflow/workflow/checkpoint"
)

// runnerOptions 将运行时配置转换为 Runner 选项，serve 与 run 共用
func runnerOptions(cfg config.RuntimeConfig, history *workflow.HistoryStore, logger *zap.Logger) []workflow.RunnerOption {
	fanout := workflow.FanoutOptions{MaxConcurrency: cfg.FanoutConcurrency}
	if cfg.FanoutRate > 0 {
		fanout.Limiter = rate.NewLimiter(rate.Limit(cfg.FanoutRate), cfg.FanoutBurst)
	}
	return []workflow.RunnerOption{
		workflow.WithLogger(logger),
		workflow.WithDefaultMaxSteps(cfg.MaxSteps),
		workflow.WithHistory(history),
		workflow.WithFanout(fanout),
	}
}

// newProposalGraph 编译提案流水线图
func newProposalGraph(cfg config.RuntimeConfig, outputDir string, logger *zap.Logger) (*workflow.Graph, error) {
	g, err := proposal.NewGraph(proposal.TemplateDrafter{}, proposal.Options{
		SwarmBudget: cfg.SwarmBudget,
		OutputDir:   outputDir,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("build proposal graph: %w", err)
	}
	return g, nil
}

// openStore 打开检查点存储。SQL 存储未开启 auto_migrate 时要求迁移已全部应用。
func openStore(ctx context.Context, cfg config.CheckpointConfig, logger *zap.Logger) (checkpoint.Store, error) {
	if checkpoint.Type(cfg.Type) == checkpoint.TypeSQL && !cfg.Database.AutoMigrate {
		m, err := migration.NewMigratorFromDatabaseConfig(cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("create migrator: %w", err)
		}
		err = migration.EnsureCurrent(ctx, m)
		m.Close()
		if err != nil {
			return nil, fmt.Errorf("checkpoint schema: %w (run `graphflow migrate up`)", err)
		}
	}

	store, err := checkpoint.New(cfg.Store(), logger)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint store: %w", err)
	}
	logger.Info("checkpoint store opened", zap.String("type", cfg.Type))
	return store, nil
}
