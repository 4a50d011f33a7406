package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/aihub/rag-pipeline/internal/config"
	"github.com/aihub/rag-pipeline/internal/di"
	"github.com/aihub/rag-pipeline/internal/logger"
	"github.com/spf13/cobra"
	"go.uber.org/dig"
	"go.uber.org/zap"
)

var configFile string

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "ragpipe",
		Short:         "Document ingestion and retrieval pipeline",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (defaults to $CONFIG_FILE)")

	root.AddCommand(
		newIngestCommand(),
		newBatchCommand(),
		newSearchCommand(),
		newRerankCommand(),
		newAskCommand(),
		newStatsCommand(),
		newProjectCommand(),
		newWorkerCommand(),
		newMigrateCommand(),
		newExtractCommand(),
		newChunkCommand(),
	)
	return root
}

// loadConfig 读取配置并初始化日志
func loadConfig() (*config.Config, error) {
	_, cfg, err := loadConfigWithLoader()
	return cfg, err
}

func loadConfigWithLoader() (*config.ConfigLoader, *config.Config, error) {
	loader := config.NewConfigLoader()
	cfg, err := loader.Load(configFile)
	if err != nil {
		return nil, nil, err
	}
	if err := logger.InitLogger(cfg.Log.Level, cfg.Log.Env); err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return loader, cfg, nil
}

// withContainer 构建容器后执行 fn，结束时释放连接。fn 还可以注入 *config.ConfigLoader
func withContainer(fn interface{}) error {
	loader, cfg, err := loadConfigWithLoader()
	if err != nil {
		return err
	}
	defer logger.Sync()

	container, err := di.Build(cfg)
	if err != nil {
		return err
	}
	defer di.Shutdown()

	if err := container.Provide(func() *config.ConfigLoader { return loader }); err != nil {
		return err
	}

	if err := container.Invoke(fn); err != nil {
		// 展开 dig 的包装，只保留根因
		root := dig.RootCause(err)
		logger.Error("command failed", zap.Error(root))
		return root
	}
	return nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
