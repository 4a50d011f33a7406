package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/aihub/rag-pipeline/internal/config"
	"github.com/aihub/rag-pipeline/internal/database"
	"github.com/aihub/rag-pipeline/internal/kafka"
	"github.com/aihub/rag-pipeline/internal/knowledge"
	"github.com/aihub/rag-pipeline/internal/logger"
	"github.com/aihub/rag-pipeline/internal/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newStatsCommand() *cobra.Command {
	var projectID uint
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show chunk statistics of a project and the vector index state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContainer(func(chunks services.ChunkStore, index knowledge.VectorIndex) error {
				stats, err := chunks.Stats(cmd.Context(), projectID)
				if err != nil {
					return err
				}
				info, err := index.Info(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(struct {
					Chunks *services.ChunkStats `json:"chunks"`
					Index  knowledge.IndexInfo  `json:"index"`
				}{stats, info})
			})
		},
	}
	cmd.Flags().UintVarP(&projectID, "project", "p", 0, "project id")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func newProjectCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "project",
		Short: "Manage projects",
	}

	var description string
	create := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a project and print its id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContainer(func(chunks services.ChunkStore) error {
				id, err := chunks.CreateProject(cmd.Context(), args[0], description)
				if err != nil {
					return err
				}
				return printJSON(map[string]uint{"project_id": id})
			})
		},
	}
	create.Flags().StringVar(&description, "description", "", "project description")
	cmd.AddCommand(create)
	return cmd
}

func newWorkerCommand() *cobra.Command {
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Consume pipeline jobs from kafka",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			return withContainer(func(consumer *kafka.JobConsumer, reg *prometheus.Registry, loader *config.ConfigLoader) error {
				watchLogLevel(loader)

				var srv *http.Server
				if metricsAddr != "" {
					srv = serveMetrics(metricsAddr, reg)
					defer func() {
						shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
						defer stop()
						_ = srv.Shutdown(shutdownCtx)
					}()
				}
				logger.Info("worker started", zap.String("metrics_addr", metricsAddr))
				return consumer.Run(ctx)
			})
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090", "address of the prometheus endpoint, empty to disable")
	return cmd
}

// watchLogLevel 配置文件中的 log.level 修改后立即生效，无需重启 worker
func watchLogLevel(loader *config.ConfigLoader) bool {
	if loader.ConfigFile() == "" {
		return false
	}
	loader.Watch(func(cfg *config.Config) {
		logger.SetLevel(cfg.Log.Level)
		logger.Info("config reloaded", zap.String("log_level", cfg.Log.Level))
	}, func(err error) {
		logger.Warn("config reload rejected, keeping previous settings", zap.Error(err))
	})
	return true
}

func serveMetrics(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	return srv
}

func newMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate [up|down|version|force <version>]",
		Short: "Run database migrations",
		Args:  cobra.RangeArgs(0, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			action := "up"
			if len(args) > 0 {
				action = args[0]
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync()
			return runMigration(cfg, action, args)
		},
	}
	return cmd
}

func runMigration(cfg *config.Config, action string, args []string) error {
	db, err := database.OpenSQL(cfg.Database.URL)
	if err != nil {
		return err
	}
	manager, err := database.NewMigrationManager(db)
	if err != nil {
		db.Close()
		return err
	}
	defer manager.Close()

	switch action {
	case "up":
		return manager.Up()
	case "down":
		return manager.Down()
	case "version":
		version, dirty, err := manager.Version()
		if err != nil {
			return err
		}
		return printJSON(map[string]interface{}{"version": version, "dirty": dirty})
	case "force":
		if len(args) < 2 {
			return fmt.Errorf("force requires a version")
		}
		version, err := strconv.ParseUint(args[1], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid version %q: %w", args[1], err)
		}
		return manager.ForceVersion(uint(version))
	default:
		return fmt.Errorf("unknown action: %s (available: up, down, version, force)", action)
	}
}
