package main

import (
	"context"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"tasklist-api/config"
	"tasklist-api/domain"
	"tasklist-api/storage"
)

const serviceName = "tasklist-api"

var version = "dev"

// backingStore is what both storage drivers provide.
type backingStore interface {
	domain.PositionStore
	domain.TaskReader
	domain.TaskWriter
	Ping(ctx context.Context) error
	Close() error
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:           serviceName,
		Short:         "Ordered task list HTTP service",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "path to a YAML or TOML config file")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCommand(cmd, cfgPath, runServe)
		},
	}

	var repair bool
	initStorage := &cobra.Command{
		Use:   "init-storage",
		Short: "Create the database and tasks table, optionally renumbering positions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCommand(cmd, cfgPath, func(ctx context.Context, cfg config.Config, logger *log.Logger) error {
				return runInitStorage(ctx, cfg, logger, repair)
			})
		},
	}
	initStorage.Flags().BoolVar(&repair, "repair", false, "renumber positions to 1..N after creating the schema")

	root.AddCommand(serve, initStorage)
	root.RunE = serve.RunE
	return root
}

func runCommand(cmd *cobra.Command, cfgPath string, run func(context.Context, config.Config, *log.Logger) error) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), err)
		return err
	}
	logger := newLogger(cfg)
	if err := run(cmd.Context(), cfg, logger); err != nil {
		logger.WithError(err).Error("command failed")
		return err
	}
	return nil
}

func newLogger(cfg config.Config) *log.Logger {
	logger := log.New()
	if cfg.LogFormat == "json" {
		logger.SetFormatter(&log.JSONFormatter{})
	}
	if cfg.Debug {
		logger.SetLevel(log.DebugLevel)
	}
	return logger
}

// openStore returns the configured driver. The mysql driver creates the
// database and schema first when auto migration is on.
func openStore(ctx context.Context, cfg config.Config, logger *log.Logger, migrate bool) (backingStore, error) {
	if cfg.StorageDriver == config.DriverMemory {
		logger.Warn("using in-memory storage; data is lost on exit")
		return storage.NewMemory(), nil
	}
	if migrate {
		if err := storage.CreateDatabase(ctx, cfg.MySQL); err != nil {
			return nil, fmt.Errorf("create database: %w", err)
		}
	}
	st, err := storage.Open(ctx, cfg.MySQL)
	if err != nil {
		return nil, err
	}
	if migrate {
		if err := st.EnsureSchema(ctx); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
	}
	logger.WithFields(log.Fields{
		"host":     cfg.MySQL.Host,
		"database": cfg.MySQL.Database,
	}).Info("storage ready")
	return st, nil
}
