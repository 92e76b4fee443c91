package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
)

const createTasksTable = `CREATE TABLE IF NOT EXISTS tasks (
  id            BIGINT       NOT NULL AUTO_INCREMENT PRIMARY KEY,
  description   VARCHAR(100) NOT NULL,
  value_cents   BIGINT       NOT NULL,
  deadline      DATE         NOT NULL,
  display_order INT          NOT NULL,
  UNIQUE KEY uq_tasks_display_order (display_order)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`

// CreateDatabase connects without selecting a database and creates
// cfg.Database when it does not exist yet.
func CreateDatabase(ctx context.Context, cfg Config) error {
	if cfg.Database == "" {
		return fmt.Errorf("create database: name is empty")
	}
	db, err := sql.Open("mysql", cfg.DSN(""))
	if err != nil {
		return fmt.Errorf("open mysql: %w", err)
	}
	defer db.Close()

	err = retry(ctx, newRetryBackoff(cfg.ConnectMaxElapsed), isRetryableError, func() error {
		return db.PingContext(ctx)
	})
	if err != nil {
		return fmt.Errorf("connect mysql: %w", err)
	}
	name := "`" + strings.ReplaceAll(cfg.Database, "`", "``") + "`"
	if _, err := db.ExecContext(ctx, "CREATE DATABASE IF NOT EXISTS "+name+" CHARACTER SET utf8mb4"); err != nil {
		return fmt.Errorf("create database %s: %w", cfg.Database, err)
	}
	log.WithField("database", cfg.Database).Info("database ready")
	return nil
}

// EnsureSchema creates the tasks table when missing. Existing tables are
// left untouched.
func (s *Storage) EnsureSchema(ctx context.Context) error {
	err := s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, createTasksTable)
		return err
	})
	if err != nil {
		return fmt.Errorf("create tasks table: %w", err)
	}
	log.Debug("tasks table ready")
	return nil
}
