package main

import (
	"context"

	log "github.com/sirupsen/logrus"

	"tasklist-api/config"
	"tasklist-api/order"
)

// runInitStorage always migrates, regardless of storage.auto_migrate.
func runInitStorage(ctx context.Context, cfg config.Config, logger *log.Logger, repair bool) error {
	store, err := openStore(ctx, cfg, logger, true)
	if err != nil {
		return err
	}
	defer store.Close()

	if !repair {
		logger.Info("storage initialised")
		return nil
	}

	m := order.New(store, order.WithLogger(logger))
	changed, err := m.Renumber(ctx)
	if err != nil {
		return err
	}
	logger.WithField("changed", changed).Info("positions renumbered")
	return m.Check(ctx)
}
