// Package backend opens the store selected by STORE_BACKEND.
package backend

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/mahaj/campus-realtime/pkg/config"
	"github.com/mahaj/campus-realtime/pkg/db"
	"github.com/mahaj/campus-realtime/pkg/store"
	"github.com/mahaj/campus-realtime/pkg/store/memory"
	"github.com/mahaj/campus-realtime/pkg/store/mongo"
	"github.com/mahaj/campus-realtime/pkg/store/scylla"
)

// Open connects to the configured backend. Schema is managed by scripts/migrate.
func Open(ctx context.Context, cfg *config.Config, log *zap.SugaredLogger) (store.Store, error) {
	switch cfg.StoreBackend {
	case config.BackendScylla:
		session, err := db.NewSession(cfg.Scylla(), cfg.ScyllaKeyspace, cfg.StoreTimeout)
		if err != nil {
			return nil, fmt.Errorf("connect scylla %v: %w", cfg.Scylla(), err)
		}
		log.Infow("store ready", "backend", cfg.StoreBackend, "keyspace", cfg.ScyllaKeyspace)
		return scylla.New(session), nil

	case config.BackendMongo:
		ctx, cancel := context.WithTimeout(ctx, cfg.StoreTimeout)
		defer cancel()
		s, err := mongo.Connect(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return nil, fmt.Errorf("connect mongo: %w", err)
		}
		log.Infow("store ready", "backend", cfg.StoreBackend, "database", cfg.MongoDatabase)
		return s, nil

	case config.BackendMemory:
		log.Warnw("using in-memory store, nothing survives a restart")
		return memory.New(), nil
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
}
