// Command migrate creates, or with -drop removes, the schema of the configured store.
package main

import (
	"context"
	"flag"
	"log"

	"go.uber.org/zap"

	"github.com/mahaj/campus-realtime/pkg/config"
	"github.com/mahaj/campus-realtime/pkg/db"
	"github.com/mahaj/campus-realtime/pkg/logger"
	"github.com/mahaj/campus-realtime/pkg/store/mongo"
)

func main() {
	drop := flag.Bool("drop", false, "drop the schema instead of creating it")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logg, err := logger.New(cfg.LogLevel, cfg.LogDev)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logg.Sync()

	switch cfg.StoreBackend {
	case config.BackendScylla:
		err = migrateScylla(cfg, *drop, logg)
	case config.BackendMongo:
		err = migrateMongo(cfg, *drop, logg)
	default:
		logg.Infow("nothing to migrate", "backend", cfg.StoreBackend)
		return
	}
	if err != nil {
		logg.Fatalw("migration failed", "backend", cfg.StoreBackend, "drop", *drop, "error", err)
	}
	logg.Infow("migration done", "backend", cfg.StoreBackend, "drop", *drop)
}

func migrateScylla(cfg *config.Config, drop bool, logg *zap.SugaredLogger) error {
	if !drop {
		if err := db.EnsureKeyspace(cfg.Scylla(), cfg.ScyllaKeyspace, cfg.StoreTimeout); err != nil {
			return err
		}
		logg.Infow("keyspace ready", "keyspace", cfg.ScyllaKeyspace)
	}

	session, err := db.NewSession(cfg.Scylla(), cfg.ScyllaKeyspace, cfg.StoreTimeout)
	if err != nil {
		return err
	}
	defer session.Close()

	if drop {
		return session.DropSchema()
	}
	return session.EnsureSchema()
}

func migrateMongo(cfg *config.Config, drop bool, logg *zap.SugaredLogger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 4*cfg.StoreTimeout)
	defer cancel()

	s, err := mongo.Connect(ctx, cfg.MongoURI, cfg.MongoDatabase)
	if err != nil {
		return err
	}
	defer s.Close(context.Background())

	if drop {
		logg.Warnw("dropping database", "database", cfg.MongoDatabase)
		return s.Drop(ctx)
	}
	return s.EnsureIndexes(ctx)
}
