// Command notifier runs the notification fan-out writer when NOTIFY_MODE=kafka.
// It consumes events published by gateways and api instances, writes one record per
// recipient and publishes every written record for the gateways to push.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mahaj/campus-realtime/pkg/config"
	"github.com/mahaj/campus-realtime/pkg/logger"
	"github.com/mahaj/campus-realtime/pkg/metrics"
	"github.com/mahaj/campus-realtime/pkg/notify"
	"github.com/mahaj/campus-realtime/pkg/snowflake"
	"github.com/mahaj/campus-realtime/pkg/store/backend"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logg, err := logger.New(cfg.LogLevel, cfg.LogDev)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logg.Sync()

	if cfg.NotifyMode != config.NotifyKafka {
		logg.Warnw("notifier started while NOTIFY_MODE is not kafka, gateways will not publish to it", "mode", cfg.NotifyMode)
	}

	if err := run(cfg, logg); err != nil && !errors.Is(err, context.Canceled) {
		logg.Fatalw("notifier stopped", "error", err)
	}
}

func run(cfg *config.Config, logg *zap.SugaredLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New(prometheus.DefaultRegisterer)

	st, err := backend.Open(ctx, cfg, logg)
	if err != nil {
		return err
	}
	defer st.Close(context.Background())

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	defer rdb.Close()

	node, err := snowflake.Acquire(ctx, rdb, cfg.NodeID, cfg.Instance()+"/notifier", cfg.NodeLeaseTTL, logg)
	if err != nil {
		return fmt.Errorf("snowflake node: %w", err)
	}
	defer node.Close(context.Background())

	deliveries := notify.NewDeliveryPublisher(cfg.Brokers(), cfg.KafkaDeliveryTopic, logg)
	defer deliveries.Close()

	fanout := notify.NewFanOut(st, st, node, deliveries, logg, m)
	consumer := notify.NewEventConsumer(cfg.Brokers(), cfg.KafkaNotifyTopic, cfg.KafkaGroupID, fanout, cfg.StoreTimeout, logg)
	defer consumer.Close()

	// metrics only, the notifier has no request surface
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: cfg.NotifierAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logg.Errorw("metrics listener stopped", "error", err)
		}
	}()
	defer srv.Close()

	logg.Infow("notifier consuming", "metrics", cfg.NotifierAddr, "topic", cfg.KafkaNotifyTopic, "group", cfg.KafkaGroupID,
		"deliveries", cfg.KafkaDeliveryTopic, "store", cfg.StoreBackend)
	return consumer.Run(ctx)
}
