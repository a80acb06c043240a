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

	"github.com/mahaj/campus-realtime/pkg/auth"
	"github.com/mahaj/campus-realtime/pkg/config"
	"github.com/mahaj/campus-realtime/pkg/logger"
	"github.com/mahaj/campus-realtime/pkg/metrics"
	"github.com/mahaj/campus-realtime/pkg/notify"
	"github.com/mahaj/campus-realtime/pkg/presence"
	"github.com/mahaj/campus-realtime/pkg/relay"
	"github.com/mahaj/campus-realtime/pkg/signaling"
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

	if err := run(cfg, logg); err != nil {
		logg.Fatalw("gateway stopped", "error", err)
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

	node, err := snowflake.Acquire(ctx, rdb, cfg.NodeID, cfg.Instance()+"/gateway", cfg.NodeLeaseTTL, logg)
	if err != nil {
		return fmt.Errorf("snowflake node: %w", err)
	}
	defer node.Close(context.Background())

	registry := presence.NewRegistry()
	audience := presence.NewBroadcaster(registry, logg, m)
	live := notify.NewLivePusher(audience, logg)

	var notifier notify.Notifier
	switch cfg.NotifyMode {
	case config.NotifyKafka:
		publisher := notify.NewPublisher(cfg.Brokers(), cfg.KafkaNotifyTopic, logg)
		defer publisher.Close()
		notifier = publisher

		// every gateway sees every delivery and pushes the ones whose recipient it holds
		deliveries := notify.NewDeliveryConsumer(cfg.Brokers(), cfg.KafkaDeliveryTopic, deliveryGroup(cfg), live, logg)
		defer deliveries.Close()
		go func() {
			if err := deliveries.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logg.Errorw("delivery consumer stopped", "error", err)
			}
		}()
	default:
		fanout := notify.NewFanOut(st, st, node, live, logg, m)
		dispatcher := notify.NewDispatcher(fanout, cfg.NotifyWorkers, cfg.NotifyQueueSize, cfg.StoreTimeout, logg, m)
		defer dispatcher.Close()
		notifier = dispatcher

		// records the api writes arrive over redis
		liveRelay := notify.NewRedisRelay(rdb, cfg.NotifyLiveChannel, live, logg)
		go func() {
			if err := liveRelay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logg.Errorw("live notification relay stopped", "error", err)
			}
		}()
	}

	var mirror Mirror
	if cfg.PresenceMirror {
		if err := rdb.Ping(ctx).Err(); err != nil {
			logg.Warnw("redis unreachable, presence mirror disabled", "addr", cfg.RedisAddr, "error", err)
		} else {
			mirror = presence.NewRedisMirror(rdb)
		}
	}

	r := relay.New(st, st, audience, notifier, node, logg, m)
	calls := signaling.New(audience, st, notifier, cfg.CallRingTimeout, logg, m)
	hub := NewHub(registry, r, calls, st, mirror, cfg.StoreTimeout, logg, m)

	opts := clientOptions{
		maxMessageBytes: cfg.WSMaxMessageBytes,
		sendBuffer:      cfg.WSSendBuffer,
		ratePerSecond:   cfg.WSRatePerSecond,
		rateBurst:       cfg.WSRateBurst,
	}
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           newRouter(hub, auth.NewSigner(cfg.JWTSecret), opts, prometheus.DefaultGatherer),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logg.Infow("gateway listening", "addr", cfg.HTTPAddr, "store", cfg.StoreBackend, "notify", cfg.NotifyMode)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	logg.Infow("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// deliveryGroup is stable across restarts of one instance so a restart resumes
// its group instead of leaving another one behind on the broker.
func deliveryGroup(cfg *config.Config) string {
	return "gateway-" + cfg.Instance()
}

func newRouter(hub *Hub, signer *auth.Signer, opts clientOptions, gatherer prometheus.Gatherer) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		serveWs(hub, signer, opts, w, r)
	})
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}
