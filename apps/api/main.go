package main

import (
	"context"
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
	"github.com/mahaj/campus-realtime/pkg/snowflake"
	"github.com/mahaj/campus-realtime/pkg/store"
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
		logg.Fatalw("api stopped", "error", err)
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

	var notifier notify.Notifier
	switch cfg.NotifyMode {
	case config.NotifyKafka:
		publisher := notify.NewPublisher(cfg.Brokers(), cfg.KafkaNotifyTopic, logg)
		defer publisher.Close()
		notifier = publisher
	default:
		node, err := snowflake.Acquire(ctx, rdb, cfg.NodeID, cfg.Instance()+"/api", cfg.NodeLeaseTTL, logg)
		if err != nil {
			return fmt.Errorf("snowflake node: %w", err)
		}
		defer node.Close(context.Background())

		// the gateways own the channels and pick live pushes up from redis
		live := notify.NewRedisPusher(rdb, cfg.NotifyLiveChannel, logg)
		fanout := notify.NewFanOut(st, st, node, live, logg, m)
		dispatcher := notify.NewDispatcher(fanout, cfg.NotifyWorkers, cfg.NotifyQueueSize, cfg.StoreTimeout, logg, m)
		defer dispatcher.Close()
		notifier = dispatcher
	}

	handler := newRouter(routes{
		signer:   auth.NewSigner(cfg.JWTSecret),
		store:    st,
		presence: presence.NewRedisMirror(rdb),
		notifier: notifier,
		pageSize: cfg.HistoryPageSize,
		gatherer: prometheus.DefaultGatherer,
		log:      logg,
	})
	srv := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logg.Infow("api listening", "addr", cfg.APIAddr, "store", cfg.StoreBackend)
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

type routes struct {
	signer   *auth.Signer
	store    store.Store
	presence PresenceReader
	notifier notify.Notifier
	pageSize int
	gatherer prometheus.Gatherer
	log      *zap.SugaredLogger
}

func newRouter(rt routes) http.Handler {
	history := NewHistoryHandler(rt.store, rt.store, rt.pageSize, rt.log)
	notes := NewNotificationsHandler(rt.store, rt.pageSize, rt.log)
	online := NewPresenceHandler(rt.presence, rt.log)
	hooks := NewHooksHandler(rt.notifier, rt.store, rt.log)

	protected := func(h http.HandlerFunc) http.Handler {
		return AuthMiddleware(rt.signer, rt.log, h)
	}

	mux := http.NewServeMux()
	mux.Handle("GET /history", protected(history.Public))
	mux.Handle("GET /conversations/{peerId}", protected(history.Conversation))
	mux.Handle("GET /notifications", protected(notes.List))
	mux.Handle("POST /notifications/{id}/read", protected(notes.MarkRead))
	mux.Handle("GET /presence", protected(online.Online))
	mux.Handle("GET /presence/{userId}", protected(online.User))
	mux.Handle("POST /hooks/{kind}", protected(hooks.ServeHTTP))
	mux.Handle("GET /metrics", promhttp.HandlerFor(rt.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return CORSMiddleware(mux)
}
