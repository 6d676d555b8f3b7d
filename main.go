package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	glog "github.com/goliatone/go-logger/glog"
	"github.com/redis/go-redis/v9"

	"webhookrelay/connection"
	"webhookrelay/delivery"
	health "webhookrelay/health"
	"webhookrelay/internal/bridge"
	"webhookrelay/internal/config"
	"webhookrelay/internal/logging"
	"webhookrelay/internal/metrics"
	"webhookrelay/queue"
	"webhookrelay/ratelimit"
	"webhookrelay/storage"
	tlsconfig "webhookrelay/tlsconfig"
)

const shutdownTimeout = 30 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}
	logger := logging.New(logging.Options{Debug: cfg.Debug, Format: cfg.LogFormat})

	rec, err := metrics.New()
	if err != nil {
		logger.Error("metrics setup failed", "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		logger.Error("open durable store failed", "backend", cfg.StoreBackend, "error", err)
		return 1
	}
	logger.Info("durable store ready", "backend", cfg.StoreBackend)

	q := queue.New(store,
		queue.WithLogger(logging.Named(logger, "queue")),
		queue.WithMetrics(rec),
	)

	tlsConf, err := tlsconfig.LoadClientTLSConfig(cfg.WebhookTLSCA, cfg.WebhookTLSCert, cfg.WebhookTLSKey)
	if err != nil {
		logger.Error("load webhook TLS config failed", "error", err)
		_ = store.Close()
		return 1
	}
	client, err := delivery.NewClient(cfg.WebhookURL,
		delivery.WithTimeout(cfg.WebhookTimeout()),
		delivery.WithTLSConfig(tlsConf),
		delivery.WithClientLogger(logging.Named(logger, "webhook")),
	)
	if err != nil {
		logger.Error("webhook client setup failed", "error", err)
		_ = store.Close()
		return 1
	}

	fwd := delivery.NewForwarder(q, client,
		delivery.WithLogger(logging.Named(logger, "forwarder")),
		delivery.WithMetrics(rec),
		delivery.WithInterval(cfg.DrainInterval()),
		delivery.WithDestinationPrefix(cfg.DestinationPrefix),
	)

	limiter := ratelimit.New()
	limiter.StartJanitor(ctx)

	mgr := connection.NewManager(
		bridge.NewDialer(cfg.BridgeAddr, bridge.WithLogger(logging.Named(logger, "bridge"))),
		connection.NewStoreCredentials(store),
		limiter,
		notifyingQueue(q, fwd),
		connection.WithLogger(logging.Named(logger, "connection")),
		connection.WithMetrics(rec),
	)

	healthSrv, _, err := health.StartHealthServer(":"+strconv.Itoa(cfg.Port),
		readiness(mgr),
		rec.Snapshot,
		health.WithLogger(logging.Named(logger, "health")),
	)
	if err != nil {
		logger.Error("health server failed to start", "port", cfg.Port, "error", err)
		_ = store.Close()
		return 1
	}

	fwd.Start()
	if err := mgr.Start(ctx); err != nil {
		logger.Error("protocol session failed to start", "bridge", cfg.BridgeAddr, "error", err)
		shutdown(logger, fwd, mgr, store, rec)
		_ = healthSrv.Close()
		return 1
	}
	logger.Info("relay started", "webhook", client.URL(), "bridge", cfg.BridgeAddr, "port", cfg.Port)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-mgr.Fatal():
		// The relay keeps draining what is queued; a restart restores the session.
		logger.Error("connection subsystem stopped, restart required", "error", err)
		<-ctx.Done()
		logger.Info("shutdown signal received")
	}

	shutdown(logger, fwd, mgr, store, rec)
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = healthSrv.Shutdown(sctx)
	logger.Info("shutdown complete")
	return 0
}

// openStore selects the durable store backend.
func openStore(ctx context.Context, cfg config.Config) (storage.Store, error) {
	switch cfg.StoreBackend {
	case config.BackendSQLite, config.BackendPostgres:
		driver := storage.DriverSQLite
		if cfg.StoreBackend == config.BackendPostgres {
			driver = storage.DriverPostgres
		}
		s, err := storage.OpenSQLStore(ctx, driver, cfg.DatabaseDSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.BackendRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		_, err := rdb.Ping(pingCtx).Result()
		cancel()
		if err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		return storage.NewRedisStore(rdb, storage.WithRedisPrefix(cfg.RedisPrefix)), nil
	default:
		s, err := storage.NewFileStore(cfg.DataDir)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

type kicker interface {
	Notify()
}

// notifyingQueue enqueues and then asks the forwarder for an early drain.
func notifyingQueue(q connection.Enqueuer, k kicker) connection.Enqueuer {
	return connection.EnqueueFunc(func(ctx context.Context, sender, body string) (string, error) {
		id, err := q.Enqueue(ctx, sender, body)
		if err == nil {
			k.Notify()
		}
		return id, err
	})
}

func readiness(mgr *connection.Manager) health.ReadyFunc {
	return func() (bool, string) {
		st := mgr.State()
		return st.Phase == connection.Connected, st.Phase.String()
	}
}

type closer interface {
	Close() error
}

type stopper interface {
	Stop(ctx context.Context) error
}

type shutdowner interface {
	Shutdown(ctx context.Context) error
}

// shutdown stops the forwarder first so no pass is cut short, then the
// session, then releases the store.
func shutdown(logger glog.Logger, fwd stopper, mgr shutdowner, store closer, rec shutdowner) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := fwd.Stop(ctx); err != nil {
		logger.Warn("forwarder did not stop cleanly", "error", err)
	}
	if err := mgr.Shutdown(ctx); err != nil {
		logger.Warn("connection shutdown failed", "error", err)
	}
	if err := store.Close(); err != nil {
		logger.Warn("close store failed", "error", err)
	}
	if rec != nil {
		if err := rec.Shutdown(ctx); err != nil {
			logger.Debug("metrics shutdown failed", "error", err)
		}
	}
}
