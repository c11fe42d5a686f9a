package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"offline0/internal/bridge"
	"offline0/internal/config"
	"offline0/internal/fetch"
	"offline0/internal/lifecycle"
	"offline0/internal/lock"
	"offline0/internal/logging"
	"offline0/internal/server"
	"offline0/internal/store"
	"offline0/internal/strategy"
	"offline0/internal/syncq"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", getenvDefault("OFFLINE0_CONFIG", "/offline0.yaml"), "path to offline0.yaml")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("offline0 stopped", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open cache backend: %w", err)
	}
	defer func() {
		if err := backend.Close(); err != nil {
			logger.Warn("close cache backend", zap.Error(err))
		}
	}()

	var redisClient *redis.Client
	if cfg.Sync.Backend == "redis" {
		redisClient = lock.NewRedisClient(cfg.Sync.Redis.Addr, cfg.Sync.Redis.Password, cfg.Sync.Redis.DB)
		defer redisClient.Close()
	}
	queue, locker, err := openQueue(cfg, redisClient)
	if err != nil {
		return fmt.Errorf("open sync queue: %w", err)
	}
	defer queue.Close()

	origin, err := fetch.NewOrigin(cfg.Server.Origin, nil)
	if err != nil {
		return fmt.Errorf("origin: %w", err)
	}

	br := bridge.New(bridge.Options{AppName: cfg.Push.AppName, Logger: logger})
	engine := strategy.NewEngine(strategy.NewClassifier(cfg.Routing.APIMatcher), origin, strategy.Options{
		NetworkTimeout:  cfg.Routing.NetworkTimeoutDur,
		BackgroundLimit: cfg.Routing.BackgroundLimit,
		OfflinePage:     cfg.Precache.OfflinePage,
		Observer:        br,
		Logger:          logger,
	})
	ctrl := lifecycle.NewController(backend, origin, engine, lifecycle.Options{
		Concurrency: cfg.Precache.Concurrency,
		SkipWaiting: cfg.SkipWaiting(),
		OfflinePage: cfg.Precache.OfflinePage,
		Notifier:    br,
		Logger:      logger,
	})
	mgr := syncq.NewManager(queue, origin, syncq.Options{
		Tags:       cfg.Tags(),
		MaxPending: cfg.Sync.MaxPending,
		Locker:     locker,
		Observer:   br,
		Logger:     logger,
	})
	updater := lifecycle.NewUpdater(cfg.Precache.ManifestURL, nil, ctrl, logger)
	br.Attach(ctrl, updater)
	br.OnOnline(func() { mgr.DrainAsync(ctx) })

	manifest := lifecycle.Manifest{Version: cfg.Version, Paths: cfg.Precache.Paths}
	if err := ctrl.Start(ctx, manifest); err != nil {
		logger.Warn("no version active, passing requests through", zap.Error(err))
	}

	stats := server.NewStats()
	srv := server.New(server.Options{
		Fetcher:    ctrl,
		Sync:       mgr,
		SyncRoutes: cfg.Sync.Routes,
		Bridge:     br,
		AppName:    cfg.Push.AppName,
		ClickPaths: bridge.ClickPaths{Order: cfg.Push.OrderPath, Product: cfg.Push.ProductPath},
		Stats:      stats,
		Logger:     logger,
	})

	var wg sync.WaitGroup
	background := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}
	background(func() { retryInstall(ctx, ctrl, manifest, logger) })
	background(func() { mgr.Run(ctx, cfg.Sync.RetryEveryDur) })
	background(func() { updater.Run(ctx, cfg.Precache.CheckEveryDur) })
	background(func() { stats.Run(ctx, cfg.Logging.StatsEveryDur, backend, logger) })
	if cfg.Precache.ManifestURL != "" {
		background(func() {
			if _, err := updater.CheckForUpdates(ctx); err != nil && ctx.Err() == nil {
				logger.Warn("initial update check failed", zap.Error(err))
			}
		})
	}

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	httpSrv := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("offline0 listening", zap.String("addr", addr), zap.String("origin", cfg.Server.Origin),
			zap.Int("version", ctrl.ActiveVersion()))
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	wg.Wait()
	engine.Wait()
	mgr.Wait()
	return nil
}

// retryInstall keeps trying the boot install while nothing is active, e.g.
// when the origin was unreachable at startup.
func retryInstall(ctx context.Context, ctrl *lifecycle.Controller, m lifecycle.Manifest, logger *zap.Logger) {
	t := time.NewTicker(30 * time.Second)
	defer t.Stop()
	for ctrl.ActiveVersion() == 0 {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := ctrl.Install(ctx, m); err != nil && ctx.Err() == nil {
				logger.Debug("boot install retry failed", zap.Error(err))
			}
		}
	}
}

func openBackend(ctx context.Context, cfg config.Config, logger *zap.Logger) (store.Backend, error) {
	switch cfg.Storage.Backend {
	case "leveldb":
		return store.OpenLevelDB(cfg.Storage.Disk.Path, cfg.Storage.DiskMaxBytes, logger)
	case "s3":
		client, err := newS3Client(ctx, cfg.Storage.S3)
		if err != nil {
			return nil, err
		}
		return store.NewS3(cfg.Storage.S3.Bucket, cfg.Storage.S3.Prefix, client), nil
	case "tiered":
		var durable store.Backend
		if cfg.Storage.Durable == "s3" {
			client, err := newS3Client(ctx, cfg.Storage.S3)
			if err != nil {
				return nil, err
			}
			durable = store.NewS3(cfg.Storage.S3.Bucket, cfg.Storage.S3.Prefix, client)
		} else {
			db, err := store.OpenLevelDB(cfg.Storage.Disk.Path, cfg.Storage.DiskMaxBytes, logger)
			if err != nil {
				return nil, err
			}
			durable = db
		}
		return store.NewTiered(store.NewMemory(cfg.Storage.RAMMaxBytes, logger), durable), nil
	default:
		return store.NewMemory(cfg.Storage.RAMMaxBytes, logger), nil
	}
}

func newS3Client(ctx context.Context, c config.S3Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(c.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(c.AccessKey, c.SecretKey, "")),
	)
	if err != nil {
		return nil, err
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = true
		o.BaseEndpoint = aws.String(c.Endpoint)
	}), nil
}

func openQueue(cfg config.Config, client *redis.Client) (syncq.Queue, *lock.Locker, error) {
	switch cfg.Sync.Backend {
	case "leveldb":
		q, err := syncq.OpenLevelDB(cfg.Sync.Path)
		return q, nil, err
	case "redis":
		return syncq.NewRedis(client, "offline0:"), lock.NewLocker(client, "offline0:lock:", cfg.Sync.LockTTLDur), nil
	default:
		return syncq.NewMemory(), nil, nil
	}
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
