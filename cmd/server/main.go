package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang/glog"

	"github.com/Dancode-188/synckit/docsync/internal/config"
	"github.com/Dancode-188/synckit/docsync/internal/server"
	"github.com/Dancode-188/synckit/docsync/internal/storage"
)

func main() {
	flag.Parse()
	defer glog.Flush()

	cfg, err := config.Load()
	if err != nil {
		glog.Exitf("config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	deps, closeDeps, err := connect(ctx, cfg)
	cancel()
	if err != nil {
		glog.Exitf("startup: %v", err)
	}
	defer closeDeps()

	srv := server.New(cfg, deps)

	go func() {
		addr := cfg.Addr()
		glog.Infof("docsync relay starting on %s (%s)", addr, cfg.Environment)
		glog.Infof("health check: http://%s/health", addr)
		glog.Infof("websocket: ws://%s/ws", addr)

		if err := srv.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			glog.Exitf("failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	glog.Info("shutting down gracefully")

	ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		glog.Warningf("forced shutdown: %v", err)
	}

	glog.Info("server shut down")
}

// connect opens storage and, when configured, Redis. The returned func
// closes whatever was opened.
func connect(ctx context.Context, cfg *config.Config) (server.Deps, func(), error) {
	var (
		deps    server.Deps
		closers []func()
	)
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if cfg.DatabaseURL != "" {
		storageCfg := storage.DefaultStorageConfig()
		storageCfg.ConnectionString = cfg.DatabaseURL
		deps.Storage = storage.NewPostgresAdapter(storageCfg)
	} else {
		deps.Storage = storage.NewSQLiteAdapter(cfg.SQLitePath)
	}
	if err := deps.Storage.Connect(ctx); err != nil {
		return deps, closeAll, err
	}
	closers = append(closers, func() { deps.Storage.Disconnect(context.Background()) })

	if cfg.RedisURL == "" {
		glog.Info("REDIS_URL not set; permission cache and relay fan-out disabled")
		return deps, closeAll, nil
	}

	prefix := cfg.RedisChannelPrefix + ":"
	cache, err := storage.NewPermissionCache(cfg.RedisURL, prefix, cfg.PermissionCacheTTL)
	if err != nil {
		closeAll()
		return deps, func() {}, err
	}
	closers = append(closers, func() { cache.Close() })
	deps.Cache = cache

	pubsub, err := storage.NewRedisPubSub(&storage.RedisPubSubConfig{
		URL:           cfg.RedisURL,
		ChannelPrefix: prefix,
		MaxRetries:    3,
	})
	if err != nil {
		closeAll()
		return deps, func() {}, err
	}
	if err := pubsub.Connect(ctx); err != nil {
		closeAll()
		return deps, func() {}, err
	}
	closers = append(closers, func() { pubsub.Disconnect(context.Background()) })
	deps.PubSub = pubsub

	return deps, closeAll, nil
}
