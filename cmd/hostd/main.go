package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"hostbox/internal/ai"
	"hostbox/internal/common/cache"
	"hostbox/internal/common/db"
	"hostbox/internal/common/mq"
	"hostbox/internal/common/storage"
	"hostbox/internal/host/audit"
	"hostbox/internal/host/autofix"
	"hostbox/internal/host/registry"
	"hostbox/internal/host/scanner"
	"hostbox/internal/host/service"
	"hostbox/internal/hostapi"
	"hostbox/internal/notify"
	"hostbox/pkg/utils/logger"

	"go.uber.org/zap"
)

const defaultConfigPath = "configs/hostd.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	flag.Parse()

	appCfg, err := loadAppConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load app config failed: %v\n", err)
		return
	}

	if err := logger.Init(appCfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		return
	}
	defer func() {
		_ = logger.Sync()
	}()

	aiClient, err := ai.NewClient(appCfg.AI)
	if err != nil {
		logger.Error(context.Background(), "init ai client failed", zap.Error(err))
		return
	}
	remoteScanner := ai.NewRemoteScanner(aiClient)
	generator := ai.NewRemoteGenerator(aiClient)

	// Redis is optional: without it verdicts simply are not cached.
	var verdictCache cache.Cache
	if appCfg.Redis.Addr != "" {
		redisCache, err := cache.NewRedisCacheWithConfig(&appCfg.Redis)
		if err != nil {
			logger.Error(context.Background(), "init redis failed", zap.Error(err))
			return
		}
		defer func() {
			_ = redisCache.Close()
		}()
		verdictCache = redisCache
	}

	var auditStore audit.Store = audit.NewMemoryStore()
	if appCfg.MySQL.DSN != "" {
		mysqlDB, err := db.NewMySQLWithConfig(&appCfg.MySQL)
		if err != nil {
			logger.Error(context.Background(), "init database failed", zap.Error(err))
			return
		}
		defer func() {
			_ = mysqlDB.Close()
		}()
		auditStore, err = audit.NewMySQLStore(context.Background(), mysqlDB)
		if err != nil {
			logger.Error(context.Background(), "init audit store failed", zap.Error(err))
			return
		}
	}

	var queue mq.MessageQueue
	if len(appCfg.Kafka.Brokers) > 0 {
		queue, err = mq.NewKafkaQueue(appCfg.Kafka)
		if err != nil {
			logger.Error(context.Background(), "init kafka failed", zap.Error(err))
			return
		}
		defer func() {
			_ = queue.Close()
		}()
	}

	var sink notify.Sink = notify.LogSink{}
	var producer mq.Producer
	if queue != nil {
		producer = queue
		sink = notify.NewQueueSink(queue, appCfg.Events.NotifyTopic)
	}
	recorder := audit.NewRecorder(auditStore, producer, appCfg.Events.AuditTopic)

	var objStore storage.ObjectStorage
	if appCfg.MinIO.Endpoint != "" {
		objStore, err = storage.NewMinIOStorage(appCfg.MinIO)
		if err != nil {
			logger.Error(context.Background(), "init minio failed", zap.Error(err))
			return
		}
	}

	reg := registry.New(appCfg.Host.Registry)
	scan := scanner.New(remoteScanner, verdictCache, appCfg.Host.Scanner)
	fixer := autofix.New(remoteScanner, generator, appCfg.Host.Autofix)

	hostSvc := service.New(appCfg.Host, service.Deps{
		Registry:  reg,
		Scanner:   scan,
		Generator: generator,
		Fixer:     fixer,
		Recorder:  recorder,
		Sink:      sink,
		Store:     objStore,
	})

	sweepCtx, sweepStop := context.WithCancel(context.Background())
	defer sweepStop()
	go reg.Sweep(sweepCtx, hostSvc.Reclaim)

	auth := hostapi.NewAuthService(appCfg.Auth.JWTSecret, appCfg.Auth.JWTIssuer)
	controller := hostapi.NewController(hostSvc, appCfg.Server.MaxUploadBytes)
	router := hostapi.NewRouter(controller, auth)

	httpServer := &http.Server{
		Addr:         appCfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  appCfg.Server.ReadTimeout,
		WriteTimeout: appCfg.Server.WriteTimeout,
		IdleTimeout:  appCfg.Server.IdleTimeout,
	}
	listener, err := net.Listen("tcp", appCfg.Server.Addr)
	if err != nil {
		logger.Error(context.Background(), "init http listener failed", zap.Error(err))
		return
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "hostd http server started", zap.String("addr", appCfg.Server.Addr))
		errCh <- httpServer.Serve(listener)
	}()

	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "http server stopped", zap.Error(err))
		}
	case <-shutdownCtx.Done():
		logger.Info(context.Background(), "shutdown signal received")
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error(context.Background(), "http server shutdown failed", zap.Error(err))
	}
}
