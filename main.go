package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/herdsure/muzzleid/internal/config"
	"github.com/herdsure/muzzleid/internal/embedder"
	"github.com/herdsure/muzzleid/internal/geo"
	"github.com/herdsure/muzzleid/internal/handlers"
	"github.com/herdsure/muzzleid/internal/logging"
	"github.com/herdsure/muzzleid/internal/registry"
	"github.com/herdsure/muzzleid/internal/repository"
	"github.com/herdsure/muzzleid/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var store usecase.CattleStore
	if cfg.PersistenceEnabled() {
		db := initDatabase(ctx, cfg.DatabaseDSN, logger)
		repo := repository.NewCattleRepository(db, logger)
		if err := repo.AutoMigrate(ctx); err != nil {
			logger.Fatal("auto migrate failed", zap.Error(err))
		}
		store = repo
	} else {
		logger.Warn("no database configured, registrations will not survive restarts")
	}

	var cache usecase.Cache
	if cfg.CacheEnabled() {
		redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
		defer redisCancel()
		cache = usecase.NewRedisCache(initRedis(redisCtx, cfg.RedisAddr, logger))
	}

	embedClient, err := embedder.NewTFServing(ctx, cfg.EmbedderURL, cfg.EmbedderModel, cfg.EmbeddingDim, cfg.EmbedderTimeout, logger)
	if err != nil {
		logger.Fatal("failed to connect to model server", zap.Error(err))
	}

	settings := usecase.Settings{
		Thresholds: geo.Thresholds{
			Review:         cfg.ReviewThreshold,
			HighConfidence: cfg.HighConfidenceThreshold,
			MaxDistanceKm:  cfg.MaxDistanceKm,
		},
		VerifyThreshold:   cfg.VerifyThreshold,
		EmbeddingCacheTTL: cfg.EmbeddingCacheTTL,
		ResultCacheTTL:    cfg.ResultCacheTTL,
	}

	uc := usecase.NewIdentificationUseCase(registry.New(), embedClient, cache, store, settings, logger)

	loaded, err := uc.LoadRegistry(ctx)
	if err != nil {
		logger.Fatal("failed to warm-load registry", zap.Error(err))
	}
	if loaded > 0 {
		logger.Info("registry warm-loaded", zap.Int("records", loaded))
	}

	r := gin.Default()
	r.MaxMultipartMemory = handlers.MaxUploadSize

	handlers.RegisterRoutes(r, uc)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}

	logger.Info("muzzle identification service listening", zap.String("addr", cfg.ListenAddr))
	if err := serveHTTPServer(server, cfg.ShutdownTimeout, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func initDatabase(ctx context.Context, dsn string, zapLogger *zap.Logger) *gorm.DB {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		zapLogger.Fatal("failed to access db handle", zap.Error(err))
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		zapLogger.Fatal("database ping failed", zap.Error(err))
	}

	return db
}

func initRedis(ctx context.Context, addr string, zapLogger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err))
	}
	return client
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
