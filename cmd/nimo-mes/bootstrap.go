package main

import (
	"context"
	"fmt"
	"time"

	"github.com/bitfantasy/nimo-mes/internal/config"
	"github.com/bitfantasy/nimo-mes/internal/mes/archive"
	"github.com/bitfantasy/nimo-mes/internal/mes/event"
	"github.com/bitfantasy/nimo-mes/internal/mes/lock"
	"github.com/bitfantasy/nimo-mes/internal/mes/metrics"
	"github.com/bitfantasy/nimo-mes/internal/mes/repository"
	"github.com/bitfantasy/nimo-mes/internal/mes/service"
	"github.com/bitfantasy/nimo-mes/internal/mes/sse"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// app 进程级依赖，由各子命令共用
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	db       *gorm.DB
	rdb      *redis.Client
	hub      *sse.Hub
	kafka    *event.KafkaPublisher
	metrics  *metrics.Collector
	services *service.Services
}

func loadApp(ctx context.Context, withMetrics bool) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	zapLogger, err := initLogger(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("failed to init logger: %w", err)
	}

	a := &app{cfg: cfg, logger: zapLogger, hub: sse.NewHub(zapLogger.Named("sse"))}

	var store repository.Store
	switch cfg.Tracking.Store {
	case "memory":
		zapLogger.Warn("Using in-memory store, data is lost on exit")
		store = repository.NewMemoryStore()
	default:
		db, err := initDatabase(cfg.Database)
		if err != nil {
			return nil, err
		}
		a.db = db
		store = repository.NewGormStore(db, cfg.Database.LockTimeout)
	}

	var locker lock.Locker
	if cfg.Redis.Host != "" {
		a.rdb = initRedis(cfg.Redis)
		if err := a.rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		locker = lock.NewRedisLocker(a.rdb, cfg.Tracking.LockTTL, cfg.Tracking.LockTTL, zapLogger.Named("lock"))
	} else {
		zapLogger.Info("Redis not configured, using process-local unit locks")
	}

	publishers := event.Fanout{event.NewHubPublisher(a.hub, zapLogger.Named("sse"))}
	if brokers := event.ParseBrokers(cfg.Kafka.Brokers); len(brokers) > 0 {
		kp, err := event.NewKafkaPublisher(event.KafkaConfig{
			Brokers:  brokers,
			Topic:    cfg.Kafka.Topic,
			Username: cfg.Kafka.Username,
			Password: cfg.Kafka.Password,
			Timeout:  10 * time.Second,
		}, zapLogger.Named("kafka"))
		if err != nil {
			return nil, err
		}
		a.kafka = kp
		publishers = append(publishers, kp)
	}

	var archiver archive.Archiver
	if cfg.MinIO.Endpoint != "" {
		ma, err := archive.NewMinIOArchiver(archive.MinIOConfig{
			Endpoint:  cfg.MinIO.Endpoint,
			AccessKey: cfg.MinIO.AccessKey,
			SecretKey: cfg.MinIO.SecretKey,
			Bucket:    cfg.MinIO.Bucket,
			UseSSL:    cfg.MinIO.UseSSL,
		}, zapLogger.Named("archive"))
		if err != nil {
			return nil, err
		}
		if err := ma.EnsureBucket(ctx); err != nil {
			// 归档失败不影响扫码
			zapLogger.Warn("MinIO bucket unavailable, inspections will not be archived", zap.Error(err))
		} else {
			archiver = ma
		}
	}

	if withMetrics && cfg.Metrics.Enabled {
		a.metrics = metrics.NewCollector(nil)
	}

	a.services = service.NewServices(service.Dependencies{
		Store:     store,
		Locker:    locker,
		Publisher: publishers,
		Archiver:  archiver,
		Metrics:   a.metrics,
		Logger:    zapLogger,
		LockWait:  cfg.Tracking.LockTTL,
	}, service.Options{
		QualityOperation:       cfg.Tracking.QualityOperation,
		ShipmentOperation:      cfg.Tracking.ShipmentOperation,
		ModelGroupedOperations: cfg.Tracking.ModelGroupedOperations,
		Retry: repository.RetryPolicy{
			Attempts:  cfg.Tracking.RetryAttempts,
			BaseDelay: cfg.Tracking.RetryBaseDelay,
		},
	})
	return a, nil
}

func (a *app) Close() {
	if a.kafka != nil {
		if err := a.kafka.Close(); err != nil {
			a.logger.Warn("Failed to close kafka writer", zap.Error(err))
		}
	}
	if a.rdb != nil {
		a.rdb.Close()
	}
	if a.db != nil {
		if sqlDB, err := a.db.DB(); err == nil {
			sqlDB.Close()
		}
	}
	a.logger.Sync()
}

func initLogger(cfg config.LogConfig) (*zap.Logger, error) {
	var zapCfg zap.Config

	if cfg.Format == "json" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
	}

	switch cfg.Level {
	case "debug":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	}

	return zapCfg.Build()
}

func initDatabase(cfg config.DatabaseConfig) (*gorm.DB, error) {
	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	}

	db, err := gorm.Open(postgres.Open(cfg.DSN()), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	return db, nil
}

func initRedis(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
}
