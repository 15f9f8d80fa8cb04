package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"encounterCollab/backend/config"
	"encounterCollab/backend/internal/cache"
	"encounterCollab/backend/internal/collab"
	"encounterCollab/backend/internal/httpapi/handlers"
	"encounterCollab/backend/internal/httpapi/middleware"
	"encounterCollab/backend/internal/store"
	"encounterCollab/backend/internal/ws"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("init config failed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	strategies, err := buildStrategies(cfg.Collab.ConflictStrategy, cfg.Collab.StrategyOverrides)
	if err != nil {
		logger.Fatal("invalid conflict strategy", zap.Error(err))
	}

	// === Redis：在线成员镜像（单机/集群均可） ===
	var presence cache.PresenceCache
	if len(cfg.Redis.Addrs) > 0 {
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.Redis.Addrs,
			Password: cfg.Redis.Password,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatal("failed to connect redis", zap.Error(err))
		}
		defer rdb.Close()
		presence = cache.NewRedisPresence(rdb)
	}

	// === MySQL：初始快照来源 + 定稿落库 ===
	var docStore *store.DocumentStore
	if cfg.Mysql.DSN != "" {
		db, err := store.InitMySQL(cfg.Mysql.DSN)
		if err != nil {
			logger.Fatal("failed to connect mysql", zap.Error(err))
		}
		if sqlDB, err := db.DB(); err == nil {
			defer sqlDB.Close()
		}
		docStore = store.NewDocumentStore(db)
	}

	hub := ws.NewHub(logger.Named("hub"))
	publishers := collab.MultiPublisher{hub}

	// === Kafka：已应用操作的审计流 ===
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaCfg := sarama.NewConfig()
		// SyncProducer 必须开启 Return.Successes
		kafkaCfg.Producer.Return.Successes = true
		kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
		producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
		if err != nil {
			logger.Fatal("failed to connect kafka", zap.Error(err))
		}
		dispatcher := collab.NewEventDispatcher(producer, cfg.Kafka.Topic, collab.EventDispatcherOptions{
			QueueSize:   cfg.Kafka.QueueSize,
			Workers:     cfg.Kafka.Workers,
			MaxRetry:    cfg.Kafka.MaxRetry,
			BaseBackoff: 50 * time.Millisecond,
			MaxBackoff:  time.Second,
		}, logger.Named("kafka"))
		// 先停队列再关 producer
		defer producer.Close()
		defer dispatcher.Close()
		publishers = append(publishers, dispatcher)
	}

	regOpts := collab.RegistryOptions{
		Session: collab.SessionOptions{
			LockTTL:         cfg.Collab.LockTTL,
			OperationLogCap: cfg.Collab.OperationLogCap,
		},
		Strategies: strategies,
		Publisher:  publishers,
		Logger:     logger.Named("sessions"),
	}
	if docStore != nil {
		regOpts.Source = docStore
	}
	sessions := collab.NewSessionRegistry(regOpts)

	wsHandler := ws.NewHandler(hub, sessions, ws.HandlerOptions{
		Presence:       presence,
		PresenceTTL:    cfg.Redis.PresenceTTL,
		MaxInflightOps: int64(cfg.Collab.MaxInflightOps),
		Logger:         logger.Named("ws"),
	})
	manager := ws.NewManager(wsHandler, ws.ConnOptions{
		SendQueueSize: cfg.Collab.SendQueueSize,
		WriteTimeout:  cfg.Collab.WriteTimeout,
	}, cfg.Cors.AllowedOrigins, logger.Named("ws"))

	var sink collab.FinalizationSink
	if docStore != nil {
		sink = docStore
	}
	sessionHandler := handlers.NewSessionHandler(sessions, hub, presence, sink, logger.Named("http"))

	go collab.NewJanitor(sessions, cfg.Collab.SweepInterval, logger.Named("janitor")).Run(ctx)
	if cfg.Collab.AutosaveInterval > 0 && sink != nil {
		go collab.NewAutosaver(sessions, sink, cfg.Collab.AutosaveInterval, logger.Named("autosave")).Run(ctx)
	}

	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	if cfg.Cors.Enabled {
		corsCfg := cors.DefaultConfig()
		if len(cfg.Cors.AllowedOrigins) > 0 {
			corsCfg.AllowOrigins = cfg.Cors.AllowedOrigins
		} else {
			corsCfg.AllowAllOrigins = true
		}
		corsCfg.AddAllowHeaders("Authorization")
		r.Use(cors.New(corsCfg))
	}

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "ok", "sessions": len(sessions.ResourceIDs()), "connections": hub.Len()})
	})
	group := r.Group("/collab")
	// 从 Authorization 或 ?token= 提取令牌并写入 Principal
	group.Use(middleware.AuthMiddleware([]byte(cfg.Auth.Secret)))
	group.GET("/ws", manager.WebSocketConnect)
	sessionHandler.Register(group)

	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Running.Port), Handler: r}
	go func() {
		logger.Info("collab server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
}

func buildStrategies(def string, overrides map[string]string) (collab.StrategySelector, error) {
	defStrategy, err := collab.StrategyByName(def)
	if err != nil {
		return nil, err
	}
	byResource := make(map[string]collab.Strategy, len(overrides))
	for resourceID, name := range overrides {
		s, err := collab.StrategyByName(name)
		if err != nil {
			return nil, fmt.Errorf("resource %s: %w", resourceID, err)
		}
		byResource[strings.ToLower(resourceID)] = s
	}
	static := collab.StaticStrategies(defStrategy, byResource)
	// viper 会把 map 的 key 转成小写
	return func(resourceID string) collab.Strategy {
		return static(strings.ToLower(resourceID))
	}, nil
}
