// Package main runs the classroom gateway: websocket and long-poll transports in front of
// the room coordinator, plus the recordings endpoints.
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/lowband-classroom/backend/config"
	"github.com/lowband-classroom/backend/internal/classroom"
	"github.com/lowband-classroom/backend/internal/middleware"
	"github.com/lowband-classroom/backend/internal/realtime"
	"github.com/lowband-classroom/backend/internal/recordings"
	"github.com/lowband-classroom/backend/pkg/database"
	"github.com/lowband-classroom/backend/pkg/redis"
	"github.com/lowband-classroom/backend/pkg/response"
	"github.com/lowband-classroom/backend/pkg/storage"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	level := "info"
	if cfg != nil {
		level = cfg.Server.LogLevel
	}
	logger := newLogger(level)
	defer logger.Sync()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Recordings: PostgreSQL when configured, memory otherwise.
	var store recordings.Store = recordings.NewMemoryStore()
	if cfg.Database.URL != "" {
		pool, err := database.NewPostgresPool(ctx, cfg.Database.URL, cfg.Database.MaxConns, logger)
		if err != nil {
			logger.Fatal("database", zap.Error(err))
		}
		defer pool.Close()
		if err := database.Migrate(ctx, pool, logger); err != nil {
			logger.Fatal("migrate", zap.Error(err))
		}
		store = recordings.NewRepository(pool)
	} else {
		logger.Warn("DATABASE_URL not set, recordings are kept in memory")
	}

	var presigner recordings.Presigner
	if cfg.AWS.RecordingsBucket != "" {
		s3Client, err := storage.NewS3(ctx, storage.S3Config{
			Region:               cfg.AWS.Region,
			AccessKeyID:          cfg.AWS.AccessKeyID,
			SecretAccessKey:      cfg.AWS.SecretAccessKey,
			RecordingsBucket:     cfg.AWS.RecordingsBucket,
			PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
		}, logger)
		if err != nil {
			logger.Fatal("s3", zap.Error(err))
		}
		presigner = s3Client
	}
	recordingSvc := recordings.NewService(store, presigner, logger)

	logOpts := cfg.Classroom.LogOptions()
	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	var mirror *realtime.RedisMirror
	if rdb != nil {
		defer rdb.Close()
		mirror = realtime.NewRedisMirror(rdb, logger)
		logOpts.Mirror = mirror
	}

	coord := classroom.New(classroom.Options{
		VotePolicy: cfg.Classroom.VotePolicy,
		Log:        logOpts,
		Recordings: recordingSvc,
		Logger:     logger,
	})
	hub := realtime.NewHub(coord, realtime.HubOptions{
		DisconnectGrace: cfg.Classroom.DisconnectGrace,
		MaxPollWait:     cfg.Classroom.MaxPollWait,
		AllowedOrigins:  cfg.Server.CORSAllowedOrigins,
		Logger:          logger,
	})
	rtHandler := realtime.NewHandler(hub, logger)
	recordingHandler := recordings.NewHandler(recordingSvc, logger)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Logger(logger))
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))

	router.GET("/health", func(c *gin.Context) {
		response.OK(c, gin.H{"status": "ok", "clients": hub.ClientCount(), "rooms": len(coord.Rooms())})
	})

	// Realtime: websocket first, long-poll as the degraded transport. Identity is taken
	// from the participant_id, role and display_name query parameters.
	router.GET("/ws", realtime.ServeWs(hub, logger))
	rooms := router.Group("/rooms")
	{
		rooms.GET("/:id", rtHandler.Snapshot)
		rooms.GET("/:id/events", rtHandler.Events)
		rooms.GET("/:id/capture", rtHandler.Capture)
		rooms.POST("/:id/actions", rtHandler.PostAction)
	}

	router.GET("/recordings", recordingHandler.List)
	router.POST("/recordings", recordingHandler.Create)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if mirror != nil {
		g.Go(func() error { return mirror.Run(gctx) })
		logger.Info("redis event mirror started")
	}
	g.Go(func() error {
		<-gctx.Done()
		hub.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server stopped with error", zap.Error(err))
	}
	coord.Close()
	logger.Info("server stopped")
}

func newLogger(level string) *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if lvl, err := zap.ParseAtomicLevel(level); err == nil {
		config.Level = lvl
	}
	logger, _ := config.Build()
	return logger
}
