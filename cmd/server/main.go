// Package main runs the live-lecture portal HTTP server with WebSocket signaling
// and graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	webrtc "github.com/pion/webrtc/v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/edulive/backend/config"
	"github.com/edulive/backend/internal/auth"
	"github.com/edulive/backend/internal/lectures"
	"github.com/edulive/backend/internal/middleware"
	"github.com/edulive/backend/internal/presence"
	"github.com/edulive/backend/internal/recording"
	"github.com/edulive/backend/internal/signaling"
	"github.com/edulive/backend/internal/worker"
	"github.com/edulive/backend/pkg/database"
	"github.com/edulive/backend/pkg/queue"
	"github.com/edulive/backend/pkg/redis"
	"github.com/edulive/backend/pkg/response"
	"github.com/edulive/backend/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	var s3Client *storage.S3
	if cfg.AWS.Region != "" {
		s3Cfg := storage.S3Config{
			Region:               cfg.AWS.Region,
			AccessKeyID:          cfg.AWS.AccessKeyID,
			SecretAccessKey:      cfg.AWS.SecretAccessKey,
			RecordingsBucket:     cfg.AWS.RecordingsBucket,
			PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
		}
		s3Client, err = storage.NewS3(ctx, s3Cfg, logger)
		if err != nil {
			logger.Warn("s3 disabled", zap.Error(err))
		}
	}

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)

	// Auth
	authRepo := auth.NewRepository(pool)
	authHandler := auth.NewHandler(authRepo, jwtService, logger)

	// Live-session core: presence registry, recording coordinator, signaling.
	registry := presence.NewRegistry(time.Duration(cfg.Live.SessionGraceSec)*time.Second, logger)
	recRepo := recording.NewRepository(pool)
	coordinator := recording.NewCoordinator(recRepo, cfg.Live.StagingDir,
		time.Duration(cfg.Live.SnapshotIntervalSec)*time.Second, logger)

	jobQueue := queue.NewQueue(rdb.Client, logger)
	if s3Client != nil {
		coordinator.SetArchiver(jobQueue)
	}

	lectureRepo := lectures.NewRepository(pool)
	sigRouter := signaling.NewRouter(registry, coordinator, lectureRepo, logger)
	lectureHandler := lectures.NewHandler(lectureRepo, registry, sigRouter)
	recordingHandler := recording.NewHandler(coordinator, lectureRepo, s3Client, logger)
	archiveProcessor := worker.NewArchiveProcessor(recRepo, s3Client, jobQueue, logger)

	iceServers := make([]webrtc.ICEServer, 0, len(cfg.WebRTC.ICEUrls))
	for _, u := range cfg.WebRTC.ICEUrls {
		if u != "" {
			iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{u}})
		}
	}

	jwtValidate := func(token string) (userID, userName, role string, err error) {
		claims, err := jwtService.Validate(token)
		if err != nil {
			return "", "", "", err
		}
		return claims.UserID.String(), claims.FullName, claims.Role, nil
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	// Health: database reachability plus live-session and recording counts.
	router.GET("/health", func(c *gin.Context) {
		if err := pool.Ping(c.Request.Context()); err != nil {
			response.ServiceUnavailable(c, "database unreachable")
			return
		}
		response.OK(c, gin.H{
			"status":            "ok",
			"live_sessions":     registry.SessionCount(),
			"active_recordings": len(coordinator.ActiveSessions()),
		})
	})

	// Auth (public)
	authGroup := router.Group("/auth")
	{
		authGroup.POST("/login", authHandler.Login)
		authGroup.POST("/register", authHandler.Register)
	}

	// Protected API (JWT required)
	api := router.Group("")
	api.Use(middleware.JWT(jwtService))
	{
		// Users (admin only)
		api.GET("/users", middleware.RequireRole("admin"), authHandler.List)

		// Lectures
		api.GET("/lectures", lectureHandler.List)
		api.POST("/lectures", middleware.RequireRole("teacher"), lectureHandler.Create)
		api.GET("/lectures/:id", lectureHandler.GetByID)
		api.PATCH("/lectures/:id", middleware.RequireRole("teacher"), lectureHandler.Update)
		api.DELETE("/lectures/:id", middleware.RequireRole("teacher"), lectureHandler.Delete)

		// Going live, stopping, and live status
		api.POST("/lectures/:id/live/start", middleware.RequireRole("teacher"), lectureHandler.GoLive)
		api.POST("/lectures/:id/live/stop", middleware.RequireRole("teacher"), lectureHandler.EndLive)
		api.GET("/lectures/:id/live", lectureHandler.LiveStatus)

		// Recordings (HTTP surface; WebSocket control uses the same coordinator)
		api.POST("/lectures/:id/recording/start", middleware.RequireRole("teacher"), recordingHandler.Start)
		api.POST("/lectures/:id/recording/stop", middleware.RequireRole("teacher"), recordingHandler.Stop)
		api.GET("/lectures/:id/recording/status", recordingHandler.Status)
		api.GET("/lectures/:id/recordings", middleware.RequireRole("teacher", "admin"), recordingHandler.ListByLecture)
		api.GET("/recordings/:id", recordingHandler.GetByID)
		api.GET("/recordings/:id/download-url", recordingHandler.GenerateDownloadURL)
		api.DELETE("/recordings/:id", middleware.RequireRole("teacher", "admin"), recordingHandler.Delete)
		api.POST("/recordings/cleanup", middleware.RequireRole("admin"), recordingHandler.Cleanup)

		// ICE server list for browser peer connections
		api.GET("/webrtc/config", func(c *gin.Context) {
			response.OK(c, gin.H{"ice_servers": iceServers})
		})
	}

	// WebSocket (token in query; no Authorization header required)
	router.GET("/ws", signaling.ServeWs(sigRouter, logger, jwtValidate))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	// Background worker (archive upload to S3)
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	if s3Client != nil {
		go archiveProcessor.Run(workerCtx)
		logger.Info("archive worker started")
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	workerCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	registry.Close()
	coordinator.Close()
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
