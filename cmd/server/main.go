// Package main runs the quest marketplace HTTP server with WebSocket push
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
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/questforge/backend/config"
	"github.com/questforge/backend/internal/attention"
	"github.com/questforge/backend/internal/audit"
	"github.com/questforge/backend/internal/auth"
	"github.com/questforge/backend/internal/instances"
	"github.com/questforge/backend/internal/middleware"
	"github.com/questforge/backend/internal/notify"
	"github.com/questforge/backend/internal/quests"
	"github.com/questforge/backend/internal/realtime"
	"github.com/questforge/backend/internal/squads"
	"github.com/questforge/backend/pkg/database"
	"github.com/questforge/backend/pkg/queue"
	"github.com/questforge/backend/pkg/redis"
	"github.com/questforge/backend/pkg/response"
	"github.com/questforge/backend/pkg/storage"
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
			MediaBucket:          cfg.AWS.MediaBucket,
			PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
		}
		s3Client, err = storage.NewS3(ctx, s3Cfg, logger)
		if err != nil {
			logger.Warn("s3 disabled", zap.Error(err))
		}
	}

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)
	redisPubSub := realtime.NewRedisPubSub(rdb.Client, logger)
	hub := realtime.NewHub(logger, redisPubSub, redisPubSub)

	// Auth
	authRepo := auth.NewRepository(pool)
	authHandler := auth.NewHandler(authRepo, jwtService, logger)

	// Shared collaborators
	auditRepo := audit.NewRepository(pool)
	jobQueue := queue.NewQueue(rdb.Client, logger)
	notifier := notify.NewQueueNotifier(jobQueue, logger)
	notifyRepo := notify.NewRepository(pool)
	notifyHandler := notify.NewHandler(notifyRepo, logger)

	// Quests
	questRepo := quests.NewRepository(pool)
	questService := quests.NewService(questRepo, auditRepo, notifier, logger)
	questHandler := quests.NewHandler(questRepo, questService, s3Client, logger)

	// Instances
	instanceRepo := instances.NewRepository(pool)
	instanceService := instances.NewService(instanceRepo, auditRepo, notifier, logger)

	// Squads
	squadRepo := squads.NewRepository(pool)
	squadService := squads.NewService(squadRepo, auditRepo, notifier, cfg.Squad, logger)

	// Attention flags for the operator dashboard; lifecycle handlers push
	// recomputed flags through it after state changes.
	attentionHandler := attention.NewHandler(instanceRepo, squadRepo, attention.ConfigFrom(cfg.Attention), hub, logger)

	instanceHandler := instances.NewHandler(instanceRepo, instanceService, hub, attentionHandler, logger)
	squadHandler := squads.NewHandler(squadRepo, squadService, hub, attentionHandler, logger)

	// Audit log reads
	auditHandler := audit.NewHandler(auditRepo, logger)

	jwtValidate := func(token string) (userID, role string, err error) {
		claims, err := jwtService.Validate(token)
		if err != nil {
			return "", "", err
		}
		return claims.UserID.String(), claims.Role, nil
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	// Health
	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })

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
		// Users
		api.GET("/users", middleware.RequireRole("admin"), authHandler.List)

		// Quests
		api.GET("/quests", questHandler.List)
		api.POST("/quests", middleware.RequireRole("admin", "creator"), questHandler.Create)
		api.GET("/quests/:id", questHandler.GetByID)
		api.POST("/quests/:id/approve", middleware.RequireRole("admin"), questHandler.Approve)
		api.POST("/quests/:id/reject", middleware.RequireRole("admin"), questHandler.Reject)
		api.POST("/quests/:id/request-changes", middleware.RequireRole("admin"), questHandler.RequestChanges)
		api.POST("/quests/:id/resubmit", middleware.RequireRole("admin", "creator"), questHandler.Resubmit)
		api.POST("/quests/:id/pause", middleware.RequireRole("admin"), questHandler.Pause)
		api.POST("/quests/:id/resume", middleware.RequireRole("admin"), questHandler.Resume)
		api.POST("/quests/:id/cancel", middleware.RequireRole("admin"), questHandler.Cancel)
		api.POST("/quests/:id/revoke", middleware.RequireRole("admin"), questHandler.Revoke)
		api.DELETE("/quests/:id", middleware.RequireRole("admin"), questHandler.Delete)
		api.POST("/quests/:id/cover", middleware.RequireRole("admin", "creator"), questHandler.UploadCover)
		api.GET("/quests/:id/cover-url", questHandler.CoverDownloadURL)

		// Instances
		api.GET("/instances", instanceHandler.List)
		api.GET("/instances/upcoming", middleware.RequireRole("admin"), instanceHandler.ListUpcoming)
		api.POST("/instances", middleware.RequireRole("admin", "creator"), instanceHandler.Create)
		api.POST("/instances/bulk", middleware.RequireRole("admin"), instanceHandler.Bulk)
		api.GET("/instances/:id", instanceHandler.GetByID)
		api.POST("/instances/:id/advance", middleware.RequireRole("admin", "creator"), instanceHandler.Advance)
		api.POST("/instances/:id/pause", middleware.RequireRole("admin"), instanceHandler.Pause)
		api.POST("/instances/:id/resume", middleware.RequireRole("admin"), instanceHandler.Resume)
		api.POST("/instances/:id/cancel", middleware.RequireRole("admin"), instanceHandler.Cancel)
		api.POST("/instances/:id/archive", middleware.RequireRole("admin"), instanceHandler.Archive)
		api.POST("/instances/:id/signup", instanceHandler.Join)
		api.DELETE("/instances/:id/signup", instanceHandler.Leave)
		api.GET("/instances/:id/squads", squadHandler.ListByInstance)
		api.GET("/instances/:id/attention", middleware.RequireRole("admin"), attentionHandler.Instance)

		// Squads
		api.POST("/squads", squadHandler.Create)
		api.POST("/squads/join", squadHandler.Join)
		api.GET("/squads/:id", squadHandler.GetByID)
		api.POST("/squads/:id/advance", middleware.RequireRole("admin"), squadHandler.Advance)
		api.POST("/squads/:id/ready", squadHandler.ConfirmReadiness)
		api.POST("/squads/:id/leader", squadHandler.TransferLeadership)
		api.PATCH("/squads/:id/name", squadHandler.Rename)
		api.PUT("/squads/:id/settings", squadHandler.UpdateSettings)
		api.POST("/squads/:id/invite-code", squadHandler.RegenerateInviteCode)
		api.DELETE("/squads/:id/members/:memberId", squadHandler.RemoveMember)
		api.POST("/squads/:id/archive", middleware.RequireRole("admin"), squadHandler.Archive)
		api.POST("/squads/:id/reactivate", middleware.RequireRole("admin"), squadHandler.Reactivate)

		// Attention dashboard
		api.GET("/attention", middleware.RequireRole("admin"), attentionHandler.Dashboard)

		// Audit log
		api.GET("/audit/:table/:id", middleware.RequireRole("admin"), auditHandler.ListByTarget)

		// Notifications
		api.GET("/notifications", notifyHandler.List)
		api.POST("/notifications/:id/read", notifyHandler.MarkRead)
	}

	// WebSocket (token in query; no Authorization header required)
	router.GET("/ws", func(c *gin.Context) {
		realtime.ServeWs(hub, logger, jwtValidate)(c)
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
