// Package main runs the fundraising HTTP server: payment webhooks, checkout,
// users, teams, donations and the live donation feed.
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

	"github.com/bravethewaves/backend/config"
	"github.com/bravethewaves/backend/internal/auth"
	"github.com/bravethewaves/backend/internal/donations"
	"github.com/bravethewaves/backend/internal/ledger"
	"github.com/bravethewaves/backend/internal/middleware"
	"github.com/bravethewaves/backend/internal/payments"
	"github.com/bravethewaves/backend/internal/realtime"
	"github.com/bravethewaves/backend/internal/teams"
	"github.com/bravethewaves/backend/internal/users"
	"github.com/bravethewaves/backend/internal/worker"
	"github.com/bravethewaves/backend/pkg/database"
	"github.com/bravethewaves/backend/pkg/queue"
	"github.com/bravethewaves/backend/pkg/redis"
	"github.com/bravethewaves/backend/pkg/response"
	"github.com/bravethewaves/backend/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()

	// Ledger
	var store ledger.Store
	switch cfg.Store.Driver {
	case "memory":
		logger.Warn("using in-memory ledger; data is lost on restart")
		store = ledger.NewMemory()
	default:
		pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
		if err != nil {
			logger.Fatal("database", zap.Error(err))
		}
		defer pool.Close()
		if err := database.Migrate(ctx, pool, logger); err != nil {
			logger.Fatal("migrate", zap.Error(err))
		}
		store = ledger.NewPostgres(pool)
	}

	// Redis: job queue, webhook event log and cross-instance feed fan-out
	var (
		rdb      *redis.Client
		jobQueue *queue.Queue
		events   payments.EventLog
		hub      *realtime.Hub
	)
	if cfg.Redis.Enabled {
		rdb, err = redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
		if err != nil {
			logger.Fatal("redis", zap.Error(err))
		}
		defer rdb.Close()
		jobQueue = queue.NewQueue(rdb.Client, logger)
		events = payments.NewRedisEventLog(rdb.Client)
		pubsub := realtime.NewRedisPubSub(rdb.Client, logger)
		hub = realtime.NewHub(logger, pubsub, pubsub)
	} else {
		logger.Warn("redis disabled; receipts and deferred rebuilds are off, feed is single-instance")
		hub = realtime.NewHub(logger, nil, nil)
	}

	var s3Client *storage.S3
	if cfg.AWS.Region != "" {
		s3Client, err = storage.NewS3(ctx, storage.S3Config{
			Region:               cfg.AWS.Region,
			AccessKeyID:          cfg.AWS.AccessKeyID,
			SecretAccessKey:      cfg.AWS.SecretAccessKey,
			ReceiptsBucket:       cfg.AWS.ReceiptsBucket,
			PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
		}, logger)
		if err != nil {
			logger.Warn("s3 disabled", zap.Error(err))
			s3Client = nil
		}
	}

	// Identity
	var verifier auth.Verifier
	switch cfg.Auth.Mode {
	case "emulator":
		logger.Warn("AUTH_MODE=emulator: identity tokens are NOT verified")
		verifier = auth.NewEmulatorVerifier()
	default:
		verifier = auth.NewJWTService(cfg.Auth.Secret, cfg.Auth.Issuer, cfg.Auth.ExpireHours)
	}

	// Payments
	feed := realtime.NewFeed(hub)
	var (
		jobs     payments.Jobs
		rebuilds teams.Rebuilds
	)
	if jobQueue != nil {
		jobs = jobQueue
		rebuilds = jobQueue
	}
	engine := payments.NewEngine(store, jobs, feed, logger)
	stripeClient := payments.NewStripe(cfg.Stripe, logger)
	webhookHandler := payments.NewWebhookHandler(stripeClient, engine, events, logger)
	checkoutHandler, err := payments.NewCheckoutHandler(stripeClient, store, cfg.Stripe, cfg.Server.ClientURL, logger)
	if err != nil {
		logger.Fatal("checkout", zap.Error(err))
	}

	userHandler := users.NewHandler(store, logger)
	teamHandler := teams.NewHandler(store, rebuilds, logger)
	var receiptLinks donations.ReceiptLinker
	if s3Client != nil {
		receiptLinks = s3Client
	}
	donationHandler := donations.NewHandler(store, receiptLinks, logger)

	requireAuth := middleware.Identity(verifier)
	optionalAuth := middleware.OptionalIdentity(verifier)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	router.GET("/health", func(c *gin.Context) {
		if rdb != nil && !rdb.Healthy(c.Request.Context()) {
			response.ServiceUnavailable(c, "redis unreachable")
			return
		}
		response.OK(c, gin.H{"status": "ok", "store": cfg.Store.Driver})
	})

	api := router.Group("/api")
	{
		// Processor webhook: raw body, signature checked in the handler
		api.POST("/stripe-webhook", webhookHandler.Handle)

		// Checkout
		api.POST("/create-checkout-session", optionalAuth, checkoutHandler.CreateDonation)
		api.POST("/create-registration-checkout", requireAuth, checkoutHandler.CreateRegistration)
		api.POST("/create-bundle-registration-checkout", requireAuth, checkoutHandler.CreateBundle)

		// Users and registration status
		api.POST("/users/sync", requireAuth, userHandler.Sync)
		api.PATCH("/users/me", requireAuth, userHandler.UpdateMe)
		api.GET("/registrations/me", requireAuth, userHandler.RegistrationMe)
		api.POST("/registrations/team", requireAuth, teamHandler.Create)
		api.POST("/registrations/join", requireAuth, teamHandler.Join)

		participants := api.Group("/participants")
		participants.GET("", userHandler.ListParticipants)
		participants.GET("/leaderboard", userHandler.Leaderboard)
		participants.GET("/search", userHandler.Search)
		participants.GET("/:id", userHandler.GetParticipant)

		publicTeams := api.Group("/public/teams")
		publicTeams.GET("", teamHandler.List)
		publicTeams.GET("/leaderboard", teamHandler.Leaderboard)
		publicTeams.GET("/search", teamHandler.Search)
		publicTeams.GET("/:name", optionalAuth, teamHandler.GetByName)
		publicTeams.GET("/:name/members", teamHandler.Members)

		// Team management (captain checks in the handler)
		teamMgmt := api.Group("/teams", requireAuth)
		teamMgmt.POST("/leave", teamHandler.Leave)
		teamMgmt.PUT("/:id", teamHandler.Update)
		teamMgmt.DELETE("/:id", teamHandler.Delete)
		teamMgmt.DELETE("/:id/members/:userId", teamHandler.RemoveMember)

		donationsGroup := api.Group("/donations")
		donationsGroup.GET("/user/:userId", donationHandler.ForUser)
		donationsGroup.GET("/teams/:teamId", donationHandler.ForTeam)
		donationsGroup.GET("/made/:userId", requireAuth, donationHandler.Made)
		donationsGroup.GET("/:paymentIntentId/receipt", requireAuth, donationHandler.Receipt)
	}

	// Live donation feed (public, read-only)
	router.GET("/ws/donations", realtime.ServeWs(hub, logger))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	// Background worker (receipts to S3, aggregate rebuilds)
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	if jobQueue != nil {
		var uploader worker.ReceiptUploader
		if s3Client != nil {
			uploader = s3Client
		}
		processor := worker.NewProcessor(store, uploader, jobQueue, logger)
		go processor.Run(workerCtx)
		logger.Info("in-process worker started", zap.Bool("receipts", s3Client != nil))
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
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
