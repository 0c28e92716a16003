package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-exam-api/internal/config"
	"github.com/noah-isme/gema-exam-api/internal/database"
	"github.com/noah-isme/gema-exam-api/internal/handler"
	"github.com/noah-isme/gema-exam-api/internal/middleware"
	"github.com/noah-isme/gema-exam-api/internal/observability"
	"github.com/noah-isme/gema-exam-api/internal/repository"
	"github.com/noah-isme/gema-exam-api/internal/router"
	"github.com/noah-isme/gema-exam-api/internal/scheduler"
	"github.com/noah-isme/gema-exam-api/internal/service"
	"github.com/noah-isme/gema-exam-api/pkg/ai"
	cloud "github.com/noah-isme/gema-exam-api/pkg/cloudinary"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := zerolog.New(os.Stderr)
		bootLogger.Fatal().Err(err).Msg("failed to load configuration")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stdout).Level(level).With().Timestamp().Str("service", cfg.AppName).Logger()

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	if err := database.Migrate(db); err != nil {
		logger.Fatal().Err(err).Msg("failed to migrate database")
	}
	observability.RegisterMetrics()

	probes := map[string]handler.HealthProbe{"database": dbProbe(db)}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = database.ConnectRedis(context.Background(), cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer redisClient.Close()
		probes["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	}

	var natsConn *nats.Conn
	if cfg.NATSURL != "" {
		natsConn, err = database.ConnectNATS(cfg.NATSURL, cfg.AppName, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("nats unavailable, submission events limited to redis")
		} else {
			defer natsConn.Drain()
		}
	}

	var locator service.ImageLocator = service.LocalImageLocator{Root: cfg.MediaRoot}
	if cfg.CloudinaryEnabled() {
		cloudLocator, err := cloud.New(cloud.Config{
			CloudName: cfg.CloudinaryCloudName,
			APIKey:    cfg.CloudinaryAPIKey,
			APISecret: cfg.CloudinaryAPISecret,
			Folder:    cfg.CloudinaryUploadFolder,
		}, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create cloudinary client")
		}
		locator = cloudLocator
	}

	grader, err := newGrader(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create ai grader")
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	repos := repository.NewRepositories(db)
	tx := repository.NewTransactor(db)
	events := service.NewSubmissionEventPublisher(redisClient, natsConn, cfg.EventChannel, logger)

	finalizeService := service.NewFinalizeService(repos, tx, logger)
	reviewService := service.NewReviewService(repos.Submissions, validate, events, logger)
	gradingService := service.NewGradingService(repos, grader, locator, events, service.GradingConfig{Timeout: cfg.Pipeline.GradingTimeout}, logger)
	maintenanceService := service.NewMaintenanceService(repos, finalizeService, repository.RetryPolicy{
		MaxRetries: cfg.Pipeline.MaxRetries,
		StuckAfter: cfg.Pipeline.StuckAfter,
		RetryAfter: cfg.Pipeline.RetryAfter,
	}, logger)

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
	})

	middleware.Register(app, middleware.Config{Logger: &logger})
	router.Register(app, cfg, router.Dependencies{
		SubmissionHandler: handler.NewSubmissionHandler(finalizeService, reviewService, validate, logger),
		HealthProbes:      probes,
		JWTMiddleware:     middleware.JWTProtected(cfg.JWTSecret),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pipelineDone := make(chan error, 1)
	if cfg.Pipeline.Enabled {
		go func() {
			pipelineDone <- scheduler.Run(ctx, scheduler.Dependencies{
				Grading:     gradingService,
				Maintenance: maintenanceService,
				Logger:      logger,
			}, scheduler.Config{
				Workers:                cfg.Pipeline.Workers,
				PollInterval:           cfg.Pipeline.PollInterval,
				GradingTimeout:         cfg.Pipeline.GradingTimeout,
				CloseExpiredInterval:   cfg.Pipeline.CloseExpiredInterval,
				CompletedExamsInterval: cfg.Pipeline.CompletedExamsInterval,
				RetryFailedInterval:    cfg.Pipeline.RetryFailedInterval,
			})
		}()
	} else {
		close(pipelineDone)
	}

	go func() {
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			logger.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	waitForShutdown(ctx, app, pipelineDone, logger)
}

func newGrader(cfg config.Config, logger zerolog.Logger) (ai.Grader, error) {
	switch cfg.AIProvider {
	case "anthropic":
		return ai.NewAnthropicGrader(ai.AnthropicConfig{
			APIKey:            cfg.AnthropicAPIKey,
			Model:             cfg.AIModel,
			RequestsPerMinute: cfg.AIRequestsPerMinute,
			Logger:            logger,
		})
	default:
		return ai.NewOpenAIGrader(ai.OpenAIConfig{
			APIKey:            cfg.OpenAIAPIKey,
			BaseURL:           cfg.OpenAIBaseURL,
			Model:             cfg.AIModel,
			RequestsPerMinute: cfg.AIRequestsPerMinute,
			Logger:            logger,
		})
	}
}

func dbProbe(db *gorm.DB) handler.HealthProbe {
	return func(ctx context.Context) error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.PingContext(ctx)
	}
}

func waitForShutdown(ctx context.Context, app *fiber.App, pipelineDone <-chan error, logger zerolog.Logger) {
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}

	// workers finish their in-flight submission before returning
	if err := <-pipelineDone; err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("grading pipeline stopped with error")
	}

	logger.Info().Msg("server stopped")
}
