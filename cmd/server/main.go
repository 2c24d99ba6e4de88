package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/pixora/api/internal/client"
	"github.com/pixora/api/internal/config"
	"github.com/pixora/api/internal/handler"
	"github.com/pixora/api/internal/jobs"
	"github.com/pixora/api/internal/ledger"
	"github.com/pixora/api/internal/middleware"
	"github.com/pixora/api/internal/model"
	"github.com/pixora/api/internal/notify"
	"github.com/pixora/api/internal/queue"
	"github.com/pixora/api/internal/service"
	"github.com/pixora/api/internal/settings"
	"github.com/pixora/api/internal/store"
	"github.com/pixora/api/internal/sweeper"
	"github.com/pixora/api/internal/worker"
	ws "github.com/pixora/api/internal/websocket"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx := context.Background()

	// Initialize Redis client
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Printf("Warning: Redis not available: %v", err)
	}

	// Initialize Postgres
	pool, err := store.NewPool(ctx, cfg.Postgres.DSN)
	if err != nil {
		log.Fatalf("Failed to connect to Postgres: %v", err)
	}
	defer pool.Close()
	if err := store.Migrate(ctx, pool); err != nil {
		log.Fatalf("Failed to apply schema: %v", err)
	}

	// Stores and ledger
	sessions := store.NewSessionStore(pool)
	deadLetters := store.NewDeadLetterStore(pool)
	creditLedger := ledger.New(pool)

	// Runtime-tunable settings
	settingsSource := settings.NewSource(redisClient, "settings:")

	// Queue backend: managed cloud queue when configured, local broker
	// otherwise
	q, closeQueue, err := buildQueue(ctx, cfg, settingsSource)
	if err != nil {
		log.Fatalf("Failed to initialize queue: %v", err)
	}
	defer closeQueue()

	// Notification bus and websocket hub
	bus := notify.NewRedisBus(redisClient)
	hub := ws.NewHub(bus)

	// External clients
	imageProvider := client.NewImageClient(cfg.ImageProvider.BaseURL, cfg.ImageProvider.APIKey)
	videoProvider := client.NewVideoClient(cfg.VideoProvider.BaseURL, cfg.VideoProvider.APIKey)
	if !imageProvider.IsConfigured() {
		log.Println("Info: image provider not configured, using mock generation")
	}
	if !videoProvider.IsConfigured() {
		log.Println("Info: video provider not configured, using mock generation")
	}

	// Object storage (optional - continues if not configured)
	var storage client.StorageClient
	if cfg.R2.AccessKeyID != "" && cfg.R2.SecretAccessKey != "" {
		r2Client, err := client.NewR2Client(&cfg.R2)
		if err != nil {
			log.Printf("Warning: R2 client not initialized: %v", err)
		} else {
			storage = r2Client
		}
	} else {
		log.Println("Info: R2 storage not configured, artifacts keep provider URLs")
	}

	// Job handlers and dispatcher
	registry := jobs.NewRegistry()
	generationHandler := worker.NewGenerationHandler(sessions, creditLedger, imageProvider, videoProvider, storage, bus, worker.HandlerConfig{
		ImageCost:        cfg.Credits.ImageCost,
		VideoCost:        cfg.Credits.VideoCost,
		PollInterval:     time.Duration(cfg.Worker.PollIntervalSeconds) * time.Second,
		ImageMaxWait:     time.Duration(cfg.Worker.ImageMaxWaitSeconds) * time.Second,
		VideoMaxWait:     time.Duration(cfg.Worker.VideoMaxWaitSeconds) * time.Second,
		MaxArtifactBytes: int64(cfg.Worker.MaxArtifactMB) << 20,
	})
	generationHandler.Register(registry)
	dispatcher := worker.NewDispatcher(registry, deadLetters, cfg.Worker.Queue)

	// Services and HTTP handlers
	generationService := service.NewGenerationService(sessions, creditLedger, q, service.Costs{
		Image:       cfg.Credits.ImageCost,
		Video:       cfg.Credits.VideoCost,
		SignupGrant: cfg.Credits.SignupGrant,
	})
	validate := validator.New()
	genHandler := handler.NewGenerationHandler(generationService, validate)
	creditsHandler := handler.NewCreditsHandler(generationService)

	authMiddleware := middleware.NewAuthMiddleware(cfg.JWT.Secret)
	rateLimiter := middleware.NewRateLimiter(redisClient)

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
	})

	// Global middleware
	app.Use(recover.New())
	isDebug := strings.EqualFold(cfg.Server.LogLevel, "debug")
	logFormat := "[${time}] ${status} - ${latency} ${method} ${path}\n"
	if isDebug {
		logFormat = "[${time}] ${status} - ${latency} ${method} ${path} ${queryParams} ${body} ${reqHeaders}\n"
		log.Println("Debug logging enabled")
	}
	app.Use(logger.New(logger.Config{
		Format: logFormat,
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	// Base URL - timestamp
	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"timestamp": time.Now().Unix(),
		})
	})

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
			"services": fiber.Map{
				"image_provider": imageProvider.IsConfigured(),
				"video_provider": videoProvider.IsConfigured(),
				"r2":             storage != nil,
				"queue":          cfg.SQS.QueueURL != "",
			},
		})
	})

	// API routes
	api := app.Group("/api", authMiddleware.Authenticate())

	generations := api.Group("/generations")
	generations.Post("/", rateLimiter.GenerationLimit(cfg.RateLimit.GenerationPerHour), genHandler.Start)
	generations.Get("/:sessionId", rateLimiter.StatusLimit(cfg.RateLimit.StatusPerMin), genHandler.Status)

	credits := api.Group("/credits")
	credits.Get("/balance", creditsHandler.Balance)

	// WebSocket routes. The upgrade request carries the same bearer token as
	// the REST API, and a user may only subscribe to their own stream.
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/ws/users/:userId",
		authMiddleware.Authenticate(),
		middleware.RequireSelf("userId"),
		websocket.New(func(c *websocket.Conn) {
			userID := c.Params("userId")
			hub.HandleConnection(c, userID)
		}))

	// Start the worker
	workerCtx, stopWorkerCtx := context.WithCancel(ctx)
	defer stopWorkerCtx()
	stopWorker, err := q.StartWorker(workerCtx, dispatcher.Handle)
	if err != nil {
		log.Fatalf("Failed to start worker: %v", err)
	}

	// Start the sweepers
	var stopSweepers []func()
	for _, sw := range buildSweepers(cfg, sessions, creditLedger, imageProvider, videoProvider, bus, settingsSource) {
		stopSweepers = append(stopSweepers, sw.Start(workerCtx))
	}

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Println("Shutting down server...")
		for _, stop := range stopSweepers {
			stop()
		}
		stopWorker()
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	// Start server
	addr := ":" + cfg.Server.Port
	log.Printf("Server starting on %s", addr)
	if err := app.Listen(addr); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

// buildQueue selects the queue backend once at startup. Everything else in
// the process talks to the queue.Queue interface.
func buildQueue(ctx context.Context, cfg *config.Config, src *settings.Source) (queue.Queue, func(), error) {
	if cfg.SQS.QueueURL != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.SQS.Region))
		if err != nil {
			return nil, nil, err
		}
		q := queue.NewSQSQueue(awssqs.NewFromConfig(awsCfg), queue.SQSConfig{
			QueueURL:          cfg.SQS.QueueURL,
			WaitTime:          time.Duration(cfg.SQS.WaitTimeSeconds) * time.Second,
			VisibilityTimeout: time.Duration(cfg.SQS.VisibilitySeconds) * time.Second,
			Limit: func() int {
				return src.GetInt(context.Background(), "worker:concurrency", 30*time.Second, cfg.Worker.Concurrency)
			},
			Retry: queue.DefaultRetryPolicy(),
		})
		log.Printf("Queue backend: SQS (%s)", cfg.SQS.QueueURL)
		return q, func() {}, nil
	}

	q := queue.NewAsynqQueue(asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}, queue.AsynqConfig{
		Queue:       cfg.Worker.Queue,
		Concurrency: cfg.Worker.Concurrency,
		MaxRetry:    cfg.Worker.MaxRetry,
	})
	log.Println("Queue backend: asynq (local broker)")
	return q, func() { _ = q.Close() }, nil
}

func buildSweepers(
	cfg *config.Config,
	sessions *store.SessionStore,
	creditLedger *ledger.Ledger,
	imageProvider, videoProvider client.TaskProvider,
	bus notify.Bus,
	src *settings.Source,
) []*sweeper.Sweeper {
	return []*sweeper.Sweeper{
		sweeper.New(sessions, creditLedger, imageProvider, bus, src, sweeper.Config{
			Kind:      model.ResourceKindImage,
			Interval:  time.Duration(cfg.Sweeper.IntervalSeconds) * time.Second,
			BatchSize: cfg.Sweeper.BatchSize,
			NoTaskTTL: time.Duration(cfg.Sweeper.Image.NoTaskTTLSeconds) * time.Second,
			MaxAge:    time.Duration(cfg.Sweeper.Image.MaxAgeSeconds) * time.Second,
		}),
		sweeper.New(sessions, creditLedger, videoProvider, bus, src, sweeper.Config{
			Kind:      model.ResourceKindVideo,
			Interval:  time.Duration(cfg.Sweeper.IntervalSeconds) * time.Second,
			BatchSize: cfg.Sweeper.BatchSize,
			NoTaskTTL: time.Duration(cfg.Sweeper.Video.NoTaskTTLSeconds) * time.Second,
			MaxAge:    time.Duration(cfg.Sweeper.Video.MaxAgeSeconds) * time.Second,
		}),
	}
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	return c.Status(code).JSON(fiber.Map{
		"error": fiber.Map{
			"code":    "SERVICE_ERROR",
			"message": message,
		},
	})
}
