package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/transcritor/api/internal/client"
	"github.com/transcritor/api/internal/config"
	"github.com/transcritor/api/internal/handler"
	"github.com/transcritor/api/internal/media"
	"github.com/transcritor/api/internal/middleware"
	"github.com/transcritor/api/internal/model"
	"github.com/transcritor/api/internal/service"
	"github.com/transcritor/api/internal/source"
	"github.com/transcritor/api/internal/taskstore"
	"github.com/transcritor/api/internal/transcribe"
	"github.com/transcritor/api/internal/worker"
	ws "github.com/transcritor/api/internal/websocket"
)

const version = "1.0.0"

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize Redis client
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	// Test Redis connection
	ctx := context.Background()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Printf("Warning: Redis not available: %v", err)
	}

	// Initialize Asynq client
	asynqClient := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer asynqClient.Close()

	// Initialize validator
	validate := validator.New()

	// Initialize WebSocket hub
	hub := ws.NewHub()
	go hub.Run()

	// Durable task store (one JSON document per task, reloaded on boot)
	store, err := taskstore.New(cfg.Pipeline.TasksDir)
	if err != nil {
		log.Fatalf("Failed to open task store: %v", err)
	}

	// Source resolver with optional headless-browser Drive fallback
	var browser source.BrowserDownloader
	if cfg.Pipeline.BrowserFallback {
		browser = source.NewChromeDownloader(time.Duration(cfg.Pipeline.BrowserWaitMinutes) * time.Minute)
		log.Println("Info: headless browser Drive fallback enabled")
	}
	resolver := source.NewResolver(cfg.Pipeline.DownloadsDir, browser)

	// Media processor (ffmpeg/ffprobe)
	processor := media.NewProcessor(cfg.Pipeline.TempDir)

	// Transcription backend, wrapped with the hard per-segment timeout
	adapter := buildAdapter(cfg)
	log.Printf("Transcription backend: %s", adapter.Name())

	// Initialize R2 client (optional - continues if not configured)
	var storage client.StorageClient
	if cfg.R2.AccessKeyID != "" && cfg.R2.SecretAccessKey != "" {
		r2Client, err := client.NewR2Client(&cfg.R2)
		if err != nil {
			log.Printf("Warning: R2 client not initialized: %v", err)
		} else {
			storage = r2Client
		}
	} else {
		log.Println("Info: R2 storage not configured, transcripts stay local only")
	}

	// Initialize services and handlers
	transcriptionService := service.NewTranscriptionService(store, asynqClient, storage, &cfg.Pipeline)
	transcriptionHandler := handler.NewTranscriptionHandler(transcriptionService, validate)

	// Initialize middleware
	authMiddleware := middleware.NewAuthMiddleware(cfg.JWT.Secret, cfg.JWT.Expiration)
	if !authMiddleware.Enabled() {
		log.Println("Info: JWT secret not configured, API runs open")
	}
	rateLimiter := middleware.NewRateLimiter(redisClient)

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		BodyLimit:    512 * 1024 * 1024, // base64 uploads can be large
	})

	// Global middleware
	app.Use(recover.New())
	logFormat := "[${time}] ${status} - ${latency} ${method} ${path}\n"
	if strings.EqualFold(cfg.Server.Env, "development") {
		logFormat = "[${time}] ${status} - ${latency} ${method} ${path} ${queryParams}\n"
	}
	app.Use(logger.New(logger.Config{
		Format: logFormat,
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	// Liveness
	app.Get("/ping", func(c *fiber.Ctx) error {
		return c.SendString("pong")
	})

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(model.HealthResponse{
			Status:      "ok",
			Timestamp:   time.Now().UTC().Format(time.RFC3339),
			Version:     version,
			ActiveTasks: transcriptionService.ActiveCount(),
			Provider:    adapter.Name(),
		})
	})

	// API routes
	api := app.Group("/api", authMiddleware.Authenticate())

	transcriptions := api.Group("/transcriptions")
	transcriptions.Post("/", rateLimiter.SubmitLimit(cfg.RateLimit.SubmitPerHour), transcriptionHandler.Submit)
	transcriptions.Get("/", rateLimiter.StatusLimit(cfg.RateLimit.StatusPerMin), transcriptionHandler.List)
	transcriptions.Get("/:taskId", rateLimiter.StatusLimit(cfg.RateLimit.StatusPerMin), transcriptionHandler.Status)
	transcriptions.Get("/:taskId/transcript", transcriptionHandler.Transcript)
	transcriptions.Delete("/:taskId", transcriptionHandler.Delete)

	// WebSocket routes
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/ws/tasks/:taskId", websocket.New(func(c *websocket.Conn) {
		taskID := c.Params("taskId")
		hub.HandleConnection(c, taskID)
	}))

	// Start Asynq worker server
	go startWorkerServer(cfg, transcriptionService, resolver, processor, adapter, storage, hub)

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Println("Shutting down server...")
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

// buildAdapter selects the configured transcription backend and applies
// the hard timeout around it.
func buildAdapter(cfg *config.Config) transcribe.Adapter {
	var inner transcribe.Adapter
	switch strings.ToLower(cfg.Transcriber.Provider) {
	case "whisper":
		inner = transcribe.NewWhisperAdapter(&cfg.Whisper)
	default:
		inner = transcribe.NewAssemblyAIAdapter(&cfg.AssemblyAI)
	}

	timeout := time.Duration(cfg.Pipeline.TranscribeTimeoutMin) * time.Minute
	return transcribe.WithTimeout(inner, timeout)
}

func startWorkerServer(
	cfg *config.Config,
	transcriptionService *service.TranscriptionService,
	resolver *source.Resolver,
	processor *media.Processor,
	adapter transcribe.Adapter,
	storage client.StorageClient,
	hub *ws.Hub,
) {
	asynqLogLevel := asynq.InfoLevel
	if strings.EqualFold(cfg.Server.Env, "development") {
		asynqLogLevel = asynq.DebugLevel
	}

	srv := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		},
		asynq.Config{
			// Pipeline tasks are heavy; admission control already bounds
			// how many are in flight.
			Concurrency: cfg.Pipeline.MaxActiveTasks,
			Queues: map[string]int{
				"transcription": 10,
			},
			LogLevel: asynqLogLevel,
		},
	)

	transcriptionWorker := worker.NewTranscriptionWorker(transcriptionService, resolver, processor, adapter, storage, hub)

	mux := asynq.NewServeMux()
	mux.HandleFunc(service.TaskTypeTranscription, transcriptionWorker.ProcessTask)

	if err := srv.Run(mux); err != nil {
		log.Printf("Asynq worker error: %v", err)
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
