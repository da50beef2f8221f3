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
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/faceblur/orchestrator/internal/client"
	"github.com/faceblur/orchestrator/internal/config"
	"github.com/faceblur/orchestrator/internal/handler"
	"github.com/faceblur/orchestrator/internal/middleware"
	"github.com/faceblur/orchestrator/internal/service"
	"github.com/faceblur/orchestrator/internal/store"
	"github.com/faceblur/orchestrator/internal/task"
	ws "github.com/faceblur/orchestrator/internal/websocket"
	"github.com/faceblur/orchestrator/internal/worker"
	"github.com/faceblur/orchestrator/internal/workflow"
	"github.com/faceblur/orchestrator/pkg/response"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ctx := context.Background()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Printf("Warning: Redis not available: %v", err)
	}

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
	asynqClient := asynq.NewClient(redisOpt)
	defer asynqClient.Close()

	validate := validator.New()

	hub := ws.NewHub()
	go hub.Run()

	// External collaborators
	detector, err := client.NewRekognitionClient(&cfg.Detection, &cfg.Storage)
	if err != nil {
		log.Fatalf("Failed to initialize face detection client: %v", err)
	}
	renderClient := client.NewRenderClient(&cfg.Renderer)

	// Storage is optional: without it submit trusts the key and results carry no download link
	var storageClient client.StorageClient
	if cfg.Storage.AccessKeyID != "" && cfg.Storage.SecretAccessKey != "" {
		s3Client, err := client.NewS3Client(&cfg.Storage)
		if err != nil {
			log.Printf("Warning: storage client not initialized: %v", err)
		} else {
			storageClient = s3Client
		}
	} else {
		log.Println("Info: storage credentials not configured, skipping object checks")
	}

	if cfg.Storage.OutputBucket == "" {
		log.Println("Warning: OUTPUT_BUCKET is not set, every render will fail")
	}

	adapters := task.NewAdapters(detector, storageClient, renderClient, task.Options{
		OutputBucket:  cfg.Storage.OutputBucket,
		OutputPrefix:  cfg.Storage.OutputPrefix,
		PageSize:      cfg.Detection.PageSize,
		MinConfidence: cfg.Detection.MinConfidence,
	})

	engine := workflow.NewEngine(adapters, workflow.Config{
		PollInterval: cfg.Workflow.PollInterval,
		Deadline:     cfg.Workflow.Deadline,
	})

	executions := store.NewExecutionStore(redisClient, cfg.Workflow.ExecutionTTL)

	var archive service.Archive
	if cfg.Archive.DSN != "" {
		a, err := store.OpenArchive(cfg.Archive.DSN)
		if err != nil {
			log.Printf("Warning: execution archive not available: %v", err)
		} else {
			defer a.Close()
			archive = a
		}
	}

	executionService := service.NewExecutionService(executions, archive, adapters, storageClient, asynqClient, service.Options{
		PresignExpiry: cfg.Storage.PresignExpiry,
		StepMaxRetry:  cfg.Workflow.StepMaxAttempts,
	})

	executionHandler := handler.NewExecutionHandler(executionService, validate)
	eventHandler := handler.NewEventHandler(executionService)
	authHandler := handler.NewAuthHandler(cfg.JWT.Secret)

	var apiAuthMiddleware fiber.Handler
	if cfg.Gateway.Enabled {
		log.Println("Info: Gateway mode enabled, using header-based auth")
		apiAuthMiddleware = middleware.GatewayAuthMiddleware()
	} else {
		apiAuthMiddleware = middleware.NewAuthMiddleware(cfg.JWT.Secret).Authenticate()
	}
	rateLimiter := middleware.NewRateLimiter(redisClient)

	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		BodyLimit:    4 * 1024 * 1024,
	})

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
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	app.Get("/health", func(c *fiber.Ctx) error {
		rendererUp := renderClient.IsConfigured() && renderClient.HealthCheck(c.UserContext()) == nil
		return c.JSON(fiber.Map{
			"status": "ok",
			"services": fiber.Map{
				"redis":    redisClient.Ping(c.UserContext()).Err() == nil,
				"storage":  storageClient != nil,
				"renderer": rendererUp,
				"archive":  archive != nil,
				"auth":     cfg.Gateway.Enabled || cfg.JWT.Secret != "",
			},
		})
	})

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	// ForwardAuth verification endpoint (internal, called by the gateway)
	app.Get("/auth/verify", authHandler.Verify)

	api := app.Group("/api", apiAuthMiddleware)
	api.Post("/executions/submit", rateLimiter.SubmitLimit(cfg.RateLimit.SubmitPerHour), executionHandler.Submit)
	api.Post("/executions", executionHandler.Start)
	api.Get("/executions/:id", executionHandler.Status)
	api.Get("/executions/:id/result", executionHandler.Result)

	// Storage notifications
	app.Post("/events/object-created", apiAuthMiddleware, eventHandler.ObjectCreated)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/ws/executions/:id", websocket.New(func(c *websocket.Conn) {
		hub.HandleConnection(c, c.Params("id"))
	}))

	workflowWorker := worker.NewWorkflowWorker(engine, executions, archive, asynqClient, hub,
		cfg.Workflow.PollInterval, cfg.Workflow.StepMaxAttempts)
	go startWorkerServer(cfg, redisOpt, workflowWorker)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Println("Shutting down server...")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	addr := ":" + cfg.Server.Port
	log.Printf("Server starting on %s", addr)
	if err := app.Listen(addr); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

func startWorkerServer(cfg *config.Config, redisOpt asynq.RedisClientOpt, workflowWorker *worker.WorkflowWorker) {
	asynqLogLevel := asynq.InfoLevel
	if strings.EqualFold(cfg.Server.LogLevel, "debug") {
		asynqLogLevel = asynq.DebugLevel
	} else if strings.EqualFold(cfg.Server.LogLevel, "warn") {
		asynqLogLevel = asynq.WarnLevel
	} else if strings.EqualFold(cfg.Server.LogLevel, "error") {
		asynqLogLevel = asynq.ErrorLevel
	}

	srv := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: cfg.Workflow.Concurrency,
			Queues: map[string]int{
				service.QueueWorkflow: 1,
			},
			// retry on the polling cadence
			RetryDelayFunc: func(n int, err error, t *asynq.Task) time.Duration {
				return time.Duration(n+1) * cfg.Workflow.PollInterval
			},
			LogLevel: asynqLogLevel,
		},
	)

	mux := asynq.NewServeMux()
	mux.HandleFunc(service.TaskTypeWorkflowStep, workflowWorker.ProcessTask)

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

	return response.Error(c, code, response.CodeServiceError, message, nil)
}
