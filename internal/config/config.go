package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	fileKey := envKey + "_FILE"
	filePath := os.Getenv(fileKey)
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	val := strings.TrimSpace(string(data))
	os.Setenv(envKey, val)
}

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	JWT       JWTConfig
	RateLimit RateLimitConfig
	Gateway   GatewayConfig
	Workflow  WorkflowConfig
	Detection DetectionConfig
	Storage   StorageConfig
	Renderer  RendererConfig
	Archive   ArchiveConfig
}

type ServerConfig struct {
	Port     string
	Env      string
	LogLevel string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type JWTConfig struct {
	Secret string
}

type RateLimitConfig struct {
	SubmitPerHour int
}

type GatewayConfig struct {
	Enabled bool
}

// WorkflowConfig tunes the execution engine and the step worker
type WorkflowConfig struct {
	PollInterval    time.Duration
	Deadline        time.Duration
	StepMaxAttempts int
	Concurrency     int
	ExecutionTTL    time.Duration
}

type DetectionConfig struct {
	Region        string
	MinConfidence float64
	PageSize      int32
}

type StorageConfig struct {
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	InputBucket     string
	OutputBucket    string
	OutputPrefix    string
	PresignExpiry   time.Duration
}

type RendererConfig struct {
	ServiceURL string
	Timeout    int // seconds
}

type ArchiveConfig struct {
	DSN string
}

func Load() (*Config, error) {
	// A local .env is optional; real environment variables win
	_ = godotenv.Load()

	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("JWT_SECRET")
	readSecret("STORAGE_ACCESS_KEY_ID")
	readSecret("STORAGE_SECRET_ACCESS_KEY")
	readSecret("ARCHIVE_DSN")

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	// Environment variables
	v.AutomaticEnv()

	// Bind environment variables with underscores to nested config keys
	_ = v.BindEnv("server.port", "SERVER_PORT")
	_ = v.BindEnv("server.env", "SERVER_ENV")
	_ = v.BindEnv("server.log_level", "LOG_LEVEL")
	_ = v.BindEnv("redis.addr", "REDIS_ADDR")
	_ = v.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = v.BindEnv("redis.db", "REDIS_DB")
	_ = v.BindEnv("jwt.secret", "JWT_SECRET")
	_ = v.BindEnv("ratelimit.submit_per_hour", "RATELIMIT_SUBMIT_PER_HOUR")
	_ = v.BindEnv("gateway.enabled", "GATEWAY_ENABLED")
	_ = v.BindEnv("workflow.poll_interval", "WORKFLOW_POLL_INTERVAL")
	_ = v.BindEnv("workflow.deadline", "WORKFLOW_DEADLINE")
	_ = v.BindEnv("workflow.step_max_attempts", "WORKFLOW_STEP_MAX_ATTEMPTS")
	_ = v.BindEnv("workflow.concurrency", "WORKFLOW_CONCURRENCY")
	_ = v.BindEnv("workflow.execution_ttl", "WORKFLOW_EXECUTION_TTL")
	_ = v.BindEnv("detection.region", "DETECTION_REGION")
	_ = v.BindEnv("detection.min_confidence", "DETECTION_MIN_CONFIDENCE")
	_ = v.BindEnv("detection.page_size", "DETECTION_PAGE_SIZE")
	_ = v.BindEnv("storage.region", "STORAGE_REGION")
	_ = v.BindEnv("storage.endpoint", "STORAGE_ENDPOINT")
	_ = v.BindEnv("storage.access_key_id", "STORAGE_ACCESS_KEY_ID")
	_ = v.BindEnv("storage.secret_access_key", "STORAGE_SECRET_ACCESS_KEY")
	_ = v.BindEnv("storage.input_bucket", "INPUT_BUCKET")
	_ = v.BindEnv("storage.output_bucket", "OUTPUT_BUCKET")
	_ = v.BindEnv("storage.output_prefix", "OUTPUT_PREFIX")
	_ = v.BindEnv("storage.presign_expiry", "STORAGE_PRESIGN_EXPIRY")
	_ = v.BindEnv("renderer.service_url", "RENDERER_SERVICE_URL")
	_ = v.BindEnv("renderer.timeout", "RENDERER_TIMEOUT")
	_ = v.BindEnv("archive.dsn", "ARCHIVE_DSN")

	// Defaults
	v.SetDefault("server.port", "8000")
	v.SetDefault("server.env", "development")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("jwt.secret", "change-me-in-production")
	v.SetDefault("ratelimit.submit_per_hour", 60)
	v.SetDefault("gateway.enabled", false)

	// One status check per second, give up after 15 minutes
	v.SetDefault("workflow.poll_interval", "1s")
	v.SetDefault("workflow.deadline", "15m")
	v.SetDefault("workflow.step_max_attempts", 3)
	v.SetDefault("workflow.concurrency", 10)
	v.SetDefault("workflow.execution_ttl", "24h")

	// Detection defaults
	v.SetDefault("detection.region", "us-east-1")
	v.SetDefault("detection.min_confidence", 0)
	v.SetDefault("detection.page_size", 1000)

	// Storage defaults
	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("storage.output_prefix", "out/")
	v.SetDefault("storage.presign_expiry", "1h")

	// Renderer defaults
	v.SetDefault("renderer.service_url", "http://localhost:8085")
	v.SetDefault("renderer.timeout", 600)

	// Try to read config file (optional)
	_ = v.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:     v.GetString("server.port"),
			Env:      v.GetString("server.env"),
			LogLevel: v.GetString("server.log_level"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		JWT: JWTConfig{
			Secret: v.GetString("jwt.secret"),
		},
		RateLimit: RateLimitConfig{
			SubmitPerHour: v.GetInt("ratelimit.submit_per_hour"),
		},
		Gateway: GatewayConfig{
			Enabled: v.GetBool("gateway.enabled"),
		},
		Workflow: WorkflowConfig{
			PollInterval:    v.GetDuration("workflow.poll_interval"),
			Deadline:        v.GetDuration("workflow.deadline"),
			StepMaxAttempts: v.GetInt("workflow.step_max_attempts"),
			Concurrency:     v.GetInt("workflow.concurrency"),
			ExecutionTTL:    v.GetDuration("workflow.execution_ttl"),
		},
		Detection: DetectionConfig{
			Region:        v.GetString("detection.region"),
			MinConfidence: v.GetFloat64("detection.min_confidence"),
			PageSize:      v.GetInt32("detection.page_size"),
		},
		Storage: StorageConfig{
			Region:          v.GetString("storage.region"),
			Endpoint:        v.GetString("storage.endpoint"),
			AccessKeyID:     v.GetString("storage.access_key_id"),
			SecretAccessKey: v.GetString("storage.secret_access_key"),
			InputBucket:     v.GetString("storage.input_bucket"),
			OutputBucket:    v.GetString("storage.output_bucket"),
			OutputPrefix:    v.GetString("storage.output_prefix"),
			PresignExpiry:   v.GetDuration("storage.presign_expiry"),
		},
		Renderer: RendererConfig{
			ServiceURL: v.GetString("renderer.service_url"),
			Timeout:    v.GetInt("renderer.timeout"),
		},
		Archive: ArchiveConfig{
			DSN: v.GetString("archive.dsn"),
		},
	}

	return cfg, nil
}
