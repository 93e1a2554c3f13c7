package config

import (
	"os"
	"strings"

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
	Server      ServerConfig
	Redis       RedisConfig
	JWT         JWTConfig
	RateLimit   RateLimitConfig
	Pipeline    PipelineConfig
	Transcriber TranscriberConfig
	AssemblyAI  AssemblyAIConfig
	Whisper     WhisperConfig
	R2          R2Config
}

type ServerConfig struct {
	Port string
	Env  string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type JWTConfig struct {
	Secret     string
	Expiration int // hours
}

type RateLimitConfig struct {
	SubmitPerHour int
	StatusPerMin  int
}

// PipelineConfig bounds the task pipeline and lays out its four storage
// areas: raw downloads, temporary derived media, finished transcripts
// and persisted task documents.
type PipelineConfig struct {
	MaxActiveTasks       int
	MaxSegmentMinutes    int
	DownloadsDir         string
	TempDir              string
	TranscriptsDir       string
	TasksDir             string
	BrowserFallback      bool
	BrowserWaitMinutes   int
	TranscribeTimeoutMin int
}

type TranscriberConfig struct {
	Provider string // "assemblyai" or "whisper"
}

type AssemblyAIConfig struct {
	APIKey          string
	BaseURL         string
	DefaultLanguage string
	PollSeconds     int
}

type WhisperConfig struct {
	BinPath   string
	ModelPath string
}

type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	PublicURL       string
}

func Load() (*Config, error) {
	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("JWT_SECRET")
	readSecret("ASSEMBLYAI_API_KEY")
	readSecret("R2_ACCOUNT_ID")
	readSecret("R2_ACCESS_KEY_ID")
	readSecret("R2_SECRET_ACCESS_KEY")

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Environment variables
	viper.AutomaticEnv()

	// Bind environment variables with underscores to nested config keys
	_ = viper.BindEnv("server.port", "SERVER_PORT")
	_ = viper.BindEnv("server.env", "SERVER_ENV")
	_ = viper.BindEnv("redis.addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = viper.BindEnv("redis.db", "REDIS_DB")
	_ = viper.BindEnv("jwt.secret", "JWT_SECRET")
	_ = viper.BindEnv("jwt.expiration", "JWT_EXPIRATION")
	_ = viper.BindEnv("ratelimit.submit_per_hour", "RATELIMIT_SUBMIT_PER_HOUR")
	_ = viper.BindEnv("ratelimit.status_per_min", "RATELIMIT_STATUS_PER_MIN")
	_ = viper.BindEnv("pipeline.max_active_tasks", "PIPELINE_MAX_ACTIVE_TASKS")
	_ = viper.BindEnv("pipeline.max_segment_minutes", "PIPELINE_MAX_SEGMENT_MINUTES")
	_ = viper.BindEnv("pipeline.downloads_dir", "PIPELINE_DOWNLOADS_DIR")
	_ = viper.BindEnv("pipeline.temp_dir", "PIPELINE_TEMP_DIR")
	_ = viper.BindEnv("pipeline.transcripts_dir", "PIPELINE_TRANSCRIPTS_DIR")
	_ = viper.BindEnv("pipeline.tasks_dir", "PIPELINE_TASKS_DIR")
	_ = viper.BindEnv("pipeline.browser_fallback", "PIPELINE_BROWSER_FALLBACK")
	_ = viper.BindEnv("pipeline.browser_wait_minutes", "PIPELINE_BROWSER_WAIT_MINUTES")
	_ = viper.BindEnv("pipeline.transcribe_timeout_minutes", "PIPELINE_TRANSCRIBE_TIMEOUT_MINUTES")
	_ = viper.BindEnv("transcriber.provider", "TRANSCRIBER_PROVIDER")
	_ = viper.BindEnv("assemblyai.api_key", "ASSEMBLYAI_API_KEY")
	_ = viper.BindEnv("assemblyai.base_url", "ASSEMBLYAI_BASE_URL")
	_ = viper.BindEnv("assemblyai.default_language", "ASSEMBLYAI_DEFAULT_LANGUAGE")
	_ = viper.BindEnv("assemblyai.poll_seconds", "ASSEMBLYAI_POLL_SECONDS")
	_ = viper.BindEnv("whisper.bin_path", "WHISPER_BIN_PATH")
	_ = viper.BindEnv("whisper.model_path", "WHISPER_MODEL_PATH")
	_ = viper.BindEnv("r2.account_id", "R2_ACCOUNT_ID")
	_ = viper.BindEnv("r2.access_key_id", "R2_ACCESS_KEY_ID")
	_ = viper.BindEnv("r2.secret_access_key", "R2_SECRET_ACCESS_KEY")
	_ = viper.BindEnv("r2.bucket_name", "R2_BUCKET_NAME")
	_ = viper.BindEnv("r2.public_url", "R2_PUBLIC_URL")

	// Defaults
	viper.SetDefault("server.port", "8000")
	viper.SetDefault("server.env", "development")
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("jwt.secret", "")
	viper.SetDefault("jwt.expiration", 24)
	viper.SetDefault("ratelimit.submit_per_hour", 20)
	viper.SetDefault("ratelimit.status_per_min", 120)
	viper.SetDefault("pipeline.max_active_tasks", 3)
	viper.SetDefault("pipeline.max_segment_minutes", 10)
	viper.SetDefault("pipeline.downloads_dir", "downloads")
	viper.SetDefault("pipeline.temp_dir", "temp")
	viper.SetDefault("pipeline.transcripts_dir", "transcriptions")
	viper.SetDefault("pipeline.tasks_dir", "tasks")
	viper.SetDefault("pipeline.browser_fallback", false)
	viper.SetDefault("pipeline.browser_wait_minutes", 10)
	viper.SetDefault("pipeline.transcribe_timeout_minutes", 10)
	viper.SetDefault("transcriber.provider", "assemblyai")
	viper.SetDefault("assemblyai.base_url", "https://api.assemblyai.com/v2")
	viper.SetDefault("assemblyai.default_language", "pt")
	viper.SetDefault("assemblyai.poll_seconds", 5)
	viper.SetDefault("whisper.bin_path", "whisper.cpp")
	viper.SetDefault("whisper.model_path", "models/ggml-base.bin")

	// Try to read config file (optional)
	_ = viper.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port: viper.GetString("server.port"),
			Env:  viper.GetString("server.env"),
		},
		Redis: RedisConfig{
			Addr:     viper.GetString("redis.addr"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		JWT: JWTConfig{
			Secret:     viper.GetString("jwt.secret"),
			Expiration: viper.GetInt("jwt.expiration"),
		},
		RateLimit: RateLimitConfig{
			SubmitPerHour: viper.GetInt("ratelimit.submit_per_hour"),
			StatusPerMin:  viper.GetInt("ratelimit.status_per_min"),
		},
		Pipeline: PipelineConfig{
			MaxActiveTasks:       viper.GetInt("pipeline.max_active_tasks"),
			MaxSegmentMinutes:    viper.GetInt("pipeline.max_segment_minutes"),
			DownloadsDir:         viper.GetString("pipeline.downloads_dir"),
			TempDir:              viper.GetString("pipeline.temp_dir"),
			TranscriptsDir:       viper.GetString("pipeline.transcripts_dir"),
			TasksDir:             viper.GetString("pipeline.tasks_dir"),
			BrowserFallback:      viper.GetBool("pipeline.browser_fallback"),
			BrowserWaitMinutes:   viper.GetInt("pipeline.browser_wait_minutes"),
			TranscribeTimeoutMin: viper.GetInt("pipeline.transcribe_timeout_minutes"),
		},
		Transcriber: TranscriberConfig{
			Provider: viper.GetString("transcriber.provider"),
		},
		AssemblyAI: AssemblyAIConfig{
			APIKey:          viper.GetString("assemblyai.api_key"),
			BaseURL:         viper.GetString("assemblyai.base_url"),
			DefaultLanguage: viper.GetString("assemblyai.default_language"),
			PollSeconds:     viper.GetInt("assemblyai.poll_seconds"),
		},
		Whisper: WhisperConfig{
			BinPath:   viper.GetString("whisper.bin_path"),
			ModelPath: viper.GetString("whisper.model_path"),
		},
		R2: R2Config{
			AccountID:       viper.GetString("r2.account_id"),
			AccessKeyID:     viper.GetString("r2.access_key_id"),
			SecretAccessKey: viper.GetString("r2.secret_access_key"),
			BucketName:      viper.GetString("r2.bucket_name"),
			PublicURL:       viper.GetString("r2.public_url"),
		},
	}

	return cfg, nil
}
