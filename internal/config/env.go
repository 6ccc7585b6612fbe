package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type BaseEnv struct {
	Env      string `envconfig:"ENV" default:"local"`
	HTTPHost string `envconfig:"HTTP_HOST" default:""`
	HTTPPort string `envconfig:"HTTP_PORT" default:"3200"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"debug"`
	APIKey   string `envconfig:"API_KEY" required:"true"`
}

type StorageEnv struct {
	Type    string `envconfig:"STORAGE_TYPE" default:"local"`
	BaseDir string `envconfig:"STORAGE_BASE_DIR" default:".agentd/data"`
	// S3 settings (used when Type == "s3")
	S3Bucket string `envconfig:"S3_BUCKET"`
	S3Prefix string `envconfig:"S3_PREFIX" default:"agentd/"`
	S3Region string `envconfig:"S3_REGION" default:"us-east-1"`
}

type EngineEnv struct {
	WorkerConcurrency  int           `envconfig:"WORKER_CONCURRENCY" default:"4"`
	PollInterval       time.Duration `envconfig:"POLL_INTERVAL" default:"1s"`
	DefaultMaxIters    int           `envconfig:"DEFAULT_MAX_ITERATIONS" default:"50"`
	DefaultMaxToolCall int           `envconfig:"DEFAULT_MAX_TOOL_CALLS" default:"100"`
	DefaultTaskTimeout time.Duration `envconfig:"DEFAULT_TASK_TIMEOUT" default:"30m"`
	CheckpointKeep     int           `envconfig:"CHECKPOINT_KEEP" default:"20"`
}

type ModelEnv struct {
	AnthropicAPIKey  string        `envconfig:"ANTHROPIC_API_KEY"`
	Model            string        `envconfig:"MODEL" default:"claude-sonnet-4-20250514"`
	MaxTokens        int           `envconfig:"MODEL_MAX_TOKENS" default:"8192"`
	ModelMaxRetries  int           `envconfig:"MODEL_MAX_RETRIES" default:"3"`
	ModelRetryDelay  time.Duration `envconfig:"MODEL_RETRY_DELAY" default:"1s"`
	ModelRequestWait time.Duration `envconfig:"MODEL_REQUEST_TIMEOUT" default:"2m"`
}

type Env struct {
	BaseEnv
	StorageEnv
	EngineEnv
	ModelEnv
}

const namespace = "AGENTD"

func LoadEnv() (*Env, error) {
	var env Env
	if err := envconfig.Process(namespace, &env); err != nil {
		return nil, fmt.Errorf("failed to load env: %w", err)
	}
	return &env, nil
}

func (e *BaseEnv) SlogLevel() slog.Level {
	if e == nil {
		return slog.LevelDebug
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(e.LogLevel)); err != nil {
		return slog.LevelDebug
	}
	return level
}

func BaseEnvFromEnv(env *Env) *BaseEnv {
	return &env.BaseEnv
}

func StorageEnvFromEnv(env *Env) *StorageEnv {
	return &env.StorageEnv
}

func EngineEnvFromEnv(env *Env) *EngineEnv {
	return &env.EngineEnv
}

func ModelEnvFromEnv(env *Env) *ModelEnv {
	return &env.ModelEnv
}
