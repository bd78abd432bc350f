package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Store modes
const (
	StoreModePostgres = "postgres"
	StoreModeFile     = "file"
)

// Config holds configuration for the dispatcher.
type Config struct {
	HTTPPort  string `validate:"required,numeric"`
	JWTSecret []byte `validate:"required,min=16"`
	LogLevel  string `validate:"oneof=debug info warn error"`
	LogFormat string `validate:"oneof=text json"`

	// ClientAPIKeys guard /v1/generate; empty leaves it open
	ClientAPIKeys []string

	// StoreMode selects where credentials, settings and usage live
	StoreMode string `validate:"oneof=postgres file"`
	StoreFile string

	Database   DatabaseConfig
	Redis      RedisConfig
	Queue      QueueConfig
	Encryption EncryptionConfig
	Dispatch   DispatchConfig
	Providers  ProvidersConfig
	Features   FeaturesConfig
	AttemptLog AttemptLogConfig
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int `validate:"gte=1"`
	MaxIdleConns    int `validate:"gte=0"`
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	AutoMigrate     bool
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Address  string
	Password string
	DB       int `validate:"gte=0"`
}

// QueueConfig holds the usage queue settings
type QueueConfig struct {
	Backend      string        `validate:"oneof=memory redis"`
	Name         string        `validate:"required"`
	BatchSize    int           `validate:"gte=1"`
	BatchTimeout time.Duration `validate:"gt=0"`
	MaxRetries   int           `validate:"gte=0"`
	RetryBackoff time.Duration `validate:"gte=0"`
}

// EncryptionConfig holds the credential encryption key material. Key is a
// base64 AES key; Passphrase derives one with argon2id when Key is empty.
type EncryptionConfig struct {
	Key        string
	Passphrase string
	Salt       string
}

// DispatchConfig holds the failover loop settings
type DispatchConfig struct {
	AttemptTimeout  time.Duration `validate:"gt=0"`
	Cooldown        time.Duration `validate:"gt=0"`
	HonorRetryAfter bool
}

// ProvidersConfig holds provider endpoint overrides
type ProvidersConfig struct {
	OpenAIBaseURL    string `validate:"omitempty,url"`
	AnthropicBaseURL string `validate:"omitempty,url"`
	GeminiBaseURL    string `validate:"omitempty,url"`
	MaxOutputTokens  int    `validate:"gte=1"`
}

// FeaturesConfig holds feature→model resolution settings
type FeaturesConfig struct {
	DefaultModel  string
	ModelPrefix   string
	CacheTTL      time.Duration `validate:"gt=0"`
	RetryAttempts int           `validate:"gte=1,lte=5"`
}

// AttemptLogConfig holds the credential attempt audit log settings
type AttemptLogConfig struct {
	Enabled          bool
	FilePathTemplate string
	MaxSize          int64 `validate:"gte=1024"`
	MaxFiles         int   `validate:"gte=1"`
	BufferSize       int   `validate:"gte=1"`
	FlushInterval    time.Duration
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("HTTP_PORT", "8080")
	v.SetDefault("JWT_SECRET", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "text")
	v.SetDefault("CLIENT_API_KEYS", "")
	v.SetDefault("STORE_MODE", StoreModePostgres)
	v.SetDefault("STORE_FILE", "dispatcher.yaml")

	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("DB_MAX_OPEN_CONNS", 25)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)
	v.SetDefault("DB_CONN_MAX_LIFETIME", 5*time.Minute)
	v.SetDefault("DB_CONN_MAX_IDLE_TIME", 1*time.Minute)
	v.SetDefault("DB_AUTO_MIGRATE", false)

	v.SetDefault("REDIS_ADDRESS", "localhost:6379")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("QUEUE_BACKEND", "memory")
	v.SetDefault("QUEUE_NAME", "usage")
	v.SetDefault("QUEUE_BATCH_SIZE", 100)
	v.SetDefault("QUEUE_BATCH_TIMEOUT", 5*time.Second)
	v.SetDefault("QUEUE_MAX_RETRIES", 3)
	v.SetDefault("QUEUE_RETRY_BACKOFF", 1*time.Second)

	v.SetDefault("ENCRYPTION_KEY", "")
	v.SetDefault("ENCRYPTION_PASSPHRASE", "")
	v.SetDefault("ENCRYPTION_SALT", "llm-dispatcher")

	v.SetDefault("DISPATCH_ATTEMPT_TIMEOUT", 30*time.Second)
	v.SetDefault("DISPATCH_COOLDOWN", 60*time.Second)
	v.SetDefault("DISPATCH_HONOR_RETRY_AFTER", false)

	v.SetDefault("OPENAI_BASE_URL", "")
	v.SetDefault("ANTHROPIC_BASE_URL", "")
	v.SetDefault("GEMINI_BASE_URL", "")
	v.SetDefault("PROVIDER_MAX_OUTPUT_TOKENS", 1024)

	v.SetDefault("DEFAULT_MODEL", "")
	v.SetDefault("SETTINGS_MODEL_PREFIX", "model.")
	v.SetDefault("CONFIG_CACHE_TTL", 5*time.Minute)
	v.SetDefault("FEATURE_RETRY_ATTEMPTS", 2)

	v.SetDefault("ATTEMPT_LOG_ENABLED", false)
	v.SetDefault("ATTEMPT_LOG_FILE_PATH_TEMPLATE", "/var/log/llm-dispatcher/attempts-%s.jsonl")
	v.SetDefault("ATTEMPT_LOG_MAX_SIZE", 10_485_760) // 10 MB
	v.SetDefault("ATTEMPT_LOG_MAX_FILES", 5)
	v.SetDefault("ATTEMPT_LOG_BUFFER_SIZE", 1000)
	v.SetDefault("ATTEMPT_LOG_FLUSH_INTERVAL", 10*time.Second)
}

// loadDotEnv loads ENV_FILE (or ./.env) into the process environment
// without overriding variables that are already set.
func loadDotEnv() error {
	path := os.Getenv("ENV_FILE")
	explicit := path != ""
	if !explicit {
		path = ".env"
	}
	if _, err := os.Stat(path); err != nil {
		if explicit {
			return fmt.Errorf("env file %s: %w", path, err)
		}
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

// Load reads configuration from an optional .env file, an optional
// CONFIG_FILE and environment variables, then validates it.
func Load() (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if file := os.Getenv("CONFIG_FILE"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", file, err)
		}
	}

	cfg := &Config{
		HTTPPort:      v.GetString("HTTP_PORT"),
		JWTSecret:     []byte(v.GetString("JWT_SECRET")),
		LogLevel:      strings.ToLower(v.GetString("LOG_LEVEL")),
		LogFormat:     strings.ToLower(v.GetString("LOG_FORMAT")),
		ClientAPIKeys: splitList(v.GetString("CLIENT_API_KEYS")),
		StoreMode:     strings.ToLower(v.GetString("STORE_MODE")),
		StoreFile:     v.GetString("STORE_FILE"),
		Database: DatabaseConfig{
			URL:             v.GetString("DATABASE_URL"),
			MaxOpenConns:    v.GetInt("DB_MAX_OPEN_CONNS"),
			MaxIdleConns:    v.GetInt("DB_MAX_IDLE_CONNS"),
			ConnMaxLifetime: v.GetDuration("DB_CONN_MAX_LIFETIME"),
			ConnMaxIdleTime: v.GetDuration("DB_CONN_MAX_IDLE_TIME"),
			AutoMigrate:     v.GetBool("DB_AUTO_MIGRATE"),
		},
		Redis: RedisConfig{
			Address:  v.GetString("REDIS_ADDRESS"),
			Password: v.GetString("REDIS_PASSWORD"),
			DB:       v.GetInt("REDIS_DB"),
		},
		Queue: QueueConfig{
			Backend:      strings.ToLower(v.GetString("QUEUE_BACKEND")),
			Name:         v.GetString("QUEUE_NAME"),
			BatchSize:    v.GetInt("QUEUE_BATCH_SIZE"),
			BatchTimeout: v.GetDuration("QUEUE_BATCH_TIMEOUT"),
			MaxRetries:   v.GetInt("QUEUE_MAX_RETRIES"),
			RetryBackoff: v.GetDuration("QUEUE_RETRY_BACKOFF"),
		},
		Encryption: EncryptionConfig{
			Key:        v.GetString("ENCRYPTION_KEY"),
			Passphrase: v.GetString("ENCRYPTION_PASSPHRASE"),
			Salt:       v.GetString("ENCRYPTION_SALT"),
		},
		Dispatch: DispatchConfig{
			AttemptTimeout:  v.GetDuration("DISPATCH_ATTEMPT_TIMEOUT"),
			Cooldown:        v.GetDuration("DISPATCH_COOLDOWN"),
			HonorRetryAfter: v.GetBool("DISPATCH_HONOR_RETRY_AFTER"),
		},
		Providers: ProvidersConfig{
			OpenAIBaseURL:    v.GetString("OPENAI_BASE_URL"),
			AnthropicBaseURL: v.GetString("ANTHROPIC_BASE_URL"),
			GeminiBaseURL:    v.GetString("GEMINI_BASE_URL"),
			MaxOutputTokens:  v.GetInt("PROVIDER_MAX_OUTPUT_TOKENS"),
		},
		Features: FeaturesConfig{
			DefaultModel:  v.GetString("DEFAULT_MODEL"),
			ModelPrefix:   v.GetString("SETTINGS_MODEL_PREFIX"),
			CacheTTL:      v.GetDuration("CONFIG_CACHE_TTL"),
			RetryAttempts: v.GetInt("FEATURE_RETRY_ATTEMPTS"),
		},
		AttemptLog: AttemptLogConfig{
			Enabled:          v.GetBool("ATTEMPT_LOG_ENABLED"),
			FilePathTemplate: v.GetString("ATTEMPT_LOG_FILE_PATH_TEMPLATE"),
			MaxSize:          v.GetInt64("ATTEMPT_LOG_MAX_SIZE"),
			MaxFiles:         v.GetInt("ATTEMPT_LOG_MAX_FILES"),
			BufferSize:       v.GetInt("ATTEMPT_LOG_BUFFER_SIZE"),
			FlushInterval:    v.GetDuration("ATTEMPT_LOG_FLUSH_INTERVAL"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// splitList parses a comma-separated env value
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks struct constraints plus the cross-field rules the tags
// cannot express.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(fields, ", "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}

	switch c.StoreMode {
	case StoreModePostgres:
		if c.Database.URL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_MODE=%s", StoreModePostgres)
		}
		if c.Encryption.Key == "" && c.Encryption.Passphrase == "" {
			return fmt.Errorf("ENCRYPTION_KEY or ENCRYPTION_PASSPHRASE is required when STORE_MODE=%s", StoreModePostgres)
		}
	case StoreModeFile:
		if c.StoreFile == "" {
			return fmt.Errorf("STORE_FILE is required when STORE_MODE=%s", StoreModeFile)
		}
	}

	if c.Queue.Backend == "redis" && c.Redis.Address == "" {
		return fmt.Errorf("REDIS_ADDRESS is required when QUEUE_BACKEND=redis")
	}
	if c.AttemptLog.Enabled && !strings.Contains(c.AttemptLog.FilePathTemplate, "%s") {
		return fmt.Errorf("ATTEMPT_LOG_FILE_PATH_TEMPLATE must contain %%s")
	}
	return nil
}
