package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/m-mizutani/goerr/v2"
	"github.com/spf13/viper"
)

// Config holds the application configuration
type Config struct {
	API      APIConfig      `mapstructure:"api"`
	Timeouts TimeoutConfig  `mapstructure:"timeouts"`
	Upload   UploadConfig   `mapstructure:"upload"`
	History  HistoryConfig  `mapstructure:"history"`
	Identity IdentityConfig `mapstructure:"identity"`
	Log      LogConfig      `mapstructure:"log"`
}

// APIConfig points the client at the question-answering backend
type APIConfig struct {
	BaseURL string `mapstructure:"base_url" validate:"required,url"`
	Token   string `mapstructure:"token"`
}

// TimeoutConfig holds one timeout per request phase. Ingestion is the
// slowest backend operation, asking the fastest.
type TimeoutConfig struct {
	Ask    time.Duration `mapstructure:"ask" validate:"gt=0"`
	Upload time.Duration `mapstructure:"upload" validate:"gt=0"`
	Ingest time.Duration `mapstructure:"ingest" validate:"gt=0"`
}

// UploadConfig holds knowledge-base upload limits. MaxBytes may lower the
// 10 MiB backend cap but never raise it.
type UploadConfig struct {
	MaxBytes     int64 `mapstructure:"max_bytes" validate:"gt=0,lte=10485760"`
	HistoryLimit int   `mapstructure:"history_limit" validate:"gt=0"`
	Concurrency  int   `mapstructure:"concurrency" validate:"gt=0"`
}

// HistoryConfig holds the local transcript store configuration
type HistoryConfig struct {
	DBPath string `mapstructure:"db_path"`
}

// IdentityConfig holds identity profile caching
type IdentityConfig struct {
	ProfileTTL time.Duration `mapstructure:"profile_ttl" validate:"gte=0"`
}

// LogConfig holds the logger configuration
type LogConfig struct {
	Level  string `mapstructure:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Format string `mapstructure:"format" validate:"omitempty,oneof=json console"`
}

const (
	DefaultMaxBytes = 10 * 1024 * 1024
	envPrefix       = "RAGCHAT"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.base_url", "http://localhost:3001")
	v.SetDefault("api.token", "")
	v.SetDefault("timeouts.ask", 60*time.Second)
	v.SetDefault("timeouts.upload", 2*time.Minute)
	v.SetDefault("timeouts.ingest", 5*time.Minute)
	v.SetDefault("upload.max_bytes", DefaultMaxBytes)
	v.SetDefault("upload.history_limit", 50)
	v.SetDefault("upload.concurrency", 4)
	v.SetDefault("history.db_path", "ragchat.db")
	v.SetDefault("identity.profile_ttl", 5*time.Minute)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Load loads the configuration from config.yaml, or from the file named by
// CONFIG_PATH. A missing file is not an error: defaults and RAGCHAT_*
// environment variables still apply.
func Load() (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path := os.Getenv("CONFIG_PATH"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, goerr.Wrap(err, "failed to read config", goerr.V("file", v.ConfigFileUsed()))
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, goerr.Wrap(err, "failed to decode config")
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate checks the decoded configuration against its struct tags
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return goerr.Wrap(err, "invalid config")
	}
	return nil
}
