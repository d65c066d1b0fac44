// Package config loads the aggregator's configuration from environment
// variables with sensible defaults, following the same envStr/envInt/envBool
// pattern the rest of this codebase's ancestry uses. Unknown environment
// variables are ignored; declared keys are validated once in Load.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// StorageMode selects the Blob Store backend.
type StorageMode string

const (
	StorageBlob  StorageMode = "blob"
	StorageLocal StorageMode = "local"
)

// Config holds all configuration for the aggregator.
type Config struct {
	Port int

	MinTrainingData int
	MaxModelsToKeep int
	TPending        int
	THours          float64
	TInteractions   int

	MaxFeatures int
	NGramMin    int
	NGramMax    int

	BaseWeight float64
	UserWeight float64

	ModelVersionPrefix string

	DBSyncInterval     int // seconds
	ModelsSyncInterval int // seconds

	MaxUploadSizeMB int

	Dropbox Dropbox

	StorageMode   StorageMode
	BaseModelName string

	DataDir string // local SQLite DB + token file directory

	Telemetry Telemetry
}

// Dropbox holds the OAuth2 + retry configuration for the blob store client.
type Dropbox struct {
	AppKey       string
	AppSecret    string
	RefreshToken string
	AutoRefresh  bool
	MaxRetries   int
	RetryDelayMS int
}

// Telemetry controls the optional OTLP tracing exporter.
type Telemetry struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// Load reads configuration from environment variables and validates it.
func Load() (*Config, error) {
	cfg := &Config{
		Port: envInt("PORT", 8080),

		MinTrainingData: envInt("MIN_TRAINING_DATA", 50),
		MaxModelsToKeep: envInt("MAX_MODELS_TO_KEEP", 10),
		TPending:        envInt("T_PENDING", 3),
		THours:          envFloat("T_HOURS", 12),
		TInteractions:   envInt("T_INTERACTIONS", 100),

		MaxFeatures: envInt("MAX_FEATURES", 5000),

		BaseWeight: envFloat("BASE_WEIGHT", 2.0),
		UserWeight: envFloat("USER_WEIGHT", 1.0),

		ModelVersionPrefix: envStr("MODEL_VERSION_PREFIX", "1.0."),

		DBSyncInterval:     envInt("DB_SYNC_INTERVAL", 60),
		ModelsSyncInterval: envInt("MODELS_SYNC_INTERVAL", 60),

		MaxUploadSizeMB: envInt("MAX_UPLOAD_SIZE_MB", 600),

		Dropbox: Dropbox{
			AppKey:       envStr("DROPBOX_APP_KEY", ""),
			AppSecret:    envStr("DROPBOX_APP_SECRET", ""),
			RefreshToken: envStr("DROPBOX_REFRESH_TOKEN", ""),
			AutoRefresh:  envBool("DROPBOX_AUTO_REFRESH", true),
			MaxRetries:   envInt("DROPBOX_MAX_RETRIES", 3),
			RetryDelayMS: envInt("DROPBOX_RETRY_DELAY", 500),
		},

		StorageMode:   StorageMode(envStr("STORAGE_MODE", "local")),
		BaseModelName: envStr("BASE_MODEL_NAME", "model"),

		DataDir: envStr("AGGREGATOR_DATA_DIR", "./data"),

		Telemetry: Telemetry{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "aiforge-aggregator"),
		},
	}

	ngram := envStr("NGRAM_RANGE", "1,2")
	parts := strings.Split(ngram, ",")
	if len(parts) == 2 {
		if lo, err := strconv.Atoi(strings.TrimSpace(parts[0])); err == nil {
			cfg.NGramMin = lo
		}
		if hi, err := strconv.Atoi(strings.TrimSpace(parts[1])); err == nil {
			cfg.NGramMax = hi
		}
	}
	if cfg.NGramMin == 0 {
		cfg.NGramMin = 1
	}
	if cfg.NGramMax == 0 {
		cfg.NGramMax = 2
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.StorageMode != StorageBlob && c.StorageMode != StorageLocal {
		return fmt.Errorf("STORAGE_MODE must be %q or %q, got %q", StorageBlob, StorageLocal, c.StorageMode)
	}
	if c.StorageMode == StorageBlob {
		if c.Dropbox.AppKey == "" || c.Dropbox.AppSecret == "" || c.Dropbox.RefreshToken == "" {
			return fmt.Errorf("STORAGE_MODE=blob requires DROPBOX_APP_KEY, DROPBOX_APP_SECRET, DROPBOX_REFRESH_TOKEN")
		}
	}
	if c.MinTrainingData < 0 {
		return fmt.Errorf("MIN_TRAINING_DATA must be >= 0")
	}
	if c.MaxModelsToKeep < 1 {
		return fmt.Errorf("MAX_MODELS_TO_KEEP must be >= 1")
	}
	if c.NGramMin < 1 || c.NGramMax < c.NGramMin {
		return fmt.Errorf("NGRAM_RANGE invalid: %d,%d", c.NGramMin, c.NGramMax)
	}
	return nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
