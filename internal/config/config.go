/**
 * Configuration for the OCR pipeline worker
 *
 * Loads configuration from environment variables matching .env.ocrpipe
 */

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/adverant/nexus/ocrpipe-worker/internal/native"
	"github.com/adverant/nexus/ocrpipe-worker/internal/pipeline"
)

// Queue backends
const (
	BackendRedisList = "redis-list"
	BackendAsynq     = "asynq"
)

// Config holds worker configuration
type Config struct {
	// Redis configuration
	RedisURL     string
	QueueName    string
	QueueBackend string

	// PostgreSQL configuration. Job tracking is disabled when empty.
	DatabaseURL string

	// Worker configuration
	WorkerConcurrency int // concurrent batches
	PipelineWorkers   int // concurrent items within a batch
	ProcessingTimeout int // milliseconds

	// Output
	OutputDir         string
	OutputFormat      string
	OutputQuality     int
	OutputCompression string
	DefaultPreset     string

	// Recognition
	TessdataPrefix string
	OCRLanguages   []string
	DictionaryDir  string

	// Observability
	MetricsAddr string
	LogLevel    string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		RedisURL:          getEnvOrDefault("REDIS_URL", "redis://nexus-redis:6379"),
		QueueName:         getEnvOrDefault("QUEUE_NAME", "ocrpipe:batches"),
		QueueBackend:      getEnvOrDefault("QUEUE_BACKEND", BackendRedisList),
		DatabaseURL:       getEnvOrDefault("DATABASE_URL", ""),
		WorkerConcurrency: getEnvAsIntOrDefault("WORKER_CONCURRENCY", 2),
		PipelineWorkers:   getEnvAsIntOrDefault("PIPELINE_WORKERS", 1),
		ProcessingTimeout: getEnvAsIntOrDefault("PROCESSING_TIMEOUT", 300000), // 5 minutes
		OutputDir:         getEnvOrDefault("OUTPUT_DIR", "/tmp/ocrpipe"),
		OutputFormat:      getEnvOrDefault("OUTPUT_FORMAT", string(native.FormatTIFF)),
		OutputQuality:     getEnvAsIntOrDefault("OUTPUT_QUALITY", 0),
		OutputCompression: getEnvOrDefault("OUTPUT_COMPRESSION", ""),
		DefaultPreset:     getEnvOrDefault("DEFAULT_PRESET", "standard"),
		TessdataPrefix:    getEnvOrDefault("TESSDATA_PREFIX", ""),
		OCRLanguages:      getEnvAsListOrDefault("OCR_LANGUAGES", nil),
		DictionaryDir:     getEnvOrDefault("DICTIONARY_DIR", ""),
		MetricsAddr:       getEnvOrDefault("METRICS_ADDR", ":9108"),
		LogLevel:          strings.ToLower(getEnvOrDefault("LOG_LEVEL", "info")),
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.QueueName == "" {
		return fmt.Errorf("QUEUE_NAME is required")
	}

	if c.QueueBackend != BackendRedisList && c.QueueBackend != BackendAsynq {
		return fmt.Errorf("QUEUE_BACKEND must be %q or %q, got %q", BackendRedisList, BackendAsynq, c.QueueBackend)
	}

	if c.WorkerConcurrency < 1 || c.WorkerConcurrency > 100 {
		return fmt.Errorf("WORKER_CONCURRENCY must be between 1 and 100, got %d", c.WorkerConcurrency)
	}

	if c.PipelineWorkers < 1 || c.PipelineWorkers > 64 {
		return fmt.Errorf("PIPELINE_WORKERS must be between 1 and 64, got %d", c.PipelineWorkers)
	}

	if c.ProcessingTimeout < 1000 || c.ProcessingTimeout > 86400000 { // 1s to 24h
		return fmt.Errorf("PROCESSING_TIMEOUT must be between 1s and 24h in milliseconds, got %d", c.ProcessingTimeout)
	}

	if err := c.SaveOptions().Validate(); err != nil {
		return fmt.Errorf("OUTPUT_FORMAT/OUTPUT_QUALITY/OUTPUT_COMPRESSION: %w", err)
	}

	if _, err := pipeline.Preset(c.DefaultPreset); err != nil {
		return fmt.Errorf("DEFAULT_PRESET must be one of %v, got %q", pipeline.PresetNames(), c.DefaultPreset)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("LOG_LEVEL must be debug, info, warn or error, got %q", c.LogLevel)
	}

	return nil
}

// SaveOptions returns the output encoding options.
func (c *Config) SaveOptions() native.SaveOptions {
	return native.SaveOptions{
		Format:      native.Format(strings.ToLower(c.OutputFormat)),
		Quality:     c.OutputQuality,
		Compression: native.Compression(strings.ToLower(c.OutputCompression)),
	}
}

// Timeout returns ProcessingTimeout as a duration.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.ProcessingTimeout) * time.Millisecond
}

// Debug reports whether debug logging was requested.
func (c *Config) Debug() bool { return c.LogLevel == "debug" }

// getEnvOrDefault gets environment variable or returns default
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault gets environment variable as int or returns default
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvAsListOrDefault splits a comma or plus separated list, e.g. "jpn+eng"
func getEnvAsListOrDefault(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	fields := strings.FieldsFunc(valueStr, func(r rune) bool { return r == ',' || r == '+' })
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}
