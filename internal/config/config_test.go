package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adverant/nexus/ocrpipe-worker/internal/native"
)

func TestLoadConfigDefaults(t *testing.T) {
	for _, key := range []string{"QUEUE_NAME", "QUEUE_BACKEND", "PIPELINE_WORKERS", "OUTPUT_FORMAT", "OCR_LANGUAGES", "LOG_LEVEL", "DEFAULT_PRESET", "PROCESSING_TIMEOUT"} {
		t.Setenv(key, "")
	}

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "ocrpipe:batches", cfg.QueueName)
	assert.Equal(t, BackendRedisList, cfg.QueueBackend)
	assert.Equal(t, 1, cfg.PipelineWorkers)
	assert.Equal(t, 5*time.Minute, cfg.Timeout())
	assert.Equal(t, native.FormatTIFF, cfg.SaveOptions().Format)
	assert.Nil(t, cfg.OCRLanguages)
	assert.False(t, cfg.Debug())
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("QUEUE_BACKEND", "asynq")
	t.Setenv("OUTPUT_FORMAT", "JPEG")
	t.Setenv("OUTPUT_QUALITY", "85")
	t.Setenv("OCR_LANGUAGES", "jpn+eng, jpn_vert")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("PROCESSING_TIMEOUT", "60000")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, BackendAsynq, cfg.QueueBackend)
	assert.Equal(t, native.SaveOptions{Format: native.FormatJPEG, Quality: 85}, cfg.SaveOptions())
	assert.Equal(t, []string{"jpn", "eng", "jpn_vert"}, cfg.OCRLanguages)
	assert.True(t, cfg.Debug())
	assert.Equal(t, time.Minute, cfg.Timeout())
}

func TestValidateRejectsBadValues(t *testing.T) {
	valid := func() *Config {
		return &Config{
			RedisURL:          "redis://localhost:6379",
			QueueName:         "q",
			QueueBackend:      BackendRedisList,
			WorkerConcurrency: 1,
			PipelineWorkers:   1,
			ProcessingTimeout: 300000,
			OutputFormat:      "png",
			DefaultPreset:     "standard",
			LogLevel:          "info",
		}
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no redis", func(c *Config) { c.RedisURL = "" }, "REDIS_URL"},
		{"no queue", func(c *Config) { c.QueueName = "" }, "QUEUE_NAME"},
		{"bad backend", func(c *Config) { c.QueueBackend = "kafka" }, "QUEUE_BACKEND"},
		{"concurrency", func(c *Config) { c.WorkerConcurrency = 0 }, "WORKER_CONCURRENCY"},
		{"pipeline workers", func(c *Config) { c.PipelineWorkers = 65 }, "PIPELINE_WORKERS"},
		{"timeout", func(c *Config) { c.ProcessingTimeout = 10 }, "PROCESSING_TIMEOUT"},
		{"format", func(c *Config) { c.OutputFormat = "gif" }, "OUTPUT_FORMAT"},
		{"quality on png", func(c *Config) { c.OutputQuality = 50 }, "quality"},
		{"preset", func(c *Config) { c.DefaultPreset = "ultra" }, "DEFAULT_PRESET"},
		{"log level", func(c *Config) { c.LogLevel = "trace" }, "LOG_LEVEL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
