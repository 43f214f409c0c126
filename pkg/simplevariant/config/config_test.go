package config

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	return Config{
		AppPort: "3000",
		Database: DatabaseConfig{
			Type:     "mongodb",
			MongoURI: "mongodb://localhost:27017",
			Name:     "simple_variant",
		},
		S3:     S3Config{Region: "us-east-1", Bucket: "images"},
		Worker: WorkerConfig{Concurrency: 2, MaxRequeues: 2},
		HTTP:   HTTPConfig{RateLimitMax: 100, RateLimitDuration: time.Minute},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid mongodb", func(c *Config) {}, ""},
		{"valid memory", func(c *Config) { c.Database = DatabaseConfig{Type: "memory"} }, ""},
		{"valid postgres", func(c *Config) {
			c.Database = DatabaseConfig{Type: "postgres", URL: "postgres://localhost/variants"}
		}, ""},
		{"missing port", func(c *Config) { c.AppPort = "" }, "APP_PORT"},
		{"unknown database type", func(c *Config) { c.Database.Type = "mysql" }, "DATABASE_TYPE"},
		{"mongodb without uri", func(c *Config) { c.Database.MongoURI = "" }, "MONGODB_URI"},
		{"mongodb without db name", func(c *Config) { c.Database.Name = "" }, "DB_NAME"},
		{"postgres without url", func(c *Config) {
			c.Database = DatabaseConfig{Type: "postgres"}
		}, "DATABASE_URL"},
		{"missing bucket", func(c *Config) { c.S3.Bucket = "" }, "S3_BUCKET_NAME"},
		{"zero concurrency", func(c *Config) { c.Worker.Concurrency = 0 }, "WORKER_CONCURRENCY"},
		{"negative requeues", func(c *Config) { c.Worker.MaxRequeues = -1 }, "MAX_REQUEUES"},
		{"negative rate limit", func(c *Config) { c.HTTP.RateLimitMax = -1 }, "RATE_LIMIT_MAX"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("APP_PORT", "8080")
	t.Setenv("NODE_ENV", "production")
	t.Setenv("DATABASE_TYPE", "memory")
	t.Setenv("S3_BUCKET_NAME", "images")
	t.Setenv("S3_PUBLIC_URL", "https://cdn.example.com")
	t.Setenv("REDIS_HOST", "redis.internal")
	t.Setenv("REDIS_PORT", "6380")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example.com, https://b.example.com")
	t.Setenv("RATE_LIMIT_MAX", "50")
	t.Setenv("RATE_LIMIT_DURATION", "30s")
	t.Setenv("WORKER_CONCURRENCY", "4")
	t.Setenv("MAX_REQUEUES", "1")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.AppPort)
	assert.Equal(t, "production", cfg.Environment)
	assert.Equal(t, "memory", cfg.Database.Type)
	assert.Equal(t, "images", cfg.S3.Bucket)
	assert.Equal(t, "redis.internal:6380", cfg.Redis.Addr())
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.HTTP.Origins())
	assert.Equal(t, 50, cfg.HTTP.RateLimitMax)
	assert.Equal(t, 30*time.Second, cfg.HTTP.RateLimitDuration)
	assert.Equal(t, 4, cfg.Worker.Concurrency)
	assert.Equal(t, 1, cfg.Worker.MaxRequeues)
}

func TestOriginsDefaultsToWildcard(t *testing.T) {
	cfg := HTTPConfig{AllowedOrigins: "*"}
	assert.Equal(t, []string{"*"}, cfg.Origins())
}

func TestBuildServiceFromMemoryRuntime(t *testing.T) {
	cfg := validConfig()
	cfg.Database = DatabaseConfig{Type: "memory"}

	// Wire only the pieces that need no external services.
	rt := &Runtime{}
	repo, err := cfg.buildRepository(context.Background(), rt)
	require.NoError(t, err)
	assert.NotNil(t, repo)
	assert.Empty(t, rt.closers)
}
