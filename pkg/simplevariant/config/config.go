// Package config loads environment configuration and wires the concrete
// metadata store, object store, and job broker behind the service seams.
// The server and worker binaries build from the same Config, which keeps
// an embedded-worker deployment a one-flag change.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/redis/go-redis/v9"

	"github.com/tendant/simple-variant/pkg/simplevariant"
	"github.com/tendant/simple-variant/pkg/simplevariant/queue/redisq"
	memoryrepo "github.com/tendant/simple-variant/pkg/simplevariant/repo/memory"
	"github.com/tendant/simple-variant/pkg/simplevariant/repo/mongodb"
	postgresrepo "github.com/tendant/simple-variant/pkg/simplevariant/repo/postgres"
	s3storage "github.com/tendant/simple-variant/pkg/simplevariant/storage/s3"
	"github.com/tendant/simple-variant/pkg/simplevariant/urlstrategy"
	"github.com/tendant/simple-variant/pkg/simplevariant/worker"
)

// Config holds every recognized environment option.
type Config struct {
	AppPort     string `env:"APP_PORT" env-default:"3000"`
	Environment string `env:"NODE_ENV" env-default:"development"`

	Database DatabaseConfig
	S3       S3Config
	Redis    RedisConfig
	HTTP     HTTPConfig
	Worker   WorkerConfig

	SentryDSN string `env:"SENTRY_DSN"`
}

// DatabaseConfig selects the metadata store backend.
type DatabaseConfig struct {
	Type     string `env:"DATABASE_TYPE" env-default:"mongodb"`
	MongoURI string `env:"MONGODB_URI" env-default:"mongodb://localhost:27017"`
	Name     string `env:"DB_NAME" env-default:"simple_variant"`
	URL      string `env:"DATABASE_URL"`
}

// S3Config configures the object store holding originals and renditions.
// Endpoint and UsePathStyle cover MinIO and other S3-compatible services.
type S3Config struct {
	Region          string `env:"AWS_REGION" env-default:"us-east-1"`
	Bucket          string `env:"S3_BUCKET_NAME"`
	PublicURL       string `env:"S3_PUBLIC_URL"`
	AccessKeyID     string `env:"AWS_ACCESS_KEY_ID"`
	SecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY"`
	Endpoint        string `env:"S3_ENDPOINT"`
	UsePathStyle    bool   `env:"S3_USE_PATH_STYLE" env-default:"false"`
	CreateBucket    bool   `env:"S3_CREATE_BUCKET" env-default:"false"`
}

// RedisConfig configures the job broker connection.
type RedisConfig struct {
	Host     string `env:"REDIS_HOST" env-default:"localhost"`
	Port     string `env:"REDIS_PORT" env-default:"6379"`
	Password string `env:"REDIS_PASSWORD"`
}

// Addr returns host:port for the go-redis client.
func (c RedisConfig) Addr() string {
	return net.JoinHostPort(c.Host, c.Port)
}

// HTTPConfig configures the edge middleware.
type HTTPConfig struct {
	AllowedOrigins    string        `env:"ALLOWED_ORIGINS" env-default:"*"`
	RateLimitMax      int           `env:"RATE_LIMIT_MAX" env-default:"100"`
	RateLimitDuration time.Duration `env:"RATE_LIMIT_DURATION" env-default:"1m"`
	ResizedImagePath  string        `env:"RESIZED_IMAGE_PATH"`
}

// Origins splits ALLOWED_ORIGINS into the list the CORS middleware takes.
func (c HTTPConfig) Origins() []string {
	parts := strings.Split(c.AllowedOrigins, ",")
	origins := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			origins = append(origins, part)
		}
	}
	return origins
}

// WorkerConfig tunes the resize worker.
type WorkerConfig struct {
	Concurrency int  `env:"WORKER_CONCURRENCY" env-default:"2"`
	MaxRequeues int  `env:"MAX_REQUEUES" env-default:"2"`
	Embedded    bool `env:"WORKER_EMBEDDED" env-default:"false"`
}

// Load reads configuration from the environment and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate enforces the combinations the configured backends need.
// Failures are fatal; the binaries exit rather than start half-wired.
func (c *Config) Validate() error {
	if c.AppPort == "" {
		return errors.New("APP_PORT is required")
	}
	switch c.Database.Type {
	case "memory":
	case "mongodb":
		if c.Database.MongoURI == "" {
			return errors.New("MONGODB_URI is required when DATABASE_TYPE=mongodb")
		}
		if c.Database.Name == "" {
			return errors.New("DB_NAME is required when DATABASE_TYPE=mongodb")
		}
	case "postgres":
		if c.Database.URL == "" {
			return errors.New("DATABASE_URL is required when DATABASE_TYPE=postgres")
		}
	default:
		return fmt.Errorf("DATABASE_TYPE must be 'memory', 'mongodb', or 'postgres', got %q", c.Database.Type)
	}
	if c.S3.Bucket == "" {
		return errors.New("S3_BUCKET_NAME is required")
	}
	if c.Worker.Concurrency < 1 {
		return errors.New("WORKER_CONCURRENCY must be at least 1")
	}
	if c.Worker.MaxRequeues < 0 {
		return errors.New("MAX_REQUEUES must not be negative")
	}
	if c.HTTP.RateLimitMax < 0 {
		return errors.New("RATE_LIMIT_MAX must not be negative")
	}
	return nil
}

// NewLogger builds the process logger: JSON in production, text with debug
// level elsewhere.
func (c *Config) NewLogger() *slog.Logger {
	if c.Environment == "production" {
		return slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// Runtime bundles the wired backends shared by the server and worker
// binaries.
type Runtime struct {
	Repository simplevariant.Repository
	Blobs      simplevariant.BlobStore
	Queue      simplevariant.Queue
	URLs       urlstrategy.Strategy

	closers []func(context.Context) error
}

// BuildRuntime connects the configured metadata store, object store, and
// job broker. On error any connections opened so far are closed.
func (c *Config) BuildRuntime(ctx context.Context) (*Runtime, error) {
	rt := &Runtime{}

	repo, err := c.buildRepository(ctx, rt)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("build repository: %w", err)
	}
	rt.Repository = repo

	blobs, err := s3storage.New(s3storage.Config{
		Region:                 c.S3.Region,
		Bucket:                 c.S3.Bucket,
		AccessKeyID:            c.S3.AccessKeyID,
		SecretAccessKey:        c.S3.SecretAccessKey,
		Endpoint:               c.S3.Endpoint,
		UsePathStyle:           c.S3.UsePathStyle,
		CreateBucketIfNotExist: c.S3.CreateBucket,
	})
	if err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("build blob store: %w", err)
	}
	rt.Blobs = blobs

	client := redis.NewClient(&redis.Options{
		Addr:     c.Redis.Addr(),
		Password: c.Redis.Password,
	})
	rt.closers = append(rt.closers, func(context.Context) error { return client.Close() })
	rt.Queue = redisq.New(client, simplevariant.QueueNameResize)

	rt.URLs = urlstrategy.NewPublicBase(c.S3.PublicURL)
	return rt, nil
}

func (c *Config) buildRepository(ctx context.Context, rt *Runtime) (simplevariant.Repository, error) {
	switch c.Database.Type {
	case "memory":
		return memoryrepo.New(), nil

	case "mongodb":
		client, err := mongodb.Connect(ctx, c.Database.MongoURI)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, client.Disconnect)
		repo := mongodb.New(client.Database(c.Database.Name))
		if err := repo.EnsureIndexes(ctx); err != nil {
			return nil, err
		}
		return repo, nil

	case "postgres":
		if err := postgresrepo.Migrate(c.Database.URL); err != nil {
			return nil, err
		}
		pool, err := postgresrepo.Connect(ctx, c.Database.URL)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, func(context.Context) error {
			pool.Close()
			return nil
		})
		return postgresrepo.New(pool), nil

	default:
		return nil, fmt.Errorf("unsupported database type: %s", c.Database.Type)
	}
}

// Close releases broker and database connections in reverse wiring order.
func (r *Runtime) Close(ctx context.Context) error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// BuildService assembles the resolver on top of rt.
func (c *Config) BuildService(rt *Runtime, logger *slog.Logger) (simplevariant.Service, error) {
	return simplevariant.New(
		simplevariant.WithRepository(rt.Repository),
		simplevariant.WithBlobStore(rt.Blobs),
		simplevariant.WithQueue(rt.Queue),
		simplevariant.WithURLStrategy(rt.URLs),
		simplevariant.WithBucket(c.S3.Bucket),
		simplevariant.WithLogger(logger),
	)
}

// BuildWorker assembles the resize worker on top of rt.
func (c *Config) BuildWorker(rt *Runtime, logger *slog.Logger) (*worker.Worker, error) {
	return worker.New(
		worker.WithRepository(rt.Repository),
		worker.WithBlobStore(rt.Blobs),
		worker.WithQueue(rt.Queue),
		worker.WithLogger(logger),
		worker.WithConcurrency(c.Worker.Concurrency),
		worker.WithMaxRequeues(c.Worker.MaxRequeues),
	)
}
