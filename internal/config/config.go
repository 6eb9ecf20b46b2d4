// Package config loads service settings from defaults, an optional YAML
// file and the environment, in that order.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Image source backends.
const (
	BackendHTTP  = "http"
	BackendMinio = "minio"
)

// HTTPConfig configures the API listener and the /verify rate limit.
type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	VerifyRPS       float64       `yaml:"verify_rps"`
	VerifyBurst     int           `yaml:"verify_burst"`
}

// DatabaseConfig points at the Postgres feature store.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// RedisConfig configures the verification result cache.
type RedisConfig struct {
	Addr      string        `yaml:"addr"`
	ResultTTL time.Duration `yaml:"result_ttl"`
}

// ExtractorConfig locates the gRPC model service.
type ExtractorConfig struct {
	Addr        string        `yaml:"addr"`
	Timeout     time.Duration `yaml:"timeout"`
	Concurrency int64         `yaml:"concurrency"`
}

// MinioConfig holds object storage credentials for the minio backend.
type MinioConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// ImagesConfig locates enrollment and query images. For the http backend
// the locations are base URLs; for minio they are bucket names.
type ImagesConfig struct {
	Backend    string        `yaml:"backend"`
	Enrollment string        `yaml:"enrollment"`
	Query      string        `yaml:"query"`
	Minio      MinioConfig   `yaml:"minio"`
	Timeout    time.Duration `yaml:"timeout"`
}

// NormalizeConfig is the tensor shape images are normalized to.
type NormalizeConfig struct {
	Height   int `yaml:"height"`
	Width    int `yaml:"width"`
	Channels int `yaml:"channels"`
}

// PipelineConfig holds the match threshold and per-stage timeouts.
type PipelineConfig struct {
	Threshold      float32       `yaml:"threshold"`
	FetchTimeout   time.Duration `yaml:"fetch_timeout"`
	StoreTimeout   time.Duration `yaml:"store_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// JWTConfig verifies admin bearer tokens.
type JWTConfig struct {
	Secret   string `yaml:"secret"`
	Audience string `yaml:"audience"`
}

// Config is the complete service configuration.
type Config struct {
	LogLevel  string          `yaml:"log_level"`
	HTTP      HTTPConfig      `yaml:"http"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Extractor ExtractorConfig `yaml:"extractor"`
	Images    ImagesConfig    `yaml:"images"`
	Normalize NormalizeConfig `yaml:"normalize"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	JWT       JWTConfig       `yaml:"jwt"`
}

// Default returns the settings of the deployed service.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ShutdownTimeout: 15 * time.Second,
			VerifyRPS:       10,
			VerifyBurst:     20,
		},
		Database: DatabaseConfig{
			DSN:             "host=postgres user=postgres password=postgres dbname=palm port=5432 sslmode=disable",
			MaxIdleConns:    5,
			MaxOpenConns:    10,
			ConnMaxLifetime: time.Hour,
		},
		Redis: RedisConfig{
			Addr:      "redis:6379",
			ResultTTL: 5 * time.Minute,
		},
		Extractor: ExtractorConfig{
			Addr:        "extractor:50051",
			Timeout:     10 * time.Second,
			Concurrency: 1,
		},
		Images: ImagesConfig{
			Backend:    BackendHTTP,
			Enrollment: "http://storage:9000/palm-images",
			Query:      "http://storage:9000/query-images",
			Timeout:    10 * time.Second,
		},
		Normalize: NormalizeConfig{Height: 128, Width: 128, Channels: 1},
		Pipeline: PipelineConfig{
			Threshold:      0.3,
			FetchTimeout:   10 * time.Second,
			StoreTimeout:   5 * time.Second,
			RequestTimeout: 30 * time.Second,
		},
	}
}

// Load builds the configuration. path may be empty, in which case
// PALM_CONFIG is consulted; with neither set only defaults and the
// environment apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("PALM_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := cfg.decode(data); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.LogLevel = getEnv("PALM_LOG_LEVEL", c.LogLevel)
	c.HTTP.Addr = getEnv("PALM_HTTP_ADDR", c.HTTP.Addr)
	c.Database.DSN = getEnv("DATABASE_DSN", c.Database.DSN)
	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Extractor.Addr = getEnv("EXTRACTOR_ADDR", c.Extractor.Addr)
	c.Images.Backend = getEnv("PALM_IMAGE_BACKEND", c.Images.Backend)
	c.Images.Enrollment = getEnv("PALM_ENROLLMENT_IMAGES", c.Images.Enrollment)
	c.Images.Query = getEnv("PALM_QUERY_IMAGES", c.Images.Query)
	c.Images.Minio.Endpoint = getEnv("MINIO_ENDPOINT", c.Images.Minio.Endpoint)
	c.Images.Minio.AccessKey = getEnv("MINIO_ACCESS_KEY", c.Images.Minio.AccessKey)
	c.Images.Minio.SecretKey = getEnv("MINIO_SECRET_KEY", c.Images.Minio.SecretKey)
	c.JWT.Secret = getEnv("JWT_SECRET", c.JWT.Secret)
	c.JWT.Audience = getEnv("JWT_AUDIENCE", c.JWT.Audience)

	if v := os.Getenv("PALM_THRESHOLD"); v != "" {
		f, err := strconv.ParseFloat(v, 32)
		if err != nil {
			return fmt.Errorf("PALM_THRESHOLD: %w", err)
		}
		c.Pipeline.Threshold = float32(f)
	}
	if v := os.Getenv("PALM_EXTRACTOR_CONCURRENCY"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("PALM_EXTRACTOR_CONCURRENCY: %w", err)
		}
		c.Extractor.Concurrency = n
	}
	if v := os.Getenv("PALM_REQUEST_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("PALM_REQUEST_TIMEOUT: %w", err)
		}
		c.Pipeline.RequestTimeout = d
	}
	return nil
}

// Validate rejects settings the pipelines cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Normalize.Height <= 0 || c.Normalize.Width <= 0 {
		errs = append(errs, fmt.Errorf("normalize: size must be positive, got %dx%d", c.Normalize.Height, c.Normalize.Width))
	}
	if c.Normalize.Channels <= 0 {
		errs = append(errs, fmt.Errorf("normalize: channels must be positive, got %d", c.Normalize.Channels))
	}
	if c.Pipeline.Threshold < -1 || c.Pipeline.Threshold > 1 {
		errs = append(errs, fmt.Errorf("pipeline: threshold %v outside [-1, 1]", c.Pipeline.Threshold))
	}
	if c.Pipeline.FetchTimeout <= 0 || c.Pipeline.StoreTimeout <= 0 {
		errs = append(errs, errors.New("pipeline: fetch and store timeouts must be positive"))
	}
	if c.Pipeline.RequestTimeout < 0 || c.Extractor.Timeout < 0 {
		errs = append(errs, errors.New("request and extractor timeouts must not be negative"))
	}
	if c.Extractor.Concurrency <= 0 {
		errs = append(errs, fmt.Errorf("extractor: concurrency must be positive, got %d", c.Extractor.Concurrency))
	}
	switch c.Images.Backend {
	case BackendHTTP:
	case BackendMinio:
		if c.Images.Minio.Endpoint == "" {
			errs = append(errs, errors.New("images: minio backend requires an endpoint"))
		}
	default:
		errs = append(errs, fmt.Errorf("images: unknown backend %q", c.Images.Backend))
	}
	if c.Images.Enrollment == "" || c.Images.Query == "" {
		errs = append(errs, errors.New("images: enrollment and query locations are required"))
	}
	if c.HTTP.VerifyRPS < 0 || c.HTTP.VerifyBurst < 0 {
		errs = append(errs, errors.New("http: verify rate limit must not be negative"))
	}
	return errors.Join(errs...)
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
