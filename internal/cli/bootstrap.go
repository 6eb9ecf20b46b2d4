package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/palm-verify/internal/config"
	"github.com/example/palm-verify/internal/extractor"
	"github.com/example/palm-verify/internal/imagesource"
	"github.com/example/palm-verify/internal/logging"
	"github.com/example/palm-verify/internal/normalize"
	"github.com/example/palm-verify/internal/pipeline"
	"github.com/example/palm-verify/internal/repository"
)

// env is the set of long-lived dependencies shared by the commands.
type env struct {
	cfg     *config.Config
	logger  *zap.Logger
	closers []func() error
}

func newEnv(opts *RootOptions) (*env, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "load configuration", err)
	}
	if opts.Verbose {
		cfg.LogLevel = "debug"
	}
	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "create logger", err)
	}
	return &env{cfg: cfg, logger: logger}, nil
}

func (e *env) onClose(fn func() error) {
	e.closers = append(e.closers, fn)
}

// Close releases resources in reverse order of acquisition.
func (e *env) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			e.logger.Warn("failed to release resource", zap.Error(err))
		}
	}
	_ = e.logger.Sync()
}

func (e *env) initDatabase(ctx context.Context) (*gorm.DB, error) {
	level := gormlogger.Warn
	if e.cfg.LogLevel == "debug" {
		level = gormlogger.Info
	}
	db, err := gorm.Open(postgres.Open(e.cfg.Database.DSN), &gorm.Config{Logger: gormlogger.Default.LogMode(level)})
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "connect to database", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "access db handle", err)
	}
	sqlDB.SetMaxIdleConns(e.cfg.Database.MaxIdleConns)
	sqlDB.SetMaxOpenConns(e.cfg.Database.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(e.cfg.Database.ConnMaxLifetime)
	e.onClose(sqlDB.Close)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		return nil, WrapExitError(ExitCommandError, "database ping", err)
	}
	return db, nil
}

func (e *env) initRepository(ctx context.Context) (*repository.Repository, error) {
	db, err := e.initDatabase(ctx)
	if err != nil {
		return nil, err
	}
	return repository.NewRepository(db, e.logger), nil
}

func (e *env) initRedis(ctx context.Context) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: e.cfg.Redis.Addr})
	e.onClose(client.Close)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, WrapExitError(ExitCommandError, "redis connection", err)
	}
	return client, nil
}

func (e *env) initImageSources() (enrollment, query imagesource.Source, err error) {
	images := e.cfg.Images
	switch images.Backend {
	case config.BackendHTTP:
		client := &http.Client{Timeout: images.Timeout}
		return imagesource.NewHTTPSource(client, images.Enrollment, e.logger),
			imagesource.NewHTTPSource(client, images.Query, e.logger),
			nil
	case config.BackendMinio:
		client, err := minio.New(images.Minio.Endpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(images.Minio.AccessKey, images.Minio.SecretKey, ""),
			Secure: images.Minio.UseSSL,
		})
		if err != nil {
			return nil, nil, WrapExitError(ExitCommandError, "create minio client", err)
		}
		return imagesource.NewMinioSource(client, images.Enrollment, "", e.logger),
			imagesource.NewMinioSource(client, images.Query, "", e.logger),
			nil
	default:
		return nil, nil, WrapExitError(ExitCommandError, "image sources", fmt.Errorf("unknown backend %q", images.Backend))
	}
}

func (e *env) initExtractor(ctx context.Context) (extractor.Extractor, error) {
	client, conn, err := extractor.Dial(ctx, e.cfg.Extractor.Addr, e.logger)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "connect to feature extractor", err)
	}
	e.onClose(conn.Close)
	return extractor.Limit(client, e.cfg.Extractor.Concurrency), nil
}

func (e *env) initPipeline(ctx context.Context, store pipeline.FeatureStore) (*pipeline.Pipeline, error) {
	if store == nil {
		return nil, errors.New("feature store is required")
	}
	norm, err := normalize.New(e.cfg.Normalize.Height, e.cfg.Normalize.Width, e.cfg.Normalize.Channels)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "create normalizer", err)
	}
	enrollment, query, err := e.initImageSources()
	if err != nil {
		return nil, err
	}
	ext, err := e.initExtractor(ctx)
	if err != nil {
		return nil, err
	}

	p, err := pipeline.New(pipeline.Dependencies{
		Normalizer:       norm,
		Extractor:        ext,
		Store:            store,
		EnrollmentImages: enrollment,
		QueryImages:      query,
	}, pipeline.Options{
		Threshold:      e.cfg.Pipeline.Threshold,
		FetchTimeout:   e.cfg.Pipeline.FetchTimeout,
		ExtractTimeout: e.cfg.Extractor.Timeout,
		StoreTimeout:   e.cfg.Pipeline.StoreTimeout,
	}, e.logger)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "create pipeline", err)
	}
	return p, nil
}
