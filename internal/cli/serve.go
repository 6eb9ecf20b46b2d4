package cli

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/example/palm-verify/internal/auth"
	"github.com/example/palm-verify/internal/handlers"
	"github.com/example/palm-verify/internal/metrics"
	"github.com/example/palm-verify/internal/usecase"
)

type serveOptions struct {
	migrate bool
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), rootOpts, opts)
		},
	}
	cmd.Flags().BoolVar(&opts.migrate, "migrate", true, "migrate the schema before serving")
	return cmd
}

func runServe(ctx context.Context, rootOpts *RootOptions, opts *serveOptions) error {
	e, err := newEnv(rootOpts)
	if err != nil {
		return err
	}
	defer e.Close()
	logger := e.logger

	startCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	repo, err := e.initRepository(startCtx)
	if err != nil {
		return err
	}
	if opts.migrate {
		if err := repo.AutoMigrate(startCtx); err != nil {
			return WrapExitError(ExitCommandError, "auto migrate", err)
		}
	}

	redisClient, err := e.initRedis(startCtx)
	if err != nil {
		return err
	}

	p, err := e.initPipeline(startCtx, repo)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	uc := usecase.NewVerificationUseCase(p, repo, usecase.NewRedisCache(redisClient), logger,
		usecase.WithMetrics(metrics.NewPipelineMetrics(reg)),
		usecase.WithRequestTimeout(e.cfg.Pipeline.RequestTimeout),
		usecase.WithResultTTL(e.cfg.Redis.ResultTTL),
	)

	if e.cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.Default()

	routeOpts := handlers.Options{Metrics: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
	if e.cfg.HTTP.VerifyRPS > 0 {
		routeOpts.VerifyLimiter = rate.NewLimiter(rate.Limit(e.cfg.HTTP.VerifyRPS), e.cfg.HTTP.VerifyBurst)
	}
	if e.cfg.JWT.Secret == "" {
		logger.Warn("JWT secret not configured, admin routes will reject every request")
	}
	handlers.RegisterRoutes(r, uc, auth.JWTMiddleware(e.cfg.JWT.Secret, e.cfg.JWT.Audience), routeOpts)

	server := &http.Server{
		Addr:              e.cfg.HTTP.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("palm-verify API listening", zap.String("addr", e.cfg.HTTP.Addr))
	if err := serveHTTPServer(server, e.cfg.HTTP.ShutdownTimeout, logger); err != nil {
		return WrapExitError(ExitCommandError, "server failed", err)
	}
	return nil
}
