package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/example/palm-verify/internal/auth"
	"github.com/example/palm-verify/internal/imagesource"
	"github.com/example/palm-verify/internal/palm"
	"github.com/example/palm-verify/internal/repository"
	"github.com/example/palm-verify/internal/usecase"
)

// Service is the use case surface exposed over HTTP.
type Service interface {
	Verify(ctx context.Context, locator string) usecase.VerifyOutcome
	Enroll(ctx context.Context, id palm.IdentityID) usecase.EnrollOutcome
	GetResult(ctx context.Context, requestID string) (*repository.VerificationLog, error)
	ListIdentities(ctx context.Context) ([]usecase.IdentitySummary, error)
	RegisterIdentity(ctx context.Context, name, email string) (usecase.IdentitySummary, error)
	ResetPresence(ctx context.Context) (int64, error)
	UpdateIdentity(ctx context.Context, id palm.IdentityID, update repository.IdentityUpdate) (usecase.IdentitySummary, error)
	DeleteIdentity(ctx context.Context, id palm.IdentityID) error
	GetMetricsSummary(ctx context.Context) (*usecase.MetricsSummary, error)
}

// Options configure optional parts of the router.
type Options struct {
	// VerifyLimiter throttles POST /verify when set.
	VerifyLimiter *rate.Limiter
	// Metrics serves GET /metrics when set.
	Metrics http.Handler
}

type verifyRequest struct {
	ImagePath string `json:"image_path" binding:"required"`
}

type enrollRequest struct {
	UserID int64 `json:"user_id" binding:"required,gt=0"`
}

type registerRequest struct {
	Name  string `json:"name" binding:"required"`
	Email string `json:"email"`
}

type updateRequest struct {
	Name         *string `json:"name"`
	Email        *string `json:"email"`
	PresentToday *bool   `json:"present_today"`
}

func (r updateRequest) toUpdate() (repository.IdentityUpdate, bool) {
	update := repository.IdentityUpdate{Email: r.Email, Present: r.PresentToday}
	if r.Name != nil {
		name := strings.TrimSpace(*r.Name)
		if name == "" {
			return update, false
		}
		update.Name = &name
	}
	if update.Email != nil {
		email := strings.TrimSpace(*update.Email)
		update.Email = &email
	}
	return update, !update.Empty()
}

// RegisterRoutes wires the HTTP handlers to the Gin router. Administrative
// routes sit behind authMiddleware and the admin role.
func RegisterRoutes(router *gin.Engine, svc Service, authMiddleware gin.HandlerFunc, opts Options) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	if opts.Metrics != nil {
		router.GET("/metrics", gin.WrapH(opts.Metrics))
	}

	verify := []gin.HandlerFunc{}
	if opts.VerifyLimiter != nil {
		verify = append(verify, RateLimit(opts.VerifyLimiter))
	}
	verify = append(verify, func(c *gin.Context) {
		var req verifyRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "image_path is required"})
			return
		}
		locator := strings.TrimSpace(req.ImagePath)
		if !validLocator(locator) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid image_path"})
			return
		}

		outcome := svc.Verify(c.Request.Context(), locator)
		if outcome.Err != nil {
			c.JSON(statusFor(outcome.Err), outcome)
			return
		}
		c.JSON(http.StatusOK, outcome)
	})
	router.POST("/verify", verify...)

	router.GET("/result/:id", func(c *gin.Context) {
		requestID := c.Param("id")
		if requestID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "id is required"})
			return
		}

		log, err := svc.GetResult(c.Request.Context(), requestID)
		if errors.Is(err, usecase.ErrResultPending) {
			c.JSON(http.StatusAccepted, gin.H{"request_id": requestID, "status": "processing"})
			return
		}
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"request_id": log.RequestID,
			"image_path": log.Locator,
			"user_id":    log.IdentityID,
			"name":       log.IdentityName,
			"similarity": log.Score,
			"matched":    log.Matched,
			"error_kind": log.ErrorKind,
			"error":      log.Error,
			"warning":    log.Warning,
			"latency_ms": log.LatencyMs,
			"created_at": log.CreatedAt,
		})
	})

	guards := []gin.HandlerFunc{RequireAdmin()}
	if authMiddleware != nil {
		guards = append([]gin.HandlerFunc{authMiddleware}, guards...)
	}
	admin := router.Group("/", guards...)

	admin.POST("/extract_features", func(c *gin.Context) {
		var req enrollRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "user_id must be a positive integer"})
			return
		}

		outcome := svc.Enroll(c.Request.Context(), palm.IdentityID(req.UserID))
		if outcome.Err != nil {
			c.JSON(statusFor(outcome.Err), outcome)
			return
		}
		c.JSON(http.StatusOK, outcome)
	})

	admin.GET("/identities", func(c *gin.Context) {
		identities, err := svc.ListIdentities(c.Request.Context())
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"identities": identities})
	})

	admin.POST("/identities", func(c *gin.Context) {
		var req registerRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
			return
		}
		identity, err := svc.RegisterIdentity(c.Request.Context(), strings.TrimSpace(req.Name), strings.TrimSpace(req.Email))
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, identity)
	})

	admin.PATCH("/identities/:id", func(c *gin.Context) {
		id, ok := identityParam(c)
		if !ok {
			return
		}
		var req updateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
			return
		}
		update, ok := req.toUpdate()
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "one of name, email or present_today is required"})
			return
		}
		identity, err := svc.UpdateIdentity(c.Request.Context(), id, update)
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, identity)
	})

	admin.DELETE("/identities/:id", func(c *gin.Context) {
		id, ok := identityParam(c)
		if !ok {
			return
		}
		if err := svc.DeleteIdentity(c.Request.Context(), id); err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	})

	admin.POST("/identities/reset-presence", func(c *gin.Context) {
		n, err := svc.ResetPresence(c.Request.Context())
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"reset": n})
	})

	admin.GET("/admin/metrics/summary", func(c *gin.Context) {
		summary, err := svc.GetMetricsSummary(c.Request.Context())
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, summary)
	})
}

// RequireAdmin restricts a route group to admin tokens.
func RequireAdmin() gin.HandlerFunc {
	return auth.RequireRole(auth.RoleAdmin)
}

func identityParam(c *gin.Context) (palm.IdentityID, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id must be a positive integer"})
		return 0, false
	}
	return palm.IdentityID(id), true
}

func validLocator(locator string) bool {
	if locator == "" || strings.HasPrefix(locator, "/") {
		return false
	}
	for _, part := range strings.Split(locator, "/") {
		if part == ".." {
			return false
		}
	}
	return true
}

// statusClientClosedRequest reports a request the caller abandoned.
const statusClientClosedRequest = 499

// statusFor maps the failure taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, context.Canceled) && palm.Kind(err) == nil:
		return statusClientClosedRequest
	case errors.Is(err, palm.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, imagesource.ErrImageNotFound),
		errors.Is(err, palm.ErrIdentityNotFound),
		errors.Is(err, repository.ErrLogNotFound):
		return http.StatusNotFound
	case errors.Is(err, palm.ErrNoReferenceData):
		return http.StatusConflict
	case errors.Is(err, palm.ErrShape), errors.Is(err, palm.ErrDegenerateInput), errors.Is(err, imagesource.ErrDecode):
		return http.StatusUnprocessableEntity
	case errors.Is(err, palm.ErrFetch), errors.Is(err, palm.ErrExtraction):
		return http.StatusBadGateway
	case errors.Is(err, palm.ErrStore):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func retryAfter(limiter *rate.Limiter) string {
	if limiter.Limit() <= 0 {
		return "1"
	}
	seconds := int(1/float64(limiter.Limit())) + 1
	return strconv.Itoa(seconds)
}
