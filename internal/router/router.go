package router

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/handler"
	"github.com/stemsi/exstem-proctor/internal/metrics"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	Auth    *handler.AuthHandler
	Attempt *handler.AttemptHandler
	Review  *handler.ReviewHandler
	Monitor *handler.MonitorHandler
	WS      *handler.WSHandler
}

// Options carries the optional router collaborators.
type Options struct {
	// Metrics is served at /metrics when non-nil.
	Metrics *metrics.Metrics
	// LoginLimiter rate-limits POST /auth/login when non-nil.
	LoginLimiter *middleware.RateLimiter
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
func SetupRouter(
	authService *service.AuthService,
	handlers *Handlers,
	cfg *config.Config,
	opts Options,
) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	router := gin.Default()

	// ─── CORS ──────────────────────────────────────────────────────────
	// If AllowedOrigins is set in config, restrict to that list;
	// otherwise allow all (*) so dev works without extra config.
	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID", "Content-Disposition", "Retry-After"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	// Apply request ID middleware globally so every response includes metadata.
	router.Use(response.RequestIDMiddleware())

	router.Use(middleware.Brotli())

	// ─── Ops ───────────────────────────────────────────────────────────
	router.GET("/health", func(c *gin.Context) {
		response.Success(c, http.StatusOK, gin.H{"status": "ok"})
	})
	if opts.Metrics != nil {
		router.GET("/metrics", gin.WrapH(opts.Metrics.Handler()))
	}

	requireJWT := middleware.RequireJWT(authService)

	// ─── 1. Auth Group ─────────────────────────────────────────────────
	auth := router.Group("/api/v1/auth")
	{
		login := []gin.HandlerFunc{handlers.Auth.Login}
		if opts.LoginLimiter != nil {
			login = append([]gin.HandlerFunc{opts.LoginLimiter.Middleware()}, login...)
		}
		auth.POST("/login", login...)
		auth.GET("/me", requireJWT, handlers.Auth.Me)
	}

	// ─── 2. Attempt Group (JWT, ownership checked per attempt) ─────────
	api := router.Group("/api/v1")
	api.Use(requireJWT, middleware.NoStore())
	{
		api.POST("/exams/:examId/start", handlers.Attempt.StartAttempt)

		api.GET("/attempts/:id/time", handlers.Attempt.GetTime)
		api.POST("/attempts/:id/submit", handlers.Attempt.Submit)
		api.GET("/attempts/:id/answers", handlers.Attempt.ListAnswers)
		api.POST("/attempts/:id/answers/:questionId", handlers.Attempt.SaveAnswer)
		api.POST("/attempts/:id/events",
			middleware.LimitBody(cfg.MaxEventBodyBytes),
			handlers.Attempt.IngestEvents,
		)
	}

	// ─── 3. WebSocket Group (token in query) ───────────────────────────
	ws := router.Group("/ws/v1")
	ws.Use(requireJWT)
	{
		ws.GET("/attempts/:id/stream", handlers.WS.AttemptStream)
	}

	// ─── 4. Staff Group (JWT + ADMIN/TEACHER, exam ownership in service)
	adminAPI := router.Group("/api/v1/admin")
	adminAPI.Use(requireJWT, middleware.RequireStaff(), middleware.NoStore())
	{
		adminAPI.GET("/exams/:id/attempts", handlers.Review.ListExamAttempts)
		adminAPI.GET("/exams/:id/proctoring/summary", handlers.Review.ProctoringSummary)
		adminAPI.GET("/exams/:id/monitor", handlers.Monitor.MonitorExamSSE)

		adminAPI.GET("/attempts/:id", handlers.Review.GetAttempt)
		adminAPI.GET("/attempts/:id/answers/:questionId", handlers.Review.GetAnswer)
		adminAPI.GET("/attempts/:id/events", handlers.Review.Timeline)
		adminAPI.GET("/attempts/:id/events.csv", handlers.Review.ExportTimelineCSV)
	}

	return router
}
