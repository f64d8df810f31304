package router

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-gateway/internal/config"
	"github.com/stemsi/exstem-gateway/internal/handler"
	"github.com/stemsi/exstem-gateway/internal/middleware"
	"github.com/stemsi/exstem-gateway/internal/response"
	"github.com/stemsi/exstem-gateway/internal/service"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	Session *handler.SessionHandler
	Proctor *handler.ProctorHandler
	WS      *handler.WSHandler
	Health  *handler.HealthHandler
}

// Deps are the non-handler collaborators of the router.
type Deps struct {
	Auth     *service.AuthService
	Sessions middleware.AttemptAuthorizer
	// FeedbackLimiter throttles feedback and deliverable uploads.
	FeedbackLimiter *middleware.RateLimiter
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
func SetupRouter(deps Deps, handlers *Handlers, cfg *config.Config) *gin.Engine {
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
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	router.Use(response.RequestIDMiddleware())
	router.Use(middleware.Brotli())

	// Locally stored deliverables never change once written.
	if cfg.UploadMode == config.UploadModeLocal {
		uploadsGroup := router.Group(cfg.UploadBaseURL)
		uploadsGroup.Use(middleware.CacheControl(31536000))
		{
			uploadsGroup.Static("/", cfg.UploadDir)
		}
	}

	router.GET("/health", handlers.Health.Health)

	limit := func(c *gin.Context) { c.Next() }
	if deps.FeedbackLimiter != nil {
		limit = deps.FeedbackLimiter.Middleware()
	}

	// ─── 1. Student Group (JWT) ────────────────────────────────────────
	studentAPI := router.Group("/api/v1/student")
	studentAPI.Use(middleware.RequireStudentJWT(deps.Auth), middleware.NoStore())
	{
		studentAPI.POST("/evaluations/:evaluation_id/attempts", handlers.Session.StartAttempt)

		attempt := studentAPI.Group("/attempts/:attempt_id")
		attempt.Use(middleware.RequireAttemptOwner(deps.Sessions))
		{
			attempt.GET("", handlers.Session.GetAttempt)
			attempt.DELETE("", handlers.Session.CloseAttempt)
			attempt.PUT("/answers/:index", handlers.Session.SetAnswer)
			attempt.DELETE("/answers/:index", handlers.Session.ClearAnswer)
			attempt.PUT("/flags/:index", handlers.Session.Flag)
			attempt.DELETE("/flags/:index", handlers.Session.Unflag)
			attempt.POST("/cursor", handlers.Session.MoveCursor)
			attempt.POST("/submit", handlers.Session.Submit)
			attempt.POST("/submit/retry", handlers.Session.RetrySubmission)
			attempt.POST("/feedback", limit, handlers.Session.SubmitFeedback)
			attempt.POST("/deliverable", limit, handlers.Session.SubmitDeliverable)
			attempt.GET("/summary", handlers.Session.GetSummary)
			attempt.POST("/retake", handlers.Session.Retake)
		}
	}

	// ─── 2. Proctor Group (JWT) ────────────────────────────────────────
	proctorAPI := router.Group("/api/v1/proctor")
	proctorAPI.Use(middleware.RequireProctorJWT(deps.Auth), middleware.NoStore())
	{
		proctorAPI.POST("/attempts/:attempt_id/reopen", handlers.Proctor.Reopen)
		proctorAPI.GET("/attempts/:attempt_id/answers", handlers.Proctor.LiveAnswers)
		proctorAPI.GET("/attempts/:attempt_id/events", handlers.Proctor.ListEvents)
		proctorAPI.GET("/attempts/:attempt_id/snapshot", handlers.Proctor.GetSnapshot)
	}

	// ─── 3. WebSocket Group (query token) ──────────────────────────────
	ws := router.Group("/ws/v1")
	{
		ws.GET("/attempts/:attempt_id/stream", middleware.RequireStudentWSAuth(deps.Auth), handlers.WS.AttemptStream)
		ws.GET("/proctor/attempts/:attempt_id/stream", middleware.RequireProctorWSAuth(deps.Auth), handlers.WS.ProctorStream)
	}

	return router
}
