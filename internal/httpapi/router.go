package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/thynklab/thynkbot/internal/alerts"
	"github.com/thynklab/thynkbot/internal/coach"
	"github.com/thynklab/thynkbot/internal/common"
	"github.com/thynklab/thynkbot/internal/config"
	"github.com/thynklab/thynkbot/internal/httpapi/handlers"
	"github.com/thynklab/thynkbot/internal/httpapi/middleware"
	"gorm.io/gorm"
)

func NewRouter(db *gorm.DB, cfg config.Config, svc *coach.Service, b alerts.Broadcaster, jobs handlers.JobQueue) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Logger())
	r.Use(middleware.Recovery())

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.Use(middleware.RequestID())

	h := handlers.NewHandler(db, cfg, svc, b, jobs)

	r.GET("/ping", func(c *gin.Context) { common.OK(c, gin.H{"pong": true}) })

	// student surface: gated by the session lock itself, not by accounts
	r.POST("/coach/sessions", h.CreateSession)
	r.POST("/coach/sessions/:session_id/unlock", h.UnlockSession)
	r.POST("/coach/sessions/:session_id/override", h.OverrideSession)
	r.POST("/coach/messages", h.SendMessage)
	r.POST("/coach/messages/async", h.SendMessageAsync)
	r.GET("/coach/jobs/:job_id", h.GetJob)
	r.GET("/coach/sessions/:session_id/messages", h.ListMessages)
	r.GET("/coach/sessions/:session_id/usage", h.GetUsage)

	// teacher accounts
	r.POST("/teachers", h.RegisterTeacher)
	r.POST("/login", h.Login)

	// monitoring dashboard (JWT required)
	authGroup := r.Group("/")
	authGroup.Use(middleware.AuthRequired(cfg.JWTSecret))
	authGroup.GET("/me", h.Me)
	authGroup.GET("/alerts/stream", h.StreamAlerts)
	authGroup.GET("/incidents", h.ListIncidents)
	authGroup.DELETE("/incidents/:id", h.DismissIncident)

	return r
}
