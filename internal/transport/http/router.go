package httptransport

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	sloggin "github.com/samber/slog-gin"

	"github.com/askarbek/pulse/internal/health"
	"github.com/askarbek/pulse/internal/transport/http/handler"
	"github.com/askarbek/pulse/internal/transport/http/middleware"
)

func NewRouter(jobHandler *handler.JobHandler, checker *health.Checker, logger *slog.Logger) *gin.Engine {
	r := gin.New()
	r.Use(sloggin.New(logger), gin.Recovery(), middleware.Metrics())

	jobs := r.Group("/jobs")
	jobs.POST("", jobHandler.Create)
	jobs.GET("", jobHandler.List)
	jobs.GET("/:id", jobHandler.GetByID)
	jobs.DELETE("/:id", jobHandler.Delete)
	jobs.POST("/:id/disable", jobHandler.Disable)
	jobs.POST("/:id/enable", jobHandler.Enable)

	r.GET("/queue/size", jobHandler.QueueSize)
	r.GET("/names", jobHandler.Names)

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, checker.Liveness(c.Request.Context()))
	})
	r.GET("/readyz", func(c *gin.Context) {
		result := checker.Readiness(c.Request.Context())
		status := http.StatusOK
		if result.Status != "up" {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, result)
	})

	return r
}
