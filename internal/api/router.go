// Package api serves the operator HTTP surface: health, metrics, anomaly
// triage, investigation dispatch and status, and destination state.
package api

import (
	"github.com/gin-gonic/gin"

	"github.com/NikhilSetiya/cohort-sentinel/internal/middleware"
	"github.com/NikhilSetiya/cohort-sentinel/pkg/config"
	"github.com/NikhilSetiya/cohort-sentinel/pkg/health"
	"github.com/NikhilSetiya/cohort-sentinel/pkg/logging"
	"github.com/NikhilSetiya/cohort-sentinel/pkg/metrics"
	"github.com/NikhilSetiya/cohort-sentinel/pkg/tracing"
)

// NewRouter creates and configures the operator router. m may be nil when
// metrics are disabled.
func NewRouter(cfg *config.Config, handler *Handler, checks *health.Service, m *metrics.Metrics) *gin.Engine {
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	logger := handler.logger
	if logger == nil {
		logger = logging.GetLogger()
	}

	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(logger))
	router.Use(RequestIDMiddleware())
	router.Use(middleware.TracingMiddleware(tracing.Global()))
	router.Use(middleware.LoggingMiddleware(logger))
	router.Use(middleware.ErrorLoggingMiddleware(logger))
	router.Use(CORSMiddleware(cfg.API.AllowedOrigins))
	router.Use(SecurityHeadersMiddleware())

	router.GET("/healthz", checks.Handler())
	router.GET("/livez", checks.LivenessHandler())
	if m != nil && cfg.Metrics.Enabled {
		router.GET("/metrics", gin.WrapH(m.Handler()))
	}

	v1 := router.Group("/api/v1")
	{
		v1.GET("/anomalies", handler.ListAnomalies)
		v1.GET("/anomalies/:id", handler.GetAnomaly)
		v1.GET("/investigations/:id", handler.GetInvestigation)
		v1.GET("/investigations/:id/status", handler.GetInvestigationStatus)
		v1.GET("/investigations/:id/findings", handler.GetFindings)
		v1.GET("/destinations", handler.ListDestinations)
		v1.GET("/destinations/:name", handler.GetDestination)
		v1.GET("/alerts", handler.ListAlerts)

		protected := v1.Group("")
		protected.Use(AuthMiddleware(cfg.API.JWTSecret))
		{
			protected.POST("/anomalies/:id/acknowledge", handler.AcknowledgeAnomaly)
			protected.POST("/anomalies/:id/investigations", handler.OpenInvestigation)
			protected.POST("/scans", handler.RunScans)
		}
	}

	return router
}
