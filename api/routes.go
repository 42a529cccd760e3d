package api

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"isp-network-api/internal/handlers"
	"isp-network-api/internal/metrics"
	"isp-network-api/internal/middleware"
)

func SetupRoutes(h *handlers.Handler, m *metrics.Metrics, logger *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()

	router.Use(middleware.RequestID())
	router.Use(middleware.ZapLoggerWithConfig(middleware.LoggerConfig{
		Logger:    logger,
		Metrics:   m,
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	router.Use(middleware.ZapRecovery(logger, true))

	config := cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", middleware.RequestIDHeader},
		ExposeHeaders:    []string{"Content-Length", middleware.RequestIDHeader},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}
	router.Use(cors.New(config))

	// Root-level health checks and metrics
	router.GET("/health", h.HealthCheck)
	router.GET("/healthz", h.HealthCheck)
	router.GET("/metrics", gin.WrapH(m.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.GET("/health", h.HealthCheck)

		cells := v1.Group("/cells")
		{
			cells.GET("", h.ListCells)
			cells.POST("", h.CreateCell)
			cells.GET("/:cell", h.GetCell)
			cells.PATCH("/:cell", h.UpdateCell)
			cells.POST("/:cell/deactivate", h.DeactivateCell)

			cells.GET("/:cell/pool", h.GetCellPool)
			cells.GET("/:cell/pool/configured", h.GetConfiguredPool)
			cells.GET("/:cell/addresses/free", h.GetFreeAddresses)

			cells.GET("/:cell/zones", h.ListZones)
			cells.POST("/:cell/zones", h.CreateZone)
		}

		zones := v1.Group("/zones")
		{
			zones.DELETE("/:zone", h.DeleteZone)
			zones.GET("/:zone/naps", h.ListNaps)
			zones.POST("/:zone/naps", h.CreateNap)
		}

		v1.GET("/naps/:nap/ports", h.ListPorts)

		connections := v1.Group("/connections")
		{
			connections.GET("", h.ListConnections)
			connections.POST("/fiber", h.CreateFiberConnection)
			connections.POST("/wireless", h.CreateWirelessConnection)
			connections.GET("/:id", h.GetConnection)
			connections.GET("/:id/realtime", h.GetConnectionRealtime)
			connections.POST("/:id/status", h.UpdateConnectionStatus)
			connections.POST("/:id/cancel", h.CancelConnection)
		}

		monitors := v1.Group("/monitors")
		{
			monitors.GET("", h.ListMonitors)
			monitors.POST("", h.StartMonitor)
			monitors.GET("/:id", h.GetMonitor)
			monitors.GET("/:id/stream", h.StreamMonitor)
			monitors.DELETE("/:id", h.StopMonitor)
		}

		v1.POST("/devices/probe", h.ProbeDevice)
	}

	return router
}
