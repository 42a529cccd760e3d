package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"isp-network-api/internal/models"
	"isp-network-api/internal/services"
	"isp-network-api/internal/utils"
)

// Handler serves the HTTP API on top of the topology and network services
type Handler struct {
	topology *services.TopologyService
	network  *services.NetworkService
	logger   *zap.Logger
	upgrader websocket.Upgrader
	timeout  time.Duration
}

func NewHandler(topology *services.TopologyService, network *services.NetworkService, logger *zap.Logger) *Handler {
	return &Handler{
		topology: topology,
		network:  network,
		logger:   logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		timeout: 30 * time.Second,
	}
}

func (h *Handler) requestContext(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), h.timeout)
}

// writeError maps the error taxonomy onto HTTP status codes
func (h *Handler) writeError(c *gin.Context, err error, op string) {
	switch {
	case errors.Is(err, models.ErrNotFound):
		utils.WriteNotFoundError(c, err.Error())
	case errors.Is(err, models.ErrValidation):
		utils.WriteValidationError(c, err.Error())
	case errors.Is(err, models.ErrInvalidRange):
		utils.WriteBadRequestError(c, err.Error())
	case errors.Is(err, models.ErrAllocationConflict):
		utils.WriteConflictError(c, err.Error())
	case errors.Is(err, models.ErrDeviceUnreachable):
		utils.WriteBadGatewayError(c, err.Error())
	default:
		h.logger.Error("Request failed", zap.String("operation", op), zap.Error(err))
		_ = c.Error(err)
		utils.WriteInternalServerError(c, "Failed to "+op)
	}
}

// bind decodes a JSON body strictly into dst
func (h *Handler) bind(c *gin.Context, dst interface{}) bool {
	if err := models.DecodeStrict(c.Request.Body, dst); err != nil {
		h.writeError(c, err, "decode request")
		return false
	}
	return true
}

func queryBool(c *gin.Context, key string) bool {
	v, err := strconv.ParseBool(c.Query(key))
	return err == nil && v
}

// HealthCheck reports service and directory health
func (h *Handler) HealthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	status := gin.H{
		"status":    "healthy",
		"directory": "connected",
		"monitors":  len(h.network.Monitors()),
	}
	if err := h.network.TestConnection(ctx); err != nil {
		status["status"] = "unhealthy"
		status["directory"] = "disconnected"
		c.JSON(http.StatusServiceUnavailable, utils.StandardResponse{
			Success:   false,
			Data:      status,
			Message:   "Directory unavailable",
			Error:     err.Error(),
			Timestamp: time.Now().Format(time.RFC3339),
		})
		return
	}
	utils.WriteSuccessResponse(c, http.StatusOK, status, "Service is healthy")
}
