package handlers

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"isp-network-api/internal/models"
	"isp-network-api/internal/utils"
)

// GetCellPool reconciles the cell's router with its bindings. An
// unreachable router still answers 200 with available=false.
func (h *Handler) GetCellPool(c *gin.Context) {
	ctx, cancel := h.requestContext(c)
	defer cancel()

	report, err := h.network.CellPool(ctx, c.Param("cell"))
	if err != nil {
		h.writeError(c, err, "reconcile cell pool")
		return
	}
	msg := ""
	if !report.Available {
		msg = "Router unreachable, live data unavailable"
	}
	utils.WriteSuccessResponse(c, http.StatusOK, report, msg)
}

func (h *Handler) GetConfiguredPool(c *gin.Context) {
	ctx, cancel := h.requestContext(c)
	defer cancel()

	report, err := h.network.ConfiguredPool(ctx, c.Param("cell"))
	if err != nil {
		h.writeError(c, err, "compute configured pool")
		return
	}
	utils.WriteSuccessResponse(c, http.StatusOK, report, "")
}

// GetFreeAddresses lists addresses available for a new connection
func (h *Handler) GetFreeAddresses(c *gin.Context) {
	ctx, cancel := h.requestContext(c)
	defer cancel()

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			utils.WriteBadRequestError(c, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	addrs, err := h.network.FreeAddresses(ctx, c.Param("cell"), limit)
	if err != nil {
		h.writeError(c, err, "list free addresses")
		return
	}
	utils.WriteSuccessResponse(c, http.StatusOK, addrs, "")
}

func (h *Handler) createConnection(c *gin.Context, t models.ConnectionType) {
	ctx, cancel := h.requestContext(c)
	defer cancel()

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		utils.WriteBadRequestError(c, "Failed to read request body")
		return
	}
	conn, err := h.network.CreateConnection(ctx, t, body)
	if err != nil {
		h.writeError(c, err, "create connection")
		return
	}
	utils.WriteSuccessResponse(c, http.StatusCreated, conn, "Connection created successfully")
}

func (h *Handler) CreateFiberConnection(c *gin.Context) {
	h.createConnection(c, models.ConnectionFiber)
}

func (h *Handler) CreateWirelessConnection(c *gin.Context) {
	h.createConnection(c, models.ConnectionWireless)
}

// ListConnections filters by cell_id, nap_id, status and live
func (h *Handler) ListConnections(c *gin.Context) {
	ctx, cancel := h.requestContext(c)
	defer cancel()

	filter := models.ConnectionFilter{
		CellID:   c.Query("cell_id"),
		NapID:    c.Query("nap_id"),
		Status:   models.ConnectionStatus(c.Query("status")),
		LiveOnly: queryBool(c, "live"),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		utils.WriteValidationError(c, "unknown status "+string(filter.Status))
		return
	}
	conns, err := h.network.Connections(ctx, filter)
	if err != nil {
		h.writeError(c, err, "list connections")
		return
	}
	utils.WriteSuccessResponse(c, http.StatusOK, conns, "")
}

func (h *Handler) GetConnection(c *gin.Context) {
	ctx, cancel := h.requestContext(c)
	defer cancel()

	conn, err := h.network.Connection(ctx, c.Param("id"))
	if err != nil {
		h.writeError(c, err, "get connection")
		return
	}
	utils.WriteSuccessResponse(c, http.StatusOK, conn, "")
}

// GetConnectionRealtime reports the live rate of the connection's queue
func (h *Handler) GetConnectionRealtime(c *gin.Context) {
	ctx, cancel := h.requestContext(c)
	defer cancel()

	rt, err := h.network.ConnectionRealtime(ctx, c.Param("id"))
	if err != nil {
		h.writeError(c, err, "read connection realtime")
		return
	}
	utils.WriteSuccessResponse(c, http.StatusOK, rt, "")
}

func (h *Handler) UpdateConnectionStatus(c *gin.Context) {
	ctx, cancel := h.requestContext(c)
	defer cancel()

	var req models.StatusUpdateRequest
	if !h.bind(c, &req) {
		return
	}
	conn, err := h.network.UpdateStatus(ctx, c.Param("id"), &req)
	if err != nil {
		h.writeError(c, err, "update connection status")
		return
	}
	utils.WriteSuccessResponse(c, http.StatusOK, conn, "Connection status updated")
}

func (h *Handler) CancelConnection(c *gin.Context) {
	ctx, cancel := h.requestContext(c)
	defer cancel()

	conn, err := h.network.CancelConnection(ctx, c.Param("id"))
	if err != nil {
		h.writeError(c, err, "cancel connection")
		return
	}
	utils.WriteSuccessResponse(c, http.StatusOK, conn, "Connection cancelled")
}

// StartMonitor starts a traffic monitor and returns its handle
func (h *Handler) StartMonitor(c *gin.Context) {
	ctx, cancel := h.requestContext(c)
	defer cancel()

	var req models.StartMonitorRequest
	if !h.bind(c, &req) {
		return
	}
	info, err := h.network.StartMonitor(ctx, &req)
	if err != nil {
		h.writeError(c, err, "start traffic monitor")
		return
	}
	utils.WriteSuccessResponse(c, http.StatusCreated, info, "Traffic monitor started")
}

func (h *Handler) ListMonitors(c *gin.Context) {
	utils.WriteSuccessResponse(c, http.StatusOK, h.network.Monitors(), "")
}

// GetMonitor returns the latest rates of a monitor
func (h *Handler) GetMonitor(c *gin.Context) {
	snap, err := h.network.MonitorSnapshot(c.Param("id"))
	if err != nil {
		h.writeError(c, err, "read traffic monitor")
		return
	}
	utils.WriteSuccessResponse(c, http.StatusOK, snap, "")
}

func (h *Handler) StopMonitor(c *gin.Context) {
	if err := h.network.StopMonitor(c.Param("id")); err != nil {
		h.writeError(c, err, "stop traffic monitor")
		return
	}
	utils.WriteSuccessResponse(c, http.StatusOK, nil, "Traffic monitor stopped")
}

// StreamMonitor upgrades to a websocket and pushes every poll result until
// the client goes away or the monitor stops
func (h *Handler) StreamMonitor(c *gin.Context) {
	mon, err := h.network.Monitor(c.Param("id"))
	if err != nil {
		h.writeError(c, err, "stream traffic monitor")
		return
	}
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.String("monitor_id", mon.ID()), zap.Error(err))
		return
	}
	defer conn.Close()
	// the server's read timeout still applies to the hijacked connection
	_ = conn.SetReadDeadline(time.Time{})

	updates, unsubscribe := mon.Subscribe()
	defer unsubscribe()

	// reader: only used to notice the client closing
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if snap, ok := mon.Latest(); ok {
		if err := conn.WriteJSON(snap); err != nil {
			return
		}
	}
	for {
		select {
		case <-gone:
			return
		case snap, ok := <-updates:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "monitor stopped"),
					time.Now().Add(time.Second))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(snap); err != nil {
				h.logger.Debug("WebSocket write failed", zap.String("monitor_id", mon.ID()), zap.Error(err))
				return
			}
		}
	}
}

// ProbeDevice reports whether a device answers, with its system info
func (h *Handler) ProbeDevice(c *gin.Context) {
	ctx, cancel := h.requestContext(c)
	defer cancel()

	var creds models.DeviceCredentials
	if !h.bind(c, &creds) {
		return
	}
	res, err := h.network.ProbeDevice(ctx, creds)
	if err != nil {
		h.writeError(c, err, "probe device")
		return
	}
	if !res.Reachable {
		c.AbortWithStatusJSON(http.StatusBadGateway, utils.StandardResponse{
			Success:   false,
			Data:      res,
			Message:   "Device unreachable",
			Error:     res.Error,
			Timestamp: time.Now().Format(time.RFC3339),
		})
		return
	}
	utils.WriteSuccessResponse(c, http.StatusOK, res, "Device reachable")
}
