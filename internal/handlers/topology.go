package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"isp-network-api/internal/models"
	"isp-network-api/internal/utils"
)

func redactCells(cells []models.Cell) []models.Cell {
	out := make([]models.Cell, len(cells))
	for i, c := range cells {
		out[i] = c.Redacted()
	}
	return out
}

// ListCells returns every cell without device secrets
func (h *Handler) ListCells(c *gin.Context) {
	ctx, cancel := h.requestContext(c)
	defer cancel()

	cells, err := h.topology.ListCells(ctx)
	if err != nil {
		h.writeError(c, err, "list cells")
		return
	}
	utils.WriteSuccessResponse(c, http.StatusOK, redactCells(cells), "")
}

func (h *Handler) CreateCell(c *gin.Context) {
	ctx, cancel := h.requestContext(c)
	defer cancel()

	var req models.CreateCellRequest
	if !h.bind(c, &req) {
		return
	}
	cell, err := h.topology.CreateCell(ctx, &req)
	if err != nil {
		h.writeError(c, err, "create cell")
		return
	}
	utils.WriteSuccessResponse(c, http.StatusCreated, cell.Redacted(), "Cell created successfully")
}

func (h *Handler) GetCell(c *gin.Context) {
	ctx, cancel := h.requestContext(c)
	defer cancel()

	cell, err := h.topology.GetCell(ctx, c.Param("cell"))
	if err != nil {
		h.writeError(c, err, "get cell")
		return
	}
	utils.WriteSuccessResponse(c, http.StatusOK, cell.Redacted(), "")
}

func (h *Handler) UpdateCell(c *gin.Context) {
	ctx, cancel := h.requestContext(c)
	defer cancel()

	var req models.UpdateCellRequest
	if !h.bind(c, &req) {
		return
	}
	cell, err := h.topology.UpdateCell(ctx, c.Param("cell"), &req)
	if err != nil {
		h.writeError(c, err, "update cell")
		return
	}
	utils.WriteSuccessResponse(c, http.StatusOK, cell.Redacted(), "Cell updated successfully")
}

func (h *Handler) DeactivateCell(c *gin.Context) {
	ctx, cancel := h.requestContext(c)
	defer cancel()

	cell, err := h.topology.DeactivateCell(ctx, c.Param("cell"))
	if err != nil {
		h.writeError(c, err, "deactivate cell")
		return
	}
	utils.WriteSuccessResponse(c, http.StatusOK, cell.Redacted(), "Cell deactivated")
}

// ListZones returns the OLT zones of a fiber cell with their NAP counts
func (h *Handler) ListZones(c *gin.Context) {
	ctx, cancel := h.requestContext(c)
	defer cancel()

	zones, err := h.network.Zones(ctx, c.Param("cell"))
	if err != nil {
		h.writeError(c, err, "list zones")
		return
	}
	utils.WriteSuccessResponse(c, http.StatusOK, zones, "")
}

func (h *Handler) CreateZone(c *gin.Context) {
	ctx, cancel := h.requestContext(c)
	defer cancel()

	var req models.CreateZoneRequest
	if !h.bind(c, &req) {
		return
	}
	zone, err := h.topology.CreateZone(ctx, c.Param("cell"), &req)
	if err != nil {
		h.writeError(c, err, "create zone")
		return
	}
	utils.WriteSuccessResponse(c, http.StatusCreated, zone, "Zone created successfully")
}

func (h *Handler) DeleteZone(c *gin.Context) {
	ctx, cancel := h.requestContext(c)
	defer cancel()

	if err := h.topology.DeleteZone(ctx, c.Param("zone")); err != nil {
		h.writeError(c, err, "delete zone")
		return
	}
	utils.WriteSuccessResponse(c, http.StatusOK, nil, "Zone deleted successfully")
}

// ListNaps returns the NAPs of a zone that still have a free port, or all
// of them with ?all=true
func (h *Handler) ListNaps(c *gin.Context) {
	ctx, cancel := h.requestContext(c)
	defer cancel()

	naps, err := h.network.Naps(ctx, c.Param("zone"), queryBool(c, "all"))
	if err != nil {
		h.writeError(c, err, "list NAPs")
		return
	}
	utils.WriteSuccessResponse(c, http.StatusOK, naps, "")
}

func (h *Handler) CreateNap(c *gin.Context) {
	ctx, cancel := h.requestContext(c)
	defer cancel()

	var req models.CreateNapRequest
	if !h.bind(c, &req) {
		return
	}
	nap, err := h.topology.CreateNap(ctx, c.Param("zone"), &req)
	if err != nil {
		h.writeError(c, err, "create NAP")
		return
	}
	utils.WriteSuccessResponse(c, http.StatusCreated, nap, "NAP created successfully")
}

// ListPorts returns the free ports of a NAP, or every port with ?all=true
func (h *Handler) ListPorts(c *gin.Context) {
	ctx, cancel := h.requestContext(c)
	defer cancel()

	ports, err := h.network.Ports(ctx, c.Param("nap"), queryBool(c, "all"))
	if err != nil {
		h.writeError(c, err, "list ports")
		return
	}
	utils.WriteSuccessResponse(c, http.StatusOK, ports, "")
}
