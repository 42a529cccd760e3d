package services

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"isp-network-api/internal/directory"
	"isp-network-api/internal/models"
	"isp-network-api/internal/utils"
)

// TopologyService maintains cells, OLT zones and NAPs
type TopologyService struct {
	dir    directory.Directory
	logger *zap.Logger
	now    func() time.Time
	newID  func() string
}

func NewTopologyService(dir directory.Directory, logger *zap.Logger) *TopologyService {
	return &TopologyService{
		dir:    dir,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
	}
}

// checkCell enforces the cell invariants shared by create and update
func checkCell(cell *models.Cell) error {
	if !cell.IsAssignmentValid() {
		return models.NewValidationError("assignment", "%s is not allowed for %s cells", cell.Assignment, cell.CellType)
	}
	if cell.OLT != nil && !cell.CellType.IsFiber() {
		return models.NewValidationError("olt", "only fiber cells have an OLT")
	}
	if err := models.Validate(cell.Router); err != nil {
		return err
	}
	ranges, err := cell.HostRanges()
	if err != nil {
		return err
	}
	if err := utils.ValidateDisjointRanges(ranges); err != nil {
		return &models.RangeError{Input: "ranges", Reason: err.Error()}
	}
	return nil
}

// CreateCell registers a new active cell
func (s *TopologyService) CreateCell(ctx context.Context, req *models.CreateCellRequest) (*models.Cell, error) {
	if err := models.Validate(req); err != nil {
		return nil, err
	}
	now := s.now()
	cell := &models.Cell{
		ID:         s.newID(),
		Name:       req.Name,
		CellType:   req.CellType,
		Assignment: req.Assignment,
		Router:     req.Router,
		OLT:        req.OLT,
		Ranges:     req.Ranges,
		PlanIDs:    req.PlanIDs,
		Active:     true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := checkCell(cell); err != nil {
		s.logger.Info("Cell rejected", zap.String("name", req.Name), zap.Error(err))
		return nil, err
	}
	if err := s.dir.CreateCell(ctx, cell); err != nil {
		s.logger.Error("Failed to create cell", zap.String("name", req.Name), zap.Error(err))
		return nil, err
	}
	s.logger.Info("Cell created",
		zap.String("cell_id", cell.ID),
		zap.String("name", cell.Name),
		zap.String("cell_type", string(cell.CellType)),
		zap.Int("ranges", len(cell.Ranges)))
	return cell, nil
}

func (s *TopologyService) GetCell(ctx context.Context, id string) (*models.Cell, error) {
	return s.dir.GetCell(ctx, id)
}

func (s *TopologyService) ListCells(ctx context.Context) ([]models.Cell, error) {
	return s.dir.ListCells(ctx)
}

// UpdateCell applies a partial update and re-checks the cell invariants
// against the merged result
func (s *TopologyService) UpdateCell(ctx context.Context, id string, req *models.UpdateCellRequest) (*models.Cell, error) {
	if err := models.Validate(req); err != nil {
		return nil, err
	}
	cell, err := s.dir.GetCell(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Name != nil {
		cell.Name = *req.Name
	}
	if req.Assignment != nil {
		cell.Assignment = *req.Assignment
	}
	if req.Router != nil {
		cell.Router = *req.Router
	}
	if req.OLT != nil {
		cell.OLT = req.OLT
	}
	if req.Ranges != nil {
		cell.Ranges = req.Ranges
	}
	if req.PlanIDs != nil {
		cell.PlanIDs = req.PlanIDs
	}
	if err := checkCell(cell); err != nil {
		s.logger.Info("Cell update rejected", zap.String("cell_id", id), zap.Error(err))
		return nil, err
	}
	cell.UpdatedAt = s.now()
	if err := s.dir.UpdateCell(ctx, cell); err != nil {
		s.logger.Error("Failed to update cell", zap.String("cell_id", id), zap.Error(err))
		return nil, err
	}
	s.logger.Info("Cell updated", zap.String("cell_id", id))
	return cell, nil
}

// DeactivateCell stops a cell from taking new connections. Existing
// connections are left alone.
func (s *TopologyService) DeactivateCell(ctx context.Context, id string) (*models.Cell, error) {
	cell, err := s.dir.GetCell(ctx, id)
	if err != nil {
		return nil, err
	}
	if !cell.Active {
		return cell, nil
	}
	cell.Active = false
	cell.UpdatedAt = s.now()
	if err := s.dir.UpdateCell(ctx, cell); err != nil {
		s.logger.Error("Failed to deactivate cell", zap.String("cell_id", id), zap.Error(err))
		return nil, err
	}
	s.logger.Info("Cell deactivated", zap.String("cell_id", id))
	return cell, nil
}

// CreateZone adds an OLT zone to a fiber cell
func (s *TopologyService) CreateZone(ctx context.Context, cellID string, req *models.CreateZoneRequest) (*models.OltZone, error) {
	if err := models.Validate(req); err != nil {
		return nil, err
	}
	cell, err := s.dir.GetCell(ctx, cellID)
	if err != nil {
		return nil, err
	}
	if !cell.CellType.IsFiber() {
		return nil, models.NewValidationError("cell_id", "zones belong to fiber cells, %s is %s", cell.ID, cell.CellType)
	}
	now := s.now()
	zone := &models.OltZone{
		ID:        s.newID(),
		CellID:    cell.ID,
		Name:      req.Name,
		SlotPort:  req.SlotPort,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.dir.CreateZone(ctx, zone); err != nil {
		s.logger.Error("Failed to create zone", zap.String("cell_id", cellID), zap.Error(err))
		return nil, err
	}
	s.logger.Info("Zone created", zap.String("zone_id", zone.ID), zap.String("cell_id", cell.ID))
	return zone, nil
}

// DeleteZone removes a zone that owns no NAPs
func (s *TopologyService) DeleteZone(ctx context.Context, id string) error {
	if err := s.dir.DeleteZone(ctx, id); err != nil {
		s.logger.Info("Zone not deleted", zap.String("zone_id", id), zap.Error(err))
		return err
	}
	s.logger.Info("Zone deleted", zap.String("zone_id", id))
	return nil
}

// CreateNap adds a NAP to a zone; its ports exist from then on
func (s *TopologyService) CreateNap(ctx context.Context, zoneID string, req *models.CreateNapRequest) (*models.Nap, error) {
	if err := models.Validate(req); err != nil {
		return nil, err
	}
	zone, err := s.dir.GetZone(ctx, zoneID)
	if err != nil {
		return nil, err
	}
	ports := req.TotalPorts
	if ports == 0 {
		ports = models.DefaultNapPorts
	}
	now := s.now()
	nap := &models.Nap{
		ID:         s.newID(),
		ZoneID:     zone.ID,
		CellID:     zone.CellID,
		Name:       req.Name,
		Location:   req.Location,
		TotalPorts: ports,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.dir.CreateNap(ctx, nap); err != nil {
		s.logger.Error("Failed to create NAP", zap.String("zone_id", zoneID), zap.Error(err))
		return nil, err
	}
	s.logger.Info("NAP created",
		zap.String("nap_id", nap.ID),
		zap.String("zone_id", zone.ID),
		zap.Int("total_ports", nap.TotalPorts))
	return nap, nil
}
