// Package cascade walks a connection request down the topology and commits
// it. Selection narrows choices step by step; the commit re-validates every
// choice against the directory because the topology may have changed since
// the choices were offered.
package cascade

import (
	"context"
	"errors"
	"net"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"isp-network-api/internal/directory"
	"isp-network-api/internal/metrics"
	"isp-network-api/internal/models"
	"isp-network-api/internal/utils"
)

// DefaultAddressLimit caps the free address list offered for selection
const DefaultAddressLimit = 256

type Allocator struct {
	dir     directory.Directory
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	newID   func() string
}

func NewAllocator(dir directory.Directory, logger *zap.Logger, m *metrics.Metrics) *Allocator {
	return &Allocator{
		dir:     dir,
		logger:  logger,
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
	}
}

func (a *Allocator) fiberCell(ctx context.Context, cellID string) (*models.Cell, error) {
	cell, err := a.dir.GetCell(ctx, cellID)
	if err != nil {
		return nil, err
	}
	if !cell.CellType.IsFiber() {
		return nil, models.NewValidationError("cell_id", "cell %s is %s, not fiber", cell.ID, cell.CellType)
	}
	return cell, nil
}

// Zones lists the OLT zones of a fiber cell with their NAP counts
func (a *Allocator) Zones(ctx context.Context, cellID string) ([]models.ZoneSummary, error) {
	cell, err := a.fiberCell(ctx, cellID)
	if err != nil {
		return nil, err
	}
	zones, err := a.dir.ListZones(ctx, cell.ID)
	if err != nil {
		return nil, err
	}
	out := make([]models.ZoneSummary, 0, len(zones))
	for _, z := range zones {
		naps, err := a.dir.ListNaps(ctx, z.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, models.ZoneSummary{OltZone: z, NapCount: len(naps)})
	}
	return out, nil
}

func (a *Allocator) napSummaries(ctx context.Context, zoneID string, freeOnly bool) ([]models.NapSummary, error) {
	if _, err := a.dir.GetZone(ctx, zoneID); err != nil {
		return nil, err
	}
	naps, err := a.dir.ListNaps(ctx, zoneID)
	if err != nil {
		return nil, err
	}
	out := make([]models.NapSummary, 0, len(naps))
	for i := range naps {
		occ, err := a.dir.ListPortOccupancy(ctx, naps[i].ID)
		if err != nil {
			return nil, err
		}
		free := naps[i].FreePorts(len(occ))
		if freeOnly && free == 0 {
			continue
		}
		out = append(out, models.NapSummary{Nap: naps[i], OccupiedPorts: len(occ), FreePorts: free})
	}
	return out, nil
}

// Naps lists the NAPs of a zone that still have a free port
func (a *Allocator) Naps(ctx context.Context, zoneID string) ([]models.NapSummary, error) {
	return a.napSummaries(ctx, zoneID, true)
}

// AllNaps lists every NAP of a zone with its occupancy
func (a *Allocator) AllNaps(ctx context.Context, zoneID string) ([]models.NapSummary, error) {
	return a.napSummaries(ctx, zoneID, false)
}

// Ports lists the ports of a NAP ordered by number. Unless all is set only
// free ports are returned.
func (a *Allocator) Ports(ctx context.Context, napID string, all bool) ([]models.NapPort, error) {
	nap, err := a.dir.GetNap(ctx, napID)
	if err != nil {
		return nil, err
	}
	occ, err := a.dir.ListPortOccupancy(ctx, napID)
	if err != nil {
		return nil, err
	}
	ports := make([]models.NapPort, 0, nap.TotalPorts)
	for n := 1; n <= nap.TotalPorts; n++ {
		b, taken := occ[n]
		if taken && !all {
			continue
		}
		port := models.NapPort{NapID: nap.ID, PortNumber: n, Occupied: taken}
		if taken {
			port.ConnectionID = b.ConnectionID
			port.SubscriberName = b.SubscriberName
		}
		ports = append(ports, port)
	}
	return ports, nil
}

// FreeAddresses lists up to limit addresses of the cell's configured ranges
// that no live connection holds
func (a *Allocator) FreeAddresses(ctx context.Context, cellID string, limit int) ([]string, error) {
	cell, err := a.dir.GetCell(ctx, cellID)
	if err != nil {
		return nil, err
	}
	ranges, err := cell.HostRanges()
	if err != nil {
		return nil, err
	}
	used, err := a.usedAddresses(ctx, cell.ID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultAddressLimit
	}
	free := utils.GetAvailableIPsInRanges(ranges, used, limit)
	if free == nil {
		free = []string{}
	}
	return free, nil
}

func (a *Allocator) usedAddresses(ctx context.Context, cellID string) (map[string]bool, error) {
	bindings, err := a.dir.ListBindingsForCell(ctx, cellID)
	if err != nil {
		return nil, err
	}
	used := make(map[string]bool, len(bindings))
	for _, b := range bindings {
		used[utils.NormalizeIP(b.Address)] = true
	}
	return used, nil
}

// Commit validates and persists a draft of either kind
func (a *Allocator) Commit(ctx context.Context, draft models.ConnectionDraft) (*models.Connection, error) {
	switch d := draft.(type) {
	case models.FiberDraft:
		return a.CommitFiber(ctx, d)
	case models.WirelessDraft:
		return a.CommitWireless(ctx, d)
	}
	return nil, models.NewValidationError("type", "unsupported draft %T", draft)
}

// activeCell loads the target cell of a draft and checks it can take a
// connection of type t on plan planID
func (a *Allocator) activeCell(ctx context.Context, cellID string, t models.ConnectionType, planID string) (*models.Cell, error) {
	cell, err := a.dir.GetCell(ctx, cellID)
	if err != nil {
		return nil, err
	}
	if !cell.Active {
		return nil, models.NewValidationError("cell_id", "cell %s is not active", cell.ID)
	}
	if cell.CellType.IsFiber() != (t == models.ConnectionFiber) {
		return nil, models.NewValidationError("cell_id", "cell %s of type %s cannot take a %s connection", cell.ID, cell.CellType, t)
	}
	if !cell.OffersPlan(planID) {
		return nil, models.NewValidationError("plan_id", "plan %s is not offered on cell %s", planID, cell.ID)
	}
	return cell, nil
}

// checkAddress verifies ip lies in the cell's ranges and is not bound
func (a *Allocator) checkAddress(ctx context.Context, cell *models.Cell, ip string) (string, error) {
	norm := utils.NormalizeIP(ip)
	if norm == "" {
		return "", models.NewValidationError("ip_address", "%q is not an IPv4 address", ip)
	}
	ip = norm
	inside, err := cell.ContainsAddress(ip)
	if err != nil {
		return "", err
	}
	if !inside {
		return "", models.NewValidationError("ip_address", "%s is outside the ranges of cell %s", ip, cell.ID)
	}
	used, err := a.usedAddresses(ctx, cell.ID)
	if err != nil {
		return "", err
	}
	if used[ip] {
		return "", models.NewConflict("address", ip)
	}
	return ip, nil
}

// CommitFiber re-validates a fiber draft and commits it. A port or address
// taken since it was offered is an AllocationConflict; nothing is reassigned.
func (a *Allocator) CommitFiber(ctx context.Context, d models.FiberDraft) (*models.Connection, error) {
	a.logger.Info("Committing fiber connection",
		zap.String("cell_id", d.CellID),
		zap.String("nap_id", d.NapID),
		zap.Int("port", d.PortNumber),
		zap.String("ip_address", d.IPAddress))

	conn, err := a.buildFiber(ctx, d)
	if err != nil {
		return nil, a.fail(models.ConnectionFiber, err)
	}
	return a.persist(ctx, conn)
}

func (a *Allocator) buildFiber(ctx context.Context, d models.FiberDraft) (*models.Connection, error) {
	if err := models.Validate(d); err != nil {
		return nil, err
	}
	cell, err := a.activeCell(ctx, d.CellID, models.ConnectionFiber, d.PlanID)
	if err != nil {
		return nil, err
	}
	zone, err := a.dir.GetZone(ctx, d.ZoneID)
	if err != nil {
		return nil, err
	}
	if zone.CellID != cell.ID {
		return nil, models.NewValidationError("zone_id", "zone %s does not belong to cell %s", zone.ID, cell.ID)
	}
	nap, err := a.dir.GetNap(ctx, d.NapID)
	if err != nil {
		return nil, err
	}
	if nap.ZoneID != zone.ID {
		return nil, models.NewValidationError("nap_id", "nap %s does not belong to zone %s", nap.ID, zone.ID)
	}
	if !nap.ValidPort(d.PortNumber) {
		return nil, models.NewValidationError("port_number", "port %d is outside 1..%d", d.PortNumber, nap.TotalPorts)
	}
	occ, err := a.dir.ListPortOccupancy(ctx, nap.ID)
	if err != nil {
		return nil, err
	}
	if _, taken := occ[d.PortNumber]; taken {
		return nil, models.NewConflict("port", nap.ID+"/"+strconv.Itoa(d.PortNumber))
	}
	ip, err := a.checkAddress(ctx, cell, d.IPAddress)
	if err != nil {
		return nil, err
	}

	now := a.now()
	return &models.Connection{
		ID:             a.newID(),
		Type:           models.ConnectionFiber,
		SubscriberID:   d.SubscriberID,
		SubscriberName: d.SubscriberName,
		CellID:         cell.ID,
		PlanID:         d.PlanID,
		IPAddress:      ip,
		Status:         models.InitialStatus(models.ConnectionFiber),
		ZoneID:         zone.ID,
		NapID:          nap.ID,
		PortNumber:     d.PortNumber,
		PPPoEUsername:  d.PPPoEUsername,
		Live:           true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// CommitWireless re-validates a wireless draft and commits it
func (a *Allocator) CommitWireless(ctx context.Context, d models.WirelessDraft) (*models.Connection, error) {
	a.logger.Info("Committing wireless connection",
		zap.String("cell_id", d.CellID),
		zap.String("cpe_id", d.CpeID),
		zap.String("ip_address", d.IPAddress))

	conn, err := a.buildWireless(ctx, d)
	if err != nil {
		return nil, a.fail(models.ConnectionWireless, err)
	}
	return a.persist(ctx, conn)
}

func (a *Allocator) buildWireless(ctx context.Context, d models.WirelessDraft) (*models.Connection, error) {
	if err := models.Validate(d); err != nil {
		return nil, err
	}
	cell, err := a.activeCell(ctx, d.CellID, models.ConnectionWireless, d.PlanID)
	if err != nil {
		return nil, err
	}
	ip, err := a.checkAddress(ctx, cell, d.IPAddress)
	if err != nil {
		return nil, err
	}
	if err := a.checkEquipment(ctx, d.CpeID, d.MACAddress); err != nil {
		return nil, err
	}

	now := a.now()
	return &models.Connection{
		ID:             a.newID(),
		Type:           models.ConnectionWireless,
		SubscriberID:   d.SubscriberID,
		SubscriberName: d.SubscriberName,
		CellID:         cell.ID,
		PlanID:         d.PlanID,
		IPAddress:      ip,
		Status:         models.InitialStatus(models.ConnectionWireless),
		CpeID:          d.CpeID,
		RouterID:       d.RouterID,
		MACAddress:     models.CanonicalMAC(d.MACAddress),
		Live:           true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// checkEquipment rejects a CPE or MAC already bound to a live connection
func (a *Allocator) checkEquipment(ctx context.Context, cpeID, mac string) error {
	live, err := a.dir.ListConnections(ctx, models.ConnectionFilter{LiveOnly: true})
	if err != nil {
		return err
	}
	for i := range live {
		if live[i].CpeID != "" && live[i].CpeID == cpeID {
			return models.NewConflict("cpe", cpeID)
		}
		if mac != "" && equalMAC(live[i].MACAddress, mac) {
			return models.NewConflict("mac_address", mac)
		}
	}
	return nil
}

func (a *Allocator) persist(ctx context.Context, conn *models.Connection) (*models.Connection, error) {
	if err := a.dir.CommitConnection(ctx, conn); err != nil {
		return nil, a.fail(conn.Type, err)
	}
	a.metrics.RecordCommit(string(conn.Type), "ok")
	a.logger.Info("Connection committed",
		zap.String("connection_id", conn.ID),
		zap.String("type", string(conn.Type)),
		zap.String("cell_id", conn.CellID),
		zap.String("ip_address", conn.IPAddress),
		zap.String("status", string(conn.Status)))
	return conn, nil
}

func (a *Allocator) fail(t models.ConnectionType, err error) error {
	result := "error"
	switch {
	case errors.Is(err, models.ErrAllocationConflict):
		result = "conflict"
		a.logger.Warn("Connection commit conflicted", zap.String("type", string(t)), zap.Error(err))
	case errors.Is(err, models.ErrValidation), errors.Is(err, models.ErrNotFound), errors.Is(err, models.ErrInvalidRange):
		result = "rejected"
		a.logger.Info("Connection commit rejected", zap.String("type", string(t)), zap.Error(err))
	default:
		a.logger.Error("Connection commit failed", zap.String("type", string(t)), zap.Error(err))
	}
	a.metrics.RecordCommit(string(t), result)
	return err
}

// Transition moves a connection to status. Cancelling releases its address,
// port and CPE.
func (a *Allocator) Transition(ctx context.Context, connectionID string, status models.ConnectionStatus) (*models.Connection, error) {
	conn, err := a.dir.UpdateConnectionStatus(ctx, connectionID, status)
	if err != nil {
		a.logger.Warn("Connection status change refused",
			zap.String("connection_id", connectionID),
			zap.String("status", string(status)),
			zap.Error(err))
		return nil, err
	}
	a.logger.Info("Connection status changed",
		zap.String("connection_id", conn.ID),
		zap.String("status", string(conn.Status)))
	return conn, nil
}

// Cancel terminates a connection
func (a *Allocator) Cancel(ctx context.Context, connectionID string) (*models.Connection, error) {
	return a.Transition(ctx, connectionID, models.StatusCancelled)
}

// Connection loads one connection
func (a *Allocator) Connection(ctx context.Context, id string) (*models.Connection, error) {
	return a.dir.GetConnection(ctx, id)
}

// Connections lists connections matching filter, newest last
func (a *Allocator) Connections(ctx context.Context, filter models.ConnectionFilter) ([]models.Connection, error) {
	conns, err := a.dir.ListConnections(ctx, filter)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(conns, func(i, j int) bool { return conns[i].CreatedAt.Before(conns[j].CreatedAt) })
	return conns, nil
}

func equalMAC(a, b string) bool {
	ma, err := net.ParseMAC(a)
	if err != nil {
		return false
	}
	mb, err := net.ParseMAC(b)
	if err != nil {
		return false
	}
	return ma.String() == mb.String()
}
