// Package directory persists the topology and the connections bound to it.
package directory

import (
	"context"
	"fmt"
	"sort"

	"isp-network-api/internal/models"
)

// Directory is the system of record for cells, zones, NAPs and connections.
// CommitConnection is the only concurrency guard for allocations: it must
// re-check uniqueness of address, port, CPE and MAC and insert in one atomic step.
type Directory interface {
	CreateCell(ctx context.Context, cell *models.Cell) error
	GetCell(ctx context.Context, id string) (*models.Cell, error)
	ListCells(ctx context.Context) ([]models.Cell, error)
	UpdateCell(ctx context.Context, cell *models.Cell) error

	CreateZone(ctx context.Context, zone *models.OltZone) error
	GetZone(ctx context.Context, id string) (*models.OltZone, error)
	ListZones(ctx context.Context, cellID string) ([]models.OltZone, error)
	DeleteZone(ctx context.Context, id string) error

	CreateNap(ctx context.Context, nap *models.Nap) error
	GetNap(ctx context.Context, id string) (*models.Nap, error)
	ListNaps(ctx context.Context, zoneID string) ([]models.Nap, error)
	ListPortOccupancy(ctx context.Context, napID string) (models.PortOccupancy, error)

	ListBindingsForCell(ctx context.Context, cellID string) ([]models.Binding, error)
	CommitConnection(ctx context.Context, conn *models.Connection) error
	GetConnection(ctx context.Context, id string) (*models.Connection, error)
	ListConnections(ctx context.Context, filter models.ConnectionFilter) ([]models.Connection, error)
	UpdateConnectionStatus(ctx context.Context, id string, status models.ConnectionStatus) (*models.Connection, error)

	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// Drivers accepted by Open
const (
	DriverMemory  = "memory"
	DriverMongoDB = "mongodb"
	DriverSQLite  = "sqlite"
)

// conflictFor returns the conflict between a new connection and an existing
// live one, or nil if they do not compete for anything
func conflictFor(existing, conn *models.Connection) error {
	if !existing.Live || existing.ID == conn.ID {
		return nil
	}
	if existing.CellID == conn.CellID && existing.IPAddress == conn.IPAddress {
		return models.NewConflict("address", conn.IPAddress)
	}
	if conn.NapID != "" && existing.NapID == conn.NapID && existing.PortNumber == conn.PortNumber {
		return models.NewConflict("port", fmt.Sprintf("%s/%d", conn.NapID, conn.PortNumber))
	}
	if conn.CpeID != "" && existing.CpeID == conn.CpeID {
		return models.NewConflict("cpe", conn.CpeID)
	}
	if conn.MACAddress != "" && models.CanonicalMAC(existing.MACAddress) == models.CanonicalMAC(conn.MACAddress) {
		return models.NewConflict("mac_address", conn.MACAddress)
	}
	return nil
}

// checkTransition validates a status change of conn
func checkTransition(conn *models.Connection, status models.ConnectionStatus) error {
	if !status.Valid() {
		return models.NewValidationError("status", "unknown status %q", status)
	}
	if !conn.Status.CanTransition(status) {
		return models.NewValidationError("status", "cannot move from %s to %s", conn.Status, status)
	}
	return nil
}

func sortZones(zones []models.OltZone) {
	sort.Slice(zones, func(i, j int) bool { return zones[i].Name < zones[j].Name })
}

func sortNaps(naps []models.Nap) {
	sort.Slice(naps, func(i, j int) bool { return naps[i].Name < naps[j].Name })
}

func sortConnections(conns []models.Connection) {
	sort.Slice(conns, func(i, j int) bool { return conns[i].CreatedAt.Before(conns[j].CreatedAt) })
}
