package directory

import (
	"context"
	"sort"
	"sync"
	"time"

	"isp-network-api/internal/models"
)

// MemoryDirectory keeps everything in process memory. A single mutex makes
// CommitConnection's check-and-insert atomic.
type MemoryDirectory struct {
	mu    sync.RWMutex
	cells map[string]models.Cell
	zones map[string]models.OltZone
	naps  map[string]models.Nap
	conns map[string]models.Connection
}

// NewMemoryDirectory creates an empty directory
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		cells: make(map[string]models.Cell),
		zones: make(map[string]models.OltZone),
		naps:  make(map[string]models.Nap),
		conns: make(map[string]models.Connection),
	}
}

func (m *MemoryDirectory) CreateCell(ctx context.Context, cell *models.Cell) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.cells[cell.ID]; exists {
		return models.NewConflict("cell", cell.ID)
	}
	m.cells[cell.ID] = cloneCell(*cell)
	return nil
}

func (m *MemoryDirectory) GetCell(ctx context.Context, id string) (*models.Cell, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cell, ok := m.cells[id]
	if !ok {
		return nil, models.NewNotFound("cell", id)
	}
	out := cloneCell(cell)
	return &out, nil
}

func (m *MemoryDirectory) ListCells(ctx context.Context) ([]models.Cell, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cells := make([]models.Cell, 0, len(m.cells))
	for _, c := range m.cells {
		cells = append(cells, cloneCell(c))
	}
	sort.Slice(cells, func(i, j int) bool { return cells[i].Name < cells[j].Name })
	return cells, nil
}

func (m *MemoryDirectory) UpdateCell(ctx context.Context, cell *models.Cell) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.cells[cell.ID]; !ok {
		return models.NewNotFound("cell", cell.ID)
	}
	m.cells[cell.ID] = cloneCell(*cell)
	return nil
}

func (m *MemoryDirectory) CreateZone(ctx context.Context, zone *models.OltZone) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.cells[zone.CellID]; !ok {
		return models.NewNotFound("cell", zone.CellID)
	}
	m.zones[zone.ID] = *zone
	return nil
}

func (m *MemoryDirectory) GetZone(ctx context.Context, id string) (*models.OltZone, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	zone, ok := m.zones[id]
	if !ok {
		return nil, models.NewNotFound("zone", id)
	}
	return &zone, nil
}

func (m *MemoryDirectory) ListZones(ctx context.Context, cellID string) ([]models.OltZone, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var zones []models.OltZone
	for _, z := range m.zones {
		if z.CellID == cellID {
			zones = append(zones, z)
		}
	}
	sortZones(zones)
	return zones, nil
}

func (m *MemoryDirectory) DeleteZone(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.zones[id]; !ok {
		return models.NewNotFound("zone", id)
	}
	for _, n := range m.naps {
		if n.ZoneID == id {
			return models.NewValidationError("zone", "zone %s still owns NAPs", id)
		}
	}
	delete(m.zones, id)
	return nil
}

func (m *MemoryDirectory) CreateNap(ctx context.Context, nap *models.Nap) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.zones[nap.ZoneID]; !ok {
		return models.NewNotFound("zone", nap.ZoneID)
	}
	m.naps[nap.ID] = *nap
	return nil
}

func (m *MemoryDirectory) GetNap(ctx context.Context, id string) (*models.Nap, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	nap, ok := m.naps[id]
	if !ok {
		return nil, models.NewNotFound("nap", id)
	}
	return &nap, nil
}

func (m *MemoryDirectory) ListNaps(ctx context.Context, zoneID string) ([]models.Nap, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var naps []models.Nap
	for _, n := range m.naps {
		if n.ZoneID == zoneID {
			naps = append(naps, n)
		}
	}
	sortNaps(naps)
	return naps, nil
}

func (m *MemoryDirectory) ListPortOccupancy(ctx context.Context, napID string) (models.PortOccupancy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	occ := make(models.PortOccupancy)
	for _, c := range m.conns {
		if c.Live && c.NapID == napID {
			occ[c.PortNumber] = c.Binding()
		}
	}
	return occ, nil
}

func (m *MemoryDirectory) ListBindingsForCell(ctx context.Context, cellID string) ([]models.Binding, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var conns []models.Connection
	for _, c := range m.conns {
		if c.Live && c.CellID == cellID {
			conns = append(conns, c)
		}
	}
	sortConnections(conns)
	bindings := make([]models.Binding, 0, len(conns))
	for i := range conns {
		bindings = append(bindings, conns[i].Binding())
	}
	return bindings, nil
}

func (m *MemoryDirectory) CommitConnection(ctx context.Context, conn *models.Connection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.conns[conn.ID]; exists {
		return models.NewConflict("connection", conn.ID)
	}
	for _, existing := range m.conns {
		if err := conflictFor(&existing, conn); err != nil {
			return err
		}
	}
	m.conns[conn.ID] = *conn
	return nil
}

func (m *MemoryDirectory) GetConnection(ctx context.Context, id string) (*models.Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.conns[id]
	if !ok {
		return nil, models.NewNotFound("connection", id)
	}
	return &conn, nil
}

func (m *MemoryDirectory) ListConnections(ctx context.Context, filter models.ConnectionFilter) ([]models.Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var conns []models.Connection
	for _, c := range m.conns {
		if filter.Matches(&c) {
			conns = append(conns, c)
		}
	}
	sortConnections(conns)
	return conns, nil
}

func (m *MemoryDirectory) UpdateConnectionStatus(ctx context.Context, id string, status models.ConnectionStatus) (*models.Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.conns[id]
	if !ok {
		return nil, models.NewNotFound("connection", id)
	}
	if err := checkTransition(&conn, status); err != nil {
		return nil, err
	}
	conn.Status = status
	conn.Live = status.IsLive()
	conn.UpdatedAt = time.Now().UTC()
	m.conns[id] = conn
	return &conn, nil
}

func (m *MemoryDirectory) Ping(ctx context.Context) error { return nil }

func (m *MemoryDirectory) Close(ctx context.Context) error { return nil }

func cloneCell(c models.Cell) models.Cell {
	c.Ranges = append([]models.AddressRange(nil), c.Ranges...)
	c.PlanIDs = append([]string(nil), c.PlanIDs...)
	if c.OLT != nil {
		olt := *c.OLT
		c.OLT = &olt
	}
	return c
}
