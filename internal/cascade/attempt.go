package cascade

import (
	"context"
	"slices"

	"isp-network-api/internal/models"
)

// Stage is the position of an Attempt in the selection cascade
type Stage int

const (
	StageStarted Stage = iota
	StageZoneSelected
	StageNapSelected
	StagePortSelected
	StageAddressSelected
	StageCpeSelected
	StageCommitted
)

func (s Stage) String() string {
	switch s {
	case StageStarted:
		return "started"
	case StageZoneSelected:
		return "zone_selected"
	case StageNapSelected:
		return "nap_selected"
	case StagePortSelected:
		return "port_selected"
	case StageAddressSelected:
		return "address_selected"
	case StageCpeSelected:
		return "cpe_selected"
	case StageCommitted:
		return "committed"
	}
	return "unknown"
}

// Subscriber identifies who a connection is for and on which plan
type Subscriber struct {
	ID            string
	Name          string
	PlanID        string
	PPPoEUsername string
	RouterID      string
	MACAddress    string
}

// Attempt is one walk through the cascade. Fiber attempts go
// Started → ZoneSelected → NapSelected → PortSelected → AddressSelected →
// Committed; wireless attempts go Started → AddressSelected → CpeSelected →
// Committed. Each step returns the choices of the next one. Choices are a
// snapshot: Commit validates them again. An Attempt is not safe for
// concurrent use.
type Attempt struct {
	alloc *Allocator
	kind  models.ConnectionType
	stage Stage

	cellID  string
	zoneID  string
	napID   string
	port    int
	address string
	cpeID   string

	conn *models.Connection
}

// Begin starts an attempt on a cell. The cell must be active and match kind.
func (a *Allocator) Begin(ctx context.Context, kind models.ConnectionType, cellID string) (*Attempt, error) {
	cell, err := a.dir.GetCell(ctx, cellID)
	if err != nil {
		return nil, err
	}
	if !cell.Active {
		return nil, models.NewValidationError("cell_id", "cell %s is not active", cell.ID)
	}
	switch kind {
	case models.ConnectionFiber, models.ConnectionWireless:
	default:
		return nil, models.NewValidationError("type", "unknown connection type %q", kind)
	}
	if cell.CellType.IsFiber() != (kind == models.ConnectionFiber) {
		return nil, models.NewValidationError("cell_id", "cell %s of type %s cannot take a %s connection", cell.ID, cell.CellType, kind)
	}
	return &Attempt{alloc: a, kind: kind, stage: StageStarted, cellID: cell.ID}, nil
}

func (at *Attempt) Stage() Stage { return at.stage }

func (at *Attempt) Kind() models.ConnectionType { return at.kind }

// Connection returns the committed connection, or nil before Commit
func (at *Attempt) Connection() *models.Connection { return at.conn }

func (at *Attempt) expect(kind models.ConnectionType, stage Stage, step string) error {
	if at.kind != kind || at.stage != stage {
		return models.NewValidationError("stage", "cannot %s on a %s attempt at stage %s", step, at.kind, at.stage)
	}
	return nil
}

// Zones lists the zones available at the first fiber step
func (at *Attempt) Zones(ctx context.Context) ([]models.ZoneSummary, error) {
	if err := at.expect(models.ConnectionFiber, StageStarted, "list zones"); err != nil {
		return nil, err
	}
	return at.alloc.Zones(ctx, at.cellID)
}

// SelectZone picks a zone of the cell and returns its NAPs with free ports
func (at *Attempt) SelectZone(ctx context.Context, zoneID string) ([]models.NapSummary, error) {
	if err := at.expect(models.ConnectionFiber, StageStarted, "select a zone"); err != nil {
		return nil, err
	}
	zone, err := at.alloc.dir.GetZone(ctx, zoneID)
	if err != nil {
		return nil, err
	}
	if zone.CellID != at.cellID {
		return nil, models.NewValidationError("zone_id", "zone %s does not belong to cell %s", zone.ID, at.cellID)
	}
	naps, err := at.alloc.Naps(ctx, zone.ID)
	if err != nil {
		return nil, err
	}
	at.zoneID = zone.ID
	at.stage = StageZoneSelected
	return naps, nil
}

// SelectNap picks a NAP offered by SelectZone and returns its free ports
func (at *Attempt) SelectNap(ctx context.Context, napID string) ([]models.NapPort, error) {
	if err := at.expect(models.ConnectionFiber, StageZoneSelected, "select a nap"); err != nil {
		return nil, err
	}
	nap, err := at.alloc.dir.GetNap(ctx, napID)
	if err != nil {
		return nil, err
	}
	if nap.ZoneID != at.zoneID {
		return nil, models.NewValidationError("nap_id", "nap %s does not belong to zone %s", nap.ID, at.zoneID)
	}
	ports, err := at.alloc.Ports(ctx, nap.ID, false)
	if err != nil {
		return nil, err
	}
	if len(ports) == 0 {
		return nil, models.NewConflict("nap", nap.ID)
	}
	at.napID = nap.ID
	at.stage = StageNapSelected
	return ports, nil
}

// SelectPort picks a free port and returns free addresses of the cell
func (at *Attempt) SelectPort(ctx context.Context, port int) ([]string, error) {
	if err := at.expect(models.ConnectionFiber, StageNapSelected, "select a port"); err != nil {
		return nil, err
	}
	ports, err := at.alloc.Ports(ctx, at.napID, false)
	if err != nil {
		return nil, err
	}
	free := slices.ContainsFunc(ports, func(p models.NapPort) bool { return p.PortNumber == port })
	if !free {
		return nil, models.NewValidationError("port_number", "port %d of nap %s is not free", port, at.napID)
	}
	addrs, err := at.alloc.FreeAddresses(ctx, at.cellID, 0)
	if err != nil {
		return nil, err
	}
	at.port = port
	at.stage = StagePortSelected
	return addrs, nil
}

// AddressChoices lists free addresses at the first wireless step
func (at *Attempt) AddressChoices(ctx context.Context, limit int) ([]string, error) {
	if err := at.expect(models.ConnectionWireless, StageStarted, "list addresses"); err != nil {
		return nil, err
	}
	return at.alloc.FreeAddresses(ctx, at.cellID, limit)
}

// SelectAddress picks a free address of the cell
func (at *Attempt) SelectAddress(ctx context.Context, ip string) error {
	from := StagePortSelected
	if at.kind == models.ConnectionWireless {
		from = StageStarted
	}
	if err := at.expect(at.kind, from, "select an address"); err != nil {
		return err
	}
	cell, err := at.alloc.dir.GetCell(ctx, at.cellID)
	if err != nil {
		return err
	}
	ip, err = at.alloc.checkAddress(ctx, cell, ip)
	if err != nil {
		return err
	}
	at.address = ip
	at.stage = StageAddressSelected
	return nil
}

// SelectCpe picks the CPE of a wireless attempt
func (at *Attempt) SelectCpe(ctx context.Context, cpeID string) error {
	if err := at.expect(models.ConnectionWireless, StageAddressSelected, "select a cpe"); err != nil {
		return err
	}
	if cpeID == "" {
		return models.NewValidationError("cpe_id", "cpe is required")
	}
	if err := at.alloc.checkEquipment(ctx, cpeID, ""); err != nil {
		return err
	}
	at.cpeID = cpeID
	at.stage = StageCpeSelected
	return nil
}

// Commit turns the selections into a draft and commits it
func (at *Attempt) Commit(ctx context.Context, sub Subscriber) (*models.Connection, error) {
	var draft models.ConnectionDraft
	switch at.kind {
	case models.ConnectionFiber:
		if err := at.expect(models.ConnectionFiber, StageAddressSelected, "commit"); err != nil {
			return nil, err
		}
		draft = models.FiberDraft{
			SubscriberID:   sub.ID,
			SubscriberName: sub.Name,
			CellID:         at.cellID,
			ZoneID:         at.zoneID,
			NapID:          at.napID,
			PortNumber:     at.port,
			IPAddress:      at.address,
			PlanID:         sub.PlanID,
			PPPoEUsername:  sub.PPPoEUsername,
		}
	default:
		if err := at.expect(models.ConnectionWireless, StageCpeSelected, "commit"); err != nil {
			return nil, err
		}
		draft = models.WirelessDraft{
			SubscriberID:   sub.ID,
			SubscriberName: sub.Name,
			CellID:         at.cellID,
			IPAddress:      at.address,
			PlanID:         sub.PlanID,
			CpeID:          at.cpeID,
			RouterID:       sub.RouterID,
			MACAddress:     sub.MACAddress,
		}
	}
	conn, err := at.alloc.Commit(ctx, draft)
	if err != nil {
		return nil, err
	}
	at.conn = conn
	at.stage = StageCommitted
	return conn, nil
}
