package models

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"isp-network-api/internal/utils"
)

// Collection names
const (
	CellCollection       = "cells"
	ZoneCollection       = "olt_zones"
	NapCollection        = "naps"
	ConnectionCollection = "connections"
)

// DefaultNapPorts is used when a NAP is created without a port count.
const DefaultNapPorts = 16

// MaxNapPorts bounds the port count of a single NAP.
const MaxNapPorts = 128

// CellType is the access technology of a cell
type CellType string

const (
	CellFiberPPPoE CellType = "fiber_pppoe"
	CellFiberIPoE  CellType = "fiber_ipoe"
	CellWireless   CellType = "wireless"
)

// IsFiber reports whether the cell is served by an OLT
func (t CellType) IsFiber() bool {
	return t == CellFiberPPPoE || t == CellFiberIPoE
}

// AssignmentMethod is how subscriber addresses are handed out in a cell
type AssignmentMethod string

const (
	AssignPPPoEDistributed AssignmentMethod = "pppoe_distributed"
	AssignDHCPPool         AssignmentMethod = "dhcp_pool"
	AssignStatic           AssignmentMethod = "static_addressing"
)

// AssignmentAllowed is the cell type to assignment method compatibility table
func AssignmentAllowed(t CellType, a AssignmentMethod) bool {
	switch t {
	case CellFiberPPPoE:
		return a == AssignPPPoEDistributed
	case CellFiberIPoE:
		return a == AssignDHCPPool
	case CellWireless:
		return a == AssignDHCPPool || a == AssignStatic
	}
	return false
}

// DeviceKind selects the management protocol of a device
type DeviceKind string

const (
	DeviceRouterOS DeviceKind = "routeros"
	DeviceSNMP     DeviceKind = "snmp"
)

// DeviceCredentials is the management endpoint of a router or OLT
type DeviceCredentials struct {
	Kind      DeviceKind `bson:"kind" json:"kind" validate:"required,oneof=routeros snmp"`
	Host      string     `bson:"host" json:"host" validate:"required,hostname_rfc1123|ip"`
	Port      int        `bson:"port,omitempty" json:"port,omitempty" validate:"omitempty,min=1,max=65535"`
	Username  string     `bson:"username,omitempty" json:"username,omitempty"`
	Password  string     `bson:"password,omitempty" json:"password,omitempty"`
	Community string     `bson:"community,omitempty" json:"community,omitempty"`
	UseTLS    bool       `bson:"use_tls,omitempty" json:"use_tls,omitempty"`
}

// Address returns host:port, filling in the protocol's default port
func (d DeviceCredentials) Address() string {
	port := d.Port
	if port == 0 {
		switch {
		case d.Kind == DeviceSNMP:
			port = 161
		case d.UseTLS:
			port = 8729
		default:
			port = 8728
		}
	}
	return net.JoinHostPort(d.Host, strconv.Itoa(port))
}

// Redacted returns a copy without secrets, for responses and logs
func (d DeviceCredentials) Redacted() DeviceCredentials {
	d.Password = ""
	d.Community = ""
	return d
}

// AddressRange is a statically configured IPv4 block of a cell. HostMin and
// HostMax default to the first and last usable host of the network.
type AddressRange struct {
	Network string `bson:"network" json:"network" validate:"required,ipv4"`
	Mask    string `bson:"mask" json:"mask" validate:"required"`
	HostMin string `bson:"host_min,omitempty" json:"host_min,omitempty" validate:"omitempty,ipv4"`
	HostMax string `bson:"host_max,omitempty" json:"host_max,omitempty" validate:"omitempty,ipv4"`
}

// Resolve parses the range into numeric host bounds
func (r AddressRange) Resolve() (utils.HostRange, error) {
	hr, err := utils.ParseHostRange(r.Network, r.Mask, r.HostMin, r.HostMax)
	if err != nil {
		return utils.HostRange{}, &RangeError{Input: r.String(), Reason: err.Error()}
	}
	return hr, nil
}

func (r AddressRange) String() string {
	s := r.Network + "/" + r.Mask
	if r.HostMin != "" || r.HostMax != "" {
		s += fmt.Sprintf(" [%s-%s]", r.HostMin, r.HostMax)
	}
	return s
}

// Cell is the administrative unit that owns a set of address ranges and
// either an OLT (fiber) or a set of router interfaces (wireless)
type Cell struct {
	ID         string             `bson:"_id" json:"id"`
	Name       string             `bson:"name" json:"name"`
	CellType   CellType           `bson:"cell_type" json:"cell_type"`
	Assignment AssignmentMethod   `bson:"assignment" json:"assignment"`
	Router     DeviceCredentials  `bson:"router" json:"router"`
	OLT        *DeviceCredentials `bson:"olt,omitempty" json:"olt,omitempty"`
	Ranges     []AddressRange     `bson:"ranges" json:"ranges"`
	PlanIDs    []string           `bson:"plan_ids,omitempty" json:"plan_ids,omitempty"`
	Active     bool               `bson:"active" json:"active"`
	CreatedAt  time.Time          `bson:"created_at" json:"created_at"`
	UpdatedAt  time.Time          `bson:"updated_at" json:"updated_at"`
}

// IsAssignmentValid checks the cell's assignment method against its type
func (c *Cell) IsAssignmentValid() bool {
	return AssignmentAllowed(c.CellType, c.Assignment)
}

// OffersPlan reports whether planID may be sold in this cell. A cell with
// no plan list accepts any plan.
func (c *Cell) OffersPlan(planID string) bool {
	if len(c.PlanIDs) == 0 {
		return true
	}
	for _, p := range c.PlanIDs {
		if p == planID {
			return true
		}
	}
	return false
}

// HostRanges resolves every configured range
func (c *Cell) HostRanges() ([]utils.HostRange, error) {
	out := make([]utils.HostRange, 0, len(c.Ranges))
	for _, r := range c.Ranges {
		hr, err := r.Resolve()
		if err != nil {
			return nil, err
		}
		out = append(out, hr)
	}
	return out, nil
}

// ContainsAddress reports whether ip falls inside one of the cell's ranges
func (c *Cell) ContainsAddress(ip string) (bool, error) {
	ranges, err := c.HostRanges()
	if err != nil {
		return false, err
	}
	idx, err := utils.IsIPInRanges(ip, ranges)
	if err != nil {
		return false, NewValidationError("ip_address", "%v", err)
	}
	return idx >= 0, nil
}

// Redacted returns a copy with device secrets removed
func (c Cell) Redacted() Cell {
	c.Router = c.Router.Redacted()
	if c.OLT != nil {
		olt := c.OLT.Redacted()
		c.OLT = &olt
	}
	return c
}

// OltZone groups NAPs behind one OLT slot/port of a fiber cell
type OltZone struct {
	ID        string    `bson:"_id" json:"id"`
	CellID    string    `bson:"cell_id" json:"cell_id"`
	Name      string    `bson:"name" json:"name"`
	SlotPort  string    `bson:"slot_port,omitempty" json:"slot_port,omitempty"`
	CreatedAt time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt time.Time `bson:"updated_at" json:"updated_at"`
}

// Nap is a passive splitter box with a fixed number of subscriber ports
type Nap struct {
	ID         string    `bson:"_id" json:"id"`
	ZoneID     string    `bson:"zone_id" json:"zone_id"`
	CellID     string    `bson:"cell_id" json:"cell_id"`
	Name       string    `bson:"name" json:"name"`
	Location   string    `bson:"location,omitempty" json:"location,omitempty"`
	TotalPorts int       `bson:"total_ports" json:"total_ports"`
	CreatedAt  time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt  time.Time `bson:"updated_at" json:"updated_at"`
}

// FreePorts returns how many ports are left given the occupied count
func (n *Nap) FreePorts(occupied int) int {
	if free := n.TotalPorts - occupied; free > 0 {
		return free
	}
	return 0
}

// ValidPort reports whether port exists on this NAP
func (n *Nap) ValidPort(port int) bool {
	return port >= 1 && port <= n.TotalPorts
}

// NapPort is one physical port, derived from the NAP and its connections
type NapPort struct {
	NapID          string `json:"nap_id"`
	PortNumber     int    `json:"port_number"`
	Occupied       bool   `json:"is_occupied"`
	ConnectionID   string `json:"connection_id,omitempty"`
	SubscriberName string `json:"subscriber_name,omitempty"`
}

// ZoneSummary is a zone with the NAP count used by the selection cascade
type ZoneSummary struct {
	OltZone
	NapCount int `json:"nap_count"`
}

// NapSummary is a NAP with its current port usage
type NapSummary struct {
	Nap
	OccupiedPorts int `json:"occupied_ports"`
	FreePorts     int `json:"free_ports"`
}

// PortOccupancy maps port numbers to the live connection holding them
type PortOccupancy map[int]Binding
