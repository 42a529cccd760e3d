package models

import (
	"net"
	"time"
)

// ConnectionType distinguishes fiber from wireless subscribers
type ConnectionType string

const (
	ConnectionFiber    ConnectionType = "fiber"
	ConnectionWireless ConnectionType = "wireless"
)

// ConnectionStatus is the provisioning lifecycle of a connection
type ConnectionStatus string

const (
	StatusPendingInstall ConnectionStatus = "pending_install"
	StatusPendingAuth    ConnectionStatus = "pending_auth"
	StatusActive         ConnectionStatus = "active"
	StatusSuspended      ConnectionStatus = "suspended"
	StatusCancelled      ConnectionStatus = "cancelled"
)

var statusTransitions = map[ConnectionStatus][]ConnectionStatus{
	StatusPendingInstall: {StatusPendingAuth, StatusActive, StatusCancelled},
	StatusPendingAuth:    {StatusActive, StatusCancelled},
	StatusActive:         {StatusSuspended, StatusCancelled},
	StatusSuspended:      {StatusActive, StatusCancelled},
}

// Valid reports whether s is a known status
func (s ConnectionStatus) Valid() bool {
	switch s {
	case StatusPendingInstall, StatusPendingAuth, StatusActive, StatusSuspended, StatusCancelled:
		return true
	}
	return false
}

// IsLive reports whether the connection still holds its resources
func (s ConnectionStatus) IsLive() bool {
	return s.Valid() && s != StatusCancelled
}

// CanTransition reports whether moving from s to next is allowed
func (s ConnectionStatus) CanTransition(next ConnectionStatus) bool {
	for _, allowed := range statusTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// InitialStatus is the status a freshly committed connection starts in.
// Fiber subscribers wait for ONU authorisation, wireless ones are live at once.
func InitialStatus(t ConnectionType) ConnectionStatus {
	if t == ConnectionFiber {
		return StatusPendingAuth
	}
	return StatusActive
}

// Connection is the committed binding of a subscriber to network resources
type Connection struct {
	ID             string           `bson:"_id" json:"id"`
	Type           ConnectionType   `bson:"type" json:"type"`
	SubscriberID   string           `bson:"subscriber_id" json:"subscriber_id"`
	SubscriberName string           `bson:"subscriber_name" json:"subscriber_name"`
	CellID         string           `bson:"cell_id" json:"cell_id"`
	PlanID         string           `bson:"plan_id" json:"plan_id"`
	IPAddress      string           `bson:"ip_address" json:"ip_address"`
	Status         ConnectionStatus `bson:"status" json:"status"`

	ZoneID        string `bson:"zone_id,omitempty" json:"zone_id,omitempty"`
	NapID         string `bson:"nap_id,omitempty" json:"nap_id,omitempty"`
	PortNumber    int    `bson:"port_number,omitempty" json:"port_number,omitempty"`
	PPPoEUsername string `bson:"pppoe_username,omitempty" json:"pppoe_username,omitempty"`

	CpeID      string `bson:"cpe_id,omitempty" json:"cpe_id,omitempty"`
	RouterID   string `bson:"router_id,omitempty" json:"router_id,omitempty"`
	MACAddress string `bson:"mac_address,omitempty" json:"mac_address,omitempty"`

	// Live mirrors Status.IsLive() so stores can index only live rows.
	Live bool `bson:"live" json:"-"`

	CreatedAt time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt time.Time `bson:"updated_at" json:"updated_at"`
}

// Binding projects the connection onto the address it holds
func (c *Connection) Binding() Binding {
	return Binding{
		Address:        c.IPAddress,
		ConnectionID:   c.ID,
		SubscriberID:   c.SubscriberID,
		SubscriberName: c.SubscriberName,
		Status:         c.Status,
		PPPoEUsername:  c.PPPoEUsername,
		Type:           c.Type,
		NapID:          c.NapID,
		PortNumber:     c.PortNumber,
	}
}

// Binding is an address claimed by a live connection, as seen by the pool
type Binding struct {
	Address        string           `json:"address"`
	ConnectionID   string           `json:"connection_id"`
	SubscriberID   string           `json:"subscriber_id,omitempty"`
	SubscriberName string           `json:"subscriber_name,omitempty"`
	Status         ConnectionStatus `json:"status,omitempty"`
	PPPoEUsername  string           `json:"pppoe_username,omitempty"`
	Type           ConnectionType   `json:"type,omitempty"`
	NapID          string           `json:"nap_id,omitempty"`
	PortNumber     int              `json:"port_number,omitempty"`
}

// ConnectionFilter narrows connection listings. Zero fields match everything.
type ConnectionFilter struct {
	CellID   string
	NapID    string
	Status   ConnectionStatus
	LiveOnly bool
}

// Matches reports whether c satisfies the filter
func (f ConnectionFilter) Matches(c *Connection) bool {
	if f.CellID != "" && c.CellID != f.CellID {
		return false
	}
	if f.NapID != "" && c.NapID != f.NapID {
		return false
	}
	if f.Status != "" && c.Status != f.Status {
		return false
	}
	if f.LiveOnly && !c.Live {
		return false
	}
	return true
}

// CanonicalMAC returns mac in lowercase colon form so stores can compare
// and index it as a plain string. Unparseable input is returned unchanged.
func CanonicalMAC(mac string) string {
	hw, err := net.ParseMAC(mac)
	if err != nil {
		return mac
	}
	return hw.String()
}
