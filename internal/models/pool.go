package models

import "time"

// AddressSlot is one host address of a pool and what holds it, if anything
type AddressSlot struct {
	Address        string           `json:"address"`
	Occupied       bool             `json:"occupied"`
	ConnectionID   string           `json:"connection_id,omitempty"`
	SubscriberID   string           `json:"subscriber_id,omitempty"`
	SubscriberName string           `json:"subscriber_name,omitempty"`
	Status         ConnectionStatus `json:"status,omitempty"`
	PPPoEUsername  string           `json:"pppoe_username,omitempty"`
	Type           ConnectionType   `json:"type,omitempty"`
	Online         *bool            `json:"online,omitempty"`
	Queue          string           `json:"queue,omitempty"`

	// SecretMissing flags a PPPoE username the router has no enabled secret for
	SecretMissing bool `json:"secret_missing,omitempty"`
}

// PoolReport is the occupancy of one address range
type PoolReport struct {
	CIDR       string        `json:"cidr"`
	Network    string        `json:"network"`
	Prefix     int           `json:"prefix"`
	HostMin    string        `json:"host_min"`
	HostMax    string        `json:"host_max"`
	Total      int           `json:"total"`
	Occupied   int           `json:"occupied"`
	Free       int           `json:"free"`
	PctUsed    int           `json:"pct_used"`
	Slots      []AddressSlot `json:"slots"`
	OutOfRange []Binding     `json:"out_of_range,omitempty"`
	Duplicates []Binding     `json:"duplicates,omitempty"`
}

// InterfacePool is a router interface and, when it carries an address, the
// pool of its primary network
type InterfacePool struct {
	Name           string      `json:"name"`
	Type           string      `json:"type,omitempty"`
	MACAddress     string      `json:"mac_address,omitempty"`
	Running        bool        `json:"running"`
	Disabled       bool        `json:"disabled"`
	Comment        string      `json:"comment,omitempty"`
	HasPool        bool        `json:"has_pool"`
	CIDR           string      `json:"cidr,omitempty"`
	SecondaryCIDRs []string    `json:"secondary_cidrs,omitempty"`
	Pool           *PoolReport `json:"pool,omitempty"`
	PoolError      string      `json:"pool_error,omitempty"`
}

// CellPoolReport is the live reconciliation of a cell's router against the
// directory's bindings
type CellPoolReport struct {
	CellID             string          `json:"cell_id"`
	CellName           string          `json:"cell_name"`
	Host               string          `json:"host"`
	Available          bool            `json:"available"`
	Error              string          `json:"error,omitempty"`
	FromCache          bool            `json:"from_cache,omitempty"`
	Interfaces         []InterfacePool `json:"interfaces"`
	TotalInterfaces    int             `json:"total_interfaces"`
	InterfacesWithPool int             `json:"interfaces_with_pool"`
	Unmatched          []Binding       `json:"unmatched,omitempty"`
	DeviceAsOf         *time.Time      `json:"device_as_of,omitempty"`
	BindingsAsOf       time.Time       `json:"bindings_as_of"`
}

// ConfiguredPoolReport is the occupancy of a cell's statically configured
// ranges, without consulting the device
type ConfiguredPoolReport struct {
	CellID    string        `json:"cell_id"`
	CellName  string        `json:"cell_name"`
	Pools     []*PoolReport `json:"pools"`
	Total     int           `json:"total"`
	Occupied  int           `json:"occupied"`
	Free      int           `json:"free"`
	PctUsed   int           `json:"pct_used"`
	Unmatched []Binding     `json:"unmatched,omitempty"`
	AsOf      time.Time     `json:"as_of"`
}
