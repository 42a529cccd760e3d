package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Validate runs struct tag validation and converts the first failure into a
// ValidationError naming the offending field
func Validate(v interface{}) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		reason := fe.Tag()
		if fe.Param() != "" {
			reason += "=" + fe.Param()
		}
		return &ValidationError{Field: fieldPath(fe.Namespace()), Reason: "failed '" + reason + "' check"}
	}
	return &ValidationError{Reason: err.Error()}
}

// fieldPath drops the top-level struct name from a validator namespace
func fieldPath(ns string) string {
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

// DecodeStrict decodes a JSON body into dst, rejecting unknown fields, then
// validates it
func DecodeStrict(r io.Reader, dst interface{}) error {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return &ValidationError{Reason: fmt.Sprintf("malformed request body: %v", err)}
	}
	if dec.More() {
		return &ValidationError{Reason: "request body holds more than one JSON value"}
	}
	return Validate(dst)
}

// ConnectionDraft is an uncommitted connection request. Only FiberDraft and
// WirelessDraft implement it.
type ConnectionDraft interface {
	ConnectionType() ConnectionType
	TargetCell() string
	isDraft()
}

// FiberDraft is the request produced by the fiber selection cascade
type FiberDraft struct {
	SubscriberID   string `json:"subscriber_id" validate:"required"`
	SubscriberName string `json:"subscriber_name" validate:"required"`
	CellID         string `json:"cell_id" validate:"required"`
	ZoneID         string `json:"zone_id" validate:"required"`
	NapID          string `json:"nap_id" validate:"required"`
	PortNumber     int    `json:"port_number" validate:"required,min=1,max=128"`
	IPAddress      string `json:"ip_address" validate:"required,ipv4"`
	PlanID         string `json:"plan_id" validate:"required"`
	PPPoEUsername  string `json:"pppoe_username,omitempty" validate:"omitempty,max=64"`
}

func (FiberDraft) ConnectionType() ConnectionType { return ConnectionFiber }
func (d FiberDraft) TargetCell() string           { return d.CellID }
func (FiberDraft) isDraft()                       {}

// WirelessDraft is the request produced by the wireless selection cascade
type WirelessDraft struct {
	SubscriberID   string `json:"subscriber_id" validate:"required"`
	SubscriberName string `json:"subscriber_name" validate:"required"`
	CellID         string `json:"cell_id" validate:"required"`
	IPAddress      string `json:"ip_address" validate:"required,ipv4"`
	PlanID         string `json:"plan_id" validate:"required"`
	CpeID          string `json:"cpe_id" validate:"required"`
	RouterID       string `json:"router_id,omitempty"`
	MACAddress     string `json:"mac_address,omitempty" validate:"omitempty,mac"`
}

func (WirelessDraft) ConnectionType() ConnectionType { return ConnectionWireless }
func (d WirelessDraft) TargetCell() string           { return d.CellID }
func (WirelessDraft) isDraft()                       {}

// DecodeDraft decodes a draft of the given type from a JSON body
func DecodeDraft(t ConnectionType, body []byte) (ConnectionDraft, error) {
	switch t {
	case ConnectionFiber:
		var d FiberDraft
		if err := DecodeStrict(bytes.NewReader(body), &d); err != nil {
			return nil, err
		}
		return d, nil
	case ConnectionWireless:
		var d WirelessDraft
		if err := DecodeStrict(bytes.NewReader(body), &d); err != nil {
			return nil, err
		}
		return d, nil
	}
	return nil, NewValidationError("type", "unknown connection type %q", t)
}

// CreateCellRequest registers a new cell
type CreateCellRequest struct {
	Name       string             `json:"name" validate:"required,max=120"`
	CellType   CellType           `json:"cell_type" validate:"required,oneof=fiber_pppoe fiber_ipoe wireless"`
	Assignment AssignmentMethod   `json:"assignment" validate:"required,oneof=pppoe_distributed dhcp_pool static_addressing"`
	Router     DeviceCredentials  `json:"router"`
	OLT        *DeviceCredentials `json:"olt,omitempty" validate:"omitempty"`
	Ranges     []AddressRange     `json:"ranges" validate:"required,min=1,dive"`
	PlanIDs    []string           `json:"plan_ids,omitempty" validate:"omitempty,dive,required"`
}

// UpdateCellRequest patches a cell. Nil fields are left unchanged.
type UpdateCellRequest struct {
	Name       *string            `json:"name,omitempty" validate:"omitempty,min=1,max=120"`
	Assignment *AssignmentMethod  `json:"assignment,omitempty" validate:"omitempty,oneof=pppoe_distributed dhcp_pool static_addressing"`
	Router     *DeviceCredentials `json:"router,omitempty" validate:"omitempty"`
	OLT        *DeviceCredentials `json:"olt,omitempty" validate:"omitempty"`
	Ranges     []AddressRange     `json:"ranges,omitempty" validate:"omitempty,min=1,dive"`
	PlanIDs    []string           `json:"plan_ids,omitempty" validate:"omitempty,dive,required"`
}

// CreateZoneRequest adds an OLT zone to a fiber cell
type CreateZoneRequest struct {
	Name     string `json:"name" validate:"required,max=120"`
	SlotPort string `json:"slot_port,omitempty" validate:"omitempty,max=32"`
}

// CreateNapRequest adds a NAP to a zone
type CreateNapRequest struct {
	Name       string `json:"name" validate:"required,max=120"`
	Location   string `json:"location,omitempty" validate:"omitempty,max=255"`
	TotalPorts int    `json:"total_ports,omitempty" validate:"omitempty,min=1,max=128"`
}

// StatusUpdateRequest moves a connection through its lifecycle
type StatusUpdateRequest struct {
	Status ConnectionStatus `json:"status" validate:"required,oneof=pending_install pending_auth active suspended cancelled"`
}

// StartMonitorRequest starts a traffic monitor against a device. Either a
// cell is named, and its router is used, or credentials are given inline.
type StartMonitorRequest struct {
	CellID string             `json:"cell_id,omitempty"`
	Device *DeviceCredentials `json:"device,omitempty" validate:"omitempty"`
}
