// Package device holds the read-only clients used to query routers and OLTs.
package device

import (
	"context"
	"strconv"
	"strings"
	"time"

	"isp-network-api/internal/models"
	"isp-network-api/internal/utils"
)

// Interface is a network interface as reported by a device
type Interface struct {
	Name       string `json:"name"`
	Type       string `json:"type,omitempty"`
	MACAddress string `json:"mac_address,omitempty"`
	Running    bool   `json:"running"`
	Disabled   bool   `json:"disabled"`
	Comment    string `json:"comment,omitempty"`
}

// IPAddress is an address configured on an interface, in CIDR notation
type IPAddress struct {
	Address   string `json:"address"`
	Network   string `json:"network,omitempty"`
	Interface string `json:"interface"`
	Disabled  bool   `json:"disabled"`
	Dynamic   bool   `json:"dynamic"`
}

// InterfaceCounters is a cumulative byte counter sample of one interface
type InterfaceCounters struct {
	Name    string `json:"name"`
	TxBytes uint64 `json:"tx_bytes"`
	RxBytes uint64 `json:"rx_bytes"`
	Running bool   `json:"running"`
}

// PPPSecret is a configured PPPoE account
type PPPSecret struct {
	Name          string `json:"name"`
	Profile       string `json:"profile,omitempty"`
	RemoteAddress string `json:"remote_address,omitempty"`
	Disabled      bool   `json:"disabled"`
}

// PPPSession is an established PPPoE session
type PPPSession struct {
	Name     string `json:"name"`
	Address  string `json:"address"`
	CallerID string `json:"caller_id,omitempty"`
	Uptime   string `json:"uptime,omitempty"`
}

// Queue is a simple queue shaping one target
type Queue struct {
	Name     string `json:"name"`
	Target   string `json:"target"`
	MaxLimit string `json:"max_limit,omitempty"`
	// Rate is the current "upload/download" throughput in bits per second
	Rate     string `json:"rate,omitempty"`
	Disabled bool   `json:"disabled"`
}

// Addresses returns the single hosts the queue targets
func (q Queue) Addresses() []string {
	var out []string
	for _, target := range strings.Split(q.Target, ",") {
		target = strings.TrimSuffix(strings.TrimSpace(target), "/32")
		if ip := utils.NormalizeIP(target); ip != "" {
			out = append(out, ip)
		}
	}
	return out
}

// Throughput parses Rate. Missing or malformed halves read as zero.
func (q Queue) Throughput() (upload, download uint64) {
	up, down, _ := strings.Cut(q.Rate, "/")
	upload, _ = strconv.ParseUint(strings.TrimSpace(up), 10, 64)
	download, _ = strconv.ParseUint(strings.TrimSpace(down), 10, 64)
	return upload, download
}

// SystemInfo is the identity and load of a device
type SystemInfo struct {
	Identity    string `json:"identity,omitempty"`
	Version     string `json:"version,omitempty"`
	Board       string `json:"board,omitempty"`
	Uptime      string `json:"uptime,omitempty"`
	CPULoad     int    `json:"cpu_load"`
	FreeMemory  uint64 `json:"free_memory,omitempty"`
	TotalMemory uint64 `json:"total_memory,omitempty"`
}

// Client is the read side shared by routers and OLTs. All methods return a
// *models.DeviceError on transport failure.
type Client interface {
	Host() string
	TestConnection(ctx context.Context) error
	SystemInfo(ctx context.Context) (*SystemInfo, error)
	ListInterfaces(ctx context.Context) ([]Interface, error)
	ListIPAddresses(ctx context.Context) ([]IPAddress, error)
	TrafficSnapshot(ctx context.Context) ([]InterfaceCounters, error)
	Close() error
}

// RouterClient adds the subscriber-facing tables only routers expose
type RouterClient interface {
	Client
	ListPPPSecrets(ctx context.Context) ([]PPPSecret, error)
	ListPPPSessions(ctx context.Context) ([]PPPSession, error)
	ListQueues(ctx context.Context) ([]Queue, error)
}

// Dialer opens a client for the given credentials
type Dialer interface {
	Dial(ctx context.Context, creds models.DeviceCredentials) (Client, error)
}

// DialerFunc adapts a function to the Dialer interface
type DialerFunc func(ctx context.Context, creds models.DeviceCredentials) (Client, error)

func (f DialerFunc) Dial(ctx context.Context, creds models.DeviceCredentials) (Client, error) {
	return f(ctx, creds)
}

// NetDialer picks the protocol adapter by credential kind
type NetDialer struct {
	Timeout time.Duration
	Retries int
}

// NewNetDialer creates a dialer with the given per-operation timeout
func NewNetDialer(timeout time.Duration, retries int) *NetDialer {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &NetDialer{Timeout: timeout, Retries: retries}
}

func (d *NetDialer) Dial(ctx context.Context, creds models.DeviceCredentials) (Client, error) {
	switch creds.Kind {
	case models.DeviceRouterOS, "":
		return DialRouterOS(ctx, creds, d.Timeout)
	case models.DeviceSNMP:
		return DialSNMP(ctx, creds, d.Timeout, d.Retries)
	}
	return nil, models.NewValidationError("kind", "unsupported device kind %q", creds.Kind)
}

func deviceErr(host, op string, err error) error {
	return &models.DeviceError{Host: host, Op: op, Err: err}
}
