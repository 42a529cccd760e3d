// Package devicetest provides an in-memory router for tests.
package devicetest

import (
	"context"
	"errors"
	"sync"

	"isp-network-api/internal/device"
	"isp-network-api/internal/models"
)

// ErrUnreachable is the transport error a FakeRouter reports when Down is set.
var ErrUnreachable = errors.New("connection refused")

// FakeRouter implements device.RouterClient from fixed tables
type FakeRouter struct {
	mu sync.Mutex

	HostName   string
	Down       bool
	Interfaces []device.Interface
	Addresses  []device.IPAddress
	Counters   []device.InterfaceCounters
	Sessions   []device.PPPSession
	Secrets    []device.PPPSecret
	Queues     []device.Queue
	Info       device.SystemInfo

	// FailSessions makes ListPPPSessions fail while the rest still works.
	FailSessions bool

	Calls  int
	Closed bool
}

// NewFakeRouter creates a reachable router named host
func NewFakeRouter(host string) *FakeRouter {
	return &FakeRouter{HostName: host}
}

func (f *FakeRouter) check(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls++
	if f.Down {
		return &models.DeviceError{Host: f.HostName, Op: op, Err: ErrUnreachable}
	}
	return nil
}

func (f *FakeRouter) isDown() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Down
}

// SetDown toggles reachability
func (f *FakeRouter) SetDown(down bool) {
	f.mu.Lock()
	f.Down = down
	f.mu.Unlock()
}

// SetCounters replaces the traffic counters returned by the next snapshot
func (f *FakeRouter) SetCounters(c []device.InterfaceCounters) {
	f.mu.Lock()
	f.Counters = append([]device.InterfaceCounters(nil), c...)
	f.mu.Unlock()
}

func (f *FakeRouter) Host() string { return f.HostName }

func (f *FakeRouter) TestConnection(ctx context.Context) error {
	return f.check("identity")
}

func (f *FakeRouter) SystemInfo(ctx context.Context) (*device.SystemInfo, error) {
	if err := f.check("resource"); err != nil {
		return nil, err
	}
	info := f.Info
	return &info, nil
}

func (f *FakeRouter) ListInterfaces(ctx context.Context) ([]device.Interface, error) {
	if err := f.check("interfaces"); err != nil {
		return nil, err
	}
	return append([]device.Interface(nil), f.Interfaces...), nil
}

func (f *FakeRouter) ListIPAddresses(ctx context.Context) ([]device.IPAddress, error) {
	if err := f.check("addresses"); err != nil {
		return nil, err
	}
	return append([]device.IPAddress(nil), f.Addresses...), nil
}

func (f *FakeRouter) TrafficSnapshot(ctx context.Context) ([]device.InterfaceCounters, error) {
	if err := f.check("traffic"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]device.InterfaceCounters(nil), f.Counters...), nil
}

func (f *FakeRouter) ListPPPSecrets(ctx context.Context) ([]device.PPPSecret, error) {
	if err := f.check("ppp-secrets"); err != nil {
		return nil, err
	}
	return append([]device.PPPSecret(nil), f.Secrets...), nil
}

func (f *FakeRouter) ListPPPSessions(ctx context.Context) ([]device.PPPSession, error) {
	if err := f.check("ppp-active"); err != nil {
		return nil, err
	}
	if f.FailSessions {
		return nil, &models.DeviceError{Host: f.HostName, Op: "ppp-active", Err: errors.New("no such command")}
	}
	return append([]device.PPPSession(nil), f.Sessions...), nil
}

func (f *FakeRouter) ListQueues(ctx context.Context) ([]device.Queue, error) {
	if err := f.check("queues"); err != nil {
		return nil, err
	}
	return append([]device.Queue(nil), f.Queues...), nil
}

func (f *FakeRouter) Close() error {
	f.mu.Lock()
	f.Closed = true
	f.mu.Unlock()
	return nil
}

// Dialer hands out registered fakes by host. Unknown hosts fail to dial.
type Dialer struct {
	mu      sync.Mutex
	routers map[string]*FakeRouter
	Dials   int
}

// NewDialer registers the given routers
func NewDialer(routers ...*FakeRouter) *Dialer {
	d := &Dialer{routers: make(map[string]*FakeRouter)}
	for _, r := range routers {
		d.routers[r.HostName] = r
	}
	return d
}

// Add registers another router
func (d *Dialer) Add(r *FakeRouter) {
	d.mu.Lock()
	d.routers[r.HostName] = r
	d.mu.Unlock()
}

func (d *Dialer) Dial(ctx context.Context, creds models.DeviceCredentials) (device.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Dials++
	r, ok := d.routers[creds.Host]
	if !ok || r.isDown() {
		return nil, &models.DeviceError{Host: creds.Host, Op: "dial", Err: ErrUnreachable}
	}
	return r, nil
}
