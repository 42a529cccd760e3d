package services

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"isp-network-api/internal/cascade"
	"isp-network-api/internal/device"
	"isp-network-api/internal/device/devicetest"
	"isp-network-api/internal/directory"
	"isp-network-api/internal/models"
	"isp-network-api/internal/reconcile"
	"isp-network-api/internal/traffic"
)

type env struct {
	dir      *directory.MemoryDirectory
	router   *devicetest.FakeRouter
	topology *TopologyService
	network  *NetworkService
}

func newEnv(t *testing.T) *env {
	t.Helper()
	logger := zap.NewNop()
	e := &env{
		dir:    directory.NewMemoryDirectory(),
		router: devicetest.NewFakeRouter("10.0.0.1"),
	}
	e.router.Info = device.SystemInfo{Identity: "core-1", Version: "7.14", CPULoad: 12}
	dialer := devicetest.NewDialer(e.router)
	monitors := traffic.NewManager(dialer, traffic.Config{PollInterval: 10 * time.Millisecond}, logger, nil)
	t.Cleanup(monitors.StopAll)

	e.topology = NewTopologyService(e.dir, logger)
	e.network = NewNetworkService(
		e.dir,
		cascade.NewAllocator(e.dir, logger, nil),
		reconcile.NewReconciler(e.dir, dialer, device.NewDiscoveryCache(8, time.Minute), logger, nil, time.Second),
		monitors,
		dialer,
		time.Second,
		logger,
		nil,
	)
	return e
}

func fiberCellRequest() *models.CreateCellRequest {
	return &models.CreateCellRequest{
		Name:       "North",
		CellType:   models.CellFiberPPPoE,
		Assignment: models.AssignPPPoEDistributed,
		Router:     models.DeviceCredentials{Kind: models.DeviceRouterOS, Host: "10.0.0.1"},
		Ranges:     []models.AddressRange{{Network: "192.168.10.0", Mask: "29"}},
	}
}

func TestCreateCell(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	cell, err := e.topology.CreateCell(ctx, fiberCellRequest())
	require.NoError(t, err)
	assert.NotEmpty(t, cell.ID)
	assert.True(t, cell.Active)

	stored, err := e.topology.GetCell(ctx, cell.ID)
	require.NoError(t, err)
	assert.Equal(t, "North", stored.Name)

	cells, err := e.topology.ListCells(ctx)
	require.NoError(t, err)
	assert.Len(t, cells, 1)
}

func TestCreateCellRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *models.CreateCellRequest)
		target error
	}{
		{"assignment not allowed", func(r *models.CreateCellRequest) { r.Assignment = models.AssignDHCPPool }, models.ErrValidation},
		{"missing name", func(r *models.CreateCellRequest) { r.Name = "" }, models.ErrValidation},
		{"no ranges", func(r *models.CreateCellRequest) { r.Ranges = nil }, models.ErrValidation},
		{"bad mask", func(r *models.CreateCellRequest) { r.Ranges[0].Mask = "33" }, models.ErrInvalidRange},
		{"overlapping ranges", func(r *models.CreateCellRequest) {
			r.Ranges = append(r.Ranges, models.AddressRange{Network: "192.168.10.0", Mask: "30"})
		}, models.ErrInvalidRange},
		{"olt on wireless", func(r *models.CreateCellRequest) {
			r.CellType = models.CellWireless
			r.Assignment = models.AssignStatic
			r.OLT = &models.DeviceCredentials{Kind: models.DeviceSNMP, Host: "10.0.0.2"}
		}, models.ErrValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			req := fiberCellRequest()
			tt.mutate(req)
			_, err := e.topology.CreateCell(context.Background(), req)
			assert.ErrorIs(t, err, tt.target)
		})
	}
}

func TestUpdateCellRechecksAssignment(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	cell, err := e.topology.CreateCell(ctx, fiberCellRequest())
	require.NoError(t, err)

	dhcp := models.AssignDHCPPool
	_, err = e.topology.UpdateCell(ctx, cell.ID, &models.UpdateCellRequest{Assignment: &dhcp})
	assert.ErrorIs(t, err, models.ErrValidation)

	name := "North 2"
	updated, err := e.topology.UpdateCell(ctx, cell.ID, &models.UpdateCellRequest{Name: &name})
	require.NoError(t, err)
	assert.Equal(t, "North 2", updated.Name)
	assert.Equal(t, models.AssignPPPoEDistributed, updated.Assignment)

	_, err = e.topology.UpdateCell(ctx, "missing", &models.UpdateCellRequest{Name: &name})
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestDeactivateCell(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	cell, err := e.topology.CreateCell(ctx, fiberCellRequest())
	require.NoError(t, err)

	cell, err = e.topology.DeactivateCell(ctx, cell.ID)
	require.NoError(t, err)
	assert.False(t, cell.Active)

	cell, err = e.topology.DeactivateCell(ctx, cell.ID)
	require.NoError(t, err)
	assert.False(t, cell.Active)
}

func TestZonesAndNaps(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	cell, err := e.topology.CreateCell(ctx, fiberCellRequest())
	require.NoError(t, err)

	zone, err := e.topology.CreateZone(ctx, cell.ID, &models.CreateZoneRequest{Name: "Z1", SlotPort: "0/1"})
	require.NoError(t, err)

	nap, err := e.topology.CreateNap(ctx, zone.ID, &models.CreateNapRequest{Name: "N1"})
	require.NoError(t, err)
	assert.Equal(t, models.DefaultNapPorts, nap.TotalPorts)
	assert.Equal(t, cell.ID, nap.CellID)

	_, err = e.topology.CreateNap(ctx, zone.ID, &models.CreateNapRequest{Name: "N2", TotalPorts: 200})
	assert.ErrorIs(t, err, models.ErrValidation)

	ports, err := e.network.Ports(ctx, nap.ID, false)
	require.NoError(t, err)
	assert.Len(t, ports, models.DefaultNapPorts)

	zones, err := e.network.Zones(ctx, cell.ID)
	require.NoError(t, err)
	require.Len(t, zones, 1)
	assert.Equal(t, 1, zones[0].NapCount)

	err = e.topology.DeleteZone(ctx, zone.ID)
	assert.ErrorIs(t, err, models.ErrValidation, "zone with NAPs cannot be deleted")

	empty, err := e.topology.CreateZone(ctx, cell.ID, &models.CreateZoneRequest{Name: "Z2"})
	require.NoError(t, err)
	require.NoError(t, e.topology.DeleteZone(ctx, empty.ID))
	assert.ErrorIs(t, e.topology.DeleteZone(ctx, empty.ID), models.ErrNotFound)
}

func TestCreateZoneOnWirelessCell(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	req := fiberCellRequest()
	req.CellType = models.CellWireless
	req.Assignment = models.AssignStatic
	cell, err := e.topology.CreateCell(ctx, req)
	require.NoError(t, err)

	_, err = e.topology.CreateZone(ctx, cell.ID, &models.CreateZoneRequest{Name: "Z"})
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestCreateConnectionFromBody(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	cell, err := e.topology.CreateCell(ctx, fiberCellRequest())
	require.NoError(t, err)
	zone, err := e.topology.CreateZone(ctx, cell.ID, &models.CreateZoneRequest{Name: "Z1"})
	require.NoError(t, err)
	nap, err := e.topology.CreateNap(ctx, zone.ID, &models.CreateNapRequest{Name: "N1", TotalPorts: 4})
	require.NoError(t, err)

	body := []byte(`{"subscriber_id":"s1","subscriber_name":"Ana","cell_id":"` + cell.ID +
		`","zone_id":"` + zone.ID + `","nap_id":"` + nap.ID +
		`","port_number":2,"ip_address":"192.168.10.2","plan_id":"p1"}`)

	conn, err := e.network.CreateConnection(ctx, models.ConnectionFiber, body)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPendingAuth, conn.Status)

	_, err = e.network.CreateConnection(ctx, models.ConnectionFiber, body)
	assert.ErrorIs(t, err, models.ErrAllocationConflict)

	_, err = e.network.CreateConnection(ctx, models.ConnectionFiber, []byte(`{"bogus":1}`))
	assert.ErrorIs(t, err, models.ErrValidation)

	active, err := e.network.UpdateStatus(ctx, conn.ID, &models.StatusUpdateRequest{Status: models.StatusActive})
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, active.Status)

	cancelled, err := e.network.CancelConnection(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, cancelled.Status)

	free, err := e.network.FreeAddresses(ctx, cell.ID, 0)
	require.NoError(t, err)
	assert.Contains(t, free, "192.168.10.2")
}

func TestProbeDevice(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	res, err := e.network.ProbeDevice(ctx, models.DeviceCredentials{Kind: models.DeviceRouterOS, Host: "10.0.0.1"})
	require.NoError(t, err)
	assert.True(t, res.Reachable)
	assert.Equal(t, "core-1", res.System.Identity)
	assert.False(t, res.CheckedAt.IsZero())

	res, err = e.network.ProbeDevice(ctx, models.DeviceCredentials{Kind: models.DeviceRouterOS, Host: "10.9.9.9"})
	require.NoError(t, err)
	assert.False(t, res.Reachable)
	assert.NotEmpty(t, res.Error)

	_, err = e.network.ProbeDevice(ctx, models.DeviceCredentials{Kind: "ssh"})
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestStartMonitorTargets(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	cell, err := e.topology.CreateCell(ctx, fiberCellRequest())
	require.NoError(t, err)

	info, err := e.network.StartMonitor(ctx, &models.StartMonitorRequest{CellID: cell.ID})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", info.Host)

	snap, err := e.network.MonitorSnapshot(info.ID)
	require.NoError(t, err)
	assert.NotNil(t, snap.Rates)
	assert.Len(t, e.network.Monitors(), 1)

	require.NoError(t, e.network.StopMonitor(info.ID))
	_, err = e.network.MonitorSnapshot(info.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = e.network.StartMonitor(ctx, &models.StartMonitorRequest{})
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = e.network.StartMonitor(ctx, &models.StartMonitorRequest{
		CellID: cell.ID,
		Device: &models.DeviceCredentials{Kind: models.DeviceRouterOS, Host: "10.0.0.1"},
	})
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = e.network.StartMonitor(ctx, &models.StartMonitorRequest{CellID: "missing"})
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = e.network.StartMonitor(ctx, &models.StartMonitorRequest{
		Device: &models.DeviceCredentials{Kind: models.DeviceRouterOS, Host: "10.9.9.9"},
	})
	assert.ErrorIs(t, err, models.ErrDeviceUnreachable)
}

func TestCellPoolDegradesWhenUnreachable(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	cell, err := e.topology.CreateCell(ctx, fiberCellRequest())
	require.NoError(t, err)
	e.router.SetDown(true)

	report, err := e.network.CellPool(ctx, cell.ID)
	require.NoError(t, err)
	assert.False(t, report.Available)

	configured, err := e.network.ConfiguredPool(ctx, cell.ID)
	require.NoError(t, err)
	assert.Equal(t, 6, configured.Total)
}

func TestConnectionRealtime(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	cell, err := e.topology.CreateCell(ctx, fiberCellRequest())
	require.NoError(t, err)
	zone, err := e.topology.CreateZone(ctx, cell.ID, &models.CreateZoneRequest{Name: "Z1"})
	require.NoError(t, err)
	nap, err := e.topology.CreateNap(ctx, zone.ID, &models.CreateNapRequest{Name: "N1", TotalPorts: 4})
	require.NoError(t, err)

	fiber := func(port int, ip, user string) *models.Connection {
		body := []byte(`{"subscriber_id":"s` + ip + `","subscriber_name":"Ana","cell_id":"` + cell.ID +
			`","zone_id":"` + zone.ID + `","nap_id":"` + nap.ID + `","port_number":` + strconv.Itoa(port) +
			`,"ip_address":"` + ip + `","plan_id":"p1","pppoe_username":"` + user + `"}`)
		conn, err := e.network.CreateConnection(ctx, models.ConnectionFiber, body)
		require.NoError(t, err)
		return conn
	}
	conn := fiber(1, "192.168.10.2", "ana.perez")

	e.router.Queues = []device.Queue{
		{Name: "ana.perez-old", Target: "192.168.10.6/32", Rate: "1/1"},
		{Name: "ANA.PEREZ", Target: "192.168.10.2/32", MaxLimit: "10M/20M", Rate: "1500/64000"},
	}
	rt, err := e.network.ConnectionRealtime(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueActive, rt.Status)
	assert.Equal(t, "ANA.PEREZ", rt.QueueName, "exact name wins over a partial one")
	assert.Equal(t, "ana.perez", rt.Target)
	assert.Equal(t, uint64(1500), rt.UploadBps)
	assert.Equal(t, uint64(64000), rt.DownloadBps)
	assert.Equal(t, "10M/20M", rt.MaxLimit)
	assert.False(t, rt.Timestamp.IsZero())

	e.router.Queues = []device.Queue{{Name: "bob", Target: "192.168.10.3/32", Rate: "5/5"}}
	rt, err = e.network.ConnectionRealtime(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueMissing, rt.Status)
	assert.Empty(t, rt.QueueName)
	assert.Zero(t, rt.UploadBps)
	assert.Zero(t, rt.DownloadBps)

	noUser := fiber(2, "192.168.10.3", "")
	_, err = e.network.ConnectionRealtime(ctx, noUser.ID)
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = e.network.ConnectionRealtime(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)

	e.router.SetDown(true)
	_, err = e.network.ConnectionRealtime(ctx, conn.ID)
	assert.ErrorIs(t, err, models.ErrDeviceUnreachable)
	e.router.SetDown(false)

	_, err = e.network.CancelConnection(ctx, conn.ID)
	require.NoError(t, err)
	_, err = e.network.ConnectionRealtime(ctx, conn.ID)
	assert.ErrorIs(t, err, models.ErrValidation, "cancelled connections have no live queue")
}

func TestConnectionRealtimeWireless(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	req := fiberCellRequest()
	req.Name = "Towers"
	req.CellType = models.CellWireless
	req.Assignment = models.AssignStatic
	req.Ranges = []models.AddressRange{{Network: "10.20.0.0", Mask: "24"}}
	cell, err := e.topology.CreateCell(ctx, req)
	require.NoError(t, err)

	body := []byte(`{"subscriber_id":"w1","subscriber_name":"Luis","cell_id":"` + cell.ID +
		`","ip_address":"10.20.0.5","plan_id":"p1","cpe_id":"cpe-1"}`)
	conn, err := e.network.CreateConnection(ctx, models.ConnectionWireless, body)
	require.NoError(t, err)

	e.router.Queues = []device.Queue{
		{Name: "tower-a", Target: "10.20.0.50/32", Rate: "9/9"},
		{Name: "luis", Target: "10.20.0.4/32, 10.20.0.5/32", Rate: "2000/8000", Disabled: true},
	}
	rt, err := e.network.ConnectionRealtime(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueActive, rt.Status)
	assert.Equal(t, "luis", rt.QueueName)
	assert.Equal(t, "10.20.0.5", rt.Target)
	assert.Equal(t, uint64(2000), rt.UploadBps)
	assert.Equal(t, uint64(8000), rt.DownloadBps)
	assert.True(t, rt.Disabled)
}
