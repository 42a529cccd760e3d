package directory

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"isp-network-api/internal/database"
	"isp-network-api/internal/models"
)

type factory func(t *testing.T) Directory

func backends(t *testing.T) map[string]factory {
	b := map[string]factory{
		"memory": func(t *testing.T) Directory { return NewMemoryDirectory() },
		"sqlite": func(t *testing.T) Directory {
			dir, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "directory.sqlite"))
			require.NoError(t, err)
			t.Cleanup(func() { dir.Close(context.Background()) })
			return dir
		},
	}
	if uri := os.Getenv("ISP_NETWORK_TEST_MONGO_URI"); uri != "" {
		b["mongodb"] = func(t *testing.T) Directory {
			ctx := context.Background()
			name := fmt.Sprintf("isp_network_test_%d", time.Now().UnixNano())
			db, err := database.NewConnection(ctx, uri, name, zap.NewNop())
			require.NoError(t, err)
			dir, err := NewMongoDirectory(ctx, db, zap.NewNop())
			require.NoError(t, err)
			t.Cleanup(func() {
				_ = db.DB.Drop(ctx)
				_ = dir.Close(ctx)
			})
			return dir
		}
	}
	return b
}

func seedTopology(t *testing.T, dir Directory) (*models.Cell, *models.OltZone, *models.Nap) {
	ctx := context.Background()
	now := time.Now().UTC()
	cell := &models.Cell{
		ID: "cell-1", Name: "North", CellType: models.CellFiberPPPoE, Assignment: models.AssignPPPoEDistributed,
		Router: models.DeviceCredentials{Kind: models.DeviceRouterOS, Host: "10.0.0.1", Password: "pw"},
		OLT:    &models.DeviceCredentials{Kind: models.DeviceSNMP, Host: "10.0.0.2"},
		Ranges: []models.AddressRange{{Network: "192.168.10.0", Mask: "29"}},
		Active: true, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, dir.CreateCell(ctx, cell))

	zone := &models.OltZone{ID: "zone-1", CellID: cell.ID, Name: "Z1", SlotPort: "4/1", CreatedAt: now, UpdatedAt: now}
	require.NoError(t, dir.CreateZone(ctx, zone))

	nap := &models.Nap{ID: "nap-1", ZoneID: zone.ID, CellID: cell.ID, Name: "N1", TotalPorts: 8, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, dir.CreateNap(ctx, nap))
	return cell, zone, nap
}

func fiberConn(id, ip string, port int) *models.Connection {
	now := time.Now().UTC()
	return &models.Connection{
		ID: id, Type: models.ConnectionFiber, SubscriberID: "sub-" + id, SubscriberName: "Subscriber " + id,
		CellID: "cell-1", PlanID: "plan", IPAddress: ip, Status: models.StatusPendingAuth,
		ZoneID: "zone-1", NapID: "nap-1", PortNumber: port, Live: true, CreatedAt: now, UpdatedAt: now,
	}
}

func TestDirectoryBackends(t *testing.T) {
	for name, newDir := range backends(t) {
		t.Run(name, func(t *testing.T) {
			t.Run("topology", func(t *testing.T) { testTopology(t, newDir(t)) })
			t.Run("commit conflicts", func(t *testing.T) { testCommitConflicts(t, newDir(t)) })
			t.Run("concurrent commits", func(t *testing.T) { testConcurrentCommits(t, newDir(t)) })
			t.Run("status transitions", func(t *testing.T) { testStatusTransitions(t, newDir(t)) })
			t.Run("wireless cpe", func(t *testing.T) { testWirelessCPE(t, newDir(t)) })
			t.Run("wireless mac", func(t *testing.T) { testWirelessMAC(t, newDir(t)) })
		})
	}
}

func testTopology(t *testing.T, dir Directory) {
	ctx := context.Background()
	cell, zone, nap := seedTopology(t, dir)

	got, err := dir.GetCell(ctx, cell.ID)
	require.NoError(t, err)
	assert.Equal(t, "North", got.Name)
	assert.Equal(t, "pw", got.Router.Password)
	require.NotNil(t, got.OLT)
	assert.Equal(t, "10.0.0.2", got.OLT.Host)
	assert.Equal(t, cell.Ranges, got.Ranges)

	_, err = dir.GetCell(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)

	got.Name = "North-2"
	got.Active = false
	require.NoError(t, dir.UpdateCell(ctx, got))
	cells, err := dir.ListCells(ctx)
	require.NoError(t, err)
	require.Len(t, cells, 1)
	assert.Equal(t, "North-2", cells[0].Name)
	assert.False(t, cells[0].Active)

	zones, err := dir.ListZones(ctx, cell.ID)
	require.NoError(t, err)
	require.Len(t, zones, 1)
	assert.Equal(t, "4/1", zones[0].SlotPort)

	naps, err := dir.ListNaps(ctx, zone.ID)
	require.NoError(t, err)
	require.Len(t, naps, 1)
	assert.Equal(t, 8, naps[0].TotalPorts)

	gotNap, err := dir.GetNap(ctx, nap.ID)
	require.NoError(t, err)
	assert.Equal(t, zone.ID, gotNap.ZoneID)

	err = dir.DeleteZone(ctx, zone.ID)
	assert.ErrorIs(t, err, models.ErrValidation, "zone with NAPs cannot be deleted")

	empty := &models.OltZone{ID: "zone-2", CellID: cell.ID, Name: "Z2"}
	require.NoError(t, dir.CreateZone(ctx, empty))
	require.NoError(t, dir.DeleteZone(ctx, empty.ID))
	assert.ErrorIs(t, dir.DeleteZone(ctx, empty.ID), models.ErrNotFound)

	err = dir.CreateZone(ctx, &models.OltZone{ID: "zone-x", CellID: "missing", Name: "X"})
	assert.ErrorIs(t, err, models.ErrNotFound)
	err = dir.CreateNap(ctx, &models.Nap{ID: "nap-x", ZoneID: "missing", Name: "X", TotalPorts: 8})
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func testCommitConflicts(t *testing.T, dir Directory) {
	ctx := context.Background()
	seedTopology(t, dir)

	require.NoError(t, dir.CommitConnection(ctx, fiberConn("c1", "192.168.10.2", 1)))

	err := dir.CommitConnection(ctx, fiberConn("c2", "192.168.10.2", 2))
	assert.ErrorIs(t, err, models.ErrAllocationConflict, "same address")

	err = dir.CommitConnection(ctx, fiberConn("c3", "192.168.10.3", 1))
	assert.ErrorIs(t, err, models.ErrAllocationConflict, "same port")

	err = dir.CommitConnection(ctx, fiberConn("c1", "192.168.10.4", 4))
	assert.ErrorIs(t, err, models.ErrAllocationConflict, "same id")

	require.NoError(t, dir.CommitConnection(ctx, fiberConn("c4", "192.168.10.5", 3)))

	occ, err := dir.ListPortOccupancy(ctx, "nap-1")
	require.NoError(t, err)
	assert.Len(t, occ, 2)
	assert.Equal(t, "c1", occ[1].ConnectionID)
	assert.Equal(t, "c4", occ[3].ConnectionID)

	bindings, err := dir.ListBindingsForCell(ctx, "cell-1")
	require.NoError(t, err)
	require.Len(t, bindings, 2)
	assert.Equal(t, "192.168.10.2", bindings[0].Address)
}

func testConcurrentCommits(t *testing.T, dir Directory) {
	ctx := context.Background()
	seedTopology(t, dir)

	const attempts = 10
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		conflicts int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := dir.CommitConnection(ctx, fiberConn(fmt.Sprintf("race-%d", i), fmt.Sprintf("192.168.10.%d", 1+i%6), 5))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, models.ErrAllocationConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, attempts-1, conflicts)
}

func testStatusTransitions(t *testing.T, dir Directory) {
	ctx := context.Background()
	seedTopology(t, dir)
	require.NoError(t, dir.CommitConnection(ctx, fiberConn("c1", "192.168.10.2", 1)))

	conn, err := dir.UpdateConnectionStatus(ctx, "c1", models.StatusActive)
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, conn.Status)
	assert.True(t, conn.Live)

	_, err = dir.UpdateConnectionStatus(ctx, "c1", models.StatusPendingAuth)
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = dir.UpdateConnectionStatus(ctx, "missing", models.StatusActive)
	assert.ErrorIs(t, err, models.ErrNotFound)

	conn, err = dir.UpdateConnectionStatus(ctx, "c1", models.StatusCancelled)
	require.NoError(t, err)
	assert.False(t, conn.Live)

	// cancelled connections release address and port
	bindings, err := dir.ListBindingsForCell(ctx, "cell-1")
	require.NoError(t, err)
	assert.Empty(t, bindings)
	require.NoError(t, dir.CommitConnection(ctx, fiberConn("c2", "192.168.10.2", 1)))

	all, err := dir.ListConnections(ctx, models.ConnectionFilter{CellID: "cell-1"})
	require.NoError(t, err)
	assert.Len(t, all, 2)
	live, err := dir.ListConnections(ctx, models.ConnectionFilter{CellID: "cell-1", LiveOnly: true})
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, "c2", live[0].ID)
	cancelled, err := dir.ListConnections(ctx, models.ConnectionFilter{Status: models.StatusCancelled})
	require.NoError(t, err)
	require.Len(t, cancelled, 1)
	assert.Equal(t, "c1", cancelled[0].ID)
}

func testWirelessCPE(t *testing.T, dir Directory) {
	ctx := context.Background()
	now := time.Now().UTC()
	cell := &models.Cell{
		ID: "cell-1", Name: "Towers", CellType: models.CellWireless, Assignment: models.AssignStatic,
		Router: models.DeviceCredentials{Kind: models.DeviceRouterOS, Host: "10.0.0.1"},
		Ranges: []models.AddressRange{{Network: "10.10.0.0", Mask: "24"}},
		Active: true, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, dir.CreateCell(ctx, cell))

	wireless := func(id, ip, cpe string) *models.Connection {
		return &models.Connection{
			ID: id, Type: models.ConnectionWireless, SubscriberID: id, SubscriberName: id, CellID: cell.ID,
			PlanID: "p", IPAddress: ip, Status: models.StatusActive, CpeID: cpe, Live: true, CreatedAt: now, UpdatedAt: now,
		}
	}

	require.NoError(t, dir.CommitConnection(ctx, wireless("w1", "10.10.0.5", "cpe-1")))
	err := dir.CommitConnection(ctx, wireless("w2", "10.10.0.6", "cpe-1"))
	assert.ErrorIs(t, err, models.ErrAllocationConflict)
	require.NoError(t, dir.CommitConnection(ctx, wireless("w3", "10.10.0.6", "cpe-2")))

	got, err := dir.GetConnection(ctx, "w3")
	require.NoError(t, err)
	assert.Equal(t, "cpe-2", got.CpeID)
	assert.Zero(t, got.PortNumber)
}

func testWirelessMAC(t *testing.T, dir Directory) {
	ctx := context.Background()
	now := time.Now().UTC()
	cell := &models.Cell{
		ID: "cell-1", Name: "Towers", CellType: models.CellWireless, Assignment: models.AssignStatic,
		Router: models.DeviceCredentials{Kind: models.DeviceRouterOS, Host: "10.0.0.1"},
		Ranges: []models.AddressRange{{Network: "10.10.0.0", Mask: "24"}},
		Active: true, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, dir.CreateCell(ctx, cell))

	wireless := func(id string, host int, mac string) *models.Connection {
		return &models.Connection{
			ID: id, Type: models.ConnectionWireless, SubscriberID: id, SubscriberName: id, CellID: cell.ID,
			PlanID: "p", IPAddress: fmt.Sprintf("10.10.0.%d", host), Status: models.StatusActive,
			CpeID: "cpe-" + id, MACAddress: mac, Live: true, CreatedAt: now, UpdatedAt: now,
		}
	}

	// concurrent commits that differ only by MAC owner: exactly one wins
	const attempts = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		conflicts int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := dir.CommitConnection(ctx, wireless(fmt.Sprintf("w%d", i), 10+i, "aa:bb:cc:00:11:22"))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, models.ErrAllocationConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, successes)
	assert.Equal(t, attempts-1, conflicts)

	err := dir.CommitConnection(ctx, wireless("late", 40, "aa:bb:cc:00:11:22"))
	var conflict *models.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "mac_address", conflict.Resource)

	require.NoError(t, dir.CommitConnection(ctx, wireless("no-mac-1", 41, "")))
	require.NoError(t, dir.CommitConnection(ctx, wireless("no-mac-2", 42, "")))

	live, err := dir.ListConnections(ctx, models.ConnectionFilter{LiveOnly: true})
	require.NoError(t, err)
	for _, c := range live {
		if c.MACAddress != "" {
			_, err := dir.UpdateConnectionStatus(ctx, c.ID, models.StatusCancelled)
			require.NoError(t, err)
		}
	}
	require.NoError(t, dir.CommitConnection(ctx, wireless("reuse", 43, "aa:bb:cc:00:11:22")), "cancelled connections release the MAC")
}
