package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"isp-network-api/internal/cascade"
	"isp-network-api/internal/device"
	"isp-network-api/internal/device/devicetest"
	"isp-network-api/internal/directory"
	"isp-network-api/internal/handlers"
	"isp-network-api/internal/metrics"
	"isp-network-api/internal/middleware"
	"isp-network-api/internal/models"
	"isp-network-api/internal/reconcile"
	"isp-network-api/internal/services"
	"isp-network-api/internal/traffic"
)

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
	Error   string          `json:"error"`
}

type testServer struct {
	t      *testing.T
	router http.Handler
	fake   *devicetest.FakeRouter
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := zap.NewNop()
	dir := directory.NewMemoryDirectory()
	fake := devicetest.NewFakeRouter("10.0.0.1")
	fake.Interfaces = []device.Interface{{Name: "ether2", Type: "ether", Running: true}}
	fake.Addresses = []device.IPAddress{{Address: "192.168.10.1/29", Interface: "ether2"}}
	fake.SetCounters([]device.InterfaceCounters{{Name: "ether2", TxBytes: 10, RxBytes: 10, Running: true}})
	dialer := devicetest.NewDialer(fake)

	m := metrics.New()
	require.NoError(t, m.Register(nil))

	monitors := traffic.NewManager(dialer, traffic.Config{PollInterval: 10 * time.Millisecond}, logger, m)
	t.Cleanup(monitors.StopAll)

	network := services.NewNetworkService(
		dir,
		cascade.NewAllocator(dir, logger, m),
		reconcile.NewReconciler(dir, dialer, device.NewDiscoveryCache(8, time.Minute), logger, m, time.Second),
		monitors,
		dialer,
		time.Second,
		logger,
		m,
	)
	h := handlers.NewHandler(services.NewTopologyService(dir, logger), network, logger)
	return &testServer{t: t, router: SetupRoutes(h, m, logger), fake: fake}
}

func (s *testServer) do(method, path string, body interface{}) (*httptest.ResponseRecorder, envelope) {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(s.t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	var env envelope
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(s.t, json.Unmarshal(rec.Body.Bytes(), &env))
	}
	return rec, env
}

func decode[T any](t *testing.T, env envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Data, &v))
	return v
}

// seed creates a fiber cell with one zone and a 4-port NAP
func (s *testServer) seed() (cell models.Cell, zone models.OltZone, nap models.Nap) {
	s.t.Helper()
	rec, env := s.do(http.MethodPost, "/api/v1/cells", map[string]interface{}{
		"name":       "North",
		"cell_type":  "fiber_pppoe",
		"assignment": "pppoe_distributed",
		"router":     map[string]interface{}{"kind": "routeros", "host": "10.0.0.1", "password": "secret"},
		"ranges":     []map[string]string{{"network": "192.168.10.0", "mask": "29"}},
	})
	require.Equal(s.t, http.StatusCreated, rec.Code, env.Message)
	cell = decode[models.Cell](s.t, env)

	rec, env = s.do(http.MethodPost, "/api/v1/cells/"+cell.ID+"/zones", map[string]string{"name": "Z1"})
	require.Equal(s.t, http.StatusCreated, rec.Code, env.Message)
	zone = decode[models.OltZone](s.t, env)

	rec, env = s.do(http.MethodPost, "/api/v1/zones/"+zone.ID+"/naps", map[string]interface{}{"name": "N1", "total_ports": 4})
	require.Equal(s.t, http.StatusCreated, rec.Code, env.Message)
	nap = decode[models.Nap](s.t, env)
	return cell, zone, nap
}

func fiberBody(cell models.Cell, zone models.OltZone, nap models.Nap, sub, ip string, port int) map[string]interface{} {
	return map[string]interface{}{
		"subscriber_id":   sub,
		"subscriber_name": "Subscriber " + sub,
		"cell_id":         cell.ID,
		"zone_id":         zone.ID,
		"nap_id":          nap.ID,
		"port_number":     port,
		"ip_address":      ip,
		"plan_id":         "plan-1",
	}
}

func TestHealthAndRequestID(t *testing.T) {
	s := newTestServer(t)

	rec, env := s.do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.Success)
	assert.NotEmpty(t, rec.Header().Get(middleware.RequestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(middleware.RequestIDHeader, "abc-123")
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	assert.Equal(t, "abc-123", rr.Header().Get(middleware.RequestIDHeader))
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	s.do(http.MethodGet, "/api/v1/cells", nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "isp_network_http_requests_total")
}

func TestCellsHideSecrets(t *testing.T) {
	s := newTestServer(t)
	cell, _, _ := s.seed()

	rec, env := s.do(http.MethodGet, "/api/v1/cells/"+cell.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, string(env.Data), "secret")

	rec, _ = s.do(http.MethodGet, "/api/v1/cells/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestErrorMapping(t *testing.T) {
	s := newTestServer(t)
	cell, zone, nap := s.seed()

	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
		status int
	}{
		{"unknown field", http.MethodPost, "/api/v1/cells", `{"name":"x","bogus":true}`, http.StatusBadRequest},
		{"malformed json", http.MethodPost, "/api/v1/cells/" + cell.ID + "/zones", `{"name":`, http.StatusBadRequest},
		{"bad range", http.MethodPatch, "/api/v1/cells/" + cell.ID, map[string]interface{}{
			"ranges": []map[string]string{{"network": "192.168.10.0", "mask": "40"}},
		}, http.StatusBadRequest},
		{"missing zone", http.MethodGet, "/api/v1/zones/nope/naps", nil, http.StatusNotFound},
		{"missing nap", http.MethodGet, "/api/v1/naps/nope/ports", nil, http.StatusNotFound},
		{"zone with naps", http.MethodDelete, "/api/v1/zones/" + zone.ID, nil, http.StatusBadRequest},
		{"port out of range", http.MethodPost, "/api/v1/connections/fiber", fiberBody(cell, zone, nap, "s1", "192.168.10.2", 9), http.StatusBadRequest},
		{"bad limit", http.MethodGet, "/api/v1/cells/" + cell.ID + "/addresses/free?limit=-1", nil, http.StatusBadRequest},
		{"unknown status filter", http.MethodGet, "/api/v1/connections?status=gone", nil, http.StatusBadRequest},
		{"monitor unreachable", http.MethodPost, "/api/v1/monitors", map[string]interface{}{
			"device": map[string]string{"kind": "routeros", "host": "10.9.9.9"},
		}, http.StatusBadGateway},
		{"probe unreachable", http.MethodPost, "/api/v1/devices/probe", map[string]string{"kind": "routeros", "host": "10.9.9.9"}, http.StatusBadGateway},
		{"missing monitor", http.MethodGet, "/api/v1/monitors/nope", nil, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, env := s.do(tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, rec.Code, env.Message)
			assert.False(t, env.Success)
		})
	}
}

func TestFiberConnectionFlow(t *testing.T) {
	s := newTestServer(t)
	cell, zone, nap := s.seed()

	rec, env := s.do(http.MethodPost, "/api/v1/connections/fiber", fiberBody(cell, zone, nap, "s1", "192.168.10.2", 1))
	require.Equal(t, http.StatusCreated, rec.Code, env.Message)
	conn := decode[models.Connection](t, env)
	assert.Equal(t, models.StatusPendingAuth, conn.Status)

	rec, env = s.do(http.MethodPost, "/api/v1/connections/fiber", fiberBody(cell, zone, nap, "s2", "192.168.10.3", 1))
	assert.Equal(t, http.StatusConflict, rec.Code, env.Message)

	rec, env = s.do(http.MethodGet, "/api/v1/naps/"+nap.ID+"/ports", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	ports := decode[[]models.NapPort](t, env)
	require.Len(t, ports, 3)
	assert.Equal(t, 2, ports[0].PortNumber)

	rec, env = s.do(http.MethodGet, "/api/v1/naps/"+nap.ID+"/ports?all=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]models.NapPort](t, env), 4)

	rec, env = s.do(http.MethodGet, "/api/v1/cells/"+cell.ID+"/addresses/free?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"192.168.10.1", "192.168.10.3"}, decode[[]string](t, env))

	rec, env = s.do(http.MethodPost, "/api/v1/connections/"+conn.ID+"/status", map[string]string{"status": "suspended"})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "pending_auth cannot be suspended")

	rec, env = s.do(http.MethodPost, "/api/v1/connections/"+conn.ID+"/status", map[string]string{"status": "active"})
	require.Equal(t, http.StatusOK, rec.Code, env.Message)

	rec, env = s.do(http.MethodGet, "/api/v1/connections?cell_id="+cell.ID+"&live=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]models.Connection](t, env), 1)

	rec, env = s.do(http.MethodPost, "/api/v1/connections/"+conn.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code, env.Message)
	assert.Equal(t, models.StatusCancelled, decode[models.Connection](t, env).Status)

	rec, env = s.do(http.MethodGet, "/api/v1/connections/"+conn.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.StatusCancelled, decode[models.Connection](t, env).Status)
}

func TestConnectionRealtime(t *testing.T) {
	s := newTestServer(t)
	cell, zone, nap := s.seed()

	body := fiberBody(cell, zone, nap, "s1", "192.168.10.2", 1)
	body["pppoe_username"] = "ana"
	rec, env := s.do(http.MethodPost, "/api/v1/connections/fiber", body)
	require.Equal(t, http.StatusCreated, rec.Code, env.Message)
	conn := decode[models.Connection](t, env)

	rec, env = s.do(http.MethodGet, "/api/v1/connections/"+conn.ID+"/realtime", nil)
	require.Equal(t, http.StatusOK, rec.Code, env.Message)
	assert.Equal(t, models.QueueMissing, decode[models.ConnectionRealtime](t, env).Status)

	s.fake.Queues = []device.Queue{{Name: "ana", Target: "192.168.10.2/32", Rate: "800/12000"}}
	rec, env = s.do(http.MethodGet, "/api/v1/connections/"+conn.ID+"/realtime", nil)
	require.Equal(t, http.StatusOK, rec.Code, env.Message)
	rt := decode[models.ConnectionRealtime](t, env)
	assert.Equal(t, models.QueueActive, rt.Status)
	assert.Equal(t, uint64(12000), rt.DownloadBps)

	s.fake.SetDown(true)
	rec, _ = s.do(http.MethodGet, "/api/v1/connections/"+conn.ID+"/realtime", nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	s.fake.SetDown(false)

	rec, _ = s.do(http.MethodGet, "/api/v1/connections/missing/realtime", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCellPoolEndpoints(t *testing.T) {
	s := newTestServer(t)
	cell, zone, nap := s.seed()
	rec, env := s.do(http.MethodPost, "/api/v1/connections/fiber", fiberBody(cell, zone, nap, "s1", "192.168.10.2", 1))
	require.Equal(t, http.StatusCreated, rec.Code, env.Message)

	rec, env = s.do(http.MethodGet, "/api/v1/cells/"+cell.ID+"/pool", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	report := decode[models.CellPoolReport](t, env)
	assert.True(t, report.Available)
	require.Len(t, report.Interfaces, 1)
	assert.Equal(t, 1, report.Interfaces[0].Pool.Occupied)

	s.fake.SetDown(true)
	rec, env = s.do(http.MethodGet, "/api/v1/cells/"+cell.ID+"/pool", nil)
	require.Equal(t, http.StatusOK, rec.Code, "unreachable router degrades, never 502")
	report = decode[models.CellPoolReport](t, env)
	assert.False(t, report.Available)
	assert.True(t, report.FromCache)

	rec, env = s.do(http.MethodGet, "/api/v1/cells/"+cell.ID+"/pool/configured", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	configured := decode[models.ConfiguredPoolReport](t, env)
	assert.Equal(t, 6, configured.Total)
	assert.Equal(t, 17, configured.PctUsed)
}

func TestMonitorLifecycle(t *testing.T) {
	s := newTestServer(t)

	rec, env := s.do(http.MethodPost, "/api/v1/monitors", map[string]interface{}{
		"device": map[string]string{"kind": "routeros", "host": "10.0.0.1"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, env.Message)
	info := decode[models.MonitorInfo](t, env)
	require.NotEmpty(t, info.ID)

	assert.Eventually(t, func() bool {
		rec, env := s.do(http.MethodGet, "/api/v1/monitors/"+info.ID, nil)
		if rec.Code != http.StatusOK {
			return false
		}
		return len(decode[models.TrafficSnapshot](t, env).Rates) == 1
	}, 2*time.Second, 10*time.Millisecond)

	rec, env = s.do(http.MethodGet, "/api/v1/monitors", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]models.MonitorInfo](t, env), 1)

	rec, _ = s.do(http.MethodDelete, "/api/v1/monitors/"+info.ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, _ = s.do(http.MethodDelete, "/api/v1/monitors/"+info.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMonitorStream(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	rec, env := s.do(http.MethodPost, "/api/v1/monitors", map[string]interface{}{
		"device": map[string]string{"kind": "routeros", "host": "10.0.0.1"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, env.Message)
	info := decode[models.MonitorInfo](t, env)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/monitors/" + info.ID + "/stream"
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer ws.Close()

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var snap models.TrafficSnapshot
	require.NoError(t, ws.ReadJSON(&snap))
	assert.Equal(t, info.ID, snap.MonitorID)

	rec, _ = s.do(http.MethodDelete, "/api/v1/monitors/"+info.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
			break
		}
	}
}

func TestProbeDevice(t *testing.T) {
	s := newTestServer(t)
	s.fake.Info = device.SystemInfo{Identity: "core-1", CPULoad: 7}

	rec, env := s.do(http.MethodPost, "/api/v1/devices/probe", map[string]string{"kind": "routeros", "host": "10.0.0.1"})
	require.Equal(t, http.StatusOK, rec.Code, env.Message)
	res := decode[services.ProbeResult](t, env)
	assert.True(t, res.Reachable)
	assert.Equal(t, "core-1", res.System.Identity)
}
