package services

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"isp-network-api/internal/cascade"
	"isp-network-api/internal/device"
	"isp-network-api/internal/directory"
	"isp-network-api/internal/metrics"
	"isp-network-api/internal/models"
	"isp-network-api/internal/reconcile"
	"isp-network-api/internal/traffic"
)

// ProbeResult is the outcome of a device reachability check
type ProbeResult struct {
	Host      string             `json:"host"`
	Kind      models.DeviceKind  `json:"kind"`
	Reachable bool               `json:"reachable"`
	LatencyMS int64              `json:"latency_ms"`
	System    *device.SystemInfo `json:"system,omitempty"`
	Error     string             `json:"error,omitempty"`
	CheckedAt time.Time          `json:"checked_at"`
}

// NetworkService is the entry point of the HTTP layer into allocation,
// reconciliation and traffic monitoring
type NetworkService struct {
	dir        directory.Directory
	allocator  *cascade.Allocator
	reconciler *reconcile.Reconciler
	monitors   *traffic.Manager
	dialer     device.Dialer
	timeout    time.Duration
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

func NewNetworkService(
	dir directory.Directory,
	allocator *cascade.Allocator,
	reconciler *reconcile.Reconciler,
	monitors *traffic.Manager,
	dialer device.Dialer,
	timeout time.Duration,
	logger *zap.Logger,
	m *metrics.Metrics,
) *NetworkService {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &NetworkService{
		dir:        dir,
		allocator:  allocator,
		reconciler: reconciler,
		monitors:   monitors,
		dialer:     dialer,
		timeout:    timeout,
		logger:     logger,
		metrics:    m,
	}
}

// TestConnection checks the directory backend
func (s *NetworkService) TestConnection(ctx context.Context) error {
	s.logger.Debug("Testing directory connection")
	if err := s.dir.Ping(ctx); err != nil {
		s.logger.Error("Directory connection test failed", zap.Error(err))
		return err
	}
	return nil
}

// CellPool reconciles the cell's router with its bindings
func (s *NetworkService) CellPool(ctx context.Context, cellID string) (*models.CellPoolReport, error) {
	return s.reconciler.Reconcile(ctx, cellID)
}

// ConfiguredPool reports occupancy of the cell's configured ranges only
func (s *NetworkService) ConfiguredPool(ctx context.Context, cellID string) (*models.ConfiguredPoolReport, error) {
	return s.reconciler.ConfiguredPool(ctx, cellID)
}

func (s *NetworkService) Zones(ctx context.Context, cellID string) ([]models.ZoneSummary, error) {
	return s.allocator.Zones(ctx, cellID)
}

// Naps lists the NAPs of a zone; unless all is set only those with a free port
func (s *NetworkService) Naps(ctx context.Context, zoneID string, all bool) ([]models.NapSummary, error) {
	if all {
		return s.allocator.AllNaps(ctx, zoneID)
	}
	return s.allocator.Naps(ctx, zoneID)
}

func (s *NetworkService) Ports(ctx context.Context, napID string, all bool) ([]models.NapPort, error) {
	return s.allocator.Ports(ctx, napID, all)
}

func (s *NetworkService) FreeAddresses(ctx context.Context, cellID string, limit int) ([]string, error) {
	return s.allocator.FreeAddresses(ctx, cellID, limit)
}

// CreateConnection decodes a draft of kind t and commits it
func (s *NetworkService) CreateConnection(ctx context.Context, t models.ConnectionType, body []byte) (*models.Connection, error) {
	draft, err := models.DecodeDraft(t, body)
	if err != nil {
		s.logger.Info("Connection draft rejected", zap.String("type", string(t)), zap.Error(err))
		return nil, err
	}
	return s.allocator.Commit(ctx, draft)
}

func (s *NetworkService) Connection(ctx context.Context, id string) (*models.Connection, error) {
	return s.allocator.Connection(ctx, id)
}

func (s *NetworkService) Connections(ctx context.Context, filter models.ConnectionFilter) ([]models.Connection, error) {
	return s.allocator.Connections(ctx, filter)
}

// UpdateStatus moves a connection through its lifecycle
func (s *NetworkService) UpdateStatus(ctx context.Context, id string, req *models.StatusUpdateRequest) (*models.Connection, error) {
	if err := models.Validate(req); err != nil {
		return nil, err
	}
	return s.allocator.Transition(ctx, id, req.Status)
}

func (s *NetworkService) CancelConnection(ctx context.Context, id string) (*models.Connection, error) {
	return s.allocator.Cancel(ctx, id)
}

// ConnectionRealtime reads the current rate of the simple queue shaping a
// live connection: by PPPoE username for fiber, by address for wireless.
// A connection without a matching queue reports status no_queue.
func (s *NetworkService) ConnectionRealtime(ctx context.Context, id string) (*models.ConnectionRealtime, error) {
	conn, err := s.allocator.Connection(ctx, id)
	if err != nil {
		return nil, err
	}
	if !conn.Live {
		return nil, models.NewValidationError("connection", "connection %s is %s", conn.ID, conn.Status)
	}
	target := conn.IPAddress
	if conn.Type == models.ConnectionFiber {
		if conn.PPPoEUsername == "" {
			return nil, models.NewValidationError("pppoe_username", "fiber connection %s has no PPPoE username", conn.ID)
		}
		target = conn.PPPoEUsername
	}
	cell, err := s.dir.GetCell(ctx, conn.CellID)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	start := time.Now()
	client, err := s.dialer.Dial(ctx, cell.Router)
	if err != nil {
		s.metrics.RecordDeviceRequest("realtime", err, time.Since(start))
		return nil, err
	}
	defer client.Close()
	router, ok := client.(device.RouterClient)
	if !ok {
		return nil, models.NewValidationError("router", "device %s of cell %s has no queues", cell.Router.Host, cell.ID)
	}
	queues, err := router.ListQueues(ctx)
	s.metrics.RecordDeviceRequest("realtime", err, time.Since(start))
	if err != nil {
		s.logger.Warn("Queue read failed", zap.String("connection_id", conn.ID), zap.String("host", cell.Router.Host), zap.Error(err))
		return nil, err
	}

	rt := &models.ConnectionRealtime{
		ConnectionID:   conn.ID,
		ConnectionType: conn.Type,
		SubscriberName: conn.SubscriberName,
		IPAddress:      conn.IPAddress,
		Target:         target,
		Status:         models.QueueMissing,
		Timestamp:      time.Now().UTC(),
	}
	q := matchQueue(queues, conn.Type, target)
	if q == nil {
		s.logger.Debug("No queue for connection", zap.String("connection_id", conn.ID), zap.String("target", target))
		return rt, nil
	}
	rt.Status = models.QueueActive
	rt.QueueName = q.Name
	rt.UploadBps, rt.DownloadBps = q.Throughput()
	rt.MaxLimit = q.MaxLimit
	rt.Disabled = q.Disabled
	return rt, nil
}

// matchQueue finds the queue of a fiber username, preferring an exact name
// over one that merely contains it, or the queue targeting a wireless address
func matchQueue(queues []device.Queue, t models.ConnectionType, target string) *device.Queue {
	if t == models.ConnectionFiber {
		var partial *device.Queue
		for i := range queues {
			name := strings.ToLower(queues[i].Name)
			switch {
			case name == strings.ToLower(target):
				return &queues[i]
			case partial == nil && strings.Contains(name, strings.ToLower(target)):
				partial = &queues[i]
			}
		}
		return partial
	}
	for i := range queues {
		for _, ip := range queues[i].Addresses() {
			if ip == target {
				return &queues[i]
			}
		}
	}
	return nil
}

// monitorTarget resolves the device a monitor request points at
func (s *NetworkService) monitorTarget(ctx context.Context, req *models.StartMonitorRequest) (models.DeviceCredentials, error) {
	switch {
	case req.Device != nil && req.CellID != "":
		return models.DeviceCredentials{}, models.NewValidationError("device", "give either cell_id or device, not both")
	case req.Device != nil:
		return *req.Device, nil
	case req.CellID != "":
		cell, err := s.dir.GetCell(ctx, req.CellID)
		if err != nil {
			return models.DeviceCredentials{}, err
		}
		return cell.Router, nil
	}
	return models.DeviceCredentials{}, models.NewValidationError("device", "cell_id or device is required")
}

// StartMonitor starts polling a device for interface traffic
func (s *NetworkService) StartMonitor(ctx context.Context, req *models.StartMonitorRequest) (models.MonitorInfo, error) {
	creds, err := s.monitorTarget(ctx, req)
	if err != nil {
		return models.MonitorInfo{}, err
	}
	mon, err := s.monitors.Start(ctx, creds)
	if err != nil {
		return models.MonitorInfo{}, err
	}
	return mon.Info(), nil
}

// MonitorSnapshot returns the last rates of a monitor
func (s *NetworkService) MonitorSnapshot(id string) (models.TrafficSnapshot, error) {
	mon, err := s.monitors.Get(id)
	if err != nil {
		return models.TrafficSnapshot{}, err
	}
	snap, _ := mon.Latest()
	if snap.Rates == nil {
		snap.Rates = []models.TrafficRate{}
	}
	return snap, nil
}

// Monitor returns a running monitor for streaming
func (s *NetworkService) Monitor(id string) (*traffic.Monitor, error) {
	return s.monitors.Get(id)
}

func (s *NetworkService) Monitors() []models.MonitorInfo {
	return s.monitors.List()
}

func (s *NetworkService) StopMonitor(id string) error {
	return s.monitors.Stop(id)
}

// ProbeDevice checks that a device answers and reads its system info. An
// unreachable device is reported in the result, not as an error.
func (s *NetworkService) ProbeDevice(ctx context.Context, creds models.DeviceCredentials) (*ProbeResult, error) {
	if err := models.Validate(creds); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res := &ProbeResult{Host: creds.Host, Kind: creds.Kind}
	start := time.Now()
	defer func() {
		res.LatencyMS = time.Since(start).Milliseconds()
		res.CheckedAt = time.Now().UTC()
	}()

	client, err := s.dialer.Dial(ctx, creds)
	if err != nil {
		s.metrics.RecordDeviceRequest("probe", err, time.Since(start))
		s.logger.Warn("Device probe failed", zap.String("host", creds.Host), zap.Error(err))
		res.Error = err.Error()
		return res, nil
	}
	defer client.Close()

	info, err := client.SystemInfo(ctx)
	s.metrics.RecordDeviceRequest("probe", err, time.Since(start))
	if err != nil {
		s.logger.Warn("Device probe failed", zap.String("host", creds.Host), zap.Error(err))
		res.Error = err.Error()
		return res, nil
	}
	res.Reachable = true
	res.System = info
	s.logger.Info("Device probed",
		zap.String("host", creds.Host),
		zap.String("identity", info.Identity),
		zap.Int("cpu_load", info.CPULoad))
	return res, nil
}

// Shutdown stops every traffic monitor
func (s *NetworkService) Shutdown() {
	s.monitors.StopAll()
}
