package traffic

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"isp-network-api/internal/device"
	"isp-network-api/internal/metrics"
	"isp-network-api/internal/models"
)

// Config tunes the monitors a Manager starts
type Config struct {
	PollInterval  time.Duration
	IdleTimeout   time.Duration
	DeviceTimeout time.Duration
	MaxMonitors   int
}

// DefaultConfig polls every 3 seconds and stops monitors idle for 2 minutes
func DefaultConfig() Config {
	return Config{
		PollInterval:  3 * time.Second,
		IdleTimeout:   2 * time.Minute,
		DeviceTimeout: 5 * time.Second,
		MaxMonitors:   64,
	}
}

// Manager owns the running traffic monitors, keyed by handle ID
type Manager struct {
	dialer  device.Dialer
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	monitors map[string]*Monitor

	// pending counts starts that hold a slot but are still dialing
	pending int
}

func NewManager(dialer device.Dialer, cfg Config, logger *zap.Logger, m *metrics.Metrics) *Manager {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.DeviceTimeout <= 0 {
		cfg.DeviceTimeout = def.DeviceTimeout
	}
	return &Manager{
		dialer:   dialer,
		cfg:      cfg,
		logger:   logger,
		metrics:  m,
		monitors: make(map[string]*Monitor),
	}
}

// Start dials the device, checks it answers and starts polling it. The
// monitor outlives ctx; only Stop, StopAll or the idle timeout end it.
func (mg *Manager) Start(ctx context.Context, creds models.DeviceCredentials) (*Monitor, error) {
	if err := models.Validate(creds); err != nil {
		return nil, err
	}
	if !mg.reserve() {
		return nil, models.NewValidationError("monitors", "limit of %d running monitors reached", mg.cfg.MaxMonitors)
	}

	dctx, cancel := context.WithTimeout(ctx, mg.cfg.DeviceTimeout)
	defer cancel()
	client, err := mg.dialer.Dial(dctx, creds)
	if err != nil {
		mg.release()
		mg.logger.Warn("Traffic monitor dial failed", zap.String("host", creds.Host), zap.Error(err))
		return nil, err
	}
	if err := client.TestConnection(dctx); err != nil {
		client.Close()
		mg.release()
		mg.logger.Warn("Traffic monitor device not answering", zap.String("host", creds.Host), zap.Error(err))
		return nil, err
	}

	mctx, mcancel := context.WithCancel(context.Background())
	mon := &Monitor{
		id:        uuid.NewString(),
		host:      creds.Host,
		interval:  mg.cfg.PollInterval,
		timeout:   mg.cfg.DeviceTimeout,
		idle:      mg.cfg.IdleTimeout,
		startedAt: time.Now().UTC(),
		dialer:    mg.dialer,
		creds:     creds,
		client:    client,
		calc:      NewRateCalculator(),
		logger:    mg.logger,
		metrics:   mg.metrics,
		onExit:    mg.forget,
		lastRead:  time.Now(),
		subs:      make(map[chan models.TrafficSnapshot]struct{}),
		ctx:       mctx,
		cancel:    mcancel,
		done:      make(chan struct{}),
	}

	mg.mu.Lock()
	mg.pending--
	mg.monitors[mon.id] = mon
	n := len(mg.monitors)
	mg.mu.Unlock()
	mg.metrics.SetMonitorsActive(n)

	mg.logger.Info("Traffic monitor started",
		zap.String("monitor_id", mon.id),
		zap.String("host", mon.host),
		zap.Duration("interval", mon.interval))
	go mon.run()
	return mon, nil
}

// reserve takes a slot under the monitor limit for a start in progress
func (mg *Manager) reserve() bool {
	mg.mu.Lock()
	defer mg.mu.Unlock()
	if mg.cfg.MaxMonitors > 0 && len(mg.monitors)+mg.pending >= mg.cfg.MaxMonitors {
		return false
	}
	mg.pending++
	return true
}

func (mg *Manager) release() {
	mg.mu.Lock()
	mg.pending--
	mg.mu.Unlock()
}

func (mg *Manager) forget(id string) {
	mg.mu.Lock()
	delete(mg.monitors, id)
	n := len(mg.monitors)
	mg.mu.Unlock()
	mg.metrics.SetMonitorsActive(n)
}

// Get returns a running monitor
func (mg *Manager) Get(id string) (*Monitor, error) {
	mg.mu.Lock()
	defer mg.mu.Unlock()
	mon, ok := mg.monitors[id]
	if !ok {
		return nil, models.NewNotFound("monitor", id)
	}
	return mon, nil
}

// Stop ends a monitor and waits for it to exit
func (mg *Manager) Stop(id string) error {
	mon, err := mg.Get(id)
	if err != nil {
		return err
	}
	mon.Stop()
	mg.logger.Info("Traffic monitor stopped", zap.String("monitor_id", id))
	return nil
}

// List describes the running monitors, oldest first
func (mg *Manager) List() []models.MonitorInfo {
	mg.mu.Lock()
	infos := make([]models.MonitorInfo, 0, len(mg.monitors))
	for _, mon := range mg.monitors {
		infos = append(infos, mon.Info())
	}
	mg.mu.Unlock()
	sort.Slice(infos, func(i, j int) bool { return infos[i].StartedAt.Before(infos[j].StartedAt) })
	return infos
}

// StopAll ends every monitor; used on shutdown
func (mg *Manager) StopAll() {
	mg.mu.Lock()
	all := make([]*Monitor, 0, len(mg.monitors))
	for _, mon := range mg.monitors {
		all = append(all, mon)
	}
	mg.mu.Unlock()
	for _, mon := range all {
		mon.Stop()
	}
}
