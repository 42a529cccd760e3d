package traffic

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"isp-network-api/internal/device"
	"isp-network-api/internal/metrics"
	"isp-network-api/internal/models"
)

// Monitor polls one device for interface counters at a fixed interval.
// It stops when Stop is called, or when nobody has read it or subscribed to
// it for longer than the idle timeout.
type Monitor struct {
	id        string
	host      string
	interval  time.Duration
	timeout   time.Duration
	idle      time.Duration
	startedAt time.Time

	dialer device.Dialer
	creds  models.DeviceCredentials

	// client is owned by the run goroutine; nil until the next redial
	client  device.Client
	calc    *RateCalculator
	logger  *zap.Logger
	metrics *metrics.Metrics
	onExit  func(id string)

	mu       sync.Mutex
	latest   *models.TrafficSnapshot
	lastRead time.Time
	subs     map[chan models.TrafficSnapshot]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func (m *Monitor) ID() string { return m.id }

func (m *Monitor) Host() string { return m.host }

// Info describes the monitor
func (m *Monitor) Info() models.MonitorInfo {
	return models.MonitorInfo{ID: m.id, Host: m.host, Interval: m.interval, StartedAt: m.startedAt}
}

// Latest returns the last poll result. It counts as a read for the idle
// timeout.
func (m *Monitor) Latest() (models.TrafficSnapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastRead = time.Now()
	if m.latest == nil {
		return models.TrafficSnapshot{MonitorID: m.id, Host: m.host}, false
	}
	return *m.latest, true
}

// Subscribe returns a channel receiving every poll result and a function
// that ends the subscription. Results are dropped for a subscriber that is
// not keeping up. The channel is closed when the monitor stops.
func (m *Monitor) Subscribe() (<-chan models.TrafficSnapshot, func()) {
	ch := make(chan models.TrafficSnapshot, 4)
	m.mu.Lock()
	if m.subs == nil {
		close(ch)
		m.mu.Unlock()
		return ch, func() {}
	}
	m.subs[ch] = struct{}{}
	m.lastRead = time.Now()
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if _, ok := m.subs[ch]; ok {
				delete(m.subs, ch)
				close(ch)
			}
			m.lastRead = time.Now()
		})
	}
}

// Done is closed once the monitor has stopped
func (m *Monitor) Done() <-chan struct{} { return m.done }

// Stop cancels the monitor and waits for its loop to exit
func (m *Monitor) Stop() {
	m.cancel()
	<-m.done
}

func (m *Monitor) run() {
	defer m.shutdown()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.poll()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			if m.isIdle() {
				m.logger.Info("Stopping idle traffic monitor", zap.String("monitor_id", m.id), zap.String("host", m.host))
				return
			}
			m.poll()
		}
	}
}

// connect redials the device after a transport failure. The rate baselines
// are dropped so the first cycle on the new session reports calculating.
func (m *Monitor) connect(ctx context.Context) error {
	start := time.Now()
	client, err := m.dialer.Dial(ctx, m.creds)
	m.metrics.RecordDeviceRequest("dial", err, time.Since(start))
	if err != nil {
		return err
	}
	m.client = client
	m.calc.Reset()
	m.logger.Info("Traffic monitor reconnected", zap.String("monitor_id", m.id), zap.String("host", m.host))
	return nil
}

func (m *Monitor) dropClient() {
	if m.client == nil {
		return
	}
	if err := m.client.Close(); err != nil {
		m.logger.Debug("Failed to close device client", zap.String("host", m.host), zap.Error(err))
	}
	m.client = nil
}

func (m *Monitor) poll() {
	ctx, cancel := context.WithTimeout(m.ctx, m.timeout)
	defer cancel()

	var (
		counters []device.InterfaceCounters
		err      error
	)
	start := time.Now()
	if m.client == nil {
		err = m.connect(ctx)
	}
	if err == nil {
		counters, err = m.client.TrafficSnapshot(ctx)
		m.metrics.RecordDeviceRequest("traffic", err, time.Since(start))
		if errors.Is(err, models.ErrDeviceUnreachable) {
			// the session may be unusable; the next poll redials
			m.dropClient()
		}
	}
	if m.ctx.Err() != nil {
		// cancelled while in flight
		return
	}
	m.metrics.RecordPoll(err)

	now := time.Now().UTC()
	snap := models.TrafficSnapshot{MonitorID: m.id, Host: m.host, Timestamp: now}
	if err != nil {
		m.logger.Warn("Traffic poll failed", zap.String("monitor_id", m.id), zap.String("host", m.host), zap.Error(err))
		snap.Error = err.Error()
		snap.Rates = []models.TrafficRate{}
	} else {
		snap.Rates = m.calc.Observe(now, counters)
	}
	m.publish(snap)
}

func (m *Monitor) publish(snap models.TrafficSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latest = &snap
	for ch := range m.subs {
		select {
		case ch <- snap:
		default:
		}
	}
}

func (m *Monitor) isIdle() bool {
	if m.idle <= 0 {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs) == 0 && time.Since(m.lastRead) > m.idle
}

func (m *Monitor) shutdown() {
	m.cancel()
	m.dropClient()
	m.mu.Lock()
	for ch := range m.subs {
		close(ch)
	}
	m.subs = nil
	m.mu.Unlock()
	if m.onExit != nil {
		m.onExit(m.id)
	}
	close(m.done)
}
