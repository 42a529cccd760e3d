// Package reconcile joins what a cell's router reports with what the
// directory says is bound, producing per-interface pool reports.
package reconcile

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"isp-network-api/internal/device"
	"isp-network-api/internal/directory"
	"isp-network-api/internal/metrics"
	"isp-network-api/internal/models"
	"isp-network-api/internal/pool"
	"isp-network-api/internal/utils"
)

type Reconciler struct {
	dir     directory.Directory
	dialer  device.Dialer
	cache   *device.DiscoveryCache
	logger  *zap.Logger
	metrics *metrics.Metrics
	timeout time.Duration
	now     func() time.Time
}

// NewReconciler creates a reconciler. timeout bounds the device reads of one
// report; cache may be nil.
func NewReconciler(dir directory.Directory, dialer device.Dialer, cache *device.DiscoveryCache, logger *zap.Logger, m *metrics.Metrics, timeout time.Duration) *Reconciler {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Reconciler{
		dir:     dir,
		dialer:  dialer,
		cache:   cache,
		logger:  logger,
		metrics: m,
		timeout: timeout,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// snapshot is what one round of device reads produced
type snapshot struct {
	interfaces []device.Interface
	addresses  []device.IPAddress
	online     map[string]bool
	queues     map[string]string
	at         time.Time

	// secrets holds the PPP usernames with an enabled secret; nil if unknown
	secrets map[string]bool
}

// Reconcile reports every interface of the cell's router with the pool of its
// primary network. An unreachable router is not an error: the report comes
// back with available=false and the last known interfaces, if any.
func (r *Reconciler) Reconcile(ctx context.Context, cellID string) (*models.CellPoolReport, error) {
	cell, err := r.dir.GetCell(ctx, cellID)
	if err != nil {
		return nil, err
	}

	var (
		bindings     []models.Binding
		bindingsAsOf time.Time
		snap         *snapshot
		devErr       error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		bindings, err = r.dir.ListBindingsForCell(gctx, cell.ID)
		bindingsAsOf = r.now()
		return err
	})
	g.Go(func() error {
		// device failures degrade the report and must not cancel the directory read
		snap, devErr = r.readDevice(ctx, cell.Router)
		return nil
	})
	if err := g.Wait(); err != nil {
		r.logger.Error("Failed to load bindings", zap.String("cell_id", cell.ID), zap.Error(err))
		return nil, err
	}

	report := &models.CellPoolReport{
		CellID:       cell.ID,
		CellName:     cell.Name,
		Host:         cell.Router.Host,
		BindingsAsOf: bindingsAsOf,
		Interfaces:   []models.InterfacePool{},
	}
	if devErr != nil {
		r.degrade(report, cell, devErr)
		return report, nil
	}

	if r.cache != nil {
		r.cache.Put(cell.ID, cell.Router.Host, snap.interfaces, snap.at)
	}
	report.Available = true
	report.DeviceAsOf = &snap.at
	r.build(report, snap, bindings)

	r.logger.Info("Cell pool reconciled",
		zap.String("cell_id", cell.ID),
		zap.String("host", cell.Router.Host),
		zap.Int("interfaces", report.TotalInterfaces),
		zap.Int("interfaces_with_pool", report.InterfacesWithPool),
		zap.Int("unmatched", len(report.Unmatched)))
	return report, nil
}

// readDevice dials the router and fetches interfaces and addresses
// concurrently. PPP sessions and queues are fetched best effort.
func (r *Reconciler) readDevice(ctx context.Context, creds models.DeviceCredentials) (*snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	client, err := r.dialer.Dial(ctx, creds)
	if err != nil {
		r.metrics.RecordDeviceRequest("dial", err, time.Since(start))
		return nil, asDeviceError(creds.Host, "dial", err)
	}
	defer client.Close()

	snap := &snapshot{}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		snap.interfaces, err = client.ListInterfaces(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		snap.addresses, err = client.ListIPAddresses(gctx)
		return err
	})
	err = g.Wait()
	r.metrics.RecordDeviceRequest("discover", err, time.Since(start))
	if err != nil {
		return nil, asDeviceError(creds.Host, "discover", err)
	}
	snap.at = r.now()

	if router, ok := client.(device.RouterClient); ok {
		r.enrich(ctx, router, snap)
	}
	return snap, nil
}

func (r *Reconciler) enrich(ctx context.Context, router device.RouterClient, snap *snapshot) {
	if sessions, err := router.ListPPPSessions(ctx); err != nil {
		r.logger.Debug("PPP sessions unavailable", zap.String("host", router.Host()), zap.Error(err))
	} else {
		snap.online = make(map[string]bool, len(sessions))
		for _, s := range sessions {
			if ip := utils.NormalizeIP(s.Address); ip != "" {
				snap.online[ip] = true
			}
		}
	}
	if secrets, err := router.ListPPPSecrets(ctx); err != nil {
		r.logger.Debug("PPP secrets unavailable", zap.String("host", router.Host()), zap.Error(err))
	} else {
		snap.secrets = make(map[string]bool, len(secrets))
		for _, s := range secrets {
			if !s.Disabled {
				snap.secrets[s.Name] = true
			}
		}
	}
	if queues, err := router.ListQueues(ctx); err != nil {
		r.logger.Debug("Queues unavailable", zap.String("host", router.Host()), zap.Error(err))
	} else {
		snap.queues = make(map[string]string, len(queues))
		for _, q := range queues {
			for _, ip := range q.Addresses() {
				snap.queues[ip] = q.Name
			}
		}
	}
}

// degrade fills a report for an unreachable router from the discovery cache
func (r *Reconciler) degrade(report *models.CellPoolReport, cell *models.Cell, err error) {
	r.logger.Warn("Router unreachable, reporting without live data",
		zap.String("cell_id", cell.ID),
		zap.String("host", cell.Router.Host),
		zap.Error(err))
	report.Available = false
	report.Error = err.Error()
	if r.cache == nil {
		return
	}
	cached, ok := r.cache.Get(cell.ID, cell.Router.Host)
	if !ok {
		return
	}
	at := cached.At
	report.FromCache = true
	report.DeviceAsOf = &at
	for _, iface := range cached.Interfaces {
		report.Interfaces = append(report.Interfaces, interfacePool(iface))
	}
	report.TotalInterfaces = len(report.Interfaces)
}

type ifaceNetwork struct {
	index int
	hr    utils.HostRange
}

// build computes the pool of every interface and attributes each binding
// to the first interface network containing it
func (r *Reconciler) build(report *models.CellPoolReport, snap *snapshot, bindings []models.Binding) {
	byIface := make(map[string][]device.IPAddress)
	for _, a := range snap.addresses {
		if a.Disabled {
			continue
		}
		byIface[a.Interface] = append(byIface[a.Interface], a)
	}

	var networks []ifaceNetwork
	for _, iface := range snap.interfaces {
		ip := interfacePool(iface)
		addrs := byIface[iface.Name]
		if len(addrs) > 0 {
			ip.CIDR = addrs[0].Address
			for _, a := range addrs[1:] {
				ip.SecondaryCIDRs = append(ip.SecondaryCIDRs, a.Address)
			}
			hr, err := utils.ParseInterfaceCIDR(ip.CIDR)
			if err != nil {
				ip.PoolError = (&models.RangeError{Input: ip.CIDR, Reason: err.Error()}).Error()
			} else {
				ip.HasPool = true
				networks = append(networks, ifaceNetwork{index: len(report.Interfaces), hr: hr})
			}
		}
		report.Interfaces = append(report.Interfaces, ip)
	}

	perIface := make(map[int][]models.Binding, len(networks))
	for _, b := range bindings {
		idx := -1
		if ip, err := utils.IPv4ToUint32(b.Address); err == nil {
			for _, n := range networks {
				if n.hr.InNetwork(ip) {
					idx = n.index
					break
				}
			}
		}
		if idx < 0 {
			report.Unmatched = append(report.Unmatched, b)
			continue
		}
		perIface[idx] = append(perIface[idx], b)
	}

	for _, n := range networks {
		ip := &report.Interfaces[n.index]
		ip.Pool = pool.ComputeHostRange(n.hr, perIface[n.index])
		missing := annotate(ip.Pool, snap)
		report.InterfacesWithPool++

		r.metrics.SetPool(report.CellID, ip.Name, ip.Pool.Total, ip.Pool.Occupied, ip.Pool.PctUsed)
		r.metrics.RecordAnomalies(report.CellID, "out_of_range", len(ip.Pool.OutOfRange))
		r.metrics.RecordAnomalies(report.CellID, "duplicate", len(ip.Pool.Duplicates))
		r.metrics.RecordAnomalies(report.CellID, "missing_secret", missing)
	}
	r.metrics.RecordAnomalies(report.CellID, "unmatched", len(report.Unmatched))
	report.TotalInterfaces = len(report.Interfaces)
}

// annotate marks slots with live session, queue and secret data. It returns
// the number of bound PPPoE usernames without an enabled secret.
func annotate(p *models.PoolReport, snap *snapshot) int {
	if snap.online == nil && snap.queues == nil && snap.secrets == nil {
		return 0
	}
	missing := 0
	for i := range p.Slots {
		slot := &p.Slots[i]
		if snap.online != nil && (slot.Occupied || snap.online[slot.Address]) {
			online := snap.online[slot.Address]
			slot.Online = &online
		}
		if q, ok := snap.queues[slot.Address]; ok {
			slot.Queue = q
		}
		if snap.secrets != nil && slot.Occupied && slot.PPPoEUsername != "" && !snap.secrets[slot.PPPoEUsername] {
			slot.SecretMissing = true
			missing++
		}
	}
	return missing
}

func interfacePool(iface device.Interface) models.InterfacePool {
	return models.InterfacePool{
		Name:       iface.Name,
		Type:       iface.Type,
		MACAddress: iface.MACAddress,
		Running:    iface.Running,
		Disabled:   iface.Disabled,
		Comment:    iface.Comment,
	}
}

// ConfiguredPool reports the occupancy of the cell's configured ranges
// without touching the device
func (r *Reconciler) ConfiguredPool(ctx context.Context, cellID string) (*models.ConfiguredPoolReport, error) {
	cell, err := r.dir.GetCell(ctx, cellID)
	if err != nil {
		return nil, err
	}
	bindings, err := r.dir.ListBindingsForCell(ctx, cell.ID)
	if err != nil {
		return nil, err
	}
	reports, unmatched, err := pool.ComputeRanges(cell.Ranges, bindings)
	if err != nil {
		return nil, err
	}

	out := &models.ConfiguredPoolReport{
		CellID:    cell.ID,
		CellName:  cell.Name,
		Pools:     reports,
		Unmatched: unmatched,
		AsOf:      r.now(),
	}
	for _, p := range reports {
		out.Total += p.Total
		out.Occupied += p.Occupied
		r.metrics.SetPool(cell.ID, p.CIDR, p.Total, p.Occupied, p.PctUsed)
	}
	out.Free = out.Total - out.Occupied
	out.PctUsed = pool.PercentUsed(out.Occupied, out.Total)
	return out, nil
}

// asDeviceError keeps device errors as they are and wraps anything else
func asDeviceError(host, op string, err error) error {
	var de *models.DeviceError
	if errors.As(err, &de) {
		return err
	}
	return &models.DeviceError{Host: host, Op: op, Err: err}
}
