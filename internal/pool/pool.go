// Package pool computes address occupancy for IPv4 ranges. It performs no
// I/O; callers supply the range and the bindings.
package pool

import (
	"math"

	"isp-network-api/internal/models"
	"isp-network-api/internal/utils"
)

// Compute builds the occupancy report of a configured range
func Compute(r models.AddressRange, bindings []models.Binding) (*models.PoolReport, error) {
	hr, err := r.Resolve()
	if err != nil {
		return nil, err
	}
	return ComputeHostRange(hr, bindings), nil
}

// ComputeCIDR builds the occupancy report of the network an interface
// address such as "192.168.10.1/29" belongs to
func ComputeCIDR(cidr string, bindings []models.Binding) (*models.PoolReport, error) {
	hr, err := utils.ParseInterfaceCIDR(cidr)
	if err != nil {
		return nil, &models.RangeError{Input: cidr, Reason: err.Error()}
	}
	return ComputeHostRange(hr, bindings), nil
}

// ComputeHostRange enumerates every host of hr and marks the ones held by a
// binding. Bindings outside the host bounds are reported, never counted.
// When two bindings claim the same address the first one wins the slot.
func ComputeHostRange(hr utils.HostRange, bindings []models.Binding) *models.PoolReport {
	report := &models.PoolReport{
		CIDR:    hr.CIDR(),
		Network: utils.Uint32ToIPv4(hr.Network),
		Prefix:  hr.Prefix,
		HostMin: utils.Uint32ToIPv4(hr.First),
		HostMax: utils.Uint32ToIPv4(hr.Last),
		Total:   hr.Size(),
	}

	held := make(map[uint32]models.Binding, len(bindings))
	for _, b := range bindings {
		ip, err := utils.IPv4ToUint32(b.Address)
		if err != nil || !hr.Contains(ip) {
			report.OutOfRange = append(report.OutOfRange, b)
			continue
		}
		if _, dup := held[ip]; dup {
			report.Duplicates = append(report.Duplicates, b)
			continue
		}
		held[ip] = b
	}

	report.Slots = make([]models.AddressSlot, 0, report.Total)
	for i := 0; i < report.Total; i++ {
		ip := hr.First + uint32(i)
		slot := models.AddressSlot{Address: utils.Uint32ToIPv4(ip)}
		if b, ok := held[ip]; ok {
			slot.Occupied = true
			slot.ConnectionID = b.ConnectionID
			slot.SubscriberID = b.SubscriberID
			slot.SubscriberName = b.SubscriberName
			slot.Status = b.Status
			slot.PPPoEUsername = b.PPPoEUsername
			slot.Type = b.Type
			report.Occupied++
		}
		report.Slots = append(report.Slots, slot)
	}

	report.Free = report.Total - report.Occupied
	report.PctUsed = PercentUsed(report.Occupied, report.Total)
	return report
}

// ComputeRanges reports every range of a cell. Each binding is attributed to
// the first range containing it; bindings in no range are returned apart.
func ComputeRanges(ranges []models.AddressRange, bindings []models.Binding) ([]*models.PoolReport, []models.Binding, error) {
	resolved := make([]utils.HostRange, 0, len(ranges))
	for _, r := range ranges {
		hr, err := r.Resolve()
		if err != nil {
			return nil, nil, err
		}
		resolved = append(resolved, hr)
	}

	perRange := make([][]models.Binding, len(resolved))
	var unmatched []models.Binding
	for _, b := range bindings {
		idx, err := utils.IsIPInRanges(b.Address, resolved)
		if err != nil || idx < 0 {
			unmatched = append(unmatched, b)
			continue
		}
		perRange[idx] = append(perRange[idx], b)
	}

	reports := make([]*models.PoolReport, 0, len(resolved))
	for i, hr := range resolved {
		reports = append(reports, ComputeHostRange(hr, perRange[i]))
	}
	return reports, unmatched, nil
}

// PercentUsed is round(occupied/total*100), and 0 for an empty pool
func PercentUsed(occupied, total int) int {
	if total <= 0 {
		return 0
	}
	return int(math.Round(float64(occupied) / float64(total) * 100))
}

// FreeAddresses lists up to limit unoccupied addresses of a report, in order.
// A limit of zero or less returns all of them.
func FreeAddresses(report *models.PoolReport, limit int) []string {
	var free []string
	for _, slot := range report.Slots {
		if slot.Occupied {
			continue
		}
		free = append(free, slot.Address)
		if limit > 0 && len(free) >= limit {
			break
		}
	}
	return free
}
