// Package traffic turns cumulative interface byte counters into rates and
// runs the polling monitors that feed them.
package traffic

import (
	"sync"
	"time"

	"isp-network-api/internal/device"
	"isp-network-api/internal/models"
)

type sample struct {
	at time.Time
	tx uint64
	rx uint64
}

// RateCalculator keeps the last counter sample per interface and derives
// bytes per second from the next one. A counter that goes down is treated as
// a reset of that direction: its rate is reported as zero, the other
// direction is still computed and the new sample becomes the baseline.
type RateCalculator struct {
	mu   sync.Mutex
	last map[string]sample
}

func NewRateCalculator() *RateCalculator {
	return &RateCalculator{last: make(map[string]sample)}
}

// Observe records the counters taken at at and returns one rate per
// interface, in input order. Interfaces absent from counters are forgotten.
func (c *RateCalculator) Observe(at time.Time, counters []device.InterfaceCounters) []models.TrafficRate {
	c.mu.Lock()
	defer c.mu.Unlock()

	rates := make([]models.TrafficRate, 0, len(counters))
	seen := make(map[string]bool, len(counters))
	for _, cur := range counters {
		seen[cur.Name] = true
		rate := models.TrafficRate{Interface: cur.Name, Running: cur.Running}
		prev, ok := c.last[cur.Name]
		dt := at.Sub(prev.at).Seconds()
		switch {
		case !ok:
			rate.Calculating = true
			c.last[cur.Name] = sample{at: at, tx: cur.TxBytes, rx: cur.RxBytes}
		case dt <= 0:
			// same or earlier timestamp: keep the baseline
			rate.Calculating = true
		default:
			var txReset, rxReset bool
			rate.TxBps, txReset = perSecond(prev.tx, cur.TxBytes, dt)
			rate.RxBps, rxReset = perSecond(prev.rx, cur.RxBytes, dt)
			rate.Reset = txReset || rxReset
			c.last[cur.Name] = sample{at: at, tx: cur.TxBytes, rx: cur.RxBytes}
		}
		rates = append(rates, rate)
	}
	for name := range c.last {
		if !seen[name] {
			delete(c.last, name)
		}
	}
	return rates
}

// perSecond returns the rate between two readings of one counter, or zero
// and reset when the counter went down
func perSecond(prev, cur uint64, dt float64) (float64, bool) {
	if cur < prev {
		return 0, true
	}
	return float64(cur-prev) / dt, false
}

// Reset forgets every sample; the next observation is "calculating" again
func (c *RateCalculator) Reset() {
	c.mu.Lock()
	c.last = make(map[string]sample)
	c.mu.Unlock()
}

// Len returns the number of interfaces with a baseline
func (c *RateCalculator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.last)
}
