package device

import (
	"context"
	"testing"
	"time"

	"github.com/gosnmp/gosnmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"isp-network-api/internal/models"
)

func TestParseRouterOSRows(t *testing.T) {
	ifaces := parseInterfaces([]map[string]string{
		{"name": "ether1", "type": "ether", "mac-address": "AA:BB:CC:00:00:01", "running": "true", "disabled": "false"},
		{"name": "vlan20", "type": "vlan", "running": "false", "disabled": "true", "comment": "towers"},
	})
	require.Len(t, ifaces, 2)
	assert.True(t, ifaces[0].Running)
	assert.False(t, ifaces[0].Disabled)
	assert.True(t, ifaces[1].Disabled)
	assert.Equal(t, "towers", ifaces[1].Comment)

	addrs := parseIPAddresses([]map[string]string{
		{"address": "192.168.10.1/29", "network": "192.168.10.0", "interface": "vlan20", "disabled": "false", "dynamic": "false"},
		{"address": "10.0.0.1/24", "interface": "ether1", "invalid": "true"},
	})
	require.Len(t, addrs, 2)
	assert.Equal(t, "vlan20", addrs[0].Interface)
	assert.False(t, addrs[0].Disabled)
	assert.True(t, addrs[1].Disabled)

	counters := parseCounters([]map[string]string{
		{"name": "ether1", "tx-byte": "1000", "rx-byte": "2500", "running": "true"},
		{"name": "ether2", "tx-byte": "", "rx-byte": "x"},
	})
	require.Len(t, counters, 2)
	assert.Equal(t, uint64(1000), counters[0].TxBytes)
	assert.Equal(t, uint64(2500), counters[0].RxBytes)
	assert.Zero(t, counters[1].TxBytes)
}

func TestOIDHelpers(t *testing.T) {
	idx, ok := oidSuffix(".1.3.6.1.2.1.31.1.1.1.1.12", oidIfName)
	assert.True(t, ok)
	assert.Equal(t, "12", idx)

	_, ok = oidSuffix(".1.3.6.1.2.1.31.1.1.1.10.12", oidIfName)
	assert.False(t, ok)

	keys := sortedIndexes(map[string]int{"10": 0, "2": 0, "1": 0, "192.168.1.1": 0, "10.0.0.1": 0})
	assert.Equal(t, []string{"1", "2", "10", "10.0.0.1", "192.168.1.1"}, keys)

	assert.Equal(t, "olt-1", pduString(gosnmp.SnmpPDU{Value: []byte("olt-1")}))
	assert.Equal(t, "255.255.255.0", pduString(gosnmp.SnmpPDU{Value: "255.255.255.0"}))
	assert.Equal(t, "", pduString(gosnmp.SnmpPDU{}))
}

func TestDiscoveryCache(t *testing.T) {
	cache := NewDiscoveryCache(4, time.Minute)
	now := time.Now()

	cache.Put("cell-1", "10.0.0.1", []Interface{{Name: "ether1"}}, now)

	d, ok := cache.Get("cell-1", "10.0.0.1")
	require.True(t, ok)
	assert.Equal(t, "ether1", d.Interfaces[0].Name)
	assert.Equal(t, now, d.At)

	_, ok = cache.Get("cell-1", "10.0.0.2")
	assert.False(t, ok, "host change must miss")
	_, ok = cache.Get("cell-1", "10.0.0.1")
	assert.False(t, ok, "host change evicts the entry")

	cache.Put("cell-2", "10.0.0.3", nil, now)
	cache.Invalidate("cell-2")
	assert.Equal(t, 0, cache.Len())
}

func TestDiscoveryCacheExpiry(t *testing.T) {
	cache := NewDiscoveryCache(4, 20*time.Millisecond)
	cache.Put("cell-1", "10.0.0.1", []Interface{{Name: "ether1"}}, time.Now())

	assert.Eventually(t, func() bool {
		_, ok := cache.Get("cell-1", "10.0.0.1")
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestNetDialerRejectsUnknownKind(t *testing.T) {
	d := NewNetDialer(0, 0)
	assert.Equal(t, 5*time.Second, d.Timeout)

	_, err := d.Dial(context.Background(), models.DeviceCredentials{Kind: "telnet", Host: "10.0.0.1"})
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestDialerFunc(t *testing.T) {
	called := false
	var d Dialer = DialerFunc(func(ctx context.Context, creds models.DeviceCredentials) (Client, error) {
		called = true
		return nil, deviceErr(creds.Host, "dial", context.DeadlineExceeded)
	})

	_, err := d.Dial(context.Background(), models.DeviceCredentials{Host: "10.9.9.9"})
	assert.True(t, called)
	assert.ErrorIs(t, err, models.ErrDeviceUnreachable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
