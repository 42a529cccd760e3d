package pool

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"isp-network-api/internal/models"
)

func binding(addr, conn string) models.Binding {
	return models.Binding{Address: addr, ConnectionID: conn, SubscriberName: "sub-" + conn, Status: models.StatusActive}
}

func TestComputeSlash29(t *testing.T) {
	r := models.AddressRange{Network: "192.168.10.0", Mask: "29"}

	report, err := Compute(r, []models.Binding{
		binding("192.168.10.2", "c1"),
		binding("192.168.10.5", "c2"),
	})
	require.NoError(t, err)

	assert.Equal(t, 6, report.Total)
	assert.Equal(t, 2, report.Occupied)
	assert.Equal(t, 4, report.Free)
	assert.Equal(t, 33, report.PctUsed)
	assert.Equal(t, "192.168.10.1", report.HostMin)
	assert.Equal(t, "192.168.10.6", report.HostMax)
	assert.Equal(t, "192.168.10.0/29", report.CIDR)
	require.Len(t, report.Slots, 6)
	assert.True(t, report.Slots[1].Occupied)
	assert.Equal(t, "c1", report.Slots[1].ConnectionID)
	assert.Equal(t, "sub-c1", report.Slots[1].SubscriberName)
	assert.True(t, report.Slots[4].Occupied)
	assert.False(t, report.Slots[0].Occupied)
	assert.Empty(t, report.OutOfRange)
}

func TestComputeOutOfRangeBindings(t *testing.T) {
	r := models.AddressRange{Network: "10.0.0.0", Mask: "255.255.255.0", HostMin: "10.0.0.10", HostMax: "10.0.0.19"}

	report, err := Compute(r, []models.Binding{
		binding("10.0.0.10", "in"),
		binding("10.0.0.50", "outside-bounds"),
		binding("172.16.0.1", "other-network"),
		binding("not-an-ip", "garbage"),
	})
	require.NoError(t, err)

	assert.Equal(t, 10, report.Total)
	assert.Equal(t, 1, report.Occupied)
	assert.Equal(t, 9, report.Free)
	assert.Equal(t, 10, report.PctUsed)
	require.Len(t, report.OutOfRange, 3)
	assert.Equal(t, "outside-bounds", report.OutOfRange[0].ConnectionID)
}

func TestComputeDuplicateBindings(t *testing.T) {
	r := models.AddressRange{Network: "192.168.1.0", Mask: "30"}

	report, err := Compute(r, []models.Binding{
		binding("192.168.1.1", "first"),
		binding("192.168.1.1", "second"),
	})
	require.NoError(t, err)

	assert.Equal(t, 1, report.Occupied)
	assert.Equal(t, "first", report.Slots[0].ConnectionID)
	require.Len(t, report.Duplicates, 1)
	assert.Equal(t, "second", report.Duplicates[0].ConnectionID)
}

func TestComputeInvalidRanges(t *testing.T) {
	tests := []struct {
		name string
		r    models.AddressRange
	}{
		{"min above max", models.AddressRange{Network: "192.168.0.0", Mask: "24", HostMin: "192.168.0.20", HostMax: "192.168.0.10"}},
		{"unaligned network", models.AddressRange{Network: "192.168.0.3", Mask: "29"}},
		{"bad mask", models.AddressRange{Network: "192.168.0.0", Mask: "33"}},
		{"non contiguous mask", models.AddressRange{Network: "192.168.0.0", Mask: "255.0.255.0"}},
		{"bound outside network", models.AddressRange{Network: "192.168.0.0", Mask: "24", HostMax: "192.168.1.1"}},
		{"ipv6 network", models.AddressRange{Network: "2001:db8::", Mask: "64"}},
		{"too many hosts", models.AddressRange{Network: "10.0.0.0", Mask: "8"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compute(tt.r, nil)
			require.Error(t, err)
			assert.True(t, errors.Is(err, models.ErrInvalidRange))
		})
	}
}

func TestComputeSmallPrefixes(t *testing.T) {
	report, err := Compute(models.AddressRange{Network: "10.1.1.1", Mask: "32"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Total)
	assert.Equal(t, "10.1.1.1", report.HostMin)

	report, err = Compute(models.AddressRange{Network: "10.1.1.0", Mask: "/31"}, []models.Binding{binding("10.1.1.1", "p2p")})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Total)
	assert.Equal(t, 50, report.PctUsed)
}

func TestComputeCIDR(t *testing.T) {
	report, err := ComputeCIDR("192.168.10.1/29", []models.Binding{binding("192.168.10.1", "gw")})
	require.NoError(t, err)

	assert.Equal(t, "192.168.10.0", report.Network)
	assert.Equal(t, 29, report.Prefix)
	assert.Equal(t, 6, report.Total)
	assert.Equal(t, 1, report.Occupied)

	_, err = ComputeCIDR("192.168.10.1", nil)
	assert.ErrorIs(t, err, models.ErrInvalidRange)
}

func TestComputeRanges(t *testing.T) {
	ranges := []models.AddressRange{
		{Network: "192.168.10.0", Mask: "29"},
		{Network: "192.168.20.0", Mask: "30"},
	}

	reports, unmatched, err := ComputeRanges(ranges, []models.Binding{
		binding("192.168.10.3", "a"),
		binding("192.168.20.2", "b"),
		binding("10.9.9.9", "stray"),
	})
	require.NoError(t, err)
	require.Len(t, reports, 2)

	assert.Equal(t, 1, reports[0].Occupied)
	assert.Empty(t, reports[0].OutOfRange)
	assert.Equal(t, 1, reports[1].Occupied)
	assert.Equal(t, 2, reports[1].Total)
	require.Len(t, unmatched, 1)
	assert.Equal(t, "stray", unmatched[0].ConnectionID)
}

func TestPercentUsed(t *testing.T) {
	tests := []struct {
		occupied, total, want int
	}{
		{0, 0, 0},
		{0, 6, 0},
		{2, 6, 33},
		{2, 3, 67},
		{1, 8, 13},
		{6, 6, 100},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, PercentUsed(tt.occupied, tt.total), "%d/%d", tt.occupied, tt.total)
	}
}

func TestFreeAddresses(t *testing.T) {
	report, err := Compute(models.AddressRange{Network: "192.168.10.0", Mask: "29"}, []models.Binding{
		binding("192.168.10.1", "a"),
		binding("192.168.10.3", "b"),
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"192.168.10.2", "192.168.10.4"}, FreeAddresses(report, 2))
	assert.Len(t, FreeAddresses(report, 0), 4)
}
