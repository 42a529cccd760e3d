package utils

import (
	"fmt"
)

// RangesOverlap checks if the host bounds of two ranges share any address
func RangesOverlap(a, b HostRange) bool {
	return a.First <= b.Last && b.First <= a.Last
}

// ValidateDisjointRanges checks that no two ranges in the list overlap
func ValidateDisjointRanges(ranges []HostRange) error {
	for i := 0; i < len(ranges); i++ {
		for j := i + 1; j < len(ranges); j++ {
			if RangesOverlap(ranges[i], ranges[j]) {
				return fmt.Errorf("range %s-%s overlaps %s-%s",
					Uint32ToIPv4(ranges[i].First), Uint32ToIPv4(ranges[i].Last),
					Uint32ToIPv4(ranges[j].First), Uint32ToIPv4(ranges[j].Last))
			}
		}
	}
	return nil
}

// IsIPInRanges checks if an IPv4 address falls within any of the ranges and
// returns the index of the first match, or -1
func IsIPInRanges(ipStr string, ranges []HostRange) (int, error) {
	ip, err := IPv4ToUint32(ipStr)
	if err != nil {
		return -1, err
	}
	for i, r := range ranges {
		if r.Contains(ip) {
			return i, nil
		}
	}
	return -1, nil
}

// GetAvailableIPsInRanges returns up to limit addresses that are not in used,
// walking the ranges in order. A limit of zero or less means no limit.
func GetAvailableIPsInRanges(ranges []HostRange, used map[string]bool, limit int) []string {
	var available []string
	for _, r := range ranges {
		if r.Size() == 0 {
			continue
		}
		for ip := r.First; ; ip++ {
			ipStr := Uint32ToIPv4(ip)
			if !used[ipStr] {
				available = append(available, ipStr)
				if limit > 0 && len(available) >= limit {
					return available
				}
			}
			if ip == r.Last {
				break
			}
		}
	}
	return available
}
