package utils

import (
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// MaxHostsPerRange caps how many addresses a single range may enumerate.
const MaxHostsPerRange = 1 << 20

// HostRange is an IPv4 network with its usable host bounds, as uint32 values.
type HostRange struct {
	Network   uint32
	Prefix    int
	Broadcast uint32
	First     uint32
	Last      uint32
}

// CIDR returns the range's network in prefix notation
func (r HostRange) CIDR() string {
	return fmt.Sprintf("%s/%d", Uint32ToIPv4(r.Network), r.Prefix)
}

// Size returns the number of addresses between First and Last, inclusive
func (r HostRange) Size() int {
	if r.Last < r.First {
		return 0
	}
	return int(r.Last-r.First) + 1
}

// Contains reports whether ip lies within the usable host bounds
func (r HostRange) Contains(ip uint32) bool {
	return ip >= r.First && ip <= r.Last
}

// InNetwork reports whether ip lies anywhere inside the network, including
// the network and broadcast addresses
func (r HostRange) InNetwork(ip uint32) bool {
	return ip >= r.Network && ip <= r.Broadcast
}

// IsIPv4 checks if the IP is IPv4
func IsIPv4(ip net.IP) bool {
	return ip != nil && ip.To4() != nil
}

// NormalizeIP normalizes an IPv4 address string, returning "" if it is not one
func NormalizeIP(ipStr string) string {
	ip := net.ParseIP(strings.TrimSpace(ipStr))
	if !IsIPv4(ip) {
		return ""
	}
	return ip.To4().String()
}

// IPv4ToUint32 converts a dotted IPv4 string to its integer form
func IPv4ToUint32(ipStr string) (uint32, error) {
	ip := net.ParseIP(strings.TrimSpace(ipStr))
	if !IsIPv4(ip) {
		return 0, fmt.Errorf("invalid IPv4 address: %s", ipStr)
	}
	return binary.BigEndian.Uint32(ip.To4()), nil
}

// Uint32ToIPv4 converts an integer back to dotted IPv4 notation
func Uint32ToIPv4(v uint32) string {
	ip := make(net.IP, 4)
	binary.BigEndian.PutUint32(ip, v)
	return ip.String()
}

// ParseMask accepts "24", "/24" or "255.255.255.0" and returns the prefix length
func ParseMask(mask string) (int, error) {
	mask = strings.TrimPrefix(strings.TrimSpace(mask), "/")
	if mask == "" {
		return 0, fmt.Errorf("empty mask")
	}

	if !strings.Contains(mask, ".") {
		prefix, err := strconv.Atoi(mask)
		if err != nil || prefix < 0 || prefix > 32 {
			return 0, fmt.Errorf("invalid prefix length: %s", mask)
		}
		return prefix, nil
	}

	ip := net.ParseIP(mask)
	if !IsIPv4(ip) {
		return 0, fmt.Errorf("invalid netmask: %s", mask)
	}
	ones, bits := net.IPMask(ip.To4()).Size()
	if bits == 0 {
		return 0, fmt.Errorf("non-contiguous netmask: %s", mask)
	}
	return ones, nil
}

// NetworkBounds returns the network and broadcast addresses containing ip
func NetworkBounds(ip uint32, prefix int) (uint32, uint32) {
	var netmask uint32
	if prefix > 0 {
		netmask = ^uint32(0) << (32 - prefix)
	}
	network := ip & netmask
	return network, network | ^netmask
}

// DefaultHostBounds returns the first and last usable host. For /31 and /32
// every address is usable.
func DefaultHostBounds(network, broadcast uint32, prefix int) (uint32, uint32) {
	if prefix >= 31 {
		return network, broadcast
	}
	return network + 1, broadcast - 1
}

// ParseHostRange builds a HostRange from a network, a mask and optional
// explicit host bounds. Empty bounds fall back to network+1 and broadcast-1.
func ParseHostRange(network, mask, hostMin, hostMax string) (HostRange, error) {
	netIP, err := IPv4ToUint32(network)
	if err != nil {
		return HostRange{}, err
	}
	prefix, err := ParseMask(mask)
	if err != nil {
		return HostRange{}, err
	}

	r := HostRange{Prefix: prefix}
	r.Network, r.Broadcast = NetworkBounds(netIP, prefix)
	if r.Network != netIP {
		return HostRange{}, fmt.Errorf("%s is not the network address of /%d", network, prefix)
	}
	r.First, r.Last = DefaultHostBounds(r.Network, r.Broadcast, prefix)

	if hostMin != "" {
		if r.First, err = IPv4ToUint32(hostMin); err != nil {
			return HostRange{}, err
		}
	}
	if hostMax != "" {
		if r.Last, err = IPv4ToUint32(hostMax); err != nil {
			return HostRange{}, err
		}
	}

	if !r.InNetwork(r.First) || !r.InNetwork(r.Last) {
		return HostRange{}, fmt.Errorf("host bounds %s-%s fall outside %s",
			Uint32ToIPv4(r.First), Uint32ToIPv4(r.Last), r.CIDR())
	}
	if r.First > r.Last {
		return HostRange{}, fmt.Errorf("host_min %s is greater than host_max %s",
			Uint32ToIPv4(r.First), Uint32ToIPv4(r.Last))
	}
	if r.Size() > MaxHostsPerRange {
		return HostRange{}, fmt.Errorf("range holds %d hosts, limit is %d", r.Size(), MaxHostsPerRange)
	}
	return r, nil
}

// ParseInterfaceCIDR parses an interface address such as "192.168.10.1/29"
// into the HostRange of the network it belongs to
func ParseInterfaceCIDR(cidr string) (HostRange, error) {
	ip, ipNet, err := net.ParseCIDR(strings.TrimSpace(cidr))
	if err != nil {
		return HostRange{}, fmt.Errorf("invalid CIDR: %s", cidr)
	}
	if !IsIPv4(ip) {
		return HostRange{}, fmt.Errorf("not an IPv4 CIDR: %s", cidr)
	}
	prefix, _ := ipNet.Mask.Size()
	return ParseHostRange(ipNet.IP.String(), strconv.Itoa(prefix), "", "")
}
