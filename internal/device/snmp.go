package device

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gosnmp/gosnmp"

	"isp-network-api/internal/models"
)

// Standard MIB-II / IF-MIB OIDs
const (
	oidSysDescr  = ".1.3.6.1.2.1.1.1.0"
	oidSysUptime = ".1.3.6.1.2.1.1.3.0"
	oidSysName   = ".1.3.6.1.2.1.1.5.0"

	oidIfPhysAddress = ".1.3.6.1.2.1.2.2.1.6"
	oidIfAdminStatus = ".1.3.6.1.2.1.2.2.1.7"
	oidIfOperStatus  = ".1.3.6.1.2.1.2.2.1.8"
	oidIfName        = ".1.3.6.1.2.1.31.1.1.1.1"
	oidIfHCInOctets  = ".1.3.6.1.2.1.31.1.1.1.6"
	oidIfHCOutOctets = ".1.3.6.1.2.1.31.1.1.1.10"
	oidIfAlias       = ".1.3.6.1.2.1.31.1.1.1.18"

	oidIPAdEntIfIndex = ".1.3.6.1.2.1.4.20.1.2"
	oidIPAdEntNetMask = ".1.3.6.1.2.1.4.20.1.3"

	oidHrProcessorLoad = ".1.3.6.1.2.1.25.3.3.1.2"
)

// SNMPClient reads an OLT or switch over SNMP v2c
type SNMPClient struct {
	host string
	snmp *gosnmp.GoSNMP
	mu   sync.Mutex
}

// DialSNMP opens the UDP socket and checks the agent answers
func DialSNMP(ctx context.Context, creds models.DeviceCredentials, timeout time.Duration, retries int) (*SNMPClient, error) {
	port := creds.Port
	if port == 0 {
		port = 161
	}
	community := creds.Community
	if community == "" {
		community = "public"
	}

	snmp := &gosnmp.GoSNMP{
		Target:         creds.Host,
		Port:           uint16(port),
		Community:      community,
		Version:        gosnmp.Version2c,
		Timeout:        timeout,
		Retries:        retries,
		MaxRepetitions: 25,
		Context:        ctx,
	}
	if err := snmp.Connect(); err != nil {
		return nil, deviceErr(creds.Host, "connect", err)
	}

	c := &SNMPClient{host: creds.Host, snmp: snmp}
	if err := c.TestConnection(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (c *SNMPClient) Host() string { return c.host }

func (c *SNMPClient) walk(ctx context.Context, op, oid string) ([]gosnmp.SnmpPDU, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.snmp.Context = ctx
	pdus, err := c.snmp.BulkWalkAll(oid)
	if err != nil {
		return nil, deviceErr(c.host, op, err)
	}
	return pdus, nil
}

func (c *SNMPClient) get(ctx context.Context, op string, oids ...string) ([]gosnmp.SnmpPDU, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.snmp.Context = ctx
	result, err := c.snmp.Get(oids)
	if err != nil {
		return nil, deviceErr(c.host, op, err)
	}
	return result.Variables, nil
}

func (c *SNMPClient) TestConnection(ctx context.Context) error {
	_, err := c.get(ctx, "sysName", oidSysName)
	return err
}

func (c *SNMPClient) SystemInfo(ctx context.Context) (*SystemInfo, error) {
	vars, err := c.get(ctx, "system", oidSysName, oidSysDescr, oidSysUptime)
	if err != nil {
		return nil, err
	}

	info := &SystemInfo{}
	for _, pdu := range vars {
		switch pdu.Name {
		case oidSysName:
			info.Identity = pduString(pdu)
		case oidSysDescr:
			info.Version = pduString(pdu)
		case oidSysUptime:
			ticks := gosnmp.ToBigInt(pdu.Value).Int64()
			info.Uptime = (time.Duration(ticks) * 10 * time.Millisecond).String()
		}
	}

	// Not every agent implements HOST-RESOURCES-MIB.
	if loads, err := c.walk(ctx, "cpu", oidHrProcessorLoad); err == nil && len(loads) > 0 {
		var sum int64
		for _, pdu := range loads {
			sum += gosnmp.ToBigInt(pdu.Value).Int64()
		}
		info.CPULoad = int(sum / int64(len(loads)))
	}
	return info, nil
}

func (c *SNMPClient) ifNames(ctx context.Context) (map[string]string, error) {
	pdus, err := c.walk(ctx, "ifName", oidIfName)
	if err != nil {
		return nil, err
	}
	names := make(map[string]string, len(pdus))
	for _, pdu := range pdus {
		if idx, ok := oidSuffix(pdu.Name, oidIfName); ok {
			names[idx] = pduString(pdu)
		}
	}
	return names, nil
}

func (c *SNMPClient) ListInterfaces(ctx context.Context) ([]Interface, error) {
	names, err := c.ifNames(ctx)
	if err != nil {
		return nil, err
	}
	oper, err := c.walkIndexed(ctx, "ifOperStatus", oidIfOperStatus)
	if err != nil {
		return nil, err
	}
	admin, err := c.walkIndexed(ctx, "ifAdminStatus", oidIfAdminStatus)
	if err != nil {
		return nil, err
	}
	phys, _ := c.walkIndexed(ctx, "ifPhysAddress", oidIfPhysAddress)
	alias, _ := c.walkIndexed(ctx, "ifAlias", oidIfAlias)

	out := make([]Interface, 0, len(names))
	for _, idx := range sortedIndexes(names) {
		iface := Interface{
			Name:     names[idx],
			Running:  gosnmp.ToBigInt(oper[idx].Value).Int64() == 1,
			Disabled: gosnmp.ToBigInt(admin[idx].Value).Int64() == 2,
			Comment:  pduString(alias[idx]),
		}
		if raw, ok := phys[idx].Value.([]byte); ok && len(raw) == 6 {
			iface.MACAddress = strings.ToUpper(net.HardwareAddr(raw).String())
		}
		out = append(out, iface)
	}
	return out, nil
}

func (c *SNMPClient) walkIndexed(ctx context.Context, op, oid string) (map[string]gosnmp.SnmpPDU, error) {
	pdus, err := c.walk(ctx, op, oid)
	if err != nil {
		return nil, err
	}
	out := make(map[string]gosnmp.SnmpPDU, len(pdus))
	for _, pdu := range pdus {
		if idx, ok := oidSuffix(pdu.Name, oid); ok {
			out[idx] = pdu
		}
	}
	return out, nil
}

func (c *SNMPClient) ListIPAddresses(ctx context.Context) ([]IPAddress, error) {
	names, err := c.ifNames(ctx)
	if err != nil {
		return nil, err
	}
	ifIndex, err := c.walkIndexed(ctx, "ipAdEntIfIndex", oidIPAdEntIfIndex)
	if err != nil {
		return nil, err
	}
	masks, err := c.walkIndexed(ctx, "ipAdEntNetMask", oidIPAdEntNetMask)
	if err != nil {
		return nil, err
	}

	out := make([]IPAddress, 0, len(ifIndex))
	for _, addr := range sortedIndexes(ifIndex) {
		ones, _ := net.IPMask(net.ParseIP(pduString(masks[addr])).To4()).Size()
		idx := gosnmp.ToBigInt(ifIndex[addr].Value).String()
		cidr := fmt.Sprintf("%s/%d", addr, ones)
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			continue
		}
		out = append(out, IPAddress{
			Address:   cidr,
			Network:   network.IP.String(),
			Interface: names[idx],
		})
	}
	return out, nil
}

func (c *SNMPClient) TrafficSnapshot(ctx context.Context) ([]InterfaceCounters, error) {
	names, err := c.ifNames(ctx)
	if err != nil {
		return nil, err
	}
	in, err := c.walkIndexed(ctx, "ifHCInOctets", oidIfHCInOctets)
	if err != nil {
		return nil, err
	}
	outOctets, err := c.walkIndexed(ctx, "ifHCOutOctets", oidIfHCOutOctets)
	if err != nil {
		return nil, err
	}
	oper, _ := c.walkIndexed(ctx, "ifOperStatus", oidIfOperStatus)

	counters := make([]InterfaceCounters, 0, len(names))
	for _, idx := range sortedIndexes(names) {
		rx, okIn := in[idx]
		tx, okOut := outOctets[idx]
		if !okIn || !okOut {
			continue
		}
		counters = append(counters, InterfaceCounters{
			Name:    names[idx],
			RxBytes: gosnmp.ToBigInt(rx.Value).Uint64(),
			TxBytes: gosnmp.ToBigInt(tx.Value).Uint64(),
			Running: gosnmp.ToBigInt(oper[idx].Value).Int64() == 1,
		})
	}
	return counters, nil
}

func (c *SNMPClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.snmp.Conn == nil {
		return nil
	}
	return c.snmp.Conn.Close()
}

// oidSuffix returns the index part of a table OID, e.g. "5" for ifName.5
func oidSuffix(name, base string) (string, bool) {
	if !strings.HasPrefix(name, base+".") {
		return "", false
	}
	return strings.TrimPrefix(name, base+"."), true
}

func pduString(pdu gosnmp.SnmpPDU) string {
	switch v := pdu.Value.(type) {
	case []byte:
		return string(v)
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// sortedIndexes orders table indexes numerically, component by component
func sortedIndexes[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	less := func(a, b string) bool {
		pa, pb := strings.Split(a, "."), strings.Split(b, ".")
		for i := 0; i < len(pa) && i < len(pb); i++ {
			na, _ := strconv.Atoi(pa[i])
			nb, _ := strconv.Atoi(pb[i])
			if na != nb {
				return na < nb
			}
		}
		return len(pa) < len(pb)
	}
	sort.Slice(keys, func(i, j int) bool { return less(keys[i], keys[j]) })
	return keys
}
