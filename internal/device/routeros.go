package device

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-routeros/routeros/v3"

	"isp-network-api/internal/models"
)

// RouterOSClient reads a MikroTik router over the RouterOS API
type RouterOSClient struct {
	host    string
	conn    *routeros.Client
	timeout time.Duration
	mu      sync.Mutex
	closed  bool
}

// DialRouterOS logs in to the router's API endpoint
func DialRouterOS(ctx context.Context, creds models.DeviceCredentials, timeout time.Duration) (*RouterOSClient, error) {
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		conn *routeros.Client
		err  error
	)
	if creds.UseTLS {
		// RouterOS ships self-signed API certificates.
		tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: true}
		conn, err = routeros.DialTLSContext(dctx, creds.Address(), creds.Username, creds.Password, tlsConfig)
	} else {
		conn, err = routeros.DialContext(dctx, creds.Address(), creds.Username, creds.Password)
	}
	if err != nil {
		return nil, deviceErr(creds.Host, "dial", err)
	}

	return &RouterOSClient{host: creds.Host, conn: conn, timeout: timeout}, nil
}

func (c *RouterOSClient) Host() string { return c.host }

// run executes one command and returns its reply rows. The API client has no
// context support, so a cancelled context closes the connection.
func (c *RouterOSClient) run(ctx context.Context, op string, sentence ...string) ([]map[string]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, deviceErr(c.host, op, ErrSessionClosed)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	type result struct {
		reply *routeros.Reply
		err   error
	}
	done := make(chan result, 1)
	go func() {
		reply, err := c.conn.Run(sentence...)
		done <- result{reply: reply, err: err}
	}()

	select {
	case <-ctx.Done():
		// a late reply would desync the session, so it cannot be reused
		c.conn.Close()
		c.closed = true
		return nil, deviceErr(c.host, op, waitErr(ctx, c.timeout))
	case res := <-done:
		if res.err != nil {
			return nil, deviceErr(c.host, op, res.err)
		}
		rows := make([]map[string]string, 0, len(res.reply.Re))
		for _, re := range res.reply.Re {
			rows = append(rows, re.Map)
		}
		return rows, nil
	}
}

// ErrSessionClosed is returned by a RouterOSClient whose session was torn
// down after a request timed out. Callers redial.
var ErrSessionClosed = errors.New("api session closed after a timed out request")

// waitErr describes why a request stopped waiting for its reply
func waitErr(ctx context.Context, timeout time.Duration) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("no reply within %s: %w", timeout, context.DeadlineExceeded)
	}
	return ctx.Err()
}

func (c *RouterOSClient) TestConnection(ctx context.Context) error {
	_, err := c.run(ctx, "identity", "/system/identity/print")
	return err
}

func (c *RouterOSClient) SystemInfo(ctx context.Context) (*SystemInfo, error) {
	identity, err := c.run(ctx, "identity", "/system/identity/print")
	if err != nil {
		return nil, err
	}
	resource, err := c.run(ctx, "resource", "/system/resource/print")
	if err != nil {
		return nil, err
	}

	info := &SystemInfo{}
	if len(identity) > 0 {
		info.Identity = identity[0]["name"]
	}
	if len(resource) > 0 {
		r := resource[0]
		info.Version = r["version"]
		info.Board = r["board-name"]
		info.Uptime = r["uptime"]
		info.CPULoad, _ = strconv.Atoi(r["cpu-load"])
		info.FreeMemory, _ = strconv.ParseUint(r["free-memory"], 10, 64)
		info.TotalMemory, _ = strconv.ParseUint(r["total-memory"], 10, 64)
	}
	return info, nil
}

func (c *RouterOSClient) ListInterfaces(ctx context.Context) ([]Interface, error) {
	rows, err := c.run(ctx, "interfaces", "/interface/print")
	if err != nil {
		return nil, err
	}
	return parseInterfaces(rows), nil
}

func (c *RouterOSClient) ListIPAddresses(ctx context.Context) ([]IPAddress, error) {
	rows, err := c.run(ctx, "addresses", "/ip/address/print")
	if err != nil {
		return nil, err
	}
	return parseIPAddresses(rows), nil
}

func (c *RouterOSClient) TrafficSnapshot(ctx context.Context) ([]InterfaceCounters, error) {
	rows, err := c.run(ctx, "traffic", "/interface/print", "=.proplist=name,tx-byte,rx-byte,running")
	if err != nil {
		return nil, err
	}
	return parseCounters(rows), nil
}

func (c *RouterOSClient) ListPPPSecrets(ctx context.Context) ([]PPPSecret, error) {
	rows, err := c.run(ctx, "ppp-secrets", "/ppp/secret/print")
	if err != nil {
		return nil, err
	}
	secrets := make([]PPPSecret, 0, len(rows))
	for _, r := range rows {
		secrets = append(secrets, PPPSecret{
			Name:          r["name"],
			Profile:       r["profile"],
			RemoteAddress: r["remote-address"],
			Disabled:      parseBool(r["disabled"]),
		})
	}
	return secrets, nil
}

func (c *RouterOSClient) ListPPPSessions(ctx context.Context) ([]PPPSession, error) {
	rows, err := c.run(ctx, "ppp-active", "/ppp/active/print")
	if err != nil {
		return nil, err
	}
	sessions := make([]PPPSession, 0, len(rows))
	for _, r := range rows {
		sessions = append(sessions, PPPSession{
			Name:     r["name"],
			Address:  r["address"],
			CallerID: r["caller-id"],
			Uptime:   r["uptime"],
		})
	}
	return sessions, nil
}

func (c *RouterOSClient) ListQueues(ctx context.Context) ([]Queue, error) {
	rows, err := c.run(ctx, "queues", "/queue/simple/print")
	if err != nil {
		return nil, err
	}
	queues := make([]Queue, 0, len(rows))
	for _, r := range rows {
		queues = append(queues, Queue{
			Name:     r["name"],
			Target:   r["target"],
			MaxLimit: r["max-limit"],
			Rate:     r["rate"],
			Disabled: parseBool(r["disabled"]),
		})
	}
	return queues, nil
}

func (c *RouterOSClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.conn.Close()
		c.closed = true
	}
	return nil
}

func parseInterfaces(rows []map[string]string) []Interface {
	out := make([]Interface, 0, len(rows))
	for _, r := range rows {
		out = append(out, Interface{
			Name:       r["name"],
			Type:       r["type"],
			MACAddress: r["mac-address"],
			Running:    parseBool(r["running"]),
			Disabled:   parseBool(r["disabled"]),
			Comment:    r["comment"],
		})
	}
	return out
}

func parseIPAddresses(rows []map[string]string) []IPAddress {
	out := make([]IPAddress, 0, len(rows))
	for _, r := range rows {
		out = append(out, IPAddress{
			Address:   r["address"],
			Network:   r["network"],
			Interface: r["interface"],
			Disabled:  parseBool(r["disabled"]) || parseBool(r["invalid"]),
			Dynamic:   parseBool(r["dynamic"]),
		})
	}
	return out
}

func parseCounters(rows []map[string]string) []InterfaceCounters {
	out := make([]InterfaceCounters, 0, len(rows))
	for _, r := range rows {
		tx, _ := strconv.ParseUint(r["tx-byte"], 10, 64)
		rx, _ := strconv.ParseUint(r["rx-byte"], 10, 64)
		out = append(out, InterfaceCounters{
			Name:    r["name"],
			TxBytes: tx,
			RxBytes: rx,
			Running: parseBool(r["running"]),
		})
	}
	return out
}

func parseBool(v string) bool {
	return strings.EqualFold(v, "true") || v == "yes"
}
