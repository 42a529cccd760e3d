package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"isp-network-api/internal/device"
	"isp-network-api/internal/models"
	"isp-network-api/internal/pool"
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Check a router or OLT answers and print what it reports",
	RunE:  runProbe,
}

var poolCmd = &cobra.Command{
	Use:   "pool",
	Short: "Compute the occupancy of an address range offline",
	Example: `  isp-network-api pool --cidr 192.168.10.1/29 --bound 192.168.10.2 --bound 192.168.10.3
  isp-network-api pool --cidr 10.20.0.0/24 --host-min 10.20.0.10 --host-max 10.20.0.20`,
	RunE: runPool,
}

var (
	probeCreds   models.DeviceCredentials
	probeKind    string
	probeTimeout time.Duration
	probeRetries int

	poolCIDR    string
	poolHostMin string
	poolHostMax string
	poolBound   []string
	poolSlots   bool
)

func init() {
	probeCmd.Flags().StringVar(&probeCreds.Host, "host", "", "Device management address")
	probeCmd.Flags().StringVar(&probeKind, "kind", string(models.DeviceRouterOS), "Device kind (routeros, snmp)")
	probeCmd.Flags().IntVar(&probeCreds.Port, "port", 0, "Management port (default per kind)")
	probeCmd.Flags().StringVarP(&probeCreds.Username, "user", "u", "", "RouterOS API user")
	probeCmd.Flags().StringVarP(&probeCreds.Password, "password", "p", "", "RouterOS API password")
	probeCmd.Flags().StringVar(&probeCreds.Community, "community", "public", "SNMP community")
	probeCmd.Flags().BoolVar(&probeCreds.UseTLS, "tls", false, "Use the RouterOS API over TLS")
	probeCmd.Flags().DurationVar(&probeTimeout, "timeout", 5*time.Second, "Per-operation timeout")
	probeCmd.Flags().IntVar(&probeRetries, "retries", 1, "SNMP retries")
	_ = probeCmd.MarkFlagRequired("host")

	poolCmd.Flags().StringVar(&poolCIDR, "cidr", "", "Network or interface address with prefix, e.g. 192.168.10.1/29")
	poolCmd.Flags().StringVar(&poolHostMin, "host-min", "", "First assignable address (default: first host)")
	poolCmd.Flags().StringVar(&poolHostMax, "host-max", "", "Last assignable address (default: last host)")
	poolCmd.Flags().StringArrayVar(&poolBound, "bound", nil, "Address already bound (repeatable)")
	poolCmd.Flags().BoolVar(&poolSlots, "slots", false, "Print every slot, not just the summary")
	_ = poolCmd.MarkFlagRequired("cidr")
}

type probeOutput struct {
	Host       string             `json:"host"`
	System     *device.SystemInfo `json:"system,omitempty"`
	Interfaces []device.Interface `json:"interfaces"`
	Addresses  []device.IPAddress `json:"addresses"`
	Took       string             `json:"took"`
}

func runProbe(cmd *cobra.Command, args []string) error {
	probeCreds.Kind = models.DeviceKind(probeKind)
	if err := models.Validate(probeCreds); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 3*probeTimeout)
	defer cancel()

	start := time.Now()
	client, err := device.NewNetDialer(probeTimeout, probeRetries).Dial(ctx, probeCreds)
	if err != nil {
		return err
	}
	defer client.Close()

	out := probeOutput{Host: probeCreds.Host}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		out.System, err = client.SystemInfo(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		out.Interfaces, err = client.ListInterfaces(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		out.Addresses, err = client.ListIPAddresses(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}
	out.Took = time.Since(start).Round(time.Millisecond).String()
	return printJSON(out)
}

func runPool(cmd *cobra.Command, args []string) error {
	bindings := make([]models.Binding, 0, len(poolBound))
	for i, ip := range poolBound {
		bindings = append(bindings, models.Binding{Address: ip, ConnectionID: fmt.Sprintf("cli-%d", i+1)})
	}

	var (
		report *models.PoolReport
		err    error
	)
	if poolHostMin != "" || poolHostMax != "" {
		network, mask, ok := strings.Cut(poolCIDR, "/")
		if !ok {
			return fmt.Errorf("--cidr must include a prefix length")
		}
		report, err = pool.Compute(models.AddressRange{
			Network: network,
			Mask:    mask,
			HostMin: poolHostMin,
			HostMax: poolHostMax,
		}, bindings)
	} else {
		report, err = pool.ComputeCIDR(poolCIDR, bindings)
	}
	if err != nil {
		return err
	}
	if !poolSlots {
		report.Slots = nil
	}
	return printJSON(report)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
