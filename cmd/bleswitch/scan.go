package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/bleswitch/internal/device"
	"github.com/srg/bleswitch/internal/devicefactory"
	"github.com/srg/bleswitch/internal/scanner"
)

var validFormats = []string{"table", "json"}

type scanFlags struct {
	duration  time.Duration
	format    string
	services  []string
	allowList []string
	blockList []string
}

func newScanCmd() *cobra.Command {
	f := &scanFlags{}
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan for BLE devices",
		Long: `Scan for nearby Bluetooth Low Energy devices and list their
addresses, names, signal strength and advertised services.

Use the address and a service UUID from this list when configuring a device.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runScan(cmd, f)
		},
	}
	cmd.Flags().DurationVarP(&f.duration, "duration", "d", 10*time.Second, "Scan duration")
	cmd.Flags().StringVarP(&f.format, "format", "f", "table", "Output format (table, json)")
	cmd.Flags().StringSliceVarP(&f.services, "services", "s", nil, "Only show devices advertising these service UUIDs")
	cmd.Flags().StringSliceVar(&f.allowList, "allow", nil, "Only show devices with these addresses")
	cmd.Flags().StringSliceVar(&f.blockList, "block", nil, "Hide devices with these addresses")
	return cmd
}

func runScan(cmd *cobra.Command, f *scanFlags) error {
	if !contains(validFormats, f.format) {
		return fmt.Errorf("invalid format '%s': must be one of %v", f.format, validFormats)
	}
	if f.duration <= 0 {
		return fmt.Errorf("scan duration must be positive")
	}

	var serviceUUIDs []string
	if len(f.services) > 0 {
		var err error
		serviceUUIDs, err = device.ValidateUUID(f.services...)
		if err != nil {
			return fmt.Errorf("invalid service UUID: %w", err)
		}
	}

	logger, err := configureLogger(cmd, logrus.PanicLevel)
	if err != nil {
		return err
	}

	// Arguments are valid, runtime errors should not print usage
	cmd.SilenceUsage = true

	s, err := devicefactory.NewScanner()
	if err != nil {
		return fmt.Errorf("failed to create BLE scanner: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	progress := NewCountdownProgressPrinter(cmd.ErrOrStderr(), "Scanning for BLE devices", "Scanning", f.duration, "Processing results")
	progress.Start()
	defer progress.Stop()

	devices, err := scanner.Discover(ctx, s, &scanner.ScanOptions{
		Duration:     f.duration,
		ServiceUUIDs: serviceUUIDs,
		AllowList:    f.allowList,
		BlockList:    f.blockList,
	}, logger, progress.Callback())
	progress.Stop()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	if f.format == "json" {
		return renderDevicesJSON(cmd.OutOrStdout(), devices)
	}
	return renderDevicesTable(cmd.OutOrStdout(), devices, time.Now())
}

// rssiColor grades signal strength.
func rssiColor(rssi int) *color.Color {
	switch {
	case rssi >= -60:
		return color.New(color.FgGreen)
	case rssi >= -80:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgRed)
	}
}

func renderDevicesTable(out io.Writer, devices []scanner.DeviceInfo, now time.Time) error {
	if len(devices) == 0 {
		_, err := fmt.Fprintln(out, "No devices discovered")
		return err
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS\tRSSI\tSERVICES\tLAST SEEN")

	for _, d := range devices {
		name := d.Name
		if name == "" {
			name = "(unknown)"
		}
		if len(name) > 20 {
			name = name[:17] + "..."
		}

		services := strings.Join(d.Services, ",")
		if len(services) > 30 {
			services = services[:27] + "..."
		}

		rssi := rssiColor(d.RSSI).Sprintf("%d dBm", d.RSSI)
		lastSeen := now.Sub(d.LastSeen).Truncate(time.Second)

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s ago\n", name, d.Address, rssi, services, lastSeen)
	}
	return w.Flush()
}

func renderDevicesJSON(out io.Writer, devices []scanner.DeviceInfo) error {
	if devices == nil {
		devices = []scanner.DeviceInfo{}
	}
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(devices)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
