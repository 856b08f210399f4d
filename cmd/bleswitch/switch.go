package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/bleswitch/internal/connmgr"
	"github.com/srg/bleswitch/internal/device"
	"github.com/srg/bleswitch/internal/devicefactory"
	"github.com/srg/bleswitch/internal/switches"
)

type switchFlags struct {
	service string
	hold    time.Duration
	timeout time.Duration
}

func newSwitchCmd() *cobra.Command {
	f := &switchFlags{}
	cmd := &cobra.Command{
		Use:   "switch <mac> <char-uuid> on|off",
		Short: "Write a switch value once",
		Long: `Connect to a device, write 0x01 (on) or 0x00 (off) to a characteristic
and disconnect. Useful to check a characteristic before adding it to the
configuration.`,
		Example: `  bleswitch switch AA:BB:CC:DD:EE:FF ffe1 on
  bleswitch switch AA:BB:CC:DD:EE:FF ffe1 off --service ffe0 --hold 5s`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSwitch(cmd, f, args)
		},
	}
	cmd.Flags().StringVar(&f.service, "service", "", "Service UUID to look the characteristic up in first")
	cmd.Flags().DurationVar(&f.hold, "hold", 0, "Keep the connection open this long after the write")
	cmd.Flags().DurationVar(&f.timeout, "timeout", connmgr.OperationTimeout, "Connect and write timeout")
	return cmd
}

// parseState accepts on/off and the written byte values.
func parseState(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "on", "1", "0x01", "true":
		return true, nil
	case "off", "0", "0x00", "false":
		return false, nil
	default:
		return false, fmt.Errorf("%w: %q", ErrInvalidState, s)
	}
}

func runSwitch(cmd *cobra.Command, f *switchFlags, args []string) error {
	mac, err := device.NormalizeAddress(args[0])
	if err != nil {
		return err
	}
	if _, err := device.ValidateUUID(args[1]); err != nil {
		return fmt.Errorf("invalid characteristic UUID: %w", err)
	}
	if f.service != "" {
		if _, err := device.ValidateUUID(f.service); err != nil {
			return fmt.Errorf("invalid service UUID: %w", err)
		}
	}
	on, err := parseState(args[2])
	if err != nil {
		return err
	}

	logger, err := configureLogger(cmd, logrus.PanicLevel)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn := connmgr.New(mac, f.service, f.hold,
		connmgr.WithLogger(logger),
		connmgr.WithDeviceFactory(devicefactory.NewDevice),
		connmgr.WithOperationTimeout(f.timeout),
	)
	defer conn.Close() //nolint:errcheck // best effort on exit

	value := switches.OffValue
	if on {
		value = switches.OnValue
	}
	if err := conn.Write(ctx, args[1], []byte{value}); err != nil {
		return err
	}

	state := "OFF"
	if on {
		state = "ON"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %s\n", mac, args[1], state)

	if f.hold > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(f.hold):
		}
	}
	return nil
}

