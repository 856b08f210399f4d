package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode"

	"github.com/spf13/cobra"
	"github.com/srg/bleswitch/internal/homekit"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultConfigPath = "/etc/bleswitch/config.yaml"

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "bleswitch",
		Short: "Expose BLE characteristics as HomeKit switches",
		Long: `Bridge Bluetooth Low Energy peripherals to HomeKit.

Every configured characteristic becomes an on/off switch: turning it on
writes 0x01, turning it off writes 0x00. Device availability follows the
advertisements seen by one shared scan.`,
		Version: formatVersion(version),
	}

	// main() prints clean errors
	root.SilenceErrors = true

	root.AddCommand(newServeCmd())
	root.AddCommand(newScanCmd())
	root.AddCommand(newSwitchCmd())
	root.AddCommand(newConfigCmd())

	root.PersistentFlags().String("log-level", "", "Log level (trace, debug, info, warn, error)")
	root.PersistentFlags().StringP("config", "c", defaultConfigPath, "Path to the configuration file")
	root.Flags().BoolP("version", "v", false, "Show version information")
	return root
}

func main() {
	homekit.Version = formatVersion(version)

	if err := newRootCmd().Execute(); err != nil {
		// Ctrl+C is a normal exit
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		os.Exit(1)
	}
}
