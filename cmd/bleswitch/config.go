package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/bleswitch/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Check and edit the configuration file",
	}
	cmd.AddCommand(
		newConfigValidateCmd(),
		newConfigAddDeviceCmd(),
		newConfigAddCharCmd(),
		newConfigRemoveCharCmd(),
		newConfigSetDelayCmd(),
	)
	return cmd
}

func newConfigValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load the configuration and report problems",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := configPath(cmd)
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true

			out := cmd.OutOrStdout()
			var total int
			for _, d := range cfg.Devices {
				total += len(d.Characteristics)
			}
			fmt.Fprintf(out, "%s: OK (%d devices, %d switches)\n", path, len(cfg.Devices), total)
			for _, d := range cfg.Devices {
				fmt.Fprintf(out, "  %s %s, disconnect delay %s\n", d.MACAddress, d.Name, d.DisconnectDelay)
				if len(d.Characteristics) == 0 {
					fmt.Fprintln(out, "    (no characteristics, add some with 'config add-char')")
				}
				for i, c := range d.Characteristics {
					fmt.Fprintf(out, "    [%d] %s %s\n", i, c.Name, c.UUID)
				}
			}
			return nil
		},
	}
}

func newConfigAddDeviceCmd() *cobra.Command {
	var name, service string
	var delay time.Duration
	cmd := &cobra.Command{
		Use:   "add-device <mac>",
		Short: "Add a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if delay <= 0 {
				return fmt.Errorf("disconnect delay must be positive")
			}
			return editConfig(cmd, func(cfg *config.Config) (string, error) {
				err := cfg.AddDevice(config.DeviceConfig{
					Name:            name,
					MACAddress:      args[0],
					ServiceUUID:     service,
					DisconnectDelay: delay,
				})
				if err != nil {
					return "", err
				}
				return fmt.Sprintf("Added device %s", args[0]), nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Device name (required)")
	cmd.Flags().StringVar(&service, "service", "", "Service UUID holding the switch characteristics (required)")
	cmd.Flags().DurationVar(&delay, "delay", config.DefaultDisconnectDelay, "Disconnect delay after a command")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("service")
	return cmd
}

func newConfigAddCharCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add-char <mac> <name> <uuid>",
		Short: "Add a switch characteristic to a device",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return editConfig(cmd, func(cfg *config.Config) (string, error) {
				if err := cfg.AddCharacteristic(args[0], args[1], args[2]); err != nil {
					return "", err
				}
				return fmt.Sprintf("Added %s (%s) to %s", args[1], args[2], args[0]), nil
			})
		},
	}
}

func newConfigRemoveCharCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove-char <mac> <index>",
		Short: "Remove the characteristic at index, as listed by 'config validate'",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid index %q: %w", args[1], err)
			}
			return editConfig(cmd, func(cfg *config.Config) (string, error) {
				removed, err := cfg.RemoveCharacteristic(args[0], idx)
				if err != nil {
					return "", err
				}
				if !removed {
					return "", fmt.Errorf("no characteristic at index %d", idx)
				}
				return fmt.Sprintf("Removed characteristic %d from %s", idx, args[0]), nil
			})
		},
	}
}

func newConfigSetDelayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-delay <mac> <duration>",
		Short: "Set how long the connection stays open after a command",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			delay, err := parseDelay(args[1])
			if err != nil {
				return err
			}
			return editConfig(cmd, func(cfg *config.Config) (string, error) {
				if err := cfg.SetDisconnectDelay(args[0], delay); err != nil {
					return "", err
				}
				return fmt.Sprintf("Disconnect delay of %s set to %s", args[0], delay), nil
			})
		},
	}
}

// parseDelay accepts a duration or a plain number of seconds.
func parseDelay(s string) (time.Duration, error) {
	if secs, err := strconv.Atoi(s); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid delay %q: %w", s, err)
	}
	return d, nil
}

// editConfig loads the configuration, applies edit and saves the result.
// A missing file starts from the defaults.
func editConfig(cmd *cobra.Command, edit func(*config.Config) (string, error)) error {
	path := configPath(cmd)
	cfg, err := config.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg, err = config.Default(), nil
	}
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	msg, err := edit(cfg)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := cfg.Save(path); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), msg)
	return nil
}
