package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/bleswitch/internal/config"
	"github.com/srg/bleswitch/internal/connmgr"
	"github.com/srg/bleswitch/internal/devicefactory"
	"github.com/srg/bleswitch/internal/gateway"
	"github.com/srg/bleswitch/internal/homekit"
	"github.com/srg/bleswitch/internal/scanner"
	"github.com/srg/bleswitch/internal/store"
	"golang.org/x/sync/errgroup"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HomeKit bridge for the configured devices",
		Long: `Scan for the configured devices and publish their characteristics as
HomeKit switches.

The configuration file is watched; edits are applied without a restart.
SIGHUP forces a reload.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	path := configPath(cmd)
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	logger, err := configureLogger(cmd, cfg.Level())
	if err != nil {
		return err
	}
	levelPinned := cmd.Flags().Changed("log-level")
	cmd.SilenceUsage = true

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.StateDB, logger)
	if err != nil {
		return err
	}
	defer st.Close() //nolint:errcheck // closed on exit

	bleScanner, err := devicefactory.NewScanner()
	if err != nil {
		return fmt.Errorf("failed to create BLE scanner: %w", err)
	}
	disp := scanner.NewDispatcher(bleScanner, logger)

	gw := gateway.New(disp, gateway.Options{
		Logger:      logger,
		Registry:    st,
		ConnOptions: []connmgr.Option{connmgr.WithDeviceFactory(devicefactory.NewDevice)},
	})
	gw.Start(ctx)
	defer gw.Close()

	bridge := homekit.New(cfg.HomeKit, gw, logger)

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	changed := make(chan struct{}, 1)
	trigger := func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	}

	logger.WithFields(logrus.Fields{
		"config":  path,
		"devices": len(cfg.Devices),
		"version": formatVersion(version),
	}).Info("Starting bleswitch")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return disp.Run(gctx) })
	g.Go(func() error { return bridge.Serve(gctx) })
	g.Go(func() error { return config.Watch(gctx, path, logger, trigger) })
	g.Go(func() error {
		reload := func(next *config.Config) {
			if !levelPinned {
				logger.SetLevel(next.Level())
			}
			if next.HomeKit != cfg.HomeKit {
				logger.Warn("HomeKit settings changed, restart to apply them")
			}
			if err := gw.Reload(gctx, next); err != nil && !errors.Is(err, context.Canceled) {
				logger.WithError(err).Error("Reload failed")
			}
		}

		reload(cfg)
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-hup:
				logger.Info("SIGHUP received, reloading configuration")
			case <-changed:
				logger.Info("Configuration file changed, reloading")
			}

			next, err := config.Load(path)
			if err != nil {
				logger.WithError(err).Error("Keeping current configuration")
				continue
			}
			reload(next)
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("Stopped")
	return nil
}
