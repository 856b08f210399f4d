package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/srg/bleswitch/internal/config"
	"github.com/srg/bleswitch/internal/connmgr"
	"github.com/srg/bleswitch/internal/coordinator"
	"github.com/srg/bleswitch/internal/device"
	"github.com/srg/bleswitch/internal/store"
	"github.com/srg/bleswitch/internal/switches"
)

// ErrEntryNotReady means the device could not be set up yet and the entry
// should be retried later.
var ErrEntryNotReady = errors.New("entry not ready")

// Entry is one configured device with everything built for it.
type Entry struct {
	ID          string
	Config      config.DeviceConfig
	Conn        *connmgr.Manager
	Coordinator *coordinator.Coordinator
	Switches    []*switches.Switch

	unsubscribe func()
}

// SetupEntry builds and starts the entry for one device. It fails with
// ErrEntryNotReady when the device is not seen advertising in time.
func (g *Gateway) SetupEntry(ctx context.Context, dc config.DeviceConfig) (*Entry, error) {
	mac := dc.MACAddress
	log := g.logger.WithField("address", mac)

	findCtx, cancel := context.WithTimeout(ctx, g.availability.StartupTimeout)
	sighting, err := g.disp.WaitFor(findCtx, mac, g.availability.UnavailableTimeout)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("%w: could not find BLE device with address %s", ErrEntryNotReady, mac)
	}

	entry := &Entry{
		ID:     device.AddressKey(mac),
		Config: dc,
	}
	entry.Conn = connmgr.New(mac, dc.ServiceUUID, dc.DisconnectDelay, append([]connmgr.Option{connmgr.WithLogger(g.logger)}, g.connOpts...)...)
	entry.Coordinator = coordinator.New(mac, deviceName(dc), entry.Conn, coordinator.Options{
		UnavailableTimeout: g.availability.UnavailableTimeout,
		StartupTimeout:     g.availability.StartupTimeout,
		WatchdogInterval:   g.watchdogInterval,
		Logger:             g.logger,
		OnRecovered:        entry.refreshAll(g.logger),
	})

	entry.unsubscribe = g.disp.Subscribe(mac, entry.Coordinator.HandleAdvertisement)
	entry.Coordinator.Start(g.baseContext())
	entry.Coordinator.HandleAdvertisementAt(sighting.Advertisement, sighting.Seen)

	log.Info("Waiting for device to advertise...")
	if !entry.Coordinator.WaitReady(ctx) {
		g.unload(entry)
		return nil, fmt.Errorf("%w: device %s is not advertising, ensure it is powered on and in range", ErrEntryNotReady, mac)
	}
	log.Info("Device is ready")

	info := switches.NewDeviceInfo(mac, dc.Name, dc.Manufacturer)
	for _, ch := range dc.Characteristics {
		sw := switches.New(ch.Name, ch.UUID, info, entry.Conn, entry.Coordinator, g.store, g.logger)
		if err := sw.Restore(ctx); err != nil {
			log.WithError(err).Warn("Failed to restore switch state")
		}
		entry.Switches = append(entry.Switches, sw)
	}

	if err := g.syncRegistry(ctx, entry); err != nil {
		log.WithError(err).Warn("Failed to update entity registry")
	}
	return entry, nil
}

// syncRegistry drops switches no longer configured and records current ones.
func (g *Gateway) syncRegistry(ctx context.Context, entry *Entry) error {
	if g.store == nil {
		return nil
	}
	log := g.logger.WithField("address", entry.Config.MACAddress)

	keep := make(map[string]struct{}, len(entry.Switches))
	entities := make([]store.Entity, 0, len(entry.Switches))
	for _, sw := range entry.Switches {
		keep[sw.UniqueID()] = struct{}{}
		entities = append(entities, store.Entity{UniqueID: sw.UniqueID(), Name: sw.Name(), CharUUID: sw.CharUUID()})
	}

	if len(entities) == 0 {
		log.Warn("No characteristics defined, add some with 'config add-char'")
	}
	if _, err := g.store.RemoveOrphans(ctx, entry.ID, keep); err != nil {
		return err
	}
	if len(entities) == 0 {
		return nil
	}
	log.WithField("count", len(entities)).Info("Adding BLE switch entities")
	return g.store.RegisterEntities(ctx, entry.ID, entities)
}

// refreshAll reads every switch after the device recovers from a failed write.
func (e *Entry) refreshAll(logger *logrus.Logger) coordinator.RecoveryFunc {
	return func(ctx context.Context) {
		for _, sw := range e.Switches {
			if err := sw.Refresh(ctx); err != nil {
				logger.WithFields(logrus.Fields{
					"address": e.Config.MACAddress,
					"switch":  sw.Name(),
				}).WithError(err).Warn("Failed to refresh state after recovery")
			}
		}
	}
}

func (g *Gateway) unload(entry *Entry) {
	if entry.unsubscribe != nil {
		entry.unsubscribe()
	}
	entry.Coordinator.Stop()
	if err := entry.Conn.Close(); err != nil {
		g.logger.WithField("address", entry.Config.MACAddress).WithError(err).Warn("Error closing connection")
	}
}

func deviceName(dc config.DeviceConfig) string {
	if dc.Name != "" {
		return dc.Name
	}
	return "BLE Device " + dc.MACAddress
}
