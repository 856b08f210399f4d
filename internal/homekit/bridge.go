// Package homekit publishes the served switches as a HomeKit bridge.
package homekit

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/brutella/hap"
	"github.com/brutella/hap/accessory"
	haplog "github.com/brutella/hap/log"
	"github.com/sirupsen/logrus"
	"github.com/srg/bleswitch/internal/config"
	"github.com/srg/bleswitch/internal/gateway"
	"github.com/srg/bleswitch/internal/groutine"
)

// Version is reported as the firmware revision of every accessory.
var Version = "dev"

// Source provides the switches to publish.
type Source interface {
	Entries() []*gateway.Entry
	AddListener(fn func()) func()
}

// Bridge serves a HomeKit bridge with one accessory per switch.
type Bridge struct {
	cfg    config.HomeKitConfig
	source Source
	logger *logrus.Logger

	// linkChanges is nil when link monitoring is not available
	linkChanges func(ctx context.Context, logger *logrus.Logger) <-chan struct{}
	newServer   func(root *accessory.A, accs []*accessory.A) (server, error)
}

type server interface {
	ListenAndServe(ctx context.Context) error
}

func New(cfg config.HomeKitConfig, source Source, logger *logrus.Logger) *Bridge {
	if logger == nil {
		logger = logrus.New()
	}
	b := &Bridge{
		cfg:         cfg,
		source:      source,
		logger:      logger,
		linkChanges: linkChanges,
	}
	b.newServer = b.hapServer
	return b
}

func (b *Bridge) hapServer(root *accessory.A, accs []*accessory.A) (server, error) {
	dir, err := filepath.Abs(b.cfg.StorageDir)
	if err != nil {
		return nil, fmt.Errorf("invalid HomeKit storage dir %s: %w", b.cfg.StorageDir, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create HomeKit storage dir: %w", err)
	}

	s, err := hap.NewServer(hap.NewFsStore(dir), root, accs...)
	if err != nil {
		return nil, fmt.Errorf("failed to create HomeKit server: %w", err)
	}
	s.Pin = b.cfg.Pin
	s.Addr = b.cfg.Addr
	return s, nil
}

// build creates the bridge accessory and one accessory per served switch.
func (b *Bridge) build() (*accessory.A, []*switchAccessory) {
	root := accessory.NewBridge(accessory.Info{
		Name:         b.cfg.Name,
		SerialNumber: "bleswitch",
		Manufacturer: "bleswitch",
		Model:        "BLE Switch Bridge",
		Firmware:     Version,
	})
	root.A.Id = bridgeID

	var accs []*switchAccessory
	for _, entry := range b.source.Entries() {
		for _, sw := range entry.Switches {
			accs = append(accs, newSwitchAccessory(entry, sw, b.logger))
		}
	}
	return root.A, accs
}

// Serve publishes the bridge until ctx is done. The server is rebuilt when
// the served entries change or a network link changes.
func (b *Bridge) Serve(ctx context.Context) error {
	if b.logger.IsLevelEnabled(logrus.DebugLevel) {
		haplog.Debug.Enable()
	}

	restart := make(chan struct{}, 1)
	remove := b.source.AddListener(func() {
		select {
		case restart <- struct{}{}:
		default:
		}
	})
	defer remove()

	var links <-chan struct{}
	if b.linkChanges != nil {
		links = b.linkChanges(ctx, b.logger)
	}

	for {
		root, accs := b.build()
		hapAccs := make([]*accessory.A, 0, len(accs))
		for _, a := range accs {
			hapAccs = append(hapAccs, a.A)
		}

		srv, err := b.newServer(root, hapAccs)
		if err != nil {
			closeAll(accs)
			return err
		}
		b.logger.WithField("accessories", len(hapAccs)).Info("Serving HomeKit bridge")

		srvCtx, cancel := context.WithCancel(ctx)
		var wg sync.WaitGroup
		wg.Add(1)
		groutine.Go(srvCtx, "homekit-server", func(ctx context.Context) {
			defer wg.Done()
			if err := srv.ListenAndServe(ctx); err != nil && ctx.Err() == nil {
				b.logger.WithError(err).Error("HomeKit server stopped")
			}
		})

		stop := func() {
			cancel()
			wg.Wait()
			closeAll(accs)
		}

		select {
		case <-ctx.Done():
			stop()
			b.logger.Info("HomeKit bridge stopped")
			return nil
		case <-restart:
			b.logger.Info("Served devices changed, restarting HomeKit bridge")
		case <-links:
			b.logger.Info("Network link changed, restarting HomeKit bridge")
		}
		stop()
	}
}

func closeAll(accs []*switchAccessory) {
	for _, a := range accs {
		a.close()
	}
}
