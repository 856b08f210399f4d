// Package gateway owns the lifecycle of device entries: setup, unload,
// reload and background retry of entries that are not ready.
package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/bleswitch/internal/config"
	"github.com/srg/bleswitch/internal/connmgr"
	"github.com/srg/bleswitch/internal/device"
	"github.com/srg/bleswitch/internal/groutine"
	"github.com/srg/bleswitch/internal/scanner"
	"github.com/srg/bleswitch/internal/store"
	"github.com/srg/bleswitch/internal/switches"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultRetryInitial = 5 * time.Second
	DefaultRetryMax     = 5 * time.Minute
)

// Dispatcher is the advertisement source entries subscribe to. WaitFor
// ignores stored packets older than maxAge.
type Dispatcher interface {
	Subscribe(address string, fn scanner.Handler) func()
	WaitFor(ctx context.Context, address string, maxAge time.Duration) (scanner.Sighting, error)
}

// Registry persists switch state and the switches registered per entry.
type Registry interface {
	switches.StateStore
	RegisterEntities(ctx context.Context, entryID string, entities []store.Entity) error
	RemoveOrphans(ctx context.Context, entryID string, keep map[string]struct{}) (int, error)
}

type Options struct {
	Logger           *logrus.Logger
	Registry         Registry
	ConnOptions      []connmgr.Option
	RetryInitial     time.Duration
	RetryMax         time.Duration
	WatchdogInterval time.Duration
}

// Gateway serves the configured devices.
type Gateway struct {
	disp             Dispatcher
	store            Registry
	logger           *logrus.Logger
	connOpts         []connmgr.Option
	retryInitial     time.Duration
	retryMax         time.Duration
	watchdogInterval time.Duration

	mu           sync.RWMutex
	ctx          context.Context
	availability config.AvailabilityConfig
	order        []string
	entries      map[string]*Entry
	generation   uint64
	cancelRetry  context.CancelFunc
	listeners    map[uint64]func()
	nextID       uint64

	workers groutine.Group
}

func New(disp Dispatcher, opts Options) *Gateway {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.RetryInitial <= 0 {
		opts.RetryInitial = DefaultRetryInitial
	}
	if opts.RetryMax <= 0 {
		opts.RetryMax = DefaultRetryMax
	}
	return &Gateway{
		disp:             disp,
		store:            opts.Registry,
		logger:           opts.Logger,
		connOpts:         opts.ConnOptions,
		retryInitial:     opts.RetryInitial,
		retryMax:         opts.RetryMax,
		watchdogInterval: opts.WatchdogInterval,
		ctx:              context.Background(),
		availability:     config.Default().Availability,
		entries:          make(map[string]*Entry),
		listeners:        make(map[uint64]func()),
		cancelRetry:      func() {},
	}
}

// Start binds the background work of entries to ctx.
func (g *Gateway) Start(ctx context.Context) {
	g.mu.Lock()
	g.ctx = ctx
	g.mu.Unlock()
}

func (g *Gateway) baseContext() context.Context {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.ctx
}

// AddListener registers fn to run whenever the set of served entries changes.
func (g *Gateway) AddListener(fn func()) func() {
	g.mu.Lock()
	id := g.nextID
	g.nextID++
	g.listeners[id] = fn
	g.mu.Unlock()

	return func() {
		g.mu.Lock()
		delete(g.listeners, id)
		g.mu.Unlock()
	}
}

func (g *Gateway) notify() {
	g.mu.RLock()
	fns := make([]func(), 0, len(g.listeners))
	for _, fn := range g.listeners {
		fns = append(fns, fn)
	}
	g.mu.RUnlock()

	for _, fn := range fns {
		fn()
	}
}

// Reload unloads every entry and sets up the devices of cfg. Devices that are
// not ready are retried in the background while the others are served.
func (g *Gateway) Reload(ctx context.Context, cfg *config.Config) error {
	g.mu.Lock()
	g.cancelRetry()
	old := g.entries
	g.entries = make(map[string]*Entry)
	g.order = g.order[:0]
	g.generation++
	gen := g.generation
	g.availability = cfg.Availability
	retryCtx, cancel := context.WithCancel(g.ctx)
	g.cancelRetry = cancel
	for _, dc := range cfg.Devices {
		g.order = append(g.order, device.AddressKey(dc.MACAddress))
	}
	g.mu.Unlock()

	for _, e := range old {
		g.unload(e)
	}
	if len(old) > 0 {
		g.logger.WithField("count", len(old)).Info("Unloaded entries")
	}

	var eg errgroup.Group
	for _, dc := range cfg.Devices {
		eg.Go(func() error {
			entry, err := g.SetupEntry(ctx, dc)
			switch {
			case err == nil:
				g.add(gen, entry)
			case errors.Is(err, ErrEntryNotReady):
				g.logger.WithField("address", dc.MACAddress).WithError(err).Warn("Entry not ready, retrying in background")
				g.scheduleRetry(retryCtx, gen, dc)
			default:
				g.logger.WithField("address", dc.MACAddress).WithError(err).Error("Entry setup failed")
			}
			return nil
		})
	}
	_ = eg.Wait()

	g.notify()
	return ctx.Err()
}

// add stores entry unless a newer reload superseded the one that built it.
func (g *Gateway) add(gen uint64, entry *Entry) bool {
	g.mu.Lock()
	if gen != g.generation {
		g.mu.Unlock()
		g.unload(entry)
		return false
	}
	g.entries[entry.ID] = entry
	g.mu.Unlock()
	return true
}

func (g *Gateway) scheduleRetry(ctx context.Context, gen uint64, dc config.DeviceConfig) {
	g.workers.Go(ctx, "entry-retry-"+device.AddressKey(dc.MACAddress), func(ctx context.Context) {
		log := g.logger.WithField("address", dc.MACAddress)
		delay := g.retryInitial
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}

			entry, err := g.SetupEntry(ctx, dc)
			if err == nil {
				if g.add(gen, entry) {
					log.Info("Entry set up after retry")
					g.notify()
				}
				return
			}
			if ctx.Err() != nil {
				return
			}
			if !errors.Is(err, ErrEntryNotReady) {
				log.WithError(err).Error("Entry setup failed")
				return
			}

			delay *= 2
			if delay > g.retryMax {
				delay = g.retryMax
			}
			log.WithError(err).WithField("next_attempt", delay).Debug("Entry still not ready")
		}
	})
}

// UnloadEntry stops and removes the entry for mac.
func (g *Gateway) UnloadEntry(mac string) bool {
	key := device.AddressKey(mac)
	g.mu.Lock()
	entry, ok := g.entries[key]
	delete(g.entries, key)
	g.mu.Unlock()

	if !ok {
		return false
	}
	g.unload(entry)
	g.notify()
	return true
}

// Close cancels retries and unloads every entry.
func (g *Gateway) Close() {
	g.mu.Lock()
	g.cancelRetry()
	g.generation++
	old := g.entries
	g.entries = make(map[string]*Entry)
	g.mu.Unlock()

	g.workers.Wait()
	for _, e := range old {
		g.unload(e)
	}
}

// Entries returns the served entries in configuration order.
func (g *Gateway) Entries() []*Entry {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]*Entry, 0, len(g.entries))
	for _, key := range g.order {
		if e, ok := g.entries[key]; ok {
			out = append(out, e)
		}
	}
	return out
}

// Entry returns the served entry for mac.
func (g *Gateway) Entry(mac string) (*Entry, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	e, ok := g.entries[device.AddressKey(mac)]
	return e, ok
}

// Switches returns every switch of every served entry.
func (g *Gateway) Switches() []*switches.Switch {
	var out []*switches.Switch
	for _, e := range g.Entries() {
		out = append(out, e.Switches...)
	}
	return out
}
