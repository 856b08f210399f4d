// Package coordinator tracks whether a configured device is reachable,
// from its advertisements and from the outcome of writes.
package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/bleswitch/internal/device"
	"github.com/srg/bleswitch/internal/groutine"
)

const (
	DefaultUnavailableTimeout = 45 * time.Second
	DefaultStartupTimeout     = 30 * time.Second
	DefaultWatchdogInterval   = 5 * time.Second
)

// Connector reports whether a live connection is held.
type Connector interface {
	IsConnected() bool
}

// RecoveryFunc runs after an advertisement clears a write failure.
type RecoveryFunc func(ctx context.Context)

type Options struct {
	UnavailableTimeout time.Duration
	StartupTimeout     time.Duration
	WatchdogInterval   time.Duration
	Logger             *logrus.Logger
	Now                func() time.Time
	OnRecovered        RecoveryFunc
}

// Coordinator is the availability authority for one device.
type Coordinator struct {
	address string
	name    string
	conn    Connector
	opts    Options

	mu        sync.Mutex
	lastSeen  time.Time
	lastAdv   device.Advertisement
	manual    bool
	stopped   bool
	listeners map[uint64]func()
	nextID    uint64

	ready     chan struct{}
	readyOnce sync.Once

	runCtx  context.Context
	cancel  context.CancelFunc
	workers groutine.Group
}

func New(address, name string, conn Connector, opts Options) *Coordinator {
	if opts.UnavailableTimeout <= 0 {
		opts.UnavailableTimeout = DefaultUnavailableTimeout
	}
	if opts.StartupTimeout <= 0 {
		opts.StartupTimeout = DefaultStartupTimeout
	}
	if opts.WatchdogInterval <= 0 {
		opts.WatchdogInterval = DefaultWatchdogInterval
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	c := &Coordinator{
		address:   address,
		name:      name,
		conn:      conn,
		opts:      opts,
		listeners: make(map[uint64]func()),
		ready:     make(chan struct{}),
		runCtx:    context.Background(),
	}
	c.opts.Logger.WithFields(logrus.Fields{
		"address": address,
		"timeout": opts.UnavailableTimeout,
	}).Info("Coordinator initialized")
	return c
}

func (c *Coordinator) log() *logrus.Entry {
	return c.opts.Logger.WithField("address", c.address)
}

func (c *Coordinator) Address() string { return c.address }
func (c *Coordinator) Name() string    { return c.name }

// LastSeen returns when the last advertisement arrived.
func (c *Coordinator) LastSeen() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen, !c.lastSeen.IsZero()
}

// LastAdvertisement returns the most recent packet, nil before the first one.
func (c *Coordinator) LastAdvertisement() device.Advertisement {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastAdv
}

// HandleAdvertisement records a packet from the device received now. A
// packet received after a write failure clears the failure, notifies
// listeners and starts the recovery hook.
func (c *Coordinator) HandleAdvertisement(adv device.Advertisement) {
	c.HandleAdvertisementAt(adv, c.opts.Now())
}

// HandleAdvertisementAt records a packet the radio reported at seen, used
// when replaying a stored packet. lastSeen never moves backwards.
func (c *Coordinator) HandleAdvertisementAt(adv device.Advertisement, seen time.Time) {
	c.mu.Lock()
	if !seen.Before(c.lastSeen) {
		c.lastSeen = seen
		c.lastAdv = adv
	}
	wasManual := c.manual
	c.manual = false
	runCtx := c.runCtx
	launch := wasManual && !c.stopped && c.opts.OnRecovered != nil
	if launch {
		// Add under mu so Stop cannot be in Wait yet
		c.workers.Go(runCtx, "coordinator-recovery", func(ctx context.Context) {
			c.opts.OnRecovered(ctx)
		})
	}
	c.mu.Unlock()

	log := c.log().WithField("rssi", adv.RSSI())
	if wasManual {
		log.Info("Device recovered, advertisement received")
	} else {
		log.Trace("Advertisement received")
	}

	c.readyOnce.Do(func() { close(c.ready) })

	if !wasManual {
		return
	}
	c.notify()
	if launch {
		c.log().Info("Forced entity updates after recovery")
	}
}

// Available reports reachability. A live connection wins, a failed write
// loses until the next advertisement, otherwise the last advertisement
// must be within the unavailable timeout.
func (c *Coordinator) Available() bool {
	connected := c.conn != nil && c.conn.IsConnected()

	c.mu.Lock()
	defer c.mu.Unlock()

	if connected {
		if c.manual {
			c.log().Debug("Available (connected), clearing manual unavailable flag")
			c.manual = false
		}
		return true
	}
	if c.manual {
		return false
	}
	if c.lastSeen.IsZero() {
		return false
	}
	return c.opts.Now().Sub(c.lastSeen) <= c.opts.UnavailableTimeout
}

// MarkWriteFailed makes the device unavailable until its next advertisement.
func (c *Coordinator) MarkWriteFailed() {
	c.log().Warn("Write operation failed, marking unavailable until next advertisement")
	c.mu.Lock()
	c.manual = true
	c.mu.Unlock()
	c.notify()
}

// WaitReady waits up to the startup timeout for the first advertisement.
func (c *Coordinator) WaitReady(ctx context.Context) bool {
	timer := time.NewTimer(c.opts.StartupTimeout)
	defer timer.Stop()

	select {
	case <-c.ready:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// AddListener registers fn for availability changes.
func (c *Coordinator) AddListener(fn func()) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

func (c *Coordinator) notify() {
	c.mu.Lock()
	fns := make([]func(), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// Start runs the availability watchdog until Stop or ctx cancellation.
func (c *Coordinator) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.runCtx = runCtx
	c.cancel = cancel
	c.mu.Unlock()

	c.workers.Go(runCtx, "coordinator-watchdog", c.watchdog)
}

// Stop ends the watchdog and waits for running recovery hooks.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.stopped = true
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.workers.Wait()
}

func (c *Coordinator) watchdog(ctx context.Context) {
	ticker := time.NewTicker(c.opts.WatchdogInterval)
	defer ticker.Stop()

	prev := c.Available()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		now := c.Available()
		if now == prev {
			continue
		}
		prev = now

		if now {
			c.log().Info("Device became available")
		} else {
			var since time.Duration
			if seen, ok := c.LastSeen(); ok {
				since = c.opts.Now().Sub(seen)
			}
			c.log().WithField("last_seen_ago", since.Round(100*time.Millisecond)).Warn("Device became UNAVAILABLE")
		}
		c.notify()
	}
}
