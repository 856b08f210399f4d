// Package scanner runs the shared advertisement scan and fans packets out
// to per-device subscribers.
package scanner

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/sirupsen/logrus"
	"github.com/srg/bleswitch/internal/device"
	"github.com/srg/bleswitch/internal/groutine"
)

const (
	// DefaultRestartDelay is the pause before a failed scan is restarted.
	DefaultRestartDelay = 2 * time.Second
	// DefaultQueueSize bounds advertisements waiting for delivery.
	DefaultQueueSize uint32 = 256
)

// Handler receives advertisements for one address.
type Handler func(device.Advertisement)

type subscriberList struct {
	mu   sync.RWMutex
	next uint64
	subs map[uint64]Handler
}

func (l *subscriberList) snapshot() []Handler {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Handler, 0, len(l.subs))
	for _, h := range l.subs {
		out = append(out, h)
	}
	return out
}

// Dispatcher owns the one scan all devices share. Packets are queued from
// the radio callback into an overwrite-oldest ring and delivered from a
// separate goroutine, so a slow subscriber never stalls the radio.
type Dispatcher struct {
	scanner device.Scanner
	logger  *logrus.Logger

	subs *hashmap.Map[string, *subscriberList]
	last *hashmap.Map[string, Sighting]

	queue mpmc.RichOverlappedRingBuffer[Sighting]
	wake  chan struct{}

	now          func() time.Time
	restartDelay time.Duration
	received     atomic.Uint64
	dropped      atomic.Uint64
	restarts     atomic.Uint64
}

// Sighting is an advertisement together with the time the radio reported it.
type Sighting struct {
	Advertisement device.Advertisement
	Seen          time.Time
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithRestartDelay overrides DefaultRestartDelay.
func WithRestartDelay(d time.Duration) Option {
	return func(disp *Dispatcher) { disp.restartDelay = d }
}

// WithQueueSize overrides DefaultQueueSize.
func WithQueueSize(n uint32) Option {
	return func(disp *Dispatcher) {
		disp.queue = mpmc.NewOverlappedRingBuffer[Sighting](n)
	}
}

// WithClock replaces time.Now for stamping received packets.
func WithClock(now func() time.Time) Option {
	return func(disp *Dispatcher) { disp.now = now }
}

func NewDispatcher(scanner device.Scanner, logger *logrus.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = logrus.New()
	}
	d := &Dispatcher{
		scanner:      scanner,
		logger:       logger,
		subs:         hashmap.New[string, *subscriberList](),
		last:         hashmap.New[string, Sighting](),
		queue:        mpmc.NewOverlappedRingBuffer[Sighting](DefaultQueueSize),
		wake:         make(chan struct{}, 1),
		now:          time.Now,
		restartDelay: DefaultRestartDelay,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Subscribe registers fn for advertisements from address. The returned
// function removes the subscription and is safe to call more than once.
func (d *Dispatcher) Subscribe(address string, fn Handler) func() {
	key := device.AddressKey(address)
	list, _ := d.subs.GetOrInsert(key, &subscriberList{subs: make(map[uint64]Handler)})

	list.mu.Lock()
	id := list.next
	list.next++
	list.subs[id] = fn
	list.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			list.mu.Lock()
			delete(list.subs, id)
			list.mu.Unlock()
		})
	}
}

// Lookup returns the most recent sighting of address no older than maxAge.
// A maxAge of zero or less accepts any age.
func (d *Dispatcher) Lookup(address string, maxAge time.Duration) (Sighting, bool) {
	s, ok := d.last.Get(device.AddressKey(address))
	if !ok {
		return Sighting{}, false
	}
	if maxAge > 0 && d.now().Sub(s.Seen) > maxAge {
		return Sighting{}, false
	}
	return s, true
}

// WaitFor returns the latest sighting of address no older than maxAge,
// waiting for a new one when the stored packet is missing or stale. ctx
// bounds the wait.
func (d *Dispatcher) WaitFor(ctx context.Context, address string, maxAge time.Duration) (Sighting, error) {
	if s, ok := d.Lookup(address, maxAge); ok {
		return s, nil
	}

	found := make(chan struct{}, 1)
	unsubscribe := d.Subscribe(address, func(device.Advertisement) {
		select {
		case found <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	// It may have arrived between Lookup and Subscribe
	if s, ok := d.Lookup(address, maxAge); ok {
		return s, nil
	}

	select {
	case <-found:
		s, _ := d.last.Get(device.AddressKey(address))
		return s, nil
	case <-ctx.Done():
		return Sighting{}, ctx.Err()
	}
}

// Stats returns received, dropped and restart counters.
func (d *Dispatcher) Stats() (received, dropped, restarts uint64) {
	return d.received.Load(), d.dropped.Load(), d.restarts.Load()
}

// Run scans until ctx is cancelled, restarting the scan whenever the radio
// stops on its own or fails.
func (d *Dispatcher) Run(ctx context.Context) error {
	var workers groutine.Group
	workers.Go(ctx, "adv-dispatch", d.deliverLoop)
	defer workers.Wait()

	for {
		d.logger.Debug("Starting advertisement scan")
		err := d.scanner.Scan(ctx, true, d.enqueue)
		if ctx.Err() != nil {
			d.logger.Debug("Advertisement scan stopped")
			return nil
		}

		d.restarts.Add(1)
		entry := d.logger.WithField("delay", d.restartDelay)
		if err != nil {
			entry.WithError(err).Warn("Scan failed, restarting")
		} else {
			entry.Warn("Scan ended unexpectedly, restarting")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(d.restartDelay):
		}
	}
}

// enqueue runs on the radio callback path and must not block.
func (d *Dispatcher) enqueue(adv device.Advertisement) {
	d.received.Add(1)
	overwrites, err := d.queue.EnqueueM(Sighting{Advertisement: adv, Seen: d.now()})
	if err != nil {
		d.logger.WithError(err).Warn("Failed to queue advertisement")
		return
	}
	if overwrites > 0 {
		d.dropped.Add(uint64(overwrites))
	}
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) deliverLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.wake:
			d.drain()
		}
	}
}

func (d *Dispatcher) drain() {
	for !d.queue.IsEmpty() {
		s, err := d.queue.Dequeue()
		if err != nil {
			return
		}
		d.deliver(s)
	}
}

func (d *Dispatcher) deliver(s Sighting) {
	adv := s.Advertisement
	key := device.AddressKey(adv.Addr())
	d.last.Set(key, s)

	list, ok := d.subs.Get(key)
	if !ok {
		return
	}
	for _, h := range list.snapshot() {
		h(adv)
	}
}
