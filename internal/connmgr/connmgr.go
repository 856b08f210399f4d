// Package connmgr keeps a BLE connection open for a short time after the last
// command, so bursts of toggles share one connection.
package connmgr

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker/v2"
	"github.com/srg/bleswitch/internal/device"
	"github.com/srg/bleswitch/internal/devicefactory"
)

const (
	// OperationTimeout bounds connect plus one GATT operation.
	OperationTimeout = 10 * time.Second

	DefaultConnectAttempts = 3
	DefaultConnectBackoff  = 250 * time.Millisecond

	DefaultBreakerFailures uint32 = 3
	DefaultBreakerOpenFor         = 30 * time.Second
)

// DeviceFactory builds the peripheral handle for an address.
type DeviceFactory func(address string, logger *logrus.Logger) device.Device

// Manager serializes GATT operations on one device and owns its connection.
type Manager struct {
	address     string
	serviceUUID string
	delay       time.Duration
	logger      *logrus.Logger

	newDevice       DeviceFactory
	opTimeout       time.Duration
	connectAttempts int
	connectBackoff  time.Duration
	breakerFailures uint32
	breakerOpenFor  time.Duration

	dev     device.Device
	breaker *gobreaker.CircuitBreaker[device.Device]

	// opMu serializes operations, including the idle disconnect
	opMu sync.Mutex

	mu       sync.Mutex
	client   device.Device
	timer    *time.Timer
	timerGen uint64
}

// Option configures a Manager.
type Option func(*Manager)

func WithLogger(logger *logrus.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithDeviceFactory replaces devicefactory.NewDevice.
func WithDeviceFactory(f DeviceFactory) Option {
	return func(m *Manager) { m.newDevice = f }
}

// WithOperationTimeout overrides OperationTimeout.
func WithOperationTimeout(d time.Duration) Option {
	return func(m *Manager) { m.opTimeout = d }
}

// WithConnectRetry sets how many dial attempts one operation makes and the
// linear backoff between them.
func WithConnectRetry(attempts int, backoff time.Duration) Option {
	return func(m *Manager) {
		m.connectAttempts = attempts
		m.connectBackoff = backoff
	}
}

// WithBreaker sets how many consecutive failed connects open the breaker and
// how long it stays open.
func WithBreaker(failures uint32, openFor time.Duration) Option {
	return func(m *Manager) {
		m.breakerFailures = failures
		m.breakerOpenFor = openFor
	}
}

// New creates a Manager for the device at address. delay is how long the
// connection lingers after the last operation.
func New(address, serviceUUID string, delay time.Duration, opts ...Option) *Manager {
	m := &Manager{
		address:         address,
		serviceUUID:     serviceUUID,
		delay:           delay,
		newDevice:       devicefactory.NewDevice,
		opTimeout:       OperationTimeout,
		connectAttempts: DefaultConnectAttempts,
		connectBackoff:  DefaultConnectBackoff,
		breakerFailures: DefaultBreakerFailures,
		breakerOpenFor:  DefaultBreakerOpenFor,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = logrus.New()
	}
	if m.connectAttempts < 1 {
		m.connectAttempts = 1
	}

	m.breaker = gobreaker.NewCircuitBreaker[device.Device](gobreaker.Settings{
		Name:        "connect:" + address,
		MaxRequests: 1, // one probe while half-open
		Timeout:     m.breakerOpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= m.breakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			m.log().WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Connection breaker state change")
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	return m
}

func (m *Manager) log() *logrus.Entry {
	return m.logger.WithField("address", m.address)
}

func (m *Manager) Address() string {
	return m.address
}

func (m *Manager) Delay() time.Duration {
	return m.delay
}

// IsConnected reports whether a live client is held.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.client != nil && m.client.IsConnected()
}

// BreakerState exposes the connect breaker state for diagnostics.
func (m *Manager) BreakerState() gobreaker.State {
	return m.breaker.State()
}

// Write writes value to the characteristic with response. Failures that mean
// the device cannot be reached are returned as device.ErrDeviceNotAvailable.
// The linger timer is re-armed whether the write succeeds or not.
func (m *Manager) Write(ctx context.Context, charUUID string, value []byte) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	defer m.extend()

	log := m.log().WithField("char_uuid", charUUID)
	log.WithField("value", fmt.Sprintf("%x", value)).Debug("Writing characteristic")

	err := m.withCharacteristic(ctx, charUUID, func(char device.Characteristic, remaining time.Duration) error {
		return char.Write(value, true, remaining)
	})
	if err != nil {
		return m.classify(log, "write", err)
	}

	log.Debug("Successfully wrote characteristic")
	return nil
}

// Read reads the current characteristic value using the same connection
// handling as Write.
func (m *Manager) Read(ctx context.Context, charUUID string) ([]byte, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	defer m.extend()

	log := m.log().WithField("char_uuid", charUUID)
	var data []byte
	err := m.withCharacteristic(ctx, charUUID, func(char device.Characteristic, remaining time.Duration) error {
		var rerr error
		data, rerr = char.Read(remaining)
		return rerr
	})
	if err != nil {
		return nil, m.classify(log, "read", err)
	}
	return data, nil
}

// withCharacteristic ensures a client, resolves charUUID and runs op with the
// time left in the operation budget. Must be called with opMu held.
func (m *Manager) withCharacteristic(ctx context.Context, charUUID string, op func(device.Characteristic, time.Duration) error) error {
	opCtx, cancel := context.WithTimeout(ctx, m.opTimeout)
	defer cancel()

	client, err := m.ensureClient(opCtx)
	if err != nil {
		return err
	}

	char, err := m.findCharacteristic(client, charUUID)
	if err != nil {
		return err
	}

	deadline, _ := opCtx.Deadline()
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return fmt.Errorf("no time left for GATT operation: %w", device.ErrTimeout)
	}
	return op(char, remaining)
}

// classify maps an operation error and drops the client unless the error
// already came from the connect step.
func (m *Manager) classify(log *logrus.Entry, op string, err error) error {
	var nf *device.NotFoundError
	switch {
	case errors.Is(err, device.ErrDeviceNotAvailable):
		return err
	case errors.Is(err, device.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		log.WithError(err).Errorf("%s timeout (device likely offline)", op)
		m.dispose()
		return device.NotAvailable(fmt.Sprintf("device %s %s timeout (likely offline)", m.address, op), err)
	case errors.Is(err, context.Canceled), errors.As(err, &nf):
		log.WithError(err).Errorf("Unexpected error during %s", op)
		m.dispose()
		return err
	default:
		log.WithError(err).Errorf("%s failed", op)
		m.dispose()
		return device.NotAvailable(fmt.Sprintf("device %s not available for %s operation", m.address, op), err)
	}
}

// ensureClient returns a connected client, replacing a stale one.
func (m *Manager) ensureClient(ctx context.Context) (device.Device, error) {
	m.mu.Lock()
	client := m.client
	m.mu.Unlock()

	if client != nil && client.IsConnected() {
		return client, nil
	}
	if client != nil {
		m.dispose()
	}

	m.log().Debug("Establishing connection")
	dev, err := m.breaker.Execute(func() (device.Device, error) {
		return m.connect(ctx)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, device.NotAvailable(fmt.Sprintf("connection attempts to %s suspended", m.address), err)
		}
		m.log().WithError(err).Warn("Failed to establish connection")
		return nil, device.NotAvailable(fmt.Sprintf("could not connect to %s", m.address), err)
	}

	m.mu.Lock()
	m.client = dev
	m.mu.Unlock()
	m.log().Debug("Connected")
	return dev, nil
}

// connect dials with a small retry budget bounded by ctx.
func (m *Manager) connect(ctx context.Context) (device.Device, error) {
	if m.dev == nil {
		m.dev = m.newDevice(m.address, m.logger)
	}

	var lastErr error
	for attempt := 1; attempt <= m.connectAttempts; attempt++ {
		opts := &device.ConnectOptions{ConnectTimeout: device.DefaultConnectTimeout}
		if deadline, ok := ctx.Deadline(); ok {
			opts.ConnectTimeout = time.Until(deadline)
		}

		err := m.dev.Connect(ctx, opts)
		if err == nil || errors.Is(err, device.ErrAlreadyConnected) {
			return m.dev, nil
		}
		lastErr = err
		m.log().WithFields(logrus.Fields{
			"attempt": attempt,
			"error":   err,
		}).Debug("Connect attempt failed")

		if attempt == m.connectAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w (last error: %v)", ctx.Err(), lastErr)
		case <-time.After(time.Duration(attempt) * m.connectBackoff):
		}
	}
	return nil, lastErr
}

// findCharacteristic prefers the configured service and falls back to any.
func (m *Manager) findCharacteristic(client device.Device, charUUID string) (device.Characteristic, error) {
	conn := client.GetConnection()
	if m.serviceUUID != "" {
		if char, err := conn.GetCharacteristic(m.serviceUUID, charUUID); err == nil {
			return char, nil
		}
	}
	return conn.FindCharacteristic(charUUID)
}

// dispose drops the client without waiting for the linger timer.
func (m *Manager) dispose() {
	m.mu.Lock()
	client := m.client
	m.client = nil
	m.mu.Unlock()

	if client != nil {
		_ = client.Disconnect()
	}
}

// extend re-arms the linger timer. A timer is only scheduled while a client
// is held.
func (m *Manager) extend() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.timerGen++
	if m.client == nil {
		return
	}

	gen := m.timerGen
	m.timer = time.AfterFunc(m.delay, func() { m.disconnectIdle(gen) })
	m.log().WithField("delay", m.delay).Debug("Extended connection timer")
}

func (m *Manager) disconnectIdle(gen uint64) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	if gen != m.timerGen {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	client := m.client
	m.client = nil
	m.mu.Unlock()

	if client == nil || !client.IsConnected() {
		return
	}
	m.log().WithField("delay", m.delay).Debug("Disconnecting after idle period")
	if err := client.Disconnect(); err != nil {
		m.log().WithError(err).Warn("Error during disconnect")
	}
}

// Close cancels the linger timer and disconnects.
func (m *Manager) Close() error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.timerGen++
	client := m.client
	m.client = nil
	m.mu.Unlock()

	if client == nil || !client.IsConnected() {
		return nil
	}
	m.log().Debug("Closing connection")
	if err := client.Disconnect(); err != nil {
		m.log().WithError(err).Warn("Error closing connection")
		return err
	}
	return nil
}
