package goble

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/bleswitch/internal/device"
	"github.com/srg/bleswitch/internal/groutine"
)

// BLEConnection represents a live GATT session with one peripheral.
type BLEConnection struct {
	client      ble.Client
	logger      *logrus.Logger
	writeMutex  sync.Mutex
	connMutex   sync.RWMutex
	isConnected bool

	services map[string]*BLEService

	// closed when the current session ends, for any reason
	lost chan struct{}
}

func NewBLEConnection(logger *logrus.Logger) *BLEConnection {
	return &BLEConnection{
		services: make(map[string]*BLEService),
		logger:   logger,
	}
}

// GetCharacteristic retrieves a characteristic by service and characteristic UUID.
// Both UUIDs are normalized for consistent lookup (lowercase, no dashes).
func (c *BLEConnection) GetCharacteristic(service, uuid string) (device.Characteristic, error) {
	c.connMutex.RLock()
	defer c.connMutex.RUnlock()

	svc, ok := c.services[device.NormalizeUUID(service)]
	if !ok {
		return nil, &device.NotFoundError{Resource: "service", UUIDs: []string{service}}
	}

	char, ok := svc.Characteristics[device.NormalizeUUID(uuid)]
	if !ok {
		return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{service, uuid}}
	}
	return char, nil
}

// FindCharacteristic searches every discovered service, in UUID order.
func (c *BLEConnection) FindCharacteristic(uuid string) (device.Characteristic, error) {
	c.connMutex.RLock()
	defer c.connMutex.RUnlock()

	target := device.NormalizeUUID(uuid)
	keys := make([]string, 0, len(c.services))
	for k := range c.services {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if char, ok := c.services[k].Characteristics[target]; ok {
			return char, nil
		}
	}
	return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{uuid}}
}

// Services returns all discovered services sorted by UUID.
func (c *BLEConnection) Services() []device.Service {
	c.connMutex.RLock()
	defer c.connMutex.RUnlock()

	result := make([]device.Service, 0, len(c.services))
	for _, v := range c.services {
		result = append(result, v)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].UUID() < result[j].UUID()
	})
	return result
}

// GetService retrieves a specific service by its UUID.
func (c *BLEConnection) GetService(uuid string) (device.Service, error) {
	c.connMutex.RLock()
	defer c.connMutex.RUnlock()

	svc, ok := c.services[device.NormalizeUUID(uuid)]
	if !ok {
		return nil, &device.NotFoundError{Resource: "service", UUIDs: []string{uuid}}
	}
	return svc, nil
}

// Connect dials the peripheral and discovers its profile.
func (c *BLEConnection) Connect(ctx context.Context, address string, opts *device.ConnectOptions) error {
	c.connMutex.Lock()
	defer c.connMutex.Unlock()

	if strings.TrimSpace(address) == "" {
		return fmt.Errorf("device address is empty")
	}
	if c.isConnectedInternal() {
		return device.ErrAlreadyConnected
	}

	timeout := device.DefaultConnectTimeout
	if opts != nil && opts.ConnectTimeout > 0 {
		timeout = opts.ConnectTimeout
	}

	log := c.logger.WithField("address", address)
	log.WithField("timeout", timeout).Debug("Connecting to BLE device...")

	dev, err := HostDevice()
	if err != nil {
		return fmt.Errorf("failed to create BLE device: %w", err)
	}

	connCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := dev.Dial(connCtx, ble.NewAddr(address))
	if err != nil {
		log.WithError(err).Debug("Failed to dial BLE device")
		return fmt.Errorf("failed to connect to device with address %q: %w", address, NormalizeError(err))
	}

	profile, err := client.DiscoverProfile(true)
	if err != nil {
		if cancelErr := client.CancelConnection(); cancelErr != nil {
			log.WithField("cancel_error", cancelErr).Warn("Failed to cancel connection during profile discovery failure")
		}
		return fmt.Errorf("failed to discover profile: %w", NormalizeError(err))
	}

	c.services = make(map[string]*BLEService, len(profile.Services))
	totalChars := 0
	for _, bleSvc := range profile.Services {
		svcUUID := device.NormalizeUUID(bleSvc.UUID.String())
		svc := &BLEService{uuid: svcUUID, Characteristics: make(map[string]*BLECharacteristic)}
		for _, bleChar := range bleSvc.Characteristics {
			char := NewCharacteristic(bleChar, c)
			svc.Characteristics[char.UUID()] = char
			totalChars++
		}
		c.services[svcUUID] = svc
	}

	c.client = client
	c.isConnected = true
	c.lost = make(chan struct{})

	// Watch for link loss reported by the platform stack
	if watcher, ok := client.(interface{ Disconnected() <-chan struct{} }); ok {
		lost := c.lost
		groutine.Go(context.Background(), "ble-connection-monitor", func(context.Context) {
			select {
			case <-watcher.Disconnected():
				c.markLost(client)
			case <-lost:
			}
		})
	}

	log.WithFields(logrus.Fields{
		"services":        len(c.services),
		"characteristics": totalChars,
	}).Debug("BLE device connected")
	return nil
}

// markLost flips the session to disconnected if client is still the active one.
func (c *BLEConnection) markLost(client ble.Client) {
	c.connMutex.Lock()
	defer c.connMutex.Unlock()

	if c.client != client || !c.isConnected {
		return
	}
	c.logger.Warn("BLE link lost")
	c.isConnected = false
	c.client = nil
	close(c.lost)
}

// Disconnect cancels the connection. Calling it while disconnected is a no-op.
func (c *BLEConnection) Disconnect() error {
	c.connMutex.Lock()
	if c.client == nil || !c.isConnected {
		c.connMutex.Unlock()
		return nil
	}
	client := c.client
	c.client = nil
	c.isConnected = false
	close(c.lost)
	c.connMutex.Unlock()

	if err := client.CancelConnection(); err != nil {
		return NormalizeError(err)
	}
	c.logger.Debug("BLE device disconnected")
	return nil
}

// isConnectedInternal checks the connection status without acquiring locks.
// Should only be called when the caller already holds connMutex.
func (c *BLEConnection) isConnectedInternal() bool {
	return c.client != nil && c.isConnected
}

func (c *BLEConnection) IsConnected() bool {
	c.connMutex.RLock()
	defer c.connMutex.RUnlock()
	return c.isConnectedInternal()
}
