package testutils

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/srg/bleswitch/internal/device"
)

// FakeScanner delivers advertisements pushed with Emit to the active Scan call.
// ScanErrors are returned, in order, by the first Scan calls.
type FakeScanner struct {
	ads        chan device.Advertisement
	mu         sync.Mutex
	ScanErrors []error
	calls      atomic.Int32
}

func NewFakeScanner() *FakeScanner {
	return &FakeScanner{ads: make(chan device.Advertisement, 64)}
}

// Emit queues an advertisement for delivery.
func (s *FakeScanner) Emit(adv device.Advertisement) {
	s.ads <- adv
}

// Calls returns how many times Scan was started.
func (s *FakeScanner) Calls() int {
	return int(s.calls.Load())
}

func (s *FakeScanner) Scan(ctx context.Context, _ bool, handler func(device.Advertisement)) error {
	s.calls.Add(1)

	s.mu.Lock()
	if len(s.ScanErrors) > 0 {
		err := s.ScanErrors[0]
		s.ScanErrors = s.ScanErrors[1:]
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return nil
		case adv := <-s.ads:
			handler(adv)
		}
	}
}

// FakeProperties is a fixed property set.
type FakeProperties struct {
	Read, Write, WriteNR, Notify bool
}

func (p FakeProperties) CanRead() bool                 { return p.Read }
func (p FakeProperties) CanWrite() bool                { return p.Write }
func (p FakeProperties) CanWriteWithoutResponse() bool { return p.WriteNR }
func (p FakeProperties) CanNotify() bool               { return p.Notify }
func (p FakeProperties) String() string {
	return fmt.Sprintf("read=%v,write=%v,write-nr=%v,notify=%v", p.Read, p.Write, p.WriteNR, p.Notify)
}

// FakeCharacteristic records writes and serves Value on read.
type FakeCharacteristic struct {
	uuid string

	mu         sync.Mutex
	value      []byte
	writes     [][]byte
	WriteErr   error
	ReadErr    error
	WriteDelay time.Duration
}

func NewFakeCharacteristic(uuid string, value ...byte) *FakeCharacteristic {
	return &FakeCharacteristic{uuid: device.NormalizeUUID(uuid), value: value}
}

func (c *FakeCharacteristic) UUID() string { return c.uuid }

func (c *FakeCharacteristic) GetProperties() device.Properties {
	return FakeProperties{Read: true, Write: true}
}

func (c *FakeCharacteristic) Read(time.Duration) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ReadErr != nil {
		return nil, c.ReadErr
	}
	return append([]byte(nil), c.value...), nil
}

// Write fails with device.ErrTimeout when WriteDelay exceeds timeout.
func (c *FakeCharacteristic) Write(data []byte, _ bool, timeout time.Duration) error {
	c.mu.Lock()
	delay, werr := c.WriteDelay, c.WriteErr
	c.mu.Unlock()

	if delay > 0 {
		if timeout > 0 && delay > timeout {
			return fmt.Errorf("writing characteristic %s: %w", c.uuid, device.ErrTimeout)
		}
		time.Sleep(delay)
	}
	if werr != nil {
		return werr
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, append([]byte(nil), data...))
	c.value = append([]byte(nil), data...)
	return nil
}

// SetWriteErr changes the error returned by subsequent writes.
func (c *FakeCharacteristic) SetWriteErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.WriteErr = err
}

// SetValue changes what Read returns.
func (c *FakeCharacteristic) SetValue(v ...byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = v
}

// Writes returns a copy of every payload written so far.
func (c *FakeCharacteristic) Writes() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.writes))
	copy(out, c.writes)
	return out
}

type fakeService struct {
	uuid  string
	chars map[string]*FakeCharacteristic
}

func (s *fakeService) UUID() string { return s.uuid }

func (s *fakeService) GetCharacteristics() []device.Characteristic {
	keys := make([]string, 0, len(s.chars))
	for k := range s.chars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]device.Characteristic, 0, len(keys))
	for _, k := range keys {
		out = append(out, s.chars[k])
	}
	return out
}

// FakeConnection is a static GATT table.
type FakeConnection struct {
	services map[string]*fakeService
}

func (c *FakeConnection) Services() []device.Service {
	keys := make([]string, 0, len(c.services))
	for k := range c.services {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]device.Service, 0, len(keys))
	for _, k := range keys {
		out = append(out, c.services[k])
	}
	return out
}

func (c *FakeConnection) GetService(uuid string) (device.Service, error) {
	svc, ok := c.services[device.NormalizeUUID(uuid)]
	if !ok {
		return nil, &device.NotFoundError{Resource: "service", UUIDs: []string{uuid}}
	}
	return svc, nil
}

func (c *FakeConnection) GetCharacteristic(service, uuid string) (device.Characteristic, error) {
	svc, ok := c.services[device.NormalizeUUID(service)]
	if !ok {
		return nil, &device.NotFoundError{Resource: "service", UUIDs: []string{service}}
	}
	char, ok := svc.chars[device.NormalizeUUID(uuid)]
	if !ok {
		return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{service, uuid}}
	}
	return char, nil
}

func (c *FakeConnection) FindCharacteristic(uuid string) (device.Characteristic, error) {
	for _, s := range c.Services() {
		if char, ok := c.services[s.UUID()].chars[device.NormalizeUUID(uuid)]; ok {
			return char, nil
		}
	}
	return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{uuid}}
}

// FakeDevice is a connectable peripheral backed by a FakeConnection.
// ConnectErrors are returned, in order, by the first Connect calls.
type FakeDevice struct {
	address string
	conn    *FakeConnection

	mu            sync.Mutex
	connected     bool
	ConnectErrors []error
	DisconnectErr error
	connects      int
	disconnects   int
}

func NewFakeDevice(address string) *FakeDevice {
	return &FakeDevice{
		address: address,
		conn:    &FakeConnection{services: make(map[string]*fakeService)},
	}
}

// WithCharacteristic adds chars under the service, creating it if needed.
func (d *FakeDevice) WithCharacteristic(service string, chars ...*FakeCharacteristic) *FakeDevice {
	key := device.NormalizeUUID(service)
	svc, ok := d.conn.services[key]
	if !ok {
		svc = &fakeService{uuid: key, chars: make(map[string]*FakeCharacteristic)}
		d.conn.services[key] = svc
	}
	for _, c := range chars {
		svc.chars[c.UUID()] = c
	}
	return d
}

func (d *FakeDevice) Address() string { return d.address }
func (d *FakeDevice) Name() string    { return d.address }

func (d *FakeDevice) Connect(ctx context.Context, _ *device.ConnectOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connects++
	if len(d.ConnectErrors) > 0 {
		err := d.ConnectErrors[0]
		d.ConnectErrors = d.ConnectErrors[1:]
		if err != nil {
			return err
		}
	}
	d.connected = true
	return nil
}

func (d *FakeDevice) Disconnect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.disconnects++
	d.connected = false
	return d.DisconnectErr
}

func (d *FakeDevice) IsConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

// Drop simulates a link loss.
func (d *FakeDevice) Drop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = false
}

func (d *FakeDevice) GetConnection() device.Connection {
	return d.conn
}

func (d *FakeDevice) Connects() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connects
}

func (d *FakeDevice) Disconnects() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.disconnects
}
