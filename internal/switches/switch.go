// Package switches exposes one on/off switch per configured characteristic.
package switches

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/bleswitch/internal/device"
)

const (
	DefaultManufacturer = "Custom BLE"

	OnValue  byte = 0x01
	OffValue byte = 0x00
)

// ErrUnavailable is returned when a command is refused because the device
// is known to be unreachable.
var ErrUnavailable = errors.New("not available")

// Writer performs GATT operations on the device.
type Writer interface {
	Write(ctx context.Context, charUUID string, value []byte) error
	Read(ctx context.Context, charUUID string) ([]byte, error)
}

// Availability is the device-level reachability authority.
type Availability interface {
	Available() bool
	MarkWriteFailed()
}

// StateStore persists the last known state of a switch.
type StateStore interface {
	LastState(ctx context.Context, uniqueID string) (on bool, found bool, err error)
	SaveState(ctx context.Context, uniqueID string, on bool) error
}

// DeviceInfo is the metadata shown for the device grouping the switches.
type DeviceInfo struct {
	Identifier   string `json:"identifier"`
	Name         string `json:"name"`
	Manufacturer string `json:"manufacturer"`
}

// NewDeviceInfo fills in the default name and manufacturer.
func NewDeviceInfo(mac, name, manufacturer string) DeviceInfo {
	if name == "" {
		name = "BLE Device " + mac
	}
	if manufacturer == "" {
		manufacturer = DefaultManufacturer
	}
	return DeviceInfo{Identifier: mac, Name: name, Manufacturer: manufacturer}
}

// Switch maps one characteristic to on (0x01) and off (0x00).
type Switch struct {
	name     string
	charUUID string
	uniqueID string
	info     DeviceInfo

	writer Writer
	avail  Availability
	store  StateStore
	logger *logrus.Logger

	mu        sync.RWMutex
	isOn      bool
	listeners map[uint64]func(on bool)
	nextID    uint64
}

// New creates a switch. store may be nil.
func New(name, charUUID string, info DeviceInfo, writer Writer, avail Availability, store StateStore, logger *logrus.Logger) *Switch {
	if logger == nil {
		logger = logrus.New()
	}
	return &Switch{
		name:      name,
		charUUID:  charUUID,
		uniqueID:  device.EntityID(info.Identifier, charUUID),
		info:      info,
		writer:    writer,
		avail:     avail,
		store:     store,
		logger:    logger,
		listeners: make(map[uint64]func(bool)),
	}
}

func (s *Switch) Name() string           { return s.name }
func (s *Switch) CharUUID() string       { return s.charUUID }
func (s *Switch) UniqueID() string       { return s.uniqueID }
func (s *Switch) DeviceInfo() DeviceInfo { return s.info }

func (s *Switch) IsOn() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isOn
}

// Available delegates to the device coordinator.
func (s *Switch) Available() bool {
	return s.avail.Available()
}

func (s *Switch) log() *logrus.Entry {
	return s.logger.WithFields(logrus.Fields{
		"address":   s.info.Identifier,
		"switch":    s.name,
		"char_uuid": s.charUUID,
	})
}

// OnStateChange registers fn for state changes caused by commands, restore or refresh.
func (s *Switch) OnStateChange(fn func(on bool)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *Switch) TurnOn(ctx context.Context) error {
	return s.command(ctx, true, "turn on")
}

func (s *Switch) TurnOff(ctx context.Context) error {
	return s.command(ctx, false, "turn off")
}

// Set turns the switch on or off.
func (s *Switch) Set(ctx context.Context, on bool) error {
	if on {
		return s.TurnOn(ctx)
	}
	return s.TurnOff(ctx)
}

func (s *Switch) command(ctx context.Context, on bool, action string) error {
	log := s.log().WithField("action", action)

	if !s.avail.Available() {
		log.Warn("Cannot change switch, coordinator reports unavailable")
		return fmt.Errorf("device %s is %w", s.info.Identifier, ErrUnavailable)
	}

	value := OffValue
	if on {
		value = OnValue
	}
	log.WithField("value", fmt.Sprintf("%02x", value)).Debug("Writing switch value")

	if err := s.writer.Write(ctx, s.charUUID, []byte{value}); err != nil {
		if errors.Is(err, device.ErrDeviceNotAvailable) {
			log.WithError(err).Error("Device not available")
			// Marks every switch of the device unavailable
			s.avail.MarkWriteFailed()
			return fmt.Errorf("device not available: %w", err)
		}
		log.WithError(err).Error("Unexpected error")
		return err
	}

	log.Info("Switch changed")
	s.setState(ctx, on, true)
	return nil
}

// Restore loads the last persisted state. A missing record leaves the switch off.
func (s *Switch) Restore(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	on, found, err := s.store.LastState(ctx, s.uniqueID)
	if err != nil {
		return fmt.Errorf("failed to restore %s: %w", s.uniqueID, err)
	}
	if !found {
		return nil
	}
	s.log().WithField("is_on", on).Debug("Restored state")
	s.setState(ctx, on, false)
	return nil
}

// Refresh reads the characteristic and adopts its state. Any non-zero first
// byte means on.
func (s *Switch) Refresh(ctx context.Context) error {
	data, err := s.writer.Read(ctx, s.charUUID)
	if err != nil {
		return fmt.Errorf("failed to refresh %s: %w", s.name, err)
	}
	if len(data) == 0 {
		return fmt.Errorf("failed to refresh %s: empty value", s.name)
	}
	on := data[0] != 0
	s.log().WithField("is_on", on).Debug("Refreshed state")
	s.setState(ctx, on, true)
	return nil
}

func (s *Switch) setState(ctx context.Context, on, persist bool) {
	s.mu.Lock()
	changed := s.isOn != on
	s.isOn = on
	fns := make([]func(bool), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	if persist && s.store != nil {
		if err := s.store.SaveState(ctx, s.uniqueID, on); err != nil {
			s.log().WithError(err).Warn("Failed to persist switch state")
		}
	}
	if !changed {
		return
	}
	for _, fn := range fns {
		fn(on)
	}
}
