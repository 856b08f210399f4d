// Package config loads and edits the bleswitch YAML configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/bleswitch/internal/device"
	"gopkg.in/yaml.v3"
)

const (
	DefaultDisconnectDelay    = 15 * time.Second
	DeviceStartupTimeout      = 30 * time.Second
	DefaultUnavailableTimeout = 45 * time.Second
	DefaultManufacturer       = "Custom BLE"
)

var (
	// ErrDuplicateDevice is returned when two devices share a MAC address.
	ErrDuplicateDevice = errors.New("device already configured")
	// ErrUnknownDevice is returned by the edit operations for a MAC that is not configured.
	ErrUnknownDevice = errors.New("device not configured")
	// ErrDuplicateSwitch is returned when two characteristics of a device
	// would get the same switch unique id.
	ErrDuplicateSwitch = errors.New("characteristics share a unique id")
)

// Config holds application configuration
type Config struct {
	LogLevel     string             `yaml:"log_level" default:"info"`
	StateDB      string             `yaml:"state_db" default:"/var/lib/bleswitch/state.db"`
	HomeKit      HomeKitConfig      `yaml:"homekit"`
	Availability AvailabilityConfig `yaml:"availability"`
	Devices      []DeviceConfig     `yaml:"devices"`
}

type HomeKitConfig struct {
	StorageDir string `yaml:"storage_dir" default:"/var/lib/bleswitch/homekit"`
	Pin        string `yaml:"pin" default:"00102003"`
	Addr       string `yaml:"addr" default:":0"`
	Name       string `yaml:"name" default:"BLE Switch Bridge"`
}

type AvailabilityConfig struct {
	UnavailableTimeout time.Duration `yaml:"unavailable_timeout" default:"45s"`
	StartupTimeout     time.Duration `yaml:"startup_timeout" default:"30s"`
}

// DeviceConfig is one configured peripheral. Its MAC is the entry's unique id.
type DeviceConfig struct {
	Name            string                 `yaml:"name"`
	MACAddress      string                 `yaml:"mac_address"`
	ServiceUUID     string                 `yaml:"service_uuid"`
	Manufacturer    string                 `yaml:"manufacturer" default:"Custom BLE"`
	DisconnectDelay time.Duration          `yaml:"disconnect_delay" default:"15s"`
	Characteristics []CharacteristicConfig `yaml:"characteristics"`
}

// CharacteristicConfig maps one writable characteristic to one switch.
type CharacteristicConfig struct {
	Name string `yaml:"name"`
	UUID string `yaml:"uuid"`
}

// Default returns a configuration with every default applied and no devices.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads, normalizes and validates the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	defaults.SetDefaults(c)
	for i := range c.Devices {
		defaults.SetDefaults(&c.Devices[i])
	}
}

func (c *Config) normalize() error {
	for i := range c.Devices {
		d := &c.Devices[i]
		d.Name = strings.TrimSpace(d.Name)
		if d.MACAddress == "" {
			continue
		}
		mac, err := device.NormalizeAddress(d.MACAddress)
		if err != nil {
			return fmt.Errorf("device %d: %w", i, err)
		}
		d.MACAddress = mac
	}
	return nil
}

// Validate checks every device. MACs are compared after normalization.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	if c.Availability.UnavailableTimeout <= 0 {
		return fmt.Errorf("availability.unavailable_timeout must be positive")
	}
	if c.Availability.StartupTimeout <= 0 {
		return fmt.Errorf("availability.startup_timeout must be positive")
	}

	seen := make(map[string]int, len(c.Devices))
	for i := range c.Devices {
		d := &c.Devices[i]
		if d.Name == "" {
			return fmt.Errorf("device %d: name is required", i)
		}
		if d.MACAddress == "" {
			return fmt.Errorf("device %q: mac_address is required", d.Name)
		}
		key := device.AddressKey(d.MACAddress)
		if prev, dup := seen[key]; dup {
			return fmt.Errorf("device %q: %w: %s (also used by %q)", d.Name, ErrDuplicateDevice, d.MACAddress, c.Devices[prev].Name)
		}
		seen[key] = i

		if _, err := device.ValidateUUID(d.ServiceUUID); err != nil {
			return fmt.Errorf("device %q: service_uuid: %w", d.Name, err)
		}
		if d.DisconnectDelay <= 0 {
			return fmt.Errorf("device %q: disconnect_delay must be positive", d.Name)
		}
		ids := make(map[string]string, len(d.Characteristics))
		for j, ch := range d.Characteristics {
			if strings.TrimSpace(ch.Name) == "" {
				return fmt.Errorf("device %q: characteristic %d: name is required", d.Name, j)
			}
			if _, err := device.ValidateUUID(ch.UUID); err != nil {
				return fmt.Errorf("device %q: characteristic %q: %w", d.Name, ch.Name, err)
			}
			id := device.EntityID(d.MACAddress, ch.UUID)
			if prev, dup := ids[id]; dup {
				return fmt.Errorf("device %q: %w: %q and %q both map to %s", d.Name, ErrDuplicateSwitch, prev, ch.Name, id)
			}
			ids[id] = ch.Name
		}
	}
	return nil
}

// Level returns the parsed log level, InfoLevel when unparsable.
func (c *Config) Level() logrus.Level {
	lvl, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.Level())

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}

// Device returns the device with the given MAC in any accepted notation.
func (c *Config) Device(mac string) (*DeviceConfig, bool) {
	key := device.AddressKey(mac)
	for i := range c.Devices {
		if device.AddressKey(c.Devices[i].MACAddress) == key {
			return &c.Devices[i], true
		}
	}
	return nil, false
}

// AddDevice appends a device after normalizing it. A MAC that is already
// configured gives ErrDuplicateDevice.
func (c *Config) AddDevice(d DeviceConfig) error {
	mac, err := device.NormalizeAddress(d.MACAddress)
	if err != nil {
		return err
	}
	if _, exists := c.Device(mac); exists {
		return fmt.Errorf("%w: %s", ErrDuplicateDevice, mac)
	}
	d.MACAddress = mac
	defaults.SetDefaults(&d)
	c.Devices = append(c.Devices, d)
	return c.Validate()
}

// AddCharacteristic appends a switch to the device. A UUID whose unique id
// clashes with an existing characteristic gives ErrDuplicateSwitch.
func (c *Config) AddCharacteristic(mac, name, uuid string) error {
	d, ok := c.Device(mac)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, mac)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("characteristic name is required")
	}
	if _, err := device.ValidateUUID(uuid); err != nil {
		return err
	}
	id := device.EntityID(d.MACAddress, uuid)
	for _, ch := range d.Characteristics {
		if device.EntityID(d.MACAddress, ch.UUID) == id {
			return fmt.Errorf("%w: %q already maps to %s", ErrDuplicateSwitch, ch.Name, id)
		}
	}
	d.Characteristics = append(d.Characteristics, CharacteristicConfig{Name: name, UUID: uuid})
	return nil
}

// RemoveCharacteristic removes the characteristic at index. An index out of
// range leaves the list untouched and reports removed=false.
func (c *Config) RemoveCharacteristic(mac string, index int) (bool, error) {
	d, ok := c.Device(mac)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownDevice, mac)
	}
	if index < 0 || index >= len(d.Characteristics) {
		return false, nil
	}
	d.Characteristics = append(d.Characteristics[:index:index], d.Characteristics[index+1:]...)
	return true, nil
}

// SetDisconnectDelay changes how long the connection is held after a command.
func (c *Config) SetDisconnectDelay(mac string, delay time.Duration) error {
	d, ok := c.Device(mac)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, mac)
	}
	// A zero delay does not survive a reload, defaults fill it back in
	if delay <= 0 {
		return fmt.Errorf("disconnect delay must be positive")
	}
	d.DisconnectDelay = delay
	return nil
}

// Save writes the configuration through a temp file and rename, so watchers
// never observe a partial file.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck // gone after a successful rename

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace config: %w", err)
	}
	return nil
}
