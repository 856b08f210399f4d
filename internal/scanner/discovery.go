package scanner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/bleswitch/internal/device"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// ProgressCallback is called when the scan phase changes
type ProgressCallback func(phase string)

// ScanOptions configures a one-shot discovery scan
type ScanOptions struct {
	Duration     time.Duration
	ServiceUUIDs []string
	AllowList    []string
	BlockList    []string
}

// DefaultScanOptions returns default scanning options
func DefaultScanOptions() *ScanOptions {
	return &ScanOptions{
		Duration: 10 * time.Second,
	}
}

// DeviceInfo summarizes what a discovery scan saw from one address.
type DeviceInfo struct {
	Address      string    `json:"address"`
	Name         string    `json:"name"`
	RSSI         int       `json:"rssi"`
	Connectable  bool      `json:"connectable"`
	Services     []string  `json:"services"`
	Manufacturer []byte    `json:"manufacturer_data,omitempty"`
	Packets      int       `json:"packets"`
	LastSeen     time.Time `json:"last_seen"`
}

func (i *DeviceInfo) update(adv device.Advertisement, now time.Time) {
	if name := adv.LocalName(); name != "" {
		i.Name = name
	}
	i.RSSI = adv.RSSI()
	i.Connectable = adv.Connectable()
	if md := adv.ManufacturerData(); len(md) > 0 {
		i.Manufacturer = md
	}
	for _, s := range adv.Services() {
		if !contains(i.Services, s) {
			i.Services = append(i.Services, s)
		}
	}
	i.Packets++
	i.LastSeen = now
}

// Discover scans for opts.Duration and returns the devices seen, in the order
// they were first discovered.
func Discover(ctx context.Context, s device.Scanner, opts *ScanOptions, logger *logrus.Logger, progress ProgressCallback) ([]DeviceInfo, error) {
	if opts == nil {
		opts = DefaultScanOptions()
	}
	if progress == nil {
		progress = func(string) {}
	}
	if logger == nil {
		logger = logrus.New()
	}

	filter, err := newFilter(opts)
	if err != nil {
		return nil, err
	}

	seen := orderedmap.New[string, *DeviceInfo]()
	results := make(chan device.Advertisement, 64)

	scanCtx, cancel := context.WithTimeout(ctx, opts.Duration)
	defer cancel()

	logger.WithField("duration", opts.Duration).Info("Starting BLE scan...")
	progress("Scanning")

	scanErr := make(chan error, 1)
	go func() {
		scanErr <- s.Scan(scanCtx, true, func(adv device.Advertisement) {
			select {
			case results <- adv:
			case <-scanCtx.Done():
			}
		})
	}()

	handle := func(adv device.Advertisement) {
		if !filter.include(adv) {
			return
		}
		key := device.AddressKey(adv.Addr())
		info, ok := seen.Get(key)
		if !ok {
			info = &DeviceInfo{Address: adv.Addr()}
			seen.Set(key, info)
			logger.WithFields(logrus.Fields{
				"device":  adv.LocalName(),
				"address": adv.Addr(),
				"rssi":    adv.RSSI(),
			}).Info("Discovered new device")
		}
		info.update(adv, time.Now())
	}

	var serr error
loop:
	for {
		select {
		case adv := <-results:
			handle(adv)
		case serr = <-scanErr:
			break loop
		}
	}
	for drained := false; !drained; {
		select {
		case adv := <-results:
			handle(adv)
		default:
			drained = true
		}
	}

	// Parent cancellation is an interruption, not a completed scan
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if serr != nil {
		return nil, fmt.Errorf("scan failed: %w", serr)
	}

	logger.WithField("device_count", seen.Len()).Info("BLE scan completed")
	progress("Processing results")

	out := make([]DeviceInfo, 0, seen.Len())
	for pair := seen.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, *pair.Value)
	}
	return out, nil
}

type filter struct {
	services []string
	allow    map[string]bool
	block    map[string]bool
}

func newFilter(opts *ScanOptions) (*filter, error) {
	f := &filter{allow: map[string]bool{}, block: map[string]bool{}}
	if len(opts.ServiceUUIDs) > 0 {
		uuids, err := device.ValidateUUID(opts.ServiceUUIDs...)
		if err != nil {
			return nil, fmt.Errorf("invalid service filter: %w", err)
		}
		f.services = uuids
	}
	for _, a := range opts.AllowList {
		f.allow[device.AddressKey(a)] = true
	}
	for _, b := range opts.BlockList {
		f.block[device.AddressKey(b)] = true
	}
	return f, nil
}

// include applies the allow, block and service filters
func (f *filter) include(adv device.Advertisement) bool {
	key := device.AddressKey(adv.Addr())
	if f.block[key] {
		return false
	}
	if len(f.allow) > 0 && !f.allow[key] {
		return false
	}
	if len(f.services) == 0 {
		return true
	}
	for _, s := range adv.Services() {
		if contains(f.services, s) {
			return true
		}
	}
	return false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
