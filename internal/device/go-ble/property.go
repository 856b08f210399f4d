package goble

import (
	"strings"

	"github.com/go-ble/ble"
	"github.com/srg/bleswitch/internal/device"
)

// BLEProperties adapts the ble.Property bit set to device.Properties.
type BLEProperties struct {
	p ble.Property
}

// NewProperties creates a Properties instance from ble.Property bit flags.
func NewProperties(p ble.Property) device.Properties {
	return &BLEProperties{p: p}
}

func (p *BLEProperties) CanRead() bool                 { return p.p&ble.CharRead != 0 }
func (p *BLEProperties) CanWrite() bool                { return p.p&ble.CharWrite != 0 }
func (p *BLEProperties) CanWriteWithoutResponse() bool { return p.p&ble.CharWriteNR != 0 }
func (p *BLEProperties) CanNotify() bool {
	return p.p&ble.CharNotify != 0 || p.p&ble.CharIndicate != 0
}

// String renders the set as "read,write,notify" in bit order.
func (p *BLEProperties) String() string {
	names := []struct {
		bit  ble.Property
		name string
	}{
		{ble.CharBroadcast, "broadcast"},
		{ble.CharRead, "read"},
		{ble.CharWriteNR, "write-without-response"},
		{ble.CharWrite, "write"},
		{ble.CharNotify, "notify"},
		{ble.CharIndicate, "indicate"},
		{ble.CharSignedWrite, "signed-write"},
		{ble.CharExtended, "extended"},
	}

	var parts []string
	for _, n := range names {
		if p.p&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, ",")
}
