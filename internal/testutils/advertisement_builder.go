package testutils

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/srg/bleswitch/internal/device"
)

// FakeAdvertisement is a plain-value device.Advertisement.
type FakeAdvertisement struct {
	Name        string
	Address     string
	Rssi        int
	ServiceList []string
	ManufData   []byte
	SvcData     []device.ServiceData
	TxPower     int
	IsConnect   bool
}

func (a *FakeAdvertisement) LocalName() string                 { return a.Name }
func (a *FakeAdvertisement) ManufacturerData() []byte          { return a.ManufData }
func (a *FakeAdvertisement) ServiceData() []device.ServiceData { return a.SvcData }
func (a *FakeAdvertisement) Services() []string                { return a.ServiceList }
func (a *FakeAdvertisement) TxPowerLevel() int                 { return a.TxPower }
func (a *FakeAdvertisement) Connectable() bool                 { return a.IsConnect }
func (a *FakeAdvertisement) RSSI() int                         { return a.Rssi }
func (a *FakeAdvertisement) Addr() string                      { return a.Address }

// AdvertisementBuilder builds fake BLE advertisements for testing.
type AdvertisementBuilder struct {
	adv         FakeAdvertisement
	serviceData map[string][]byte
}

// NewAdvertisementBuilder creates a builder that starts connectable with RSSI -50
// and TxPower 127 (the "not present" value).
func NewAdvertisementBuilder() *AdvertisementBuilder {
	return &AdvertisementBuilder{
		adv: FakeAdvertisement{
			Rssi:      -50,
			TxPower:   127,
			IsConnect: true,
		},
		serviceData: make(map[string][]byte),
	}
}

func (b *AdvertisementBuilder) WithName(name string) *AdvertisementBuilder {
	b.adv.Name = name
	return b
}

func (b *AdvertisementBuilder) WithAddress(addr string) *AdvertisementBuilder {
	b.adv.Address = addr
	return b
}

func (b *AdvertisementBuilder) WithRSSI(rssi int) *AdvertisementBuilder {
	b.adv.Rssi = rssi
	return b
}

// WithServices adds service UUIDs. They are normalized the way the real backend does.
func (b *AdvertisementBuilder) WithServices(uuids ...string) *AdvertisementBuilder {
	b.adv.ServiceList = append(b.adv.ServiceList, device.NormalizeUUIDs(uuids)...)
	return b
}

func (b *AdvertisementBuilder) WithManufacturerData(data []byte) *AdvertisementBuilder {
	b.adv.ManufData = data
	return b
}

func (b *AdvertisementBuilder) WithServiceData(uuid string, data []byte) *AdvertisementBuilder {
	b.serviceData[device.NormalizeUUID(uuid)] = data
	return b
}

func (b *AdvertisementBuilder) WithTxPower(power int) *AdvertisementBuilder {
	b.adv.TxPower = power
	return b
}

func (b *AdvertisementBuilder) WithConnectable(c bool) *AdvertisementBuilder {
	b.adv.IsConnect = c
	return b
}

// FromJSON fills builder fields from a JSON string with format support.
// Panics on invalid JSON as this is intended for test data setup.
func (b *AdvertisementBuilder) FromJSON(jsonStrFmt string, args ...interface{}) *AdvertisementBuilder {
	var data struct {
		Name             *string           `json:"name"`
		Address          *string           `json:"address"`
		RSSI             *int              `json:"rssi"`
		Services         []string          `json:"services"`
		ManufacturerData []byte            `json:"manufacturerData"`
		ServiceData      map[string][]byte `json:"serviceData"`
		TxPower          *int              `json:"txPower"`
		Connectable      *bool             `json:"connectable"`
	}
	if err := json.Unmarshal([]byte(fmt.Sprintf(jsonStrFmt, args...)), &data); err != nil {
		panic(fmt.Sprintf("FromJSON: %v", err))
	}

	if data.Name != nil {
		b.WithName(*data.Name)
	}
	if data.Address != nil {
		b.WithAddress(*data.Address)
	}
	if data.RSSI != nil {
		b.WithRSSI(*data.RSSI)
	}
	if data.Services != nil {
		b.WithServices(data.Services...)
	}
	if data.ManufacturerData != nil {
		b.WithManufacturerData(data.ManufacturerData)
	}
	for uuid, sd := range data.ServiceData {
		b.WithServiceData(uuid, sd)
	}
	if data.TxPower != nil {
		b.WithTxPower(*data.TxPower)
	}
	if data.Connectable != nil {
		b.WithConnectable(*data.Connectable)
	}
	return b
}

// Build returns a copy, so one builder can produce several advertisements.
func (b *AdvertisementBuilder) Build() *FakeAdvertisement {
	adv := b.adv
	adv.ServiceList = append([]string(nil), b.adv.ServiceList...)

	keys := make([]string, 0, len(b.serviceData))
	for k := range b.serviceData {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	adv.SvcData = nil
	for _, k := range keys {
		adv.SvcData = append(adv.SvcData, device.ServiceData{UUID: k, Data: b.serviceData[k]})
	}
	return &adv
}
