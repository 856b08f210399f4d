package homekit

import (
	"context"
	"hash/fnv"
	"time"

	"github.com/brutella/hap/accessory"
	"github.com/brutella/hap/characteristic"
	"github.com/brutella/hap/service"
	"github.com/sirupsen/logrus"
	"github.com/srg/bleswitch/internal/gateway"
	"github.com/srg/bleswitch/internal/switches"
)

// CommandTimeout bounds a write triggered from the Home app.
const CommandTimeout = 15 * time.Second

const (
	bridgeID         uint64 = 1
	typeBridgingState       = "62"
)

// AccessoryID maps a switch unique id onto a stable HAP accessory id.
// Ids 0 and 1 are reserved for HAP and the bridge itself.
func AccessoryID(uniqueID string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(uniqueID))
	id := h.Sum64()
	if id <= bridgeID {
		id += 2
	}
	return id
}

type bridgingState struct {
	*service.S

	Reachable *characteristic.Reachable
}

func newBridgingState() *bridgingState {
	bs := &bridgingState{}
	bs.S = service.New(typeBridgingState)

	bs.Reachable = characteristic.NewReachable()
	bs.Reachable.Description = "Reachable"
	bs.S.AddC(bs.Reachable.C)

	return bs
}

// switchAccessory exposes one BLE switch.
type switchAccessory struct {
	*accessory.Switch

	State *bridgingState

	sw      *switches.Switch
	cleanup []func()
}

func newSwitchAccessory(entry *gateway.Entry, sw *switches.Switch, logger *logrus.Logger) *switchAccessory {
	info := sw.DeviceInfo()
	acc := &switchAccessory{sw: sw}
	acc.Switch = accessory.NewSwitch(accessory.Info{
		Name:         sw.Name(),
		SerialNumber: sw.UniqueID(),
		Manufacturer: info.Manufacturer,
		Model:        info.Name,
		Firmware:     Version,
	})
	acc.A.Id = AccessoryID(sw.UniqueID())

	acc.State = newBridgingState()
	acc.AddS(acc.State.S)

	acc.Switch.Switch.On.SetValue(sw.IsOn())
	acc.State.Reachable.SetValue(sw.Available())

	acc.Switch.Switch.On.OnSetRemoteValue(setter(sw, logger))

	acc.cleanup = append(acc.cleanup, sw.OnStateChange(func(on bool) {
		acc.Switch.Switch.On.SetValue(on)
	}))
	if entry.Coordinator != nil {
		acc.cleanup = append(acc.cleanup, entry.Coordinator.AddListener(acc.syncReachable))
	}
	return acc
}

func (a *switchAccessory) syncReachable() {
	a.State.Reachable.SetValue(a.sw.Available())
}

func (a *switchAccessory) close() {
	for _, fn := range a.cleanup {
		fn()
	}
	a.cleanup = nil
}

// setter turns a HomeKit request into a switch command. A returned error is
// reported to the controller as a communication failure.
func setter(sw *switches.Switch, logger *logrus.Logger) func(on bool) error {
	return func(on bool) error {
		ctx, cancel := context.WithTimeout(context.Background(), CommandTimeout)
		defer cancel()

		if err := sw.Set(ctx, on); err != nil {
			logger.WithFields(logrus.Fields{
				"switch": sw.Name(),
				"on":     on,
			}).WithError(err).Warn("HomeKit command failed")
			return err
		}
		return nil
	}
}
