// Package device provides the Bluetooth Low Energy (BLE) device model used by
// bleswitch: advertisements, connections, GATT services and characteristics.
//
// The package defines interfaces only; the go-ble backed implementation lives
// in the goble subpackage. It covers:
//   - Connection lifecycle (connect, disconnect, link-loss detection)
//   - GATT service and characteristic discovery
//   - Characteristic read and write with bounded timeouts
//   - UUID and MAC address normalization
//   - Structured errors that callers can match with errors.Is / errors.As
package device
