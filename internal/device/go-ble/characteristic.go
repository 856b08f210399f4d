package goble

import (
	"fmt"
	"time"

	"github.com/go-ble/ble"
	"github.com/srg/bleswitch/internal/device"
)

const (
	// DefaultBLEWriteChunkSize is the maximum number of bytes to write in a single BLE operation.
	// BLE 4.0/4.1 defines ATT_MTU of 23 bytes (20 bytes payload after ATT header overhead).
	DefaultBLEWriteChunkSize = 20

	// DefaultBLEWriteDelay is the delay between consecutive write chunks.
	DefaultBLEWriteDelay = 10 * time.Millisecond

	// DefaultReadTimeout is the default timeout for characteristic read operations.
	DefaultReadTimeout = 5 * time.Second

	// DefaultWriteTimeout is used when Write is called with a zero timeout.
	DefaultWriteTimeout = 5 * time.Second
)

// BLECharacteristic is a discovered characteristic bound to its connection.
type BLECharacteristic struct {
	uuid       string
	properties device.Properties
	BLEChar    *ble.Characteristic
	connection *BLEConnection
}

func NewCharacteristic(c *ble.Characteristic, conn *BLEConnection) *BLECharacteristic {
	return &BLECharacteristic{
		uuid:       device.NormalizeUUID(c.UUID.String()),
		properties: NewProperties(c.Property),
		BLEChar:    c,
		connection: conn,
	}
}

func (c *BLECharacteristic) UUID() string {
	return c.uuid
}

func (c *BLECharacteristic) GetProperties() device.Properties {
	return c.properties
}

// Read reads the current value of the characteristic from the device.
// A zero timeout uses DefaultReadTimeout.
func (c *BLECharacteristic) Read(timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		timeout = DefaultReadTimeout
	}

	client, err := c.liveClient()
	if err != nil {
		return nil, err
	}

	type readResult struct {
		data []byte
		err  error
	}
	resultCh := make(chan readResult, 1)

	go func() {
		data, err := client.ReadCharacteristic(c.BLEChar)
		resultCh <- readResult{data: data, err: err}
	}()

	select {
	case result := <-resultCh:
		if result.err != nil {
			return nil, fmt.Errorf("failed to read characteristic %s: %w", c.uuid, NormalizeError(result.err))
		}
		return result.data, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("reading characteristic %s after %v: %w", c.uuid, timeout, device.ErrTimeout)
	}
}

// Write sends data in DefaultBLEWriteChunkSize pieces. Writes on one connection
// are serialized. The timeout bounds the whole transfer.
func (c *BLECharacteristic) Write(data []byte, withResponse bool, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultWriteTimeout
	}

	client, err := c.liveClient()
	if err != nil {
		return err
	}

	conn := c.connection
	done := make(chan error, 1)

	go func() {
		conn.writeMutex.Lock()
		defer conn.writeMutex.Unlock()

		chunks := data
		for {
			n := len(chunks)
			if n > DefaultBLEWriteChunkSize {
				n = DefaultBLEWriteChunkSize
			}
			if err := client.WriteCharacteristic(c.BLEChar, chunks[:n], !withResponse); err != nil {
				done <- NormalizeError(err)
				return
			}
			chunks = chunks[n:]
			if len(chunks) == 0 {
				break
			}
			time.Sleep(DefaultBLEWriteDelay)
		}
		done <- nil
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("failed to write characteristic %s: %w", c.uuid, err)
		}
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("writing characteristic %s after %v: %w", c.uuid, timeout, device.ErrTimeout)
	}
}

func (c *BLECharacteristic) liveClient() (ble.Client, error) {
	if c.connection == nil || c.BLEChar == nil {
		return nil, fmt.Errorf("characteristic %s: %w", c.uuid, device.ErrNotInitialized)
	}

	c.connection.connMutex.RLock()
	defer c.connection.connMutex.RUnlock()
	if !c.connection.isConnectedInternal() {
		return nil, fmt.Errorf("characteristic %s: %w", c.uuid, device.ErrNotConnected)
	}
	return c.connection.client, nil
}
