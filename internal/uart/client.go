// Package uart connects to a BerryMed pulse oximeter's transparent UART
// service over BLE and buffers its notification payloads into a byte stream
// the frame decoder can poll.
package uart

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"tinygo.org/x/bluetooth"

	"github.com/dhalbert/berrymed-ble-gateway/internal/hexutil"
)

// Microchip transparent UART service as exposed by the BM1000C / BM100E.
// The device streams measurement frames as notifications on the TX
// characteristic; RX is write-only and unused here.
const (
	ServiceUUID = "49535343-fe7d-4ae5-8fa9-9fafd205e455"
	TxCharUUID  = "49535343-1e4d-4bd9-ba61-23c647249616"
	RxCharUUID  = "49535343-8841-43f4-a8d4-ecbe34729bb3"

	// DefaultNamePrefix matches the advertised name of BerryMed oximeters.
	DefaultNamePrefix = "BerryMed"
)

type Options struct {
	Adapter    string // "hci0" by default
	NamePrefix string
	BufferSize int
}

// Client owns the BLE connection to the oximeter. Incoming UART
// notifications land in an internal Buffer exposed via Buffer().
type Client struct {
	adapter *bluetooth.Adapter
	opts    Options
	buf     *Buffer

	device    bluetooth.Device
	connected bool
}

func NewClient(opts Options) *Client {
	if opts.Adapter == "" {
		opts.Adapter = "hci0"
	}
	if opts.NamePrefix == "" {
		opts.NamePrefix = DefaultNamePrefix
	}

	return &Client{
		adapter: bluetooth.NewAdapter(opts.Adapter),
		opts:    opts,
		buf:     NewBuffer(opts.BufferSize),
	}
}

// Buffer returns the byte source fed by UART notifications. Reads from it
// are non-blocking.
func (c *Client) Buffer() *Buffer {
	return c.buf
}

// Connect scans for the first device whose advertised name matches the
// configured prefix, connects, and subscribes to the UART TX characteristic.
// It returns once notifications are flowing or the scan is canceled.
func (c *Client) Connect(ctx context.Context) error {
	slog.Info("uart: enabling adapter", "adapter", c.opts.Adapter)
	if err := c.adapter.Enable(); err != nil {
		return fmt.Errorf("ble enable (%s): %w", c.opts.Adapter, err)
	}

	svcUUID, err := bluetooth.ParseUUID(ServiceUUID)
	if err != nil {
		return fmt.Errorf("parse service uuid: %w", err)
	}
	txUUID, err := bluetooth.ParseUUID(TxCharUUID)
	if err != nil {
		return fmt.Errorf("parse tx uuid: %w", err)
	}

	result, err := c.scan(ctx)
	if err != nil {
		return err
	}

	slog.Info("uart: connecting",
		"addr", result.Address.String(),
		"name", result.LocalName(),
		"rssi", result.RSSI,
	)
	device, err := c.adapter.Connect(result.Address, bluetooth.ConnectionParams{})
	if err != nil {
		return fmt.Errorf("ble connect (%s): %w", result.Address.String(), err)
	}
	c.device = device
	c.connected = true

	services, err := device.DiscoverServices([]bluetooth.UUID{svcUUID})
	if derr := discoverErr("discover uart service", ServiceUUID, len(services), err); derr != nil {
		c.Disconnect()
		return derr
	}

	chars, err := services[0].DiscoverCharacteristics([]bluetooth.UUID{txUUID})
	if derr := discoverErr("discover tx characteristic", TxCharUUID, len(chars), err); derr != nil {
		c.Disconnect()
		return derr
	}

	if err := chars[0].EnableNotifications(func(p []byte) {
		_, _ = c.buf.Write(p)
		slog.Debug("uart: notification", "len", len(p), "data", hexutil.BytesToHex(p))
	}); err != nil {
		c.Disconnect()
		return fmt.Errorf("enable notifications: %w", err)
	}

	slog.Info("uart: subscribed", "addr", result.Address.String())
	return nil
}

// discoverErr folds the two ways a discovery step fails: the stack returned
// an error, or it returned cleanly with nothing matching the UUID.
func discoverErr(step, uuid string, n int, err error) error {
	if err != nil {
		return fmt.Errorf("%s: %w", step, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %s not found", step, uuid)
	}
	return nil
}

// scan blocks until a matching device is seen or ctx is canceled.
func (c *Client) scan(ctx context.Context) (bluetooth.ScanResult, error) {
	slog.Info("uart: scanning", "name_prefix", c.opts.NamePrefix)

	found := make(chan bluetooth.ScanResult, 1)
	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-ctx.Done():
			_ = c.adapter.StopScan()
		case <-done:
		}
	}()

	err := c.adapter.Scan(func(a *bluetooth.Adapter, r bluetooth.ScanResult) {
		if !strings.HasPrefix(r.LocalName(), c.opts.NamePrefix) {
			return
		}
		select {
		case found <- r:
		default:
		}
		_ = a.StopScan()
	})

	if ctx.Err() != nil {
		return bluetooth.ScanResult{}, ctx.Err()
	}
	if err != nil {
		return bluetooth.ScanResult{}, fmt.Errorf("ble scan: %w", err)
	}

	select {
	case r := <-found:
		return r, nil
	default:
		return bluetooth.ScanResult{}, fmt.Errorf("ble scan stopped before a %q device was found", c.opts.NamePrefix)
	}
}

// Disconnect drops the BLE connection. Safe to call when not connected.
func (c *Client) Disconnect() {
	if !c.connected {
		return
	}
	c.connected = false
	if err := c.device.Disconnect(); err != nil {
		slog.Warn("uart: disconnect", "error", err)
		return
	}
	slog.Info("uart: disconnected")
}
