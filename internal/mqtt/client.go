package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/dhalbert/berrymed-ble-gateway/internal/config"
	"github.com/dhalbert/berrymed-ble-gateway/internal/telemetry"
)

type Client struct {
	client    mqtt.Client
	cfg       config.Config
	logger    *slog.Logger
	mu        sync.RWMutex
	connected bool

	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewClient(cfg config.Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		cfg:    cfg,
		logger: logger,
		stopCh: make(chan struct{}),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.MQTTBroker, cfg.MQTTPort))
	opts.SetClientID(cfg.MQTTClientID)

	// The gateway only publishes; there is no session state worth resuming.
	opts.SetCleanSession(true)

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)

	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	// Track broker state ourselves so IsConnected stays truthful across
	// paho's internal reconnects.
	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		c.setConnected(true)
		logger.Info("mqtt connected", "broker", cfg.MQTTBroker, "port", cfg.MQTTPort)
	})

	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.setConnected(false)
		logger.Warn("mqtt connection lost", "error", err)
	})

	c.client = mqtt.NewClient(opts)
	return c, nil
}

// Connect waits for the initial broker connection. It returns early when
// ctx is canceled or the client has been stopped via Disconnect.
func (c *Client) Connect(ctx context.Context) error {
	// A stopped client never reconnects.
	select {
	case <-c.stopCh:
		return fmt.Errorf("client stopped")
	default:
	}

	if c.IsConnected() {
		return nil
	}

	// Paho keeps retrying on its own with ConnectRetry set; all that is
	// left here is waiting in a way ctx and Disconnect can interrupt.
	token := c.client.Connect()

	const poll = 200 * time.Millisecond
	for {
		if token.WaitTimeout(poll) {
			if err := token.Error(); err != nil {
				return fmt.Errorf("mqtt connect: %w", err)
			}
			// The on-connect callback has flipped connected by now.
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stopCh:
			return fmt.Errorf("client stopped")
		default:
		}
	}
}

// PublishOximetry publishes one decoded measurement to the device topic.
func (c *Client) PublishOximetry(deviceID string, ox telemetry.Oximetry) error {
	if !c.IsConnected() {
		return fmt.Errorf("mqtt client not connected")
	}

	topic := fmt.Sprintf("devices/%s/oximetry", deviceID)

	ox.DeviceID = deviceID
	if ox.Timestamp.IsZero() {
		ox.Timestamp = time.Now()
	}

	data, err := json.Marshal(ox)
	if err != nil {
		return fmt.Errorf("marshal oximetry: %w", err)
	}

	token := c.client.Publish(topic, 1, false, data)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish timeout for topic %s", topic)
	}
	if token.Error() != nil {
		c.logger.Error("failed to publish oximetry", "topic", topic, "error", token.Error())
		return fmt.Errorf("publish oximetry: %w", token.Error())
	}

	c.logger.Debug("published oximetry", "topic", topic, "device_id", deviceID)
	return nil
}

// PublishDeviceHealth publishes device health/last-seen state.
func (c *Client) PublishDeviceHealth(health telemetry.DeviceHealth) error {
	if !c.IsConnected() {
		return fmt.Errorf("mqtt client not connected")
	}

	topic := fmt.Sprintf("devices/%s/health", health.DeviceID)

	if health.LastSeen.IsZero() {
		health.LastSeen = time.Now()
	}

	data, err := json.Marshal(health)
	if err != nil {
		return fmt.Errorf("marshal health: %w", err)
	}

	token := c.client.Publish(topic, 1, true, data) // retained
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish timeout for topic %s", topic)
	}
	if token.Error() != nil {
		c.logger.Error("failed to publish device health", "topic", topic, "error", token.Error())
		return fmt.Errorf("publish health: %w", token.Error())
	}

	c.logger.Debug("published device health",
		"topic", topic,
		"device_id", health.DeviceID,
		"last_seen", health.LastSeen,
		"healthy", health.Healthy,
	)
	return nil
}

// IsConnected reports whether the broker connection is up.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	connected := c.connected
	c.mu.RUnlock()
	return connected && c.client.IsConnected()
}

// Disconnect stops the client for good. Idempotent; any Connect still
// waiting returns "client stopped".
func (c *Client) Disconnect() {
	c.stopOnce.Do(func() { close(c.stopCh) })

	// Not under c.mu: paho quiesces in-flight work for the given
	// milliseconds and may call back into our handlers meanwhile.
	if c.client != nil {
		c.client.Disconnect(250)
	}

	c.setConnected(false)
	c.logger.Info("mqtt disconnected")
}

func (c *Client) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}
