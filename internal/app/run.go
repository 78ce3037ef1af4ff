package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/dhalbert/berrymed-ble-gateway/internal/berrymed"
	"github.com/dhalbert/berrymed-ble-gateway/internal/config"
	"github.com/dhalbert/berrymed-ble-gateway/internal/mqtt"
	"github.com/dhalbert/berrymed-ble-gateway/internal/store"
	"github.com/dhalbert/berrymed-ble-gateway/internal/telemetry"
	"github.com/dhalbert/berrymed-ble-gateway/internal/uart"
)

// publisher is the MQTT surface the gateway needs.
type publisher interface {
	IsConnected() bool
	PublishOximetry(deviceID string, ox telemetry.Oximetry) error
	PublishDeviceHealth(health telemetry.DeviceHealth) error
}

// recorder is the local reading-log surface the poll loop needs.
type recorder interface {
	InsertReading(deviceID string, ts time.Time, v berrymed.Values) error
}

func Run(ctx context.Context, cfg config.Config) error {
	slog.Info("initializing gateway",
		"mqtt_broker", cfg.MQTTBroker,
		"mqtt_port", cfg.MQTTPort,
		"mqtt_client_id", cfg.MQTTClientID,
		"ble_adapter", cfg.BLEAdapter,
		"device_name_prefix", cfg.DeviceNamePrefix,
		"poll_interval", cfg.PollInterval,
	)

	mqttClient, err := mqtt.NewClient(cfg, slog.Default())
	if err != nil {
		return err
	}
	go func() {
		// Connect to MQTT broker with retry and backoff. Readings decoded
		// before the broker is up are logged locally and skipped on publish.
		if err := mqttClient.Connect(ctx); err != nil {
			slog.Error("mqtt connect failed", "error", err)
		}
	}()
	defer mqttClient.Disconnect()

	var st *store.Store
	if cfg.SQLitePath != "" {
		st, err = store.Open(cfg.SQLitePath)
		if err != nil {
			return err
		}
		defer func() {
			if closeErr := st.Close(); closeErr != nil {
				slog.Error("store close", "error", closeErr)
			}
		}()
		slog.Info("local reading log enabled", "path", cfg.SQLitePath)
	}

	uartClient := uart.NewClient(uart.Options{
		Adapter:    cfg.BLEAdapter,
		NamePrefix: cfg.DeviceNamePrefix,
	})
	if err := uartClient.Connect(ctx); err != nil {
		return err
	}
	defer uartClient.Disconnect()

	// The oximeter link is up; flip the retained health record, and flip it
	// back on the way out so consumers see the device go away.
	announceHealth(mqttClient, cfg.DeviceID, true)
	defer announceHealth(mqttClient, cfg.DeviceID, false)

	dec := berrymed.NewDecoder(uartClient.Buffer())

	var rec recorder
	if st != nil {
		rec = st
	}
	return poll(ctx, cfg, dec, mqttClient, rec)
}

// poll drains the decoder on every tick and forwards the newest measurement.
// The decoder itself never waits; the cadence here is the only pacing.
func poll(ctx context.Context, cfg config.Config, dec *berrymed.Decoder, pub publisher, rec recorder) error {
	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()

	sequence := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			latest, frames := drain(dec)
			if frames == 0 {
				continue
			}
			sequence++
			forward(cfg.DeviceID, time.Now(), sequence, latest, frames, pub, rec)
		}
	}
}

// drain decodes everything currently buffered and keeps the newest frame.
// The device streams much faster than the poll cadence; intermediate frames
// would only duplicate the same reading.
func drain(dec *berrymed.Decoder) (berrymed.Values, int) {
	var latest berrymed.Values
	frames := 0
	for {
		v, ok := dec.ReadFrame()
		if !ok {
			return latest, frames
		}
		latest = v
		frames++
	}
}

func forward(deviceID string, ts time.Time, sequence int, v berrymed.Values, frames int, pub publisher, rec recorder) {
	slog.Debug("measurement",
		"device_id", deviceID,
		"frames", frames,
		"valid", v.Valid,
		"spo2", v.SpO2,
		"pulse_rate", v.PulseRate,
		"pleth", v.Pleth,
		"finger_present", v.FingerPresent,
	)

	if rec != nil {
		if err := rec.InsertReading(deviceID, ts, v); err != nil {
			slog.Warn("failed to record reading", "device_id", deviceID, "error", err)
		}
	}

	if !pub.IsConnected() {
		slog.Debug("mqtt not connected, skipping publish", "device_id", deviceID)
		return
	}
	if err := pub.PublishOximetry(deviceID, toTelemetry(deviceID, ts, sequence, v)); err != nil {
		slog.Warn("failed to publish oximetry", "device_id", deviceID, "error", err)
	}
}

// announceHealth publishes the retained device liveness record. Skipped
// quietly when the broker is not reachable; the next state change will
// be announced once it is.
func announceHealth(pub publisher, deviceID string, healthy bool) {
	if !pub.IsConnected() {
		slog.Debug("mqtt not connected, skipping health publish",
			"device_id", deviceID, "healthy", healthy)
		return
	}
	health := telemetry.DeviceHealth{
		DeviceID: deviceID,
		LastSeen: time.Now(),
		Healthy:  healthy,
	}
	if err := pub.PublishDeviceHealth(health); err != nil {
		slog.Warn("failed to publish device health", "device_id", deviceID, "error", err)
	}
}

// toTelemetry maps a decoded frame to the published shape. An invalid
// measurement still goes out, with the numeric fields omitted; the device
// uses sentinels, the wire uses absence.
func toTelemetry(deviceID string, ts time.Time, sequence int, v berrymed.Values) telemetry.Oximetry {
	ox := telemetry.Oximetry{
		DeviceID:      deviceID,
		Timestamp:     ts,
		Valid:         v.Valid,
		FingerPresent: v.FingerPresent,
		Sequence:      &sequence,
	}
	if !v.Valid {
		return ox
	}

	spo2 := v.SpO2
	pleth := v.Pleth
	ox.SpO2 = &spo2
	ox.Pleth = &pleth
	if v.PulseRate != berrymed.PulseRateInvalid {
		rate := v.PulseRate
		ox.PulseRate = &rate
	}
	return ox
}
