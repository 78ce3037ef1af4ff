package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	AppEnv   string
	LogLevel slog.Level

	MQTTBroker   string
	MQTTPort     int
	MQTTClientID string

	BLEAdapter       string
	DeviceNamePrefix string
	DeviceID         string
	PollInterval     time.Duration

	// SQLitePath is the local reading-log database file.
	// Empty disables the local log.
	SQLitePath string
}

func LoadFromEnv() (Config, error) {
	appEnv := strings.TrimSpace(os.Getenv("APP_ENV"))
	if appEnv == "" {
		appEnv = "dev"
	}
	switch appEnv {
	case "dev", "prod":
	default:
		return Config{}, fmt.Errorf("invalid APP_ENV %q (allowed: dev, prod)", appEnv)
	}

	logLevelStr := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if logLevelStr == "" {
		logLevelStr = "info"
	}
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	mqttBroker := strings.TrimSpace(os.Getenv("MQTT_BROKER"))
	if mqttBroker == "" {
		mqttBroker = "localhost"
	}

	mqttPortStr := strings.TrimSpace(os.Getenv("MQTT_PORT"))
	if mqttPortStr == "" {
		mqttPortStr = "1883"
	}
	mqttPort, err := strconv.Atoi(mqttPortStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid MQTT_PORT %q: %w", mqttPortStr, err)
	}

	mqttClientID := strings.TrimSpace(os.Getenv("MQTT_CLIENT_ID"))
	if mqttClientID == "" {
		mqttClientID = "berrymed-gateway"
	}

	bleAdapter := strings.TrimSpace(os.Getenv("BLE_ADAPTER"))
	if bleAdapter == "" {
		bleAdapter = "hci0"
	}

	deviceNamePrefix := strings.TrimSpace(os.Getenv("DEVICE_NAME_PREFIX"))
	if deviceNamePrefix == "" {
		deviceNamePrefix = "BerryMed"
	}

	deviceID := strings.TrimSpace(os.Getenv("DEVICE_ID"))
	if deviceID == "" {
		deviceID = "bm1000c"
	}

	pollIntervalStr := strings.TrimSpace(os.Getenv("POLL_INTERVAL"))
	if pollIntervalStr == "" {
		pollIntervalStr = "1s"
	}
	pollInterval, err := time.ParseDuration(pollIntervalStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid POLL_INTERVAL %q: %w", pollIntervalStr, err)
	}
	if pollInterval <= 0 {
		return Config{}, fmt.Errorf("POLL_INTERVAL must be positive, got %v", pollInterval)
	}

	sqlitePath := strings.TrimSpace(os.Getenv("SQLITE_PATH"))

	return Config{
		AppEnv:           appEnv,
		LogLevel:         level,
		MQTTBroker:       mqttBroker,
		MQTTPort:         mqttPort,
		MQTTClientID:     mqttClientID,
		BLEAdapter:       bleAdapter,
		DeviceNamePrefix: deviceNamePrefix,
		DeviceID:         deviceID,
		PollInterval:     pollInterval,
		SQLitePath:       sqlitePath,
	}, nil
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid LOG_LEVEL %q (allowed: debug, info, warn, error)", s)
	}
}
