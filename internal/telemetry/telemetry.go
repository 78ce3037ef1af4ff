package telemetry

import "time"

// Oximetry is one pulse-oximeter measurement as published to MQTT.
// Numeric fields are pointers so an invalid reading can omit them while
// still reporting the valid flag and finger state.
type Oximetry struct {
	DeviceID      string    `json:"device_id"`
	Timestamp     time.Time `json:"timestamp"`
	Valid         bool      `json:"valid"`
	SpO2          *int      `json:"spo2_pct,omitempty"`
	PulseRate     *int      `json:"pulse_rate_bpm,omitempty"`
	Pleth         *int      `json:"pleth,omitempty"`
	FingerPresent bool      `json:"finger_present"`
	Sequence      *int      `json:"sequence,omitempty"`
}

// DeviceHealth is the retained liveness record for the oximeter link.
type DeviceHealth struct {
	DeviceID string    `json:"device_id"`
	LastSeen time.Time `json:"last_seen"`
	Healthy  bool      `json:"healthy"`
}
