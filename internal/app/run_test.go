package app

import (
	"sync"
	"testing"
	"time"

	"github.com/dhalbert/berrymed-ble-gateway/internal/berrymed"
	"github.com/dhalbert/berrymed-ble-gateway/internal/telemetry"
	"github.com/dhalbert/berrymed-ble-gateway/internal/uart"
)

type fakePublisher struct {
	mu        sync.Mutex
	connected bool
	published []telemetry.Oximetry
	health    []telemetry.DeviceHealth
	err       error
}

func (p *fakePublisher) IsConnected() bool { return p.connected }

func (p *fakePublisher) PublishOximetry(deviceID string, ox telemetry.Oximetry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, ox)
	return p.err
}

func (p *fakePublisher) PublishDeviceHealth(health telemetry.DeviceHealth) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.health = append(p.health, health)
	return p.err
}

type fakeRecorder struct {
	mu       sync.Mutex
	inserted []berrymed.Values
	err      error
}

func (r *fakeRecorder) InsertReading(deviceID string, ts time.Time, v berrymed.Values) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inserted = append(r.inserted, v)
	return r.err
}

func TestDrain_KeepsNewestFrame(t *testing.T) {
	buf := uart.NewBuffer(64)
	buf.Write([]byte{
		0x80, 0x32, 0x00, 0x46, 0x62,
		0x80, 0x30, 0x00, 0x48, 0x61,
	})
	dec := berrymed.NewDecoder(buf)

	latest, frames := drain(dec)
	if frames != 2 {
		t.Fatalf("drain() frames = %d, want 2", frames)
	}
	if latest.PulseRate != 72 || latest.SpO2 != 97 {
		t.Errorf("drain() latest = %+v, want the second frame", latest)
	}
	if buf.Len() != 0 {
		t.Errorf("drain() left %d bytes buffered", buf.Len())
	}
}

func TestDrain_EmptyBuffer(t *testing.T) {
	dec := berrymed.NewDecoder(uart.NewBuffer(64))

	if _, frames := drain(dec); frames != 0 {
		t.Errorf("drain() on empty buffer = %d frames, want 0", frames)
	}
}

func TestForward_PublishesAndRecords(t *testing.T) {
	pub := &fakePublisher{connected: true}
	rec := &fakeRecorder{}
	v := berrymed.Values{Valid: true, SpO2: 98, PulseRate: 70, Pleth: 50, FingerPresent: true}

	forward("bm1000c", time.Now(), 7, v, 3, pub, rec)

	if len(rec.inserted) != 1 {
		t.Fatalf("recorded %d readings, want 1", len(rec.inserted))
	}
	if len(pub.published) != 1 {
		t.Fatalf("published %d messages, want 1", len(pub.published))
	}

	ox := pub.published[0]
	if ox.SpO2 == nil || *ox.SpO2 != 98 {
		t.Errorf("SpO2 = %v, want 98", ox.SpO2)
	}
	if ox.PulseRate == nil || *ox.PulseRate != 70 {
		t.Errorf("PulseRate = %v, want 70", ox.PulseRate)
	}
	if ox.Sequence == nil || *ox.Sequence != 7 {
		t.Errorf("Sequence = %v, want 7", ox.Sequence)
	}
}

func TestForward_SkipsPublishWhenDisconnected(t *testing.T) {
	pub := &fakePublisher{connected: false}
	rec := &fakeRecorder{}
	v := berrymed.Values{Valid: true, SpO2: 95, PulseRate: 80, Pleth: 20, FingerPresent: true}

	forward("bm1000c", time.Now(), 1, v, 1, pub, rec)

	if len(pub.published) != 0 {
		t.Errorf("published %d messages while disconnected, want 0", len(pub.published))
	}
	// The local log does not depend on the broker.
	if len(rec.inserted) != 1 {
		t.Errorf("recorded %d readings, want 1", len(rec.inserted))
	}
}

func TestForward_NilRecorder(t *testing.T) {
	pub := &fakePublisher{connected: true}
	v := berrymed.Values{Valid: true, SpO2: 96, PulseRate: 61, Pleth: 33, FingerPresent: true}

	// Must not panic with the local log disabled.
	forward("bm1000c", time.Now(), 1, v, 1, pub, nil)

	if len(pub.published) != 1 {
		t.Errorf("published %d messages, want 1", len(pub.published))
	}
}

func TestAnnounceHealth_PublishesLivenessRecord(t *testing.T) {
	pub := &fakePublisher{connected: true}

	announceHealth(pub, "bm1000c", true)
	announceHealth(pub, "bm1000c", false)

	if len(pub.health) != 2 {
		t.Fatalf("published %d health records, want 2", len(pub.health))
	}
	if pub.health[0].DeviceID != "bm1000c" || !pub.health[0].Healthy {
		t.Errorf("first record = %+v, want healthy bm1000c", pub.health[0])
	}
	if pub.health[1].Healthy {
		t.Errorf("second record = %+v, want healthy=false", pub.health[1])
	}
	if pub.health[0].LastSeen.IsZero() {
		t.Error("LastSeen not set on health record")
	}
}

func TestAnnounceHealth_SkipsWhenDisconnected(t *testing.T) {
	pub := &fakePublisher{connected: false}

	announceHealth(pub, "bm1000c", true)

	if len(pub.health) != 0 {
		t.Errorf("published %d health records while disconnected, want 0", len(pub.health))
	}
}

func TestToTelemetry_InvalidOmitsNumericFields(t *testing.T) {
	v := berrymed.Values{Valid: false, SpO2: berrymed.SpO2Invalid, PulseRate: 255, Pleth: 3, FingerPresent: false}

	ox := toTelemetry("bm1000c", time.Now(), 4, v)

	if ox.Valid {
		t.Error("Valid = true, want false")
	}
	if ox.SpO2 != nil || ox.PulseRate != nil || ox.Pleth != nil {
		t.Errorf("numeric fields = %v %v %v, want all omitted", ox.SpO2, ox.PulseRate, ox.Pleth)
	}
	if ox.Sequence == nil || *ox.Sequence != 4 {
		t.Errorf("Sequence = %v, want 4", ox.Sequence)
	}
}

func TestToTelemetry_RateSentinelOmitted(t *testing.T) {
	// Valid SpO2 but the device has no pulse rate yet.
	v := berrymed.Values{Valid: true, SpO2: 99, PulseRate: berrymed.PulseRateInvalid, Pleth: 10, FingerPresent: true}

	ox := toTelemetry("bm1000c", time.Now(), 1, v)

	if ox.SpO2 == nil || *ox.SpO2 != 99 {
		t.Errorf("SpO2 = %v, want 99", ox.SpO2)
	}
	if ox.PulseRate != nil {
		t.Errorf("PulseRate = %v, want omitted for sentinel", *ox.PulseRate)
	}
}
