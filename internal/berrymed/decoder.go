// Package berrymed decodes the 5-byte BCI frame stream emitted by BerryMed
// BM1000C / BM100E pulse oximeters over their transparent UART service.
//
// Frame layout (1 header byte + 4 data bytes):
//
//	byte 0: bit7=1 frame sync, bit6 pulse beep, bit5 probe unplugged,
//	        bit4 sensor signal present, bits3-0 sensor signal strength
//	byte 1: plethysmograph amplitude, 0-255
//	byte 2: bit6 pulse-rate high bit, bit5 pulse search,
//	        bit4 finger absent, bits3-0 bar graph
//	byte 3: pulse-rate low 8 bits
//	byte 4: SpO2 0-100, or 127 when the reading is invalid
//
// Only pleth, finger presence, pulse rate and SpO2 are extracted; the beep,
// probe, bar-graph and signal-strength bits are not interesting here.
package berrymed

import "io"

const (
	// FrameLen is the full frame size on the wire, header included.
	FrameLen = 5

	// SpO2Invalid is the sentinel the device sends while it has no
	// usable reading (finger off, acquiring, probe fault).
	SpO2Invalid = 127

	// PulseRateInvalid is the device's "no pulse rate" sentinel.
	PulseRateInvalid = 255

	headerSyncMask   = 0x80
	rateHighBitMask  = 0x40
	fingerAbsentMask = 0x10
)

// Values is one decoded pulse-oximeter measurement. It is a plain snapshot
// built fresh on every decoded frame.
type Values struct {
	// Valid is false while SpO2 carries the invalid sentinel. An invalid
	// measurement is still delivered; it is a data state, not an error.
	Valid bool

	// SpO2 is the blood oxygen saturation percentage, 0-100,
	// or SpO2Invalid.
	SpO2 int

	// PulseRate is the pulse in beats per minute, 0-255.
	// PulseRateInvalid means the device has no rate yet.
	PulseRate int

	// Pleth is the plethysmograph amplitude, 0-255.
	Pleth int

	// FingerPresent reports whether the device detects a finger
	// on the probe.
	FingerPresent bool
}

// Decoder reads frames from a byte source with non-blocking reads: Read must
// return immediately with whatever is buffered, (0, nil) when nothing is.
// uart.Buffer satisfies this.
//
// The decoder keeps no state between calls. Callers must serialize calls to
// ReadFrame; the source's read cursor is shared.
type Decoder struct {
	src  io.Reader
	hdr  [1]byte
	body [FrameLen - 1]byte
}

// NewDecoder returns a Decoder pulling from src.
func NewDecoder(src io.Reader) *Decoder {
	return &Decoder{src: src}
}

// ReadFrame reads one candidate frame and decodes it. It returns false when
// no frame could be produced: nothing buffered, the next byte is not a frame
// header, or the body arrived truncated. None of these are errors; the caller
// polls again and the decoder realigns on a later sync byte.
//
// Realignment is one byte per call: a byte without the sync bit is consumed
// and dropped. A truncated body is dropped too, without rescanning the
// consumed bytes, so a frame split across reads is lost until the next sync
// byte arrives. That keeps the decoder stateless across calls.
func (d *Decoder) ReadFrame() (Values, bool) {
	n, err := d.src.Read(d.hdr[:])
	if err != nil || n == 0 {
		return Values{}, false
	}
	if d.hdr[0]&headerSyncMask == 0 {
		// Not synchronized.
		return Values{}, false
	}

	n, err = d.src.Read(d.body[:])
	if err != nil || n != len(d.body) {
		return Values{}, false
	}

	return decodeBody(d.body), true
}

// decodeBody extracts the measurement fields from the 4 data bytes.
// Masks and shifts are spelled out so they can be checked against the
// frame layout above.
func decodeBody(body [FrameLen - 1]byte) Values {
	pleth := int(body[0])

	// Bit set means finger absent.
	fingerPresent := body[1]&fingerAbsentMask == 0

	// The pulse rate's high bit travels in byte 2; shifting the masked
	// bit left by one lands it in bit 7 of the combined value.
	pulseRate := int(body[2]) | int(body[1]&rateHighBitMask)<<1

	spo2 := int(body[3])

	return Values{
		Valid:         spo2 != SpO2Invalid,
		SpO2:          spo2,
		PulseRate:     pulseRate,
		Pleth:         pleth,
		FingerPresent: fingerPresent,
	}
}
