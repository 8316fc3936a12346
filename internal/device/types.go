// Package device implements a typed client for a flight controller reached
// through a link.Connection. Binary MSP commands cover reads, flash access
// and reboots; configuration writes go through the text CLI, which is the
// only interface the firmware keeps authoritative for settings.
package device

import (
	"errors"
	"fmt"
	"time"
)

// ErrFlashNotReady is returned when dataflash operations are requested while
// the chip reports itself busy (typically mid-erase).
var ErrFlashNotReady = errors.New("device: dataflash not ready")

// Identity describes the connected firmware and board.
type Identity struct {
	Variant   string // four character firmware identifier, e.g. "BTFL"
	Version   string // semantic firmware version, e.g. "4.4.2"
	Board     string // four character board identifier
	BuildDate string
	BuildTime string
}

func (id Identity) String() string {
	return fmt.Sprintf("%s %s (%s, built %s %s)", id.Variant, id.Version, id.Board, id.BuildDate, id.BuildTime)
}

// APIVersion is the MSP protocol version triple reported by the device.
type APIVersion struct {
	Protocol uint8
	Major    uint8
	Minor    uint8
}

func (v APIVersion) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Protocol, v.Major, v.Minor)
}

// Status is the flight controller's runtime state snapshot.
type Status struct {
	CycleTime  time.Duration // main loop period
	I2CErrors  uint16
	SensorMask uint16
	ModeFlags  uint32
	Profile    uint8
}

// PIDTerms holds one axis' controller gains as the firmware stores them.
type PIDTerms struct {
	P, I, D uint8
}

// PIDProfile is the active PID profile. The firmware reports gains for more
// controllers than the three flight axes; the tail is preserved verbatim so a
// read-modify-write cycle never clobbers slots this client does not model.
type PIDProfile struct {
	Roll  PIDTerms
	Pitch PIDTerms
	Yaw   PIDTerms

	tail []byte
}

func unmarshalPIDProfile(payload []byte) (*PIDProfile, error) {
	r := newPayloadReader(payload)
	p := &PIDProfile{
		Roll:  PIDTerms{r.u8(), r.u8(), r.u8()},
		Pitch: PIDTerms{r.u8(), r.u8(), r.u8()},
		Yaw:   PIDTerms{r.u8(), r.u8(), r.u8()},
	}
	if r.err != nil {
		return nil, fmt.Errorf("decoding PID profile: %w", r.err)
	}
	p.tail = append([]byte(nil), r.bytes(r.remaining())...)
	return p, nil
}

func (p *PIDProfile) marshal() []byte {
	w := &payloadWriter{}
	for _, t := range []PIDTerms{p.Roll, p.Pitch, p.Yaw} {
		w.u8(t.P).u8(t.I).u8(t.D)
	}
	w.buf = append(w.buf, p.tail...)
	return w.buf
}

// FilterConfig mirrors the firmware's gyro and D-term filter chain. All
// frequencies are in Hz; zero disables the stage.
type FilterConfig struct {
	GyroLowpass1Hz   uint16
	GyroLowpass1Type uint8
	GyroLowpass2Hz   uint16
	GyroLowpass2Type uint8

	GyroNotch1Hz     uint16
	GyroNotch1Cutoff uint16
	GyroNotch2Hz     uint16
	GyroNotch2Cutoff uint16

	DtermLowpass1Hz   uint16
	DtermLowpass1Type uint8
	DtermLowpass2Hz   uint16
	DtermLowpass2Type uint8

	DtermNotchHz     uint16
	DtermNotchCutoff uint16

	DynNotchCount uint8
	DynNotchQ     uint16
	DynNotchMinHz uint16
	DynNotchMaxHz uint16

	RPMHarmonics uint8
	RPMMinHz     uint8
}

// RPMFilterEnabled reports whether motor RPM telemetry drives notch filters.
// When it does, static notch recommendations can be relaxed.
func (f *FilterConfig) RPMFilterEnabled() bool {
	return f.RPMHarmonics > 0
}

func unmarshalFilterConfig(payload []byte) (*FilterConfig, error) {
	r := newPayloadReader(payload)
	f := &FilterConfig{
		GyroLowpass1Hz:   r.u16(),
		GyroLowpass1Type: r.u8(),
		GyroLowpass2Hz:   r.u16(),
		GyroLowpass2Type: r.u8(),

		GyroNotch1Hz:     r.u16(),
		GyroNotch1Cutoff: r.u16(),
		GyroNotch2Hz:     r.u16(),
		GyroNotch2Cutoff: r.u16(),

		DtermLowpass1Hz:   r.u16(),
		DtermLowpass1Type: r.u8(),
		DtermLowpass2Hz:   r.u16(),
		DtermLowpass2Type: r.u8(),

		DtermNotchHz:     r.u16(),
		DtermNotchCutoff: r.u16(),

		DynNotchCount: r.u8(),
		DynNotchQ:     r.u16(),
		DynNotchMinHz: r.u16(),
		DynNotchMaxHz: r.u16(),

		RPMHarmonics: r.u8(),
		RPMMinHz:     r.u8(),
	}
	if r.err != nil {
		return nil, fmt.Errorf("decoding filter config: %w", r.err)
	}
	return f, nil
}

func (f *FilterConfig) marshal() []byte {
	w := &payloadWriter{}
	w.u16(f.GyroLowpass1Hz).u8(f.GyroLowpass1Type)
	w.u16(f.GyroLowpass2Hz).u8(f.GyroLowpass2Type)
	w.u16(f.GyroNotch1Hz).u16(f.GyroNotch1Cutoff)
	w.u16(f.GyroNotch2Hz).u16(f.GyroNotch2Cutoff)
	w.u16(f.DtermLowpass1Hz).u8(f.DtermLowpass1Type)
	w.u16(f.DtermLowpass2Hz).u8(f.DtermLowpass2Type)
	w.u16(f.DtermNotchHz).u16(f.DtermNotchCutoff)
	w.u8(f.DynNotchCount).u16(f.DynNotchQ)
	w.u16(f.DynNotchMinHz).u16(f.DynNotchMaxHz)
	w.u8(f.RPMHarmonics).u8(f.RPMMinHz)
	return w.buf
}

// FeedforwardConfig holds the per-axis feedforward gains and shaping.
type FeedforwardConfig struct {
	Roll       uint16
	Pitch      uint16
	Yaw        uint16
	Transition uint8
	Boost      uint8
}

func unmarshalFeedforwardConfig(payload []byte) (*FeedforwardConfig, error) {
	r := newPayloadReader(payload)
	f := &FeedforwardConfig{
		Roll:       r.u16(),
		Pitch:      r.u16(),
		Yaw:        r.u16(),
		Transition: r.u8(),
		Boost:      r.u8(),
	}
	if r.err != nil {
		return nil, fmt.Errorf("decoding feedforward config: %w", r.err)
	}
	return f, nil
}

func (f *FeedforwardConfig) marshal() []byte {
	w := &payloadWriter{}
	w.u16(f.Roll).u16(f.Pitch).u16(f.Yaw)
	w.u8(f.Transition).u8(f.Boost)
	return w.buf
}

// RCTuning holds stick rate and expo curves.
type RCTuning struct {
	RCRate       uint8
	Expo         uint8
	RollRate     uint8
	PitchRate    uint8
	YawRate      uint8
	ThrottleMid  uint8
	ThrottleExpo uint8
}

func unmarshalRCTuning(payload []byte) (*RCTuning, error) {
	r := newPayloadReader(payload)
	t := &RCTuning{
		RCRate:       r.u8(),
		Expo:         r.u8(),
		RollRate:     r.u8(),
		PitchRate:    r.u8(),
		YawRate:      r.u8(),
		ThrottleMid:  r.u8(),
		ThrottleExpo: r.u8(),
	}
	if r.err != nil {
		return nil, fmt.Errorf("decoding RC tuning: %w", r.err)
	}
	return t, nil
}

func (t *RCTuning) marshal() []byte {
	w := &payloadWriter{}
	w.u8(t.RCRate).u8(t.Expo)
	w.u8(t.RollRate).u8(t.PitchRate).u8(t.YawRate)
	w.u8(t.ThrottleMid).u8(t.ThrottleExpo)
	return w.buf
}

// DataflashSummary reports onboard blackbox flash state.
type DataflashSummary struct {
	Ready     bool
	Sectors   uint32
	TotalSize uint32
	UsedSize  uint32
}

func unmarshalDataflashSummary(payload []byte) (*DataflashSummary, error) {
	r := newPayloadReader(payload)
	s := &DataflashSummary{
		Ready:     r.u8()&0x01 != 0,
		Sectors:   r.u32(),
		TotalSize: r.u32(),
		UsedSize:  r.u32(),
	}
	if r.err != nil {
		return nil, fmt.Errorf("decoding dataflash summary: %w", r.err)
	}
	return s, nil
}
