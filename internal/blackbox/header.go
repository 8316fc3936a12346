package blackbox

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// headerMagic opens every log session. Resynchronization after flash garbage
// scans for this exact byte sequence.
var headerMagic = []byte("H Product:Blackbox")

var (
	// ErrBadHeader is returned when a session's text header is structurally
	// unusable: missing field definitions or mismatched definition lists.
	ErrBadHeader = errors.New("blackbox: malformed log header")
)

// FieldDef describes one logged channel of a frame type: its name, whether
// the raw value is signed, which baseline predicts it and how the residual is
// packed.
type FieldDef struct {
	Name      string
	Signed    bool
	Predictor Predictor
	Encoding  Encoding
}

// frameDef is the ordered field list for one frame type, with the lookups the
// decoder needs precomputed.
type frameDef struct {
	fields []FieldDef

	motor0Index int
	homeIndex   []int
}

func newFrameDef(fields []FieldDef) *frameDef {
	d := &frameDef{
		fields:      fields,
		motor0Index: -1,
		homeIndex:   make([]int, len(fields)),
	}
	for i, f := range fields {
		if f.Name == "motor[0]" {
			d.motor0Index = i
		}
		if strings.HasSuffix(f.Name, "[1]") {
			d.homeIndex[i] = 1
		}
	}
	return d
}

// Header is the parsed text preamble of one log session.
type Header struct {
	Product      string
	DataVersion  int
	FirmwareType string
	Firmware     string // full revision string, e.g. "Betaflight 4.4.2 ..."

	LoopTime    time.Duration // main loop period
	IntervalNum int           // logged iterations per...
	IntervalDen int           // ...this many loop iterations

	MinThrottle int
	MaxThrottle int
	VBatRef     int

	// GyroScale converts raw gyro field values to degrees per second.
	GyroScale float64

	// Raw holds every header key:value pair verbatim.
	Raw map[string]string

	defs map[byte]*frameDef
}

// SampleRate is the main-frame rate in Hz implied by the loop time and the
// logging interval ratio.
func (h *Header) SampleRate() float64 {
	if h.LoopTime <= 0 {
		return 0
	}
	base := float64(time.Second) / float64(h.LoopTime)
	num, den := h.IntervalNum, h.IntervalDen
	if num <= 0 || den <= 0 {
		num, den = 1, 1
	}
	return base * float64(num) / float64(den)
}

func (h *Header) frameDef(tag byte) *frameDef {
	return h.defs[tag]
}

// parseHeader consumes "H key:value" lines from the start of data, returning
// the parsed header and the offset of the first non-header byte.
func parseHeader(data []byte) (*Header, int, error) {
	h := &Header{
		Raw:         make(map[string]string),
		IntervalNum: 1,
		IntervalDen: 1,
		GyroScale:   1,
	}

	pos := 0
	for pos < len(data) {
		if data[pos] != 'H' || pos+1 >= len(data) || data[pos+1] != ' ' {
			break
		}

		nl := pos
		for nl < len(data) && data[nl] != '\n' {
			nl++
		}
		if nl == len(data) {
			break // truncated header line, stop before it
		}

		line := strings.TrimSuffix(string(data[pos+2:nl]), "\r")
		pos = nl + 1

		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		h.Raw[key] = value
		h.applyField(key, value)
	}

	if err := h.buildFrameDefs(); err != nil {
		return nil, pos, err
	}
	return h, pos, nil
}

func (h *Header) applyField(key, value string) {
	switch key {
	case "Product":
		h.Product = value
	case "Data version":
		h.DataVersion = atoi(value)
	case "Firmware type":
		h.FirmwareType = value
	case "Firmware revision":
		h.Firmware = value
	case "looptime":
		h.LoopTime = time.Duration(atoi(value)) * time.Microsecond
	case "P interval":
		if num, den, ok := strings.Cut(value, "/"); ok {
			h.IntervalNum = atoi(num)
			h.IntervalDen = atoi(den)
		}
	case "minthrottle":
		h.MinThrottle = atoi(value)
	case "maxthrottle":
		h.MaxThrottle = atoi(value)
	case "vbatref":
		h.VBatRef = atoi(value)
	case "gyro_scale":
		h.GyroScale = parseGyroScale(value)
	}
}

// buildFrameDefs assembles per-frame-type field tables from the "Field X ..."
// header lines. Inter frames reuse the intra frame's names and signedness but
// carry their own predictors and encodings.
func (h *Header) buildFrameDefs() error {
	h.defs = make(map[byte]*frameDef)

	for _, tag := range []byte{'I', 'S', 'G', 'H'} {
		fields, err := h.fieldList(tag, "")
		if err != nil {
			return err
		}
		if fields != nil {
			h.defs[tag] = newFrameDef(fields)
		}
	}

	if intra, ok := h.defs['I']; ok {
		inter, err := h.fieldList('P', "I")
		if err != nil {
			return err
		}
		if inter != nil {
			if len(inter) != len(intra.fields) {
				return fmt.Errorf("%w: inter frame defines %d fields, intra %d",
					ErrBadHeader, len(inter), len(intra.fields))
			}
			for i := range inter {
				inter[i].Name = intra.fields[i].Name
				inter[i].Signed = intra.fields[i].Signed
			}
			h.defs['P'] = newFrameDef(inter)
		}
	}

	if h.defs['I'] == nil {
		return fmt.Errorf("%w: no intra frame field definitions", ErrBadHeader)
	}
	return nil
}

// fieldList parses the four definition lines of one frame type. nameFrom
// names a frame type to borrow name and signedness lists from when this type
// does not declare its own.
func (h *Header) fieldList(tag byte, nameFrom string) ([]FieldDef, error) {
	prefix := "Field " + string(tag) + " "
	predictors, okP := h.Raw[prefix+"predictor"]
	encodings, okE := h.Raw[prefix+"encoding"]
	if !okP && !okE {
		return nil, nil
	}

	names, ok := h.Raw[prefix+"name"]
	if !ok && nameFrom != "" {
		names = h.Raw["Field "+nameFrom+" name"]
		ok = names != ""
	}
	if !ok || !okP || !okE {
		return nil, fmt.Errorf("%w: incomplete field definitions for frame type %c", ErrBadHeader, tag)
	}

	nameList := strings.Split(names, ",")
	predList := strings.Split(predictors, ",")
	encList := strings.Split(encodings, ",")
	if len(predList) != len(nameList) || len(encList) != len(nameList) {
		return nil, fmt.Errorf("%w: field list lengths differ for frame type %c", ErrBadHeader, tag)
	}

	var signedList []string
	if signed, ok := h.Raw[prefix+"signed"]; ok {
		signedList = strings.Split(signed, ",")
	} else if nameFrom != "" {
		if signed, ok := h.Raw["Field "+nameFrom+" signed"]; ok {
			signedList = strings.Split(signed, ",")
		}
	}

	fields := make([]FieldDef, len(nameList))
	for i, name := range nameList {
		f := FieldDef{
			Name:      strings.TrimSpace(name),
			Predictor: Predictor(atoi(predList[i])),
			Encoding:  Encoding(atoi(encList[i])),
		}
		if i < len(signedList) {
			f.Signed = strings.TrimSpace(signedList[i]) == "1"
		}
		if !f.Predictor.valid() {
			return nil, fmt.Errorf("%w: unknown predictor %d for field %s", ErrBadHeader, f.Predictor, f.Name)
		}
		if !f.Encoding.valid() {
			return nil, fmt.Errorf("%w: unknown encoding %d for field %s", ErrBadHeader, f.Encoding, f.Name)
		}
		fields[i] = f
	}
	return fields, nil
}

// parseGyroScale interprets the header's gyro scale, written either as a
// plain decimal or as hex-encoded IEEE 754 bits. Firmware that logs the scale
// in radians per microsecond is normalized to degrees per second.
func parseGyroScale(value string) float64 {
	var f float64
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		bits, err := strconv.ParseUint(value[2:], 16, 32)
		if err != nil {
			return 1
		}
		f = float64(math.Float32frombits(uint32(bits)))
	} else {
		var err error
		f, err = strconv.ParseFloat(value, 64)
		if err != nil {
			return 1
		}
	}

	if f <= 0 {
		return 1
	}
	if f < 1e-3 {
		return f * 1e6 * 180 / math.Pi
	}
	return f
}

func atoi(s string) int {
	n, _ := strconv.Atoi(strings.TrimSpace(s))
	return n
}
