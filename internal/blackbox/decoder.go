// Package blackbox decodes onboard flight-log recordings: a text header
// describing per-frame-type field tables followed by a delta-compressed
// binary frame stream. Logs downloaded from flash may hold several sessions
// back to back with stale flash bytes between them; the decoder finds each
// session by its header magic and never lets one damaged session take down
// the rest of the file.
package blackbox

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
)

// Frame type tags as they appear in the stream.
const (
	tagIntra   = 'I'
	tagInter   = 'P'
	tagSlow    = 'S'
	tagGPS     = 'G'
	tagGPSHome = 'H'
	tagEvent   = 'E'
)

const (
	eventSyncBeep     = 0
	eventLoggingResum = 14
	eventDisarm       = 15
	eventFlightMode   = 20
	eventEndOfLog     = 255
)

// endOfLogMarker follows the end-of-log event id.
var endOfLogMarker = []byte("End of log\x00")

var (
	// ErrNoSessions is returned when a file yields no decodable session.
	ErrNoSessions = errors.New("blackbox: no log sessions found")

	// ErrNoFrames marks a session whose header parsed but whose frame
	// stream produced nothing usable.
	ErrNoFrames = errors.New("blackbox: session contains no usable frames")
)

// File is a decoded flash download: every session that yielded frames, plus
// one error per session that did not.
type File struct {
	Sessions []*Session
	Errors   []error
}

// Decoder decodes flight logs.
type Decoder struct {
	logger *slog.Logger
}

// WithLogger sets the logger used for per-frame warnings.
func WithLogger(logger *slog.Logger) func(*Decoder) {
	return func(d *Decoder) {
		d.logger = logger
	}
}

// NewDecoder creates a decoder with a discard logger.
func NewDecoder(options ...func(*Decoder)) *Decoder {
	d := &Decoder{
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, option := range options {
		option(d)
	}

	return d
}

// Decode reads and decodes a complete log file.
func (d *Decoder) Decode(r io.Reader) (*File, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading log: %w", err)
	}
	return d.DecodeBytes(data)
}

// DecodeBytes decodes every log session in data. Bytes between sessions that
// do not parse as frames (stale flash contents) are skipped by scanning for
// the next header magic. The returned error is non-nil only when no session
// decodes at all.
func (d *Decoder) DecodeBytes(data []byte) (*File, error) {
	f := &File{}

	pos := 0
	for pos < len(data) {
		idx := bytes.Index(data[pos:], headerMagic)
		if idx < 0 {
			break
		}
		start := pos + idx

		session, consumed, err := d.decodeSession(data[start:])
		if consumed < 1 {
			consumed = 1
		}
		pos = start + consumed

		if err != nil {
			d.logger.Warn("skipping undecodable session",
				slog.Int("offset", start), slog.String("error", err.Error()))
			f.Errors = append(f.Errors, fmt.Errorf("session at offset %d: %w", start, err))
			continue
		}
		f.Sessions = append(f.Sessions, session)
	}

	if len(f.Sessions) == 0 {
		if len(f.Errors) > 0 {
			return nil, fmt.Errorf("%w: %d sessions failed, first: %v", ErrNoSessions, len(f.Errors), f.Errors[0])
		}
		return nil, ErrNoSessions
	}
	return f, nil
}

// decodeSession parses one header and its frame stream. consumed is how many
// bytes of data belong to this session, including any trailing end-of-log
// marker, so the caller can continue scanning after it.
func (d *Decoder) decodeSession(data []byte) (*Session, int, error) {
	header, bodyStart, err := parseHeader(data)
	if err != nil {
		return nil, bodyStart, err
	}

	s := &Session{Header: header}
	mainDef := header.frameDef(tagIntra)
	for _, f := range mainDef.fields {
		s.Fields = append(s.Fields, f.Name)
	}
	s.Values = make([][]int64, len(s.Fields))
	s.fieldIndex = make(map[string]int, len(s.Fields))
	for i, name := range s.Fields {
		s.fieldIndex[name] = i
	}

	var slowDef *frameDef
	if slowDef = header.frameDef(tagSlow); slowDef != nil {
		for _, f := range slowDef.fields {
			s.SlowFields = append(s.SlowFields, f.Name)
		}
		s.Slow = make([][]int64, len(s.SlowFields))
	}

	st := &sessionState{
		header:   header,
		session:  s,
		slowDef:  slowDef,
		slowVals: make([]int64, len(s.SlowFields)),
	}

	pos := bodyStart
	for pos < len(data) {
		// A fresh header magic inside the stream means this session ended
		// without its marker (power loss mid-log).
		if data[pos] == tagGPSHome && bytes.HasPrefix(data[pos:], headerMagic) {
			break
		}

		next, done := d.decodeFrame(st, data, pos)
		if done {
			pos = next
			s.EndReached = true
			break
		}
		if next <= pos {
			next = pos + 1
		}
		pos = next
	}

	if s.Frames() == 0 {
		return nil, pos, ErrNoFrames
	}
	return s, pos, nil
}

// sessionState is the per-session decode state: main-frame history for the
// delta predictors and the latest slow/home values.
type sessionState struct {
	header  *Header
	session *Session
	slowDef *frameDef

	previous  []int64
	previous2 []int64

	slowVals   []int64
	homeCoords [2]int64

	garbageRun bool
}

// decodeFrame decodes the frame starting at pos, returning the position of
// the next frame and whether the end-of-log marker was reached. Structural
// damage advances by a single byte so the scan can resynchronize on the next
// plausible tag.
func (d *Decoder) decodeFrame(st *sessionState, data []byte, pos int) (int, bool) {
	s := st.session

	switch data[pos] {
	case tagIntra, tagInter:
		intra := data[pos] == tagIntra
		if !intra && st.previous == nil {
			// An inter frame is meaningless without history.
			return d.corrupt(st, pos, "inter frame before first intra frame"), false
		}

		def := st.header.frameDef(data[pos])
		if def == nil {
			return d.corrupt(st, pos, "frame type not defined in header"), false
		}

		values, next, err := d.decodeFields(st, def, data, pos+1, intra)
		if err != nil || !frameBoundaryOK(data, next) {
			return d.corrupt(st, pos, "damaged main frame"), false
		}

		for i, v := range values {
			s.Values[i] = append(s.Values[i], v)
		}
		for i, v := range st.slowVals {
			s.Slow[i] = append(s.Slow[i], v)
		}

		if intra {
			// An intra frame is absolute: it restarts the delta history.
			st.previous2 = nil
		} else {
			st.previous2 = st.previous
		}
		st.previous = values
		st.garbageRun = false
		return next, false

	case tagSlow:
		if st.slowDef == nil {
			return d.corrupt(st, pos, "slow frame not defined in header"), false
		}
		values, next, err := d.decodeFields(st, st.slowDef, data, pos+1, true)
		if err != nil || !frameBoundaryOK(data, next) {
			return d.corrupt(st, pos, "damaged slow frame"), false
		}
		st.slowVals = values
		st.garbageRun = false
		return next, false

	case tagGPS, tagGPSHome:
		def := st.header.frameDef(data[pos])
		if def == nil {
			return d.corrupt(st, pos, "GPS frame not defined in header"), false
		}
		values, next, err := d.decodeFields(st, def, data, pos+1, true)
		if err != nil || !frameBoundaryOK(data, next) {
			return d.corrupt(st, pos, "damaged GPS frame"), false
		}
		if data[pos] == tagGPSHome && len(values) >= 2 {
			st.homeCoords[0] = values[0]
			st.homeCoords[1] = values[1]
		}
		st.garbageRun = false
		return next, false

	case tagEvent:
		next, done, err := d.decodeEvent(data, pos+1)
		if err != nil {
			return d.corrupt(st, pos, "damaged event frame"), false
		}
		st.garbageRun = false
		return next, done

	default:
		return d.corrupt(st, pos, "unknown frame tag"), false
	}
}

// corrupt records one damaged-frame incident. A run of consecutive garbage
// bytes counts once, not once per byte.
func (d *Decoder) corrupt(st *sessionState, pos int, reason string) int {
	if !st.garbageRun {
		st.session.CorruptFrames++
		st.garbageRun = true
		d.logger.Warn("skipping corrupt frame",
			slog.Int("offset", pos), slog.String("reason", reason))
	}
	return pos + 1
}

// decodeFields decodes one frame's field values, honoring encoding groups and
// applying each field's predictor. intra selects absolute decoding (history
// predictors fall back to zero baselines).
func (d *Decoder) decodeFields(st *sessionState, def *frameDef, data []byte, pos int, intra bool) ([]int64, int, error) {
	r := &byteReader{data: data, pos: pos}
	values := make([]int64, len(def.fields))

	ctx := &predictorContext{
		header:      st.header,
		current:     values,
		motor0Index: def.motor0Index,
		homeCoords:  st.homeCoords,
		homeIndex:   def.homeIndex,
	}
	if !intra {
		ctx.previous = st.previous
		ctx.previous2 = st.previous2
	}

	raw := make([]int64, 8)
	for i := 0; i < len(def.fields); {
		f := def.fields[i]

		n := groupLen(def.fields, i)
		switch f.Encoding {
		case EncodingSignedVB:
			raw[0] = readSignedVB(r)
		case EncodingUnsignedVB:
			raw[0] = int64(readUnsignedVB(r))
		case EncodingNeg14Bit:
			raw[0] = readNeg14Bit(r)
		case EncodingNull:
			raw[0] = 0
		case EncodingTag8_8SVB:
			readTag8_8SVB(r, raw[:n])
		case EncodingTag2_3S32:
			readTag2_3S32(r, raw[:n])
		case EncodingTag2_3SVariable:
			readTag2_3SVariable(r, raw[:n])
		case EncodingTag8_4S16:
			readTag8_4S16(r, raw[:n])
		}
		if r.err != nil {
			return nil, r.pos, r.err
		}

		for j := 0; j < n; j++ {
			values[i+j] = ctx.apply(def.fields[i+j].Predictor, i+j, raw[j])
		}
		i += n
	}

	return values, r.pos, nil
}

// groupLen returns how many fields starting at i share one encoded group: the
// run of identical group encodings, capped at the encoding's group size.
func groupLen(fields []FieldDef, i int) int {
	e := fields[i].Encoding
	max := e.groupSize()
	if max == 1 {
		return 1
	}

	n := 1
	for i+n < len(fields) && n < max && fields[i+n].Encoding == e {
		n++
	}
	return n
}

// decodeEvent consumes one event frame body. Only the end-of-log event
// terminates the session; other known events are skipped over, and an
// unknown event id is structural damage.
func (d *Decoder) decodeEvent(data []byte, pos int) (int, bool, error) {
	if pos >= len(data) {
		return pos, false, errShortFrame
	}

	id := data[pos]
	r := &byteReader{data: data, pos: pos + 1}

	switch id {
	case eventEndOfLog:
		if !bytes.HasPrefix(data[r.pos:], endOfLogMarker) {
			return r.pos, false, fmt.Errorf("blackbox: bad end-of-log marker")
		}
		return r.pos + len(endOfLogMarker), true, nil

	case eventSyncBeep, eventDisarm:
		readUnsignedVB(r)
	case eventLoggingResum, eventFlightMode:
		readUnsignedVB(r)
		readUnsignedVB(r)
	default:
		return r.pos, false, fmt.Errorf("blackbox: unknown event id %d", id)
	}

	if r.err != nil {
		return r.pos, false, r.err
	}
	return r.pos, false, nil
}

// frameBoundaryOK checks that a decoded frame ends exactly where another
// frame (or the end of data) begins. The stream has no per-frame checksum;
// landing off a tag boundary is the damage signal.
func frameBoundaryOK(data []byte, pos int) bool {
	if pos >= len(data) {
		return true
	}
	switch data[pos] {
	case tagIntra, tagInter, tagSlow, tagGPS, tagGPSHome, tagEvent:
		return true
	}
	return false
}
