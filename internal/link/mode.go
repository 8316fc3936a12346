package link

// Mode is the connection's protocol state. It decides which decoder consumes
// bytes read from the port: the binary frame scanner or the CLI text
// accumulator. Transitions happen only through Connection methods; there is
// no ad-hoc flag checking at call sites.
type Mode int32

const (
	// ModeClosed means no port is bound.
	ModeClosed Mode = iota

	// ModeBinary is the default after Open: framed MSP traffic.
	ModeBinary

	// ModeCLI means the device's text shell is active. Binary commands are
	// rejected until the connection returns to ModeBinary.
	ModeCLI
)

func (m Mode) String() string {
	switch m {
	case ModeClosed:
		return "closed"
	case ModeBinary:
		return "binary"
	case ModeCLI:
		return "cli"
	default:
		return "unknown"
	}
}

// canTransition encodes the legal mode changes:
// Closed -> Binary (Open), Binary <-> CLI, any -> Closed (Close).
func canTransition(from, to Mode) bool {
	if to == ModeClosed {
		return true
	}
	switch from {
	case ModeClosed:
		return to == ModeBinary
	case ModeBinary:
		return to == ModeCLI
	case ModeCLI:
		return to == ModeBinary
	}
	return false
}
