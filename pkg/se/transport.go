package se

import (
	"errors"
	"fmt"
)

// ErrInvalidReceiveLength is returned by a Transport when the chip answered with a frame whose
// length does not match what the link layer expected. The engine turns it into the synthetic
// status '64 FF' instead of an error.
var ErrInvalidReceiveLength = errors.New("invalid receive length")

// Transport is the byte-level link to the chip.
//
// Implementations need not be safe for concurrent use: the engine never calls them from two
// goroutines at once. Timeouts, if any, belong to the implementation.
type Transport interface {
	// Open brings the hardware session up. On failure the implementation releases whatever it
	// acquired.
	Open() error
	// Close tears the hardware session down.
	Close() error
	// Transceive sends one command APDU and returns the raw response, status word included.
	Transceive(cmd []byte) ([]byte, error)
	// ATR returns the Answer To Reset of the chip.
	ATR() ([]byte, error)
	// Reset performs a hardware reset. The session stays open.
	Reset() error
	// OSVersion reports the version of the chip operating system.
	OSVersion() (OSVersion, error)
}

// WTXState is a wait time extension notification.
type WTXState int

const (
	WTXOngoing WTXState = iota
	WTXEnded
)

func (s WTXState) String() string {
	if s == WTXOngoing {
		return "ongoing"
	}
	return "ended"
}

// WTXNotifier is implemented by transports able to report that the chip asked for more time.
type WTXNotifier interface {
	SetWTXListener(func(WTXState))
}

// OSVersion is the version of the chip operating system.
type OSVersion struct {
	Major, Minor uint8
}

func (v OSVersion) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// AtLeast reports whether v >= major.minor.
func (v OSVersion) AtLeast(major, minor uint8) bool {
	if v.Major != major {
		return v.Major > major
	}
	return v.Minor >= minor
}

const (
	legacyMaxChannels  uint8 = 4
	currentMaxChannels uint8 = 12
)

// MaxChannelsFor returns the number of channels (basic channel included) a chip supports:
// 12 from OS 6.2 on, 4 before.
func MaxChannelsFor(v OSVersion) uint8 {
	if v.AtLeast(6, 2) {
		return currentMaxChannels
	}
	return legacyMaxChannels
}
