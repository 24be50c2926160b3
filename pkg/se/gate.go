package se

import (
	"bytes"
	"sync/atomic"
)

// Operation identifies the engine entry point a Gate is consulted for.
type Operation int

const (
	OpOpenBasic Operation = iota
	OpOpenLogical
	OpTransmit
	OpClose
	OpGetATR
)

func (o Operation) String() string {
	switch o {
	case OpOpenBasic:
		return "open-basic"
	case OpOpenLogical:
		return "open-logical"
	case OpTransmit:
		return "transmit"
	case OpClose:
		return "close"
	case OpGetATR:
		return "get-atr"
	default:
		return "unknown"
	}
}

// Request describes the operation submitted to the Gate.
type Request struct {
	Op Operation
	// Data is the AID for the open operations and the command APDU for transmit.
	Data []byte
	// Channel is set for close.
	Channel uint8
}

// Decision is the Gate verdict kind.
type Decision int

const (
	// Allow runs the operation normally.
	Allow Decision = iota
	// Substitute answers with Verdict.Response. For open-basic the session is restarted in the
	// dedicated mode; for close only the local bookkeeping is updated.
	Substitute
	// Block refuses the operation.
	Block
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case Substitute:
		return "substitute"
	default:
		return "block"
	}
}

// Verdict is returned by a Gate.
type Verdict struct {
	Decision Decision
	Response []byte
}

// Gate is the dedicated (provisioning) mode policy. It is consulted once per operation, before
// the engine touches the hardware, with the engine lock held.
type Gate interface {
	Check(Request) Verdict
}

// GateFunc adapts a function to the Gate interface.
type GateFunc func(Request) Verdict

// Check calls f(req).
func (f GateFunc) Check(req Request) Verdict { return f(req) }

// AllowAll is the Gate used when none is configured.
var AllowAll Gate = GateFunc(func(Request) Verdict { return Verdict{Decision: Allow} })

// DedicatedMode is a Gate for the vendor provisioning mode. Opening the basic channel with the
// provisioning AID switches the mode on. While it is on, logical channels and the ATR are
// refused, closes are local only, and the basic channel can only be opened with the
// provisioning AID again. Raw APDUs go through.
type DedicatedMode struct {
	AID []byte

	active atomic.Bool
}

// Check implements Gate.
func (m *DedicatedMode) Check(req Request) Verdict {
	switch req.Op {
	case OpOpenBasic:
		if len(m.AID) > 0 && bytes.Equal(req.Data, m.AID) {
			m.active.Store(true)
			return Verdict{Decision: Substitute, Response: []byte{0x90, 0x00}}
		}
		if m.active.Load() {
			return Verdict{Decision: Block}
		}
	case OpOpenLogical, OpGetATR:
		if m.active.Load() {
			return Verdict{Decision: Block}
		}
	case OpClose:
		if m.active.Load() {
			return Verdict{Decision: Substitute}
		}
	}
	return Verdict{Decision: Allow}
}

// Active reports whether the provisioning mode is on.
func (m *DedicatedMode) Active() bool { return m.active.Load() }

// Exit switches the provisioning mode off.
func (m *DedicatedMode) Exit() { m.active.Store(false) }
