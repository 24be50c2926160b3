package iso7816

import "fmt"

// MANAGE CHANNEL COMMAND LOGIC (ISO 7816-4):
// MANAGE CHANNEL (INS '70') opens and closes supplementary logical channels.
//
// P1:
// - '00': Open. With P2 '00' the chip picks the channel and returns its number in a
//   one-byte response (Le '01').
// - '80': Close the channel given in P2. The command must be sent with the CLA of
//   the channel being closed.
//
// The basic channel (0) is never opened nor closed with MANAGE CHANNEL.

const (
	manageChannelOpen  byte = 0x00
	manageChannelClose byte = 0x80
)

// OpenLogicalChannel builds MANAGE CHANNEL open: 00 70 00 00 01.
func OpenLogicalChannel() *CommandAPDU {
	cla, _ := ChannelClass(BasicChannel)
	return NewCommandAPDU(cla, mustInstruction(INS_MANAGE_CHANNEL), manageChannelOpen, 0x00, nil, 1)
}

// CloseLogicalChannel builds MANAGE CHANNEL close for channel: CLA(channel) 70 80 channel.
// The basic channel cannot be closed on the wire.
func CloseLogicalChannel(channel uint8) (*CommandAPDU, error) {
	if channel == BasicChannel {
		return nil, fmt.Errorf("basic channel cannot be closed with MANAGE CHANNEL")
	}
	cla, err := ChannelClass(channel)
	if err != nil {
		return nil, err
	}
	return NewCommandAPDU(cla, mustInstruction(INS_MANAGE_CHANNEL), manageChannelClose, channel, nil, 0), nil
}

// GetResponse builds GET RESPONSE: cla C0 00 00 le. The CLA must be the one of the command
// whose response is being retrieved.
func GetResponse(cla Class, le int) *CommandAPDU {
	cla.IsChained = false
	return NewCommandAPDU(cla, mustInstruction(INS_GET_RESPONSE), 0x00, 0x00, nil, le)
}

// ChannelOpenOutcome classifies the answer to MANAGE CHANNEL open.
type ChannelOpenOutcome int

const (
	ChannelOpened ChannelOpenOutcome = iota
	ChannelNotAvailable
	ChannelUnsupported
	ChannelOpenFailed
)

func (o ChannelOpenOutcome) String() string {
	switch o {
	case ChannelOpened:
		return "opened"
	case ChannelNotAvailable:
		return "not-available"
	case ChannelUnsupported:
		return "unsupported"
	default:
		return "failed"
	}
}

// ClassifyChannelOpen interprets the answer to MANAGE CHANNEL open and returns the
// allocated channel, or InvalidChannel:
//   - '6A81': no channel available.
//   - '9000': opened, the channel number is the first data byte.
//   - '6E00' / '6D00': class or instruction not supported.
//   - anything else: failure.
func ClassifyChannelOpen(resp *ResponseAPDU) (ChannelOpenOutcome, uint8) {
	if resp == nil {
		return ChannelOpenFailed, InvalidChannel
	}

	switch sw := resp.Status; {
	case sw == SW_ERR_FUNC_NOT_SUPPORTED:
		return ChannelNotAvailable, InvalidChannel
	case sw == SW_NO_ERROR:
		if len(resp.Data) == 0 {
			return ChannelOpenFailed, InvalidChannel
		}
		return ChannelOpened, resp.Data[0]
	case (sw.SW1() == 0x6E || sw.SW1() == 0x6D) && sw.SW2() == 0x00:
		return ChannelUnsupported, InvalidChannel
	default:
		return ChannelOpenFailed, InvalidChannel
	}
}
