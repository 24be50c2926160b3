package iso7816

import (
	"errors"
	"fmt"
)

// CLIENT & PROTOCOL LOGIC:
// The Client acts as a high-level driver over the physical connection.
// It implements the "61 XX" (Response Available) behavior of ISO 7816-4:
//
// The card indicates that XX bytes are waiting ('00' meaning 256). The client sends a
// GET RESPONSE with Le = XX and the CLA of the originating command, and repeats while the
// card keeps answering '61 XX'. The first status that is not '61 XX' is the final one.
//
// The whole loop runs inside one call to Send: nothing else may be sent to a card that is
// in the middle of a chain.
//
// The Send() method returns a Trace, which is a log of all atomic transactions
// occurred to fulfill the logical request.

// DefaultMaxChainLength bounds the number of GET RESPONSE commands issued for one command.
// 256 chunks of 256 bytes is far above any applet response.
const DefaultMaxChainLength = 256

var (
	// ErrInvalidChain is returned when the card answers '61 00' with no data to a command.
	ErrInvalidChain = errors.New("invalid response chain: empty payload with 61 00")

	// ErrChainTooLong is returned when the card keeps answering '61 XX' past the limit.
	ErrChainTooLong = errors.New("response chain exceeds limit")
)

// Transmitter abstracts the physical card connection.
type Transmitter interface {
	Transmit(cmd []byte) ([]byte, error)
}

// TransmitFunc adapts a function to the Transmitter interface.
type TransmitFunc func(cmd []byte) ([]byte, error)

// Transmit calls f(cmd).
func (f TransmitFunc) Transmit(cmd []byte) ([]byte, error) {
	return f(cmd)
}

// Client manages the high-level communication with the card.
type Client struct {
	Card Transmitter

	// MaxChainLength caps the GET RESPONSE loop. Zero means DefaultMaxChainLength.
	MaxChainLength int
}

// NewClient creates a new Client instance.
func NewClient(card Transmitter) *Client {
	return &Client{Card: card, MaxChainLength: DefaultMaxChainLength}
}

// Send transmits a command and follows '61 XX' with GET RESPONSE until the card reports a
// final status. On error the trace holds the transactions completed so far.
func (c *Client) Send(cmd *CommandAPDU) (Trace, error) {
	tx, err := c.exchange(cmd)
	if err != nil {
		return nil, err
	}

	trace := Trace{tx}

	if tx.Response.Status.HasMoreData() && tx.Response.Status.SW2() == 0x00 && len(tx.Response.Data) == 0 {
		return trace, ErrInvalidChain
	}

	limit := c.MaxChainLength
	if limit <= 0 {
		limit = DefaultMaxChainLength
	}

	for last := trace.Last(); last.Response.Status.HasMoreData(); last = trace.Last() {
		if len(trace) > limit {
			return trace, fmt.Errorf("%w: %d GET RESPONSE commands", ErrChainTooLong, limit)
		}

		// ISO 7816-4: GET RESPONSE must use the same logical channel as the original command.
		getResp := GetResponse(cmd.Class, pendingLength(last.Response.Status))

		tx, err := c.exchange(getResp)
		if err != nil {
			return trace, err
		}
		trace = append(trace, tx)
	}

	return trace, nil
}

func (c *Client) exchange(cmd *CommandAPDU) (Transaction, error) {
	rawCmd, err := cmd.Bytes()
	if err != nil {
		return Transaction{}, fmt.Errorf("encoding error: %w", err)
	}

	rawResp, err := c.Card.Transmit(rawCmd)
	if err != nil {
		return Transaction{}, fmt.Errorf("transmission error: %w", err)
	}

	resp, err := ParseResponseAPDU(rawResp)
	if err != nil {
		return Transaction{}, err
	}

	return Transaction{Command: cmd, Response: resp}, nil
}

// pendingLength turns the SW2 of a '61 XX' status into an Ne value ('00' is 256).
func pendingLength(sw StatusWord) int {
	if n := int(sw.SW2()); n != 0 {
		return n
	}
	return MaxShortLe
}
