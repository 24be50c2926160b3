// Package sim provides an in-memory secure element that speaks enough ISO 7816-4 to drive the
// channel engine without hardware: SELECT by AID, MANAGE CHANNEL, GET RESPONSE chaining and
// reset.
package sim

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/gregLibert/ese-hal/pkg/iso7816"
	"github.com/gregLibert/ese-hal/pkg/se"
	"github.com/gregLibert/ese-hal/pkg/tlv"
)

// ErrPoweredOff is returned by operations that need the card powered.
var ErrPoweredOff = errors.New("sim: card powered off")

// DefaultATR is the ATR of a card created without WithATR.
var DefaultATR = tlv.MustHex("3B 8A 80 01 80 65 A2 01 01 01 3D 72 D6 43 ED")

// Handler answers the commands an applet receives once selected. It returns the raw response,
// status word included.
type Handler func(cmd *iso7816.CommandAPDU) []byte

// Applet is an application installed on the card.
type Applet struct {
	AID []byte
	// FCI is returned as the data of a successful SELECT.
	FCI []byte
	// Handler may be nil: the applet then answers '6D 00' to everything but SELECT.
	Handler Handler
}

// Card is a virtual secure element. It implements se.Transport and se.WTXNotifier.
// It is safe for concurrent use.
type Card struct {
	mu sync.Mutex

	applets  []Applet
	channels uint8
	chunk    int
	version  se.OSVersion
	atr      []byte
	slowAIDs [][]byte

	wtx func(se.WTXState)

	powered  bool
	open     []bool
	selected []*Applet
	pending  []byte
	pendSW   iso7816.StatusWord
	pendCh   uint8
	hasPend  bool

	opens, resets int
}

// Option configures a Card.
type Option func(*Card)

// WithApplet installs an applet answering SELECT with fci.
func WithApplet(aid, fci []byte) Option {
	return func(c *Card) {
		c.applets = append(c.applets, Applet{AID: aid, FCI: fci})
	}
}

// WithAppletHandler installs an applet with a command handler.
func WithAppletHandler(aid, fci []byte, h Handler) Option {
	return func(c *Card) {
		c.applets = append(c.applets, Applet{AID: aid, FCI: fci, Handler: h})
	}
}

// WithChannels sets the number of channels the card supports, basic channel included.
func WithChannels(n uint8) Option {
	return func(c *Card) {
		if n > 0 && n <= iso7816.MaxLogicalChannel+1 {
			c.channels = n
		}
	}
}

// WithChunkSize sets the largest data field sent in one response. Longer responses are chained
// with '61 XX'.
func WithChunkSize(n int) Option {
	return func(c *Card) {
		if n > 0 && n <= iso7816.MaxShortLe {
			c.chunk = n
		}
	}
}

// WithOSVersion sets the version reported by OSVersion.
func WithOSVersion(v se.OSVersion) Option {
	return func(c *Card) { c.version = v }
}

// WithATR sets the Answer To Reset.
func WithATR(atr []byte) Option {
	return func(c *Card) { c.atr = atr }
}

// WithWaitTimeExtension makes the SELECT of aid bracketed by WTX notifications.
func WithWaitTimeExtension(aid []byte) Option {
	return func(c *Card) { c.slowAIDs = append(c.slowAIDs, aid) }
}

// New creates a powered-off card with 4 channels, 256-byte chunks and OS version 6.2.
func New(opts ...Option) *Card {
	c := &Card{
		channels: 4,
		chunk:    iso7816.MaxShortLe,
		version:  se.OSVersion{Major: 6, Minor: 2},
		atr:      DefaultATR,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.clear()
	return c
}

// Open powers the card on.
func (c *Card) Open() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.powered = true
	c.opens++
	c.clear()
	return nil
}

// Close powers the card off. Every channel is lost.
func (c *Card) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.powered = false
	c.clear()
	return nil
}

// ATR returns the Answer To Reset.
func (c *Card) ATR() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.powered {
		return nil, ErrPoweredOff
	}
	return bytes.Clone(c.atr), nil
}

// Reset closes every logical channel and deselects every applet.
func (c *Card) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.powered {
		return ErrPoweredOff
	}
	c.resets++
	c.clear()
	return nil
}

// OSVersion returns the configured OS version.
func (c *Card) OSVersion() (se.OSVersion, error) {
	return c.version, nil
}

// SetWTXListener implements se.WTXNotifier.
func (c *Card) SetWTXListener(l func(se.WTXState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.wtx = l
}

// OpenChannels lists the channels open on the card, basic channel included.
func (c *Card) OpenChannels() []uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []uint8
	for n, open := range c.open {
		if open {
			out = append(out, uint8(n))
		}
	}
	return out
}

// Powered reports whether the card is on.
func (c *Card) Powered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.powered
}

// Transceive implements se.Transport.
func (c *Card) Transceive(raw []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.powered {
		return nil, ErrPoweredOff
	}

	cmd, err := iso7816.ParseCommandAPDU(raw)
	if err != nil {
		return status(iso7816.SW_ERR_WRONG_LENGTH), nil
	}

	if cmd.Instruction.Raw == iso7816.INS_GET_RESPONSE && !cmd.Class.IsProprietary {
		return c.getResponse(cmd), nil
	}
	c.hasPend = false

	ch := channelOf(cmd.Class)
	if int(ch) >= len(c.open) || !c.open[ch] {
		return status(iso7816.SW_ERR_LOGICAL_CHANNEL_NOT_SUPP), nil
	}

	if !cmd.Class.IsProprietary {
		switch cmd.Instruction.Raw {
		case iso7816.INS_MANAGE_CHANNEL:
			return c.manageChannel(cmd), nil
		case iso7816.INS_SELECT:
			return c.selectApplet(ch, cmd), nil
		}
	}

	applet := c.selected[ch]
	if applet == nil || applet.Handler == nil {
		return status(iso7816.SW_ERR_INS_INVALID), nil
	}
	resp := applet.Handler(cmd)
	if len(resp) < 2 {
		return nil, fmt.Errorf("sim: applet %X answered %d bytes", applet.AID, len(resp))
	}
	sw := iso7816.NewStatusWord(resp[len(resp)-2], resp[len(resp)-1])
	return c.respond(ch, resp[:len(resp)-2], sw), nil
}

func (c *Card) manageChannel(cmd *iso7816.CommandAPDU) []byte {
	switch cmd.P1 {
	case 0x00:
		if cmd.Class.Channel != iso7816.BasicChannel || cmd.P2 != 0x00 {
			return status(iso7816.SW_ERR_INCORRECT_PARAMS_P1P2)
		}
		for n := 1; n < len(c.open); n++ {
			if !c.open[n] {
				c.open[n] = true
				c.selected[n] = nil
				return append([]byte{byte(n)}, 0x90, 0x00)
			}
		}
		return status(iso7816.SW_ERR_FUNC_NOT_SUPPORTED)
	case 0x80:
		n := cmd.P2
		if n == iso7816.BasicChannel || int(n) >= len(c.open) || !c.open[n] {
			return status(iso7816.SW_ERR_INCORRECT_PARAMS_P1P2)
		}
		c.open[n] = false
		c.selected[n] = nil
		return status(iso7816.SW_NO_ERROR)
	default:
		return status(iso7816.SW_ERR_INCORRECT_PARAMS_P1P2)
	}
}

func (c *Card) selectApplet(ch uint8, cmd *iso7816.CommandAPDU) []byte {
	if cmd.P1 != byte(iso7816.SelectByDFName) {
		return status(iso7816.SW_ERR_INCORRECT_PARAMS_P1P2)
	}

	ctrl := iso7816.SelectionControl(cmd.P2 & 0x0C)
	if cmd.P2&0x03 != byte(iso7816.FirstOrOnlyOccurrence) || (ctrl != iso7816.ReturnFCI && ctrl != iso7816.ReturnNoData) {
		return status(iso7816.SW_ERR_INCORRECT_PARAMS_P1P2)
	}

	applet := c.find(cmd.Data)
	if applet == nil {
		return status(iso7816.SW_ERR_FILE_NOT_FOUND)
	}
	c.selected[ch] = applet

	if c.slow(applet.AID) && c.wtx != nil {
		c.wtx(se.WTXOngoing)
		c.wtx(se.WTXEnded)
	}

	if ctrl == iso7816.ReturnNoData {
		return status(iso7816.SW_NO_ERROR)
	}
	return c.respond(ch, applet.FCI, iso7816.SW_NO_ERROR)
}

// find resolves an AID, full or partial (leading bytes of an installed AID).
func (c *Card) find(aid []byte) *Applet {
	if len(aid) == 0 {
		return nil
	}
	for i := range c.applets {
		if bytes.HasPrefix(c.applets[i].AID, aid) {
			return &c.applets[i]
		}
	}
	return nil
}

func (c *Card) slow(aid []byte) bool {
	for _, s := range c.slowAIDs {
		if bytes.Equal(s, aid) {
			return true
		}
	}
	return false
}

// respond sends at most one chunk of data and keeps the rest for GET RESPONSE.
func (c *Card) respond(ch uint8, data []byte, sw iso7816.StatusWord) []byte {
	if len(data) <= c.chunk {
		return append(bytes.Clone(data), sw.SW1(), sw.SW2())
	}

	c.pending = bytes.Clone(data[c.chunk:])
	c.pendSW = sw
	c.pendCh = ch
	c.hasPend = true

	return append(bytes.Clone(data[:c.chunk]), iso7816.SW1_BYTES_REMAINING, remaining(len(c.pending)))
}

func (c *Card) getResponse(cmd *iso7816.CommandAPDU) []byte {
	if !c.hasPend || cmd.Class.Channel != c.pendCh {
		c.hasPend = false
		return status(iso7816.SW_ERR_COND_OF_USE_NOT_SAT)
	}

	n := min(cmd.Ne, c.chunk, len(c.pending))
	if n == 0 {
		n = min(c.chunk, len(c.pending))
	}
	out := bytes.Clone(c.pending[:n])
	c.pending = c.pending[n:]

	if len(c.pending) > 0 {
		return append(out, iso7816.SW1_BYTES_REMAINING, remaining(len(c.pending)))
	}

	c.hasPend = false
	return append(out, c.pendSW.SW1(), c.pendSW.SW2())
}

func (c *Card) clear() {
	c.open = make([]bool, c.channels)
	c.open[iso7816.BasicChannel] = true
	c.selected = make([]*Applet, c.channels)
	c.pending = nil
	c.hasPend = false
}

// channelOf reads the channel of interindustry and GlobalPlatform proprietary classes alike.
func channelOf(cla iso7816.Class) uint8 {
	if !cla.IsProprietary {
		return cla.Channel
	}
	inter, err := iso7816.NewClass(cla.Raw &^ 0x80)
	if err != nil {
		return cla.Channel
	}
	return inter.Channel
}

// remaining encodes a pending length as SW2 of '61 XX': 256 and more is '00'.
func remaining(n int) byte {
	if n >= iso7816.MaxShortLe {
		return 0x00
	}
	return byte(n)
}

func status(sw iso7816.StatusWord) []byte {
	return []byte{sw.SW1(), sw.SW2()}
}
