package se

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gregLibert/ese-hal/pkg/iso7816"
	"github.com/gregLibert/ese-hal/pkg/logger"
)

// BasicChannelResult is returned by OpenBasicChannel.
type BasicChannelResult struct {
	// Response is the SELECT response, status word included.
	Response []byte
	Status   Status
	// Cleanup reports a failed best-effort cleanup. It never changes Status.
	Cleanup error
}

// LogicalChannelResult is returned by OpenLogicalChannel.
type LogicalChannelResult struct {
	// Channel is the opened channel, or iso7816.InvalidChannel.
	Channel uint8
	// SelectResponse is the SELECT response, status word included.
	SelectResponse []byte
	Status         Status
	// Cleanup reports a failed best-effort cleanup. It never changes Status.
	Cleanup error
}

// State is a snapshot of the engine bookkeeping.
type State struct {
	SessionUp bool
	SessionID string
	Capacity  uint8
	Open      []uint8
}

// Engine is the channel engine of one secure element.
type Engine struct {
	mu sync.Mutex

	transport Transport
	session   session
	table     ChannelTable
	client    *iso7816.Client

	gate      Gate
	log       logger.Logger
	metrics   *Metrics
	listener  StateListener
	observer  func(iso7816.Trace)
	maxChain  int
	osVersion *OSVersion
}

// New creates an Engine driving t. The hardware is not touched until the first operation.
func New(t Transport, opts ...Option) *Engine {
	e := &Engine{transport: t}
	defaultOptions(e)
	for _, opt := range opts {
		opt(e)
	}

	e.session = session{transport: t, log: e.log, metrics: e.metrics}
	e.client = &iso7816.Client{
		Card:           iso7816.TransmitFunc(e.transceive),
		MaxChainLength: e.maxChain,
	}

	if n, ok := t.(WTXNotifier); ok {
		n.SetWTXListener(e.onWTX)
	}

	return e
}

// Init probes the chip: it brings the session up, sizes the channel table and tears the session
// down again, then notifies the listener. A non-nil l replaces the configured listener.
// The listener is called with the engine lock held and must not call back into the engine.
func (e *Engine) Init(l StateListener) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if l != nil {
		e.listener = l
	}

	if e.session.up {
		e.notify(true, "SE HAL init ok")
		return nil
	}

	err := e.session.init()
	if err == nil {
		e.ensureTable()
		err = e.deinit()
	}
	if err != nil {
		e.log.Error("secure element init failed", "error", err)
		e.notify(false, "SE HAL init failed")
		return err
	}

	e.notify(true, "SE HAL init ok")
	return nil
}

// OpenBasicChannel selects aid on the basic channel.
func (e *Engine) OpenBasicChannel(aid []byte, p2 byte) BasicChannelResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	res := e.openBasic(aid, p2)
	e.metrics.operation(OpOpenBasic.String(), res.Status)
	return res
}

func (e *Engine) openBasic(aid []byte, p2 byte) BasicChannelResult {
	switch v := e.gate.Check(Request{Op: OpOpenBasic, Data: aid}); v.Decision {
	case Block:
		e.log.Warn("open basic channel refused in dedicated mode")
		return BasicChannelResult{Status: IOError}
	case Substitute:
		return e.enterDedicatedMode(v.Response)
	}

	if err := e.ensureSession(); err != nil {
		return BasicChannelResult{Status: IOError}
	}

	resp, st := e.selectApplet(iso7816.BasicChannel, aid, p2)
	if st == Success {
		_ = e.table.MarkOpen(iso7816.BasicChannel)
		e.metrics.channels(e.table.Count())
		e.log.Info("basic channel open", "aid", hexBytes(aid))
		return BasicChannelResult{Response: resp, Status: Success}
	}

	e.log.Info("basic channel select failed", "aid", hexBytes(aid), "status", st)
	return BasicChannelResult{
		Response: resp,
		Status:   st,
		Cleanup:  e.cleanup("teardown after failed select", e.teardownIfEmpty()),
	}
}

// enterDedicatedMode restarts the session so that the chip runs with the dedicated mode settings.
func (e *Engine) enterDedicatedMode(resp []byte) BasicChannelResult {
	if e.session.up {
		if err := e.deinit(); err != nil {
			return BasicChannelResult{Response: resp, Status: IOError}
		}
	}
	if err := e.ensureSession(); err != nil {
		return BasicChannelResult{Response: resp, Status: IOError}
	}

	e.log.Info("dedicated mode entered")
	return BasicChannelResult{Response: resp, Status: Success}
}

// OpenLogicalChannel opens a logical channel with MANAGE CHANNEL and selects aid on it.
// On any failure the channel is closed again and Channel is iso7816.InvalidChannel.
func (e *Engine) OpenLogicalChannel(aid []byte, p2 byte) LogicalChannelResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	res := e.openLogical(aid, p2)
	e.metrics.operation(OpOpenLogical.String(), res.Status)
	return res
}

func (e *Engine) openLogical(aid []byte, p2 byte) LogicalChannelResult {
	res := LogicalChannelResult{Channel: iso7816.InvalidChannel}

	if v := e.gate.Check(Request{Op: OpOpenLogical, Data: aid}); v.Decision != Allow {
		e.log.Warn("open logical channel refused in dedicated mode")
		res.Status = IOError
		return res
	}

	if err := e.ensureSession(); err != nil {
		res.Status = IOError
		return res
	}

	ch, st := e.manageChannelOpen()
	if st != Success {
		res.Status = st
		res.Cleanup = e.cleanup("teardown after failed MANAGE CHANNEL", e.teardownIfEmpty())
		return res
	}

	_ = e.table.MarkOpen(ch)
	e.metrics.channels(e.table.Count())

	resp, st := e.selectApplet(ch, aid, p2)
	res.SelectResponse = resp
	res.Status = st

	if st == Success {
		res.Channel = ch
		e.log.Info("logical channel open", "channel", ch, "aid", hexBytes(aid))
		return res
	}

	e.log.Info("logical channel select failed", "channel", ch, "aid", hexBytes(aid), "status", st)
	res.Cleanup = e.cleanup("close after failed select", e.closeChannel(ch))
	return res
}

// manageChannelOpen asks the chip for a channel and checks that it fits the table.
func (e *Engine) manageChannelOpen() (uint8, Status) {
	trace, err := e.send(iso7816.OpenLogicalChannel())
	if err != nil {
		e.log.Error("MANAGE CHANNEL open failed", "error", err)
		return iso7816.InvalidChannel, IOError
	}

	outcome, ch := iso7816.ClassifyChannelOpen(trace.Response())
	switch outcome {
	case iso7816.ChannelOpened:
	case iso7816.ChannelNotAvailable:
		return iso7816.InvalidChannel, ChannelNotAvailable
	case iso7816.ChannelUnsupported:
		return iso7816.InvalidChannel, UnsupportedOperation
	default:
		e.log.Error("MANAGE CHANNEL open rejected", "status", trace.Response().Status.Verbose())
		return iso7816.InvalidChannel, IOError
	}

	if ch != iso7816.BasicChannel && e.table.Valid(ch) {
		return ch, Success
	}

	e.log.Error("chip allocated a channel outside the table", "channel", ch, "capacity", e.table.Capacity())
	if ch != iso7816.BasicChannel && ch <= iso7816.MaxLogicalChannel {
		e.cleanup("close of out-of-table channel", e.closeOnChip(ch))
	}
	return iso7816.InvalidChannel, IOError
}

// CloseChannel closes channel n. The basic channel is only closed in the bookkeeping. When the
// last channel is closed the session is torn down and its outcome is the returned status.
func (e *Engine) CloseChannel(n uint8) Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	var st Status
	switch v := e.gate.Check(Request{Op: OpClose, Channel: n}); v.Decision {
	case Block:
		st = Failed
	case Substitute:
		st = statusOf(e.closeLocally(n))
	default:
		st = statusOf(e.closeChannel(n))
	}

	e.metrics.operation(OpClose.String(), st)
	return st
}

// closeChannel sends CLOSE for logical channels and updates the table whatever the chip says.
func (e *Engine) closeChannel(n uint8) error {
	if !e.table.Valid(n) {
		e.log.Error("close of invalid channel", "channel", n, "capacity", e.table.Capacity())
		return &iso7816.ChannelRangeError{Channel: n}
	}

	if n != iso7816.BasicChannel && e.session.up {
		if err := e.closeOnChip(n); err != nil {
			e.log.Warn("MANAGE CHANNEL close failed", "channel", n, "error", err)
		}
	}

	return e.closeLocally(n)
}

// closeLocally marks n closed and tears the session down if no channel is left.
func (e *Engine) closeLocally(n uint8) error {
	if e.table.MarkClosed(n) {
		e.metrics.channels(e.table.Count())
		e.log.Info("channel closed", "channel", n)
	}
	return e.teardownIfEmpty()
}

func (e *Engine) closeOnChip(n uint8) error {
	cmd, err := iso7816.CloseLogicalChannel(n)
	if err != nil {
		return err
	}

	trace, err := e.send(cmd)
	if err != nil {
		return err
	}

	if sw := trace.Response().Status; sw != iso7816.SW_NO_ERROR {
		return fmt.Errorf("MANAGE CHANNEL close %d: %s", n, sw.Verbose())
	}
	return nil
}

// Transmit sends a raw APDU and returns the raw response. The response is not chained.
// A transport reporting an invalid receive length yields the synthetic '64 FF' response.
func (e *Engine) Transmit(apdu []byte) ([]byte, Status) {
	e.mu.Lock()
	defer e.mu.Unlock()

	resp, st := e.transmit(apdu)
	e.metrics.operation(OpTransmit.String(), st)
	return resp, st
}

func (e *Engine) transmit(apdu []byte) ([]byte, Status) {
	switch v := e.gate.Check(Request{Op: OpTransmit, Data: apdu}); v.Decision {
	case Block:
		e.log.Warn("transmit refused in dedicated mode")
		return nil, Failed
	case Substitute:
		return v.Response, Success
	}

	if !e.session.up {
		e.log.Error("transmit without session")
		return nil, Failed
	}

	resp, err := e.transceive(apdu)
	switch {
	case errors.Is(err, ErrInvalidReceiveLength):
		e.log.Warn("invalid receive length, substituting 64FF")
		return invalidReceiveLength(), IOError
	case err != nil:
		e.log.Error("transmit failed", "error", err)
		return nil, Failed
	case len(resp) < 2:
		e.log.Error("response without status word", "response", hexBytes(resp))
		return resp, Failed
	}
	return resp, Success
}

// GetATR returns the Answer To Reset. When the session is down it is brought up for the call only.
func (e *Engine) GetATR() ([]byte, Status) {
	e.mu.Lock()
	defer e.mu.Unlock()

	atr, st := e.getATR()
	e.metrics.operation(OpGetATR.String(), st)
	return atr, st
}

func (e *Engine) getATR() ([]byte, Status) {
	switch v := e.gate.Check(Request{Op: OpGetATR}); v.Decision {
	case Block:
		e.log.Warn("ATR refused in dedicated mode")
		return nil, IOError
	case Substitute:
		return v.Response, Success
	}

	temporary := !e.session.up
	if temporary {
		if err := e.session.init(); err != nil {
			return nil, IOError
		}
	}

	atr, err := e.transport.ATR()

	if temporary {
		e.cleanup("teardown after ATR", e.deinit())
	}

	if err != nil {
		e.log.Error("ATR read failed", "error", err)
		return nil, Failed
	}
	return atr, Success
}

// IsCardPresent is always true: the element is soldered on the board.
func (e *Engine) IsCardPresent() bool {
	return true
}

// Reset performs a hardware reset. Every channel is closed; the session stays up.
func (e *Engine) Reset() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := e.reset()
	e.metrics.operation("reset", st)
	return st
}

func (e *Engine) reset() Status {
	if err := e.session.init(); err != nil {
		return Failed
	}

	e.notify(false, "reset the SE")

	if err := e.transport.Reset(); err != nil {
		e.log.Error("hardware reset failed", "error", err)
		return Failed
	}

	e.ensureTable()
	e.table.Clear()
	e.metrics.channels(0)
	e.log.Info("secure element reset", "session", e.session.id)

	e.notify(true, "SE initialized")
	return Success
}

// ServiceDied handles the death of the client owning the session: the session is torn down
// whatever channels are still open.
func (e *Engine) ServiceDied() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.log.Error("client died, tearing session down", "open", e.table.Count())
	e.cleanup("forced teardown", e.deinit())
}

// State returns a snapshot of the session and channel bookkeeping.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()

	return State{
		SessionUp: e.session.up,
		SessionID: e.session.id,
		Capacity:  e.table.Capacity(),
		Open:      e.table.Open(),
	}
}

func (e *Engine) ensureSession() error {
	if err := e.session.init(); err != nil {
		return err
	}
	e.ensureTable()
	return nil
}

// ensureTable sizes the channel table from the chip OS version. It needs the session up.
func (e *Engine) ensureTable() {
	if e.table.Reserved() {
		return
	}

	v := e.chipVersion()
	e.table.Reserve(MaxChannelsFor(v))
	e.log.Info("channel table sized", "os_version", v.String(), "channels", e.table.Capacity())
}

func (e *Engine) chipVersion() OSVersion {
	if e.osVersion != nil {
		return *e.osVersion
	}
	v, err := e.transport.OSVersion()
	if err != nil {
		e.log.Warn("chip OS version unavailable, assuming legacy channel count", "error", err)
		return OSVersion{}
	}
	return v
}

func (e *Engine) teardownIfEmpty() error {
	if !e.table.IsEmpty() {
		return nil
	}
	return e.deinit()
}

func (e *Engine) deinit() error {
	err := e.session.deinit()
	e.table.Clear()
	e.metrics.channels(0)
	return err
}

// cleanup logs and counts a failed best-effort cleanup and returns err unchanged.
func (e *Engine) cleanup(what string, err error) error {
	if err != nil {
		e.log.Warn("cleanup failed", "step", what, "error", err)
		e.metrics.cleanupFailed()
	}
	return err
}

// selectApplet sends SELECT on channel and follows the response chain. It returns the assembled
// response with its status word.
func (e *Engine) selectApplet(channel uint8, aid []byte, p2 byte) ([]byte, Status) {
	cmd, err := iso7816.SelectOnChannel(channel, aid, p2)
	if err != nil {
		e.log.Error("cannot build SELECT", "channel", channel, "error", err)
		return nil, Failed
	}

	trace, err := e.send(cmd)
	if err != nil {
		e.log.Error("SELECT failed", "channel", channel, "error", err)
		if len(trace) == 0 {
			return nil, exchangeFailureStatus(err)
		}
		partial := trace.Response()
		partial.Status = iso7816.SW_INVALID_RECEIVE_LENGTH
		return partial.Bytes(), exchangeFailureStatus(err)
	}

	resp := trace.Response()
	return resp.Bytes(), selectStatus(iso7816.ClassifySelectStatus(resp.Status))
}

// send runs one logical exchange through the response chainer.
func (e *Engine) send(cmd *iso7816.CommandAPDU) (iso7816.Trace, error) {
	trace, err := e.client.Send(cmd)
	if len(trace) > 0 && e.observer != nil {
		e.observer(trace)
	}
	if n := len(trace) - 1; n >= 0 {
		e.metrics.chain(n)
		if n > 0 {
			e.log.Debug("response chained", "get_responses", n, "bytes", len(trace.Response().Data))
		}
	}
	return trace, err
}

func (e *Engine) transceive(cmd []byte) ([]byte, error) {
	e.metrics.apdu()
	resp, err := e.transport.Transceive(cmd)
	e.log.Debug("apdu", "command", hexBytes(cmd), "response", hexBytes(resp), "error", err)
	return resp, err
}

func (e *Engine) notify(ready bool, reason string) {
	if e.listener != nil {
		e.listener(ready, reason)
	}
}

func (e *Engine) onWTX(state WTXState) {
	e.log.Info("wait time extension", "state", state.String())
}

func exchangeFailureStatus(err error) Status {
	if errors.Is(err, ErrInvalidReceiveLength) {
		return IOError
	}
	return Failed
}

func selectStatus(o iso7816.SelectOutcome) Status {
	switch o {
	case iso7816.SelectSuccess:
		return Success
	case iso7816.SelectNoSuchElement:
		return NoSuchElement
	case iso7816.SelectUnsupported:
		return UnsupportedOperation
	default:
		return Failed
	}
}

func statusOf(err error) Status {
	if err != nil {
		return Failed
	}
	return Success
}

func invalidReceiveLength() []byte {
	sw := iso7816.SW_INVALID_RECEIVE_LENGTH
	return []byte{sw.SW1(), sw.SW2()}
}

// hexBytes renders as upper-case hex in logs, only when the record is emitted.
type hexBytes []byte

func (h hexBytes) LogValue() slog.Value {
	return slog.StringValue(fmt.Sprintf("%X", []byte(h)))
}
