// Package pcsc connects the channel engine to a secure element behind a PC/SC reader.
package pcsc

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ebfe/scard"

	"github.com/gregLibert/ese-hal/pkg/logger"
	"github.com/gregLibert/ese-hal/pkg/se"
)

var (
	// ErrNoReader is returned by Open when no reader matches.
	ErrNoReader = errors.New("pcsc: no matching reader")

	// ErrNotConnected is returned when the card is used before Open.
	ErrNotConnected = errors.New("pcsc: not connected")

	// ErrUnknownVersion is returned by OSVersion when no version was configured.
	ErrUnknownVersion = errors.New("pcsc: chip OS version unknown")
)

// Transport is an se.Transport over a PC/SC reader. It is not safe for concurrent use; the
// engine serializes calls.
type Transport struct {
	reader  string
	version *se.OSVersion
	log     logger.Logger

	ctx  *scard.Context
	card *scard.Card
}

// Option configures a Transport.
type Option func(*Transport)

// WithOSVersion sets the version OSVersion reports. PC/SC has no standard way to read it.
func WithOSVersion(v se.OSVersion) Option {
	return func(t *Transport) { t.version = &v }
}

// WithLogger sets the transport logger.
func WithLogger(l logger.Logger) Option {
	return func(t *Transport) {
		if l != nil {
			t.log = l
		}
	}
}

// New creates a Transport for the first reader whose name contains reader. An empty reader
// matches the first reader listed.
func New(reader string, opts ...Option) *Transport {
	t := &Transport{reader: reader, log: logger.Nop()}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Open establishes the PC/SC context and connects to the card.
func (t *Transport) Open() error {
	if t.card != nil {
		return nil
	}

	ctx, err := scard.EstablishContext()
	if err != nil {
		return fmt.Errorf("pcsc: establish context: %w", err)
	}

	readers, err := ctx.ListReaders()
	if err != nil {
		t.release(ctx)
		return fmt.Errorf("pcsc: list readers: %w", err)
	}

	name, err := pickReader(readers, t.reader)
	if err != nil {
		t.release(ctx)
		return err
	}

	card, err := ctx.Connect(name, scard.ShareShared, scard.ProtocolT0|scard.ProtocolT1)
	if err != nil {
		t.release(ctx)
		return fmt.Errorf("pcsc: connect %q: %w", name, err)
	}

	t.ctx, t.card = ctx, card
	t.log.Info("reader connected", "reader", name)
	return nil
}

// Close disconnects from the card, leaving it powered, and releases the context.
func (t *Transport) Close() error {
	if t.card == nil {
		return nil
	}

	var errs []error
	if err := t.card.Disconnect(scard.LeaveCard); err != nil {
		errs = append(errs, fmt.Errorf("pcsc: disconnect: %w", err))
	}
	if err := t.ctx.Release(); err != nil {
		errs = append(errs, fmt.Errorf("pcsc: release context: %w", err))
	}
	t.card, t.ctx = nil, nil

	return errors.Join(errs...)
}

// Transceive sends one APDU.
func (t *Transport) Transceive(cmd []byte) ([]byte, error) {
	if t.card == nil {
		return nil, ErrNotConnected
	}
	resp, err := t.card.Transmit(cmd)
	if err != nil {
		return nil, transmitError(err)
	}
	return resp, nil
}

// ATR returns the ATR reported by the reader.
func (t *Transport) ATR() ([]byte, error) {
	if t.card == nil {
		return nil, ErrNotConnected
	}
	st, err := t.card.Status()
	if err != nil {
		return nil, fmt.Errorf("pcsc: card status: %w", err)
	}
	return st.Atr, nil
}

// Reset reconnects with a warm reset of the card.
func (t *Transport) Reset() error {
	if t.card == nil {
		return ErrNotConnected
	}
	if err := t.card.Reconnect(scard.ShareShared, scard.ProtocolT0|scard.ProtocolT1, scard.ResetCard); err != nil {
		return fmt.Errorf("pcsc: reset: %w", err)
	}
	return nil
}

// OSVersion returns the configured version, or ErrUnknownVersion.
func (t *Transport) OSVersion() (se.OSVersion, error) {
	if t.version == nil {
		return se.OSVersion{}, ErrUnknownVersion
	}
	return *t.version, nil
}

// Readers lists the readers known to the PC/SC service.
func Readers() ([]string, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, fmt.Errorf("pcsc: establish context: %w", err)
	}
	defer ctx.Release()

	readers, err := ctx.ListReaders()
	if err != nil {
		return nil, fmt.Errorf("pcsc: list readers: %w", err)
	}
	return readers, nil
}

func (t *Transport) release(ctx *scard.Context) {
	if err := ctx.Release(); err != nil {
		t.log.Warn("failed to release context", "error", err)
	}
}

func pickReader(readers []string, want string) (string, error) {
	for _, r := range readers {
		if want == "" || strings.Contains(r, want) {
			return r, nil
		}
	}
	if want == "" {
		return "", ErrNoReader
	}
	return "", fmt.Errorf("%w: %q among %d readers", ErrNoReader, want, len(readers))
}

// transmitError maps a PC/SC receive buffer overflow to se.ErrInvalidReceiveLength.
func transmitError(err error) error {
	if errors.Is(err, scard.ErrInsufficientBuffer) {
		return fmt.Errorf("pcsc: transmit: %w: %w", se.ErrInvalidReceiveLength, err)
	}
	return fmt.Errorf("pcsc: transmit: %w", err)
}
