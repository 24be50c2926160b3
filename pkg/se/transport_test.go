package se

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/gregLibert/ese-hal/pkg/tlv"
)

var errTransportClosed = errors.New("transport closed")

// fakeTransport is a scripted chip. Responses come from handler, or from script keyed by the
// upper-case hex of the command. Unknown commands get 6D00.
type fakeTransport struct {
	mu sync.Mutex

	script  map[string]string
	handler func(cmd []byte) ([]byte, error)

	version    OSVersion
	versionErr error
	atr        []byte
	openErr    error
	closeErr   error
	atrErr     error
	resetErr   error

	open   bool
	opens  int
	closes int
	resets int
	sent   []string

	wtx func(WTXState)
}

func newFakeTransport(script map[string]string) *fakeTransport {
	return &fakeTransport{
		script:  script,
		version: OSVersion{Major: 6, Minor: 2},
		atr:     tlv.MustHex("3B 8A 80 01 80 65 A2 01 01 01 3D 72 D6 43 ED"),
	}
}

func (f *fakeTransport) Open() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	if f.openErr != nil {
		return f.openErr
	}
	f.open = true
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	f.open = false
	return f.closeErr
}

func (f *fakeTransport) Transceive(cmd []byte) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := fmt.Sprintf("%X", cmd)
	f.sent = append(f.sent, key)
	if !f.open {
		return nil, errTransportClosed
	}
	if f.handler != nil {
		return f.handler(cmd)
	}
	if resp, ok := f.script[key]; ok {
		return tlv.MustHex(resp), nil
	}
	return []byte{0x6D, 0x00}, nil
}

func (f *fakeTransport) ATR() ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.open {
		return nil, errTransportClosed
	}
	if f.atrErr != nil {
		return nil, f.atrErr
	}
	return f.atr, nil
}

func (f *fakeTransport) Reset() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	return f.resetErr
}

func (f *fakeTransport) OSVersion() (OSVersion, error) {
	return f.version, f.versionErr
}

func (f *fakeTransport) SetWTXListener(l func(WTXState)) {
	f.wtx = l
}

// sentCommands returns the commands received so far, joined for readable diffs.
func (f *fakeTransport) sentCommands() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return strings.Join(f.sent, " ")
}

func (f *fakeTransport) isOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}
