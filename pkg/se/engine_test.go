package se

import (
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gregLibert/ese-hal/pkg/iso7816"
	"github.com/gregLibert/ese-hal/pkg/tlv"
)

const (
	cmdOpen     = "0070000001"
	cmdClose1   = "01708001"
	cmdSelect0  = "00A4040005A00000015100"
	cmdSelect1  = "01A4040005A00000015100"
	cmdGetResp0 = "00C0000003"
)

var testAID = tlv.MustHex("A000000151")

type notification struct {
	ready  bool
	reason string
}

func recordNotifications(into *[]notification) StateListener {
	return func(ready bool, reason string) {
		*into = append(*into, notification{ready, reason})
	}
}

func TestOpenBasicChannel(t *testing.T) {
	tests := []struct {
		name       string
		script     map[string]string
		wantResp   string
		wantStatus Status
		wantOpen   []uint8
		wantSent   string
	}{
		{
			name:       "Success",
			script:     map[string]string{cmdSelect0: "6F00 9000"},
			wantResp:   "6F00 9000",
			wantStatus: Success,
			wantOpen:   []uint8{0},
			wantSent:   cmdSelect0,
		},
		{
			name:       "Warning Is Success",
			script:     map[string]string{cmdSelect0: "6F00 6283"},
			wantResp:   "6F00 6283",
			wantStatus: Success,
			wantOpen:   []uint8{0},
			wantSent:   cmdSelect0,
		},
		{
			name: "Chained Response",
			script: map[string]string{
				cmdSelect0:  "0102 6103",
				cmdGetResp0: "030405 9000",
			},
			wantResp:   "0102030405 9000",
			wantStatus: Success,
			wantOpen:   []uint8{0},
			wantSent:   cmdSelect0 + " " + cmdGetResp0,
		},
		{
			name:       "Applet Not Found",
			script:     map[string]string{cmdSelect0: "6A82"},
			wantResp:   "6A82",
			wantStatus: NoSuchElement,
			wantSent:   cmdSelect0,
		},
		{
			name:       "Unsupported P2",
			script:     map[string]string{cmdSelect0: "6A86"},
			wantResp:   "6A86",
			wantStatus: UnsupportedOperation,
			wantSent:   cmdSelect0,
		},
		{
			name:       "Other Error",
			script:     map[string]string{cmdSelect0: "6F00"},
			wantResp:   "6F00",
			wantStatus: Failed,
			wantSent:   cmdSelect0,
		},
		{
			name:       "Empty 61 00 Chain",
			script:     map[string]string{cmdSelect0: "6100"},
			wantResp:   "64FF",
			wantStatus: Failed,
			wantSent:   cmdSelect0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ft := newFakeTransport(tt.script)
			e := New(ft)

			res := e.OpenBasicChannel(testAID, 0x00)

			assert.Equal(t, tt.wantStatus, res.Status)
			if tt.wantResp == "" {
				assert.Empty(t, res.Response)
			} else {
				assert.Equal(t, tlv.MustHex(tt.wantResp), res.Response)
			}
			assert.NoError(t, res.Cleanup)
			assert.Equal(t, tt.wantSent, ft.sentCommands())

			st := e.State()
			assert.Equal(t, tt.wantOpen, st.Open)
			assert.Equal(t, len(tt.wantOpen) > 0, st.SessionUp, "session must be up exactly while a channel is open")
			assert.Equal(t, st.SessionUp, ft.isOpen())
			assert.True(t, e.table.consistent())
		})
	}
}

func TestOpenBasicChannel_FailureKeepsOtherChannels(t *testing.T) {
	ft := newFakeTransport(map[string]string{
		cmdOpen:    "01 9000",
		cmdSelect1: "9000",
		cmdSelect0: "6A82",
	})
	e := New(ft)

	require.Equal(t, Success, e.OpenLogicalChannel(testAID, 0x00).Status)

	res := e.OpenBasicChannel(testAID, 0x00)
	assert.Equal(t, NoSuchElement, res.Status)

	st := e.State()
	assert.True(t, st.SessionUp)
	assert.Equal(t, []uint8{1}, st.Open)
	assert.Equal(t, 0, ft.closes)
}

func TestOpenBasicChannel_TransportErrors(t *testing.T) {
	tests := []struct {
		name       string
		handler    func(calls int) ([]byte, error)
		wantStatus Status
		wantResp   string
	}{
		{
			name:       "Invalid Receive Length",
			handler:    func(int) ([]byte, error) { return nil, ErrInvalidReceiveLength },
			wantStatus: IOError,
		},
		{
			name:       "Link Error",
			handler:    func(int) ([]byte, error) { return nil, errors.New("spi timeout") },
			wantStatus: Failed,
		},
		{
			name: "Error Mid Chain",
			handler: func(calls int) ([]byte, error) {
				if calls == 1 {
					return tlv.MustHex("01 6102"), nil
				}
				return nil, errors.New("spi timeout")
			},
			wantStatus: Failed,
			wantResp:   "01 64FF",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ft := newFakeTransport(nil)
			calls := 0
			ft.handler = func([]byte) ([]byte, error) {
				calls++
				return tt.handler(calls)
			}
			e := New(ft)

			res := e.OpenBasicChannel(testAID, 0x00)

			assert.Equal(t, tt.wantStatus, res.Status)
			if tt.wantResp == "" {
				assert.Empty(t, res.Response)
			} else {
				assert.Equal(t, tlv.MustHex(tt.wantResp), res.Response)
			}
			assert.False(t, e.State().SessionUp)
		})
	}
}

func TestOpenBasicChannel_InitFailure(t *testing.T) {
	ft := newFakeTransport(nil)
	ft.openErr = errors.New("power on failed")
	e := New(ft)

	res := e.OpenBasicChannel(testAID, 0x00)

	assert.Equal(t, IOError, res.Status)
	assert.Empty(t, ft.sentCommands())
}

func TestOpenLogicalChannel(t *testing.T) {
	tests := []struct {
		name        string
		version     OSVersion
		script      map[string]string
		wantChannel uint8
		wantStatus  Status
		wantResp    string
		wantOpen    []uint8
		wantSent    string
	}{
		{
			name:        "Success",
			script:      map[string]string{cmdOpen: "01 9000", cmdSelect1: "6F00 9000"},
			wantChannel: 1,
			wantStatus:  Success,
			wantResp:    "6F00 9000",
			wantOpen:    []uint8{1},
			wantSent:    cmdOpen + " " + cmdSelect1,
		},
		{
			name: "Chained Select Keeps Channel Class",
			script: map[string]string{
				cmdOpen:      "01 9000",
				cmdSelect1:   "AA 6101",
				"01C0000001": "BB 9000",
			},
			wantChannel: 1,
			wantStatus:  Success,
			wantResp:    "AABB 9000",
			wantOpen:    []uint8{1},
			wantSent:    cmdOpen + " " + cmdSelect1 + " 01C0000001",
		},
		{
			name:        "No Channel Available",
			script:      map[string]string{cmdOpen: "6A81"},
			wantChannel: iso7816.InvalidChannel,
			wantStatus:  ChannelNotAvailable,
			wantSent:    cmdOpen,
		},
		{
			name:        "Manage Channel Unsupported",
			script:      map[string]string{cmdOpen: "6D00"},
			wantChannel: iso7816.InvalidChannel,
			wantStatus:  UnsupportedOperation,
			wantSent:    cmdOpen,
		},
		{
			name:        "Manage Channel Other Error",
			script:      map[string]string{cmdOpen: "6F00"},
			wantChannel: iso7816.InvalidChannel,
			wantStatus:  IOError,
			wantSent:    cmdOpen,
		},
		{
			name: "Select Fails Closes Channel",
			script: map[string]string{
				cmdOpen:    "01 9000",
				cmdSelect1: "6A82",
				cmdClose1:  "9000",
			},
			wantChannel: iso7816.InvalidChannel,
			wantStatus:  NoSuchElement,
			wantResp:    "6A82",
			wantSent:    cmdOpen + " " + cmdSelect1 + " " + cmdClose1,
		},
		{
			name: "Select Fails And Close Rejected",
			script: map[string]string{
				cmdOpen:    "01 9000",
				cmdSelect1: "6999",
				cmdClose1:  "6881",
			},
			wantChannel: iso7816.InvalidChannel,
			wantStatus:  NoSuchElement,
			wantResp:    "6999",
			wantSent:    cmdOpen + " " + cmdSelect1 + " " + cmdClose1,
		},
		{
			name:        "Channel Zero Allocated",
			script:      map[string]string{cmdOpen: "00 9000"},
			wantChannel: iso7816.InvalidChannel,
			wantStatus:  IOError,
			wantSent:    cmdOpen,
		},
		{
			name:        "Channel Beyond Legacy Table",
			version:     OSVersion{Major: 6, Minor: 1},
			script:      map[string]string{cmdOpen: "05 9000", "41708005": "9000"},
			wantChannel: iso7816.InvalidChannel,
			wantStatus:  IOError,
			wantSent:    cmdOpen + " 41708005",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ft := newFakeTransport(tt.script)
			if tt.version != (OSVersion{}) {
				ft.version = tt.version
			}
			e := New(ft)

			res := e.OpenLogicalChannel(testAID, 0x00)

			assert.Equal(t, tt.wantStatus, res.Status)
			assert.Equal(t, tt.wantChannel, res.Channel)
			if tt.wantResp == "" {
				assert.Empty(t, res.SelectResponse)
			} else {
				assert.Equal(t, tlv.MustHex(tt.wantResp), res.SelectResponse)
			}
			assert.NoError(t, res.Cleanup)
			assert.Equal(t, tt.wantSent, ft.sentCommands())

			st := e.State()
			assert.Equal(t, tt.wantOpen, st.Open)
			assert.Equal(t, len(tt.wantOpen) > 0, st.SessionUp)
			assert.True(t, e.table.consistent())
		})
	}
}

func TestOpenLogicalChannel_CleanupFailure(t *testing.T) {
	ft := newFakeTransport(map[string]string{
		cmdOpen:    "01 9000",
		cmdSelect1: "6A82",
		cmdClose1:  "9000",
	})
	ft.closeErr = errors.New("power off failed")
	m := NewMetrics(prometheus.NewRegistry())
	e := New(ft, WithMetrics(m))

	res := e.OpenLogicalChannel(testAID, 0x00)

	assert.Equal(t, NoSuchElement, res.Status)
	assert.Equal(t, iso7816.InvalidChannel, res.Channel)
	require.Error(t, res.Cleanup)
	assert.ErrorIs(t, res.Cleanup, ft.closeErr)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CleanupFailures))
	assert.False(t, e.State().SessionUp)
}

func TestCloseChannel(t *testing.T) {
	ft := newFakeTransport(map[string]string{
		cmdSelect0: "9000",
		cmdOpen:    "01 9000",
		cmdSelect1: "9000",
		cmdClose1:  "9000",
	})
	e := New(ft)

	assert.Equal(t, Failed, e.CloseChannel(0), "table not sized yet")

	require.Equal(t, Success, e.OpenBasicChannel(testAID, 0x00).Status)
	require.Equal(t, Success, e.OpenLogicalChannel(testAID, 0x00).Status)
	sentBefore := ft.sentCommands()

	assert.Equal(t, Failed, e.CloseChannel(12))
	assert.Equal(t, sentBefore, ft.sentCommands(), "invalid channel must not reach the chip")

	assert.Equal(t, Success, e.CloseChannel(0))
	assert.Equal(t, sentBefore, ft.sentCommands(), "basic channel is never closed on the chip")
	assert.True(t, e.State().SessionUp)

	assert.Equal(t, Success, e.CloseChannel(1))
	assert.Equal(t, sentBefore+" "+cmdClose1, ft.sentCommands())

	st := e.State()
	assert.False(t, st.SessionUp)
	assert.Empty(t, st.Open)
	assert.Equal(t, 1, ft.closes)
}

func TestCloseChannel_LastChannelTeardownFailure(t *testing.T) {
	ft := newFakeTransport(map[string]string{cmdSelect0: "9000"})
	e := New(ft)
	require.Equal(t, Success, e.OpenBasicChannel(testAID, 0x00).Status)

	ft.closeErr = errors.New("power off failed")

	assert.Equal(t, Failed, e.CloseChannel(0))
	assert.False(t, e.State().SessionUp)
}

func TestCloseChannel_ChipRejectsClose(t *testing.T) {
	ft := newFakeTransport(map[string]string{
		cmdSelect0: "9000",
		cmdOpen:    "01 9000",
		cmdSelect1: "9000",
		cmdClose1:  "6881",
	})
	e := New(ft)
	require.Equal(t, Success, e.OpenBasicChannel(testAID, 0x00).Status)
	require.Equal(t, Success, e.OpenLogicalChannel(testAID, 0x00).Status)

	assert.Equal(t, Success, e.CloseChannel(1))
	assert.Equal(t, []uint8{0}, e.State().Open)
}

func TestTransmit(t *testing.T) {
	tests := []struct {
		name       string
		handler    func([]byte) ([]byte, error)
		wantResp   string
		wantStatus Status
	}{
		{
			name:       "Raw Response",
			handler:    func([]byte) ([]byte, error) { return tlv.MustHex("0102 9000"), nil },
			wantResp:   "0102 9000",
			wantStatus: Success,
		},
		{
			name:       "No Chaining",
			handler:    func([]byte) ([]byte, error) { return tlv.MustHex("6110"), nil },
			wantResp:   "6110",
			wantStatus: Success,
		},
		{
			name:       "Invalid Receive Length",
			handler:    func([]byte) ([]byte, error) { return nil, ErrInvalidReceiveLength },
			wantResp:   "64FF",
			wantStatus: IOError,
		},
		{
			name:       "Link Error",
			handler:    func([]byte) ([]byte, error) { return nil, errors.New("spi timeout") },
			wantStatus: Failed,
		},
		{
			name:       "Missing Status Word",
			handler:    func([]byte) ([]byte, error) { return []byte{0x90}, nil },
			wantResp:   "90",
			wantStatus: Failed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ft := newFakeTransport(nil)
			e := New(ft)
			require.Equal(t, Success, e.Reset(), "bring the session up")

			ft.handler = tt.handler
			resp, st := e.Transmit(tlv.MustHex("80CA9F7F00"))

			assert.Equal(t, tt.wantStatus, st)
			if tt.wantResp == "" {
				assert.Empty(t, resp)
			} else {
				assert.Equal(t, tlv.MustHex(tt.wantResp), resp)
			}
			assert.Equal(t, "80CA9F7F00", ft.sentCommands())
		})
	}
}

func TestTransmit_WithoutSession(t *testing.T) {
	ft := newFakeTransport(nil)
	e := New(ft)

	resp, st := e.Transmit(tlv.MustHex("80CA9F7F00"))

	assert.Equal(t, Failed, st)
	assert.Empty(t, resp)
	assert.Empty(t, ft.sentCommands())
}

func TestGetATR(t *testing.T) {
	t.Run("Temporary Session", func(t *testing.T) {
		ft := newFakeTransport(nil)
		e := New(ft)

		atr, st := e.GetATR()

		assert.Equal(t, Success, st)
		assert.Equal(t, ft.atr, atr)
		assert.Equal(t, 1, ft.opens)
		assert.Equal(t, 1, ft.closes)
		assert.False(t, e.State().SessionUp)
	})

	t.Run("Session Kept Up", func(t *testing.T) {
		ft := newFakeTransport(map[string]string{cmdSelect0: "9000"})
		e := New(ft)
		require.Equal(t, Success, e.OpenBasicChannel(testAID, 0x00).Status)

		_, st := e.GetATR()

		assert.Equal(t, Success, st)
		assert.Equal(t, 0, ft.closes)
		assert.True(t, e.State().SessionUp)
	})

	t.Run("Read Failure", func(t *testing.T) {
		ft := newFakeTransport(nil)
		ft.atrErr = errors.New("no ATR")
		e := New(ft)

		atr, st := e.GetATR()

		assert.Equal(t, Failed, st)
		assert.Nil(t, atr)
		assert.False(t, e.State().SessionUp)
		assert.Equal(t, 1, ft.closes)
	})

	t.Run("Init Failure", func(t *testing.T) {
		ft := newFakeTransport(nil)
		ft.openErr = errors.New("power on failed")
		e := New(ft)

		atr, st := e.GetATR()

		assert.Equal(t, IOError, st)
		assert.Nil(t, atr)
	})
}

func TestInit(t *testing.T) {
	t.Run("Probe Sizes Table", func(t *testing.T) {
		var got []notification
		ft := newFakeTransport(nil)
		e := New(ft)

		require.NoError(t, e.Init(recordNotifications(&got)))

		assert.Equal(t, []notification{{true, "SE HAL init ok"}}, got)
		st := e.State()
		assert.False(t, st.SessionUp)
		assert.Equal(t, uint8(12), st.Capacity)
		assert.Equal(t, 1, ft.opens)
		assert.Equal(t, 1, ft.closes)
	})

	t.Run("Legacy OS", func(t *testing.T) {
		ft := newFakeTransport(nil)
		ft.version = OSVersion{Major: 5, Minor: 9}
		e := New(ft)

		require.NoError(t, e.Init(nil))
		assert.Equal(t, uint8(4), e.State().Capacity)
	})

	t.Run("Version Unavailable", func(t *testing.T) {
		ft := newFakeTransport(nil)
		ft.versionErr = errors.New("no version")
		e := New(ft)

		require.NoError(t, e.Init(nil))
		assert.Equal(t, uint8(4), e.State().Capacity)
	})

	t.Run("Version Override", func(t *testing.T) {
		ft := newFakeTransport(nil)
		ft.versionErr = errors.New("no version")
		e := New(ft, WithOSVersion(OSVersion{Major: 7}))

		require.NoError(t, e.Init(nil))
		assert.Equal(t, uint8(12), e.State().Capacity)
	})

	t.Run("Already Up", func(t *testing.T) {
		var got []notification
		ft := newFakeTransport(map[string]string{cmdSelect0: "9000"})
		e := New(ft, WithStateListener(recordNotifications(&got)))
		require.Equal(t, Success, e.OpenBasicChannel(testAID, 0x00).Status)

		require.NoError(t, e.Init(nil))

		assert.Equal(t, []notification{{true, "SE HAL init ok"}}, got)
		assert.Equal(t, 1, ft.opens)
		assert.True(t, e.State().SessionUp)
	})

	t.Run("Failure", func(t *testing.T) {
		var got []notification
		ft := newFakeTransport(nil)
		ft.openErr = errors.New("power on failed")
		e := New(ft)

		err := e.Init(recordNotifications(&got))

		assert.ErrorIs(t, err, ft.openErr)
		assert.Equal(t, []notification{{false, "SE HAL init failed"}}, got)
	})
}

func TestReset(t *testing.T) {
	t.Run("Closes Every Channel", func(t *testing.T) {
		var got []notification
		ft := newFakeTransport(map[string]string{
			cmdSelect0: "9000",
			cmdOpen:    "01 9000",
			cmdSelect1: "9000",
		})
		e := New(ft, WithStateListener(recordNotifications(&got)))
		require.Equal(t, Success, e.OpenBasicChannel(testAID, 0x00).Status)
		require.Equal(t, Success, e.OpenLogicalChannel(testAID, 0x00).Status)

		assert.Equal(t, Success, e.Reset())

		assert.Equal(t, []notification{{false, "reset the SE"}, {true, "SE initialized"}}, got)
		st := e.State()
		assert.True(t, st.SessionUp)
		assert.Empty(t, st.Open)
		assert.Equal(t, 1, ft.resets)
		assert.Equal(t, 0, ft.closes)
	})

	t.Run("From Cold", func(t *testing.T) {
		ft := newFakeTransport(nil)
		e := New(ft)

		assert.Equal(t, Success, e.Reset())

		st := e.State()
		assert.True(t, st.SessionUp)
		assert.Equal(t, uint8(12), st.Capacity)
	})

	t.Run("Init Failure", func(t *testing.T) {
		ft := newFakeTransport(nil)
		ft.openErr = errors.New("power on failed")
		e := New(ft)

		assert.Equal(t, Failed, e.Reset())
		assert.Equal(t, 0, ft.resets)
	})

	t.Run("Hardware Failure", func(t *testing.T) {
		var got []notification
		ft := newFakeTransport(nil)
		ft.resetErr = errors.New("reset line stuck")
		e := New(ft, WithStateListener(recordNotifications(&got)))

		assert.Equal(t, Failed, e.Reset())
		assert.Equal(t, []notification{{false, "reset the SE"}}, got)
	})
}

func TestServiceDied(t *testing.T) {
	ft := newFakeTransport(map[string]string{
		cmdSelect0: "9000",
		cmdOpen:    "01 9000",
		cmdSelect1: "9000",
	})
	e := New(ft)
	require.Equal(t, Success, e.OpenBasicChannel(testAID, 0x00).Status)
	require.Equal(t, Success, e.OpenLogicalChannel(testAID, 0x00).Status)
	sentBefore := ft.sentCommands()

	e.ServiceDied()

	st := e.State()
	assert.False(t, st.SessionUp)
	assert.Empty(t, st.Open)
	assert.Equal(t, 1, ft.closes)
	assert.Equal(t, sentBefore, ft.sentCommands(), "no CLOSE is sent on forced teardown")
}

func TestIsCardPresent(t *testing.T) {
	assert.True(t, New(newFakeTransport(nil)).IsCardPresent())
}

func TestWTXListenerRegistered(t *testing.T) {
	ft := newFakeTransport(nil)
	New(ft)

	require.NotNil(t, ft.wtx)
	assert.NotPanics(t, func() {
		ft.wtx(WTXOngoing)
		ft.wtx(WTXEnded)
	})
}

func TestDedicatedMode(t *testing.T) {
	provisioning := tlv.MustHex("A00000039653")
	ft := newFakeTransport(map[string]string{
		cmdSelect0:   "9000",
		"80CA9F7F00": "0102 9000",
	})
	gate := &DedicatedMode{AID: provisioning}
	e := New(ft, WithGate(gate))

	require.Equal(t, Success, e.OpenBasicChannel(testAID, 0x00).Status)
	require.Equal(t, 1, ft.opens)
	sentBefore := ft.sentCommands()

	res := e.OpenBasicChannel(provisioning, 0x00)
	assert.Equal(t, Success, res.Status)
	assert.Equal(t, []byte{0x90, 0x00}, res.Response)
	assert.True(t, gate.Active())
	assert.Equal(t, 2, ft.opens, "session restarted")
	assert.Equal(t, 1, ft.closes)
	assert.Equal(t, sentBefore, ft.sentCommands(), "no SELECT for the provisioning AID")

	assert.Equal(t, IOError, e.OpenBasicChannel(testAID, 0x00).Status)
	assert.Equal(t, IOError, e.OpenLogicalChannel(testAID, 0x00).Status)
	_, st := e.GetATR()
	assert.Equal(t, IOError, st)

	resp, st := e.Transmit(tlv.MustHex("80CA9F7F00"))
	assert.Equal(t, Success, st)
	assert.Equal(t, tlv.MustHex("0102 9000"), resp)

	assert.Equal(t, Success, e.CloseChannel(0))
	assert.False(t, e.State().SessionUp)
	assert.Equal(t, 2, ft.closes)

	gate.Exit()
	assert.Equal(t, Success, e.OpenBasicChannel(testAID, 0x00).Status)
}

func TestMetrics(t *testing.T) {
	ft := newFakeTransport(map[string]string{
		cmdSelect0:  "0102 6103",
		cmdGetResp0: "030405 9000",
	})
	m := NewMetrics(prometheus.NewRegistry())
	e := New(ft, WithMetrics(m))

	require.Equal(t, Success, e.OpenBasicChannel(testAID, 0x00).Status)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Operations.WithLabelValues("open-basic", "SUCCESS")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.APDUs))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OpenChannels))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionUp))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionInits))
	assert.Equal(t, 1, testutil.CollectAndCount(m.ChainLength))

	require.Equal(t, Success, e.CloseChannel(0))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Operations.WithLabelValues("close", "SUCCESS")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.OpenChannels))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.SessionUp))
}

// TestConcurrentOperations checks that an exchange, GET RESPONSE chain included, is never
// interleaved with a command from another caller.
func TestConcurrentOperations(t *testing.T) {
	ft := newFakeTransport(nil)

	var (
		chainPending bool
		interleaved  int
		allocated    [12]bool
	)
	ft.handler = func(cmd []byte) ([]byte, error) {
		ins := iso7816.InsCode(cmd[1])
		if chainPending && ins != iso7816.INS_GET_RESPONSE {
			interleaved++
		}
		switch {
		case ins == iso7816.INS_MANAGE_CHANNEL && cmd[2] == 0x00:
			for n := 1; n < len(allocated); n++ {
				if !allocated[n] {
					allocated[n] = true
					return []byte{byte(n), 0x90, 0x00}, nil
				}
			}
			return []byte{0x6A, 0x81}, nil
		case ins == iso7816.INS_MANAGE_CHANNEL && cmd[2] == 0x80:
			allocated[cmd[3]] = false
			return []byte{0x90, 0x00}, nil
		case ins == iso7816.INS_SELECT:
			chainPending = true
			return []byte{0xAA, 0x61, 0x01}, nil
		case ins == iso7816.INS_GET_RESPONSE:
			chainPending = false
			return []byte{0xBB, 0x90, 0x00}, nil
		default:
			return []byte{0x90, 0x00}, nil
		}
	}

	e := New(ft)

	const workers, rounds = 8, 20
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		failures []string
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				res := e.OpenLogicalChannel(testAID, 0x00)
				if res.Status != Success {
					mu.Lock()
					failures = append(failures, res.Status.String())
					mu.Unlock()
					continue
				}
				cla, _ := iso7816.ChannelCLA(res.Channel)
				e.Transmit([]byte{cla | 0x80, 0xCA, 0x9F, 0x7F, 0x00})
				e.CloseChannel(res.Channel)
			}
		}()
	}
	wg.Wait()

	assert.Empty(t, failures)
	assert.Zero(t, interleaved)

	st := e.State()
	assert.False(t, st.SessionUp)
	assert.Empty(t, st.Open)
	assert.True(t, e.table.consistent())
}

func TestExchangeObserver(t *testing.T) {
	ft := newFakeTransport(map[string]string{
		cmdOpen:      "01 9000",
		cmdSelect1:   "AA 6101",
		"01C0000001": "BB 9000",
	})
	var traces []iso7816.Trace
	e := New(ft, WithExchangeObserver(func(tr iso7816.Trace) { traces = append(traces, tr) }))

	require.Equal(t, Success, e.OpenLogicalChannel(testAID, 0x00).Status)

	require.Len(t, traces, 2)
	assert.Len(t, traces[0], 1, "MANAGE CHANNEL")
	assert.Len(t, traces[1], 2, "SELECT and one GET RESPONSE")

	sr, err := iso7816.NewSelectResult(traces[1])
	require.NoError(t, err)
	assert.Equal(t, iso7816.SelectSuccess, sr.Outcome())
}
