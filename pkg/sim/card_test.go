package sim

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/gregLibert/ese-hal/pkg/iso7816"
	"github.com/gregLibert/ese-hal/pkg/tlv"
)

var (
	aidISD  = tlv.MustHex("A000000151000000")
	fciISD  = tlv.MustHex("6F 0C 84 08 A000000151000000 A5 00")
	aidEcho = tlv.MustHex("A0000000045345")
)

func echo(cmd *iso7816.CommandAPDU) []byte {
	return append(append([]byte(nil), cmd.Data...), 0x90, 0x00)
}

func TestCard_Exchanges(t *testing.T) {
	tests := []struct {
		name  string
		opts  []Option
		steps [][2]string // command, expected response
	}{
		{
			name: "Select Returns FCI",
			steps: [][2]string{
				{"00A4040008A00000015100000000", "6F0C8408A000000151000000A500 9000"},
			},
		},
		{
			name: "Partial AID",
			steps: [][2]string{
				{"00A4040005A00000015100", "6F0C8408A000000151000000A500 9000"},
			},
		},
		{
			name: "Select No Data",
			steps: [][2]string{
				{"00A4040C08A000000151000000", "9000"},
			},
		},
		{
			name: "Unknown AID",
			steps: [][2]string{
				{"00A4040005A00000099900", "6A82"},
			},
		},
		{
			name: "Next Occurrence Unsupported",
			steps: [][2]string{
				{"00A4040205A00000015100", "6A86"},
			},
		},
		{
			name: "Chunked Response",
			opts: []Option{WithChunkSize(4)},
			steps: [][2]string{
				{"00A4040008A00000015100000000", "6F0C8408 610A"},
				{"00C000000A", "A0000001 6106"},
				{"00C0000006", "51000000 6102"},
				{"00C0000002", "A500 9000"},
				{"00C0000002", "6985"},
			},
		},
		{
			name: "Chain Abandoned By Another Command",
			opts: []Option{WithChunkSize(4)},
			steps: [][2]string{
				{"00A4040008A00000015100000000", "6F0C8408 610A"},
				{"0070000001", "01 9000"},
				{"00C000000A", "6985"},
			},
		},
		{
			name: "Manage Channel Until Exhausted",
			steps: [][2]string{
				{"0070000001", "01 9000"},
				{"0070000001", "02 9000"},
				{"0070000001", "03 9000"},
				{"0070000001", "6A81"},
				{"02708002", "9000"},
				{"0070000001", "02 9000"},
			},
		},
		{
			name: "Closed Channel",
			steps: [][2]string{
				{"01A4040005A00000015100", "6881"},
				{"01708001", "6881"},
			},
		},
		{
			name: "Twelve Channels",
			opts: []Option{WithChannels(12)},
			steps: [][2]string{
				{"0070000001", "01 9000"},
				{"0070000001", "02 9000"},
				{"0070000001", "03 9000"},
				{"0070000001", "04 9000"},
				{"40A4040005A00000015100", "6F0C8408A000000151000000A500 9000"},
				{"40708004", "9000"},
			},
		},
		{
			name: "Applet Handler On Logical Channel",
			opts: []Option{WithAppletHandler(aidEcho, nil, echo)},
			steps: [][2]string{
				{"0070000001", "01 9000"},
				{"01A4040007A000000004534500", "9000"},
				{"8101000003CAFE0000", "CAFE00 9000"},
				{"80010000 03 CAFE00 00", "6D00"},
			},
		},
		{
			name: "Malformed Command",
			steps: [][2]string{
				{"00A4040005A000", "6700"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(append([]Option{WithApplet(aidISD, fciISD)}, tt.opts...)...)
			if err := c.Open(); err != nil {
				t.Fatalf("Open: %v", err)
			}

			for i, step := range tt.steps {
				got, err := c.Transceive(tlv.MustHex(step[0]))
				if err != nil {
					t.Fatalf("step %d: Transceive(%s): %v", i, step[0], err)
				}
				if diff := cmp.Diff(tlv.MustHex(step[1]), got); diff != "" {
					t.Errorf("step %d: Transceive(%s) mismatch (-want +got):\n%s", i, step[0], diff)
				}
			}
		})
	}
}

func TestCard_Power(t *testing.T) {
	c := New(WithATR(tlv.MustHex("3B 00")))

	if _, err := c.Transceive(tlv.MustHex("0070000001")); !errors.Is(err, ErrPoweredOff) {
		t.Errorf("Transceive while off: got %v, want ErrPoweredOff", err)
	}
	if _, err := c.ATR(); !errors.Is(err, ErrPoweredOff) {
		t.Errorf("ATR while off: got %v, want ErrPoweredOff", err)
	}
	if err := c.Reset(); !errors.Is(err, ErrPoweredOff) {
		t.Errorf("Reset while off: got %v, want ErrPoweredOff", err)
	}

	if err := c.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	atr, err := c.ATR()
	if err != nil || !cmp.Equal(atr, tlv.MustHex("3B 00")) {
		t.Errorf("ATR = %X, %v", atr, err)
	}

	if _, err := c.Transceive(tlv.MustHex("0070000001")); err != nil {
		t.Fatalf("MANAGE CHANNEL: %v", err)
	}
	if diff := cmp.Diff([]uint8{0, 1}, c.OpenChannels()); diff != "" {
		t.Errorf("OpenChannels mismatch (-want +got):\n%s", diff)
	}

	if err := c.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if diff := cmp.Diff([]uint8{0}, c.OpenChannels()); diff != "" {
		t.Errorf("OpenChannels after reset mismatch (-want +got):\n%s", diff)
	}

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if c.Powered() {
		t.Error("card still powered after Close")
	}
}
