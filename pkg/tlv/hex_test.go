package tlv

import (
	"bytes"
	"testing"
)

func TestMustHex(t *testing.T) {
	tests := []struct {
		name      string
		inputs    []string
		want      []byte
		wantPanic bool
	}{
		{
			name:   "Simple Join",
			inputs: []string{"00", "A4"},
			want:   []byte{0x00, 0xA4},
		},
		{
			name:   "With Spaces",
			inputs: []string{"00 A4", " 04 00 "},
			want:   []byte{0x00, 0xA4, 0x04, 0x00},
		},
		{
			name:   "Mixed Case",
			inputs: []string{"ca", "FE"},
			want:   []byte{0xCA, 0xFE},
		},
		{
			name:      "Invalid Hex",
			inputs:    []string{"ZZ"},
			wantPanic: true,
		},
		{
			name:      "Odd Length",
			inputs:    []string{"123"},
			wantPanic: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer func() {
				r := recover()
				if (r != nil) != tt.wantPanic {
					t.Errorf("MustHex() panic = %v, wantPanic %v", r, tt.wantPanic)
				}
			}()

			got := MustHex(tt.inputs...)
			if !bytes.Equal(got, tt.want) {
				t.Errorf("MustHex() = %X, want %X", got, tt.want)
			}
		})
	}
}

func TestParseHex(t *testing.T) {
	tests := []struct {
		in      string
		want    []byte
		wantErr bool
	}{
		{in: "00A4", want: []byte{0x00, 0xA4}},
		{in: "A0:00:00:01:51", want: []byte{0xA0, 0x00, 0x00, 0x01, 0x51}},
		{in: "", want: []byte{}},
		{in: "0", wantErr: true},
		{in: "GG", wantErr: true},
	}

	for _, tt := range tests {
		got, err := ParseHex(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseHex(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && !bytes.Equal(got, tt.want) {
			t.Errorf("ParseHex(%q) = %X, want %X", tt.in, got, tt.want)
		}
	}
}
