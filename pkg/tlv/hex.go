package tlv

import (
	"encoding/hex"
	"fmt"
	"strings"
)

var hexSeparators = strings.NewReplacer(" ", "", ":", "", "\t", "", "\n", "")

// ParseHex decodes a hex string, accepting spaces and colons between bytes
// ("00 A4 04 00", "00:A4:04:00").
func ParseHex(s string) ([]byte, error) {
	clean := hexSeparators.Replace(s)
	data, err := hex.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("invalid hex %q: %w", s, err)
	}
	return data, nil
}

// MustHex constructs a byte slice from a series of hex strings and panics on bad input.
// It is meant for fixtures and constants.
func MustHex(parts ...string) []byte {
	data, err := ParseHex(strings.Join(parts, ""))
	if err != nil {
		panic(err.Error())
	}
	return data
}
