package iso7816

import (
	"fmt"

	"github.com/gregLibert/ese-hal/pkg/bits"
)

// Instruction Byte (INS) Logic according to ISO/IEC 7816-4.
//
// 1. Data Encoding (Bit 1):
//    With the interindustry class, bit 1 often indicates the format of the data field
//    (0: standard, 1: BER-TLV). Example: GET DATA (0xCA) vs GET DATA (BER-TLV) (0xCB).
//
// 2. Reserved Ranges:
//    INS values whose upper nibble is '6' or '9' are invalid. These values are reserved
//    for Status Words (SW1) and T=0 procedure bytes (ISO/IEC 7816-3).

// InsCode is a typed representation of the instruction byte.
type InsCode byte

// Interindustry instruction codes used on secure element channels.
const (
	INS_VERIFY                      InsCode = 0x20
	INS_MANAGE_SECURITY_ENVIRONMENT InsCode = 0x22
	INS_CHANGE_REFERENCE_DATA       InsCode = 0x24
	INS_PERFORM_SECURITY_OPERATION  InsCode = 0x2A
	INS_MANAGE_CHANNEL              InsCode = 0x70
	INS_EXTERNAL_AUTHENTICATE       InsCode = 0x82
	INS_GET_CHALLENGE               InsCode = 0x84
	INS_GENERAL_AUTHENTICATE        InsCode = 0x86
	INS_INTERNAL_AUTHENTICATE       InsCode = 0x88
	INS_SELECT                      InsCode = 0xA4
	INS_READ_BINARY                 InsCode = 0xB0
	INS_READ_RECORD                 InsCode = 0xB2
	INS_GET_RESPONSE                InsCode = 0xC0
	INS_ENVELOPE                    InsCode = 0xC2
	INS_GET_DATA                    InsCode = 0xCA
	INS_GET_DATA_BER                InsCode = 0xCB
	INS_UPDATE_BINARY               InsCode = 0xD6
	INS_PUT_DATA                    InsCode = 0xDA
	INS_PUT_DATA_BER                InsCode = 0xDB
	INS_UPDATE_RECORD               InsCode = 0xDC
)

var insNames = map[InsCode]string{
	INS_VERIFY:                      "INS_VERIFY",
	INS_MANAGE_SECURITY_ENVIRONMENT: "INS_MANAGE_SECURITY_ENVIRONMENT",
	INS_CHANGE_REFERENCE_DATA:       "INS_CHANGE_REFERENCE_DATA",
	INS_PERFORM_SECURITY_OPERATION:  "INS_PERFORM_SECURITY_OPERATION",
	INS_MANAGE_CHANNEL:              "INS_MANAGE_CHANNEL",
	INS_EXTERNAL_AUTHENTICATE:       "INS_EXTERNAL_AUTHENTICATE",
	INS_GET_CHALLENGE:               "INS_GET_CHALLENGE",
	INS_GENERAL_AUTHENTICATE:        "INS_GENERAL_AUTHENTICATE",
	INS_INTERNAL_AUTHENTICATE:       "INS_INTERNAL_AUTHENTICATE",
	INS_SELECT:                      "INS_SELECT",
	INS_READ_BINARY:                 "INS_READ_BINARY",
	INS_READ_RECORD:                 "INS_READ_RECORD",
	INS_GET_RESPONSE:                "INS_GET_RESPONSE",
	INS_ENVELOPE:                    "INS_ENVELOPE",
	INS_GET_DATA:                    "INS_GET_DATA",
	INS_GET_DATA_BER:                "INS_GET_DATA_BER",
	INS_UPDATE_BINARY:               "INS_UPDATE_BINARY",
	INS_PUT_DATA:                    "INS_PUT_DATA",
	INS_PUT_DATA_BER:                "INS_PUT_DATA_BER",
	INS_UPDATE_RECORD:               "INS_UPDATE_RECORD",
}

func (i InsCode) String() string {
	if name, ok := insNames[i]; ok {
		return name
	}
	return fmt.Sprintf("InsCode(0x%02X)", byte(i))
}

// Instruction represents the parsed ISO 7816-4 Instruction byte (INS).
type Instruction struct {
	Raw      InsCode
	IsBERTLV bool
}

// NewInstruction creates an Instruction object with validation.
// It rejects '6X' and '9X' values as they are invalid according to ISO 7816-3.
func NewInstruction(ins InsCode) (Instruction, error) {
	highNibble := byte(ins) & 0xF0
	if highNibble == 0x60 || highNibble == 0x90 {
		return Instruction{}, fmt.Errorf("invalid INS 0x%02X: 6X and 9X are reserved", byte(ins))
	}

	return Instruction{
		Raw:      ins,
		IsBERTLV: bits.IsSet(byte(ins), 1),
	}, nil
}

// mustInstruction is used for the fixed, known-valid codes of this package.
func mustInstruction(ins InsCode) Instruction {
	i, err := NewInstruction(ins)
	if err != nil {
		panic(err)
	}
	return i
}

// Verbose returns a human-readable description of the instruction.
func (i Instruction) Verbose() string {
	format := "Standard"
	if i.IsBERTLV {
		format = "BER-TLV"
	}
	return fmt.Sprintf("INS: 0x%02X | Command: %s | Format: %s", byte(i.Raw), i.Raw.String(), format)
}
