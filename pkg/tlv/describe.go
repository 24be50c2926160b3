package tlv

import (
	"encoding/hex"
	"fmt"
	"reflect"
	"strings"

	"github.com/moov-io/bertlv"
)

// Field is one rendered line of a template dump.
type Field struct {
	Path  string // e.g. "FCP.DFName (84)" or "FCP.ProprietaryDataBER (A5).9F6E"
	Value string
}

func (f Field) String() string {
	return fmt.Sprintf("    - %s: %s", f.Path, f.Value)
}

var unknownType = reflect.TypeOf([]bertlv.TLV{})

// Fields lists the populated byte fields of a template struct, in declaration order, followed
// by the captured unknown tags. The optional `fmt` struct tag selects the rendering:
//
//	ascii  hex followed by the printable form
//	int    hex followed by the big-endian decimal value
//	tlv    one line per nested tag (BER-TLV content such as proprietary templates)
//
// A nil pointer yields no fields.
func Fields(prefix string, s any) []Field {
	val := reflect.ValueOf(s)
	if val.Kind() == reflect.Pointer {
		if val.IsNil() {
			return nil
		}
		val = val.Elem()
	}
	if val.Kind() != reflect.Struct {
		return nil
	}

	typ := val.Type()
	var out []Field

	for i := 0; i < val.NumField(); i++ {
		field, sf := val.Field(i), typ.Field(i)

		switch {
		case field.Type() == unknownType:
			for _, t := range field.Interface().([]bertlv.TLV) {
				out = append(out, Field{
					Path:  fmt.Sprintf("%s.Unknown Tag %s", prefix, strings.ToUpper(t.Tag)),
					Value: upperHex(t.Value),
				})
			}
		case field.Kind() == reflect.Slice && field.Type().Elem().Kind() == reflect.Uint8:
			if field.Len() == 0 {
				continue
			}
			path := prefix + "." + sf.Name
			if tag := sf.Tag.Get("tlv"); tag != "" {
				path = fmt.Sprintf("%s (%s)", path, tag)
			}
			out = append(out, byteFields(path, field.Bytes(), sf.Tag.Get("fmt"))...)
		}
	}

	return out
}

// WriteStructFields writes the Fields of s to sb, one per line, with no trailing newline.
// A newline separates the block from earlier content already in sb.
func WriteStructFields(sb *strings.Builder, prefix string, s any) {
	fields := Fields(prefix, s)
	if len(fields) == 0 {
		return
	}
	for i, f := range fields {
		if i > 0 || sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(f.String())
	}
}

func byteFields(path string, data []byte, format string) []Field {
	switch format {
	case "ascii":
		return []Field{{Path: path, Value: fmt.Sprintf("%X (%q)", data, Printable(data))}}
	case "int":
		if len(data) > 8 {
			break
		}
		var n uint64
		for _, b := range data {
			n = n<<8 | uint64(b)
		}
		return []Field{{Path: path, Value: fmt.Sprintf("%X (Dec: %d)", data, n)}}
	case "tlv":
		packets, err := bertlv.Decode(data)
		if err != nil || len(packets) == 0 {
			break
		}
		return nestedFields(path, packets)
	}
	return []Field{{Path: path, Value: upperHex(data)}}
}

func nestedFields(path string, packets []bertlv.TLV) []Field {
	var out []Field
	for _, p := range packets {
		sub := path + "." + strings.ToUpper(p.Tag)
		if len(p.TLVs) > 0 {
			out = append(out, nestedFields(sub, p.TLVs)...)
			continue
		}
		out = append(out, Field{Path: sub, Value: upperHex(p.Value)})
	}
	return out
}

func upperHex(b []byte) string {
	return strings.ToUpper(hex.EncodeToString(b))
}

// Printable replaces every byte outside the printable ASCII range with '.'.
func Printable(data []byte) string {
	return strings.Map(func(r rune) rune {
		if r >= 32 && r <= 126 {
			return r
		}
		return '.'
	}, string(data))
}
