// Package bits provides 1-based bit helpers matching the numbering used by
// ISO/IEC 7816 tables (b8..b1 for a byte), plus popcount for bitsets.
package bits

import mathbits "math/bits"

// Unsigned is the set of integer types the helpers accept.
type Unsigned interface {
	~uint8 | ~uint16 | ~uint32 | ~uint64
}

func width[T Unsigned]() uint {
	var zero T
	return uint(mathbits.Len64(uint64(^zero)))
}

// Bit returns a value with only the n-th bit set (1 to width of T).
// Out of range positions yield zero.
func Bit[T Unsigned](n uint) T {
	if n < 1 || n > width[T]() {
		return 0
	}
	return T(1) << (n - 1)
}

// IsSet checks if the n-th bit is set.
func IsSet[T Unsigned](v T, n uint) bool {
	return v&Bit[T](n) != 0
}

// Set returns v with bit n set.
func Set[T Unsigned](v T, n uint) T {
	return v | Bit[T](n)
}

// Clear returns v with bit n cleared.
func Clear[T Unsigned](v T, n uint) T {
	return v &^ Bit[T](n)
}

// GetRange extracts the value from a range of bits (e.g., bits 4 to 3).
// Example: GetRange(byte(0b00001100), 4, 3) returns 3 (0b11)
func GetRange[T Unsigned](v T, high, low uint) T {
	if high < low || high > width[T]() || low < 1 {
		return 0
	}

	w := high - low + 1
	mask := T(1)<<w - 1
	if w == width[T]() {
		mask = ^T(0)
	}

	return (v >> (low - 1)) & mask
}

// Count returns the number of set bits.
func Count[T Unsigned](v T) int {
	return mathbits.OnesCount64(uint64(v))
}
