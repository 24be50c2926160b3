package se

import (
	"fmt"

	"github.com/gregLibert/ese-hal/pkg/bits"
)

// ChannelTable tracks which channels are open. Channel n is bit n+1 of the mask.
// Its capacity is set once and never changes.
type ChannelTable struct {
	capacity uint8
	mask     uint32
	count    uint8
}

// Reserve sizes the table the first time it is called. Later calls are no-ops.
// Capacity is capped to the 20 channels the CLA byte can address.
func (t *ChannelTable) Reserve(capacity uint8) {
	if t.capacity != 0 {
		return
	}
	if capacity > 20 {
		capacity = 20
	}
	t.capacity = capacity
}

// Reserved reports whether Reserve has sized the table.
func (t *ChannelTable) Reserved() bool { return t.capacity != 0 }

// Capacity is the number of channels, basic channel included.
func (t *ChannelTable) Capacity() uint8 { return t.capacity }

// Count is the number of open channels.
func (t *ChannelTable) Count() uint8 { return t.count }

// IsEmpty reports whether no channel is open.
func (t *ChannelTable) IsEmpty() bool { return t.count == 0 }

// Valid reports whether n addresses a channel of the table.
func (t *ChannelTable) Valid(n uint8) bool { return n < t.capacity }

// IsOpen reports whether channel n is open.
func (t *ChannelTable) IsOpen(n uint8) bool {
	return t.Valid(n) && bits.IsSet(t.mask, uint(n)+1)
}

// MarkOpen marks channel n open. The count only moves on a closed to open transition.
func (t *ChannelTable) MarkOpen(n uint8) error {
	if !t.Valid(n) {
		return fmt.Errorf("channel %d outside table of %d", n, t.capacity)
	}
	if !t.IsOpen(n) {
		t.mask = bits.Set(t.mask, uint(n)+1)
		t.count++
	}
	return nil
}

// MarkClosed marks channel n closed and reports whether it was open.
func (t *ChannelTable) MarkClosed(n uint8) bool {
	if !t.IsOpen(n) {
		return false
	}
	t.mask = bits.Clear(t.mask, uint(n)+1)
	t.count--
	return true
}

// Clear closes every channel. The capacity is kept.
func (t *ChannelTable) Clear() {
	t.mask = 0
	t.count = 0
}

// Open lists the open channels in ascending order.
func (t *ChannelTable) Open() []uint8 {
	var out []uint8
	for n := uint8(0); n < t.capacity; n++ {
		if t.IsOpen(n) {
			out = append(out, n)
		}
	}
	return out
}

func (t *ChannelTable) String() string {
	return fmt.Sprintf("%d/%d open %v", t.count, t.capacity, t.Open())
}

func (t *ChannelTable) consistent() bool {
	return int(t.count) == bits.Count(t.mask)
}
