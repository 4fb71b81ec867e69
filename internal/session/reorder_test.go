package session

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/softwind/echowire/pkg/protocol"
)

func audioFrame(ts uint32) protocol.Frame {
	return protocol.Frame{Version: protocol.VersionV2, Type: protocol.FrameAudio, Timestamp: ts}
}

func timestamps(frames []protocol.Frame) []uint32 {
	out := make([]uint32, 0, len(frames))
	for _, f := range frames {
		out = append(out, f.Timestamp)
	}
	return out
}

func TestReorderInOrderPassthrough(t *testing.T) {
	b := newReorderBuffer(60)
	assert.Equal(t, []uint32{0}, timestamps(b.Push(audioFrame(0))))
	assert.Equal(t, []uint32{60}, timestamps(b.Push(audioFrame(60))))
	assert.Equal(t, []uint32{120}, timestamps(b.Push(audioFrame(120))))
}

func TestReorderHoldsGapThenDrains(t *testing.T) {
	b := newReorderBuffer(60)
	b.Push(audioFrame(0))

	// 120 arrives before 60: hold it until the gap fills.
	assert.Empty(t, b.Push(audioFrame(120)))
	assert.Equal(t, []uint32{60, 120}, timestamps(b.Push(audioFrame(60))))
}

func TestReorderDropsStaleAndDuplicate(t *testing.T) {
	b := newReorderBuffer(60)
	b.Push(audioFrame(60))
	b.Push(audioFrame(120))

	assert.Empty(t, b.Push(audioFrame(120))) // duplicate
	assert.Empty(t, b.Push(audioFrame(0)))   // older than last emitted
}

func TestReorderOverflowFlushesSorted(t *testing.T) {
	b := newReorderBuffer(60)
	b.Push(audioFrame(0))

	// Frame at 60 never arrives; everything after it piles up.
	for i := 2; i < 2+reorderCapacity; i++ {
		out := b.Push(audioFrame(uint32(i * 60)))
		if i < 1+reorderCapacity {
			assert.Empty(t, out)
		} else {
			// Capacity reached: give up on the gap, emit in order.
			want := make([]uint32, 0, reorderCapacity)
			for j := 2; j < 2+reorderCapacity; j++ {
				want = append(want, uint32(j*60))
			}
			assert.Equal(t, want, timestamps(out))
		}
	}

	// The stream continues from the flushed high-water mark.
	next := uint32((2 + reorderCapacity) * 60)
	assert.Equal(t, []uint32{next}, timestamps(b.Push(audioFrame(next))))
}

func TestReorderTimestampWraparound(t *testing.T) {
	b := newReorderBuffer(60)
	near := uint32(0xFFFFFFFF - 59) // last frame before the wrap
	b.Push(audioFrame(near))

	assert.Equal(t, []uint32{near + 60}, timestamps(b.Push(audioFrame(near+60))))
	assert.Equal(t, uint32(0), near+60)
}

func TestReorderFlushEmpty(t *testing.T) {
	b := newReorderBuffer(60)
	assert.Empty(t, b.Flush())
}
