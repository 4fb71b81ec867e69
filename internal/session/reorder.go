package session

import (
	"sort"

	"github.com/softwind/echowire/pkg/protocol"
)

// reorderCapacity is how many out-of-order frames we hold before giving up
// on the gap and flushing in timestamp order.
const reorderCapacity = 20

// reorderBuffer puts V2 audio frames back in timestamp order. V3 frames
// carry no timestamp, so the session synthesizes one per frame before
// pushing; either way the pipeline downstream sees a monotonic stream.
type reorderBuffer struct {
	frameDurMs uint32
	started    bool
	last       uint32 // timestamp of the last emitted frame
	pending    []protocol.Frame
}

func newReorderBuffer(frameDurationMs int) *reorderBuffer {
	return &reorderBuffer{frameDurMs: uint32(frameDurationMs)}
}

// Push accepts one frame and returns the frames that are now in order.
// Frames at or before the last emitted timestamp are duplicates and are
// dropped. A frame that leaves a gap is held until the gap fills or the
// buffer overflows.
func (b *reorderBuffer) Push(f protocol.Frame) []protocol.Frame {
	if !b.started {
		b.started = true
		b.last = f.Timestamp
		return []protocol.Frame{f}
	}

	// Timestamps advance mod 2^32; unsigned subtraction keeps the
	// comparison correct across the wrap.
	delta := f.Timestamp - b.last
	if delta == 0 || delta > 1<<31 {
		return nil // duplicate or stale
	}

	if delta == b.frameDurMs {
		out := []protocol.Frame{f}
		b.last = f.Timestamp
		return append(out, b.drain()...)
	}

	b.insert(f)
	if len(b.pending) >= reorderCapacity {
		return b.Flush()
	}
	return nil
}

// Flush gives up on any outstanding gaps and emits everything buffered in
// timestamp order.
func (b *reorderBuffer) Flush() []protocol.Frame {
	if len(b.pending) == 0 {
		return nil
	}
	out := b.pending
	b.pending = nil
	b.last = out[len(out)-1].Timestamp
	return out
}

// drain pops buffered frames that directly continue the emitted stream.
func (b *reorderBuffer) drain() []protocol.Frame {
	var out []protocol.Frame
	for len(b.pending) > 0 && b.pending[0].Timestamp == b.last+b.frameDurMs {
		out = append(out, b.pending[0])
		b.last = b.pending[0].Timestamp
		b.pending = b.pending[1:]
	}
	return out
}

// insert keeps pending sorted by wrap-aware distance from last.
func (b *reorderBuffer) insert(f protocol.Frame) {
	i := sort.Search(len(b.pending), func(i int) bool {
		return b.pending[i].Timestamp-b.last > f.Timestamp-b.last
	})
	if i < len(b.pending) && b.pending[i].Timestamp == f.Timestamp {
		return // duplicate of a buffered frame
	}
	b.pending = append(b.pending, protocol.Frame{})
	copy(b.pending[i+1:], b.pending[i:])
	b.pending[i] = f
}
