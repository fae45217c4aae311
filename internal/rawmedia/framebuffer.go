package rawmedia

import (
	"sync"
)

// FrameBuffer is a bounded ring buffer of RawFrames used for
// pre-roll: it keeps the last MaxPrerollSecs seconds (and at most
// MaxBufferFrames frames) of raw media in memory so that, if
// break-glass authorization arrives, the frames surrounding the
// triggering moment can be sealed into the vault. Evicted and closed
// frames are zeroized, never merely dropped.
type FrameBuffer struct {
	mu         sync.Mutex
	frames     []*RawFrame
	maxFrames  int
	maxAgeSecs uint64
}

// NewFrameBuffer returns an empty FrameBuffer at default capacity.
func NewFrameBuffer() *FrameBuffer {
	return &FrameBuffer{
		frames:     make([]*RawFrame, 0, MaxBufferFrames),
		maxFrames:  MaxBufferFrames,
		maxAgeSecs: MaxPrerollSecs,
	}
}

// Push appends frame, evicting (and zeroizing) frames older than
// maxAgeSecs or beyond maxFrames capacity first.
func (b *FrameBuffer) Push(frame *RawFrame) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for len(b.frames) > 0 && b.frames[0].ageSecs() > b.maxAgeSecs {
		b.frames[0].Close()
		b.frames = b.frames[1:]
	}
	for len(b.frames) >= b.maxFrames {
		b.frames[0].Close()
		b.frames = b.frames[1:]
	}
	b.frames = append(b.frames, frame)
}

// Latest returns the most recently pushed frame without removing it,
// or nil if the buffer is empty.
func (b *FrameBuffer) Latest() *RawFrame {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.frames) == 0 {
		return nil
	}
	return b.frames[len(b.frames)-1]
}

// Len reports the current buffer occupancy.
func (b *FrameBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.frames)
}

// IsEmpty reports whether the buffer holds no frames.
func (b *FrameBuffer) IsEmpty() bool {
	return b.Len() == 0
}

// MemoryBytes estimates current raw-pixel memory usage across all
// buffered frames.
func (b *FrameBuffer) MemoryBytes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	total := 0
	for _, f := range b.frames {
		total += f.byteLen()
	}
	return total
}

// DrainForVault removes and returns every buffered frame as raw
// bytes, requiring a single valid ExportToken scoped to
// envelopeID/expectedRulesetHash for the whole pre-roll batch: the
// token is validated and consumed once, then every frame in the
// batch is copied out and zeroized. The buffer is empty after this
// call whether export succeeds or fails.
func (b *FrameBuffer) DrainForVault(token ExportToken, envelopeID string, expectedRulesetHash [32]byte) ([][]byte, error) {
	b.mu.Lock()
	frames := b.frames
	b.frames = make([]*RawFrame, 0, b.maxFrames)
	b.mu.Unlock()

	if token == nil {
		closeAll(frames)
		return nil, ErrExportDenied
	}
	if err := token.Validate(envelopeID, expectedRulesetHash); err != nil {
		closeAll(frames)
		return nil, err
	}
	if err := token.Consume(); err != nil {
		closeAll(frames)
		return nil, err
	}

	out := make([][]byte, 0, len(frames))
	for _, f := range frames {
		out = append(out, f.copyAndClose())
	}
	return out, nil
}

func closeAll(frames []*RawFrame) {
	for _, f := range frames {
		f.Close()
	}
}

// Close zeroizes and drops every buffered frame without exporting it.
func (b *FrameBuffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, f := range b.frames {
		f.Close()
	}
	b.frames = nil
	return nil
}
