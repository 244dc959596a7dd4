package tpc

// Wire frame layout, big-endian:
//
//	offset 0  int32  size   (total bytes including this header, ≥ 16)
//	offset 4  int32  flags  (bit 0 = complete)
//	offset 8  int64  callId (< 0 = one-way)
//	offset 16 payload
const (
	frameSizeOffset   = 0
	frameFlagsOffset  = 4
	frameCallIDOffset = 8

	// FrameHeaderBytes is the fixed frame header size.
	FrameHeaderBytes = 16

	// FlagComplete marks a frame that carries the whole message.
	FlagComplete int32 = 1 << 0
)

// NewFrame allocates a frame buffer from alloc, writes a placeholder header
// with the given callId, and leaves the cursor at the payload. The size
// field stays zero until ConstructComplete patches it.
func NewFrame(alloc *PoolAllocator, callID int64, payloadCap int) *IOBuffer {
	var buf *IOBuffer
	if alloc != nil {
		buf = alloc.Allocate(FrameHeaderBytes + payloadCap)
	} else {
		buf = NewIOBuffer(FrameHeaderBytes + payloadCap)
	}
	buf.WriteInt32(0)
	buf.WriteInt32(0)
	buf.WriteInt64(callID)
	return buf
}

// ConstructComplete patches the size prefix with the buffer's current
// position, sets the complete flag, and flips the buffer so it is ready to
// hand to a socket. Must be called exactly once, before emission.
func ConstructComplete(buf *IOBuffer) {
	buf.PutInt32(frameSizeOffset, int32(buf.Position()))
	buf.PutInt32(frameFlagsOffset, buf.GetInt32(frameFlagsOffset)|FlagComplete)
	buf.Flip()
}

// FrameSize returns the size field of a decoded frame.
func FrameSize(frame *IOBuffer) int32 { return frame.GetInt32(frameSizeOffset) }

// FrameFlags returns the flags field of a decoded frame.
func FrameFlags(frame *IOBuffer) int32 { return frame.GetInt32(frameFlagsOffset) }

// FrameCallID returns the correlation id of a decoded frame.
func FrameCallID(frame *IOBuffer) int64 { return frame.GetInt64(frameCallIDOffset) }

// FrameDecoder cuts complete frames out of a socket receive buffer. It
// never consumes a partial frame: with fewer than FrameHeaderBytes
// remaining, or fewer than the declared size, the receive buffer is left
// untouched.
type FrameDecoder struct {
	alloc   *PoolAllocator
	maxSize int32
}

// NewFrameDecoder returns a decoder cutting frames into buffers from alloc.
// maxSize bounds the accepted frame size; 0 applies the engine default.
func NewFrameDecoder(alloc *PoolAllocator, maxSize int32) *FrameDecoder {
	if maxSize <= 0 {
		maxSize = defaultMaxFrameSize
	}
	return &FrameDecoder{alloc: alloc, maxSize: maxSize}
}

// Decode returns the next complete frame from recv, or nil when none is
// buffered yet. The returned frame is an independent buffer in read mode
// with its own reference; recv advances past the consumed bytes. A header
// that fails validation returns a protocol error and recv must be
// considered poisoned (the caller closes the socket).
func (d *FrameDecoder) Decode(recv *IOBuffer) (*IOBuffer, error) {
	if recv.Remaining() < FrameHeaderBytes {
		return nil, nil
	}
	size := recv.GetInt32(recv.Position() + frameSizeOffset)
	if size < FrameHeaderBytes {
		return nil, newProtocolError("decode", int(size))
	}
	if size > d.maxSize {
		return nil, newProtocolError("decode", int(size))
	}
	if recv.Remaining() < int(size) {
		return nil, nil
	}

	var frame *IOBuffer
	if d.alloc != nil {
		frame = d.alloc.Allocate(int(size))
	} else {
		frame = NewIOBuffer(int(size))
	}
	frame.WriteBytes(recv.Bytes()[:size])
	frame.Flip()
	recv.SetPosition(recv.Position() + int(size))
	return frame, nil
}
