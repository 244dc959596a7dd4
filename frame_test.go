package tpc

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte("hello, partition")
	frame := NewFrame(nil, 0, len(payload))
	frame.PutInt64(frameCallIDOffset, 12345)
	frame.WriteBytes(payload)
	ConstructComplete(frame)

	require.Equal(t, int32(FrameHeaderBytes+len(payload)), FrameSize(frame))
	require.NotZero(t, FrameFlags(frame)&FlagComplete)
	require.Equal(t, int64(12345), FrameCallID(frame))

	// feed the wire bytes through the decoder
	recv := NewIOBuffer(256)
	recv.WriteBytes(frame.Bytes())
	recv.Flip()

	dec := NewFrameDecoder(nil, 0)
	decoded, err := dec.Decode(recv)
	require.NoError(t, err)
	require.NotNil(t, decoded)
	assert.Equal(t, frame.Bytes(), decoded.Bytes())
	assert.Equal(t, int64(12345), FrameCallID(decoded))
	assert.Equal(t, 0, recv.Remaining())
	decoded.Release()
}

func TestFrameDecoderPartialHeader(t *testing.T) {
	recv := NewIOBuffer(64)
	recv.WriteBytes(make([]byte, FrameHeaderBytes-1))
	recv.Flip()

	dec := NewFrameDecoder(nil, 0)
	frame, err := dec.Decode(recv)
	require.NoError(t, err)
	assert.Nil(t, frame)
	// nothing consumed
	assert.Equal(t, FrameHeaderBytes-1, recv.Remaining())
}

func TestFrameDecoderPartialPayload(t *testing.T) {
	full := NewFrame(nil, -1, 32)
	full.WriteBytes(make([]byte, 32))
	ConstructComplete(full)

	recv := NewIOBuffer(64)
	recv.WriteBytes(full.Bytes()[:20]) // header plus a few payload bytes
	recv.Flip()

	dec := NewFrameDecoder(nil, 0)
	frame, err := dec.Decode(recv)
	require.NoError(t, err)
	assert.Nil(t, frame)
	assert.Equal(t, 20, recv.Remaining())
}

func TestFrameEmptyPayload(t *testing.T) {
	frame := NewFrame(nil, -1, 0)
	ConstructComplete(frame)
	require.Equal(t, int32(FrameHeaderBytes), FrameSize(frame))

	recv := NewIOBuffer(64)
	recv.WriteBytes(frame.Bytes())
	recv.Flip()

	dec := NewFrameDecoder(nil, 0)
	decoded, err := dec.Decode(recv)
	require.NoError(t, err)
	require.NotNil(t, decoded)
	assert.Equal(t, int64(-1), FrameCallID(decoded))
	assert.Equal(t, FrameHeaderBytes, decoded.Limit())
	decoded.Release()
}

func TestFrameDecoderRejectsBadSizes(t *testing.T) {
	for _, size := range []int32{0, -1, 15, defaultMaxFrameSize + 1} {
		recv := NewIOBuffer(64)
		recv.WriteInt32(size)
		recv.WriteInt32(FlagComplete)
		recv.WriteInt64(1)
		recv.Flip()

		dec := NewFrameDecoder(nil, 0)
		frame, err := dec.Decode(recv)
		assert.Nil(t, frame, "size %d", size)
		require.Error(t, err, "size %d", size)
		assert.True(t, errors.Is(err, ErrCodeProtocol), "size %d", size)
	}
}

func TestFrameDecoderMultipleFrames(t *testing.T) {
	recv := NewIOBuffer(512)
	for i := int64(0); i < 3; i++ {
		f := NewFrame(nil, i, 8)
		f.WriteInt64(i * 100)
		ConstructComplete(f)
		recv.WriteBytes(f.Bytes())
	}
	recv.Flip()

	dec := NewFrameDecoder(nil, 0)
	for i := int64(0); i < 3; i++ {
		frame, err := dec.Decode(recv)
		require.NoError(t, err)
		require.NotNil(t, frame)
		assert.Equal(t, i, FrameCallID(frame))
		frame.SetPosition(FrameHeaderBytes)
		assert.Equal(t, i*100, frame.ReadInt64())
		frame.Release()
	}
	frame, err := dec.Decode(recv)
	require.NoError(t, err)
	assert.Nil(t, frame)
}

func TestFrameDecoderPooledFrames(t *testing.T) {
	alloc := NewPoolAllocator(256, 8)
	dec := NewFrameDecoder(alloc, 0)

	f := NewFrame(nil, 7, 4)
	f.WriteInt32(11)
	ConstructComplete(f)
	recv := NewIOBuffer(64)
	recv.WriteBytes(f.Bytes())
	recv.Flip()

	frame, err := dec.Decode(recv)
	require.NoError(t, err)
	require.NotNil(t, frame)
	frame.Release()
	_, reused := alloc.Stats()
	assert.Equal(t, uint64(0), reused)

	recv.Clear()
	recv.WriteBytes(f.Bytes())
	recv.Flip()
	frame2, err := dec.Decode(recv)
	require.NoError(t, err)
	assert.Same(t, frame, frame2, "decoder should reuse the pooled frame")
	frame2.Release()
}
