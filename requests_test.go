package tpc

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRequest() *IOBuffer {
	buf := NewFrame(nil, 0, 8)
	buf.WriteInt64(7)
	return buf
}

func TestRequestsRegisterAssignsUniqueIDs(t *testing.T) {
	r := NewRequests(0)
	seen := map[int64]bool{}
	for i := 0; i < 100; i++ {
		buf := newTestRequest()
		fut, err := r.register(buf)
		require.NoError(t, err)
		require.False(t, seen[fut.CallID()])
		seen[fut.CallID()] = true
		require.Equal(t, int32(2), buf.Refs(), "slot holds its own reference")
		buf.Release()
	}
	require.Equal(t, 100, r.Size())
}

func TestRequestsCompleteAtMostOnce(t *testing.T) {
	r := NewRequests(0)
	buf := newTestRequest()
	fut, err := r.register(buf)
	require.NoError(t, err)

	resp := NewFrame(nil, fut.CallID(), 0)
	ConstructComplete(resp)
	require.True(t, r.Complete(fut.CallID(), resp))

	// the slot is vacated; a duplicate reply is dropped and released
	dup := NewFrame(nil, fut.CallID(), 0)
	ConstructComplete(dup)
	require.False(t, r.Complete(fut.CallID(), dup))
	assert.Equal(t, int32(0), dup.Refs())

	got, gerr := fut.Result()
	require.NoError(t, gerr)
	assert.Same(t, resp, got)
	got.Release()

	// completion released the slot's reference; only the caller's is left
	assert.Equal(t, int32(1), buf.Refs())
	buf.Release()
}

func TestRequestsUnknownCallID(t *testing.T) {
	r := NewRequests(0)
	resp := NewFrame(nil, 999, 0)
	ConstructComplete(resp)
	assert.False(t, r.Complete(999, resp))
	assert.Equal(t, int32(0), resp.Refs())
	assert.False(t, r.Fail(999, newShutdownError("test")))
}

func TestRequestsCapacity(t *testing.T) {
	r := NewRequests(2)
	b1, b2, b3 := newTestRequest(), newTestRequest(), newTestRequest()
	_, err := r.register(b1)
	require.NoError(t, err)
	_, err = r.register(b2)
	require.NoError(t, err)
	_, err = r.register(b3)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCodeFull))
	assert.Equal(t, int32(1), b3.Refs(), "rejected request keeps only the caller's reference")
}

func TestRequestsFailSocket(t *testing.T) {
	r := NewRequests(0)
	s1 := &AsyncSocket{fd: -1}
	s2 := &AsyncSocket{fd: -1}

	buf1 := newTestRequest()
	fut1, _ := r.register(buf1)
	fut1.via = s1
	buf2 := newTestRequest()
	fut2, _ := r.register(buf2)
	fut2.via = s2

	lost := &Error{Op: "response", Loop: -1, Fd: -1, Code: ErrCodeConnectionLost}
	r.FailSocket(s1, lost)

	_, err := fut1.Result()
	assert.True(t, errors.Is(err, ErrCodeConnectionLost))

	select {
	case <-fut2.Done():
		t.Fatal("future on the surviving socket must stay pending")
	default:
	}
	require.Equal(t, 1, r.Size())
}

func TestRequestsShutdown(t *testing.T) {
	r := NewRequests(0)
	buf := newTestRequest()
	fut, _ := r.register(buf)

	r.Shutdown()
	_, err := fut.Result()
	assert.True(t, errors.Is(err, ErrCodeShutdown))

	// new registrations are rejected without side effects
	buf2 := newTestRequest()
	_, err = r.register(buf2)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCodeShutdown))
	assert.Equal(t, int32(1), buf2.Refs())
}

func TestRequestFutureAwaitTimeout(t *testing.T) {
	fut := newRequestFuture(1, nil)
	_, err := fut.Await(0)
	assert.True(t, errors.Is(err, ErrCodeTimeout))
	// the future itself is still pending
	require.True(t, fut.complete(nil, nil))
}
