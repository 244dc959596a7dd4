package tpc

import (
	"sync/atomic"
	"time"
)

// ConnectFuture resolves when a socket's connect attempt settles.
type ConnectFuture struct {
	done      chan struct{}
	err       error
	completed atomic.Bool
}

func newConnectFuture() *ConnectFuture {
	return &ConnectFuture{done: make(chan struct{})}
}

func (f *ConnectFuture) complete(err error) {
	if !f.completed.CompareAndSwap(false, true) {
		return
	}
	f.err = err
	close(f.done)
}

// Done returns a channel closed once the attempt settled.
func (f *ConnectFuture) Done() <-chan struct{} { return f.done }

// Await blocks until the attempt settles or d elapses.
func (f *ConnectFuture) Await(d time.Duration) error {
	select {
	case <-f.done:
		return f.err
	case <-time.After(d):
		return NewError("connect", ErrCodeTimeout, "connect await timed out")
	}
}

// RequestFuture is the completion slot of one submitted request. It
// resolves at most once, with either the response frame or a failure.
type RequestFuture struct {
	callID int64

	// request holds the slot's reference on the request buffer, kept
	// alive for the response correlation and released on completion.
	request *IOBuffer

	// via is the remote socket the request went out on, nil for local
	// delivery. Used to fail in-flight futures when a connection drops.
	via *AsyncSocket

	done      chan struct{}
	resp      *IOBuffer
	err       error
	completed atomic.Bool
}

func newRequestFuture(callID int64, request *IOBuffer) *RequestFuture {
	return &RequestFuture{callID: callID, request: request, done: make(chan struct{})}
}

// CallID returns the correlation id assigned at submission.
func (f *RequestFuture) CallID() int64 { return f.callID }

// Done returns a channel closed once the future resolved.
func (f *RequestFuture) Done() <-chan struct{} { return f.done }

// Result blocks until resolution and returns the response frame (in read
// mode, owned by the caller) or the failure. The response reference
// transfers to the caller, who must release it.
func (f *RequestFuture) Result() (*IOBuffer, error) {
	<-f.done
	return f.resp, f.err
}

// Await is Result with a deadline; on timeout the future stays pending.
func (f *RequestFuture) Await(d time.Duration) (*IOBuffer, error) {
	select {
	case <-f.done:
		return f.resp, f.err
	case <-time.After(d):
		return nil, NewError("await", ErrCodeTimeout, "await timed out")
	}
}

// complete resolves the future, releasing the slot's request reference.
// Safe to call multiple times; only the first settles.
func (f *RequestFuture) complete(resp *IOBuffer, err error) bool {
	if !f.completed.CompareAndSwap(false, true) {
		if resp != nil {
			resp.Release() // late duplicate; drop
		}
		return false
	}
	if f.request != nil {
		f.request.Release()
		f.request = nil
	}
	f.resp = resp
	f.err = err
	close(f.done)
	return true
}
