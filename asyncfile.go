package tpc

// IOCompletionHandler observes a file operation's completion on the
// owning loop. res is the byte count for reads and writes.
type IOCompletionHandler func(res int, err error)

// AsyncFile is loop-affine non-blocking file I/O. The package defines the
// interface only and contains no file driver; submissions return false
// when the loop's I/O request scheduler is at capacity.
type AsyncFile interface {
	Fd() int
	Path() string
	ReadAt(buf *IOBuffer, offset int64, h IOCompletionHandler) bool
	WriteAt(buf *IOBuffer, offset int64, h IOCompletionHandler) bool
	Fsync(h IOCompletionHandler) bool
	Close()
}

// IORequestScheduler orders and bounds outstanding file I/O for one loop.
// The package contains no implementation and Options has no field to
// install one; DefaultIORequestCapacity is the default capacity constant.
type IORequestScheduler interface {
	// Capacity is the maximum number of outstanding requests.
	Capacity() int
	// Schedule queues a submission, returning false at capacity.
	Schedule(op func()) bool
}
