package transport

import (
	"github.com/smallnest/ringbuffer"
)

// ByteQueue stages raw bytes between a transport read and a frame decoder.
// It is not safe for concurrent use; the acquisition goroutine owns it.
type ByteQueue struct {
	rb      *ringbuffer.RingBuffer
	dropped uint64
}

// NewByteQueue returns a queue holding at most size bytes.
func NewByteQueue(size int) *ByteQueue {
	return &ByteQueue{rb: ringbuffer.New(size)}
}

// Write appends p. Bytes that do not fit are discarded and counted; the
// decoder resynchronizes on the next start byte.
func (q *ByteQueue) Write(p []byte) int {
	if len(p) == 0 {
		return 0
	}
	free := q.rb.Free()
	if free < len(p) {
		q.dropped += uint64(len(p) - free)
		p = p[:free]
	}
	if len(p) == 0 {
		return 0
	}
	n, _ := q.rb.Write(p)
	return n
}

// Read moves up to len(p) queued bytes into p.
func (q *ByteQueue) Read(p []byte) int {
	if len(p) == 0 || q.rb.IsEmpty() {
		return 0
	}
	n, _ := q.rb.Read(p)
	return n
}

// PopByte removes and returns the oldest queued byte.
func (q *ByteQueue) PopByte() (byte, bool) {
	if q.rb.IsEmpty() {
		return 0, false
	}
	b, err := q.rb.ReadByte()
	return b, err == nil
}

// Len returns the number of queued bytes.
func (q *ByteQueue) Len() int { return q.rb.Length() }

// Dropped returns the number of bytes discarded because the queue was full.
func (q *ByteQueue) Dropped() uint64 { return q.dropped }

// Reset discards all queued bytes.
func (q *ByteQueue) Reset() { q.rb.Reset() }
