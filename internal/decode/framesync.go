// Package decode turns raw device bytes into channel values.
package decode

import (
	"bytes"

	"github.com/brainwire/boardkit/internal/transport"
)

// FrameSync extracts fixed-size frames that begin with a start byte and end
// with a byte accepted by validEnd. Invalid frames are never returned: only the
// start byte of a rejected frame is discarded and the remaining bytes are
// rescanned for the next start byte.
type FrameSync struct {
	queue    *transport.ByteQueue
	start    byte
	size     int
	validEnd func(byte) bool

	frame   []byte
	skipped uint64
	invalid uint64
}

// NewFrameSync returns a synchronizer for frames of size bytes. queueSize
// bounds the bytes staged between Feed and Next.
func NewFrameSync(start byte, size int, validEnd func(byte) bool, queueSize int) *FrameSync {
	return &FrameSync{
		queue:    transport.NewByteQueue(queueSize),
		start:    start,
		size:     size,
		validEnd: validEnd,
		frame:    make([]byte, 0, size),
	}
}

// Feed stages bytes read from the transport.
func (fs *FrameSync) Feed(p []byte) {
	fs.queue.Write(p)
}

// Next returns the next valid frame, or false when more bytes are needed.
// The returned slice is only valid until the following call.
func (fs *FrameSync) Next() ([]byte, bool) {
	for {
		if len(fs.frame) == 0 {
			b, ok := fs.queue.PopByte()
			if !ok {
				return nil, false
			}
			if b != fs.start {
				fs.skipped++
				continue
			}
			fs.frame = append(fs.frame, b)
		}

		if len(fs.frame) < fs.size {
			n := fs.queue.Read(fs.frame[len(fs.frame):fs.size])
			fs.frame = fs.frame[:len(fs.frame)+n]
			if len(fs.frame) < fs.size {
				return nil, false
			}
		}

		if fs.validEnd(fs.frame[fs.size-1]) {
			out := fs.frame
			fs.frame = fs.frame[:0]
			return out, true
		}

		fs.invalid++
		rest := fs.frame[1:]
		i := bytes.IndexByte(rest, fs.start)
		if i < 0 {
			fs.skipped += uint64(len(rest)) + 1
			fs.frame = fs.frame[:0]
			continue
		}
		fs.skipped += uint64(i) + 1
		n := copy(fs.frame, rest[i:])
		fs.frame = fs.frame[:n]
	}
}

// Skipped returns the number of bytes discarded while searching for a start byte.
func (fs *FrameSync) Skipped() uint64 { return fs.skipped }

// Invalid returns the number of frames rejected for a bad end byte.
func (fs *FrameSync) Invalid() uint64 { return fs.invalid }

// Overflow returns the number of bytes lost because the staging queue was full.
func (fs *FrameSync) Overflow() uint64 { return fs.queue.Dropped() }

// Reset drops any partial frame and staged bytes.
func (fs *FrameSync) Reset() {
	fs.frame = fs.frame[:0]
	fs.queue.Reset()
}
