package ringbuffer

import (
	"errors"
	"io"
	"sync"
)

var (
	// ErrClosed is returned by Write once the buffer has been closed.
	ErrClosed = errors.New("ringbuffer: closed")
	// ErrSeekNotAllowed is returned by Seek outside of no-wrap mode or out of range.
	ErrSeekNotAllowed = errors.New("ringbuffer: seek not allowed")
)

// RingBuffer is a fixed-capacity circular byte buffer with blocking reads and writes.
// It is safe for concurrent use from a single writer and single reader.
// Positions are absolute byte counts since the last Clear.
type RingBuffer struct {
	mu   sync.Mutex
	cond *sync.Cond

	buf      []byte
	capacity int64
	written  int64 // total bytes ever written
	read     int64 // absolute read cursor
	mark     int64 // oldest byte that must be retained in no-wrap mode
	noWrap   bool
	closed   bool
}

// New creates a ring buffer holding capacity bytes.
func New(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	rb := &RingBuffer{
		buf:      make([]byte, capacity),
		capacity: int64(capacity),
	}
	rb.cond = sync.NewCond(&rb.mu)
	return rb
}

// retained is the oldest position the writer must not overwrite.
func (rb *RingBuffer) retained() int64 {
	if rb.noWrap && rb.mark < rb.read {
		return rb.mark
	}
	return rb.read
}

// Write copies p into the buffer, blocking while there is no free space.
// Writes larger than the capacity are committed in pieces as the reader drains.
func (rb *RingBuffer) Write(p []byte) (int, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	total := 0
	for len(p) > 0 {
		for !rb.closed && rb.written-rb.retained() >= rb.capacity {
			rb.cond.Wait()
		}
		if rb.closed {
			return total, ErrClosed
		}

		free := rb.capacity - (rb.written - rb.retained())
		n := int64(len(p))
		if n > free {
			n = free
		}
		start := rb.written % rb.capacity
		first := copy(rb.buf[start:], p[:n])
		if int64(first) < n {
			copy(rb.buf, p[first:n])
		}
		rb.written += n
		total += int(n)
		p = p[n:]
		rb.cond.Broadcast()
	}
	return total, nil
}

// Read copies buffered bytes into p. It blocks until at least one byte is
// available or the buffer is closed. Once closed and drained it returns io.EOF.
func (rb *RingBuffer) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	rb.mu.Lock()
	defer rb.mu.Unlock()

	for !rb.closed && rb.written == rb.read {
		rb.cond.Wait()
	}
	if rb.written == rb.read {
		return 0, io.EOF
	}

	n := rb.written - rb.read
	if n > int64(len(p)) {
		n = int64(len(p))
	}
	start := rb.read % rb.capacity
	first := copy(p[:n], rb.buf[start:])
	if int64(first) < n {
		copy(p[first:n], rb.buf)
	}
	rb.read += n
	rb.cond.Broadcast()
	return int(n), nil
}

// Seek repositions the read cursor. Only valid while no-wrap is set; the
// target must lie between the no-wrap mark and the write cursor.
func (rb *RingBuffer) Seek(offset int64, whence int) (int64, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if !rb.noWrap {
		return rb.read, ErrSeekNotAllowed
	}

	var pos int64
	switch whence {
	case io.SeekStart:
		pos = offset
	case io.SeekCurrent:
		pos = rb.read + offset
	case io.SeekEnd:
		pos = rb.written + offset
	default:
		return rb.read, ErrSeekNotAllowed
	}
	if pos < rb.mark || pos > rb.written {
		return rb.read, ErrSeekNotAllowed
	}
	rb.read = pos
	rb.cond.Broadcast()
	return pos, nil
}

// SetNoWrap toggles no-wrap mode. Turning it on records the current read
// cursor as the mark that Seek may return to.
func (rb *RingBuffer) SetNoWrap(on bool) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if on && !rb.noWrap {
		rb.mark = rb.read
	}
	rb.noWrap = on
	if !on {
		rb.mark = rb.read
	}
	rb.cond.Broadcast()
}

// Mark returns the position recorded when no-wrap mode was last enabled.
func (rb *RingBuffer) Mark() int64 {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.mark
}

// Close marks the buffer closed and wakes all blocked readers and writers. Idempotent.
func (rb *RingBuffer) Close() {
	rb.mu.Lock()
	rb.closed = true
	rb.mu.Unlock()
	rb.cond.Broadcast()
}

// Closed reports whether Close has been called since the last Clear.
func (rb *RingBuffer) Closed() bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.closed
}

// Clear empties the buffer and reopens it. Only call when no reader or writer is active.
func (rb *RingBuffer) Clear() {
	rb.mu.Lock()
	rb.written = 0
	rb.read = 0
	rb.mark = 0
	rb.noWrap = false
	rb.closed = false
	rb.mu.Unlock()
	rb.cond.Broadcast()
}

// Available returns the number of unread bytes.
func (rb *RingBuffer) Available() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return int(rb.written - rb.read)
}

// Free returns the number of bytes that can be written without blocking.
func (rb *RingBuffer) Free() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return int(rb.capacity - (rb.written - rb.retained()))
}

// Capacity returns the buffer size in bytes.
func (rb *RingBuffer) Capacity() int {
	return int(rb.capacity)
}

// Written returns the total bytes written since the last Clear.
func (rb *RingBuffer) Written() int64 {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.written
}
