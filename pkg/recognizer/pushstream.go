package recognizer

import (
	"errors"
	"io"
	"sync"
)

var (
	ErrSinkClosed   = errors.New("audio sink closed")
	ErrSinkOverflow = errors.New("audio sink full")
)

// PushStream is the audio sink between the media loop and a recognizer.
// Writes never block: a chunk that would exceed the limit is rejected whole.
// Reads block until data arrives or the stream is closed and drained.
type PushStream struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    []byte
	max    int
	closed bool
}

// NewPushStream creates a sink holding at most maxBytes unread bytes (0 means unbounded).
func NewPushStream(maxBytes int) *PushStream {
	p := &PushStream{max: maxBytes}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *PushStream) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, ErrSinkClosed
	}
	if p.max > 0 && len(p.buf)+len(b) > p.max {
		return 0, ErrSinkOverflow
	}
	p.buf = append(p.buf, b...)
	p.cond.Signal()
	return len(b), nil
}

func (p *PushStream) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.buf) == 0 && !p.closed {
		p.cond.Wait()
	}
	if len(p.buf) == 0 {
		return 0, io.EOF
	}
	n := copy(b, p.buf)
	rest := copy(p.buf, p.buf[n:])
	p.buf = p.buf[:rest]
	return n, nil
}

// Close wakes any blocked reader. Buffered bytes stay readable; EOF follows them.
func (p *PushStream) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cond.Broadcast()
	return nil
}

// Len returns the number of unread bytes.
func (p *PushStream) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buf)
}

func (p *PushStream) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
