package decode

import (
	"io"
	"sync"
)

// packetPipe is an unbounded in-memory byte pipe. Writes never block; Read
// blocks until data arrives or the write side closes, then drains the buffer
// before reporting io.EOF.
type packetPipe struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    []byte
	closed bool
}

func newPacketPipe() *packetPipe {
	p := &packetPipe{}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *packetPipe) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, io.ErrClosedPipe
	}
	p.buf = append(p.buf, b...)
	p.cond.Signal()
	return len(b), nil
}

func (p *packetPipe) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.buf) == 0 && !p.closed {
		p.cond.Wait()
	}
	if len(p.buf) == 0 {
		return 0, io.EOF
	}
	n := copy(b, p.buf)
	p.buf = p.buf[:copy(p.buf, p.buf[n:])]
	return n, nil
}

// CloseWrite ends the stream. Pending bytes remain readable. Safe to call
// more than once.
func (p *packetPipe) CloseWrite() {
	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()
}
