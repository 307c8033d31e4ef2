// Package transporttest provides in-memory transports for driver tests.
package transporttest

import (
	"errors"
	"sync"
	"time"

	"github.com/brainwire/boardkit/internal/transport"
)

// SerialPort is an in-memory serial port. Bytes passed to Feed are returned
// by Read; writes are recorded and may trigger Respond.
type SerialPort struct {
	mu      sync.Mutex
	in      []byte
	writes  [][]byte
	timeout time.Duration
	closed  bool
	notify  chan struct{}

	// Respond, when set, is called for every write and its result is fed back.
	Respond func(written []byte) []byte
	// WriteErr, when set, fails every write.
	WriteErr error
}

// NewSerialPort returns an open in-memory port.
func NewSerialPort() *SerialPort {
	return &SerialPort{timeout: 50 * time.Millisecond, notify: make(chan struct{}, 1)}
}

// Opener returns a transport.SerialOpener that always yields p.
func (p *SerialPort) Opener() transport.SerialOpener {
	return func(string, transport.SerialConfig) (transport.SerialPort, error) {
		return p, nil
	}
}

// Feed queues device-to-host bytes.
func (p *SerialPort) Feed(b []byte) {
	p.mu.Lock()
	p.in = append(p.in, b...)
	p.mu.Unlock()
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

func (p *SerialPort) Read(b []byte) (int, error) {
	deadline := time.Now().Add(p.readTimeout())
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return 0, errors.New("port closed")
		}
		if len(p.in) > 0 {
			n := copy(b, p.in)
			p.in = p.in[n:]
			p.mu.Unlock()
			return n, nil
		}
		p.mu.Unlock()

		wait := time.Until(deadline)
		if wait <= 0 {
			return 0, nil
		}
		select {
		case <-p.notify:
		case <-time.After(wait):
		}
	}
}

func (p *SerialPort) readTimeout() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.timeout
}

func (p *SerialPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, errors.New("port closed")
	}
	if p.WriteErr != nil {
		err := p.WriteErr
		p.mu.Unlock()
		return 0, err
	}
	p.writes = append(p.writes, append([]byte(nil), b...))
	respond := p.Respond
	p.mu.Unlock()

	if respond != nil {
		if resp := respond(b); len(resp) > 0 {
			p.Feed(resp)
		}
	}
	return len(b), nil
}

func (p *SerialPort) SetReadTimeout(d time.Duration) error {
	p.mu.Lock()
	p.timeout = d
	p.mu.Unlock()
	return nil
}

func (p *SerialPort) ResetInputBuffer() error {
	p.mu.Lock()
	p.in = nil
	p.mu.Unlock()
	return nil
}

func (p *SerialPort) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

// Writes returns a copy of everything written so far.
func (p *SerialPort) Writes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.writes))
	for i, w := range p.writes {
		out[i] = string(w)
	}
	return out
}

// Closed reports whether Close was called.
func (p *SerialPort) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
