package transporttest

import (
	"context"
	"errors"
	"sync"

	"github.com/brainwire/boardkit/internal/transport"
)

// BLEAdapter is a scripted adapter. Advertisements are offered to Scan in
// order; when none matches Scan waits for the context.
type BLEAdapter struct {
	Advertisements []transport.Advertisement
	Peripheral     *BLEPeripheral
	EnableErr      error
	ConnectErr     error

	mu        sync.Mutex
	connected bool
}

// Stack returns a transport.BLEStack yielding a.
func (a *BLEAdapter) Stack() transport.BLEStack {
	return func() (transport.BLEAdapter, error) { return a, nil }
}

func (a *BLEAdapter) Enable() error { return a.EnableErr }

func (a *BLEAdapter) Scan(ctx context.Context, match func(transport.Advertisement) bool) (transport.Advertisement, error) {
	for _, adv := range a.Advertisements {
		if match(adv) {
			return adv, nil
		}
	}
	<-ctx.Done()
	return transport.Advertisement{}, ctx.Err()
}

func (a *BLEAdapter) Connect(ctx context.Context, adv transport.Advertisement) (transport.BLEPeripheral, error) {
	if a.ConnectErr != nil {
		return nil, a.ConnectErr
	}
	a.mu.Lock()
	a.connected = true
	a.mu.Unlock()
	return a.Peripheral, nil
}

// BLEPeripheral records writes and lets tests push notifications.
type BLEPeripheral struct {
	mu           sync.Mutex
	handlers     map[string]func([]byte)
	writes       []string
	disconnected bool

	// OnWrite, when set, runs after every write.
	OnWrite func(p *BLEPeripheral, data []byte)
}

// NewBLEPeripheral returns an empty peripheral.
func NewBLEPeripheral() *BLEPeripheral {
	return &BLEPeripheral{handlers: make(map[string]func([]byte))}
}

func (p *BLEPeripheral) Subscribe(service, characteristic string, handler func([]byte)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[characteristic] = handler
	return nil
}

func (p *BLEPeripheral) Write(service, characteristic string, data []byte) error {
	p.mu.Lock()
	if p.disconnected {
		p.mu.Unlock()
		return errors.New("disconnected")
	}
	p.writes = append(p.writes, string(data))
	onWrite := p.OnWrite
	p.mu.Unlock()
	if onWrite != nil {
		onWrite(p, data)
	}
	return nil
}

func (p *BLEPeripheral) Disconnect() error {
	p.mu.Lock()
	p.disconnected = true
	p.mu.Unlock()
	return nil
}

// Notify delivers data to the handler subscribed on characteristic.
func (p *BLEPeripheral) Notify(characteristic string, data []byte) bool {
	p.mu.Lock()
	h := p.handlers[characteristic]
	p.mu.Unlock()
	if h == nil {
		return false
	}
	h(append([]byte(nil), data...))
	return true
}

// Writes returns everything written so far.
func (p *BLEPeripheral) Writes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.writes...)
}

// Disconnected reports whether Disconnect was called.
func (p *BLEPeripheral) Disconnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.disconnected
}
