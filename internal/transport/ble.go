package transport

import (
	"context"
	"strings"
	"sync"

	"tinygo.org/x/bluetooth"

	"github.com/brainwire/boardkit/internal/errcode"
	"github.com/brainwire/boardkit/internal/errors"
)

// Advertisement is one discovered peripheral.
type Advertisement struct {
	Address   string
	LocalName string
	RSSI      int
}

// BLEAdapter finds and connects to peripherals.
type BLEAdapter interface {
	Enable() error
	// Scan blocks until match accepts an advertisement or ctx is done.
	Scan(ctx context.Context, match func(Advertisement) bool) (Advertisement, error)
	Connect(ctx context.Context, adv Advertisement) (BLEPeripheral, error)
}

// BLEPeripheral is a connected GATT server.
type BLEPeripheral interface {
	// Subscribe enables notifications on the characteristic; handler runs on
	// the stack's callback goroutine.
	Subscribe(service, characteristic string, handler func([]byte)) error
	Write(service, characteristic string, p []byte) error
	Disconnect() error
}

// BLEStack builds adapters. The default opens the OS adapter.
type BLEStack func() (BLEAdapter, error)

// DefaultBLEStack returns the OS bluetooth adapter.
func DefaultBLEStack() (BLEAdapter, error) {
	return &tinyGoAdapter{adapter: bluetooth.DefaultAdapter}, nil
}

// MatchNameOrAddress accepts advertisements by MAC (when set) or by a local
// name prefix.
func MatchNameOrAddress(mac, namePrefix string) func(Advertisement) bool {
	mac = NormalizeMAC(mac)
	return func(adv Advertisement) bool {
		if mac != "" {
			return NormalizeMAC(adv.Address) == mac
		}
		return namePrefix != "" && strings.HasPrefix(adv.LocalName, namePrefix)
	}
}

type tinyGoAdapter struct {
	adapter *bluetooth.Adapter

	mu      sync.Mutex
	results map[string]bluetooth.ScanResult
}

func (a *tinyGoAdapter) Enable() error {
	if err := a.adapter.Enable(); err != nil {
		return errors.New(errors.Join(errcode.BoardNotReady, err)).
			Component("transport").
			Category(errors.CategoryTransport).
			Context("stage", "enable adapter").
			Build()
	}
	return nil
}

func (a *tinyGoAdapter) Scan(ctx context.Context, match func(Advertisement) bool) (Advertisement, error) {
	found := make(chan Advertisement, 1)
	scanDone := make(chan error, 1)

	go func() {
		scanDone <- a.adapter.Scan(func(adapter *bluetooth.Adapter, res bluetooth.ScanResult) {
			adv := Advertisement{
				Address:   res.Address.String(),
				LocalName: res.LocalName(),
				RSSI:      int(res.RSSI),
			}
			if !match(adv) {
				return
			}
			a.mu.Lock()
			if a.results == nil {
				a.results = make(map[string]bluetooth.ScanResult)
			}
			a.results[adv.Address] = res
			a.mu.Unlock()

			select {
			case found <- adv:
				_ = adapter.StopScan()
			default:
			}
		})
	}()

	select {
	case adv := <-found:
		<-scanDone
		return adv, nil
	case err := <-scanDone:
		return Advertisement{}, errors.New(errors.Join(errcode.BoardNotReady, err)).
			Component("transport").
			Category(errors.CategoryTransport).
			Context("stage", "scan").
			Build()
	case <-ctx.Done():
		_ = a.adapter.StopScan()
		<-scanDone
		return Advertisement{}, errors.New(errors.Join(errcode.BoardNotReady, ctx.Err())).
			Component("transport").
			Category(errors.CategoryTimeout).
			Context("stage", "scan").
			Build()
	}
}

func (a *tinyGoAdapter) Connect(ctx context.Context, adv Advertisement) (BLEPeripheral, error) {
	a.mu.Lock()
	res, ok := a.results[adv.Address]
	a.mu.Unlock()
	if !ok {
		return nil, errcode.New(errcode.BoardNotReady, "transport", "peripheral %s was not discovered", adv.Address)
	}

	type connectResult struct {
		p   *tinyGoPeripheral
		err error
	}
	done := make(chan connectResult, 1)
	go func() {
		dev, err := a.adapter.Connect(res.Address, bluetooth.ConnectionParams{})
		if err != nil {
			done <- connectResult{err: err}
			return
		}
		p := &tinyGoPeripheral{disconnect: dev.Disconnect, chars: make(map[string]bluetooth.DeviceCharacteristic)}
		services, err := dev.DiscoverServices(nil)
		if err == nil {
			for _, svc := range services {
				chars, cerr := svc.DiscoverCharacteristics(nil)
				if cerr != nil {
					err = cerr
					break
				}
				for _, ch := range chars {
					p.chars[charKey(svc.UUID().String(), ch.UUID().String())] = ch
				}
			}
		}
		if err != nil {
			_ = dev.Disconnect()
			done <- connectResult{err: err}
			return
		}
		done <- connectResult{p: p}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, errors.New(errors.Join(errcode.BoardNotReady, r.err)).
				Component("transport").
				Category(errors.CategoryTransport).
				Context("address", adv.Address).
				Build()
		}
		return r.p, nil
	case <-ctx.Done():
		// The connect attempt is still running; release whatever it acquires.
		go func() {
			if r := <-done; r.p != nil {
				_ = r.p.Disconnect()
			}
		}()
		return nil, errors.New(errors.Join(errcode.BoardNotReady, ctx.Err())).
			Component("transport").
			Category(errors.CategoryTimeout).
			Context("address", adv.Address).
			Build()
	}
}

type tinyGoPeripheral struct {
	disconnect func() error
	chars      map[string]bluetooth.DeviceCharacteristic
}

func charKey(service, characteristic string) string {
	return strings.ToLower(service) + "/" + strings.ToLower(characteristic)
}

func (p *tinyGoPeripheral) lookup(service, characteristic string) (bluetooth.DeviceCharacteristic, error) {
	ch, ok := p.chars[charKey(service, characteristic)]
	if !ok {
		return ch, errcode.New(errcode.BoardNotReady, "transport", "characteristic %s not found in service %s", characteristic, service)
	}
	return ch, nil
}

func (p *tinyGoPeripheral) Subscribe(service, characteristic string, handler func([]byte)) error {
	ch, err := p.lookup(service, characteristic)
	if err != nil {
		return err
	}
	if err := ch.EnableNotifications(handler); err != nil {
		return errors.New(errors.Join(errcode.BoardNotReady, err)).
			Component("transport").
			Category(errors.CategoryTransport).
			Context("characteristic", characteristic).
			Build()
	}
	return nil
}

func (p *tinyGoPeripheral) Write(service, characteristic string, data []byte) error {
	ch, err := p.lookup(service, characteristic)
	if err != nil {
		return err
	}
	if _, err := ch.WriteWithoutResponse(data); err != nil {
		return errors.New(errors.Join(errcode.BoardWriteError, err)).
			Component("transport").
			Category(errors.CategoryTransport).
			Context("characteristic", characteristic).
			Build()
	}
	return nil
}

func (p *tinyGoPeripheral) Disconnect() error {
	return p.disconnect()
}
