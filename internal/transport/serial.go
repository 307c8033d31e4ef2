package transport

import (
	"runtime"
	"strings"
	"time"

	"go.bug.st/serial"

	"github.com/brainwire/boardkit/internal/errcode"
	"github.com/brainwire/boardkit/internal/errors"
)

// SerialPort is the subset of a serial port drivers need.
type SerialPort interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	// SetReadTimeout bounds Read; a timed out Read returns (0, nil).
	SetReadTimeout(d time.Duration) error
	ResetInputBuffer() error
	Close() error
}

// SerialConfig is the line configuration applied after opening.
type SerialConfig struct {
	BaudRate    int
	ReadTimeout time.Duration
}

// SerialOpener opens a port by name. Drivers take one so tests can inject
// in-memory ports.
type SerialOpener func(name string, cfg SerialConfig) (SerialPort, error)

// OpenSerial opens name as 8N1 at cfg.BaudRate. Open failures carry
// UnableToOpenPort (PortAlreadyOpen when the OS reports the port busy);
// failures configuring the line carry SetPortError.
func OpenSerial(name string, cfg SerialConfig) (SerialPort, error) {
	if name == "" {
		return nil, errcode.New(errcode.InvalidArguments, "transport", "serial port is not set")
	}

	port, err := serial.Open(name, &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		code := errcode.UnableToOpenPort
		var portErr *serial.PortError
		if errors.As(err, &portErr) {
			switch portErr.Code() {
			case serial.PortBusy:
				code = errcode.PortAlreadyOpen
			case serial.InvalidSpeed, serial.InvalidDataBits, serial.InvalidParity, serial.InvalidStopBits:
				code = errcode.SetPortError
			}
		}
		return nil, errors.New(errors.Join(code, err)).
			Component("transport").
			Category(errors.CategoryTransport).
			Context("port", name).
			Build()
	}

	timeout := cfg.ReadTimeout
	if timeout <= 0 {
		timeout = 250 * time.Millisecond
	}
	if err := port.SetReadTimeout(timeout); err != nil {
		_ = port.Close()
		return nil, errors.New(errors.Join(errcode.SetPortError, err)).
			Component("transport").
			Category(errors.CategoryTransport).
			Context("port", name).
			Build()
	}
	return port, nil
}

// ListSerialPorts returns the serial ports known to the OS.
func ListSerialPorts() ([]string, error) {
	return serial.GetPortsList()
}

// NormalizeSerialPort returns the identity of a port name: surrounding space
// removed and, on Windows, COM names upper-cased with the \\.\ prefix dropped.
func NormalizeSerialPort(name string) string {
	name = strings.TrimSpace(name)
	if runtime.GOOS == "windows" {
		name = strings.TrimPrefix(name, `\\.\`)
		return strings.ToUpper(name)
	}
	return name
}

// NormalizeMAC lower-cases a MAC address and uses ':' separators.
func NormalizeMAC(mac string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(mac)), "-", ":")
}
