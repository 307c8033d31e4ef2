package boards

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/brainwire/boardkit/internal/board"
	"github.com/brainwire/boardkit/internal/catalog"
	"github.com/brainwire/boardkit/internal/decode"
	"github.com/brainwire/boardkit/internal/errcode"
	"github.com/brainwire/boardkit/internal/errors"
	"github.com/brainwire/boardkit/internal/logger"
	"github.com/brainwire/boardkit/internal/transport"
)

const (
	cytonBaudRate    = 115200
	cytonFrameSize   = 33
	cytonStartByte   = 0xA0
	cytonEndAccel    = 0xC0
	cytonEndAnalog   = 0xC1
	cytonEndLast     = 0xC6
	cytonChannels    = 8
	cytonQueueSize   = 64 * 1024
	cytonResponseEnd = "$$$"
	// cytonResponseTimeout bounds a wait for a "$$$" terminated reply.
	cytonResponseTimeout = 3 * time.Second
)

func cytonValidEnd(b byte) bool { return b >= cytonEndAccel && b <= cytonEndLast }

// cytonDriver reads 33-byte frames from a Cyton over a serial dongle. With
// daisy set, pairs of frames carry 16 channels.
type cytonDriver struct {
	boardID     int
	name        string
	daisy       bool
	params      board.InputParams
	layout      map[catalog.Preset]catalog.Descriptor
	desc        catalog.Descriptor
	openSerial  transport.SerialOpener
	readTimeout time.Duration
	firstPacket time.Duration
	log         logger.Logger
	warn        *throttled
	gains       *decode.GainTracker

	mu   sync.Mutex
	port transport.SerialPort
}

func newCytonDriver(params board.InputParams, deps Deps) (board.Driver, error) {
	return newCyton(CytonBoard, "cyton", false, params, deps)
}

func newCytonDaisyDriver(params board.InputParams, deps Deps) (board.Driver, error) {
	return newCyton(CytonDaisyBoard, "cyton_daisy", true, params, deps)
}

func newCyton(boardID int, name string, daisy bool, params board.InputParams, deps Deps) (board.Driver, error) {
	if params.SerialPort == "" {
		return nil, errcode.New(errcode.InvalidArguments, "boards", "%s needs serial_port", name)
	}
	layout, err := layoutFor(deps.Catalog, boardID)
	if err != nil {
		return nil, err
	}
	channels := cytonChannels
	if daisy {
		channels *= 2
	}
	log := deps.Logger.Module(name)
	return &cytonDriver{
		boardID:     boardID,
		name:        name,
		daisy:       daisy,
		params:      params,
		layout:      layout,
		desc:        layout[catalog.DefaultPreset],
		openSerial:  deps.OpenSerial,
		readTimeout: deps.Timeouts.Read,
		firstPacket: deps.Timeouts.FirstPacket,
		log:         log,
		warn:        newThrottled(log),
		gains:       decode.NewGainTracker(channels),
	}, nil
}

func (d *cytonDriver) Name() string { return d.name }

func (d *cytonDriver) Layout() map[catalog.Preset]catalog.Descriptor { return d.layout }

func (d *cytonDriver) FirstPacketTimeout() time.Duration { return d.firstPacket }

func (d *cytonDriver) getPort() (transport.SerialPort, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.port == nil {
		return nil, errcode.New(errcode.BoardNotReady, "boards", "%s is not connected", d.name)
	}
	return d.port, nil
}

// Connect opens the port, soft resets the board and checks its banner.
func (d *cytonDriver) Connect(ctx context.Context) error {
	port, err := d.openSerial(d.params.SerialPort, transport.SerialConfig{
		BaudRate:    cytonBaudRate,
		ReadTimeout: d.readTimeout,
	})
	if err != nil {
		return err
	}
	_ = port.ResetInputBuffer()

	d.mu.Lock()
	d.port = port
	d.mu.Unlock()

	if err := d.write(port, "v"); err != nil {
		_ = d.Close()
		return err
	}
	banner, err := d.readResponse(ctx, port, d.params.TimeoutOr(cytonResponseTimeout))
	if err != nil {
		_ = d.Close()
		return errors.New(errors.Join(errcode.BoardNotReady, err)).
			Component("boards").
			Category(errors.CategoryProtocol).
			Context("port", d.params.SerialPort).
			Build()
	}
	if d.daisy && !strings.Contains(banner, "Daisy") {
		_ = d.Close()
		return errcode.New(errcode.BoardNotReady, "boards", "no daisy module reported on %s", d.params.SerialPort)
	}
	d.gains.Apply("d")
	d.log.Info("board ready", logger.String("port", d.params.SerialPort))
	return nil
}

func (d *cytonDriver) write(port transport.SerialPort, cmd string) error {
	if _, err := port.Write([]byte(cmd)); err != nil {
		return errors.New(errors.Join(errcode.BoardWriteError, err)).
			Component("boards").
			Category(errors.CategoryTransport).
			Context("command", cmd).
			Build()
	}
	return nil
}

// readResponse collects bytes until "$$$" or timeout.
func (d *cytonDriver) readResponse(ctx context.Context, port transport.SerialPort, timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	var sb strings.Builder
	buf := make([]byte, 256)
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return sb.String(), err
		}
		n, err := port.Read(buf)
		if err != nil {
			return sb.String(), err
		}
		sb.Write(buf[:n])
		if strings.HasSuffix(sb.String(), cytonResponseEnd) {
			return sb.String(), nil
		}
	}
	return sb.String(), errcode.New(errcode.SyncTimeoutError, "boards", "no %q terminated response within %s", cytonResponseEnd, timeout)
}

func (d *cytonDriver) StartDevice(context.Context) error {
	port, err := d.getPort()
	if err != nil {
		return err
	}
	_ = port.ResetInputBuffer()
	return d.write(port, "b")
}

func (d *cytonDriver) StopDevice(context.Context) error {
	port, err := d.getPort()
	if err != nil {
		return err
	}
	if err := d.write(port, "s"); err != nil {
		return err
	}
	// Drop frames already in flight.
	buf := make([]byte, 1024)
	for range 8 {
		if n, err := port.Read(buf); err != nil || n == 0 {
			break
		}
	}
	return nil
}

func (d *cytonDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.port == nil {
		return nil
	}
	err := d.port.Close()
	d.port = nil
	return err
}

// Config writes cmd. While streaming the board sends no reply and gains
// change once the write succeeds; otherwise the reply is read and a reported
// failure reverts the gain table.
func (d *cytonDriver) Config(ctx context.Context, cmd string, streaming bool) (string, error) {
	if cmd == "" {
		return "", errcode.New(errcode.InvalidArguments, "boards", "empty command")
	}
	port, err := d.getPort()
	if err != nil {
		return "", err
	}

	if streaming {
		if err := d.write(port, cmd); err != nil {
			return "", err
		}
		d.gains.Apply(cmd)
		return "", nil
	}

	prev, _ := d.gains.Apply(cmd)
	if err := d.write(port, cmd); err != nil {
		d.gains.Revert(prev)
		return "", err
	}
	resp, err := d.readResponse(ctx, port, cytonResponseTimeout)
	if err != nil {
		// Some commands have no reply; keep the gains the write applied.
		return resp, nil
	}
	if strings.Contains(resp, "Failure") {
		d.gains.Revert(prev)
		return resp, errors.New(errcode.BoardWriteError).
			Component("boards").
			Category(errors.CategoryProtocol).
			Context("command", cmd).
			Context("response", resp).
			Build()
	}
	return resp, nil
}

func (d *cytonDriver) Run(ctx context.Context, sink board.Sink) error {
	port, err := d.getPort()
	if err != nil {
		return err
	}

	fs := decode.NewFrameSync(cytonStartByte, cytonFrameSize, cytonValidEnd, cytonQueueSize)
	dec := newCytonDecoder(d.desc, d.gains, d.daisy)
	buf := make([]byte, 4096)
	lastInvalid := uint64(0)

	for ctx.Err() == nil {
		n, err := port.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.New(errors.Join(errcode.IncomingMsgError, err)).
				Component("boards").
				Category(errors.CategoryTransport).
				Context("port", d.params.SerialPort).
				Build()
		}
		if n == 0 {
			continue
		}
		fs.Feed(buf[:n])
		now := hostNow()
		for {
			frame, ok := fs.Next()
			if !ok {
				break
			}
			sample, ok := dec.decode(frame, now)
			switch {
			case !ok:
				sink.Dropped("daisy_unpaired")
			case sample != nil:
				sink.Push(catalog.DefaultPreset, sample)
			}
		}
		if inv := fs.Invalid(); inv != lastInvalid {
			for range inv - lastInvalid {
				sink.Dropped("end_byte")
			}
			d.warn.Warn("discarded frames with invalid end byte", logger.Uint64("total", inv))
			lastInvalid = inv
		}
	}
	return nil
}

// cytonDecoder converts frames into samples of the default preset.
type cytonDecoder struct {
	desc   catalog.Descriptor
	gains  *decode.GainTracker
	daisy  bool
	scales [cytonChannels]float64

	pending      []float64
	pendingAccel [3]float64
	pendingHasAc bool
}

func newCytonDecoder(desc catalog.Descriptor, gains *decode.GainTracker, daisy bool) *cytonDecoder {
	return &cytonDecoder{desc: desc, gains: gains, daisy: daisy}
}

// decode returns a finished sample. A nil sample with ok set means the first
// half of a daisy pair was stored; ok is false for a daisy frame without its
// first half.
func (c *cytonDecoder) decode(frame []byte, now float64) ([]float64, bool) {
	if !c.daisy {
		s := make([]float64, c.desc.NumRows)
		s[c.desc.PackageNumChannel] = float64(frame[1])
		c.fillEXG(s, frame, 0)
		accel, hasAccel := c.fillAux(s, frame)
		if hasAccel {
			for i, ch := range c.desc.Accel {
				s[ch] = accel[i]
			}
		}
		s[c.desc.TimestampChannel] = now
		return s, true
	}

	// Odd sample numbers come from the main board, even ones from the daisy.
	if frame[1]%2 == 1 {
		c.pending = make([]float64, c.desc.NumRows)
		c.fillEXG(c.pending, frame, 0)
		c.pendingAccel, c.pendingHasAc = c.fillAux(c.pending, frame)
		return nil, true
	}
	if c.pending == nil {
		return nil, false
	}

	s := c.pending
	c.pending = nil
	s[c.desc.PackageNumChannel] = float64(frame[1])
	c.fillEXG(s, frame, cytonChannels)
	accel, hasAccel := c.fillAux(s, frame)
	// Accel of the two sub-frames is averaged. Whether the device means the
	// two readings to be combined this way is not documented.
	switch {
	case hasAccel && c.pendingHasAc:
		for i, ch := range c.desc.Accel {
			s[ch] = (accel[i] + c.pendingAccel[i]) / 2
		}
	case hasAccel:
		for i, ch := range c.desc.Accel {
			s[ch] = accel[i]
		}
	case c.pendingHasAc:
		for i, ch := range c.desc.Accel {
			s[ch] = c.pendingAccel[i]
		}
	}
	s[c.desc.TimestampChannel] = now
	return s, true
}

// fillEXG scales the eight 24-bit channels of frame into EEG rows starting
// at channel offset first.
func (c *cytonDecoder) fillEXG(s []float64, frame []byte, first int) {
	c.gains.Scales(c.scales[:], first)
	for i := range cytonChannels {
		s[c.desc.EEG[first+i]] = float64(decode.Int24(frame[2+3*i:])) * c.scales[i]
	}
}

// fillAux stores the aux bytes according to the end byte and returns the
// accelerometer reading when the frame carries one.
func (c *cytonDecoder) fillAux(s []float64, frame []byte) ([3]float64, bool) {
	var accel [3]float64
	aux := frame[26:32]
	switch end := frame[cytonFrameSize-1]; end {
	case cytonEndAccel:
		for i := range 3 {
			accel[i] = float64(decode.Int16(aux[2*i:])) * decode.CytonAccelScale
		}
		return accel, true
	case cytonEndAnalog:
		for i, ch := range c.desc.Analog {
			s[ch] = float64(decode.Int16(aux[2*i:]))
		}
	default:
		if len(c.desc.Other) > 0 {
			s[c.desc.Other[0]] = float64(end)
			for i, ch := range c.desc.Other[1:] {
				if i < len(aux) {
					s[ch] = float64(aux[i])
				}
			}
		}
	}
	return accel, false
}
