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

// Ganglion GATT layout.
const (
	GanglionService     = "0000fe84-0000-1000-8000-00805f9b34fb"
	GanglionReceiveChar = "2d30c082-f39f-4ce6-923f-3484ea480596"
	GanglionSendChar    = "2d30c083-f39f-4ce6-923f-3484ea480596"

	ganglionNamePrefix  = "Ganglion"
	ganglionQueueLength = 1024
	ganglionPollPeriod  = 100 * time.Millisecond
)

// ganglionDriver receives compressed notifications from a Ganglion over BLE.
type ganglionDriver struct {
	params      board.InputParams
	layout      map[catalog.Preset]catalog.Descriptor
	desc        catalog.Descriptor
	stack       transport.BLEStack
	bleTimeout  time.Duration
	firstPacket time.Duration
	firmware    decode.Firmware
	log         logger.Logger
	warn        *throttled

	notifications chan []byte

	mu         sync.Mutex
	peripheral transport.BLEPeripheral
	overflow   uint64
}

func newGanglionDriver(params board.InputParams, deps Deps) (board.Driver, error) {
	layout, err := layoutFor(deps.Catalog, GanglionBoard)
	if err != nil {
		return nil, err
	}
	fw, err := ganglionFirmware(params.OtherInfo)
	if err != nil {
		return nil, err
	}
	log := deps.Logger.Module("ganglion")
	return &ganglionDriver{
		params:        params,
		layout:        layout,
		desc:          layout[catalog.DefaultPreset],
		stack:         deps.BLE,
		bleTimeout:    params.TimeoutOr(deps.Timeouts.BLE),
		firstPacket:   deps.Timeouts.FirstPacket,
		firmware:      fw,
		log:           log,
		warn:          newThrottled(log),
		notifications: make(chan []byte, ganglionQueueLength),
	}, nil
}

// ganglionFirmware reads "fw:2" or "fw:3" from other_info; firmware 2 is
// the default.
func ganglionFirmware(otherInfo string) (decode.Firmware, error) {
	for field := range strings.FieldsFuncSeq(otherInfo, func(r rune) bool { return r == ';' || r == ',' || r == ' ' }) {
		value, ok := strings.CutPrefix(field, "fw:")
		if !ok {
			continue
		}
		switch value {
		case "2":
			return decode.Firmware2, nil
		case "3":
			return decode.Firmware3, nil
		default:
			return 0, errcode.New(errcode.InvalidArguments, "boards", "unsupported ganglion firmware %q", value)
		}
	}
	return decode.Firmware2, nil
}

func (d *ganglionDriver) Name() string { return "ganglion" }

func (d *ganglionDriver) Layout() map[catalog.Preset]catalog.Descriptor { return d.layout }

func (d *ganglionDriver) FirstPacketTimeout() time.Duration { return d.firstPacket }

// Connect discovers the peripheral within the BLE timeout, connects and
// subscribes to data notifications. Partially acquired handles are released
// on failure.
func (d *ganglionDriver) Connect(ctx context.Context) error {
	adapter, err := d.stack()
	if err != nil {
		return errors.New(errors.Join(errcode.BoardNotReady, err)).
			Component("boards").
			Category(errors.CategoryTransport).
			Build()
	}
	if err := adapter.Enable(); err != nil {
		return errors.New(errors.Join(errcode.BoardNotReady, err)).
			Component("boards").
			Category(errors.CategoryTransport).
			Build()
	}

	ctx, cancel := context.WithTimeout(ctx, d.bleTimeout)
	defer cancel()

	adv, err := adapter.Scan(ctx, transport.MatchNameOrAddress(d.params.MACAddress, ganglionNamePrefix))
	if err != nil {
		return errors.New(errors.Join(errcode.BoardNotReady, err)).
			Component("boards").
			Category(errors.CategoryTimeout).
			Context("stage", "discovery").
			Timing("ble_discovery", d.bleTimeout).
			Build()
	}
	d.log.Info("ganglion found", logger.String("address", adv.Address), logger.String("name", adv.LocalName))

	p, err := adapter.Connect(ctx, adv)
	if err != nil {
		return errors.New(errors.Join(errcode.BoardNotReady, err)).
			Component("boards").
			Category(errors.CategoryTransport).
			Context("address", adv.Address).
			Build()
	}
	if err := p.Subscribe(GanglionService, GanglionReceiveChar, d.onNotification); err != nil {
		_ = p.Disconnect()
		return errors.New(errors.Join(errcode.BoardNotReady, err)).
			Component("boards").
			Category(errors.CategoryTransport).
			Context("address", adv.Address).
			Build()
	}

	d.mu.Lock()
	d.peripheral = p
	d.mu.Unlock()
	return nil
}

// onNotification runs on the BLE stack goroutine; it never blocks.
func (d *ganglionDriver) onNotification(data []byte) {
	select {
	case d.notifications <- data:
	default:
		d.mu.Lock()
		d.overflow++
		d.mu.Unlock()
	}
}

func (d *ganglionDriver) send(cmd string) error {
	d.mu.Lock()
	p := d.peripheral
	d.mu.Unlock()
	if p == nil {
		return errcode.New(errcode.BoardNotReady, "boards", "ganglion is not connected")
	}
	if err := p.Write(GanglionService, GanglionSendChar, []byte(cmd)); err != nil {
		return errors.New(errors.Join(errcode.BoardWriteError, err)).
			Component("boards").
			Category(errors.CategoryTransport).
			Context("command", cmd).
			Build()
	}
	return nil
}

func (d *ganglionDriver) StartDevice(context.Context) error {
	for len(d.notifications) > 0 {
		<-d.notifications
	}
	return d.send("b")
}

func (d *ganglionDriver) StopDevice(context.Context) error { return d.send("s") }

// Config writes single-character commands such as "z" (impedance on) to the
// send characteristic. There is no reply.
func (d *ganglionDriver) Config(_ context.Context, cmd string, _ bool) (string, error) {
	if cmd == "" {
		return "", errcode.New(errcode.InvalidArguments, "boards", "empty command")
	}
	return "", d.send(cmd)
}

func (d *ganglionDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.peripheral == nil {
		return nil
	}
	err := d.peripheral.Disconnect()
	d.peripheral = nil
	return err
}

func (d *ganglionDriver) Run(ctx context.Context, sink board.Sink) error {
	dec := decode.NewDeltaDecoder(d.firmware)
	var accel [3]float64
	resistance := make([]float64, len(d.desc.Resistance))
	poll := time.NewTicker(ganglionPollPeriod)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-poll.C:
			d.mu.Lock()
			lost := d.overflow
			d.overflow = 0
			d.mu.Unlock()
			if lost > 0 {
				for range lost {
					sink.Dropped("queue_full")
				}
				d.warn.Warn("notification queue overflow", logger.Uint64("lost", lost))
			}
		case pkt := <-d.notifications:
			res, err := dec.Decode(pkt)
			if err != nil {
				sink.Dropped(res.Kind.String())
				d.warn.Warn("dropping ganglion packet", logger.Error(err))
				continue
			}
			now := hostNow()
			switch res.Kind {
			case decode.PacketRaw, decode.PacketDelta:
				if res.AccelAxis >= 0 {
					accel[res.AccelAxis] = float64(res.Accel) * decode.GanglionAccelScale
				}
				for i := range res.N {
					sink.Push(catalog.DefaultPreset, d.sample(res.PacketID, res.Samples[i], accel, resistance, now))
				}
			case decode.PacketImpedance:
				if res.ImpedanceChannel < len(resistance) {
					resistance[res.ImpedanceChannel] = res.ImpedanceKOhm
				}
				sink.Push(catalog.DefaultPreset, d.sample(res.PacketID, [decode.GanglionChannels]int32{}, accel, resistance, now))
			case decode.PacketNoReference:
				sink.Dropped("no_reference")
			case decode.PacketMessage:
				d.log.Debug("ganglion message", logger.String("text", strings.TrimRight(res.Message, "\x00")))
			}
		}
	}
}

func (d *ganglionDriver) sample(id byte, counts [decode.GanglionChannels]int32, accel [3]float64, resistance []float64, now float64) []float64 {
	s := make([]float64, d.desc.NumRows)
	s[d.desc.PackageNumChannel] = float64(id)
	for i, ch := range d.desc.EEG {
		s[ch] = float64(counts[i]) * decode.GanglionScale
	}
	for i, ch := range d.desc.Accel {
		s[ch] = accel[i]
	}
	for i, ch := range d.desc.Resistance {
		s[ch] = resistance[i]
	}
	s[d.desc.TimestampChannel] = now
	return s
}
