package boards

import (
	"context"
	"encoding/binary"
	"math"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brainwire/boardkit/internal/board"
	"github.com/brainwire/boardkit/internal/catalog"
	"github.com/brainwire/boardkit/internal/decode"
	"github.com/brainwire/boardkit/internal/errcode"
	"github.com/brainwire/boardkit/internal/errors"
	"github.com/brainwire/boardkit/internal/logger"
	"github.com/brainwire/boardkit/internal/transport"
)

// Galea wire format.
const (
	GaleaDefaultPort  = 2390
	GaleaPackageSize  = 36
	GaleaReplySize    = 8
	GaleaTimeRequest  = "F4444444"
	galeaAuxEvery     = 10
	galeaJumpSeconds  = 1.0
	galeaReplyTimeout = 3 * time.Second
	galeaReadBuffer   = 4096
)

// galeaDriver exchanges datagrams with a Galea headset. Timestamps come from
// the device clock converted to host time by a measured offset.
type galeaDriver struct {
	layout  map[catalog.Preset]catalog.Descriptor
	desc    catalog.Descriptor
	aux     catalog.Descriptor
	host    string
	port    int
	rounds  int
	timeout time.Duration
	read    time.Duration
	clock   *decode.ClockSync
	scale   float64
	log     logger.Logger
	warn    *throttled

	mu   sync.Mutex
	conn transport.PacketConn
	addr *net.UDPAddr

	// replies carries time replies while Run owns the socket.
	replies       chan float64
	recalibrating atomic.Bool
	wg            sync.WaitGroup
}

func newGaleaDriver(params board.InputParams, deps Deps) (board.Driver, error) {
	if params.IPAddress == "" {
		return nil, errcode.New(errcode.InvalidArguments, "boards", "galea needs ip_address")
	}
	layout, err := layoutFor(deps.Catalog, GaleaBoard)
	if err != nil {
		return nil, err
	}
	port := params.IPPort
	if port == 0 {
		port = GaleaDefaultPort
	}
	log := deps.Logger.Module("galea")
	return &galeaDriver{
		layout:  layout,
		desc:    layout[catalog.DefaultPreset],
		aux:     layout[catalog.AuxiliaryPreset],
		host:    params.IPAddress,
		port:    port,
		rounds:  deps.Timeouts.ClockSyncRounds,
		timeout: params.TimeoutOr(galeaReplyTimeout),
		read:    deps.Timeouts.Read,
		clock:   decode.NewClockSync(nil, galeaJumpSeconds),
		scale:   decode.ADS1299Scale(decode.DefaultGain),
		log:     log,
		warn:    newThrottled(log),
		replies: make(chan float64, 4),
	}, nil
}

func (d *galeaDriver) Name() string { return "galea" }

func (d *galeaDriver) Layout() map[catalog.Preset]catalog.Descriptor { return d.layout }

func (d *galeaDriver) Connect(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(d.host, strconv.Itoa(d.port)))
	if err != nil {
		return errors.New(errors.Join(errcode.InvalidArguments, err)).
			Component("boards").
			Category(errors.CategoryValidation).
			Context("ip_address", d.host).
			Build()
	}
	conn, err := transport.ListenUDP(0)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.conn, d.addr = conn, addr
	d.mu.Unlock()

	fail := func(err error) error {
		_ = d.Close()
		return err
	}

	if err := d.send("d"); err != nil {
		return fail(err)
	}
	if _, err := d.await(ctx, func(int) bool { return true }); err != nil {
		return fail(errors.New(errors.Join(errcode.BoardNotReady, err)).
			Component("boards").
			Category(errors.CategoryTimeout).
			Context("address", addr.String()).
			Timing("galea_handshake", d.timeout).
			Build())
	}

	start := time.Now()
	if err := d.clock.Calibrate(ctx, d.rounds, d.directProbe); err != nil {
		return fail(err)
	}
	offset, latency, _ := d.clock.Offset()
	d.log.Info("galea clock calibrated",
		logger.Float64("offset", offset),
		logger.Float64("latency", latency),
		logger.Duration("took", time.Since(start)))
	return nil
}

func (d *galeaDriver) send(cmd string) error {
	d.mu.Lock()
	conn, addr := d.conn, d.addr
	d.mu.Unlock()
	if conn == nil {
		return errcode.New(errcode.BoardNotReady, "boards", "galea is not connected")
	}
	if _, err := conn.WriteTo([]byte(cmd), addr); err != nil {
		return errors.New(errors.Join(errcode.BoardWriteError, err)).
			Component("boards").
			Category(errors.CategoryNetwork).
			Context("command", cmd).
			Build()
	}
	return nil
}

// await reads datagrams until accept reports a wanted size or the reply
// timeout passes. Only used while Run is not reading.
func (d *galeaDriver) await(ctx context.Context, accept func(n int) bool) ([]byte, error) {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn == nil {
		return nil, errcode.New(errcode.BoardNotReady, "boards", "galea is not connected")
	}

	deadline := time.Now().Add(d.timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	buf := make([]byte, galeaReadBuffer)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !time.Now().Before(deadline) {
			return nil, errcode.New(errcode.SyncTimeoutError, "boards", "no reply from galea within %s", d.timeout)
		}
		readBy := time.Now().Add(d.read)
		if deadline.Before(readBy) {
			readBy = deadline
		}
		if err := conn.SetReadDeadline(readBy); err != nil {
			return nil, err
		}
		n, _, err := conn.ReadFrom(buf)
		switch {
		case transport.IsTimeout(err):
			continue
		case err != nil:
			return nil, errors.New(errors.Join(errcode.IncomingMsgError, err)).
				Component("boards").
				Category(errors.CategoryNetwork).
				Build()
		case accept(n):
			return buf[:n], nil
		}
	}
}

func (d *galeaDriver) directProbe(ctx context.Context) (float64, error) {
	if err := d.send(GaleaTimeRequest); err != nil {
		return 0, err
	}
	reply, err := d.await(ctx, func(n int) bool { return n == GaleaReplySize })
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(reply)), nil
}

// routedProbe waits for Run to hand over the time reply.
func (d *galeaDriver) routedProbe(ctx context.Context) (float64, error) {
	for len(d.replies) > 0 {
		<-d.replies
	}
	if err := d.send(GaleaTimeRequest); err != nil {
		return 0, err
	}
	timer := time.NewTimer(d.timeout)
	defer timer.Stop()
	select {
	case v := <-d.replies:
		return v, nil
	case <-timer.C:
		return 0, errcode.New(errcode.SyncTimeoutError, "boards", "no time reply from galea within %s", d.timeout)
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (d *galeaDriver) StartDevice(context.Context) error { return d.send("b") }

func (d *galeaDriver) StopDevice(context.Context) error { return d.send("s") }

// Config handles "calc_time" by recalibrating the clock and returns the new
// offset. Other commands are sent as is.
func (d *galeaDriver) Config(ctx context.Context, cmd string, streaming bool) (string, error) {
	switch cmd {
	case "":
		return "", errcode.New(errcode.InvalidArguments, "boards", "empty command")
	case "calc_time":
		probe := d.directProbe
		if streaming {
			probe = d.routedProbe
		}
		if err := d.clock.Calibrate(ctx, d.rounds, probe); err != nil {
			return "", err
		}
		offset, _, _ := d.clock.Offset()
		return strconv.FormatFloat(offset, 'f', 6, 64), nil
	default:
		return "", d.send(cmd)
	}
}

func (d *galeaDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil {
		return nil
	}
	err := d.conn.Close()
	d.conn = nil
	return err
}

func (d *galeaDriver) Run(ctx context.Context, sink board.Sink) error {
	defer d.wg.Wait()

	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn == nil {
		return errcode.New(errcode.BoardNotReady, "boards", "galea is not connected")
	}

	buf := make([]byte, galeaReadBuffer)
	for ctx.Err() == nil {
		if err := conn.SetReadDeadline(time.Now().Add(d.read)); err != nil {
			return errors.New(errors.Join(errcode.IncomingMsgError, err)).
				Component("boards").
				Category(errors.CategoryNetwork).
				Build()
		}
		n, _, err := conn.ReadFrom(buf)
		if transport.IsTimeout(err) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.New(errors.Join(errcode.IncomingMsgError, err)).
				Component("boards").
				Category(errors.CategoryNetwork).
				Build()
		}

		switch {
		case n == GaleaReplySize:
			select {
			case d.replies <- math.Float64frombits(binary.LittleEndian.Uint64(buf)):
			default:
			}
		case n > 0 && n%GaleaPackageSize == 0:
			for off := 0; off < n; off += GaleaPackageSize {
				d.decodePackage(buf[off:off+GaleaPackageSize], sink)
			}
		default:
			sink.Dropped("datagram_size")
			d.warn.Warn("unexpected galea datagram", logger.Int("bytes", n))
		}

		if d.clock.NeedsRecalibration() && d.recalibrating.CompareAndSwap(false, true) {
			d.wg.Go(func() {
				defer d.recalibrating.Store(false)
				if err := d.clock.Calibrate(ctx, d.rounds, d.routedProbe); err != nil && ctx.Err() == nil {
					d.warn.Warn("galea clock recalibration failed", logger.Error(err))
				}
			})
		}
	}
	return nil
}

func (d *galeaDriver) decodePackage(pkg []byte, sink board.Sink) {
	id := pkg[0]
	ts := d.clock.Convert(math.Float64frombits(binary.LittleEndian.Uint64(pkg[25:33])))

	s := make([]float64, d.desc.NumRows)
	s[d.desc.PackageNumChannel] = float64(id)
	for i, ch := range d.desc.EEG {
		s[ch] = float64(decode.Int24(pkg[1+3*i:])) * d.scale
	}
	s[d.desc.TimestampChannel] = ts
	sink.Push(catalog.DefaultPreset, s)

	if id%galeaAuxEvery != 0 || d.aux.NumRows == 0 {
		return
	}
	a := make([]float64, d.aux.NumRows)
	a[d.aux.PackageNumChannel] = float64(id)
	if d.aux.BatteryChannel >= 0 {
		a[d.aux.BatteryChannel] = float64(pkg[33])
	}
	for _, ch := range d.aux.Temperature {
		a[ch] = float64(decode.Int16(pkg[34:])) / 100
	}
	a[d.aux.TimestampChannel] = ts
	sink.Push(catalog.AuxiliaryPreset, a)
}
