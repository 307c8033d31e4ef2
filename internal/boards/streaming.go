package boards

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/brainwire/boardkit/internal/board"
	"github.com/brainwire/boardkit/internal/catalog"
	"github.com/brainwire/boardkit/internal/errcode"
	"github.com/brainwire/boardkit/internal/errors"
	"github.com/brainwire/boardkit/internal/logger"
	"github.com/brainwire/boardkit/internal/streamer"
	"github.com/brainwire/boardkit/internal/transport"
)

// streamingRecord is one datagram received for a preset.
type streamingRecord struct {
	preset catalog.Preset
	data   []float64
}

// streamingDriver receives the records a multicast streamer publishes.
type streamingDriver struct {
	layout  map[catalog.Preset]catalog.Descriptor
	groups  map[catalog.Preset]groupAddr
	timeout time.Duration
	log     logger.Logger
	warn    *throttled

	mu    sync.Mutex
	conns map[catalog.Preset]transport.PacketConn
}

type groupAddr struct {
	ip   string
	port int
}

func newStreamingDriver(params board.InputParams, deps Deps) (board.Driver, error) {
	master, err := masterLayout(deps.Catalog, params)
	if err != nil {
		return nil, err
	}
	groups := map[catalog.Preset]groupAddr{}
	for preset, g := range map[catalog.Preset]groupAddr{
		catalog.DefaultPreset:   {params.IPAddress, params.IPPort},
		catalog.AuxiliaryPreset: {params.IPAddressAux, params.IPPortAux},
		catalog.AncillaryPreset: {params.IPAddressAnc, params.IPPortAnc},
	} {
		if g.ip == "" {
			continue
		}
		if _, ok := master[preset]; !ok {
			return nil, errcode.New(errcode.InvalidArguments, "boards", "master board %d has no %s preset", params.MasterBoard, preset)
		}
		if g.port <= 0 || g.port > 65535 {
			return nil, errcode.New(errcode.InvalidArguments, "boards", "invalid port %d for %s preset", g.port, preset)
		}
		groups[preset] = g
	}
	if _, ok := groups[catalog.DefaultPreset]; !ok {
		return nil, errcode.New(errcode.InvalidArguments, "boards", "streaming board needs ip_address and ip_port")
	}

	layout := make(map[catalog.Preset]catalog.Descriptor, len(groups))
	for p := range groups {
		layout[p] = master[p]
	}
	log := deps.Logger.Module("streaming")
	return &streamingDriver{
		layout:  layout,
		groups:  groups,
		timeout: deps.Timeouts.Read,
		log:     log,
		warn:    newThrottled(log),
	}, nil
}

func (d *streamingDriver) Name() string { return "streaming" }

func (d *streamingDriver) Layout() map[catalog.Preset]catalog.Descriptor { return d.layout }

func (d *streamingDriver) Connect(context.Context) error {
	conns := make(map[catalog.Preset]transport.PacketConn, len(d.groups))
	for preset, g := range d.groups {
		conn, err := transport.JoinMulticast(g.ip, g.port)
		if err != nil {
			for _, c := range conns {
				_ = c.Close()
			}
			return err
		}
		conns[preset] = conn
	}
	d.mu.Lock()
	d.conns = conns
	d.mu.Unlock()
	return nil
}

func (d *streamingDriver) StartDevice(context.Context) error { return nil }
func (d *streamingDriver) StopDevice(context.Context) error  { return nil }

func (d *streamingDriver) Config(context.Context, string, bool) (string, error) {
	return "", unsupportedConfig("streaming board")
}

func (d *streamingDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var errs []error
	for _, c := range d.conns {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	d.conns = nil
	return errors.Join(errs...)
}

// Run reads every group on its own goroutine and pushes records from this
// one, so the sink keeps a single producer.
func (d *streamingDriver) Run(ctx context.Context, sink board.Sink) error {
	d.mu.Lock()
	conns := d.conns
	d.mu.Unlock()
	if len(conns) == 0 {
		return errcode.New(errcode.BoardNotReady, "boards", "streaming board is not connected")
	}

	records := make(chan streamingRecord, 1024)
	g, gctx := errgroup.WithContext(ctx)
	for preset, conn := range conns {
		g.Go(func() error {
			return d.receive(gctx, preset, conn, records)
		})
	}

	for {
		select {
		case <-gctx.Done():
			err := g.Wait()
			if ctx.Err() != nil {
				return nil
			}
			return err
		case rec := <-records:
			if len(rec.data) != d.layout[rec.preset].NumRows {
				sink.Dropped("record_size")
				d.warn.Warn("record size does not match layout",
					logger.String("preset", rec.preset.String()),
					logger.Int("values", len(rec.data)))
				continue
			}
			sink.Push(rec.preset, rec.data)
		}
	}
}

func (d *streamingDriver) receive(ctx context.Context, preset catalog.Preset, conn transport.PacketConn, out chan<- streamingRecord) error {
	buf := make([]byte, 65536)
	for ctx.Err() == nil {
		if err := conn.SetReadDeadline(time.Now().Add(d.timeout)); err != nil {
			return err
		}
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			if transport.IsTimeout(err) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			return errors.New(errors.Join(errcode.IncomingMsgError, err)).
				Component("boards").
				Category(errors.CategoryNetwork).
				Context("preset", preset.String()).
				Build()
		}
		data, ok := streamer.DecodeRecord(buf[:n])
		if !ok {
			d.warn.Warn("malformed record", logger.Int("bytes", n))
			continue
		}
		select {
		case out <- streamingRecord{preset: preset, data: data}:
		case <-ctx.Done():
			return nil
		}
	}
	return nil
}
