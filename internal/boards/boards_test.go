package boards

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/brainwire/boardkit/internal/board"
	"github.com/brainwire/boardkit/internal/catalog"
	"github.com/brainwire/boardkit/internal/decode"
	"github.com/brainwire/boardkit/internal/errcode"
	"github.com/brainwire/boardkit/internal/logger"
	"github.com/brainwire/boardkit/internal/streamer"
	"github.com/brainwire/boardkit/internal/transport"
	"github.com/brainwire/boardkit/internal/transport/transporttest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testDeps(t *testing.T) Deps {
	t.Helper()
	cat, err := catalog.New(nil)
	require.NoError(t, err)
	return Deps{
		Catalog: cat,
		Logger:  logger.NewSlogLogger(os.Stderr, logger.LogLevelError, nil),
		Timeouts: Timeouts{
			FirstPacket: time.Second,
			BLE:         time.Second,
			Read:        20 * time.Millisecond,
		},
	}
}

type recordSink struct {
	mu      sync.Mutex
	samples map[catalog.Preset][][]float64
	dropped map[string]int
}

func newRecordSink() *recordSink {
	return &recordSink{samples: map[catalog.Preset][][]float64{}, dropped: map[string]int{}}
}

func (s *recordSink) Push(preset catalog.Preset, sample []float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples[preset] = append(s.samples[preset], append([]float64(nil), sample...))
}

func (s *recordSink) Dropped(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropped[reason]++
}

func (s *recordSink) get(preset catalog.Preset) [][]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]float64(nil), s.samples[preset]...)
}

func (s *recordSink) drops(reason string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped[reason]
}

func (s *recordSink) waitFor(t *testing.T, preset catalog.Preset, n int) [][]float64 {
	t.Helper()
	require.Eventually(t, func() bool { return len(s.get(preset)) >= n }, 3*time.Second, 5*time.Millisecond)
	return s.get(preset)
}

// runDriver starts Run on its own goroutine and returns a function that
// stops it and returns its result.
func runDriver(d board.Driver, sink board.Sink) func() error {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx, sink) }()
	return func() error {
		cancel()
		return <-done
	}
}

func TestNewRejectsUnknownBoard(t *testing.T) {
	_, err := New(42, board.InputParams{}, testDeps(t))
	require.Error(t, err)
	assert.Equal(t, errcode.UnsupportedBoard, errcode.Of(err))
}

func TestNewRequiresCatalog(t *testing.T) {
	_, err := New(SyntheticBoard, board.InputParams{}, Deps{})
	assert.Equal(t, errcode.GeneralError, errcode.Of(err))
}

func TestIDsCoverEveryDriver(t *testing.T) {
	assert.Equal(t, []int{-3, -2, -1, 0, 1, 2, 3}, IDs())
}

func TestDescriptorBoard(t *testing.T) {
	params := board.InputParams{MasterBoard: CytonBoard}
	assert.Equal(t, CytonBoard, DescriptorBoard(PlaybackFileBoard, params))
	assert.Equal(t, CytonBoard, DescriptorBoard(StreamingBoard, params))
	assert.Equal(t, GaleaBoard, DescriptorBoard(GaleaBoard, params))
}

func TestDriversValidateParams(t *testing.T) {
	deps := testDeps(t)
	tests := []struct {
		name    string
		boardID int
		params  board.InputParams
	}{
		{"cyton without port", CytonBoard, board.InputParams{}},
		{"galea without ip", GaleaBoard, board.InputParams{}},
		{"playback without master", PlaybackFileBoard, board.InputParams{MasterBoard: board.NoBoard, File: "x.csv"}},
		{"playback without files", PlaybackFileBoard, board.InputParams{MasterBoard: CytonBoard}},
		{"playback of a missing preset", PlaybackFileBoard, board.InputParams{MasterBoard: CytonBoard, FileAux: "aux.csv"}},
		{"streaming without group", StreamingBoard, board.InputParams{MasterBoard: CytonBoard}},
		{"streaming with bad port", StreamingBoard, board.InputParams{MasterBoard: CytonBoard, IPAddress: "239.1.1.1", IPPort: 70000}},
		{"ganglion with unknown firmware", GanglionBoard, board.InputParams{OtherInfo: "fw:9"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.boardID, tt.params, deps)
			require.Error(t, err)
			assert.Equal(t, errcode.InvalidArguments, errcode.Of(err))
		})
	}
}

// Cyton

func cytonFrame(num byte, counts [8]int32, end byte, aux [6]byte) []byte {
	f := make([]byte, cytonFrameSize)
	f[0] = cytonStartByte
	f[1] = num
	for i, c := range counts {
		decode.PutInt24(f[2+3*i:], c)
	}
	copy(f[26:32], aux[:])
	f[cytonFrameSize-1] = end
	return f
}

func accelAux(x, y, z int16) [6]byte {
	var aux [6]byte
	binary.BigEndian.PutUint16(aux[0:], uint16(x))
	binary.BigEndian.PutUint16(aux[2:], uint16(y))
	binary.BigEndian.PutUint16(aux[4:], uint16(z))
	return aux
}

func cytonPort(banner string, replies map[string]string) *transporttest.SerialPort {
	port := transporttest.NewSerialPort()
	port.Respond = func(b []byte) []byte {
		if string(b) == "v" {
			return []byte(banner + "$$$")
		}
		if r, ok := replies[string(b)]; ok {
			return []byte(r)
		}
		return nil
	}
	return port
}

func TestCytonStreamsFrames(t *testing.T) {
	deps := testDeps(t)
	port := cytonPort("OpenBCI V3 8-16 channel\nADS1299 Device ID: 0x3E\n", nil)
	deps.OpenSerial = port.Opener()

	d, err := New(CytonBoard, board.InputParams{SerialPort: "/dev/ttyUSB0"}, deps)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, d.Connect(ctx))
	require.NoError(t, d.StartDevice(ctx))

	sink := newRecordSink()
	stop := runDriver(d, sink)

	counts := [8]int32{100, -200, 300, -400, 500, -600, 700, -800}
	stream := []byte{0x01, 0x02}
	stream = append(stream, cytonFrame(1, counts, cytonEndAccel, accelAux(1000, -1000, 16))...)
	bad := cytonFrame(2, counts, 0x00, [6]byte{})
	stream = append(stream, bad...)
	stream = append(stream, cytonFrame(3, counts, cytonEndAnalog, accelAux(11, 22, 33))...)
	port.Feed(stream)

	samples := sink.waitFor(t, catalog.DefaultPreset, 2)
	require.NoError(t, stop())

	desc, err := deps.Catalog.Lookup(CytonBoard, catalog.DefaultPreset)
	require.NoError(t, err)
	first := samples[0]
	require.Len(t, first, desc.NumRows)
	assert.InDelta(t, 1, first[desc.PackageNumChannel], 0)
	for i, ch := range desc.EEG {
		assert.InDelta(t, decode.Microvolts(counts[i], decode.DefaultGain), first[ch], 1e-9)
	}
	assert.InDelta(t, 1000*decode.CytonAccelScale, first[desc.Accel[0]], 1e-9)
	assert.InDelta(t, -1000*decode.CytonAccelScale, first[desc.Accel[1]], 1e-9)
	assert.InDelta(t, 3, samples[1][desc.PackageNumChannel], 0)
	assert.InDelta(t, 22, samples[1][desc.Analog[1]], 0)
	assert.Equal(t, 1, sink.drops("end_byte"))

	require.NoError(t, d.StopDevice(ctx))
	require.NoError(t, d.Close())
	assert.Equal(t, []string{"v", "b", "s"}, port.Writes())
	assert.True(t, port.Closed())
}

func TestCytonConnectWithoutBanner(t *testing.T) {
	deps := testDeps(t)
	port := transporttest.NewSerialPort()
	deps.OpenSerial = port.Opener()

	d, err := New(CytonBoard, board.InputParams{SerialPort: "COM3", Timeout: 1}, deps)
	require.NoError(t, err)
	err = d.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, errcode.BoardNotReady, errcode.Of(err))
	assert.True(t, port.Closed())
}

func TestCytonDaisyNeedsDaisyBanner(t *testing.T) {
	deps := testDeps(t)
	port := cytonPort("OpenBCI V3 8-16 channel\n", nil)
	deps.OpenSerial = port.Opener()

	d, err := New(CytonDaisyBoard, board.InputParams{SerialPort: "/dev/ttyUSB0"}, deps)
	require.NoError(t, err)
	err = d.Connect(context.Background())
	assert.Equal(t, errcode.BoardNotReady, errcode.Of(err))
}

func TestCytonConfigTracksGains(t *testing.T) {
	deps := testDeps(t)
	port := cytonPort("OpenBCI V3\n", map[string]string{
		"x1030110X": "Success: Channel set for 1$$$",
		"x2050110X": "Failure: too many chars$$$",
	})
	deps.OpenSerial = port.Opener()

	d, err := New(CytonBoard, board.InputParams{SerialPort: "/dev/ttyUSB0"}, deps)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, d.Connect(ctx))
	t.Cleanup(func() { _ = d.Close() })
	cyton := d.(*cytonDriver)

	resp, err := d.Config(ctx, "x1030110X", false)
	require.NoError(t, err)
	assert.Contains(t, resp, "Success")
	assert.InDelta(t, 6.0, cyton.gains.Gain(0), 0)

	_, err = d.Config(ctx, "x2050110X", false)
	assert.Equal(t, errcode.BoardWriteError, errcode.Of(err))
	assert.InDelta(t, decode.DefaultGain, cyton.gains.Gain(1), 0, "failed command must not change the gain")

	port.WriteErr = fmt.Errorf("unplugged")
	_, err = d.Config(ctx, "x3010110X", true)
	assert.Equal(t, errcode.BoardWriteError, errcode.Of(err))
	assert.InDelta(t, decode.DefaultGain, cyton.gains.Gain(2), 0, "unsent command must not change the gain")

	_, err = d.Config(ctx, "", false)
	assert.Equal(t, errcode.InvalidArguments, errcode.Of(err))
}

func TestCytonDaisyPairsFrames(t *testing.T) {
	cat, err := catalog.New(nil)
	require.NoError(t, err)
	desc, err := cat.Lookup(CytonDaisyBoard, catalog.DefaultPreset)
	require.NoError(t, err)
	dec := newCytonDecoder(desc, decode.NewGainTracker(16), true)

	_, ok := dec.decode(cytonFrame(2, [8]int32{}, cytonEndAccel, [6]byte{}), 1)
	assert.False(t, ok, "daisy half without its board half")

	main := [8]int32{1, 2, 3, 4, 5, 6, 7, 8}
	daisy := [8]int32{9, 10, 11, 12, 13, 14, 15, 16}
	s, ok := dec.decode(cytonFrame(3, main, cytonEndAccel, accelAux(1000, 0, 0)), 1)
	require.True(t, ok)
	assert.Nil(t, s)

	s, ok = dec.decode(cytonFrame(4, daisy, cytonEndAccel, accelAux(3000, 0, 0)), 2)
	require.True(t, ok)
	require.Len(t, s, desc.NumRows)
	for i, ch := range desc.EEG {
		assert.InDelta(t, decode.Microvolts(int32(i+1), decode.DefaultGain), s[ch], 1e-9)
	}
	assert.InDelta(t, 2000*decode.CytonAccelScale, s[desc.Accel[0]], 1e-9)
	assert.InDelta(t, 4, s[desc.PackageNumChannel], 0)
	assert.InDelta(t, 2, s[desc.TimestampChannel], 0)
}

// Ganglion

func TestGanglionFirmware(t *testing.T) {
	tests := []struct {
		info string
		want decode.Firmware
		ok   bool
	}{
		{"", decode.Firmware2, true},
		{"fw:3", decode.Firmware3, true},
		{"name:x; fw:2", decode.Firmware2, true},
		{"fw:4", 0, false},
	}
	for _, tt := range tests {
		fw, err := ganglionFirmware(tt.info)
		if !tt.ok {
			assert.Error(t, err, tt.info)
			continue
		}
		require.NoError(t, err, tt.info)
		assert.Equal(t, tt.want, fw, tt.info)
	}
}

func TestGanglionStreamsNotifications(t *testing.T) {
	deps := testDeps(t)
	periph := transporttest.NewBLEPeripheral()
	adapter := &transporttest.BLEAdapter{
		Advertisements: []transport.Advertisement{
			{Address: "aa:aa:aa:aa:aa:aa", LocalName: "Headphones"},
			{Address: "11:22:33:44:55:66", LocalName: "Ganglion-1a2b"},
		},
		Peripheral: periph,
	}
	deps.BLE = adapter.Stack()

	d, err := New(GanglionBoard, board.InputParams{}, deps)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, d.Connect(ctx))
	require.NoError(t, d.StartDevice(ctx))

	sink := newRecordSink()
	stop := runDriver(d, sink)

	ref := [4]int32{1000, -1000, 2000, -2000}
	deltas := [8]int32{10, -10, 20, -20, 5, 5, 5, 5}
	require.True(t, periph.Notify(GanglionReceiveChar, decode.PackRaw(ref)))
	require.True(t, periph.Notify(GanglionReceiveChar, decode.PackDeltas(decode.Firmware2, 101, deltas)))

	samples := sink.waitFor(t, catalog.DefaultPreset, 3)
	require.NoError(t, stop())

	desc, err := deps.Catalog.Lookup(GanglionBoard, catalog.DefaultPreset)
	require.NoError(t, err)
	want := []int32{ref[0], ref[0] - deltas[0], ref[0] - deltas[0] - deltas[4]}
	for i, w := range want {
		assert.InDelta(t, float64(w)*decode.GanglionScale, samples[i][desc.EEG[0]], decode.GanglionScale, "sample %d", i)
	}

	require.NoError(t, d.StopDevice(ctx))
	require.NoError(t, d.Close())
	assert.Equal(t, []string{"b", "s"}, periph.Writes())
	assert.True(t, periph.Disconnected())
}

func TestGanglionDiscoveryTimeout(t *testing.T) {
	deps := testDeps(t)
	deps.Timeouts.BLE = 50 * time.Millisecond
	adapter := &transporttest.BLEAdapter{
		Advertisements: []transport.Advertisement{{Address: "aa:aa:aa:aa:aa:aa", LocalName: "Headphones"}},
	}
	deps.BLE = adapter.Stack()

	d, err := New(GanglionBoard, board.InputParams{}, deps)
	require.NoError(t, err)
	start := time.Now()
	err = d.Connect(context.Background())
	assert.Equal(t, errcode.BoardNotReady, errcode.Of(err))
	assert.Less(t, time.Since(start), time.Second)
}

// Galea

// fakeGalea answers handshake and time requests and streams packages after
// "b". Device time runs offset seconds behind the host.
type fakeGalea struct {
	conn   *net.UDPConn
	offset float64
	count  int
	wg     sync.WaitGroup
}

func startFakeGalea(t *testing.T, offset float64, count int) *fakeGalea {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	g := &fakeGalea{conn: conn, offset: offset, count: count}
	g.wg.Go(g.serve)
	t.Cleanup(func() {
		_ = conn.Close()
		g.wg.Wait()
	})
	return g
}

func (g *fakeGalea) port() int { return g.conn.LocalAddr().(*net.UDPAddr).Port }

func (g *fakeGalea) deviceNow() float64 { return hostNow() - g.offset }

func (g *fakeGalea) serve() {
	buf := make([]byte, 64)
	for {
		n, addr, err := g.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		switch string(buf[:n]) {
		case "d":
			_, _ = g.conn.WriteToUDP([]byte("ready"), addr)
		case GaleaTimeRequest:
			reply := make([]byte, GaleaReplySize)
			binary.LittleEndian.PutUint64(reply, math.Float64bits(g.deviceNow()))
			_, _ = g.conn.WriteToUDP(reply, addr)
		case "b":
			for id := 1; id <= g.count; id++ {
				_, _ = g.conn.WriteToUDP(g.pkg(byte(id)), addr)
			}
		}
	}
}

func (g *fakeGalea) pkg(id byte) []byte {
	p := make([]byte, GaleaPackageSize)
	p[0] = id
	for ch := range 8 {
		decode.PutInt24(p[1+3*ch:], int32(id)*int32(ch+1))
	}
	binary.LittleEndian.PutUint64(p[25:], math.Float64bits(g.deviceNow()))
	p[33] = 87
	binary.BigEndian.PutUint16(p[34:], 2345)
	return p
}

func TestGaleaCalibratesAndStreams(t *testing.T) {
	deps := testDeps(t)
	dev := startFakeGalea(t, 100, 20)

	d, err := New(GaleaBoard, board.InputParams{IPAddress: "127.0.0.1", IPPort: dev.port()}, deps)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, d.Connect(ctx))

	offset, _, ok := d.(*galeaDriver).clock.Offset()
	require.True(t, ok)
	assert.InDelta(t, 100, offset, 0.5)

	require.NoError(t, d.StartDevice(ctx))
	sink := newRecordSink()
	stop := runDriver(d, sink)

	samples := sink.waitFor(t, catalog.DefaultPreset, 20)
	aux := sink.waitFor(t, catalog.AuxiliaryPreset, 2)

	resp, err := d.Config(ctx, "calc_time", true)
	require.NoError(t, err)
	assert.NotEmpty(t, resp)
	require.NoError(t, stop())

	desc, err := deps.Catalog.Lookup(GaleaBoard, catalog.DefaultPreset)
	require.NoError(t, err)
	s := samples[4]
	assert.InDelta(t, 5, s[desc.PackageNumChannel], 0)
	assert.InDelta(t, float64(5*3)*decode.ADS1299Scale(decode.DefaultGain), s[desc.EEG[2]], 1e-9)
	assert.InDelta(t, hostNow(), s[desc.TimestampChannel], 5)

	auxDesc, err := deps.Catalog.Lookup(GaleaBoard, catalog.AuxiliaryPreset)
	require.NoError(t, err)
	assert.InDelta(t, 10, aux[0][auxDesc.PackageNumChannel], 0)
	assert.InDelta(t, 87, aux[0][auxDesc.BatteryChannel], 0)
	assert.InDelta(t, 23.45, aux[0][auxDesc.Temperature[0]], 1e-9)

	require.NoError(t, d.StopDevice(ctx))
	require.NoError(t, d.Close())
}

func TestGaleaHandshakeTimeout(t *testing.T) {
	deps := testDeps(t)
	silent, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer silent.Close()

	d, err := New(GaleaBoard, board.InputParams{
		IPAddress: "127.0.0.1",
		IPPort:    silent.LocalAddr().(*net.UDPAddr).Port,
		Timeout:   1,
	}, deps)
	require.NoError(t, err)
	err = d.Connect(context.Background())
	assert.Equal(t, errcode.BoardNotReady, errcode.Of(err))
}

// Synthetic

func TestSyntheticConfig(t *testing.T) {
	d, err := New(SyntheticBoard, board.InputParams{}, testDeps(t))
	require.NoError(t, err)
	ctx := context.Background()

	resp, err := d.Config(ctx, "amplitude:25", false)
	require.NoError(t, err)
	assert.Contains(t, resp, "amplitude")

	for _, cmd := range []string{"gain:2", "noise:-1", "amplitude", "noise:abc"} {
		_, err := d.Config(ctx, cmd, false)
		assert.Equal(t, errcode.InvalidArguments, errcode.Of(err), cmd)
	}
}

func TestSyntheticProducesBothPresets(t *testing.T) {
	deps := testDeps(t)
	d, err := New(SyntheticBoard, board.InputParams{}, deps)
	require.NoError(t, err)
	require.NoError(t, d.Connect(context.Background()))

	sink := newRecordSink()
	stop := runDriver(d, sink)
	samples := sink.waitFor(t, catalog.DefaultPreset, 50)
	require.NoError(t, stop())

	desc := d.Layout()[catalog.DefaultPreset]
	for _, s := range samples {
		require.Len(t, s, desc.NumRows)
		assert.Greater(t, s[desc.TimestampChannel], 0.0)
	}
	if _, ok := d.Layout()[catalog.AuxiliaryPreset]; ok {
		assert.NotEmpty(t, sink.get(catalog.AuxiliaryPreset))
	}
}

// Playback

func writePlaybackFile(t *testing.T, rows int, numRows, tsChannel int) string {
	t.Helper()
	var sb strings.Builder
	for i := range rows {
		vals := make([]string, numRows)
		for c := range numRows {
			vals[c] = "0.000000"
		}
		vals[0] = fmt.Sprintf("%d.000000", i)
		vals[tsChannel] = fmt.Sprintf("%.6f", 1700000000+float64(i)*0.001)
		sb.WriteString(strings.Join(vals, "\t"))
		sb.WriteString("\n")
		if i == 1 {
			sb.WriteString("1.0\t2.0\n")
		}
	}
	path := filepath.Join(t.TempDir(), "cyton.csv")
	require.NoError(t, os.WriteFile(path, []byte(sb.String()), 0o600))
	return path
}

func TestPlaybackReplaysFile(t *testing.T) {
	deps := testDeps(t)
	desc, err := deps.Catalog.Lookup(CytonBoard, catalog.DefaultPreset)
	require.NoError(t, err)
	path := writePlaybackFile(t, 5, desc.NumRows, desc.TimestampChannel)

	d, err := New(PlaybackFileBoard, board.InputParams{MasterBoard: CytonBoard, File: path}, deps)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, d.Connect(ctx))
	_, err = d.Config(ctx, "new_timestamps", false)
	require.NoError(t, err)
	require.NoError(t, d.StartDevice(ctx))

	sink := newRecordSink()
	stop := runDriver(d, sink)
	samples := sink.waitFor(t, catalog.DefaultPreset, 5)
	require.NoError(t, stop())

	require.Len(t, samples, 5)
	for i, s := range samples {
		assert.InDelta(t, float64(i), s[desc.PackageNumChannel], 0)
		assert.Greater(t, s[desc.TimestampChannel], 1700000001.0, "new_timestamps uses host time")
	}

	_, err = d.Config(ctx, "set_index_percentage:150", false)
	assert.Equal(t, errcode.InvalidArguments, errcode.Of(err))
	_, err = d.Config(ctx, "rewind", false)
	assert.Equal(t, errcode.InvalidArguments, errcode.Of(err))
	require.NoError(t, d.Close())
}

func newPlayback(t *testing.T, rows int) (*playbackDriver, catalog.Descriptor) {
	t.Helper()
	deps := testDeps(t)
	desc, err := deps.Catalog.Lookup(CytonBoard, catalog.DefaultPreset)
	require.NoError(t, err)
	path := writePlaybackFile(t, rows, desc.NumRows, desc.TimestampChannel)

	d, err := New(PlaybackFileBoard, board.InputParams{MasterBoard: CytonBoard, File: path}, deps)
	require.NoError(t, err)
	require.NoError(t, d.Connect(context.Background()))
	t.Cleanup(func() { _ = d.Close() })
	return d.(*playbackDriver), desc
}

func packageNumbers(samples [][]float64, channel int) []float64 {
	nums := make([]float64, len(samples))
	for i, s := range samples {
		nums[i] = s[channel]
	}
	return nums
}

func TestPlaybackLoopbackSingleRowStops(t *testing.T) {
	d, _ := newPlayback(t, 1)
	ctx := context.Background()
	_, err := d.Config(ctx, "loopback_true", false)
	require.NoError(t, err)
	require.NoError(t, d.StartDevice(ctx))

	sink := newRecordSink()
	stop := runDriver(d, sink)
	sink.waitFor(t, catalog.DefaultPreset, 3)

	// Config shares the driver lock with the pacing loop.
	_, err = d.Config(ctx, "old_timestamps", false)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- stop() }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Less(t, len(sink.get(catalog.DefaultPreset)), 2000, "a single row is paced at the sampling rate")
}

func TestPlaybackLoopbackWrapsInOrder(t *testing.T) {
	d, desc := newPlayback(t, 3)
	ctx := context.Background()
	_, err := d.Config(ctx, "loopback_true", false)
	require.NoError(t, err)
	require.NoError(t, d.StartDevice(ctx))

	sink := newRecordSink()
	t0 := time.Now()
	d.step(sink, t0)
	wait := d.step(sink, t0.Add(10*time.Millisecond))
	assert.Equal(t, []float64{0, 1, 2}, packageNumbers(sink.get(catalog.DefaultPreset), desc.PackageNumChannel))
	assert.Positive(t, wait, "the wrapped pass is not due yet")

	d.step(sink, t0.Add(30*time.Millisecond))
	assert.Equal(t, []float64{0, 1, 2, 0, 1, 2}, packageNumbers(sink.get(catalog.DefaultPreset), desc.PackageNumChannel))
}

func TestPlaybackEndsWithoutLoopback(t *testing.T) {
	d, desc := newPlayback(t, 2)
	ctx := context.Background()
	require.NoError(t, d.StartDevice(ctx))

	sink := newRecordSink()
	t0 := time.Now()
	d.step(sink, t0)
	d.step(sink, t0.Add(time.Second))
	d.step(sink, t0.Add(2*time.Second))
	assert.Equal(t, []float64{0, 1}, packageNumbers(sink.get(catalog.DefaultPreset), desc.PackageNumChannel))

	// A new start replays from the beginning.
	require.NoError(t, d.StartDevice(ctx))
	d.step(sink, t0.Add(3*time.Second))
	assert.Equal(t, []float64{0, 1, 0}, packageNumbers(sink.get(catalog.DefaultPreset), desc.PackageNumChannel))
}

func TestPlaybackSetIndexPercentage(t *testing.T) {
	d, desc := newPlayback(t, 4)
	ctx := context.Background()
	require.NoError(t, d.StartDevice(ctx))

	sink := newRecordSink()
	t0 := time.Now()
	d.step(sink, t0)
	_, err := d.Config(ctx, "set_index_percentage:50", false)
	require.NoError(t, err)

	d.step(sink, t0.Add(time.Millisecond))
	d.step(sink, t0.Add(time.Second))
	assert.Equal(t, []float64{0, 2, 3}, packageNumbers(sink.get(catalog.DefaultPreset), desc.PackageNumChannel))
}

func TestPlaybackMissingFile(t *testing.T) {
	d, err := New(PlaybackFileBoard, board.InputParams{
		MasterBoard: CytonBoard,
		File:        filepath.Join(t.TempDir(), "missing.csv"),
	}, testDeps(t))
	require.NoError(t, err)
	err = d.Connect(context.Background())
	assert.Equal(t, errcode.InvalidArguments, errcode.Of(err))
}

// Streaming

func TestStreamingBoardReceivesMulticast(t *testing.T) {
	deps := testDeps(t)
	desc, err := deps.Catalog.Lookup(CytonBoard, catalog.DefaultPreset)
	require.NoError(t, err)

	const group, port = "239.255.42.17", 47217
	d, err := New(StreamingBoard, board.InputParams{MasterBoard: CytonBoard, IPAddress: group, IPPort: port}, deps)
	require.NoError(t, err)
	ctx := context.Background()
	if err := d.Connect(ctx); err != nil {
		t.Skipf("multicast unavailable: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })

	_, err = d.Config(ctx, "anything", true)
	assert.Equal(t, errcode.UnsupportedBoard, errcode.Of(err))

	out, err := streamer.Parse(fmt.Sprintf("streaming_board://%s:%d", group, port), streamer.Options{
		Board:      "cyton",
		Preset:     catalog.DefaultPreset,
		Descriptor: desc,
		Logger:     deps.Logger,
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	pub := out[0]
	require.NoError(t, pub.Init(ctx))
	defer pub.Close()

	sink := newRecordSink()
	stop := runDriver(d, sink)

	sample := make([]float64, desc.NumRows)
	sample[desc.PackageNumChannel] = 7
	short := []float64{1, 2, 3}
	received := false
	for range 40 {
		pub.Stream(sample)
		pub.Stream(short)
		if len(sink.get(catalog.DefaultPreset)) > 0 {
			received = true
			break
		}
		time.Sleep(25 * time.Millisecond)
	}
	require.NoError(t, stop())
	if !received {
		t.Skip("multicast loopback delivered nothing")
	}
	got := sink.get(catalog.DefaultPreset)[0]
	assert.InDelta(t, 7, got[desc.PackageNumChannel], 0)
	assert.Positive(t, sink.drops("record_size"))
}
