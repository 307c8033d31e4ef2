package boards

import (
	"bufio"
	"context"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/brainwire/boardkit/internal/board"
	"github.com/brainwire/boardkit/internal/catalog"
	"github.com/brainwire/boardkit/internal/errcode"
	"github.com/brainwire/boardkit/internal/errors"
	"github.com/brainwire/boardkit/internal/logger"
)

// playbackIdle is the longest sleep between pacing checks.
const playbackIdle = 10 * time.Millisecond

// playbackTrack is the recorded data of one preset.
type playbackTrack struct {
	path    string
	desc    catalog.Descriptor
	samples [][]float64

	index    int
	baseFile float64   // recorded timestamp of the sample at the pacing base
	baseHost time.Time // host time the pacing base was set
	finished bool
}

func (tr *playbackTrack) rebase(now time.Time) {
	tr.baseHost = now
	if tr.index < len(tr.samples) {
		tr.baseFile = tr.samples[tr.index][tr.desc.TimestampChannel]
	}
	tr.finished = false
}

// period is the nominal spacing of two samples of the track.
func (tr *playbackTrack) period() time.Duration {
	if tr.desc.SamplingRate <= 0 {
		return playbackIdle
	}
	return time.Second / time.Duration(tr.desc.SamplingRate)
}

// playbackDriver replays files written by the file streamer, paced by their
// recorded timestamps.
type playbackDriver struct {
	params board.InputParams
	layout map[catalog.Preset]catalog.Descriptor
	paths  map[catalog.Preset]string
	log    logger.Logger
	warn   *throttled

	mu            sync.Mutex
	tracks        map[catalog.Preset]*playbackTrack
	loopback      bool
	newTimestamps bool
	rebaseNeeded  bool
}

func newPlaybackDriver(params board.InputParams, deps Deps) (board.Driver, error) {
	master, err := masterLayout(deps.Catalog, params)
	if err != nil {
		return nil, err
	}
	paths := map[catalog.Preset]string{}
	for preset, path := range map[catalog.Preset]string{
		catalog.DefaultPreset:   params.File,
		catalog.AuxiliaryPreset: params.FileAux,
		catalog.AncillaryPreset: params.FileAnc,
	} {
		if path == "" {
			continue
		}
		if _, ok := master[preset]; !ok {
			return nil, errcode.New(errcode.InvalidArguments, "boards", "master board %d has no %s preset", params.MasterBoard, preset)
		}
		paths[preset] = path
	}
	if len(paths) == 0 {
		return nil, errcode.New(errcode.InvalidArguments, "boards", "playback needs at least one of file, file_aux, file_anc")
	}

	layout := make(map[catalog.Preset]catalog.Descriptor, len(paths))
	for p := range paths {
		layout[p] = master[p]
	}
	log := deps.Logger.Module("playback")
	return &playbackDriver{
		params: params,
		layout: layout,
		paths:  paths,
		log:    log,
		warn:   newThrottled(log),
	}, nil
}

func (d *playbackDriver) Name() string { return "playback" }

func (d *playbackDriver) Layout() map[catalog.Preset]catalog.Descriptor { return d.layout }

// Connect loads every file. Lines whose column count does not match the
// master board layout are skipped.
func (d *playbackDriver) Connect(context.Context) error {
	tracks := make(map[catalog.Preset]*playbackTrack, len(d.paths))
	for preset, path := range d.paths {
		desc := d.layout[preset]
		samples, skipped, err := readPlaybackFile(path, desc.NumRows)
		if err != nil {
			return errors.New(errors.Join(errcode.InvalidArguments, err)).
				Component("boards").
				Category(errors.CategoryFileIO).
				Context("path", path).
				Build()
		}
		if len(samples) == 0 {
			return errcode.New(errcode.InvalidArguments, "boards", "playback file %s has no usable rows", path)
		}
		if skipped > 0 {
			d.log.Warn("skipped malformed playback rows", logger.String("path", path), logger.Int("rows", skipped))
		}
		tracks[preset] = &playbackTrack{path: path, desc: desc, samples: samples}
	}

	d.mu.Lock()
	d.tracks = tracks
	d.mu.Unlock()
	return nil
}

func readPlaybackFile(path string, numRows int) (samples [][]float64, skipped int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		fields := strings.FieldsFunc(line, func(r rune) bool { return r == '\t' || r == ',' })
		if len(fields) != numRows {
			skipped++
			continue
		}
		row := make([]float64, numRows)
		ok := true
		for i, field := range fields {
			v, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
			if err != nil {
				ok = false
				break
			}
			row[i] = v
		}
		if !ok {
			skipped++
			continue
		}
		samples = append(samples, row)
	}
	return samples, skipped, sc.Err()
}

func (d *playbackDriver) StartDevice(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, tr := range d.tracks {
		if tr.finished || tr.index >= len(tr.samples) {
			tr.index = 0
		}
	}
	d.rebaseNeeded = true
	return nil
}

func (d *playbackDriver) StopDevice(context.Context) error { return nil }

func (d *playbackDriver) Close() error {
	d.mu.Lock()
	d.tracks = nil
	d.mu.Unlock()
	return nil
}

// Config accepts loopback_true, loopback_false, new_timestamps,
// old_timestamps and set_index_percentage:<0-100>.
func (d *playbackDriver) Config(_ context.Context, cmd string, _ bool) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	cmd = strings.TrimSpace(cmd)
	switch cmd {
	case "loopback_true":
		d.loopback = true
		return "", nil
	case "loopback_false":
		d.loopback = false
		return "", nil
	case "new_timestamps":
		d.newTimestamps = true
		return "", nil
	case "old_timestamps":
		d.newTimestamps = false
		return "", nil
	}

	if value, ok := strings.CutPrefix(cmd, "set_index_percentage:"); ok {
		pct, err := strconv.ParseFloat(value, 64)
		if err != nil || pct < 0 || pct > 100 {
			return "", errcode.New(errcode.InvalidArguments, "boards", "set_index_percentage needs 0-100, got %q", value)
		}
		for _, tr := range d.tracks {
			tr.index = min(int(pct/100*float64(len(tr.samples))), len(tr.samples)-1)
		}
		d.rebaseNeeded = true
		return "", nil
	}
	return "", errcode.New(errcode.InvalidArguments, "boards", "unknown playback command %q", cmd)
}

func (d *playbackDriver) Run(ctx context.Context, sink board.Sink) error {
	for {
		wait := d.step(sink, time.Now())
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// step pushes every sample that is due at now and returns how long to wait
// for the next one. A track wraps at most once per call, and the first row
// after a wrap is due one sample period later, so recordings without a time
// span still yield to Run between passes.
func (d *playbackDriver) step(sink board.Sink, now time.Time) time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.rebaseNeeded {
		for _, tr := range d.tracks {
			tr.rebase(now)
		}
		d.rebaseNeeded = false
	}

	wait := playbackIdle
	for preset, tr := range d.tracks {
		wrapped := false
		for !tr.finished {
			if tr.index >= len(tr.samples) {
				if !d.loopback {
					tr.finished = true
					d.log.Info("playback file finished", logger.String("path", tr.path))
					break
				}
				if wrapped {
					wait = 0
					break
				}
				wrapped = true
				tr.index = 0
				tr.rebase(now.Add(tr.period()))
			}

			row := tr.samples[tr.index]
			due := tr.baseHost.Add(time.Duration((row[tr.desc.TimestampChannel] - tr.baseFile) * float64(time.Second)))
			if due.After(now) {
				wait = min(wait, due.Sub(now))
				break
			}

			sample := make([]float64, len(row))
			copy(sample, row)
			if d.newTimestamps {
				sample[tr.desc.TimestampChannel] = float64(now.UnixNano()) / 1e9
			}
			sink.Push(preset, sample)
			tr.index++
		}
	}
	return wait
}
