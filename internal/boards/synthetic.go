package boards

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/brainwire/boardkit/internal/board"
	"github.com/brainwire/boardkit/internal/catalog"
	"github.com/brainwire/boardkit/internal/errcode"
	"github.com/brainwire/boardkit/internal/logger"
)

const (
	syntheticAmplitude = 10.0 // µV
	syntheticNoise     = 1.0  // µV
)

// syntheticDriver generates sine waves with gaussian noise at the catalog
// sampling rate of each preset.
type syntheticDriver struct {
	layout map[catalog.Preset]catalog.Descriptor
	log    logger.Logger

	mu        sync.Mutex
	amplitude float64
	noise     float64
}

func newSyntheticDriver(_ board.InputParams, deps Deps) (board.Driver, error) {
	layout, err := layoutFor(deps.Catalog, SyntheticBoard)
	if err != nil {
		return nil, err
	}
	return &syntheticDriver{
		layout:    layout,
		log:       deps.Logger.Module("synthetic"),
		amplitude: syntheticAmplitude,
		noise:     syntheticNoise,
	}, nil
}

func (d *syntheticDriver) Name() string { return "synthetic" }

func (d *syntheticDriver) Layout() map[catalog.Preset]catalog.Descriptor { return d.layout }

func (d *syntheticDriver) Connect(context.Context) error     { return nil }
func (d *syntheticDriver) StartDevice(context.Context) error { return nil }
func (d *syntheticDriver) StopDevice(context.Context) error  { return nil }
func (d *syntheticDriver) Close() error                      { return nil }

// Config accepts "amplitude:<µV>" and "noise:<µV>".
func (d *syntheticDriver) Config(_ context.Context, cmd string, _ bool) (string, error) {
	key, value, ok := strings.Cut(strings.TrimSpace(cmd), ":")
	v, err := strconv.ParseFloat(value, 64)
	if !ok || err != nil || v < 0 || math.IsInf(v, 0) || math.IsNaN(v) {
		return "", errcode.New(errcode.InvalidArguments, "boards", "synthetic board accepts amplitude:<uV> or noise:<uV>, got %q", cmd)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	switch key {
	case "amplitude":
		d.amplitude = v
	case "noise":
		d.noise = v
	default:
		return "", errcode.New(errcode.InvalidArguments, "boards", "unknown synthetic setting %q", key)
	}
	return fmt.Sprintf("%s set to %g", key, v), nil
}

func (d *syntheticDriver) params() (amplitude, noise float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.amplitude, d.noise
}

func (d *syntheticDriver) Run(ctx context.Context, sink board.Sink) error {
	def := d.layout[catalog.DefaultPreset]
	aux, hasAux := d.layout[catalog.AuxiliaryPreset]
	auxEvery := 0
	if hasAux && aux.SamplingRate > 0 {
		auxEvery = max(def.SamplingRate/aux.SamplingRate, 1)
	}

	interval := time.Second / time.Duration(def.SamplingRate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	rng := rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x5eed))
	start := time.Now()
	var counter uint64

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			t := now.Sub(start).Seconds()
			amplitude, noise := d.params()
			sink.Push(catalog.DefaultPreset, d.defaultSample(def, counter, t, amplitude, noise, rng))
			if auxEvery > 0 && counter%uint64(auxEvery) == 0 {
				sink.Push(catalog.AuxiliaryPreset, d.auxSample(aux, counter/uint64(auxEvery), rng))
			}
			counter++
		}
	}
}

func (d *syntheticDriver) defaultSample(desc catalog.Descriptor, counter uint64, t, amplitude, noise float64, rng *rand.Rand) []float64 {
	s := make([]float64, desc.NumRows)
	s[desc.PackageNumChannel] = float64(counter % 256)

	for i, ch := range desc.EEG {
		freq := float64(5 + 2*i)
		s[ch] = amplitude*math.Sin(2*math.Pi*freq*t) + noise*rng.NormFloat64()
	}
	for i, ch := range desc.Accel {
		s[ch] = 0.01 * rng.NormFloat64()
		if i == 2 {
			s[ch] += 1 // gravity on z
		}
	}
	for _, ch := range desc.Gyro {
		s[ch] = 0.5 * rng.NormFloat64()
	}
	for _, ch := range desc.EDA {
		s[ch] = 2 + 0.05*rng.NormFloat64()
	}
	for i, ch := range desc.PPG {
		s[ch] = 500 + 100*math.Sin(2*math.Pi*1.2*t+float64(i)) + rng.NormFloat64()
	}
	for _, ch := range desc.Temperature {
		s[ch] = 36.5 + 0.1*rng.NormFloat64()
	}
	for _, ch := range desc.Resistance {
		s[ch] = 1000 + 10*rng.NormFloat64()
	}
	if desc.BatteryChannel >= 0 {
		s[desc.BatteryChannel] = 95
	}
	s[desc.TimestampChannel] = hostNow()
	return s
}

func (d *syntheticDriver) auxSample(desc catalog.Descriptor, counter uint64, rng *rand.Rand) []float64 {
	s := make([]float64, desc.NumRows)
	s[desc.PackageNumChannel] = float64(counter % 256)
	if desc.BatteryChannel >= 0 {
		s[desc.BatteryChannel] = 95
	}
	for _, ch := range desc.Temperature {
		s[ch] = 36.5 + 0.1*rng.NormFloat64()
	}
	s[desc.TimestampChannel] = hostNow()
	return s
}
