// Package boardcontroller is the primitive-argument surface of boardkit:
// every operation takes a board id and a params_json string and maps onto
// the session registry.
package boardcontroller

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/brainwire/boardkit/internal/board"
	"github.com/brainwire/boardkit/internal/boards"
	"github.com/brainwire/boardkit/internal/catalog"
	"github.com/brainwire/boardkit/internal/conf"
	"github.com/brainwire/boardkit/internal/errcode"
	"github.com/brainwire/boardkit/internal/errors"
	"github.com/brainwire/boardkit/internal/logger"
	"github.com/brainwire/boardkit/internal/observability/metrics"
	"github.com/brainwire/boardkit/internal/session"
	"github.com/brainwire/boardkit/internal/streamer"
)

// Config assembles a Controller.
type Config struct {
	Catalog  *catalog.Catalog
	Deps     boards.Deps
	Recorder metrics.AcquisitionRecorder
	MQTT     streamer.MQTTOptions
	// Logging receives SetLogLevel and SetLogFile; nil uses logger.Global().
	Logging *logger.CentralLogger
}

// Controller owns a session registry and the board catalog.
type Controller struct {
	catalog  *catalog.Catalog
	registry *session.Registry
	logging  *logger.CentralLogger
	log      logger.Logger
}

// New builds a controller. Catalog is required.
func New(cfg Config) (*Controller, error) {
	if cfg.Catalog == nil {
		return nil, errcode.New(errcode.GeneralError, "controller", "no board catalog configured")
	}
	if cfg.Logging == nil {
		cfg.Logging = logger.Global()
	}
	if cfg.Recorder == nil {
		cfg.Recorder = metrics.NoopRecorder{}
	}
	log := cfg.Logging.Module("controller")
	cfg.Deps.Catalog = cfg.Catalog
	if cfg.Deps.Logger == nil {
		cfg.Deps.Logger = cfg.Logging.Module("boards")
	}
	sessionLog := cfg.Logging.Module("session")

	factory := func(boardID int, params board.InputParams) (*board.Session, error) {
		drv, err := boards.New(boardID, params, cfg.Deps)
		if err != nil {
			return nil, err
		}
		return board.NewSession(board.Options{
			BoardID:  boardID,
			Params:   params,
			Driver:   drv,
			Logger:   sessionLog,
			Recorder: cfg.Recorder,
			MQTT:     cfg.MQTT,
		}), nil
	}

	return &Controller{
		catalog:  cfg.Catalog,
		registry: session.NewRegistry(factory, sessionLog, cfg.Recorder),
		logging:  cfg.Logging,
		log:      log,
	}, nil
}

// ConfigFromSettings maps loaded settings onto a controller configuration.
// A nil settings value yields the built-in defaults.
func ConfigFromSettings(settings *conf.Settings) (Config, error) {
	path, ttl := "", time.Duration(0)
	var cfg Config
	if settings != nil {
		path, ttl = settings.Catalog.File, settings.Catalog.CacheTTL
		cfg.Deps.Timeouts = boards.Timeouts{
			FirstPacket:     settings.Acquisition.FirstPacketTimeout,
			BLE:             settings.Acquisition.BLETimeout,
			Read:            settings.Acquisition.ReadTimeout,
			ClockSyncRounds: settings.Acquisition.ClockSyncRounds,
		}
		cfg.MQTT = streamer.MQTTOptions{
			ClientID: settings.MQTT.ClientID,
			Username: settings.MQTT.Username,
			Password: settings.MQTT.Password,
			QoS:      settings.MQTT.QoS,
		}
	}
	cat, err := catalog.New(catalog.NewFileSource(path, ttl))
	if err != nil {
		return cfg, err
	}
	cfg.Catalog = cat
	return cfg, nil
}

var (
	defaultOnce       sync.Once
	defaultController *Controller
	defaultErr        error
)

// Default returns the process-wide controller, built on first use from
// conf.GetSettings().
func Default() (*Controller, error) {
	defaultOnce.Do(func() {
		cfg, err := ConfigFromSettings(conf.GetSettings())
		if err != nil {
			defaultErr = err
			return
		}
		defaultController, defaultErr = New(cfg)
	})
	return defaultController, defaultErr
}

func (c *Controller) lookup(boardID int, paramsJSON string) (*board.Session, error) {
	params, err := board.ParseInputParams(paramsJSON)
	if err != nil {
		return nil, err
	}
	return c.registry.Lookup(boardID, params)
}

func toPreset(preset int) (catalog.Preset, error) {
	p := catalog.Preset(preset)
	if !p.Valid() {
		return p, errors.New(errcode.InvalidArguments).
			Component("controller").
			Category(errors.CategoryValidation).
			Context("preset", preset).
			Build()
	}
	return p, nil
}

// PrepareSession connects to the board and registers the session.
func (c *Controller) PrepareSession(ctx context.Context, boardID int, paramsJSON string) error {
	params, err := board.ParseInputParams(paramsJSON)
	if err != nil {
		return err
	}
	return c.registry.Prepare(ctx, boardID, params)
}

// IsPrepared reports whether a session exists for the board and params.
func (c *Controller) IsPrepared(boardID int, paramsJSON string) (bool, error) {
	params, err := board.ParseInputParams(paramsJSON)
	if err != nil {
		return false, err
	}
	return c.registry.IsPrepared(session.KeyFor(boardID, params)), nil
}

// StartStream allocates bufferSize samples per preset and starts acquisition.
func (c *Controller) StartStream(ctx context.Context, bufferSize int, streamerParams string, boardID int, paramsJSON string) error {
	s, err := c.lookup(boardID, paramsJSON)
	if err != nil {
		return err
	}
	return s.Start(ctx, bufferSize, streamerParams)
}

// StopStream stops acquisition; buffered data stays readable.
func (c *Controller) StopStream(ctx context.Context, boardID int, paramsJSON string) error {
	s, err := c.lookup(boardID, paramsJSON)
	if err != nil {
		return err
	}
	return s.Stop(ctx)
}

// ReleaseSession tears the session down. Releasing an absent session is OK.
func (c *Controller) ReleaseSession(ctx context.Context, boardID int, paramsJSON string) error {
	params, err := board.ParseInputParams(paramsJSON)
	if err != nil {
		return err
	}
	return c.registry.Release(ctx, session.KeyFor(boardID, params))
}

// ReleaseAllSessions tears down every session.
func (c *Controller) ReleaseAllSessions(ctx context.Context) error {
	return c.registry.ReleaseAll(ctx)
}

// GetBoardDataCount returns the number of buffered samples of preset.
func (c *Controller) GetBoardDataCount(preset, boardID int, paramsJSON string) (int, error) {
	p, err := toPreset(preset)
	if err != nil {
		return 0, err
	}
	s, err := c.lookup(boardID, paramsJSON)
	if err != nil {
		return 0, err
	}
	return s.DataCount(p)
}

// GetBoardData removes up to count of the oldest samples of preset and
// returns them channel-major. count <= 0 takes all.
func (c *Controller) GetBoardData(count, preset, boardID int, paramsJSON string) ([][]float64, error) {
	p, err := toPreset(preset)
	if err != nil {
		return nil, err
	}
	s, err := c.lookup(boardID, paramsJSON)
	if err != nil {
		return nil, err
	}
	return s.Data(count, p)
}

// GetCurrentBoardData returns up to count of the newest samples of preset
// without removing them.
func (c *Controller) GetCurrentBoardData(count, preset, boardID int, paramsJSON string) ([][]float64, error) {
	p, err := toPreset(preset)
	if err != nil {
		return nil, err
	}
	s, err := c.lookup(boardID, paramsJSON)
	if err != nil {
		return nil, err
	}
	return s.CurrentData(count, p)
}

// ConfigBoard sends a device command and returns its response.
func (c *Controller) ConfigBoard(ctx context.Context, config string, boardID int, paramsJSON string) (string, error) {
	s, err := c.lookup(boardID, paramsJSON)
	if err != nil {
		return "", err
	}
	return s.Config(ctx, config)
}

// InsertMarker tags the next sample of preset with value.
func (c *Controller) InsertMarker(value float64, preset, boardID int, paramsJSON string) error {
	p, err := toPreset(preset)
	if err != nil {
		return err
	}
	s, err := c.lookup(boardID, paramsJSON)
	if err != nil {
		return err
	}
	return s.InsertMarker(value, p)
}

// AddStreamer attaches streamer to preset.
func (c *Controller) AddStreamer(ctx context.Context, streamerParams string, preset, boardID int, paramsJSON string) error {
	p, err := toPreset(preset)
	if err != nil {
		return err
	}
	s, err := c.lookup(boardID, paramsJSON)
	if err != nil {
		return err
	}
	return s.AddStreamer(ctx, streamerParams, p)
}

// DeleteStreamer detaches and closes a streamer added earlier.
func (c *Controller) DeleteStreamer(streamerParams string, preset, boardID int, paramsJSON string) error {
	p, err := toPreset(preset)
	if err != nil {
		return err
	}
	s, err := c.lookup(boardID, paramsJSON)
	if err != nil {
		return err
	}
	return s.DeleteStreamer(streamerParams, p)
}

// Log levels of the primitive surface.
const (
	LevelTrace    = 0
	LevelDebug    = 1
	LevelInfo     = 2
	LevelWarn     = 3
	LevelError    = 4
	LevelCritical = 5
	LevelOff      = 6
)

var levelByNumber = map[int]logger.LogLevel{
	LevelTrace:    logger.LogLevelTrace,
	LevelDebug:    logger.LogLevelDebug,
	LevelInfo:     logger.LogLevelInfo,
	LevelWarn:     logger.LogLevelWarn,
	LevelError:    logger.LogLevelError,
	LevelCritical: logger.LogLevelError,
	LevelOff:      logger.LogLevelOff,
}

// SetLogLevel changes the level of every boardkit logger.
func (c *Controller) SetLogLevel(level int) error {
	lv, ok := levelByNumber[level]
	if !ok {
		return errcode.New(errcode.InvalidArguments, "controller", "log level %d outside 0-6", level)
	}
	c.logging.SetLevel(lv)
	return nil
}

// SetLogFile redirects file logging to path.
func (c *Controller) SetLogFile(path string) error {
	if path == "" {
		return errcode.New(errcode.InvalidArguments, "controller", "empty log file path")
	}
	if err := c.logging.SetLogFile(path); err != nil {
		return errors.New(errors.Join(errcode.GeneralError, err)).
			Component("controller").
			Category(errors.CategoryFileIO).
			Context("path", path).
			Build()
	}
	return nil
}

// Catalog getters. They need no session.

func (c *Controller) descriptor(boardID, preset int) (catalog.Descriptor, error) {
	p, err := toPreset(preset)
	if err != nil {
		return catalog.Descriptor{}, err
	}
	return c.catalog.Lookup(boardID, p)
}

func (c *Controller) GetSamplingRate(boardID, preset int) (int, error) {
	d, err := c.descriptor(boardID, preset)
	return d.SamplingRate, err
}

func (c *Controller) GetNumRows(boardID, preset int) (int, error) {
	d, err := c.descriptor(boardID, preset)
	return d.NumRows, err
}

func (c *Controller) GetTimestampChannel(boardID, preset int) (int, error) {
	d, err := c.descriptor(boardID, preset)
	return d.TimestampChannel, err
}

func (c *Controller) GetMarkerChannel(boardID, preset int) (int, error) {
	d, err := c.descriptor(boardID, preset)
	return d.MarkerChannel, err
}

func (c *Controller) GetPackageNumChannel(boardID, preset int) (int, error) {
	d, err := c.descriptor(boardID, preset)
	return d.PackageNumChannel, err
}

// GetBatteryChannel fails with UnsupportedBoard when the layout has no
// battery row.
func (c *Controller) GetBatteryChannel(boardID, preset int) (int, error) {
	d, err := c.descriptor(boardID, preset)
	if err != nil {
		return 0, err
	}
	if d.BatteryChannel < 0 {
		return 0, errcode.New(errcode.UnsupportedBoard, "controller", "%s has no battery channel", d.Name)
	}
	return d.BatteryChannel, nil
}

func (c *Controller) GetEEGChannels(boardID, preset int) ([]int, error) {
	return c.group(boardID, preset, "eeg", func(d *catalog.Descriptor) []int { return d.EEG })
}

func (c *Controller) GetAccelChannels(boardID, preset int) ([]int, error) {
	return c.group(boardID, preset, "accel", func(d *catalog.Descriptor) []int { return d.Accel })
}

func (c *Controller) GetExGChannels(boardID, preset int) ([]int, error) {
	return c.group(boardID, preset, "exg", (*catalog.Descriptor).ExG)
}

// group returns a channel group; an empty group is UnsupportedBoard.
func (c *Controller) group(boardID, preset int, name string, pick func(*catalog.Descriptor) []int) ([]int, error) {
	d, err := c.descriptor(boardID, preset)
	if err != nil {
		return nil, err
	}
	chans := pick(&d)
	if len(chans) == 0 {
		return nil, errcode.New(errcode.UnsupportedBoard, "controller", "%s has no %s channels", d.Name, name)
	}
	return append([]int(nil), chans...), nil
}

func (c *Controller) GetEEGNames(boardID, preset int) ([]string, error) {
	d, err := c.descriptor(boardID, preset)
	if err != nil {
		return nil, err
	}
	if len(d.EEGNames) == 0 {
		return nil, errcode.New(errcode.UnsupportedBoard, "controller", "%s has no eeg names", d.Name)
	}
	return append([]string(nil), d.EEGNames...), nil
}

// GetBoardDescr returns the descriptor as JSON.
func (c *Controller) GetBoardDescr(boardID, preset int) (string, error) {
	d, err := c.descriptor(boardID, preset)
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(d)
	if err != nil {
		return "", errors.New(errors.Join(errcode.GeneralError, err)).
			Component("controller").
			Category(errors.CategoryCatalog).
			Build()
	}
	return string(b), nil
}

// GetBoardPresets lists the preset indices a board advertises.
func (c *Controller) GetBoardPresets(boardID int) ([]int, error) {
	presets, err := c.catalog.Presets(boardID)
	if err != nil {
		return nil, err
	}
	out := make([]int, len(presets))
	for i, p := range presets {
		out[i] = int(p)
	}
	return out, nil
}

// Sessions lists the prepared sessions.
func (c *Controller) Sessions() []session.Key {
	return c.registry.Keys()
}
