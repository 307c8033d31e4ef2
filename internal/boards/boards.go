// Package boards holds the concrete device drivers and the dispatch table
// that maps a board id to its driver.
package boards

import (
	"maps"
	"slices"
	"time"

	"golang.org/x/time/rate"

	"github.com/brainwire/boardkit/internal/board"
	"github.com/brainwire/boardkit/internal/catalog"
	"github.com/brainwire/boardkit/internal/errcode"
	"github.com/brainwire/boardkit/internal/errors"
	"github.com/brainwire/boardkit/internal/logger"
	"github.com/brainwire/boardkit/internal/transport"
)

// Board ids.
const (
	PlaybackFileBoard = -3
	StreamingBoard    = -2
	SyntheticBoard    = -1
	CytonBoard        = 0
	GanglionBoard     = 1
	CytonDaisyBoard   = 2
	GaleaBoard        = 3
)

// Timeouts bound the blocking steps of drivers.
type Timeouts struct {
	FirstPacket time.Duration
	BLE         time.Duration
	Read        time.Duration
	// ClockSyncRounds is the number of round trips per clock calibration.
	ClockSyncRounds int
}

// DefaultTimeouts are used for zero fields of Deps.Timeouts.
var DefaultTimeouts = Timeouts{
	FirstPacket:     5 * time.Second,
	BLE:             15 * time.Second,
	Read:            250 * time.Millisecond,
	ClockSyncRounds: 5,
}

// Deps are the collaborators drivers are built with.
type Deps struct {
	Catalog    *catalog.Catalog
	OpenSerial transport.SerialOpener
	BLE        transport.BLEStack
	Logger     logger.Logger
	Timeouts   Timeouts
}

func (d *Deps) applyDefaults() {
	if d.OpenSerial == nil {
		d.OpenSerial = transport.OpenSerial
	}
	if d.BLE == nil {
		d.BLE = transport.DefaultBLEStack
	}
	if d.Logger == nil {
		d.Logger = logger.Global().Module("boards")
	}
	if d.Timeouts.FirstPacket <= 0 {
		d.Timeouts.FirstPacket = DefaultTimeouts.FirstPacket
	}
	if d.Timeouts.BLE <= 0 {
		d.Timeouts.BLE = DefaultTimeouts.BLE
	}
	if d.Timeouts.Read <= 0 {
		d.Timeouts.Read = DefaultTimeouts.Read
	}
	if d.Timeouts.ClockSyncRounds <= 0 {
		d.Timeouts.ClockSyncRounds = DefaultTimeouts.ClockSyncRounds
	}
}

// Constructor builds a driver for params.
type Constructor func(params board.InputParams, deps Deps) (board.Driver, error)

var dispatch = map[int]Constructor{
	PlaybackFileBoard: newPlaybackDriver,
	StreamingBoard:    newStreamingDriver,
	SyntheticBoard:    newSyntheticDriver,
	CytonBoard:        newCytonDriver,
	GanglionBoard:     newGanglionDriver,
	CytonDaisyBoard:   newCytonDaisyDriver,
	GaleaBoard:        newGaleaDriver,
}

// IDs lists the supported board ids in ascending order.
func IDs() []int {
	return slices.Sorted(maps.Keys(dispatch))
}

// New builds the driver for boardID. Unknown ids are UnsupportedBoard.
func New(boardID int, params board.InputParams, deps Deps) (board.Driver, error) {
	ctor, ok := dispatch[boardID]
	if !ok {
		return nil, errors.New(errcode.UnsupportedBoard).
			Component("boards").
			Category(errors.CategoryValidation).
			Context("board_id", boardID).
			Build()
	}
	if deps.Catalog == nil {
		return nil, errcode.New(errcode.GeneralError, "boards", "no board catalog configured")
	}
	deps.applyDefaults()
	deps.Logger = deps.Logger.With(logger.Int("board_id", boardID))
	return ctor(params, deps)
}

// DescriptorBoard returns the id whose catalog layout a session of boardID
// uses: the master board for playback and streaming boards.
func DescriptorBoard(boardID int, params board.InputParams) int {
	if boardID == PlaybackFileBoard || boardID == StreamingBoard {
		return params.MasterBoard
	}
	return boardID
}

// layoutFor returns every preset the catalog lists for boardID.
func layoutFor(cat *catalog.Catalog, boardID int) (map[catalog.Preset]catalog.Descriptor, error) {
	presets, err := cat.Presets(boardID)
	if err != nil {
		return nil, err
	}
	out := make(map[catalog.Preset]catalog.Descriptor, len(presets))
	for _, p := range presets {
		d, err := cat.Lookup(boardID, p)
		if err != nil {
			return nil, err
		}
		out[p] = d
	}
	return out, nil
}

// masterLayout validates params.MasterBoard for boards that replay another
// board's data.
func masterLayout(cat *catalog.Catalog, params board.InputParams) (map[catalog.Preset]catalog.Descriptor, error) {
	if params.MasterBoard == board.NoBoard || params.MasterBoard == PlaybackFileBoard || params.MasterBoard == StreamingBoard {
		return nil, errcode.New(errcode.InvalidArguments, "boards", "master_board must name a real board, got %d", params.MasterBoard)
	}
	return layoutFor(cat, params.MasterBoard)
}

// throttled logs at most once per interval.
type throttled struct {
	log     logger.Logger
	limiter *rate.Limiter
}

func newThrottled(log logger.Logger) *throttled {
	return &throttled{log: log, limiter: rate.NewLimiter(rate.Every(5*time.Second), 1)}
}

func (t *throttled) Warn(msg string, fields ...logger.Field) {
	if t.limiter.Allow() {
		t.log.Warn(msg, fields...)
	}
}

func unsupportedConfig(name string) error {
	return errcode.New(errcode.UnsupportedBoard, "boards", "%s does not accept configuration commands", name)
}

func hostNow() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
