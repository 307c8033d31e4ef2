package board

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/brainwire/boardkit/internal/catalog"
	"github.com/brainwire/boardkit/internal/databuffer"
	"github.com/brainwire/boardkit/internal/errcode"
	"github.com/brainwire/boardkit/internal/errors"
	"github.com/brainwire/boardkit/internal/logger"
	"github.com/brainwire/boardkit/internal/observability/metrics"
	"github.com/brainwire/boardkit/internal/streamer"
)

// Options configure a Session.
type Options struct {
	BoardID  int
	Params   InputParams
	Driver   Driver
	Logger   logger.Logger
	Recorder metrics.AcquisitionRecorder
	MQTT     streamer.MQTTOptions
}

// Session is one board instance. Lifecycle operations are serialized; data
// reads may run concurrently with them and with acquisition.
type Session struct {
	boardID  int
	params   InputParams
	driver   Driver
	layout   map[catalog.Preset]catalog.Descriptor
	log      logger.Logger
	recorder metrics.AcquisitionRecorder
	mqtt     streamer.MQTTOptions
	markers  *markerQueues

	opMu sync.Mutex

	mu        sync.RWMutex
	state     State
	buffers   map[catalog.Preset]*databuffer.RingBuffer
	streamers map[catalog.Preset]*streamer.Set
	cancel    context.CancelFunc
	done      chan struct{}
	runErr    error
}

// NewSession wraps a driver in the Created state.
func NewSession(opts Options) *Session {
	log := opts.Logger
	if log == nil {
		log = logger.Global().Module("board")
	}
	recorder := opts.Recorder
	if recorder == nil {
		recorder = metrics.NoopRecorder{}
	}
	log = log.With(logger.Int("board_id", opts.BoardID), logger.String("driver", opts.Driver.Name()))

	layout := opts.Driver.Layout()
	streamers := make(map[catalog.Preset]*streamer.Set, len(layout))
	for p := range layout {
		streamers[p] = streamer.NewSet(log, recorder)
	}

	return &Session{
		boardID:   opts.BoardID,
		params:    opts.Params,
		driver:    opts.Driver,
		layout:    layout,
		log:       log,
		recorder:  recorder,
		mqtt:      opts.MQTT,
		markers:   newMarkerQueues(),
		streamers: streamers,
	}
}

// BoardID returns the id the session was created for.
func (s *Session) BoardID() int { return s.boardID }

// Params returns the connection params.
func (s *Session) Params() InputParams { return s.params }

// Name returns the driver name.
func (s *Session) Name() string { return s.driver.Name() }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Presets lists the presets this session produces, in index order.
func (s *Session) Presets() []catalog.Preset {
	return slices.Sorted(maps.Keys(s.layout))
}

// Descriptor returns the layout of preset.
func (s *Session) Descriptor(preset catalog.Preset) (catalog.Descriptor, error) {
	d, ok := s.layout[preset]
	if !ok {
		return d, s.presetError(preset)
	}
	return d, nil
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) lifecycleError(code errcode.Code, op string) error {
	return errors.New(code).
		Component("board").
		Category(code.ErrorCategory()).
		BoardContext(s.boardID, 0).
		Context("operation", op).
		Context("state", s.State().String()).
		Build()
}

func (s *Session) presetError(preset catalog.Preset) error {
	return errors.New(errcode.InvalidArguments).
		Component("board").
		Category(errors.CategoryValidation).
		BoardContext(s.boardID, int(preset)).
		Context("reason", "preset not produced by this board").
		Build()
}

func (s *Session) observe(op string, start time.Time, err error) {
	s.recorder.RecordDuration(op, time.Since(start).Seconds())
	if err != nil {
		s.recorder.RecordOperation(op, "error")
		s.recorder.RecordError(op, errcode.Of(err).String())
		return
	}
	s.recorder.RecordOperation(op, "success")
}

// Prepare connects to the device. It is a no-op from Prepared and
// Streaming; a failed connect leaves the session Created.
func (s *Session) Prepare(ctx context.Context) (err error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	defer func(start time.Time) { s.observe("prepare", start, err) }(time.Now())

	switch s.State() {
	case StatePrepared, StateStreaming:
		s.log.Info("session already prepared")
		return nil
	case StateReleased:
		return s.lifecycleError(errcode.BoardNotCreated, "prepare")
	}

	if err := s.driver.Connect(ctx); err != nil {
		s.log.Error("prepare session failed", logger.Error(err))
		_ = s.driver.Close()
		return err
	}
	s.setState(StatePrepared)
	s.log.Info("session prepared")
	return nil
}

// Start allocates a ring buffer of bufferSize samples per preset, adds the
// streamers in streamerParams to the default preset and starts acquisition.
func (s *Session) Start(ctx context.Context, bufferSize int, streamerParams string) (err error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	defer func(start time.Time) { s.observe("start_stream", start, err) }(time.Now())

	switch s.State() {
	case StateStreaming:
		return s.lifecycleError(errcode.StreamAlreadyRunning, "start_stream")
	case StateCreated, StateReleased:
		return s.lifecycleError(errcode.BoardNotCreated, "start_stream")
	}

	buffers := make(map[catalog.Preset]*databuffer.RingBuffer, len(s.layout))
	for p, desc := range s.layout {
		rb, err := databuffer.New(desc.NumRows, bufferSize)
		if err != nil {
			return err
		}
		buffers[p] = rb
	}

	added, err := s.addStreamersLocked(ctx, streamerParams, catalog.DefaultPreset)
	if err != nil {
		return err
	}

	if err := s.driver.StartDevice(ctx); err != nil {
		s.log.Error("start command failed", logger.Error(err))
		s.detachStreamersLocked(added, catalog.DefaultPreset)
		return err
	}

	sink := &sessionSink{
		board:     s.driver.Name(),
		layout:    s.layout,
		buffers:   buffers,
		streamers: s.streamers,
		markers:   s.markers,
		first:     NewEvent(),
		recorder:  s.recorder,
		pushed:    make(map[catalog.Preset]uint64, len(buffers)),
	}
	s.markers.reset()

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	s.mu.Lock()
	s.buffers = buffers
	s.cancel = cancel
	s.done = done
	s.runErr = nil
	s.mu.Unlock()

	go s.run(runCtx, sink, done)

	if waiter, ok := s.driver.(FirstPacketWaiter); ok {
		if err := s.awaitFirstPacket(ctx, sink.first, done, waiter.FirstPacketTimeout()); err != nil {
			cancel()
			<-done
			if stopErr := s.driver.StopDevice(context.Background()); stopErr != nil {
				s.log.Warn("stop after failed start", logger.Error(stopErr))
			}
			s.detachStreamersLocked(added, catalog.DefaultPreset)
			return err
		}
	}

	s.setState(StateStreaming)
	s.log.Info("stream started", logger.Int("buffer_size", bufferSize))
	return nil
}

func (s *Session) awaitFirstPacket(ctx context.Context, first *Event, done <-chan struct{}, timeout time.Duration) error {
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-done:
			cancel()
		case <-waitCtx.Done():
		}
	}()

	if first.Wait(waitCtx, timeout) {
		return nil
	}

	s.mu.RLock()
	runErr := s.runErr
	s.mu.RUnlock()
	select {
	case <-done:
		return errors.New(errors.Join(errcode.StreamThreadError, runErr)).
			Component("board").
			Category(errors.CategoryLifecycle).
			BoardContext(s.boardID, 0).
			Build()
	default:
	}
	return errors.New(errcode.SyncTimeoutError).
		Component("board").
		Category(errors.CategoryTimeout).
		BoardContext(s.boardID, 0).
		Timing("first_packet", timeout).
		Build()
}

func (s *Session) run(ctx context.Context, sink *sessionSink, done chan struct{}) {
	defer close(done)
	err := s.driver.Run(ctx, sink)
	if err != nil && ctx.Err() == nil {
		s.log.Error("acquisition stopped", logger.Error(err))
		s.recorder.RecordError("acquisition", errcode.Of(err).String())
	}
	s.mu.Lock()
	s.runErr = err
	s.mu.Unlock()
}

// Stop ends acquisition and waits for the acquisition goroutine to exit.
// Buffered data stays readable until the next Start or Release.
func (s *Session) Stop(ctx context.Context) (err error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	defer func(start time.Time) { s.observe("stop_stream", start, err) }(time.Now())
	return s.stopLocked(ctx)
}

func (s *Session) stopLocked(ctx context.Context) error {
	if s.State() != StateStreaming {
		return s.lifecycleError(errcode.StreamThreadNotRunning, "stop_stream")
	}

	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.state = StatePrepared
	s.mu.Unlock()

	cancel()
	<-done

	if err := s.driver.StopDevice(ctx); err != nil {
		s.log.Warn("stop command failed", logger.Error(err))
		return err
	}
	s.log.Info("stream stopped")
	return nil
}

// Release stops streaming if needed, closes the transport and every
// streamer. Releasing twice is a no-op.
func (s *Session) Release(ctx context.Context) (err error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	defer func(start time.Time) { s.observe("release_session", start, err) }(time.Now())

	switch s.State() {
	case StateReleased:
		return nil
	case StateStreaming:
		if err := s.stopLocked(ctx); err != nil {
			s.log.Warn("stop during release failed", logger.Error(err))
		}
	}

	var errs []error
	if err := s.driver.Close(); err != nil {
		errs = append(errs, err)
	}
	for _, set := range s.streamers {
		if err := set.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	s.mu.Lock()
	s.state = StateReleased
	s.buffers = nil
	s.mu.Unlock()
	s.markers.reset()

	if err := errors.Join(errs...); err != nil {
		s.log.Warn("release finished with errors", logger.Error(err))
	}
	s.log.Info("session released")
	return nil
}

// Config forwards cmd to the device and returns its response.
func (s *Session) Config(ctx context.Context, cmd string) (resp string, err error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	defer func(start time.Time) { s.observe("config_board", start, err) }(time.Now())

	st := s.State()
	if st != StatePrepared && st != StateStreaming {
		return "", s.lifecycleError(errcode.BoardNotCreated, "config_board")
	}
	resp, err = s.driver.Config(ctx, cmd, st == StateStreaming)
	if err != nil {
		s.log.Warn("config failed", logger.String("command", cmd), logger.Error(err))
		return "", err
	}
	s.log.Debug("config applied", logger.String("command", cmd))
	return resp, nil
}

// InsertMarker writes value into the marker channel of the next sample of
// preset. Zero is reserved for "no marker".
func (s *Session) InsertMarker(value float64, preset catalog.Preset) error {
	if value == 0 {
		return errcode.New(errcode.InvalidArguments, "board", "marker value must not be zero")
	}
	if _, ok := s.layout[preset]; !ok {
		return s.presetError(preset)
	}
	if s.State() != StateStreaming {
		return s.lifecycleError(errcode.StreamThreadNotRunning, "insert_marker")
	}
	s.markers.push(preset, value)
	return nil
}

// AddStreamer attaches the streamers in params to preset. It works before
// Start and while streaming.
func (s *Session) AddStreamer(ctx context.Context, params string, preset catalog.Preset) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	st := s.State()
	if st != StatePrepared && st != StateStreaming {
		return s.lifecycleError(errcode.BoardNotCreated, "add_streamer")
	}
	_, err := s.addStreamersLocked(ctx, params, preset)
	return err
}

// addStreamersLocked parses params and attaches every streamer to preset,
// returning the specs it attached. Either all of them are attached or none.
func (s *Session) addStreamersLocked(ctx context.Context, params string, preset catalog.Preset) ([]string, error) {
	desc, ok := s.layout[preset]
	if !ok {
		return nil, s.presetError(preset)
	}
	parsed, err := streamer.Parse(params, streamer.Options{
		Board:      s.driver.Name(),
		Preset:     preset,
		Descriptor: desc,
		MQTT:       s.mqtt,
		Logger:     s.log,
	})
	if err != nil {
		return nil, err
	}
	added := make([]string, 0, len(parsed))
	for _, st := range parsed {
		if err := s.streamers[preset].Add(ctx, st); err != nil {
			s.detachStreamersLocked(added, preset)
			return nil, err
		}
		added = append(added, st.Spec())
	}
	return added, nil
}

func (s *Session) detachStreamersLocked(specs []string, preset catalog.Preset) {
	for _, spec := range specs {
		if err := s.streamers[preset].Remove(spec); err != nil {
			s.log.Warn("detach streamer", logger.String("spec", spec), logger.Error(err))
		}
	}
}

// DeleteStreamer closes and removes the streamer added with params.
func (s *Session) DeleteStreamer(params string, preset catalog.Preset) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	set, ok := s.streamers[preset]
	if !ok {
		return s.presetError(preset)
	}
	if s.State() == StateReleased {
		return s.lifecycleError(errcode.BoardNotCreated, "delete_streamer")
	}
	return set.Remove(params)
}

// Streamers lists the streamer specs attached to preset.
func (s *Session) Streamers(preset catalog.Preset) []string {
	if set, ok := s.streamers[preset]; ok {
		return set.Specs()
	}
	return nil
}

func (s *Session) buffer(preset catalog.Preset) (*databuffer.RingBuffer, catalog.Descriptor, error) {
	desc, ok := s.layout[preset]
	if !ok {
		return nil, desc, s.presetError(preset)
	}
	s.mu.RLock()
	rb := s.buffers[preset]
	s.mu.RUnlock()
	if rb == nil {
		return nil, desc, errors.New(errcode.EmptyBuffer).
			Component("board").
			Category(errors.CategoryBuffer).
			BoardContext(s.boardID, int(preset)).
			Build()
	}
	return rb, desc, nil
}

// DataCount returns the number of samples buffered for preset.
func (s *Session) DataCount(preset catalog.Preset) (int, error) {
	rb, _, err := s.buffer(preset)
	if err != nil {
		return 0, err
	}
	return rb.Available(), nil
}

// Data removes and returns up to count of the oldest samples of preset,
// channel-major. A count of zero or less takes everything.
func (s *Session) Data(count int, preset catalog.Preset) ([][]float64, error) {
	rb, desc, err := s.buffer(preset)
	if err != nil {
		return nil, err
	}
	if count <= 0 {
		count = rb.Capacity()
	}
	return ToChannelMajor(rb.Drain(count), desc.NumRows), nil
}

// CurrentData returns up to count of the newest samples of preset in
// chronological order, channel-major, without removing them.
func (s *Session) CurrentData(count int, preset catalog.Preset) ([][]float64, error) {
	if count < 0 {
		return nil, errcode.New(errcode.InvalidArguments, "board", "negative sample count %d", count)
	}
	rb, desc, err := s.buffer(preset)
	if err != nil {
		return nil, err
	}
	return ToChannelMajor(rb.PeekLatest(count), desc.NumRows), nil
}
