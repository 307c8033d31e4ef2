package streamer

import (
	"context"
	"slices"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/brainwire/boardkit/internal/errcode"
	"github.com/brainwire/boardkit/internal/errors"
	"github.com/brainwire/boardkit/internal/logger"
	"github.com/brainwire/boardkit/internal/observability/metrics"
)

// Set fans samples out to a changing list of streamers. Streamers can be
// added and removed while another goroutine calls Stream.
type Set struct {
	mu        sync.RWMutex
	streamers []Streamer

	log      logger.Logger
	recorder metrics.AcquisitionRecorder
	limiter  *rate.Limiter
}

// NewSet creates an empty set. Failures are logged at most once per five seconds.
func NewSet(log logger.Logger, recorder metrics.AcquisitionRecorder) *Set {
	if recorder == nil {
		recorder = metrics.NoopRecorder{}
	}
	return &Set{
		log:      log,
		recorder: recorder,
		limiter:  rate.NewLimiter(rate.Every(5*time.Second), 1),
	}
}

// Add initializes s and appends it. A streamer with the same spec is replaced.
func (set *Set) Add(ctx context.Context, s Streamer) error {
	if err := s.Init(ctx); err != nil {
		return err
	}

	set.mu.Lock()
	var replaced Streamer
	if i := set.indexLocked(s.Spec()); i >= 0 {
		replaced = set.streamers[i]
		set.streamers[i] = s
	} else {
		set.streamers = append(set.streamers, s)
	}
	set.mu.Unlock()

	if replaced != nil {
		_ = replaced.Close()
	}
	set.log.Info("streamer added", logger.String("spec", s.Spec()))
	return nil
}

// Remove closes and drops the streamer parsed from spec.
func (set *Set) Remove(spec string) error {
	set.mu.Lock()
	i := set.indexLocked(spec)
	if i < 0 {
		set.mu.Unlock()
		return errors.New(errcode.InvalidArguments).
			Component("streamer").
			Category(errors.CategoryNotFound).
			Context("spec", spec).
			Build()
	}
	s := set.streamers[i]
	set.streamers = slices.Delete(set.streamers, i, i+1)
	set.mu.Unlock()

	set.log.Info("streamer removed", logger.String("spec", spec))
	return s.Close()
}

func (set *Set) indexLocked(spec string) int {
	return slices.IndexFunc(set.streamers, func(s Streamer) bool { return s.Spec() == spec })
}

// Len returns the number of streamers.
func (set *Set) Len() int {
	set.mu.RLock()
	defer set.mu.RUnlock()
	return len(set.streamers)
}

// Specs lists the active streamer tokens.
func (set *Set) Specs() []string {
	set.mu.RLock()
	defer set.mu.RUnlock()
	out := make([]string, len(set.streamers))
	for i, s := range set.streamers {
		out[i] = s.Spec()
	}
	return out
}

// Stream hands sample to every streamer. Failures are counted and logged,
// never returned.
func (set *Set) Stream(sample []float64) {
	set.mu.RLock()
	defer set.mu.RUnlock()
	for _, s := range set.streamers {
		if err := s.Stream(sample); err != nil {
			set.recorder.RecordStreamerError(s.Kind())
			if set.limiter.Allow() {
				set.log.Warn("streamer write failed",
					logger.String("spec", s.Spec()),
					logger.Error(err))
			}
		}
	}
}

// Close closes and drops all streamers.
func (set *Set) Close() error {
	set.mu.Lock()
	streamers := set.streamers
	set.streamers = nil
	set.mu.Unlock()

	var errs []error
	for _, s := range streamers {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
