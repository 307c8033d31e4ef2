// Package session keeps the process-wide set of board sessions, keyed by
// board id and connection identity.
package session

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/brainwire/boardkit/internal/board"
	"github.com/brainwire/boardkit/internal/errcode"
	"github.com/brainwire/boardkit/internal/errors"
	"github.com/brainwire/boardkit/internal/logger"
	"github.com/brainwire/boardkit/internal/observability/metrics"
)

// Key identifies a session.
type Key struct {
	BoardID  int
	Identity string
}

// KeyFor derives the key of a session for boardID and params.
func KeyFor(boardID int, params board.InputParams) Key {
	return Key{BoardID: boardID, Identity: params.Identity()}
}

// Factory builds an unprepared session. It runs without the registry lock.
type Factory func(boardID int, params board.InputParams) (*board.Session, error)

type entryState int

const (
	entryReserving entryState = iota
	entryReady
	entryReleasing
)

type entry struct {
	state    entryState
	physical string
	session  *board.Session
}

// Registry owns every prepared session. The mutex only guards the map;
// device I/O always runs outside it.
type Registry struct {
	mu       sync.Mutex
	entries  map[Key]*entry
	factory  Factory
	log      logger.Logger
	recorder metrics.AcquisitionRecorder
}

// NewRegistry returns an empty registry. A nil recorder disables metrics.
func NewRegistry(factory Factory, log logger.Logger, recorder metrics.AcquisitionRecorder) *Registry {
	if log == nil {
		log = logger.Global().Module("session")
	}
	if recorder == nil {
		recorder = metrics.NoopRecorder{}
	}
	return &Registry{
		entries:  make(map[Key]*entry),
		factory:  factory,
		log:      log,
		recorder: recorder,
	}
}

func alreadyOpen(key Key, holder Key) error {
	return errors.New(errcode.PortAlreadyOpen).
		Component("session").
		Category(errors.CategoryConflict).
		Context("board_id", key.BoardID).
		Context("identity", key.Identity).
		Context("held_by_board", holder.BoardID).
		Build()
}

func notCreated(key Key) error {
	return errors.New(errcode.BoardNotCreated).
		Component("session").
		Category(errors.CategoryNotFound).
		Context("board_id", key.BoardID).
		Context("identity", key.Identity).
		Build()
}

// reserve claims key and its physical identity. The existing holder, in any
// state, is never touched.
func (r *Registry) reserve(key Key, physical string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[key]; ok {
		return alreadyOpen(key, key)
	}
	if physical != "" {
		for k, e := range r.entries {
			if e.physical == physical {
				return alreadyOpen(key, k)
			}
		}
	}
	r.entries[key] = &entry{state: entryReserving, physical: physical}
	return nil
}

func (r *Registry) drop(key Key) {
	r.mu.Lock()
	delete(r.entries, key)
	r.publishLocked()
	r.mu.Unlock()
}

func (r *Registry) publishLocked() {
	n := 0
	for _, e := range r.entries {
		if e.state == entryReady {
			n++
		}
	}
	r.recorder.SetActiveSessions(n)
}

// Prepare creates and connects a session. A second prepare for the same key,
// or for another board on the same physical connection, is PortAlreadyOpen.
func (r *Registry) Prepare(ctx context.Context, boardID int, params board.InputParams) error {
	key := KeyFor(boardID, params)
	if err := r.reserve(key, params.PhysicalIdentity()); err != nil {
		r.log.Warn("session already exists",
			logger.Int("board_id", boardID),
			logger.String("identity", key.Identity))
		return err
	}

	sess, err := r.factory(boardID, params)
	if err != nil {
		r.drop(key)
		return err
	}
	if err := sess.Prepare(ctx); err != nil {
		_ = sess.Release(ctx)
		r.drop(key)
		return err
	}

	r.mu.Lock()
	e := r.entries[key]
	e.session = sess
	e.state = entryReady
	r.publishLocked()
	r.mu.Unlock()
	return nil
}

// Get returns the ready session for key.
func (r *Registry) Get(key Key) (*board.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok || e.state != entryReady {
		return nil, notCreated(key)
	}
	return e.session, nil
}

// Lookup is Get for a board id and params.
func (r *Registry) Lookup(boardID int, params board.InputParams) (*board.Session, error) {
	return r.Get(KeyFor(boardID, params))
}

// IsPrepared reports whether a ready session exists for key.
func (r *Registry) IsPrepared(key Key) bool {
	_, err := r.Get(key)
	return err == nil
}

// Keys lists the ready sessions.
func (r *Registry) Keys() []Key {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Key, 0, len(r.entries))
	for k, e := range r.entries {
		if e.state == entryReady {
			out = append(out, k)
		}
	}
	return out
}

// Len returns the number of ready sessions.
func (r *Registry) Len() int { return len(r.Keys()) }

// Release tears down the session for key. Releasing an absent session, or
// one another caller is already releasing, succeeds.
func (r *Registry) Release(ctx context.Context, key Key) error {
	r.mu.Lock()
	e, ok := r.entries[key]
	switch {
	case !ok || e.state == entryReleasing:
		r.mu.Unlock()
		return nil
	case e.state == entryReserving:
		r.mu.Unlock()
		return notCreated(key)
	}
	e.state = entryReleasing
	sess := e.session
	r.publishLocked()
	r.mu.Unlock()

	err := sess.Release(ctx)
	r.drop(key)
	if err != nil {
		r.log.Warn("session release reported an error", logger.Int("board_id", key.BoardID), logger.Error(err))
	}
	return err
}

// ReleaseAll tears down every ready session concurrently and returns the
// first error.
func (r *Registry) ReleaseAll(ctx context.Context) error {
	r.mu.Lock()
	victims := make(map[Key]*board.Session)
	for k, e := range r.entries {
		if e.state == entryReady {
			e.state = entryReleasing
			victims[k] = e.session
		}
	}
	r.publishLocked()
	r.mu.Unlock()

	if len(victims) == 0 {
		return nil
	}
	start := time.Now()
	var g errgroup.Group
	for key, sess := range victims {
		g.Go(func() error {
			defer r.drop(key)
			return sess.Release(ctx)
		})
	}
	err := g.Wait()
	r.log.Info("released all sessions",
		logger.Int("count", len(victims)),
		logger.Duration("took", time.Since(start)))
	return err
}
