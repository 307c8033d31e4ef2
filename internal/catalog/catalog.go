package catalog

import (
	_ "embed"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/brainwire/boardkit/internal/errcode"
	"github.com/brainwire/boardkit/internal/errors"
)

//go:embed boards.json
var builtinJSON []byte

var (
	builtinOnce  sync.Once
	builtinSet   BoardSet
	builtinError error
)

func builtin() (BoardSet, error) {
	builtinOnce.Do(func() {
		builtinSet, builtinError = ParseBoards(builtinJSON)
	})
	return builtinSet, builtinError
}

// Catalog resolves descriptors from the compiled-in table and, for boards
// missing there, from an optional fallback file.
type Catalog struct {
	builtin  BoardSet
	fallback *FileSource
}

// New returns a catalog backed by the compiled-in table and fallback, which may be nil.
func New(fallback *FileSource) (*Catalog, error) {
	set, err := builtin()
	if err != nil {
		return nil, errors.New(err).
			Component("catalog").
			Category(errors.CategoryCatalog).
			Build()
	}
	return &Catalog{builtin: set, fallback: fallback}, nil
}

// Lookup returns the descriptor for (boardID, preset). A board unknown to both
// sources is UnsupportedBoard; a known board without that preset is InvalidArguments.
func (c *Catalog) Lookup(boardID int, preset Preset) (Descriptor, error) {
	presets, err := c.presets(boardID)
	if err != nil {
		return Descriptor{}, err
	}
	d, ok := presets[preset]
	if !ok {
		return Descriptor{}, errors.New(errcode.InvalidArguments).
			Component("catalog").
			Category(errors.CategoryCatalog).
			BoardContext(boardID, int(preset)).
			Build()
	}
	return d, nil
}

// Presets returns the presets a board advertises, in index order.
func (c *Catalog) Presets(boardID int) ([]Preset, error) {
	presets, err := c.presets(boardID)
	if err != nil {
		return nil, err
	}
	return slices.Sorted(maps.Keys(presets)), nil
}

// Boards lists the compiled-in board ids.
func (c *Catalog) Boards() []int {
	return slices.Sorted(maps.Keys(c.builtin))
}

func (c *Catalog) presets(boardID int) (map[Preset]Descriptor, error) {
	if p, ok := c.builtin[boardID]; ok {
		return p, nil
	}
	if c.fallback != nil {
		if p, ok, err := c.fallback.lookup(boardID); err != nil {
			return nil, err
		} else if ok {
			return p, nil
		}
	}
	return nil, errors.New(errcode.UnsupportedBoard).
		Component("catalog").
		Category(errors.CategoryCatalog).
		Context("board_id", boardID).
		Build()
}

// FileSource reads board descriptors from a JSON file on demand. The parsed
// document is cached for ttl so edits are picked up without a restart.
type FileSource struct {
	path  string
	cache *cache.Cache
}

const fileCacheKey = "boards"

// NewFileSource creates a source for path. An empty path means
// brainflow_boards.json beside the executable.
func NewFileSource(path string, ttl time.Duration) *FileSource {
	if path == "" {
		path = DefaultFallbackPath()
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &FileSource{path: path, cache: cache.New(ttl, ttl*2)}
}

// DefaultFallbackPath returns brainflow_boards.json in the executable's directory.
func DefaultFallbackPath() string {
	const name = "brainflow_boards.json"
	exe, err := os.Executable()
	if err != nil {
		return name
	}
	return filepath.Join(filepath.Dir(exe), name)
}

// Path returns the file consulted by the source.
func (f *FileSource) Path() string { return f.path }

func (f *FileSource) lookup(boardID int) (map[Preset]Descriptor, bool, error) {
	set, err := f.load()
	if err != nil {
		return nil, false, err
	}
	p, ok := set[boardID]
	return p, ok, nil
}

// load returns the cached document or re-reads the file. A missing file is
// an empty catalog.
func (f *FileSource) load() (BoardSet, error) {
	if v, ok := f.cache.Get(fileCacheKey); ok {
		if set, ok := v.(BoardSet); ok {
			return set, nil
		}
	}

	data, err := os.ReadFile(f.path)
	switch {
	case os.IsNotExist(err):
		set := BoardSet{}
		f.cache.Set(fileCacheKey, set, cache.DefaultExpiration)
		return set, nil
	case err != nil:
		return nil, errors.New(err).
			Component("catalog").
			Category(errors.CategoryFileIO).
			Context("path", f.path).
			Build()
	}

	set, err := ParseBoards(data)
	if err != nil {
		return nil, errors.New(err).
			Component("catalog").
			Category(errors.CategoryCatalog).
			Context("path", f.path).
			Build()
	}
	f.cache.Set(fileCacheKey, set, cache.DefaultExpiration)
	return set, nil
}
