package streamer

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/brainwire/boardkit/internal/errcode"
	"github.com/brainwire/boardkit/internal/errors"
)

// FileStreamer appends one tab separated line per sample.
type FileStreamer struct {
	spec   string
	path   string
	append bool

	mu   sync.Mutex
	f    *os.File
	w    *bufio.Writer
	line []byte
}

func newFileStreamer(spec, path string, appendMode bool) *FileStreamer {
	return &FileStreamer{spec: spec, path: path, append: appendMode}
}

func (s *FileStreamer) Spec() string { return s.spec }
func (s *FileStreamer) Kind() string { return schemeFile }

// Init opens the file, truncating it in w mode.
func (s *FileStreamer) Init(context.Context) error {
	flags := os.O_CREATE | os.O_WRONLY
	if s.append {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return s.openError(err)
		}
	}
	f, err := os.OpenFile(s.path, flags, 0o644)
	if err != nil {
		return s.openError(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.f = f
	s.w = bufio.NewWriterSize(f, 64*1024)
	return nil
}

func (s *FileStreamer) openError(err error) error {
	return errors.New(errors.Join(errcode.InvalidArguments, err)).
		Component("streamer").
		Category(errors.CategoryFileIO).
		Context("path", s.path).
		Build()
}

// Stream writes sample as a text line.
func (s *FileStreamer) Stream(sample []float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.w == nil {
		return os.ErrClosed
	}
	s.line = formatLine(s.line[:0], sample)
	_, err := s.w.Write(s.line)
	return err
}

// Flush pushes buffered lines to the file.
func (s *FileStreamer) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.w == nil {
		return nil
	}
	return s.w.Flush()
}

// Close flushes and closes the file.
func (s *FileStreamer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := errors.Join(s.w.Flush(), s.f.Close())
	s.f, s.w = nil, nil
	return err
}
