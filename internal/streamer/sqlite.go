package streamer

import (
	"context"
	"strings"
	"sync"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/brainwire/boardkit/internal/errcode"
	"github.com/brainwire/boardkit/internal/errors"
)

// sqliteBatchSize rows are written per transaction.
const sqliteBatchSize = 256

// SampleRecord is one stored sample.
type SampleRecord struct {
	ID        uint    `gorm:"primaryKey"`
	Board     string  `gorm:"index:idx_board_preset"`
	Preset    string  `gorm:"index:idx_board_preset"`
	Timestamp float64 `gorm:"index"`
	Values    string  // tab separated, as written by the file streamer
	CreatedAt time.Time
}

// SQLiteStreamer records samples into a SQL database in batches. The
// sqlite:// and mysql:// sinks share it.
type SQLiteStreamer struct {
	spec   string
	path   string
	opts   Options
	tsChan int

	dialect func(dsn string) gorm.Dialector

	mu      sync.Mutex
	db      *gorm.DB
	pending []SampleRecord
	line    []byte
}

func newSQLiteStreamer(spec, path string, opts Options) *SQLiteStreamer {
	return &SQLiteStreamer{
		spec:    spec,
		path:    path,
		opts:    opts,
		tsChan:  opts.Descriptor.TimestampChannel,
		dialect: sqlite.Open,
	}
}

func (s *SQLiteStreamer) Spec() string { return s.spec }

func (s *SQLiteStreamer) Kind() string {
	scheme, _, _ := strings.Cut(s.spec, "://")
	return scheme
}

func (s *SQLiteStreamer) Init(context.Context) error {
	db, err := gorm.Open(s.dialect(s.path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err == nil {
		err = db.AutoMigrate(&SampleRecord{})
	}
	if err != nil {
		return errors.New(errors.Join(errcode.InvalidArguments, err)).
			Component("streamer").
			Category(errors.CategoryDatabase).
			Context("path", s.path).
			Build()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.db = db
	s.pending = make([]SampleRecord, 0, sqliteBatchSize)
	return nil
}

func (s *SQLiteStreamer) Stream(sample []float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return errors.NewStd("sqlite streamer is closed")
	}

	s.line = formatLine(s.line[:0], sample)
	rec := SampleRecord{
		Board:  s.opts.Board,
		Preset: s.opts.Preset.String(),
		Values: string(s.line[:len(s.line)-1]),
	}
	if s.tsChan >= 0 && s.tsChan < len(sample) {
		rec.Timestamp = sample[s.tsChan]
	}
	s.pending = append(s.pending, rec)

	if len(s.pending) >= sqliteBatchSize {
		return s.flushLocked()
	}
	return nil
}

func (s *SQLiteStreamer) flushLocked() error {
	if len(s.pending) == 0 {
		return nil
	}
	err := s.db.CreateInBatches(s.pending, sqliteBatchSize).Error
	s.pending = s.pending[:0]
	return err
}

func (s *SQLiteStreamer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.flushLocked()
	if sqlDB, dbErr := s.db.DB(); dbErr == nil {
		err = errors.Join(err, sqlDB.Close())
	}
	s.db = nil
	return err
}
