package streamer

import (
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

// newMySQLStreamer records into a MySQL table with the same schema and
// batching as the sqlite sink. dsn is a go-sql-driver DSN.
func newMySQLStreamer(spec, dsn string, opts Options) *SQLiteStreamer {
	s := newSQLiteStreamer(spec, dsn, opts)
	s.dialect = func(dsn string) gorm.Dialector { return mysql.Open(dsn) }
	return s
}
