package logger

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	DefaultLevel string         `yaml:"default_level" json:"default_level"` // trace, debug, info, warn, error, off
	Timezone     string         `yaml:"timezone" json:"timezone"`           // "Local", "UTC", or IANA timezone name
	Console      *ConsoleOutput `yaml:"console" json:"console"`
	FileOutput   *FileOutput    `yaml:"file_output" json:"file_output"`
}

// ConsoleOutput represents console logging configuration.
// Console output uses human-readable text on stderr.
type ConsoleOutput struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
}

// FileOutput represents file logging configuration.
// File output uses JSON records for machine parsing.
type FileOutput struct {
	Enabled         bool   `yaml:"enabled" json:"enabled"`
	Path            string `yaml:"path" json:"path"`
	MaxSize         int    `yaml:"max_size" json:"max_size"`                   // megabytes before rotation
	MaxAge          int    `yaml:"max_age" json:"max_age"`                     // days to keep rotated files (0 = no limit)
	MaxRotatedFiles int    `yaml:"max_rotated_files" json:"max_rotated_files"` // 0 = no limit
	Compress        bool   `yaml:"compress" json:"compress"`
}

// Default values for logging configuration.
const (
	DefaultLogLevel        = "info"
	DefaultLogPath         = "logs/boardkit.log"
	DefaultMaxSize         = 100
	DefaultMaxAge          = 30
	DefaultMaxRotatedFiles = 10
)

// applyConfigDefaults fills nil sections. File output stays disabled unless
// configured; the console is on by default.
func applyConfigDefaults(cfg *LoggingConfig) {
	if cfg.DefaultLevel == "" {
		cfg.DefaultLevel = DefaultLogLevel
	}
	if cfg.Console == nil {
		cfg.Console = &ConsoleOutput{Enabled: true}
	}
	if cfg.FileOutput == nil {
		cfg.FileOutput = &FileOutput{}
	}
	if cfg.FileOutput.Path == "" {
		cfg.FileOutput.Path = DefaultLogPath
	}
	if cfg.FileOutput.MaxSize == 0 {
		cfg.FileOutput.MaxSize = DefaultMaxSize
	}
}
