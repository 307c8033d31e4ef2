// Package conf loads boardkit settings from config.yaml, environment
// variables and command line flags through viper.
package conf

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/brainwire/boardkit/internal/errors"
	"github.com/brainwire/boardkit/internal/logger"
)

//go:embed config.yaml
var configFiles embed.FS

// Settings is the root of the configuration tree.
type Settings struct {
	Debug bool `yaml:"debug"`

	Logging     LoggingSettings     `yaml:"logging"`
	Acquisition AcquisitionSettings `yaml:"acquisition"`
	Catalog     CatalogSettings     `yaml:"catalog"`
	Server      ServerSettings      `yaml:"server"`
	Metrics     MetricsSettings     `yaml:"metrics"`
	MQTT        MQTTSettings        `yaml:"mqtt"`
	Telemetry   TelemetrySettings   `yaml:"telemetry"`
}

// LoggingSettings mirror logger.LoggingConfig in viper friendly form.
type LoggingSettings struct {
	Level    string `yaml:"level"`    // trace, debug, info, warn, error, off
	Timezone string `yaml:"timezone"` // Local, UTC or IANA name
	Console  bool   `yaml:"console"`
	File     struct {
		Enabled         bool   `yaml:"enabled"`
		Path            string `yaml:"path"`
		MaxSize         int    `yaml:"maxsize"` // MB
		MaxAge          int    `yaml:"maxage"`  // days
		MaxRotatedFiles int    `yaml:"maxrotatedfiles"`
		Compress        bool   `yaml:"compress"`
	} `yaml:"file"`
}

// AcquisitionSettings hold session defaults applied when the caller does not
// provide an explicit value.
type AcquisitionSettings struct {
	BufferSize         int           `yaml:"buffersize"`         // samples per preset ring buffer
	FirstPacketTimeout time.Duration `yaml:"firstpackettimeout"` // start_stream waits this long for data
	BLETimeout         time.Duration `yaml:"bletimeout"`         // discovery timeout when params.timeout is 0
	ReadTimeout        time.Duration `yaml:"readtimeout"`        // bound on a single transport read
	ClockSyncRounds    int           `yaml:"clocksyncrounds"`    // round trips per device clock calibration
}

// CatalogSettings locate the fallback board descriptor file.
type CatalogSettings struct {
	File     string        `yaml:"file"`     // empty: brainflow_boards.json beside the executable
	CacheTTL time.Duration `yaml:"cachettl"` // how long fallback lookups are cached
}

// ServerSettings configure the HTTP control API.
type ServerSettings struct {
	Listen string `yaml:"listen"`
}

// MetricsSettings toggle Prometheus collection.
type MetricsSettings struct {
	Enabled bool `yaml:"enabled"`
}

// MQTTSettings carry broker credentials for mqtt:// streamers.
type MQTTSettings struct {
	ClientID string `yaml:"clientid"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	QoS      byte   `yaml:"qos"`
}

// TelemetrySettings enable Sentry error reporting.
type TelemetrySettings struct {
	Enabled   bool   `yaml:"enabled"`
	SentryDSN string `yaml:"sentrydsn"`
}

var (
	settingsInstance *Settings
	settingsMutex    sync.RWMutex
)

// Load reads the configuration file and environment variables. configFile
// overrides the search path when not empty. A missing config file is not an
// error; defaults apply.
func Load(configFile string) (*Settings, error) {
	settingsMutex.Lock()
	defer settingsMutex.Unlock()

	if err := initViper(configFile); err != nil {
		return nil, err
	}

	settings := &Settings{}
	if err := viper.Unmarshal(settings); err != nil {
		return nil, errors.New(fmt.Errorf("error unmarshaling config: %w", err)).
			Component("conf").
			Category(errors.CategoryConfiguration).
			Build()
	}

	if err := ValidateSettings(settings); err != nil {
		return nil, err
	}

	settingsInstance = settings
	return settings, nil
}

func initViper(configFile string) error {
	setDefaultConfig()

	if err := configureEnvironmentVariables(); err != nil {
		return errors.New(err).
			Component("conf").
			Category(errors.CategoryConfiguration).
			Context("operation", "bind-env").
			Build()
	}

	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		for _, path := range GetDefaultConfigPaths() {
			viper.AddConfigPath(path)
		}
	}

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return errors.New(fmt.Errorf("error reading config file: %w", err)).
			Component("conf").
			Category(errors.CategoryFileIO).
			Build()
	}
	return nil
}

// GetSettings returns the settings loaded last, or nil before Load.
func GetSettings() *Settings {
	settingsMutex.RLock()
	defer settingsMutex.RUnlock()
	return settingsInstance
}

// GetDefaultConfigPaths returns the directories searched for config.yaml.
func GetDefaultConfigPaths() []string {
	paths := []string{"."}
	if homeDir, err := os.UserHomeDir(); err == nil {
		if runtime.GOOS == "windows" {
			paths = append(paths, filepath.Join(homeDir, "AppData", "Roaming", "boardkit"))
		} else {
			paths = append(paths, filepath.Join(homeDir, ".config", "boardkit"))
		}
	}
	if runtime.GOOS != "windows" {
		paths = append(paths, "/etc/boardkit")
	}
	return paths
}

// DefaultConfig returns the embedded default config.yaml.
func DefaultConfig() []byte {
	data, err := fs.ReadFile(configFiles, "config.yaml")
	if err != nil {
		// The file is embedded at build time.
		panic(err)
	}
	return data
}

// WriteDefaultConfig writes the embedded defaults to path unless the file exists.
func WriteDefaultConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return errors.Newf("config file %s already exists", path).
			Component("conf").
			Category(errors.CategoryConflict).
			Build()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}
	return os.WriteFile(path, DefaultConfig(), 0o644)
}

// SaveYAMLConfig writes settings to configPath atomically. Comments are not preserved.
func SaveYAMLConfig(configPath string, settings *Settings) error {
	yamlData, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("error marshaling settings to YAML: %w", err)
	}

	tempFile, err := os.CreateTemp(filepath.Dir(configPath), "config-*.yaml")
	if err != nil {
		return fmt.Errorf("error creating temporary file: %w", err)
	}
	tempFileName := tempFile.Name()
	defer os.Remove(tempFileName)

	if _, err := tempFile.Write(yamlData); err != nil {
		tempFile.Close()
		return fmt.Errorf("error writing to temporary file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("error closing temporary file: %w", err)
	}

	return os.Rename(tempFileName, configPath)
}

// LoggingConfig converts the logging section for logger.NewCentralLogger.
func (s *Settings) LoggingConfig() *logger.LoggingConfig {
	level := s.Logging.Level
	if s.Debug {
		level = string(logger.LogLevelDebug)
	}
	return &logger.LoggingConfig{
		DefaultLevel: level,
		Timezone:     s.Logging.Timezone,
		Console:      &logger.ConsoleOutput{Enabled: s.Logging.Console},
		FileOutput: &logger.FileOutput{
			Enabled:         s.Logging.File.Enabled,
			Path:            s.Logging.File.Path,
			MaxSize:         s.Logging.File.MaxSize,
			MaxAge:          s.Logging.File.MaxAge,
			MaxRotatedFiles: s.Logging.File.MaxRotatedFiles,
			Compress:        s.Logging.File.Compress,
		},
	}
}
