package conf

import (
	"time"

	"github.com/spf13/viper"
)

// Default acquisition values.
const (
	DefaultBufferSize         = 450000
	DefaultFirstPacketTimeout = 5 * time.Second
	DefaultBLETimeout         = 15 * time.Second
	DefaultReadTimeout        = 250 * time.Millisecond
	DefaultClockSyncRounds    = 5
	DefaultCatalogFile        = "brainflow_boards.json"
)

// setDefaultConfig registers a default for every key so that environment
// variables and Unmarshal see the full tree.
func setDefaultConfig() {
	viper.SetDefault("debug", false)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.timezone", "Local")
	viper.SetDefault("logging.console", true)
	viper.SetDefault("logging.file.enabled", false)
	viper.SetDefault("logging.file.path", "logs/boardkit.log")
	viper.SetDefault("logging.file.maxsize", 100)
	viper.SetDefault("logging.file.maxage", 30)
	viper.SetDefault("logging.file.maxrotatedfiles", 10)
	viper.SetDefault("logging.file.compress", false)

	viper.SetDefault("acquisition.buffersize", DefaultBufferSize)
	viper.SetDefault("acquisition.firstpackettimeout", DefaultFirstPacketTimeout)
	viper.SetDefault("acquisition.bletimeout", DefaultBLETimeout)
	viper.SetDefault("acquisition.readtimeout", DefaultReadTimeout)
	viper.SetDefault("acquisition.clocksyncrounds", DefaultClockSyncRounds)

	viper.SetDefault("catalog.file", "")
	viper.SetDefault("catalog.cachettl", 5*time.Minute)

	viper.SetDefault("server.listen", "127.0.0.1:8090")

	viper.SetDefault("metrics.enabled", true)

	viper.SetDefault("mqtt.clientid", "boardkit")
	viper.SetDefault("mqtt.username", "")
	viper.SetDefault("mqtt.password", "")
	viper.SetDefault("mqtt.qos", 0)

	viper.SetDefault("telemetry.enabled", false)
	viper.SetDefault("telemetry.sentrydsn", "")
}
