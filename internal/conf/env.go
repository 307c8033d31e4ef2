package conf

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/brainwire/boardkit/internal/logger"
)

// envBinding holds metadata for environment variable bindings
type envBinding struct {
	ConfigKey string
	EnvVar    string
	Validate  func(string) error
}

func getEnvBindings() []envBinding {
	return []envBinding{
		{"debug", "BOARDKIT_DEBUG", validateEnvBool},
		{"logging.level", "BOARDKIT_LOG_LEVEL", validateEnvLogLevel},
		{"logging.file.enabled", "BOARDKIT_LOG_FILE_ENABLED", validateEnvBool},
		{"logging.file.path", "BOARDKIT_LOG_FILE", nil},
		{"acquisition.buffersize", "BOARDKIT_BUFFER_SIZE", validateEnvPositiveInt},
		{"acquisition.firstpackettimeout", "BOARDKIT_FIRST_PACKET_TIMEOUT", validateEnvDuration},
		{"acquisition.bletimeout", "BOARDKIT_BLE_TIMEOUT", validateEnvDuration},
		{"catalog.file", "BOARDKIT_CATALOG_FILE", nil},
		{"server.listen", "BOARDKIT_LISTEN", validateEnvListenAddr},
		{"mqtt.username", "BOARDKIT_MQTT_USERNAME", nil},
		{"mqtt.password", "BOARDKIT_MQTT_PASSWORD", nil},
		{"telemetry.sentrydsn", "BOARDKIT_SENTRY_DSN", nil},
	}
}

// bindEnvVars binds every variable and collects validation problems.
func bindEnvVars() error {
	var warnings []string

	for _, binding := range getEnvBindings() {
		if err := viper.BindEnv(binding.ConfigKey, binding.EnvVar); err != nil {
			warnings = append(warnings, fmt.Sprintf("Failed to bind %s: %v", binding.EnvVar, err))
			continue
		}
		if binding.Validate == nil {
			continue
		}
		if envValue := os.Getenv(binding.EnvVar); envValue != "" {
			if err := binding.Validate(envValue); err != nil {
				warnings = append(warnings, fmt.Sprintf("Invalid %s value '%s': %v", binding.EnvVar, envValue, err))
			}
		}
	}

	if len(warnings) > 0 {
		return fmt.Errorf("environment variable issues:\n  - %s", strings.Join(warnings, "\n  - "))
	}
	return nil
}

func validateEnvBool(value string) error {
	if _, err := strconv.ParseBool(value); err != nil {
		return fmt.Errorf("invalid boolean value '%s'", value)
	}
	return nil
}

func validateEnvLogLevel(value string) error {
	_, err := logger.ParseLevel(strings.ToLower(value))
	return err
}

func validateEnvPositiveInt(value string) error {
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid integer: %w", err)
	}
	if n <= 0 {
		return fmt.Errorf("must be positive, got %d", n)
	}
	return nil
}

func validateEnvDuration(value string) error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid duration: %w", err)
	}
	if d <= 0 {
		return fmt.Errorf("must be positive, got %s", d)
	}
	return nil
}

func validateEnvListenAddr(value string) error {
	if _, _, err := net.SplitHostPort(value); err != nil {
		return fmt.Errorf("expected host:port: %w", err)
	}
	return nil
}

// configureEnvironmentVariables sets up environment variable support for Viper
func configureEnvironmentVariables() error {
	viper.SetEnvPrefix("BOARDKIT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	return bindEnvVars()
}
