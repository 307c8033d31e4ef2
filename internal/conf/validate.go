package conf

import (
	"fmt"
	"strings"

	"github.com/brainwire/boardkit/internal/errors"
	"github.com/brainwire/boardkit/internal/logger"
)

// maxBufferSize matches the ring buffer limit: one day at 250 Hz.
const maxBufferSize = 86400 * 250

// ValidateSettings checks ranges that viper cannot express.
func ValidateSettings(s *Settings) error {
	var problems []string

	if _, err := logger.ParseLevel(strings.ToLower(s.Logging.Level)); err != nil {
		problems = append(problems, err.Error())
	}
	if s.Acquisition.BufferSize <= 0 || s.Acquisition.BufferSize > maxBufferSize {
		problems = append(problems, fmt.Sprintf("acquisition.buffersize must be in (0, %d], got %d", maxBufferSize, s.Acquisition.BufferSize))
	}
	if s.Acquisition.FirstPacketTimeout <= 0 {
		problems = append(problems, "acquisition.firstpackettimeout must be positive")
	}
	if s.Acquisition.BLETimeout <= 0 {
		problems = append(problems, "acquisition.bletimeout must be positive")
	}
	if s.Acquisition.ReadTimeout <= 0 {
		problems = append(problems, "acquisition.readtimeout must be positive")
	}
	if s.Acquisition.ClockSyncRounds <= 0 {
		problems = append(problems, "acquisition.clocksyncrounds must be positive")
	}
	if s.MQTT.QoS > 2 {
		problems = append(problems, fmt.Sprintf("mqtt.qos must be 0, 1 or 2, got %d", s.MQTT.QoS))
	}
	if s.Telemetry.Enabled && s.Telemetry.SentryDSN == "" {
		problems = append(problems, "telemetry.sentrydsn is required when telemetry is enabled")
	}

	if len(problems) == 0 {
		return nil
	}
	return errors.Newf("invalid settings: %s", strings.Join(problems, "; ")).
		Component("conf").
		Category(errors.CategoryValidation).
		Build()
}
