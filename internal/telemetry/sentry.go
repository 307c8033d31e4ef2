// Package telemetry initializes opt-in Sentry error reporting.
package telemetry

import (
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/brainwire/boardkit/internal/conf"
	"github.com/brainwire/boardkit/internal/errors"
	"github.com/brainwire/boardkit/internal/logger"
)

const flushTimeout = 2 * time.Second

// Init starts the Sentry client and installs it as the error reporter when
// telemetry is enabled. It returns a flush function that is safe to call
// whether or not telemetry was enabled.
func Init(settings *conf.Settings, version string, log logger.Logger) (func(), error) {
	noop := func() {}
	if settings == nil || !settings.Telemetry.Enabled {
		errors.SetTelemetryReporter(nil)
		return noop, nil
	}
	if settings.Telemetry.SentryDSN == "" {
		return noop, errors.Newf("telemetry enabled without a sentry dsn").
			Component("telemetry").
			Category(errors.CategoryConfiguration).
			Build()
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              settings.Telemetry.SentryDSN,
		SampleRate:       1.0,
		AttachStacktrace: false,
		Environment:      "production",
		ServerName:       "",
		Release:          fmt.Sprintf("boardkit@%s", version),
		BeforeSend:       scrubEvent,
	})
	if err != nil {
		return noop, fmt.Errorf("sentry initialization failed: %w", err)
	}

	errors.SetTelemetryReporter(errors.NewSentryReporter(true))
	if log != nil {
		log.Info("error telemetry enabled", logger.String("release", version))
	}
	return func() { sentry.Flush(flushTimeout) }, nil
}

// scrubEvent drops host identifying data from outgoing events.
func scrubEvent(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
	event.User = sentry.User{}
	event.ServerName = ""

	for _, key := range []string{"device", "os", "runtime"} {
		delete(event.Contexts, key)
	}
	for k := range event.Extra {
		if k != "error_type" && k != "component" {
			delete(event.Extra, k)
		}
	}
	delete(event.Tags, "server_name")
	delete(event.Tags, "hostname")
	return event
}
