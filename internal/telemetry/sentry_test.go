package telemetry

import (
	"testing"

	"github.com/getsentry/sentry-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brainwire/boardkit/internal/conf"
	"github.com/brainwire/boardkit/internal/errors"
)

func TestInitDisabled(t *testing.T) {
	flush, err := Init(&conf.Settings{}, "dev", nil)
	require.NoError(t, err)
	flush()
	assert.Nil(t, errors.GetTelemetryReporter())

	flush, err = Init(nil, "dev", nil)
	require.NoError(t, err)
	flush()
}

func TestInitRequiresDSN(t *testing.T) {
	s := &conf.Settings{}
	s.Telemetry.Enabled = true
	_, err := Init(s, "dev", nil)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))
}

func TestScrubEvent(t *testing.T) {
	event := &sentry.Event{
		ServerName: "lab-pc",
		User:       sentry.User{ID: "42"},
		Contexts: map[string]sentry.Context{
			"os":     {"name": "linux"},
			"device": {"arch": "amd64"},
			"board":  {"value": "cyton"},
		},
		Extra: map[string]any{"component": "boards", "path": "/home/me"},
		Tags:  map[string]string{"hostname": "lab-pc", "category": "transport"},
	}

	out := scrubEvent(event, nil)
	assert.Empty(t, out.ServerName)
	assert.True(t, out.User.IsEmpty())
	assert.NotContains(t, out.Contexts, "os")
	assert.NotContains(t, out.Contexts, "device")
	assert.Contains(t, out.Contexts, "board")
	assert.Equal(t, map[string]any{"component": "boards"}, out.Extra)
	assert.Equal(t, map[string]string{"category": "transport"}, out.Tags)
}
