package boardcontroller

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/brainwire/boardkit/internal/boards"
	"github.com/brainwire/boardkit/internal/catalog"
	"github.com/brainwire/boardkit/internal/errcode"
	"github.com/brainwire/boardkit/internal/logger"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("gopkg.in/natefinch/lumberjack%2ev2.(*Logger).millRun"),
	)
}

func newTestController(t *testing.T) (*Controller, *logger.CentralLogger) {
	t.Helper()
	logging, err := logger.NewCentralLogger(&logger.LoggingConfig{
		DefaultLevel: "error",
		Console:      &logger.ConsoleOutput{Enabled: false},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = logging.Close() })

	cfg, err := ConfigFromSettings(nil)
	require.NoError(t, err)
	cfg.Logging = logging
	c, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.ReleaseAllSessions(context.Background()) })
	return c, logging
}

const synthetic = boards.SyntheticBoard

func TestSyntheticSessionRoundTrip(t *testing.T) {
	c, _ := newTestController(t)
	ctx := context.Background()
	params := `{"serial_port": "", "timeout": 0}`

	_, err := c.GetBoardDataCount(0, synthetic, params)
	assert.Equal(t, errcode.BoardNotCreated, errcode.Of(err))

	require.NoError(t, c.PrepareSession(ctx, synthetic, params))
	prepared, err := c.IsPrepared(synthetic, params)
	require.NoError(t, err)
	assert.True(t, prepared)

	err = c.PrepareSession(ctx, synthetic, params)
	assert.Equal(t, errcode.PortAlreadyOpen, errcode.Of(err))

	_, err = c.GetBoardData(10, 0, synthetic, params)
	assert.Equal(t, errcode.EmptyBuffer, errcode.Of(err))

	err = c.StartStream(ctx, 0, "", synthetic, params)
	assert.Equal(t, errcode.InvalidBufferSize, errcode.Of(err))

	require.NoError(t, c.StartStream(ctx, 1000, "", synthetic, params))
	err = c.StartStream(ctx, 1000, "", synthetic, params)
	assert.Equal(t, errcode.StreamAlreadyRunning, errcode.Of(err))

	require.NoError(t, c.InsertMarker(3, 0, synthetic, params))
	assert.Equal(t, errcode.InvalidArguments, errcode.Of(c.InsertMarker(1, 7, synthetic, params)))

	require.Eventually(t, func() bool {
		n, err := c.GetBoardDataCount(0, synthetic, params)
		return err == nil && n >= 20
	}, 2*time.Second, 5*time.Millisecond)

	rows, err := c.GetNumRows(synthetic, 0)
	require.NoError(t, err)
	markerCh, err := c.GetMarkerChannel(synthetic, 0)
	require.NoError(t, err)

	current, err := c.GetCurrentBoardData(5, 0, synthetic, params)
	require.NoError(t, err)
	require.Len(t, current, rows)
	assert.Len(t, current[0], 5)

	require.NoError(t, c.StopStream(ctx, synthetic, params))
	err = c.StopStream(ctx, synthetic, params)
	assert.Equal(t, errcode.StreamThreadNotRunning, errcode.Of(err))

	data, err := c.GetBoardData(0, 0, synthetic, params)
	require.NoError(t, err)
	require.Len(t, data, rows)
	require.NotEmpty(t, data[0])
	assert.Contains(t, data[markerCh], 3.0)

	n, err := c.GetBoardDataCount(0, synthetic, params)
	require.NoError(t, err)
	assert.Zero(t, n)

	resp, err := c.ConfigBoard(ctx, "noise:0", synthetic, params)
	require.NoError(t, err)
	assert.NotEmpty(t, resp)

	require.NoError(t, c.ReleaseSession(ctx, synthetic, params))
	require.NoError(t, c.ReleaseSession(ctx, synthetic, params))
	prepared, err = c.IsPrepared(synthetic, params)
	require.NoError(t, err)
	assert.False(t, prepared)
}

func TestStreamersThroughController(t *testing.T) {
	c, _ := newTestController(t)
	ctx := context.Background()
	dir := t.TempDir()
	out := filepath.Join(dir, "default.csv")
	aux := filepath.Join(dir, "aux.csv")

	require.NoError(t, c.PrepareSession(ctx, synthetic, "{}"))
	require.NoError(t, c.AddStreamer(ctx, "file://"+aux+":w", int(catalog.AuxiliaryPreset), synthetic, "{}"))
	require.NoError(t, c.StartStream(ctx, 500, "file://"+out+":w", synthetic, "{}"))
	require.Eventually(t, func() bool {
		n, err := c.GetBoardDataCount(0, synthetic, "{}")
		return err == nil && n > 10
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, c.DeleteStreamer("file://"+aux+":w", int(catalog.AuxiliaryPreset), synthetic, "{}"))
	err := c.DeleteStreamer("file://"+aux+":w", int(catalog.AuxiliaryPreset), synthetic, "{}")
	assert.Equal(t, errcode.InvalidArguments, errcode.Of(err))
	require.NoError(t, c.ReleaseSession(ctx, synthetic, "{}"))

	content, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.NotEmpty(t, content)
}

func TestInvalidParamsJSON(t *testing.T) {
	c, _ := newTestController(t)
	err := c.PrepareSession(context.Background(), synthetic, "{not json")
	assert.Equal(t, errcode.InvalidArguments, errcode.Of(err))
	_, err = c.GetBoardData(1, 0, synthetic, `{"timeout": "soon"}`)
	assert.Equal(t, errcode.InvalidArguments, errcode.Of(err))
}

func TestCatalogGetters(t *testing.T) {
	c, _ := newTestController(t)

	rate, err := c.GetSamplingRate(boards.CytonBoard, 0)
	require.NoError(t, err)
	assert.Equal(t, 250, rate)

	eeg, err := c.GetEEGChannels(boards.CytonBoard, 0)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8}, eeg)
	eeg[0] = 99
	again, _ := c.GetEEGChannels(boards.CytonBoard, 0)
	assert.Equal(t, 1, again[0], "callers get a copy")

	accel, err := c.GetAccelChannels(boards.CytonBoard, 0)
	require.NoError(t, err)
	assert.Len(t, accel, 3)

	_, err = c.GetBatteryChannel(boards.CytonBoard, 0)
	assert.Equal(t, errcode.UnsupportedBoard, errcode.Of(err))
	battery, err := c.GetBatteryChannel(boards.GaleaBoard, int(catalog.AuxiliaryPreset))
	require.NoError(t, err)
	assert.Equal(t, 1, battery)

	ts, err := c.GetTimestampChannel(boards.GaleaBoard, 0)
	require.NoError(t, err)
	assert.Equal(t, 9, ts)
	pkg, err := c.GetPackageNumChannel(boards.GaleaBoard, 0)
	require.NoError(t, err)
	assert.Zero(t, pkg)

	names, err := c.GetEEGNames(boards.CytonBoard, 0)
	require.NoError(t, err)
	assert.Equal(t, "Fp1", names[0])

	presets, err := c.GetBoardPresets(boards.GaleaBoard)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, presets)

	descr, err := c.GetBoardDescr(boards.GanglionBoard, 0)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(descr), &decoded))
	assert.Equal(t, "Ganglion", decoded["name"])

	_, err = c.GetSamplingRate(1234, 0)
	assert.Equal(t, errcode.UnsupportedBoard, errcode.Of(err))
	_, err = c.GetSamplingRate(boards.CytonBoard, int(catalog.AncillaryPreset))
	assert.Equal(t, errcode.InvalidArguments, errcode.Of(err))
	_, err = c.GetSamplingRate(boards.CytonBoard, 9)
	assert.Equal(t, errcode.InvalidArguments, errcode.Of(err))
}

func TestLogControls(t *testing.T) {
	c, logging := newTestController(t)

	require.NoError(t, c.SetLogLevel(LevelDebug))
	assert.Equal(t, logger.LogLevelDebug, logging.Level())
	require.NoError(t, c.SetLogLevel(LevelCritical))
	assert.Equal(t, logger.LogLevelError, logging.Level())
	assert.Equal(t, errcode.InvalidArguments, errcode.Of(c.SetLogLevel(7)))

	path := filepath.Join(t.TempDir(), "logs", "boardkit.log")
	require.NoError(t, c.SetLogFile(path))
	logging.Module("test").Error("written to file")
	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(content), "written to file")
	assert.Equal(t, errcode.InvalidArguments, errcode.Of(c.SetLogFile("")))
}
