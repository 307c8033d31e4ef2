package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// syncBuffer guards bytes.Buffer for concurrent handler writes
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestCentral(t *testing.T, level string) (*CentralLogger, *syncBuffer) {
	t.Helper()
	buf := &syncBuffer{}
	cfg := &LoggingConfig{DefaultLevel: level, Timezone: "UTC"}
	applyConfigDefaults(cfg)
	cl, err := newCentralLogger(cfg, buf)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cl.Close() })
	return cl, buf
}

func TestModuleLoggerIncludesModuleAndFields(t *testing.T) {
	cl, buf := newTestCentral(t, "debug")

	log := cl.Module("session").Module("registry").With(String("identity", "COM3"))
	log.Info("prepared", Int("board_id", 2), Float64("ratio", 0.123456))

	out := buf.String()
	assert.Contains(t, out, "module=session.registry")
	assert.Contains(t, out, "identity=COM3")
	assert.Contains(t, out, "board_id=2")
	assert.Contains(t, out, "ratio=0.123")
}

func TestSetLevelAppliesToExistingLoggers(t *testing.T) {
	cl, buf := newTestCentral(t, "info")
	log := cl.Module("decode")

	log.Debug("hidden")
	assert.NotContains(t, buf.String(), "hidden")

	cl.SetLevel(LogLevelTrace)
	log.Trace("visible")
	assert.Contains(t, buf.String(), "visible")
	assert.Contains(t, buf.String(), "level=TRACE")
	assert.Equal(t, LogLevelTrace, cl.Level())

	cl.SetLevel(LogLevelOff)
	log.Error("silenced")
	assert.NotContains(t, buf.String(), "silenced")
}

func TestSetLogFileWritesJSON(t *testing.T) {
	cl, _ := newTestCentral(t, "info")
	path := filepath.Join(t.TempDir(), "nested", "boardkit.log")

	require.NoError(t, cl.SetLogFile(path))
	cl.Module("streamer").Warn("sink failed", Error(os.ErrClosed))
	require.NoError(t, cl.SetLogFile(""))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(string(data))), &rec))
	assert.Equal(t, "sink failed", rec["msg"])
	assert.Equal(t, "streamer", rec["module"])
	assert.Equal(t, os.ErrClosed.Error(), rec["error"])
}

func TestParseLevel(t *testing.T) {
	for _, s := range []string{"trace", "debug", "info", "warn", "error", "off"} {
		l, err := ParseLevel(s)
		require.NoError(t, err)
		assert.Equal(t, LogLevel(s), l)
	}
	_, err := ParseLevel("verbose")
	assert.Error(t, err)
}

func TestNewSlogLogger(t *testing.T) {
	buf := &syncBuffer{}
	log := NewSlogLogger(buf, LogLevelWarn, nil)

	log.Info("dropped")
	log.Warn("kept", Bool("ok", true))

	assert.NotContains(t, buf.String(), "dropped")
	assert.Contains(t, buf.String(), "ok=true")
}
