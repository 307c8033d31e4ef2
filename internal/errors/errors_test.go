package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type codeErr int

func (c codeErr) Error() string                { return fmt.Sprintf("code %d", int(c)) }
func (c codeErr) ErrorCategory() ErrorCategory { return CategoryLifecycle }

type recordingReporter struct {
	got []*EnhancedError
}

func (r *recordingReporter) ReportError(ee *EnhancedError) { r.got = append(r.got, ee) }
func (r *recordingReporter) IsEnabled() bool               { return true }

func TestFastPathNoTelemetry(t *testing.T) {
	SetTelemetryReporter(nil)

	ee := New(fmt.Errorf("test error")).Build()

	assert.Equal(t, "test error", ee.Error())
	assert.Equal(t, ComponentUnknown, ee.GetComponent())
	assert.Equal(t, CategoryGeneric, ee.Category)
}

func TestCategoryFromCategorizedError(t *testing.T) {
	SetTelemetryReporter(nil)

	ee := New(codeErr(15)).Component("session").Build()

	assert.Equal(t, CategoryLifecycle, ee.Category)
	assert.Equal(t, "session", ee.GetComponent())

	var target codeErr
	require.True(t, As(ee, &target))
	assert.Equal(t, codeErr(15), target)
	assert.True(t, Is(ee, codeErr(15)))
	assert.False(t, Is(ee, codeErr(1)))
}

func TestIsComparesCategoryBetweenEnhancedErrors(t *testing.T) {
	a := New(NewStd("a")).Category(CategoryBuffer).Build()
	b := New(NewStd("b")).Category(CategoryBuffer).Build()
	c := New(NewStd("c")).Category(CategoryStreamer).Build()

	assert.True(t, Is(a, b))
	assert.False(t, Is(a, c))
	assert.True(t, IsCategory(fmt.Errorf("wrapped: %w", a), CategoryBuffer))
}

func TestContextIsCopied(t *testing.T) {
	ee := New(NewStd("x")).BoardContext(0, 1).Timing("prepare", 0).Build()

	ctx := ee.GetContext()
	ctx["board_id"] = 99

	assert.Equal(t, 0, ee.GetContext()["board_id"])
	assert.Equal(t, "prepare", ee.GetContext()["operation"])
}

func TestReporterReceivesBuiltErrors(t *testing.T) {
	rep := &recordingReporter{}
	SetTelemetryReporter(rep)
	t.Cleanup(func() { SetTelemetryReporter(nil) })

	New(NewStd("boom")).Category(CategoryTransport).Build()

	require.Len(t, rep.got, 1)
	assert.Equal(t, CategoryTransport, rep.got[0].Category)
}

func TestScrubMessage(t *testing.T) {
	got := scrubMessage("open /dev/ttyUSB0 failed, device aa:bb:cc:dd:ee:ff, COM3")

	assert.NotContains(t, got, "ttyUSB0")
	assert.NotContains(t, got, "aa:bb")
	assert.NotContains(t, got, "COM3")
	assert.Contains(t, got, "[MAC]")
}
