package errcode

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/brainwire/boardkit/internal/errors"
)

func TestOf(t *testing.T) {
	assert.Equal(t, OK, Of(nil))
	assert.Equal(t, GeneralError, Of(fmt.Errorf("plain")))
	assert.Equal(t, PortAlreadyOpen, Of(PortAlreadyOpen))
	assert.Equal(t, BoardNotReady, Of(fmt.Errorf("ctx: %w", BoardNotReady)))

	err := New(SyncTimeoutError, "session", "no data within %s", "5s")
	assert.Equal(t, SyncTimeoutError, Of(err))
	assert.Equal(t, SyncTimeoutError, Of(fmt.Errorf("start: %w", err)))
	assert.Contains(t, err.Error(), "SyncTimeoutError: no data within 5s")
	assert.True(t, errors.IsCategory(err, errors.CategoryTimeout))
	assert.True(t, errors.Is(err, SyncTimeoutError))
}

func TestCodesAreStable(t *testing.T) {
	assert.Equal(t, 0, int(OK))
	assert.Equal(t, 9, int(InvalidBufferSize))
	assert.Equal(t, 15, int(BoardNotCreated))
	assert.Equal(t, 18, int(SyncTimeoutError))
	assert.Equal(t, "UnsupportedBoard", UnsupportedBoard.String())
	assert.Equal(t, "Code(99)", Code(99).String())
}
