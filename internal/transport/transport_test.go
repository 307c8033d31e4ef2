package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestByteQueue(t *testing.T) {
	t.Parallel()
	q := NewByteQueue(8)

	assert.Equal(t, 5, q.Write([]byte("hello")))
	assert.Equal(t, 5, q.Len())

	b, ok := q.PopByte()
	require.True(t, ok)
	assert.Equal(t, byte('h'), b)

	// Only four of six bytes fit.
	assert.Equal(t, 4, q.Write([]byte("world!")))
	assert.Equal(t, uint64(2), q.Dropped())

	buf := make([]byte, 16)
	n := q.Read(buf)
	assert.Equal(t, "elloworl", string(buf[:n]))
	assert.Zero(t, q.Len())

	_, ok = q.PopByte()
	assert.False(t, ok)
	assert.Zero(t, q.Read(buf))

	q.Write([]byte("abc"))
	q.Reset()
	assert.Zero(t, q.Len())
}

func TestNormalizeMAC(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", NormalizeMAC(" AA-BB-CC-DD-EE-FF "))
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", NormalizeMAC("aa:bb:cc:dd:ee:ff"))
}

func TestMatchNameOrAddress(t *testing.T) {
	t.Parallel()
	byMAC := MatchNameOrAddress("AA:BB:CC:00:11:22", "Ganglion")
	assert.True(t, byMAC(Advertisement{Address: "aa:bb:cc:00:11:22"}))
	assert.False(t, byMAC(Advertisement{Address: "aa:bb:cc:00:11:23", LocalName: "Ganglion-1a"}))

	byName := MatchNameOrAddress("", "Ganglion")
	assert.True(t, byName(Advertisement{LocalName: "Ganglion-1a2b"}))
	assert.False(t, byName(Advertisement{LocalName: "Simblee"}))

	none := MatchNameOrAddress("", "")
	assert.False(t, none(Advertisement{LocalName: "anything"}))
}

func TestOpenSerialWithoutName(t *testing.T) {
	t.Parallel()
	_, err := OpenSerial("", SerialConfig{BaudRate: 115200})
	require.Error(t, err)
}

func TestUDPReadTimeout(t *testing.T) {
	t.Parallel()
	conn, err := ListenUDP(0)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Millisecond)))
	_, _, err = conn.ReadFrom(make([]byte, 16))
	require.Error(t, err)
	assert.True(t, IsTimeout(err))
}

func TestJoinMulticastRejectsUnicast(t *testing.T) {
	t.Parallel()
	_, err := JoinMulticast("10.0.0.1", 6677)
	require.Error(t, err)
}
