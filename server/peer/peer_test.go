package peer

import (
	"net/netip"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPeer(t *testing.T) {
	local := netip.MustParseAddrPort("10.0.0.1:9118")
	remote := netip.MustParseAddrPort("192.168.1.1:50000")
	p := NewPeer(7, local, remote)

	_, err := uuid.Parse(p.SessionID)
	require.NoError(t, err)
	assert.Equal(t, int32(7), p.Fd())
	assert.Equal(t, local, p.LocalAddr())
	assert.Equal(t, remote, p.RemoteAddr())
	assert.Equal(t, StateNew, p.State())
	assert.Equal(t, "new", p.Status())

	other := NewPeer(8, local, remote)
	assert.NotEqual(t, p.SessionID, other.SessionID)
}

func TestPeer_StateTransition(t *testing.T) {
	p := NewPeer(1, netip.AddrPort{}, netip.AddrPort{})
	p.SetState(StateIdle)
	assert.Equal(t, "idle", p.Status())

	assert.False(t, p.CompareAndSwapState(StateActive, StateClosing))
	assert.True(t, p.CompareAndSwapState(StateIdle, StateClosing))
	assert.Equal(t, StateClosing, p.State())
	assert.Equal(t, "closing", p.Status())
}

func TestRingWriter_AcquireComplete(t *testing.T) {
	w := NewRingWriter(8)
	assert.Nil(t, w.Acquire())
	assert.True(t, w.Drained())

	n, err := w.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	out := w.Acquire()
	assert.Equal(t, []byte("hello"), out)
	assert.True(t, w.InFlight())
	// 送信中は次を出さない
	assert.Nil(t, w.Acquire())

	w.Complete(2)
	assert.False(t, w.InFlight())
	assert.Equal(t, []byte("llo"), w.Acquire())
	w.Complete(3)
	assert.True(t, w.Drained())
}

func TestRingWriter_GrowsPastInitialSize(t *testing.T) {
	w := NewRingWriter(4)
	payload := make([]byte, 4000)
	for i := range payload {
		payload[i] = byte(i)
	}
	n, err := w.Write(payload[:3])
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	n, err = w.Write(payload[3:])
	require.NoError(t, err)
	assert.Equal(t, len(payload)-3, n)

	assert.Equal(t, payload, w.Acquire())
}

func TestRingWriter_CloseAfterDrain(t *testing.T) {
	w := NewRingWriter(16)
	_, err := w.Write([]byte{1, 2, 3})
	require.NoError(t, err)
	w.CloseAfterDrain()
	assert.False(t, w.ShouldClose())

	w.Acquire()
	assert.False(t, w.ShouldClose())
	w.Complete(3)
	assert.True(t, w.ShouldClose())
}

func TestRingWriter_Abort(t *testing.T) {
	w := NewRingWriter(16)
	_, err := w.Write([]byte{1, 2, 3})
	require.NoError(t, err)
	w.Acquire()
	w.Abort()
	assert.True(t, w.Drained())
	assert.Equal(t, 0, w.Length())
}
