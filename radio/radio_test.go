package radio

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unkn0wn-root/lbsync/internal/log"
)

var t0 = time.Unix(1700000000, 0)

func TestIsFatal(t *testing.T) {
	assert.False(t, IsFatal(nil))
	assert.False(t, IsFatal(context.DeadlineExceeded))
	assert.False(t, IsFatal(os.ErrDeadlineExceeded))
	assert.True(t, IsFatal(io.EOF))
	assert.True(t, IsFatal(ErrClosed))
	assert.True(t, IsFatal(net.ErrClosed))
	assert.False(t, IsFatal(errors.New("busy")))
}

func TestResetLimiter(t *testing.T) {
	l := newResetLimiter(2, time.Minute)
	assert.True(t, l.Allow(t0))
	assert.True(t, l.Allow(t0.Add(time.Second)))
	assert.False(t, l.Allow(t0.Add(2*time.Second)))
	assert.True(t, l.Allow(t0.Add(time.Minute)))
	// a clock that steps back opens a fresh window.
	assert.True(t, l.Allow(t0))
}

func TestMediumBroadcast(t *testing.T) {
	m := NewMedium()
	a, b, c := m.Attach("a"), m.Attach("b"), m.Attach("c")

	_, err := a.Write([]byte("hi"))
	require.NoError(t, err)
	buf := make([]byte, 8)
	n, _ := b.Read(buf)
	assert.Equal(t, "hi", string(buf[:n]))
	n, _ = c.Read(buf)
	assert.Equal(t, "hi", string(buf[:n]))
	n, _ = a.Read(buf)
	assert.Zero(t, n, "no echo to the sender")

	require.NoError(t, c.Close())
	_, err = c.Read(buf)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestLinkResetsAfterConsecutiveWriteErrors(t *testing.T) {
	m := NewMedium()
	tr := m.Attach("a")
	l := NewLink(tr, LinkConfig{}, log.NewTestingLogger(t))

	tr.FailWrites = 2
	assert.Error(t, l.Write([]byte("x"), t0))
	assert.Error(t, l.Write([]byte("x"), t0))
	require.NoError(t, l.Write([]byte("x"), t0))
	assert.Zero(t, tr.Resets, "a success clears the run")

	tr.FailWrites = 3
	for i := 0; i < 3; i++ {
		assert.Error(t, l.Write([]byte("x"), t0))
	}
	assert.Equal(t, 1, tr.Resets)
	st := l.Stats()
	assert.Equal(t, uint64(5), st.WriteErrors)
	assert.Equal(t, uint64(1), st.Resets)
	assert.Equal(t, uint64(1), st.BytesOut)
}

func TestLinkResetRateLimit(t *testing.T) {
	tr := NewMedium().Attach("a")
	l := NewLink(tr, LinkConfig{ResetsPerMinute: 6}, log.NewNopLogger())
	for i := 0; i < 6; i++ {
		require.NoError(t, l.Reset(t0.Add(time.Duration(i)*time.Second), "test"))
	}
	assert.ErrorIs(t, l.Reset(t0.Add(10*time.Second), "test"), ErrResetLimited)
	assert.Equal(t, 6, tr.Resets)
	assert.Equal(t, uint64(1), l.Stats().Suppressed)
	require.NoError(t, l.Reset(t0.Add(61*time.Second), "test"))
}

func TestLinkReadResetsClosedTransport(t *testing.T) {
	tr := NewMedium().Attach("a")
	l := NewLink(tr, LinkConfig{}, log.NewNopLogger())
	require.NoError(t, tr.Close())
	n := l.Read(make([]byte, 4), t0)
	assert.Zero(t, n)
	assert.Equal(t, uint64(1), l.Stats().ReadErrors)
	assert.Equal(t, 1, tr.Resets)
}

func TestUDPTransport(t *testing.T) {
	rx, err := OpenUDP("127.0.0.1:0", "127.0.0.1:9")
	require.NoError(t, err)
	defer rx.Close()
	tx, err := OpenUDP("127.0.0.1:0", rx.LocalAddr().String())
	require.NoError(t, err)
	defer tx.Close()

	buf := make([]byte, 64)
	n, err := rx.Read(buf)
	require.NoError(t, err)
	assert.Zero(t, n, "an idle socket reads nothing without blocking")

	_, err = tx.Write([]byte("frame"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		n, err = rx.Read(buf)
		return err == nil && n > 0
	}, time.Second, time.Millisecond)
	assert.Equal(t, "frame", string(buf[:n]))
}

func TestOpenRejectsBadAddresses(t *testing.T) {
	_, err := Open("udp:nocomma")
	assert.ErrorIs(t, err, ErrUnknownType)
	_, err = Open("/dev/ttyUSB0@fast")
	assert.ErrorIs(t, err, ErrUnknownType)
}
