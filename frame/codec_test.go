package frame

import (
	"bytes"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func payloadOf(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + 3)
	}
	return b
}

func TestFECSizes(t *testing.T) {
	assert.Equal(t, PhysicalMTU, EncodedLen(LinkMTU))
	assert.Equal(t, 11, EncodedLen(0))
	assert.Equal(t, 21, EncodedLen(9))
}

func TestFECCorrectsOneShare(t *testing.T) {
	f, err := NewFEC()
	require.NoError(t, err)

	in := payloadOf(LinkMTU)
	phys, err := f.Encode(nil, in, make([]byte, LinkMTU))
	require.NoError(t, err)
	require.Len(t, phys, PhysicalMTU)

	// damage every byte of share 3.
	s := shareLen(len(in))
	for i := 1 + 3*s; i < 1+4*s; i++ {
		phys[i] ^= 0x5A
	}
	out, err := f.Decode(phys)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestCodecRoundTrip(t *testing.T) {
	for _, framing := range []Framing{NewLineFraming(), NewKISSFraming()} {
		for _, fec := range []bool{false, true} {
			tx, err := NewCodec(framing, fec)
			require.NoError(t, err)
			rxFraming, _ := ByName(framing.Name())
			rx, err := NewCodec(rxFraming, fec)
			require.NoError(t, err)

			in := payloadOf(LinkMTU)
			wire, err := tx.Encode(in)
			require.NoError(t, err)
			if framing.Name() == "line" {
				// the modem echoes what it receives as a +RX report.
				wire = toRXReport(t, wire)
			}

			// deliver one byte at a time to exercise partial buffering.
			var got []Record
			heard := 0
			for i := range wire {
				recs, h := rx.Feed(wire[i : i+1])
				got = append(got, recs...)
				heard += h
			}
			require.Len(t, got, 1, "%s fec=%v", framing.Name(), fec)
			assert.Equal(t, in, got[0].Payload)
			assert.Equal(t, 1, heard)
			assert.Equal(t, 0, rx.Stats().Dropped)
		}
	}
}

func toRXReport(t *testing.T, tx []byte) []byte {
	t.Helper()
	s := strings.TrimSuffix(strings.TrimPrefix(string(tx), txPrefix), "\n")
	return []byte("+RX " + strconv.Itoa(len(s)/2) + "," + s + ",-71,9\n")
}

func TestCodecOversize(t *testing.T) {
	c, err := NewCodec(NewLineFraming(), true)
	require.NoError(t, err)
	_, err = c.Encode(payloadOf(LinkMTU + 1))
	assert.ErrorIs(t, err, ErrOversize)
}

func TestLineFramingReports(t *testing.T) {
	l := NewLineFraming()
	var got []Raw
	emit := func(r Raw) { got = append(got, r) }

	input := "OK\r\n" +
		"+RX 11,000102030405060708090A,-90,7\r\n" +
		"+RX 3,ZZZZZZ,-90,7\n" + // bad hex
		"+RX 4,0001,-90,7\n" + // length mismatch
		"+RX 11,0A0B0C0D0E0F10111213FF\n" // no signal report
	dropped := l.Feed([]byte(input), emit)

	assert.Equal(t, 2, dropped)
	require.Len(t, got, 2)
	assert.Equal(t, []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, got[0].Data)
	assert.True(t, got[0].HasSignal)
	assert.Equal(t, -90, got[0].RSSI)
	assert.Equal(t, 7, got[0].SNR)
	assert.False(t, got[1].HasSignal)
	assert.Zero(t, l.Pending())
}

func TestLineFramingOverlongLine(t *testing.T) {
	l := NewLineFraming()
	var got []Raw
	emit := func(r Raw) { got = append(got, r) }

	junk := bytes.Repeat([]byte{'A'}, maxLineLen+50)
	dropped := l.Feed(junk, emit)
	dropped += l.Feed([]byte("\n+RX 11,000102030405060708090A,1,2\n"), emit)
	assert.Equal(t, 1, dropped)
	require.Len(t, got, 1)
}

func TestKISSEscapes(t *testing.T) {
	k := NewKISSFraming()
	in := []byte{0x01, kissFEND, 0x02, kissFESC, 0x03}
	wire := k.Wrap(nil, in)
	assert.Equal(t, []byte{kissFEND, 0, 0x01, kissFESC, kissTFEND, 0x02, kissFESC, kissTFESC, 0x03, kissFEND}, wire)

	var got []Raw
	dropped := k.Feed(wire, func(r Raw) { got = append(got, r) })
	assert.Zero(t, dropped)
	require.Len(t, got, 1)
	assert.Equal(t, in, got[0].Data)

	// invalid escape spoils only its own frame.
	bad := []byte{kissFEND, 0, 0x01, kissFESC, 0x42, kissFEND}
	dropped = k.Feed(append(bad, wire...), func(r Raw) { got = append(got, r) })
	assert.Equal(t, 1, dropped)
	assert.Len(t, got, 2)
}

func TestCodecDropsRunts(t *testing.T) {
	c, err := NewCodec(NewKISSFraming(), false)
	require.NoError(t, err)
	recs, heard := c.Feed(NewKISSFraming().Wrap(nil, []byte{1, 2, 3}))
	assert.Empty(t, recs)
	assert.Equal(t, 1, heard)
	assert.Equal(t, 1, c.Stats().Dropped)
}
