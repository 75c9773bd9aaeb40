package frame

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unkn0wn-root/lbsync/bar"
	"github.com/unkn0wn-root/lbsync/timesync"
)

func TestMessageRoundTrip(t *testing.T) {
	h := Header{Sender: bar.PeerPrefix{0xAA, 0xBB, 0xCC, 0xDD}, Instance: 0xDEADBEEF, Seq: 513}
	bid := bar.BundlePrefix{1, 2, 3, 4, 5, 6, 7, 8}
	d := bar.New(bid, 42, bar.PeerPrefix{9, 9, 9, 9}, 300, false)
	stamp := timesync.Stamp{Stratum: 2, Time: time.Unix(1600000000, 123000)}

	w := NewWriter(h, LinkMTU)
	require.True(t, w.Empty())
	require.True(t, w.AddStamp(stamp))
	require.True(t, w.AddBAR(d))
	require.True(t, w.AddLength(Length{BID: bid, Version: 42, Kind: KindBody, Length: 300}))
	require.True(t, w.AddResume(Resume{Target: bar.PeerPrefix{1, 1, 1, 1}, BID: bid, Version: 42, Kind: KindManifest, Offset: 64}))
	require.True(t, w.AddNode(TreeNode{Level: 3, Index: 5, XOR: d}))
	n := w.AddPiece(Piece{Kind: KindBody, BID: bid, Version: 42, Offset: 100, Data: payloadOf(20), Final: true})
	require.Equal(t, 20, n)
	require.LessOrEqual(t, w.Len(), LinkMTU)

	m, err := Parse(w.Bytes())
	require.NoError(t, err)
	assert.Equal(t, h, m.Header)
	assert.False(t, m.Unknown)
	assert.Equal(t, []bar.Descriptor{d}, m.BARs)
	assert.Equal(t, []Length{{BID: bid, Version: 42, Kind: KindBody, Length: 300}}, m.Lengths)
	assert.Equal(t, []Resume{{Target: bar.PeerPrefix{1, 1, 1, 1}, BID: bid, Version: 42, Kind: KindManifest, Offset: 64}}, m.Resumes)
	assert.Equal(t, []TreeNode{{Level: 3, Index: 5, XOR: d}}, m.Nodes)
	require.Len(t, m.Stamps, 1)
	assert.True(t, stamp.Time.Equal(m.Stamps[0].Time))

	want := []Piece{{Kind: KindBody, BID: bid, Version: 42, Offset: 100, Data: payloadOf(20), Final: true}}
	if diff := cmp.Diff(want, m.Pieces); diff != "" {
		t.Fatalf("pieces mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, uint64(120), m.Pieces[0].End())
}

func TestWriterTruncatesPiece(t *testing.T) {
	w := NewWriter(Header{}, LinkMTU)
	room := w.PieceRoom()
	assert.Equal(t, LinkMTU-HeaderLen-pieceOverhead, room)

	n := w.AddPiece(Piece{Kind: KindManifest, Data: payloadOf(500), Final: true})
	assert.Equal(t, room, n)
	assert.Equal(t, LinkMTU, w.Len())
	assert.False(t, w.AddBAR(bar.Descriptor{}))
	assert.Zero(t, w.AddPiece(Piece{Data: []byte{1}}))

	m, err := Parse(w.Bytes())
	require.NoError(t, err)
	require.Len(t, m.Pieces, 1)
	assert.False(t, m.Pieces[0].Final, "a truncated piece cannot be final")
	assert.Len(t, m.Pieces[0].Data, room)
}

func TestParseDamage(t *testing.T) {
	_, err := Parse([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrShortHeader)

	w := NewWriter(Header{Seq: 1}, LinkMTU)
	w.AddBAR(bar.Descriptor{1})
	w.AddBAR(bar.Descriptor{2})
	b := w.Bytes()

	m, err := Parse(b[:len(b)-3])
	assert.ErrorIs(t, err, ErrTruncated)
	assert.Len(t, m.BARs, 1)

	m, err = Parse(append(append([]byte(nil), b...), '?', TagBAR))
	require.NoError(t, err)
	assert.True(t, m.Unknown)
	assert.Len(t, m.BARs, 2)
}
