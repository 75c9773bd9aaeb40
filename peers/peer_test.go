package peers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/unkn0wn-root/lbsync/bar"
	"github.com/unkn0wn-root/lbsync/frame"
)

var (
	peerA = bar.PeerPrefix{0xA0, 0xA1, 0xA2, 0xA3}
	bid1  = bar.BundlePrefix{1, 1, 1, 1, 1, 1, 1, 1}
	bid2  = bar.BundlePrefix{2, 2, 2, 2, 2, 2, 2, 2}
	t0    = time.Unix(1700000000, 0)
)

func frag(kind frame.Kind, lo, hi int, final bool) Fragment {
	return Fragment{BID: bid1, Version: 7, Kind: kind, Offset: uint64(lo), Data: seq(lo, hi), Final: final}
}

// manifest [0,20) then [20,40) ending at 40; body [10,30), [0,10), [30,50)
// ending at 50. Completion comes only with the last body piece.
func TestManifestBodyScenario(t *testing.T) {
	r := NewRegistry(0, 0)
	h, _ := r.NoteHeard(peerA, 1, 0, t0)
	p := r.Get(h)

	steps := []Fragment{
		frag(frame.KindManifest, 0, 20, false),
		frag(frame.KindManifest, 20, 40, true),
		frag(frame.KindBody, 10, 30, false),
		frag(frame.KindBody, 0, 10, false),
	}
	for i, f := range steps {
		got, err := p.ReceiveFragment(f, t0)
		require.NoError(t, err)
		require.Nil(t, got, "step %d completed early", i)
	}
	got, err := p.ReceiveLength(bid1, 7, frame.KindBody, 50, t0)
	require.NoError(t, err)
	require.Nil(t, got)

	got, err = p.ReceiveFragment(frag(frame.KindBody, 30, 50, true), t0)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, seq(0, 40), got.Manifest)
	assert.Equal(t, seq(0, 50), got.Body)
	assert.Equal(t, uint64(7), got.Version)
	assert.Empty(t, p.Partials(), "slot is freed on completion")
}

func TestInstanceChangeDiscardsTransfers(t *testing.T) {
	r := NewRegistry(0, 0)
	h, _ := r.NoteHeard(peerA, 1, 0, t0)
	p := r.Get(h)

	_, err := p.ReceiveFragment(frag(frame.KindBody, 0, 10, false), t0)
	require.NoError(t, err)
	f2 := frag(frame.KindBody, 0, 10, false)
	f2.BID = bid2
	_, err = p.ReceiveFragment(f2, t0)
	require.NoError(t, err)
	require.Len(t, p.Partials(), 2)

	h2, restarted := r.NoteHeard(peerA, 1, 1, t0.Add(time.Second))
	assert.False(t, restarted)
	assert.Equal(t, h, h2)
	require.Len(t, p.Partials(), 2)

	h3, restarted := r.NoteHeard(peerA, 2, 0, t0.Add(2*time.Second))
	assert.True(t, restarted)
	assert.Equal(t, h, h3)
	assert.Empty(t, r.Get(h3).Partials())
	assert.Equal(t, uint32(2), r.Get(h3).Instance)
	assert.Equal(t, uint64(1), r.Restarts())
}

func TestReannouncementIsIdempotent(t *testing.T) {
	p := newPeer(peerA, 1, 0, t0)
	for i := 0; i < 3; i++ {
		_, err := p.ReceiveFragment(frag(frame.KindManifest, 0, 10, false), t0)
		require.NoError(t, err)
	}
	require.Len(t, p.Partials(), 1)
	assert.Equal(t, uint64(10), p.Partials()[0].Manifest.Received())
}

func TestSlotsExhausted(t *testing.T) {
	p := newPeer(peerA, 1, 0, t0)
	for i := 0; i < MaxPartials; i++ {
		f := frag(frame.KindBody, 0, 4, false)
		f.BID = bar.BundlePrefix{byte(i), 0xEE}
		_, err := p.ReceiveFragment(f, t0)
		require.NoError(t, err)
	}
	f := frag(frame.KindBody, 0, 4, false)
	f.BID = bar.BundlePrefix{0xFF}
	_, err := p.ReceiveFragment(f, t0)
	assert.ErrorIs(t, err, ErrNoSlot)

	p.Drop(bar.BundlePrefix{3, 0xEE})
	_, err = p.ReceiveFragment(f, t0)
	assert.NoError(t, err)
}

func TestVersionSupersedes(t *testing.T) {
	p := newPeer(peerA, 1, 0, t0)
	_, err := p.ReceiveFragment(frag(frame.KindBody, 0, 4, false), t0)
	require.NoError(t, err)

	older := frag(frame.KindBody, 4, 8, false)
	older.Version = 6
	_, err = p.ReceiveFragment(older, t0)
	assert.ErrorIs(t, err, ErrStale)

	newer := frag(frame.KindBody, 4, 8, false)
	newer.Version = 8
	_, err = p.ReceiveFragment(newer, t0)
	require.NoError(t, err)
	pt, ok := p.Partial(bid1)
	require.True(t, ok)
	assert.Equal(t, uint64(8), pt.Version)
	assert.Equal(t, [][2]uint64{{4, 8}}, pt.Body.Ranges())
}

func TestErrorCeilingAbandons(t *testing.T) {
	p := newPeer(peerA, 1, 0, t0)
	_, err := p.ReceiveFragment(frag(frame.KindBody, 0, 10, true), t0)
	require.NoError(t, err)

	beyond := frag(frame.KindBody, 8, 12, false)
	for i := 1; i <= MaxErrors; i++ {
		_, err = p.ReceiveFragment(beyond, t0)
		require.ErrorIs(t, err, ErrBeyondLength)
		require.NotErrorIs(t, err, ErrAbandoned)
	}
	_, err = p.ReceiveFragment(beyond, t0)
	require.ErrorIs(t, err, ErrAbandoned)
	require.ErrorIs(t, err, ErrBeyondLength)
	assert.Empty(t, p.Partials())

	// mid-stream pieces stay ignored; a fresh start at offset 0 reopens it.
	_, err = p.ReceiveFragment(frag(frame.KindBody, 4, 6, false), t0)
	assert.ErrorIs(t, err, ErrAbandoned)
	_, err = p.ReceiveFragment(frag(frame.KindBody, 0, 4, false), t0)
	assert.NoError(t, err)
	assert.Len(t, p.Partials(), 1)
}

func TestEmptyBody(t *testing.T) {
	p := newPeer(peerA, 1, 0, t0)
	_, err := p.ReceiveFragment(frag(frame.KindManifest, 0, 30, true), t0)
	require.NoError(t, err)
	got, err := p.ReceiveFragment(Fragment{BID: bid1, Version: 7, Kind: frame.KindBody, Final: true}, t0)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Empty(t, got.Body)
}

func TestSequenceGapsFeedQuality(t *testing.T) {
	p := newPeer(peerA, 1, 10, t0)
	p.heard(11, t0)
	p.heard(14, t0) // 12 and 13 lost
	assert.Equal(t, uint64(3), p.Frames)
	assert.Equal(t, uint64(2), p.Missed)
	assert.InDelta(t, 0.6, p.Quality(), 1e-9)

	p.heard(0xFFFF, t0) // reordering noise, not loss
	assert.Equal(t, uint64(2), p.Missed)
}

// Any split of a byte range delivered in any order reassembles to the
// original bytes and completes exactly once, on the last delivery.
func TestReassemblyProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 600).Draw(t, "n").(int)
		body := make([]byte, n)
		for i := range body {
			body[i] = byte(rapid.IntRange(0, 255).Draw(t, "b").(int))
		}

		var cuts []int
		for at := 0; at < n; {
			step := rapid.IntRange(1, 64).Draw(t, "step").(int)
			cuts = append(cuts, at)
			at += step
		}
		frags := make([]Fragment, len(cuts))
		for i, lo := range cuts {
			hi := n
			if i+1 < len(cuts) {
				hi = cuts[i+1]
			}
			frags[i] = Fragment{BID: bid1, Version: 1, Kind: frame.KindBody, Offset: uint64(lo), Data: body[lo:hi], Final: hi == n}
		}
		for i := len(frags) - 1; i > 0; i-- {
			j := rapid.IntRange(0, i).Draw(t, "swap").(int)
			frags[i], frags[j] = frags[j], frags[i]
		}

		p := newPeer(peerA, 1, 0, t0)
		if _, err := p.ReceiveFragment(Fragment{BID: bid1, Version: 1, Kind: frame.KindManifest, Data: []byte("m"), Final: true}, t0); err != nil {
			t.Fatalf("manifest: %v", err)
		}
		completions := 0
		for i, f := range frags {
			got, err := p.ReceiveFragment(f, t0)
			if err != nil {
				t.Fatalf("fragment %d: %v", i, err)
			}
			if got == nil {
				continue
			}
			completions++
			if i != len(frags)-1 {
				t.Fatalf("completed at %d of %d", i, len(frags))
			}
			if string(got.Body) != string(body) {
				t.Fatalf("reassembled body differs")
			}
		}
		if completions != 1 {
			t.Fatalf("completed %d times", completions)
		}
	})
}
