package bar

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustBundle(t *testing.T, s string) BundlePrefix {
	t.Helper()
	p, err := ParseBundlePrefix(s)
	require.NoError(t, err)
	return p
}

func TestDescriptorLayout(t *testing.T) {
	bid := mustBundle(t, "0123456789ABCDEF00")
	rcpt, err := ParsePeerPrefix("DEADBEEF")
	require.NoError(t, err)

	d := New(bid, 0x0102030405060708, rcpt, 1000, true)
	assert.Equal(t, []byte{0x01, 0x23, 0x45, 0x67, 0x89, 0xAB, 0xCD, 0xEF}, d[0:8])
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, d[8:16])
	assert.Equal(t, []byte{0xDE, 0xAD, 0xBE, 0xEF}, d[16:20])

	got, err := Decode(d[:])
	require.NoError(t, err)
	assert.Equal(t, bid, got.BundlePrefix())
	assert.Equal(t, uint64(0x0102030405060708), got.Version())
	assert.Equal(t, rcpt, got.Recipient())
	assert.True(t, got.MeshMS())
	assert.GreaterOrEqual(t, got.MaxLength(), uint64(1000))
	assert.Equal(t, "0123456789ABCDEF", got.BundlePrefix().String())

	_, err = Decode(d[:DescriptorLen-1])
	assert.ErrorIs(t, err, ErrShortDescriptor)
}

func TestSizeByte(t *testing.T) {
	assert.Equal(t, byte(0), SizeByte(0, false))
	assert.Equal(t, uint64(0), SizeByteToLength(0))
	for _, n := range []uint64{1, 2, 3, 200, 4096, 1 << 40} {
		b := SizeByte(n, false)
		assert.GreaterOrEqual(t, SizeByteToLength(b), n, "length %d", n)
		assert.Less(t, SizeByteToLength(b)/2, n, "length %d", n)
	}
	assert.Equal(t, ^uint64(0), SizeByteToLength(SizeByte(^uint64(0), true)))
}

func TestParsePrefixErrors(t *testing.T) {
	_, err := ParsePeerPrefix("ABC")
	assert.ErrorIs(t, err, ErrBadHex)
	_, err = ParseBundlePrefix("ZZ23456789ABCDEF")
	assert.ErrorIs(t, err, ErrBadHex)
}

func TestTreeDetectsDivergentSubtree(t *testing.T) {
	var rcpt PeerPrefix
	a := New(mustBundle(t, "0100000000000000"), 1, rcpt, 10, false)
	b := New(mustBundle(t, "8000000000000000"), 7, rcpt, 10, false)
	c := New(mustBundle(t, "8100000000000000"), 3, rcpt, 10, false)
	cNewer := New(mustBundle(t, "8100000000000000"), 4, rcpt, 10, false)

	mine := NewTree(8, []Descriptor{a, b, c})
	theirs := NewTree(8, []Descriptor{c, a, b})
	require.Equal(t, mine.Root(), theirs.Root(), "insertion order must not matter")

	newer := NewTree(8, []Descriptor{a, b, cNewer})
	require.NotEqual(t, mine.Root(), newer.Root())

	// the left half (bid prefixes 0x00..0x7F) agrees, the right half does not.
	left, _ := newer.Node(1, 0)
	right, _ := newer.Node(1, 1)
	assert.False(t, mine.Diverged(1, 0, left))
	assert.True(t, mine.Diverged(1, 1, right))

	// walk down to the single divergent leaf.
	level, index := 0, 0
	for level < mine.Depth() {
		next := [2]int{-1, -1}
		for _, ch := range mine.Children(level, index) {
			remote, _ := newer.Node(ch[0], ch[1])
			if mine.Diverged(ch[0], ch[1], remote) {
				next = ch
			}
		}
		require.NotEqual(t, -1, next[0], "lost the divergence at level %d", level)
		level, index = next[0], next[1]
	}
	assert.Equal(t, 0x81, index)
	assert.Equal(t, []Descriptor{c}, mine.Descriptors(level, index))
	assert.Len(t, mine.Descriptors(0, 0), 3)
	assert.Nil(t, mine.Children(mine.Depth(), 0))

	_, ok := mine.Node(9, 0)
	assert.False(t, ok)
}

func TestTreeEmptyRoot(t *testing.T) {
	tr := NewTree(0, nil)
	assert.Equal(t, DefaultTreeDepth, tr.Depth())
	assert.True(t, tr.Root().IsZero())
}

func TestSyncKey(t *testing.T) {
	bid := mustBundle(t, "0123456789ABCDEF")
	var s1, s2 [SaltLen]byte
	s2[0] = 1
	assert.Equal(t, SyncKey(s1, bid, 1), SyncKey(s1, bid, 1))
	assert.NotEqual(t, SyncKey(s1, bid, 1), SyncKey(s1, bid, 2))
	assert.NotEqual(t, SyncKey(s1, bid, 1), SyncKey(s2, bid, 1))
}
