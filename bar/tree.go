package bar

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

const (
	DefaultTreeDepth = 8  // 256 leaf buckets
	MaxTreeDepth     = 16 // node indexes travel as uint16
)

// Tree is a fixed-depth binary XOR tree over descriptors. A descriptor sits in
// the leaf named by the leading Depth bits of its bundle id prefix, so leaf
// positions agree between any two nodes regardless of what else they hold.
// Every node carries the XOR of all descriptors beneath it; two peers with
// different node values know that subtree differs without listing it.
//
// Level 0 is the root; level Depth holds the leaves.
type Tree struct {
	depth  int
	levels [][]Descriptor
	leaves map[int][]Descriptor
}

// NewTree builds a tree of the given depth (clamped to [1, MaxTreeDepth]).
func NewTree(depth int, ds []Descriptor) *Tree {
	if depth <= 0 {
		depth = DefaultTreeDepth
	}
	if depth > MaxTreeDepth {
		depth = MaxTreeDepth
	}
	t := &Tree{
		depth:  depth,
		levels: make([][]Descriptor, depth+1),
		leaves: make(map[int][]Descriptor),
	}
	for l := 0; l <= depth; l++ {
		t.levels[l] = make([]Descriptor, 1<<l)
	}
	for _, d := range ds {
		t.Add(d)
	}
	return t
}

func (t *Tree) Depth() int { return t.depth }

// Add folds d into its leaf and every ancestor.
func (t *Tree) Add(d Descriptor) {
	leaf := bucket(d, t.depth)
	t.leaves[leaf] = append(t.leaves[leaf], d)
	for l := t.depth; l >= 0; l-- {
		idx := leaf >> uint(t.depth-l)
		t.levels[l][idx].XOR(d)
	}
}

func (t *Tree) Root() Descriptor { return t.levels[0][0] }

// Node returns the XOR summary at (level, index).
func (t *Tree) Node(level, index int) (Descriptor, bool) {
	if level < 0 || level > t.depth || index < 0 || index >= len(t.levels[level]) {
		return Descriptor{}, false
	}
	return t.levels[level][index], true
}

// Diverged reports whether a remote summary for (level, index) differs from
// ours. Out-of-range coordinates never diverge.
func (t *Tree) Diverged(level, index int, remote Descriptor) bool {
	local, ok := t.Node(level, index)
	return ok && local != remote
}

// Children returns the coordinates below (level, index); leaves have none.
func (t *Tree) Children(level, index int) [][2]int {
	if level >= t.depth {
		return nil
	}
	return [][2]int{{level + 1, 2 * index}, {level + 1, 2*index + 1}}
}

// Descriptors lists every descriptor in the subtree at (level, index).
func (t *Tree) Descriptors(level, index int) []Descriptor {
	if level < 0 || level > t.depth {
		return nil
	}
	shift := uint(t.depth - level)
	lo, hi := index<<shift, (index+1)<<shift
	var out []Descriptor
	for leaf := lo; leaf < hi; leaf++ {
		out = append(out, t.leaves[leaf]...)
	}
	return out
}

func bucket(d Descriptor, depth int) int {
	v := binary.BigEndian.Uint16(d[0:2])
	return int(v >> uint(16-depth))
}

// SaltLen is the size of the per-process sync key salt.
const SaltLen = 8

// SyncKey is a salted 64-bit key naming one version of one bundle. Keys are
// only meaningful within the process that salted them.
func SyncKey(salt [SaltLen]byte, bid BundlePrefix, version uint64) uint64 {
	var buf [SaltLen + BundlePrefixLen + 8]byte
	copy(buf[:SaltLen], salt[:])
	copy(buf[SaltLen:], bid[:])
	binary.BigEndian.PutUint64(buf[SaltLen+BundlePrefixLen:], version)
	return xxhash.Sum64(buf[:])
}
