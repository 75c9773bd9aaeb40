package peers

import (
	"bytes"
	"errors"

	"github.com/google/btree"
)

var (
	ErrOverflow       = errors.New("fragment offset overflows")
	ErrBeyondLength   = errors.New("fragment beyond declared length")
	ErrConflict       = errors.New("fragment disagrees with bytes already held")
	ErrLengthConflict = errors.New("declared length below bytes already held")
)

type segment struct {
	start uint64
	data  []byte
}

func (s segment) end() uint64 { return s.start + uint64(len(s.data)) }

func segmentLess(a, b segment) bool { return a.start < b.start }

// Segments is one reassembly buffer: disjoint byte ranges ordered by start
// offset. Ranges that touch or overlap are coalesced on insert, so the buffer
// is complete exactly when it holds a single range [0, length).
type Segments struct {
	tree     *btree.BTreeG[segment]
	length   uint64
	known    bool
	received uint64
}

func NewSegments() *Segments {
	return &Segments{tree: btree.NewG(8, segmentLess)}
}

// Length is the declared total, if one is known.
func (s *Segments) Length() (uint64, bool) { return s.length, s.known }

// SetLength declares or corrects the total length.
func (s *Segments) SetLength(n uint64) error {
	if last, ok := s.tree.Max(); ok && last.end() > n {
		return ErrLengthConflict
	}
	s.length, s.known = n, true
	return nil
}

// Received is the number of distinct bytes held.
func (s *Segments) Received() uint64 { return s.received }

// Count is the number of disjoint ranges.
func (s *Segments) Count() int { return s.tree.Len() }

// Insert adds data at offset, merging with every range it touches. Bytes that
// overlap data already held must agree with it.
func (s *Segments) Insert(offset uint64, data []byte) error {
	end := offset + uint64(len(data))
	if end < offset {
		return ErrOverflow
	}
	if s.known && end > s.length {
		return ErrBeyondLength
	}
	if len(data) == 0 {
		return nil
	}

	// every range starting at or before end that reaches offset touches us.
	var touched []segment
	s.tree.DescendLessOrEqual(segment{start: end}, func(seg segment) bool {
		if seg.end() < offset {
			return false
		}
		touched = append(touched, seg)
		return true
	})

	lo, hi := offset, end
	for _, seg := range touched {
		a, b := maxU64(seg.start, offset), minU64(seg.end(), end)
		if a < b && !bytes.Equal(seg.data[a-seg.start:b-seg.start], data[a-offset:b-offset]) {
			return ErrConflict
		}
		lo, hi = minU64(lo, seg.start), maxU64(hi, seg.end())
	}

	merged := make([]byte, hi-lo)
	held := uint64(0)
	for _, seg := range touched {
		copy(merged[seg.start-lo:], seg.data)
		held += uint64(len(seg.data))
		s.tree.Delete(seg)
	}
	copy(merged[offset-lo:], data)
	s.tree.ReplaceOrInsert(segment{start: lo, data: merged})
	s.received += uint64(len(merged)) - held
	return nil
}

// Complete reports whether the buffer holds exactly [0, length).
func (s *Segments) Complete() bool {
	if !s.known {
		return false
	}
	if s.length == 0 {
		return s.tree.Len() == 0
	}
	if s.tree.Len() != 1 {
		return false
	}
	only, _ := s.tree.Min()
	return only.start == 0 && only.end() == s.length
}

// Bytes returns the assembled buffer once Complete.
func (s *Segments) Bytes() []byte {
	if !s.Complete() {
		return nil
	}
	if s.length == 0 {
		return []byte{}
	}
	only, _ := s.tree.Min()
	return only.data
}

// Ranges lists the held ranges as [start, end) pairs.
func (s *Segments) Ranges() [][2]uint64 {
	out := make([][2]uint64, 0, s.tree.Len())
	s.tree.Ascend(func(seg segment) bool {
		out = append(out, [2]uint64{seg.start, seg.end()})
		return true
	})
	return out
}

// Missing lists the gaps still to fill. The tail gap is only reported once the
// length is known.
func (s *Segments) Missing() [][2]uint64 {
	var out [][2]uint64
	next := uint64(0)
	s.tree.Ascend(func(seg segment) bool {
		if seg.start > next {
			out = append(out, [2]uint64{next, seg.start})
		}
		next = seg.end()
		return true
	})
	if s.known && next < s.length {
		out = append(out, [2]uint64{next, s.length})
	}
	return out
}

// FirstMissing is the lowest offset not yet held.
func (s *Segments) FirstMissing() uint64 {
	if first, ok := s.tree.Min(); ok && first.start == 0 {
		return first.end()
	}
	return 0
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

func maxU64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}
