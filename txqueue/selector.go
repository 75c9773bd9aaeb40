package txqueue

import (
	"time"

	"github.com/unkn0wn-root/lbsync/bar"
)

// DefaultReannounce is how long a fully announced bundle rests before it may
// be announced again from the start.
const DefaultReannounce = 60 * time.Second

// Progress is how far the current announcement of a bundle has got. It
// survives being pre-empted by more urgent bundles.
type Progress struct {
	Version        uint64
	ManifestOffset uint64
	BodyOffset     uint64
	Done           time.Time // last time both halves went out in full
	Rounds         int
}

// Announcement is the next piece to send.
type Announcement struct {
	Index      int
	Bundle     Bundle
	Offset     uint64
	IsManifest bool
}

// Selector owns the local bundle list and chooses announcements.
type Selector struct {
	ctx        Context
	reannounce time.Duration
	queueLen   int

	bundles  []Bundle
	progress []Progress
	priority []uint64
	index    map[bar.BundlePrefix]int

	queues   map[bar.PeerPrefix]*Queue
	barNext  int
	barNow   []int
	overflow uint64
}

// NewSelector returns an empty selector. Zero durations and lengths take the
// defaults.
func NewSelector(ctx Context, reannounce time.Duration, queueLen int) *Selector {
	if reannounce <= 0 {
		reannounce = DefaultReannounce
	}
	if queueLen <= 0 {
		queueLen = DefaultQueueLen
	}
	return &Selector{
		ctx:        ctx,
		reannounce: reannounce,
		queueLen:   queueLen,
		index:      make(map[bar.BundlePrefix]int),
		queues:     make(map[bar.PeerPrefix]*Queue),
	}
}

func (s *Selector) Len() int { return len(s.bundles) }

// Bundle returns the bundle at index i.
func (s *Selector) Bundle(i int) (Bundle, bool) {
	if i < 0 || i >= len(s.bundles) {
		return Bundle{}, false
	}
	return s.bundles[i], true
}

// Progress returns announcement progress for index i.
func (s *Selector) Progress(i int) Progress { return s.progress[i] }

// Priority is the cached intrinsic priority of index i.
func (s *Selector) Priority(i int) uint64 { return s.priority[i] }

// Find looks a bundle up by id prefix.
func (s *Selector) Find(bid bar.BundlePrefix) (int, bool) {
	i, ok := s.index[bid]
	return i, ok
}

// Bundles returns the held bundles in index order.
func (s *Selector) Bundles() []Bundle { return append([]Bundle(nil), s.bundles...) }

// Upsert adds a bundle or replaces it with a newer version. Indexes are
// stable. Progress restarts when the version changes. It reports whether
// anything changed.
func (s *Selector) Upsert(b Bundle) (int, bool) {
	if i, ok := s.index[b.BID]; ok {
		old := s.bundles[i]
		if b.Version == old.Version && b.InsertFailures < old.InsertFailures {
			b.InsertFailures = old.InsertFailures
		}
		if b.Version < old.Version || b == old {
			return i, false
		}
		s.bundles[i] = b
		if b.Version != old.Version {
			s.progress[i] = Progress{Version: b.Version}
		}
		s.priority[i] = IntrinsicPriority(b, s.ctx)
		s.invalidate()
		return i, true
	}
	i := len(s.bundles)
	s.bundles = append(s.bundles, b)
	s.progress = append(s.progress, Progress{Version: b.Version})
	s.priority = append(s.priority, IntrinsicPriority(b, s.ctx))
	s.index[b.BID] = i
	s.invalidate()
	return i, true
}

// Reprioritise recomputes intrinsic priorities, e.g. after the set of
// peers on the channel changed.
func (s *Selector) Reprioritise() {
	changed := false
	for i, b := range s.bundles {
		if p := IntrinsicPriority(b, s.ctx); p != s.priority[i] {
			s.priority[i] = p
			changed = true
		}
	}
	if changed {
		s.invalidate()
	}
}

// NoteInsertFailure penalises a bundle whose insertion failed.
func (s *Selector) NoteInsertFailure(i int) {
	s.bundles[i].InsertFailures++
	s.priority[i] = IntrinsicPriority(s.bundles[i], s.ctx)
	s.invalidate()
}

func (s *Selector) invalidate() {
	for _, q := range s.queues {
		q.Clear()
	}
}

// Overflow sums the overflow counters of every queue ever built.
func (s *Selector) Overflow() uint64 {
	n := s.overflow
	for _, q := range s.queues {
		n += q.Overflow
	}
	return n
}

// Queue returns the advisory queue for a peer, creating it on first use.
func (s *Selector) Queue(prefix bar.PeerPrefix) *Queue {
	q, ok := s.queues[prefix]
	if !ok {
		q = NewQueue(s.queueLen)
		s.queues[prefix] = q
	}
	return q
}

// Forget drops the queue of a peer that left.
func (s *Selector) Forget(prefix bar.PeerPrefix) {
	if q, ok := s.queues[prefix]; ok {
		s.overflow += q.Overflow
		delete(s.queues, prefix)
	}
}

func (s *Selector) eligible(i int, prefix bar.PeerPrefix, peer Peer, now time.Time) (uint64, bool) {
	pr := s.progress[i]
	if !pr.Done.IsZero() && now.Sub(pr.Done) < s.reannounce {
		return 0, false
	}
	p, skip := PeerPriority(s.bundles[i], s.priority[i], prefix, peer)
	return p, !skip
}

// refill rebuilds q from a full scan.
func (s *Selector) refill(q *Queue, prefix bar.PeerPrefix, peer Peer, now time.Time) {
	q.Clear()
	for i := range s.bundles {
		if p, ok := s.eligible(i, prefix, peer, now); ok {
			q.Push(Entry{Index: i, Priority: p})
		}
	}
}

// Next picks what to announce to the peer behind prefix: the most urgent
// bundle the peer lacks, continuing from where its last announcement stopped,
// manifest before body. A zero prefix with a nil peer means "anyone".
func (s *Selector) Next(prefix bar.PeerPrefix, peer Peer, now time.Time) (Announcement, bool) {
	q := s.Queue(prefix)
	for attempt := 0; attempt < 2; attempt++ {
		for {
			e, ok := q.Peek()
			if !ok {
				break
			}
			if _, still := s.eligible(e.Index, prefix, peer, now); still {
				return s.announcement(e.Index), true
			}
			q.Pop()
		}
		if attempt == 0 {
			s.refill(q, prefix, peer, now)
		}
	}
	return Announcement{}, false
}

func (s *Selector) announcement(i int) Announcement {
	b, pr := s.bundles[i], s.progress[i]
	if pr.ManifestOffset < b.ManifestLength {
		return Announcement{Index: i, Bundle: b, Offset: pr.ManifestOffset, IsManifest: true}
	}
	return Announcement{Index: i, Bundle: b, Offset: pr.BodyOffset}
}

// Advance records that a piece ending at end went out. Once both halves are
// complete the bundle rests and its offsets restart for the next round.
func (s *Selector) Advance(i int, isManifest bool, end uint64, now time.Time) {
	b, pr := s.bundles[i], &s.progress[i]
	if isManifest {
		if end > pr.ManifestOffset {
			pr.ManifestOffset = end
		}
	} else if end > pr.BodyOffset {
		pr.BodyOffset = end
	}
	if pr.ManifestOffset >= b.ManifestLength && pr.BodyOffset >= b.Length {
		pr.ManifestOffset, pr.BodyOffset = 0, 0
		pr.Done = now
		pr.Rounds++
		for _, q := range s.queues {
			q.Remove(i)
		}
	}
}

// Resume rewinds an announcement to a receiver's first missing offset and
// wakes a resting bundle.
func (s *Selector) Resume(i int, isManifest bool, offset uint64) {
	b, pr := s.bundles[i], &s.progress[i]
	if isManifest {
		if offset < b.ManifestLength {
			pr.ManifestOffset = offset
		}
	} else if offset <= b.Length {
		pr.ManifestOffset = b.ManifestLength
		pr.BodyOffset = offset
	}
	pr.Done = time.Time{}
}

// AnnounceNow puts a bundle's BAR at the front of the next frames.
func (s *Selector) AnnounceNow(i int) {
	for _, j := range s.barNow {
		if j == i {
			return
		}
	}
	s.barNow = append(s.barNow, i)
}

// NextBARs returns up to n bundle indexes whose BARs should ride in the next
// frame: urgent ones first, then a rotation over the whole list.
func (s *Selector) NextBARs(n int) []int {
	var out []int
	for len(out) < n && len(s.barNow) > 0 {
		out = append(out, s.barNow[0])
		s.barNow = s.barNow[1:]
	}
	for k := 0; len(out) < n && k < len(s.bundles); k++ {
		i := s.barNext
		s.barNext = (s.barNext + 1) % len(s.bundles)
		if !contains(out, i) {
			out = append(out, i)
		}
	}
	return out
}

// Unsend returns BARs that did not fit into a frame to the urgent list.
func (s *Selector) Unsend(idx []int) {
	var keep []int
	for _, i := range idx {
		if !contains(s.barNow, i) {
			keep = append(keep, i)
		}
	}
	s.barNow = append(keep, s.barNow...)
}

func contains(xs []int, x int) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}
