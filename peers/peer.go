package peers

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/unkn0wn-root/lbsync/bar"
	"github.com/unkn0wn-root/lbsync/frame"
)

const (
	// MaxPartials bounds the bundles reassembled concurrently from one peer.
	MaxPartials = 16
	// MaxErrors is how many bad fragments a transfer survives.
	MaxErrors = 5
)

var (
	ErrNoSlot    = errors.New("no free reassembly slot")
	ErrStale     = errors.New("fragment for a superseded version")
	ErrAbandoned = errors.New("transfer abandoned")
)

// Fragment is one received piece of a bundle.
type Fragment struct {
	BID     bar.BundlePrefix
	Version uint64
	Kind    frame.Kind
	Offset  uint64
	Data    []byte
	// Final marks the piece that ends its buffer, which fixes the length.
	Final bool
}

// Assembled is a bundle whose manifest and body are both complete.
type Assembled struct {
	BID      bar.BundlePrefix
	Version  uint64
	Manifest []byte
	Body     []byte
}

type bundleVersion struct {
	bid     bar.BundlePrefix
	version uint64
}

// Peer is everything known about one neighbour.
type Peer struct {
	Prefix    bar.PeerPrefix
	Instance  uint32
	LastHeard time.Time
	LastSeq   uint16

	// Frames counts frames heard; Missed counts gaps in message numbers.
	Frames uint64
	Missed uint64

	RSSI      int
	SNR       int
	HasSignal bool

	partials  [MaxPartials]*Partial
	has       map[bar.BundlePrefix]uint64
	abandoned map[bundleVersion]struct{}
}

func newPeer(prefix bar.PeerPrefix, instance uint32, seq uint16, now time.Time) *Peer {
	return &Peer{
		Prefix:    prefix,
		Instance:  instance,
		LastHeard: now,
		LastSeq:   seq,
		Frames:    1,
		has:       make(map[bar.BundlePrefix]uint64),
		abandoned: make(map[bundleVersion]struct{}),
	}
}

// heard records a frame from the same instance.
func (p *Peer) heard(seq uint16, now time.Time) {
	gap := seq - p.LastSeq - 1
	// large gaps are reordering or wrap confusion, not loss.
	if seq != p.LastSeq && gap < 0x100 {
		p.Missed += uint64(gap)
	}
	p.Frames++
	p.LastSeq = seq
	p.LastHeard = now
}

// restart adopts a new instance id and forgets everything tied to the old
// process.
func (p *Peer) restart(instance uint32, seq uint16, now time.Time) {
	p.Reset()
	p.Instance = instance
	p.LastSeq = seq
	p.LastHeard = now
	p.Frames++
	p.has = make(map[bar.BundlePrefix]uint64)
}

// Reset discards every in-flight transfer.
func (p *Peer) Reset() {
	for i := range p.partials {
		p.partials[i] = nil
	}
	p.abandoned = make(map[bundleVersion]struct{})
}

// NoteSignal records the link report of the last frame.
func (p *Peer) NoteSignal(rssi, snr int) {
	p.RSSI, p.SNR, p.HasSignal = rssi, snr, true
}

// Quality is the fraction of this peer's frames we actually heard.
func (p *Peer) Quality() float64 {
	total := p.Frames + p.Missed
	if total == 0 {
		return 0
	}
	return float64(p.Frames) / float64(total)
}

// Active reports whether the peer was heard within keepalive of now.
func (p *Peer) Active(now time.Time, keepalive time.Duration) bool {
	return now.Sub(p.LastHeard) <= keepalive
}

// NoteHas records that the peer announced a bundle at a version.
func (p *Peer) NoteHas(bid bar.BundlePrefix, version uint64) {
	if v, ok := p.has[bid]; !ok || version > v {
		p.has[bid] = version
	}
}

// Has returns the newest version of bid the peer has announced.
func (p *Peer) Has(bid bar.BundlePrefix) (uint64, bool) {
	v, ok := p.has[bid]
	return v, ok
}

// Partials returns the in-flight transfers ordered by start time.
func (p *Peer) Partials() []*Partial {
	var out []*Partial
	for _, pt := range p.partials {
		if pt != nil {
			out = append(out, pt)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Started.Before(out[j].Started) })
	return out
}

// Partial finds the transfer for bid, whatever its version.
func (p *Peer) Partial(bid bar.BundlePrefix) (*Partial, bool) {
	i := p.find(bid)
	if i < 0 {
		return nil, false
	}
	return p.partials[i], true
}

// Drop frees the slot held for bid.
func (p *Peer) Drop(bid bar.BundlePrefix) {
	if i := p.find(bid); i >= 0 {
		p.partials[i] = nil
	}
}

func (p *Peer) find(bid bar.BundlePrefix) int {
	for i, pt := range p.partials {
		if pt != nil && pt.BID == bid {
			return i
		}
	}
	return -1
}

// slot finds or creates the transfer for (bid, version). A newer version
// replaces an older transfer in place.
func (p *Peer) slot(bid bar.BundlePrefix, version uint64, offset uint64, now time.Time) (int, error) {
	key := bundleVersion{bid, version}
	if _, gone := p.abandoned[key]; gone {
		if offset != 0 {
			return -1, ErrAbandoned
		}
		delete(p.abandoned, key)
	}
	if i := p.find(bid); i >= 0 {
		switch cur := p.partials[i]; {
		case cur.Version == version:
			return i, nil
		case cur.Version > version:
			return -1, ErrStale
		default:
			p.partials[i] = newPartial(bid, version, now)
			return i, nil
		}
	}
	for i, pt := range p.partials {
		if pt == nil {
			p.partials[i] = newPartial(bid, version, now)
			return i, nil
		}
	}
	return -1, ErrNoSlot
}

// fail charges an error to slot i, abandoning the transfer past MaxErrors.
func (p *Peer) fail(i int, cause error) error {
	pt := p.partials[i]
	pt.Errors++
	if pt.Errors > MaxErrors {
		p.partials[i] = nil
		p.abandoned[bundleVersion{pt.BID, pt.Version}] = struct{}{}
		return fmt.Errorf("%w after %d errors: %w", ErrAbandoned, pt.Errors, cause)
	}
	return cause
}

// ReceiveFragment feeds one piece into reassembly. When the bundle becomes
// complete it is returned and its slot freed.
func (p *Peer) ReceiveFragment(f Fragment, now time.Time) (*Assembled, error) {
	i, err := p.slot(f.BID, f.Version, f.Offset, now)
	if err != nil {
		return nil, err
	}
	pt := p.partials[i]
	pt.Updated = now
	buf := pt.Buffer(f.Kind)

	if f.Final {
		end := f.Offset + uint64(len(f.Data))
		if end < f.Offset {
			return nil, p.fail(i, ErrOverflow)
		}
		if err := buf.SetLength(end); err != nil {
			return nil, p.fail(i, err)
		}
	}
	if err := buf.Insert(f.Offset, f.Data); err != nil {
		return nil, p.fail(i, err)
	}
	return p.complete(i), nil
}

// ReceiveLength supplies or corrects the declared length of one buffer.
func (p *Peer) ReceiveLength(bid bar.BundlePrefix, version uint64, kind frame.Kind, length uint64, now time.Time) (*Assembled, error) {
	i := p.find(bid)
	if i < 0 || p.partials[i].Version != version {
		// lengths alone never open a transfer.
		return nil, nil
	}
	pt := p.partials[i]
	pt.Updated = now
	if err := pt.Buffer(kind).SetLength(length); err != nil {
		return nil, p.fail(i, err)
	}
	return p.complete(i), nil
}

func (p *Peer) complete(i int) *Assembled {
	pt := p.partials[i]
	if !pt.Complete() {
		return nil
	}
	p.partials[i] = nil
	return &Assembled{
		BID:      pt.BID,
		Version:  pt.Version,
		Manifest: pt.Manifest.Bytes(),
		Body:     pt.Body.Bytes(),
	}
}

// Reject charges a failed store validation to the assembled bundle. The slot
// is already free; the data is not retried.
func (p *Peer) Reject(a *Assembled) {
	p.abandoned[bundleVersion{a.BID, a.Version}] = struct{}{}
}
