// Package peers keeps per-neighbour state: liveness, what each neighbour has
// announced, and the reassembly of bundles it is sending us.
package peers

import (
	"bytes"
	"sort"
	"time"

	"github.com/unkn0wn-root/lbsync/bar"
)

const (
	DefaultCapacity  = 1024
	DefaultKeepalive = 20 * time.Second
)

// Handle is a stable small index of a registry slot. A handle is only valid
// until its peer is evicted.
type Handle int32

const NoHandle Handle = -1

// Registry is a fixed-capacity arena of peers indexed by identity prefix.
// When full, the least recently heard peer gives up its slot.
type Registry struct {
	slots     []*Peer
	index     map[bar.PeerPrefix]Handle
	capacity  int
	keepalive time.Duration
	evicted   uint64
	resets    uint64
}

// NewRegistry returns an empty registry. Zero arguments take the defaults.
func NewRegistry(capacity int, keepalive time.Duration) *Registry {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if keepalive <= 0 {
		keepalive = DefaultKeepalive
	}
	return &Registry{
		slots:     make([]*Peer, 0, capacity),
		index:     make(map[bar.PeerPrefix]Handle, capacity),
		capacity:  capacity,
		keepalive: keepalive,
	}
}

// NoteHeard creates or refreshes the peer behind a frame header. restarted
// is true when a known peer shows a new instance id, in which case all its
// in-flight transfers have been discarded.
func (r *Registry) NoteHeard(prefix bar.PeerPrefix, instance uint32, seq uint16, now time.Time) (h Handle, restarted bool) {
	if h, ok := r.index[prefix]; ok {
		p := r.slots[h]
		if p.Instance != instance {
			p.restart(instance, seq, now)
			r.resets++
			return h, true
		}
		p.heard(seq, now)
		return h, false
	}

	p := newPeer(prefix, instance, seq, now)
	if len(r.slots) < r.capacity {
		h = Handle(len(r.slots))
		r.slots = append(r.slots, p)
	} else {
		h = r.oldest()
		delete(r.index, r.slots[h].Prefix)
		r.slots[h] = p
		r.evicted++
	}
	r.index[prefix] = h
	return h, false
}

func (r *Registry) oldest() Handle {
	best := Handle(0)
	for i, p := range r.slots {
		if p.LastHeard.Before(r.slots[best].LastHeard) {
			best = Handle(i)
		}
	}
	return best
}

// Get returns the peer in slot h.
func (r *Registry) Get(h Handle) *Peer {
	if h < 0 || int(h) >= len(r.slots) {
		return nil
	}
	return r.slots[h]
}

// Lookup finds a peer by prefix.
func (r *Registry) Lookup(prefix bar.PeerPrefix) (*Peer, bool) {
	h, ok := r.index[prefix]
	if !ok {
		return nil, false
	}
	return r.slots[h], true
}

func (r *Registry) Keepalive() time.Duration { return r.keepalive }

// Len is the number of peers held, active or not.
func (r *Registry) Len() int { return len(r.slots) }

// Evicted counts peers displaced by newcomers.
func (r *Registry) Evicted() uint64 { return r.evicted }

// Restarts counts instance id changes.
func (r *Registry) Restarts() uint64 { return r.resets }

// Active lists peers heard within the keepalive window, ordered by prefix.
func (r *Registry) Active(now time.Time) []*Peer {
	out := make([]*Peer, 0, len(r.slots))
	for _, p := range r.slots {
		if p.Active(now, r.keepalive) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Prefix[:], out[j].Prefix[:]) < 0
	})
	return out
}

// ActiveCount is len(Active(now)) without the allocation.
func (r *Registry) ActiveCount(now time.Time) int {
	n := 0
	for _, p := range r.slots {
		if p.Active(now, r.keepalive) {
			n++
		}
	}
	return n
}

// InFlight counts partial transfers across all peers.
func (r *Registry) InFlight() int {
	n := 0
	for _, p := range r.slots {
		for _, pt := range p.partials {
			if pt != nil {
				n++
			}
		}
	}
	return n
}

// Each visits every peer in slot order.
func (r *Registry) Each(fn func(Handle, *Peer)) {
	for i, p := range r.slots {
		fn(Handle(i), p)
	}
}
