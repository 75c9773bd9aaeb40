// Package txqueue decides what this node announces next: a deterministic
// priority over locally held bundles, bounded advisory queues per peer and
// resumable announcement progress.
package txqueue

import (
	"math/bits"
	"strings"

	"github.com/unkn0wn-root/lbsync/bar"
)

const (
	ServiceMeshMS1 = "MeshMS1"
	ServiceMeshMS2 = "MeshMS2"
	ServiceFile    = "file"
)

// Bundle is the part of a stored bundle the scheduler needs.
type Bundle struct {
	BID            bar.BundlePrefix
	ID             string // full hex bundle id
	Version        uint64
	Service        string
	Length         uint64 // body bytes
	ManifestLength uint64
	Sender         bar.PeerPrefix
	Recipient      bar.PeerPrefix
	Originated     bool
	InsertFailures int
}

// MeshMS reports whether the bundle is a conversation bundle.
func (b Bundle) MeshMS() bool {
	return strings.EqualFold(b.Service, ServiceMeshMS1) || strings.EqualFold(b.Service, ServiceMeshMS2)
}

// Descriptor is the BAR that announces b.
func (b Bundle) Descriptor() bar.Descriptor {
	return bar.New(b.BID, b.Version, b.Recipient, b.Length, b.MeshMS())
}

// Context is what priority may know about the channel.
type Context struct {
	// OnChannel reports whether a recipient is currently an active peer.
	OnChannel func(bar.PeerPrefix) bool
	// Flat disables prioritisation; order falls back to bundle index.
	Flat bool
}

// Priority layout, most significant first:
//
//	63     per-peer recipient boost
//	61-62  service tier
//	60     recipient is on the channel
//	59     originated here
//	53-58  inverted size class, pushed down by insert failures
//	0-52   version
const (
	boostBit     = 63
	tierShift    = 61
	onChanBit    = 60
	originBit    = 59
	sizeShift    = 53
	versionMask  = 1<<sizeShift - 1
	failurePenal = 2 // size classes per failed insert
)

func serviceTier(service string) uint64 {
	switch {
	case strings.EqualFold(service, ServiceMeshMS2):
		return 3
	case strings.EqualFold(service, ServiceMeshMS1):
		return 2
	case strings.EqualFold(service, ServiceFile):
		return 1
	}
	return 0
}

// IntrinsicPriority ranks a bundle on its own attributes. Larger is more
// urgent. The result never sets the per-peer boost bit.
func IntrinsicPriority(b Bundle, c Context) uint64 {
	if c.Flat {
		return 0
	}
	p := serviceTier(b.Service) << tierShift
	if !b.Recipient.IsZero() && c.OnChannel != nil && c.OnChannel(b.Recipient) {
		p |= 1 << onChanBit
	}
	if b.Originated {
		p |= 1 << originBit
	}
	class := bits.Len64(b.Length+b.ManifestLength) + failurePenal*b.InsertFailures
	if class > 63 {
		class = 63
	}
	p |= uint64(63-class) << sizeShift
	v := b.Version
	if v > versionMask {
		v = versionMask
	}
	return p | v
}

// Peer is what per-peer ranking needs to know about a neighbour.
type Peer interface {
	Has(bar.BundlePrefix) (uint64, bool)
}

// PeerPriority adjusts an intrinsic priority for one peer. skip is true when
// the peer already announced the bundle at this version or newer.
func PeerPriority(b Bundle, intrinsic uint64, prefix bar.PeerPrefix, peer Peer) (p uint64, skip bool) {
	if peer != nil {
		if v, ok := peer.Has(b.BID); ok && v >= b.Version {
			return 0, true
		}
	}
	if !prefix.IsZero() && prefix == b.Recipient {
		intrinsic |= 1 << boostBit
	}
	return intrinsic, false
}
