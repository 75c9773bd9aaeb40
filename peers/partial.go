package peers

import (
	"time"

	"github.com/unkn0wn-root/lbsync/bar"
	"github.com/unkn0wn-root/lbsync/frame"
)

// Partial is one bundle being reassembled from one peer.
type Partial struct {
	BID      bar.BundlePrefix
	Version  uint64
	Manifest *Segments
	Body     *Segments
	Errors   int
	Started  time.Time
	Updated  time.Time
}

func newPartial(bid bar.BundlePrefix, version uint64, now time.Time) *Partial {
	return &Partial{
		BID:      bid,
		Version:  version,
		Manifest: NewSegments(),
		Body:     NewSegments(),
		Started:  now,
		Updated:  now,
	}
}

// Buffer returns the reassembly buffer for k.
func (p *Partial) Buffer(k frame.Kind) *Segments {
	if k == frame.KindManifest {
		return p.Manifest
	}
	return p.Body
}

func (p *Partial) Complete() bool { return p.Manifest.Complete() && p.Body.Complete() }

// Progress is bytes held against bytes declared, over both buffers. Total is
// zero while neither length is known.
func (p *Partial) Progress() (have, total uint64) {
	have = p.Manifest.Received() + p.Body.Received()
	if n, ok := p.Manifest.Length(); ok {
		total += n
	}
	if n, ok := p.Body.Length(); ok {
		total += n
	}
	return have, total
}
