// Package frame converts between engine messages and what goes over the
// radio's serial line: message records, forward error correction and the
// radio-specific framing.
package frame

import (
	"errors"
	"fmt"

	pool "github.com/libp2p/go-buffer-pool"
)

const (
	// LinkMTU is the largest message the engine may hand to Encode.
	LinkMTU = 200
	// PhysicalMTU is the largest frame a radio carries.
	PhysicalMTU = 251
)

var ErrOversize = errors.New("frame exceeds MTU")

// Record is one decoded message payload with the signal report it arrived
// with, if the radio gave one.
type Record struct {
	Payload   []byte
	RSSI      int
	SNR       int
	HasSignal bool
}

// Stats are cumulative codec counters.
type Stats struct {
	Heard   int // physical frames recognised on the channel
	Decoded int
	Dropped int // malformed framing, FEC failures, runts
}

// Codec glues a Framing and optional FEC together.
type Codec struct {
	framing Framing
	fec     *FEC
	stats   Stats
}

// NewCodec returns a codec; withFEC enables Reed-Solomon protection.
func NewCodec(f Framing, withFEC bool) (*Codec, error) {
	c := &Codec{framing: f}
	if withFEC {
		fec, err := NewFEC()
		if err != nil {
			return nil, err
		}
		c.fec = fec
	}
	return c, nil
}

func (c *Codec) Framing() Framing { return c.framing }
func (c *Codec) Stats() Stats     { return c.stats }

// MTU is the largest payload Encode accepts.
func (c *Codec) MTU() int { return LinkMTU }

// Encode protects and frames payload for transmission.
func (c *Codec) Encode(payload []byte) ([]byte, error) {
	if len(payload) > LinkMTU {
		return nil, fmt.Errorf("%w: %d > %d", ErrOversize, len(payload), LinkMTU)
	}
	if c.fec == nil {
		return c.framing.Wrap(nil, payload), nil
	}
	phys := pool.Get(EncodedLen(len(payload)))
	defer pool.Put(phys)
	scratch := pool.Get(shareLen(len(payload)) * fecData)
	defer pool.Put(scratch)

	protected, err := c.fec.Encode(phys[:0], payload, scratch)
	if err != nil {
		return nil, err
	}
	if len(protected) > PhysicalMTU {
		return nil, fmt.Errorf("%w: physical %d > %d", ErrOversize, len(protected), PhysicalMTU)
	}
	return c.framing.Wrap(nil, protected), nil
}

// Feed consumes transport bytes and returns the payloads that decoded cleanly
// together with how many physical frames were heard (good or bad). Every
// heard frame is channel activity whether or not it decoded.
func (c *Codec) Feed(raw []byte) ([]Record, int) {
	var out []Record
	heard := 0
	dropped := c.framing.Feed(raw, func(r Raw) {
		heard++
		if len(r.Data) > PhysicalMTU {
			c.stats.Dropped++
			return
		}
		payload := r.Data
		if c.fec != nil {
			p, err := c.fec.Decode(r.Data)
			if err != nil {
				c.stats.Dropped++
				return
			}
			payload = p
		}
		if len(payload) < HeaderLen {
			c.stats.Dropped++
			return
		}
		c.stats.Decoded++
		out = append(out, Record{Payload: payload, RSSI: r.RSSI, SNR: r.SNR, HasSignal: r.HasSignal})
	})
	heard += dropped
	c.stats.Dropped += dropped
	c.stats.Heard += heard
	return out, heard
}
