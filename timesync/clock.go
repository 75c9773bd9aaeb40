package timesync

import (
	"sync"
	"time"
)

// Mode selects how a Clock treats other sources.
type Mode int

const (
	// ModeNormal never adopts remote time and, starting at the worst
	// stratum, has nothing to announce.
	ModeNormal Mode = iota
	// ModeMaster pins its stratum at 1.
	ModeMaster
	// ModeSlave adopts time from any source with a better stratum.
	ModeSlave
)

const (
	masterStratum = 0x0100
	worstStratum  = 0xffff
)

// Clock tracks our time stratum and the offset adopted from better sources.
// The stratum is kept with 8 fractional bits so it decays slowly: each
// announcement we make without hearing a better source adds 1/256.
type Clock struct {
	mu      sync.Mutex
	mode    Mode
	stratum uint16
	offset  time.Duration
	adopted int
	now     func() time.Time
}

// NewClock returns a clock in the given mode. now defaults to time.Now.
func NewClock(mode Mode, now func() time.Time) *Clock {
	if now == nil {
		now = time.Now
	}
	c := &Clock{mode: mode, stratum: worstStratum, now: now}
	if mode == ModeMaster {
		c.stratum = masterStratum
	}
	return c
}

// Now is wall-clock time corrected by the adopted offset.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now().Add(c.offset)
}

// Stratum is the wire stratum (integer part).
func (c *Clock) Stratum() uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return uint8(c.stratum >> 8)
}

// Offset is the correction currently applied to local time.
func (c *Clock) Offset() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offset
}

// Adopted counts how many remote stamps have been taken.
func (c *Clock) Adopted() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.adopted
}

// Announce decays the stratum and returns the stamp to broadcast.
func (c *Clock) Announce() Stamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mode == ModeMaster {
		c.stratum = masterStratum
	} else if c.stratum < worstStratum {
		c.stratum++
	}
	return Stamp{Stratum: uint8(c.stratum >> 8), Time: c.now().Add(c.offset)}
}

// Observe considers a remote stamp. delay is the expected transit time added
// to the remote reading. It reports whether the stamp was adopted.
func (c *Clock) Observe(s Stamp, delay time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mode != ModeSlave {
		return false
	}
	if s.Stratum == 0xff || uint16(s.Stratum) >= c.stratum>>8 {
		return false
	}
	c.stratum = uint16(s.Stratum+1) << 8
	c.offset = s.Time.Add(delay).Sub(c.now())
	c.adopted++
	return true
}
