// Package congestion implements the channel-utilisation driven transmit
// scheduler. It counts every frame heard on the channel and every frame this
// node sends over a fixed epoch, and at each epoch boundary retunes the
// inter-transmission interval so that the aggregate channel load converges on
// a fixed duty-cycle budget shared fairly among the active peers.
package congestion

import (
	"math/rand"
	"time"
)

const (
	DefaultEpoch            = 4 * time.Second
	DefaultTargetPerEpoch   = 26 // ~10% utilisation of a 128 kbit/s air interface with 256 byte frames
	DefaultBaseInterval     = 1000 * time.Millisecond
	DefaultInitialJitter    = 250 * time.Millisecond
	DefaultMinJitter        = 25 * time.Millisecond
	DefaultFloor            = 150 * time.Millisecond
	DefaultSilenceThreshold = 3

	// interval used when a back-off multiplication truncates to zero.
	backoffFallbackMS = 50
)

// Config holds the scheduler policy. The numeric thresholds applied inside an
// epoch adjustment are fixed and not configurable.
type Config struct {
	Epoch            time.Duration
	TargetPerEpoch   int
	BaseInterval     time.Duration
	InitialJitter    time.Duration
	MinJitter        time.Duration
	Floor            time.Duration
	SilenceThreshold int
}

// DefaultConfig returns the policy the radios were tuned with.
func DefaultConfig() Config {
	return Config{
		Epoch:            DefaultEpoch,
		TargetPerEpoch:   DefaultTargetPerEpoch,
		BaseInterval:     DefaultBaseInterval,
		InitialJitter:    DefaultInitialJitter,
		MinJitter:        DefaultMinJitter,
		Floor:            DefaultFloor,
		SilenceThreshold: DefaultSilenceThreshold,
	}
}

// FillDefaults replaces zero fields with their defaults.
func (c *Config) FillDefaults() {
	d := DefaultConfig()
	if c.Epoch <= 0 {
		c.Epoch = d.Epoch
	}
	if c.TargetPerEpoch <= 0 {
		c.TargetPerEpoch = d.TargetPerEpoch
	}
	if c.BaseInterval <= 0 {
		c.BaseInterval = d.BaseInterval
	}
	if c.InitialJitter <= 0 {
		c.InitialJitter = d.InitialJitter
	}
	if c.MinJitter <= 0 {
		c.MinJitter = d.MinJitter
	}
	if c.Floor <= 0 {
		c.Floor = d.Floor
	}
	if c.SilenceThreshold <= 0 {
		c.SilenceThreshold = d.SilenceThreshold
	}
}

// Epoch summarises one completed control interval.
type Epoch struct {
	Ratio          float64
	Seen           int
	ByUs           int
	Interval       time.Duration
	Jitter         time.Duration
	SilentEpochs   int
	ResetRequested bool
}

// Scheduler is owned by the event loop; it is not safe for concurrent use.
type Scheduler struct {
	cfg Config
	rnd *rand.Rand

	intervalMS int
	jitterMS   int

	seen int
	byUs int

	silent    int
	nextEpoch time.Time
	lastSend  time.Time
	last      Epoch
}

// New returns a scheduler whose first epoch ends one epoch after now.
// A nil rnd seeds a private source from the clock.
func New(cfg Config, now time.Time, rnd *rand.Rand) *Scheduler {
	cfg.FillDefaults()
	if rnd == nil {
		rnd = rand.New(rand.NewSource(now.UnixNano()))
	}
	return &Scheduler{
		cfg:        cfg,
		rnd:        rnd,
		intervalMS: ms(cfg.BaseInterval),
		jitterMS:   ms(cfg.InitialJitter),
		nextEpoch:  now.Add(cfg.Epoch),
	}
}

// NoteSeen counts a frame transmitted by somebody else.
func (s *Scheduler) NoteSeen() { s.seen++ }

// NoteSent counts a frame transmitted by this node.
func (s *Scheduler) NoteSent() { s.byUs++ }

func (s *Scheduler) Interval() time.Duration { return time.Duration(s.intervalMS) * time.Millisecond }

func (s *Scheduler) Jitter() time.Duration { return time.Duration(s.jitterMS) * time.Millisecond }

// Last returns the most recently completed epoch.
func (s *Scheduler) Last() Epoch { return s.last }

// Counters returns the transmissions observed so far in the current epoch.
func (s *Scheduler) Counters() (seen, byUs int) { return s.seen, s.byUs }

// Tick closes the current epoch when its boundary has passed and retunes the
// interval. It reports false while the epoch is still running.
func (s *Scheduler) Tick(now time.Time, activePeers int) (Epoch, bool) {
	// a deadline further away than one epoch means the wall clock stepped
	// backwards; don't wait it out.
	if s.nextEpoch.Sub(now) > s.cfg.Epoch {
		s.nextEpoch = now.Add(s.cfg.Epoch)
	}
	if !now.After(s.nextEpoch) {
		return Epoch{}, false
	}

	interval, ratio := NextInterval(s.Interval(), s.seen, s.byUs, activePeers, s.cfg)

	jitter := interval >> 2
	if jitter < s.cfg.MinJitter {
		jitter = s.cfg.MinJitter
	}
	if interval < s.cfg.Floor {
		interval = s.cfg.Floor
	}
	s.intervalMS = ms(interval)
	s.jitterMS = ms(jitter)

	ep := Epoch{
		Ratio:    ratio,
		Seen:     s.seen,
		ByUs:     s.byUs,
		Interval: s.Interval(),
		Jitter:   s.Jitter(),
	}

	if s.seen > 0 {
		s.silent = 0
	} else {
		s.silent++
		if s.silent > s.cfg.SilenceThreshold {
			// the radio may have stopped receiving; a reset is cheap.
			ep.ResetRequested = true
			s.silent = 0
		}
	}
	ep.SilentEpochs = s.silent

	s.nextEpoch = now.Add(s.cfg.Epoch)
	s.seen, s.byUs = 0, 0
	s.last = ep
	return ep, true
}

// ReadyToSend reports whether at least one interval has passed since the
// (jittered) time of the previous transmission.
func (s *Scheduler) ReadyToSend(now time.Time) bool {
	if s.lastSend.IsZero() {
		return true
	}
	if s.lastSend.Sub(now) > s.Interval()+s.Jitter() {
		s.lastSend = now
	}
	return now.Sub(s.lastSend) >= s.Interval()
}

// MarkSent records a transmission at now. The next one becomes eligible one
// interval after now plus a uniformly random share of the jitter, so that
// nodes converged on the same interval drift out of lock-step.
func (s *Scheduler) MarkSent(now time.Time) {
	s.NoteSent()
	s.Defer(now)
}

// Defer pushes the next transmission out as MarkSent does without counting
// one. It is used when a frame was built but never reached the air.
func (s *Scheduler) Defer(now time.Time) {
	var j int
	if s.jitterMS > 0 {
		j = s.rnd.Intn(s.jitterMS)
	}
	s.lastSend = now.Add(time.Duration(j) * time.Millisecond)
}

// NextSend returns the earliest instant a transmission is permitted.
func (s *Scheduler) NextSend() time.Time {
	return s.lastSend.Add(s.Interval())
}

// NextInterval applies one epoch's adjustment to cur and returns the new
// interval together with the utilisation ratio it was derived from. The
// returned interval is not yet clamped to cfg.Floor.
func NextInterval(cur time.Duration, seen, byUs, activePeers int, cfg Config) (time.Duration, float64) {
	cfg.FillDefaults()
	interval := ms(cur)
	ratio := float64(seen+byUs) / float64(cfg.TargetPerEpoch)

	switch {
	case ratio < 0.95:
		if ratio < 0.25 {
			// way too quiet: double the rate outright.
			interval /= 2
			break
		}
		adjust := 10
		if ratio < 0.80 && interval > 300 {
			adjust = 20
		}
		if ratio < 0.50 && interval > 300 {
			adjust = 50
		}
		if ratio > 0.90 {
			adjust = 3
		}
		// only speed up while we are not the ones hogging the channel.
		if byUs <= seen {
			interval -= adjust
		}
		if lo := ms(MinimumInterval(activePeers, cfg)); interval < lo {
			interval = lo
		}

	case ratio > 1.0:
		interval = int(float64(interval) * (ratio + 0.4))
		if interval == 0 {
			interval = backoffFallbackMS
		}
		if epoch := ms(cfg.Epoch); interval > epoch {
			interval = epoch
		}
	}

	if seen == 0 {
		// nobody to talk to: stay slow rather than flood the channel.
		interval = ms(cfg.BaseInterval)
	}
	return time.Duration(interval) * time.Millisecond, ratio
}

// MinimumInterval is the fairness bound: each of activePeers may use at most
// an equal share of the per-epoch target. The share is computed in whole
// transmissions per epoch; a zero share clamps to one epoch.
func MinimumInterval(activePeers int, cfg Config) time.Duration {
	cfg.FillDefaults()
	perSecond := 1.0
	if activePeers > 0 {
		share := cfg.TargetPerEpoch / activePeers
		if share == 0 {
			return cfg.Epoch
		}
		perSecond = float64(share) / cfg.Epoch.Seconds()
	}
	return time.Duration(int(1000.0/perSecond)) * time.Millisecond
}

func ms(d time.Duration) int { return int(d / time.Millisecond) }
