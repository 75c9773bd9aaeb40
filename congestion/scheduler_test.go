package congestion

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func newTestScheduler(t *testing.T, now time.Time) *Scheduler {
	t.Helper()
	return New(DefaultConfig(), now, rand.New(rand.NewSource(1)))
}

func TestNextIntervalBackoff(t *testing.T) {
	cfg := DefaultConfig()

	// 30 frames heard against a target of 26: ratio 1.15, factor 1.55.
	got, ratio := NextInterval(1000*time.Millisecond, 30, 0, 2, cfg)
	assert.InDelta(t, 1.1538, ratio, 0.001)
	assert.Equal(t, 1553*time.Millisecond, got)

	// the multiplier is clamped to one epoch.
	got, _ = NextInterval(3000*time.Millisecond, 60, 0, 2, cfg)
	assert.Equal(t, cfg.Epoch, got)
}

func TestNextIntervalSpeedUp(t *testing.T) {
	cfg := DefaultConfig()
	ivl := 1000 * time.Millisecond

	testCases := map[string]struct {
		seen, byUs, peers int
		want              time.Duration
	}{
		"steep recovery halves":       {seen: 3, byUs: 0, peers: 1, want: 500 * time.Millisecond},
		"below half target steps 50":  {seen: 12, byUs: 0, peers: 1, want: 950 * time.Millisecond},
		"below 0.80 steps 20":         {seen: 20, byUs: 0, peers: 1, want: 980 * time.Millisecond},
		"between 0.80 and 0.90":       {seen: 22, byUs: 0, peers: 1, want: 990 * time.Millisecond},
		"near target steps 3":         {seen: 24, byUs: 0, peers: 1, want: 997 * time.Millisecond},
		"hogging channel holds":       {seen: 5, byUs: 10, peers: 1, want: 1000 * time.Millisecond},
		"nobody else heard goes base": {seen: 0, byUs: 12, peers: 0, want: cfg.BaseInterval},
	}

	for name, tc := range testCases {
		tc := tc
		t.Run(name, func(t *testing.T) {
			got, _ := NextInterval(ivl, tc.seen, tc.byUs, tc.peers, cfg)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestNextIntervalFairnessClamp(t *testing.T) {
	cfg := DefaultConfig()
	got, _ := NextInterval(200*time.Millisecond, 20, 0, 2, cfg)
	assert.Equal(t, MinimumInterval(2, cfg), got)
	assert.Equal(t, 307*time.Millisecond, got)
}

func TestMinimumInterval(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 1000*time.Millisecond, MinimumInterval(0, cfg))
	assert.Equal(t, 153*time.Millisecond, MinimumInterval(1, cfg))
	assert.Equal(t, 307*time.Millisecond, MinimumInterval(2, cfg))
	assert.Equal(t, 4000*time.Millisecond, MinimumInterval(26, cfg))
	assert.Equal(t, cfg.Epoch, MinimumInterval(27, cfg))
}

func TestSchedulerTickScenario(t *testing.T) {
	t0 := time.Unix(1000, 0)
	s := newTestScheduler(t, t0)

	for i := 0; i < 30; i++ {
		s.NoteSeen()
	}
	_, done := s.Tick(t0.Add(time.Second), 2)
	require.False(t, done, "epoch must not close early")

	ep, done := s.Tick(t0.Add(cfgEpoch()+time.Millisecond), 2)
	require.True(t, done)
	assert.Equal(t, 30, ep.Seen)
	assert.Equal(t, 1553*time.Millisecond, s.Interval())
	assert.Equal(t, 388*time.Millisecond, s.Jitter())

	seen, byUs := s.Counters()
	assert.Zero(t, seen)
	assert.Zero(t, byUs)
}

func TestSchedulerFloorAndJitterMinimum(t *testing.T) {
	t0 := time.Unix(1000, 0)
	s := newTestScheduler(t, t0)
	now := t0

	// a single frame per epoch keeps the ratio under 0.25, halving every time.
	for i := 0; i < 6; i++ {
		s.NoteSeen()
		now = now.Add(cfgEpoch() + time.Millisecond)
		_, done := s.Tick(now, 1)
		require.True(t, done)
	}
	assert.Equal(t, DefaultFloor, s.Interval())
	assert.Equal(t, DefaultMinJitter, s.Jitter())
}

func TestSchedulerSilenceRequestsReset(t *testing.T) {
	t0 := time.Unix(1000, 0)
	s := newTestScheduler(t, t0)
	now := t0

	for i := 1; i <= DefaultSilenceThreshold; i++ {
		now = now.Add(cfgEpoch() + time.Millisecond)
		ep, done := s.Tick(now, 0)
		require.True(t, done)
		require.False(t, ep.ResetRequested, "epoch %d", i)
		require.Equal(t, i, ep.SilentEpochs)
	}

	now = now.Add(cfgEpoch() + time.Millisecond)
	ep, _ := s.Tick(now, 0)
	assert.True(t, ep.ResetRequested)
	assert.Zero(t, ep.SilentEpochs)
	assert.Equal(t, DefaultBaseInterval, s.Interval())
}

func TestSchedulerClockSkew(t *testing.T) {
	t0 := time.Unix(1000, 0)
	s := newTestScheduler(t, t0)

	// wall clock jumps back ten seconds: the stale deadline is discarded.
	back := t0.Add(-10 * time.Second)
	_, done := s.Tick(back, 0)
	require.False(t, done)

	_, done = s.Tick(back.Add(cfgEpoch()+time.Millisecond), 0)
	assert.True(t, done)
}

func TestSchedulerReadyToSend(t *testing.T) {
	t0 := time.Unix(1000, 0)
	s := newTestScheduler(t, t0)

	require.True(t, s.ReadyToSend(t0))
	s.MarkSent(t0)
	_, byUs := s.Counters()
	require.Equal(t, 1, byUs)

	require.False(t, s.ReadyToSend(t0.Add(10*time.Millisecond)))
	assert.True(t, s.ReadyToSend(t0.Add(s.Interval()+s.Jitter())))
	assert.False(t, s.NextSend().Before(t0.Add(s.Interval())))

	// a send time far in the future (clock went backwards) is pulled in.
	s.lastSend = t0.Add(time.Hour)
	assert.False(t, s.ReadyToSend(t0))
	assert.True(t, s.ReadyToSend(t0.Add(s.Interval())))
}

func TestSchedulerDeferDoesNotCount(t *testing.T) {
	t0 := time.Unix(1000, 0)
	s := newTestScheduler(t, t0)

	s.Defer(t0)
	_, byUs := s.Counters()
	assert.Zero(t, byUs)
	assert.False(t, s.ReadyToSend(t0.Add(10*time.Millisecond)))
	assert.True(t, s.ReadyToSend(t0.Add(s.Interval()+s.Jitter())))
}

func TestNextIntervalMonotonicUnderCongestion(t *testing.T) {
	cfg := DefaultConfig()
	rapid.Check(t, func(t *rapid.T) {
		cur := time.Duration(rapid.IntRange(150, 4000).Draw(t, "cur").(int)) * time.Millisecond
		peers := rapid.IntRange(0, 64).Draw(t, "peers").(int)
		byUs := rapid.IntRange(0, 20).Draw(t, "byUs").(int)
		seen := rapid.IntRange(cfg.TargetPerEpoch+1, 400).Draw(t, "seen").(int)
		more := rapid.IntRange(1, 400).Draw(t, "more").(int)

		a, ra := NextInterval(cur, seen, byUs, peers, cfg)
		b, rb := NextInterval(cur, seen+more, byUs, peers, cfg)
		if ra <= 1.0 || rb <= ra {
			t.Fatalf("ratios not congested: %f %f", ra, rb)
		}
		if b < a {
			t.Fatalf("more traffic shortened interval: %v -> %v", a, b)
		}
		if b < cur {
			t.Fatalf("congestion shortened interval: %v -> %v", cur, b)
		}
	})
}

func TestMinimumIntervalDoublesWithPeers(t *testing.T) {
	cfg := DefaultConfig()
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, cfg.TargetPerEpoch/2).Draw(t, "peers").(int)
		one := MinimumInterval(n, cfg)
		two := MinimumInterval(2*n, cfg)
		if two < 2*one-2*time.Millisecond {
			t.Fatalf("min interval for %d peers (%v) not ~double of %d peers (%v)", 2*n, two, n, one)
		}
		bound := time.Duration(float64(cfg.Epoch) / float64(cfg.TargetPerEpoch) * float64(n))
		if one < bound-time.Millisecond {
			t.Fatalf("min interval %v below fair share %v for %d peers", one, bound, n)
		}
	})
}

func cfgEpoch() time.Duration { return DefaultEpoch }
