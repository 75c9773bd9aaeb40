package radio

import (
	"fmt"
	"time"

	"github.com/unkn0wn-root/lbsync/internal/log"
)

const (
	DefaultMaxWriteErrors = 3
	DefaultResetsPerMin   = 6
)

// LinkConfig is the retry policy of a Link.
type LinkConfig struct {
	// MaxWriteErrors consecutive write failures trigger a reset.
	MaxWriteErrors int
	// ResetsPerMinute caps how often the transport may be reset.
	ResetsPerMinute int
}

func (c *LinkConfig) FillDefaults() {
	if c.MaxWriteErrors <= 0 {
		c.MaxWriteErrors = DefaultMaxWriteErrors
	}
	if c.ResetsPerMinute <= 0 {
		c.ResetsPerMinute = DefaultResetsPerMin
	}
}

// LinkStats are cumulative counters.
type LinkStats struct {
	BytesIn     uint64
	BytesOut    uint64
	WriteErrors uint64
	ReadErrors  uint64
	Resets      uint64
	Suppressed  uint64 // resets refused by the rate limit
}

// Link wraps a Transport with failure accounting. Transport trouble is
// absorbed here: callers see counters, never a dead process.
type Link struct {
	t           Transport
	cfg         LinkConfig
	consecutive int
	limiter     *resetLimiter
	stats       LinkStats
	logger      log.Logger
}

func NewLink(t Transport, cfg LinkConfig, logger log.Logger) *Link {
	cfg.FillDefaults()
	return &Link{
		t:       t,
		cfg:     cfg,
		limiter: newResetLimiter(cfg.ResetsPerMinute, time.Minute),
		logger:  logger,
	}
}

func (l *Link) Transport() Transport { return l.t }
func (l *Link) Stats() LinkStats     { return l.stats }

// Read drains whatever the transport has without blocking.
func (l *Link) Read(buf []byte, now time.Time) int {
	n, err := l.t.Read(buf)
	if n > 0 {
		l.stats.BytesIn += uint64(n)
	}
	if err != nil {
		l.stats.ReadErrors++
		if IsFatal(err) {
			l.Reset(now, fmt.Sprintf("read: %v", err))
		}
	}
	return n
}

// Write sends one framed message. A failure is counted and, after
// MaxWriteErrors in a row, resets the transport.
func (l *Link) Write(p []byte, now time.Time) error {
	_, err := l.t.Write(p)
	if err == nil {
		l.consecutive = 0
		l.stats.BytesOut += uint64(len(p))
		return nil
	}
	l.stats.WriteErrors++
	l.consecutive++
	if l.consecutive >= l.cfg.MaxWriteErrors {
		l.Reset(now, fmt.Sprintf("%d consecutive write errors: %v", l.consecutive, err))
	}
	return err
}

// Reset reinitialises the transport unless the rate limit forbids it.
func (l *Link) Reset(now time.Time, reason string) error {
	if !l.limiter.Allow(now) {
		l.stats.Suppressed++
		return ErrResetLimited
	}
	l.stats.Resets++
	l.consecutive = 0
	err := l.t.Reset()
	if err != nil {
		l.logger.Error("transport reset failed", "transport", l.t.Name(), "reason", reason, "err", err)
		return err
	}
	l.logger.Info("transport reset", "transport", l.t.Name(), "reason", reason)
	return nil
}

func (l *Link) Close() error { return l.t.Close() }
