package timesync

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/unkn0wn-root/lbsync/internal/log"
)

// LANDelay is added to stamps heard over UDP to cover ethernet transit.
const LANDelay = 5 * time.Millisecond

// Service broadcasts our clock over UDP and feeds stamps it hears back into
// the clock.
type Service struct {
	conn     *net.UDPConn
	clock    *Clock
	targets  []*net.UDPAddr
	interval time.Duration
	logger   log.Logger
}

// Listen binds the time socket on addr (":21505" style; empty means the
// default port on all interfaces). targets are broadcast addresses, with or
// without a port.
func Listen(addr string, clock *Clock, targets []string, interval time.Duration, logger log.Logger) (*Service, error) {
	if addr == "" {
		addr = fmt.Sprintf(":%d", Port)
	}
	la, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("timesync: resolve %q: %w", addr, err)
	}
	s := &Service{clock: clock, interval: interval, logger: logger}
	for _, t := range targets {
		if _, _, err := net.SplitHostPort(t); err != nil {
			t = net.JoinHostPort(t, fmt.Sprint(Port))
		}
		ta, err := net.ResolveUDPAddr("udp4", t)
		if err != nil {
			return nil, fmt.Errorf("timesync: resolve target %q: %w", t, err)
		}
		s.targets = append(s.targets, ta)
	}
	conn, err := net.ListenUDP("udp4", la)
	if err != nil {
		return nil, fmt.Errorf("timesync: listen %q: %w", addr, err)
	}
	s.conn = conn
	if s.interval <= 0 {
		s.interval = time.Second
	}
	return s, nil
}

// LocalAddr is the bound socket address.
func (s *Service) LocalAddr() net.Addr { return s.conn.LocalAddr() }

// Close releases the socket.
func (s *Service) Close() error { return s.conn.Close() }

// Announce sends one stamp to every target.
func (s *Service) Announce() error {
	msg := s.clock.Announce().Append(nil)
	var firstErr error
	for _, t := range s.targets {
		if _, err := s.conn.WriteToUDP(msg, t); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// receive waits until deadline for one datagram. Anything that is not a
// well-formed stamp is ignored.
func (s *Service) receive(deadline time.Time) (bool, error) {
	if err := s.conn.SetReadDeadline(deadline); err != nil {
		return false, err
	}
	var buf [64]byte
	n, _, err := s.conn.ReadFromUDP(buf[:])
	if err != nil {
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			return false, nil
		}
		return false, err
	}
	if n != StampLen {
		return false, nil
	}
	st, err := Decode(buf[:n])
	if err != nil {
		return false, nil
	}
	return s.clock.Observe(st, LANDelay), nil
}

// Run announces once per interval and listens in between until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	next := time.Now()
	for {
		if ctx.Err() != nil {
			return nil
		}
		if now := time.Now(); !now.Before(next) {
			if err := s.Announce(); err != nil {
				s.logger.Error("time broadcast failed", "err", err)
			}
			next = now.Add(s.interval)
		}
		// short deadlines keep ctx cancellation responsive.
		deadline := time.Now().Add(100 * time.Millisecond)
		if deadline.After(next) {
			deadline = next
		}
		adopted, err := s.receive(deadline)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("timesync: receive: %w", err)
		}
		if adopted {
			s.logger.Info("adopted time", "stratum", s.clock.Stratum(), "offset", s.clock.Offset())
		}
	}
}
