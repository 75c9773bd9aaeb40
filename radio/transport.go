// Package radio owns the byte pipe to the radio: serial ports, UDP sockets
// and an in-memory medium, behind a Link that counts failures and resets the
// transport when it stops working.
package radio

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
)

// Transport is a non-blocking byte pipe. Read returns 0, nil when nothing
// has arrived.
type Transport interface {
	Name() string
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	// Reset reinitialises the underlying device.
	Reset() error
	Close() error
}

// SerialConfig selects a serial port.
type SerialConfig struct {
	Port     string
	BaudRate int
}

// Serial is a serial port polled with a 1ms read timeout.
type Serial struct {
	cfg  SerialConfig
	port serial.Port
}

// OpenSerial opens a serial port 8N1.
func OpenSerial(cfg SerialConfig) (*Serial, error) {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 115200
	}
	s := &Serial{cfg: cfg}
	if err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Serial) open() error {
	mode := &serial.Mode{
		BaudRate: s.cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	p, err := serial.Open(s.cfg.Port, mode)
	if err != nil {
		return fmt.Errorf("radio: open %s: %w", s.cfg.Port, err)
	}
	if err := p.SetReadTimeout(time.Millisecond); err != nil {
		p.Close()
		return fmt.Errorf("radio: %s read timeout: %w", s.cfg.Port, err)
	}
	s.port = p
	return nil
}

func (s *Serial) Name() string { return "serial:" + s.cfg.Port }

func (s *Serial) Read(p []byte) (int, error) {
	if s.port == nil {
		return 0, ErrClosed
	}
	return s.port.Read(p)
}

func (s *Serial) Write(p []byte) (int, error) {
	if s.port == nil {
		return 0, ErrClosed
	}
	return s.port.Write(p)
}

func (s *Serial) Reset() error {
	if s.port != nil {
		s.port.Close()
		s.port = nil
	}
	return s.open()
}

func (s *Serial) Close() error {
	if s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port = nil
	return err
}

// UDP carries frames as datagrams: one bound socket, one destination
// (typically a broadcast address).
type UDP struct {
	local, remote string
	conn          *net.UDPConn
	dst           *net.UDPAddr
}

// OpenUDP binds local and sends to remote.
func OpenUDP(local, remote string) (*UDP, error) {
	u := &UDP{local: local, remote: remote}
	if err := u.open(); err != nil {
		return nil, err
	}
	return u, nil
}

func (u *UDP) open() error {
	la, err := net.ResolveUDPAddr("udp4", u.local)
	if err != nil {
		return fmt.Errorf("radio: resolve %s: %w", u.local, err)
	}
	ra, err := net.ResolveUDPAddr("udp4", u.remote)
	if err != nil {
		return fmt.Errorf("radio: resolve %s: %w", u.remote, err)
	}
	conn, err := net.ListenUDP("udp4", la)
	if err != nil {
		return fmt.Errorf("radio: listen %s: %w", u.local, err)
	}
	u.conn, u.dst = conn, ra
	return nil
}

func (u *UDP) Name() string { return "udp:" + u.conn.LocalAddr().String() }

// LocalAddr is the bound address.
func (u *UDP) LocalAddr() net.Addr { return u.conn.LocalAddr() }

func (u *UDP) Read(p []byte) (int, error) {
	if err := u.conn.SetReadDeadline(time.Now().Add(time.Millisecond)); err != nil {
		return 0, err
	}
	n, _, err := u.conn.ReadFromUDP(p)
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return 0, nil
	}
	return n, err
}

func (u *UDP) Write(p []byte) (int, error) { return u.conn.WriteToUDP(p, u.dst) }

func (u *UDP) Reset() error {
	u.conn.Close()
	return u.open()
}

func (u *UDP) Close() error { return u.conn.Close() }

// Open builds a transport from an address: "udp:<local>,<remote>" or a serial
// device path with an optional "@baud" suffix.
func Open(addr string) (Transport, error) {
	if rest, ok := strings.CutPrefix(addr, "udp:"); ok {
		local, remote, ok := strings.Cut(rest, ",")
		if !ok {
			return nil, fmt.Errorf("%w: %q wants udp:<local>,<remote>", ErrUnknownType, addr)
		}
		return OpenUDP(local, remote)
	}
	cfg := SerialConfig{Port: addr}
	if port, baud, ok := strings.Cut(addr, "@"); ok {
		var b int
		if _, err := fmt.Sscanf(baud, "%d", &b); err != nil || b <= 0 {
			return nil, fmt.Errorf("%w: bad baud rate in %q", ErrUnknownType, addr)
		}
		cfg = SerialConfig{Port: port, BaudRate: b}
	}
	return OpenSerial(cfg)
}

// Medium is an in-memory broadcast channel: every write by one attached
// transport is readable by all the others.
type Medium struct {
	mu      sync.Mutex
	members []*MemTransport
}

func NewMedium() *Medium { return &Medium{} }

// Attach adds a new station to the medium.
func (m *Medium) Attach(name string) *MemTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &MemTransport{name: name, medium: m}
	m.members = append(m.members, t)
	return t
}

func (m *Medium) deliver(from *MemTransport, p []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.members {
		if (t != from || t.Echo) && !t.closed {
			t.inbox = append(t.inbox, p...)
		}
	}
}

// MemTransport is one station on a Medium.
type MemTransport struct {
	name   string
	medium *Medium
	inbox  []byte
	closed bool

	// FailWrites makes the next n writes fail.
	FailWrites int
	// Echo hands the station its own writes back, as a UDP socket sending
	// to a broadcast address does.
	Echo bool
	Resets     int
}

func (t *MemTransport) Name() string { return "mem:" + t.name }

func (t *MemTransport) Read(p []byte) (int, error) {
	t.medium.mu.Lock()
	defer t.medium.mu.Unlock()
	if t.closed {
		return 0, ErrClosed
	}
	n := copy(p, t.inbox)
	t.inbox = t.inbox[n:]
	return n, nil
}

func (t *MemTransport) Write(p []byte) (int, error) {
	t.medium.mu.Lock()
	closed := t.closed
	fail := t.FailWrites > 0
	if fail {
		t.FailWrites--
	}
	t.medium.mu.Unlock()
	if closed {
		return 0, ErrClosed
	}
	if fail {
		return 0, fmt.Errorf("radio: injected write failure on %s", t.name)
	}
	t.medium.deliver(t, append([]byte(nil), p...))
	return len(p), nil
}

func (t *MemTransport) Reset() error {
	t.medium.mu.Lock()
	defer t.medium.mu.Unlock()
	t.Resets++
	t.inbox = nil
	return nil
}

func (t *MemTransport) Close() error {
	t.medium.mu.Lock()
	defer t.medium.mu.Unlock()
	t.closed = true
	return nil
}
