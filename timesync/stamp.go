// Package timesync carries the coarse time distribution used between radio
// nodes: a 13-byte timestamp that rides both in radio frames and in UDP
// broadcasts, and a stratum-tracking clock that adopts better sources.
package timesync

import (
	"encoding/binary"
	"errors"
	"time"
)

const (
	Tag = 'T'
	// StampLen is the encoded size including the tag byte.
	StampLen = 1 + 1 + 8 + 3
	// Port is the UDP port time datagrams are broadcast to.
	Port = 0x5401
)

var (
	ErrShortStamp = errors.New("short timestamp")
	ErrNotStamp   = errors.New("not a timestamp")
	ErrBadMicros  = errors.New("timestamp microseconds out of range")
)

// Stamp is one time announcement. Lower strata are closer to a reference.
type Stamp struct {
	Stratum uint8
	Time    time.Time
}

// Append encodes s onto dst: tag, stratum, seconds (8 bytes LE), microseconds
// (3 bytes LE).
func (s Stamp) Append(dst []byte) []byte {
	var b [StampLen]byte
	b[0] = Tag
	b[1] = s.Stratum
	binary.LittleEndian.PutUint64(b[2:10], uint64(s.Time.Unix()))
	us := uint32(s.Time.Nanosecond() / 1000)
	b[10] = byte(us)
	b[11] = byte(us >> 8)
	b[12] = byte(us >> 16)
	return append(dst, b[:]...)
}

// Decode parses a stamp from the head of b.
func Decode(b []byte) (Stamp, error) {
	if len(b) < StampLen {
		return Stamp{}, ErrShortStamp
	}
	if b[0] != Tag {
		return Stamp{}, ErrNotStamp
	}
	sec := int64(binary.LittleEndian.Uint64(b[2:10]))
	us := int64(b[10]) | int64(b[11])<<8 | int64(b[12])<<16
	if us >= 1_000_000 {
		return Stamp{}, ErrBadMicros
	}
	return Stamp{Stratum: b[1], Time: time.Unix(sec, us*1000)}, nil
}
