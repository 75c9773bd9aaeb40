package frame

import (
	"errors"
	"fmt"

	"github.com/vivint/infectious"
)

const (
	fecData  = 8
	fecTotal = 10 // two parity shares
)

var ErrFEC = errors.New("fec: uncorrectable frame")

// FEC spreads a payload over fecData data shares plus fecParity parity shares.
// The physical frame is one length byte followed by the shares back to back;
// a 200-byte payload becomes 1 + 10*25 = 251 bytes.
type FEC struct {
	rs *infectious.FEC
}

func NewFEC() (*FEC, error) {
	rs, err := infectious.NewFEC(fecData, fecTotal)
	if err != nil {
		return nil, fmt.Errorf("fec: %w", err)
	}
	return &FEC{rs: rs}, nil
}

// EncodedLen is the physical size of an n-byte payload.
func EncodedLen(n int) int {
	return 1 + fecTotal*shareLen(n)
}

func shareLen(n int) int {
	s := (n + fecData - 1) / fecData
	if s == 0 {
		s = 1
	}
	return s
}

// Encode appends the protected form of payload to dst. scratch must have room
// for the padded payload; it is used as working space only.
func (f *FEC) Encode(dst, payload, scratch []byte) ([]byte, error) {
	if len(payload) > 0xff {
		return dst, ErrOversize
	}
	s := shareLen(len(payload))
	padded := scratch[:s*fecData]
	n := copy(padded, payload)
	for i := n; i < len(padded); i++ {
		padded[i] = 0
	}

	dst = append(dst, byte(len(payload)))
	base := len(dst)
	dst = append(dst, make([]byte, fecTotal*s)...)
	err := f.rs.Encode(padded, func(sh infectious.Share) {
		copy(dst[base+sh.Number*s:], sh.Data)
	})
	if err != nil {
		return dst[:base-1], fmt.Errorf("fec: %w", err)
	}
	return dst, nil
}

// Decode recovers the payload from a physical frame, correcting up to one
// corrupted share.
func (f *FEC) Decode(raw []byte) ([]byte, error) {
	if len(raw) < 1+fecTotal {
		return nil, ErrFEC
	}
	n := int(raw[0])
	body := raw[1:]
	if len(body)%fecTotal != 0 {
		return nil, ErrFEC
	}
	s := len(body) / fecTotal
	if n > s*fecData {
		return nil, ErrFEC
	}
	// Decode corrects shares in place, so work on a copy.
	work := append([]byte(nil), body...)
	shares := make([]infectious.Share, fecTotal)
	for i := range shares {
		shares[i] = infectious.Share{Number: i, Data: work[i*s : (i+1)*s]}
	}
	out, err := f.rs.Decode(nil, shares)
	if err != nil {
		return nil, ErrFEC
	}
	return out[:n], nil
}
