package frame

import (
	"bytes"
	"encoding/hex"
	"strconv"
)

const (
	// lines of this length or shorter are modem chatter ("OK", prompts).
	minLineLen = 10
	maxLineLen = 16 + 2*PhysicalMTU + 32

	txPrefix = "AT+TX="
	rxPrefix = "+RX "
)

type lineState int

const (
	lineCollect lineState = iota
	lineDiscard           // overlong line, skip to next newline
)

// LineFraming speaks the textual modem dialect: frames go out as
// "AT+TX=<HEX>\n" and come back as "+RX <len>,<HEX>,<rssi>,<snr>\n".
type LineFraming struct {
	state lineState
	buf   []byte
}

func NewLineFraming() *LineFraming {
	return &LineFraming{buf: make([]byte, 0, maxLineLen)}
}

func (*LineFraming) Name() string { return "line" }

func (*LineFraming) Wrap(dst, payload []byte) []byte {
	dst = append(dst, txPrefix...)
	for _, b := range payload {
		dst = append(dst, hexUpper[b>>4], hexUpper[b&0x0f])
	}
	return append(dst, '\n')
}

const hexUpper = "0123456789ABCDEF"

func (l *LineFraming) Feed(raw []byte, emit func(Raw)) int {
	dropped := 0
	for _, c := range raw {
		switch l.state {
		case lineCollect:
			if c == '\n' {
				if !l.line(l.buf, emit) {
					dropped++
				}
				l.buf = l.buf[:0]
				continue
			}
			if len(l.buf) == maxLineLen {
				l.buf = l.buf[:0]
				l.state = lineDiscard
				dropped++
				continue
			}
			l.buf = append(l.buf, c)
		case lineDiscard:
			if c == '\n' {
				l.state = lineCollect
			}
		}
	}
	return dropped
}

// Pending is the number of buffered bytes of an unfinished line.
func (l *LineFraming) Pending() int { return len(l.buf) }

// line handles one complete line. It returns false only for a recognised
// receive report that could not be parsed.
func (l *LineFraming) line(s []byte, emit func(Raw)) bool {
	s = bytes.TrimRight(s, "\r")
	if len(s) <= minLineLen || !bytes.HasPrefix(s, []byte(rxPrefix)) {
		return true
	}
	fields := bytes.Split(s[len(rxPrefix):], []byte{','})
	if len(fields) < 2 {
		return false
	}
	n, err := strconv.Atoi(string(bytes.TrimSpace(fields[0])))
	if err != nil || n <= 0 || 2*n != len(fields[1]) {
		return false
	}
	data := make([]byte, n)
	if _, err := hex.Decode(data, fields[1]); err != nil {
		return false
	}
	r := Raw{Data: data}
	if len(fields) >= 4 {
		rssi, err1 := strconv.Atoi(string(bytes.TrimSpace(fields[2])))
		snr, err2 := strconv.Atoi(string(bytes.TrimSpace(fields[3])))
		if err1 == nil && err2 == nil {
			r.RSSI, r.SNR, r.HasSignal = rssi, snr, true
		}
	}
	emit(r)
	return true
}
