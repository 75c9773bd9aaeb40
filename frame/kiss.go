package frame

const (
	kissFEND  = 0xC0
	kissFESC  = 0xDB
	kissTFEND = 0xDC
	kissTFESC = 0xDD

	kissData = 0x00
)

// KISSFraming wraps frames for binary TNC-style radios:
// FEND, command byte, escaped data, FEND.
type KISSFraming struct {
	buf     []byte
	escaped bool
	bad     bool
}

func NewKISSFraming() *KISSFraming {
	return &KISSFraming{buf: make([]byte, 0, PhysicalMTU+1)}
}

func (*KISSFraming) Name() string { return "kiss" }

func (*KISSFraming) Wrap(dst, payload []byte) []byte {
	dst = append(dst, kissFEND, kissData)
	for _, b := range payload {
		switch b {
		case kissFEND:
			dst = append(dst, kissFESC, kissTFEND)
		case kissFESC:
			dst = append(dst, kissFESC, kissTFESC)
		default:
			dst = append(dst, b)
		}
	}
	return append(dst, kissFEND)
}

func (k *KISSFraming) Feed(raw []byte, emit func(Raw)) int {
	dropped := 0
	for _, c := range raw {
		if c == kissFEND {
			if len(k.buf) > 0 || k.bad {
				if !k.finish(emit) {
					dropped++
				}
			}
			k.buf, k.escaped, k.bad = k.buf[:0], false, false
			continue
		}
		if k.bad {
			continue
		}
		if k.escaped {
			k.escaped = false
			switch c {
			case kissTFEND:
				c = kissFEND
			case kissTFESC:
				c = kissFESC
			default:
				k.bad = true
				continue
			}
		} else if c == kissFESC {
			k.escaped = true
			continue
		}
		if len(k.buf) == cap(k.buf) {
			k.bad = true
			continue
		}
		k.buf = append(k.buf, c)
	}
	return dropped
}

func (k *KISSFraming) finish(emit func(Raw)) bool {
	if k.bad || k.escaped || len(k.buf) < 2 {
		return false
	}
	// only data frames on port 0 carry payloads; other commands are ignored.
	if k.buf[0] != kissData {
		return true
	}
	emit(Raw{Data: append([]byte(nil), k.buf[1:]...)})
	return true
}
