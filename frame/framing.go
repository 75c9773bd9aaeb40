package frame

// Raw is one physical frame lifted off the wire, before FEC.
type Raw struct {
	Data      []byte
	RSSI      int
	SNR       int
	HasSignal bool
}

// Framing turns payload bytes into what a radio accepts on its serial side
// and splits the radio's output back into frames. Implementations keep any
// partial input between Feed calls.
type Framing interface {
	Name() string
	// Wrap appends the transmit command for payload to dst.
	Wrap(dst, payload []byte) []byte
	// Feed consumes raw transport bytes, calling emit for every complete
	// frame. It returns how many recognised frames were malformed.
	Feed(raw []byte, emit func(Raw)) (dropped int)
}

// ByName returns a fresh framing for a radio type name.
func ByName(name string) (Framing, bool) {
	switch name {
	case "line", "rf95", "":
		return NewLineFraming(), true
	case "kiss":
		return NewKISSFraming(), true
	}
	return nil, false
}
