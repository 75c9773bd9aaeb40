package bar

import (
	"encoding/hex"
	"errors"
	"strings"
)

const (
	PeerPrefixLen   = 4
	BundlePrefixLen = 8
)

var ErrBadHex = errors.New("bad hex identifier")

// PeerPrefix is the leading bytes of a node's signing identity (SID). It is
// all a frame carries to tell neighbours apart.
type PeerPrefix [PeerPrefixLen]byte

// BundlePrefix is the leading bytes of a bundle id.
type BundlePrefix [BundlePrefixLen]byte

func (p PeerPrefix) String() string   { return strings.ToUpper(hex.EncodeToString(p[:])) }
func (p BundlePrefix) String() string { return strings.ToUpper(hex.EncodeToString(p[:])) }

func (p PeerPrefix) IsZero() bool { return p == PeerPrefix{} }

// ParsePeerPrefix takes the first PeerPrefixLen bytes of a hex SID.
func ParsePeerPrefix(s string) (PeerPrefix, error) {
	var p PeerPrefix
	if err := decodePrefix(p[:], s); err != nil {
		return p, err
	}
	return p, nil
}

// ParseBundlePrefix takes the first BundlePrefixLen bytes of a hex bundle id.
func ParseBundlePrefix(s string) (BundlePrefix, error) {
	var p BundlePrefix
	if err := decodePrefix(p[:], s); err != nil {
		return p, err
	}
	return p, nil
}

func decodePrefix(dst []byte, s string) error {
	if len(s) < 2*len(dst) {
		return ErrBadHex
	}
	if _, err := hex.Decode(dst, []byte(s[:2*len(dst)])); err != nil {
		return ErrBadHex
	}
	return nil
}
