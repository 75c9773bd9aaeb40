package bar

import (
	"encoding/binary"
	"errors"
	"math/bits"
)

// DescriptorLen is the wire size of a bundle announcement record (BAR):
// bundle id prefix, version, recipient prefix and a size byte.
const DescriptorLen = BundlePrefixLen + 8 + PeerPrefixLen + 1

const meshmsFlag = 0x80

var ErrShortDescriptor = errors.New("short descriptor")

// Descriptor is a fixed-width digest claiming "I hold this bundle at this
// version". It is never a request.
type Descriptor [DescriptorLen]byte

// New packs a descriptor.
func New(bid BundlePrefix, version uint64, recipient PeerPrefix, length uint64, meshms bool) Descriptor {
	var d Descriptor
	copy(d[0:8], bid[:])
	binary.BigEndian.PutUint64(d[8:16], version)
	copy(d[16:20], recipient[:])
	d[20] = SizeByte(length, meshms)
	return d
}

// Decode reads a descriptor from the head of b.
func Decode(b []byte) (Descriptor, error) {
	var d Descriptor
	if len(b) < DescriptorLen {
		return d, ErrShortDescriptor
	}
	copy(d[:], b[:DescriptorLen])
	return d, nil
}

func (d Descriptor) BundlePrefix() BundlePrefix {
	var p BundlePrefix
	copy(p[:], d[0:8])
	return p
}

func (d Descriptor) Version() uint64 { return binary.BigEndian.Uint64(d[8:16]) }

func (d Descriptor) Recipient() PeerPrefix {
	var p PeerPrefix
	copy(p[:], d[16:20])
	return p
}

func (d Descriptor) SizeByte() byte { return d[20] }

// MeshMS reports whether the bundle is a conversation bundle.
func (d Descriptor) MeshMS() bool { return d[20]&meshmsFlag != 0 }

// MaxLength is the upper bound of the payload length implied by the size byte.
func (d Descriptor) MaxLength() uint64 { return SizeByteToLength(d[20]) }

func (d Descriptor) IsZero() bool { return d == Descriptor{} }

// XOR folds o into d.
func (d *Descriptor) XOR(o Descriptor) {
	for i := range d {
		d[i] ^= o[i]
	}
}

// SizeByte encodes the payload length as its bit length (a log2 size class),
// with the high bit flagging MeshMS bundles.
func SizeByte(length uint64, meshms bool) byte {
	b := byte(bits.Len64(length))
	if meshms {
		b |= meshmsFlag
	}
	return b
}

// SizeByteToLength is the largest length that maps to the size byte b.
func SizeByteToLength(b byte) uint64 {
	class := uint(b &^ meshmsFlag)
	switch {
	case class == 0:
		return 0
	case class >= 64:
		return ^uint64(0)
	}
	return 1<<class - 1
}
