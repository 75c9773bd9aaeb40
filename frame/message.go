package frame

import (
	"encoding/binary"
	"errors"

	"github.com/unkn0wn-root/lbsync/bar"
	"github.com/unkn0wn-root/lbsync/timesync"
)

// HeaderLen is sender prefix, instance id and message number.
const HeaderLen = bar.PeerPrefixLen + 4 + 2

// Record tags.
const (
	TagBAR      = 'B'
	TagManifest = 'M'
	TagBody     = 'P'
	TagLength   = 'L'
	TagResume   = 'R'
	TagTime     = timesync.Tag
	TagTree     = 'X'
)

const (
	pieceOverhead  = 1 + 1 + bar.BundlePrefixLen + 8 + 4 + 1
	lengthLen      = 1 + bar.BundlePrefixLen + 8 + 1 + 4
	resumeLen      = 1 + bar.PeerPrefixLen + bar.BundlePrefixLen + 8 + 1 + 4
	treeNodeLen    = 1 + 1 + 2 + bar.DescriptorLen
	maxPieceData   = 0xff
	pieceFlagFinal = 0x01
)

var (
	ErrShortHeader = errors.New("frame: short header")
	ErrTruncated   = errors.New("frame: truncated record")
)

// Kind names which half of a bundle a piece belongs to.
type Kind uint8

const (
	KindManifest Kind = iota
	KindBody
)

func (k Kind) String() string {
	if k == KindManifest {
		return "manifest"
	}
	return "body"
}

// Header opens every frame.
type Header struct {
	Sender   bar.PeerPrefix
	Instance uint32
	Seq      uint16
}

// Piece is a byte range of a bundle's manifest or body. Final marks the piece
// that reaches the end of its buffer.
type Piece struct {
	Kind    Kind
	BID     bar.BundlePrefix
	Version uint64
	Offset  uint32
	Data    []byte
	Final   bool
}

// End is the offset just past the piece.
func (p Piece) End() uint64 { return uint64(p.Offset) + uint64(len(p.Data)) }

// Length declares the total size of one buffer of a bundle.
type Length struct {
	BID     bar.BundlePrefix
	Version uint64
	Kind    Kind
	Length  uint32
}

// Resume asks Target to continue a bundle from Offset.
type Resume struct {
	Target  bar.PeerPrefix
	BID     bar.BundlePrefix
	Version uint64
	Kind    Kind
	Offset  uint32
}

// TreeNode carries one XOR summary of the sender's bundle tree.
type TreeNode struct {
	Level uint8
	Index uint16
	XOR   bar.Descriptor
}

// Message is a parsed frame.
type Message struct {
	Header
	BARs    []bar.Descriptor
	Pieces  []Piece
	Lengths []Length
	Resumes []Resume
	Stamps  []timesync.Stamp
	Nodes   []TreeNode
	// Unknown is set when parsing stopped at an unrecognised tag.
	Unknown bool
}

// Writer builds a frame under an MTU. Each Add reports whether the record
// fitted; a record that does not fit leaves the frame unchanged.
type Writer struct {
	buf []byte
	mtu int
}

// NewWriter starts a frame with h.
func NewWriter(h Header, mtu int) *Writer {
	w := &Writer{buf: make([]byte, 0, mtu), mtu: mtu}
	w.buf = append(w.buf, h.Sender[:]...)
	w.buf = binary.LittleEndian.AppendUint32(w.buf, h.Instance)
	w.buf = binary.LittleEndian.AppendUint16(w.buf, h.Seq)
	return w
}

func (w *Writer) Bytes() []byte { return w.buf }
func (w *Writer) Len() int      { return len(w.buf) }
func (w *Writer) Room() int     { return w.mtu - len(w.buf) }

// Empty reports whether only the header has been written.
func (w *Writer) Empty() bool { return len(w.buf) == HeaderLen }

func (w *Writer) AddBAR(d bar.Descriptor) bool {
	if w.Room() < 1+bar.DescriptorLen {
		return false
	}
	w.buf = append(w.buf, TagBAR)
	w.buf = append(w.buf, d[:]...)
	return true
}

// PieceRoom is how many data bytes a piece could carry right now.
func (w *Writer) PieceRoom() int {
	n := w.Room() - pieceOverhead
	if n > maxPieceData {
		n = maxPieceData
	}
	if n < 0 {
		return 0
	}
	return n
}

// AddPiece writes as much of p.Data as fits and returns the number of data
// bytes written. A truncated piece never carries the final flag.
func (w *Writer) AddPiece(p Piece) int {
	n := len(p.Data)
	if room := w.PieceRoom(); n > room {
		n = room
		p.Final = false
	}
	if n == 0 && len(p.Data) > 0 {
		return 0
	}
	if w.Room() < pieceOverhead {
		return 0
	}
	tag := byte(TagManifest)
	if p.Kind == KindBody {
		tag = TagBody
	}
	var flags byte
	if p.Final {
		flags |= pieceFlagFinal
	}
	w.buf = append(w.buf, tag, flags)
	w.buf = append(w.buf, p.BID[:]...)
	w.buf = binary.LittleEndian.AppendUint64(w.buf, p.Version)
	w.buf = binary.LittleEndian.AppendUint32(w.buf, p.Offset)
	w.buf = append(w.buf, byte(n))
	w.buf = append(w.buf, p.Data[:n]...)
	return n
}

func (w *Writer) AddLength(l Length) bool {
	if w.Room() < lengthLen {
		return false
	}
	w.buf = append(w.buf, TagLength)
	w.buf = append(w.buf, l.BID[:]...)
	w.buf = binary.LittleEndian.AppendUint64(w.buf, l.Version)
	w.buf = append(w.buf, byte(l.Kind))
	w.buf = binary.LittleEndian.AppendUint32(w.buf, l.Length)
	return true
}

func (w *Writer) AddResume(r Resume) bool {
	if w.Room() < resumeLen {
		return false
	}
	w.buf = append(w.buf, TagResume)
	w.buf = append(w.buf, r.Target[:]...)
	w.buf = append(w.buf, r.BID[:]...)
	w.buf = binary.LittleEndian.AppendUint64(w.buf, r.Version)
	w.buf = append(w.buf, byte(r.Kind))
	w.buf = binary.LittleEndian.AppendUint32(w.buf, r.Offset)
	return true
}

// AddStamp writes a timestamp record; its layout is the UDP time datagram.
func (w *Writer) AddStamp(s timesync.Stamp) bool {
	if w.Room() < timesync.StampLen {
		return false
	}
	w.buf = s.Append(w.buf)
	return true
}

func (w *Writer) AddNode(n TreeNode) bool {
	if w.Room() < treeNodeLen {
		return false
	}
	w.buf = append(w.buf, TagTree, n.Level)
	w.buf = binary.LittleEndian.AppendUint16(w.buf, n.Index)
	w.buf = append(w.buf, n.XOR[:]...)
	return true
}

// ParseHeader reads only the frame header.
func ParseHeader(b []byte) (Header, error) {
	var h Header
	if len(b) < HeaderLen {
		return h, ErrShortHeader
	}
	copy(h.Sender[:], b[:bar.PeerPrefixLen])
	h.Instance = binary.LittleEndian.Uint32(b[4:8])
	h.Seq = binary.LittleEndian.Uint16(b[8:10])
	return h, nil
}

// Parse decodes a frame. On ErrTruncated the records before the damaged one
// are still returned. Piece data aliases b.
func Parse(b []byte) (Message, error) {
	var m Message
	h, err := ParseHeader(b)
	if err != nil {
		return m, err
	}
	m.Header = h
	p := b[HeaderLen:]
	for len(p) > 0 {
		switch p[0] {
		case TagBAR:
			if len(p) < 1+bar.DescriptorLen {
				return m, ErrTruncated
			}
			d, _ := bar.Decode(p[1:])
			m.BARs = append(m.BARs, d)
			p = p[1+bar.DescriptorLen:]
		case TagManifest, TagBody:
			if len(p) < pieceOverhead {
				return m, ErrTruncated
			}
			n := int(p[pieceOverhead-1])
			if len(p) < pieceOverhead+n {
				return m, ErrTruncated
			}
			pc := Piece{Kind: KindManifest, Final: p[1]&pieceFlagFinal != 0}
			if p[0] == TagBody {
				pc.Kind = KindBody
			}
			copy(pc.BID[:], p[2:10])
			pc.Version = binary.LittleEndian.Uint64(p[10:18])
			pc.Offset = binary.LittleEndian.Uint32(p[18:22])
			pc.Data = p[pieceOverhead : pieceOverhead+n]
			m.Pieces = append(m.Pieces, pc)
			p = p[pieceOverhead+n:]
		case TagLength:
			if len(p) < lengthLen {
				return m, ErrTruncated
			}
			var l Length
			copy(l.BID[:], p[1:9])
			l.Version = binary.LittleEndian.Uint64(p[9:17])
			l.Kind = Kind(p[17] & 1)
			l.Length = binary.LittleEndian.Uint32(p[18:22])
			m.Lengths = append(m.Lengths, l)
			p = p[lengthLen:]
		case TagResume:
			if len(p) < resumeLen {
				return m, ErrTruncated
			}
			var r Resume
			copy(r.Target[:], p[1:5])
			copy(r.BID[:], p[5:13])
			r.Version = binary.LittleEndian.Uint64(p[13:21])
			r.Kind = Kind(p[21] & 1)
			r.Offset = binary.LittleEndian.Uint32(p[22:26])
			m.Resumes = append(m.Resumes, r)
			p = p[resumeLen:]
		case TagTime:
			st, err := timesync.Decode(p)
			if err != nil {
				return m, ErrTruncated
			}
			m.Stamps = append(m.Stamps, st)
			p = p[timesync.StampLen:]
		case TagTree:
			if len(p) < treeNodeLen {
				return m, ErrTruncated
			}
			var n TreeNode
			n.Level = p[1]
			n.Index = binary.LittleEndian.Uint16(p[2:4])
			copy(n.XOR[:], p[4:treeNodeLen])
			m.Nodes = append(m.Nodes, n)
			p = p[treeNodeLen:]
		default:
			m.Unknown = true
			return m, nil
		}
	}
	return m, nil
}
