package frame

import (
	"testing"
)

func FuzzLineFraming(f *testing.F) {
	f.Add([]byte("+RX 11,000102030405060708090A,-90,7\n"))
	f.Add([]byte("OK\n+RX 3,ZZ\n"))
	f.Add([]byte("+RX -1,,,\n"))
	f.Fuzz(func(t *testing.T, in []byte) {
		l := NewLineFraming()
		l.Feed(in, func(r Raw) {
			if len(r.Data) == 0 {
				t.Fatalf("emitted empty frame")
			}
		})
		if l.Pending() > maxLineLen {
			t.Fatalf("line buffer grew to %d", l.Pending())
		}
	})
}

func FuzzKISSFraming(f *testing.F) {
	f.Add(NewKISSFraming().Wrap(nil, []byte{kissFEND, kissFESC, 1, 2}))
	f.Add([]byte{kissFEND, kissFESC, kissFEND})
	f.Fuzz(func(t *testing.T, in []byte) {
		k := NewKISSFraming()
		k.Feed(in, func(r Raw) {
			if len(r.Data) > PhysicalMTU {
				t.Fatalf("frame of %d bytes", len(r.Data))
			}
		})
	})
}

func FuzzParse(f *testing.F) {
	w := NewWriter(Header{Seq: 7}, LinkMTU)
	w.AddPiece(Piece{Kind: KindBody, Data: []byte("hello"), Final: true})
	f.Add(w.Bytes())
	f.Add([]byte("0123456789M"))
	f.Fuzz(func(t *testing.T, in []byte) {
		m, err := Parse(in)
		if err != nil {
			return
		}
		for _, p := range m.Pieces {
			if len(p.Data) > maxPieceData {
				t.Fatalf("piece of %d bytes", len(p.Data))
			}
		}
	})
}

func FuzzCodecFeed(f *testing.F) {
	f.Add([]byte("+RX 11,000102030405060708090A,-90,7\n"))
	f.Fuzz(func(t *testing.T, in []byte) {
		c, err := NewCodec(NewLineFraming(), true)
		if err != nil {
			t.Fatal(err)
		}
		recs, heard := c.Feed(in)
		if len(recs) > heard {
			t.Fatalf("%d records from %d frames", len(recs), heard)
		}
	})
}
