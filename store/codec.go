package store

import (
	cbor "github.com/fxamacker/cbor/v2"
)

// Codec encodes stored records. It must be deterministic so that rewriting
// an unchanged record leaves the database bytes unchanged.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}

type CBORCodec[V any] struct{}

func (CBORCodec[V]) Encode(v V) ([]byte, error) { return cborEnc.Marshal(v) }
func (CBORCodec[V]) Decode(b []byte) (V, error) {
	var v V
	err := cbor.Unmarshal(b, &v)
	return v, err
}

var cborEnc = func() cbor.EncMode {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// record is the stored form of a bundle's metadata and manifest.
type record struct {
	ID        string `cbor:"id"`
	Version   uint64 `cbor:"v"`
	Service   string `cbor:"s,omitempty"`
	Author    string `cbor:"a,omitempty"`
	Sender    string `cbor:"snd,omitempty"`
	Recipient string `cbor:"rcp,omitempty"`
	Length    uint64 `cbor:"len"`
	FileHash  string `cbor:"fh,omitempty"`
	FromHere  bool   `cbor:"here,omitempty"`
	Manifest  []byte `cbor:"m"`
	Seq       uint64 `cbor:"seq"`
	Inserted  int64  `cbor:"ts"`
}

func (r record) bundle() Bundle {
	return Bundle{
		ID:             r.ID,
		Version:        r.Version,
		Service:        r.Service,
		Author:         r.Author,
		Sender:         r.Sender,
		Recipient:      r.Recipient,
		Length:         r.Length,
		FileHash:       r.FileHash,
		ManifestLength: uint64(len(r.Manifest)),
		FromHere:       r.FromHere,
	}
}
